// Package chain moves ERC-20 tokens out of the treasury wallet.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/config"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/ledger"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/metrics"
)

const erc20ABI = `[{"type":"function","name":"transfer","stateMutability":"nonpayable",
	"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],
	"outputs":[{"name":"","type":"bool"}]}]`

// TokenSymbol is recorded on every settlement.
const TokenSymbol = "USDC"

// Backend is the part of an Ethereum JSON-RPC client the treasury uses.
// *ethclient.Client satisfies it.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Transfer asks for Amount smallest units of the token to be sent to To.
type Transfer struct {
	To        string
	Amount    *big.Int
	Reference string // ledger transaction id, for logs
	Purpose   string // settlement | refund
}

// Receipt describes a mined and confirmed transfer.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	From        string
	To          string
}

// TokenInfo describes the token and wallet for ledger bookkeeping.
type TokenInfo struct {
	ChainID         int64
	TokenAddress    string
	TokenSymbol     string
	TreasuryAddress string
	Decimals        int32
}

// Transferer is what settlement and refunds need from the chain.
type Transferer interface {
	Transfer(ctx context.Context, t Transfer) (*Receipt, error)
	Info() TokenInfo
}

// TransferError reports where a transfer failed. TxHash is set once the
// transaction was broadcast.
type TransferError struct {
	Stage  string // send | receipt | reverted | confirmations
	TxHash string
	Err    error
}

func (e *TransferError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("transfer %s (%s): %v", e.Stage, e.TxHash, e.Err)
	}
	return fmt.Sprintf("transfer %s: %v", e.Stage, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Treasury signs and sends ERC-20 transfers from one wallet. Sends go through
// a single-worker queue so nonces never collide; receipt and confirmation
// waits run in the caller's goroutine.
type Treasury struct {
	backend        Backend
	key            *ecdsa.PrivateKey
	from           common.Address
	token          common.Address
	chainID        *big.Int
	info           TokenInfo
	transferABI    abi.ABI
	confirmations  uint64
	pollInterval   time.Duration
	confirmTimeout time.Duration
	sends          *workerPool[Transfer, common.Hash]
	logger         *slog.Logger
	closeBackend   func()
}

// NewTreasury builds a treasury over backend. It fails with a
// *config.ConfigurationError when credentials are missing or malformed.
func NewTreasury(ctx context.Context, conf config.TreasuryConf, backend Backend, logger *slog.Logger) (*Treasury, error) {
	if err := config.Missing("treasury", conf.Missing()); err != nil {
		return nil, err
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(conf.PrivateKey), "0x"))
	if err != nil {
		return nil, &config.ConfigurationError{Problems: []string{"TREASURY_PRIVATE_KEY is not a valid secp256k1 key"}}
	}
	if !common.IsHexAddress(conf.USDCContract) {
		return nil, &config.ConfigurationError{Problems: []string{"TREASURY_USDC_CONTRACT is not a hex address"}}
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	from := crypto.PubkeyToAddress(key.PublicKey)
	treasuryAddr := ledger.NormalizeAddress(conf.Address)
	if treasuryAddr == "" {
		treasuryAddr = ledger.NormalizeAddress(from.Hex())
	}
	t := &Treasury{
		backend:     backend,
		key:         key,
		from:        from,
		token:       common.HexToAddress(conf.USDCContract),
		chainID:     big.NewInt(conf.ChainID),
		transferABI: parsed,
		info: TokenInfo{
			ChainID:         conf.ChainID,
			TokenAddress:    ledger.NormalizeAddress(conf.USDCContract),
			TokenSymbol:     TokenSymbol,
			TreasuryAddress: treasuryAddr,
			Decimals:        int32(conf.USDCDecimals),
		},
		confirmations:  uint64(max(1, conf.WaitConfirmations)),
		pollInterval:   conf.PollInterval(),
		confirmTimeout: conf.ConfirmTimeout(),
		logger:         logger.With("component", "treasury"),
	}
	if t.pollInterval <= 0 {
		t.pollInterval = 2 * time.Second
	}
	t.sends = newWorkerPool[Transfer, common.Hash](ctx, 1, max(1, conf.QueueDepth), t.send)
	return t, nil
}

// Dial connects to conf.RPCURL and builds a treasury over it.
func Dial(ctx context.Context, conf config.TreasuryConf, logger *slog.Logger) (*Treasury, error) {
	if err := config.Missing("treasury", conf.Missing()); err != nil {
		return nil, err
	}
	client, err := ethclient.DialContext(ctx, conf.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial treasury rpc: %w", err)
	}
	t, err := NewTreasury(ctx, conf, client, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	t.closeBackend = client.Close
	return t, nil
}

// Info implements Transferer.
func (t *Treasury) Info() TokenInfo { return t.info }

// Close stops the send queue and releases the RPC connection.
func (t *Treasury) Close() {
	t.sends.Drain()
	if t.closeBackend != nil {
		t.closeBackend()
	}
}

// Transfer sends the tokens and waits for the configured confirmations.
func (t *Treasury) Transfer(ctx context.Context, tr Transfer) (*Receipt, error) {
	to := ledger.NormalizeAddress(tr.To)
	if !ledger.ValidAddress(to) {
		return nil, &ledger.ValidationError{Field: "recipient", Reason: "Recipient wallet address is invalid."}
	}
	if tr.Amount == nil || tr.Amount.Sign() <= 0 {
		return nil, &ledger.ValidationError{Field: "amount", Reason: "transfer amount must be greater than zero"}
	}
	tr.To = to

	metrics.TransferQueueDepth.Set(float64(t.sends.QueueLen() + 1))
	hash, err := t.sends.Do(ctx, tr)
	metrics.TransferQueueDepth.Set(float64(t.sends.QueueLen()))
	if err != nil {
		return nil, &TransferError{Stage: "send", Err: err}
	}
	txHash := strings.ToLower(hash.Hex())
	t.logger.Info("transfer sent", "tx", tr.Reference, "purpose", tr.Purpose, "hash", txHash, "to", to, "units", tr.Amount.String())

	waitCtx := ctx
	if t.confirmTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, t.confirmTimeout)
		defer cancel()
	}
	receipt, err := t.waitMined(waitCtx, hash)
	if err != nil {
		return nil, &TransferError{Stage: "receipt", TxHash: txHash, Err: err}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, &TransferError{Stage: "reverted", TxHash: txHash, Err: errors.New("transaction reverted")}
	}
	block := receipt.BlockNumber.Uint64()
	if err := t.waitConfirmations(waitCtx, block); err != nil {
		return nil, &TransferError{Stage: "confirmations", TxHash: txHash, Err: err}
	}
	return &Receipt{
		TxHash:      txHash,
		BlockNumber: block,
		From:        ledger.NormalizeAddress(t.from.Hex()),
		To:          to,
	}, nil
}

// send builds, signs and broadcasts one transfer. It only ever runs on the
// queue's single worker.
func (t *Treasury) send(ctx context.Context, tr Transfer) (common.Hash, error) {
	if t.confirmTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.confirmTimeout)
		defer cancel()
	}
	to := common.HexToAddress(tr.To)
	data, err := t.transferABI.Pack("transfer", to, tr.Amount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack transfer: %w", err)
	}
	nonce, err := t.backend.PendingNonceAt(ctx, t.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
	}
	tip, err := t.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("gas tip: %w", err)
	}
	head, err := t.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("latest header: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	gas, err := t.backend.EstimateGas(ctx, ethereum.CallMsg{From: t.from, To: &t.token, Data: data})
	if err != nil {
		return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
	}
	gas += gas / 5

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   t.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &t.token,
		Value:     big.NewInt(0),
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(t.chainID), t.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign transfer: %w", err)
	}
	if err := t.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("broadcast transfer: %w", err)
	}
	return signed.Hash(), nil
}

func (t *Treasury) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := t.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			t.logger.Debug("receipt poll failed", "hash", hash.Hex(), "err", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// waitConfirmations returns once the head is confirmations-1 blocks past block.
func (t *Treasury) waitConfirmations(ctx context.Context, block uint64) error {
	target := block + t.confirmations - 1
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()
	for {
		head, err := t.backend.BlockNumber(ctx)
		if err == nil && head >= target {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Unconfigured stands in for the treasury when its settings are missing and
// fails every transfer with the ConfigurationError.
type Unconfigured struct {
	Err  error
	Conf config.TreasuryConf
}

func (u *Unconfigured) Transfer(context.Context, Transfer) (*Receipt, error) {
	return nil, u.Err
}

func (u *Unconfigured) Info() TokenInfo {
	return TokenInfo{
		ChainID:      u.Conf.ChainID,
		TokenAddress: ledger.NormalizeAddress(u.Conf.USDCContract),
		TokenSymbol:  TokenSymbol,
		Decimals:     int32(u.Conf.USDCDecimals),
	}
}

// FromConfig dials the treasury, or returns an Unconfigured transferer when
// its settings are incomplete. Connection errors are returned as is.
func FromConfig(ctx context.Context, conf config.TreasuryConf, logger *slog.Logger) (Transferer, func(), error) {
	t, err := Dial(ctx, conf, logger)
	if err != nil {
		var cerr *config.ConfigurationError
		if errors.As(err, &cerr) {
			return &Unconfigured{Err: err, Conf: conf}, func() {}, nil
		}
		return nil, nil, err
	}
	return t, t.Close, nil
}
