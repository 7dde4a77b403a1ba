package chain

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/config"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/ledger"
)

const (
	tokenAddr = "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913"
	recipient = "0x2222222222222222222222222222222222222222"
)

// fakeBackend mines every sent transaction into block 10 with the configured status.
type fakeBackend struct {
	mu       sync.Mutex
	sent     []*types.Transaction
	status   uint64
	head     uint64
	inflight int
	overlap  bool
	onSend   func()
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inflight++
	if f.inflight > 1 {
		f.overlap = true
	}
	return uint64(len(f.sent)), nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	time.Sleep(time.Millisecond)
	return big.NewInt(1_000_000), nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: big.NewInt(100)}, nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 50_000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inflight--
	f.sent = append(f.sent, tx)
	if f.onSend != nil {
		f.onSend()
	}
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tx := range f.sent {
		if tx.Hash() == hash {
			return &types.Receipt{Status: f.status, BlockNumber: big.NewInt(10), TxHash: hash}, nil
		}
	}
	return nil, ethereum.NotFound
}

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head++
	return f.head, nil
}

func newTestTreasury(t *testing.T, backend *fakeBackend, confirmations int) *Treasury {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	conf := config.TreasuryConf{
		RPCURL:            "http://rpc.invalid",
		PrivateKey:        "0x" + hex.EncodeToString(crypto.FromECDSA(key)),
		USDCContract:      tokenAddr,
		ChainID:           8453,
		USDCDecimals:      6,
		WaitConfirmations: confirmations,
		PollIntervalMs:    1,
		ConfirmTimeoutMs:  2000,
		QueueDepth:        16,
	}
	tr, err := NewTreasury(context.Background(), conf, backend, nil)
	if err != nil {
		t.Fatalf("NewTreasury: %v", err)
	}
	t.Cleanup(tr.Close)
	return tr
}

func TestTransferSendsERC20Call(t *testing.T) {
	backend := &fakeBackend{status: types.ReceiptStatusSuccessful, head: 10}
	tr := newTestTreasury(t, backend, 3)

	_, err := tr.Transfer(context.Background(), Transfer{To: strings.ToUpper(recipient[2:]), Amount: big.NewInt(10_000_000)})
	var verr *ledger.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for address without 0x, got %v", err)
	}

	rc, err := tr.Transfer(context.Background(), Transfer{To: recipient, Amount: big.NewInt(10_000_000), Reference: "MPX1"})
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("expected one sent tx, got %d", len(backend.sent))
	}
	sent := backend.sent[0]
	if rc.TxHash != strings.ToLower(sent.Hash().Hex()) || !ledger.ValidTxHash(rc.TxHash) {
		t.Fatalf("unexpected hash %s", rc.TxHash)
	}
	if rc.BlockNumber != 10 || rc.To != recipient {
		t.Fatalf("unexpected receipt %+v", rc)
	}
	if backend.head < 12 {
		t.Fatalf("expected to wait for head 12, stopped at %d", backend.head)
	}
	if sent.To() == nil || *sent.To() != common.HexToAddress(tokenAddr) {
		t.Fatal("expected call to token contract")
	}
	if sent.ChainId().Int64() != 8453 {
		t.Fatalf("unexpected chain id %s", sent.ChainId())
	}
	data := sent.Data()
	if hex.EncodeToString(data[:4]) != "a9059cbb" {
		t.Fatalf("unexpected selector %x", data[:4])
	}
	if got := common.BytesToAddress(data[4:36]); got != common.HexToAddress(recipient) {
		t.Fatalf("unexpected recipient %s", got.Hex())
	}
	if got := new(big.Int).SetBytes(data[36:68]); got.Int64() != 10_000_000 {
		t.Fatalf("unexpected amount %s", got)
	}
	signer := types.LatestSignerForChainID(big.NewInt(8453))
	from, err := types.Sender(signer, sent)
	if err != nil {
		t.Fatalf("Sender: %v", err)
	}
	if strings.ToLower(from.Hex()) != rc.From {
		t.Fatalf("receipt from %s, signer %s", rc.From, from.Hex())
	}
	if tr.Info().TreasuryAddress != rc.From || tr.Info().TokenSymbol != "USDC" {
		t.Fatalf("unexpected info %+v", tr.Info())
	}
}

func TestTransfersAreSerialized(t *testing.T) {
	backend := &fakeBackend{status: types.ReceiptStatusSuccessful, head: 10}
	tr := newTestTreasury(t, backend, 1)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tr.Transfer(context.Background(), Transfer{To: recipient, Amount: big.NewInt(1)}); err != nil {
				t.Errorf("Transfer: %v", err)
			}
		}()
	}
	wg.Wait()

	if backend.overlap {
		t.Fatal("two sends overlapped")
	}
	seen := map[uint64]bool{}
	for _, tx := range backend.sent {
		if seen[tx.Nonce()] {
			t.Fatalf("nonce %d reused", tx.Nonce())
		}
		seen[tx.Nonce()] = true
	}
	if len(seen) != 8 {
		t.Fatalf("expected 8 distinct nonces, got %d", len(seen))
	}
}

func TestTransferReverted(t *testing.T) {
	backend := &fakeBackend{status: types.ReceiptStatusFailed, head: 10}
	tr := newTestTreasury(t, backend, 1)

	_, err := tr.Transfer(context.Background(), Transfer{To: recipient, Amount: big.NewInt(5)})
	var terr *TransferError
	if !errors.As(err, &terr) || terr.Stage != "reverted" || terr.TxHash == "" {
		t.Fatalf("expected reverted TransferError with hash, got %v", err)
	}
}

func TestTransferRejectsZeroAmount(t *testing.T) {
	tr := newTestTreasury(t, &fakeBackend{}, 1)
	_, err := tr.Transfer(context.Background(), Transfer{To: recipient, Amount: big.NewInt(0)})
	var verr *ledger.ValidationError
	if !errors.As(err, &verr) || verr.Field != "amount" {
		t.Fatalf("expected amount ValidationError, got %v", err)
	}
}

func TestMissingConfiguration(t *testing.T) {
	_, err := NewTreasury(context.Background(), config.TreasuryConf{}, &fakeBackend{}, nil)
	var cerr *config.ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}

	tf, closeFn, err := FromConfig(context.Background(), config.TreasuryConf{USDCDecimals: 6}, nil)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	defer closeFn()
	if _, err := tf.Transfer(context.Background(), Transfer{To: recipient, Amount: big.NewInt(1)}); !errors.As(err, &cerr) {
		t.Fatalf("expected ConfigurationError on first use, got %v", err)
	}
	if tf.Info().Decimals != 6 {
		t.Fatalf("unexpected decimals %d", tf.Info().Decimals)
	}
}

func TestQueueSkipsCancelledJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	calls := 0
	p := newWorkerPool[int, int](ctx, 1, 4, func(_ context.Context, n int) (int, error) {
		calls++
		return n * 2, nil
	})
	defer p.Drain()

	got, err := p.Do(context.Background(), 21)
	if err != nil || got != 42 {
		t.Fatalf("Do = %d, %v", got, err)
	}
	dead, stop := context.WithCancel(context.Background())
	stop()
	if _, err := p.Do(dead, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected cancelled job to be skipped, calls=%d", calls)
	}
}

func TestQueueFinishesStartedJobAfterCancel(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	p := newWorkerPool[int, int](context.Background(), 1, 4, func(ctx context.Context, n int) (int, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		return n + 1, nil
	})
	defer p.Drain()

	ctx, cancel := context.WithCancel(context.Background())
	type outcome struct {
		value int
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := p.Do(ctx, 41)
		done <- outcome{v, err}
	}()

	<-started
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case got := <-done:
		if got.err != nil || got.value != 42 {
			t.Fatalf("Do = %d, %v; want the started job's result", got.value, got.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return")
	}
}

func TestTransferKeepsHashWhenCallerCancelsDuringSend(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	backend := &fakeBackend{status: types.ReceiptStatusSuccessful, head: 10, onSend: cancel}
	tr := newTestTreasury(t, backend, 1)

	rc, err := tr.Transfer(ctx, Transfer{To: recipient, Amount: big.NewInt(7)})
	if len(backend.sent) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(backend.sent))
	}
	want := strings.ToLower(backend.sent[0].Hash().Hex())
	var terr *TransferError
	switch {
	case err == nil:
		if rc.TxHash != want {
			t.Fatalf("receipt hash %s, want %s", rc.TxHash, want)
		}
	case errors.As(err, &terr):
		if terr.Stage == "send" || terr.TxHash != want {
			t.Fatalf("broadcast hash lost: %+v", terr)
		}
	default:
		t.Fatalf("unexpected error %v", err)
	}
}
