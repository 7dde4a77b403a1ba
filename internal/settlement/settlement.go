// Package settlement credits a paid onramp to the user's wallet on-chain.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/chain"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/ledger"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/metrics"
)

// VerifiedBy tags on-chain fields written by this package.
const VerifiedBy = "treasury_settlement"

var (
	ErrNotOnramp      = errors.New("settlement needs an onramp transaction")
	ErrUnknownAmount  = errors.New("cannot determine onramp settlement amount")
	ErrRoundsToZero   = errors.New("settlement amount rounds to zero")
	ErrInvalidAddress = errors.New("recipient wallet address is invalid")
	ErrUnconfirmed    = errors.New("earlier settlement transfer was not confirmed")
)

// ledgerReasons is the wording the ledger records for each sentinel.
var ledgerReasons = []struct {
	err    error
	reason string
}{
	{ErrNotOnramp, "Onramp settlement is only supported for onramp transactions."},
	{ErrUnknownAmount, "Unable to determine onramp settlement amount."},
	{ErrRoundsToZero, "Settlement amount rounds to zero."},
	{ErrInvalidAddress, "Recipient wallet address is invalid."},
}

// SettlementError is a settlement that did not post. Reason is what the
// ledger records as the verification error. TxHash is set when a transfer
// was broadcast but never confirmed.
type SettlementError struct {
	TransactionID string
	Reason        string
	TxHash        string
	Err           error
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("settle %s: %v", e.TransactionID, e.Err)
}

func (e *SettlementError) Unwrap() error { return e.Err }

// Result of SettleOnramp.
type Result struct {
	TxHash    string
	ChainID   int64
	Reused    bool
	AmountUSD decimal.Decimal
	Units     string
}

// Settler sends onramp credits through a chain.Transferer.
type Settler struct {
	chain  chain.Transferer
	logger *slog.Logger
	now    func() time.Time
}

func New(transferer chain.Transferer, logger *slog.Logger) *Settler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Settler{chain: transferer, logger: logger.With("component", "settlement"), now: time.Now}
}

// SettleOnramp transfers the quoted USD amount to tx.UserAddress and fills
// tx.Onchain. A transaction that already carries a valid hash is returned as
// reused without any transfer, unless that transfer failed verification, in
// which case the earlier failure is reported again and nothing is sent.
func (s *Settler) SettleOnramp(ctx context.Context, tx *ledger.Transaction) (*Result, error) {
	if tx.FlowType != ledger.FlowOnramp {
		return nil, s.fail(tx, ErrNotOnramp)
	}
	if ledger.ValidTxHash(tx.Onchain.TxHash) && tx.Onchain.VerificationStatus == ledger.VerificationFailed {
		metrics.Settlements.WithLabelValues("failed").Inc()
		return nil, &SettlementError{
			TransactionID: tx.TransactionID,
			Reason:        firstNonEmpty(tx.Onchain.VerificationError, "On-chain settlement failed."),
			TxHash:        ledger.NormalizeHash(tx.Onchain.TxHash),
			Err:           ErrUnconfirmed,
		}
	}
	if ledger.ValidTxHash(tx.Onchain.TxHash) {
		metrics.Settlements.WithLabelValues("reused").Inc()
		return &Result{
			TxHash:  ledger.NormalizeHash(tx.Onchain.TxHash),
			ChainID: tx.Onchain.ChainID,
			Reused:  true,
		}, nil
	}

	amount, err := AmountUSD(tx.Quote)
	if err != nil {
		return nil, s.fail(tx, err)
	}
	recipient := ledger.NormalizeAddress(tx.UserAddress)
	if !ledger.ValidAddress(recipient) {
		return nil, s.fail(tx, ErrInvalidAddress)
	}
	info := s.chain.Info()
	rounded, units, err := ToUnits(amount, info.Decimals)
	if err != nil {
		return nil, s.fail(tx, err)
	}

	rc, err := s.chain.Transfer(ctx, chain.Transfer{
		To:        recipient,
		Amount:    units,
		Reference: tx.TransactionID,
		Purpose:   "settlement",
	})
	if err != nil {
		var terr *chain.TransferError
		if errors.As(err, &terr) && ledger.ValidTxHash(terr.TxHash) {
			// The transfer is on-chain whatever its fate; keep its hash so a
			// retry never sends a second one.
			tx.Onchain.TxHash = ledger.NormalizeHash(terr.TxHash)
			tx.Onchain.ChainID = info.ChainID
			tx.Onchain.TokenAddress = info.TokenAddress
			tx.Onchain.TokenSymbol = info.TokenSymbol
			tx.Onchain.ToAddress = recipient
			tx.Onchain.ExpectedAmountUnits = units.String()
			tx.Onchain.VerificationStatus = ledger.VerificationFailed
			tx.Onchain.VerificationError = err.Error()
			tx.Onchain.VerifiedBy = VerifiedBy
			serr := s.fail(tx, err)
			serr.TxHash = tx.Onchain.TxHash
			return nil, serr
		}
		return nil, s.fail(tx, err)
	}

	now := s.now().UTC()
	usd := rounded.InexactFloat64()
	tx.Onchain.TxHash = rc.TxHash
	tx.Onchain.ChainID = info.ChainID
	tx.Onchain.TokenAddress = info.TokenAddress
	tx.Onchain.TokenSymbol = info.TokenSymbol
	tx.Onchain.TreasuryAddress = firstNonEmpty(info.TreasuryAddress, rc.From)
	tx.Onchain.ExpectedAmountUSD = usd
	tx.Onchain.ExpectedAmountUnits = units.String()
	tx.Onchain.FundedAmountUSD = usd
	tx.Onchain.FundedAmountUnits = units.String()
	tx.Onchain.FromAddress = rc.From
	tx.Onchain.ToAddress = rc.To
	tx.Onchain.VerificationStatus = ledger.VerificationVerified
	tx.Onchain.VerificationError = ""
	tx.Onchain.VerifiedBy = VerifiedBy
	tx.Onchain.VerifiedAt = &now

	metrics.Settlements.WithLabelValues("transferred").Inc()
	s.logger.Info("onramp settled", "tx", tx.TransactionID, "hash", rc.TxHash, "usd", rounded.String())
	return &Result{
		TxHash:    rc.TxHash,
		ChainID:   info.ChainID,
		AmountUSD: rounded,
		Units:     units.String(),
	}, nil
}

func (s *Settler) fail(tx *ledger.Transaction, err error) *SettlementError {
	metrics.Settlements.WithLabelValues("failed").Inc()
	return &SettlementError{TransactionID: tx.TransactionID, Reason: LedgerReason(err), Err: err}
}

// LedgerReason returns the text the ledger records for a settlement failure.
func LedgerReason(err error) string {
	var serr *SettlementError
	if errors.As(err, &serr) && serr.Reason != "" {
		return serr.Reason
	}
	for _, r := range ledgerReasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return err.Error()
}

// AmountUSD derives the credit from the quote: amountUsd when positive,
// otherwise amountKes / rateKesPerUsd.
func AmountUSD(q ledger.Quote) (decimal.Decimal, error) {
	if q.AmountUSD > 0 {
		return decimal.NewFromFloat(q.AmountUSD), nil
	}
	if q.AmountKES > 0 && q.RateKESPerUSD > 0 {
		return decimal.NewFromFloat(q.AmountKES).Div(decimal.NewFromFloat(q.RateKESPerUSD)), nil
	}
	return decimal.Zero, ErrUnknownAmount
}

// ToUnits rounds amount to decimals places and returns it with its integer
// smallest-unit form.
func ToUnits(amount decimal.Decimal, decimals int32) (decimal.Decimal, *big.Int, error) {
	rounded := amount.Round(decimals)
	units := rounded.Shift(decimals).BigInt()
	if units.Sign() <= 0 {
		return rounded, nil, ErrRoundsToZero
	}
	return rounded, units, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
