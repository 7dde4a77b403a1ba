// Package refund returns on-chain funds to the user when a payout fails.
package refund

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/chain"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/config"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/fsm"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/ledger"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/metrics"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/settlement"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/store"
)

var (
	ErrNotFailed       = errors.New("refund requires a failed transaction")
	ErrNoRecipient     = errors.New("no valid refund recipient address")
	ErrNotRetryable    = errors.New("refund is not in a failed state")
	ErrRefundsDisabled = errors.New("refunds are disabled")
)

// RefundError is a refund attempt that did not complete. The ledger already
// carries refund.status=failed and lastError when it is returned.
type RefundError struct {
	TransactionID string
	Err           error
}

func (e *RefundError) Error() string {
	return fmt.Sprintf("refund of %s failed: %v", e.TransactionID, e.Err)
}

func (e *RefundError) Unwrap() error { return e.Err }

// Compensator runs at most one refund per transaction.
type Compensator struct {
	store  store.Store
	chain  chain.Transferer
	config func() *config.Config
	logger *slog.Logger
	now    func() time.Time
}

// New returns a Compensator. cfg is read on every call so reloads take effect.
func New(st store.Store, transferer chain.Transferer, cfg func() *config.Config, logger *slog.Logger) *Compensator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compensator{
		store:  st,
		chain:  transferer,
		config: cfg,
		logger: logger.With("component", "refund"),
		now:    time.Now,
	}
}

// ScheduleRefund refunds a failed payout. It does nothing when a refund was
// already started, the flow is an onramp, or refunds are switched off.
// tx must be the caller's freshly loaded copy; it is saved in place.
func (c *Compensator) ScheduleRefund(ctx context.Context, tx *ledger.Transaction, reason string) error {
	if tx.RefundState() != ledger.RefundNone {
		return nil
	}
	if !tx.FlowType.IsPayout() {
		return nil
	}
	cfg := c.config()
	if !cfg.Refunds.AutoRefund || !cfg.Treasury.RefundEnabled {
		metrics.Refunds.WithLabelValues("skipped").Inc()
		c.logger.Info("refund skipped", "tx", tx.TransactionID, "auto_refund", cfg.Refunds.AutoRefund,
			"treasury_refund_enabled", cfg.Treasury.RefundEnabled)
		return nil
	}
	if tx.Status != ledger.StatusFailed {
		return &RefundError{TransactionID: tx.TransactionID, Err: ErrNotFailed}
	}
	return c.run(ctx, tx, reason)
}

// Retry re-runs a refund whose previous attempt failed. It ignores the
// auto-refund switch since an operator asked for it, but still honours the
// treasury kill switch.
func (c *Compensator) Retry(ctx context.Context, tx *ledger.Transaction) error {
	if tx.RefundState() != ledger.RefundFailed {
		return &RefundError{TransactionID: tx.TransactionID, Err: ErrNotRetryable}
	}
	if !c.config().Treasury.RefundEnabled {
		return &RefundError{TransactionID: tx.TransactionID, Err: ErrRefundsDisabled}
	}
	if tx.Status != ledger.StatusFailed {
		return &RefundError{TransactionID: tx.TransactionID, Err: ErrNotFailed}
	}
	return c.run(ctx, tx, tx.Refund.Reason)
}

func (c *Compensator) run(ctx context.Context, tx *ledger.Transaction, reason string) error {
	now := c.now().UTC()
	tx.Refund.Status = ledger.RefundPending
	tx.Refund.Reason = reason
	tx.Refund.LastError = ""
	tx.Refund.InitiatedAt = &now
	tx.UpdatedAt = now
	if err := c.store.Save(ctx, tx); err != nil {
		return fmt.Errorf("mark refund pending for %s: %w", tx.TransactionID, err)
	}
	c.logger.Info("refund started", "tx", tx.TransactionID, "reason", reason)

	rc, err := c.transfer(ctx, tx)
	if err != nil {
		return c.fail(ctx, tx, err)
	}

	done := c.now().UTC()
	tx.Refund.Status = ledger.RefundCompleted
	tx.Refund.TxHash = rc.TxHash
	tx.Refund.CompletedAt = &done
	if err := fsm.ApplyAt(tx, ledger.StatusRefundPending, reason, ledger.SourceSystem, done); err != nil {
		return err
	}
	if err := fsm.ApplyAt(tx, ledger.StatusRefunded, "Refund transfer confirmed", ledger.SourceSystem, done); err != nil {
		return err
	}
	if err := c.store.Save(ctx, tx); err != nil {
		// The funds moved; the hash is in the log for manual repair.
		c.logger.Error("refund sent but not recorded", "tx", tx.TransactionID, "hash", rc.TxHash, "error", err)
		return fmt.Errorf("record refund of %s: %w", tx.TransactionID, err)
	}
	metrics.Refunds.WithLabelValues("completed").Inc()
	c.logger.Info("refund completed", "tx", tx.TransactionID, "hash", rc.TxHash)
	return nil
}

func (c *Compensator) transfer(ctx context.Context, tx *ledger.Transaction) (*chain.Receipt, error) {
	to := ledger.NormalizeAddress(tx.Onchain.FromAddress)
	if !ledger.ValidAddress(to) {
		to = ledger.NormalizeAddress(tx.UserAddress)
	}
	if !ledger.ValidAddress(to) {
		return nil, ErrNoRecipient
	}
	amount, err := c.amount(tx)
	if err != nil {
		return nil, err
	}
	return c.chain.Transfer(ctx, chain.Transfer{
		To:        to,
		Amount:    amount,
		Reference: tx.TransactionID,
		Purpose:   "refund",
	})
}

// amount prefers the funded units recorded on-chain, then the quote.
func (c *Compensator) amount(tx *ledger.Transaction) (*big.Int, error) {
	if units, ok := new(big.Int).SetString(tx.Onchain.FundedAmountUnits, 10); ok && units.Sign() > 0 {
		return units, nil
	}
	usd, err := settlement.AmountUSD(tx.Quote)
	if err != nil {
		return nil, err
	}
	_, units, err := settlement.ToUnits(usd, c.chain.Info().Decimals)
	return units, err
}

func (c *Compensator) fail(ctx context.Context, tx *ledger.Transaction, cause error) error {
	metrics.Refunds.WithLabelValues("failed").Inc()
	tx.Refund.Status = ledger.RefundFailed
	tx.Refund.LastError = cause.Error()
	tx.UpdatedAt = c.now().UTC()
	if err := c.store.Save(ctx, tx); err != nil {
		c.logger.Error("refund failure not recorded", "tx", tx.TransactionID, "error", err)
	}
	c.logger.Error("refund failed", "tx", tx.TransactionID, "error", cause)
	return &RefundError{TransactionID: tx.TransactionID, Err: cause}
}
