// Package engine reconciles gateway callbacks into the ledger.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/event"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/fsm"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/ledger"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/metrics"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/settlement"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/store"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/webhook"
)

const maxSaveAttempts = 3

var errNoSettler = errors.New("on-chain settlement is not configured")

// Settler credits a paid onramp on-chain.
type Settler interface {
	SettleOnramp(ctx context.Context, tx *ledger.Transaction) (*settlement.Result, error)
}

// Refunder compensates a failed payout.
type Refunder interface {
	ScheduleRefund(ctx context.Context, tx *ledger.Transaction, reason string) error
}

// Outcome says what Ingest did with a callback.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeOrphaned  Outcome = "orphaned"
	OutcomeInvalid   Outcome = "invalid"
)

// Result is the outcome of one Ingest call.
type Result struct {
	Outcome       Outcome       `json:"outcome"`
	TransactionID string        `json:"transaction_id,omitempty"`
	Status        ledger.Status `json:"status,omitempty"`
	Action        string        `json:"action,omitempty"`
	EventKey      string        `json:"event_key,omitempty"`
	DurationMs    int64         `json:"duration_ms"`
}

// Options configures an Engine.
type Options struct {
	Store    store.Store
	Registry *webhook.Registry
	Settler  Settler
	Refunder Refunder
	Hints    webhook.Hints
	// Timeout bounds one callback, settlement confirmations included. Zero means none.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Engine applies callbacks one transaction at a time. Unrelated transactions
// are processed concurrently.
type Engine struct {
	store    store.Store
	registry *webhook.Registry
	settler  Settler
	refunder Refunder
	hints    atomic.Pointer[webhook.Hints]
	locks    *keyedMutex
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func New(opts Options) *Engine {
	if opts.Registry == nil {
		opts.Registry = webhook.DefaultRegistry()
	}
	if opts.Hints == nil {
		opts.Hints = webhook.DefaultHints()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	e := &Engine{
		store:    opts.Store,
		registry: opts.Registry,
		settler:  opts.Settler,
		refunder: opts.Refunder,
		locks:    newKeyedMutex(),
		timeout:  opts.Timeout,
		logger:   opts.Logger.With("component", "engine"),
		now:      time.Now,
	}
	e.hints.Store(&opts.Hints)
	return e
}

// SwapHints atomically replaces the remediation hint table (used on hot-reload).
func (e *Engine) SwapHints(h webhook.Hints) {
	e.hints.Store(&h)
}

// Ingest processes one callback body of the given kind. txParam is the
// optional transaction id from the callback URL. Every non-nil error is also
// something the caller should log and still acknowledge.
func (e *Engine) Ingest(ctx context.Context, kind event.Kind, txParam string, body []byte) (*Result, error) {
	start := time.Now()
	metrics.WebhooksReceived.WithLabelValues(string(kind)).Inc()
	defer func() {
		metrics.WebhookProcessingDuration.WithLabelValues(string(kind)).Observe(float64(time.Since(start).Milliseconds()))
	}()

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	res, err := e.ingest(ctx, kind, txParam, body)
	if res == nil {
		res = &Result{Outcome: OutcomeInvalid}
	}
	res.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		metrics.WebhooksFailed.WithLabelValues(string(kind)).Inc()
	}
	return res, err
}

func (e *Engine) ingest(ctx context.Context, kind event.Kind, txParam string, body []byte) (*Result, error) {
	h, err := e.registry.Get(kind)
	if err != nil {
		return nil, err
	}
	cb, err := h.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parse %s callback: %w", kind, err)
	}

	corr := cb.Correlation
	corr.TransactionID = ledger.NormalizeTransactionID(txParam)
	if corr.Empty() {
		return e.orphan(kind, corr), nil
	}
	located, err := e.store.FindByCorrelation(ctx, corr)
	if errors.Is(err, store.ErrNotFound) {
		return e.orphan(kind, corr), nil
	}
	if err != nil {
		return nil, fmt.Errorf("locate transaction: %w", err)
	}

	id := located.TransactionID
	unlock := e.locks.Lock(id)
	defer unlock()

	// Reload under the lock so the version matches what the last holder saved.
	tx, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reload transaction %s: %w", id, err)
	}
	res := &Result{TransactionID: id, Status: tx.Status}

	now := e.now().UTC()
	ev := event.New(kind, id, cb.CorrelationID, cb.Code.Key, cb.Raw, now)
	res.EventKey = ev.EventKey
	if err := e.store.InsertEvent(ctx, ev); err != nil {
		if store.IsDuplicateEvent(err) {
			metrics.WebhooksDuplicate.WithLabelValues(string(kind)).Inc()
			e.logger.Info("duplicate callback", "kind", kind, "tx", id, "event_key", ev.EventKey)
			res.Outcome = OutcomeDuplicate
			return res, nil
		}
		return res, fmt.Errorf("record event %s: %w", ev.EventKey, err)
	}
	res.Outcome = OutcomeProcessed

	if cb.Annotate {
		cb.ResultDesc = e.hints.Load().Annotate(cb.Code.Key, cb.ResultDesc)
	}
	if kind == event.KindB2CResult && cb.Code.Key == "8006" {
		e.logger.Error("credential locked", "tx", id, "code", cb.Code.Key,
			"action", "rotate_or_unlock_security_credential")
	}
	out := h.Outcome(cb)
	res.Action = out.Action.String()

	// The event is already recorded, so a redelivery would be dropped as a
	// duplicate: a save that loses to a writer outside this lock (another
	// process, an operator) is re-applied on a fresh copy instead.
	var settled ledger.Onchain
	for attempt := 1; ; attempt++ {
		if ledger.ValidTxHash(settled.TxHash) && !ledger.ValidTxHash(tx.Onchain.TxHash) {
			tx.Onchain = settled
		}
		if terr := e.allowed(tx, out); terr != nil {
			res.Status = tx.Status
			return res, terr
		}
		h.Merge(&tx.Daraja, cb, now)
		tx.UpdatedAt = now
		terr := e.drive(ctx, tx, cb, out, now)
		if ledger.ValidTxHash(tx.Onchain.TxHash) {
			settled = tx.Onchain
		}

		err := e.save(ctx, tx)
		if err == nil {
			res.Status = tx.Status
			if terr != nil {
				return res, terr
			}
			break
		}
		if !errors.Is(err, store.ErrConflict) || attempt == maxSaveAttempts {
			return res, err
		}
		if tx, err = e.store.Get(ctx, id); err != nil {
			return res, fmt.Errorf("reload transaction %s: %w", id, err)
		}
	}

	if out.Action == webhook.ActionFailAndRefund && tx.Status == ledger.StatusFailed && e.refunder != nil {
		if err := e.refunder.ScheduleRefund(ctx, tx, out.RefundReason); err != nil {
			res.Status = tx.Status
			return res, fmt.Errorf("refund %s: %w", id, err)
		}
		res.Status = tx.Status
	}

	e.logger.Info("callback processed", "kind", kind, "tx", id, "action", res.Action,
		"status", tx.Status, "code", cb.Code.Key)
	return res, nil
}

// WithLock runs fn while holding the lock Ingest takes for transaction id.
func (e *Engine) WithLock(id string, fn func() error) error {
	unlock := e.locks.Lock(id)
	defer unlock()
	return fn()
}

// allowed rejects a callback whose outcome the state machine forbids from the
// current status, before any field of tx is touched.
func (e *Engine) allowed(tx *ledger.Transaction, out webhook.Outcome) error {
	var to ledger.Status
	switch out.Action {
	case webhook.ActionSettle, webhook.ActionSucceed:
		to = ledger.StatusSucceeded
	case webhook.ActionFail, webhook.ActionFailAndRefund:
		if tx.Status == ledger.StatusRefundPending || tx.Status == ledger.StatusRefunded {
			return nil
		}
		to = ledger.StatusFailed
	default:
		return nil
	}
	if tx.Status == to || fsm.CanTransition(tx.Status, to) {
		return nil
	}
	e.logger.Error("illegal transition", "tx", tx.TransactionID, "from", tx.Status, "to", to)
	return &fsm.TransitionError{TransactionID: tx.TransactionID, From: tx.Status, To: to}
}

// drive applies the callback outcome to tx. Only a TransitionError is returned;
// settlement failures are recorded on the transaction.
func (e *Engine) drive(ctx context.Context, tx *ledger.Transaction, cb *webhook.Callback, out webhook.Outcome, now time.Time) error {
	switch out.Action {
	case webhook.ActionSettle:
		settled, err := e.settle(ctx, tx)
		if err != nil {
			reason := settlement.LedgerReason(err)
			if errors.Is(err, errNoSettler) {
				reason = "On-chain settlement is not configured."
			}
			e.logger.Error("onramp settlement failed", "tx", tx.TransactionID, "err", err, "hash", tx.Onchain.TxHash)
			tx.Onchain.VerificationStatus = ledger.VerificationFailed
			tx.Onchain.VerificationError = reason
			tx.Onchain.VerifiedBy = settlement.VerifiedBy
			tx.Onchain.VerifiedAt = &now
			tx.Daraja.ResultDesc = fmt.Sprintf("%s | Settlement error: %s",
				firstNonEmpty(cb.ResultDesc, "STK callback success"), reason)
			return e.transition(tx, ledger.StatusFailed, "On-chain settlement failed", ledger.SourceSettlement, now)
		}
		e.logger.Info("onramp settlement completed", "tx", tx.TransactionID, "hash", settled.TxHash, "reused", settled.Reused)
		return e.transition(tx, ledger.StatusSucceeded, out.Reason, ledger.SourceWebhook, now)
	case webhook.ActionSucceed:
		return e.transition(tx, ledger.StatusSucceeded, out.Reason, ledger.SourceWebhook, now)
	case webhook.ActionFail, webhook.ActionFailAndRefund:
		// A late failure for a payout already being refunded changes nothing.
		if tx.Status == ledger.StatusRefundPending || tx.Status == ledger.StatusRefunded {
			return nil
		}
		return e.transition(tx, ledger.StatusFailed, out.Reason, ledger.SourceWebhook, now)
	case webhook.ActionRecord:
		return nil
	}
	return fmt.Errorf("unknown action %s", out.Action)
}

func (e *Engine) settle(ctx context.Context, tx *ledger.Transaction) (*settlement.Result, error) {
	if e.settler == nil {
		return nil, errNoSettler
	}
	return e.settler.SettleOnramp(ctx, tx)
}

// transition skips the change when tx is already in the target status, so a
// redelivery that slipped past dedup never writes a second history entry.
func (e *Engine) transition(tx *ledger.Transaction, to ledger.Status, reason string, source ledger.Source, now time.Time) error {
	if tx.Status == to {
		return nil
	}
	if err := fsm.ApplyAt(tx, to, reason, source, now); err != nil {
		e.logger.Error("illegal transition", "tx", tx.TransactionID, "from", tx.Status, "to", to, "error", err)
		return err
	}
	return nil
}

func (e *Engine) save(ctx context.Context, tx *ledger.Transaction) error {
	err := e.store.Save(ctx, tx)
	if errors.Is(err, store.ErrConflict) {
		metrics.SaveConflicts.Inc()
		e.logger.Warn("save lost a concurrent update", "tx", tx.TransactionID, "version", tx.Version)
	}
	if err != nil {
		return fmt.Errorf("save transaction %s: %w", tx.TransactionID, err)
	}
	return nil
}

func (e *Engine) orphan(kind event.Kind, corr ledger.Correlation) *Result {
	metrics.WebhooksOrphaned.WithLabelValues(string(kind)).Inc()
	e.logger.Warn("callback matched no transaction", "kind", kind, "tx", corr.TransactionID,
		"checkout_request_id", corr.CheckoutRequestID, "conversation_id", corr.ConversationID)
	return &Result{Outcome: OutcomeOrphaned}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
