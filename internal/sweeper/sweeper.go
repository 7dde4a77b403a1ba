// Package sweeper asks the gateway about payouts whose result never arrived.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/config"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/daraja"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/fsm"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/ledger"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/store"
)

// StatusQuerier is the part of the Daraja client the sweeper needs.
type StatusQuerier interface {
	QueryTransactionStatus(ctx context.Context, q daraja.StatusQuery) (*daraja.Response, error)
}

// Locker serialises work on one transaction with callback processing.
type Locker interface {
	WithLock(id string, fn func() error) error
}

type noLock struct{}

func (noLock) WithLock(_ string, fn func() error) error { return fn() }

var pending = []ledger.Status{ledger.StatusMpesaSubmitted, ledger.StatusMpesaProcessing}

// Sweeper queries stale payouts. Answers come back through the status query
// webhooks, so the engine stays the only writer of outcomes.
type Sweeper struct {
	store   store.Store
	gateway StatusQuerier
	locker  Locker
	config  func() *config.Config
	logger  *slog.Logger
	now     func() time.Time
}

// New builds a Sweeper. locker may be nil when no engine runs in this process;
// the store's version check then catches a concurrent callback.
func New(st store.Store, gw StatusQuerier, locker Locker, cfg func() *config.Config, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if locker == nil {
		locker = noLock{}
	}
	return &Sweeper{
		store:   st,
		gateway: gw,
		locker:  locker,
		config:  cfg,
		logger:  logger.With("component", "sweeper"),
		now:     time.Now,
	}
}

// Run sweeps every configured interval until ctx is done. The interval is
// re-read after each pass so config reloads apply.
func (s *Sweeper) Run(ctx context.Context) {
	for {
		interval := s.config().Sweeper.Interval()
		if interval <= 0 {
			interval = time.Minute
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		if !s.config().Sweeper.Enabled {
			continue
		}
		if n, err := s.RunOnce(ctx); err != nil {
			s.logger.Warn("sweep failed", "queried", n, "error", err)
		} else if n > 0 {
			s.logger.Info("sweep finished", "queried", n)
		}
	}
}

// RunOnce queries one batch of stale payouts and returns how many queries the
// gateway accepted. Per-transaction failures are joined into the error.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	cfg := s.config()
	now := s.now().UTC()
	cutoff := now.Add(-cfg.Sweeper.StaleAfter())
	stale, err := s.store.ListStale(ctx, pending, cutoff, cfg.Sweeper.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale transactions: %w", err)
	}

	var (
		queried int
		errs    []error
	)
	for _, candidate := range stale {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if !candidate.FlowType.IsPayout() {
			continue
		}
		var sent bool
		err := s.locker.WithLock(candidate.TransactionID, func() error {
			var err error
			sent, err = s.query(ctx, cfg, candidate.TransactionID, cutoff, now)
			return err
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if sent {
			queried++
		}
	}
	return queried, errors.Join(errs...)
}

// query reloads the transaction under the lock, since a callback may have
// settled it after the listing, and sends one status query.
func (s *Sweeper) query(ctx context.Context, cfg *config.Config, id string, cutoff, now time.Time) (bool, error) {
	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return false, fmt.Errorf("reload %s: %w", id, err)
	}
	if (tx.Status != ledger.StatusMpesaSubmitted && tx.Status != ledger.StatusMpesaProcessing) || !tx.UpdatedAt.Before(cutoff) {
		return false, nil
	}

	g := cfg.Gateway
	q := daraja.StatusQuery{
		TransactionReceipt:       tx.Daraja.ReceiptNumber,
		OriginatorConversationID: firstNonEmpty(tx.Daraja.OriginatorConversationID, tx.Daraja.ConversationID),
		ResultURL:                daraja.CallbackURL(g.ResultBaseURL, cfg.Server.WebhookPrefix, "/status/result", tx.TransactionID, g.WebhookSecret),
		TimeoutURL:               daraja.CallbackURL(g.TimeoutBaseURL, cfg.Server.WebhookPrefix, "/status/timeout", tx.TransactionID, g.WebhookSecret),
	}
	if q.OriginatorConversationID == "" && q.TransactionReceipt == "" {
		return false, fmt.Errorf("transaction %s has no gateway identifiers to query", tx.TransactionID)
	}
	resp, err := s.gateway.QueryTransactionStatus(ctx, q)
	if err != nil {
		return false, fmt.Errorf("query %s: %w", tx.TransactionID, err)
	}
	if !resp.Accepted() {
		return false, fmt.Errorf("query %s rejected (HTTP %d): %s", tx.TransactionID, resp.Status, resp.ErrorMessage())
	}

	// Mark the query so the next pass waits another stale window.
	tx.UpdatedAt = now
	tx.Daraja.StatusQueryConversationID = firstNonEmpty(resp.Field("ConversationID"), resp.Field("OriginatorConversationID"))
	tx.Daraja.StatusQueryResult = "requested"
	tx.Daraja.StatusQueriedAt = &now
	if tx.Status == ledger.StatusMpesaSubmitted {
		if err := fsm.ApplyAt(tx, ledger.StatusMpesaProcessing, "Transaction status query sent", ledger.SourceSystem, now); err != nil {
			return false, err
		}
	}
	if err := s.store.Save(ctx, tx); err != nil {
		return false, fmt.Errorf("save %s: %w", tx.TransactionID, err)
	}
	s.logger.Info("status query sent", "tx", tx.TransactionID,
		"conversation_id", q.OriginatorConversationID, "query_conversation_id", tx.Daraja.StatusQueryConversationID)
	return true, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
