// Package store persists ledger transactions and the callback dedup records.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/event"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/ledger"
)

var (
	// ErrNotFound is returned when no transaction matches.
	ErrNotFound = errors.New("transaction not found")

	// ErrConflict is returned by Save when the stored version moved on since
	// the transaction was loaded.
	ErrConflict = errors.New("transaction was modified concurrently")

	// ErrDuplicateIdempotencyKey is returned by Create when (userAddress,
	// flowType, idempotencyKey) is already taken.
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already used")
)

// DuplicateEventError reports that an event key was already recorded. It is
// the normal dedup path, not a failure.
type DuplicateEventError struct {
	EventKey string
}

func (e *DuplicateEventError) Error() string {
	return fmt.Sprintf("event %s already recorded", e.EventKey)
}

// IsDuplicateEvent reports whether err is a DuplicateEventError.
func IsDuplicateEvent(err error) bool {
	var dup *DuplicateEventError
	return errors.As(err, &dup)
}

// Store is the persistence contract used by the engine, submitter, sweeper and CLI.
type Store interface {
	// Create inserts a new transaction at version 1.
	Create(ctx context.Context, tx *ledger.Transaction) error
	Get(ctx context.Context, id string) (*ledger.Transaction, error)
	FindByIdempotencyKey(ctx context.Context, userAddress string, flow ledger.FlowType, key string) (*ledger.Transaction, error)
	// FindByCorrelation matches the transaction id first, then any of the
	// gateway identifiers.
	FindByCorrelation(ctx context.Context, c ledger.Correlation) (*ledger.Transaction, error)
	// Save writes tx if its Version still matches the stored one, then bumps it.
	Save(ctx context.Context, tx *ledger.Transaction) error
	// ListStale returns transactions in one of statuses last updated before the cutoff.
	ListStale(ctx context.Context, statuses []ledger.Status, before time.Time, limit int) ([]*ledger.Transaction, error)

	// InsertEvent records ev or returns *DuplicateEventError when its key exists.
	InsertEvent(ctx context.Context, ev *event.Event) error
	CountEvents(ctx context.Context, transactionID string) (int, error)

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// DriverMemory selects the in-process store.
const DriverMemory = "memory"

// New opens the store for driver and applies the schema.
func New(ctx context.Context, driver, dsn string) (Store, error) {
	if driver == DriverMemory {
		return NewMemory(), nil
	}
	s, err := Open(ctx, driver, dsn)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}
