package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/event"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/ledger"
)

// Memory is an in-process Store with the same uniqueness and version rules as
// SQLStore. Values are cloned on the way in and out.
type Memory struct {
	mu     sync.RWMutex
	txs    map[string]*ledger.Transaction
	events map[string]*event.Event
}

func NewMemory() *Memory {
	return &Memory{
		txs:    make(map[string]*ledger.Transaction),
		events: make(map[string]*event.Event),
	}
}

func (m *Memory) Migrate(context.Context) error { return nil }
func (m *Memory) Ping(context.Context) error    { return nil }
func (m *Memory) Close() error                  { return nil }

func (m *Memory) Create(_ context.Context, tx *ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx.IdempotencyKey != "" {
		for _, existing := range m.txs {
			if existing.IdempotencyKey == tx.IdempotencyKey &&
				existing.UserAddress == tx.UserAddress && existing.FlowType == tx.FlowType {
				return ErrDuplicateIdempotencyKey
			}
		}
	}
	if _, ok := m.txs[tx.TransactionID]; ok {
		return ErrConflict
	}
	tx.Version = 1
	cp, err := tx.Clone()
	if err != nil {
		return err
	}
	m.txs[tx.TransactionID] = cp
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return tx.Clone()
}

func (m *Memory) FindByIdempotencyKey(_ context.Context, userAddress string, flow ledger.FlowType, key string) (*ledger.Transaction, error) {
	addr := ledger.NormalizeAddress(userAddress)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, tx := range m.txs {
		if tx.IdempotencyKey == key && tx.UserAddress == addr && tx.FlowType == flow {
			return tx.Clone()
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) FindByCorrelation(ctx context.Context, c ledger.Correlation) (*ledger.Transaction, error) {
	if c.TransactionID != "" {
		if tx, err := m.Get(ctx, c.TransactionID); err == nil {
			return tx, nil
		}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var match *ledger.Transaction
	for _, tx := range m.txs {
		d := tx.Daraja
		if (c.CheckoutRequestID != "" && d.CheckoutRequestID == c.CheckoutRequestID) ||
			(c.ConversationID != "" && d.ConversationID == c.ConversationID) ||
			(c.OriginatorConversationID != "" && d.OriginatorConversationID == c.OriginatorConversationID) {
			if match == nil || tx.CreatedAt.After(match.CreatedAt) {
				match = tx
			}
		}
	}
	if match == nil {
		return nil, ErrNotFound
	}
	return match.Clone()
}

func (m *Memory) Save(_ context.Context, tx *ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.txs[tx.TransactionID]
	if !ok || stored.Version != tx.Version {
		return ErrConflict
	}
	tx.Version++
	cp, err := tx.Clone()
	if err != nil {
		tx.Version--
		return err
	}
	m.txs[tx.TransactionID] = cp
	return nil
}

func (m *Memory) ListStale(_ context.Context, statuses []ledger.Status, before time.Time, limit int) ([]*ledger.Transaction, error) {
	want := make(map[ledger.Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	m.mu.RLock()
	var out []*ledger.Transaction
	for _, tx := range m.txs {
		if want[tx.Status] && tx.UpdatedAt.Before(before) {
			cp, err := tx.Clone()
			if err != nil {
				m.mu.RUnlock()
				return nil, err
			}
			out = append(out, cp)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) InsertEvent(_ context.Context, ev *event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[ev.EventKey]; ok {
		return &DuplicateEventError{EventKey: ev.EventKey}
	}
	cp := *ev
	m.events[ev.EventKey] = &cp
	return nil
}

func (m *Memory) CountEvents(_ context.Context, transactionID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, ev := range m.events {
		if ev.TransactionID == transactionID {
			n++
		}
	}
	return n, nil
}
