package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/event"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/ledger"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// timeLayout is fixed width so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS transactions (
		transaction_id TEXT PRIMARY KEY,
		flow_type TEXT NOT NULL,
		status TEXT NOT NULL,
		user_address TEXT NOT NULL,
		idempotency_key TEXT,
		checkout_request_id TEXT,
		conversation_id TEXT,
		originator_conversation_id TEXT,
		document TEXT NOT NULL,
		version BIGINT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS transactions_idempotency_idx
		ON transactions (user_address, flow_type, idempotency_key)
		WHERE idempotency_key IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS transactions_checkout_idx ON transactions (checkout_request_id)`,
	`CREATE INDEX IF NOT EXISTS transactions_conversation_idx ON transactions (conversation_id)`,
	`CREATE INDEX IF NOT EXISTS transactions_originator_idx ON transactions (originator_conversation_id)`,
	`CREATE INDEX IF NOT EXISTS transactions_status_updated_idx ON transactions (status, updated_at)`,
	`CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		event_key TEXT NOT NULL UNIQUE,
		transaction_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT,
		received_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS events_transaction_idx ON events (transaction_id)`,
}

// SQLStore is the database/sql implementation, shared by SQLite and PostgreSQL.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// Open connects to driver/dsn. The schema is not touched; call Migrate.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// one writer at a time; avoids SQLITE_BUSY under concurrent webhooks
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return &SQLStore{db: db, driver: driver}, nil
}

// Migrate creates tables and indexes if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) Create(ctx context.Context, tx *ledger.Transaction) error {
	tx.Version = 1
	doc, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("encode transaction: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO transactions
		(transaction_id, flow_type, status, user_address, idempotency_key,
		 checkout_request_id, conversation_id, originator_conversation_id,
		 document, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		tx.TransactionID, string(tx.FlowType), string(tx.Status), tx.UserAddress, nullable(tx.IdempotencyKey),
		nullable(tx.Daraja.CheckoutRequestID), nullable(tx.Daraja.ConversationID), nullable(tx.Daraja.OriginatorConversationID),
		string(doc), tx.Version, formatTime(tx.CreatedAt), formatTime(tx.UpdatedAt),
	)
	if err != nil {
		tx.Version = 0
		if isUniqueViolation(err) && tx.IdempotencyKey != "" {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("insert transaction %s: %w", tx.TransactionID, err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*ledger.Transaction, error) {
	return s.queryOne(ctx, `SELECT document, version FROM transactions WHERE transaction_id = ?`, id)
}

func (s *SQLStore) FindByIdempotencyKey(ctx context.Context, userAddress string, flow ledger.FlowType, key string) (*ledger.Transaction, error) {
	return s.queryOne(ctx, `SELECT document, version FROM transactions
		WHERE user_address = ? AND flow_type = ? AND idempotency_key = ?`,
		ledger.NormalizeAddress(userAddress), string(flow), key)
}

func (s *SQLStore) FindByCorrelation(ctx context.Context, c ledger.Correlation) (*ledger.Transaction, error) {
	if c.TransactionID != "" {
		tx, err := s.Get(ctx, c.TransactionID)
		if err == nil || !errors.Is(err, ErrNotFound) {
			return tx, err
		}
	}
	var (
		clauses []string
		args    []any
	)
	add := func(column, value string) {
		if value != "" {
			clauses = append(clauses, column+" = ?")
			args = append(args, value)
		}
	}
	add("checkout_request_id", c.CheckoutRequestID)
	add("conversation_id", c.ConversationID)
	add("originator_conversation_id", c.OriginatorConversationID)
	if len(clauses) == 0 {
		return nil, ErrNotFound
	}
	query := `SELECT document, version FROM transactions WHERE ` + strings.Join(clauses, " OR ") +
		` ORDER BY created_at DESC LIMIT 1`
	return s.queryOne(ctx, query, args...)
}

func (s *SQLStore) Save(ctx context.Context, tx *ledger.Transaction) error {
	expected := tx.Version
	tx.Version = expected + 1
	doc, err := json.Marshal(tx)
	if err != nil {
		tx.Version = expected
		return fmt.Errorf("encode transaction: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE transactions SET
		status = ?, checkout_request_id = ?, conversation_id = ?, originator_conversation_id = ?,
		document = ?, version = ?, updated_at = ?
		WHERE transaction_id = ? AND version = ?`),
		string(tx.Status), nullable(tx.Daraja.CheckoutRequestID), nullable(tx.Daraja.ConversationID),
		nullable(tx.Daraja.OriginatorConversationID), string(doc), tx.Version, formatTime(tx.UpdatedAt),
		tx.TransactionID, expected,
	)
	if err != nil {
		tx.Version = expected
		return fmt.Errorf("update transaction %s: %w", tx.TransactionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Version = expected
		return fmt.Errorf("update transaction %s: %w", tx.TransactionID, err)
	}
	if n == 0 {
		tx.Version = expected
		return ErrConflict
	}
	return nil
}

func (s *SQLStore) ListStale(ctx context.Context, statuses []ledger.Status, before time.Time, limit int) ([]*ledger.Transaction, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	marks := make([]string, len(statuses))
	args := make([]any, 0, len(statuses)+2)
	for i, st := range statuses {
		marks[i] = "?"
		args = append(args, string(st))
	}
	args = append(args, formatTime(before))
	query := `SELECT document, version FROM transactions WHERE status IN (` + strings.Join(marks, ", ") +
		`) AND updated_at < ? ORDER BY updated_at`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list stale: %w", err)
	}
	defer rows.Close()

	var out []*ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (s *SQLStore) InsertEvent(ctx context.Context, ev *event.Event) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO events
		(id, event_key, transaction_id, event_type, payload, received_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		ev.ID, ev.EventKey, ev.TransactionID, string(ev.EventType), string(ev.Payload), formatTime(ev.ReceivedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &DuplicateEventError{EventKey: ev.EventKey}
		}
		return fmt.Errorf("insert event %s: %w", ev.EventKey, err)
	}
	return nil
}

func (s *SQLStore) CountEvents(ctx context.Context, transactionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM events WHERE transaction_id = ?`), transactionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func (s *SQLStore) queryOne(ctx context.Context, query string, args ...any) (*ledger.Transaction, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(query), args...)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return tx, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row scanner) (*ledger.Transaction, error) {
	var (
		doc     string
		version int64
	)
	if err := row.Scan(&doc, &version); err != nil {
		return nil, err
	}
	var tx ledger.Transaction
	if err := json.Unmarshal([]byte(doc), &tx); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	tx.Version = version
	return &tx, nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
