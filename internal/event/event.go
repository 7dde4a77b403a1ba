package event

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind is the gateway callback a record came from.
type Kind string

const (
	KindSTKResult     Kind = "stk"
	KindB2CResult     Kind = "b2c_result"
	KindB2CTimeout    Kind = "b2c_timeout"
	KindB2BResult     Kind = "b2b_result"
	KindB2BTimeout    Kind = "b2b_timeout"
	KindStatusResult  Kind = "status_result"
	KindStatusTimeout Kind = "status_timeout"
)

// Kinds lists every callback kind in route order.
var Kinds = []Kind{KindSTKResult, KindB2CResult, KindB2CTimeout, KindB2BResult, KindB2BTimeout, KindStatusResult, KindStatusTimeout}

// Timeout reports whether the kind carries no result code.
func (k Kind) Timeout() bool {
	return k == KindB2CTimeout || k == KindB2BTimeout || k == KindStatusTimeout
}

// Event is the dedup record for one processed callback outcome. It is written
// once and never updated.
type Event struct {
	ID            string          `json:"id"`
	EventKey      string          `json:"eventKey"`
	TransactionID string          `json:"transactionId"`
	EventType     Kind            `json:"eventType"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	ReceivedAt    time.Time       `json:"receivedAt"`
}

// Key derives the dedup key for a callback outcome. A missing correlation id
// becomes "none" and a missing result code "unknown"; timeout kinds carry no code.
func Key(kind Kind, transactionID, correlationID, code string) string {
	parts := []string{string(kind), transactionID, orDefault(correlationID, "none")}
	if !kind.Timeout() {
		parts = append(parts, orDefault(code, "unknown"))
	}
	return strings.Join(parts, ":")
}

// New builds the record for a callback about to be processed.
func New(kind Kind, transactionID, correlationID, code string, payload json.RawMessage, now time.Time) *Event {
	return &Event{
		ID:            uuid.NewString(),
		EventKey:      Key(kind, transactionID, correlationID, code),
		TransactionID: transactionID,
		EventType:     kind,
		Payload:       payload,
		ReceivedAt:    now.UTC(),
	}
}

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s == "" {
		return def
	}
	return s
}
