package ledger

import (
	"math/rand/v2"
	"strconv"
	"strings"
	"time"
)

const idAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// NewTransactionID returns "MPX" + base-36 millis + six random base-36 characters.
func NewTransactionID(now time.Time) string {
	var b strings.Builder
	b.WriteString("MPX")
	b.WriteString(strings.ToUpper(strconv.FormatInt(now.UnixMilli(), 36)))
	for i := 0; i < 6; i++ {
		b.WriteByte(idAlphabet[rand.IntN(len(idAlphabet))])
	}
	return b.String()
}

// NormalizeTransactionID trims and upper-cases an id received from outside.
func NormalizeTransactionID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// NewParams describes a transaction to open.
type NewParams struct {
	FlowType       FlowType
	UserAddress    string
	BusinessID     string
	IdempotencyKey string
	Quote          Quote
	Targets        Targets
}

// NewTransaction validates p and builds a transaction in the created state.
// The caller applies created → quoted through the state machine when a quote is present.
func NewTransaction(p NewParams, now time.Time) (*Transaction, error) {
	if !p.FlowType.Valid() {
		return nil, &ValidationError{Field: "flowType", Reason: "unknown flow " + strconv.Quote(string(p.FlowType))}
	}
	addr := NormalizeAddress(p.UserAddress)
	if addr == "" {
		return nil, &ValidationError{Field: "userAddress", Reason: "required"}
	}
	if !ValidAddress(addr) {
		return nil, &ValidationError{Field: "userAddress", Reason: "not a hex address"}
	}
	if p.Quote.AmountKES < 0 || p.Quote.AmountUSD < 0 || p.Quote.RateKESPerUSD < 0 {
		return nil, &ValidationError{Field: "quote", Reason: "amounts must not be negative"}
	}
	switch p.FlowType {
	case FlowOnramp, FlowOfframp:
		if strings.TrimSpace(p.Targets.PhoneNumber) == "" {
			return nil, &ValidationError{Field: "targets.phoneNumber", Reason: "required for " + string(p.FlowType)}
		}
	case FlowPaybill:
		if strings.TrimSpace(p.Targets.PaybillNumber) == "" {
			return nil, &ValidationError{Field: "targets.paybillNumber", Reason: "required for paybill"}
		}
	case FlowBuyGoods:
		if strings.TrimSpace(p.Targets.TillNumber) == "" {
			return nil, &ValidationError{Field: "targets.tillNumber", Reason: "required for buygoods"}
		}
	}

	now = now.UTC()
	quote := p.Quote
	if !quote.Empty() && quote.SnapshotAt == nil {
		quote.SnapshotAt = &now
	}

	return &Transaction{
		TransactionID:  NewTransactionID(now),
		FlowType:       p.FlowType,
		Status:         StatusCreated,
		UserAddress:    addr,
		BusinessID:     strings.TrimSpace(p.BusinessID),
		IdempotencyKey: strings.TrimSpace(p.IdempotencyKey),
		Quote:          quote,
		Targets:        p.Targets,
		Refund:         Refund{Status: RefundNone},
		History:        []HistoryEntry{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}
