package ledger

import (
	"errors"
	"strings"
	"testing"
	"time"
)

const testAddr = "0xAbCdEf0123456789abcdef0123456789ABCDEF01"

func TestNewTransaction(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tx, err := NewTransaction(NewParams{
		FlowType:       FlowOnramp,
		UserAddress:    "  " + testAddr + " ",
		IdempotencyKey: " key-1 ",
		Quote:          Quote{AmountKES: 1300, RateKESPerUSD: 130},
		Targets:        Targets{PhoneNumber: "254700000000"},
	}, now)
	if err != nil {
		t.Fatalf("NewTransaction: %v", err)
	}
	if tx.UserAddress != strings.ToLower(testAddr) {
		t.Fatalf("expected lower-cased address, got %s", tx.UserAddress)
	}
	if tx.Status != StatusCreated {
		t.Fatalf("expected created, got %s", tx.Status)
	}
	if tx.IdempotencyKey != "key-1" {
		t.Fatalf("expected trimmed idempotency key, got %q", tx.IdempotencyKey)
	}
	if tx.Quote.SnapshotAt == nil || !tx.Quote.SnapshotAt.Equal(now) {
		t.Fatalf("expected quote snapshot at %v, got %v", now, tx.Quote.SnapshotAt)
	}
	if tx.RefundState() != RefundNone {
		t.Fatalf("expected refund none, got %s", tx.RefundState())
	}
	if !strings.HasPrefix(tx.TransactionID, "MPX") || strings.ToUpper(tx.TransactionID) != tx.TransactionID {
		t.Fatalf("unexpected transaction id %s", tx.TransactionID)
	}
}

func TestNewTransactionValidation(t *testing.T) {
	cases := []struct {
		name  string
		p     NewParams
		field string
	}{
		{
			name:  "unknown flow",
			p:     NewParams{FlowType: "swap", UserAddress: testAddr},
			field: "flowType",
		},
		{
			name:  "missing address",
			p:     NewParams{FlowType: FlowOnramp, Targets: Targets{PhoneNumber: "2547"}},
			field: "userAddress",
		},
		{
			name:  "bad address",
			p:     NewParams{FlowType: FlowOnramp, UserAddress: "0x123", Targets: Targets{PhoneNumber: "2547"}},
			field: "userAddress",
		},
		{
			name:  "paybill without number",
			p:     NewParams{FlowType: FlowPaybill, UserAddress: testAddr},
			field: "targets.paybillNumber",
		},
		{
			name:  "buygoods without till",
			p:     NewParams{FlowType: FlowBuyGoods, UserAddress: testAddr},
			field: "targets.tillNumber",
		},
		{
			name:  "negative quote",
			p:     NewParams{FlowType: FlowOfframp, UserAddress: testAddr, Quote: Quote{AmountKES: -1}},
			field: "quote",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewTransaction(tc.p, time.Now())
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tc.field {
				t.Fatalf("expected field %s, got %s", tc.field, verr.Field)
			}
		})
	}
}

func TestFormatChecks(t *testing.T) {
	if !ValidAddress(testAddr) {
		t.Fatalf("expected %s to be valid", testAddr)
	}
	if ValidAddress("0xzz" + strings.Repeat("0", 38)) {
		t.Fatal("expected non-hex address to be rejected")
	}
	hash := "0x" + strings.Repeat("ab", 32)
	if !ValidTxHash(strings.ToUpper(hash[:2]) + hash[2:]) {
		t.Fatal("expected hash to be valid")
	}
	if ValidTxHash("0xdeadbeef") {
		t.Fatal("expected short hash to be rejected")
	}
}

func TestCloneIsDeep(t *testing.T) {
	tx := &Transaction{TransactionID: "MPX1", History: []HistoryEntry{{To: StatusCreated, Source: SourceSystem}}}
	cp, err := tx.Clone()
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	cp.History[0].Reason = "changed"
	if tx.History[0].Reason != "" {
		t.Fatal("clone shares history with original")
	}
}

func TestStatusHelpers(t *testing.T) {
	for _, s := range Statuses {
		if !s.Valid() {
			t.Fatalf("expected %s valid", s)
		}
	}
	if Status("paused").Valid() {
		t.Fatal("unexpected valid status")
	}
	if !StatusSucceeded.Terminal() || !StatusRefunded.Terminal() || StatusFailed.Terminal() {
		t.Fatal("terminal set mismatch")
	}
	if FlowOnramp.IsPayout() || !FlowBuyGoods.IsPayout() {
		t.Fatal("payout set mismatch")
	}
}
