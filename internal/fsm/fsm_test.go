package fsm_test

import (
	"errors"
	"testing"

	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/fsm"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/ledger"
)

func TestTerminalStatesRejectEveryTarget(t *testing.T) {
	for _, from := range []ledger.Status{ledger.StatusSucceeded, ledger.StatusRefunded} {
		for _, to := range ledger.Statuses {
			tx := &ledger.Transaction{TransactionID: "MPX1", Status: from}
			err := fsm.Apply(tx, to, "test", ledger.SourceSystem)
			var terr *fsm.TransitionError
			if !errors.As(err, &terr) {
				t.Fatalf("%s -> %s: expected TransitionError, got %v", from, to, err)
			}
			if terr.From != from || terr.To != to {
				t.Fatalf("error names %s -> %s, want %s -> %s", terr.From, terr.To, from, to)
			}
			if tx.Status != from || len(tx.History) != 0 {
				t.Fatalf("%s -> %s: transaction mutated on rejection", from, to)
			}
		}
	}
}

func TestHappyPaths(t *testing.T) {
	cases := []struct {
		name string
		path []ledger.Status
	}{
		{"onramp", []ledger.Status{
			ledger.StatusQuoted, ledger.StatusAwaitingUserAuthorization,
			ledger.StatusMpesaSubmitted, ledger.StatusSucceeded,
		}},
		{"payout", []ledger.Status{
			ledger.StatusQuoted, ledger.StatusAwaitingUserAuthorization, ledger.StatusAwaitingOnchainFunding,
			ledger.StatusMpesaSubmitted, ledger.StatusMpesaProcessing, ledger.StatusSucceeded,
		}},
		{"refund", []ledger.Status{
			ledger.StatusQuoted, ledger.StatusAwaitingUserAuthorization, ledger.StatusAwaitingOnchainFunding,
			ledger.StatusMpesaSubmitted, ledger.StatusFailed, ledger.StatusRefundPending, ledger.StatusRefunded,
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tx := &ledger.Transaction{TransactionID: "MPX1", Status: ledger.StatusCreated}
			for _, to := range tc.path {
				if err := fsm.Apply(tx, to, "step", ledger.SourceWebhook); err != nil {
					t.Fatalf("apply %s: %v", to, err)
				}
			}
			if len(tx.History) != len(tc.path) {
				t.Fatalf("expected %d history entries, got %d", len(tc.path), len(tx.History))
			}
			prev := ledger.StatusCreated
			for i, h := range tx.History {
				if h.From != prev || h.To != tc.path[i] || h.Source != ledger.SourceWebhook {
					t.Fatalf("entry %d = %+v", i, h)
				}
				prev = h.To
			}
		})
	}
}

func TestAnyNonTerminalMayFail(t *testing.T) {
	for _, from := range ledger.Statuses {
		if from.Terminal() || from == ledger.StatusFailed {
			continue
		}
		if !fsm.CanTransition(from, ledger.StatusFailed) {
			t.Errorf("expected %s -> failed to be allowed", from)
		}
	}
}

func TestFailedOnlyLeadsToRefund(t *testing.T) {
	for _, to := range ledger.Statuses {
		want := to == ledger.StatusRefundPending
		if got := fsm.CanTransition(ledger.StatusFailed, to); got != want {
			t.Errorf("failed -> %s: got %v, want %v", to, got, want)
		}
	}
}

func TestRejectsUnknownStatusAndSource(t *testing.T) {
	tx := &ledger.Transaction{Status: ledger.StatusMpesaSubmitted}
	if err := fsm.Apply(tx, "paused", "x", ledger.SourceSystem); err == nil {
		t.Fatal("expected error for unknown status")
	}
	if err := fsm.Apply(tx, ledger.StatusSucceeded, "x", "cron"); err == nil {
		t.Fatal("expected error for unknown source")
	}
}
