// Package fsm owns every status change of a ledger transaction.
package fsm

import (
	"fmt"
	"time"

	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/ledger"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/metrics"
)

// TransitionError names an illegal (from, to) pair. It indicates a logic bug or
// corrupted data and is never retried.
type TransitionError struct {
	TransactionID string
	From          ledger.Status
	To            ledger.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("transaction %s: illegal transition %s -> %s", e.TransactionID, e.From, e.To)
}

// transitions lists the forward edges. Every non-terminal status may also move
// to failed; that edge is added in init.
var transitions = map[ledger.Status][]ledger.Status{
	ledger.StatusCreated:                   {ledger.StatusQuoted},
	ledger.StatusQuoted:                    {ledger.StatusAwaitingUserAuthorization},
	ledger.StatusAwaitingUserAuthorization: {ledger.StatusAwaitingOnchainFunding, ledger.StatusMpesaSubmitted},
	ledger.StatusAwaitingOnchainFunding:    {ledger.StatusMpesaSubmitted},
	ledger.StatusMpesaSubmitted:            {ledger.StatusMpesaProcessing, ledger.StatusSucceeded},
	ledger.StatusMpesaProcessing:           {ledger.StatusSucceeded},
	ledger.StatusFailed:                    {ledger.StatusRefundPending},
	ledger.StatusRefundPending:             {ledger.StatusRefunded},
}

var allowed = map[ledger.Status]map[ledger.Status]bool{}

func init() {
	for _, from := range ledger.Statuses {
		if from.Terminal() {
			continue
		}
		edges := map[ledger.Status]bool{}
		for _, to := range transitions[from] {
			edges[to] = true
		}
		if from != ledger.StatusFailed {
			edges[ledger.StatusFailed] = true
		}
		allowed[from] = edges
	}
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to ledger.Status) bool {
	return allowed[from][to]
}

// Apply validates the change, appends one history entry and sets the status.
// On error the transaction is left untouched.
func Apply(tx *ledger.Transaction, to ledger.Status, reason string, source ledger.Source) error {
	return ApplyAt(tx, to, reason, source, time.Now())
}

// ApplyAt is Apply with an explicit timestamp.
func ApplyAt(tx *ledger.Transaction, to ledger.Status, reason string, source ledger.Source, at time.Time) error {
	if !to.Valid() || !source.Valid() || !CanTransition(tx.Status, to) {
		return &TransitionError{TransactionID: tx.TransactionID, From: tx.Status, To: to}
	}
	at = at.UTC()
	tx.History = append(tx.History, ledger.HistoryEntry{
		From:   tx.Status,
		To:     to,
		Reason: reason,
		Source: source,
		At:     at,
	})
	metrics.StateTransitions.WithLabelValues(string(tx.Status), string(to), string(source)).Inc()
	tx.Status = to
	tx.UpdatedAt = at
	return nil
}
