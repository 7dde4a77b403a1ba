package submit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/fsm"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/ledger"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/store"
)

// Request opens a transaction. Funding is the user's on-chain deposit for a
// payout; when it carries a valid hash the payout is ready to submit.
type Request struct {
	ledger.NewParams
	Funding *ledger.Onchain
}

// Create opens a transaction and walks it to the first status that waits on
// someone else. A repeated idempotency key returns the existing transaction
// with existed=true.
func Create(ctx context.Context, st store.Store, r Request, now time.Time) (tx *ledger.Transaction, existed bool, err error) {
	if key := strings.TrimSpace(r.IdempotencyKey); key != "" {
		found, err := st.FindByIdempotencyKey(ctx, r.UserAddress, r.FlowType, key)
		if err == nil {
			return found, true, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, false, err
		}
	}

	tx, err = ledger.NewTransaction(r.NewParams, now)
	if err != nil {
		return nil, false, err
	}
	if !tx.Quote.Empty() {
		if err := fsm.ApplyAt(tx, ledger.StatusQuoted, "Quote captured", ledger.SourceSystem, now); err != nil {
			return nil, false, err
		}
		if err := fsm.ApplyAt(tx, ledger.StatusAwaitingUserAuthorization, "Awaiting user authorization", ledger.SourceSystem, now); err != nil {
			return nil, false, err
		}
	}
	if tx.FlowType.IsPayout() && r.Funding != nil && tx.Status == ledger.StatusAwaitingUserAuthorization {
		if !ledger.ValidTxHash(r.Funding.TxHash) {
			return nil, false, &ledger.ValidationError{Field: "funding.txHash", Reason: "not a transaction hash"}
		}
		if r.Funding.FromAddress != "" && !ledger.ValidAddress(ledger.NormalizeAddress(r.Funding.FromAddress)) {
			return nil, false, &ledger.ValidationError{Field: "funding.fromAddress", Reason: "not a hex address"}
		}
		tx.Onchain = *r.Funding
		tx.Onchain.TxHash = ledger.NormalizeHash(r.Funding.TxHash)
		tx.Onchain.FromAddress = ledger.NormalizeAddress(r.Funding.FromAddress)
		if err := fsm.ApplyAt(tx, ledger.StatusAwaitingOnchainFunding, "Funding transaction recorded", ledger.SourceUser, now); err != nil {
			return nil, false, err
		}
	}

	err = st.Create(ctx, tx)
	if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
		// Lost a race with a concurrent create of the same key.
		found, ferr := st.FindByIdempotencyKey(ctx, tx.UserAddress, tx.FlowType, tx.IdempotencyKey)
		if ferr != nil {
			return nil, false, ferr
		}
		return found, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	return tx, false, nil
}
