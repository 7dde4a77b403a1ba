package settlement_test

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/chain"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/ledger"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/settlement"
)

const user = "0x3333333333333333333333333333333333333333"

type fakeTransferer struct {
	mu    sync.Mutex
	calls []chain.Transfer
	err   error
}

func (f *fakeTransferer) Transfer(_ context.Context, t chain.Transfer) (*chain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, t)
	if f.err != nil {
		return nil, f.err
	}
	return &chain.Receipt{
		TxHash: "0x" + strings.Repeat("ab", 32),
		From:   "0x4444444444444444444444444444444444444444",
		To:     t.To,
	}, nil
}

func (f *fakeTransferer) Info() chain.TokenInfo {
	return chain.TokenInfo{ChainID: 8453, TokenAddress: "0x5555555555555555555555555555555555555555", TokenSymbol: "USDC", Decimals: 6}
}

func onramp(q ledger.Quote) *ledger.Transaction {
	return &ledger.Transaction{
		TransactionID: "MPX1",
		FlowType:      ledger.FlowOnramp,
		Status:        ledger.StatusMpesaSubmitted,
		UserAddress:   user,
		Quote:         q,
	}
}

func TestAmountUSD(t *testing.T) {
	cases := []struct {
		name string
		q    ledger.Quote
		want string
		err  error
	}{
		{"kes over rate", ledger.Quote{AmountKES: 1300, RateKESPerUSD: 130}, "10", nil},
		{"usd wins", ledger.Quote{AmountUSD: 25, AmountKES: 1300, RateKESPerUSD: 130}, "25", nil},
		{"no rate", ledger.Quote{AmountKES: 1300}, "", settlement.ErrUnknownAmount},
		{"empty", ledger.Quote{}, "", settlement.ErrUnknownAmount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := settlement.AmountUSD(tc.q)
			if tc.err != nil {
				if !errors.Is(err, tc.err) {
					t.Fatalf("expected %v, got %v", tc.err, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("AmountUSD: %v", err)
			}
			if !got.Equal(decimal.RequireFromString(tc.want)) {
				t.Fatalf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestToUnits(t *testing.T) {
	rounded, units, err := settlement.ToUnits(decimal.RequireFromString("10.1234567"), 6)
	if err != nil {
		t.Fatalf("ToUnits: %v", err)
	}
	if rounded.String() != "10.123457" || units.Cmp(big.NewInt(10_123_457)) != 0 {
		t.Fatalf("got %s / %s", rounded, units)
	}
	if _, _, err := settlement.ToUnits(decimal.RequireFromString("0.0000004"), 6); !errors.Is(err, settlement.ErrRoundsToZero) {
		t.Fatalf("expected ErrRoundsToZero, got %v", err)
	}
}

func TestSettleOnramp(t *testing.T) {
	tf := &fakeTransferer{}
	s := settlement.New(tf, nil)
	tx := onramp(ledger.Quote{AmountKES: 1300, RateKESPerUSD: 130})

	res, err := s.SettleOnramp(context.Background(), tx)
	if err != nil {
		t.Fatalf("SettleOnramp: %v", err)
	}
	if res.Reused || len(tf.calls) != 1 {
		t.Fatalf("expected one fresh transfer, got reused=%v calls=%d", res.Reused, len(tf.calls))
	}
	if tf.calls[0].Amount.Cmp(big.NewInt(10_000_000)) != 0 || tf.calls[0].To != user {
		t.Fatalf("unexpected transfer %+v", tf.calls[0])
	}
	oc := tx.Onchain
	if oc.FundedAmountUSD != 10 || oc.FundedAmountUnits != "10000000" || oc.ExpectedAmountUnits != "10000000" {
		t.Fatalf("unexpected amounts %+v", oc)
	}
	if !ledger.ValidTxHash(oc.TxHash) || oc.ChainID != 8453 || oc.TokenSymbol != "USDC" {
		t.Fatalf("unexpected onchain %+v", oc)
	}
	if oc.VerificationStatus != ledger.VerificationVerified || oc.VerifiedBy != settlement.VerifiedBy || oc.VerifiedAt == nil {
		t.Fatalf("unexpected verification %+v", oc)
	}
	if oc.TreasuryAddress != "0x4444444444444444444444444444444444444444" {
		t.Fatalf("expected sender as treasury address, got %s", oc.TreasuryAddress)
	}
}

func TestSettleOnrampReusesExistingHash(t *testing.T) {
	tf := &fakeTransferer{}
	s := settlement.New(tf, nil)
	tx := onramp(ledger.Quote{AmountUSD: 25})
	tx.Onchain.TxHash = "0x" + strings.Repeat("CD", 32)
	tx.Onchain.ChainID = 8453

	for i := 0; i < 2; i++ {
		res, err := s.SettleOnramp(context.Background(), tx)
		if err != nil {
			t.Fatalf("SettleOnramp: %v", err)
		}
		if !res.Reused || res.TxHash != "0x"+strings.Repeat("cd", 32) {
			t.Fatalf("expected reused normalized hash, got %+v", res)
		}
	}
	if len(tf.calls) != 0 {
		t.Fatalf("expected zero transfers, got %d", len(tf.calls))
	}
}

func TestSettleOnrampFailures(t *testing.T) {
	boom := errors.New("rpc unavailable")
	cases := []struct {
		name   string
		tx     *ledger.Transaction
		tf     *fakeTransferer
		reason string
	}{
		{"not onramp", &ledger.Transaction{FlowType: ledger.FlowOfframp, UserAddress: user}, &fakeTransferer{},
			"Onramp settlement is only supported for onramp transactions."},
		{"unknown amount", onramp(ledger.Quote{}), &fakeTransferer{}, "Unable to determine onramp settlement amount."},
		{"bad address", &ledger.Transaction{FlowType: ledger.FlowOnramp, UserAddress: "0xnope", Quote: ledger.Quote{AmountUSD: 1}},
			&fakeTransferer{}, "Recipient wallet address is invalid."},
		{"transfer error", onramp(ledger.Quote{AmountUSD: 1}), &fakeTransferer{err: boom}, "rpc unavailable"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := settlement.New(tc.tf, nil).SettleOnramp(context.Background(), tc.tx)
			var serr *settlement.SettlementError
			if !errors.As(err, &serr) {
				t.Fatalf("expected SettlementError, got %v", err)
			}
			if serr.Reason != tc.reason {
				t.Fatalf("reason %q, want %q", serr.Reason, tc.reason)
			}
			if tc.tx.Onchain.TxHash != "" {
				t.Fatal("hash must not be set on failure")
			}
		})
	}
}

func TestSettlementErrorText(t *testing.T) {
	_, err := settlement.New(&fakeTransferer{}, nil).SettleOnramp(context.Background(), onramp(ledger.Quote{}))
	if err == nil {
		t.Fatal("expected an error")
	}
	msg := err.Error()
	if msg != "settle MPX1: cannot determine onramp settlement amount" {
		t.Fatalf("unexpected error text %q", msg)
	}
	if !errors.Is(err, settlement.ErrUnknownAmount) {
		t.Fatalf("expected ErrUnknownAmount in chain, got %v", err)
	}
}

func TestUnconfirmedTransferKeepsHash(t *testing.T) {
	hash := "0x" + strings.Repeat("ef", 32)
	tf := &fakeTransferer{err: &chain.TransferError{Stage: "confirmations", TxHash: hash, Err: context.DeadlineExceeded}}
	s := settlement.New(tf, nil)
	tx := onramp(ledger.Quote{AmountUSD: 2})

	_, err := s.SettleOnramp(context.Background(), tx)
	var serr *settlement.SettlementError
	if !errors.As(err, &serr) || serr.TxHash != hash {
		t.Fatalf("expected SettlementError carrying %s, got %v", hash, err)
	}
	if tx.Onchain.TxHash != hash || tx.Onchain.VerificationStatus != ledger.VerificationFailed {
		t.Fatalf("broadcast hash not recorded: %+v", tx.Onchain)
	}

	// A second attempt reports the same failure without sending again.
	_, err = s.SettleOnramp(context.Background(), tx)
	if !errors.Is(err, settlement.ErrUnconfirmed) {
		t.Fatalf("expected ErrUnconfirmed, got %v", err)
	}
	if !errors.As(err, &serr) || serr.Reason != tx.Onchain.VerificationError {
		t.Fatalf("reason %q, want %q", serr.Reason, tx.Onchain.VerificationError)
	}
	if len(tf.calls) != 1 {
		t.Fatalf("expected one transfer, got %d", len(tf.calls))
	}
}
