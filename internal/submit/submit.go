// Package submit opens transactions and sends their mobile-money leg to the gateway.
package submit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/config"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/daraja"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/fsm"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/ledger"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/store"
)

// Gateway is the part of the Daraja client the submitter needs.
type Gateway interface {
	InitiateSTKPush(ctx context.Context, r daraja.STKPushRequest) (*daraja.Response, error)
	InitiateB2C(ctx context.Context, r daraja.B2CRequest) (*daraja.Response, error)
	InitiateB2B(ctx context.Context, r daraja.B2BRequest) (*daraja.Response, error)
}

// Refunder compensates a payout the gateway refused.
type Refunder interface {
	ScheduleRefund(ctx context.Context, tx *ledger.Transaction, reason string) error
}

// RejectedError is a submission the gateway refused. The transaction has
// already been moved to failed.
type RejectedError struct {
	TransactionID string
	Status        int
	Message       string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("gateway rejected %s (HTTP %d): %s", e.TransactionID, e.Status, e.Message)
}

type Submitter struct {
	store    store.Store
	gateway  Gateway
	refunder Refunder
	config   func() *config.Config
	logger   *slog.Logger
	now      func() time.Time
}

func New(st store.Store, gw Gateway, refunder Refunder, cfg func() *config.Config, logger *slog.Logger) *Submitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Submitter{
		store:    st,
		gateway:  gw,
		refunder: refunder,
		config:   cfg,
		logger:   logger.With("component", "submit"),
		now:      time.Now,
	}
}

// Submit sends the mobile-money leg of transaction id: an STK push for an
// onramp awaiting user authorization, a B2C or B2B payout for a funded payout.
func (s *Submitter) Submit(ctx context.Context, id string) (*ledger.Transaction, error) {
	tx, err := s.store.Get(ctx, ledger.NormalizeTransactionID(id))
	if err != nil {
		return nil, err
	}
	cfg := s.config()
	now := s.now().UTC()
	if tx.Quote.Expired(now) {
		return tx, &ledger.ValidationError{Field: "quote", Reason: "expired"}
	}

	var (
		product string
		request any
		resp    *daraja.Response
	)
	switch {
	case tx.FlowType == ledger.FlowOnramp:
		if tx.Status != ledger.StatusAwaitingUserAuthorization {
			return tx, &fsm.TransitionError{TransactionID: tx.TransactionID, From: tx.Status, To: ledger.StatusMpesaSubmitted}
		}
		amount := firstPositive(tx.Quote.TotalDebitKES, tx.Quote.AmountKES)
		if err := checkLimits(cfg.Gateway, amount); err != nil {
			return tx, err
		}
		product = "STK"
		r := daraja.STKPushRequest{
			AmountKES:        amount,
			PhoneNumber:      tx.Targets.PhoneNumber,
			CallbackURL:      callbackURL(cfg, cfg.Gateway.ResultBaseURL, "/stk", tx.TransactionID),
			AccountReference: tx.Targets.AccountReference,
		}
		request = r
		resp, err = s.gateway.InitiateSTKPush(ctx, r)
	case tx.FlowType.IsPayout():
		if tx.Status != ledger.StatusAwaitingOnchainFunding {
			return tx, &fsm.TransitionError{TransactionID: tx.TransactionID, From: tx.Status, To: ledger.StatusMpesaSubmitted}
		}
		amount := firstPositive(tx.Quote.ExpectedReceiveKES, tx.Quote.AmountKES)
		if err := checkLimits(cfg.Gateway, amount); err != nil {
			return tx, err
		}
		product, request, resp, err = s.payout(ctx, cfg, tx, amount)
	default:
		return tx, &ledger.ValidationError{Field: "flowType", Reason: "unknown flow " + string(tx.FlowType)}
	}
	if err != nil {
		// Delivery is unknown; state is left for the sweeper or an operator.
		s.logger.Error("gateway call failed", "tx", tx.TransactionID, "product", product, "error", err)
		return tx, err
	}

	s.record(tx, request, resp)
	tx.UpdatedAt = now
	if resp.Accepted() {
		if err := fsm.ApplyAt(tx, ledger.StatusMpesaSubmitted, product+" request accepted", ledger.SourceSystem, now); err != nil {
			return tx, err
		}
		if err := s.store.Save(ctx, tx); err != nil {
			return tx, fmt.Errorf("save submitted transaction: %w", err)
		}
		s.logger.Info("transaction submitted", "tx", tx.TransactionID, "product", product,
			"checkout_request_id", tx.Daraja.CheckoutRequestID, "conversation_id", tx.Daraja.ConversationID)
		return tx, nil
	}

	msg := firstNonEmpty(resp.ErrorMessage(), "M-Pesa request failed.")
	reason := product + " request rejected: " + msg
	if err := fsm.ApplyAt(tx, ledger.StatusFailed, reason, ledger.SourceSystem, now); err != nil {
		return tx, err
	}
	if err := s.store.Save(ctx, tx); err != nil {
		return tx, fmt.Errorf("save rejected transaction: %w", err)
	}
	s.logger.Warn("gateway rejected submission", "tx", tx.TransactionID, "product", product, "status", resp.Status, "message", msg)
	if tx.FlowType.IsPayout() && s.refunder != nil {
		if err := s.refunder.ScheduleRefund(ctx, tx, reason); err != nil {
			s.logger.Error("refund after rejection failed", "tx", tx.TransactionID, "error", err)
		}
	}
	return tx, &RejectedError{TransactionID: tx.TransactionID, Status: resp.Status, Message: msg}
}

func (s *Submitter) payout(ctx context.Context, cfg *config.Config, tx *ledger.Transaction, amount float64) (string, any, *daraja.Response, error) {
	switch tx.FlowType {
	case ledger.FlowOfframp:
		r := daraja.B2CRequest{
			AmountKES:                amount,
			PhoneNumber:              tx.Targets.PhoneNumber,
			OriginatorConversationID: tx.TransactionID,
			ResultURL:                callbackURL(cfg, cfg.Gateway.ResultBaseURL, "/b2c/result", tx.TransactionID),
			TimeoutURL:               callbackURL(cfg, cfg.Gateway.TimeoutBaseURL, "/b2c/timeout", tx.TransactionID),
		}
		resp, err := s.gateway.InitiateB2C(ctx, r)
		return "B2C", r, resp, err
	default:
		r := daraja.B2BRequest{
			AmountKES:                amount,
			AccountReference:         tx.Targets.AccountReference,
			OriginatorConversationID: tx.TransactionID,
			ResultURL:                callbackURL(cfg, cfg.Gateway.ResultBaseURL, "/b2b/result", tx.TransactionID),
			TimeoutURL:               callbackURL(cfg, cfg.Gateway.TimeoutBaseURL, "/b2b/timeout", tx.TransactionID),
		}
		if tx.FlowType == ledger.FlowPaybill {
			r.CommandID = daraja.CommandBusinessPayBill
			r.ReceiverNumber = tx.Targets.PaybillNumber
		} else {
			r.CommandID = daraja.CommandBusinessBuyGoods
			r.ReceiverNumber = tx.Targets.TillNumber
		}
		resp, err := s.gateway.InitiateB2B(ctx, r)
		return "B2B", r, resp, err
	}
}

// record copies the request, the response and any correlation ids into the
// gateway scratch fields.
func (s *Submitter) record(tx *ledger.Transaction, request any, resp *daraja.Response) {
	if raw, err := json.Marshal(request); err == nil {
		tx.Daraja.RawRequest = raw
	}
	tx.Daraja.RawResponse = resp.Raw
	d := &tx.Daraja
	d.ResponseCode = resp.Field("ResponseCode")
	d.ResponseDescription = firstNonEmpty(resp.Field("ResponseDescription"), resp.ErrorMessage())
	d.CustomerMessage = resp.Field("CustomerMessage")
	d.MerchantRequestID = firstNonEmpty(resp.Field("MerchantRequestID"), d.MerchantRequestID)
	d.CheckoutRequestID = firstNonEmpty(resp.Field("CheckoutRequestID"), d.CheckoutRequestID)
	d.ConversationID = firstNonEmpty(resp.Field("ConversationID"), d.ConversationID)
	d.OriginatorConversationID = firstNonEmpty(resp.Field("OriginatorConversationID"), d.OriginatorConversationID)
}

func callbackURL(cfg *config.Config, base, path, txID string) string {
	return daraja.CallbackURL(base, cfg.Server.WebhookPrefix, path, txID, cfg.Gateway.WebhookSecret)
}

func checkLimits(g config.GatewayConf, amountKES float64) error {
	if amountKES <= 0 {
		return &ledger.ValidationError{Field: "quote.amountKes", Reason: "must be positive"}
	}
	if g.MaxTxnKES > 0 && amountKES > g.MaxTxnKES {
		return &ledger.ValidationError{Field: "quote.amountKes", Reason: fmt.Sprintf("exceeds the per-transaction limit of %.0f KES", g.MaxTxnKES)}
	}
	return nil
}

func firstPositive(values ...float64) float64 {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// IsRejected reports whether err is a gateway rejection.
func IsRejected(err error) bool {
	var rerr *RejectedError
	return errors.As(err, &rerr)
}
