package webhook

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/event"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/ledger"
)

// Callback is a decoded gateway callback, independent of its wire shape.
type Callback struct {
	Kind event.Kind
	// Correlation holds the gateway identifiers only; the transaction id comes
	// from the request URL.
	Correlation ledger.Correlation
	// CorrelationID is the identifier that goes into the event key.
	CorrelationID     string
	MerchantRequestID string
	Code              ResultCode
	ResultDesc        string
	Receipt           string
	// TransactionStatus is the payout status reported by a status query answer.
	TransactionStatus string
	// Annotate marks failures whose description gets a remediation hint.
	Annotate bool
	Raw      json.RawMessage
}

// Action is what a callback asks of the transaction.
type Action int

const (
	// ActionSettle settles the onramp on-chain, then succeeds or fails.
	ActionSettle Action = iota + 1
	ActionSucceed
	ActionFail
	// ActionFailAndRefund fails the payout and schedules its refund.
	ActionFailAndRefund
	// ActionRecord keeps the callback in the scratch fields and changes no status.
	ActionRecord
)

func (a Action) String() string {
	switch a {
	case ActionSettle:
		return "settle"
	case ActionSucceed:
		return "succeed"
	case ActionFail:
		return "fail"
	case ActionFailAndRefund:
		return "fail_and_refund"
	case ActionRecord:
		return "record"
	}
	return "unknown"
}

// Outcome carries the action plus the audit reasons to record.
type Outcome struct {
	Action       Action
	Reason       string
	RefundReason string
}

// Handler is implemented once per callback kind.
type Handler interface {
	// Kind returns the key this handler is registered under.
	Kind() event.Kind
	// Parse decodes the request body.
	Parse(body []byte) (*Callback, error)
	// Merge copies the callback into the gateway scratch fields, keeping
	// existing identifiers when the callback omits them.
	Merge(d *ledger.Daraja, cb *Callback, now time.Time)
	// Outcome decides what the callback does to the transaction.
	Outcome(cb *Callback) Outcome
}

// ── STK push result ──

type stkHandler struct{}

func (stkHandler) Kind() event.Kind { return event.KindSTKResult }

func (stkHandler) Parse(body []byte) (*Callback, error) {
	var env STKEnvelope
	if err := decode(body, &env); err != nil {
		return nil, err
	}
	stk := env.Body.STKCallback
	checkout := strings.TrimSpace(stk.CheckoutRequestID)
	return &Callback{
		Kind:              event.KindSTKResult,
		Correlation:       ledger.Correlation{CheckoutRequestID: checkout},
		CorrelationID:     checkout,
		MerchantRequestID: strings.TrimSpace(stk.MerchantRequestID),
		Code:              ParseResultCode(stk.ResultCode),
		ResultDesc:        strings.TrimSpace(stk.ResultDesc),
		Receipt:           stk.Receipt(),
		Raw:               json.RawMessage(body),
	}, nil
}

func (stkHandler) Merge(d *ledger.Daraja, cb *Callback, now time.Time) {
	d.MerchantRequestID = firstNonEmpty(cb.MerchantRequestID, d.MerchantRequestID)
	d.CheckoutRequestID = firstNonEmpty(cb.Correlation.CheckoutRequestID, d.CheckoutRequestID)
	mergeResult(d, cb, now)
}

func (stkHandler) Outcome(cb *Callback) Outcome {
	if cb.Code.Success {
		return Outcome{Action: ActionSettle, Reason: "STK callback success"}
	}
	return Outcome{Action: ActionFail, Reason: "STK callback failure"}
}

// ── B2C / B2B result ──

type resultHandler struct {
	kind    event.Kind
	product string
}

func (h resultHandler) Kind() event.Kind { return h.kind }

func (h resultHandler) Parse(body []byte) (*Callback, error) {
	var env ResultEnvelope
	if err := decode(body, &env); err != nil {
		return nil, err
	}
	r := env.Result
	conv := strings.TrimSpace(r.ConversationID)
	code := ParseResultCode(r.ResultCode)
	return &Callback{
		Kind: h.kind,
		Correlation: ledger.Correlation{
			ConversationID:           conv,
			OriginatorConversationID: strings.TrimSpace(r.OriginatorConversationID),
		},
		CorrelationID: conv,
		Code:          code,
		ResultDesc:    strings.TrimSpace(r.ResultDesc),
		Receipt:       r.Receipt(),
		Annotate:      !code.Success,
		Raw:           json.RawMessage(body),
	}, nil
}

func (h resultHandler) Merge(d *ledger.Daraja, cb *Callback, now time.Time) {
	mergeConversation(d, cb)
	mergeResult(d, cb, now)
}

func (h resultHandler) Outcome(cb *Callback) Outcome {
	if cb.Code.Success {
		return Outcome{Action: ActionSucceed, Reason: h.product + " callback success"}
	}
	return Outcome{
		Action:       ActionFailAndRefund,
		Reason:       h.product + " callback failure",
		RefundReason: h.product + " failed: " + firstNonEmpty(cb.ResultDesc, "Unknown error"),
	}
}

// ── B2C / B2B timeout ──

type timeoutHandler struct {
	kind    event.Kind
	product string
}

func (h timeoutHandler) Kind() event.Kind { return h.kind }

func (h timeoutHandler) Parse(body []byte) (*Callback, error) {
	var env ResultEnvelope
	if err := decode(body, &env); err != nil {
		return nil, err
	}
	conv := firstNonEmpty(env.Result.ConversationID, env.ConversationID)
	return &Callback{
		Kind: h.kind,
		Correlation: ledger.Correlation{
			ConversationID:           conv,
			OriginatorConversationID: firstNonEmpty(env.Result.OriginatorConversationID, env.OriginatorConversationID),
		},
		CorrelationID: conv,
		ResultDesc:    "Timeout",
		Raw:           json.RawMessage(body),
	}, nil
}

func (h timeoutHandler) Merge(d *ledger.Daraja, cb *Callback, now time.Time) {
	mergeConversation(d, cb)
	d.ResultDesc = cb.ResultDesc
	d.RawCallback = cb.Raw
	d.CallbackReceivedAt = &now
}

func (h timeoutHandler) Outcome(*Callback) Outcome {
	return Outcome{
		Action:       ActionFailAndRefund,
		Reason:       h.product + " timeout callback",
		RefundReason: h.product + " timeout",
	}
}

// ── Transaction status query ──

// statusHandler reads the answer to a status query. A zero result code only
// says the query ran; the payout's fate is in the TransactionStatus parameter.
type statusHandler struct{}

func (statusHandler) Kind() event.Kind { return event.KindStatusResult }

func (statusHandler) Parse(body []byte) (*Callback, error) {
	var env ResultEnvelope
	if err := decode(body, &env); err != nil {
		return nil, err
	}
	r := env.Result
	return &Callback{
		Kind:              event.KindStatusResult,
		CorrelationID:     strings.TrimSpace(r.ConversationID),
		Code:              ParseResultCode(r.ResultCode),
		ResultDesc:        strings.TrimSpace(r.ResultDesc),
		Receipt:           r.Parameter("ReceiptNo"),
		TransactionStatus: r.Parameter("TransactionStatus"),
		Raw:               json.RawMessage(body),
	}, nil
}

func (h statusHandler) Merge(d *ledger.Daraja, cb *Callback, now time.Time) {
	d.StatusQueryConversationID = firstNonEmpty(cb.CorrelationID, d.StatusQueryConversationID)
	d.StatusQueryResult = firstNonEmpty(cb.TransactionStatus, cb.ResultDesc)
	d.StatusQueriedAt = &now
	if h.Outcome(cb).Action == ActionRecord {
		return
	}
	d.ResultDesc = "Transaction status: " + cb.TransactionStatus
	d.ReceiptNumber = firstNonEmpty(cb.Receipt, d.ReceiptNumber)
	d.RawCallback = cb.Raw
	d.CallbackReceivedAt = &now
}

func (statusHandler) Outcome(cb *Callback) Outcome {
	if !cb.Code.Success {
		return Outcome{Action: ActionRecord}
	}
	switch strings.ToLower(cb.TransactionStatus) {
	case "completed":
		return Outcome{Action: ActionSucceed, Reason: "Status query: completed"}
	case "failed", "cancelled", "canceled", "expired", "declined", "reversed":
		return Outcome{
			Action:       ActionFailAndRefund,
			Reason:       "Status query: " + strings.ToLower(cb.TransactionStatus),
			RefundReason: "Payout " + strings.ToLower(cb.TransactionStatus),
		}
	}
	return Outcome{Action: ActionRecord}
}

// statusTimeoutHandler records a status query the gateway gave up on. It
// says nothing about the payout, so the next sweep asks again.
type statusTimeoutHandler struct{}

func (statusTimeoutHandler) Kind() event.Kind { return event.KindStatusTimeout }

func (statusTimeoutHandler) Parse(body []byte) (*Callback, error) {
	var env ResultEnvelope
	if err := decode(body, &env); err != nil {
		return nil, err
	}
	return &Callback{
		Kind:          event.KindStatusTimeout,
		CorrelationID: firstNonEmpty(env.Result.ConversationID, env.ConversationID),
		ResultDesc:    "Timeout",
		Raw:           json.RawMessage(body),
	}, nil
}

func (statusTimeoutHandler) Merge(d *ledger.Daraja, cb *Callback, now time.Time) {
	d.StatusQueryConversationID = firstNonEmpty(cb.CorrelationID, d.StatusQueryConversationID)
	d.StatusQueryResult = cb.ResultDesc
	d.StatusQueriedAt = &now
}

func (statusTimeoutHandler) Outcome(*Callback) Outcome {
	return Outcome{Action: ActionRecord}
}

func mergeConversation(d *ledger.Daraja, cb *Callback) {
	d.ConversationID = firstNonEmpty(cb.Correlation.ConversationID, d.ConversationID)
	d.OriginatorConversationID = firstNonEmpty(cb.Correlation.OriginatorConversationID, d.OriginatorConversationID)
}

func mergeResult(d *ledger.Daraja, cb *Callback, now time.Time) {
	d.ResultCode = cb.Code.Number
	d.ResultCodeRaw = cb.Code.Raw
	d.ResultDesc = cb.ResultDesc
	d.ReceiptNumber = firstNonEmpty(cb.Receipt, d.ReceiptNumber)
	d.RawCallback = cb.Raw
	d.CallbackReceivedAt = &now
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
