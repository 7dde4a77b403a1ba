package ledger

import (
	"encoding/json"
	"time"
)

// FlowType is fixed when a transaction is created.
type FlowType string

const (
	FlowOnramp   FlowType = "onramp"
	FlowOfframp  FlowType = "offramp"
	FlowPaybill  FlowType = "paybill"
	FlowBuyGoods FlowType = "buygoods"
)

// Valid reports whether f is one of the known flow types.
func (f FlowType) Valid() bool {
	switch f {
	case FlowOnramp, FlowOfframp, FlowPaybill, FlowBuyGoods:
		return true
	}
	return false
}

// IsPayout reports whether the mobile-money leg moves funds out to a recipient
// (B2C or B2B). Payouts are funded on-chain first and refunded on failure.
func (f FlowType) IsPayout() bool {
	return f == FlowOfframp || f == FlowPaybill || f == FlowBuyGoods
}

// Status is the lifecycle state of a transaction. It only changes through fsm.Apply.
type Status string

const (
	StatusCreated                   Status = "created"
	StatusQuoted                    Status = "quoted"
	StatusAwaitingUserAuthorization Status = "awaiting_user_authorization"
	StatusAwaitingOnchainFunding    Status = "awaiting_onchain_funding"
	StatusMpesaSubmitted            Status = "mpesa_submitted"
	StatusMpesaProcessing           Status = "mpesa_processing"
	StatusSucceeded                 Status = "succeeded"
	StatusFailed                    Status = "failed"
	StatusRefundPending             Status = "refund_pending"
	StatusRefunded                  Status = "refunded"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusCreated,
	StatusQuoted,
	StatusAwaitingUserAuthorization,
	StatusAwaitingOnchainFunding,
	StatusMpesaSubmitted,
	StatusMpesaProcessing,
	StatusSucceeded,
	StatusFailed,
	StatusRefundPending,
	StatusRefunded,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusRefunded
}

// RefundStatus tracks the compensating transfer of a failed payout.
type RefundStatus string

const (
	RefundNone      RefundStatus = "none"
	RefundPending   RefundStatus = "pending"
	RefundCompleted RefundStatus = "completed"
	RefundFailed    RefundStatus = "failed"
)

// Source tags who caused a status change.
type Source string

const (
	SourceWebhook    Source = "webhook"
	SourceSettlement Source = "settlement"
	SourceSystem     Source = "system"
	SourceUser       Source = "user"
)

// Valid reports whether s is a known source tag.
func (s Source) Valid() bool {
	switch s {
	case SourceWebhook, SourceSettlement, SourceSystem, SourceUser:
		return true
	}
	return false
}

// Verification outcomes recorded in Onchain.VerificationStatus.
const (
	VerificationVerified = "verified"
	VerificationFailed   = "failed"
)

// Quote is the pricing snapshot taken once at creation. It is never recomputed.
type Quote struct {
	QuoteID            string     `json:"quoteId,omitempty"`
	Currency           string     `json:"currency,omitempty"`
	AmountRequested    float64    `json:"amountRequested,omitempty"`
	AmountKES          float64    `json:"amountKes,omitempty"`
	AmountUSD          float64    `json:"amountUsd,omitempty"`
	RateKESPerUSD      float64    `json:"rateKesPerUsd,omitempty"`
	FeeAmountKES       float64    `json:"feeAmountKes,omitempty"`
	NetworkFeeKES      float64    `json:"networkFeeKes,omitempty"`
	TotalDebitKES      float64    `json:"totalDebitKes,omitempty"`
	ExpectedReceiveKES float64    `json:"expectedReceiveKes,omitempty"`
	ExpiresAt          *time.Time `json:"expiresAt,omitempty"`
	SnapshotAt         *time.Time `json:"snapshotAt,omitempty"`
}

// Expired reports whether the quote carries an expiry that has passed.
func (q Quote) Expired(now time.Time) bool {
	return q.ExpiresAt != nil && now.After(*q.ExpiresAt)
}

// Empty reports whether no pricing was captured.
func (q Quote) Empty() bool {
	return q.AmountKES <= 0 && q.AmountUSD <= 0 && q.AmountRequested <= 0
}

// Targets identifies the mobile-money counterparty.
type Targets struct {
	PhoneNumber      string `json:"phoneNumber,omitempty"`
	PaybillNumber    string `json:"paybillNumber,omitempty"`
	TillNumber       string `json:"tillNumber,omitempty"`
	AccountReference string `json:"accountReference,omitempty"`
}

// Daraja mirrors the gateway's view of the transaction. Raw payloads are kept
// as opaque JSON since their shape belongs to the gateway's versioned API.
type Daraja struct {
	MerchantRequestID        string          `json:"merchantRequestId,omitempty"`
	CheckoutRequestID        string          `json:"checkoutRequestId,omitempty"`
	ConversationID           string          `json:"conversationId,omitempty"`
	OriginatorConversationID string          `json:"originatorConversationId,omitempty"`
	ResponseCode             string          `json:"responseCode,omitempty"`
	ResponseDescription      string          `json:"responseDescription,omitempty"`
	ResultCode               *int64          `json:"resultCode,omitempty"`
	ResultCodeRaw            string          `json:"resultCodeRaw,omitempty"`
	ResultDesc               string          `json:"resultDesc,omitempty"`
	ReceiptNumber            string          `json:"receiptNumber,omitempty"`
	CustomerMessage          string          `json:"customerMessage,omitempty"`
	RawRequest               json.RawMessage `json:"rawRequest,omitempty"`
	RawResponse              json.RawMessage `json:"rawResponse,omitempty"`
	RawCallback              json.RawMessage `json:"rawCallback,omitempty"`
	CallbackReceivedAt       *time.Time      `json:"callbackReceivedAt,omitempty"`

	// Status query bookkeeping. The query gets its own conversation ids, so
	// they are kept apart from the payout's correlation ids.
	StatusQueryConversationID string     `json:"statusQueryConversationId,omitempty"`
	StatusQueryResult         string     `json:"statusQueryResult,omitempty"`
	StatusQueriedAt           *time.Time `json:"statusQueriedAt,omitempty"`
}

// Onchain holds the settlement leg.
type Onchain struct {
	TxHash              string     `json:"txHash,omitempty"`
	ChainID             int64      `json:"chainId,omitempty"`
	TokenAddress        string     `json:"tokenAddress,omitempty"`
	TokenSymbol         string     `json:"tokenSymbol,omitempty"`
	TreasuryAddress     string     `json:"treasuryAddress,omitempty"`
	ExpectedAmountUSD   float64    `json:"expectedAmountUsd,omitempty"`
	ExpectedAmountUnits string     `json:"expectedAmountUnits,omitempty"`
	FundedAmountUSD     float64    `json:"fundedAmountUsd,omitempty"`
	FundedAmountUnits   string     `json:"fundedAmountUnits,omitempty"`
	FromAddress         string     `json:"fromAddress,omitempty"`
	ToAddress           string     `json:"toAddress,omitempty"`
	VerificationStatus  string     `json:"verificationStatus,omitempty"`
	VerificationError   string     `json:"verificationError,omitempty"`
	VerifiedBy          string     `json:"verifiedBy,omitempty"`
	VerifiedAt          *time.Time `json:"verifiedAt,omitempty"`
}

// Refund tracks compensation of a failed payout.
type Refund struct {
	Status      RefundStatus `json:"status"`
	Reason      string       `json:"reason,omitempty"`
	TxHash      string       `json:"txHash,omitempty"`
	LastError   string       `json:"lastError,omitempty"`
	InitiatedAt *time.Time   `json:"initiatedAt,omitempty"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
}

// HistoryEntry is one audited status change.
type HistoryEntry struct {
	From   Status    `json:"from,omitempty"`
	To     Status    `json:"to"`
	Reason string    `json:"reason,omitempty"`
	Source Source    `json:"source"`
	At     time.Time `json:"at"`
}

// Transaction is the ledger document. Webhooks, settlement and refunds all
// mutate the same document; Version guards concurrent saves.
type Transaction struct {
	TransactionID  string         `json:"transactionId"`
	FlowType       FlowType       `json:"flowType"`
	Status         Status         `json:"status"`
	UserAddress    string         `json:"userAddress"`
	BusinessID     string         `json:"businessId,omitempty"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
	Quote          Quote          `json:"quote"`
	Targets        Targets        `json:"targets"`
	Daraja         Daraja         `json:"daraja"`
	Onchain        Onchain        `json:"onchain"`
	Refund         Refund         `json:"refund"`
	History        []HistoryEntry `json:"history"`
	Version        int64          `json:"version"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// Correlation returns the gateway identifiers a callback can be matched on.
func (t *Transaction) Correlation() Correlation {
	return Correlation{
		TransactionID:            t.TransactionID,
		CheckoutRequestID:        t.Daraja.CheckoutRequestID,
		ConversationID:           t.Daraja.ConversationID,
		OriginatorConversationID: t.Daraja.OriginatorConversationID,
	}
}

// RefundState returns the refund status, treating an unset value as none.
func (t *Transaction) RefundState() RefundStatus {
	if t.Refund.Status == "" {
		return RefundNone
	}
	return t.Refund.Status
}

// Clone returns a deep copy through the JSON form, which is also the stored form.
func (t *Transaction) Clone() (*Transaction, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	var out Transaction
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Correlation identifies a transaction from a callback. TransactionID, when
// set, wins over the gateway identifiers.
type Correlation struct {
	TransactionID            string
	CheckoutRequestID        string
	ConversationID           string
	OriginatorConversationID string
}

// Empty reports whether nothing can be matched.
func (c Correlation) Empty() bool {
	return c.TransactionID == "" && c.CheckoutRequestID == "" &&
		c.ConversationID == "" && c.OriginatorConversationID == ""
}
