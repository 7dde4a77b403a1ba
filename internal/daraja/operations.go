package daraja

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/config"
)

// ── STK push ──

type STKPushRequest struct {
	AmountKES        float64
	PhoneNumber      string
	CallbackURL      string
	AccountReference string
	TransactionDesc  string
	// TransactionType defaults to CustomerPayBillOnline.
	TransactionType string
}

type stkPushPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// InitiateSTKPush prompts the payer's phone to authorize a payment.
func (c *Client) InitiateSTKPush(ctx context.Context, r STKPushRequest) (*Response, error) {
	shortcode := c.conf.STKShortcodeOrDefault()
	if c.conf.Passkey == "" {
		return nil, config.Missing("M-Pesa STK push", []string{"MPESA_PASSKEY"})
	}
	ts := Timestamp(c.now())
	return c.post(ctx, "stk_push", c.conf.STKPushURL(), stkPushPayload{
		BusinessShortCode: shortcode,
		Password:          Password(shortcode, c.conf.Passkey, ts),
		Timestamp:         ts,
		TransactionType:   orDefault(r.TransactionType, "CustomerPayBillOnline"),
		Amount:            WholeKES(r.AmountKES),
		PartyA:            r.PhoneNumber,
		PartyB:            shortcode,
		PhoneNumber:       r.PhoneNumber,
		CallBackURL:       r.CallbackURL,
		AccountReference:  orDefault(r.AccountReference, "DotPay"),
		TransactionDesc:   orDefault(r.TransactionDesc, "DotPay wallet top up"),
	})
}

// ── B2C payout ──

type B2CRequest struct {
	AmountKES                float64
	PhoneNumber              string
	OriginatorConversationID string
	Remarks                  string
	Occasion                 string
	ResultURL                string
	TimeoutURL               string
	// CommandID defaults to BusinessPayment.
	CommandID string
}

type b2cPayload struct {
	OriginatorConversationID string `json:"OriginatorConversationID"`
	InitiatorName            string `json:"InitiatorName"`
	SecurityCredential       string `json:"SecurityCredential"`
	CommandID                string `json:"CommandID"`
	Amount                   int64  `json:"Amount"`
	PartyA                   string `json:"PartyA"`
	PartyB                   string `json:"PartyB"`
	Remarks                  string `json:"Remarks"`
	QueueTimeOutURL          string `json:"QueueTimeOutURL"`
	ResultURL                string `json:"ResultURL"`
	Occassion                string `json:"Occassion"` // sic, the gateway's spelling
}

// InitiateB2C pays out to a customer phone number.
func (c *Client) InitiateB2C(ctx context.Context, r B2CRequest) (*Response, error) {
	if err := c.requireInitiator("M-Pesa B2C"); err != nil {
		return nil, err
	}
	return c.post(ctx, "b2c", c.conf.B2CURL(), b2cPayload{
		OriginatorConversationID: r.OriginatorConversationID,
		InitiatorName:            c.conf.InitiatorName,
		SecurityCredential:       c.conf.SecurityCredential,
		CommandID:                orDefault(r.CommandID, "BusinessPayment"),
		Amount:                   WholeKES(r.AmountKES),
		PartyA:                   c.conf.B2CShortcodeOrDefault(),
		PartyB:                   r.PhoneNumber,
		Remarks:                  orDefault(r.Remarks, "DotPay payout"),
		QueueTimeOutURL:          r.TimeoutURL,
		ResultURL:                r.ResultURL,
		Occassion:                orDefault(r.Occasion, "DotPay"),
	})
}

// ── B2B payment ──

// B2B command ids for paybill and till payments.
const (
	CommandBusinessPayBill  = "BusinessPayBill"
	CommandBusinessBuyGoods = "BusinessBuyGoods"
)

type B2BRequest struct {
	AmountKES                float64
	ReceiverNumber           string
	AccountReference         string
	OriginatorConversationID string
	ResultURL                string
	TimeoutURL               string
	CommandID                string
	Remarks                  string
	// Identifier types default to "4" (organisation shortcode).
	SenderIdentifierType   string
	ReceiverIdentifierType string
}

type b2bPayload struct {
	OriginatorConversationID string `json:"OriginatorConversationID"`
	Initiator                string `json:"Initiator"`
	SecurityCredential       string `json:"SecurityCredential"`
	CommandID                string `json:"CommandID"`
	SenderIdentifierType     string `json:"SenderIdentifierType"`
	RecieverIdentifierType   string `json:"RecieverIdentifierType"` // sic
	Amount                   int64  `json:"Amount"`
	PartyA                   string `json:"PartyA"`
	PartyB                   string `json:"PartyB"`
	AccountReference         string `json:"AccountReference"`
	Remarks                  string `json:"Remarks"`
	QueueTimeOutURL          string `json:"QueueTimeOutURL"`
	ResultURL                string `json:"ResultURL"`
}

// InitiateB2B pays a paybill or till number.
func (c *Client) InitiateB2B(ctx context.Context, r B2BRequest) (*Response, error) {
	if err := c.requireInitiator("M-Pesa B2B"); err != nil {
		return nil, err
	}
	return c.post(ctx, "b2b", c.conf.B2BURL(), b2bPayload{
		OriginatorConversationID: r.OriginatorConversationID,
		Initiator:                c.conf.InitiatorName,
		SecurityCredential:       c.conf.SecurityCredential,
		CommandID:                r.CommandID,
		SenderIdentifierType:     orDefault(r.SenderIdentifierType, "4"),
		RecieverIdentifierType:   orDefault(r.ReceiverIdentifierType, "4"),
		Amount:                   WholeKES(r.AmountKES),
		PartyA:                   c.conf.B2BShortcodeOrDefault(),
		PartyB:                   r.ReceiverNumber,
		AccountReference:         orDefault(r.AccountReference, "DotPay"),
		Remarks:                  orDefault(r.Remarks, "DotPay merchant payment"),
		QueueTimeOutURL:          r.TimeoutURL,
		ResultURL:                r.ResultURL,
	})
}

// ── Transaction status ──

// StatusQuery identifies the payout to ask about and where the answer goes.
type StatusQuery struct {
	TransactionReceipt       string
	OriginatorConversationID string
	ResultURL                string
	TimeoutURL               string
}

type statusPayload struct {
	Initiator              string `json:"Initiator"`
	SecurityCredential     string `json:"SecurityCredential"`
	CommandID              string `json:"CommandID"`
	TransactionID          string `json:"TransactionID"`
	OriginalConversationID string `json:"OriginalConversationID"`
	PartyA                 string `json:"PartyA"`
	IdentifierType         string `json:"IdentifierType"`
	ResultURL              string `json:"ResultURL"`
	QueueTimeOutURL        string `json:"QueueTimeOutURL"`
	Remarks                string `json:"Remarks"`
	Occasion               string `json:"Occasion"`
}

// QueryTransactionStatus asks the gateway for the state of a payout. The
// answer arrives asynchronously on q.ResultURL or q.TimeoutURL.
func (c *Client) QueryTransactionStatus(ctx context.Context, q StatusQuery) (*Response, error) {
	if err := c.requireInitiator("M-Pesa transaction status"); err != nil {
		return nil, err
	}
	if q.ResultURL == "" || q.TimeoutURL == "" {
		return nil, errors.New("transaction status query needs result and timeout URLs")
	}
	return c.post(ctx, "transaction_status", c.conf.TransactionStatusURL(), statusPayload{
		Initiator:              c.conf.InitiatorName,
		SecurityCredential:     c.conf.SecurityCredential,
		CommandID:              "TransactionStatusQuery",
		TransactionID:          q.TransactionReceipt,
		OriginalConversationID: q.OriginatorConversationID,
		PartyA:                 c.conf.B2CShortcodeOrDefault(),
		IdentifierType:         "4",
		ResultURL:              q.ResultURL,
		QueueTimeOutURL:        q.TimeoutURL,
		Remarks:                "DotPay reconcile",
		Occasion:               "DotPay reconcile",
	})
}

func (c *Client) requireInitiator(component string) error {
	var missing []string
	if c.conf.InitiatorName == "" {
		missing = append(missing, "MPESA_INITIATOR_NAME")
	}
	if c.conf.SecurityCredential == "" {
		missing = append(missing, "MPESA_SECURITY_CREDENTIAL")
	}
	if len(missing) > 0 {
		return config.Missing(component, missing)
	}
	return nil
}

// CallbackURL builds {base}{prefix}{path}?tx=ID[&secret=...], the shape the
// webhook routes expect.
func CallbackURL(base, prefix, path, txID, secret string) string {
	q := url.Values{}
	q.Set("tx", txID)
	if secret = strings.TrimSpace(secret); secret != "" {
		q.Set("secret", secret)
	}
	return trimSlash(strings.TrimSpace(base)) + prefix + path + "?" + q.Encode()
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func trimSlash(u string) string {
	for len(u) > 0 && u[len(u)-1] == '/' {
		u = u[:len(u)-1]
	}
	return u
}
