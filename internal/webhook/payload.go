// Package webhook decodes gateway callbacks into a normalized Callback and
// describes what each callback kind does to a transaction.
package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// STKEnvelope is the body of an STK push result callback.
type STKEnvelope struct {
	Body struct {
		STKCallback STKCallback `json:"stkCallback"`
	} `json:"Body"`
}

type STKCallback struct {
	MerchantRequestID string          `json:"MerchantRequestID"`
	CheckoutRequestID string          `json:"CheckoutRequestID"`
	ResultCode        json.RawMessage `json:"ResultCode"`
	ResultDesc        string          `json:"ResultDesc"`
	CallbackMetadata  struct {
		Item []MetadataItem `json:"Item"`
	} `json:"CallbackMetadata"`
}

type MetadataItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value"`
}

// ResultEnvelope is the body of a B2C/B2B result or timeout callback. Timeout
// deliveries sometimes carry the identifiers at the top level.
type ResultEnvelope struct {
	Result                   Result `json:"Result"`
	ConversationID           string `json:"ConversationID"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
}

type Result struct {
	ResultType               json.RawMessage `json:"ResultType"`
	ResultCode               json.RawMessage `json:"ResultCode"`
	ResultDesc               string          `json:"ResultDesc"`
	ConversationID           string          `json:"ConversationID"`
	OriginatorConversationID string          `json:"OriginatorConversationID"`
	TransactionID            string          `json:"TransactionID"`
	ResultParameters         struct {
		ResultParameter []ResultParameter `json:"ResultParameter"`
	} `json:"ResultParameters"`
}

type ResultParameter struct {
	Key   string          `json:"Key"`
	Value json.RawMessage `json:"Value"`
}

// Receipt returns the STK receipt number from the callback metadata.
func (c STKCallback) Receipt() string {
	for _, item := range c.CallbackMetadata.Item {
		if item.Name == "MpesaReceiptNumber" {
			return scalar(item.Value)
		}
	}
	return ""
}

// Receipt returns the payout receipt from the result parameters.
func (r Result) Receipt() string {
	for _, p := range r.ResultParameters.ResultParameter {
		switch strings.ToLower(p.Key) {
		case "transactionreceipt", "transactionid":
			return scalar(p.Value)
		}
	}
	return ""
}

// Parameter returns the result parameter named key, matched case-insensitively.
func (r Result) Parameter(key string) string {
	for _, p := range r.ResultParameters.ResultParameter {
		if strings.EqualFold(p.Key, key) {
			return scalar(p.Value)
		}
	}
	return ""
}

func decode(body []byte, v any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return fmt.Errorf("empty callback body")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode callback: %w", err)
	}
	return nil
}

// scalar renders a JSON string, number or bool as trimmed text; null and
// absent values render empty.
func scalar(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return strings.TrimSpace(s)
	}
	if raw[0] == '{' || raw[0] == '[' {
		return ""
	}
	return string(raw)
}
