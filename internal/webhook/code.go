package webhook

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// ResultCode is a gateway result code. The gateway sends numbers for most
// outcomes and opaque strings for some, so both forms are kept.
type ResultCode struct {
	Raw     string // trimmed text; empty when absent
	Number  *int64 // set when Raw is an integral number
	Key     string // Raw, or "unknown" when absent
	Success bool
}

// ParseResultCode normalizes a result code. Success is exactly "0" or any
// numeric zero; everything else, unparseable values included, is failure.
func ParseResultCode(raw json.RawMessage) ResultCode {
	return parseCodeText(scalar(raw))
}

func parseCodeText(text string) ResultCode {
	text = strings.TrimSpace(text)
	code := ResultCode{Raw: text, Key: text}
	if text == "" {
		code.Key = "unknown"
		return code
	}
	f, err := strconv.ParseFloat(text, 64)
	numeric := err == nil && !math.IsInf(f, 0) && !math.IsNaN(f)
	if numeric && f == math.Trunc(f) && math.Abs(f) < 1<<63 {
		n := int64(f)
		code.Number = &n
	}
	code.Success = text == "0" || (numeric && f == 0)
	return code
}
