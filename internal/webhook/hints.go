package webhook

import "strings"

const defaultFailureDesc = "M-Pesa request failed."

// Hints maps a result code to an operator remediation appended to the
// result description. It only affects what is logged and stored.
type Hints map[string]string

// DefaultHints covers the known credential problems on production payouts.
func DefaultHints() Hints {
	return Hints{
		"8006": "Action required: reset/unlock the Daraja initiator security credential in Safaricom portal, then update MPESA_PROD_B2C_SECURITY_CREDENTIAL and retry.",
		"2001": "Action required: verify initiator name and security credential pairing for production B2C.",
	}
}

// Annotate returns desc with the hint for code appended. An empty desc falls
// back to a generic failure text.
func (h Hints) Annotate(code, desc string) string {
	base := strings.TrimSpace(desc)
	if base == "" {
		base = defaultFailureDesc
	}
	if hint := strings.TrimSpace(h[strings.TrimSpace(code)]); hint != "" {
		return base + " " + hint
	}
	return base
}

// With returns a copy of h with overrides applied. An empty override text
// removes the hint for that code.
func (h Hints) With(overrides map[string]string) Hints {
	out := make(Hints, len(h)+len(overrides))
	for code, hint := range h {
		out[code] = hint
	}
	for code, hint := range overrides {
		code = strings.TrimSpace(code)
		if strings.TrimSpace(hint) == "" {
			delete(out, code)
			continue
		}
		out[code] = hint
	}
	return out
}
