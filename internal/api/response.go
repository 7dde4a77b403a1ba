package api

import (
	"encoding/json"
	"net/http"
)

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ack is the acknowledgement body the gateway expects.
type ack struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

var (
	ackAccepted     = ack{ResultCode: 0, ResultDesc: "Accepted"}
	ackUnauthorized = ack{ResultCode: 1, ResultDesc: "Unauthorized"}
)

func writeAck(w http.ResponseWriter, status int, a ack) {
	writeJSON(w, status, a)
}
