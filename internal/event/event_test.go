package event_test

import (
	"testing"
	"time"

	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/event"
)

func TestKey(t *testing.T) {
	cases := []struct {
		kind event.Kind
		tx   string
		corr string
		code string
		want string
	}{
		{event.KindSTKResult, "MPX1", "ws_CO_1", "0", "stk:MPX1:ws_CO_1:0"},
		{event.KindSTKResult, "MPX1", "", "", "stk:MPX1:none:unknown"},
		{event.KindB2CResult, "MPX2", "AG_1", "8006", "b2c_result:MPX2:AG_1:8006"},
		{event.KindB2BResult, "MPX3", " ", "SFC_IC0003", "b2b_result:MPX3:none:SFC_IC0003"},
		{event.KindB2CTimeout, "MPX4", "AG_2", "ignored", "b2c_timeout:MPX4:AG_2"},
		{event.KindB2BTimeout, "MPX5", "", "", "b2b_timeout:MPX5:none"},
	}
	for _, tc := range cases {
		if got := event.Key(tc.kind, tc.tx, tc.corr, tc.code); got != tc.want {
			t.Errorf("Key(%s, %s, %q, %q) = %s, want %s", tc.kind, tc.tx, tc.corr, tc.code, got, tc.want)
		}
	}
}

func TestNewIsDeterministicOnKey(t *testing.T) {
	now := time.Now()
	a := event.New(event.KindB2CResult, "MPX1", "AG_1", "0", []byte(`{}`), now)
	b := event.New(event.KindB2CResult, "MPX1", "AG_1", "0", []byte(`{}`), now)
	if a.EventKey != b.EventKey {
		t.Fatalf("expected equal keys, got %s and %s", a.EventKey, b.EventKey)
	}
	if a.ID == b.ID {
		t.Fatal("expected distinct record ids")
	}
	if a.ReceivedAt.Location() != time.UTC {
		t.Fatal("expected UTC receipt time")
	}
}
