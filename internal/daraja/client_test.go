package daraja

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/config"
)

// fakeGateway answers OAuth and payment calls and records what it saw.
type fakeGateway struct {
	mu          sync.Mutex
	tokenCalls  int
	posts       map[string]int
	bodies      map[string]map[string]any
	rejectFirst int // number of payment calls answered 401
	issued      int
}

func newFakeGateway(t *testing.T) (*fakeGateway, *httptest.Server) {
	g := &fakeGateway{posts: map[string]int{}, bodies: map[string]map[string]any{}}
	srv := httptest.NewServer(http.HandlerFunc(g.serve))
	t.Cleanup(srv.Close)
	return g, srv
}

func (g *fakeGateway) serve(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if r.URL.Path == "/oauth/v1/generate" {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "key" || pass != "secret" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		g.tokenCalls++
		g.issued++
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"access_token": "tok" + strings.Repeat("x", g.issued),
			"expires_in":   "3599",
		})
		return
	}

	g.posts[r.URL.Path]++
	var body map[string]any
	json.NewDecoder(r.Body).Decode(&body)
	g.bodies[r.URL.Path] = body
	if g.rejectFirst > 0 {
		g.rejectFirst--
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"errorCode":"404.001.03","errorMessage":"Invalid Access Token"}`))
		return
	}
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer tok") {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"MerchantRequestID":"29115-34620561-1","CheckoutRequestID":"ws_CO_191220191020363925",
		"ConversationID":"AG_20191219_00005797af5d7d75f652","OriginatorConversationID":"16740-34861180-1",
		"ResponseCode":"0","ResponseDescription":"Success. Request accepted for processing"}`))
}

func testConf(base string) config.GatewayConf {
	return config.GatewayConf{
		BaseURL:            base,
		ConsumerKey:        "key",
		ConsumerSecret:     "secret",
		Shortcode:          "600000",
		STKShortcode:       "174379",
		Passkey:            "passkey",
		InitiatorName:      "testapi",
		SecurityCredential: "cred",
		ResultBaseURL:      "https://api.example.com/",
		TimeoutBaseURL:     "https://api.example.com",
		RequestTimeoutMs:   2000,
	}
}

func newTestClient(t *testing.T, base string) *Client {
	t.Helper()
	c, err := New(testConf(base), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.now = func() time.Time { return time.Date(2024, 3, 1, 9, 5, 7, 0, time.UTC) }
	return c
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(config.GatewayConf{}, nil)
	var cerr *config.ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if !strings.Contains(err.Error(), "MPESA_CONSUMER_KEY") {
		t.Fatalf("expected missing key to be named, got %v", err)
	}
}

func TestSTKPushPayloadAndTokenCache(t *testing.T) {
	g, srv := newFakeGateway(t)
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		resp, err := c.InitiateSTKPush(ctx, STKPushRequest{AmountKES: 1299.6, PhoneNumber: "254708374149", CallbackURL: "https://cb/stk?tx=MPX1"})
		if err != nil {
			t.Fatalf("InitiateSTKPush: %v", err)
		}
		if !resp.Accepted() || resp.Field("CheckoutRequestID") != "ws_CO_191220191020363925" {
			t.Fatalf("unexpected response %+v", resp)
		}
	}
	if g.tokenCalls != 1 {
		t.Fatalf("expected a cached token, got %d token calls", g.tokenCalls)
	}

	body := g.bodies["/mpesa/stkpush/v1/processrequest"]
	// 09:05:07 UTC is 12:05:07 in Nairobi.
	if body["Timestamp"] != "20240301120507" {
		t.Fatalf("unexpected timestamp %v", body["Timestamp"])
	}
	want := base64.StdEncoding.EncodeToString([]byte("174379passkey20240301120507"))
	if body["Password"] != want || body["BusinessShortCode"] != "174379" || body["PartyB"] != "174379" {
		t.Fatalf("unexpected payload %v", body)
	}
	if body["Amount"] != float64(1300) || body["TransactionType"] != "CustomerPayBillOnline" {
		t.Fatalf("unexpected amount/type %v / %v", body["Amount"], body["TransactionType"])
	}
	if body["AccountReference"] != "DotPay" {
		t.Fatalf("expected default account reference, got %v", body["AccountReference"])
	}
}

func TestUnauthorizedRetriesOnce(t *testing.T) {
	cases := []struct {
		name       string
		reject     int
		wantPosts  int
		wantTokens int
		wantStatus int
	}{
		{"recovers", 1, 2, 2, http.StatusOK},
		{"gives up", 2, 2, 2, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g, srv := newFakeGateway(t)
			g.rejectFirst = tc.reject
			c := newTestClient(t, srv.URL)

			resp, err := c.InitiateB2C(context.Background(), B2CRequest{AmountKES: 500, PhoneNumber: "254708374149"})
			if err != nil {
				t.Fatalf("InitiateB2C: %v", err)
			}
			if resp.Status != tc.wantStatus {
				t.Fatalf("status %d, want %d", resp.Status, tc.wantStatus)
			}
			if g.posts["/mpesa/b2c/v3/paymentrequest"] != tc.wantPosts || g.tokenCalls != tc.wantTokens {
				t.Fatalf("posts=%d tokens=%d", g.posts["/mpesa/b2c/v3/paymentrequest"], g.tokenCalls)
			}
			if tc.wantStatus == http.StatusUnauthorized && resp.ErrorMessage() != "Invalid Access Token" {
				t.Fatalf("unexpected error message %q", resp.ErrorMessage())
			}
		})
	}
}

func TestB2CPayload(t *testing.T) {
	g, srv := newFakeGateway(t)
	conf := testConf(srv.URL)
	conf.B2CAPIVersion = "V1"
	c, err := New(conf, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.InitiateB2C(context.Background(), B2CRequest{AmountKES: 0.2, PhoneNumber: "254700000000", OriginatorConversationID: "MPX1"}); err != nil {
		t.Fatalf("InitiateB2C: %v", err)
	}
	body := g.bodies["/mpesa/b2c/v1/paymentrequest"]
	if body == nil {
		t.Fatal("expected the v1 endpoint")
	}
	if body["Amount"] != float64(1) || body["CommandID"] != "BusinessPayment" || body["Occassion"] != "DotPay" {
		t.Fatalf("unexpected payload %v", body)
	}
	if body["PartyA"] != "600000" || body["InitiatorName"] != "testapi" || body["OriginatorConversationID"] != "MPX1" {
		t.Fatalf("unexpected parties %v", body)
	}
}

func TestB2BPayload(t *testing.T) {
	g, srv := newFakeGateway(t)
	c := newTestClient(t, srv.URL)
	_, err := c.InitiateB2B(context.Background(), B2BRequest{
		AmountKES:        2500,
		ReceiverNumber:   "888880",
		AccountReference: "ACC-1",
		CommandID:        CommandBusinessPayBill,
	})
	if err != nil {
		t.Fatalf("InitiateB2B: %v", err)
	}
	body := g.bodies["/mpesa/b2b/v1/paymentrequest"]
	if body["RecieverIdentifierType"] != "4" || body["SenderIdentifierType"] != "4" {
		t.Fatalf("unexpected identifier types %v", body)
	}
	if body["CommandID"] != "BusinessPayBill" || body["PartyB"] != "888880" || body["Initiator"] != "testapi" {
		t.Fatalf("unexpected payload %v", body)
	}
}

func TestTransactionStatusQuery(t *testing.T) {
	g, srv := newFakeGateway(t)
	c := newTestClient(t, srv.URL)
	q := StatusQuery{
		OriginatorConversationID: "16740-34861180-1",
		ResultURL:                CallbackURL("https://api.example.com/", "/api/mpesa/webhooks", "/status/result", "MPX1", "s3cret"),
		TimeoutURL:               CallbackURL("https://api.example.com", "/api/mpesa/webhooks", "/status/timeout", "MPX1", "s3cret"),
	}
	if _, err := c.QueryTransactionStatus(context.Background(), q); err != nil {
		t.Fatalf("QueryTransactionStatus: %v", err)
	}
	body := g.bodies["/mpesa/transactionstatus/v1/query"]
	if body["ResultURL"] != "https://api.example.com/api/mpesa/webhooks/status/result?secret=s3cret&tx=MPX1" ||
		body["QueueTimeOutURL"] != "https://api.example.com/api/mpesa/webhooks/status/timeout?secret=s3cret&tx=MPX1" {
		t.Fatalf("unexpected callback urls %v", body)
	}
	if body["CommandID"] != "TransactionStatusQuery" || body["OriginalConversationID"] != "16740-34861180-1" {
		t.Fatalf("unexpected payload %v", body)
	}
}

func TestTransactionStatusQueryNeedsCallbackURLs(t *testing.T) {
	g, srv := newFakeGateway(t)
	c := newTestClient(t, srv.URL)
	if _, err := c.QueryTransactionStatus(context.Background(), StatusQuery{OriginatorConversationID: "x"}); err == nil {
		t.Fatal("expected an error without callback URLs")
	}
	if g.posts["/mpesa/transactionstatus/v1/query"] != 0 {
		t.Fatal("nothing should reach the gateway")
	}
}

func TestCallbackURL(t *testing.T) {
	cases := []struct {
		base, secret, want string
	}{
		{"https://cb.example.com/", "", "https://cb.example.com/hooks/stk?tx=MPX9"},
		{"https://cb.example.com", " s&t ", "https://cb.example.com/hooks/stk?secret=s%26t&tx=MPX9"},
	}
	for _, tc := range cases {
		if got := CallbackURL(tc.base, "/hooks", "/stk", "MPX9", tc.secret); got != tc.want {
			t.Errorf("CallbackURL(%q, %q) = %q, want %q", tc.base, tc.secret, got, tc.want)
		}
	}
}

func TestMissingInitiator(t *testing.T) {
	_, srv := newFakeGateway(t)
	conf := testConf(srv.URL)
	conf.SecurityCredential = ""
	c, err := New(conf, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.InitiateB2B(context.Background(), B2BRequest{AmountKES: 1})
	var cerr *config.ConfigurationError
	if !errors.As(err, &cerr) || !strings.Contains(err.Error(), "MPESA_SECURITY_CREDENTIAL") {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestOAuthFailure(t *testing.T) {
	_, srv := newFakeGateway(t)
	conf := testConf(srv.URL)
	conf.ConsumerSecret = "wrong"
	c, err := New(conf, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.InitiateSTKPush(context.Background(), STKPushRequest{AmountKES: 10})
	var aerr *APIError
	if !errors.As(err, &aerr) || aerr.Operation != "oauth" || aerr.Status != http.StatusBadRequest {
		t.Fatalf("expected oauth APIError, got %v", err)
	}
}

func TestWholeKES(t *testing.T) {
	cases := map[float64]int64{0: 1, -5: 1, 0.4: 1, 1.5: 2, 1299.49: 1299, 150000: 150000}
	for in, want := range cases {
		if got := WholeKES(in); got != want {
			t.Errorf("WholeKES(%v) = %d, want %d", in, got, want)
		}
	}
}
