// Package daraja is the outbound client for the Safaricom Daraja API.
package daraja

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/config"
	"github.com/gyaneshwarpardhi/mpesa-reconciler/internal/metrics"
)

const (
	tokenKey = "access_token"
	// tokens are dropped this long before the gateway expires them
	tokenSkew = 60 * time.Second
)

// eat is the gateway's clock for STK timestamps.
var eat = time.FixedZone("EAT", 3*60*60)

// APIError is a gateway call that produced no usable response: transport
// failure, or an OAuth token request that was refused.
type APIError struct {
	Operation string
	Status    int
	Body      string
	Err       error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("daraja %s: %v", e.Operation, e.Err)
	}
	return fmt.Sprintf("daraja %s: HTTP %d: %s", e.Operation, e.Status, e.Body)
}

func (e *APIError) Unwrap() error { return e.Err }

// Response is what the gateway answered. A non-2xx status is not an error;
// callers inspect OK and Data.
type Response struct {
	OK     bool
	Status int
	Data   map[string]any
	Raw    json.RawMessage
}

// Field renders a top-level scalar of Data as text.
func (r *Response) Field(key string) string {
	if r == nil {
		return ""
	}
	switch v := r.Data[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

// ErrorMessage returns the gateway's rejection text, if any.
func (r *Response) ErrorMessage() string {
	for _, k := range []string{"errorMessage", "ResponseDescription", "ResultDesc", "error_description"} {
		if v := r.Field(k); v != "" {
			return v
		}
	}
	return ""
}

// Accepted reports whether the gateway took the request for processing.
func (r *Response) Accepted() bool {
	if r == nil || !r.OK {
		return false
	}
	code := r.Field("ResponseCode")
	return code == "" || code == "0"
}

// Client calls the gateway with a cached OAuth token. A 401 drops the token
// and the request is retried exactly once.
type Client struct {
	conf    config.GatewayConf
	http    *http.Client
	tokens  *cache.Cache
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time
}

// New fails with *config.ConfigurationError when credentials are missing.
func New(conf config.GatewayConf, logger *slog.Logger) (*Client, error) {
	if missing := conf.Missing(); len(missing) > 0 {
		return nil, config.Missing("M-Pesa gateway", missing)
	}
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if conf.RequestsPerSecond > 0 {
		limit = rate.Limit(conf.RequestsPerSecond)
	}
	burst := conf.Burst
	if burst < 1 {
		burst = 1
	}
	timeout := conf.RequestTimeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		conf:    conf,
		http:    &http.Client{Timeout: timeout},
		tokens:  cache.New(cache.NoExpiration, 10*time.Minute),
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With("component", "daraja"),
		now:     time.Now,
	}, nil
}

// Config returns the gateway settings the client was built with.
func (c *Client) Config() config.GatewayConf { return c.conf }

func (c *Client) token(ctx context.Context) (string, error) {
	if tok, ok := c.tokens.Get(tokenKey); ok {
		return tok.(string), nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.conf.OAuthURL(), nil)
	if err != nil {
		return "", &APIError{Operation: "oauth", Err: err}
	}
	req.SetBasicAuth(c.conf.ConsumerKey, c.conf.ConsumerSecret)
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.GatewayRequests.WithLabelValues("oauth", "error").Inc()
		return "", &APIError{Operation: "oauth", Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	metrics.GatewayRequests.WithLabelValues("oauth", strconv.Itoa(resp.StatusCode)).Inc()
	if resp.StatusCode/100 != 2 {
		return "", &APIError{Operation: "oauth", Status: resp.StatusCode, Body: string(body)}
	}

	var out struct {
		AccessToken string          `json:"access_token"`
		ExpiresIn   json.RawMessage `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.AccessToken == "" {
		return "", &APIError{Operation: "oauth", Status: resp.StatusCode, Body: string(body), Err: errors.New("no access token in response")}
	}
	ttl := time.Duration(parseSeconds(out.ExpiresIn)) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	if ttl > 2*tokenSkew {
		ttl -= tokenSkew
	}
	c.tokens.Set(tokenKey, out.AccessToken, ttl)
	return out.AccessToken, nil
}

// parseSeconds accepts "3599" or 3599.
func parseSeconds(raw json.RawMessage) int64 {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (c *Client) post(ctx context.Context, op, url string, payload any) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &APIError{Operation: op, Err: err}
	}
	resp, err := c.send(ctx, op, url, body)
	if err != nil {
		return nil, err
	}
	if resp.Status == http.StatusUnauthorized {
		c.tokens.Delete(tokenKey)
		c.logger.Warn("gateway rejected token, retrying once", "operation", op)
		return c.send(ctx, op, url, body)
	}
	return resp, nil
}

func (c *Client) send(ctx context.Context, op, url string, body []byte) (*Response, error) {
	tok, err := c.token(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &APIError{Operation: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.GatewayRequests.WithLabelValues(op, "error").Inc()
		return nil, &APIError{Operation: op, Err: err}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	metrics.GatewayRequests.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()

	out := &Response{
		OK:     resp.StatusCode/100 == 2,
		Status: resp.StatusCode,
		Data:   map[string]any{},
	}
	if json.Valid(raw) {
		out.Raw = raw
		_ = json.Unmarshal(raw, &out.Data)
	}
	c.logger.Debug("gateway call", "operation", op, "status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())
	return out, nil
}

// Timestamp formats t as the gateway expects (yyyyMMddHHmmss, East Africa Time).
func Timestamp(t time.Time) string {
	return t.In(eat).Format("20060102150405")
}

// Password is the STK push password: base64(shortcode + passkey + timestamp).
func Password(shortcode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortcode + passkey + timestamp))
}

// WholeKES rounds to whole shillings with a floor of 1.
func WholeKES(amount float64) int64 {
	n := int64(math.Round(amount))
	if n < 1 {
		return 1
	}
	return n
}
