package config

import (
	"strings"
	"time"
)

const (
	SandboxBaseURL    = "https://sandbox.safaricom.co.ke"
	ProductionBaseURL = "https://api.safaricom.co.ke"
)

// Config is the top-level YAML structure.
type Config struct {
	Version  string       `yaml:"version"`
	Server   ServerConf   `yaml:"server"`
	Engine   EngineConf   `yaml:"engine"`
	Store    StoreConf    `yaml:"store"`
	Gateway  GatewayConf  `yaml:"gateway"`
	Treasury TreasuryConf `yaml:"treasury"`
	Refunds  RefundConf   `yaml:"refunds"`
	Sweeper  SweeperConf  `yaml:"sweeper"`
	Log      LogConf      `yaml:"log"`
}

// ServerConf configures the HTTP listener.
type ServerConf struct {
	Addr           string `yaml:"addr"`
	ReadTimeoutMs  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMs int    `yaml:"write_timeout_ms"`
	// WebhookPrefix is the path under which the callback routes are mounted.
	WebhookPrefix string `yaml:"webhook_prefix"`
}

// EngineConf tunes callback processing.
type EngineConf struct {
	// ProcessingTimeoutMs bounds one callback, settlement and refund included.
	ProcessingTimeoutMs int `yaml:"processing_timeout_ms"`
	// Hints are merged over the built-in result-code remediation hints.
	Hints map[string]string `yaml:"hints"`
}

func (e EngineConf) ProcessingTimeout() time.Duration {
	return time.Duration(e.ProcessingTimeoutMs) * time.Millisecond
}

type StoreConf struct {
	Driver string `yaml:"driver"` // sqlite | postgres | memory
	DSN    string `yaml:"dsn"`
}

// GatewayConf holds the Daraja credentials and callback URLs.
type GatewayConf struct {
	Env                string  `yaml:"env"` // sandbox | production
	BaseURL            string  `yaml:"base_url"`
	ConsumerKey        string  `yaml:"consumer_key"`
	ConsumerSecret     string  `yaml:"consumer_secret"`
	Shortcode          string  `yaml:"shortcode"`
	STKShortcode       string  `yaml:"stk_shortcode"`
	B2CShortcode       string  `yaml:"b2c_shortcode"`
	B2BShortcode       string  `yaml:"b2b_shortcode"`
	Passkey            string  `yaml:"passkey"`
	InitiatorName      string  `yaml:"initiator_name"`
	SecurityCredential string  `yaml:"security_credential"`
	ResultBaseURL      string  `yaml:"result_base_url"`
	TimeoutBaseURL     string  `yaml:"timeout_base_url"`
	WebhookSecret      string  `yaml:"webhook_secret"`
	B2CAPIVersion      string  `yaml:"b2c_api_version"` // v3 | v1
	RequestTimeoutMs   int     `yaml:"request_timeout_ms"`
	RequestsPerSecond  float64 `yaml:"requests_per_second"`
	Burst              int     `yaml:"burst"`
	MaxTxnKES          float64 `yaml:"max_txn_kes"`
	MaxDailyKES        float64 `yaml:"max_daily_kes"`
	QuoteTTLSeconds    int     `yaml:"quote_ttl_seconds"`
}

// ResolvedBaseURL returns the configured base URL or the default for Env.
func (g GatewayConf) ResolvedBaseURL() string {
	if u := trimURL(g.BaseURL); u != "" {
		return u
	}
	if g.Env == "production" {
		return ProductionBaseURL
	}
	return SandboxBaseURL
}

func (g GatewayConf) OAuthURL() string {
	return g.ResolvedBaseURL() + "/oauth/v1/generate?grant_type=client_credentials"
}

func (g GatewayConf) STKPushURL() string {
	return g.ResolvedBaseURL() + "/mpesa/stkpush/v1/processrequest"
}

func (g GatewayConf) STKQueryURL() string {
	return g.ResolvedBaseURL() + "/mpesa/stkpushquery/v1/query"
}

func (g GatewayConf) B2CURL() string {
	if strings.EqualFold(strings.TrimSpace(g.B2CAPIVersion), "v1") {
		return g.ResolvedBaseURL() + "/mpesa/b2c/v1/paymentrequest"
	}
	return g.ResolvedBaseURL() + "/mpesa/b2c/v3/paymentrequest"
}

func (g GatewayConf) B2BURL() string {
	return g.ResolvedBaseURL() + "/mpesa/b2b/v1/paymentrequest"
}

func (g GatewayConf) TransactionStatusURL() string {
	return g.ResolvedBaseURL() + "/mpesa/transactionstatus/v1/query"
}

// STKShortcodeOrDefault and friends fall back to the shared shortcode.
func (g GatewayConf) STKShortcodeOrDefault() string { return firstSet(g.STKShortcode, g.Shortcode) }
func (g GatewayConf) B2CShortcodeOrDefault() string { return firstSet(g.B2CShortcode, g.Shortcode) }
func (g GatewayConf) B2BShortcodeOrDefault() string { return firstSet(g.B2BShortcode, g.Shortcode) }

func (g GatewayConf) RequestTimeout() time.Duration {
	return time.Duration(g.RequestTimeoutMs) * time.Millisecond
}

// Missing names the gateway settings required before any outbound call.
func (g GatewayConf) Missing() []string {
	var missing []string
	if g.ConsumerKey == "" {
		missing = append(missing, "MPESA_CONSUMER_KEY")
	}
	if g.ConsumerSecret == "" {
		missing = append(missing, "MPESA_CONSUMER_SECRET")
	}
	if g.STKShortcodeOrDefault() == "" {
		missing = append(missing, "MPESA_STK_SHORTCODE or MPESA_SHORTCODE")
	}
	if g.B2CShortcodeOrDefault() == "" {
		missing = append(missing, "MPESA_B2C_SHORTCODE or MPESA_SHORTCODE")
	}
	if g.B2BShortcodeOrDefault() == "" {
		missing = append(missing, "MPESA_B2B_SHORTCODE or MPESA_SHORTCODE")
	}
	if g.ResultBaseURL == "" {
		missing = append(missing, "MPESA_RESULT_BASE_URL")
	}
	if g.TimeoutBaseURL == "" {
		missing = append(missing, "MPESA_TIMEOUT_BASE_URL")
	}
	return missing
}

// TreasuryConf configures the wallet that settles onramps and pays refunds.
type TreasuryConf struct {
	RPCURL            string `yaml:"rpc_url"`
	PrivateKey        string `yaml:"private_key"`
	USDCContract      string `yaml:"usdc_contract"`
	ChainID           int64  `yaml:"chain_id"`
	USDCDecimals      int    `yaml:"usdc_decimals"`
	WaitConfirmations int    `yaml:"wait_confirmations"`
	Address           string `yaml:"address"`
	RefundEnabled     bool   `yaml:"refund_enabled"`
	ConfirmTimeoutMs  int    `yaml:"confirm_timeout_ms"`
	PollIntervalMs    int    `yaml:"poll_interval_ms"`
	QueueDepth        int    `yaml:"queue_depth"`
}

// Missing names the treasury settings required before any transfer.
func (t TreasuryConf) Missing() []string {
	var missing []string
	if t.RPCURL == "" {
		missing = append(missing, "TREASURY_RPC_URL")
	}
	if t.PrivateKey == "" {
		missing = append(missing, "TREASURY_PRIVATE_KEY")
	}
	if t.USDCContract == "" {
		missing = append(missing, "TREASURY_USDC_CONTRACT")
	}
	if t.ChainID <= 0 {
		missing = append(missing, "TREASURY_CHAIN_ID")
	}
	return missing
}

func (t TreasuryConf) ConfirmTimeout() time.Duration {
	return time.Duration(t.ConfirmTimeoutMs) * time.Millisecond
}

func (t TreasuryConf) PollInterval() time.Duration {
	return time.Duration(t.PollIntervalMs) * time.Millisecond
}

type RefundConf struct {
	AutoRefund bool `yaml:"auto_refund"`
}

// SweeperConf drives the status query for stuck payouts.
type SweeperConf struct {
	Enabled       bool `yaml:"enabled"`
	IntervalSec   int  `yaml:"interval_sec"`
	StaleAfterSec int  `yaml:"stale_after_sec"`
	BatchSize     int  `yaml:"batch_size"`
}

func (s SweeperConf) Interval() time.Duration {
	return time.Duration(s.IntervalSec) * time.Second
}

func (s SweeperConf) StaleAfter() time.Duration {
	return time.Duration(s.StaleAfterSec) * time.Second
}

type LogConf struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Default returns the configuration used for keys the file leaves out.
func Default() *Config {
	return &Config{
		Version: "1",
		Server: ServerConf{
			Addr:           ":8080",
			ReadTimeoutMs:  10000,
			WriteTimeoutMs: 120000,
			WebhookPrefix:  "/api/mpesa/webhooks",
		},
		Engine: EngineConf{ProcessingTimeoutMs: 90000},
		Store:  StoreConf{Driver: "sqlite", DSN: "reconciler.db"},
		Gateway: GatewayConf{
			Env:               "sandbox",
			B2CAPIVersion:     "v3",
			RequestTimeoutMs:  30000,
			RequestsPerSecond: 5,
			Burst:             5,
			MaxTxnKES:         150000,
			MaxDailyKES:       500000,
			QuoteTTLSeconds:   300,
		},
		Treasury: TreasuryConf{
			USDCDecimals:      6,
			WaitConfirmations: 1,
			RefundEnabled:     true,
			ConfirmTimeoutMs:  120000,
			PollIntervalMs:    2000,
			QueueDepth:        256,
		},
		Refunds: RefundConf{AutoRefund: true},
		Sweeper: SweeperConf{
			Enabled:       true,
			IntervalSec:   60,
			StaleAfterSec: 300,
			BatchSize:     50,
		},
		Log: LogConf{Level: "info", Format: "text"},
	}
}

func trimURL(u string) string {
	return strings.TrimRight(strings.TrimSpace(u), "/")
}

func firstSet(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
