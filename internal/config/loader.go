package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Loader reads a YAML config file, overlays the environment and watches the
// file for changes.
type Loader struct {
	path     string
	envFile  string
	mu       sync.RWMutex
	current  *Config
	onChange []func(*Config)
	watcher  *fsnotify.Watcher
}

// NewLoader creates a Loader and performs the initial load. envFile, when it
// exists, is loaded into the process environment first; variables already set
// win over the file.
func NewLoader(path, envFile string) (*Loader, error) {
	l := &Loader{path: path, envFile: envFile}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return l, nil
}

// Config returns the current (latest) configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked whenever the config reloads.
func (l *Loader) OnChange(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch starts a background goroutine that hot-reloads the config on file changes.
// Call the returned stop function to clean up.
func (l *Loader) Watch() (stop func(), err error) {
	if l.path == "" {
		return func() {}, nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	if err := w.Add(l.path); err != nil {
		w.Close()
		return nil, fmt.Errorf("config watcher add %s: %w", l.path, err)
	}
	l.watcher = w

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					if _, err := l.Reload(); err != nil {
						slog.Warn("config reload failed, keeping previous config", "path", l.path, "err", err)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "err", err)
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }, nil
}

// Reload forces an immediate re-read of the config file.
func (l *Loader) Reload() (*Config, error) {
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	callbacks := make([]func(*Config), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn(cfg)
	}
	return cfg, nil
}

func (l *Loader) load() (*Config, error) {
	cfg := Default()
	if l.path != "" {
		data, err := os.ReadFile(l.path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", l.path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", l.path, err)
		}
	}
	ApplyEnv(cfg, os.LookupEnv)
	normalize(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables on cfg. Unparseable numbers and
// booleans leave the file value in place.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "1", "true", "yes", "on":
				*dst = true
			default:
				*dst = false
			}
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*dst = n
			}
		}
	}

	g := &cfg.Gateway
	str("MPESA_ENV", &g.Env)
	str("MPESA_BASE_URL", &g.BaseURL)
	str("MPESA_CONSUMER_KEY", &g.ConsumerKey)
	str("MPESA_CONSUMER_SECRET", &g.ConsumerSecret)
	str("MPESA_SHORTCODE", &g.Shortcode)
	str("MPESA_STK_SHORTCODE", &g.STKShortcode)
	str("MPESA_B2C_SHORTCODE", &g.B2CShortcode)
	str("MPESA_B2B_SHORTCODE", &g.B2BShortcode)
	str("MPESA_PASSKEY", &g.Passkey)
	str("MPESA_INITIATOR_NAME", &g.InitiatorName)
	str("MPESA_SECURITY_CREDENTIAL", &g.SecurityCredential)
	str("MPESA_RESULT_BASE_URL", &g.ResultBaseURL)
	str("MPESA_TIMEOUT_BASE_URL", &g.TimeoutBaseURL)
	str("MPESA_WEBHOOK_SECRET", &g.WebhookSecret)
	str("MPESA_B2C_API_VERSION", &g.B2CAPIVersion)
	boolean("MPESA_AUTO_REFUND", &cfg.Refunds.AutoRefund)

	t := &cfg.Treasury
	str("TREASURY_RPC_URL", &t.RPCURL)
	str("TREASURY_PRIVATE_KEY", &t.PrivateKey)
	str("TREASURY_USDC_CONTRACT", &t.USDCContract)
	str("TREASURY_ADDRESS", &t.Address)
	integer("TREASURY_USDC_DECIMALS", &t.USDCDecimals)
	integer("TREASURY_WAIT_CONFIRMATIONS", &t.WaitConfirmations)
	boolean("TREASURY_REFUND_ENABLED", &t.RefundEnabled)
	if v, ok := lookup("TREASURY_CHAIN_ID"); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			t.ChainID = n
		}
	}

	str("STORE_DRIVER", &cfg.Store.Driver)
	str("STORE_DSN", &cfg.Store.DSN)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)
}

func normalize(cfg *Config) {
	g := &cfg.Gateway
	g.Env = strings.ToLower(strings.TrimSpace(g.Env))
	if g.Env != "production" {
		g.Env = "sandbox"
	}
	g.BaseURL = trimURL(g.BaseURL)
	g.ResultBaseURL = trimURL(g.ResultBaseURL)
	g.TimeoutBaseURL = trimURL(g.TimeoutBaseURL)
	g.B2CAPIVersion = strings.ToLower(strings.TrimSpace(g.B2CAPIVersion))

	t := &cfg.Treasury
	t.RPCURL = trimURL(t.RPCURL)
	t.USDCContract = strings.ToLower(strings.TrimSpace(t.USDCContract))
	t.Address = strings.ToLower(strings.TrimSpace(t.Address))
	t.USDCDecimals = max(0, min(18, t.USDCDecimals))
	t.WaitConfirmations = max(1, t.WaitConfirmations)

	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
}
