package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates application configuration values.
type Config struct {
	HTTP       HTTPConfig
	Ledger     LedgerConfig
	Mpesa      MpesaConfig
	Momo       MomoConfig
	Settlement SettlementConfig
	Events     EventsConfig
	Logging    LoggingConfig
}

// HTTPConfig governs HTTP server behaviour.
type HTTPConfig struct {
	Host              string
	Port              int
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	MetricsEnabled    bool
	AllowedOriginsCSV string
}

// LedgerConfig describes connectivity to the escrow ledger node. With no
// node URL the relayer runs against the simulated gateway.
type LedgerConfig struct {
	NodeURL      string
	ContractHash string
	ChainName    string
	AuthToken    string
	GasPayment   uint64
}

// Simulated reports whether the relayer should run without a real node.
func (c LedgerConfig) Simulated() bool { return c.NodeURL == "" }

// MpesaConfig carries Daraja credentials. Without a consumer key the mpesa
// network runs on the simulated adapter.
type MpesaConfig struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	CallbackURL    string
}

// Simulated reports whether the mpesa adapter should be simulated.
func (c MpesaConfig) Simulated() bool { return c.ConsumerKey == "" }

// MomoConfig carries MTN MoMo credentials. Without a subscription key the
// momo network runs on the simulated adapter.
type MomoConfig struct {
	BaseURL         string
	SubscriptionKey string
	AccessToken     string
	TargetEnv       string
	Currency        string
}

// Simulated reports whether the momo adapter should be simulated.
func (c MomoConfig) Simulated() bool { return c.SubscriptionKey == "" }

// SettlementConfig tunes the orchestrator and the reconciliation sweep.
type SettlementConfig struct {
	CallTimeout       time.Duration
	AutoSettleDelay   time.Duration
	MaxSettleAttempts int
	SettleBackoff     time.Duration
	ReconcileInterval time.Duration
	ReconcileRetryIn  time.Duration
	ReconcileVerifyIn time.Duration
}

// EventsConfig describes the optional Kafka event stream.
type EventsConfig struct {
	BrokersCSV string
	Topic      string
}

// Brokers returns the parsed broker list; empty disables publishing.
func (c EventsConfig) Brokers() []string {
	if c.BrokersCSV == "" {
		return nil
	}
	var brokers []string
	for _, part := range strings.Split(c.BrokersCSV, ",") {
		if b := strings.TrimSpace(part); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// LoggingConfig controls structured logging settings.
type LoggingConfig struct {
	Level         string
	Format        string // text|json
	IncludeCaller bool
}

const (
	defaultHost              = "0.0.0.0"
	defaultPort              = 8080
	defaultReadTimeout       = 10 * time.Second
	defaultWriteTimeout      = 15 * time.Second
	defaultIdleTimeout       = 60 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultLoggingLevel      = "info"
	defaultLoggingFormat     = "text"
	defaultChainName         = "casper-test"
	defaultGasPayment        = 2_000_000_000
	defaultCallTimeout       = 15 * time.Second
	defaultAutoSettleDelay   = time.Second
	defaultMaxSettleAttempts = 5
	defaultSettleBackoff     = 2 * time.Second
	defaultReconcileInterval = 30 * time.Second
	defaultReconcileRetryIn  = 30 * time.Second
	defaultReconcileVerifyIn = time.Minute
	defaultEventsTopic       = "bridge.events"
	defaultMpesaBaseURL      = "https://sandbox.safaricom.co.ke"
	defaultMomoBaseURL       = "https://sandbox.momodeveloper.mtn.com"
)

// Load reads configuration from the environment, applying defaults. A .env
// file in the working directory is merged in first when present.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		HTTP: HTTPConfig{
			Host:            valueOrDefault("SERVER_HOST", defaultHost),
			ReadTimeout:     defaultReadTimeout,
			WriteTimeout:    defaultWriteTimeout,
			IdleTimeout:     defaultIdleTimeout,
			ShutdownTimeout: defaultShutdownTimeout,
		},
		Ledger: LedgerConfig{
			NodeURL:      os.Getenv("LEDGER_NODE_URL"),
			ContractHash: os.Getenv("LEDGER_CONTRACT_HASH"),
			ChainName:    valueOrDefault("LEDGER_CHAIN_NAME", defaultChainName),
			AuthToken:    os.Getenv("LEDGER_AUTH_TOKEN"),
			GasPayment:   parseUintWithDefault("LEDGER_GAS_PAYMENT", defaultGasPayment),
		},
		Mpesa: MpesaConfig{
			BaseURL:        valueOrDefault("MPESA_BASE_URL", defaultMpesaBaseURL),
			ConsumerKey:    os.Getenv("MPESA_CONSUMER_KEY"),
			ConsumerSecret: os.Getenv("MPESA_CONSUMER_SECRET"),
			ShortCode:      os.Getenv("MPESA_SHORTCODE"),
			Passkey:        os.Getenv("MPESA_PASSKEY"),
			CallbackURL:    os.Getenv("MPESA_CALLBACK_URL"),
		},
		Momo: MomoConfig{
			BaseURL:         valueOrDefault("MOMO_BASE_URL", defaultMomoBaseURL),
			SubscriptionKey: os.Getenv("MOMO_SUBSCRIPTION_KEY"),
			AccessToken:     os.Getenv("MOMO_ACCESS_TOKEN"),
			TargetEnv:       valueOrDefault("MOMO_TARGET_ENV", "sandbox"),
			Currency:        valueOrDefault("MOMO_CURRENCY", "UGX"),
		},
		Settlement: SettlementConfig{
			CallTimeout:       parseDurationWithDefault("SETTLE_CALL_TIMEOUT", defaultCallTimeout),
			AutoSettleDelay:   parseDurationWithDefault("SETTLE_AUTO_DELAY", defaultAutoSettleDelay),
			MaxSettleAttempts: parseIntWithDefault("SETTLE_MAX_ATTEMPTS", defaultMaxSettleAttempts),
			SettleBackoff:     parseDurationWithDefault("SETTLE_BACKOFF", defaultSettleBackoff),
			ReconcileInterval: parseDurationWithDefault("RECONCILE_INTERVAL", defaultReconcileInterval),
			ReconcileRetryIn:  parseDurationWithDefault("RECONCILE_RETRY_AFTER", defaultReconcileRetryIn),
			ReconcileVerifyIn: parseDurationWithDefault("RECONCILE_VERIFY_AFTER", defaultReconcileVerifyIn),
		},
		Events: EventsConfig{
			BrokersCSV: os.Getenv("EVENTS_BROKERS"),
			Topic:      valueOrDefault("EVENTS_TOPIC", defaultEventsTopic),
		},
		Logging: LoggingConfig{
			Level:         valueOrDefault("LOG_LEVEL", defaultLoggingLevel),
			Format:        valueOrDefault("LOG_FORMAT", defaultLoggingFormat),
			IncludeCaller: parseBoolWithDefault("LOG_INCLUDE_CALLER", false),
		},
	}

	port, err := parsePort("SERVER_PORT", defaultPort)
	if err != nil {
		return Config{}, err
	}
	cfg.HTTP.Port = port

	for _, tc := range []struct {
		key  string
		dest *time.Duration
	}{
		{"SERVER_READ_TIMEOUT", &cfg.HTTP.ReadTimeout},
		{"SERVER_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout},
		{"SERVER_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout},
		{"SERVER_SHUTDOWN_TIMEOUT", &cfg.HTTP.ShutdownTimeout},
	} {
		if v := os.Getenv(tc.key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return Config{}, fmt.Errorf("invalid %s: %w", tc.key, err)
			}
			*tc.dest = d
		}
	}

	cfg.HTTP.MetricsEnabled = parseBoolWithDefault("SERVER_METRICS_ENABLED", false)
	cfg.HTTP.AllowedOriginsCSV = os.Getenv("SERVER_ALLOWED_ORIGINS")

	return cfg, nil
}

func valueOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBoolWithDefault(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		val, err := strconv.ParseBool(v)
		if err != nil {
			return fallback
		}
		return val
	}
	return fallback
}

func parseIntWithDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if val, err := strconv.Atoi(v); err == nil {
			return val
		}
	}
	return fallback
}

func parseUintWithDefault(key string, fallback uint64) uint64 {
	if v := os.Getenv(key); v != "" {
		if val, err := strconv.ParseUint(v, 10, 64); err == nil {
			return val
		}
	}
	return fallback
}

func parseDurationWithDefault(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func parsePort(key string, fallback int) (int, error) {
	if v := os.Getenv(key); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s value %q: %w", key, v, err)
		}
		if port <= 0 || port > 65535 {
			return 0, fmt.Errorf("port %d is out of range", port)
		}
		return port, nil
	}
	return fallback, nil
}
