package gateway

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/alovak/khqr-gateway/internal/expiry"
	"github.com/alovak/khqr-gateway/internal/khqr"
	"github.com/alovak/khqr-gateway/internal/push"
	"github.com/alovak/khqr-gateway/internal/settlement"
	"github.com/alovak/khqr-gateway/issuer"
)

// EnvPrefix is prepended to every environment override, e.g. KHQR_SETTLEMENT_TOKEN.
const EnvPrefix = "KHQR"

const (
	LedgerNone = "none"
	LedgerMem  = "mem"
	LedgerPG   = "pg"
)

var ErrMissingToken = errors.New("settlement token is not configured")

// Config is a configuration for the gateway application
type Config struct {
	HTTPAddr   string           `mapstructure:"http_addr"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Merchant   MerchantConfig   `mapstructure:"merchant"`
	Payment    PaymentConfig    `mapstructure:"payment"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Push       PushConfig       `mapstructure:"push"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
}

type HTTPConfig struct {
	// CORSOrigins lists the browser origins allowed to call the HTTP API.
	// "*" allows any origin, an empty list sends no CORS headers.
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// MerchantConfig is the payee embedded in every issued code.
type MerchantConfig struct {
	AccountID     string `mapstructure:"account_id"`
	Name          string `mapstructure:"name"`
	City          string `mapstructure:"city"`
	MerchantID    string `mapstructure:"merchant_id"`
	AcquiringBank string `mapstructure:"acquiring_bank"`
	MobileNumber  string `mapstructure:"mobile_number"`
	StoreLabel    string `mapstructure:"store_label"`
	TerminalLabel string `mapstructure:"terminal_label"`
}

type PaymentConfig struct {
	// DefaultAmount is in minor units of DefaultCurrency.
	DefaultAmount   int64         `mapstructure:"default_amount"`
	DefaultCurrency string        `mapstructure:"default_currency"`
	TTL             time.Duration `mapstructure:"ttl"`
	// ExpiryTZ is an IANA timezone name used when rendering expiry times.
	ExpiryTZ string `mapstructure:"expiry_tz"`
}

type SettlementConfig struct {
	URL        string        `mapstructure:"url"`
	Token      string        `mapstructure:"token"`
	MerchantID string        `mapstructure:"merchant_id"`
	Timeout    time.Duration `mapstructure:"timeout"`
	// FailFast refuses to start without a token. When off, probes report unavailable.
	FailFast bool `mapstructure:"fail_fast"`
}

type PushConfig struct {
	// BroadcastFallback delivers to every client when nobody joined the fingerprint.
	BroadcastFallback bool     `mapstructure:"broadcast_fallback"`
	RedisURL          string   `mapstructure:"redis_url"`
	RedisChannel      string   `mapstructure:"redis_channel"`
	KafkaBrokers      []string `mapstructure:"kafka_brokers"`
	KafkaTopic        string   `mapstructure:"kafka_topic"`
}

type LedgerConfig struct {
	Backend string `mapstructure:"backend"`
	DSN     string `mapstructure:"dsn"`
}

func DefaultConfig() *Config {
	return &Config{
		HTTPAddr: "localhost:3000",
		HTTP: HTTPConfig{
			CORSOrigins: []string{"*"},
		},
		Merchant: MerchantConfig{
			AccountID:     "alice@bank",
			Name:          "Alice Coffee",
			City:          "Phnom Penh",
			AcquiringBank: "Dev Bank",
		},
		Payment: PaymentConfig{
			DefaultAmount:   500,
			DefaultCurrency: "KHR",
			TTL:             expiry.DefaultTTL,
		},
		Settlement: SettlementConfig{
			URL:      settlement.DefaultURL,
			Timeout:  settlement.DefaultTimeout,
			FailFast: true,
		},
		Push: PushConfig{
			RedisChannel: push.DefaultRedisChannel,
			KafkaTopic:   push.DefaultKafkaTopic,
		},
		Ledger: LedgerConfig{
			Backend: LedgerMem,
		},
	}
}

// LoadConfig overlays an optional YAML file and KHQR_* environment variables
// on top of DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	return cfg, nil
}

// every key needs a default so AutomaticEnv can see it during Unmarshal
func setDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("http_addr", c.HTTPAddr)
	v.SetDefault("http.cors_origins", append([]string{}, c.HTTP.CORSOrigins...))

	v.SetDefault("merchant.account_id", c.Merchant.AccountID)
	v.SetDefault("merchant.name", c.Merchant.Name)
	v.SetDefault("merchant.city", c.Merchant.City)
	v.SetDefault("merchant.merchant_id", c.Merchant.MerchantID)
	v.SetDefault("merchant.acquiring_bank", c.Merchant.AcquiringBank)
	v.SetDefault("merchant.mobile_number", c.Merchant.MobileNumber)
	v.SetDefault("merchant.store_label", c.Merchant.StoreLabel)
	v.SetDefault("merchant.terminal_label", c.Merchant.TerminalLabel)

	v.SetDefault("payment.default_amount", c.Payment.DefaultAmount)
	v.SetDefault("payment.default_currency", c.Payment.DefaultCurrency)
	v.SetDefault("payment.ttl", c.Payment.TTL)
	v.SetDefault("payment.expiry_tz", c.Payment.ExpiryTZ)

	v.SetDefault("settlement.url", c.Settlement.URL)
	v.SetDefault("settlement.token", c.Settlement.Token)
	v.SetDefault("settlement.merchant_id", c.Settlement.MerchantID)
	v.SetDefault("settlement.timeout", c.Settlement.Timeout)
	v.SetDefault("settlement.fail_fast", c.Settlement.FailFast)

	v.SetDefault("push.broadcast_fallback", c.Push.BroadcastFallback)
	v.SetDefault("push.redis_url", c.Push.RedisURL)
	v.SetDefault("push.redis_channel", c.Push.RedisChannel)
	v.SetDefault("push.kafka_brokers", append([]string{}, c.Push.KafkaBrokers...))
	v.SetDefault("push.kafka_topic", c.Push.KafkaTopic)

	v.SetDefault("ledger.backend", c.Ledger.Backend)
	v.SetDefault("ledger.dsn", c.Ledger.DSN)
}

// Validate rejects configurations the process cannot run with. The merchant
// identity is checked at issuance so a bad identity surfaces per request.
func (c *Config) Validate() error {
	var errs []error

	if c.Settlement.FailFast && strings.TrimSpace(c.Settlement.Token) == "" {
		errs = append(errs, fmt.Errorf("%w: set %s_SETTLEMENT_TOKEN or disable fail_fast", ErrMissingToken, EnvPrefix))
	}
	if c.Payment.DefaultAmount <= 0 {
		errs = append(errs, fmt.Errorf("payment.default_amount must be positive, got %d", c.Payment.DefaultAmount))
	}
	if _, err := khqr.ParseCurrency(c.Payment.DefaultCurrency); err != nil {
		errs = append(errs, fmt.Errorf("payment.default_currency: %w", err))
	}
	if err := expiry.ValidateTTL(expiry.TTL(c.Payment.TTL)); err != nil {
		errs = append(errs, fmt.Errorf("payment.ttl: %w", err))
	}
	if c.Payment.ExpiryTZ != "" {
		if _, err := time.LoadLocation(c.Payment.ExpiryTZ); err != nil {
			errs = append(errs, fmt.Errorf("payment.expiry_tz: %w", err))
		}
	}

	switch c.Ledger.Backend {
	case LedgerNone, LedgerMem, "":
	case LedgerPG:
		if c.Ledger.DSN == "" {
			errs = append(errs, errors.New("ledger.dsn is required for pg backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported ledger.backend=%s", c.Ledger.Backend))
	}

	return errors.Join(errs...)
}

// Identity converts the merchant section into the issuer's payee.
func (c *Config) Identity() issuer.Identity {
	return issuer.Identity{
		AccountID:     c.Merchant.AccountID,
		MerchantName:  c.Merchant.Name,
		City:          c.Merchant.City,
		MerchantID:    c.Merchant.MerchantID,
		AcquiringBank: c.Merchant.AcquiringBank,
		MobileNumber:  c.Merchant.MobileNumber,
		StoreLabel:    c.Merchant.StoreLabel,
		TerminalLabel: c.Merchant.TerminalLabel,
	}
}

func (c *Config) settlementConfig() settlement.Config {
	return settlement.Config{
		URL:        c.Settlement.URL,
		Token:      c.Settlement.Token,
		MerchantID: c.Settlement.MerchantID,
		Timeout:    c.Settlement.Timeout,
	}
}
