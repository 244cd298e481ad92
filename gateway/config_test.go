package gateway_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alovak/khqr-gateway/gateway"
)

func TestConfig_Validate(t *testing.T) {
	t.Run("fail fast without token", func(t *testing.T) {
		cfg := gateway.DefaultConfig()
		require.ErrorIs(t, cfg.Validate(), gateway.ErrMissingToken)
	})

	t.Run("probing disabled without token", func(t *testing.T) {
		cfg := gateway.DefaultConfig()
		cfg.Settlement.FailFast = false
		require.NoError(t, cfg.Validate())
	})

	t.Run("all problems are reported", func(t *testing.T) {
		cfg := gateway.DefaultConfig()
		cfg.Settlement.Token = "t"
		cfg.Payment.DefaultAmount = 0
		cfg.Payment.DefaultCurrency = "EUR"
		cfg.Payment.TTL = 48 * time.Hour
		cfg.Ledger.Backend = "pg"

		err := cfg.Validate()
		require.Error(t, err)
		for _, want := range []string{"default_amount", "default_currency", "payment.ttl", "ledger.dsn"} {
			require.Contains(t, err.Error(), want)
		}
	})

	t.Run("unknown ledger backend", func(t *testing.T) {
		cfg := gateway.DefaultConfig()
		cfg.Settlement.Token = "t"
		cfg.Ledger.Backend = "mongo"
		require.ErrorContains(t, cfg.Validate(), "unsupported ledger.backend=mongo")
	})
}

func TestLoadConfig(t *testing.T) {
	t.Run("defaults only", func(t *testing.T) {
		cfg, err := gateway.LoadConfig("")
		require.NoError(t, err)
		require.Empty(t, cfg.Push.KafkaBrokers)
		cfg.Push.KafkaBrokers = nil
		require.Equal(t, gateway.DefaultConfig(), cfg)
	})

	t.Run("file and env", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "khqr.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
http_addr: 0.0.0.0:8080
merchant:
  account_id: shop@aclb
  name: Corner Shop
  merchant_id: "123"
payment:
  default_amount: 1000
  ttl: 90s
settlement:
  token: from-file
`), 0o600))

		t.Setenv("KHQR_SETTLEMENT_TOKEN", "from-env")
		t.Setenv("KHQR_PUSH_KAFKA_BROKERS", "k1:9092,k2:9092")
		t.Setenv("KHQR_PUSH_BROADCAST_FALLBACK", "true")
		t.Setenv("KHQR_HTTP_CORS_ORIGINS", "https://shop.example,https://pay.example")

		cfg, err := gateway.LoadConfig(path)
		require.NoError(t, err)

		require.Equal(t, "0.0.0.0:8080", cfg.HTTPAddr)
		require.Equal(t, "shop@aclb", cfg.Merchant.AccountID)
		require.Equal(t, "Corner Shop", cfg.Merchant.Name)
		require.Equal(t, "Phnom Penh", cfg.Merchant.City)
		require.Equal(t, int64(1000), cfg.Payment.DefaultAmount)
		require.Equal(t, "KHR", cfg.Payment.DefaultCurrency)
		require.Equal(t, 90*time.Second, cfg.Payment.TTL)
		require.Equal(t, "from-env", cfg.Settlement.Token)
		require.True(t, cfg.Settlement.FailFast)
		require.True(t, cfg.Push.BroadcastFallback)
		require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Push.KafkaBrokers)
		require.Equal(t, []string{"https://shop.example", "https://pay.example"}, cfg.HTTP.CORSOrigins)

		id := cfg.Identity()
		require.Equal(t, "shop@aclb", id.AccountID)
		require.Equal(t, "123", id.MerchantID)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := gateway.LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})
}
