package bootstrap

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shipping.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), *cfg)
}

func TestLoadConfig_YAMLAndEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
app:
  port: 9000
shipping:
  store: mysql
  dispatch: kafka
  quote_cost:
    currency: EUR
    amount: "5.00"
  dispatcher:
    poll_interval: 250ms
    batch_size: 10
`)
	t.Setenv("SHIPPING_LEDGER", "redis")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.App.Port)
	assert.Equal(t, "mysql", cfg.Shipping.Store)
	assert.Equal(t, "redis", cfg.Shipping.Ledger)
	assert.Equal(t, "local", cfg.Shipping.Locker, "unset keys keep their defaults")
	assert.Equal(t, "EUR", cfg.Shipping.QuoteCost.Currency)
	assert.Equal(t, 250*time.Millisecond, cfg.Shipping.Dispatcher.PollInterval)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Infra.Kafka.Brokers)
	assert.Equal(t, 5, cfg.Shipping.ShipRetry.MaxAttempts)
}

func TestLoadConfig_Invalid(t *testing.T) {
	cases := map[string]string{
		"unknown store":  "shipping:\n  store: postgres\n",
		"bad port":       "app:\n  port: 70000\n",
		"zero attempts":  "shipping:\n  ship_retry:\n    max_attempts: 0\n",
		"broken yaml":    "app: [",
		"zero batch":     "shipping:\n  dispatcher:\n    batch_size: 0\n",
		"unknown ledger": "shipping:\n  ledger: etcd\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestMysqlConfig_DSN(t *testing.T) {
	dsn := MysqlConfig{Addr: "db:3306", User: "svc", Password: "p@ss:word", Database: "shipping"}.DSN()
	assert.Contains(t, dsn, "svc:p@ss:word@tcp(db:3306)/shipping")
	assert.Contains(t, dsn, "parseTime=true")
	assert.Contains(t, dsn, "charset=utf8mb4")
}

func TestCurrentConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.App.Name = "custom"
	SetCurrentConfig(&cfg)
	assert.Equal(t, "custom", GetCurrentConfig().App.Name)
}
