package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BrokerNATS, cfg.Broker)
	assert.Equal(t, "sqlite3", cfg.DBDriver)
	assert.Equal(t, 5001, cfg.WebPort)
	assert.Equal(t, "http://localhost:5000", cfg.DirectoryURL)
	assert.Equal(t, 5*time.Second, cfg.DirectoryTimeout)
	assert.Equal(t, 5, cfg.RetryDLQThreshold)
	assert.Empty(t, cfg.NATSURL)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("BROKER", "AMQP")
	t.Setenv("DB_DRIVER", "pgx")
	t.Setenv("DB_DSN", "postgres://pharmacy@localhost/pharmacy")
	t.Setenv("RETRY_BASE_DELAY", "250ms")
	t.Setenv("OUTBOX_BATCH_SIZE", "7")
	t.Setenv("WEB_PORT", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BrokerAMQP, cfg.Broker)
	assert.Equal(t, "pgx", cfg.DBDriver)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryBaseDelay)
	assert.Equal(t, 7, cfg.OutboxBatchSize)
	assert.Equal(t, 5001, cfg.WebPort, "unparseable values fall back to the default")
}

func TestValidate(t *testing.T) {
	base := Config{Broker: BrokerNATS, DBDriver: "sqlite3", DBDSN: "file::memory:", RetryDLQThreshold: 3, OutboxBatchSize: 1}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"unknown broker", func(c *Config) { c.Broker = "kafka" }, true},
		{"unknown driver", func(c *Config) { c.DBDriver = "oracle" }, true},
		{"empty dsn", func(c *Config) { c.DBDSN = "" }, true},
		{"zero threshold", func(c *Config) { c.RetryDLQThreshold = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadRejectsDirectoryOnOwnPort(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("WEB_PORT", "5000")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DIRECTORY_URL")

	t.Setenv("DIRECTORY_URL", "http://directory.internal:5000")
	cfg, err := Load()
	require.NoError(t, err, "the same port on another host is fine")
	assert.Equal(t, 5000, cfg.WebPort)
}
