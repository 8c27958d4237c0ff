package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/predikta/exchange-engine/internal/config"
)

func TestDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "taker", cfg.Matching.PricePolicy)
	assert.Equal(t, 3, cfg.Matching.CommitRetries)
	assert.Equal(t, 25*time.Millisecond, cfg.RetryBackoff())
	assert.Equal(t, time.Minute, cfg.SweepInterval())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
matching:
  price_policy: maker
  retry_backoff_ms: 50
risk:
  max_open_exposure: 100000
`), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "maker", cfg.Matching.PricePolicy)
	assert.Equal(t, 50*time.Millisecond, cfg.RetryBackoff())
	assert.Equal(t, int64(100000), cfg.Risk.MaxOpenExposure)
	// Untouched sections keep their defaults.
	assert.Equal(t, 60, cfg.Sweeper.IntervalSec)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("EXCHANGE_DATABASE_URL", "postgres://db/engine")
	t.Setenv("EXCHANGE_PORT", "7070")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://db/engine", cfg.Database.URL)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
matching:
  price_policy: midpoint
`), 0o600))

	_, err := config.Load(path)
	assert.Error(t, err)
}
