package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("LOOM_STORE_DSN", "")
	t.Setenv("DATABASE_URL", "")

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, 4, cfg.WorkerCount)
	assert.Equal(t, 500*time.Millisecond, cfg.WorkerPollInterval)
	assert.Equal(t, 3, cfg.ActivityDefaultRetryCount)
	assert.Equal(t, 30*time.Second, cfg.ActivityDefaultTimeout)
	assert.Equal(t, time.Second, cfg.ActivityBackoffBase)
	assert.Equal(t, 5*time.Minute, cfg.ActivityBackoffCap)
	require.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("LOOM_WORKER_COUNT", "16")
	t.Setenv("LOOM_SERVER_PORT", "9090")

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.WorkerCount)
	assert.Equal(t, "9090", cfg.ServerPort)
}

func TestLoad_DatabaseURLLegacyAlias(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@host:5432/legacy?sslmode=disable")

	cfg, err := Load(viper.New())
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@host:5432/legacy?sslmode=disable", cfg.StoreDSN)
}

func TestValidate_RejectsEmptyDSN(t *testing.T) {
	cfg := Config{StoreDSN: "", WorkerCount: 1}
	require.Error(t, cfg.Validate())
}

func TestValidate_RejectsNonPositiveWorkerCount(t *testing.T) {
	cfg := Config{StoreDSN: "x", WorkerCount: 0}
	require.Error(t, cfg.Validate())
}
