package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "core.json5")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestLoadFromJSON5_OverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `{
		// Local instance.
		redis_address: "redis:6379",
		ingester: {
			max_retries: 5,
			retry_delay: "3m",
		},
	}`)

	cfg, err := LoadFromJSON5(path)
	require.NoError(t, err)
	require.Equal(t, "redis:6379", cfg.RedisAddress)
	require.Equal(t, 5, cfg.Ingester.MaxRetries)
	require.Equal(t, 3*time.Minute, cfg.Ingester.RetryDelay.Duration)
	// Untouched values keep their defaults.
	require.Equal(t, 2*24*time.Hour, cfg.Ingester.MaxTime.Duration)
	require.Equal(t, 3, cfg.Dispatcher.DefaultFailureLimit)
}

func TestLoadFromJSON5_InvalidDuration(t *testing.T) {
	path := writeConfig(t, `{retry_delay_typo: 1, ingester: {retry_delay: "not-a-duration"}}`)
	_, err := LoadFromJSON5(path)
	require.Error(t, err)
}

func TestLoadFromJSON5_MissingFile(t *testing.T) {
	_, err := LoadFromJSON5(filepath.Join(t.TempDir(), "nope.json5"))
	require.Error(t, err)
}

func TestDefault_Validates(t *testing.T) {
	path := writeConfig(t, `{}`)
	cfg, err := LoadFromJSON5(path)
	require.NoError(t, err)
	require.Equal(t, "localhost:6379", cfg.RedisAddress)
}

func TestPriorityLevel(t *testing.T) {
	cfg := Default()
	require.Equal(t, "low", cfg.PriorityLevel(1))
	require.Equal(t, "low", cfg.PriorityLevel(100))
	require.Equal(t, "medium", cfg.PriorityLevel(101))
	require.Equal(t, "critical", cfg.PriorityLevel(400))
	require.Equal(t, "user", cfg.PriorityLevel(500))
	require.Equal(t, "", cfg.PriorityLevel(0))
	require.Equal(t, "", cfg.PriorityLevel(501))

	lo, hi, level, ok := cfg.PriorityRangeFor(150)
	require.True(t, ok)
	require.Equal(t, 101, lo)
	require.Equal(t, 200, hi)
	require.Equal(t, "medium", level)

	_, _, _, ok = cfg.PriorityRangeFor(-1)
	require.False(t, ok)
}
