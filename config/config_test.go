package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.HTTPAddr)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, 100000, cfg.CacheMaxSize)
	require.Equal(t, 100*time.Millisecond, cfg.FlushInterval)
	require.False(t, cfg.PersistenceEnabled)
	require.Equal(t, "e4s_index", cfg.PersistenceSchema)
	require.Equal(t, 1000, cfg.PersistenceBatchSize)
	require.True(t, cfg.PersistenceAsyncWrite)
	require.Equal(t, "localhost:6379", cfg.RedisAddr)
	require.Equal(t, 5*time.Second, cfg.BackendTimeout)
}

func TestParseOverrides(t *testing.T) {
	cfg, err := Parse([]string{
		"--http-addr", ":9090",
		"--cache-max-size", "500",
		"--flush-interval", "0",
		"--persistence-enabled",
		"--no-persistence-async-write",
		"--postgres-dsn", "postgres://localhost/e4s",
	})
	require.NoError(t, err)

	require.Equal(t, ":9090", cfg.HTTPAddr)
	require.Equal(t, 500, cfg.CacheMaxSize)
	require.Equal(t, time.Duration(0), cfg.FlushInterval)
	require.True(t, cfg.PersistenceEnabled)
	require.False(t, cfg.PersistenceAsyncWrite)
	require.Equal(t, "postgres://localhost/e4s", cfg.PostgresDSN)
}
