// Package config parses the service configuration from command line
// arguments and environment variables.
package config

import (
	"time"

	"github.com/alecthomas/kong"
)

// Config represents the configuration of the service.
type Config struct {
	HTTPAddr  string `help:"Address:port of the HTTP API" env:"E4S_INDEX_HTTP_ADDR" default:":8080"`
	LogLevel  string `help:"Log level: error, warn, info, debug" env:"E4S_INDEX_LOG_LEVEL" default:"info"`
	LogFormat string `help:"Log format: auto, logfmt, json, console" env:"E4S_INDEX_LOG_FORMAT" default:"auto"`

	CacheMaxSize  int           `help:"Maximum entries in the hot cache" env:"E4S_INDEX_CACHE_MAX_SIZE" default:"100000"`
	FlushInterval time.Duration `help:"Write-behind flush interval, 0 disables write-behind" env:"E4S_INDEX_FLUSH_INTERVAL" default:"100ms"`

	PersistenceEnabled    bool   `help:"Enable the durable Postgres store" env:"E4S_INDEX_PERSISTENCE_ENABLED" default:"false"`
	PersistenceSchema     string `help:"Postgres schema holding the index tables" env:"E4S_INDEX_PERSISTENCE_SCHEMA" default:"e4s_index"`
	PersistenceBatchSize  int    `help:"Batch size for reindex replay" env:"E4S_INDEX_PERSISTENCE_BATCH_SIZE" default:"1000"`
	PersistenceAsyncWrite bool   `help:"Write to Postgres asynchronously" env:"E4S_INDEX_PERSISTENCE_ASYNC_WRITE" default:"true" negatable:""`

	RedisAddr     string `help:"Address:port of the Redis fast store" env:"E4S_INDEX_REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `help:"Redis password" env:"E4S_INDEX_REDIS_PASSWORD" default:""`
	RedisDB       int    `help:"Redis database number" env:"E4S_INDEX_REDIS_DB" default:"0"`

	PostgresDSN string `help:"Postgres connection string" env:"E4S_INDEX_POSTGRES_DSN" default:""`

	BackendTimeout time.Duration `help:"Timeout for fast-store and durable-store calls" env:"E4S_INDEX_BACKEND_TIMEOUT" default:"5s"`
}

// Parse parses the config from environment variables and command line
// arguments. The order of precedence is:
//  1. Command line arguments
//  2. Environment variables
func Parse(args []string) (*Config, error) {
	config := &Config{}

	parser, err := kong.New(config)
	if err != nil {
		return nil, err
	}

	_, err = parser.Parse(args)
	if err != nil {
		return nil, err
	}

	return config, nil
}
