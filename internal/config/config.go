// Package config loads ServerConfig in increasing precedence: built-in
// defaults, an optional .env file (github.com/joho/godotenv), process
// environment variables, then cobra CLI flags on `infersrv serve`.
// Grounded on the teacher's pkg/config/config.go env-var loader shape,
// generalized from os.Getenv string parsing to a layered source chain,
// and on original_source/realtime_serve/types.py's ServerConfig defaults.
package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/kunal/realtime-infer-serve/internal/types"
)

// Defaults mirrors the field defaults of the original ServerConfig.
var Defaults = types.ServerConfig{
	Host:                    "0.0.0.0",
	Port:                    8000,
	MaxConnections:          1000,
	RequestTimeout:          30.0,
	MaxBatchSize:            32,
	MaxBatchWaitMs:          50,
	EnableMetrics:           true,
	LogLevel:                types.LogInfo,
	RateLimitPerMinute:      1000,
	GracefulShutdownTimeout: 30.0,
}

// Overrides holds values explicitly set via cobra flags; zero values mean
// "not set, fall through to env/.env/defaults" except for the bool
// fields, which use a tri-state pointer.
type Overrides struct {
	Host                    string
	Port                    int
	MaxConnections          int
	RequestTimeout          float64
	MaxBatchSize            int
	MaxBatchWaitMs          int
	EnableMetrics           *bool
	LogLevel                string
	RateLimitPerMinute      int
	GracefulShutdownTimeout float64
}

// Load builds a ServerConfig from defaults, an optional .env file at
// envFilePath (ignored if absent), process environment variables, and
// finally overrides (typically populated from cobra flags).
func Load(envFilePath string, overrides Overrides) (*types.ServerConfig, error) {
	if envFilePath != "" {
		_ = godotenv.Load(envFilePath)
	} else {
		_ = godotenv.Load()
	}

	cfg := Defaults

	if v := os.Getenv("INFERSRV_HOST"); v != "" {
		cfg.Host = v
	}
	if v, ok := envInt("INFERSRV_PORT"); ok {
		cfg.Port = v
	}
	if v, ok := envInt("INFERSRV_MAX_CONNECTIONS"); ok {
		cfg.MaxConnections = v
	}
	if v, ok := envFloat("INFERSRV_REQUEST_TIMEOUT"); ok {
		cfg.RequestTimeout = v
	}
	if v, ok := envInt("INFERSRV_MAX_BATCH_SIZE"); ok {
		cfg.MaxBatchSize = v
	}
	if v, ok := envInt("INFERSRV_MAX_BATCH_WAIT_MS"); ok {
		cfg.MaxBatchWaitMs = v
	}
	if v, ok := envBool("INFERSRV_ENABLE_METRICS"); ok {
		cfg.EnableMetrics = v
	}
	if v := os.Getenv("INFERSRV_LOG_LEVEL"); v != "" {
		cfg.LogLevel = types.LogLevel(v)
	}
	if v, ok := envInt("INFERSRV_RATE_LIMIT_PER_MINUTE"); ok {
		cfg.RateLimitPerMinute = v
	}
	if v, ok := envFloat("INFERSRV_GRACEFUL_SHUTDOWN_TIMEOUT"); ok {
		cfg.GracefulShutdownTimeout = v
	}

	applyOverrides(&cfg, overrides)

	return types.NewServerConfig(cfg)
}

func applyOverrides(cfg *types.ServerConfig, o Overrides) {
	if o.Host != "" {
		cfg.Host = o.Host
	}
	if o.Port != 0 {
		cfg.Port = o.Port
	}
	if o.MaxConnections != 0 {
		cfg.MaxConnections = o.MaxConnections
	}
	if o.RequestTimeout != 0 {
		cfg.RequestTimeout = o.RequestTimeout
	}
	if o.MaxBatchSize != 0 {
		cfg.MaxBatchSize = o.MaxBatchSize
	}
	if o.MaxBatchWaitMs != 0 {
		cfg.MaxBatchWaitMs = o.MaxBatchWaitMs
	}
	if o.EnableMetrics != nil {
		cfg.EnableMetrics = *o.EnableMetrics
	}
	if o.LogLevel != "" {
		cfg.LogLevel = types.LogLevel(o.LogLevel)
	}
	if o.RateLimitPerMinute != 0 {
		cfg.RateLimitPerMinute = o.RateLimitPerMinute
	}
	if o.GracefulShutdownTimeout != 0 {
		cfg.GracefulShutdownTimeout = o.GracefulShutdownTimeout
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}
