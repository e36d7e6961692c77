// Package config loads the process-wide configuration object described
// in spec.md §6 from environment variables, with flag overrides applied
// by the cmd/goaltender entrypoint.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/ngoalkeeper/goaltender/internal/util"
)

// Config holds every recognized option from spec.md §6. Zero values are
// replaced by the defaults in Load.
type Config struct {
	ModelAdapterURL       string
	ModelTimeoutMs        int
	ModelTemperature      float64
	StoreDSN              string
	TransportAPIToken     string
	DefaultTimezone       string
	ResultSetTTLSeconds   int
	ResultSetCapacity     int
	NotificationRatePerS  int
	DialogStateTimeoutSec int
	LogLevel              string
}

const (
	DefaultModelTimeoutMs        = 20000
	DefaultModelTemperature      = 0.2
	DefaultTimezone              = "Europe/Moscow"
	DefaultResultSetTTLSeconds   = 3600
	DefaultResultSetCapacity     = 64
	DefaultNotificationRatePerS  = 30
	DefaultDialogStateTimeoutSec = 1800
	DefaultLogLevel              = "info"
)

// Load builds a Config from environment variables, applying the spec.md
// §6 defaults for anything unset. It never returns an error for missing
// optional values; malformed numeric values are reported so the caller
// can exit with the ConfigError exit code (spec.md §6).
func Load() (Config, error) {
	cfg := Config{
		ModelAdapterURL:       os.Getenv("MODEL_ADAPTER_URL"),
		ModelTimeoutMs:        DefaultModelTimeoutMs,
		ModelTemperature:      DefaultModelTemperature,
		StoreDSN:              os.Getenv("STORE_DSN"),
		TransportAPIToken:     os.Getenv("TRANSPORT_API_TOKEN"),
		DefaultTimezone:       util.GetEnvWithDefault("DEFAULT_TIMEZONE", DefaultTimezone),
		ResultSetTTLSeconds:   DefaultResultSetTTLSeconds,
		ResultSetCapacity:     DefaultResultSetCapacity,
		NotificationRatePerS:  DefaultNotificationRatePerS,
		DialogStateTimeoutSec: DefaultDialogStateTimeoutSec,
		LogLevel:              util.GetEnvWithDefault("LOG_LEVEL", DefaultLogLevel),
	}

	if v := os.Getenv("MODEL_TIMEOUT_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid MODEL_TIMEOUT_MS: %w", err)
		}
		cfg.ModelTimeoutMs = n
	}
	if v := os.Getenv("MODEL_TEMPERATURE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return cfg, fmt.Errorf("invalid MODEL_TEMPERATURE: %w", err)
		}
		cfg.ModelTemperature = f
	}
	if v := os.Getenv("RESULT_SET_TTL_S"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid RESULT_SET_TTL_S: %w", err)
		}
		cfg.ResultSetTTLSeconds = n
	}
	if v := os.Getenv("RESULT_SET_CAPACITY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid RESULT_SET_CAPACITY: %w", err)
		}
		cfg.ResultSetCapacity = n
	}
	if v := os.Getenv("NOTIFICATION_RATE_PER_S"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid NOTIFICATION_RATE_PER_S: %w", err)
		}
		cfg.NotificationRatePerS = n
	}
	if v := os.Getenv("DIALOG_STATE_TIMEOUT_S"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid DIALOG_STATE_TIMEOUT_S: %w", err)
		}
		cfg.DialogStateTimeoutSec = n
	}
	if cfg.StoreDSN == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			cfg.StoreDSN = v
		}
	}

	return cfg, nil
}
