package qconn

import (
	"os"
	"strconv"
	"time"
)

// ConfigFromEnv builds Options from QCONN_* environment variables,
// grounded on fluxquery-backend's config.Load/getEnv pattern. Any
// variable that is unset or fails to parse falls back to the zero value,
// which withDefaults then fills in.
func ConfigFromEnv() Options {
	return Options{
		Host:          getEnv("QCONN_HOST", ""),
		Port:          getEnvInt("QCONN_PORT", 0),
		DB:            getEnv("QCONN_DB", ""),
		AuthKey:       getEnv("QCONN_AUTH_KEY", ""),
		Timeout:       getEnvDuration("QCONN_TIMEOUT", 0),
		AutoReconnect: getEnvBool("QCONN_AUTO_RECONNECT", false),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}
