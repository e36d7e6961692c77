// Package util provides environment variable parsing helpers shared across components.
package util

import (
	"os"
)

// GetEnvWithDefault returns the environment variable or a default if unset/empty.
func GetEnvWithDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}
