// Package env reads configuration from the process environment, with
// Docker-secret file indirection via the _FILE convention.
package env

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// GetString returns the value of key, or defaultValue when unset or empty
func GetString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetStringFromFile resolves key through the secret-file convention: when
// {key}_FILE names a readable file its trimmed contents win, otherwise the
// plain environment variable is used
func GetStringFromFile(key, defaultValue string) string {
	if filePath := os.Getenv(key + "_FILE"); filePath != "" {
		if content, err := os.ReadFile(filepath.Clean(filePath)); err == nil {
			return string(bytes.TrimSpace(content))
		}
	}
	return GetString(key, defaultValue)
}

// GetInt returns key parsed as an integer, or defaultValue when unset or
// unparseable
func GetInt(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return defaultValue
	}
	return value
}

// GetBool returns key parsed as a boolean, or defaultValue when unset or
// unparseable
func GetBool(key string, defaultValue bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return defaultValue
	}
	return value
}

// GetDuration returns key parsed with time.ParseDuration, or defaultValue
// when unset or unparseable
func GetDuration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return defaultValue
	}
	return value
}

// MustGetString returns the value of key, panicking when unset
func MustGetString(key string) string {
	value := os.Getenv(key)
	if value == "" {
		panic("required environment variable " + key + " is not set")
	}
	return value
}
