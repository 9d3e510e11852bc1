// Package config holds the small environment readers shared by the CLI and
// the tracing setup. The service itself loads its settings through viper.
package config

import (
	"os"
	"strconv"
	"strings"
)

// String returns the trimmed value of key, or fallback when it is unset or blank.
func String(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func Bool(key string, fallback bool) bool {
	switch strings.ToLower(String(key, "")) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// Float returns fallback unless key parses and lies within [lo, hi].
func Float(key string, fallback, lo, hi float64) float64 {
	f, err := strconv.ParseFloat(String(key, ""), 64)
	if err != nil || f < lo || f > hi {
		return fallback
	}
	return f
}
