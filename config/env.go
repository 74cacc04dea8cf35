package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SCRAPER_"

// EnvString returns the trimmed value of key and whether it was set.
func EnvString(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	return value, true
}

// EnvInt parses key as an integer.
func EnvInt(key string) (int, bool, error) {
	raw, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return value, true, nil
}

// EnvDuration parses key as a Go duration string.
func EnvDuration(key string) (time.Duration, bool, error) {
	raw, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return value, true, nil
}

// ApplyEnv overrides cfg with SCRAPER_* environment variables.
func ApplyEnv(cfg *Config) error {
	strs := map[string]*string{
		"ENDPOINT":            &cfg.Endpoint,
		"COOKIES":             &cfg.Cookies,
		"OUTPUT":              &cfg.OutputFile,
		"FORMAT":              &cfg.OutputFormat,
		"METRICS_ADDR":        &cfg.MetricsAddr,
		"PAGE_FAILURE_POLICY": &cfg.PageFailurePolicy,
		"SINK_FAILURE_POLICY": &cfg.SinkFailurePolicy,
	}
	for suffix, dst := range strs {
		if value, ok := EnvString(EnvPrefix + suffix); ok {
			*dst = value
		}
	}

	ints := map[string]*int{
		"PAGE_SIZE":     &cfg.PageSize,
		"PAGES":         &cfg.MaxPages,
		"PARALLEL":      &cfg.MaxConcurrent,
		"MAX_ATTEMPTS":  &cfg.MaxAttempts,
		"BATCH_SIZE":    &cfg.BatchSize,
		"MAX_SKIPS":     &cfg.MaxConsecutiveSkips,
		"RECOVER_AFTER": &cfg.RecoverAfter,
	}
	for suffix, dst := range ints {
		value, ok, err := EnvInt(EnvPrefix + suffix)
		if err != nil {
			return err
		}
		if ok {
			*dst = value
		}
	}

	durations := map[string]*time.Duration{
		"BASE_SPACING":  &cfg.BaseSpacing,
		"MAX_SPACING":   &cfg.MaxSpacing,
		"BACKOFF_BASE":  &cfg.BackoffBase,
		"BACKOFF_CAP":   &cfg.BackoffCap,
		"TIMEOUT":       &cfg.Timeout,
		"DRAIN_TIMEOUT": &cfg.DrainTimeout,
	}
	for suffix, dst := range durations {
		value, ok, err := EnvDuration(EnvPrefix + suffix)
		if err != nil {
			return err
		}
		if ok {
			*dst = value
		}
	}

	if value, ok := EnvString(EnvPrefix + "PROXIES"); ok {
		cfg.Proxies = SplitList(value)
	}
	return nil
}

// SplitList splits a comma-separated list, dropping blank entries.
func SplitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
