package deduplication

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"
)

// ScanMode controls how far a candidate is compared against the accepted set
type ScanMode string

const (
	// ScanFirstDecisive stops at the first accepted member that passes the
	// pre-filter, whether or not it matches
	ScanFirstDecisive ScanMode = "first_decisive"

	// ScanAll keeps scanning after a pre-filtered non-match and only stops
	// on a match
	ScanAll ScanMode = "all"
)

// FailurePolicy controls what happens when a structural comparison fails
type FailurePolicy string

const (
	// TreatAsDistinct logs the failure and keeps both structures
	TreatAsDistinct FailurePolicy = "distinct"

	// Propagate aborts the group, and with it the run
	Propagate FailurePolicy = "propagate"
)

// Config holds configuration for unique-structure resolution
type Config struct {
	// EThreshold is the enthalpy window (eV/atom) inside which two structures
	// with the same coarse symmetry are compared structurally.
	// Pairs at or beyond the window are never compared.
	// Default: 0.005
	EThreshold float64

	// Workers is the number of groups resolved concurrently
	// Default: number of CPUs
	Workers int

	// Scan selects the accepted-set scan behaviour.
	// Default: first_decisive
	Scan ScanMode

	// OnCompareFailure selects the comparator failure policy.
	// Default: distinct
	OnCompareFailure FailurePolicy

	// ProgressInterval is the minimum time between progress log lines
	// Default: 10 seconds
	ProgressInterval time.Duration
}

// DefaultConfig returns the default resolution configuration
func DefaultConfig() Config {
	return Config{
		EThreshold:       0.005,
		Workers:          runtime.NumCPU(),
		Scan:             ScanFirstDecisive,
		OnCompareFailure: TreatAsDistinct,
		ProgressInterval: 10 * time.Second,
	}
}

// Validate checks if the configuration has valid values
func (c Config) Validate() error {
	if c.EThreshold <= 0 {
		return fmt.Errorf("e_threshold must be positive (got %v)", c.EThreshold)
	}
	if c.EThreshold > 1 {
		return fmt.Errorf("e_threshold too large (got %v, max 1 eV/atom)", c.EThreshold)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive (got %d)", c.Workers)
	}
	if c.Workers > 1024 {
		return fmt.Errorf("workers too large (got %d, max 1024)", c.Workers)
	}
	switch c.Scan {
	case ScanFirstDecisive, ScanAll:
	default:
		return fmt.Errorf("scan must be %q or %q (got %q)", ScanFirstDecisive, ScanAll, c.Scan)
	}
	switch c.OnCompareFailure {
	case TreatAsDistinct, Propagate:
	default:
		return fmt.Errorf("on_compare_failure must be %q or %q (got %q)", TreatAsDistinct, Propagate, c.OnCompareFailure)
	}
	if c.ProgressInterval <= 0 {
		return fmt.Errorf("progress_interval must be positive (got %v)", c.ProgressInterval)
	}
	return nil
}

// String returns a human-readable representation of the config
func (c Config) String() string {
	return fmt.Sprintf(
		"Config{EThreshold: %g, Workers: %d, Scan: %s, OnCompareFailure: %s, Progress: %v}",
		c.EThreshold, c.Workers, c.Scan, c.OnCompareFailure, c.ProgressInterval,
	)
}

// ConfigFromEnv creates a Config from environment variables, falling back to defaults
//
// Environment variables:
//   - CALYDB_UNIQUE_E_THRESHOLD: Enthalpy window in eV/atom (default: 0.005)
//   - CALYDB_UNIQUE_WORKERS: Groups resolved concurrently (default: number of CPUs)
//   - CALYDB_UNIQUE_SCAN: "first_decisive" or "all" (default: first_decisive)
//   - CALYDB_UNIQUE_ON_COMPARE_FAILURE: "distinct" or "propagate" (default: distinct)
//   - CALYDB_UNIQUE_PROGRESS_SECS: Seconds between progress logs (default: 10)
//
// Returns an error if any environment variable has an invalid value.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if err := parseEnvFloat("CALYDB_UNIQUE_E_THRESHOLD", &cfg.EThreshold); err != nil {
		return cfg, err
	}
	if err := parseEnvInt("CALYDB_UNIQUE_WORKERS", &cfg.Workers); err != nil {
		return cfg, err
	}
	if v := os.Getenv("CALYDB_UNIQUE_SCAN"); v != "" {
		cfg.Scan = ScanMode(v)
	}
	if v := os.Getenv("CALYDB_UNIQUE_ON_COMPARE_FAILURE"); v != "" {
		cfg.OnCompareFailure = FailurePolicy(v)
	}
	if err := parseEnvDuration("CALYDB_UNIQUE_PROGRESS_SECS", &cfg.ProgressInterval, time.Second); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration from environment: %w", err)
	}

	return cfg, nil
}

// parseEnvFloat parses a float64 from an environment variable
func parseEnvFloat(key string, dest *float64) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvInt parses an int from an environment variable
func parseEnvInt(key string, dest *int) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvDuration parses a whole number of multiplier units from an
// environment variable
func parseEnvDuration(key string, dest *time.Duration, multiplier time.Duration) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = time.Duration(parsed) * multiplier
	return nil
}
