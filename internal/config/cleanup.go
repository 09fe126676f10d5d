package config

import (
	"fmt"

	"github.com/calypsokit/calydb/internal/types"
)

// Deprecation reasons written by the cleanup passes
const (
	ReasonOptimizationFail = "error enthalpy : optimization fail"
	ReasonSolitary         = "error enthalpy : solitary and too small"
)

// CleanupConfig holds configuration for the record cleanup passes
type CleanupConfig struct {
	// MaxEnthalpy is the enthalpy per atom above which a record is treated
	// as a failed optimization and deprecated.
	// Default: 610612508 (the value written by the prediction tool on failure)
	MaxEnthalpy float64

	// SolitaryDelta is the energy gap (eV/atom) that splits a sorted group
	// into energy clusters when looking for solitary low-energy records.
	// Default: 1.0
	SolitaryDelta float64

	// SolitaryMaxClusters is how many of the lowest energy clusters are
	// inspected per group.
	// Default: 5, Range: 1-100
	SolitaryMaxClusters int

	// SolitaryStopSize stops the inspection of a group at the first cluster
	// with at least this many members.
	// Default: 10
	SolitaryStopSize int

	// TaskMinCount is the record count at or below which a task is reported
	// as too small to be trusted.
	// Default: 10
	TaskMinCount int

	// BatchSize is the number of records deprecated per transaction
	// Default: 500, Range: 1-10000
	BatchSize int
}

// DefaultCleanupConfig returns the default cleanup configuration
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		MaxEnthalpy:         types.LargeEnthalpySentinel,
		SolitaryDelta:       1.0,
		SolitaryMaxClusters: 5,
		SolitaryStopSize:    10,
		TaskMinCount:        10,
		BatchSize:           500,
	}
}

// Validate checks if the configuration has valid values
func (c CleanupConfig) Validate() error {
	if c.SolitaryDelta <= 0 {
		return fmt.Errorf("solitary_delta must be positive (got %v)", c.SolitaryDelta)
	}
	if c.SolitaryMaxClusters < 1 || c.SolitaryMaxClusters > 100 {
		return fmt.Errorf("solitary_max_clusters must be between 1 and 100 (got %d)",
			c.SolitaryMaxClusters)
	}
	if c.SolitaryStopSize < 2 {
		return fmt.Errorf("solitary_stop_size must be at least 2 (got %d)", c.SolitaryStopSize)
	}
	if c.TaskMinCount < 1 {
		return fmt.Errorf("task_min_count must be positive (got %d)", c.TaskMinCount)
	}
	if c.BatchSize < 1 || c.BatchSize > 10000 {
		return fmt.Errorf("batch_size must be between 1 and 10000 (got %d)", c.BatchSize)
	}
	return nil
}

// String returns a human-readable representation of the config
func (c CleanupConfig) String() string {
	return fmt.Sprintf(
		"CleanupConfig{MaxEnthalpy: %g, SolitaryDelta: %g, SolitaryMaxClusters: %d, "+
			"SolitaryStopSize: %d, TaskMinCount: %d, BatchSize: %d}",
		c.MaxEnthalpy, c.SolitaryDelta, c.SolitaryMaxClusters,
		c.SolitaryStopSize, c.TaskMinCount, c.BatchSize,
	)
}

// CleanupConfigFromEnv creates a CleanupConfig from environment variables,
// falling back to defaults
//
// Environment variables:
//   - CALYDB_CLEANUP_MAX_ENTHALPY: failed-optimization enthalpy threshold (default: 610612508)
//   - CALYDB_CLEANUP_SOLITARY_DELTA: energy gap splitting clusters (default: 1.0)
//   - CALYDB_CLEANUP_SOLITARY_MAX_CLUSTERS: clusters inspected per group (default: 5)
//   - CALYDB_CLEANUP_SOLITARY_STOP_SIZE: cluster size that ends inspection (default: 10)
//   - CALYDB_CLEANUP_TASK_MIN_COUNT: small task threshold (default: 10)
//   - CALYDB_CLEANUP_BATCH_SIZE: records deprecated per transaction (default: 500)
func CleanupConfigFromEnv() (CleanupConfig, error) {
	cfg := DefaultCleanupConfig()

	if err := parseEnvFloat("CALYDB_CLEANUP_MAX_ENTHALPY", &cfg.MaxEnthalpy); err != nil {
		return cfg, err
	}
	if err := parseEnvFloat("CALYDB_CLEANUP_SOLITARY_DELTA", &cfg.SolitaryDelta); err != nil {
		return cfg, err
	}
	if err := parseEnvInt("CALYDB_CLEANUP_SOLITARY_MAX_CLUSTERS", &cfg.SolitaryMaxClusters); err != nil {
		return cfg, err
	}
	if err := parseEnvInt("CALYDB_CLEANUP_SOLITARY_STOP_SIZE", &cfg.SolitaryStopSize); err != nil {
		return cfg, err
	}
	if err := parseEnvInt("CALYDB_CLEANUP_TASK_MIN_COUNT", &cfg.TaskMinCount); err != nil {
		return cfg, err
	}
	if err := parseEnvInt("CALYDB_CLEANUP_BATCH_SIZE", &cfg.BatchSize); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid cleanup configuration from environment: %w", err)
	}

	return cfg, nil
}
