package main

import (
	"context"
	"fmt"
	"os"

	"github.com/calypsokit/calydb/internal/cleanup"
	"github.com/calypsokit/calydb/internal/config"
	"github.com/calypsokit/calydb/internal/metrics"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Deprecate records that must not take part in uniqueness",
	Long: `Commands that mark bad records as deprecated. Deprecated records stay in
the store with a reason but are ignored by grouping and unique resolution.

Thresholds come from CALYDB_CLEANUP_* environment variables; flags override them.`,
}

var cleanupEnthalpyCmd = &cobra.Command{
	Use:   "enthalpy",
	Short: "Deprecate records whose optimization failed",
	Long: `Deprecate every record with an enthalpy per atom above the failure
threshold. The structure prediction tool writes 610612508 when an
optimization fails.

Examples:
  calydb cleanup enthalpy --dry-run     # Count affected records
  calydb cleanup enthalpy               # Deprecate them`,
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		ctx := context.Background()

		cleaner, collector := newCleaner(cmd)
		res, err := cleaner.DeprecateLargeEnthalpy(ctx, dryRun)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to deprecate records: %v\n", err)
			exit(1)
		}
		if dryRun {
			fmt.Printf("%s\n", color.YellowString("DRY RUN MODE - No records will be changed"))
		}
		printCleanupResult(os.Stdout, res, "failed optimizations")
		writeMetricsFile(cmd, collector)
	},
}

var cleanupSolitaryCmd = &cobra.Command{
	Use:   "solitary",
	Short: "Deprecate solitary low-energy records",
	Long: `Deprecate records that sit alone in a low-energy cluster of their
(task, formula) group. Each group is sorted by enthalpy and split into
clusters wherever consecutive energies differ by --delta or more; singleton
clusters among the lowest ones are treated as unphysical.

Examples:
  calydb cleanup solitary --dry-run        # List candidates
  calydb cleanup solitary --delta 0.5      # Use a tighter cluster gap`,
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		ctx := context.Background()

		cleaner, collector := newCleaner(cmd)
		if dryRun {
			found, err := cleaner.SolitaryCandidates(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to find solitary records: %v\n", err)
				exit(1)
			}
			fmt.Printf("%s\n", color.YellowString("DRY RUN MODE - No records will be changed"))
			printSolitary(os.Stdout, found)
		}

		res, err := cleaner.CleanSolitary(ctx, dryRun)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to deprecate solitary records: %v\n", err)
			exit(1)
		}
		printCleanupResult(os.Stdout, res, "solitary records")
		writeMetricsFile(cmd, collector)
	},
}

var cleanupSmallTasksCmd = &cobra.Command{
	Use:   "small-tasks",
	Short: "Report tasks with too few records",
	Long: `List the prediction tasks whose non-deprecated record count is at or
below --lte. Nothing is deprecated; small tasks are for manual review.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		cleaner, _ := newCleaner(cmd)
		tasks, err := cleaner.SmallTasks(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to count tasks: %v\n", err)
			exit(1)
		}
		printSmallTasks(os.Stdout, tasks, cleaner.Config().TaskMinCount)
	},
}

// newCleaner builds a cleaner from the environment plus the flags the
// command defines
func newCleaner(cmd *cobra.Command) (*cleanup.Cleaner, *metrics.Collector) {
	cfg, err := cleanupConfig(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		exit(1)
	}

	collector := metrics.NewCollector()
	cleaner, err := cleanup.NewCleaner(store, cfg, logger, collector)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		exit(1)
	}
	return cleaner, collector
}

// cleanupConfig reads CleanupConfigFromEnv and applies any changed flags
func cleanupConfig(cmd *cobra.Command) (config.CleanupConfig, error) {
	cfg, err := config.CleanupConfigFromEnv()
	if err != nil {
		return cfg, fmt.Errorf("invalid cleanup configuration: %w", err)
	}

	flags := cmd.Flags()
	if flags.Lookup("delta") != nil && flags.Changed("delta") {
		cfg.SolitaryDelta, _ = flags.GetFloat64("delta")
	}
	if flags.Lookup("lte") != nil && flags.Changed("lte") {
		cfg.TaskMinCount, _ = flags.GetInt("lte")
	}
	if flags.Lookup("batch-size") != nil && flags.Changed("batch-size") {
		cfg.BatchSize, _ = flags.GetInt("batch-size")
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid cleanup configuration: %w", err)
	}
	return cfg, nil
}

func init() {
	cleanupEnthalpyCmd.Flags().Bool("dry-run", false, "Count records without deprecating them")
	cleanupEnthalpyCmd.Flags().Int("batch-size", 0, "Records deprecated per transaction")
	cleanupEnthalpyCmd.Flags().String("metrics-file", "", "Write Prometheus metrics to this textfile")

	cleanupSolitaryCmd.Flags().Bool("dry-run", false, "List candidates without deprecating them")
	cleanupSolitaryCmd.Flags().Float64("delta", 0, "Energy gap (eV/atom) that splits clusters")
	cleanupSolitaryCmd.Flags().Int("batch-size", 0, "Records deprecated per transaction")
	cleanupSolitaryCmd.Flags().String("metrics-file", "", "Write Prometheus metrics to this textfile")

	cleanupSmallTasksCmd.Flags().Int("lte", 0, "Report tasks with at most this many records")

	cleanupCmd.AddCommand(cleanupEnthalpyCmd)
	cleanupCmd.AddCommand(cleanupSolitaryCmd)
	cleanupCmd.AddCommand(cleanupSmallTasksCmd)
	rootCmd.AddCommand(cleanupCmd)
}

// formatNumber formats a number with thousand separators
// Handles numbers from 0 to billions with proper formatting
func formatNumber(n int) string {
	if n < 0 {
		return fmt.Sprintf("-%s", formatNumber(-n))
	}
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%d,%03d", n/1000, n%1000)
	}
	if n < 1000000000 {
		return fmt.Sprintf("%d,%03d,%03d", n/1000000, (n/1000)%1000, n%1000)
	}
	// Billions
	return fmt.Sprintf("%d,%03d,%03d,%03d", n/1000000000, (n/1000000)%1000, (n/1000)%1000, n%1000)
}
