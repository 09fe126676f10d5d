package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/calypsokit/calydb/internal/deduplication"
	"github.com/calypsokit/calydb/internal/grouping"
	"github.com/calypsokit/calydb/internal/metrics"
	"github.com/calypsokit/calydb/internal/storage"
	"github.com/calypsokit/calydb/internal/structure"
	"github.com/calypsokit/calydb/internal/types"
	"github.com/calypsokit/calydb/internal/uniqueset"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var uniqueCmd = &cobra.Command{
	Use:   "unique",
	Short: "Resolve and maintain the unique structure collection",
	Long: `Commands that resolve the unique structures of each (task, formula) group
and maintain the unique collection.

Resolution settings come from CALYDB_UNIQUE_* environment variables; flags
override them.`,
}

var uniqueUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Resolve unique structures and commit them under a version",
	Long: `Resolve the unique structures of every (task, formula) group and add them
to the unique collection under --version.

By default the commit is strict: if any resolved id is already in the
unique collection, the conflicting groups are listed and nothing is written.
Use --tolerant to skip ids already present and insert the rest.

Only one update may run at a time against a store.

Examples:
  calydb unique update --version 3
  calydb unique update --version 4 --newer-than 2024-05-01 --tolerant
  calydb unique update --version 4 --workers 16 --metrics-file calydb.prom`,
	Run: func(cmd *cobra.Command, args []string) {
		version, _ := cmd.Flags().GetInt64("version")
		newerThan, _ := cmd.Flags().GetString("newer-than")
		tolerant, _ := cmd.Flags().GetBool("tolerant")

		filter, err := recordFilter(newerThan)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exit(1)
		}
		mode := uniqueset.CommitStrict
		if tolerant {
			mode = uniqueset.CommitTolerant
		}

		if code := runUniqueUpdate(cmd, filter, version, mode, false); code != 0 {
			exit(code)
		}
	},
}

var uniqueCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "List resolved ids that are already committed",
	Long: `Resolve the unique structures of every group and list, per group, the
resolved ids already present in the unique collection. Nothing is written.`,
	Run: func(cmd *cobra.Command, args []string) {
		newerThan, _ := cmd.Flags().GetString("newer-than")
		filter, err := recordFilter(newerThan)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exit(1)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		run, err := resolveGroups(ctx, cmd, filter, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exit(1)
		}

		coordinator := uniqueset.NewCoordinator(store, logger, nil)
		conflicts, err := coordinator.CheckGroups(ctx, run.Groups)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exit(1)
		}
		printConflicts(os.Stdout, conflicts)
	},
}

var uniqueCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove unique entries whose record was deprecated",
	Run: func(cmd *cobra.Command, args []string) {
		coordinator := uniqueset.NewCoordinator(store, logger, nil)
		n, err := coordinator.CleanDeprecated(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exit(1)
		}
		fmt.Printf("%s Removed %s deprecated unique entries\n", color.GreenString("✓"), formatNumber(n))
	},
}

var uniqueRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Drop a version and resolve it again from scratch",
	Long: `Delete every unique entry of --version, then resolve all groups again and
commit the result under the same version. Ids that belong to other versions
are skipped.`,
	Run: func(cmd *cobra.Command, args []string) {
		version, _ := cmd.Flags().GetInt64("version")
		if code := runUniqueUpdate(cmd, types.RecordFilter{}, version, uniqueset.CommitTolerant, true); code != 0 {
			exit(code)
		}
	},
}

var uniqueExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the unique structures as CSV",
	Long: `Write the unique structures whose record is not deprecated as CSV with
columns material_id, formula, pressure, natoms, enthalpy_per_atom,
volume_per_atom and spgno.

Examples:
  calydb unique export > unique.csv
  calydb unique export --out unique.csv --limit 1000`,
	Run: func(cmd *cobra.Command, args []string) {
		outPath, _ := cmd.Flags().GetString("out")
		limit, _ := cmd.Flags().GetInt("limit")

		records, err := store.UniqueRecords(context.Background(), limit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to read unique records: %v\n", err)
			exit(1)
		}

		if outPath == "" {
			if err := writeUniqueCSV(os.Stdout, records); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				exit(1)
			}
			return
		}

		if err := exportUniqueFile(outPath, records); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exit(1)
		}
		fmt.Printf("%s Exported %s unique structures to %s\n",
			color.GreenString("✓"), formatNumber(len(records)), outPath)
	},
}

// exportUniqueFile writes records as CSV to path. The file is closed
// before returning, and a failed close is reported as an error.
func exportUniqueFile(path string, records []*types.UniqueRecord) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close %s: %w", path, cerr)
		}
	}()
	return writeUniqueCSV(f, records)
}

// runUniqueUpdate resolves, then commits under the run lock, and returns
// the process exit code. With rebuild the version is dropped first.
func runUniqueUpdate(cmd *cobra.Command, filter types.RecordFilter, version int64, mode uniqueset.CommitMode, rebuild bool) int {
	if version < 0 {
		fmt.Fprintf(os.Stderr, "Error: --version cannot be negative\n")
		return 1
	}

	lockPath, err := storage.AcquireRunLock(lockDir(), version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer func() {
		if err := storage.ReleaseRunLock(lockPath); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector()
	coordinator := uniqueset.NewCoordinator(store, logger, collector)

	if rebuild {
		n, err := coordinator.Rebuild(ctx, version)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Printf("Dropped %s entries of version %d\n", formatNumber(n), version)
	}

	run, err := resolveGroups(ctx, cmd, filter, collector)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	printRunReport(os.Stdout, run)

	report, err := coordinator.Commit(ctx, run.Unique, version, mode)
	if errors.Is(err, uniqueset.ErrAlreadyCommitted) {
		// Name the groups so the user can see where the overlap comes from
		conflicts, checkErr := coordinator.CheckGroups(ctx, run.Groups)
		if checkErr == nil {
			printConflicts(os.Stderr, conflicts)
		}
		fmt.Fprintf(os.Stderr, "%s\n", color.YellowString("Nothing was written. Use --tolerant to skip ids already present."))
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	printCommitReport(os.Stdout, report)

	collector.MarkRunFinished(time.Now())
	writeMetricsFile(cmd, collector)
	return 0
}

// resolveGroups wires the matcher, resolver and dispatcher and streams
// every group matching filter through them. collector may be nil.
func resolveGroups(ctx context.Context, cmd *cobra.Command, filter types.RecordFilter, collector *metrics.Collector) (*deduplication.RunResult, error) {
	cfg, err := resolutionConfig(cmd)
	if err != nil {
		return nil, err
	}

	matcher, err := structure.NewMatcher(structure.DefaultMatcherConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create matcher: %w", err)
	}
	resolver, err := deduplication.NewResolver(matcher, cfg, logger)
	if err != nil {
		return nil, err
	}
	dispatcher, err := deduplication.NewDispatcher(resolver, store, cfg, logger, collector)
	if err != nil {
		return nil, err
	}

	engine := grouping.NewEngine(store, logger)
	logger.Info("resolving unique structures", zap.Stringer("config", cfg))
	run, err := dispatcher.Run(ctx, func(ctx context.Context, yield func(types.TaskFormulaGroup) error) error {
		return engine.StreamTaskFormula(ctx, filter, yield)
	})
	if err != nil {
		return nil, fmt.Errorf("resolution failed: %w", err)
	}
	return run, nil
}

// resolutionConfig reads ConfigFromEnv and applies any changed flags
func resolutionConfig(cmd *cobra.Command) (deduplication.Config, error) {
	cfg, err := deduplication.ConfigFromEnv()
	if err != nil {
		return cfg, fmt.Errorf("invalid resolution configuration: %w", err)
	}

	flags := cmd.Flags()
	if flags.Lookup("workers") != nil && flags.Changed("workers") {
		cfg.Workers, _ = flags.GetInt("workers")
	}
	if flags.Lookup("scan-all") != nil && flags.Changed("scan-all") {
		if all, _ := flags.GetBool("scan-all"); all {
			cfg.Scan = deduplication.ScanAll
		} else {
			cfg.Scan = deduplication.ScanFirstDecisive
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid resolution configuration: %w", err)
	}
	return cfg, nil
}

// writeMetricsFile writes collector to --metrics-file when the flag is set.
// A failed write is a warning; the run itself already succeeded.
func writeMetricsFile(cmd *cobra.Command, collector *metrics.Collector) {
	if cmd.Flags().Lookup("metrics-file") == nil {
		return
	}
	path, _ := cmd.Flags().GetString("metrics-file")
	if path == "" {
		return
	}
	if err := collector.WriteTextfile(path); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", color.YellowString("Warning: failed to write metrics: %v", err))
	}
}

func init() {
	uniqueUpdateCmd.Flags().Int64("version", 0, "Version the resolved ids are committed under")
	uniqueUpdateCmd.Flags().String("newer-than", "", "Only records updated after this time")
	uniqueUpdateCmd.Flags().Bool("tolerant", false, "Skip ids already committed instead of aborting")
	uniqueUpdateCmd.Flags().Bool("scan-all", false, "Compare each candidate against every accepted structure")
	uniqueUpdateCmd.Flags().Int("workers", 0, "Groups resolved in parallel")
	uniqueUpdateCmd.Flags().String("metrics-file", "", "Write Prometheus metrics to this textfile")
	_ = uniqueUpdateCmd.MarkFlagRequired("version")

	uniqueCheckCmd.Flags().String("newer-than", "", "Only records updated after this time")
	uniqueCheckCmd.Flags().Bool("scan-all", false, "Compare each candidate against every accepted structure")
	uniqueCheckCmd.Flags().Int("workers", 0, "Groups resolved in parallel")

	uniqueRebuildCmd.Flags().Int64("version", 0, "Version to drop and resolve again")
	uniqueRebuildCmd.Flags().Bool("scan-all", false, "Compare each candidate against every accepted structure")
	uniqueRebuildCmd.Flags().Int("workers", 0, "Groups resolved in parallel")
	uniqueRebuildCmd.Flags().String("metrics-file", "", "Write Prometheus metrics to this textfile")
	_ = uniqueRebuildCmd.MarkFlagRequired("version")

	uniqueExportCmd.Flags().String("out", "", "Output file (default stdout)")
	uniqueExportCmd.Flags().Int("limit", 0, "Maximum number of structures (0 = all)")

	uniqueCmd.AddCommand(uniqueUpdateCmd)
	uniqueCmd.AddCommand(uniqueCheckCmd)
	uniqueCmd.AddCommand(uniqueCleanCmd)
	uniqueCmd.AddCommand(uniqueRebuildCmd)
	uniqueCmd.AddCommand(uniqueExportCmd)
	rootCmd.AddCommand(uniqueCmd)
}
