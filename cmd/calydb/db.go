package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/calypsokit/calydb/internal/types"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Store connection commands",
}

var dbTestConnectCmd = &cobra.Command{
	Use:   "test-connect",
	Short: "Check that the store is reachable",
	Long: `Ping the configured store and print the size of the raw and unique
collections.

Examples:
  calydb db test-connect
  calydb --config store.yaml db test-connect`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := store.Ping(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: store unreachable: %v\n", err)
			exit(1)
		}

		all, err := store.CountRecords(ctx, types.RecordFilter{IncludeDeprecated: true})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to count records: %v\n", err)
			exit(1)
		}
		unique, err := store.CountUnique(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to count unique entries: %v\n", err)
			exit(1)
		}

		deprecated, err := store.DeprecationCounts(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to count deprecated records: %v\n", err)
			exit(1)
		}

		fmt.Printf("%s Connected to %s\n", color.GreenString("✓"), storeCfg)
		printStoreSummary(os.Stdout, all, unique, deprecated)
	},
}

var dbVacuumCmd = &cobra.Command{
	Use:   "vacuum",
	Short: "Reclaim space after large deletions",
	Long: `Run VACUUM on the store. Useful after unique rebuild or clean removed many
entries. The database is locked while it runs.`,
	Run: func(cmd *cobra.Command, args []string) {
		start := time.Now()
		if err := store.Vacuum(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exit(1)
		}
		fmt.Printf("%s Vacuum completed in %s\n", color.GreenString("✓"), time.Since(start).Round(time.Millisecond))
	},
}

func init() {
	dbCmd.AddCommand(dbTestConnectCmd)
	dbCmd.AddCommand(dbVacuumCmd)
	rootCmd.AddCommand(dbCmd)
}
