package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/calypsokit/calydb/internal/config"
	"github.com/calypsokit/calydb/internal/logging"
	"github.com/calypsokit/calydb/internal/storage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

var (
	dbPath     string
	configPath string
	logLevel   string
	jsonLogs   bool

	store    storage.Storage
	storeCfg config.StoreConfig
	logger   *zap.Logger
)

// skipStoreAnnotation marks commands that must not open the store
const skipStoreAnnotation = "calydb/skip-store"

var rootCmd = &cobra.Command{
	Use:   "calydb",
	Short: "Crystal structure database maintenance",
	Long: `calydb maintains a database of relaxed crystal structures produced by
structure prediction runs: importing records, deprecating bad ones, and
resolving the set of unique structures per (task, formula) group.

The store is SQLite by default (.calydb/*.db in the current directory) or
PostgreSQL when configured with --config or CALYDB_DB_DRIVER=postgres.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.New(logLevel, jsonLogs)
		if err != nil {
			return err
		}
		if cmd.Annotations[skipStoreAnnotation] == "true" {
			return nil
		}

		storeCfg, err = resolveStoreConfig()
		if err != nil {
			return err
		}
		store, err = storage.NewStorage(context.Background(), storeCfg)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		logger.Debug("store opened", zap.Stringer("config", storeCfg))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		closeStore()
	},
}

// osExit is replaced in tests
var osExit = os.Exit

// closeStore closes the store and flushes the logger. Safe to call twice.
func closeStore() {
	if store != nil {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close store: %v\n", err)
		}
		store = nil
	}
	if logger != nil {
		_ = logger.Sync()
	}
}

// exit ends the process with code. Commands call it instead of os.Exit,
// which would skip PersistentPostRun and leave the store open.
func exit(code int) {
	closeStore()
	osExit(code)
}

// resolveStoreConfig loads the config file and environment, then applies
// --db. Without either, an existing .calydb/*.db in the current directory
// is used.
func resolveStoreConfig() (config.StoreConfig, error) {
	cfg, err := config.LoadStoreConfig(configPath)
	if err != nil {
		return cfg, err
	}

	switch {
	case dbPath != "":
		cfg.Driver = config.DriverSQLite
		cfg.Path = dbPath
	case cfg.Driver == config.DriverSQLite && configPath == "" && os.Getenv("CALYDB_DB_PATH") == "":
		if found, err := storage.DiscoverDatabase(); err == nil {
			cfg.Path = found
		}
	}
	return cfg, cfg.Validate()
}

// lockDir is where the unique run lock lives: next to the SQLite file, or
// in the project data directory for PostgreSQL
func lockDir() string {
	if storeCfg.Driver == config.DriverSQLite {
		return filepath.Dir(storeCfg.Path)
	}
	return storage.DataDir
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (overrides config and discovery)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML store configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Write logs as JSON")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		exit(1)
	}
}
