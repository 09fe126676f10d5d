package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DataDir is the per-project directory holding the SQLite database
const DataDir = ".calydb"

// DiscoverDatabase looks for .calydb/*.db in the current directory only.
// CALYDB_DB_PATH, when set, is returned as is without discovery.
func DiscoverDatabase() (string, error) {
	if dbPath := os.Getenv("CALYDB_DB_PATH"); dbPath != "" {
		return dbPath, nil
	}

	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}

	return discoverDatabaseInDir(dir)
}

// discoverDatabaseInDir checks for .calydb/*.db in dir. Parent directories
// are not searched. With several databases the first in name order wins.
func discoverDatabaseInDir(dir string) (string, error) {
	dataDir := filepath.Join(dir, DataDir)

	if info, err := os.Stat(dataDir); err == nil && info.IsDir() {
		entries, err := os.ReadDir(dataDir)
		if err == nil {
			for _, entry := range entries {
				if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".db") {
					absPath, err := filepath.Abs(filepath.Join(dataDir, entry.Name()))
					if err != nil {
						return "", fmt.Errorf("failed to get absolute path: %w", err)
					}
					return absPath, nil
				}
			}
		}
	}

	return "", fmt.Errorf(
		"no %s/*.db found in %s\n"+
			"  Run 'calydb records import' to create one\n"+
			"  Or use --db flag to specify database path explicitly",
		DataDir, dir)
}
