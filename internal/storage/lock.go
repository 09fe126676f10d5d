package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// RunLock is the lock file written while a resolution run owns the unique
// collection. Only one run may write the unique collection at a time.
type RunLock struct {
	Holder    string    `json:"holder"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
	Version   int64     `json:"version"`
}

const runLockName = ".unique-run.lock"

// AcquireRunLock creates the run lock in dir for a run targeting version.
// The lock file is created exclusively, so of two runs starting together
// only one gets it. A lock left behind by a dead process on this host is
// taken over. Returns the lock file path for ReleaseRunLock.
func AcquireRunLock(dir string, version int64) (lockPath string, err error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create lock directory: %w", err)
	}
	lockPath = filepath.Join(dir, runLockName)

	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}
	data, err := json.MarshalIndent(RunLock{
		Holder:    "calydb-unique",
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now(),
		Version:   version,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal lock: %w", err)
	}

	// Second attempt only after removing a stale lock
	for attempt := 0; attempt < 2; attempt++ {
		err := createLockFile(lockPath, data)
		if err == nil {
			return lockPath, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("failed to create run lock: %w", err)
		}

		existing, err := os.ReadFile(lockPath)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to read run lock: %w", err)
		}
		var held RunLock
		if err := json.Unmarshal(existing, &held); err != nil {
			// Possibly a lock another run is still writing
			return "", fmt.Errorf("run lock %s is unreadable; remove it if no unique run is active", lockPath)
		}
		if isProcessAlive(held.PID, held.Hostname) {
			return "", fmt.Errorf("another unique run is in progress (PID %d on %s, version %d, started %s)",
				held.PID, held.Hostname, held.Version, held.StartedAt.Format(time.RFC3339))
		}
		if err := os.Remove(lockPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("failed to remove stale run lock: %w", err)
		}
	}
	return "", fmt.Errorf("failed to acquire run lock %s: lost the race to another run", lockPath)
}

// createLockFile writes data to a new file at path. It fails with
// fs.ErrExist when the file is already there.
func createLockFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

// ReleaseRunLock removes the lock file. An empty path is a no-op.
func ReleaseRunLock(lockPath string) error {
	if lockPath == "" {
		return nil
	}
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove run lock: %w", err)
	}
	return nil
}

// isProcessAlive reports whether pid exists on hostname. Processes on other
// hosts cannot be checked and are assumed alive.
func isProcessAlive(pid int, hostname string) bool {
	currentHost, err := os.Hostname()
	if err != nil {
		return true
	}
	if !strings.EqualFold(hostname, currentHost) {
		return true
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// Signal 0 only checks for existence
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM: the process exists but belongs to someone else
	return err == syscall.EPERM
}
