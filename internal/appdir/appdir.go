// Package appdir resolves the per-user directory that holds the
// durable store, the executor's PID/status files, and its lockfile.
package appdir

import (
	"os"
	"path/filepath"
)

const dirName = ".modelrouter"

// Dir returns the per-user state directory, creating it if necessary.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, dirName)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// StorePath returns the path to the WAL-mode SQLite store file.
func StorePath(dir string) string {
	return filepath.Join(dir, "task-queue.db")
}

// PIDPath returns the path to the executor's PID file.
func PIDPath(dir string) string {
	return filepath.Join(dir, "executor.pid")
}

// StatusPath returns the path to the executor's status snapshot.
func StatusPath(dir string) string {
	return filepath.Join(dir, "executor.status.json")
}

// LockPath returns the path to the executor's single-writer lockfile.
func LockPath(dir string) string {
	return filepath.Join(dir, "executor.lock")
}
