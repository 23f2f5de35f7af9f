// Package paths centralizes filesystem locations used by maple.
// Everything lives under ~/.maple unless overridden via MAPLE_HOME.
package paths

import (
	"os"
	"path/filepath"
)

// Home returns the maple home directory, creating it if needed.
func Home() string {
	if dir := os.Getenv("MAPLE_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".maple"
	}
	return filepath.Join(home, ".maple")
}

// ConfigFile returns the path of the YAML configuration file.
func ConfigFile() string {
	return filepath.Join(Home(), "config.yaml")
}

// StateDBFile returns the path of the SQLite state database.
func StateDBFile() string {
	return filepath.Join(Home(), "state.db")
}

// PolicyDir returns the directory holding the weights for one policy version.
func PolicyDir(name, version string) string {
	return filepath.Join(Home(), "models", name, version)
}

// VideosDir returns the default directory for episode recordings.
func VideosDir() string {
	return filepath.Join(Home(), "videos")
}

// ResultsDir returns the default directory for evaluation reports.
func ResultsDir() string {
	return filepath.Join(Home(), "results")
}

// EnsureDir creates dir (and parents) if it does not exist.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}
