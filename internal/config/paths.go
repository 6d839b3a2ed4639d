// Package config resolves the data directory, loads config.yaml and keeps
// the persisted runtime settings.
package config

import (
	"os"
	"path/filepath"
	"strings"
)

const homeEnv = "QUOTA_MONITOR_HOME"

// HomeDir is $QUOTA_MONITOR_HOME, or ~/.quota-monitor.
func HomeDir() string {
	if dir := strings.TrimSpace(os.Getenv(homeEnv)); dir != "" {
		return ExpandPath(dir)
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".quota-monitor"
	}
	return filepath.Join(home, ".quota-monitor")
}

func DefaultConfigPath() string {
	return filepath.Join(HomeDir(), "config.yaml")
}

func SettingsPath() string {
	return filepath.Join(HomeDir(), "settings.yaml")
}

func LogPath() string {
	return filepath.Join(HomeDir(), "quota-monitor.log")
}

// EnsureHomeDir creates the data directory with owner-only permissions.
func EnsureHomeDir() (string, error) {
	dir := HomeDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// ExpandPath resolves a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
