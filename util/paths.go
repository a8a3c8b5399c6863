package util

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	AppConfigDir = ".config/campusnet"
)

// configHome can be swapped by tests to keep them out of the real home directory.
var configHome = os.UserHomeDir

// GetConfigDir returns ~/.config/campusnet, creating it when missing.
func GetConfigDir() (string, error) {
	homeDir, err := configHome()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	configDir := filepath.Join(homeDir, AppConfigDir)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	return configDir, nil
}

// ResolveFilePath prefers ./filename, then the config directory. When neither exists
// the config directory path is returned so the caller can create it there.
func ResolveFilePath(filename string) string {
	return ResolveFilePathWithSubdir("", filename)
}

// ResolveFilePathWithSubdir is ResolveFilePath for files below subdir, e.g. the SSH host key.
func ResolveFilePathWithSubdir(subdir, filename string) string {
	localPath := filepath.Join(subdir, filename)
	if filepath.IsAbs(filename) || exists(localPath) {
		return localPath
	}

	configDir, err := GetConfigDir()
	if err != nil {
		return localPath
	}

	userPath := filepath.Join(configDir, subdir, filename)
	if !exists(userPath) && subdir != "" {
		_ = os.MkdirAll(filepath.Dir(userPath), 0755)
	}
	return userPath
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
