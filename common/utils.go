// Package common provides shared constants, types, and utilities
// used across the OVPN Launcher application.
package common

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// GetConfigDir returns the path to the application configuration directory.
// It creates the directory if it doesn't exist.
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", WrapError(err, "failed to get home directory")
	}

	configDir := filepath.Join(homeDir, ".config", ConfigDirName)
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", WrapError(err, "failed to create config directory")
	}

	return configDir, nil
}

// GetDataDir returns the path to the application data directory.
func GetDataDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", WrapError(err, "failed to get home directory")
	}

	dataDir := filepath.Join(homeDir, ".local", "share", ConfigDirName)
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return "", WrapError(err, "failed to create data directory")
	}

	return dataDir, nil
}

// EnsureDir ensures a directory exists, creating it if necessary.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0700)
}

// WriteFileAtomic writes data to filename by writing a sibling temp file and
// renaming it over the target, so readers never observe a partial file.
func WriteFileAtomic(filename string, data []byte, perm os.FileMode) (err error) {
	f, err := os.CreateTemp(filepath.Dir(filename), filepath.Base(filename)+".tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			f.Close()
			_ = os.Remove(f.Name())
		}
	}()

	if _, err = f.Write(data); err != nil {
		return err
	}
	if runtime.GOOS != "windows" {
		if err = f.Chmod(perm); err != nil {
			return err
		}
	}
	if err = f.Sync(); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	// os.Rename fails on Windows if the target exists.
	if runtime.GOOS == "windows" {
		_ = os.Remove(filename)
	}
	return os.Rename(f.Name(), filename)
}

// dmiProductName is where Linux exposes the hardware model.
var dmiProductName = "/sys/devices/virtual/dmi/id/product_name"

// DeviceModel returns a human readable name for this machine: the DMI
// product name when available, otherwise the hostname.
func DeviceModel() string {
	if data, err := os.ReadFile(dmiProductName); err == nil {
		if model := strings.TrimSpace(string(data)); model != "" && !isFillerModel(model) {
			return model
		}
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "unknown-device"
}

// Vendors often leave these in the DMI table.
func isFillerModel(s string) bool {
	switch strings.ToLower(s) {
	case "to be filled by o.e.m.", "system product name", "default string", "none":
		return true
	}
	return false
}
