//go:build !linux && !darwin && !windows

package platform

import (
	"errors"
	"os"
	"path/filepath"
)

// DefaultDataDir returns ~/.app on other systems
func DefaultDataDir(app string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "."+app), nil
}

// FreeDiskSpace is not available on this platform
func FreeDiskSpace(string) (uint64, error) {
	return 0, errors.ErrUnsupported
}
