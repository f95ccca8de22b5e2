//go:build linux

package platform

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// DefaultDataDir returns the per-user data directory for app on Linux
func DefaultDataDir(app string) (string, error) {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, app), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share", app), nil
}

// FreeDiskSpace returns the bytes available to the current user on the filesystem holding path
func FreeDiskSpace(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}
