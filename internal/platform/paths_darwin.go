//go:build darwin

package platform

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// DefaultDataDir returns the per-user data directory for app on macOS
func DefaultDataDir(app string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "Library", "Application Support", app), nil
}

// FreeDiskSpace returns the bytes available to the current user on the filesystem holding path
func FreeDiskSpace(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}
