//go:build windows

package platform

import (
	"path/filepath"

	"golang.org/x/sys/windows"
)

// DefaultDataDir returns the per-user data directory for app on Windows
func DefaultDataDir(app string) (string, error) {
	base, err := windows.KnownFolderPath(windows.FOLDERID_LocalAppData, 0)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, app), nil
}

// FreeDiskSpace returns the bytes available to the current user on the volume holding path
func FreeDiskSpace(path string) (uint64, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, err
	}
	var freeToCaller, total, totalFree uint64
	if err := windows.GetDiskFreeSpaceEx(p, &freeToCaller, &total, &totalFree); err != nil {
		return 0, err
	}
	return freeToCaller, nil
}
