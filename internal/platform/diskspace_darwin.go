//go:build darwin

package platform

import (
	"errors"
	"syscall"
)

// SpaceAvailable returns the number of bytes available (to unprivileged
// users) on the volume containing path.
func SpaceAvailable(path string) (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}

	return stat.Bavail * uint64(stat.Bsize), nil
}

// isCrossDevice reports whether err indicates os.Rename failed because src
// and dst are on different volumes (EXDEV).
func isCrossDevice(err error) bool {
	return errors.Is(err, syscall.EXDEV)
}
