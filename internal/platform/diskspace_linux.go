//go:build linux

package platform

import (
	"errors"

	"golang.org/x/sys/unix"
)

// SpaceAvailable returns the number of bytes available (to unprivileged
// users) on the volume containing path.
func SpaceAvailable(path string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}

	return uint64(stat.Bavail) * uint64(stat.Bsize), nil //nolint:gosec // kernel guarantees non-negative
}

// isCrossDevice reports whether err indicates os.Rename failed because src
// and dst are on different volumes (EXDEV).
func isCrossDevice(err error) bool {
	return errors.Is(err, unix.EXDEV)
}
