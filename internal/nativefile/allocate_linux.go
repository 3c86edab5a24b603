//go:build linux

package nativefile

import (
	"os"

	"golang.org/x/sys/unix"
)

// allocate uses fallocate to reserve size bytes without zero-filling,
// falling back to Truncate if the filesystem rejects fallocate (e.g. tmpfs
// on some kernels, or FUSE-backed scratch directories).
func allocate(f *os.File, size int64) error {
	if err := unix.Fallocate(int(f.Fd()), 0, 0, size); err != nil {
		return f.Truncate(size)
	}
	return nil
}
