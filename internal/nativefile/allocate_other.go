//go:build !linux

package nativefile

import "os"

// allocate falls back to Truncate on platforms without a direct fallocate
// binding (darwin, windows). Truncate still produces a sparse file on
// APFS and NTFS.
func allocate(f *os.File, size int64) error {
	return f.Truncate(size)
}
