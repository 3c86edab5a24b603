//go:build linux

package passthrough

import "golang.org/x/sys/unix"

func diskTotal(root string) (int64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(root, &stat); err != nil {
		return 0, err
	}
	return int64(stat.Blocks) * int64(stat.Bsize), nil
}
