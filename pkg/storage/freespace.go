//go:build unix

package storage

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// AvailableBytes reports the space available to unprivileged users on the
// file system holding dir.
func AvailableBytes(dir string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, fmt.Errorf("failed to stat file system of %s: %w", dir, err)
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}
