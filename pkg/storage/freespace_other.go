//go:build !unix

package storage

import "errors"

// AvailableBytes is not supported on this platform.
func AvailableBytes(dir string) (uint64, error) {
	return 0, errors.New("free space probe not supported on this platform")
}
