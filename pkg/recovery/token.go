//go:build unix

package recovery

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// WriterToken is the capability to write to a database and the files next
// to it. It is an exclusive advisory lock on a lock file beside the
// database, so it excludes other processes as well as other holders in
// this one. Copying tables and promoting a rebuilt database require it.
type WriterToken struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	released bool
}

// LockPath returns the lock file used for the database at dbPath.
func LockPath(dbPath string) string {
	return dbPath + "-recovery.lock"
}

// AcquireWriterToken takes the writer token of the database at dbPath
// without waiting. It returns ErrTokenHeld if someone else has it.
func AcquireWriterToken(dbPath string) (*WriterToken, error) {
	path := LockPath(dbPath)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrTokenHeld
		}
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}

	return &WriterToken{path: path, file: file}, nil
}

// Held reports whether the token is still valid.
func (t *WriterToken) Held() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.released
}

// Release gives the token up. Releasing twice is a no-op.
func (t *WriterToken) Release() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.released {
		return nil
	}
	t.released = true

	unlockErr := unix.Flock(int(t.file.Fd()), unix.LOCK_UN)
	closeErr := t.file.Close()
	if unlockErr != nil {
		return fmt.Errorf("failed to unlock %s: %w", t.path, unlockErr)
	}
	return closeErr
}
