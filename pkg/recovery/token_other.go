//go:build !unix

package recovery

import (
	"sync"
)

var heldTokens sync.Map

// WriterToken is the capability to write to a database and the files next
// to it. On this platform it only excludes holders in the same process.
type WriterToken struct {
	mu       sync.Mutex
	path     string
	released bool
}

// LockPath returns the key used for the database at dbPath.
func LockPath(dbPath string) string {
	return dbPath + "-recovery.lock"
}

// AcquireWriterToken takes the writer token of the database at dbPath.
func AcquireWriterToken(dbPath string) (*WriterToken, error) {
	path := LockPath(dbPath)
	if _, loaded := heldTokens.LoadOrStore(path, struct{}{}); loaded {
		return nil, ErrTokenHeld
	}
	return &WriterToken{path: path}, nil
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
	if !t.released {
		t.released = true
		heldTokens.Delete(t.path)
	}
	return nil
}
