package storage

import (
	"errors"

	"github.com/mattn/go-sqlite3"
)

func sqliteCode(err error) (sqlite3.ErrNo, bool) {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code, true
	}
	var sep *sqlite3.Error
	if errors.As(err, &sep) && sep != nil {
		return sep.Code, true
	}
	return 0, false
}

// IsBusy reports whether err is SQLITE_BUSY or SQLITE_LOCKED.
func IsBusy(err error) bool {
	code, ok := sqliteCode(err)
	return ok && (code == sqlite3.ErrBusy || code == sqlite3.ErrLocked)
}

// IsDiskFull reports whether err is SQLITE_FULL.
func IsDiskFull(err error) bool {
	code, ok := sqliteCode(err)
	return ok && code == sqlite3.ErrFull
}

// IsCorruption reports whether err says the file is damaged or is not a
// database at all.
func IsCorruption(err error) bool {
	code, ok := sqliteCode(err)
	return ok && (code == sqlite3.ErrCorrupt || code == sqlite3.ErrNotADB)
}
