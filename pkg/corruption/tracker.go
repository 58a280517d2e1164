// Package corruption persists whether the local database has been found
// corrupted, and how far recovery from that has progressed.
package corruption

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/sandboxrunner/dbguard/pkg/storage"
)

// Status is the persisted corruption state. It advances from NotCorrupted
// to Corrupted to CorruptedAndRestored. MarkNotCorrupted is the only
// backward transition and returns any status to NotCorrupted.
type Status int

const (
	NotCorrupted         Status = 0
	Corrupted            Status = 1
	CorruptedAndRestored Status = 2

	// Value 3 was used by an earlier release and must never be reused.
	retiredStatus = 3
)

const (
	// StatusKey has always held the tri-state status despite its name.
	StatusKey = "hasDatabaseCorruption"
	// CountKey holds the number of recovery attempts since the database was
	// last known good.
	CountKey = "databaseCorruptionCount"
)

func (s Status) String() string {
	switch s {
	case NotCorrupted:
		return "not_corrupted"
	case Corrupted:
		return "corrupted"
	case CorruptedAndRestored:
		return "corrupted_and_restored"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// MarshalText renders the status name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsCorrupted reports whether recovery work is still outstanding.
func (s Status) IsCorrupted() bool {
	return s != NotCorrupted
}

// Tracker reads and advances the corruption status. Every transition is
// persisted before the call returns.
type Tracker struct {
	mu       sync.Mutex
	settings SettingsStore
}

// NewTracker creates a tracker backed by settings.
func NewTracker(settings SettingsStore) *Tracker {
	return &Tracker{settings: settings}
}

// Read returns the persisted status. Absent or unrecognised values read as
// NotCorrupted.
func (t *Tracker) Read() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readLocked()
}

func (t *Tracker) readLocked() Status {
	raw, ok := t.settings.GetInt(StatusKey)
	if !ok {
		return NotCorrupted
	}
	switch Status(raw) {
	case NotCorrupted, Corrupted, CorruptedAndRestored:
		return Status(raw)
	}
	if raw == retiredStatus {
		log.Warn().Int64("value", raw).Msg("Found retired corruption status, treating as not corrupted")
	} else {
		log.Warn().Int64("value", raw).Msg("Found unknown corruption status, treating as not corrupted")
	}
	return NotCorrupted
}

func (t *Tracker) writeLocked(status Status) {
	if err := t.settings.SetInt(StatusKey, int64(status)); err != nil {
		log.Error().Err(err).Stringer("status", status).Msg("Failed to persist corruption status")
		return
	}
	log.Info().Stringer("status", status).Msg("Corruption status updated")
}

// MarkCorrupted records that corruption was detected. It does nothing if
// corruption is already recorded, so a restored database is not sent back
// through dump and restore.
func (t *Tracker) MarkCorrupted() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.readLocked() != NotCorrupted {
		return
	}
	t.writeLocked(Corrupted)
}

// MarkRestored records that dump and restore finished. It is only valid
// after MarkCorrupted; any other call is logged and ignored.
func (t *Tracker) MarkRestored() {
	t.mu.Lock()
	defer t.mu.Unlock()

	current := t.readLocked()
	if current != Corrupted {
		log.Error().
			Stringer("status", current).
			Msg("Refusing to mark database restored when it was not marked corrupted")
		return
	}
	t.writeLocked(CorruptedAndRestored)
}

// MarkNotCorrupted clears the status and the attempt count. Used after a
// clean integrity check.
func (t *Tracker) MarkNotCorrupted() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.writeLocked(NotCorrupted)
	if err := t.settings.SetInt(CountKey, 0); err != nil {
		log.Error().Err(err).Msg("Failed to reset corruption count")
	}
}

// AttemptCount returns how many recovery attempts were recorded since the
// database was last marked not corrupted.
func (t *Tracker) AttemptCount() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	count, ok := t.settings.GetInt(CountKey)
	if !ok || count < 0 {
		return 0
	}
	return count
}

// RecordRecoveryAttempt increments and returns the attempt count.
func (t *Tracker) RecordRecoveryAttempt() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	count, ok := t.settings.GetInt(CountKey)
	if !ok || count < 0 {
		count = 0
	}
	count++
	if err := t.settings.SetInt(CountKey, count); err != nil {
		log.Error().Err(err).Msg("Failed to persist corruption count")
	}
	return count
}

// FlagIfCorruptionError marks the database corrupted when err reports a
// damaged file. It reports whether err was such an error.
func (t *Tracker) FlagIfCorruptionError(err error) bool {
	if !storage.IsCorruption(err) {
		return false
	}
	log.Error().Err(err).Msg("Database corruption detected")
	t.MarkCorrupted()
	return true
}
