package recovery

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/sandboxrunner/dbguard/pkg/storage"
)

// IntegrityMode selects how thorough an integrity check is.
type IntegrityMode string

const (
	// IntegrityQuick runs PRAGMA quick_check.
	IntegrityQuick IntegrityMode = "quick"
	// IntegrityFull runs PRAGMA integrity_check, which also verifies indexes.
	IntegrityFull IntegrityMode = "full"
)

// ParseIntegrityMode accepts "quick", "full" or "" (quick).
func ParseIntegrityMode(s string) (IntegrityMode, error) {
	switch IntegrityMode(s) {
	case "", IntegrityQuick:
		return IntegrityQuick, nil
	case IntegrityFull:
		return IntegrityFull, nil
	}
	return "", fmt.Errorf("unknown integrity mode %q", s)
}

// IntegrityResult is the verdict of an integrity check.
type IntegrityResult struct {
	OK       bool          `json:"ok"`
	Mode     IntegrityMode `json:"mode"`
	Problems []string      `json:"problems,omitempty"`
	Err      error         `json:"-"`
}

// IntegrityCheck checks the database behind store. Failing to run the
// check at all counts as not ok.
func IntegrityCheck(ctx context.Context, store *storage.SQLiteStore, mode IntegrityMode) IntegrityResult {
	if mode == "" {
		mode = IntegrityQuick
	}

	problems, err := store.CheckIntegrity(ctx, mode == IntegrityFull)
	if err != nil {
		log.Warn().Err(err).Str("mode", string(mode)).Msg("Integrity check could not run")
		return IntegrityResult{Mode: mode, Err: err}
	}
	if len(problems) > 0 {
		log.Warn().
			Str("mode", string(mode)).
			Int("problems", len(problems)).
			Str("first_problem", problems[0]).
			Msg("Integrity check failed")
		return IntegrityResult{Mode: mode, Problems: problems}
	}

	log.Info().Str("mode", string(mode)).Msg("Integrity check passed")
	return IntegrityResult{OK: true, Mode: mode}
}

// Reindex rebuilds every index. It is the cheapest repair and fixes
// corruption confined to indexes. Failure is logged and returned.
func Reindex(ctx context.Context, store *storage.SQLiteStore) error {
	log.Info().Str("database_path", store.Paths().Main).Msg("Attempting to reindex the database")

	err := store.Write(ctx, func(tx *storage.Transaction) error {
		_, err := tx.Exec("REINDEX")
		return err
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to reindex the database")
		return fmt.Errorf("failed to reindex: %w", err)
	}

	log.Info().Msg("Reindexed the database")
	return nil
}
