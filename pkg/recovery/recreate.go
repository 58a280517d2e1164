package recovery

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sandboxrunner/dbguard/pkg/storage"
)

// Rebuilder recomputes one derived dataset from primary data.
type Rebuilder struct {
	Name    string
	Rebuild func(ctx context.Context, tx *storage.Transaction) error
}

// RecreationResult is the outcome of one rebuilder.
type RecreationResult struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
	Error    string        `json:"error,omitempty"`
}

// ManualRecreation rebuilds derived data after a database was restored.
// Each rebuilder runs in its own write transaction; a failing one is
// logged and rolled back without affecting the others.
type ManualRecreation struct {
	store      *storage.SQLiteStore
	rebuilders []Rebuilder
	progress   *Progress
	logger     zerolog.Logger
	started    atomic.Bool
}

// NewManualRecreation prepares the rebuilders to run against store. With no
// rebuilders, DefaultRebuilders is used.
func NewManualRecreation(store *storage.SQLiteStore, rebuilders ...Rebuilder) *ManualRecreation {
	if len(rebuilders) == 0 {
		rebuilders = DefaultRebuilders()
	}
	return &ManualRecreation{
		store:      store,
		rebuilders: rebuilders,
		progress:   NewProgress("manual-recreation", int64(len(rebuilders))),
		logger:     log.With().Str("component", "recovery").Str("stage", "manual-recreation").Logger(),
	}
}

// Progress returns the progress of the stage.
func (m *ManualRecreation) Progress() *Progress {
	return m.progress
}

// Run executes every rebuilder in order and returns their results. It fails
// only when called twice.
func (m *ManualRecreation) Run(ctx context.Context) ([]RecreationResult, error) {
	if !m.started.CompareAndSwap(false, true) {
		m.logger.Error().Msg("Manual recreation should not be run more than once")
		return nil, ErrAlreadyRun
	}

	results := make([]RecreationResult, 0, len(m.rebuilders))
	for _, r := range m.rebuilders {
		rebuilder := r
		_ = m.progress.Perform(rebuilder.Name, 1, 0, func(*Progress) error {
			start := time.Now()
			err := m.store.Write(ctx, func(tx *storage.Transaction) error {
				return rebuilder.Rebuild(ctx, tx)
			})
			result := RecreationResult{Name: rebuilder.Name, Duration: time.Since(start), Err: err}
			if err != nil {
				result.Error = err.Error()
				m.logger.Warn().Err(err).Str("rebuilder", rebuilder.Name).Msg("Failed to recreate derived data")
			} else {
				m.logger.Info().Str("rebuilder", rebuilder.Name).Dur("duration", result.Duration).Msg("Recreated derived data")
			}
			results = append(results, result)
			return nil
		})
	}
	return results, nil
}

func execAll(tx *storage.Transaction, statements ...string) error {
	for _, statement := range statements {
		if _, err := tx.Exec(statement); err != nil {
			return fmt.Errorf("failed to execute %q: %w", statement, err)
		}
	}
	return nil
}

// DefaultRebuilders recreate the search indexes and the media gallery,
// none of which are copied during dump and restore.
func DefaultRebuilders() []Rebuilder {
	return []Rebuilder{
		{
			Name: "interaction-search-index",
			Rebuild: func(_ context.Context, tx *storage.Transaction) error {
				return execAll(tx,
					`DELETE FROM `+storage.TableInteractionFTS,
					`INSERT INTO `+storage.TableInteractionFTS+` (rowid, body)
						SELECT id, body FROM `+storage.TableInteraction+` WHERE body IS NOT NULL AND body != ''`,
				)
			},
		},
		{
			Name: "recipient-search-index",
			Rebuild: func(_ context.Context, tx *storage.Transaction) error {
				return execAll(tx,
					`DELETE FROM `+storage.TableRecipientFTS,
					`INSERT INTO `+storage.TableRecipientFTS+` (rowid, address, full_name)
						SELECT r.id,
							COALESCE(r.service_id, r.phone_number, r.unique_id),
							TRIM(COALESCE(p.given_name, '') || ' ' || COALESCE(p.family_name, ''))
						FROM `+storage.TableRecipient+` r
						LEFT JOIN `+storage.TableUserProfile+` p
							ON p.address = COALESCE(r.service_id, r.phone_number)`,
				)
			},
		},
		{
			Name: "media-gallery",
			Rebuild: func(_ context.Context, tx *storage.Transaction) error {
				return execAll(tx,
					`DELETE FROM `+storage.TableMediaGalleryItem,
					`INSERT OR IGNORE INTO `+storage.TableMediaGalleryItem+`
						(attachment_id, thread_unique_id, message_unique_id, received_at)
						SELECT a.id, i.thread_unique_id, i.unique_id, COALESCE(i.received_at, i.sent_at)
						FROM `+storage.TableAttachment+` a
						JOIN `+storage.TableInteraction+` i ON i.unique_id = a.message_unique_id
						WHERE a.content_type LIKE 'image/%' OR a.content_type LIKE 'video/%'`,
				)
			},
		},
	}
}
