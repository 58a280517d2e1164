package recovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sandboxrunner/dbguard/pkg/storage"
)

// promote replaces the old database with the rebuilt one. Both handles are
// fully checkpointed and closed and their sidecar files removed, so the
// rename of the main file is the only step that changes what lives at the
// old path. A crash before the rename leaves the old database intact; a
// crash after it leaves the new one in place.
//
// A checkpoint that leaves frames behind in either WAL stops the promotion
// before any sidecar is touched.
func (o *Orchestrator) promote(ctx context.Context, newStore *storage.SQLiteStore) error {
	oldPaths := o.old.Paths()
	newPaths := newStore.Paths()

	if err := o.old.CloseCheckpointed(ctx, o.cfg.CheckpointBusyTimeout); err != nil {
		return fmt.Errorf("failed to close old database: %w", err)
	}
	if err := newStore.CloseCheckpointed(ctx, o.cfg.CheckpointBusyTimeout); err != nil {
		return fmt.Errorf("failed to close new database: %w", err)
	}

	if err := storage.RemoveSidecars(oldPaths); err != nil {
		return err
	}
	if err := storage.RemoveSidecars(newPaths); err != nil {
		return err
	}

	if o.beforeReplace != nil {
		if err := o.beforeReplace(); err != nil {
			return err
		}
	}

	if err := os.Rename(newPaths.Main, oldPaths.Main); err != nil {
		return fmt.Errorf("failed to move new database into place: %w", err)
	}

	if o.afterReplace != nil {
		if err := o.afterReplace(); err != nil {
			return err
		}
	}

	if err := syncDir(filepath.Dir(oldPaths.Main)); err != nil {
		o.logger.Warn().Err(err).Msg("Failed to sync database directory")
	}

	o.logger.Info().Str("database_path", oldPaths.Main).Msg("Promoted rebuilt database")
	return nil
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
