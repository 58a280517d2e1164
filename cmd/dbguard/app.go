package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/glamour"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/sandboxrunner/dbguard/pkg/config"
	"github.com/sandboxrunner/dbguard/pkg/corruption"
	"github.com/sandboxrunner/dbguard/pkg/storage"
)

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}

// openTracker opens the settings file holding the corruption status.
func openTracker(cfg *config.Config) (*corruption.Tracker, func(), error) {
	settings, err := corruption.OpenBoltSettings(cfg.Settings.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open settings: %w", err)
	}
	closeFn := func() {
		if err := settings.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close settings")
		}
	}
	return corruption.NewTracker(settings), closeFn, nil
}

// openStore opens the configured database.
func openStore(cfg *config.Config) (*storage.SQLiteStore, error) {
	store, err := storage.Open(cfg.StoreConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return store, nil
}

func closeStore(store *storage.SQLiteStore) {
	if err := store.Close(); err != nil {
		log.Warn().Err(err).Str("database_path", store.Paths().Main).Msg("Failed to close database")
	}
}

func newMigrator() *storage.Migrator {
	return storage.NewMigrator(storage.DefaultMigrations()...)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// renderMarkdown writes markdown to w, styled when w is a terminal.
func renderMarkdown(w io.Writer, markdown string) error {
	if isTerminal(w) {
		rendered, err := glamour.Render(markdown, "dark")
		if err == nil {
			_, err = io.WriteString(w, rendered)
			return err
		}
		log.Debug().Err(err).Msg("Failed to render markdown")
	}
	_, err := io.WriteString(w, markdown)
	return err
}
