package storage

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/blake2b"
)

const manifestName = "manifest.json"

// PreservedFile describes one file in a preserved copy.
type PreservedFile struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	Digest string `json:"blake2b_256"`
}

// Manifest is written next to a preserved copy of a database.
type Manifest struct {
	Source    string          `json:"source"`
	CreatedAt time.Time       `json:"created_at"`
	Files     []PreservedFile `json:"files"`
}

// PreserveFiles copies the database files in paths into a new directory
// under backupDir and writes a manifest with their digests. The database
// must not be open for writing. Older preserved copies beyond keep are
// removed; keep <= 0 keeps everything.
func PreserveFiles(paths Paths, backupDir string, keep int) (string, error) {
	base := filepath.Base(paths.Main)
	dir := filepath.Join(backupDir, fmt.Sprintf("%s.corrupt-%s", base, time.Now().UTC().Format("20060102T150405.000000000")))
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	manifest := Manifest{Source: paths.Main, CreatedAt: time.Now().UTC()}
	for _, src := range paths.All() {
		file, err := copyWithDigest(src, filepath.Join(dir, filepath.Base(src)))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to preserve %s: %w", src, err)
		}
		manifest.Files = append(manifest.Files, file)
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestName), data, 0600); err != nil {
		return "", fmt.Errorf("failed to write manifest: %w", err)
	}

	log.Info().
		Str("backup_path", dir).
		Int("files", len(manifest.Files)).
		Msg("Preserved copy of database created")

	if keep > 0 {
		cleanupOldBackups(backupDir, base, keep)
	}
	return dir, nil
}

// VerifyPreserved recomputes the digests of a preserved copy and compares
// them with its manifest.
func VerifyPreserved(dir string) error {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("failed to decode manifest: %w", err)
	}
	for _, want := range manifest.Files {
		got, err := digestFile(filepath.Join(dir, want.Name))
		if err != nil {
			return err
		}
		if got != want.Digest {
			return fmt.Errorf("digest mismatch for %s", want.Name)
		}
	}
	return nil
}

func copyWithDigest(src, dst string) (PreservedFile, error) {
	in, err := os.Open(src)
	if err != nil {
		return PreservedFile{}, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return PreservedFile{}, err
	}
	defer out.Close()

	hasher, err := blake2b.New256(nil)
	if err != nil {
		return PreservedFile{}, err
	}
	n, err := io.Copy(io.MultiWriter(out, hasher), in)
	if err != nil {
		return PreservedFile{}, err
	}
	if err := out.Sync(); err != nil {
		return PreservedFile{}, err
	}

	return PreservedFile{
		Name:   filepath.Base(dst),
		Size:   n,
		Digest: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

func digestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// cleanupOldBackups removes preserved copies of base beyond the newest keep.
func cleanupOldBackups(backupDir, base string, keep int) {
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list backup files")
		return
	}

	type backupInfo struct {
		path    string
		modTime time.Time
	}
	var backups []backupInfo
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), base+".corrupt-") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, backupInfo{
			path:    filepath.Join(backupDir, entry.Name()),
			modTime: info.ModTime(),
		})
	}
	if len(backups) <= keep {
		return
	}

	// Newest first; names sort chronologically when mtimes tie.
	sort.Slice(backups, func(i, j int) bool {
		if backups[i].modTime.Equal(backups[j].modTime) {
			return backups[i].path > backups[j].path
		}
		return backups[i].modTime.After(backups[j].modTime)
	})

	for _, b := range backups[keep:] {
		if err := os.RemoveAll(b.path); err != nil {
			log.Warn().Err(err).Str("path", b.path).Msg("Failed to remove old backup")
		} else {
			log.Debug().Str("path", b.path).Msg("Removed old backup")
		}
	}
}
