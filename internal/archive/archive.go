// Package archive dumps and restores the entire data directory as a ZIP.
// Both operations run with every collection lock held, so an archive is
// always a consistent point-in-time view.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"patchvec/internal/logging"
	"patchvec/internal/store"
)

// ErrInvalid flags an unreadable or unsafe uploaded archive.
var ErrInvalid = errors.New("invalid archive")

// Engine performs dump and restore against one store.
type Engine struct {
	store  *store.Store
	logger *slog.Logger
}

func New(s *store.Store, logger *slog.Logger) *Engine {
	return &Engine{
		store:  s,
		logger: logging.Default(logger).With("component", "archive"),
	}
}

// lockAll acquires every collection lock in deterministic order and returns
// the release function, which unlocks in reverse.
func (e *Engine) lockAll() (func(), error) {
	keys, err := e.store.CollectionKeys()
	if err != nil {
		return nil, fmt.Errorf("scan collections: %w", err)
	}
	locks := e.store.Locks().Ordered(keys)
	for _, mu := range locks {
		mu.Lock()
	}
	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}, nil
}

// Dump writes a ZIP of the data directory into a fresh temp dir and returns
// the archive path plus the temp dir for the caller to clean up after
// streaming. Empty directories are preserved.
func (e *Engine) Dump(_ context.Context) (archivePath, tmpDir string, err error) {
	unlock, err := e.lockAll()
	if err != nil {
		return "", "", err
	}
	defer unlock()

	tmpDir, err = os.MkdirTemp("", "patchvec-archive-*")
	if err != nil {
		return "", "", err
	}
	archivePath = filepath.Join(tmpDir, "patchvec-dump.zip")

	f, err := os.Create(archivePath)
	if err != nil {
		_ = os.RemoveAll(tmpDir)
		return "", "", err
	}
	zw := zip.NewWriter(f)

	dataDir := e.store.DataDir()
	walkErr := filepath.WalkDir(dataDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dataDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		name := filepath.ToSlash(rel)

		if d.IsDir() {
			_, err := zw.Create(name + "/")
			return err
		}
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(w, src)
		return err
	})

	if cerr := zw.Close(); walkErr == nil {
		walkErr = cerr
	}
	if cerr := f.Close(); walkErr == nil {
		walkErr = cerr
	}
	if walkErr != nil {
		_ = os.RemoveAll(tmpDir)
		return "", "", fmt.Errorf("write archive: %w", walkErr)
	}

	e.logger.Info("archive dumped", "path", archivePath)
	return archivePath, tmpDir, nil
}

// Restore replaces the data directory with the archive contents. The upload
// is validated and fully extracted to a staging area before any existing
// state is touched.
func (e *Engine) Restore(_ context.Context, r io.ReaderAt, size int64) error {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	for _, f := range zr.File {
		if !memberNameSafe(f.Name) {
			return fmt.Errorf("%w: unsafe member path %q", ErrInvalid, f.Name)
		}
	}

	dataDir := e.store.DataDir()
	if err := os.MkdirAll(filepath.Dir(dataDir), 0o750); err != nil {
		return err
	}

	// Stage next to data_dir so the final moves stay on one filesystem.
	staging, err := os.MkdirTemp(filepath.Dir(dataDir), ".patchvec-restore-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	for _, f := range zr.File {
		target := filepath.Join(staging, filepath.FromSlash(f.Name))
		if strings.HasSuffix(f.Name, "/") {
			if err := os.MkdirAll(target, 0o750); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return err
		}
		src, err := f.Open()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		dst, err := os.Create(target)
		if err != nil {
			src.Close()
			return err
		}
		_, err = io.Copy(dst, src)
		src.Close()
		if cerr := dst.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("extract %s: %w", f.Name, err)
		}
	}

	unlock, err := e.lockAll()
	if err != nil {
		return err
	}
	defer unlock()

	// Purge current state, then move the staged entries into place.
	entries, err := os.ReadDir(dataDir)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dataDir, entry.Name())); err != nil {
			return fmt.Errorf("purge data dir: %w", err)
		}
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return err
	}
	staged, err := os.ReadDir(staging)
	if err != nil {
		return err
	}
	for _, entry := range staged {
		if err := os.Rename(filepath.Join(staging, entry.Name()), filepath.Join(dataDir, entry.Name())); err != nil {
			return fmt.Errorf("move restored entry: %w", err)
		}
	}

	// Cached engine handles point at pre-restore state; force reloads.
	e.store.DropHandles()

	e.logger.Info("archive restored", "entries", len(staged))
	return nil
}

// memberNameSafe rejects absolute paths, leading separators, drive letters,
// and parent traversal.
func memberNameSafe(name string) bool {
	if name == "" {
		return false
	}
	if strings.HasPrefix(name, "/") || strings.HasPrefix(name, "\\") {
		return false
	}
	if strings.Contains(name, "\\") {
		return false
	}
	if filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return false
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return false
		}
	}
	return true
}
