package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// On-disk names within a collection directory.
const (
	CatalogFile = "catalog.json"
	MetaFile    = "meta.json"
	ChunksDir   = "chunks"
	IndexDir    = "index"
)

// Catalog maps docid to the chunk ids currently indexed for it.
type Catalog map[string][]string

// MetaMap maps chunk id to its stored metadata.
type MetaMap map[string]map[string]any

// writeJSONAtomic writes v as JSON via temp file + fsync + rename in the
// target's directory, so readers never see a partial file.
func writeJSONAtomic(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+"-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// readJSON unmarshals path into v. A missing file leaves v untouched.
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// chunkFileName escapes a chunk id into a flat file name: path separators
// and the id delimiter collapse to underscores, with a .txt suffix.
func chunkFileName(chunkID string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", ":", "_")
	return r.Replace(chunkID) + ".txt"
}

// writeChunkText stores the raw chunk bytes. A single write + close; the
// content is authoritative so the caller verifies the round-trip.
func writeChunkText(chunksDir, chunkID, text string) error {
	return os.WriteFile(filepath.Join(chunksDir, chunkFileName(chunkID)), []byte(text), 0o640)
}

// readChunkText returns the exact stored bytes for a chunk id.
func readChunkText(chunksDir, chunkID string) (string, error) {
	data, err := os.ReadFile(filepath.Join(chunksDir, chunkFileName(chunkID)))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func removeChunkText(chunksDir, chunkID string) error {
	err := os.Remove(filepath.Join(chunksDir, chunkFileName(chunkID)))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
