// Package partstore is the content-addressed local file store for part
// bytes. Every write goes to a temp file, is fsynced, then atomically
// renamed into place, so a concurrent reader never observes a partial
// write.
package partstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cuemby/rimio/pkg/rimerr"
	"github.com/cuemby/rimio/pkg/types"
)

// Store stores part bytes under a slot's root directory.
type Store struct {
	root string
}

// Open returns a Store rooted at <root>/parts, creating it if absent.
func Open(root string) (*Store, error) {
	partsDir := filepath.Join(root, "parts")
	if err := os.MkdirAll(partsDir, 0755); err != nil {
		return nil, rimerr.Wrap(rimerr.KindStorage, err, "creating parts directory")
	}
	return &Store{root: partsDir}, nil
}

// pathFor derives the deterministic on-disk location for a part, per the
// layout in §6: parts/<first-2-of-path-hash>/<path-hash>/<generation>/<part_no>.<sha256>
func (s *Store) pathFor(path string, generation int64, partNo uint32, sha256hex string) string {
	sum := sha256.Sum256([]byte(path))
	pathHash := hex.EncodeToString(sum[:])
	return filepath.Join(s.root, pathHash[:2], pathHash, fmt.Sprintf("%d", generation),
		fmt.Sprintf("%d.%s", partNo, sha256hex))
}

// PutResult is the outcome of a Put call.
type PutResult struct {
	FinalPath string
	Reused    bool
}

// Put writes bytes for a part, verifying they hash to sha256hex. If the
// final path already exists it is trusted without rewriting and Reused is
// true.
func (s *Store) Put(path string, generation int64, partNo uint32, sha256hex string, data []byte) (PutResult, error) {
	computed := types.ComputeSHA256(data)
	if computed != sha256hex {
		return PutResult{}, rimerr.Newf(rimerr.KindHashMismatch,
			"part bytes hash to %s, expected %s", computed, sha256hex)
	}

	finalPath := s.pathFor(path, generation, partNo, sha256hex)
	if _, err := os.Stat(finalPath); err == nil {
		return PutResult{FinalPath: finalPath, Reused: true}, nil
	}

	dir := filepath.Dir(finalPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return PutResult{}, rimerr.Wrap(rimerr.KindStorage, err, "creating part directory")
	}

	tmp, err := os.CreateTemp(dir, ".part-*.tmp")
	if err != nil {
		return PutResult{}, rimerr.Wrap(rimerr.KindStorage, err, "creating temp part file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return PutResult{}, rimerr.Wrap(rimerr.KindStorage, err, "writing temp part file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return PutResult{}, rimerr.Wrap(rimerr.KindStorage, err, "fsyncing temp part file")
	}
	if err := tmp.Close(); err != nil {
		return PutResult{}, rimerr.Wrap(rimerr.KindStorage, err, "closing temp part file")
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return PutResult{}, rimerr.Wrap(rimerr.KindStorage, err, "renaming part into place")
	}

	return PutResult{FinalPath: finalPath, Reused: false}, nil
}

// Get returns the bytes for a part.
func (s *Store) Get(path string, generation int64, partNo uint32, sha256hex string) ([]byte, error) {
	finalPath := s.pathFor(path, generation, partNo, sha256hex)
	f, err := os.Open(finalPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, rimerr.Newf(rimerr.KindPartNotFound, "part not found: %s gen=%d part=%d", path, generation, partNo)
		}
		return nil, rimerr.Wrap(rimerr.KindStorage, err, "opening part file")
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, rimerr.Wrap(rimerr.KindStorage, err, "reading part file")
	}
	return data, nil
}

// Exists is a cheap stat for part presence.
func (s *Store) Exists(path string, generation int64, partNo uint32, sha256hex string) bool {
	_, err := os.Stat(s.pathFor(path, generation, partNo, sha256hex))
	return err == nil
}

// LocalPath returns the deterministic path a part would live at, without
// touching the filesystem. Used to populate PartEntry.LocalPath.
func (s *Store) LocalPath(path string, generation int64, partNo uint32, sha256hex string) string {
	return s.pathFor(path, generation, partNo, sha256hex)
}
