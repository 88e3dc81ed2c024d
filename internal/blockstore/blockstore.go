// Package blockstore implements a map from block_id to an on-disk
// file under a blocks/ directory, with atomic single-block writes. It
// knows nothing about encryption, WAL groups, or objects — it just reads,
// writes, frees, and enumerates fixed-size byte slices by id, using the
// same write-to-temp-then-rename-into-place discipline for every
// per-block file so a crash mid-write never leaves a torn block visible.
package blockstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/quark-zju/x79d8/internal/xerrors"
)

// Store maps block_id -> on-disk file inside dir/blocks/. All methods are
// safe for concurrent use; distinct block ids may be read in parallel, and
// writes take a store-wide lock only for the duration of the rename.
type Store struct {
	dir       string
	blockSize int

	mu        sync.Mutex
	allocated map[uint64]bool
}

// Open scans dir/blocks/ and returns a Store over its existing block ids.
// dir must already exist; blocks/ is created if missing.
func Open(dir string, blockSize int) (*Store, error) {
	blocksDir := filepath.Join(dir, "blocks")
	if err := os.MkdirAll(blocksDir, 0o700); err != nil {
		return nil, xerrors.Wrap(xerrors.IoError, "blockstore.Open", blocksDir, err)
	}

	entries, err := os.ReadDir(blocksDir)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.IoError, "blockstore.Open", blocksDir, err)
	}

	allocated := make(map[uint64]bool, len(entries))
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		if filepath.Ext(name) == ".tmp" {
			// Crash left a half-written block behind; the WAL layer is
			// responsible for deciding whether to redo it. Remove the
			// stale tmp file so it doesn't masquerade as a live block.
			os.Remove(filepath.Join(blocksDir, name))
			continue
		}
		id, err := strconv.ParseUint(name, 10, 64)
		if err != nil {
			continue
		}
		allocated[id] = true
	}

	return &Store{dir: dir, blockSize: blockSize, allocated: allocated}, nil
}

func (s *Store) blockPath(id uint64) string {
	return filepath.Join(s.dir, "blocks", strconv.FormatUint(id, 10))
}

// Allocate returns the lowest unused non-negative block id and marks it
// used. It does not write any content — the caller writes before or after
// as needed; the id is reserved the moment Allocate returns.
func (s *Store) Allocate() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id uint64
	for s.allocated[id] {
		id++
	}
	s.allocated[id] = true
	return id
}

// MarkAllocated reserves a specific id, used during WAL replay to restore
// the allocation bitmap's view of ids that were written before a crash.
func (s *Store) MarkAllocated(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allocated[id] = true
}

// Read returns the raw on-disk bytes for block id, or NoSuchBlock if it was
// never allocated or has been freed.
func (s *Store) Read(id uint64) ([]byte, error) {
	data, err := os.ReadFile(s.blockPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, xerrors.New(xerrors.NoSuchBlock, "read", s.blockPath(id))
		}
		return nil, xerrors.Wrap(xerrors.IoError, "read", s.blockPath(id), err)
	}
	if len(data) != s.blockSize {
		return nil, xerrors.New(xerrors.CorruptBlock, "read", s.blockPath(id))
	}
	return data, nil
}

// Write stores data (exactly blockSize bytes) for id, atomically: write to
// "<id>.tmp", fsync, rename over "<id>".
func (s *Store) Write(id uint64, data []byte) error {
	if len(data) != s.blockSize {
		return fmt.Errorf("blockstore: write of %d bytes, want %d", len(data), s.blockSize)
	}

	path := s.blockPath(id)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return xerrors.Wrap(xerrors.IoError, "write", path, err)
	}
	if f, err := os.OpenFile(tmp, os.O_RDWR, 0o600); err == nil {
		_ = f.Sync()
		f.Close()
	}

	s.mu.Lock()
	err := os.Rename(tmp, path)
	if err == nil {
		s.allocated[id] = true
	}
	s.mu.Unlock()

	if err != nil {
		return xerrors.Wrap(xerrors.IoError, "write", path, err)
	}
	return nil
}

// Free unlinks the block file for id. Freeing an id that was never
// allocated is not an error; the WAL replay path may free the same id
// more than once across a crash/retry.
func (s *Store) Free(id uint64) error {
	s.mu.Lock()
	delete(s.allocated, id)
	s.mu.Unlock()

	if err := os.Remove(s.blockPath(id)); err != nil && !os.IsNotExist(err) {
		return xerrors.Wrap(xerrors.IoError, "free", s.blockPath(id), err)
	}
	return nil
}

// Enumerate returns every currently-allocated block id in ascending order.
func (s *Store) Enumerate() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]uint64, 0, len(s.allocated))
	for id := range s.allocated {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Has reports whether id is currently allocated.
func (s *Store) Has(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocated[id]
}

// BlockSize returns the fixed on-disk block size this store was opened with.
func (s *Store) BlockSize() int { return s.blockSize }

// Sync fsyncs the blocks directory entry, making prior renames durable
// against a crash that loses the directory's own metadata.
func (s *Store) Sync() error {
	d, err := os.Open(filepath.Join(s.dir, "blocks"))
	if err != nil {
		return xerrors.Wrap(xerrors.IoError, "sync", s.dir, err)
	}
	defer d.Close()
	return d.Sync()
}
