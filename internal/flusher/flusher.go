// Package flusher implements the single background task that turns
// buffered VFS/object-layer mutations into durable, crash-atomic block
// writes. It is the only caller of wal.AppendGroup/Checkpoint and
// objectlayer.PrepareFlush/CommitFlush.
package flusher

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quark-zju/x79d8/internal/blockcodec"
	"github.com/quark-zju/x79d8/internal/blockstore"
	"github.com/quark-zju/x79d8/internal/objectlayer"
	"github.com/quark-zju/x79d8/internal/vfs"
	"github.com/quark-zju/x79d8/internal/wal"
)

// DefaultIdle is the quiet-period threshold a burst of writes must go
// silent for before a flush fires.
const DefaultIdle = 5 * time.Second

// Flusher debounces mutations behind a quiet-period timer: every Touch
// bumps a generation counter and (re)arms a timer; the timer only fires a flush
// if its captured generation is still current when it wakes, so a burst
// of writes collapses into one flush instead of one per write.
type Flusher struct {
	ol    *objectlayer.ObjectLayer
	tree  *vfs.Tree
	wal   *wal.WAL
	store *blockstore.Store
	codec *blockcodec.Codec
	log   *logrus.Entry
	idle  time.Duration

	generation uint64

	mu       sync.Mutex
	draining bool
	timer    *time.Timer
}

// New wires together a Flusher over an already-open store, WAL, object
// layer and VFS tree.
func New(ol *objectlayer.ObjectLayer, tree *vfs.Tree, w *wal.WAL, store *blockstore.Store, codec *blockcodec.Codec, idle time.Duration, log *logrus.Entry) *Flusher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if idle <= 0 {
		idle = DefaultIdle
	}
	return &Flusher{
		ol:    ol,
		tree:  tree,
		wal:   w,
		store: store,
		codec: codec,
		idle:  idle,
		log:   log.WithField("component", "flusher"),
	}
}

// Touch is called after every mutating VFS operation succeeds. It
// (re)arms the quiet-period timer; a burst of calls in quick succession
// results in exactly one flush, idle after the last one.
func (f *Flusher) Touch() {
	gen := atomic.AddUint64(&f.generation, 1)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.timer != nil {
		f.timer.Stop()
	}
	f.timer = time.AfterFunc(f.idle, func() { f.fireIfCurrent(gen) })
}

func (f *Flusher) fireIfCurrent(gen uint64) {
	if atomic.LoadUint64(&f.generation) != gen {
		return // a later Touch superseded this timer; its own will fire
	}
	if err := f.Flush(); err != nil {
		// A failed timer-driven flush is only logged. Nothing here or in
		// cmd/x79d8 exits the process on it; later Touch calls keep
		// scheduling flushes, and only Shutdown's error reaches the CLI.
		f.log.WithError(err).Error("flush failed")
	}
}

// Flush runs the five-step commit pipeline: snapshot dirty state, plan
// block placement, WAL-append, write+fsync the store, checkpoint. It is idempotent
// when nothing is dirty (objectlayer.PrepareFlush returns a nil plan).
func (f *Flusher) Flush() error {
	f.mu.Lock()
	if f.draining {
		f.mu.Unlock()
		return nil
	}
	f.draining = true
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.draining = false
		f.mu.Unlock()
	}()

	// Step 1: snapshot the dirty set (VFS listings/inode table first,
	// since they are themselves objects the object layer must see as
	// dirty before computing block placement).
	if err := f.tree.PreFlush(); err != nil {
		return err
	}

	// Step 2: compute block placement, without touching WAL or store.
	plan, err := f.ol.PrepareFlush()
	if err != nil {
		return err
	}
	if plan == nil {
		return nil
	}

	// Step 3: WAL group, fsync, commit marker.
	if _, err := f.wal.AppendGroup(plan.BlockPayloads); err != nil {
		return err
	}

	// Step 4: encrypt every touched block (in parallel once a flush is
	// big enough for that to pay off), apply to the block store, fsync,
	// truncate the WAL.
	encrypted, err := encryptBlocksParallel(f.codec, plan.BlockPayloads, 0)
	if err != nil {
		return err
	}
	for id, onDisk := range encrypted {
		if err := f.store.Write(id, onDisk); err != nil {
			return err
		}
	}
	if err := f.store.Sync(); err != nil {
		return err
	}
	if err := f.wal.Checkpoint(); err != nil {
		return err
	}

	// Step 5: resume — release freed block ids only now that the
	// checkpoint is durable.
	f.ol.CommitFlush(plan)
	f.log.WithField("blocks", len(plan.BlockPayloads)).Debug("flush committed")
	return nil
}

// Shutdown performs one final flush. Callers should stop accepting new
// VFS mutations before calling this.
func (f *Flusher) Shutdown() error {
	return f.Flush()
}
