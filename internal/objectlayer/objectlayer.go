// Package objectlayer implements packing variable-length logical
// objects (file contents, directory listings, the allocation table
// itself) into fixed-size blocks, and tracking which blocks are free.
//
// Writes mutate an in-memory image of the touched object; no block is
// allocated until PrepareFlush runs, by which point the final size of
// every dirty object is known. This mirrors this repository's own
// encryptedFile, which buffers a whole file's plaintext in memory and
// only encrypts-and-writes on flush/close — generalized here from one
// open file to every live object, which is affordable at the scale this
// store targets (single local user, FTP uploads measured in megabytes).
//
// The allocation table is itself object 1, persisted as a chain of whole
// blocks whose ids live in the superblock (block 0) — see PrepareFlush's
// doc comment in flush.go for how the chicken-and-egg dependency (the
// table needs to know its own block ids to describe its own block ids) is
// resolved.
package objectlayer

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/quark-zju/x79d8/internal/blockcodec"
	"github.com/quark-zju/x79d8/internal/blockstore"
	"github.com/quark-zju/x79d8/internal/xerrors"
)

// allocTableObjectID is the well-known object id for the allocation table.
const allocTableObjectID uint64 = 1

// ObjectLayer packs logical objects into blocks and tracks free space.
type ObjectLayer struct {
	store *blockstore.Store
	codec *blockcodec.Codec
	log   *logrus.Entry

	shardThreshold int

	mu           sync.Mutex
	table        map[uint64]*allocEntry
	nextObjectID uint64
	rootInodeID  uint64

	buffers   map[uint64][]byte
	dirty     map[uint64]bool
	destroyed map[uint64]bool

	// preFlushEntries remembers the allocation-table row a destroyed
	// object had just before Destroy dropped it from ol.table, so
	// PrepareFlush can still find its blocks to free.
	preFlushEntries map[uint64]*allocEntry
}

// Open loads the superblock and allocation table from store, or
// initializes an empty in-memory layer if the store is brand new
// (store.Read(0) returns NoSuchBlock). The second return value reports
// whether this is a fresh store, so the VFS tree knows it must bootstrap
// a root directory.
func Open(store *blockstore.Store, codec *blockcodec.Codec, log *logrus.Entry) (*ObjectLayer, bool, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	ol := &ObjectLayer{
		store:          store,
		codec:          codec,
		log:            log.WithField("component", "objectlayer"),
		shardThreshold: codec.PayloadSize() / 8,
		buffers:         map[uint64][]byte{},
		dirty:           map[uint64]bool{},
		destroyed:       map[uint64]bool{},
		preFlushEntries: map[uint64]*allocEntry{},
	}

	raw, err := ol.readBlock(0)
	if xerrors.Is(err, xerrors.NoSuchBlock) {
		// Block 0 is the superblock; keep Allocate from handing it out.
		store.MarkAllocated(superblockBlockID)
		ol.table = map[uint64]*allocEntry{}
		ol.nextObjectID = allocTableObjectID + 1
		return ol, true, nil
	}
	if err != nil {
		return nil, false, err
	}

	sb, err := decodeSuperblock(raw)
	if err != nil {
		return nil, false, err
	}

	tableBytes, err := ol.readChain(sb.AllocTableIDs, sb.AllocTableLen)
	if err != nil {
		return nil, false, err
	}
	table, err := decodeTable(tableBytes)
	if err != nil {
		return nil, false, err
	}
	table[allocTableObjectID] = &allocEntry{BlockIDs: sb.AllocTableIDs, Length: sb.AllocTableLen}

	ol.table = table
	ol.nextObjectID = sb.NextObjectID
	ol.rootInodeID = sb.RootInodeID
	return ol, false, nil
}

// RootInodeID returns the persisted root inode id (0 before the VFS tree
// has bootstrapped one on a fresh store).
func (ol *ObjectLayer) RootInodeID() uint64 {
	ol.mu.Lock()
	defer ol.mu.Unlock()
	return ol.rootInodeID
}

// SetRootInodeID records which inode the superblock should point to. It
// takes effect on the next flush.
func (ol *ObjectLayer) SetRootInodeID(id uint64) {
	ol.mu.Lock()
	defer ol.mu.Unlock()
	ol.rootInodeID = id
}

func (ol *ObjectLayer) readBlock(id uint64) ([]byte, error) {
	onDisk, err := ol.store.Read(id)
	if err != nil {
		return nil, err
	}
	plaintext, err := ol.codec.DecryptBlock(id, onDisk)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.IoError, "objectlayer.readBlock", "", err)
	}
	return plaintext, nil
}

// readChain concatenates the payloads of a chain of whole blocks and
// truncates the result to totalLen.
func (ol *ObjectLayer) readChain(blockIDs []uint64, totalLen uint64) ([]byte, error) {
	if len(blockIDs) == 0 {
		return nil, nil
	}
	buf := make([]byte, 0, len(blockIDs)*ol.codec.PayloadSize())
	for _, id := range blockIDs {
		payload, err := ol.readBlock(id)
		if err != nil {
			return nil, err
		}
		buf = append(buf, payload...)
	}
	if uint64(len(buf)) > totalLen {
		buf = buf[:totalLen]
	}
	return buf, nil
}

// CreateObject allocates a fresh object id with zero-length content.
func (ol *ObjectLayer) CreateObject() uint64 {
	ol.mu.Lock()
	defer ol.mu.Unlock()

	id := ol.nextObjectID
	ol.nextObjectID++
	ol.table[id] = &allocEntry{}
	ol.buffers[id] = []byte{}
	ol.dirty[id] = true
	return id
}

// Length returns an object's current logical length.
func (ol *ObjectLayer) Length(id uint64) (uint64, error) {
	ol.mu.Lock()
	defer ol.mu.Unlock()
	if err := ol.loadLocked(id); err != nil {
		return 0, err
	}
	return uint64(len(ol.buffers[id])), nil
}

// Read returns up to length bytes of object id starting at offset. A
// short read (fewer than length bytes) occurs only at end of object.
func (ol *ObjectLayer) Read(id uint64, offset uint64, length uint64) ([]byte, error) {
	ol.mu.Lock()
	defer ol.mu.Unlock()

	if err := ol.loadLocked(id); err != nil {
		return nil, err
	}
	buf := ol.buffers[id]
	if offset >= uint64(len(buf)) {
		return nil, nil
	}
	end := offset + length
	if end > uint64(len(buf)) {
		end = uint64(len(buf))
	}
	out := make([]byte, end-offset)
	copy(out, buf[offset:end])
	return out, nil
}

// Write stores data at offset, extending the object (zero-filling any
// gap) if offset+len(data) exceeds the current length.
func (ol *ObjectLayer) Write(id uint64, offset uint64, data []byte) error {
	ol.mu.Lock()
	defer ol.mu.Unlock()

	if err := ol.loadLocked(id); err != nil {
		return err
	}
	buf := ol.buffers[id]
	need := offset + uint64(len(data))
	if need > uint64(len(buf)) {
		grown := make([]byte, need)
		copy(grown, buf)
		buf = grown
	}
	copy(buf[offset:], data)
	ol.buffers[id] = buf
	ol.dirty[id] = true
	return nil
}

// Truncate resizes object id to newLen, zero-filling on growth.
func (ol *ObjectLayer) Truncate(id uint64, newLen uint64) error {
	ol.mu.Lock()
	defer ol.mu.Unlock()

	if err := ol.loadLocked(id); err != nil {
		return err
	}
	buf := ol.buffers[id]
	if newLen > uint64(len(buf)) {
		grown := make([]byte, newLen)
		copy(grown, buf)
		buf = grown
	} else {
		buf = buf[:newLen]
	}
	ol.buffers[id] = buf
	ol.dirty[id] = true
	return nil
}

// Destroy frees an object's id. Its backing blocks are released at the
// next flush, not immediately, so a crash between Destroy and flush
// leaves the object fully intact on reopen.
func (ol *ObjectLayer) Destroy(id uint64) {
	ol.mu.Lock()
	defer ol.mu.Unlock()

	if entry, ok := ol.table[id]; ok {
		ol.preFlushEntries[id] = entry
	}
	delete(ol.table, id)
	delete(ol.buffers, id)
	delete(ol.dirty, id)
	ol.destroyed[id] = true
}

// loadLocked ensures ol.buffers[id] holds the object's current content.
// Caller must hold ol.mu.
func (ol *ObjectLayer) loadLocked(id uint64) error {
	if _, ok := ol.buffers[id]; ok {
		return nil
	}
	entry, ok := ol.table[id]
	if !ok {
		return xerrors.New(xerrors.NotFound, "objectlayer.load", "")
	}
	if len(entry.BlockIDs) == 0 {
		ol.buffers[id] = []byte{}
		return nil
	}

	if entry.Shard {
		payload, err := ol.readBlock(entry.BlockIDs[0])
		if err != nil {
			return err
		}
		idx, err := decodeShard(payload)
		if err != nil {
			return err
		}
		content, found := shardObjectBytes(payload, idx, id)
		if !found {
			return xerrors.New(xerrors.ConfigCorrupt, "objectlayer.load", "object missing from its shard")
		}
		buf := make([]byte, len(content))
		copy(buf, content)
		ol.buffers[id] = buf
		return nil
	}

	buf, err := ol.readChain(entry.BlockIDs, entry.Length)
	if err != nil {
		return err
	}
	ol.buffers[id] = buf
	return nil
}
