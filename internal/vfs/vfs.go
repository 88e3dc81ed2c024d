package vfs

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quark-zju/x79d8/internal/objectlayer"
	"github.com/quark-zju/x79d8/internal/xerrors"
)

// Handle is an open file with its own read/write cursor, independent of
// any other handle open on the same inode.
type Handle struct {
	ID       uint64
	InodeID  uint64
	ObjectID uint64
	Writable bool
	Offset   uint64
}

// Tree is the VFS metadata layer: the inode table plus every directory
// listing, backed by an ObjectLayer. Exactly one Tree exists per running
// store, threaded explicitly into the FTP bridge rather than reached for
// as a singleton.
type Tree struct {
	ol  *objectlayer.ObjectLayer
	log *logrus.Entry

	mu          sync.RWMutex
	inodes      map[uint64]*Inode
	listings    map[uint64]map[string]uint64 // dir inode id -> name -> inode id, cached
	nextInodeID uint64

	dirtyListings map[uint64]bool
	metadataDirty bool

	contentLocks sync.Map // object id -> *sync.Mutex, serializes same-file read/write

	handleMu     sync.Mutex
	handles      map[uint64]*Handle
	nextHandleID uint64
}

// Open builds the Tree from an already-opened ObjectLayer. fresh must be
// the same value objectlayer.Open returned: true bootstraps an empty
// root directory, false loads the persisted inode table.
func Open(ol *objectlayer.ObjectLayer, fresh bool, log *logrus.Entry) (*Tree, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	t := &Tree{
		ol:            ol,
		log:           log.WithField("component", "vfs"),
		listings:      map[uint64]map[string]uint64{},
		dirtyListings: map[uint64]bool{},
		handles:       map[uint64]*Handle{},
		nextHandleID:  1,
	}

	if fresh {
		now := time.Now().Unix()
		tableObjID := ol.CreateObject()
		if tableObjID != inodeTableObjectID {
			return nil, xerrors.New(xerrors.ConfigCorrupt, "vfs.Open", "unexpected inode table object id")
		}
		rootObjID := ol.CreateObject()

		root := &Inode{ID: RootInodeID, Type: TypeDirectory, ObjectID: rootObjID, Mode: 0o755, Mtime: now, Atime: now, Ctime: now}
		t.inodes = map[uint64]*Inode{RootInodeID: root}
		t.nextInodeID = RootInodeID + 1
		t.listings[RootInodeID] = map[string]uint64{}
		t.dirtyListings[RootInodeID] = true
		t.metadataDirty = true

		ol.SetRootInodeID(RootInodeID)
		return t, nil
	}

	length, err := ol.Length(inodeTableObjectID)
	if err != nil {
		return nil, err
	}
	raw, err := ol.Read(inodeTableObjectID, 0, length)
	if err != nil {
		return nil, err
	}
	inodes, err := decodeInodeTable(raw)
	if err != nil {
		return nil, err
	}
	t.inodes = inodes
	maxID := uint64(0)
	for id := range inodes {
		if id > maxID {
			maxID = id
		}
	}
	t.nextInodeID = maxID + 1
	return t, nil
}

func (t *Tree) contentLock(objectID uint64) *sync.Mutex {
	v, _ := t.contentLocks.LoadOrStore(objectID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// loadListingLocked returns the in-memory listing for a directory
// inode, reading it from its backing object on first use. Caller holds
// t.mu (read or write).
func (t *Tree) loadListingLocked(dir *Inode) (map[string]uint64, error) {
	if listing, ok := t.listings[dir.ID]; ok {
		return listing, nil
	}
	length, err := t.ol.Length(dir.ObjectID)
	if err != nil {
		return nil, err
	}
	raw, err := t.ol.Read(dir.ObjectID, 0, length)
	if err != nil {
		return nil, err
	}
	listing, err := decodeDirListing(raw)
	if err != nil {
		return nil, err
	}
	t.listings[dir.ID] = listing
	return listing, nil
}

func (t *Tree) inodeLocked(id uint64) (*Inode, error) {
	inode, ok := t.inodes[id]
	if !ok {
		return nil, xerrors.New(xerrors.NotFound, "vfs.inode", "")
	}
	return inode, nil
}

func (t *Tree) dirLocked(id uint64) (*Inode, error) {
	inode, err := t.inodeLocked(id)
	if err != nil {
		return nil, err
	}
	if inode.Type != TypeDirectory {
		return nil, xerrors.New(xerrors.NotDirectory, "vfs.dir", "")
	}
	return inode, nil
}

// Lookup resolves one path component inside a directory.
func (t *Tree) Lookup(parentID uint64, name string) (uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	parent, err := t.dirLocked(parentID)
	if err != nil {
		return 0, err
	}
	listing, err := t.loadListingLocked(parent)
	if err != nil {
		return 0, err
	}
	id, ok := listing[name]
	if !ok {
		return 0, xerrors.New(xerrors.NotFound, "vfs.lookup", name)
	}
	return id, nil
}

// Stat returns a copy of an inode's metadata.
func (t *Tree) Stat(id uint64) (Inode, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	inode, err := t.inodeLocked(id)
	if err != nil {
		return Inode{}, err
	}
	return *inode, nil
}

// Readdir returns a lexicographically ordered snapshot of a directory's
// entries.
func (t *Tree) Readdir(dirID uint64) ([]DirEntry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	dir, err := t.dirLocked(dirID)
	if err != nil {
		return nil, err
	}
	listing, err := t.loadListingLocked(dir)
	if err != nil {
		return nil, err
	}
	return sortedEntries(listing), nil
}

// Create makes a new, empty file inode in parentID named name.
func (t *Tree) Create(parentID uint64, name string, mode uint32) (uint64, error) {
	if err := validateName(name); err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	parent, err := t.dirLocked(parentID)
	if err != nil {
		return 0, err
	}
	listing, err := t.loadListingLocked(parent)
	if err != nil {
		return 0, err
	}
	if _, exists := listing[name]; exists {
		return 0, xerrors.New(xerrors.Exists, "vfs.create", name)
	}

	now := time.Now().Unix()
	objID := t.ol.CreateObject()
	id := t.nextInodeID
	t.nextInodeID++
	t.inodes[id] = &Inode{ID: id, Type: TypeFile, ObjectID: objID, Mode: mode, Mtime: now, Atime: now, Ctime: now}

	listing[name] = id
	t.dirtyListings[parentID] = true
	t.metadataDirty = true
	return id, nil
}

// Mkdir makes a new, empty directory inode in parentID named name.
func (t *Tree) Mkdir(parentID uint64, name string, mode uint32) (uint64, error) {
	if err := validateName(name); err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	parent, err := t.dirLocked(parentID)
	if err != nil {
		return 0, err
	}
	listing, err := t.loadListingLocked(parent)
	if err != nil {
		return 0, err
	}
	if _, exists := listing[name]; exists {
		return 0, xerrors.New(xerrors.Exists, "vfs.mkdir", name)
	}

	now := time.Now().Unix()
	objID := t.ol.CreateObject()
	id := t.nextInodeID
	t.nextInodeID++
	t.inodes[id] = &Inode{ID: id, Type: TypeDirectory, ObjectID: objID, Mode: mode, Mtime: now, Atime: now, Ctime: now}
	t.listings[id] = map[string]uint64{}
	t.dirtyListings[id] = true

	listing[name] = id
	t.dirtyListings[parentID] = true
	t.metadataDirty = true
	return id, nil
}

// OpenFile returns a new handle over an existing file inode.
func (t *Tree) OpenFile(inodeID uint64, writable bool) (*Handle, error) {
	t.mu.RLock()
	inode, err := t.inodeLocked(inodeID)
	t.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	if inode.Type == TypeDirectory {
		return nil, xerrors.New(xerrors.IsDirectory, "vfs.open", "")
	}

	t.handleMu.Lock()
	defer t.handleMu.Unlock()
	h := &Handle{ID: t.nextHandleID, InodeID: inodeID, ObjectID: inode.ObjectID, Writable: writable}
	t.nextHandleID++
	t.handles[h.ID] = h
	return h, nil
}

// CloseHandle releases a handle. Its content is already held in the
// object layer's in-memory buffer; nothing more to do until flush.
func (t *Tree) CloseHandle(handleID uint64) {
	t.handleMu.Lock()
	defer t.handleMu.Unlock()
	delete(t.handles, handleID)
}

func (t *Tree) handle(handleID uint64) (*Handle, error) {
	t.handleMu.Lock()
	defer t.handleMu.Unlock()
	h, ok := t.handles[handleID]
	if !ok {
		return nil, xerrors.New(xerrors.NotFound, "vfs.handle", "")
	}
	return h, nil
}

// Size returns a handle's current content length without reading it,
// for Stat calls that only need the byte count.
func (t *Tree) Size(handleID uint64) (uint64, error) {
	h, err := t.handle(handleID)
	if err != nil {
		return 0, err
	}
	return t.ol.Length(h.ObjectID)
}

// Read returns up to len bytes from a handle's object starting at off.
func (t *Tree) Read(handleID uint64, off uint64, length uint64) ([]byte, error) {
	h, err := t.handle(handleID)
	if err != nil {
		return nil, err
	}
	lock := t.contentLock(h.ObjectID)
	lock.Lock()
	defer lock.Unlock()
	return t.ol.Read(h.ObjectID, off, length)
}

// Write stores bytes at off through a handle, extending the file (and
// zero-filling any hole) if off+len(data) exceeds its current size.
func (t *Tree) Write(handleID uint64, off uint64, data []byte) error {
	h, err := t.handle(handleID)
	if err != nil {
		return err
	}
	if !h.Writable {
		return xerrors.New(xerrors.ReadOnly, "vfs.write", "")
	}
	lock := t.contentLock(h.ObjectID)
	lock.Lock()
	defer lock.Unlock()
	if err := t.ol.Write(h.ObjectID, off, data); err != nil {
		return err
	}

	t.mu.Lock()
	if inode, ok := t.inodes[h.InodeID]; ok {
		inode.Mtime = time.Now().Unix()
		t.metadataDirty = true
	}
	t.mu.Unlock()
	return nil
}

// Truncate resizes a handle's content to newLen, zero-filling on growth
// and discarding trailing bytes on shrink.
func (t *Tree) Truncate(handleID uint64, newLen uint64) error {
	h, err := t.handle(handleID)
	if err != nil {
		return err
	}
	if !h.Writable {
		return xerrors.New(xerrors.ReadOnly, "vfs.truncate", "")
	}
	lock := t.contentLock(h.ObjectID)
	lock.Lock()
	defer lock.Unlock()
	if err := t.ol.Truncate(h.ObjectID, newLen); err != nil {
		return err
	}

	t.mu.Lock()
	if inode, ok := t.inodes[h.InodeID]; ok {
		inode.Mtime = time.Now().Unix()
		t.metadataDirty = true
	}
	t.mu.Unlock()
	return nil
}

// Unlink removes a file inode from its parent directory, freeing its
// backing object once no directory references it.
func (t *Tree) Unlink(parentID uint64, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	parent, err := t.dirLocked(parentID)
	if err != nil {
		return err
	}
	listing, err := t.loadListingLocked(parent)
	if err != nil {
		return err
	}
	id, ok := listing[name]
	if !ok {
		return xerrors.New(xerrors.NotFound, "vfs.unlink", name)
	}
	target := t.inodes[id]
	if target.Type == TypeDirectory {
		return xerrors.New(xerrors.IsDirectory, "vfs.unlink", name)
	}

	delete(listing, name)
	t.destroyInodeLocked(target)
	t.dirtyListings[parentID] = true
	t.metadataDirty = true
	return nil
}

// Rmdir removes an empty directory inode from its parent.
func (t *Tree) Rmdir(parentID uint64, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	parent, err := t.dirLocked(parentID)
	if err != nil {
		return err
	}
	listing, err := t.loadListingLocked(parent)
	if err != nil {
		return err
	}
	id, ok := listing[name]
	if !ok {
		return xerrors.New(xerrors.NotFound, "vfs.rmdir", name)
	}
	target := t.inodes[id]
	if target.Type != TypeDirectory {
		return xerrors.New(xerrors.NotDirectory, "vfs.rmdir", name)
	}
	targetListing, err := t.loadListingLocked(target)
	if err != nil {
		return err
	}
	if len(targetListing) > 0 {
		return xerrors.New(xerrors.NotEmpty, "vfs.rmdir", name)
	}

	delete(listing, name)
	delete(t.listings, id)
	delete(t.dirtyListings, id)
	t.destroyInodeLocked(target)
	t.dirtyListings[parentID] = true
	t.metadataDirty = true
	return nil
}

// Rename atomically moves an entry, overwriting an existing destination
// file or empty directory if present.
func (t *Tree) Rename(srcParentID uint64, srcName string, dstParentID uint64, dstName string) error {
	if err := validateName(dstName); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	srcParent, err := t.dirLocked(srcParentID)
	if err != nil {
		return err
	}
	dstParent, err := t.dirLocked(dstParentID)
	if err != nil {
		return err
	}
	srcListing, err := t.loadListingLocked(srcParent)
	if err != nil {
		return err
	}
	id, ok := srcListing[srcName]
	if !ok {
		return xerrors.New(xerrors.NotFound, "vfs.rename", srcName)
	}
	dstListing, err := t.loadListingLocked(dstParent)
	if err != nil {
		return err
	}

	src := t.inodes[id]

	if existingID, exists := dstListing[dstName]; exists {
		existing := t.inodes[existingID]
		if existing.Type != src.Type {
			return xerrors.New(xerrors.TypeMismatch, "vfs.rename", dstName)
		}
		if existing.Type == TypeDirectory {
			existingListing, err := t.loadListingLocked(existing)
			if err != nil {
				return err
			}
			if len(existingListing) > 0 {
				return xerrors.New(xerrors.NotEmpty, "vfs.rename", dstName)
			}
			delete(t.listings, existingID)
			delete(t.dirtyListings, existingID)
		}
		t.destroyInodeLocked(existing)
	}

	delete(srcListing, srcName)
	dstListing[dstName] = id
	t.dirtyListings[srcParentID] = true
	t.dirtyListings[dstParentID] = true
	t.metadataDirty = true
	return nil
}

// destroyInodeLocked drops an inode and frees its backing object. Caller
// holds t.mu for writing.
func (t *Tree) destroyInodeLocked(inode *Inode) {
	t.ol.Destroy(inode.ObjectID)
	delete(t.inodes, inode.ID)
}

// PreFlush serializes every dirty directory listing and, if any inode
// metadata changed, the inode table itself, writing them into their
// backing objects so the flusher's call to ObjectLayer.PrepareFlush sees
// them as ordinary dirty objects. It holds t.mu for writing for its whole
// run, so directory and inode-table mutations cannot interleave with it;
// the flusher's draining flag only keeps two flushes from overlapping.
func (t *Tree) PreFlush() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for dirID := range t.dirtyListings {
		inode, ok := t.inodes[dirID]
		if !ok {
			continue // destroyed since being marked dirty
		}
		listing := t.listings[dirID]
		encoded := encodeDirListing(listing)
		if err := t.ol.Truncate(inode.ObjectID, 0); err != nil {
			return err
		}
		if err := t.ol.Write(inode.ObjectID, 0, encoded); err != nil {
			return err
		}
	}
	t.dirtyListings = map[uint64]bool{}

	if t.metadataDirty {
		encoded := encodeInodeTable(t.inodes)
		if err := t.ol.Truncate(inodeTableObjectID, 0); err != nil {
			return err
		}
		if err := t.ol.Write(inodeTableObjectID, 0, encoded); err != nil {
			return err
		}
		t.metadataDirty = false
	}
	return nil
}
