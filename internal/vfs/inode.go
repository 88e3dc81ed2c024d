// Package vfs implements inode/directory semantics over the object
// layer. A Tree owns the inode table and every directory listing; the
// FTP bridge never touches object ids or blocks directly.
package vfs

import (
	"bytes"
	"encoding/binary"

	"github.com/quark-zju/x79d8/internal/xerrors"
)

// Type is an inode's kind.
type Type byte

const (
	TypeFile Type = iota
	TypeDirectory
	TypeSymlink
)

// RootInodeID is always 1, assigned during bootstrap of a fresh store.
const RootInodeID uint64 = 1

// inodeTableObjectID is the well-known object id holding the encoded
// inode table. Bootstrap on a fresh store allocates it as the very
// first object after object 1 (the allocation table, owned by
// objectlayer), so it is always object id 2.
const inodeTableObjectID uint64 = 2

// Inode is a file, directory, or (reserved, unimplemented) symlink.
type Inode struct {
	ID       uint64
	Type     Type
	ObjectID uint64 // file content, or directory-listing object
	Mode     uint32
	Mtime    int64
	Atime    int64
	Ctime    int64
}

func encodeInodeTable(inodes map[uint64]*Inode) []byte {
	var buf bytes.Buffer
	var tmp [8]byte

	binary.LittleEndian.PutUint64(tmp[:], uint64(len(inodes)))
	buf.Write(tmp[:])

	for id, inode := range inodes {
		binary.LittleEndian.PutUint64(tmp[:], id)
		buf.Write(tmp[:])
		buf.WriteByte(byte(inode.Type))
		binary.LittleEndian.PutUint64(tmp[:], inode.ObjectID)
		buf.Write(tmp[:])
		binary.LittleEndian.PutUint32(tmp[:4], inode.Mode)
		buf.Write(tmp[:4])
		binary.LittleEndian.PutUint64(tmp[:], uint64(inode.Mtime))
		buf.Write(tmp[:])
		binary.LittleEndian.PutUint64(tmp[:], uint64(inode.Atime))
		buf.Write(tmp[:])
		binary.LittleEndian.PutUint64(tmp[:], uint64(inode.Ctime))
		buf.Write(tmp[:])
	}
	return buf.Bytes()
}

func decodeInodeTable(data []byte) (map[uint64]*Inode, error) {
	r := bytes.NewReader(data)
	corrupt := func() (map[uint64]*Inode, error) {
		return nil, xerrors.New(xerrors.ConfigCorrupt, "vfs.decodeInodeTable", "")
	}
	readU64 := func() (uint64, bool) {
		var v uint64
		if binary.Read(r, binary.LittleEndian, &v) != nil {
			return 0, false
		}
		return v, true
	}
	readU32 := func() (uint32, bool) {
		var v uint32
		if binary.Read(r, binary.LittleEndian, &v) != nil {
			return 0, false
		}
		return v, true
	}

	count, ok := readU64()
	if !ok {
		return corrupt()
	}
	inodes := make(map[uint64]*Inode, count)
	for i := uint64(0); i < count; i++ {
		id, ok := readU64()
		if !ok {
			return corrupt()
		}
		typeByte, err := r.ReadByte()
		if err != nil {
			return corrupt()
		}
		objectID, ok := readU64()
		if !ok {
			return corrupt()
		}
		mode, ok := readU32()
		if !ok {
			return corrupt()
		}
		mtime, ok := readU64()
		if !ok {
			return corrupt()
		}
		atime, ok := readU64()
		if !ok {
			return corrupt()
		}
		ctime, ok := readU64()
		if !ok {
			return corrupt()
		}
		inodes[id] = &Inode{
			ID:       id,
			Type:     Type(typeByte),
			ObjectID: objectID,
			Mode:     mode,
			Mtime:    int64(mtime),
			Atime:    int64(atime),
			Ctime:    int64(ctime),
		}
	}
	return inodes, nil
}
