package objectlayer

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/quark-zju/x79d8/internal/xerrors"
)

// superblockBlockID is the well-known block holding the superblock; it is
// always encrypted and decrypted like any other block.
const superblockBlockID uint64 = 0

// formatVersion tags the on-disk layout so a future incompatible change
// can refuse to open an old store instead of silently misreading it.
const formatVersion uint32 = 1

// superblock is the root of all metadata: it tells a freshly opened store
// which blocks hold the allocation table (resolving the table's chicken-
// and-egg dependency on itself, see objectlayer.go's doc comment) and
// which inode is the root directory.
type superblock struct {
	Version        uint32
	RootInodeID    uint64
	AllocTableIDs  []uint64
	AllocTableLen  uint64
	NextObjectID   uint64
}

func (s *superblock) encode() []byte {
	var buf bytes.Buffer
	var tmp [8]byte

	binary.LittleEndian.PutUint32(tmp[:4], s.Version)
	buf.Write(tmp[:4])
	binary.LittleEndian.PutUint64(tmp[:], s.RootInodeID)
	buf.Write(tmp[:])
	binary.LittleEndian.PutUint64(tmp[:], uint64(len(s.AllocTableIDs)))
	buf.Write(tmp[:])
	for _, id := range s.AllocTableIDs {
		binary.LittleEndian.PutUint64(tmp[:], id)
		buf.Write(tmp[:])
	}
	binary.LittleEndian.PutUint64(tmp[:], s.AllocTableLen)
	buf.Write(tmp[:])
	binary.LittleEndian.PutUint64(tmp[:], s.NextObjectID)
	buf.Write(tmp[:])

	return buf.Bytes()
}

func decodeSuperblock(data []byte) (*superblock, error) {
	r := bytes.NewReader(data)
	s := &superblock{}

	var u32 uint32
	if err := binary.Read(r, binary.LittleEndian, &u32); err != nil {
		return nil, xerrors.New(xerrors.ConfigCorrupt, "superblock.decode", "")
	}
	s.Version = u32
	if s.Version != formatVersion {
		return nil, xerrors.New(xerrors.ConfigCorrupt, "superblock.decode", fmt.Sprintf("unsupported version %d", s.Version))
	}

	readU64 := func() (uint64, error) {
		var v uint64
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return 0, xerrors.New(xerrors.ConfigCorrupt, "superblock.decode", "")
		}
		return v, nil
	}

	var err error
	if s.RootInodeID, err = readU64(); err != nil {
		return nil, err
	}
	n, err := readU64()
	if err != nil {
		return nil, err
	}
	s.AllocTableIDs = make([]uint64, n)
	for i := range s.AllocTableIDs {
		if s.AllocTableIDs[i], err = readU64(); err != nil {
			return nil, err
		}
	}
	if s.AllocTableLen, err = readU64(); err != nil {
		return nil, err
	}
	if s.NextObjectID, err = readU64(); err != nil {
		return nil, err
	}
	return s, nil
}
