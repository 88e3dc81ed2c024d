package vfs

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"
	"strings"

	"github.com/quark-zju/x79d8/internal/xerrors"
)

// validateName rejects the entry names a directory listing
// invariant forbids: empty, containing "/" or NUL, or "." / "..".
func validateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return xerrors.New(xerrors.NotFound, "vfs.validateName", name)
	}
	if strings.ContainsRune(name, '/') || strings.ContainsRune(name, 0) {
		return xerrors.New(xerrors.NotFound, "vfs.validateName", name)
	}
	return nil
}

// encodeDirListing serializes a directory's name→inode_id mapping in
// lexicographic name order, matching readdir's required ordering.
func encodeDirListing(entries map[string]uint64) []byte {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	var tmp [8]byte
	binary.LittleEndian.PutUint32(tmp[:4], uint32(len(names)))
	buf.Write(tmp[:4])
	for _, name := range names {
		binary.LittleEndian.PutUint32(tmp[:4], uint32(len(name)))
		buf.Write(tmp[:4])
		buf.WriteString(name)
		binary.LittleEndian.PutUint64(tmp[:], entries[name])
		buf.Write(tmp[:])
	}
	return buf.Bytes()
}

func decodeDirListing(data []byte) (map[string]uint64, error) {
	r := bytes.NewReader(data)
	corrupt := func() (map[string]uint64, error) {
		return nil, xerrors.New(xerrors.ConfigCorrupt, "vfs.decodeDirListing", "")
	}

	var count uint32
	if binary.Read(r, binary.LittleEndian, &count) != nil {
		return corrupt()
	}
	entries := make(map[string]uint64, count)
	for i := uint32(0); i < count; i++ {
		var nameLen uint32
		if binary.Read(r, binary.LittleEndian, &nameLen) != nil {
			return corrupt()
		}
		nameBytes := make([]byte, nameLen)
		if _, err := io.ReadFull(r, nameBytes); err != nil {
			return corrupt()
		}
		var inodeID uint64
		if binary.Read(r, binary.LittleEndian, &inodeID) != nil {
			return corrupt()
		}
		entries[string(nameBytes)] = inodeID
	}
	return entries, nil
}

// DirEntry is one row of a readdir snapshot.
type DirEntry struct {
	Name    string
	InodeID uint64
}

func sortedEntries(listing map[string]uint64) []DirEntry {
	out := make([]DirEntry, 0, len(listing))
	for name, id := range listing {
		out = append(out, DirEntry{Name: name, InodeID: id})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
