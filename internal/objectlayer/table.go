package objectlayer

import (
	"bytes"
	"encoding/binary"

	"github.com/quark-zju/x79d8/internal/xerrors"
)

// allocEntry is one allocation-table row: where an object's bytes live.
// Shard==true means BlockIDs holds exactly one id, a shard block whose
// mini-index (see shard.go) locates this object's bytes within it; for a
// large object BlockIDs is the full ordered chain of whole blocks backing
// it, the last one partially filled per Length.
type allocEntry struct {
	BlockIDs []uint64
	Length   uint64
	Shard    bool
}

// encodeTable serializes the whole allocation table (keyed by object_id)
// to a flat byte slice. This, not an incremental patch format, is what
// gets chained across blocks and rewritten wholesale on every flush,
// rather than trying to patch a persisted B-tree in place.
func encodeTable(table map[uint64]*allocEntry) []byte {
	var buf bytes.Buffer
	var tmp [8]byte

	binary.LittleEndian.PutUint64(tmp[:], uint64(len(table)))
	buf.Write(tmp[:])

	for objectID, entry := range table {
		binary.LittleEndian.PutUint64(tmp[:], objectID)
		buf.Write(tmp[:])

		if entry.Shard {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}

		binary.LittleEndian.PutUint32(tmp[:4], uint32(len(entry.BlockIDs)))
		buf.Write(tmp[:4])
		for _, id := range entry.BlockIDs {
			binary.LittleEndian.PutUint64(tmp[:], id)
			buf.Write(tmp[:])
		}

		binary.LittleEndian.PutUint64(tmp[:], entry.Length)
		buf.Write(tmp[:])
	}

	return buf.Bytes()
}

func decodeTable(data []byte) (map[uint64]*allocEntry, error) {
	r := bytes.NewReader(data)
	corrupt := func() (map[uint64]*allocEntry, error) {
		return nil, xerrors.New(xerrors.ConfigCorrupt, "objectlayer.decodeTable", "")
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

	table := make(map[uint64]*allocEntry, count)
	for i := uint64(0); i < count; i++ {
		objectID, ok := readU64()
		if !ok {
			return corrupt()
		}
		shardByte, err := r.ReadByte()
		if err != nil {
			return corrupt()
		}
		nIDs, ok := readU32()
		if !ok {
			return corrupt()
		}
		blockIDs := make([]uint64, nIDs)
		for j := range blockIDs {
			if blockIDs[j], ok = readU64(); !ok {
				return corrupt()
			}
		}
		length, ok := readU64()
		if !ok {
			return corrupt()
		}
		table[objectID] = &allocEntry{
			BlockIDs: blockIDs,
			Length:   length,
			Shard:    shardByte == 1,
		}
	}
	return table, nil
}

// chainSplit slices data into payloadSize-sized pieces for writing across a
// chain of whole blocks; the last piece may be shorter.
func chainSplit(data []byte, payloadSize int) [][]byte {
	if len(data) == 0 {
		return [][]byte{{}}
	}
	var pieces [][]byte
	for off := 0; off < len(data); off += payloadSize {
		end := off + payloadSize
		if end > len(data) {
			end = len(data)
		}
		pieces = append(pieces, data[off:end])
	}
	return pieces
}
