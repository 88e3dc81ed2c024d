package objectlayer

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/quark-zju/x79d8/internal/xerrors"
)

// shardIndexEntry locates one small object's bytes inside a shard block's
// payload, after the index itself.
type shardIndexEntry struct {
	ObjectID uint64
	Offset   uint32
	Length   uint32
}

// shardIndexEntrySize is the encoded size of one shardIndexEntry; the
// 4-byte entry count header is added separately by encodeShard when it
// decides whether a new object fits.
const shardIndexEntrySize = 8 + 4 + 4

// encodeShard packs objects (in a stable, object_id order) into one
// shard-block payload: a mini index of (object_id, offset, length)
// triples, followed by the concatenated content. Returns nil if the
// content does not fit in payloadSize bytes.
func encodeShard(objects map[uint64][]byte, payloadSize int) []byte {
	ids := make([]uint64, 0, len(objects))
	for id := range objects {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	indexSize := 4 + len(ids)*shardIndexEntrySize
	total := indexSize
	for _, id := range ids {
		total += len(objects[id])
	}
	if total > payloadSize {
		return nil
	}

	buf := make([]byte, 0, total)
	var tmp [8]byte
	binary.LittleEndian.PutUint32(tmp[:4], uint32(len(ids)))
	buf = append(buf, tmp[:4]...)

	offset := uint32(indexSize)
	for _, id := range ids {
		content := objects[id]
		binary.LittleEndian.PutUint64(tmp[:], id)
		buf = append(buf, tmp[:]...)
		binary.LittleEndian.PutUint32(tmp[:4], offset)
		buf = append(buf, tmp[:4]...)
		binary.LittleEndian.PutUint32(tmp[:4], uint32(len(content)))
		buf = append(buf, tmp[:4]...)
		offset += uint32(len(content))
	}
	for _, id := range ids {
		buf = append(buf, objects[id]...)
	}
	return buf
}

// decodeShard parses a shard block's mini index. Callers slice payload
// themselves using the returned offsets to recover an object's bytes.
func decodeShard(payload []byte) ([]shardIndexEntry, error) {
	r := bytes.NewReader(payload)
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, xerrors.New(xerrors.CorruptBlock, "objectlayer.decodeShard", "")
	}

	entries := make([]shardIndexEntry, count)
	for i := range entries {
		if err := binary.Read(r, binary.LittleEndian, &entries[i].ObjectID); err != nil {
			return nil, xerrors.New(xerrors.CorruptBlock, "objectlayer.decodeShard", "")
		}
		if err := binary.Read(r, binary.LittleEndian, &entries[i].Offset); err != nil {
			return nil, xerrors.New(xerrors.CorruptBlock, "objectlayer.decodeShard", "")
		}
		if err := binary.Read(r, binary.LittleEndian, &entries[i].Length); err != nil {
			return nil, xerrors.New(xerrors.CorruptBlock, "objectlayer.decodeShard", "")
		}
	}
	return entries, nil
}

// shardObjectBytes extracts one object's content from a decoded shard
// block payload, or reports ok=false if the shard does not hold it.
func shardObjectBytes(payload []byte, entries []shardIndexEntry, objectID uint64) ([]byte, bool) {
	for _, e := range entries {
		if e.ObjectID == objectID {
			end := int(e.Offset) + int(e.Length)
			if end > len(payload) {
				return nil, false
			}
			return payload[e.Offset:end], true
		}
	}
	return nil, false
}
