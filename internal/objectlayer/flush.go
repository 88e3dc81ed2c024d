package objectlayer

import "sort"

// FlushPlan is the result of PrepareFlush: every block payload that needs
// to be written, and every block id that becomes free once the plan is
// committed. The flusher is responsible for getting BlockPayloads
// into the WAL and then the block store atomically; ObjectLayer never
// touches wal or blockstore.Store.Write directly.
type FlushPlan struct {
	BlockPayloads map[uint64][]byte
	FreeBlocks    []uint64
}

// PrepareFlush computes the block layout for every object touched since
// the last flush, without writing anything. It returns (nil, nil) if
// nothing is dirty.
//
// The allocation table is object 1, so placing it is the same chain
// bookkeeping as any large object, except its own row must describe the
// very block ids it is about to be written to. A zero iteration count
// would be circular; the fixed point is reached in one extra pass because
// a uint64 block id placeholder and a uint64 real block id encode to the
// same number of bytes, so swapping placeholders for real ids never
// changes which block boundary any byte falls on.
func (ol *ObjectLayer) PrepareFlush() (*FlushPlan, error) {
	ol.mu.Lock()
	defer ol.mu.Unlock()

	if len(ol.dirty) == 0 && len(ol.destroyed) == 0 {
		return nil, nil
	}

	payloadSize := ol.codec.PayloadSize()
	plan := &FlushPlan{BlockPayloads: map[uint64][]byte{}}
	freed := map[uint64]bool{}

	touchedShards := map[uint64]bool{}
	newSmall := []uint64{}

	for id := range ol.dirty {
		buf := ol.buffers[id]
		old := ol.table[id]
		small := len(buf) < ol.shardThreshold

		if small {
			if old != nil && old.Shard {
				touchedShards[old.BlockIDs[0]] = true
			} else {
				newSmall = append(newSmall, id)
				if old != nil {
					for _, bid := range old.BlockIDs {
						freed[bid] = true
					}
				}
			}
			continue
		}

		// Large object: always reallocate its chain, freeing the old one.
		if old != nil {
			if old.Shard {
				touchedShards[old.BlockIDs[0]] = true
			} else {
				for _, bid := range old.BlockIDs {
					freed[bid] = true
				}
			}
		}
		pieces := chainSplit(buf, payloadSize)
		ids := make([]uint64, len(pieces))
		for i, piece := range pieces {
			ids[i] = ol.store.Allocate()
			plan.BlockPayloads[ids[i]] = padToSize(piece, payloadSize)
		}
		ol.table[id] = &allocEntry{BlockIDs: ids, Length: uint64(len(buf))}
	}

	for id := range ol.destroyed {
		old := ol.preFlushEntries[id]
		if old == nil {
			continue
		}
		if old.Shard {
			touchedShards[old.BlockIDs[0]] = true
		} else {
			for _, bid := range old.BlockIDs {
				freed[bid] = true
			}
		}
	}

	if err := ol.repackShards(touchedShards, newSmall, plan, freed); err != nil {
		return nil, err
	}

	if err := ol.rebuildTable(plan, freed); err != nil {
		return nil, err
	}

	sb := &superblock{
		Version:       formatVersion,
		RootInodeID:   ol.rootInodeID,
		AllocTableIDs: ol.table[allocTableObjectID].BlockIDs,
		AllocTableLen: ol.table[allocTableObjectID].Length,
		NextObjectID:  ol.nextObjectID,
	}
	plan.BlockPayloads[superblockBlockID] = padToSize(sb.encode(), payloadSize)

	for bid := range freed {
		plan.FreeBlocks = append(plan.FreeBlocks, bid)
	}
	sort.Slice(plan.FreeBlocks, func(i, j int) bool { return plan.FreeBlocks[i] < plan.FreeBlocks[j] })

	return plan, nil
}

// repackShards rewrites every shard block that lost or gained a member
// this flush, and places brand-new small objects using first-fit over
// shard blocks already touched this flush before allocating a new one.
// A brand-new small object is never placed into a shard block that
// nothing else touched this round; that would require scanning every
// shard block in the table on every flush. Mild fragmentation from this
// is bounded since a shard with free space keeps getting first-fit
// candidates as soon as anything else in it changes.
func (ol *ObjectLayer) repackShards(touchedShards map[uint64]bool, newSmall []uint64, plan *FlushPlan, freed map[uint64]bool) error {
	payloadSize := ol.codec.PayloadSize()
	contents := map[uint64]map[uint64][]byte{}

	for bid := range touchedShards {
		payload, err := ol.readBlock(bid)
		if err != nil {
			return err
		}
		idx, err := decodeShard(payload)
		if err != nil {
			return err
		}
		members := map[uint64][]byte{}
		for _, e := range idx {
			if ol.destroyed[e.ObjectID] {
				continue
			}
			if entry, ok := ol.table[e.ObjectID]; ok && entry.Shard && entry.BlockIDs[0] == bid {
				if buf, ok := ol.buffers[e.ObjectID]; ok {
					members[e.ObjectID] = buf
				} else {
					content, _ := shardObjectBytes(payload, idx, e.ObjectID)
					dup := make([]byte, len(content))
					copy(dup, content)
					members[e.ObjectID] = dup
				}
			}
		}
		contents[bid] = members
	}

	shardIDs := make([]uint64, 0, len(contents))
	for bid := range contents {
		shardIDs = append(shardIDs, bid)
	}
	sort.Slice(shardIDs, func(i, j int) bool { return shardIDs[i] < shardIDs[j] })

	for _, id := range newSmall {
		buf := ol.buffers[id]
		placed := false
		for _, bid := range shardIDs {
			candidate := map[uint64][]byte{id: buf}
			for k, v := range contents[bid] {
				candidate[k] = v
			}
			if encodeShard(candidate, payloadSize) != nil {
				contents[bid] = candidate
				touchedShards[bid] = true
				placed = true
				break
			}
		}
		if !placed {
			bid := ol.store.Allocate()
			contents[bid] = map[uint64][]byte{id: buf}
			touchedShards[bid] = true
			shardIDs = append(shardIDs, bid)
		}
	}

	for bid := range touchedShards {
		members := contents[bid]
		if len(members) == 0 {
			freed[bid] = true
			continue
		}
		encoded := encodeShard(members, payloadSize)
		plan.BlockPayloads[bid] = padToSize(encoded, payloadSize)
		for objID, content := range members {
			ol.table[objID] = &allocEntry{BlockIDs: []uint64{bid}, Length: uint64(len(content)), Shard: true}
		}
	}
	return nil
}

// rebuildTable serializes the allocation table (excluding destroyed
// object ids, which were already dropped from ol.table by Destroy) and
// places it across a block chain, resolving the table's self-reference.
func (ol *ObjectLayer) rebuildTable(plan *FlushPlan, freed map[uint64]bool) error {
	payloadSize := ol.codec.PayloadSize()
	prevIDs := []uint64{}
	if entry, ok := ol.table[allocTableObjectID]; ok {
		prevIDs = entry.BlockIDs
	}

	guess := len(prevIDs)
	if guess == 0 {
		guess = 1
	}

	var serialized []byte
	for iter := 0; iter < 6; iter++ {
		placeholder := make([]uint64, guess)
		ol.table[allocTableObjectID] = &allocEntry{BlockIDs: placeholder}
		serialized = encodeTable(ol.table)
		pieces := chainSplit(serialized, payloadSize)
		if len(pieces) == guess {
			break
		}
		guess = len(pieces)
	}

	newIDs := make([]uint64, guess)
	for i := 0; i < guess; i++ {
		if i < len(prevIDs) {
			newIDs[i] = prevIDs[i]
		} else {
			newIDs[i] = ol.store.Allocate()
		}
	}
	for i := guess; i < len(prevIDs); i++ {
		freed[prevIDs[i]] = true
	}

	ol.table[allocTableObjectID] = &allocEntry{BlockIDs: newIDs, Length: uint64(len(serialized))}
	// Re-serialize with the table's own final entry in place; byte length
	// is unchanged from the placeholder pass (same block-id count), so the
	// chain split below still has exactly `guess` pieces.
	serialized = encodeTable(ol.table)
	pieces := chainSplit(serialized, payloadSize)
	for i, piece := range pieces {
		plan.BlockPayloads[newIDs[i]] = padToSize(piece, payloadSize)
	}
	return nil
}

// CommitFlush updates in-memory bookkeeping after the flusher has
// durably applied plan via the WAL and block store. Block ids in
// plan.FreeBlocks are released here, not in PrepareFlush, since they
// must stay allocated (and thus never reused) until the WAL/store commit
// that stops referencing them has actually landed.
func (ol *ObjectLayer) CommitFlush(plan *FlushPlan) {
	ol.mu.Lock()
	defer ol.mu.Unlock()

	for _, bid := range plan.FreeBlocks {
		ol.store.Free(bid)
	}
	for id := range ol.dirty {
		delete(ol.dirty, id)
	}
	ol.destroyed = map[uint64]bool{}
	ol.preFlushEntries = map[uint64]*allocEntry{}
}

func padToSize(data []byte, size int) []byte {
	if len(data) == size {
		return data
	}
	out := make([]byte, size)
	copy(out, data)
	return out
}
