package flusher

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/quark-zju/x79d8/internal/blockcodec"
)

// minBlocksForParallel is the point below which spinning up worker
// goroutines costs more than it saves.
const minBlocksForParallel = 4

// encryptBlocksParallel runs codec.EncryptBlock over every payload in a
// flush plan, fanning out across a worker pool once a flush touches
// enough blocks to make that worthwhile. Adapted from this repository's
// own chunk-level encryption worker pool, generalized from per-file
// chunks to a flush's whole block set.
func encryptBlocksParallel(codec *blockcodec.Codec, payloads map[uint64][]byte, maxWorkers int) (map[uint64][]byte, error) {
	if len(payloads) == 0 {
		return nil, nil
	}
	ids := make([]uint64, 0, len(payloads))
	for id := range payloads {
		ids = append(ids, id)
	}
	out := make(map[uint64][]byte, len(payloads))

	if len(ids) < minBlocksForParallel {
		for _, id := range ids {
			enc, err := codec.EncryptBlock(id, payloads[id])
			if err != nil {
				return nil, err
			}
			out[id] = enc
		}
		return out, nil
	}

	if maxWorkers <= 0 {
		maxWorkers = runtime.NumCPU()
	}
	if maxWorkers > len(ids) {
		maxWorkers = len(ids)
	}

	jobs := make(chan uint64, len(ids))
	errs := make(chan error, maxWorkers)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for w := 0; w < maxWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					select {
					case errs <- fmt.Errorf("panic in block encryption worker: %v", r):
					default:
					}
				}
			}()
			for id := range jobs {
				enc, err := codec.EncryptBlock(id, payloads[id])
				if err != nil {
					select {
					case errs <- err:
					default:
					}
					return
				}
				mu.Lock()
				out[id] = enc
				mu.Unlock()
			}
		}()
	}

	for _, id := range ids {
		jobs <- id
	}
	close(jobs)
	wg.Wait()
	close(errs)

	select {
	case err := <-errs:
		return nil, err
	default:
		return out, nil
	}
}
