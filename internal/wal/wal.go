// Package wal implements an append-only redo log that makes
// multi-block flush groups crash-atomic. A group is one or more block
// records followed by a commit marker carrying a checksum over the group;
// on open, any complete group left behind by a crash is replayed into the
// block store and any trailing partial group is discarded as a benign torn
// tail; recovery always re-runs the checkpoint unconditionally on open
// rather than trying to detect whether one is needed.
package wal

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/quark-zju/x79d8/internal/blockcodec"
	"github.com/quark-zju/x79d8/internal/blockstore"
	"github.com/quark-zju/x79d8/internal/xerrors"
)

const (
	recordBlock  byte = 0x01
	recordCommit byte = 0x02
)

const fileName = "wal"

// WAL sits above the block store. Its AppendGroup/Checkpoint pair is the
// only code path that is allowed to touch multiple blocks in one logical
// transaction; the flusher is its sole caller and owns serializing
// calls into it, matching the "WAL append path is single-threaded" rule.
type WAL struct {
	path   string
	codec  *blockcodec.Codec
	store  *blockstore.Store
	log    *logrus.Entry
	nextLSN uint64

	mu sync.Mutex
}

// Open returns a WAL rooted at dir/wal, replaying and truncating any
// committed group left over from a prior crash before returning.
func Open(dir string, codec *blockcodec.Codec, store *blockstore.Store, log *logrus.Entry) (*WAL, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	w := &WAL{
		path:  filepath.Join(dir, fileName),
		codec: codec,
		store: store,
		log:   log.WithField("component", "wal"),
	}

	if err := w.recoverOnOpen(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *WAL) recoverOnOpen() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return xerrors.Wrap(xerrors.IoError, "wal.recover", w.path, err)
	}
	if len(data) == 0 {
		return nil
	}

	w.log.Info("re-committing WAL left over from a previous run")
	groups, err := parseGroups(data)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if err := w.applyGroup(g); err != nil {
			return err
		}
	}
	return w.truncate()
}

// group is one parsed, checksum-verified flush transaction.
type group struct {
	lsn     uint64
	records []blockRecord
}

type blockRecord struct {
	blockID    uint64
	ciphertext []byte
}

// parseGroups scans the WAL's binary framing and returns every complete,
// checksum-valid group. A trailing run of bytes that doesn't form a full
// record is a torn tail and is silently dropped. A run of bytes that
// parses as a record but carries a bad magic byte or a commit whose
// checksum doesn't match its buffered records is WalCorrupt — that is
// mid-log corruption, not a torn write, and recovery must not paper over
// it by guessing.
func parseGroups(data []byte) ([]group, error) {
	var groups []group
	var pending []blockRecord
	r := bytes.NewReader(data)

records:
	for {
		tag, err := r.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, xerrors.New(xerrors.WalCorrupt, "wal.parse", "")
		}

		lsn, ok := readUint64(r)
		if !ok {
			// Not enough bytes left for even the lsn field: torn tail.
			break
		}

		switch tag {
		case recordBlock:
			blockID, ok := readUint64(r)
			if !ok {
				break records
			}
			n, ok := readUint32(r)
			if !ok {
				break records
			}
			buf := make([]byte, n)
			if _, err := io.ReadFull(r, buf); err != nil {
				// Declared length exceeds remaining bytes: torn tail.
				break records
			}
			pending = append(pending, blockRecord{blockID: blockID, ciphertext: buf})

		case recordCommit:
			count, ok := readUint32(r)
			if !ok {
				break records
			}
			checksum := make([]byte, sha256.Size)
			if _, err := io.ReadFull(r, checksum); err != nil {
				break records
			}
			if int(count) != len(pending) {
				return nil, xerrors.New(xerrors.WalCorrupt, "wal.parse", "commit count mismatch")
			}
			if !bytes.Equal(checksum, groupChecksum(lsn, pending)) {
				return nil, xerrors.New(xerrors.WalCorrupt, "wal.parse", "commit checksum mismatch")
			}
			groups = append(groups, group{lsn: lsn, records: pending})
			pending = nil

		default:
			return nil, xerrors.New(xerrors.WalCorrupt, "wal.parse", "bad record tag")
		}
	}

	// A group with buffered block records but no trailing commit marker
	// means the process died mid-append: a benign torn tail, discarded.
	return groups, nil
}

func readUint64(r *bytes.Reader) (uint64, bool) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, false
	}
	return binary.LittleEndian.Uint64(buf[:]), true
}

func readUint32(r *bytes.Reader) (uint32, bool) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, false
	}
	return binary.LittleEndian.Uint32(buf[:]), true
}

func groupChecksum(lsn uint64, records []blockRecord) []byte {
	h := sha256.New()
	var lsnBuf [8]byte
	binary.LittleEndian.PutUint64(lsnBuf[:], lsn)
	h.Write(lsnBuf[:])
	for _, rec := range records {
		var idBuf [8]byte
		binary.LittleEndian.PutUint64(idBuf[:], rec.blockID)
		h.Write(idBuf[:])
		h.Write(rec.ciphertext)
	}
	return h.Sum(nil)
}

// AppendGroup writes plaintext payloads (keyed by block id) to the WAL as
// one committed transaction, fsyncs, and returns the group's lsn. Callers
// apply the same mutation to the block store and then call Checkpoint.
func (w *WAL) AppendGroup(payloads map[uint64][]byte) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	lsn := atomic.AddUint64(&w.nextLSN, 1)

	ids := make([]uint64, 0, len(payloads))
	for id := range payloads {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var lsnBuf [8]byte
	binary.LittleEndian.PutUint64(lsnBuf[:], lsn)

	var buf bytes.Buffer
	records := make([]blockRecord, 0, len(ids))
	for _, id := range ids {
		ciphertext, err := w.codec.EncryptWithSeed(lsnBuf[:], id, payloads[id])
		if err != nil {
			return 0, err
		}
		records = append(records, blockRecord{blockID: id, ciphertext: ciphertext})

		buf.WriteByte(recordBlock)
		buf.Write(lsnBuf[:])
		var idBuf [8]byte
		binary.LittleEndian.PutUint64(idBuf[:], id)
		buf.Write(idBuf[:])
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(ciphertext)))
		buf.Write(lenBuf[:])
		buf.Write(ciphertext)
	}

	buf.WriteByte(recordCommit)
	buf.Write(lsnBuf[:])
	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(records)))
	buf.Write(countBuf[:])
	buf.Write(groupChecksum(lsn, records))

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.IoError, "wal.append", w.path, err)
	}
	defer f.Close()

	if _, err := f.Write(buf.Bytes()); err != nil {
		return 0, xerrors.Wrap(xerrors.IoError, "wal.append", w.path, err)
	}
	if err := f.Sync(); err != nil {
		return 0, xerrors.Wrap(xerrors.IoError, "wal.append", w.path, err)
	}

	w.log.WithField("lsn", lsn).WithField("blocks", len(records)).Debug("WAL group committed")
	return lsn, nil
}

// Checkpoint truncates the WAL after the caller has durably applied the
// last appended group to the block store and fsynced it.
func (w *WAL) Checkpoint() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.truncate()
}

func (w *WAL) truncate() error {
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return xerrors.Wrap(xerrors.IoError, "wal.checkpoint", w.path, err)
	}
	return nil
}

// applyGroup decrypts a recovered group's entries and writes the freshly
// re-encrypted blocks to the block store, then marks their ids allocated
// so the block store's own bookkeeping matches reality after recovery.
func (w *WAL) applyGroup(g group) error {
	var lsnBuf [8]byte
	binary.LittleEndian.PutUint64(lsnBuf[:], g.lsn)

	for _, rec := range g.records {
		plaintext := w.codec.DecryptWithSeed(lsnBuf[:], rec.blockID, rec.ciphertext)
		onDisk, err := w.codec.EncryptBlock(rec.blockID, plaintext)
		if err != nil {
			return err
		}
		if err := w.store.Write(rec.blockID, onDisk); err != nil {
			return err
		}
		w.store.MarkAllocated(rec.blockID)
	}
	return w.store.Sync()
}
