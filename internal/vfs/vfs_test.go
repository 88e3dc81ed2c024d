package vfs

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/quark-zju/x79d8/internal/blockcodec"
	"github.com/quark-zju/x79d8/internal/blockstore"
	"github.com/quark-zju/x79d8/internal/objectlayer"
	"github.com/quark-zju/x79d8/internal/xerrors"
)

const testBlockSize = 256

func newTree(t *testing.T) *Tree {
	t.Helper()
	dir := t.TempDir()
	key := make([]byte, blockcodec.KeySize)
	rand.Read(key)
	codec, err := blockcodec.New(key, testBlockSize)
	if err != nil {
		t.Fatal(err)
	}
	store, err := blockstore.Open(dir, testBlockSize)
	if err != nil {
		t.Fatal(err)
	}
	ol, fresh, err := objectlayer.Open(store, codec, nil)
	if err != nil {
		t.Fatal(err)
	}
	tree, err := Open(ol, fresh, nil)
	if err != nil {
		t.Fatal(err)
	}
	return tree
}

func writeAll(t *testing.T, tree *Tree, inodeID uint64, content []byte) {
	t.Helper()
	h, err := tree.OpenFile(inodeID, true)
	if err != nil {
		t.Fatal(err)
	}
	defer tree.CloseHandle(h.ID)
	if err := tree.Write(h.ID, 0, content); err != nil {
		t.Fatal(err)
	}
}

func readAll(t *testing.T, tree *Tree, inodeID uint64, n uint64) []byte {
	t.Helper()
	h, err := tree.OpenFile(inodeID, false)
	if err != nil {
		t.Fatal(err)
	}
	defer tree.CloseHandle(h.ID)
	got, err := tree.Read(h.ID, 0, n)
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func TestRootIsEmptyDirectory(t *testing.T) {
	tree := newTree(t)
	entries, err := tree.Readdir(RootInodeID)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty root, got %v", entries)
	}
}

func TestCreateWriteReadFile(t *testing.T) {
	tree := newTree(t)
	id, err := tree.Create(RootInodeID, "hello.txt", 0o644)
	if err != nil {
		t.Fatal(err)
	}
	writeAll(t, tree, id, []byte("hello"))
	got := readAll(t, tree, id, 5)
	if !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("got %q", got)
	}

	entries, err := tree.Readdir(RootInodeID)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name != "hello.txt" {
		t.Fatalf("unexpected listing: %v", entries)
	}
}

func TestCreateDuplicateNameFails(t *testing.T) {
	tree := newTree(t)
	if _, err := tree.Create(RootInodeID, "a.txt", 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := tree.Create(RootInodeID, "a.txt", 0o644)
	if !xerrors.Is(err, xerrors.Exists) {
		t.Fatalf("expected Exists, got %v", err)
	}
}

func TestMkdirAndNestedFile(t *testing.T) {
	tree := newTree(t)
	dirID, err := tree.Mkdir(RootInodeID, "sub", 0o755)
	if err != nil {
		t.Fatal(err)
	}
	fileID, err := tree.Create(dirID, "nested.txt", 0o644)
	if err != nil {
		t.Fatal(err)
	}
	writeAll(t, tree, fileID, []byte("x"))

	resolved, err := tree.ResolvePath("sub/nested.txt")
	if err != nil {
		t.Fatal(err)
	}
	if resolved != fileID {
		t.Fatalf("resolved %d, want %d", resolved, fileID)
	}
}

func TestOpenDirectoryFails(t *testing.T) {
	tree := newTree(t)
	dirID, err := tree.Mkdir(RootInodeID, "d", 0o755)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tree.OpenFile(dirID, false); !xerrors.Is(err, xerrors.IsDirectory) {
		t.Fatalf("expected IsDirectory, got %v", err)
	}
}

func TestUnlinkRemovesFile(t *testing.T) {
	tree := newTree(t)
	id, err := tree.Create(RootInodeID, "f", 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if err := tree.Unlink(RootInodeID, "f"); err != nil {
		t.Fatal(err)
	}
	if _, err := tree.Lookup(RootInodeID, "f"); !xerrors.Is(err, xerrors.NotFound) {
		t.Fatalf("expected NotFound after unlink, got %v", err)
	}
	if _, err := tree.Stat(id); err == nil {
		t.Fatal("expected destroyed inode to be gone")
	}
}

func TestUnlinkDirectoryFails(t *testing.T) {
	tree := newTree(t)
	dirID, err := tree.Mkdir(RootInodeID, "d", 0o755)
	if err != nil {
		t.Fatal(err)
	}
	_ = dirID
	if err := tree.Unlink(RootInodeID, "d"); !xerrors.Is(err, xerrors.IsDirectory) {
		t.Fatalf("expected IsDirectory, got %v", err)
	}
}

func TestRmdirRequiresEmpty(t *testing.T) {
	tree := newTree(t)
	dirID, err := tree.Mkdir(RootInodeID, "d", 0o755)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tree.Create(dirID, "f", 0o644); err != nil {
		t.Fatal(err)
	}
	if err := tree.Rmdir(RootInodeID, "d"); !xerrors.Is(err, xerrors.NotEmpty) {
		t.Fatalf("expected NotEmpty, got %v", err)
	}
	if err := tree.Unlink(dirID, "f"); err != nil {
		t.Fatal(err)
	}
	if err := tree.Rmdir(RootInodeID, "d"); err != nil {
		t.Fatalf("rmdir of now-empty dir should succeed: %v", err)
	}
}

func TestRenameMovesEntry(t *testing.T) {
	tree := newTree(t)
	id, err := tree.Create(RootInodeID, "a.txt", 0o644)
	if err != nil {
		t.Fatal(err)
	}
	writeAll(t, tree, id, []byte("A"))

	if err := tree.Rename(RootInodeID, "a.txt", RootInodeID, "c.txt"); err != nil {
		t.Fatal(err)
	}
	if _, err := tree.Lookup(RootInodeID, "a.txt"); !xerrors.Is(err, xerrors.NotFound) {
		t.Fatalf("old name should be gone, got %v", err)
	}
	gotID, err := tree.Lookup(RootInodeID, "c.txt")
	if err != nil {
		t.Fatal(err)
	}
	if gotID != id {
		t.Fatalf("renamed inode id changed: got %d want %d", gotID, id)
	}
}

func TestRenameOntoNonEmptyDirFails(t *testing.T) {
	tree := newTree(t)
	srcID, err := tree.Mkdir(RootInodeID, "src", 0o755)
	if err != nil {
		t.Fatal(err)
	}
	_ = srcID
	dstID, err := tree.Mkdir(RootInodeID, "dst", 0o755)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tree.Create(dstID, "f", 0o644); err != nil {
		t.Fatal(err)
	}
	if err := tree.Rename(RootInodeID, "src", RootInodeID, "dst"); !xerrors.Is(err, xerrors.NotEmpty) {
		t.Fatalf("expected NotEmpty, got %v", err)
	}
}

func TestRenameFileOntoDirectoryFails(t *testing.T) {
	tree := newTree(t)
	if _, err := tree.Create(RootInodeID, "f", 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := tree.Mkdir(RootInodeID, "d", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := tree.Rename(RootInodeID, "f", RootInodeID, "d"); !xerrors.Is(err, xerrors.TypeMismatch) {
		t.Fatalf("expected TypeMismatch, got %v", err)
	}
	if _, err := tree.Lookup(RootInodeID, "d"); err != nil {
		t.Fatalf("destination directory should survive a rejected rename: %v", err)
	}
}

func TestRenameDirectoryOntoFileFails(t *testing.T) {
	tree := newTree(t)
	if _, err := tree.Mkdir(RootInodeID, "d", 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := tree.Create(RootInodeID, "f", 0o644); err != nil {
		t.Fatal(err)
	}
	if err := tree.Rename(RootInodeID, "d", RootInodeID, "f"); !xerrors.Is(err, xerrors.TypeMismatch) {
		t.Fatalf("expected TypeMismatch, got %v", err)
	}
	if _, err := tree.Lookup(RootInodeID, "f"); err != nil {
		t.Fatalf("destination file should survive a rejected rename: %v", err)
	}
}

func TestPathRejectsDotDot(t *testing.T) {
	tree := newTree(t)
	if _, err := tree.ResolvePath("../etc/passwd"); err == nil {
		t.Fatal("expected path resolution to reject ..")
	}
}

// Directory and inode-table metadata must survive a flush/reopen cycle.
func TestMetadataSurvivesFlush(t *testing.T) {
	dir := flushableDir(t)
	key := fixedKey(t)
	codec, err := blockcodec.New(key, testBlockSize)
	if err != nil {
		t.Fatal(err)
	}
	store, err := blockstore.Open(dir, testBlockSize)
	if err != nil {
		t.Fatal(err)
	}
	ol, fresh, err := objectlayer.Open(store, codec, nil)
	if err != nil {
		t.Fatal(err)
	}
	tree, err := Open(ol, fresh, nil)
	if err != nil {
		t.Fatal(err)
	}

	dirID, err := tree.Mkdir(RootInodeID, "docs", 0o755)
	if err != nil {
		t.Fatal(err)
	}
	fileID, err := tree.Create(dirID, "a.txt", 0o644)
	if err != nil {
		t.Fatal(err)
	}
	writeAll(t, tree, fileID, []byte("persisted"))

	if err := tree.PreFlush(); err != nil {
		t.Fatal(err)
	}
	plan, err := ol.PrepareFlush()
	if err != nil {
		t.Fatal(err)
	}
	if plan == nil {
		t.Fatal("expected a non-nil flush plan")
	}
	for id, payload := range plan.BlockPayloads {
		onDisk, err := codec.EncryptBlock(id, payload)
		if err != nil {
			t.Fatal(err)
		}
		if err := store.Write(id, onDisk); err != nil {
			t.Fatal(err)
		}
	}
	ol.CommitFlush(plan)

	store2, err := blockstore.Open(dir, testBlockSize)
	if err != nil {
		t.Fatal(err)
	}
	ol2, fresh2, err := objectlayer.Open(store2, codec, nil)
	if err != nil {
		t.Fatal(err)
	}
	if fresh2 {
		t.Fatal("expected an existing store on reopen")
	}
	tree2, err := Open(ol2, fresh2, nil)
	if err != nil {
		t.Fatal(err)
	}

	resolved, err := tree2.ResolvePath("docs/a.txt")
	if err != nil {
		t.Fatal(err)
	}
	got := readAll(t, tree2, resolved, 9)
	if !bytes.Equal(got, []byte("persisted")) {
		t.Fatalf("got %q", got)
	}
}

func flushableDir(t *testing.T) string {
	t.Helper()
	return t.TempDir()
}

func fixedKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, blockcodec.KeySize)
	rand.Read(key)
	return key
}

func TestSizeMatchesContentLengthWithoutReading(t *testing.T) {
	tree := newTree(t)
	fileID, err := tree.Create(RootInodeID, "sized.bin", 0o644)
	if err != nil {
		t.Fatal(err)
	}
	h, err := tree.OpenFile(fileID, true)
	if err != nil {
		t.Fatal(err)
	}
	if err := tree.Write(h.ID, 0, []byte("twelve bytes")); err != nil {
		t.Fatal(err)
	}
	size, err := tree.Size(h.ID)
	if err != nil {
		t.Fatal(err)
	}
	if size != 12 {
		t.Fatalf("size = %d, want 12", size)
	}
	tree.CloseHandle(h.ID)
}

func TestTruncateShrinksContent(t *testing.T) {
	tree := newTree(t)
	fileID, err := tree.Create(RootInodeID, "shrink.bin", 0o644)
	if err != nil {
		t.Fatal(err)
	}
	h, err := tree.OpenFile(fileID, true)
	if err != nil {
		t.Fatal(err)
	}
	if err := tree.Write(h.ID, 0, []byte("0123456789")); err != nil {
		t.Fatal(err)
	}
	if err := tree.Truncate(h.ID, 0); err != nil {
		t.Fatal(err)
	}
	if err := tree.Write(h.ID, 0, []byte("ab")); err != nil {
		t.Fatal(err)
	}
	size, err := tree.Size(h.ID)
	if err != nil {
		t.Fatal(err)
	}
	if size != 2 {
		t.Fatalf("size = %d, want 2 (truncate to 0 should discard trailing bytes)", size)
	}
	got, err := tree.Read(h.ID, 0, size)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "ab" {
		t.Fatalf("got %q, want %q", got, "ab")
	}
	tree.CloseHandle(h.ID)
}

func TestTruncateGrowsZeroFilled(t *testing.T) {
	tree := newTree(t)
	fileID, err := tree.Create(RootInodeID, "grow.bin", 0o644)
	if err != nil {
		t.Fatal(err)
	}
	h, err := tree.OpenFile(fileID, true)
	if err != nil {
		t.Fatal(err)
	}
	if err := tree.Write(h.ID, 0, []byte("ab")); err != nil {
		t.Fatal(err)
	}
	if err := tree.Truncate(h.ID, 5); err != nil {
		t.Fatal(err)
	}
	got, err := tree.Read(h.ID, 0, 5)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{'a', 'b', 0, 0, 0}) {
		t.Fatalf("got %v, want zero-padded tail", got)
	}
	tree.CloseHandle(h.ID)
}
