package ftpbridge

import (
	"io"
	"os"

	"github.com/spf13/afero"

	"github.com/quark-zju/x79d8/internal/vfs"
)

// truncateHandle brings a file's content down to zero length, for the
// O_TRUNC-open path.
func truncateHandle(tree *vfs.Tree, handleID uint64) error {
	return tree.Truncate(handleID, 0)
}

// file adapts a vfs.Handle to afero.File. Reads and writes go straight
// through to the object layer's in-memory buffer; there is no local
// buffering here beyond the cursor afero.File's contract requires.
type file struct {
	tree   *vfs.Tree
	fs     *Fs
	handle *vfs.Handle
	name   string
	pos    int64
}

func newFile(tree *vfs.Tree, fs *Fs, h *vfs.Handle, name string) afero.File {
	return &file{tree: tree, fs: fs, handle: h, name: name}
}

func (f *file) Name() string { return f.name }

func (f *file) Read(p []byte) (int, error) {
	data, err := f.tree.Read(f.handle.ID, uint64(f.pos), uint64(len(p)))
	if err != nil {
		return 0, toOSErr(err)
	}
	if len(data) == 0 {
		return 0, io.EOF
	}
	n := copy(p, data)
	f.pos += int64(n)
	return n, nil
}

func (f *file) ReadAt(p []byte, off int64) (int, error) {
	data, err := f.tree.Read(f.handle.ID, uint64(off), uint64(len(p)))
	if err != nil {
		return 0, toOSErr(err)
	}
	if len(data) == 0 {
		return 0, io.EOF
	}
	return copy(p, data), nil
}

func (f *file) Write(p []byte) (int, error) {
	if err := f.tree.Write(f.handle.ID, uint64(f.pos), p); err != nil {
		return 0, toOSErr(err)
	}
	f.pos += int64(len(p))
	if f.fs != nil {
		f.fs.touch()
	}
	return len(p), nil
}

func (f *file) WriteAt(p []byte, off int64) (int, error) {
	if err := f.tree.Write(f.handle.ID, uint64(off), p); err != nil {
		return 0, toOSErr(err)
	}
	if f.fs != nil {
		f.fs.touch()
	}
	return len(p), nil
}

func (f *file) WriteString(s string) (int, error) { return f.Write([]byte(s)) }

func (f *file) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		f.pos = offset
	case io.SeekCurrent:
		f.pos += offset
	case io.SeekEnd:
		length, err := f.tree.Size(f.handle.ID)
		if err != nil {
			return 0, toOSErr(err)
		}
		f.pos = int64(length) + offset
	}
	return f.pos, nil
}

func (f *file) Close() error {
	f.tree.CloseHandle(f.handle.ID)
	return nil
}

func (f *file) Sync() error { return nil } // durability is the flusher's job, not per-handle

func (f *file) Truncate(size int64) error {
	if err := f.tree.Truncate(f.handle.ID, uint64(size)); err != nil {
		return toOSErr(err)
	}
	if f.fs != nil {
		f.fs.touch()
	}
	return nil
}

func (f *file) Stat() (os.FileInfo, error) {
	inode, err := f.tree.Stat(f.handle.InodeID)
	if err != nil {
		return nil, toOSErr(err)
	}
	size, err := f.tree.Size(f.handle.ID)
	if err != nil {
		return nil, toOSErr(err)
	}
	return &fileInfo{name: f.name, inode: inode, size: size}, nil
}

func (f *file) Readdir(count int) ([]os.FileInfo, error) {
	return nil, xErrNotDir
}

func (f *file) Readdirnames(n int) ([]string, error) {
	return nil, xErrNotDir
}

// dirFile is the afero.File returned for a directory Open, so LIST can
// walk it via Readdir the way afero.Fs expects.
type dirFile struct {
	tree *vfs.Tree
	id   uint64
	name string
}

func newDirFile(tree *vfs.Tree, id uint64, name string) afero.File {
	return &dirFile{tree: tree, id: id, name: name}
}

func (d *dirFile) Name() string                                  { return d.name }
func (d *dirFile) Read(p []byte) (int, error)                    { return 0, xErrIsDir }
func (d *dirFile) ReadAt(p []byte, off int64) (int, error)       { return 0, xErrIsDir }
func (d *dirFile) Write(p []byte) (int, error)                   { return 0, xErrIsDir }
func (d *dirFile) WriteAt(p []byte, off int64) (int, error)      { return 0, xErrIsDir }
func (d *dirFile) WriteString(s string) (int, error)             { return 0, xErrIsDir }
func (d *dirFile) Seek(offset int64, whence int) (int64, error)  { return 0, nil }
func (d *dirFile) Close() error                                  { return nil }
func (d *dirFile) Sync() error                                   { return nil }
func (d *dirFile) Truncate(size int64) error                     { return xErrIsDir }

func (d *dirFile) Stat() (os.FileInfo, error) {
	inode, err := d.tree.Stat(d.id)
	if err != nil {
		return nil, toOSErr(err)
	}
	return &fileInfo{name: d.name, inode: inode}, nil
}

func (d *dirFile) Readdir(count int) ([]os.FileInfo, error) {
	entries, err := d.tree.Readdir(d.id)
	if err != nil {
		return nil, toOSErr(err)
	}
	if count > 0 && count < len(entries) {
		entries = entries[:count]
	}
	out := make([]os.FileInfo, 0, len(entries))
	for _, e := range entries {
		inode, err := d.tree.Stat(e.InodeID)
		if err != nil {
			continue
		}
		out = append(out, &fileInfo{name: e.Name, inode: inode})
	}
	return out, nil
}

func (d *dirFile) Readdirnames(n int) ([]string, error) {
	infos, err := d.Readdir(n)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(infos))
	for i, fi := range infos {
		names[i] = fi.Name()
	}
	return names, nil
}

var (
	xErrIsDir  = os.ErrInvalid
	xErrNotDir = os.ErrInvalid
)
