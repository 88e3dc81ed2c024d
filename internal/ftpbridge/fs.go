package ftpbridge

import (
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/quark-zju/x79d8/internal/flusher"
	"github.com/quark-zju/x79d8/internal/vfs"
	"github.com/quark-zju/x79d8/internal/xerrors"
)

// Fs adapts a vfs.Tree to afero.Fs, the interface ftpserverlib expects
// its per-session ClientDriver to satisfy. One Fs is shared by every
// session against a store; there is no per-session state beyond the
// open afero.File handles each session creates.
type Fs struct {
	tree    *vfs.Tree
	flusher *flusher.Flusher
}

// New returns an Fs bridging ClientDriver calls onto tree, touching
// flusher after every mutating call so its quiet-period timer rearms.
func New(tree *vfs.Tree, fl *flusher.Flusher) *Fs {
	return &Fs{tree: tree, flusher: fl}
}

func (f *Fs) Name() string { return "x79d8" }

// toOSErr maps xerrors.Kind onto the stdlib sentinel errors
// afero/ftpserverlib test for with os.IsNotExist/os.IsExist/etc, so the
// FTP server's own error-to-reply-code translation (NotFound→550,
// Exists→550, PermissionDenied→550) falls out of the standard library
// plumbing rather than a hand-maintained table duplicating it.
func toOSErr(err error) error {
	if err == nil {
		return nil
	}
	switch xerrors.KindOf(err) {
	case xerrors.NotFound:
		return fs.ErrNotExist
	case xerrors.Exists:
		return fs.ErrExist
	case xerrors.ReadOnly:
		return fs.ErrPermission
	case xerrors.NotDirectory, xerrors.IsDirectory, xerrors.NotEmpty, xerrors.TypeMismatch:
		return err // no single stdlib sentinel; ftpserverlib gets the message text
	default:
		return err
	}
}

func splitPath(name string) (dir, base string) {
	trimmed := strings.Trim(name, "/")
	if trimmed == "" {
		return "", ""
	}
	idx := strings.LastIndex(trimmed, "/")
	if idx < 0 {
		return "", trimmed
	}
	return trimmed[:idx], trimmed[idx+1:]
}

func (f *Fs) resolveParent(name string) (uint64, string, error) {
	parentID, base, err := f.tree.ResolveParent(name)
	if err != nil {
		return 0, "", err
	}
	if base == "" {
		return 0, "", xerrors.New(xerrors.NotFound, "ftpbridge", name)
	}
	return parentID, base, nil
}

func (f *Fs) touch() {
	if f.flusher != nil {
		f.flusher.Touch()
	}
}

// Stat maps to lookup+inode read.
func (f *Fs) Stat(name string) (os.FileInfo, error) {
	id, err := f.tree.ResolvePath(name)
	if err != nil {
		return nil, toOSErr(err)
	}
	inode, err := f.tree.Stat(id)
	if err != nil {
		return nil, toOSErr(err)
	}
	size := uint64(0)
	if inode.Type != vfs.TypeDirectory {
		if h, err := f.tree.OpenFile(id, false); err == nil {
			size, _ = f.tree.Size(h.ID)
			f.tree.CloseHandle(h.ID)
		}
	}
	_, base := splitPath(name)
	if base == "" {
		base = "/"
	}
	return &fileInfo{name: base, inode: inode, size: size}, nil
}

// Open (read) maps to open+a read loop, exposed through the returned
// afero.File's io.Reader/ReaderAt methods.
func (f *Fs) Open(name string) (afero.File, error) {
	id, err := f.tree.ResolvePath(name)
	if err != nil {
		return nil, toOSErr(err)
	}
	inode, err := f.tree.Stat(id)
	if err != nil {
		return nil, toOSErr(err)
	}
	if inode.Type == vfs.TypeDirectory {
		return newDirFile(f.tree, id, name), nil
	}
	h, err := f.tree.OpenFile(id, false)
	if err != nil {
		return nil, toOSErr(err)
	}
	return newFile(f.tree, f, h, name), nil
}

// OpenFile maps STOR/Create (write) onto create-or-truncate-existing +
// buffered write.
func (f *Fs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	id, err := f.tree.ResolvePath(name)
	if err != nil {
		if !xerrors.Is(err, xerrors.NotFound) {
			return nil, toOSErr(err)
		}
		if flag&os.O_CREATE == 0 {
			return nil, toOSErr(err)
		}
		parentID, base, perr := f.resolveParent(name)
		if perr != nil {
			return nil, toOSErr(perr)
		}
		id, err = f.tree.Create(parentID, base, uint32(perm))
		if err != nil {
			return nil, toOSErr(err)
		}
		f.touch()
	} else if flag&os.O_TRUNC != 0 {
		h, err := f.tree.OpenFile(id, true)
		if err != nil {
			return nil, toOSErr(err)
		}
		if err := truncateHandle(f.tree, h.ID); err != nil {
			f.tree.CloseHandle(h.ID)
			return nil, toOSErr(err)
		}
		f.tree.CloseHandle(h.ID)
		f.touch()
	}

	writable := flag&(os.O_WRONLY|os.O_RDWR) != 0
	h, err := f.tree.OpenFile(id, writable)
	if err != nil {
		return nil, toOSErr(err)
	}
	return newFile(f.tree, f, h, name), nil
}

// Create is OpenFile with the standard STOR flags.
func (f *Fs) Create(name string) (afero.File, error) {
	return f.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
}

// Mkdir maps directly to vfs Mkdir.
func (f *Fs) Mkdir(name string, perm os.FileMode) error {
	parentID, base, err := f.resolveParent(name)
	if err != nil {
		return toOSErr(err)
	}
	if _, err := f.tree.Mkdir(parentID, base, uint32(perm)); err != nil {
		return toOSErr(err)
	}
	f.touch()
	return nil
}

// MkdirAll creates every missing component of path; afero.Fs requires
// it even though FTP's MKD only ever needs one level.
func (f *Fs) MkdirAll(path string, perm os.FileMode) error {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	parts := strings.Split(trimmed, "/")
	parentID := vfs.RootInodeID
	for _, part := range parts {
		id, err := f.tree.Lookup(parentID, part)
		if err == nil {
			parentID = id
			continue
		}
		if !xerrors.Is(err, xerrors.NotFound) {
			return toOSErr(err)
		}
		id, err = f.tree.Mkdir(parentID, part, uint32(perm))
		if err != nil {
			return toOSErr(err)
		}
		parentID = id
	}
	f.touch()
	return nil
}

// Remove maps DELE (file) or RMD (empty directory) onto unlink/rmdir.
func (f *Fs) Remove(name string) error {
	parentID, base, err := f.resolveParent(name)
	if err != nil {
		return toOSErr(err)
	}
	id, err := f.tree.Lookup(parentID, base)
	if err != nil {
		return toOSErr(err)
	}
	inode, err := f.tree.Stat(id)
	if err != nil {
		return toOSErr(err)
	}
	if inode.Type == vfs.TypeDirectory {
		err = f.tree.Rmdir(parentID, base)
	} else {
		err = f.tree.Unlink(parentID, base)
	}
	if err != nil {
		return toOSErr(err)
	}
	f.touch()
	return nil
}

// RemoveAll is unused by plain FTP (no recursive delete verb) but is
// part of afero.Fs; implemented as a best-effort single Remove since
// x79d8's FTP surface never issues a recursive delete.
func (f *Fs) RemoveAll(path string) error { return f.Remove(path) }

// Rename maps RNFR+RNTO onto vfs Rename.
func (f *Fs) Rename(oldname, newname string) error {
	srcParent, srcBase, err := f.resolveParent(oldname)
	if err != nil {
		return toOSErr(err)
	}
	dstParent, dstBase, err := f.resolveParent(newname)
	if err != nil {
		return toOSErr(err)
	}
	if err := f.tree.Rename(srcParent, srcBase, dstParent, dstBase); err != nil {
		return toOSErr(err)
	}
	f.touch()
	return nil
}

// Chmod, Chown, and Chtimes have no backing metadata beyond the mode
// bits this store treats as best-effort; they succeed without effect rather
// than failing a client that issues SITE CHMOD.
func (f *Fs) Chmod(name string, mode os.FileMode) error                 { return nil }
func (f *Fs) Chown(name string, uid, gid int) error                     { return nil }
func (f *Fs) Chtimes(name string, atime, mtime time.Time) error         { return nil }
