// Package ftpbridge adapts the VFS tree to the
// embedded FTP server's filesystem interface.
package ftpbridge

import (
	"os"
	"time"

	"github.com/quark-zju/x79d8/internal/vfs"
)

// fileInfo adapts a vfs.Inode to os.FileInfo, the shape afero.Fs (and
// so ftpserverlib's ClientDriver) expects Stat to return.
type fileInfo struct {
	name  string
	inode vfs.Inode
	size  uint64
}

func (fi *fileInfo) Name() string { return fi.name }
func (fi *fileInfo) Size() int64  { return int64(fi.size) }
func (fi *fileInfo) Mode() os.FileMode {
	m := os.FileMode(fi.inode.Mode)
	if fi.inode.Type == vfs.TypeDirectory {
		m |= os.ModeDir
	}
	return m
}
func (fi *fileInfo) ModTime() time.Time { return time.Unix(fi.inode.Mtime, 0) }
func (fi *fileInfo) IsDir() bool        { return fi.inode.Type == vfs.TypeDirectory }
func (fi *fileInfo) Sys() interface{}   { return nil }
