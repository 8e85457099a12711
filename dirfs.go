package vaultfs

import (
	"errors"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/absfs/absfs"
)

// DirFS is an absfs.FileSystem rooted at a directory of the host
// filesystem. Names are slash-separated; "/" is the root itself and names
// never resolve outside it. Relative names resolve against the working
// directory set by Chdir.
type DirFS struct {
	root string

	mu  sync.RWMutex
	cwd string
}

var _ absfs.FileSystem = (*DirFS)(nil)

var errNotDir = errors.New("not a directory")

// NewDirFS returns a DirFS rooted at root.
func NewDirFS(root string) *DirFS {
	return &DirFS{root: root, cwd: "/"}
}

// Root returns the host directory the filesystem is rooted at.
func (fs *DirFS) Root() string {
	return fs.root
}

// abs resolves name to a clean slash path below the root.
func (fs *DirFS) abs(name string) string {
	if !path.IsAbs(name) {
		fs.mu.RLock()
		name = path.Join(fs.cwd, name)
		fs.mu.RUnlock()
	}
	return path.Clean("/" + name)
}

func (fs *DirFS) join(name string) string {
	return filepath.Join(fs.root, filepath.FromSlash(fs.abs(name)))
}

func (fs *DirFS) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	return os.OpenFile(fs.join(name), flag, perm)
}

func (fs *DirFS) Mkdir(name string, perm os.FileMode) error {
	return os.Mkdir(fs.join(name), perm)
}

func (fs *DirFS) MkdirAll(name string, perm os.FileMode) error {
	return os.MkdirAll(fs.join(name), perm)
}

func (fs *DirFS) Remove(name string) error {
	return os.Remove(fs.join(name))
}

func (fs *DirFS) RemoveAll(name string) error {
	return os.RemoveAll(fs.join(name))
}

func (fs *DirFS) Rename(oldpath, newpath string) error {
	return os.Rename(fs.join(oldpath), fs.join(newpath))
}

func (fs *DirFS) Stat(name string) (os.FileInfo, error) {
	return os.Stat(fs.join(name))
}

func (fs *DirFS) Chmod(name string, mode os.FileMode) error {
	return os.Chmod(fs.join(name), mode)
}

func (fs *DirFS) Chtimes(name string, atime, mtime time.Time) error {
	return os.Chtimes(fs.join(name), atime, mtime)
}

func (fs *DirFS) Chown(name string, uid, gid int) error {
	return os.Chown(fs.join(name), uid, gid)
}

func (fs *DirFS) Separator() uint8 {
	return '/'
}

func (fs *DirFS) ListSeparator() uint8 {
	return ':'
}

func (fs *DirFS) Chdir(dir string) error {
	p := fs.abs(dir)
	fi, err := os.Stat(filepath.Join(fs.root, filepath.FromSlash(p)))
	if err != nil {
		return &os.PathError{Op: "chdir", Path: dir, Err: errors.Unwrap(err)}
	}
	if !fi.IsDir() {
		return &os.PathError{Op: "chdir", Path: dir, Err: errNotDir}
	}
	fs.mu.Lock()
	fs.cwd = p
	fs.mu.Unlock()
	return nil
}

func (fs *DirFS) Getwd() (string, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.cwd, nil
}

func (fs *DirFS) TempDir() string {
	return "/"
}

func (fs *DirFS) Open(name string) (absfs.File, error) {
	return fs.OpenFile(name, os.O_RDONLY, 0)
}

func (fs *DirFS) Create(name string) (absfs.File, error) {
	return fs.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
}

func (fs *DirFS) Truncate(name string, size int64) error {
	return os.Truncate(fs.join(name), size)
}
