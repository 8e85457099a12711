package vaultfs

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path"

	"github.com/absfs/absfs"
	"github.com/google/uuid"
)

// tempName returns a fresh in-flight file name inside dir.
func tempName(dir string) string {
	return path.Join(dir, tempPrefix+uuid.NewString())
}

// writeFileAtomic replaces name with data so that readers observe either the
// old or the new content. The data is synced before the rename.
func writeFileAtomic(fsys absfs.FileSystem, name string, data []byte) error {
	tmp := tempName(path.Dir(name))
	f, err := fsys.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return NewIOError("create", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		fsys.Remove(tmp)
		return NewIOError("write", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		fsys.Remove(tmp)
		return NewIOError("sync", tmp, err)
	}
	if err := f.Close(); err != nil {
		fsys.Remove(tmp)
		return NewIOError("close", tmp, err)
	}
	if err := replaceFile(fsys, tmp, name); err != nil {
		fsys.Remove(tmp)
		return err
	}
	return nil
}

// replaceFile renames src over dst. Storage that refuses to rename onto an
// existing file gets dst removed first, which is the only non-atomic path.
func replaceFile(fsys absfs.FileSystem, src, dst string) error {
	err := fsys.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, fs.ErrExist) && !os.IsExist(err) {
		return NewIOError("rename", dst, err)
	}
	if err := fsys.Remove(dst); err != nil && !isNotExist(err) {
		return NewIOError("remove", dst, err)
	}
	if err := fsys.Rename(src, dst); err != nil {
		return NewIOError("rename", dst, err)
	}
	return nil
}

// readFile reads a whole physical file of at most limit bytes.
func readFile(fsys absfs.FileSystem, name string, limit int64) ([]byte, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, NewIOError("read", name, err)
	}
	if int64(len(data)) > limit {
		return nil, NewCorruptionError(name, ErrInvalidPassphraseOrCorrupt, "file larger than expected")
	}
	return data, nil
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || os.IsNotExist(err)
}

func isExist(err error) bool {
	return errors.Is(err, fs.ErrExist) || os.IsExist(err)
}
