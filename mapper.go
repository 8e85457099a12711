package vaultfs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path"
	"sort"
	"strings"

	"github.com/absfs/absfs"
	"github.com/google/uuid"
)

// Mapper translates logical vault paths into physical nodes and performs the
// directory mutations. Lookups encrypt each path segment under its parent's
// directory ID; nothing is decrypted on the way down.
type Mapper struct {
	fs        absfs.FileSystem
	names     *NameCipher
	content   *ContentCipher
	chunkSize uint32
	threshold int
	locks     *lockManager
	dirs      *lruCache[dirCacheKey, DirectoryID]
	parallel  ParallelConfig
	log       *slog.Logger
	metrics   *Metrics
	ctx       context.Context
}

type dirCacheKey struct {
	parent DirectoryID
	name   string
}

// location is a resolved logical path: the directory that contains it and
// the final segment. The root has an empty name.
type location struct {
	path       string
	parent     DirectoryID
	parentPhys string
	name       string
	ancestors  []DirectoryID // root first, parent last
}

func (l location) isRoot() bool { return l.name == "" }

// splitPath cleans p and splits it into validated segments.
func splitPath(p string) ([]string, error) {
	if p == "" {
		return nil, NewValidationError("path", p, "path cannot be empty")
	}
	clean := path.Clean("/" + p)
	if clean == "/" {
		return nil, nil
	}
	segs := strings.Split(clean[1:], "/")
	for _, s := range segs {
		if err := ValidateName(s); err != nil {
			return nil, err
		}
	}
	return segs, nil
}

func (m *Mapper) dirPath(id DirectoryID) (string, error) {
	hash, err := m.names.DirHash(id)
	if err != nil {
		return "", err
	}
	return physDir(hash), nil
}

func (m *Mapper) exists(name string) (bool, error) {
	_, err := m.fs.Stat(name)
	switch {
	case err == nil:
		return true, nil
	case isNotExist(err):
		return false, nil
	default:
		return false, NewIOError("stat", name, err)
	}
}

// lookup finds the node of name inside parent. When there is none, found is
// false and ref is the file-kind reference the node would get.
func (m *Mapper) lookup(parent DirectoryID, parentPhys, name string) (ref nodeRef, found bool, err error) {
	enc, err := m.names.EncryptName(parent, name)
	if err != nil {
		return nodeRef{}, false, err
	}
	dirRef := newNodeRef(parentPhys, enc, true, m.threshold)
	ok, err := m.exists(dirRef.payload())
	if err != nil || ok {
		return dirRef, ok, err
	}
	fileRef := newNodeRef(parentPhys, enc, false, m.threshold)
	ok, err = m.exists(fileRef.payload())
	return fileRef, ok, err
}

// readDirID opens the sealed directory ID stored in a directory node.
func (m *Mapper) readDirID(parent DirectoryID, ref nodeRef) (DirectoryID, error) {
	data, err := readFile(m.fs, ref.payload(), 1024)
	if err != nil {
		if isNotExist(err) {
			return "", ErrNotFound
		}
		if IsCorruptionError(err) {
			return "", NewAuthenticationError("", "directory node has impossible size")
		}
		return "", NewIOError("read", ref.payload(), err)
	}
	id, err := m.names.OpenDirID(parent, data)
	if err != nil {
		m.metrics.authFailure("dirid")
		m.log.Warn("directory node failed authentication", "node", ref.payload())
		return "", err
	}
	return id, nil
}

// childDir resolves name inside parent to a directory ID.
func (m *Mapper) childDir(parent DirectoryID, parentPhys, name string) (DirectoryID, error) {
	key := dirCacheKey{parent: parent, name: name}
	if id, ok := m.dirs.Get(key); ok {
		return id, nil
	}
	ref, found, err := m.lookup(parent, parentPhys, name)
	if err != nil {
		return "", err
	}
	if !found {
		return "", ErrNotFound
	}
	if !ref.isDir {
		return "", ErrNotDirectory
	}
	id, err := m.readDirID(parent, ref)
	if err != nil {
		return "", err
	}
	m.dirs.Put(key, id)
	return id, nil
}

// walkDirs follows segs from the root and returns the IDs of every directory
// on the way, root first.
func (m *Mapper) walkDirs(segs []string) ([]DirectoryID, error) {
	ids := []DirectoryID{RootDirectoryID}
	cur := RootDirectoryID
	for _, s := range segs {
		phys, err := m.dirPath(cur)
		if err != nil {
			return nil, err
		}
		cur, err = m.childDir(cur, phys, s)
		if err != nil {
			return nil, err
		}
		ids = append(ids, cur)
	}
	return ids, nil
}

// locate resolves every directory above the final segment of p.
func (m *Mapper) locate(p string) (location, error) {
	segs, err := splitPath(p)
	if err != nil {
		return location{}, err
	}
	loc := location{path: "/" + strings.Join(segs, "/")}
	if len(segs) == 0 {
		loc.ancestors = []DirectoryID{RootDirectoryID}
		return loc, nil
	}
	loc.ancestors, err = m.walkDirs(segs[:len(segs)-1])
	if err != nil {
		return location{}, err
	}
	loc.parent = loc.ancestors[len(loc.ancestors)-1]
	loc.name = segs[len(segs)-1]
	loc.parentPhys, err = m.dirPath(loc.parent)
	return loc, err
}

// ResolveDir returns the directory ID of the directory at p.
func (m *Mapper) ResolveDir(p string) (DirectoryID, error) {
	segs, err := splitPath(p)
	if err != nil {
		return "", err
	}
	ids, err := m.walkDirs(segs)
	if err != nil {
		return "", err
	}
	return ids[len(ids)-1], nil
}

// Resolve returns the physical node path of p: the payload file for files,
// the physical directory for directories.
func (m *Mapper) Resolve(p string) (string, error) {
	loc, err := m.locate(p)
	if err != nil {
		return "", err
	}
	if loc.isRoot() {
		return m.dirPath(RootDirectoryID)
	}
	ref, found, err := m.lookup(loc.parent, loc.parentPhys, loc.name)
	if err != nil {
		return "", err
	}
	if !found {
		return "", ErrNotFound
	}
	if !ref.isDir {
		return ref.payload(), nil
	}
	id, err := m.readDirID(loc.parent, ref)
	if err != nil {
		return "", err
	}
	return m.dirPath(id)
}

func (m *Mapper) readContentHeader(f absfs.File, name string) (*ContentHeader, error) {
	buf := make([]byte, ContentHeaderSize)
	n, err := f.ReadAt(buf, 0)
	if n < ContentHeaderSize {
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, NewIOError("read", name, err)
		}
		m.metrics.authFailure("chunk")
		return nil, NewCorruptionError(name, ErrAuthenticationFailure, "content header truncated")
	}
	var h ContentHeader
	if err := h.UnmarshalBinary(buf); err != nil {
		if ce, ok := err.(*CorruptionError); ok {
			ce.Path = name
		}
		return nil, err
	}
	return &h, nil
}

// entry builds the FileEntry of a node.
func (m *Mapper) entry(parent DirectoryID, ref nodeRef, name string) (FileEntry, error) {
	e := FileEntry{
		Name:         name,
		PhysicalName: ref.entry,
		DirectoryID:  parent,
		IsDir:        ref.isDir,
	}
	if ref.isDir {
		fi, err := m.fs.Stat(ref.payload())
		if err != nil {
			return e, NewIOError("stat", ref.payload(), err)
		}
		e.ModTime = fi.ModTime()
		e.ID, err = m.readDirID(parent, ref)
		return e, err
	}

	f, err := m.fs.Open(ref.payload())
	if err != nil {
		if isNotExist(err) {
			return e, ErrNotFound
		}
		return e, NewIOError("open", ref.payload(), err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return e, NewIOError("stat", ref.payload(), err)
	}
	e.ModTime = fi.ModTime()
	h, err := m.readContentHeader(f, ref.payload())
	if err != nil {
		return e, err
	}
	e.Size, e.ChunkCount, err = CleartextSize(fi.Size(), h.ChunkSize)
	return e, err
}

// Stat describes the node at p.
func (m *Mapper) Stat(p string) (FileEntry, error) {
	loc, err := m.locate(p)
	if err != nil {
		return FileEntry{}, err
	}
	if loc.isRoot() {
		return FileEntry{Name: "/", IsDir: true, ID: RootDirectoryID}, nil
	}
	ref, found, err := m.lookup(loc.parent, loc.parentPhys, loc.name)
	if err != nil {
		return FileEntry{}, err
	}
	if !found {
		return FileEntry{}, ErrNotFound
	}
	return m.entry(loc.parent, ref, loc.name)
}

// nodesIn lists the nodes stored in a physical directory. In-flight temp
// files and half-created long-name nodes are skipped.
func (m *Mapper) nodesIn(phys string) ([]nodeRef, error) {
	d, err := m.fs.Open(phys)
	if err != nil {
		if isNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, NewIOError("open", phys, err)
	}
	names, err := d.Readdirnames(-1)
	d.Close()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, NewIOError("readdir", phys, err)
	}

	refs := make([]nodeRef, 0, len(names))
	for _, n := range names {
		enc, isDir, long, ok := parseEntry(n)
		if !ok {
			continue
		}
		ref := nodeRef{parent: phys, enc: enc, entry: n, long: long, isDir: isDir}
		if long {
			raw, err := readFile(m.fs, path.Join(phys, n, longNameFile), 4096)
			if err != nil {
				if isNotExist(err) {
					continue
				}
				if IsCorruptionError(err) {
					return nil, NewAuthenticationError("", "long name node has impossible size")
				}
				return nil, NewIOError("read", path.Join(phys, n, longNameFile), err)
			}
			ref.enc = string(raw)
			if shortName(ref.enc)+longSuffix != n {
				m.metrics.authFailure("name")
				return nil, NewAuthenticationError("", "long name node does not match its name")
			}
			ref.isDir = true
			ok, err := m.exists(ref.payload())
			if err != nil {
				return nil, err
			}
			if !ok {
				ref.isDir = false
				if ok, err = m.exists(ref.payload()); err != nil {
					return nil, err
				} else if !ok {
					continue
				}
			}
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// List returns the children of the directory at p sorted by name. A child
// whose name fails authentication fails the whole listing.
func (m *Mapper) List(p string) ([]FileEntry, error) {
	id, err := m.ResolveDir(p)
	if err != nil {
		return nil, err
	}
	phys, err := m.dirPath(id)
	if err != nil {
		return nil, err
	}
	refs, err := m.nodesIn(phys)
	if err != nil {
		return nil, err
	}

	entries := make([]FileEntry, 0, len(refs))
	for _, ref := range refs {
		name, err := m.names.DecryptName(id, ref.enc)
		if err != nil {
			m.metrics.authFailure("name")
			m.log.Warn("entry name failed authentication", "node", ref.path())
			return nil, &AuthenticationError{Path: p, Message: "entry name failed authentication: " + ref.entry}
		}
		e, err := m.entry(id, ref, name)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// removed while listing
				continue
			}
			return nil, err
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// writeNode stores a node payload, creating the long-name wrapper first when
// needed.
func (m *Mapper) writeNode(ref nodeRef, payload []byte) error {
	if err := m.prepareNode(ref); err != nil {
		return err
	}
	return writeFileAtomic(m.fs, ref.payload(), payload)
}

// prepareNode creates the long-name wrapper of ref if it has one.
func (m *Mapper) prepareNode(ref nodeRef) error {
	if !ref.long {
		return nil
	}
	if err := m.fs.Mkdir(ref.path(), 0o700); err != nil && !isExist(err) {
		return NewIOError("mkdir", ref.path(), err)
	}
	return writeFileAtomic(m.fs, path.Join(ref.path(), longNameFile), []byte(ref.enc))
}

func (m *Mapper) removeNode(ref nodeRef) error {
	var err error
	if ref.long {
		err = m.fs.RemoveAll(ref.path())
	} else {
		err = m.fs.Remove(ref.path())
	}
	if err != nil && !isNotExist(err) {
		return NewIOError("remove", ref.path(), err)
	}
	return nil
}

// Mkdir creates the directory at p. Its parent must exist.
func (m *Mapper) Mkdir(p string) error {
	loc, err := m.locate(p)
	if err != nil {
		return err
	}
	if loc.isRoot() {
		return ErrExists
	}
	_, err = m.mkdirIn(loc)
	return err
}

func (m *Mapper) mkdirIn(loc location) (DirectoryID, error) {
	release, err := m.locks.lockDirs(m.ctx, loc.parent)
	if err != nil {
		return "", err
	}
	defer release()

	ref, found, err := m.lookup(loc.parent, loc.parentPhys, loc.name)
	if err != nil {
		return "", err
	}
	if found {
		return "", ErrExists
	}

	id := DirectoryID(uuid.NewString())
	phys, err := m.dirPath(id)
	if err != nil {
		return "", err
	}
	if err := m.fs.MkdirAll(phys, 0o700); err != nil {
		return "", NewIOError("mkdir", phys, err)
	}
	sealed, err := m.names.SealDirID(loc.parent, id)
	if err != nil {
		return "", err
	}
	ref = newNodeRef(loc.parentPhys, ref.enc, true, m.threshold)
	if err := m.writeNode(ref, sealed); err != nil {
		m.fs.RemoveAll(phys)
		return "", err
	}
	m.dirs.Put(dirCacheKey{parent: loc.parent, name: loc.name}, id)
	m.log.Debug("directory created", "node", ref.path(), "phys", phys)
	return id, nil
}

// MkdirAll creates the directory at p and any missing parents.
func (m *Mapper) MkdirAll(p string) error {
	segs, err := splitPath(p)
	if err != nil {
		return err
	}
	cur := RootDirectoryID
	ancestors := []DirectoryID{cur}
	for i, s := range segs {
		phys, err := m.dirPath(cur)
		if err != nil {
			return err
		}
		next, err := m.childDir(cur, phys, s)
		if errors.Is(err, ErrNotFound) {
			loc := location{
				path:       "/" + strings.Join(segs[:i+1], "/"),
				parent:     cur,
				parentPhys: phys,
				name:       s,
				ancestors:  ancestors,
			}
			next, err = m.mkdirIn(loc)
			if errors.Is(err, ErrExists) {
				next, err = m.childDir(cur, phys, s)
			}
		}
		if err != nil {
			return err
		}
		cur = next
		ancestors = append(ancestors, cur)
	}
	return nil
}

// Delete removes the node at p. A non-empty directory needs recursive.
func (m *Mapper) Delete(p string, recursive bool) error {
	loc, err := m.locate(p)
	if err != nil {
		return err
	}
	if loc.isRoot() {
		return NewValidationError("path", p, "cannot delete the root directory")
	}
	enc, err := m.names.EncryptName(loc.parent, loc.name)
	if err != nil {
		return err
	}

	ref, found, err := m.lookup(loc.parent, loc.parentPhys, loc.name)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	if ref.isDir {
		return m.deleteDir(loc, ref, recursive)
	}

	releaseFile, err := m.locks.lock(m.ctx, fileLockKey(loc.parent, enc))
	if err != nil {
		return err
	}
	defer releaseFile()
	releaseDir, err := m.locks.lockDirs(m.ctx, loc.parent)
	if err != nil {
		return err
	}
	defer releaseDir()

	if ref, found, err = m.lookup(loc.parent, loc.parentPhys, loc.name); err != nil {
		return err
	} else if !found {
		return ErrNotFound
	} else if ref.isDir {
		return ErrIsDirectory
	}
	if err := m.removeNode(ref); err != nil {
		return err
	}
	m.log.Debug("file deleted", "node", ref.path())
	return nil
}

func (m *Mapper) deleteDir(loc location, ref nodeRef, recursive bool) error {
	id, err := m.readDirID(loc.parent, ref)
	if err != nil {
		return err
	}
	releaseTree, err := m.locks.lock(m.ctx, treeLockKey)
	if err != nil {
		return err
	}
	defer releaseTree()
	release, err := m.locks.lockDirs(m.ctx, loc.parent, id)
	if err != nil {
		return err
	}
	defer release()

	if err := m.checkDir(loc, id); err != nil {
		return err
	}

	phys, err := m.dirPath(id)
	if err != nil {
		return err
	}
	children, err := m.nodesIn(phys)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	var subtree []DirectoryID
	if len(children) > 0 {
		if !recursive {
			return ErrDirectoryNotEmpty
		}
		if subtree, err = m.collectDirs(id, children); err != nil {
			return err
		}
	}

	if err := m.removeNode(ref); err != nil {
		return err
	}
	m.dirs.Remove(dirCacheKey{parent: loc.parent, name: loc.name})

	for _, d := range append([]DirectoryID{id}, subtree...) {
		dp, err := m.dirPath(d)
		if err != nil {
			return err
		}
		if err := m.fs.RemoveAll(dp); err != nil && !isNotExist(err) {
			m.log.Warn("failed to remove directory storage", "phys", dp, "error", err)
			return NewIOError("remove", dp, err)
		}
	}
	m.log.Debug("directory deleted", "node", ref.path(), "subdirs", len(subtree))
	return nil
}

// collectDirs returns the IDs of every directory below id.
func (m *Mapper) collectDirs(id DirectoryID, children []nodeRef) ([]DirectoryID, error) {
	var out []DirectoryID
	for _, c := range children {
		if !c.isDir {
			continue
		}
		child, err := m.readDirID(id, c)
		if err != nil {
			return nil, err
		}
		out = append(out, child)

		phys, err := m.dirPath(child)
		if err != nil {
			return nil, err
		}
		grand, err := m.nodesIn(phys)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		below, err := m.collectDirs(child, grand)
		if err != nil {
			return nil, err
		}
		out = append(out, below...)
	}
	return out, nil
}

// Rename moves the node at oldPath to newPath, which must not exist.
func (m *Mapper) Rename(oldPath, newPath string) error {
	src, err := m.locate(oldPath)
	if err != nil {
		return err
	}
	dst, err := m.locate(newPath)
	if err != nil {
		return err
	}
	if src.isRoot() || dst.isRoot() {
		return NewValidationError("path", oldPath, "cannot rename the root directory")
	}
	if src.path == dst.path {
		return nil
	}

	ref, found, err := m.lookup(src.parent, src.parentPhys, src.name)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	dstEnc, err := m.names.EncryptName(dst.parent, dst.name)
	if err != nil {
		return err
	}
	if ref.isDir {
		return m.renameDir(src, dst, ref, dstEnc)
	}
	return m.renameFile(src, dst, ref, dstEnc)
}

func (m *Mapper) renameDir(src, dst location, ref nodeRef, dstEnc string) error {
	id, err := m.readDirID(src.parent, ref)
	if err != nil {
		return err
	}

	releaseTree, err := m.locks.lock(m.ctx, treeLockKey)
	if err != nil {
		return err
	}
	defer releaseTree()
	release, err := m.locks.lockDirs(m.ctx, src.parent, dst.parent)
	if err != nil {
		return err
	}
	defer release()

	if err := m.checkDir(src, id); err != nil {
		return err
	}
	// the target's ancestry may have changed while waiting for the locks
	now, err := m.locate(dst.path)
	if err != nil {
		return err
	}
	if now.parent != dst.parent {
		return ErrNotFound
	}
	for _, a := range now.ancestors {
		if a == id {
			return NewValidationError("path", dst.path, "cannot move a directory into itself")
		}
	}
	if _, found, err := m.lookup(dst.parent, dst.parentPhys, dst.name); err != nil {
		return err
	} else if found {
		return ErrExists
	}

	newRef := newNodeRef(dst.parentPhys, dstEnc, true, m.threshold)
	if src.parent == dst.parent && !ref.long && !newRef.long {
		if err := m.fs.Rename(ref.path(), newRef.path()); err != nil {
			return NewIOError("rename", newRef.path(), err)
		}
	} else {
		sealed, err := m.names.SealDirID(dst.parent, id)
		if err != nil {
			return err
		}
		if err := m.writeNode(newRef, sealed); err != nil {
			return err
		}
		if err := m.removeNode(ref); err != nil {
			return err
		}
	}

	m.dirs.Remove(dirCacheKey{parent: src.parent, name: src.name})
	m.dirs.Put(dirCacheKey{parent: dst.parent, name: dst.name}, id)
	m.log.Debug("directory renamed", "from", ref.path(), "to", newRef.path())
	return nil
}

func (m *Mapper) renameFile(src, dst location, ref nodeRef, dstEnc string) error {
	releaseFile, err := m.locks.lock(m.ctx, fileLockKey(src.parent, ref.enc))
	if err != nil {
		return err
	}
	defer releaseFile()

	newRef := newNodeRef(dst.parentPhys, dstEnc, false, m.threshold)
	if src.parent != dst.parent {
		return m.moveFile(src, dst, ref, newRef)
	}

	release, err := m.locks.lockDirs(m.ctx, src.parent)
	if err != nil {
		return err
	}
	defer release()

	if err := m.checkMove(src, dst); err != nil {
		return err
	}
	if !ref.long && !newRef.long {
		if err := m.fs.Rename(ref.path(), newRef.path()); err != nil {
			return NewIOError("rename", newRef.path(), err)
		}
	} else {
		if err := m.prepareNode(newRef); err != nil {
			return err
		}
		if err := m.fs.Rename(ref.payload(), newRef.payload()); err != nil {
			return NewIOError("rename", newRef.payload(), err)
		}
		if ref.long {
			if err := m.removeNode(ref); err != nil {
				return err
			}
		}
	}
	m.log.Debug("file renamed", "from", ref.path(), "to", newRef.path())
	return nil
}

// checkDir verifies, under the directory locks, that loc still names the
// directory id.
func (m *Mapper) checkDir(loc location, id DirectoryID) error {
	cur, found, err := m.lookup(loc.parent, loc.parentPhys, loc.name)
	if err != nil {
		return err
	}
	if !found || !cur.isDir {
		return ErrNotFound
	}
	now, err := m.readDirID(loc.parent, cur)
	if err != nil {
		return err
	}
	if now != id {
		return ErrNotFound
	}
	return nil
}

// checkMove verifies, under the directory locks, that the source file is
// still there and the target is free.
func (m *Mapper) checkMove(src, dst location) error {
	if cur, found, err := m.lookup(src.parent, src.parentPhys, src.name); err != nil {
		return err
	} else if !found {
		return ErrNotFound
	} else if cur.isDir {
		return ErrIsDirectory
	}
	if _, found, err := m.lookup(dst.parent, dst.parentPhys, dst.name); err != nil {
		return err
	} else if found {
		return ErrExists
	}
	return nil
}

// moveFile re-encrypts a file into another directory. Content is bound to
// its directory ID, so a physical move alone would not decrypt.
func (m *Mapper) moveFile(src, dst location, ref, newRef nodeRef) error {
	if _, found, err := m.lookup(dst.parent, dst.parentPhys, dst.name); err != nil {
		return err
	} else if found {
		return ErrExists
	}

	r, err := m.openRef(src.parent, ref, src.path)
	if err != nil {
		return err
	}
	defer r.close()

	w, err := m.newWriter(dst, newRef, func() {})
	if err != nil {
		return err
	}
	for i := uint64(0); i < r.chunks; i++ {
		pt, err := r.readChunk(i)
		if err != nil {
			w.abort()
			return err
		}
		if _, err := w.write(pt); err != nil {
			w.abort()
			return err
		}
	}

	err = w.commit([]DirectoryID{src.parent, dst.parent}, func() error {
		if err := m.checkMove(src, dst); err != nil {
			return err
		}
		if err := m.install(w); err != nil {
			return err
		}
		return m.removeNode(ref)
	})
	if err != nil {
		return err
	}
	m.log.Debug("file moved", "from", ref.path(), "to", newRef.path())
	return nil
}

// install moves a writer's finished temp file onto its node.
func (m *Mapper) install(w *Writer) error {
	if err := m.prepareNode(w.ref); err != nil {
		return err
	}
	return replaceFile(m.fs, w.tmpName, w.ref.payload())
}
