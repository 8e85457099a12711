package vaultfs

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"sync"

	"github.com/absfs/absfs"
)

// defaultChunkCacheSize is the number of decrypted chunks a File keeps
const defaultChunkCacheSize = 16

// File reads a vault file. Reads decrypt whole chunks and keep the most
// recent ones in an LRU cache. It is safe for concurrent use.
type File struct {
	m      *Mapper
	enter  func() (func(), error)
	path   string
	dirID  DirectoryID
	base   absfs.File
	header *ContentHeader

	physical int64
	size     int64
	chunks   uint64
	cache    *lruCache[uint64, []byte]

	mu     sync.Mutex
	offset int64
	closed bool
	onDone func()
}

// openRef opens the content file of a file node.
func (m *Mapper) openRef(parent DirectoryID, ref nodeRef, logical string) (*File, error) {
	base, err := m.fs.Open(ref.payload())
	if err != nil {
		if isNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, NewIOError("open", ref.payload(), err)
	}
	fi, err := base.Stat()
	if err != nil {
		base.Close()
		return nil, NewIOError("stat", ref.payload(), err)
	}
	h, err := m.readContentHeader(base, ref.payload())
	if err != nil {
		base.Close()
		return nil, err
	}
	size, chunks, err := CleartextSize(fi.Size(), h.ChunkSize)
	if err != nil {
		base.Close()
		if ce, ok := err.(*CorruptionError); ok {
			ce.Path = logical
		}
		m.metrics.authFailure("chunk")
		return nil, err
	}
	return &File{
		m:        m,
		path:     logical,
		dirID:    parent,
		base:     base,
		header:   h,
		physical: fi.Size(),
		size:     size,
		chunks:   chunks,
		cache:    newLRUCache[uint64, []byte](defaultChunkCacheSize),
	}, nil
}

// Open opens the file at p for reading.
func (m *Mapper) Open(p string) (*File, error) {
	loc, err := m.locate(p)
	if err != nil {
		return nil, err
	}
	if loc.isRoot() {
		return nil, ErrIsDirectory
	}
	ref, found, err := m.lookup(loc.parent, loc.parentPhys, loc.name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	if ref.isDir {
		return nil, ErrIsDirectory
	}
	return m.openRef(loc.parent, ref, loc.path)
}

// Name returns the logical path the file was opened with.
func (f *File) Name() string { return f.path }

// Size returns the cleartext size.
func (f *File) Size() int64 { return f.size }

// ChunkCount returns the number of stored chunks.
func (f *File) ChunkCount() uint64 { return f.chunks }

// ChunkSize returns the cleartext chunk size of this file.
func (f *File) ChunkSize() uint32 { return f.header.ChunkSize }

func (f *File) guard() (func(), error) {
	if f.enter == nil {
		return func() {}, nil
	}
	return f.enter()
}

// readChunk returns the decrypted chunk i. The returned slice is shared with
// the cache and must not be modified.
func (f *File) readChunk(i uint64) ([]byte, error) {
	if i >= f.chunks {
		return nil, io.EOF
	}
	if pt, ok := f.cache.Get(i); ok {
		return pt, nil
	}

	off := chunkOffset(i, f.header.ChunkSize)
	n := int64(f.header.ChunkSize) + ChunkOverhead
	final := i == f.chunks-1
	if final {
		n = f.physical - off
	}
	buf := make([]byte, n)
	read, err := f.base.ReadAt(buf, off)
	if int64(read) < n {
		if err == nil || errors.Is(err, io.EOF) {
			return nil, &AuthenticationError{Path: f.path, ChunkIdx: i, Message: "chunk truncated"}
		}
		return nil, &IOError{Operation: "read", Path: f.path, Offset: off, Err: err}
	}

	pt, err := f.m.content.DecryptChunk(f.header, f.dirID, i, final, buf)
	if err != nil {
		if ae, ok := err.(*AuthenticationError); ok {
			ae.Path = f.path
		}
		f.m.log.Warn("chunk failed authentication", "chunk", i, "dir_id", string(f.dirID))
		return nil, err
	}
	f.cache.Put(i, pt)
	return pt, nil
}

// readChunks decrypts count chunks starting at first, in parallel when the
// configuration allows it.
func (f *File) readChunks(ctx context.Context, first, count uint64) ([][]byte, error) {
	if err := ValidateChunkRange(first, count, f.chunks); err != nil {
		return nil, err
	}
	out := make([][]byte, count)
	err := f.m.parallel.forEachChunk(ctx, int(count), func(_ context.Context, i int) error {
		pt, err := f.readChunk(first + uint64(i))
		if err != nil {
			return err
		}
		out[i] = append([]byte(nil), pt...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReadChunks returns copies of count decrypted chunks starting at first.
func (f *File) ReadChunks(first, count uint64) ([][]byte, error) {
	done, err := f.guard()
	if err != nil {
		return nil, err
	}
	defer done()
	if f.isClosed() {
		return nil, fs.ErrClosed
	}
	return f.readChunks(f.m.ctx, first, count)
}

func (f *File) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// readAt fills p from cleartext offset off.
func (f *File) readAt(p []byte, off int64) (int, error) {
	if off >= f.size {
		return 0, io.EOF
	}
	cs := int64(f.header.ChunkSize)
	n := 0
	for n < len(p) && off < f.size {
		pt, err := f.readChunk(uint64(off / cs))
		if err != nil {
			return n, err
		}
		c := copy(p[n:], pt[off%cs:])
		n += c
		off += int64(c)
	}
	return n, nil
}

// Read implements io.Reader.
func (f *File) Read(p []byte) (int, error) {
	done, err := f.guard()
	if err != nil {
		return 0, err
	}
	defer done()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, fs.ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	n, err := f.readAt(p, f.offset)
	f.offset += int64(n)
	return n, err
}

// ReadAt implements io.ReaderAt.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	done, err := f.guard()
	if err != nil {
		return 0, err
	}
	defer done()

	if err := ValidateOffset(off, "offset"); err != nil {
		return 0, err
	}
	if f.isClosed() {
		return 0, fs.ErrClosed
	}
	n, err := f.readAt(p, off)
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}

// Seek implements io.Seeker.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, fs.ErrClosed
	}

	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = f.offset + offset
	case io.SeekEnd:
		abs = f.size + offset
	default:
		return 0, NewValidationError("whence", whence, "invalid whence")
	}
	if err := ValidateOffset(abs, "offset"); err != nil {
		return 0, err
	}
	f.offset = abs
	return abs, nil
}

func (f *File) close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	f.cache.Clear()
	if f.onDone != nil {
		f.onDone()
	}
	if err := f.base.Close(); err != nil {
		return NewIOError("close", f.path, err)
	}
	return nil
}

// Close releases the file. Calling it again is a no-op.
func (f *File) Close() error {
	return f.close()
}

// Writer streams a new version of a vault file. Nothing is visible until
// Close commits it; Abort discards it. The writer holds the file's lock
// from creation until Close or Abort.
type Writer struct {
	m       *Mapper
	enter   func() (func(), error)
	loc     location
	ref     nodeRef
	header  *ContentHeader
	tmp     absfs.File
	tmpName string

	mu      sync.Mutex
	buf     []byte
	index   uint64
	size    int64
	err     error
	done    bool
	release func()
	onDone  func()
}

// newWriter starts a new file version for ref inside loc.parent. release is
// called once the writer is finished.
func (m *Mapper) newWriter(loc location, ref nodeRef, release func()) (*Writer, error) {
	h, err := m.content.NewHeader(m.chunkSize)
	if err != nil {
		return nil, err
	}
	hb, _ := h.MarshalBinary()

	tmpName := tempName(loc.parentPhys)
	tmp, err := m.fs.OpenFile(tmpName, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, NewIOError("create", tmpName, err)
	}
	if _, err := tmp.Write(hb); err != nil {
		tmp.Close()
		m.fs.Remove(tmpName)
		return nil, NewIOError("write", tmpName, err)
	}
	return &Writer{
		m:       m,
		loc:     loc,
		ref:     ref,
		header:  h,
		tmp:     tmp,
		tmpName: tmpName,
		buf:     make([]byte, 0, h.ChunkSize),
		release: release,
	}, nil
}

// Create starts a writer for the file at p, replacing it on commit.
func (m *Mapper) Create(p string) (*Writer, error) {
	loc, err := m.locate(p)
	if err != nil {
		return nil, err
	}
	if loc.isRoot() {
		return nil, ErrIsDirectory
	}
	enc, err := m.names.EncryptName(loc.parent, loc.name)
	if err != nil {
		return nil, err
	}
	release, err := m.locks.lock(m.ctx, fileLockKey(loc.parent, enc))
	if err != nil {
		return nil, err
	}

	ref, found, err := m.lookup(loc.parent, loc.parentPhys, loc.name)
	if err != nil {
		release()
		return nil, err
	}
	if found && ref.isDir {
		release()
		return nil, ErrIsDirectory
	}
	w, err := m.newWriter(loc, ref, release)
	if err != nil {
		release()
		return nil, err
	}
	return w, nil
}

func (w *Writer) guard() (func(), error) {
	if w.enter == nil {
		return func() {}, nil
	}
	return w.enter()
}

// flushChunk seals and appends one chunk. Called with w.mu held.
func (w *Writer) flushChunk(pt []byte, final bool) error {
	sealed, err := w.m.content.EncryptChunk(w.header, w.loc.parent, w.index, final, pt)
	if err != nil {
		return err
	}
	if _, err := w.tmp.Write(sealed); err != nil {
		return NewIOError("write", w.tmpName, err)
	}
	w.index++
	return nil
}

// write buffers p and seals every chunk known not to be the last one.
func (w *Writer) write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return 0, fs.ErrClosed
	}
	if w.err != nil {
		return 0, w.err
	}
	if w.buf == nil {
		return 0, NewValidationError("writer", w.index, "final chunk already written")
	}

	cs := int(w.header.ChunkSize)
	w.buf = append(w.buf, p...)
	for len(w.buf) > cs {
		if err := w.flushChunk(w.buf[:cs], false); err != nil {
			w.err = err
			return 0, err
		}
		n := copy(w.buf, w.buf[cs:])
		zeroBytes(w.buf[n:])
		w.buf = w.buf[:n]
	}
	w.size += int64(len(p))
	return len(p), nil
}

// writeAll seals data as the complete content of a fresh writer, encrypting
// chunks in parallel.
func (w *Writer) writeAll(ctx context.Context, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.index != 0 || len(w.buf) != 0 {
		return NewValidationError("writer", w.index, "writer already has data")
	}

	cs := int64(w.header.ChunkSize)
	n := ChunkCount(int64(len(data)), w.header.ChunkSize)
	sealed := make([][]byte, n)
	err := w.m.parallel.forEachChunk(ctx, int(n), func(_ context.Context, i int) error {
		start := int64(i) * cs
		end := min(start+cs, int64(len(data)))
		ct, err := w.m.content.EncryptChunk(w.header, w.loc.parent, uint64(i), uint64(i) == n-1, data[start:end])
		if err != nil {
			return err
		}
		sealed[i] = ct
		return nil
	})
	if err != nil {
		w.err = err
		return err
	}
	for _, ct := range sealed {
		if _, err := w.tmp.Write(ct); err != nil {
			w.err = NewIOError("write", w.tmpName, err)
			return w.err
		}
	}
	w.index = n
	w.size = int64(len(data))
	// all chunks including the final one are written
	w.buf = nil
	return nil
}

// commit seals the last chunk, syncs the temp file and, holding the locks of
// dirs, runs install. On any failure the temp file is removed.
func (w *Writer) commit(dirs []DirectoryID, install func() error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return fs.ErrClosed
	}
	w.done = true
	defer w.finish()

	err := w.err
	if err == nil && w.buf != nil {
		err = w.flushChunk(w.buf, true)
		zeroBytes(w.buf)
	}
	if err == nil {
		if serr := w.tmp.Sync(); serr != nil {
			err = NewIOError("sync", w.tmpName, serr)
		}
	}
	if cerr := w.tmp.Close(); err == nil && cerr != nil {
		err = NewIOError("close", w.tmpName, cerr)
	}
	if err != nil {
		w.m.fs.Remove(w.tmpName)
		return err
	}

	release, err := w.m.locks.lockDirs(w.m.ctx, dirs...)
	if err != nil {
		w.m.fs.Remove(w.tmpName)
		return err
	}
	defer release()

	if err := install(); err != nil {
		w.m.fs.Remove(w.tmpName)
		return err
	}
	w.m.log.Debug("file committed", "node", w.ref.path(), "chunks", w.index)
	return nil
}

func (w *Writer) finish() {
	if w.release != nil {
		w.release()
		w.release = nil
	}
	if w.onDone != nil {
		w.onDone()
		w.onDone = nil
	}
}

// abort discards the writer.
func (w *Writer) abort() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return
	}
	w.done = true
	zeroBytes(w.buf)
	w.tmp.Close()
	w.m.fs.Remove(w.tmpName)
	w.finish()
}

// commitReplace installs the writer over its node in its own directory.
func (w *Writer) commitReplace() error {
	return w.commit([]DirectoryID{w.loc.parent}, func() error {
		ref, found, err := w.m.lookup(w.loc.parent, w.loc.parentPhys, w.loc.name)
		if err != nil {
			return err
		}
		if found && ref.isDir {
			return ErrIsDirectory
		}
		return w.m.install(w)
	})
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	done, err := w.guard()
	if err != nil {
		return 0, err
	}
	defer done()
	return w.write(p)
}

// Size returns the number of cleartext bytes written so far.
func (w *Writer) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Close commits the new version. Readers see either the previous version or
// this one in full.
func (w *Writer) Close() error {
	done, err := w.guard()
	if err != nil {
		return err
	}
	defer done()
	return w.commitReplace()
}

// Abort discards everything written and releases the file.
func (w *Writer) Abort() error {
	done, err := w.guard()
	if err != nil {
		return err
	}
	defer done()
	w.abort()
	return nil
}
