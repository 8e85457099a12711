package vaultfs

import (
	"context"
	"sync"
)

// Handle is an unlocked view of a vault. It owns the master key until Close.
// All methods are safe for concurrent use; Close waits for running calls and
// then zeroes the keys.
type Handle struct {
	vault  *Vault
	key    *MasterKey
	config VaultConfig
	m      *Mapper

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool

	openMu  sync.Mutex
	files   map[*File]struct{}
	writers map[*Writer]struct{}
}

func newHandle(v *Vault, mk *MasterKey, cfg *VaultConfig) (*Handle, error) {
	names, err := NewNameCipher(mk)
	if err != nil {
		return nil, err
	}
	content, err := NewContentCipher(mk, cfg.Cipher)
	if err != nil {
		return nil, err
	}
	content.metrics = v.opts.Metrics

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		vault:   v,
		key:     mk,
		config:  *cfg,
		ctx:     ctx,
		cancel:  cancel,
		files:   make(map[*File]struct{}),
		writers: make(map[*Writer]struct{}),
	}
	h.m = &Mapper{
		fs:        v.fs,
		names:     names,
		content:   content,
		chunkSize: cfg.ChunkSize,
		threshold: cfg.NameThreshold,
		locks:     v.locks,
		dirs:      v.dirs,
		parallel:  v.opts.Parallel,
		log:       v.log,
		metrics:   v.opts.Metrics,
		ctx:       ctx,
	}
	return h, nil
}

// wipe drops the cipher key schedules and zeroes the master key.
func (h *Handle) wipe() {
	h.m.names.Destroy()
	h.m.content.Destroy()
	h.key.Destroy()
}

// enter marks the start of an operation. The returned function ends it.
func (h *Handle) enter() (func(), error) {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return nil, ErrHandleClosed
	}
	return h.mu.RUnlock, nil
}

// fail attaches op and path to bare error kinds.
func fail(op, p string, err error) error {
	if err == nil {
		return nil
	}
	if kind := KindOf(err); kind == err {
		return pathErr(op, p, err)
	}
	return err
}

// State returns StateUnlocked, or StateClosed once Close has run.
func (h *Handle) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return StateClosed
	}
	return StateUnlocked
}

// Config returns the vault parameters fixed at creation.
func (h *Handle) Config() VaultConfig {
	return h.config
}

// Resolve returns the physical path behind p: the payload file of a file,
// or the storage directory of a directory.
func (h *Handle) Resolve(p string) (string, error) {
	done, err := h.enter()
	if err != nil {
		return "", err
	}
	defer done()
	phys, err := h.m.Resolve(p)
	return phys, fail("resolve", p, err)
}

// ResolveDir returns the directory ID of the directory at p.
func (h *Handle) ResolveDir(p string) (DirectoryID, error) {
	done, err := h.enter()
	if err != nil {
		return "", err
	}
	defer done()
	id, err := h.m.ResolveDir(p)
	return id, fail("resolve", p, err)
}

// Stat describes the file or directory at p.
func (h *Handle) Stat(p string) (FileEntry, error) {
	done, err := h.enter()
	if err != nil {
		return FileEntry{}, err
	}
	defer done()
	e, err := h.m.Stat(p)
	return e, fail("stat", p, err)
}

// List returns the entries of the directory at p sorted by name.
func (h *Handle) List(p string) ([]FileEntry, error) {
	done, err := h.enter()
	if err != nil {
		return nil, err
	}
	defer done()
	entries, err := h.m.List(p)
	return entries, fail("list", p, err)
}

// Mkdir creates a directory. The parent must exist.
func (h *Handle) Mkdir(p string) error {
	done, err := h.enter()
	if err != nil {
		return err
	}
	defer done()
	return fail("mkdir", p, h.m.Mkdir(p))
}

// MkdirAll creates a directory along with any missing parents.
func (h *Handle) MkdirAll(p string) error {
	done, err := h.enter()
	if err != nil {
		return err
	}
	defer done()
	return fail("mkdir", p, h.m.MkdirAll(p))
}

// Delete removes a file or directory. Directories with children are only
// removed when recursive is set.
func (h *Handle) Delete(p string, recursive bool) error {
	done, err := h.enter()
	if err != nil {
		return err
	}
	defer done()
	return fail("delete", p, h.m.Delete(p, recursive))
}

// Rename moves a file or directory. The target must not exist.
func (h *Handle) Rename(oldPath, newPath string) error {
	done, err := h.enter()
	if err != nil {
		return err
	}
	defer done()
	return fail("rename", oldPath, h.m.Rename(oldPath, newPath))
}

// Open opens a file for reading.
func (h *Handle) Open(p string) (*File, error) {
	done, err := h.enter()
	if err != nil {
		return nil, err
	}
	defer done()

	f, err := h.m.Open(p)
	if err != nil {
		return nil, fail("open", p, err)
	}
	f.enter = h.enter
	h.openMu.Lock()
	h.files[f] = struct{}{}
	h.openMu.Unlock()
	f.onDone = func() {
		h.openMu.Lock()
		delete(h.files, f)
		h.openMu.Unlock()
	}
	return f, nil
}

// ReadFile returns the whole content of a file.
func (h *Handle) ReadFile(p string) ([]byte, error) {
	done, err := h.enter()
	if err != nil {
		return nil, err
	}
	defer done()

	f, err := h.m.Open(p)
	if err != nil {
		return nil, fail("read", p, err)
	}
	defer f.close()

	chunks, err := f.readChunks(h.ctx, 0, f.chunks)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, f.size)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out, nil
}

// ReadChunks returns count decrypted chunks of a file starting at first.
func (h *Handle) ReadChunks(p string, first, count uint64) ([][]byte, error) {
	done, err := h.enter()
	if err != nil {
		return nil, err
	}
	defer done()

	f, err := h.m.Open(p)
	if err != nil {
		return nil, fail("read", p, err)
	}
	defer f.close()
	return f.readChunks(h.ctx, first, count)
}

// Create starts writing a new version of the file at p. The file is locked
// against other writers until the Writer is closed or aborted.
func (h *Handle) Create(p string) (*Writer, error) {
	done, err := h.enter()
	if err != nil {
		return nil, err
	}
	defer done()

	w, err := h.m.Create(p)
	if err != nil {
		return nil, fail("create", p, err)
	}
	w.enter = h.enter
	h.openMu.Lock()
	h.writers[w] = struct{}{}
	h.openMu.Unlock()
	w.onDone = func() {
		h.openMu.Lock()
		delete(h.writers, w)
		h.openMu.Unlock()
	}
	return w, nil
}

// WriteFile replaces the content of the file at p with data, creating it if
// needed.
func (h *Handle) WriteFile(p string, data []byte) error {
	done, err := h.enter()
	if err != nil {
		return err
	}
	defer done()

	w, err := h.m.Create(p)
	if err != nil {
		return fail("write", p, err)
	}
	if err := w.writeAll(h.ctx, data); err != nil {
		w.abort()
		return err
	}
	return fail("write", p, w.commitReplace())
}

// Close aborts open writers, closes open files and zeroes the keys. It is
// idempotent.
func (h *Handle) Close() error {
	h.cancel()
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true

	h.openMu.Lock()
	writers := make([]*Writer, 0, len(h.writers))
	for w := range h.writers {
		writers = append(writers, w)
	}
	files := make([]*File, 0, len(h.files))
	for f := range h.files {
		files = append(files, f)
	}
	h.openMu.Unlock()

	for _, w := range writers {
		w.abort()
	}
	for _, f := range files {
		f.close()
	}
	h.wipe()
	h.mu.Unlock()

	h.vault.release(h)
	return nil
}
