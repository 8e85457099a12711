package vaultfs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/absfs/absfs"
	"github.com/google/uuid"
)

const headerLockKey = "h:"

// Vault manages one vault stored at the root of a base filesystem. It moves
// through Uninitialized, Created, Locked, Unlocked and Closed; Unlocked
// means at least one Handle is open.
type Vault struct {
	fs    absfs.FileSystem
	opts  Options
	log   *slog.Logger
	locks *lockManager
	dirs  *lruCache[dirCacheKey, DirectoryID]

	mu      sync.Mutex
	state   State
	handles map[*Handle]struct{}
}

// New returns a Vault over base. The initial state is Locked when base
// already holds a vault header and Uninitialized otherwise.
func New(base absfs.FileSystem, opts *Options) (*Vault, error) {
	if base == nil {
		return nil, NewValidationError("base", nil, "base filesystem cannot be nil")
	}
	var o Options
	if opts != nil {
		o = *opts
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	o = o.withDefaults()

	v := &Vault{
		fs:      base,
		opts:    o,
		log:     o.Logger,
		locks:   newLockManager(o.LockTimeout, o.Metrics),
		dirs:    newLRUCache[dirCacheKey, DirectoryID](o.DirCacheSize),
		state:   StateUninitialized,
		handles: make(map[*Handle]struct{}),
	}
	if _, err := base.Stat(headerPath); err == nil {
		v.state = StateLocked
	} else if !isNotExist(err) {
		return nil, NewIOError("stat", headerPath, err)
	}
	return v, nil
}

var (
	headerPath = "/" + HeaderFileName
	configPath = "/" + ConfigFileName
	readmePath = "/" + ReadmeFileName
)

// CreateAt creates a vault in the host directory dir, creating dir if
// needed.
func CreateAt(dir, passphrase string, opts *CreateOptions) (*Vault, error) {
	if dir == "" {
		return nil, NewValidationError("dir", dir, "vault path cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, NewIOError("mkdir", dir, err)
	}
	v, err := New(NewDirFS(dir), nil)
	if err != nil {
		return nil, err
	}
	if err := v.Create([]byte(passphrase), opts); err != nil {
		return nil, err
	}
	return v, nil
}

// UnlockAt unlocks the vault in the host directory dir.
func UnlockAt(dir, passphrase string) (*Handle, error) {
	if dir == "" {
		return nil, NewValidationError("dir", dir, "vault path cannot be empty")
	}
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return nil, ErrVaultNotFound
	}
	v, err := New(NewDirFS(dir), nil)
	if err != nil {
		return nil, err
	}
	return v.Unlock([]byte(passphrase))
}

// State returns the current lifecycle state.
func (v *Vault) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Options returns the effective options of the vault.
func (v *Vault) Options() Options {
	return v.opts
}

func (v *Vault) readHeader() (*VaultHeader, error) {
	data, err := readFile(v.fs, headerPath, maxHeaderSize)
	if err != nil {
		if isNotExist(err) {
			return nil, ErrVaultNotFound
		}
		if IsCorruptionError(err) {
			return nil, err
		}
		return nil, NewIOError("read", headerPath, err)
	}
	var h VaultHeader
	if err := h.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return &h, nil
}

// Create initializes a new vault: root directory, sealed config, readme and,
// last, the header. Until the header is in place the location is not a
// vault, so a failed Create leaves no partial header behind.
func (v *Vault) Create(passphrase []byte, opts *CreateOptions) error {
	co := opts.withDefaults()
	if err := co.Validate(); err != nil {
		return err
	}
	if err := ValidatePassphrase(passphrase, "passphrase"); err != nil {
		return err
	}

	v.mu.Lock()
	if v.state == StateClosed {
		v.mu.Unlock()
		return ErrHandleClosed
	}
	v.mu.Unlock()

	release, err := v.locks.lock(context.Background(), headerLockKey)
	if err != nil {
		return err
	}
	defer release()

	switch _, err := v.readHeader(); {
	case err == nil:
		return ErrVaultAlreadyExists
	case err == ErrVaultNotFound:
	case IsCorruptionError(err):
		// refuse to overwrite something we cannot parse
		return &CorruptionError{Path: HeaderFileName, Message: "existing header is unreadable: " + err.Error(), Err: ErrVaultAlreadyExists}
	default:
		return err
	}

	start := time.Now()
	header, mk, err := newHeader(context.Background(), v.opts.Metrics, passphrase, co.KDF)
	if err != nil {
		return err
	}
	defer mk.Destroy()

	names, err := NewNameCipher(mk)
	if err != nil {
		return err
	}
	rootHash, err := names.DirHash(RootDirectoryID)
	if err != nil {
		return err
	}
	if err := v.fs.MkdirAll(physDir(rootHash), 0o700); err != nil {
		return NewIOError("mkdir", physDir(rootHash), err)
	}

	cfg := &VaultConfig{
		VaultID:       uuid.NewString(),
		Cipher:        co.Cipher,
		ChunkSize:     co.ChunkSize,
		NameThreshold: co.NameThreshold,
		CreatedAt:     time.Now().UTC().Truncate(time.Second),
	}
	sealed, err := sealConfig(mk, cfg)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(v.fs, configPath, sealed); err != nil {
		return err
	}
	if err := writeFileAtomic(v.fs, readmePath, []byte(readmeText)); err != nil {
		return err
	}

	hb, err := header.MarshalBinary()
	if err != nil {
		return err
	}
	if err := writeFileAtomic(v.fs, headerPath, hb); err != nil {
		return err
	}

	v.mu.Lock()
	v.state = StateCreated
	v.mu.Unlock()
	v.dirs.Clear()

	v.log.Info("vault created",
		"vault_id", cfg.VaultID,
		"cipher", cfg.Cipher.String(),
		"kdf", header.KDF.Algorithm.String(),
		"chunk_size", cfg.ChunkSize,
		"duration", time.Since(start))
	return nil
}

// Unlock opens a new Handle. A wrong passphrase and a tampered header both
// fail with ErrInvalidPassphraseOrCorrupt and leave the state unchanged.
func (v *Vault) Unlock(passphrase []byte) (*Handle, error) {
	v.mu.Lock()
	if v.state == StateClosed {
		v.mu.Unlock()
		return nil, ErrHandleClosed
	}
	v.mu.Unlock()

	header, err := v.readHeader()
	if err != nil {
		v.opts.Metrics.unlock(false)
		return nil, err
	}
	mk, err := openHeader(context.Background(), v.opts.Metrics, header, passphrase)
	if err != nil {
		v.opts.Metrics.unlock(false)
		v.log.Warn("unlock failed", "error", KindOf(err))
		return nil, err
	}

	data, err := readFile(v.fs, configPath, maxConfigSize)
	if err != nil {
		mk.Destroy()
		v.opts.Metrics.unlock(false)
		if isNotExist(err) {
			return nil, NewCorruptionError(ConfigFileName, ErrAuthenticationFailure, "vault config missing")
		}
		return nil, NewIOError("read", configPath, err)
	}
	cfg, err := openConfig(mk, data)
	if err != nil {
		mk.Destroy()
		v.opts.Metrics.unlock(false)
		v.opts.Metrics.authFailure("config")
		return nil, err
	}

	h, err := newHandle(v, mk, cfg)
	if err != nil {
		mk.Destroy()
		return nil, err
	}

	open, err := v.register(h)
	if err != nil {
		return nil, err
	}
	v.opts.Metrics.unlock(true)
	v.log.Info("vault unlocked", "vault_id", cfg.VaultID, "handles", open)
	return h, nil
}

// register adds h to the open handles. A handle that lost the race with
// Close is cancelled and wiped instead.
func (v *Vault) register(h *Handle) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state == StateClosed {
		h.cancel()
		h.wipe()
		return 0, ErrHandleClosed
	}
	v.handles[h] = struct{}{}
	v.state = StateUnlocked
	return len(v.handles), nil
}

// release drops a closed handle.
func (v *Vault) release(h *Handle) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.handles, h)
	if len(v.handles) == 0 && v.state == StateUnlocked {
		v.state = StateLocked
	}
}

// ChangePassphrase re-wraps the master key under newPassphrase. Content is
// untouched and open handles stay valid. The new header is verified in
// memory before it atomically replaces the old one.
func (v *Vault) ChangePassphrase(oldPassphrase, newPassphrase []byte) error {
	if v.State() == StateClosed {
		return ErrHandleClosed
	}
	release, err := v.locks.lock(context.Background(), headerLockKey)
	if err != nil {
		return err
	}
	defer release()

	header, err := v.readHeader()
	if err != nil {
		return err
	}
	nh, err := rewrapHeader(context.Background(), v.opts.Metrics, header, oldPassphrase, newPassphrase)
	if err != nil {
		if err == ErrInvalidPassphraseOrCorrupt {
			v.log.Warn("passphrase change rejected", "error", err)
		}
		return err
	}
	hb, err := nh.MarshalBinary()
	if err != nil {
		return err
	}
	if err := writeFileAtomic(v.fs, headerPath, hb); err != nil {
		return err
	}
	v.log.Info("vault passphrase changed")
	return nil
}

// Close closes every open handle. The vault cannot be used afterwards.
func (v *Vault) Close() error {
	v.mu.Lock()
	if v.state == StateClosed {
		v.mu.Unlock()
		return nil
	}
	v.state = StateClosed
	handles := make([]*Handle, 0, len(v.handles))
	for h := range v.handles {
		handles = append(handles, h)
	}
	v.mu.Unlock()

	for _, h := range handles {
		h.Close()
	}
	v.dirs.Clear()
	return nil
}

// String describes the vault without revealing anything secret.
func (v *Vault) String() string {
	root := "/"
	if d, ok := v.fs.(*DirFS); ok {
		root = d.Root()
	}
	return fmt.Sprintf("vault(%s, %s)", root, v.State())
}
