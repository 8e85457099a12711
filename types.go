package vaultfs

import (
	"log/slog"
	"time"
)

// CipherSuite represents the content encryption algorithm
type CipherSuite uint8

const (
	// CipherAuto selects the default cipher (AES-256-GCM)
	CipherAuto CipherSuite = iota
	// CipherAES256GCM uses AES-256 with Galois/Counter Mode
	CipherAES256GCM
	// CipherChaCha20Poly1305 uses ChaCha20 stream cipher with Poly1305 MAC
	CipherChaCha20Poly1305
)

// String returns the string representation of the cipher suite
func (c CipherSuite) String() string {
	switch c {
	case CipherAuto:
		return "auto"
	case CipherAES256GCM:
		return "aes-256-gcm"
	case CipherChaCha20Poly1305:
		return "chacha20-poly1305"
	default:
		return "unknown"
	}
}

// ParseCipherSuite parses the names produced by CipherSuite.String.
func ParseCipherSuite(s string) (CipherSuite, error) {
	switch s {
	case "", "auto":
		return CipherAuto, nil
	case "aes-256-gcm", "aes":
		return CipherAES256GCM, nil
	case "chacha20-poly1305", "chacha20":
		return CipherChaCha20Poly1305, nil
	}
	return 0, NewValidationError("cipher", s, "unknown cipher suite")
}

// State is the lifecycle state of a vault or a handle.
type State uint8

const (
	StateUninitialized State = iota
	StateCreated
	StateLocked
	StateUnlocked
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateCreated:
		return "created"
	case StateLocked:
		return "locked"
	case StateUnlocked:
		return "unlocked"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DirectoryID identifies a logical directory for its whole lifetime. The root
// directory has the empty ID.
type DirectoryID string

// RootDirectoryID is the ID of every vault's root directory.
const RootDirectoryID DirectoryID = ""

// FileEntry describes one logical child of a directory.
type FileEntry struct {
	Name         string      // cleartext name
	PhysicalName string      // ciphertext node name inside the parent's physical directory
	Size         int64       // cleartext size, 0 for directories
	ChunkCount   uint64      // number of chunks, 0 for directories
	DirectoryID  DirectoryID // parent directory
	IsDir        bool
	ID           DirectoryID // the directory's own ID when IsDir
	ModTime      time.Time
}

// Options configures a Vault. The zero value is usable.
type Options struct {
	// Logger receives operational events. Defaults to a discarding logger.
	Logger *slog.Logger

	// LockTimeout bounds every lock acquisition. Defaults to DefaultLockTimeout.
	LockTimeout time.Duration

	// Parallel controls bulk chunk processing.
	Parallel ParallelConfig

	// Metrics, when set, records engine counters.
	Metrics *Metrics

	// DirCacheSize bounds the directory ID cache of each handle.
	DirCacheSize int
}

// DefaultLockTimeout is used when Options.LockTimeout is zero.
const DefaultLockTimeout = 5 * time.Second

// Validate checks if the options are valid
func (o *Options) Validate() error {
	if o.LockTimeout < 0 {
		return NewValidationError("lock_timeout", o.LockTimeout, "cannot be negative")
	}
	if o.DirCacheSize < 0 {
		return NewValidationError("dir_cache_size", o.DirCacheSize, "cannot be negative")
	}
	return o.Parallel.Validate()
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	if o.LockTimeout == 0 {
		o.LockTimeout = DefaultLockTimeout
	}
	if o.DirCacheSize == 0 {
		o.DirCacheSize = 256
	}
	if o.Parallel == (ParallelConfig{}) {
		o.Parallel = DefaultParallelConfig()
	}
	return o
}

// CreateOptions are the parameters fixed at vault creation and persisted
// in the header and vault config.
type CreateOptions struct {
	// KDF selects the key derivation function and its work factor. A zero
	// value uses DefaultKDFParams. The salt is always generated.
	KDF KDFParams

	// Cipher used for content. CipherAuto means AES-256-GCM.
	Cipher CipherSuite

	// ChunkSize is the cleartext chunk size. Zero means DefaultChunkSize.
	ChunkSize uint32

	// NameThreshold is the longest physical node name stored as is. Longer
	// names are shortened. Zero means DefaultNameThreshold.
	NameThreshold int
}

func (c *CreateOptions) withDefaults() CreateOptions {
	var o CreateOptions
	if c != nil {
		o = *c
	}
	if o.KDF.Algorithm == 0 && o.KDF.Cost == 0 && o.KDF.BlockSize == 0 && o.KDF.Parallelism == 0 {
		o.KDF = DefaultKDFParams()
	}
	o.KDF.Salt = nil
	if o.Cipher == CipherAuto {
		o.Cipher = CipherAES256GCM
	}
	if o.ChunkSize == 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.NameThreshold == 0 {
		o.NameThreshold = DefaultNameThreshold
	}
	return o
}

// Validate checks the creation parameters.
func (c *CreateOptions) Validate() error {
	if err := ValidateKDFParams(c.KDF, false); err != nil {
		return err
	}
	if c.Cipher != CipherAES256GCM && c.Cipher != CipherChaCha20Poly1305 {
		return NewValidationError("cipher", c.Cipher, "unsupported cipher suite")
	}
	if err := ValidateChunkSize(c.ChunkSize); err != nil {
		return err
	}
	if c.NameThreshold < MinNameThreshold || c.NameThreshold > MaxNameThreshold {
		return NewValidationError("name_threshold", c.NameThreshold,
			"must be between 64 and 255")
	}
	return nil
}
