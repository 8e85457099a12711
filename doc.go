// Package vaultfs stores a directory tree inside an encrypted vault on top of
// any absfs.FileSystem. File contents, file names and the directory
// structure are all hidden from whoever can read the underlying storage.
//
// # Overview
//
// A vault lives at the root of a base filesystem. It is created once with a
// passphrase and afterwards unlocked into a Handle, which offers path based
// operations (Stat, List, Mkdir, Delete, Rename, Open, Create) on the
// cleartext view. Several handles may be open on one Vault at a time.
//
// # Basic Usage
//
//	v, err := vaultfs.CreateAt("/tmp/v1", "correct-horse", nil)
//	if err != nil {
//	    panic(err)
//	}
//
//	h, err := v.Unlock([]byte("correct-horse"))
//	if err != nil {
//	    panic(err)
//	}
//	defer h.Close()
//
//	h.MkdirAll("/docs")
//	h.WriteFile("/docs/a.txt", []byte("hello"))
//	data, _ := h.ReadFile("/docs/a.txt")
//
// # Key Hierarchy
//
// A random 256-bit master key is generated when the vault is created. The
// passphrase is stretched with scrypt or Argon2id into a key-encryption key,
// which wraps the master key with AES-SIV. The wrapped key, the KDF
// parameters and an HMAC-SHA256 over both are stored in vault.header.
// Changing the passphrase only rewrites the header.
//
// Every other key is derived from the master key with HKDF-SHA256:
//   - a content key for file chunks (AES-256-GCM or ChaCha20-Poly1305)
//   - a nonce key for deterministic per-chunk nonces
//   - two AES-SIV keys, one for names and one for directory IDs
//   - a config key sealing vault.config
//
// # Storage Layout
//
// Each directory has a random ID. Its children are stored in a physical
// directory named after a hash of the encrypted ID:
//
//	vault.header
//	vault.config
//	IMPORTANT.txt
//	d/XX/REST/<encrypted name>.vf    file
//	d/XX/REST/<encrypted name>.vd    directory node (sealed child ID)
//	d/XX/REST/<hash>.vl/             long name: "name" plus node.vf or node.vd
//
// Names are encrypted deterministically with the parent's ID as associated
// data, so a name cannot be moved to another directory without detection.
//
// # Content Format
//
// A content file is a 26 byte header followed by one or more chunks:
//
//	"VFC1" | version | cipher | chunkSize | fileNonce[16]
//	nonce[12] | ciphertext | tag[16]    (repeated)
//
// Each chunk is authenticated together with the file header, the parent
// directory ID, its index and a final flag. Reordering, truncating or
// extending a file is detected on read.
//
// # Concurrency
//
// Writes to one file are serialized by a per-file lock and waiters give up
// after Options.LockTimeout with ErrLockTimeout. A file is written to a
// temporary name and renamed into place, so readers always see either the
// old or the new version. Chunk encryption and decryption may run in
// parallel, see ParallelConfig.
//
// # Security Considerations
//
// Protected Against:
//   - Reading file contents or names from the storage
//   - Tampering with, reordering or truncating chunks
//   - Moving encrypted names or files between directories
//   - Offline guessing of the passphrase beyond the KDF cost
//
// Not Protected Against:
//   - Memory dumps while a handle is open
//   - Leakage of file sizes, chunk counts and tree shape
//   - Rollback of a whole file to an older valid version
package vaultfs
