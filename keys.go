package vaultfs

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDF info labels. Changing any of these changes every derived key.
const (
	infoWrap    = "vaultfs header wrap v1"
	infoMAC     = "vaultfs header mac v1"
	infoContent = "vaultfs content v1"
	infoNonce   = "vaultfs chunk nonce v1"
	infoName    = "vaultfs names v1"
	infoDir     = "vaultfs dirids v1"
	infoConfig  = "vaultfs config v1"
)

// MasterKey is the vault's 256-bit master key together with the subkeys
// derived from it. It lives in memory only while a handle is open.
type MasterKey struct {
	raw []byte

	content []byte // AEAD key for file chunks
	nonce   []byte // HMAC key for deterministic chunk nonces
	name    []byte // SIV key for filenames
	dir     []byte // SIV key for directory IDs
	config  []byte // AEAD key for vault.config
}

// GenerateMasterKey returns a fresh random master key.
func GenerateMasterKey() (*MasterKey, error) {
	raw := make([]byte, KeySize)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	return newMasterKey(raw)
}

// newMasterKey takes ownership of raw and derives every subkey from it.
func newMasterKey(raw []byte) (*MasterKey, error) {
	if err := ValidateKey(raw, KeySize); err != nil {
		return nil, err
	}
	mk := &MasterKey{raw: raw}

	var err error
	if mk.content, err = expandKey(raw, infoContent, KeySize); err != nil {
		return nil, err
	}
	if mk.nonce, err = expandKey(raw, infoNonce, KeySize); err != nil {
		return nil, err
	}
	if mk.name, err = expandKey(raw, infoName, SIVKeySize); err != nil {
		return nil, err
	}
	if mk.dir, err = expandKey(raw, infoDir, SIVKeySize); err != nil {
		return nil, err
	}
	if mk.config, err = expandKey(raw, infoConfig, KeySize); err != nil {
		return nil, err
	}
	return mk, nil
}

// Equal reports whether both keys hold the same raw bytes, in constant time.
func (mk *MasterKey) Equal(other *MasterKey) bool {
	if mk == nil || other == nil {
		return false
	}
	return subtle.ConstantTimeCompare(mk.raw, other.raw) == 1
}

// Destroy zeroes the master key and every subkey. It is safe to call more
// than once.
func (mk *MasterKey) Destroy() {
	if mk == nil {
		return
	}
	zeroBytes(mk.raw)
	zeroBytes(mk.content)
	zeroBytes(mk.nonce)
	zeroBytes(mk.name)
	zeroBytes(mk.dir)
	zeroBytes(mk.config)
}

// expandKey derives size bytes from secret under the given label.
func expandKey(secret []byte, info string, size int) ([]byte, error) {
	out := make([]byte, size)
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("hkdf expand %q: %w", info, err)
	}
	return out, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
