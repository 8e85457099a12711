package vaultfs

import (
	"crypto/sha256"
	"encoding/base32"
	"encoding/base64"
	"strings"
	"unicode/utf8"
)

const (
	// DefaultNameThreshold is the longest physical node name stored verbatim
	DefaultNameThreshold = 220

	// MinNameThreshold and MaxNameThreshold bound CreateOptions.NameThreshold
	MinNameThreshold = 64
	MaxNameThreshold = 255

	// MaxNameLength is the longest logical path segment in bytes
	MaxNameLength = 255
)

var (
	nameEncoding = base64.URLEncoding.WithPadding(base64.NoPadding)
	hashEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)
)

// NameCipher deterministically encrypts path segments and directory IDs.
// Every name is bound to the ID of the directory containing it, so a node
// copied into another directory no longer decrypts.
type NameCipher struct {
	names *SIVEngine
	dirs  *SIVEngine
}

// NewNameCipher creates a NameCipher from the name and directory subkeys of mk.
func NewNameCipher(mk *MasterKey) (*NameCipher, error) {
	names, err := NewSIVEngine(mk.name)
	if err != nil {
		return nil, NewEncryptionError("encrypt", "", err)
	}
	dirs, err := NewSIVEngine(mk.dir)
	if err != nil {
		return nil, NewEncryptionError("encrypt", "", err)
	}
	return &NameCipher{names: names, dirs: dirs}, nil
}

// Destroy drops the key schedules. Every later call fails.
func (c *NameCipher) Destroy() {
	c.names = &SIVEngine{}
	c.dirs = &SIVEngine{}
}

// ValidateName checks a single logical path segment.
func ValidateName(name string) error {
	switch {
	case name == "":
		return NewValidationError("name", name, "name cannot be empty")
	case name == "." || name == "..":
		return NewValidationError("name", name, "name cannot be . or ..")
	case len(name) > MaxNameLength:
		return NewValidationError("name", len(name), "name too long")
	case strings.ContainsAny(name, "/\x00"):
		return NewValidationError("name", name, "name cannot contain / or NUL")
	case !utf8.ValidString(name):
		return NewValidationError("name", name, "name must be valid UTF-8")
	}
	return nil
}

// EncryptName returns the base64url SIV encryption of name under parent.
// Equal inputs always give equal output.
func (c *NameCipher) EncryptName(parent DirectoryID, name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	ct, err := c.names.Encrypt([]byte(name), []byte(parent))
	if err != nil {
		return "", NewEncryptionError("encrypt", "", err)
	}
	return nameEncoding.EncodeToString(ct), nil
}

// DecryptName inverts EncryptName. A name that was modified, or that belongs
// to another directory, fails with ErrAuthenticationFailure.
func (c *NameCipher) DecryptName(parent DirectoryID, enc string) (string, error) {
	ct, err := nameEncoding.DecodeString(enc)
	if err != nil {
		return "", NewAuthenticationError("", "encrypted name is not valid base64url")
	}
	pt, err := c.names.Decrypt(ct, []byte(parent))
	if err != nil {
		return "", NewAuthenticationError("", "encrypted name failed authentication")
	}
	return string(pt), nil
}

// DirHash returns the storage hash of a directory ID: base32 of the SHA-256
// of its SIV encryption.
func (c *NameCipher) DirHash(id DirectoryID) (string, error) {
	ct, err := c.dirs.Encrypt([]byte(id))
	if err != nil {
		return "", NewEncryptionError("encrypt", "", err)
	}
	sum := sha256.Sum256(ct)
	return hashEncoding.EncodeToString(sum[:]), nil
}

// SealDirID encrypts a child directory ID for storage in its parent's
// directory node.
func (c *NameCipher) SealDirID(parent, child DirectoryID) ([]byte, error) {
	ct, err := c.dirs.Encrypt([]byte(child), []byte("vd"), []byte(parent))
	if err != nil {
		return nil, NewEncryptionError("encrypt", "", err)
	}
	return ct, nil
}

// OpenDirID inverts SealDirID.
func (c *NameCipher) OpenDirID(parent DirectoryID, sealed []byte) (DirectoryID, error) {
	pt, err := c.dirs.Decrypt(sealed, []byte("vd"), []byte(parent))
	if err != nil {
		return "", NewAuthenticationError("", "directory node failed authentication")
	}
	return DirectoryID(pt), nil
}

// shortName is the fixed-length stand-in for an encrypted name that is too
// long to store verbatim.
func shortName(enc string) string {
	sum := sha256.Sum256([]byte(enc))
	return hashEncoding.EncodeToString(sum[:])
}
