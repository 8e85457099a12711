package vaultfs

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderFormatVersion is the only vault header version this package reads
	HeaderFormatVersion = uint32(1)

	// HeaderFileName is the header's location inside the vault root
	HeaderFileName = "vault.header"

	headerMACSize     = sha256.Size
	wrappedKeySize    = KeySize + 16
	maxHeaderSize     = 4 + 1 + MaxSaltSize + 1 + 12 + 2 + wrappedKeySize + headerMACSize
	minHeaderBodySize = 4 + 1 + MinSaltSize + 1 + 12 + 2
)

// VaultHeader is the persisted, tamper-evident record of the wrapped master
// key and the KDF parameters needed to unwrap it.
//
// Encoding (little-endian):
//
//	[formatVersion:4][saltLen:1][salt][kdfAlgorithm:1][kdfCost:4]
//	[kdfBlockSize:4][kdfParallelism:4][wrappedKeyLen:2][wrappedKey][MAC:32]
//
// MAC is HMAC-SHA256 over every byte before it.
type VaultHeader struct {
	FormatVersion uint32
	KDF           KDFParams
	WrappedKey    []byte
	MAC           [headerMACSize]byte
}

// body encodes every field preceding the MAC.
func (h *VaultHeader) body() []byte {
	buf := new(bytes.Buffer)
	buf.Grow(maxHeaderSize)

	binary.Write(buf, binary.LittleEndian, h.FormatVersion)
	buf.WriteByte(byte(len(h.KDF.Salt)))
	buf.Write(h.KDF.Salt)
	buf.WriteByte(byte(h.KDF.Algorithm))
	binary.Write(buf, binary.LittleEndian, h.KDF.Cost)
	binary.Write(buf, binary.LittleEndian, h.KDF.BlockSize)
	binary.Write(buf, binary.LittleEndian, h.KDF.Parallelism)
	binary.Write(buf, binary.LittleEndian, uint16(len(h.WrappedKey)))
	buf.Write(h.WrappedKey)
	return buf.Bytes()
}

// MarshalBinary encodes the header.
func (h *VaultHeader) MarshalBinary() ([]byte, error) {
	if len(h.KDF.Salt) > MaxSaltSize {
		return nil, NewValidationError("salt", len(h.KDF.Salt), "salt too long")
	}
	if len(h.WrappedKey) > 0xffff {
		return nil, NewValidationError("wrapped_key", len(h.WrappedKey), "wrapped key too long")
	}
	return append(h.body(), h.MAC[:]...), nil
}

// UnmarshalBinary decodes a header. The version is checked before anything
// else is parsed.
func (h *VaultHeader) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return NewCorruptionError(HeaderFileName, ErrInvalidPassphraseOrCorrupt, "header truncated")
	}
	version := binary.LittleEndian.Uint32(data)
	if version != HeaderFormatVersion {
		return NewCorruptionError(HeaderFileName, ErrUnsupportedVersion,
			fmt.Sprintf("header version %d (supported: %d)", version, HeaderFormatVersion))
	}
	if len(data) < minHeaderBodySize+wrappedKeySize+headerMACSize || len(data) > maxHeaderSize {
		return NewCorruptionError(HeaderFileName, ErrInvalidPassphraseOrCorrupt,
			fmt.Sprintf("header has impossible size %d", len(data)))
	}

	r := bytes.NewReader(data[4:])
	var out VaultHeader
	out.FormatVersion = version

	saltLen, _ := r.ReadByte()
	if int(saltLen) < MinSaltSize || int(saltLen) > MaxSaltSize {
		return NewCorruptionError(HeaderFileName, ErrInvalidPassphraseOrCorrupt,
			fmt.Sprintf("invalid salt length %d", saltLen))
	}
	out.KDF.Salt = make([]byte, saltLen)
	if _, err := io.ReadFull(r, out.KDF.Salt); err != nil {
		return NewCorruptionError(HeaderFileName, ErrInvalidPassphraseOrCorrupt, "header truncated in salt")
	}

	alg, err := r.ReadByte()
	if err != nil {
		return NewCorruptionError(HeaderFileName, ErrInvalidPassphraseOrCorrupt, "header truncated in kdf")
	}
	out.KDF.Algorithm = KDFAlgorithm(alg)
	var wrappedLen uint16
	for _, v := range []any{&out.KDF.Cost, &out.KDF.BlockSize, &out.KDF.Parallelism, &wrappedLen} {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return NewCorruptionError(HeaderFileName, ErrInvalidPassphraseOrCorrupt, "header truncated in kdf")
		}
	}
	if err := ValidateKDFParams(out.KDF, true); err != nil {
		return &CorruptionError{
			Path:    HeaderFileName,
			Message: "kdf parameters out of range: " + err.Error(),
			Err:     ErrInvalidPassphraseOrCorrupt,
		}
	}

	if int(wrappedLen) != wrappedKeySize {
		return NewCorruptionError(HeaderFileName, ErrInvalidPassphraseOrCorrupt,
			fmt.Sprintf("invalid wrapped key length %d", wrappedLen))
	}
	out.WrappedKey = make([]byte, wrappedLen)
	if _, err := io.ReadFull(r, out.WrappedKey); err != nil {
		return NewCorruptionError(HeaderFileName, ErrInvalidPassphraseOrCorrupt, "header truncated in wrapped key")
	}
	if _, err := io.ReadFull(r, out.MAC[:]); err != nil {
		return NewCorruptionError(HeaderFileName, ErrInvalidPassphraseOrCorrupt, "header truncated in mac")
	}
	if r.Len() != 0 {
		return NewCorruptionError(HeaderFileName, ErrInvalidPassphraseOrCorrupt, "trailing bytes after header")
	}

	*h = out
	return nil
}

// WriteTo writes the encoded header to w.
func (h *VaultHeader) WriteTo(w io.Writer) (int64, error) {
	data, err := h.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(data)
	return int64(n), err
}

// ReadFrom reads and decodes a header from r.
func (h *VaultHeader) ReadFrom(r io.Reader) (int64, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxHeaderSize+1))
	if err != nil {
		return int64(len(data)), fmt.Errorf("failed to read header: %w", err)
	}
	return int64(len(data)), h.UnmarshalBinary(data)
}

// wrapAD binds the wrapped key to the format version and KDF algorithm.
func (h *VaultHeader) wrapAD() []byte {
	ad := make([]byte, 5)
	binary.LittleEndian.PutUint32(ad, h.FormatVersion)
	ad[4] = byte(h.KDF.Algorithm)
	return ad
}

func (h *VaultHeader) computeMAC(macKey []byte) []byte {
	m := hmac.New(sha256.New, macKey)
	m.Write(h.body())
	return m.Sum(nil)
}

// headerKeys splits the KDF output into the key-wrapping and MAC keys.
func headerKeys(kek []byte) (wrapKey, macKey []byte, err error) {
	if wrapKey, err = expandKey(kek, infoWrap, SIVKeySize); err != nil {
		return nil, nil, err
	}
	if macKey, err = expandKey(kek, infoMAC, KeySize); err != nil {
		zeroBytes(wrapKey)
		return nil, nil, err
	}
	return wrapKey, macKey, nil
}

// NewHeader creates a header wrapping a freshly generated master key. A salt
// is generated when params.Salt is empty.
func NewHeader(passphrase []byte, params KDFParams) (*VaultHeader, *MasterKey, error) {
	return newHeader(context.Background(), nil, passphrase, params)
}

func newHeader(ctx context.Context, m *Metrics, passphrase []byte, params KDFParams) (*VaultHeader, *MasterKey, error) {
	mk, err := GenerateMasterKey()
	if err != nil {
		return nil, nil, err
	}
	h, err := sealHeader(ctx, m, passphrase, params, mk)
	if err != nil {
		mk.Destroy()
		return nil, nil, err
	}
	return h, mk, nil
}

// sealHeader wraps mk under passphrase and computes the MAC.
func sealHeader(ctx context.Context, m *Metrics, passphrase []byte, params KDFParams, mk *MasterKey) (*VaultHeader, error) {
	if err := ValidatePassphrase(passphrase, "passphrase"); err != nil {
		return nil, err
	}
	if err := ValidateKDFParams(params, false); err != nil {
		return nil, err
	}
	if len(params.Salt) == 0 {
		salt, err := GenerateSalt(DefaultSaltSize)
		if err != nil {
			return nil, err
		}
		params.Salt = salt
	} else {
		params.Salt = append([]byte(nil), params.Salt...)
	}

	kek, err := timedDerive(ctx, m, passphrase, params)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(kek)

	wrapKey, macKey, err := headerKeys(kek)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(wrapKey)
	defer zeroBytes(macKey)

	siv, err := NewSIVEngine(wrapKey)
	if err != nil {
		return nil, err
	}

	h := &VaultHeader{FormatVersion: HeaderFormatVersion, KDF: params}
	h.WrappedKey, err = siv.Encrypt(mk.raw, h.wrapAD())
	if err != nil {
		return nil, NewEncryptionError("encrypt", HeaderFileName, err)
	}
	copy(h.MAC[:], h.computeMAC(macKey))
	return h, nil
}

// OpenHeader derives the key-encryption key from passphrase, verifies the
// header MAC and only then unwraps the master key. A wrong passphrase and a
// modified header are indistinguishable: both yield
// ErrInvalidPassphraseOrCorrupt.
func OpenHeader(h *VaultHeader, passphrase []byte) (*MasterKey, error) {
	return openHeader(context.Background(), nil, h, passphrase)
}

func openHeader(ctx context.Context, m *Metrics, h *VaultHeader, passphrase []byte) (*MasterKey, error) {
	if h == nil {
		return nil, NewValidationError("header", nil, "header cannot be nil")
	}
	if h.FormatVersion != HeaderFormatVersion {
		return nil, NewCorruptionError(HeaderFileName, ErrUnsupportedVersion,
			fmt.Sprintf("header version %d", h.FormatVersion))
	}
	if err := ValidatePassphrase(passphrase, "passphrase"); err != nil {
		return nil, err
	}

	kek, err := timedDerive(ctx, m, passphrase, h.KDF)
	if err != nil {
		if errors.Is(err, ErrInvalidParameters) {
			// Parameters come from the stored header, so this is a bad header
			// rather than a bad call.
			return nil, fmt.Errorf("%w: %v", ErrInvalidPassphraseOrCorrupt, err)
		}
		return nil, err
	}
	defer zeroBytes(kek)

	wrapKey, macKey, err := headerKeys(kek)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(wrapKey)
	defer zeroBytes(macKey)

	if !hmac.Equal(h.MAC[:], h.computeMAC(macKey)) {
		m.authFailure("header")
		return nil, ErrInvalidPassphraseOrCorrupt
	}

	siv, err := NewSIVEngine(wrapKey)
	if err != nil {
		return nil, err
	}
	raw, err := siv.Decrypt(h.WrappedKey, h.wrapAD())
	if err != nil {
		m.authFailure("header")
		return nil, ErrInvalidPassphraseOrCorrupt
	}
	return newMasterKey(raw)
}

// RewrapHeader re-wraps the master key of h under newPassphrase with a fresh
// salt and the same KDF parameters. The returned header has already been
// opened in memory and checked to yield the original master key.
func RewrapHeader(h *VaultHeader, oldPassphrase, newPassphrase []byte) (*VaultHeader, error) {
	return rewrapHeader(context.Background(), nil, h, oldPassphrase, newPassphrase)
}

func rewrapHeader(ctx context.Context, m *Metrics, h *VaultHeader, oldPassphrase, newPassphrase []byte) (*VaultHeader, error) {
	if err := ValidatePassphrase(newPassphrase, "new_passphrase"); err != nil {
		return nil, err
	}
	mk, err := openHeader(ctx, m, h, oldPassphrase)
	if err != nil {
		return nil, err
	}
	defer mk.Destroy()

	params := h.KDF
	salt, err := GenerateSalt(len(h.KDF.Salt))
	if err != nil {
		return nil, err
	}
	params.Salt = salt

	nh, err := sealHeader(ctx, m, newPassphrase, params, mk)
	if err != nil {
		return nil, err
	}

	check, err := openHeader(ctx, m, nh, newPassphrase)
	if err != nil {
		return nil, fmt.Errorf("rewrapped header failed verification: %w", err)
	}
	defer check.Destroy()
	if !check.Equal(mk) {
		return nil, NewCorruptionError(HeaderFileName, ErrInvalidPassphraseOrCorrupt,
			"rewrapped header yields a different master key")
	}
	return nh, nil
}
