package vaultfs

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
)

// Content file layout:
//
//	┌──────────────────────────────────────┐
//	│ Content header (26 bytes)            │ magic "VFC1", version, cipher,
//	│                                      │ chunk size, file nonce
//	├──────────────────────────────────────┤
//	│ Chunk 0: nonce(12) ct tag(16)        │
//	├──────────────────────────────────────┤
//	│ Chunk 1 ...                          │
//	└──────────────────────────────────────┘
//
// Every chunk but the last holds exactly ChunkSize cleartext bytes, so chunk
// i starts at ContentHeaderSize + i*(ChunkSize+ChunkOverhead). A file always
// has at least one chunk; an empty file is a single empty final chunk.

const (
	// DefaultChunkSize is the default cleartext chunk size (32 KiB)
	DefaultChunkSize = 32 * 1024

	// MinChunkSize is the smallest allowed chunk size (1 KiB)
	MinChunkSize = 1024

	// MaxChunkSize is the largest allowed chunk size (16 MiB)
	MaxChunkSize = 16 * 1024 * 1024

	// ContentVersion is the content file format version
	ContentVersion = uint8(1)

	// ContentHeaderSize is the encoded size of ContentHeader
	ContentHeaderSize = 4 + 1 + 1 + 4 + fileNonceSize

	// ChunkOverhead is the per-chunk expansion: nonce plus tag
	ChunkOverhead = chunkNonceSize + 16

	fileNonceSize  = 16
	chunkNonceSize = 12
)

var contentMagic = [4]byte{'V', 'F', 'C', '1'}

// ValidateChunkSize checks a cleartext chunk size.
func ValidateChunkSize(size uint32) error {
	if size < MinChunkSize || size > MaxChunkSize {
		return NewValidationError("chunk_size", size,
			fmt.Sprintf("must be between %d and %d bytes", MinChunkSize, MaxChunkSize))
	}
	return nil
}

// ContentHeader starts every content file. Its encoding is part of the
// associated data of every chunk in the file.
type ContentHeader struct {
	Version   uint8
	Cipher    CipherSuite
	ChunkSize uint32
	FileNonce [fileNonceSize]byte

	encoded []byte
}

type contentHeaderWire struct {
	Magic     [4]byte
	Version   uint8
	Cipher    uint8
	ChunkSize uint32
	FileNonce [fileNonceSize]byte
}

// MarshalBinary encodes the header.
func (h *ContentHeader) MarshalBinary() ([]byte, error) {
	if h.encoded != nil {
		return h.encoded, nil
	}
	buf := new(bytes.Buffer)
	w := contentHeaderWire{
		Magic:     contentMagic,
		Version:   h.Version,
		Cipher:    uint8(h.Cipher),
		ChunkSize: h.ChunkSize,
		FileNonce: h.FileNonce,
	}
	if err := binary.Write(buf, binary.LittleEndian, &w); err != nil {
		return nil, fmt.Errorf("failed to write content header: %w", err)
	}
	h.encoded = buf.Bytes()
	return h.encoded, nil
}

// UnmarshalBinary decodes and validates a header.
func (h *ContentHeader) UnmarshalBinary(data []byte) error {
	if len(data) < ContentHeaderSize {
		return NewCorruptionError("", ErrAuthenticationFailure, "content header truncated")
	}
	var w contentHeaderWire
	if err := binary.Read(bytes.NewReader(data[:ContentHeaderSize]), binary.LittleEndian, &w); err != nil {
		return NewCorruptionError("", ErrAuthenticationFailure, "content header unreadable")
	}
	if w.Magic != contentMagic {
		return NewCorruptionError("", ErrAuthenticationFailure, "bad content magic")
	}
	if w.Version != ContentVersion {
		return NewCorruptionError("", ErrUnsupportedVersion,
			fmt.Sprintf("content version %d (supported: %d)", w.Version, ContentVersion))
	}
	suite := CipherSuite(w.Cipher)
	if suite != CipherAES256GCM && suite != CipherChaCha20Poly1305 {
		return NewCorruptionError("", ErrAuthenticationFailure, "unknown content cipher")
	}
	if err := ValidateChunkSize(w.ChunkSize); err != nil {
		return NewCorruptionError("", ErrAuthenticationFailure, "content chunk size out of range")
	}
	*h = ContentHeader{
		Version:   w.Version,
		Cipher:    suite,
		ChunkSize: w.ChunkSize,
		FileNonce: w.FileNonce,
		encoded:   append([]byte(nil), data[:ContentHeaderSize]...),
	}
	return nil
}

// ChunkCount returns the number of chunks a file of size cleartext bytes is
// stored in.
func ChunkCount(size int64, chunkSize uint32) uint64 {
	if size <= 0 {
		return 1
	}
	cs := int64(chunkSize)
	return uint64((size + cs - 1) / cs)
}

// PhysicalSize returns the stored size of a file of size cleartext bytes.
func PhysicalSize(size int64, chunkSize uint32) int64 {
	return ContentHeaderSize + int64(ChunkCount(size, chunkSize))*ChunkOverhead + size
}

// CleartextSize inverts PhysicalSize. Sizes no writer can produce are
// reported as corruption.
func CleartextSize(physical int64, chunkSize uint32) (size int64, chunks uint64, err error) {
	body := physical - ContentHeaderSize
	if body < ChunkOverhead {
		return 0, 0, NewCorruptionError("", ErrAuthenticationFailure, "content file truncated")
	}
	full := int64(chunkSize) + ChunkOverhead
	n := body / full
	rem := body % full
	switch {
	case rem == 0:
		return n * int64(chunkSize), uint64(n), nil
	case rem < ChunkOverhead:
		return 0, 0, NewCorruptionError("", ErrAuthenticationFailure, "content file has a partial chunk")
	case rem == ChunkOverhead && n > 0:
		return 0, 0, NewCorruptionError("", ErrAuthenticationFailure, "content file has a trailing empty chunk")
	default:
		return n*int64(chunkSize) + rem - ChunkOverhead, uint64(n + 1), nil
	}
}

// chunkOffset is the physical offset of chunk index.
func chunkOffset(index uint64, chunkSize uint32) int64 {
	return ContentHeaderSize + int64(index)*(int64(chunkSize)+ChunkOverhead)
}

// ContentCipher encrypts and decrypts file chunks under a vault's content
// key. It is safe for concurrent use.
type ContentCipher struct {
	suite    CipherSuite
	engines  map[CipherSuite]CipherEngine
	nonceKey []byte
	metrics  *Metrics
}

// NewContentCipher creates a ContentCipher writing new files with suite.
// Existing files are read with whatever suite their header records.
func NewContentCipher(mk *MasterKey, suite CipherSuite) (*ContentCipher, error) {
	if suite == CipherAuto {
		suite = CipherAES256GCM
	}
	cc := &ContentCipher{
		suite:    suite,
		engines:  make(map[CipherSuite]CipherEngine, 2),
		nonceKey: mk.nonce,
	}
	for _, s := range []CipherSuite{CipherAES256GCM, CipherChaCha20Poly1305} {
		e, err := NewCipherEngine(s, mk.content)
		if err != nil {
			return nil, NewEncryptionError("encrypt", "", err)
		}
		cc.engines[s] = e
	}
	if _, ok := cc.engines[suite]; !ok {
		return nil, NewValidationError("cipher", suite, "unsupported cipher suite")
	}
	return cc, nil
}

// Destroy drops the cipher engines and the nonce key.
func (c *ContentCipher) Destroy() {
	c.engines = map[CipherSuite]CipherEngine{}
	zeroBytes(c.nonceKey)
	c.nonceKey = nil
}

// NewHeader returns a header for a new file version with a fresh random file
// nonce.
func (c *ContentCipher) NewHeader(chunkSize uint32) (*ContentHeader, error) {
	if err := ValidateChunkSize(chunkSize); err != nil {
		return nil, err
	}
	h := &ContentHeader{Version: ContentVersion, Cipher: c.suite, ChunkSize: chunkSize}
	if _, err := rand.Read(h.FileNonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate file nonce: %w", err)
	}
	if _, err := h.MarshalBinary(); err != nil {
		return nil, err
	}
	return h, nil
}

func (c *ContentCipher) chunkNonce(h *ContentHeader, dirID DirectoryID, index uint64) []byte {
	m := hmac.New(sha256.New, c.nonceKey)
	m.Write(h.FileNonce[:])
	m.Write([]byte(dirID))
	var idx [8]byte
	binary.LittleEndian.PutUint64(idx[:], index)
	m.Write(idx[:])
	return m.Sum(nil)[:chunkNonceSize]
}

func chunkAD(h *ContentHeader, dirID DirectoryID, index uint64, final bool) []byte {
	hdr, _ := h.MarshalBinary()
	ad := make([]byte, 0, len(hdr)+len(dirID)+9)
	ad = append(ad, hdr...)
	ad = append(ad, dirID...)
	ad = binary.LittleEndian.AppendUint64(ad, index)
	if final {
		ad = append(ad, 1)
	} else {
		ad = append(ad, 0)
	}
	return ad
}

// EncryptChunk seals chunk index of the file described by h, stored in
// directory dirID. The result is nonce || ciphertext || tag.
func (c *ContentCipher) EncryptChunk(h *ContentHeader, dirID DirectoryID, index uint64, final bool, plaintext []byte) ([]byte, error) {
	if len(plaintext) > int(h.ChunkSize) {
		return nil, NewValidationError("chunk", len(plaintext), "chunk larger than chunk size")
	}
	engine, ok := c.engines[h.Cipher]
	if !ok {
		return nil, NewValidationError("cipher", h.Cipher, "unsupported cipher suite")
	}
	nonce := c.chunkNonce(h, dirID, index)
	ct, err := engine.Seal(nonce, plaintext, chunkAD(h, dirID, index, final))
	if err != nil {
		return nil, &EncryptionError{Operation: "encrypt", ChunkIdx: index, Message: err.Error(), Err: err}
	}
	out := make([]byte, 0, len(nonce)+len(ct))
	out = append(out, nonce...)
	out = append(out, ct...)
	c.metrics.chunks("encrypt", 1)
	return out, nil
}

// DecryptChunk opens a chunk produced by EncryptChunk. Any mismatch in
// content, position, finality, file or directory fails with
// ErrAuthenticationFailure.
func (c *ContentCipher) DecryptChunk(h *ContentHeader, dirID DirectoryID, index uint64, final bool, chunk []byte) ([]byte, error) {
	engine, ok := c.engines[h.Cipher]
	if !ok {
		return nil, NewCorruptionError("", ErrAuthenticationFailure, "unknown content cipher")
	}
	if len(chunk) < ChunkOverhead {
		c.metrics.authFailure("chunk")
		return nil, &AuthenticationError{ChunkIdx: index, Message: "chunk truncated"}
	}
	nonce := c.chunkNonce(h, dirID, index)
	if subtle.ConstantTimeCompare(nonce, chunk[:chunkNonceSize]) != 1 {
		c.metrics.authFailure("chunk")
		return nil, &AuthenticationError{ChunkIdx: index, Message: "chunk nonce mismatch"}
	}
	pt, err := engine.Open(nonce, chunk[chunkNonceSize:], chunkAD(h, dirID, index, final))
	if err != nil {
		c.metrics.authFailure("chunk")
		return nil, &AuthenticationError{ChunkIdx: index, Message: "chunk authentication failed"}
	}
	c.metrics.chunks("decrypt", 1)
	return pt, nil
}
