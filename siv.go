package vaultfs

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
)

// SIVEngine implements AES-SIV (RFC 5297), a deterministic authenticated
// encryption mode. The vault uses it wherever equal inputs must produce equal
// ciphertexts: filenames, directory IDs and the wrapped master key.
//
// Output layout is SIV (16 bytes) || CTR ciphertext.
type SIVEngine struct {
	mac    cipher.Block // K1, keyed for S2V/CMAC
	ctr    cipher.Block // K2, keyed for CTR
	sub1   [16]byte     // CMAC subkey for complete final blocks
	sub2   [16]byte     // CMAC subkey for padded final blocks
	dZero  [16]byte     // CMAC(K1, 0^128), the S2V starting value
	hasKey bool
}

// SIVKeySize is the key length of AES-256-SIV (two 256-bit halves), the
// size the vault uses.
const SIVKeySize = 64

// NewSIVEngine creates a new AES-SIV engine from a 32, 48 or 64-byte key
// (AES-128, AES-192 or AES-256-SIV). The first half keys S2V, the second
// half keys CTR.
func NewSIVEngine(key []byte) (*SIVEngine, error) {
	switch len(key) {
	case 32, 48, 64:
	default:
		return nil, fmt.Errorf("AES-SIV requires a 32, 48 or 64-byte key, got %d bytes", len(key))
	}

	half := len(key) / 2
	macBlock, err := aes.NewCipher(key[:half])
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	ctrBlock, err := aes.NewCipher(key[half:])
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	e := &SIVEngine{mac: macBlock, ctr: ctrBlock, hasKey: true}

	var l [16]byte
	e.mac.Encrypt(l[:], l[:])
	e.sub1 = dbl(l)
	e.sub2 = dbl(e.sub1)

	var zero [16]byte
	e.dZero = e.cmac(zero[:])
	return e, nil
}

// Encrypt seals plaintext. Every element of ad is authenticated in order.
func (e *SIVEngine) Encrypt(plaintext []byte, ad ...[]byte) ([]byte, error) {
	if !e.hasKey {
		return nil, ErrInvalidParameters
	}
	v := e.s2v(plaintext, ad)

	out := make([]byte, 16+len(plaintext))
	copy(out, v[:])
	e.xorCTR(v, plaintext, out[16:])
	return out, nil
}

// Decrypt opens a ciphertext produced by Encrypt with the same ad.
func (e *SIVEngine) Decrypt(ciphertext []byte, ad ...[]byte) ([]byte, error) {
	if !e.hasKey {
		return nil, ErrInvalidParameters
	}
	if len(ciphertext) < 16 {
		return nil, ErrAuthenticationFailure
	}

	var v [16]byte
	copy(v[:], ciphertext[:16])

	plaintext := make([]byte, len(ciphertext)-16)
	e.xorCTR(v, ciphertext[16:], plaintext)

	expected := e.s2v(plaintext, ad)
	if subtle.ConstantTimeCompare(v[:], expected[:]) != 1 {
		zeroBytes(plaintext)
		return nil, ErrAuthenticationFailure
	}
	return plaintext, nil
}

// Overhead returns the SIV size (16 bytes)
func (e *SIVEngine) Overhead() int {
	return 16
}

// s2v is the S2V vector PRF of RFC 5297 section 2.4.
func (e *SIVEngine) s2v(plaintext []byte, ad [][]byte) [16]byte {
	d := e.dZero
	for _, a := range ad {
		d = xor16(dbl(d), e.cmac(a))
	}

	if len(plaintext) >= 16 {
		t := make([]byte, len(plaintext))
		copy(t, plaintext)
		tail := t[len(t)-16:]
		for i := range tail {
			tail[i] ^= d[i]
		}
		return e.cmac(t)
	}

	var padded [16]byte
	copy(padded[:], plaintext)
	padded[len(plaintext)] = 0x80
	x := xor16(dbl(d), padded)
	return e.cmac(x[:])
}

// cmac computes AES-CMAC (RFC 4493) under K1.
func (e *SIVEngine) cmac(data []byte) [16]byte {
	n := (len(data) + 15) / 16
	complete := n > 0 && len(data)%16 == 0
	if n == 0 {
		n = 1
	}

	var last [16]byte
	if complete {
		copy(last[:], data[16*(n-1):])
		for i := range last {
			last[i] ^= e.sub1[i]
		}
	} else {
		rest := data[16*(n-1):]
		copy(last[:], rest)
		last[len(rest)] = 0x80
		for i := range last {
			last[i] ^= e.sub2[i]
		}
	}

	var mac [16]byte
	for i := 0; i < n-1; i++ {
		for j := 0; j < 16; j++ {
			mac[j] ^= data[i*16+j]
		}
		e.mac.Encrypt(mac[:], mac[:])
	}
	for j := range mac {
		mac[j] ^= last[j]
	}
	e.mac.Encrypt(mac[:], mac[:])
	return mac
}

// xorCTR runs CTR mode with the SIV as counter, bits 31 and 63 cleared
// (RFC 5297 section 2.5).
func (e *SIVEngine) xorCTR(v [16]byte, src, dst []byte) {
	v[8] &= 0x7f
	v[12] &= 0x7f
	cipher.NewCTR(e.ctr, v[:]).XORKeyStream(dst, src)
}

// dbl multiplies by x in GF(2^128).
func dbl(b [16]byte) [16]byte {
	hi := binary.BigEndian.Uint64(b[:8])
	lo := binary.BigEndian.Uint64(b[8:])

	var out [16]byte
	binary.BigEndian.PutUint64(out[:8], hi<<1|lo>>63)
	binary.BigEndian.PutUint64(out[8:], lo<<1)
	if hi>>63 != 0 {
		out[15] ^= 0x87
	}
	return out
}

func xor16(a, b [16]byte) [16]byte {
	for i := range a {
		a[i] ^= b[i]
	}
	return a
}
