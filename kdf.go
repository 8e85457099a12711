package vaultfs

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/scrypt"
)

// KDFAlgorithm identifies the passphrase key derivation function
type KDFAlgorithm uint8

const (
	// KDFScrypt uses scrypt (Cost=N, BlockSize=r, Parallelism=p)
	KDFScrypt KDFAlgorithm = iota + 1
	// KDFArgon2id uses Argon2id (Cost=memory KiB, BlockSize=time, Parallelism=threads)
	KDFArgon2id
)

func (a KDFAlgorithm) String() string {
	switch a {
	case KDFScrypt:
		return "scrypt"
	case KDFArgon2id:
		return "argon2id"
	default:
		return "unknown"
	}
}

// ParseKDFAlgorithm parses the names produced by KDFAlgorithm.String.
func ParseKDFAlgorithm(s string) (KDFAlgorithm, error) {
	switch s {
	case "scrypt":
		return KDFScrypt, nil
	case "argon2id", "argon2":
		return KDFArgon2id, nil
	}
	return 0, NewValidationError("kdf_algorithm", s, "unknown key derivation function")
}

// KDFParams is the persisted work factor of the passphrase KDF.
type KDFParams struct {
	Algorithm   KDFAlgorithm
	Salt        []byte
	Cost        uint32
	BlockSize   uint32
	Parallelism uint32
}

const (
	// KeySize is the size of every symmetric key the vault derives or wraps
	KeySize = 32

	// DefaultSaltSize is the salt length generated for new headers
	DefaultSaltSize = 16
	MinSaltSize     = 16
	MaxSaltSize     = 32

	minScryptN        = 1 << 14
	maxScryptN        = 1 << 22
	minScryptR        = 8
	maxScryptR        = 32
	maxScryptP        = 16
	maxScryptMemory   = 1 << 32
	maxArgon2Time     = 64
	minArgon2MemoryKB = 16 * 1024
	maxArgon2MemoryKB = 4 * 1024 * 1024
)

// DefaultKDFParams returns scrypt with N=32768, r=8, p=1.
func DefaultKDFParams() KDFParams {
	return KDFParams{
		Algorithm:   KDFScrypt,
		Cost:        32768,
		BlockSize:   8,
		Parallelism: 1,
	}
}

// DefaultArgon2idParams returns Argon2id with 64 MiB, 3 passes, 4 threads.
func DefaultArgon2idParams() KDFParams {
	return KDFParams{
		Algorithm:   KDFArgon2id,
		Cost:        64 * 1024,
		BlockSize:   3,
		Parallelism: 4,
	}
}

// ValidateKDFParams checks the work factor against the safety floor and the
// resource ceiling. When withSalt is set the salt length is checked too.
func ValidateKDFParams(p KDFParams, withSalt bool) error {
	if withSalt && (len(p.Salt) < MinSaltSize || len(p.Salt) > MaxSaltSize) {
		return NewValidationError("salt", len(p.Salt),
			fmt.Sprintf("salt must be %d to %d bytes", MinSaltSize, MaxSaltSize))
	}

	switch p.Algorithm {
	case KDFScrypt:
		if p.Cost < minScryptN || p.Cost&(p.Cost-1) != 0 {
			return NewValidationError("kdf_cost", p.Cost,
				fmt.Sprintf("scrypt N must be a power of two >= %d", minScryptN))
		}
		if p.Cost > maxScryptN {
			return NewValidationError("kdf_cost", p.Cost,
				fmt.Sprintf("scrypt N must not exceed %d", maxScryptN))
		}
		if p.BlockSize < minScryptR || p.BlockSize > maxScryptR {
			return NewValidationError("kdf_block_size", p.BlockSize,
				fmt.Sprintf("scrypt r must be %d to %d", minScryptR, maxScryptR))
		}
		if p.Parallelism < 1 || p.Parallelism > maxScryptP {
			return NewValidationError("kdf_parallelism", p.Parallelism,
				fmt.Sprintf("scrypt p must be 1 to %d", maxScryptP))
		}
		if 128*uint64(p.Cost)*uint64(p.BlockSize) > maxScryptMemory {
			return NewValidationError("kdf_cost", p.Cost, "scrypt memory use exceeds 4 GiB")
		}
	case KDFArgon2id:
		if p.Cost < minArgon2MemoryKB {
			return NewValidationError("kdf_cost", p.Cost,
				fmt.Sprintf("argon2id memory must be >= %d KiB", minArgon2MemoryKB))
		}
		if p.Cost > maxArgon2MemoryKB {
			return NewValidationError("kdf_cost", p.Cost,
				fmt.Sprintf("argon2id memory must not exceed %d KiB", maxArgon2MemoryKB))
		}
		if p.BlockSize < 1 || p.BlockSize > maxArgon2Time {
			return NewValidationError("kdf_block_size", p.BlockSize,
				fmt.Sprintf("argon2id time must be 1 to %d", maxArgon2Time))
		}
		if p.Parallelism < 1 || p.Parallelism > 255 {
			return NewValidationError("kdf_parallelism", p.Parallelism, "argon2id threads must be 1..255")
		}
	default:
		return NewValidationError("kdf_algorithm", p.Algorithm, "unsupported key derivation function")
	}
	return nil
}

// GenerateSalt returns size random bytes.
func GenerateSalt(size int) ([]byte, error) {
	if size < MinSaltSize || size > MaxSaltSize {
		return nil, NewValidationError("salt", size, "invalid salt size")
	}
	salt := make([]byte, size)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// DeriveKey turns a passphrase into a KeySize-byte key. It is deterministic
// for identical inputs.
func DeriveKey(passphrase []byte, params KDFParams) (key []byte, err error) {
	if err := ValidatePassphrase(passphrase, "passphrase"); err != nil {
		return nil, err
	}
	if err := ValidateKDFParams(params, true); err != nil {
		return nil, err
	}

	switch params.Algorithm {
	case KDFScrypt:
		key, err = scrypt.Key(passphrase, params.Salt,
			int(params.Cost), int(params.BlockSize), int(params.Parallelism), KeySize)
		if err != nil {
			return nil, fmt.Errorf("%w: scrypt: %v", ErrKdfExecution, err)
		}
		return key, nil

	default:
		return argon2Key(passphrase, params.Salt, params.BlockSize, params.Cost, uint8(params.Parallelism))
	}
}

// argon2Key reports argon2's parameter panics (zero rounds or threads) as
// ErrKdfExecution. Running out of memory for the block is a fatal runtime
// error that recover cannot see; maxArgon2MemoryKB is the only guard there.
func argon2Key(passphrase, salt []byte, rounds, memory uint32, threads uint8) (key []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			key = nil
			err = fmt.Errorf("%w: argon2id: %v", ErrKdfExecution, r)
		}
	}()
	return argon2.IDKey(passphrase, salt, rounds, memory, threads, KeySize), nil
}

// DeriveKeyContext runs DeriveKey on its own goroutine. If ctx ends first
// the caller gets ctx.Err(); the derivation itself runs to completion and its
// result is discarded.
func DeriveKeyContext(ctx context.Context, passphrase []byte, params KDFParams) ([]byte, error) {
	type result struct {
		key []byte
		err error
	}
	pw := append([]byte(nil), passphrase...)
	done := make(chan result, 1)
	go func() {
		key, err := DeriveKey(pw, params)
		zeroBytes(pw)
		done <- result{key, err}
	}()

	select {
	case r := <-done:
		return r.key, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.key != nil {
				zeroBytes(r.key)
			}
		}()
		return nil, ctx.Err()
	}
}

// timedDerive derives the key and reports the duration to the metrics.
func timedDerive(ctx context.Context, m *Metrics, passphrase []byte, params KDFParams) ([]byte, error) {
	start := time.Now()
	key, err := DeriveKeyContext(ctx, passphrase, params)
	m.observeKDF(params.Algorithm, time.Since(start))
	return key, err
}
