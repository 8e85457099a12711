package vaultfs

import (
	"fmt"
)

// Input validation helpers shared by the public entry points

// ValidatePassphrase checks that a passphrase is usable.
func ValidatePassphrase(passphrase []byte, name string) error {
	if len(passphrase) == 0 {
		return &ValidationError{
			Field:   name,
			Message: "passphrase cannot be empty",
		}
	}
	return nil
}

// ValidateOffset checks if a file offset is valid
func ValidateOffset(offset int64, name string) error {
	if offset < 0 {
		return &ValidationError{
			Field:   name,
			Value:   offset,
			Message: "offset cannot be negative",
		}
	}
	return nil
}

// ValidateKey checks if a key has the correct size
func ValidateKey(key []byte, expectedSize int) error {
	if key == nil {
		return &ValidationError{
			Field:   "key",
			Message: "key cannot be nil",
		}
	}

	if len(key) != expectedSize {
		return &ValidationError{
			Field:   "key",
			Value:   len(key),
			Message: fmt.Sprintf("invalid key size: got %d bytes, expected %d bytes", len(key), expectedSize),
		}
	}

	return nil
}

// ValidateChunkRange checks that [first, first+count) lies within a file of
// total chunks.
func ValidateChunkRange(first, count, total uint64) error {
	if first > total || count > total-first {
		return &ValidationError{
			Field:   "chunk_range",
			Value:   [2]uint64{first, count},
			Message: fmt.Sprintf("chunks %d..%d exceed chunk count %d", first, first+count, total),
		}
	}
	return nil
}
