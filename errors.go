package vaultfs

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by this package matches exactly one of
// these through errors.Is.
var (
	ErrInvalidParameters          = errors.New("invalid parameters")
	ErrKdfExecution               = errors.New("key derivation failed")
	ErrInvalidPassphraseOrCorrupt = errors.New("invalid passphrase or corrupt vault header")
	ErrAuthenticationFailure      = errors.New("authentication failed - data may be corrupted or tampered")
	ErrVaultAlreadyExists         = errors.New("vault already exists")
	ErrUnsupportedVersion         = errors.New("unsupported vault format version")
	ErrDirectoryNotEmpty          = errors.New("directory not empty")
	ErrHandleClosed               = errors.New("vault handle is closed")
	ErrLockTimeout                = errors.New("timed out waiting for lock")
	ErrIOFailure                  = errors.New("storage i/o failure")

	ErrNotFound      = errors.New("no such file or directory")
	ErrExists        = errors.New("file already exists")
	ErrNotDirectory  = errors.New("not a directory")
	ErrIsDirectory   = errors.New("is a directory")
	ErrVaultNotFound = errors.New("no vault at this location")
)

var errorKinds = []error{
	ErrInvalidParameters,
	ErrKdfExecution,
	ErrInvalidPassphraseOrCorrupt,
	ErrAuthenticationFailure,
	ErrVaultAlreadyExists,
	ErrUnsupportedVersion,
	ErrDirectoryNotEmpty,
	ErrHandleClosed,
	ErrLockTimeout,
	ErrNotFound,
	ErrExists,
	ErrNotDirectory,
	ErrIsDirectory,
	ErrVaultNotFound,
	ErrIOFailure,
}

// KindOf returns the error kind err belongs to, or nil when err is nil or
// did not originate in this package.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range errorKinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// ValidationError represents a configuration or parameter validation error
type ValidationError struct {
	Field   string // The field or parameter that failed validation
	Value   any    // The invalid value
	Message string // Human-readable error message
	Err     error  // Underlying error, if any
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidParameters
}

// EncryptionError represents an encryption or decryption failure that is not
// an authentication failure (bad key size, cipher construction, ...).
type EncryptionError struct {
	Operation string // "encrypt" or "decrypt"
	Path      string // Logical path, if applicable
	ChunkIdx  uint64 // Chunk index, if applicable
	Message   string
	Err       error
}

func (e *EncryptionError) Error() string {
	if e.Path != "" && e.ChunkIdx > 0 {
		return fmt.Sprintf("%s error: %s (chunk %d): %s", e.Operation, e.Path, e.ChunkIdx, e.Message)
	} else if e.Path != "" {
		return fmt.Sprintf("%s error: %s: %s", e.Operation, e.Path, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Operation, e.Message)
}

func (e *EncryptionError) Unwrap() error {
	return e.Err
}

// Is matches ErrInvalidParameters unless the wrapped error already carries
// a kind of its own.
func (e *EncryptionError) Is(target error) bool {
	return target == ErrInvalidParameters && KindOf(e.Err) == nil
}

// IOError represents a storage layer failure. It always matches ErrIOFailure;
// callers may retry these with backoff.
type IOError struct {
	Operation string // "read", "write", "rename", "mkdir", ...
	Path      string // Physical path
	Offset    int64  // File offset, -1 when not applicable
	Err       error
}

func (e *IOError) Error() string {
	msg := "unknown error"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Path != "" && e.Offset >= 0 {
		return fmt.Sprintf("io error: %s %s at offset %d: %s", e.Operation, e.Path, e.Offset, msg)
	} else if e.Path != "" {
		return fmt.Sprintf("io error: %s %s: %s", e.Operation, e.Path, msg)
	}
	return fmt.Sprintf("io error: %s: %s", e.Operation, msg)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

func (e *IOError) Is(target error) bool {
	return target == ErrIOFailure
}

// CorruptionError represents structurally invalid data: truncated chunks,
// bad magic bytes, impossible sizes.
type CorruptionError struct {
	Path     string
	ChunkIdx uint64
	Message  string
	Err      error // kind sentinel this corruption maps to
}

func (e *CorruptionError) Error() string {
	if e.ChunkIdx > 0 {
		return fmt.Sprintf("corruption error: %s (chunk %d): %s", e.Path, e.ChunkIdx, e.Message)
	} else if e.Path != "" {
		return fmt.Sprintf("corruption error: %s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("corruption error: %s", e.Message)
}

func (e *CorruptionError) Unwrap() error {
	return e.Err
}

// AuthenticationError represents a failed MAC or AEAD tag check.
type AuthenticationError struct {
	Path     string // Logical path, if known
	ChunkIdx uint64
	Message  string
}

func (e *AuthenticationError) Error() string {
	if e.Path != "" && e.ChunkIdx > 0 {
		return fmt.Sprintf("authentication error: %s (chunk %d): %s", e.Path, e.ChunkIdx, e.Message)
	} else if e.Path != "" {
		return fmt.Sprintf("authentication error: %s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("authentication error: %s", e.Message)
}

func (e *AuthenticationError) Unwrap() error {
	return ErrAuthenticationFailure
}

// PathError records a logical path operation that failed for a non-storage
// reason, such as a missing parent or an existing target.
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *PathError) Unwrap() error {
	return e.Err
}

// Helper functions for creating structured errors

// NewValidationError creates a new validation error
func NewValidationError(field string, value any, message string) error {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// NewEncryptionError creates a new encryption error
func NewEncryptionError(operation, path string, err error) error {
	return &EncryptionError{
		Operation: operation,
		Path:      path,
		Message:   err.Error(),
		Err:       err,
	}
}

// NewIOError creates a new I/O error
func NewIOError(operation, path string, err error) error {
	return &IOError{
		Operation: operation,
		Path:      path,
		Offset:    -1,
		Err:       err,
	}
}

// NewCorruptionError creates a corruption error of the given kind
func NewCorruptionError(path string, kind error, message string) error {
	return &CorruptionError{
		Path:    path,
		Message: message,
		Err:     kind,
	}
}

// NewAuthenticationError creates a new authentication error
func NewAuthenticationError(path string, message string) error {
	return &AuthenticationError{
		Path:    path,
		Message: message,
	}
}

func pathErr(op, path string, kind error) error {
	return &PathError{Op: op, Path: path, Err: kind}
}

// Error checking helpers

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsIOError checks if an error is an I/O error
func IsIOError(err error) bool {
	var ie *IOError
	return errors.As(err, &ie)
}

// IsCorruptionError checks if an error is a corruption error
func IsCorruptionError(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}

// IsAuthenticationError checks if an error is an authentication error
func IsAuthenticationError(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}
