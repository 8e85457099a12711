package vaultfs

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"
)

// VaultConfig holds the per-vault parameters fixed at creation. It is stored
// sealed under the master key next to the header.
type VaultConfig struct {
	VaultID       string      `json:"vault_id"`
	Cipher        CipherSuite `json:"cipher"`
	ChunkSize     uint32      `json:"chunk_size"`
	NameThreshold int         `json:"name_threshold"`
	CreatedAt     time.Time   `json:"created_at"`
}

const (
	configAD      = "vault.config"
	maxConfigSize = 4096
)

// Validate checks a decoded config.
func (c *VaultConfig) Validate() error {
	if c.VaultID == "" {
		return NewValidationError("vault_id", c.VaultID, "missing vault id")
	}
	if c.Cipher != CipherAES256GCM && c.Cipher != CipherChaCha20Poly1305 {
		return NewValidationError("cipher", c.Cipher, "unsupported cipher suite")
	}
	if err := ValidateChunkSize(c.ChunkSize); err != nil {
		return err
	}
	if c.NameThreshold < MinNameThreshold || c.NameThreshold > MaxNameThreshold {
		return NewValidationError("name_threshold", c.NameThreshold, "out of range")
	}
	return nil
}

// sealConfig encrypts c under the config subkey: nonce || ciphertext || tag.
func sealConfig(mk *MasterKey, c *VaultConfig) ([]byte, error) {
	plain, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode vault config: %w", err)
	}
	engine, err := NewAESGCMEngine(mk.config)
	if err != nil {
		return nil, NewEncryptionError("encrypt", ConfigFileName, err)
	}
	nonce := make([]byte, engine.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	ct, err := engine.Seal(nonce, plain, []byte(configAD))
	if err != nil {
		return nil, NewEncryptionError("encrypt", ConfigFileName, err)
	}
	return append(nonce, ct...), nil
}

// openConfig decrypts and validates a sealed config.
func openConfig(mk *MasterKey, data []byte) (*VaultConfig, error) {
	engine, err := NewAESGCMEngine(mk.config)
	if err != nil {
		return nil, NewEncryptionError("decrypt", ConfigFileName, err)
	}
	if len(data) < engine.NonceSize()+engine.Overhead() {
		return nil, NewCorruptionError(ConfigFileName, ErrAuthenticationFailure, "vault config truncated")
	}
	ns := engine.NonceSize()
	plain, err := engine.Open(data[:ns], data[ns:], []byte(configAD))
	if err != nil {
		return nil, NewAuthenticationError(ConfigFileName, "vault config failed authentication")
	}

	var c VaultConfig
	if err := json.Unmarshal(plain, &c); err != nil {
		return nil, NewCorruptionError(ConfigFileName, ErrAuthenticationFailure, "vault config is not valid JSON")
	}
	if err := c.Validate(); err != nil {
		return nil, &CorruptionError{Path: ConfigFileName, Message: err.Error(), Err: ErrAuthenticationFailure}
	}
	return &c, nil
}
