// Package keychain stores vault passphrases in the operating system's secret
// store, one entry per vault directory.
package keychain

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/zalando/go-keyring"
)

// Service is the keyring service name all entries are stored under.
const Service = "vaultfs"

// ErrNotFound is returned when no passphrase is stored for a vault.
var ErrNotFound = errors.New("no stored passphrase for vault")

// account is the keyring user of a vault: its absolute path.
func account(vaultPath string) (string, error) {
	abs, err := filepath.Abs(vaultPath)
	if err != nil {
		return "", fmt.Errorf("resolve vault path: %w", err)
	}
	return abs, nil
}

// Save stores passphrase for the vault at vaultPath, replacing any previous
// entry.
func Save(vaultPath string, passphrase []byte) error {
	if len(passphrase) == 0 {
		return errors.New("passphrase cannot be empty")
	}
	user, err := account(vaultPath)
	if err != nil {
		return err
	}
	if err := keyring.Set(Service, user, string(passphrase)); err != nil {
		return fmt.Errorf("store passphrase: %w", err)
	}
	return nil
}

// Load returns the stored passphrase of the vault at vaultPath.
func Load(vaultPath string) ([]byte, error) {
	user, err := account(vaultPath)
	if err != nil {
		return nil, err
	}
	secret, err := keyring.Get(Service, user)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load passphrase: %w", err)
	}
	return []byte(secret), nil
}

// Delete removes the stored passphrase. Deleting a missing entry is not an
// error.
func Delete(vaultPath string) error {
	user, err := account(vaultPath)
	if err != nil {
		return err
	}
	if err := keyring.Delete(Service, user); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("delete passphrase: %w", err)
	}
	return nil
}
