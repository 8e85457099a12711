package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/absfs/vaultfs"
	"github.com/absfs/vaultfs/internal/keychain"
	"github.com/absfs/vaultfs/internal/registry"
)

// session is an unlocked vault.
type session struct {
	dir   string
	vault *vaultfs.Vault
	*vaultfs.Handle
}

func (s *session) Close() error {
	s.Handle.Close()
	return s.vault.Close()
}

func (a *app) options() *vaultfs.Options {
	return &vaultfs.Options{Logger: a.log}
}

// openRegistry opens the vault registry database, creating its directory.
func (a *app) openRegistry() (*registry.Registry, error) {
	path := a.v.GetString("registry")
	if path == "" {
		dir, err := configDir()
		if err != nil {
			return nil, fmt.Errorf("locate config directory: %w", err)
		}
		path = filepath.Join(dir, "vaults.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create registry directory: %w", err)
	}
	return registry.Open(path)
}

// resolveVault maps a vault argument to a directory. Existing directories
// are used as is; anything else is looked up in the registry.
func (a *app) resolveVault(arg string) (string, error) {
	if fi, err := os.Stat(arg); err == nil && fi.IsDir() {
		return arg, nil
	}
	reg, err := a.openRegistry()
	if err != nil {
		return "", err
	}
	defer reg.Close()
	e, err := reg.Get(arg)
	if errors.Is(err, registry.ErrNotFound) {
		return "", fmt.Errorf("%s: %w", arg, vaultfs.ErrVaultNotFound)
	}
	if err != nil {
		return "", err
	}
	return e.Path, nil
}

// prompt reads one line from the terminal with echo disabled, or from stdin
// when it is not a terminal.
func (a *app) prompt(cmd *cobra.Command, label string) ([]byte, error) {
	fmt.Fprint(cmd.ErrOrStderr(), label)
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		return b, err
	}
	if a.stdin == nil {
		a.stdin = bufio.NewReader(cmd.InOrStdin())
	}
	line, err := a.stdin.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		return nil, fmt.Errorf("read passphrase: %w", err)
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}

// envPassphrase returns the passphrase from the configured environment
// variable, if set.
func (a *app) envPassphrase() []byte {
	name := a.v.GetString("passphrase_env")
	if name == "" {
		return nil
	}
	if p := os.Getenv(name); p != "" {
		return []byte(p)
	}
	return nil
}

// passphrase finds the passphrase of the vault in dir: environment first,
// then the keyring, then an interactive prompt.
func (a *app) passphrase(cmd *cobra.Command, dir string) (pass []byte, fromKeyring bool, err error) {
	if p := a.envPassphrase(); p != nil {
		return p, false, nil
	}
	p, err := keychain.Load(dir)
	if err == nil {
		a.log.Debug("using passphrase from keyring", "vault", dir)
		return p, true, nil
	}
	if !errors.Is(err, keychain.ErrNotFound) {
		a.log.Debug("keyring unavailable", "error", err)
	}
	p, err = a.prompt(cmd, "Passphrase: ")
	return p, false, err
}

// newPassphrase asks for a passphrase twice, unless envName supplies it.
func (a *app) newPassphrase(cmd *cobra.Command, envName string) ([]byte, error) {
	if envName != "" {
		if p := os.Getenv(envName); p != "" {
			return []byte(p), nil
		}
	}
	pass, err := a.prompt(cmd, "New passphrase: ")
	if err != nil {
		return nil, err
	}
	if len(pass) == 0 {
		return nil, errors.New("passphrase cannot be empty")
	}
	confirm, err := a.prompt(cmd, "Confirm passphrase: ")
	if err != nil {
		return nil, err
	}
	if string(pass) != string(confirm) {
		return nil, errors.New("passphrases do not match")
	}
	return pass, nil
}

// openVault returns the vault in dir, which must already exist.
func (a *app) openVault(dir string) (*vaultfs.Vault, error) {
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("%s: %w", dir, vaultfs.ErrVaultNotFound)
	}
	v, err := vaultfs.New(vaultfs.NewDirFS(dir), a.options())
	if err != nil {
		return nil, err
	}
	if v.State() == vaultfs.StateUninitialized {
		return nil, fmt.Errorf("%s: %w", dir, vaultfs.ErrVaultNotFound)
	}
	return v, nil
}

// unlock resolves, opens and unlocks the vault named by arg.
func (a *app) unlock(cmd *cobra.Command, arg string) (*session, error) {
	dir, err := a.resolveVault(arg)
	if err != nil {
		return nil, err
	}
	v, err := a.openVault(dir)
	if err != nil {
		return nil, err
	}
	pass, fromKeyring, err := a.passphrase(cmd, dir)
	if err != nil {
		v.Close()
		return nil, err
	}
	h, err := v.Unlock(pass)
	if err != nil {
		v.Close()
		if fromKeyring && errors.Is(err, vaultfs.ErrInvalidPassphraseOrCorrupt) {
			a.log.Warn("stored passphrase rejected, run 'vaultfs forget' to clear it", "vault", dir)
		}
		return nil, err
	}
	if a.v.GetBool("remember") && !fromKeyring {
		if err := keychain.Save(dir, pass); err != nil {
			a.log.Warn("could not store passphrase", "error", err)
		}
	}
	return &session{dir: dir, vault: v, Handle: h}, nil
}

// createOptions builds vault creation parameters from flags, environment
// and config file.
func (a *app) createOptions() (*vaultfs.CreateOptions, error) {
	co := &vaultfs.CreateOptions{}

	switch alg, err := vaultfs.ParseKDFAlgorithm(a.v.GetString("kdf")); {
	case err != nil:
		return nil, err
	case alg == vaultfs.KDFArgon2id:
		co.KDF = vaultfs.DefaultArgon2idParams()
	default:
		co.KDF = vaultfs.DefaultKDFParams()
	}
	if cost := a.v.GetUint32("kdf_cost"); cost != 0 {
		co.KDF.Cost = cost
	}

	suite, err := vaultfs.ParseCipherSuite(a.v.GetString("cipher"))
	if err != nil {
		return nil, err
	}
	co.Cipher = suite

	if s := a.v.GetString("chunk_size"); s != "" {
		n, err := units.RAMInBytes(s)
		if err != nil {
			return nil, fmt.Errorf("invalid chunk size %q: %w", s, err)
		}
		if n <= 0 || n > vaultfs.MaxChunkSize {
			return nil, vaultfs.NewValidationError("chunk_size", s, "out of range")
		}
		co.ChunkSize = uint32(n)
	}
	co.NameThreshold = a.v.GetInt("name_threshold")
	return co, nil
}

// initVault creates a vault in dir with the given passphrase.
func (a *app) initVault(cmd *cobra.Command, dir string, pass []byte) error {
	co, err := a.createOptions()
	if err != nil {
		return &initError{err}
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return &initError{err}
	}
	v, err := vaultfs.New(vaultfs.NewDirFS(dir), a.options())
	if err != nil {
		return &initError{err}
	}
	defer v.Close()
	if err := v.Create(pass, co); err != nil {
		return &initError{err}
	}
	if a.v.GetBool("remember") {
		if err := keychain.Save(dir, pass); err != nil {
			a.log.Warn("could not store passphrase", "error", err)
		}
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Vault initialized successfully")
	return nil
}
