package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func (a *app) initCmd() *cobra.Command {
	var name string
	c := &cobra.Command{
		Use:   "init <vault-path>",
		Short: "Initialize a new vault",
		Long: `Initialize a new encrypted vault in a directory.

The directory is created if needed and must not already hold a vault. You
are prompted for the passphrase unless the passphrase environment variable
is set.

Creation parameters can also be set in the config file or through
VAULTFS_KDF, VAULTFS_CIPHER, VAULTFS_CHUNK_SIZE and VAULTFS_NAME_THRESHOLD.

Examples:
  vaultfs init ~/vaults/private
  vaultfs init --chunk-size 64KiB --cipher chacha20 ~/vaults/media
  vaultfs init --name work ~/vaults/work`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pass := a.envPassphrase()
			if pass == nil {
				var err error
				if pass, err = a.newPassphrase(cmd, ""); err != nil {
					return &initError{err}
				}
			}
			if err := a.initVault(cmd, args[0], pass); err != nil {
				return err
			}
			if name == "" {
				return nil
			}
			reg, err := a.openRegistry()
			if err != nil {
				return err
			}
			defer reg.Close()
			e, err := reg.Add(name, args[0])
			if err != nil {
				return fmt.Errorf("register vault: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered as %s (%s)\n", e.Name, e.Path)
			return nil
		},
	}

	f := c.Flags()
	f.String("kdf", "scrypt", "key derivation function (scrypt, argon2id)")
	f.Uint32("kdf-cost", 0, "KDF cost: scrypt N or argon2id memory in KiB (0 for the default)")
	f.String("cipher", "aes-256-gcm", "content cipher (aes-256-gcm, chacha20-poly1305)")
	f.String("chunk-size", "32KiB", "cleartext chunk size")
	f.Int("name-threshold", 0, "longest stored file name before shortening (0 for the default)")
	f.StringVar(&name, "name", "", "register the vault under this name")

	a.v.BindPFlag("kdf", f.Lookup("kdf"))
	a.v.BindPFlag("kdf_cost", f.Lookup("kdf-cost"))
	a.v.BindPFlag("cipher", f.Lookup("cipher"))
	a.v.BindPFlag("chunk_size", f.Lookup("chunk-size"))
	a.v.BindPFlag("name_threshold", f.Lookup("name-threshold"))
	return c
}
