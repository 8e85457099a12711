package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/absfs/vaultfs/internal/keychain"
)

func (a *app) passwdCmd() *cobra.Command {
	var newEnv string
	c := &cobra.Command{
		Use:   "passwd <vault>",
		Short: "Change a vault's passphrase",
		Long: `Change the passphrase of a vault. Only the key header is rewritten; file
contents stay as they are. A passphrase stored in the keyring is updated.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := a.resolveVault(args[0])
			if err != nil {
				return err
			}
			v, err := a.openVault(dir)
			if err != nil {
				return err
			}
			defer v.Close()

			old, fromKeyring, err := a.passphrase(cmd, dir)
			if err != nil {
				return err
			}
			pass, err := a.newPassphrase(cmd, newEnv)
			if err != nil {
				return err
			}
			if err := v.ChangePassphrase(old, pass); err != nil {
				return err
			}

			_, lerr := keychain.Load(dir)
			switch {
			case fromKeyring, lerr == nil, a.v.GetBool("remember"):
				if err := keychain.Save(dir, pass); err != nil {
					a.log.Warn("could not update stored passphrase", "error", err)
				}
			case !errors.Is(lerr, keychain.ErrNotFound):
				a.log.Debug("keyring unavailable", "error", lerr)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Passphrase changed")
			return nil
		},
	}
	c.Flags().StringVar(&newEnv, "new-passphrase-env", "VAULTFS_NEW_PASSPHRASE", "environment variable to read the new passphrase from")
	return c
}
