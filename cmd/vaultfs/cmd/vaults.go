package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/absfs/vaultfs"
	"github.com/absfs/vaultfs/internal/keychain"
)

func (a *app) vaultsCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "vaults",
		Short: "Manage the list of known vaults",
		Long: `Registered vaults can be referred to by name wherever a vault path is
expected.`,
	}

	c.AddCommand(&cobra.Command{
		Use:   "add <name> <vault-path>",
		Short: "Register an existing vault",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.openVault(args[1]); err != nil {
				return err
			}
			reg, err := a.openRegistry()
			if err != nil {
				return err
			}
			defer reg.Close()
			e, err := reg.Add(args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered %s (%s)\n", e.Name, e.Path)
			return nil
		},
	})

	c.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered vaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := a.openRegistry()
			if err != nil {
				return err
			}
			defer reg.Close()
			entries, err := reg.List()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSTATUS\tPATH")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\n", e.Name, vaultStatus(e.Path), e.Path)
			}
			return w.Flush()
		},
	})

	c.AddCommand(&cobra.Command{
		Use:   "remove <name>",
		Short: "Forget a registered vault; its files are kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := a.openRegistry()
			if err != nil {
				return err
			}
			defer reg.Close()
			e, err := reg.Get(args[0])
			if err != nil {
				return err
			}
			if err := reg.Remove(args[0]); err != nil {
				return err
			}
			if err := keychain.Delete(e.Path); err != nil {
				a.log.Debug("keyring unavailable", "error", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", e.Name)
			return nil
		},
	})
	return c
}

// vaultStatus reports whether a registered vault is still where it was.
func vaultStatus(dir string) string {
	if _, err := os.Stat(filepath.Join(dir, vaultfs.HeaderFileName)); err != nil {
		return "missing"
	}
	return "locked"
}

func (a *app) forgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget <vault>",
		Short: "Remove a vault's passphrase from the keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := a.resolveVault(args[0])
			if err != nil {
				return err
			}
			if err := keychain.Delete(dir); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Stored passphrase removed")
			return nil
		},
	}
}
