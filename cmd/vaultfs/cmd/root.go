// Package cmd provides the CLI commands for vaultfs.
package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/absfs/vaultfs"
)

const defaultPassphraseEnv = "VAULTFS_PASSPHRASE"

// app holds the state shared by all commands of one invocation.
type app struct {
	v       *viper.Viper
	cfgFile string
	debug   bool
	log     *slog.Logger
	stdin   *bufio.Reader
}

// NewRootCmd builds the vaultfs command tree.
func NewRootCmd() *cobra.Command {
	a := &app{v: viper.New(), log: slog.New(slog.DiscardHandler)}

	root := &cobra.Command{
		Use:   "vaultfs [vault-path passphrase]",
		Short: "vaultfs - encrypted directory vaults",
		Long: `vaultfs stores a directory tree encrypted inside an ordinary directory.
File contents, file names and the directory structure are encrypted under a
key protected by your passphrase.

Called with two arguments it initializes a new vault:
  vaultfs ~/vaults/private 'my passphrase'

Examples:
  vaultfs init ~/vaults/private
  vaultfs put ~/vaults/private report.pdf /docs/report.pdf
  vaultfs ls ~/vaults/private /docs
  vaultfs cat ~/vaults/private /docs/notes.txt`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 2 {
				cmd.Usage()
				return fmt.Errorf("accepts 2 arg(s), received %d", len(args))
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.initVault(cmd, args[0], []byte(args[1]))
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (default $XDG_CONFIG_HOME/vaultfs/config.yaml)")
	pf.String("passphrase-env", defaultPassphraseEnv, "environment variable to read the passphrase from")
	pf.Bool("remember", false, "store the passphrase in the system keyring")
	pf.String("log-level", "warn", "log level (debug, info, warn, error)")
	pf.BoolVar(&a.debug, "debug", false, "debug logging and full error messages")
	pf.String("registry", "", "vault registry database (default $XDG_CONFIG_HOME/vaultfs/vaults.db)")

	a.v.BindPFlag("passphrase_env", pf.Lookup("passphrase-env"))
	a.v.BindPFlag("remember", pf.Lookup("remember"))
	a.v.BindPFlag("log_level", pf.Lookup("log-level"))
	a.v.BindPFlag("registry", pf.Lookup("registry"))
	a.v.SetDefault("kdf", "scrypt")

	root.AddCommand(
		a.initCmd(),
		a.checkCmd(),
		a.lsCmd(),
		a.catCmd(),
		a.putCmd(),
		a.mkdirCmd(),
		a.rmCmd(),
		a.mvCmd(),
		a.passwdCmd(),
		a.verifyCmd(),
		a.vaultsCmd(),
		a.forgetCmd(),
	)
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		debug, _ := root.PersistentFlags().GetBool("debug")
		fmt.Fprintln(root.ErrOrStderr(), describe(err, debug))
		return 1
	}
	return 0
}

// configDir returns $XDG_CONFIG_HOME/vaultfs or its platform equivalent.
func configDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "vaultfs"), nil
}

func (a *app) setup(cmd *cobra.Command) error {
	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
	} else if dir, err := configDir(); err == nil {
		a.v.AddConfigPath(dir)
		a.v.SetConfigName("config")
		a.v.SetConfigType("yaml")
	}
	a.v.SetEnvPrefix("VAULTFS")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if a.cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}

	level := a.v.GetString("log_level")
	if a.debug {
		level = "debug"
	}
	log, err := newLogger(cmd.ErrOrStderr(), level)
	if err != nil {
		return err
	}
	a.log = log
	return nil
}

// initError marks failures of vault initialization, which have their own
// message format.
type initError struct {
	err error
}

func (e *initError) Error() string { return e.err.Error() }
func (e *initError) Unwrap() error { return e.err }

// describe renders err as one line: the full chain with debug, otherwise one
// message per error kind.
func describe(err error, debug bool) string {
	msg := err.Error()
	if !debug {
		msg = kindMessage(err)
	}
	var ie *initError
	if errors.As(err, &ie) {
		return "Failed to initialize vault: " + msg
	}
	return "Error: " + msg
}

func kindMessage(err error) string {
	var ve *vaultfs.ValidationError
	if errors.As(err, &ve) {
		return ve.Error()
	}
	kind := vaultfs.KindOf(err)
	if kind == nil {
		return err.Error()
	}
	var pe *vaultfs.PathError
	if errors.As(err, &pe) {
		return pe.Path + ": " + kind.Error()
	}
	return kind.Error()
}
