package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
)

func (a *app) checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <vault>",
		Short: "Unlock a vault and show its parameters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.unlock(cmd, args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			cfg := s.Config()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "Vault:\t%s\n", s.dir)
			fmt.Fprintf(w, "ID:\t%s\n", cfg.VaultID)
			fmt.Fprintf(w, "Cipher:\t%s\n", cfg.Cipher)
			fmt.Fprintf(w, "Chunk size:\t%s\n", units.BytesSize(float64(cfg.ChunkSize)))
			fmt.Fprintf(w, "Name threshold:\t%d\n", cfg.NameThreshold)
			fmt.Fprintf(w, "Created:\t%s\n", cfg.CreatedAt.Local().Format("2006-01-02 15:04:05"))
			return w.Flush()
		},
	}
}

func (a *app) lsCmd() *cobra.Command {
	var long bool
	c := &cobra.Command{
		Use:   "ls <vault> [path]",
		Short: "List a directory",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := "/"
			if len(args) == 2 {
				p = args[1]
			}
			s, err := a.unlock(cmd, args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			entries, err := s.List(p)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, e := range entries {
				name := e.Name
				if e.IsDir {
					name += "/"
				}
				if !long {
					fmt.Fprintln(w, name)
					continue
				}
				size := "-"
				if !e.IsDir {
					size = units.HumanSize(float64(e.Size))
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", size, e.ModTime.Local().Format("2006-01-02 15:04"), name)
			}
			return w.Flush()
		},
	}
	c.Flags().BoolVarP(&long, "long", "l", false, "show sizes and modification times")
	return c
}

func (a *app) catCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <vault> <path>",
		Short: "Write a file's content to stdout",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.unlock(cmd, args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			f, err := s.Open(args[1])
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = io.Copy(cmd.OutOrStdout(), f)
			return err
		},
	}
}

func (a *app) putCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <vault> <local-file|-> [path]",
		Short: "Store a local file in the vault",
		Long: `Store a local file in the vault, replacing any file at the target path.
The target defaults to the local file's name in the vault root. Use - to
read from stdin.`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var src io.Reader
			target := ""
			if args[1] == "-" {
				src = cmd.InOrStdin()
			} else {
				f, err := os.Open(args[1])
				if err != nil {
					return err
				}
				defer f.Close()
				src = f
				target = "/" + filepath.Base(args[1])
			}
			if len(args) == 3 {
				target = args[2]
			}
			if target == "" {
				return fmt.Errorf("a target path is required when reading from stdin")
			}

			s, err := a.unlock(cmd, args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			w, err := s.Create(target)
			if err != nil {
				return err
			}
			n, err := io.Copy(w, src)
			if err != nil {
				w.Abort()
				return err
			}
			if err := w.Close(); err != nil {
				return err
			}
			a.log.Info("file stored", "path", target, "size", units.HumanSize(float64(n)))
			return nil
		},
	}
}

func (a *app) mkdirCmd() *cobra.Command {
	var parents bool
	c := &cobra.Command{
		Use:   "mkdir <vault> <path>",
		Short: "Create a directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.unlock(cmd, args[0])
			if err != nil {
				return err
			}
			defer s.Close()
			if parents {
				return s.MkdirAll(args[1])
			}
			return s.Mkdir(args[1])
		},
	}
	c.Flags().BoolVarP(&parents, "parents", "p", false, "create missing parent directories")
	return c
}

func (a *app) rmCmd() *cobra.Command {
	var recursive bool
	c := &cobra.Command{
		Use:   "rm <vault> <path>",
		Short: "Delete a file or directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.unlock(cmd, args[0])
			if err != nil {
				return err
			}
			defer s.Close()
			return s.Delete(args[1], recursive)
		},
	}
	c.Flags().BoolVarP(&recursive, "recursive", "r", false, "delete directories and their contents")
	return c
}

func (a *app) mvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mv <vault> <old-path> <new-path>",
		Short: "Move or rename a file or directory",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.unlock(cmd, args[0])
			if err != nil {
				return err
			}
			defer s.Close()
			return s.Rename(args[1], args[2])
		},
	}
}
