package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func (a *app) verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <vault>",
		Short: "Decrypt and authenticate everything in a vault",
		Long: `Walk the whole vault and decrypt every name, directory node and chunk.
Entries that fail authentication are listed; the exit status is 1 when any
did.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.unlock(cmd, args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			report, err := s.Verify()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%d directories, %d files, %d chunks verified\n", report.Dirs, report.Files, report.Chunks)
			for _, f := range report.Failures {
				fmt.Fprintf(out, "FAILED %s: %s\n", f.Path, kindMessage(f.Err))
			}
			return err
		},
	}
}
