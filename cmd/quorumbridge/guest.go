package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/wippyai/quorum-bridge/guest"
)

func newGuestCmd() *cobra.Command {
	var (
		output string
		polls  int32
	)
	cmd := &cobra.Command{
		Use:   "guest",
		Short: "Write the built-in mock quorum guest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			wasm := guest.Quorum(guest.WithPolls(polls))
			if output == "" || output == "-" {
				_, err := cmd.OutOrStdout().Write(wasm)
				return err
			}
			return os.WriteFile(output, wasm, 0o644)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (stdout when empty or -)")
	cmd.Flags().Int32Var(&polls, "polls", 0, "end each run after this many ticks (0 runs until stopped)")
	return cmd
}
