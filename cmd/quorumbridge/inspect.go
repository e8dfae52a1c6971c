package main

import (
	"fmt"

	"github.com/spf13/cobra"

	quorumbridge "github.com/wippyai/quorum-bridge"
)

func newInspectCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <source>",
		Short: "Show a module's imports and exports and check them against the bridge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := flags.load()
			if err != nil {
				return err
			}

			b, err := quorumbridge.New(ctx, cfg, quorumbridge.WithMock())
			if err != nil {
				return err
			}
			defer b.Close(ctx)

			report, err := b.Inspect(ctx, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Module: %s\n", report.Source)
			fmt.Fprintf(out, "Size: %d bytes\n", report.Size)
			fmt.Fprintf(out, "Imports: %d\n", len(report.Imports))
			for _, imp := range report.Imports {
				fmt.Fprintf(out, "  %s\n", imp)
			}
			fmt.Fprintf(out, "Exports: %d\n", len(report.Exports))
			for _, name := range report.Exports {
				fmt.Fprintf(out, "  %s\n", name)
			}

			if report.OK() {
				fmt.Fprintln(out, "Contract: ok")
				return nil
			}
			fmt.Fprintln(out, "Contract: violated")
			if report.ImportError != nil {
				fmt.Fprintf(out, "  imports: %v\n", report.ImportError)
			}
			if report.ExportError != nil {
				fmt.Fprintf(out, "  exports: %v\n", report.ExportError)
			}
			return fmt.Errorf("%s does not satisfy the guest contract", report.Source)
		},
	}
}
