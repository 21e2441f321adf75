package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"inferq/internal/config"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	var format string
	printCmd := &cobra.Command{
		Use:   "print",
		Short: "Print the effective configuration (defaults, file, then INFERQ_* env)",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := config.Marshal(a.cfg, format)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), string(b))
			return err
		},
	}
	printCmd.Flags().StringVar(&format, "format", "yaml", "Output format: yaml|json|toml")
	cmd.AddCommand(printCmd)
	return cmd
}
