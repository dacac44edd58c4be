package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/awantoch/beemflow/constants"
	"github.com/awantoch/beemflow/parser"
	"github.com/awantoch/beemflow/utils"
)

// newValidateCmd creates the 'validate' subcommand.
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   constants.CmdValidate + " [file]",
		Short: constants.DescValidateFlow,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			source, err := os.ReadFile(args[0])
			if err != nil {
				utils.Error("failed to read %s: %v", args[0], err)
				exit(1)
			}
			if _, err := parser.ParseAndValidate(source, "yaml"); err != nil {
				utils.Error("flow parse/validate error: %v", err)
				exit(2)
			}
			utils.User("validation OK: flow is valid")
		},
	}
}
