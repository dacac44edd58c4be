package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/awantoch/beemflow/constants"
	"github.com/awantoch/beemflow/parser"
	"github.com/awantoch/beemflow/utils"
)

// newGraphCmd creates the 'graph' subcommand, rendering the flow's top-level
// dependency DAG as a Mermaid flowchart.
func newGraphCmd() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   constants.CmdGraph + " [file]",
		Short: constants.DescGraphFlow,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			source, err := os.ReadFile(args[0])
			if err != nil {
				utils.Error("failed to read %s: %v", args[0], err)
				exit(1)
			}
			ef, err := parser.ParseAndValidate(source, "yaml")
			if err != nil {
				utils.Error("flow parse/validate error: %v", err)
				exit(2)
			}
			diagram := ef.Scope("").Mermaid()
			if outPath != "" {
				if err := os.WriteFile(outPath, []byte(diagram), constants.FilePermission); err != nil {
					utils.Error("failed to write graph to %s: %v", outPath, err)
					exit(3)
				}
				return
			}
			utils.User("%s", diagram)
		},
	}
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "Path to write graph output (defaults to stdout)")
	return cmd
}
