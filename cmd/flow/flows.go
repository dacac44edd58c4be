package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/awantoch/beemflow/constants"
	"github.com/awantoch/beemflow/parser"
	"github.com/awantoch/beemflow/utils"
)

// newFlowsCmd creates the 'flows' command group: document management
// against the persistence gateway, independent of running anything.
func newFlowsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   constants.CmdFlows,
		Short: constants.DescFlowsCommands,
	}
	cmd.AddCommand(newFlowsSaveCmd())
	return cmd
}

// newFlowsSaveCmd creates 'flows save <name> --file <path>': parse,
// validate, and store a flow document under the given name so later
// `runs start <name>` calls (and resumed suspensions) can find it.
func newFlowsSaveCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   constants.CmdSave + " <name>",
		Short: constants.DescFlowsSave,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			name := args[0]

			source, err := os.ReadFile(filePath)
			if err != nil {
				utils.Error("failed to read %s: %v", filePath, err)
				exit(1)
			}

			if _, err := parser.ParseAndValidate(source, "yaml"); err != nil {
				utils.Error("flow parse/validate error: %v", err)
				exit(2)
			}

			cfg, err := loadFlowConfig()
			if err != nil {
				utils.Error("failed to load config: %v", err)
				exit(3)
			}

			rt, err := newRuntime(cmd.Context(), cfg)
			if err != nil {
				utils.Error("failed to initialize runtime: %v", err)
				exit(4)
			}
			defer func() {
				if closeErr := rt.Close(); closeErr != nil {
					utils.Warn("failed to close runtime: %v", closeErr)
				}
			}()

			if err := rt.storage.SaveFlow(cmd.Context(), name, string(source)); err != nil {
				utils.Error("failed to save flow %s: %v", name, err)
				exit(5)
			}

			utils.User("saved flow %q from %s", name, filePath)
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "Path to the flow document")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
