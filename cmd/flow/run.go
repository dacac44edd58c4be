package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/awantoch/beemflow/constants"
	"github.com/awantoch/beemflow/parser"
	"github.com/awantoch/beemflow/utils"
)

// newRunCmd creates the 'run' subcommand: a one-shot parse, store and
// execution of a flow document read straight from disk.
func newRunCmd() *cobra.Command {
	var eventPath, eventJSON string
	cmd := &cobra.Command{
		Use:   constants.CmdRun + " [file]",
		Short: constants.DescRunFlow,
		Args:  cobra.RangeArgs(0, 1),
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) == 0 {
				utils.User(constants.StubFlowRun)
				return
			}
			runFlowFile(cmd, args[0], eventPath, eventJSON)
		},
	}
	cmd.Flags().StringVar(&eventPath, "event", "", "Path to event JSON file")
	cmd.Flags().StringVar(&eventJSON, "event-json", "", "Event as inline JSON string")
	return cmd
}

func runFlowFile(cmd *cobra.Command, file, eventPath, eventJSON string) {
	ctx := cmd.Context()

	source, err := os.ReadFile(file)
	if err != nil {
		utils.Error("failed to read %s: %v", file, err)
		exit(1)
	}

	ef, err := parser.ParseAndValidate(source, "yaml")
	if err != nil {
		utils.Error("flow parse/validate error: %v", err)
		exit(2)
	}

	cfg, err := loadFlowConfig()
	if err != nil {
		utils.Error("failed to load config: %v", err)
		exit(3)
	}

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		utils.Error("failed to initialize runtime: %v", err)
		exit(4)
	}
	defer func() {
		if closeErr := rt.Close(); closeErr != nil {
			utils.Warn("failed to close runtime: %v", closeErr)
		}
	}()

	event, err := loadEvent(eventPath, eventJSON)
	if err != nil {
		utils.Error("failed to load event: %v", err)
		exit(5)
	}

	secretVals, err := rt.resolveReferencedSecrets(ctx, string(source))
	if err != nil {
		utils.Error("failed to resolve secrets: %v", err)
		exit(6)
	}

	if err := rt.storage.SaveFlow(ctx, ef.Flow.Name, string(source)); err != nil {
		utils.Error("failed to persist flow document: %v", err)
		exit(7)
	}

	run, err := rt.orch.Start(ctx, ef, event, secretVals)
	if err != nil {
		utils.Error(constants.ErrFlowExecutionFailed, err)
		if run == nil {
			exit(8)
		}
	}

	printRunOutcome(ctx, rt.storage, run)
}
