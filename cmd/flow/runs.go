package main

import (
	"github.com/spf13/cobra"

	"github.com/awantoch/beemflow/constants"
	"github.com/awantoch/beemflow/parser"
	"github.com/awantoch/beemflow/utils"
)

// newRunsCmd creates the 'runs' command group: starting and driving runs of
// flow documents already persisted via 'flows save'.
func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   constants.CmdRuns,
		Short: constants.DescRunsCommands,
	}
	cmd.AddCommand(newRunsStartCmd())
	return cmd
}

// newRunsStartCmd creates 'runs start <name> [--event ...]': load a
// previously saved flow document by name and begin a run of it.
func newRunsStartCmd() *cobra.Command {
	var eventPath, eventJSON string
	cmd := &cobra.Command{
		Use:   constants.CmdStart + " <name>",
		Short: constants.DescRunsStart,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			startRun(cmd, args[0], eventPath, eventJSON)
		},
	}
	cmd.Flags().StringVar(&eventPath, "event", "", "Path to event JSON file")
	cmd.Flags().StringVar(&eventJSON, "event-json", "", "Event as inline JSON string")
	return cmd
}

func startRun(cmd *cobra.Command, name, eventPath, eventJSON string) {
	ctx := cmd.Context()

	cfg, err := loadFlowConfig()
	if err != nil {
		utils.Error("failed to load config: %v", err)
		exit(1)
	}

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		utils.Error("failed to initialize runtime: %v", err)
		exit(2)
	}
	defer func() {
		if closeErr := rt.Close(); closeErr != nil {
			utils.Warn("failed to close runtime: %v", closeErr)
		}
	}()

	source, err := rt.storage.LoadFlow(ctx, name)
	if err != nil {
		utils.Error("failed to load flow %s: %v", name, err)
		exit(3)
	}

	ef, err := parser.ParseAndValidate([]byte(source), "yaml")
	if err != nil {
		utils.Error("flow parse/validate error: %v", err)
		exit(4)
	}

	event, err := loadEvent(eventPath, eventJSON)
	if err != nil {
		utils.Error("failed to load event: %v", err)
		exit(5)
	}

	secretVals, err := rt.resolveReferencedSecrets(ctx, source)
	if err != nil {
		utils.Error("failed to resolve secrets: %v", err)
		exit(6)
	}

	run, err := rt.orch.Start(ctx, ef, event, secretVals)
	if err != nil {
		utils.Error(constants.ErrFlowExecutionFailed, err)
		if run == nil {
			exit(7)
		}
	}

	printRunOutcome(ctx, rt.storage, run)
}
