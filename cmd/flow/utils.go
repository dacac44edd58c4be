package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/awantoch/beemflow/constants"
	"github.com/awantoch/beemflow/model"
	"github.com/awantoch/beemflow/storage"
	"github.com/awantoch/beemflow/utils"
)

// loadEvent loads a trigger event from a file or an inline JSON string. With
// neither set, an empty event is returned so flows that don't key off event
// data still run.
func loadEvent(path, inline string) (map[string]any, error) {
	var event map[string]any
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &event); err != nil {
			return nil, err
		}
		return event, nil
	}
	if inline != "" {
		if err := json.Unmarshal([]byte(inline), &event); err != nil {
			return nil, err
		}
		return event, nil
	}
	return map[string]any{}, nil
}

// printRunOutcome reports a run's terminal status and, when debug is set,
// dumps every step's recorded outputs; otherwise it surfaces just the "text"
// output of each step that has one (core.echo and core.log, for example).
func printRunOutcome(ctx context.Context, st storage.Storage, run *model.Run) {
	utils.User("run %s: %s", run.ID, run.Status)

	steps, err := st.GetSteps(ctx, run.ID)
	if err != nil {
		utils.Warn("failed to load step executions for %s: %v", run.ID, err)
		return
	}

	if debug {
		for _, s := range steps {
			outJSON, _ := json.MarshalIndent(s.Outputs, "", constants.JSONIndent)
			utils.Info(constants.MsgStepOutputs, string(outJSON))
		}
		return
	}

	for _, s := range steps {
		if text, ok := s.Outputs[constants.OutputKeyText]; ok {
			utils.User("%s", text)
		}
	}
}
