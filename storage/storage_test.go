package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/awantoch/beemflow/model"
)

func newTestRun(flowName string) *model.Run {
	return &model.Run{
		ID:        uuid.New(),
		FlowName:  flowName,
		Event:     map[string]any{"source": "test"},
		Vars:      map[string]any{"x": "y"},
		Status:    model.RunRunning,
		StartedAt: time.Now().Truncate(time.Second),
	}
}

// testStorageRoundTrip exercises the full Storage interface against any
// backend; used against both MemoryStorage and SqliteStorage.
func testStorageRoundTrip(t *testing.T, s Storage) {
	t.Helper()
	ctx := context.Background()

	run := newTestRun("greet")
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.FlowName != run.FlowName || got.Status != run.Status {
		t.Errorf("GetRun mismatch: got %+v, want %+v", got, run)
	}

	now := time.Now().Truncate(time.Second)
	if err := s.UpdateRunStatus(ctx, run.ID, model.RunSucceeded, &now); err != nil {
		t.Fatalf("UpdateRunStatus: %v", err)
	}
	got, err = s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun after update: %v", err)
	}
	if got.Status != model.RunSucceeded {
		t.Errorf("expected status %v, got %v", model.RunSucceeded, got.Status)
	}
	if got.EndedAt == nil {
		t.Error("expected EndedAt to be set")
	}

	if err := s.UpdateRunStatus(ctx, uuid.New(), model.RunFailed, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown run, got %v", err)
	}

	other := newTestRun("greet")
	if err := s.CreateRun(ctx, other); err != nil {
		t.Fatalf("CreateRun (second): %v", err)
	}
	unrelated := newTestRun("other-flow")
	if err := s.CreateRun(ctx, unrelated); err != nil {
		t.Fatalf("CreateRun (unrelated): %v", err)
	}

	runs, err := s.ListRuns(ctx, "greet")
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Errorf("expected 2 runs for flow %q, got %d", "greet", len(runs))
	}

	all, err := s.ListRuns(ctx, "")
	if err != nil {
		t.Fatalf("ListRuns (all): %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 runs total, got %d", len(all))
	}

	step := &model.StepExecution{
		ID:        uuid.New(),
		RunID:     run.ID,
		StepName:  "say_hi",
		Status:    model.StepRunning,
		StartedAt: time.Now().Truncate(time.Second),
		Outputs:   map[string]any{},
	}
	if err := s.CreateStep(ctx, step); err != nil {
		t.Fatalf("CreateStep: %v", err)
	}

	step.Status = model.StepSucceeded
	step.Outputs = map[string]any{"text": "hi"}
	endedAt := time.Now().Truncate(time.Second)
	step.EndedAt = &endedAt
	if err := s.UpdateStep(ctx, step); err != nil {
		t.Fatalf("UpdateStep: %v", err)
	}

	steps, err := s.GetSteps(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetSteps: %v", err)
	}
	if len(steps) != 1 {
		t.Fatalf("expected 1 step, got %d", len(steps))
	}
	if steps[0].Status != model.StepSucceeded || steps[0].Outputs["text"] != "hi" {
		t.Errorf("GetSteps mismatch: %+v", steps[0])
	}

	bogusStep := &model.StepExecution{ID: uuid.New(), RunID: run.ID, Status: model.StepFailed}
	if err := s.UpdateStep(ctx, bogusStep); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound updating unknown step, got %v", err)
	}

	token := "wait-" + uuid.NewString()
	state := []byte(`{"step_idx":2,"scope":{"a":1}}`)
	if err := s.SavePausedRun(ctx, token, state); err != nil {
		t.Fatalf("SavePausedRun: %v", err)
	}
	loaded, err := s.LoadPausedRun(ctx, token)
	if err != nil {
		t.Fatalf("LoadPausedRun: %v", err)
	}
	if string(loaded) != string(state) {
		t.Errorf("LoadPausedRun mismatch: got %s, want %s", loaded, state)
	}
	if err := s.DeletePausedRun(ctx, token); err != nil {
		t.Fatalf("DeletePausedRun: %v", err)
	}
	if _, err := s.LoadPausedRun(ctx, token); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}

	past := time.Now().Add(-time.Minute).UnixMilli()
	future := time.Now().Add(time.Hour).UnixMilli()
	if err := s.SaveWait(ctx, "due-token", past); err != nil {
		t.Fatalf("SaveWait (due): %v", err)
	}
	if err := s.SaveWait(ctx, "future-token", future); err != nil {
		t.Fatalf("SaveWait (future): %v", err)
	}
	due, err := s.ListWaitsDue(ctx, time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("ListWaitsDue: %v", err)
	}
	if len(due) != 1 || due[0] != "due-token" {
		t.Errorf("expected only %q due, got %v", "due-token", due)
	}
	if err := s.DeleteWait(ctx, "due-token"); err != nil {
		t.Fatalf("DeleteWait: %v", err)
	}
	if err := s.DeleteWait(ctx, "future-token"); err != nil {
		t.Fatalf("DeleteWait: %v", err)
	}

	const flowYAML = "name: greet\nsteps:\n  - id: hi\n    use: echo\n"
	if err := s.SaveFlow(ctx, "greet", flowYAML); err != nil {
		t.Fatalf("SaveFlow: %v", err)
	}
	content, err := s.LoadFlow(ctx, "greet")
	if err != nil {
		t.Fatalf("LoadFlow: %v", err)
	}
	if content != flowYAML {
		t.Errorf("LoadFlow mismatch: got %q, want %q", content, flowYAML)
	}
	if _, err := s.LoadFlow(ctx, "nonexistent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown flow, got %v", err)
	}

	names, err := s.ListFlows(ctx)
	if err != nil {
		t.Fatalf("ListFlows: %v", err)
	}
	found := false
	for _, n := range names {
		if n == "greet" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected %q in ListFlows, got %v", "greet", names)
	}

	if err := s.SaveFlowVersion(ctx, "greet", 1, flowYAML); err != nil {
		t.Fatalf("SaveFlowVersion(1): %v", err)
	}
	const flowYAMLv2 = "name: greet\nsteps:\n  - id: hi\n    use: echo\n  - id: bye\n    use: echo\n"
	if err := s.SaveFlowVersion(ctx, "greet", 2, flowYAMLv2); err != nil {
		t.Fatalf("SaveFlowVersion(2): %v", err)
	}
	if err := s.SetDeployedVersion(ctx, "greet", 2); err != nil {
		t.Fatalf("SetDeployedVersion: %v", err)
	}
	version, deployedContent, err := s.GetDeployed(ctx, "greet")
	if err != nil {
		t.Fatalf("GetDeployed: %v", err)
	}
	if version != 2 || deployedContent != flowYAMLv2 {
		t.Errorf("GetDeployed mismatch: got (%d, %q)", version, deployedContent)
	}
	if err := s.SetDeployedVersion(ctx, "greet", 99); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound deploying unknown version, got %v", err)
	}
	if _, _, err := s.GetDeployed(ctx, "nonexistent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for undeployed flow, got %v", err)
	}
}

func TestMemoryStorage_RoundTrip(t *testing.T) {
	s := NewMemoryStorage()
	defer s.Close()
	testStorageRoundTrip(t, s)
}

func TestSqliteStorage_RoundTrip(t *testing.T) {
	s, err := NewSqliteStorage(":memory:")
	if err != nil {
		t.Fatalf("NewSqliteStorage: %v", err)
	}
	defer s.Close()
	testStorageRoundTrip(t, s)
}

func TestMemoryStorage_GetRunNotFound(t *testing.T) {
	s := NewMemoryStorage()
	defer s.Close()
	if _, err := s.GetRun(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSqliteStorage_GetRunNotFound(t *testing.T) {
	s, err := NewSqliteStorage(":memory:")
	if err != nil {
		t.Fatalf("NewSqliteStorage: %v", err)
	}
	defer s.Close()
	if _, err := s.GetRun(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
