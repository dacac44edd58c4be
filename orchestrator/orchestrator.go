// Package orchestrator implements the Run Orchestrator (spec §4.5): it
// drives one flow execution from trigger to terminal status, scheduling
// each scope's steps by topological layer, forcing concurrency inside
// parallel blocks, expanding foreach loops, suspending at await_event/wait
// points, and running the catch sequence on unrecovered failure.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/awantoch/beemflow/blob"
	"github.com/awantoch/beemflow/event"
	"github.com/awantoch/beemflow/executor"
	"github.com/awantoch/beemflow/graph"
	"github.com/awantoch/beemflow/model"
	"github.com/awantoch/beemflow/parser"
	"github.com/awantoch/beemflow/storage"
	"github.com/awantoch/beemflow/telemetry"
	"github.com/awantoch/beemflow/templater"
	"github.com/awantoch/beemflow/utils"
)

// shortWaitThreshold is the longest wait a run blocks in-process for before
// persisting a resumable suspension instead (spec §5: "short waits ... may
// be held in memory without invoking the Persistence Gateway").
const shortWaitThreshold = 5 * time.Second

// blobArchiveThreshold is the serialized output size past which finishStep
// archives a copy through Blob, keeping run/step records themselves small.
const blobArchiveThreshold = 32 * 1024

// Orchestrator ties the Step Executor, Persistence Gateway, and Event Bus
// together into flow-level execution.
type Orchestrator struct {
	Storage   storage.Storage
	Executor  *executor.Executor
	Templater *templater.Templater
	Matcher   *event.Matcher    // resumption for top-level await_event/wait suspensions
	Bus       event.EventBus    // direct subscribe for nested, non-suspending await_event waits
	Blob      blob.BlobStore    // optional: archives oversized step outputs; nil disables archival
}

// New wires an Orchestrator from its collaborators.
func New(st storage.Storage, ex *executor.Executor, tmpl *templater.Templater, matcher *event.Matcher, bus event.EventBus) *Orchestrator {
	return &Orchestrator{Storage: st, Executor: ex, Templater: tmpl, Matcher: matcher, Bus: bus}
}

// scopeState is the template context threaded through one run: the
// triggering event, flow vars, accumulated step outputs, resolved secrets,
// and loop locals bound by an enclosing foreach. It is also the unit of
// serialization for a paused run.
type scopeState struct {
	Event   map[string]any `json:"event"`
	Vars    map[string]any `json:"vars"`
	Outputs map[string]any `json:"outputs"`
	Secrets map[string]any `json:"secrets"`
	Locals  map[string]any `json:"locals"`
}

func newScopeState(triggerEvent, vars, secrets map[string]any) *scopeState {
	return &scopeState{
		Event:   triggerEvent,
		Vars:    vars,
		Outputs: map[string]any{},
		Secrets: secrets,
		Locals:  map[string]any{},
	}
}

func (s *scopeState) templateCtx() map[string]any {
	ctx := make(map[string]any, 4+len(s.Locals))
	ctx["event"] = s.Event
	ctx["vars"] = s.Vars
	ctx["outputs"] = s.Outputs
	ctx["secrets"] = s.Secrets
	for k, v := range s.Locals {
		ctx[k] = v
	}
	return ctx
}

// clone returns a scope for a nested branch (a foreach iteration or a
// parallel child): Outputs and Locals are independent maps seeded from the
// parent's, so concurrent siblings never write through the same map.
func (s *scopeState) clone() *scopeState {
	out := &scopeState{
		Event:   s.Event,
		Vars:    s.Vars,
		Secrets: s.Secrets,
		Outputs: make(map[string]any, len(s.Outputs)),
		Locals:  make(map[string]any, len(s.Locals)),
	}
	for k, v := range s.Outputs {
		out.Outputs[k] = v
	}
	for k, v := range s.Locals {
		out.Locals[k] = v
	}
	return out
}

// Start begins a new run of ef, bound to triggerEvent and secrets resolved
// by the caller (cmd/flow, via the secrets package). The caller is
// responsible for having already persisted the flow document with
// Storage.SaveFlow under ef.Flow.Name, so a later suspension can reload it.
func (o *Orchestrator) Start(ctx context.Context, ef *parser.ExecutableFlow, triggerEvent, secrets map[string]any) (*model.Run, error) {
	flow := ef.Flow
	run := &model.Run{
		ID:        uuid.New(),
		FlowName:  flow.Name,
		Event:     triggerEvent,
		Vars:      flow.Vars,
		Status:    model.RunRunning,
		StartedAt: time.Now(),
	}
	if err := o.Storage.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	ctx = utils.WithRequestID(ctx, run.ID.String())

	stop := telemetry.RecordRunStart(flow.Name)
	sc := newScopeState(triggerEvent, flow.Vars, secrets)
	suspended, err := o.runLayers(ctx, run.ID, ef.Scope(""), sc, true, flow.Name)
	o.settle(ctx, run, sc, flow.Catch, suspended, err)
	// A paused run hasn't reached a terminal status yet; its eventual
	// Resume call records its own segment instead of this one.
	if run.Status != model.RunPaused {
		stop(string(run.Status))
	}
	return run, err
}

// Resume is the orchestrator's event.ResumeFunc: it reloads the run's
// serialized state by token, binds the wake-up payload (or a timeout
// marker), and continues execution from the step after the one that
// suspended.
func (o *Orchestrator) Resume(ctx context.Context, token string, payload map[string]any, timedOut bool) error {
	refBlob, err := o.Storage.LoadPausedRun(ctx, token)
	if err != nil {
		return fmt.Errorf("load token %s: %w", token, err)
	}
	var ref tokenRef
	if err := json.Unmarshal(refBlob, &ref); err != nil {
		return fmt.Errorf("decode token %s: %w", token, err)
	}
	if err := o.Storage.DeletePausedRun(ctx, token); err != nil {
		utils.Error("delete consumed token %s: %v", token, err)
	}
	if err := o.Storage.DeleteWait(ctx, token); err != nil {
		utils.Debug("delete wait entry for token %s: %v", token, err)
	}

	groupBlob, err := o.Storage.LoadPausedRun(ctx, ref.GroupKey)
	if err != nil {
		return fmt.Errorf("load pause group %s: %w", ref.GroupKey, err)
	}
	var state layerPauseState
	if err := json.Unmarshal(groupBlob, &state); err != nil {
		return fmt.Errorf("decode pause group %s: %w", ref.GroupKey, err)
	}

	allResolved := true
	for i := range state.Pending {
		if state.Pending[i].StepID == ref.StepID {
			state.Pending[i].Resolved = true
			state.Pending[i].Payload = payload
			state.Pending[i].TimedOut = timedOut
		}
		if !state.Pending[i].Resolved {
			allResolved = false
		}
	}
	if !allResolved {
		blob, err := json.Marshal(&state)
		if err != nil {
			return fmt.Errorf("marshal pause group %s: %w", ref.GroupKey, err)
		}
		return o.Storage.SavePausedRun(ctx, ref.GroupKey, blob)
	}
	if err := o.Storage.DeletePausedRun(ctx, ref.GroupKey); err != nil {
		utils.Error("delete resolved pause group %s: %v", ref.GroupKey, err)
	}

	sc := state.Scope
	for _, p := range state.Pending {
		sc.Outputs[p.StepID] = eventOutputs(p.Payload, p.TimedOut)
	}

	content, err := o.Storage.LoadFlow(ctx, state.FlowName)
	if err != nil {
		return fmt.Errorf("reload flow %s: %w", state.FlowName, err)
	}
	ef, err := parser.ParseAndValidate([]byte(content), "yaml")
	if err != nil {
		return fmt.Errorf("reparse flow %s: %w", state.FlowName, err)
	}
	run, err := o.Storage.GetRun(ctx, state.RunID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", state.RunID, err)
	}
	ctx = utils.WithRequestID(ctx, run.ID.String())

	stop := telemetry.RecordRunStart(ef.Flow.Name)
	suspended, runErr := o.runLayers(ctx, state.RunID, ef.Scope(""), sc, true, state.FlowName)
	o.settle(ctx, run, sc, ef.Flow.Catch, suspended, runErr)
	if run.Status != model.RunPaused {
		stop(string(run.Status))
	}
	return nil
}

// settle applies the terminal (or paused) status transition for run and, on
// unrecovered failure, runs the catch sequence (spec §4.5).
func (o *Orchestrator) settle(ctx context.Context, run *model.Run, sc *scopeState, catchSteps []model.Step, suspended bool, runErr error) {
	if suspended {
		if err := o.Storage.UpdateRunStatus(ctx, run.ID, model.RunPaused, nil); err != nil {
			utils.ErrorCtx(ctx, "mark run paused", "error", err)
		}
		run.Status = model.RunPaused
		return
	}
	if runErr == nil {
		now := time.Now()
		if err := o.Storage.UpdateRunStatus(ctx, run.ID, model.RunSucceeded, &now); err != nil {
			utils.ErrorCtx(ctx, "mark run succeeded", "error", err)
		}
		run.Status = model.RunSucceeded
		run.EndedAt = &now
		return
	}
	o.runCatch(ctx, run, sc, catchSteps, runErr)
}

// runCatch transitions run to catching, executes the flow's catch sequence
// (if any) with an "error" binding, and always terminates the run as
// failed: catch is cleanup for a failed run, not a recovery that flips its
// outcome (spec §4.5 names only "catch-block failures are fatal"; a
// succeeding catch block still leaves the originating failure in place).
func (o *Orchestrator) runCatch(ctx context.Context, run *model.Run, sc *scopeState, catchSteps []model.Step, runErr error) {
	if err := o.Storage.UpdateRunStatus(ctx, run.ID, model.RunCatching, nil); err != nil {
		utils.ErrorCtx(ctx, "mark run catching", "error", err)
	}
	run.Status = model.RunCatching

	if len(catchSteps) > 0 {
		catchDAG, err := graph.BuildDAG(catchSteps)
		if err != nil {
			utils.ErrorCtx(ctx, "catch block has invalid shape", "error", err)
		} else {
			catchSc := sc.clone()
			catchSc.Locals["error"] = errorBinding(runErr)
			if _, err := o.runLayers(ctx, run.ID, catchDAG, catchSc, false, run.FlowName); err != nil {
				utils.ErrorCtx(ctx, "catch block failed", "error", err)
			}
		}
	}

	now := time.Now()
	if err := o.Storage.UpdateRunStatus(ctx, run.ID, model.RunFailed, &now); err != nil {
		utils.ErrorCtx(ctx, "mark run failed", "error", err)
	}
	run.Status = model.RunFailed
	run.EndedAt = &now
}

func errorBinding(err error) map[string]any {
	var fe *model.FlowError
	if errors.As(err, &fe) {
		return map[string]any{"message": fe.Message, "step_id": fe.StepID, "type": string(fe.Kind)}
	}
	return map[string]any{"message": err.Error(), "step_id": "", "type": ""}
}

// runLayers dispatches dag's steps layer by layer, skipping any step whose
// id already has an entry in sc.Outputs (a resume continuing past
// already-completed work). canSuspend gates whether a wait/await_event step
// may persist a resumable suspension; only the top-level scope is invoked
// with it true. The catch sequence and nested foreach/parallel scopes run
// with it false and block in-process instead (see DESIGN.md).
func (o *Orchestrator) runLayers(ctx context.Context, runID uuid.UUID, dag *graph.DAG, sc *scopeState, canSuspend bool, flowName string) (bool, error) {
	for _, layer := range dag.Layers {
		ids := make([]string, 0, len(layer))
		for _, id := range layer {
			if _, done := sc.Outputs[id]; !done {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			continue
		}

		results := make([]stepResult, len(ids))
		var wg sync.WaitGroup
		for i, id := range ids {
			wg.Add(1)
			go func(i int, id string) {
				defer wg.Done()
				results[i] = o.runStepNode(ctx, runID, dag.StepByID[id], sc, canSuspend)
			}(i, id)
		}
		wg.Wait()

		var pending []*suspendInfo
		var firstErr error
		for _, r := range results {
			if r.Suspend != nil {
				pending = append(pending, r.Suspend)
				continue
			}
			sc.Outputs[r.StepID] = r.Outputs
			if r.Err != nil && firstErr == nil {
				firstErr = r.Err
			}
		}

		if len(pending) > 0 {
			if !canSuspend {
				return false, fmt.Errorf("await_event/wait inside a nested foreach or parallel scope cannot suspend the run")
			}
			if err := o.persistGroupPause(ctx, runID, flowName, sc, pending); err != nil {
				return false, err
			}
			return true, nil
		}
		if firstErr != nil {
			return false, firstErr
		}
	}
	return false, nil
}

// stepResult is one step node's outcome: exactly one of Suspend being set
// or Outputs/Err being populated.
type stepResult struct {
	StepID  string
	Outputs map[string]any
	Err     error
	Suspend *suspendInfo
}

// suspendInfo is a wait/await_event step's request to pause the run.
type suspendInfo struct {
	StepID   string
	Kind     string // "wait" or "await_event"
	Token    string
	WakeAtMS int64
	Source   string
	Match    map[string]any
	Timeout  time.Duration
}

func (o *Orchestrator) runStepNode(ctx context.Context, runID uuid.UUID, step *model.Step, sc *scopeState, canSuspend bool) stepResult {
	se := &model.StepExecution{
		ID:        uuid.New(),
		RunID:     runID,
		StepName:  step.ID,
		Status:    model.StepRunning,
		StartedAt: time.Now(),
		Outputs:   map[string]any{},
	}
	if err := o.Storage.CreateStep(ctx, se); err != nil {
		utils.Error("create step record %s: %v", step.ID, err)
	}

	switch {
	case step.IsTool():
		res := o.Executor.Execute(ctx, *step, sc.templateCtx(), step.ID)
		telemetry.RecordStepExecution(step.Use, string(res.Status))
		o.finishStep(ctx, se, res.Status, res.Outputs, res.Err)
		return stepResult{StepID: step.ID, Outputs: res.Outputs, Err: res.Err}

	case step.IsParallelBlock():
		return o.runGuardedContainer(ctx, runID, step, sc, se, o.runParallelBlock)

	case step.IsForeach():
		return o.runGuardedContainer(ctx, runID, step, sc, se, o.runForeach)

	case step.IsWait():
		return o.runWaitStep(ctx, runID, step, sc, canSuspend, se)

	case step.IsAwaitEvent():
		return o.runAwaitEventStep(ctx, runID, step, sc, canSuspend, se)

	default:
		err := model.ValidationError(step.ID, "step has no recognized shape")
		o.finishStep(ctx, se, model.StepFailed, nil, err)
		return stepResult{StepID: step.ID, Err: err}
	}
}

// runGuardedContainer evaluates step.If and, if true, dispatches to run
// (runParallelBlock or runForeach), recording the resulting status.
func (o *Orchestrator) runGuardedContainer(ctx context.Context, runID uuid.UUID, step *model.Step, sc *scopeState, se *model.StepExecution, run func(context.Context, uuid.UUID, *model.Step, *scopeState) (map[string]any, error)) stepResult {
	ok, err := o.evalIf(step.If, sc)
	if err != nil {
		o.finishStep(ctx, se, model.StepFailed, nil, err)
		return stepResult{StepID: step.ID, Err: err}
	}
	if !ok {
		o.finishStep(ctx, se, model.StepSkipped, map[string]any{}, nil)
		return stepResult{StepID: step.ID, Outputs: map[string]any{}}
	}
	outputs, err := run(ctx, runID, step, sc)
	o.finishStep(ctx, se, statusFor(err), outputs, err)
	return stepResult{StepID: step.ID, Outputs: outputs, Err: err}
}

func statusFor(err error) model.StepStatus {
	if err != nil {
		return model.StepFailed
	}
	return model.StepSucceeded
}

func (o *Orchestrator) evalIf(expr string, sc *scopeState) (bool, error) {
	if expr == "" {
		return true, nil
	}
	val, err := o.Templater.EvaluateExpression(expr, sc.templateCtx())
	if err != nil {
		return false, err
	}
	return truthy(val), nil
}

func truthy(val any) bool {
	switch v := val.(type) {
	case bool:
		return v
	case string:
		return v != "" && v != "false" && v != "False"
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	case nil:
		return false
	default:
		return true
	}
}

func (o *Orchestrator) finishStep(ctx context.Context, se *model.StepExecution, status model.StepStatus, outputs map[string]any, err error) {
	now := time.Now()
	se.Status = status
	se.EndedAt = &now
	se.Outputs = outputs
	if err != nil {
		se.Error = err.Error()
	}
	o.archiveOversizedOutput(ctx, se)
	if uerr := o.Storage.UpdateStep(ctx, se); uerr != nil {
		utils.Error("update step %s: %v", se.StepName, uerr)
	}
}

// archiveOversizedOutput copies a step's output to Blob when it's large
// enough that keeping it inline would bloat every future run/step listing.
// The archived copy is supplementary: se.Outputs is left untouched so
// template resolution (outputs.<id>.<field>) keeps working unchanged; only
// a failure to archive is logged, never fatal to the step itself.
func (o *Orchestrator) archiveOversizedOutput(ctx context.Context, se *model.StepExecution) {
	if o.Blob == nil || len(se.Outputs) == 0 {
		return
	}
	data, err := json.Marshal(se.Outputs)
	if err != nil || len(data) < blobArchiveThreshold {
		return
	}
	filename := fmt.Sprintf("%s-%s.json", se.RunID, se.ID)
	if _, err := o.Blob.Put(ctx, data, "application/json", filename); err != nil {
		utils.Warn("archive output for step %s: %v", se.StepName, err)
	}
}

// runParallelBlock forces concurrency of step.Steps regardless of any
// depends_on/output-reference edges among them (spec §4.5): every child
// starts at once, and the block completes only once all of them are
// terminal. A nested wait/await_event inside the block blocks in-process
// (canSuspend=false) rather than persisting.
func (o *Orchestrator) runParallelBlock(ctx context.Context, runID uuid.UUID, step *model.Step, sc *scopeState) (map[string]any, error) {
	results := make([]stepResult, len(step.Steps))
	var wg sync.WaitGroup
	for i := range step.Steps {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = o.runStepNode(ctx, runID, &step.Steps[i], sc, false)
		}(i)
	}
	wg.Wait()

	merged := make(map[string]any, len(results))
	var firstErr error
	for _, r := range results {
		merged[r.StepID] = r.Outputs
		sc.Outputs[r.StepID] = r.Outputs
		if r.Err != nil && firstErr == nil {
			firstErr = r.Err
		}
	}
	return merged, firstErr
}

// runForeach evaluates step.Foreach to a list, then runs step.Do once per
// element concurrently (completion order is not guaranteed, per spec §4.5).
// Each iteration binds step.As/<as>_index/<as>_row as loop locals and its
// do-steps' output keys are mangled with the iteration index so they stay
// unique across iterations.
func (o *Orchestrator) runForeach(ctx context.Context, runID uuid.UUID, step *model.Step, sc *scopeState) (map[string]any, error) {
	val, err := o.Templater.EvaluateExpression(step.Foreach, sc.templateCtx())
	if err != nil {
		return nil, err
	}
	items, ok := val.([]any)
	if !ok {
		return nil, model.ValidationError(step.ID, "foreach %q did not evaluate to a list", step.Foreach)
	}

	dag, err := graph.BuildDAG(step.Do)
	if err != nil {
		return nil, err
	}

	results := make([]map[string]any, len(items))
	errs := make([]error, len(items))
	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(i int, item any) {
			defer wg.Done()
			iterSc := sc.clone()
			iterSc.Locals[step.As] = item
			iterSc.Locals[step.As+"_index"] = i
			iterSc.Locals[step.As+"_row"] = i + 1

			if _, err := o.runLayers(ctx, runID, dag, iterSc, false, ""); err != nil {
				errs[i] = err
				return
			}
			mangled := make(map[string]any, len(dag.StepByID))
			for id := range dag.StepByID {
				if out, ok := iterSc.Outputs[id]; ok {
					mangled[fmt.Sprintf("%s#%d", id, i)] = out
				}
			}
			results[i] = mangled
		}(i, item)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	merged := make(map[string]any, len(items))
	for _, r := range results {
		for k, v := range r {
			merged[k] = v
			sc.Outputs[k] = v
		}
	}
	return merged, nil
}

func (o *Orchestrator) runWaitStep(ctx context.Context, runID uuid.UUID, step *model.Step, sc *scopeState, canSuspend bool, se *model.StepExecution) stepResult {
	ok, err := o.evalIf(step.If, sc)
	if err != nil {
		o.finishStep(ctx, se, model.StepFailed, nil, err)
		return stepResult{StepID: step.ID, Err: err}
	}
	if !ok {
		o.finishStep(ctx, se, model.StepSkipped, map[string]any{}, nil)
		return stepResult{StepID: step.ID, Outputs: map[string]any{}}
	}

	wakeAt, err := o.resolveWakeAt(step.Wait, sc)
	if err != nil {
		o.finishStep(ctx, se, model.StepFailed, nil, err)
		return stepResult{StepID: step.ID, Err: err}
	}
	delay := time.Until(wakeAt)

	if !canSuspend || delay <= shortWaitThreshold {
		if delay > 0 {
			select {
			case <-ctx.Done():
				o.finishStep(ctx, se, model.StepFailed, nil, ctx.Err())
				return stepResult{StepID: step.ID, Err: ctx.Err()}
			case <-time.After(delay):
			}
		}
		o.finishStep(ctx, se, model.StepSucceeded, map[string]any{}, nil)
		return stepResult{StepID: step.ID, Outputs: map[string]any{}}
	}

	token := model.NewWaitToken(runID)
	return stepResult{StepID: step.ID, Suspend: &suspendInfo{StepID: step.ID, Kind: "wait", Token: token, WakeAtMS: wakeAt.UnixMilli()}}
}

func (o *Orchestrator) resolveWakeAt(w *model.WaitSpec, sc *scopeState) (time.Time, error) {
	if w.Seconds > 0 {
		return time.Now().Add(time.Duration(w.Seconds) * time.Second), nil
	}
	rendered, err := o.Templater.Render(w.Until, sc.templateCtx())
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(rendered))
	if err != nil {
		return time.Time{}, model.ValidationError("", "wait.until %q is not an RFC3339 timestamp: %v", rendered, err)
	}
	return t, nil
}

func (o *Orchestrator) runAwaitEventStep(ctx context.Context, runID uuid.UUID, step *model.Step, sc *scopeState, canSuspend bool, se *model.StepExecution) stepResult {
	ok, err := o.evalIf(step.If, sc)
	if err != nil {
		o.finishStep(ctx, se, model.StepFailed, nil, err)
		return stepResult{StepID: step.ID, Err: err}
	}
	if !ok {
		o.finishStep(ctx, se, model.StepSkipped, map[string]any{}, nil)
		return stepResult{StepID: step.ID, Outputs: map[string]any{}}
	}

	match, err := o.renderMatch(step.AwaitEvent.Match, sc)
	if err != nil {
		o.finishStep(ctx, se, model.StepFailed, nil, err)
		return stepResult{StepID: step.ID, Err: err}
	}
	var timeout time.Duration
	if step.AwaitEvent.Timeout != "" {
		timeout, err = time.ParseDuration(step.AwaitEvent.Timeout)
		if err != nil {
			err = model.ValidationError(step.ID, "invalid await_event timeout %q: %v", step.AwaitEvent.Timeout, err)
			o.finishStep(ctx, se, model.StepFailed, nil, err)
			return stepResult{StepID: step.ID, Err: err}
		}
	}

	if !canSuspend {
		payload, timedOut, err := o.blockForEvent(ctx, step.AwaitEvent.Source, match, timeout)
		if err != nil {
			o.finishStep(ctx, se, model.StepFailed, nil, err)
			return stepResult{StepID: step.ID, Err: err}
		}
		outputs := eventOutputs(payload, timedOut)
		o.finishStep(ctx, se, model.StepSucceeded, outputs, nil)
		return stepResult{StepID: step.ID, Outputs: outputs}
	}

	token := model.NewWaitToken(runID)
	return stepResult{StepID: step.ID, Suspend: &suspendInfo{
		StepID: step.ID, Kind: "await_event", Token: token,
		Source: step.AwaitEvent.Source, Match: match, Timeout: timeout,
	}}
}

func (o *Orchestrator) renderMatch(match map[string]any, sc *scopeState) (map[string]any, error) {
	out := make(map[string]any, len(match))
	for k, v := range match {
		if s, ok := v.(string); ok {
			rendered, err := o.Templater.EvaluateExpression(s, sc.templateCtx())
			if err != nil {
				return nil, err
			}
			out[k] = rendered
			continue
		}
		out[k] = v
	}
	return out, nil
}

// eventOutputs is the outputs map bound for a resolved wait/await_event
// step: the event payload, plus a "timeout" flag when woken by deadline
// instead of a match (spec §4.7).
func eventOutputs(payload map[string]any, timedOut bool) map[string]any {
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	if timedOut {
		out["timeout"] = true
	}
	return out
}

// blockForEvent is the nested (non-persisted) await_event wait used inside
// a foreach/parallel scope: it subscribes directly to the bus instead of
// registering with the Matcher, since there is no resumable token to
// survive a process restart for these.
func (o *Orchestrator) blockForEvent(ctx context.Context, source string, match map[string]any, timeout time.Duration) (map[string]any, bool, error) {
	if o.Bus == nil {
		return nil, false, fmt.Errorf("await_event requires an event bus")
	}
	ch := make(chan map[string]any, 1)
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.Bus.Subscribe(subCtx, source, func(payload any) {
		m, ok := event.AsEventMap(payload)
		if !ok || !event.MatchPredicate(match, m) {
			return
		}
		select {
		case ch <- m:
		default:
		}
	})

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case payload := <-ch:
		return payload, false, nil
	case <-timeoutCh:
		return nil, true, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// layerPauseState is the serialized unit of a top-level suspension: one or
// more steps in the same layer paused at once (each with its own token),
// sharing the scope snapshot and waiting on each other before the run can
// continue to the next layer.
type layerPauseState struct {
	RunID    uuid.UUID        `json:"run_id"`
	FlowName string           `json:"flow_name"`
	Scope    *scopeState      `json:"scope"`
	Pending  []pendingResolve `json:"pending"`
}

type pendingResolve struct {
	StepID   string         `json:"step_id"`
	Token    string         `json:"token"`
	Resolved bool           `json:"resolved"`
	Payload  map[string]any `json:"payload,omitempty"`
	TimedOut bool           `json:"timed_out,omitempty"`
}

// tokenRef is the tiny record stored under each suspended step's own token,
// pointing back at the shared layerPauseState it belongs to.
type tokenRef struct {
	GroupKey string `json:"group_key"`
	StepID   string `json:"step_id"`
}

// persistGroupPause saves one shared pause record for every step that
// suspended in the same layer and, per step, a reverse-reference token the
// Matcher/TimeoutScanner callbacks pass back into Resume.
func (o *Orchestrator) persistGroupPause(ctx context.Context, runID uuid.UUID, flowName string, sc *scopeState, pending []*suspendInfo) error {
	groupKey := "group:" + uuid.NewString()
	state := layerPauseState{RunID: runID, FlowName: flowName, Scope: sc}
	for _, p := range pending {
		state.Pending = append(state.Pending, pendingResolve{StepID: p.StepID, Token: p.Token})
	}
	blob, err := json.Marshal(&state)
	if err != nil {
		return fmt.Errorf("marshal pause state: %w", err)
	}
	if err := o.Storage.SavePausedRun(ctx, groupKey, blob); err != nil {
		return fmt.Errorf("save pause state: %w", err)
	}

	for _, p := range pending {
		ref := tokenRef{GroupKey: groupKey, StepID: p.StepID}
		refBlob, err := json.Marshal(&ref)
		if err != nil {
			utils.Error("marshal token ref %s: %v", p.Token, err)
			continue
		}
		if err := o.Storage.SavePausedRun(ctx, p.Token, refBlob); err != nil {
			utils.Error("save token ref %s: %v", p.Token, err)
		}
		switch p.Kind {
		case "wait":
			if err := o.Storage.SaveWait(ctx, p.Token, p.WakeAtMS); err != nil {
				utils.Error("save wait %s: %v", p.Token, err)
			}
		case "await_event":
			if o.Matcher != nil {
				o.Matcher.Register(ctx, event.AwaitRegistration{
					Token: p.Token, Source: p.Source, Match: p.Match, Timeout: p.Timeout,
				})
			}
		}
	}
	return nil
}
