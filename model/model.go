// Package model defines the BeemFlow data model: flow documents, steps,
// runs, step executions, and wait tokens.
package model

import (
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Flow is a named, versioned workflow document.
type Flow struct {
	Name        string                 `yaml:"name" json:"name"`
	Description string                 `yaml:"description,omitempty" json:"description,omitempty"`
	Version     string                 `yaml:"version,omitempty" json:"version,omitempty"`
	On          any                    `yaml:"on" json:"on"`
	Cron        string                 `yaml:"cron,omitempty" json:"cron,omitempty"`
	Vars        map[string]any         `yaml:"vars,omitempty" json:"vars,omitempty"`
	Steps       []Step                 `yaml:"steps" json:"steps"`
	Catch       []Step                 `yaml:"catch,omitempty" json:"catch,omitempty"`
	MCPServers  map[string]MCPServer   `yaml:"mcpServers,omitempty" json:"mcpServers,omitempty"`
}

// MCPServer is an inline MCP server declaration carried on a Flow document.
type MCPServer struct {
	Command string            `yaml:"command" json:"command"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

// Step is a tagged-variant node in a Flow: exactly one of its shapes
// (tool / parallel block / foreach / await-event / wait) is populated;
// the parser enforces that exclusivity, not this type.
type Step struct {
	ID        string         `yaml:"id" json:"id"`
	If        string         `yaml:"if,omitempty" json:"if,omitempty"`
	DependsOn []string       `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Retry     *RetrySpec     `yaml:"retry,omitempty" json:"retry,omitempty"`

	// tool shape
	Use  string         `yaml:"use,omitempty" json:"use,omitempty"`
	With map[string]any `yaml:"with,omitempty" json:"with,omitempty"`

	// parallel-block shape: "parallel: true" plus a Steps sub-sequence.
	// "parallel: [id, ...]" (restricting which siblings run concurrently)
	// is also accepted for backward compatibility and surfaced via
	// ParallelOnly.
	ParallelBool bool     `yaml:"-" json:"-"`
	ParallelOnly []string `yaml:"-" json:"-"`
	Steps        []Step   `yaml:"steps,omitempty" json:"steps,omitempty"`

	// foreach shape
	Foreach string `yaml:"foreach,omitempty" json:"foreach,omitempty"`
	As      string `yaml:"as,omitempty" json:"as,omitempty"`
	Do      []Step `yaml:"do,omitempty" json:"do,omitempty"`

	// await-event shape
	AwaitEvent *AwaitEventSpec `yaml:"await_event,omitempty" json:"await_event,omitempty"`

	// wait shape
	Wait *WaitSpec `yaml:"wait,omitempty" json:"wait,omitempty"`
}

// stepAlias has Step's fields but not its UnmarshalYAML method, so
// UnmarshalYAML can decode into it without recursing into itself.
type stepAlias Step

// UnmarshalYAML handles the "parallel: true" / "parallel: [id, ...]" duality:
// Step.Parallel isn't declared as a plain field because its YAML shape is
// polymorphic, so we decode into an alias first and then inspect the raw
// node for the "parallel" key.
func (s *Step) UnmarshalYAML(value *yaml.Node) error {
	var raw stepAlias
	if err := value.Decode(&raw); err != nil {
		return err
	}
	for i := 0; i+1 < len(value.Content); i += 2 {
		key := value.Content[i]
		if key.Value != "parallel" {
			continue
		}
		v := value.Content[i+1]
		switch v.Kind {
		case yaml.ScalarNode:
			var b bool
			if err := v.Decode(&b); err == nil {
				raw.ParallelBool = b
			}
		case yaml.SequenceNode:
			var ids []string
			if err := v.Decode(&ids); err == nil {
				raw.ParallelOnly = ids
			}
		}
	}
	*s = Step(raw)
	return nil
}

// IsParallelBlock reports whether this step is the "parallel: true" shape.
func (s *Step) IsParallelBlock() bool {
	return s.ParallelBool
}

// IsForeach reports whether this step is the foreach shape.
func (s *Step) IsForeach() bool {
	return s.Foreach != ""
}

// IsAwaitEvent reports whether this step is the await-event shape.
func (s *Step) IsAwaitEvent() bool {
	return s.AwaitEvent != nil
}

// IsWait reports whether this step is the wait shape.
func (s *Step) IsWait() bool {
	return s.Wait != nil
}

// IsTool reports whether this step is the tool-invocation shape.
func (s *Step) IsTool() bool {
	return s.Use != ""
}

// RetrySpec is the per-step retry policy.
type RetrySpec struct {
	Attempts int `yaml:"attempts" json:"attempts"`
	DelaySec int `yaml:"delay_sec" json:"delay_sec"`
}

// AwaitEventSpec describes an await-event suspension point.
type AwaitEventSpec struct {
	Source  string         `yaml:"source" json:"source"`
	Match   map[string]any `yaml:"match,omitempty" json:"match,omitempty"`
	Timeout string         `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// WaitSpec describes a wait suspension point: either a fixed delay or a
// timestamp expression.
type WaitSpec struct {
	Seconds int    `yaml:"seconds,omitempty" json:"seconds,omitempty"`
	Until   string `yaml:"until,omitempty" json:"until,omitempty"`
}

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCatching  RunStatus = "catching"
)

// StepStatus is the lifecycle state of a StepExecution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSkipped   StepStatus = "skipped"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
)

// Run is a single execution of a Flow.
type Run struct {
	ID        uuid.UUID      `json:"id"`
	FlowName  string         `json:"flow_name"`
	Event     map[string]any `json:"event,omitempty"`
	Vars      map[string]any `json:"vars,omitempty"`
	Status    RunStatus      `json:"status"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
}

// StepExecution is a record per (run, step-instance). Instance identity
// folds in loop indices for foreach children and the enclosing parallel
// branch, so a single source Step.ID may produce several records.
type StepExecution struct {
	ID        uuid.UUID      `json:"id"`
	RunID     uuid.UUID      `json:"run_id"`
	StepName  string         `json:"step_name"`
	Status    StepStatus     `json:"status"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
	Outputs   map[string]any `json:"outputs,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// WaitToken is the opaque identifier minted when a run suspends for an
// event or timer.
type WaitToken struct {
	Token    string `json:"token"`
	RunID    uuid.UUID `json:"run_id"`
	Source   string    `json:"source,omitempty"`   // set for await_event waits
	Match    map[string]any `json:"match,omitempty"`
	WakeAtMS int64     `json:"wake_at_ms,omitempty"` // set for wait / timeout waits
}

// NewWaitToken mints a unique token for a new suspension.
func NewWaitToken(runID uuid.UUID) string {
	return uuid.New().String() + "." + runID.String()
}
