// Package parser implements the Flow Parser & Validator (spec §4.2):
// YAML/JSON ingestion, the ordered structural validation pass, and
// production of an ExecutableFlow carrying a precomputed dependency DAG
// and topological layer assignment per scope.
package parser

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/awantoch/beemflow/graph"
	"github.com/awantoch/beemflow/model"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// ExecutableFlow is the validated Flow plus, for every scope (the
// top-level steps, each parallel block's steps, each foreach body, and
// the catch sequence), a dependency DAG with topological layers.
type ExecutableFlow struct {
	Flow   *model.Flow
	Scopes map[string]*graph.DAG
}

// Scope returns the DAG for the given scope key ("" is the top-level
// steps; nested scopes are keyed by the dotted path of container step
// ids, e.g. "blk" for a parallel block's Steps, "loop" for a foreach's Do).
func (ef *ExecutableFlow) Scope(key string) *graph.DAG {
	return ef.Scopes[key]
}

const topScope = ""
const catchScope = "catch"

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseBytes decodes a flow document. format is "yaml"/"yml" or "json";
// an empty format defaults to YAML (JSON is a YAML subset yaml.v3 parses
// identically).
func ParseBytes(data []byte, format string) (*model.Flow, error) {
	var flow model.Flow
	switch strings.ToLower(format) {
	case "json":
		if err := json.Unmarshal(data, &flow); err != nil {
			return nil, model.ValidationError("", "parse json flow: %v", err)
		}
	default:
		if err := yaml.Unmarshal(data, &flow); err != nil {
			return nil, model.ValidationError("", "parse yaml flow: %v", err)
		}
	}
	return &flow, nil
}

// ParseFile loads and parses a flow document from disk, dispatching on
// the file extension.
func ParseFile(path string) (*model.Flow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, model.ValidationError("", "read flow file %s: %v", path, err)
	}
	format := "yaml"
	if strings.HasSuffix(path, ".json") {
		format = "json"
	}
	return ParseBytes(data, format)
}

// Validate runs the ordered structural validation of spec §4.2 and, on
// success, produces an ExecutableFlow.
func Validate(flow *model.Flow) (*ExecutableFlow, error) {
	if flow.Name == "" {
		return nil, model.ValidationError("", "flow name is required")
	}
	if flow.On == nil {
		return nil, model.ValidationError("", "flow 'on' trigger is required")
	}
	if len(flow.Steps) == 0 {
		return nil, model.ValidationError("", "flow 'steps' must be non-empty")
	}

	ef := &ExecutableFlow{Flow: flow, Scopes: map[string]*graph.DAG{}}

	if err := validateScope(flow.Steps, topScope, ef); err != nil {
		return nil, err
	}
	if len(flow.Catch) > 0 {
		if err := validateScope(flow.Catch, catchScope, ef); err != nil {
			return nil, err
		}
	}
	if err := validateCronTrigger(flow); err != nil {
		return nil, err
	}
	return ef, nil
}

// validateScope enforces rules 2-4 for one scope's steps (shape
// exclusivity, id uniqueness + pattern, depends_on resolution + acyclic
// graph), recurses into nested parallel/foreach scopes, and records the
// scope's DAG under scopePath.
func validateScope(steps []model.Step, scopePath string, ef *ExecutableFlow) error {
	seen := map[string]bool{}
	for i := range steps {
		s := &steps[i]
		if s.ID == "" {
			return model.ValidationError("", "step at index %d in scope %q is missing an id", i, scopeLabel(scopePath))
		}
		if !identifierRe.MatchString(s.ID) {
			return model.ValidationError(s.ID, "step id %q does not match identifier pattern [A-Za-z_][A-Za-z0-9_]*", s.ID)
		}
		if seen[s.ID] {
			return model.ValidationError(s.ID, "duplicate step id %q in scope %q", s.ID, scopeLabel(scopePath))
		}
		seen[s.ID] = true

		if err := validateShape(s); err != nil {
			return err
		}

		switch {
		case s.IsParallelBlock():
			childScope := joinScope(scopePath, s.ID)
			if err := validateScope(s.Steps, childScope, ef); err != nil {
				return err
			}
		case s.IsForeach():
			childScope := joinScope(scopePath, s.ID)
			if err := validateScope(s.Do, childScope, ef); err != nil {
				return err
			}
		}
	}

	dag, err := graph.BuildDAG(steps)
	if err != nil {
		return err
	}
	ef.Scopes[scopePath] = dag
	return nil
}

// validateShape enforces rule 2: exactly one shape populated, with the
// parallel/foreach non-empty requirements.
func validateShape(s *model.Step) error {
	shapes := 0
	if s.IsTool() {
		shapes++
	}
	if s.IsParallelBlock() || len(s.ParallelOnly) > 0 {
		shapes++
		if s.IsParallelBlock() && len(s.Steps) == 0 {
			return model.ValidationError(s.ID, "parallel block %q must have non-empty steps", s.ID)
		}
	}
	if s.IsForeach() {
		shapes++
		if s.As == "" {
			return model.ValidationError(s.ID, "foreach step %q requires 'as'", s.ID)
		}
		if len(s.Do) == 0 {
			return model.ValidationError(s.ID, "foreach step %q requires non-empty 'do'", s.ID)
		}
	}
	if s.IsAwaitEvent() {
		shapes++
		if s.AwaitEvent.Source == "" {
			return model.ValidationError(s.ID, "await_event step %q requires 'source'", s.ID)
		}
	}
	if s.IsWait() {
		shapes++
		if s.Wait.Seconds == 0 && s.Wait.Until == "" {
			return model.ValidationError(s.ID, "wait step %q requires 'seconds' or 'until'", s.ID)
		}
	}
	if shapes == 0 {
		return model.ValidationError(s.ID, "step %q has no recognized shape (tool/parallel/foreach/await_event/wait)", s.ID)
	}
	if shapes > 1 {
		return model.ValidationError(s.ID, "step %q mixes more than one shape", s.ID)
	}
	return nil
}

// validateCronTrigger enforces rule 5: schedule.cron triggers carry a
// parseable five-field cron expression.
func validateCronTrigger(flow *model.Flow) error {
	if !triggersOnCron(flow.On) {
		return nil
	}
	if flow.Cron == "" {
		return model.ValidationError("", "flow 'on: schedule.cron' requires a 'cron' field")
	}
	if _, err := cronParser.Parse(flow.Cron); err != nil {
		return model.ValidationError("", "invalid cron expression %q: %v", flow.Cron, err)
	}
	return nil
}

func triggersOnCron(on any) bool {
	switch v := on.(type) {
	case string:
		return v == "schedule.cron"
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == "schedule.cron" {
				return true
			}
			if m, ok := item.(map[string]any); ok {
				if _, ok := m["schedule.cron"]; ok {
					return true
				}
			}
		}
	case map[string]any:
		_, ok := v["schedule.cron"]
		return ok
	}
	return false
}

func joinScope(parent, id string) string {
	if parent == "" {
		return id
	}
	return parent + "." + id
}

func scopeLabel(scopePath string) string {
	if scopePath == "" {
		return "<top-level>"
	}
	return scopePath
}

// ParseAndValidate is the common entrypoint: parse then validate in one
// call, matching the shape most callers (CLI, orchestrator) need.
func ParseAndValidate(data []byte, format string) (*ExecutableFlow, error) {
	flow, err := ParseBytes(data, format)
	if err != nil {
		return nil, err
	}
	return Validate(flow)
}

// ParseAndValidateFile loads path from disk, parses, and validates.
func ParseAndValidateFile(path string) (*ExecutableFlow, error) {
	flow, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	ef, err := Validate(flow)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ef, nil
}
