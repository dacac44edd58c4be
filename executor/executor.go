// Package executor implements the Step Executor (spec §4.4): given one
// step instance and its scope, it evaluates "if", renders "with" through
// the Template Evaluator, validates the rendered inputs against the
// adapter's JSON-Schema, and invokes the adapter with a cancellable
// retry loop.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/awantoch/beemflow/adapter"
	"github.com/awantoch/beemflow/model"
	"github.com/awantoch/beemflow/telemetry"
	"github.com/awantoch/beemflow/templater"
	"github.com/awantoch/beemflow/utils"
)

// Result is the outcome of executing one step instance.
type Result struct {
	Status  model.StepStatus
	Outputs map[string]any
	Err     error
}

// Executor runs individual step instances against the adapter registry.
type Executor struct {
	Adapters  *adapter.Registry
	Templater *templater.Templater
}

// New creates an Executor bound to the given adapter registry and
// templater.
func New(adapters *adapter.Registry, tmpl *templater.Templater) *Executor {
	return &Executor{Adapters: adapters, Templater: tmpl}
}

// Execute runs step's tool shape (the "use"/"with" shape) to completion,
// following spec §4.4's five-step sequence. scope carries the current
// template context ("event", "vars", "outputs", "secrets", and flattened
// step outputs); instanceKey is the (possibly foreach/parallel-mangled)
// key outputs are recorded under.
func (e *Executor) Execute(ctx context.Context, step model.Step, scope map[string]any, instanceKey string) Result {
	if step.If != "" {
		ok, err := e.evalCondition(step.If, scope)
		if err != nil {
			return Result{Status: model.StepFailed, Err: err}
		}
		if !ok {
			utils.Debug("step %s: if=%q is false, skipping", instanceKey, step.If)
			return Result{Status: model.StepSkipped, Outputs: map[string]any{}}
		}
	}

	inputs, err := e.renderWith(step.With, scope)
	if err != nil {
		return Result{Status: model.StepFailed, Err: model.TemplateError(instanceKey, "rendering \"with\": %v", err)}
	}

	a, ok := e.Adapters.Get(step.Use)
	if !ok {
		return Result{Status: model.StepFailed, Err: model.ValidationError(instanceKey, "unknown tool %q", step.Use)}
	}

	if err := validateParams(a, inputs); err != nil {
		return Result{Status: model.StepFailed, Err: model.ValidationError(instanceKey, "%v", err)}
	}

	outputs, err := e.invokeWithRetry(ctx, a, step, inputs, instanceKey)
	if err != nil {
		return Result{Status: model.StepFailed, Outputs: outputs, Err: err}
	}
	return Result{Status: model.StepSucceeded, Outputs: outputs}
}

// evalCondition evaluates an "if" expression to a boolean.
func (e *Executor) evalCondition(expr string, scope map[string]any) (bool, error) {
	val, err := e.Templater.EvaluateExpression(expr, scope)
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

// renderWith evaluates every value in with through the templater,
// recursing into nested maps/slices and preserving native types for
// bare single-expression strings.
func (e *Executor) renderWith(with map[string]any, scope map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(with))
	for k, v := range with {
		rendered, err := e.renderValue(v, scope)
		if err != nil {
			return nil, err
		}
		out[k] = rendered
	}
	return out, nil
}

func (e *Executor) renderValue(val any, scope map[string]any) (any, error) {
	switch x := val.(type) {
	case string:
		return e.Templater.EvaluateExpression(x, scope)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, elem := range x {
			rendered, err := e.renderValue(elem, scope)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, elem := range x {
			rendered, err := e.renderValue(elem, scope)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return val, nil
	}
}

// validateParams checks rendered inputs against the adapter's manifest
// schema, when one is declared. A manifest with no "properties"/"required"
// is treated as schema-less and always passes.
func validateParams(a adapter.Adapter, inputs map[string]any) error {
	manifest := a.Manifest()
	if manifest == nil || len(manifest.Parameters) == 0 {
		return nil
	}

	schemaJSON, err := json.Marshal(manifest.Parameters)
	if err != nil {
		return fmt.Errorf("marshal schema for %s: %w", a.ID(), err)
	}
	compiler := jsonschema.NewCompiler()
	resource := "beemflow://tool/" + a.ID() + ".json"
	if err := compiler.AddResource(resource, bytes.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("load schema for %s: %w", a.ID(), err)
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", a.ID(), err)
	}

	inputJSON, err := json.Marshal(inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs for %s: %w", a.ID(), err)
	}
	var doc any
	if err := json.Unmarshal(inputJSON, &doc); err != nil {
		return fmt.Errorf("unmarshal inputs for %s: %w", a.ID(), err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%s: %w", a.ID(), err)
	}
	return nil
}

// invokeWithRetry invokes a, retrying on failure per step.Retry. The
// inter-attempt sleep is cancellable via ctx.
func (e *Executor) invokeWithRetry(ctx context.Context, a adapter.Adapter, step model.Step, inputs map[string]any, instanceKey string) (map[string]any, error) {
	attempts := 1
	delay := time.Duration(0)
	if step.Retry != nil && step.Retry.Attempts > 0 {
		attempts = step.Retry.Attempts
		delay = time.Duration(step.Retry.DelaySec) * time.Second
	}

	var lastErr error
	var lastOutputs map[string]any
	for attempt := 1; attempt <= attempts; attempt++ {
		outputs, err := a.Execute(ctx, inputs)
		if err == nil {
			return outputs, nil
		}
		lastErr = err
		lastOutputs = outputs
		utils.Debug("step %s: attempt %d/%d failed: %v", instanceKey, attempt, attempts, err)

		if attempt == attempts {
			break
		}
		telemetry.RecordStepRetry(step.Use)
		if delay > 0 {
			select {
			case <-ctx.Done():
				return lastOutputs, model.AdapterError(instanceKey, ctx.Err(), "cancelled during retry backoff")
			case <-time.After(delay):
			}
		}
	}
	return lastOutputs, model.AdapterError(instanceKey, lastErr, "tool %q failed after %d attempt(s): %v", step.Use, attempts, lastErr)
}
