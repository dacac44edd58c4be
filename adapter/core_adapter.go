package adapter

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/awantoch/beemflow/constants"
	"github.com/awantoch/beemflow/registry"
	"github.com/awantoch/beemflow/utils"
)

// CoreAdapter implements the three built-in tools every flow can use
// without a registry entry: core.echo, core.wait, core.log.
type CoreAdapter struct{}

// ID returns the adapter ID.
func (a *CoreAdapter) ID() string {
	return constants.AdapterCore
}

// Execute dispatches on the __use field to one of the three core tools.
func (a *CoreAdapter) Execute(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	use, ok := inputs["__use"].(string)
	if !ok {
		return nil, fmt.Errorf("missing __use for CoreAdapter")
	}

	switch use {
	case constants.CoreEcho:
		return a.executeEcho(ctx, inputs)
	case constants.CoreWait:
		return a.executeWait(ctx, inputs)
	case constants.CoreLog:
		return a.executeLog(ctx, inputs)
	default:
		return nil, fmt.Errorf("unknown core tool: %s", use)
	}
}

// executeEcho returns inputs unchanged (minus the internal __use field),
// optionally printing "text" when BEEMFLOW_DEBUG is set.
func (a *CoreAdapter) executeEcho(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	if text, ok := inputs["text"].(string); ok {
		if os.Getenv(constants.EnvDebug) != "" {
			utils.Info("%s", text)
		}
	}
	result := make(map[string]any)
	for k, v := range inputs {
		if k != "__use" {
			result[k] = v
		}
	}
	return result, nil
}

// executeWait blocks for "seconds" (default 0), honoring ctx cancellation.
// Intended for short, in-process delays; long waits belong to the wait
// step shape, which the orchestrator persists instead of blocking a
// goroutine on.
func (a *CoreAdapter) executeWait(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	var seconds float64
	switch v := inputs["seconds"].(type) {
	case float64:
		seconds = v
	case int:
		seconds = float64(v)
	}
	if seconds < 0 {
		return nil, fmt.Errorf("core.wait: seconds must be non-negative, got %v", seconds)
	}
	select {
	case <-time.After(time.Duration(seconds * float64(time.Second))):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return map[string]any{"waited_seconds": seconds}, nil
}

// executeLog writes "text" at the given "level" (default info) through the
// shared structured logger and echoes what was logged.
func (a *CoreAdapter) executeLog(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	text, _ := inputs["text"].(string)
	level, _ := inputs["level"].(string)
	if level == "" {
		level = "info"
	}
	switch level {
	case "debug":
		utils.Debug("%s", text)
	case "warn", "warning":
		utils.Warn("%s", text)
	case "error":
		utils.Error("%s", text)
	default:
		utils.Info("%s", text)
	}
	return map[string]any{"level": level, "text": text}, nil
}

func (a *CoreAdapter) Manifest() *registry.ToolManifest {
	return nil
}

// coreToolAdapter is the per-tool front the Registry actually holds: a flow
// step writes `use: core.echo`, and the Step Executor looks adapters up by
// that exact id (no prefix-stripping of its own), so each of the three
// built-in tools needs its own Adapter.ID(). Execute just injects the
// special __use discriminator CoreAdapter.Execute dispatches on.
type coreToolAdapter struct {
	use   string
	inner *CoreAdapter
}

func (c *coreToolAdapter) ID() string { return c.use }

func (c *coreToolAdapter) Execute(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	withUse := make(map[string]any, len(inputs)+1)
	for k, v := range inputs {
		withUse[k] = v
	}
	withUse["__use"] = c.use
	return c.inner.Execute(ctx, withUse)
}

func (c *coreToolAdapter) Manifest() *registry.ToolManifest { return nil }

// RegisterCoreTools registers core.echo, core.wait, and core.log on r, all
// backed by one shared CoreAdapter instance.
func RegisterCoreTools(r *Registry) {
	core := &CoreAdapter{}
	r.Register(&coreToolAdapter{use: constants.CoreEcho, inner: core})
	r.Register(&coreToolAdapter{use: constants.CoreWait, inner: core})
	r.Register(&coreToolAdapter{use: constants.CoreLog, inner: core})
}
