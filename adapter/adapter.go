package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/awantoch/beemflow/registry"
	"github.com/awantoch/beemflow/utils"
)

// Adapter is the interface for all BeemFlow adapters. Implement this to add new tool integrations.
type Adapter interface {
	ID() string
	Execute(ctx context.Context, inputs map[string]any) (map[string]any, error)
	Manifest() *registry.ToolManifest
}

// Registry holds registered adapters and provides lookup and registration methods.
// Safe for concurrent reads/writes: the orchestrator resolves adapters from
// many goroutines at once while parallel/foreach steps execute.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates a new adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register registers an adapter with the registry.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.ID()] = a
}

// Get retrieves a registered adapter by ID. A scheme-qualified id
// ("mcp://host/tool") never matches a registered entry exactly, since each
// server/tool combination is unbounded; after an exact miss, Get falls back
// to the adapter registered under just the scheme ("mcp") and wraps it so
// the full id reaches Execute as __use -- the same discriminator
// coreToolAdapter injects for its fixed "core.*" ids.
func (r *Registry) Get(id string) (Adapter, bool) {
	r.mu.RLock()
	a, ok := r.adapters[id]
	if !ok {
		if scheme, _, found := strings.Cut(id, "://"); found {
			a, ok = r.adapters[scheme]
		}
	}
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if a.ID() == id {
		return a, true
	}
	return &scopedAdapter{use: id, inner: a}, true
}

// scopedAdapter resolves one scheme-qualified tool identifier against a
// scheme-level adapter (e.g. MCPAdapter registered under "mcp"), injecting
// the full identifier as __use.
type scopedAdapter struct {
	use   string
	inner Adapter
}

func (s *scopedAdapter) ID() string { return s.use }

func (s *scopedAdapter) Execute(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	withUse := make(map[string]any, len(inputs)+1)
	for k, v := range inputs {
		withUse[k] = v
	}
	withUse["__use"] = s.use
	return s.inner.Execute(ctx, withUse)
}

func (s *scopedAdapter) Manifest() *registry.ToolManifest { return s.inner.Manifest() }

// appendToLocalRegistry writes entry into the registry file at path,
// replacing any existing entry with the same name and creating the parent
// directory if needed. The caller supplies path; no config lookup or default
// location is applied here.
func appendToLocalRegistry(entry registry.RegistryEntry, path string) error {
	var entries []registry.RegistryEntry
	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, &entries); err != nil {
			// If existing file is corrupted, log error but continue with empty entries
			// This allows recovery from corrupted registry files
			utils.Warn("Corrupted registry file %s, starting fresh: %v", path, err)
			entries = []registry.RegistryEntry{}
		}
	}
	// Remove any existing entry with the same name
	newEntries := []registry.RegistryEntry{}
	for _, e := range entries {
		if e.Name != entry.Name {
			newEntries = append(newEntries, e)
		}
	}
	newEntries = append(newEntries, entry)
	out, err := json.MarshalIndent(newEntries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal registry entries: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(path, out, 0644); err != nil {
		return err
	}
	// Reload entries to verify
	verifyData, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var verifyEntries []registry.RegistryEntry
	if err := json.Unmarshal(verifyData, &verifyEntries); err != nil {
		return fmt.Errorf("failed to unmarshal registry entries after write: %w", err)
	}
	return nil
}

// LoadAndRegisterTool loads a tool manifest from the JSON file at
// manifestPath and registers an HTTPAdapter for it under name. It is a no-op
// if name is already registered. Registration is in memory only; the tool is
// not written to any registry file.
func (r *Registry) LoadAndRegisterTool(name, manifestPath string) error {
	if _, exists := r.Get(name); exists {
		return nil
	}
	// Read the manifest file directly
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return err
	}
	var manifest registry.ToolManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return err
	}
	r.Register(&HTTPAdapter{AdapterID: name, ToolManifest: &manifest})
	return nil
}

// CloseAll closes all adapters that implement io.Closer.
func (r *Registry) CloseAll() error {
	var firstErr error
	for _, a := range r.All() {
		if closer, ok := a.(io.Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// All returns every registered adapter.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	return out
}
