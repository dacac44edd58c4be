package main

import (
	"context"
	"fmt"
	"regexp"

	"github.com/awantoch/beemflow/adapter"
	"github.com/awantoch/beemflow/blob"
	"github.com/awantoch/beemflow/config"
	"github.com/awantoch/beemflow/constants"
	"github.com/awantoch/beemflow/event"
	"github.com/awantoch/beemflow/executor"
	"github.com/awantoch/beemflow/orchestrator"
	"github.com/awantoch/beemflow/registry"
	"github.com/awantoch/beemflow/secrets"
	"github.com/awantoch/beemflow/storage"
	"github.com/awantoch/beemflow/templater"
	"github.com/awantoch/beemflow/utils"
)

// runtime bundles everything a flow run needs, wired once per process
// invocation from the loaded config.
type runtime struct {
	cfg     *config.Config
	storage storage.Storage
	orch    *orchestrator.Orchestrator
	secrets secrets.SecretsProvider
}

// newRuntime opens storage, the event bus + matcher, the adapter registry,
// and the secrets provider named by cfg, then wires an Orchestrator over
// them. Callers must call Close when done.
func newRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = constants.StorageDriverSQLite
		cfg.Storage.DSN = config.DefaultSQLiteDSN
	}

	var st storage.Storage
	var err error
	switch cfg.Storage.Driver {
	case constants.StorageDriverSQLite:
		st, err = storage.NewSqliteStorage(cfg.Storage.DSN)
	case constants.StorageDriverPostgres:
		st, err = storage.NewPostgresStorage(cfg.Storage.DSN)
	case constants.StorageDriverMemory:
		st = storage.NewMemoryStorage()
	default:
		return nil, fmt.Errorf(constants.ErrStorageUnsupported, cfg.Storage.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	bus, err := event.NewEventBusFromConfig(cfg.Event)
	if err != nil {
		return nil, fmt.Errorf("open event bus: %w", err)
	}

	reg := adapter.NewRegistry()
	adapter.RegisterCoreTools(reg)
	reg.Register(adapter.NewMCPAdapter())
	reg.Register(&adapter.HTTPFetchAdapter{})
	registerManifestTools(ctx, reg, cfg)

	sp, err := secrets.NewSecretsProvider(ctx, cfg.Secrets)
	if err != nil {
		return nil, fmt.Errorf("open secrets provider: %w", err)
	}
	utils.Debug("secrets provider: %s", sp.Type())

	if cfg.Blob == nil {
		cfg.Blob = &config.BlobConfig{Driver: constants.BlobDriverFilesystem, Directory: config.DefaultBlobDir}
	}
	bs, err := blob.NewDefaultBlobStore(ctx, blobConfigFrom(cfg.Blob))
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}

	ex := executor.New(reg, templater.NewTemplater())
	orch := orchestrator.New(st, ex, templater.NewTemplater(), nil, bus)
	orch.Matcher = event.NewMatcher(bus, orch.Resume)
	orch.Blob = bs

	scanner := &event.TimeoutScanner{
		ListWaitsDue: st.ListWaitsDue,
		DeleteWait:   st.DeleteWait,
		Resume:       orch.Resume,
	}
	go scanner.Run(ctx)

	return &runtime{cfg: cfg, storage: st, orch: orch, secrets: sp}, nil
}

// registerManifestTools resolves every tool-type entry from the Tool
// Registry (local registry, user-writable via `flows save`-adjacent
// tooling, overriding the founder-curated default) and registers an
// HTTPAdapter per entry under its own name, so a flow step can write
// `use: <registry-tool-name>` without a matching core.*/mcp:///http builtin.
// Deliberately CreateAPIManager, not CreateStandardManager: the latter adds
// a remote hub registry fetched over the network, which has no place in
// process startup for every run/serve invocation; the hub is for `flow
// tools search`/`flow mcp search`-style discovery commands, not execution.
// A registry lookup failure only drops manifest-tool resolution; it never
// blocks the rest of newRuntime's wiring.
func registerManifestTools(ctx context.Context, reg *adapter.Registry, cfg *config.Config) {
	mgr := registry.NewFactory().CreateAPIManager()
	entries, err := mgr.ListAllServers(ctx, registry.ListOptions{Type: "tool"})
	if err != nil {
		utils.Warn("load tool registry: %v", err)
		return
	}
	for _, e := range entries {
		if _, exists := reg.Get(e.Name); exists {
			continue
		}
		reg.Register(&adapter.HTTPAdapter{
			AdapterID: e.Name,
			ToolManifest: &registry.ToolManifest{
				Name:        e.Name,
				Description: e.Description,
				Kind:        e.Kind,
				Parameters:  e.Parameters,
				Endpoint:    e.Endpoint,
				Headers:     e.Headers,
			},
		})
	}
}

// blobConfigFrom adapts config.BlobConfig (the flow.config.json shape) to
// blob.BlobConfig (the blob package's own constructor shape); nil in, nil
// out defers entirely to NewDefaultBlobStore's filesystem default.
func blobConfigFrom(c *config.BlobConfig) *blob.BlobConfig {
	if c == nil {
		return nil
	}
	return &blob.BlobConfig{
		Driver:    c.Driver,
		Directory: c.Directory,
		Bucket:    c.Bucket,
		Region:    c.Region,
	}
}

func (rt *runtime) Close() error {
	if err := rt.secrets.Close(); err != nil {
		return err
	}
	return rt.storage.Close()
}

var secretRefRe = regexp.MustCompile(`secrets\.([A-Za-z_][A-Za-z0-9_]*)`)

// resolveReferencedSecrets scans a flow document's source for every
// `secrets.<NAME>` template reference and resolves each through rt.secrets,
// since the orchestrator consumes a plain map rather than a lazy resolver.
func (rt *runtime) resolveReferencedSecrets(ctx context.Context, flowSource string) (map[string]any, error) {
	out := map[string]any{}
	for _, m := range secretRefRe.FindAllStringSubmatch(flowSource, -1) {
		name := m[1]
		if _, done := out[name]; done {
			continue
		}
		val, err := rt.secrets.GetSecret(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("resolve secret %q: %w", name, err)
		}
		out[name] = val
	}
	return out, nil
}
