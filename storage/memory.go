package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/awantoch/beemflow/model"
)

// flowRecord tracks a flow's versions and which one is deployed.
type flowRecord struct {
	versions map[int]string
	deployed int
}

// MemoryStorage implements Storage entirely in memory; used for tests and
// as the zero-config default driver.
type MemoryStorage struct {
	mu sync.RWMutex

	runs  map[uuid.UUID]*model.Run
	steps map[uuid.UUID][]*model.StepExecution

	paused map[string][]byte
	waits  map[string]int64

	flows map[string]*flowRecord
}

var _ Storage = (*MemoryStorage)(nil)

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		runs:   make(map[uuid.UUID]*model.Run),
		steps:  make(map[uuid.UUID][]*model.StepExecution),
		paused: make(map[string][]byte),
		waits:  make(map[string]int64),
		flows:  make(map[string]*flowRecord),
	}
}

func (m *MemoryStorage) CreateRun(ctx context.Context, run *model.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *MemoryStorage) UpdateRunStatus(ctx context.Context, id uuid.UUID, status model.RunStatus, endedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	run.Status = status
	if endedAt != nil {
		run.EndedAt = endedAt
	}
	return nil
}

func (m *MemoryStorage) GetRun(ctx context.Context, id uuid.UUID) (*model.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (m *MemoryStorage) ListRuns(ctx context.Context, flowName string) ([]*model.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Run
	for _, run := range m.runs {
		if flowName == "" || run.FlowName == flowName {
			cp := *run
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStorage) CreateStep(ctx context.Context, step *model.StepExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *step
	m.steps[step.RunID] = append(m.steps[step.RunID], &cp)
	return nil
}

func (m *MemoryStorage) UpdateStep(ctx context.Context, step *model.StepExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.steps[step.RunID] {
		if s.ID == step.ID {
			*s = *step
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStorage) GetSteps(ctx context.Context, runID uuid.UUID) ([]*model.StepExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.steps[runID]
	out := make([]*model.StepExecution, len(src))
	for i, s := range src {
		cp := *s
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryStorage) SavePausedRun(ctx context.Context, token string, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(state))
	copy(cp, state)
	m.paused[token] = cp
	return nil
}

func (m *MemoryStorage) LoadPausedRun(ctx context.Context, token string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.paused[token]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(state))
	copy(cp, state)
	return cp, nil
}

func (m *MemoryStorage) DeletePausedRun(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.paused, token)
	return nil
}

func (m *MemoryStorage) SaveWait(ctx context.Context, token string, wakeAtMS int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waits[token] = wakeAtMS
	return nil
}

func (m *MemoryStorage) ListWaitsDue(ctx context.Context, nowMS int64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var due []string
	for token, wakeAt := range m.waits {
		if wakeAt <= nowMS {
			due = append(due, token)
		}
	}
	return due, nil
}

func (m *MemoryStorage) DeleteWait(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.waits, token)
	return nil
}

func (m *MemoryStorage) SaveFlow(ctx context.Context, name, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.flows[name]
	if !ok {
		rec = &flowRecord{versions: make(map[int]string)}
		m.flows[name] = rec
	}
	rec.versions[0] = content
	return nil
}

func (m *MemoryStorage) LoadFlow(ctx context.Context, name string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.flows[name]
	if !ok {
		return "", ErrNotFound
	}
	content, ok := rec.versions[0]
	if !ok {
		return "", ErrNotFound
	}
	return content, nil
}

func (m *MemoryStorage) ListFlows(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.flows))
	for name := range m.flows {
		out = append(out, name)
	}
	return out, nil
}

func (m *MemoryStorage) SaveFlowVersion(ctx context.Context, name string, version int, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.flows[name]
	if !ok {
		rec = &flowRecord{versions: make(map[int]string)}
		m.flows[name] = rec
	}
	rec.versions[version] = content
	return nil
}

func (m *MemoryStorage) SetDeployedVersion(ctx context.Context, name string, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.flows[name]
	if !ok {
		return ErrNotFound
	}
	if _, ok := rec.versions[version]; !ok {
		return ErrNotFound
	}
	rec.deployed = version
	return nil
}

func (m *MemoryStorage) GetDeployed(ctx context.Context, name string) (int, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.flows[name]
	if !ok {
		return 0, "", ErrNotFound
	}
	content, ok := rec.versions[rec.deployed]
	if !ok {
		return 0, "", ErrNotFound
	}
	return rec.deployed, content, nil
}

func (m *MemoryStorage) Close() error { return nil }
