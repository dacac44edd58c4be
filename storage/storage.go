// Package storage implements the Persistence Gateway (spec §4.6): the
// interface the orchestrator uses to durably record runs, step
// executions, paused-run state, wait tokens, and flow documents.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/awantoch/beemflow/model"
)

// ErrNotFound is returned by lookups (GetRun, LoadFlow, LoadPausedRun,
// GetDeployed, ...) when the requested record doesn't exist.
var ErrNotFound = errors.New("storage: not found")

// Storage is the Persistence Gateway the orchestrator drives (spec §4.6).
// Implementations must be safe under concurrent access: either row-level
// atomicity (SQL backends) or a single-writer discipline (MemoryStorage).
type Storage interface {
	CreateRun(ctx context.Context, run *model.Run) error
	UpdateRunStatus(ctx context.Context, id uuid.UUID, status model.RunStatus, endedAt *time.Time) error
	GetRun(ctx context.Context, id uuid.UUID) (*model.Run, error)
	ListRuns(ctx context.Context, flowName string) ([]*model.Run, error)

	CreateStep(ctx context.Context, step *model.StepExecution) error
	UpdateStep(ctx context.Context, step *model.StepExecution) error
	GetSteps(ctx context.Context, runID uuid.UUID) ([]*model.StepExecution, error)

	SavePausedRun(ctx context.Context, token string, state []byte) error
	LoadPausedRun(ctx context.Context, token string) ([]byte, error)
	DeletePausedRun(ctx context.Context, token string) error

	SaveWait(ctx context.Context, token string, wakeAtMS int64) error
	ListWaitsDue(ctx context.Context, nowMS int64) ([]string, error)
	DeleteWait(ctx context.Context, token string) error

	SaveFlow(ctx context.Context, name, content string) error
	LoadFlow(ctx context.Context, name string) (string, error)
	ListFlows(ctx context.Context) ([]string, error)

	SaveFlowVersion(ctx context.Context, name string, version int, content string) error
	SetDeployedVersion(ctx context.Context, name string, version int) error
	GetDeployed(ctx context.Context, name string) (version int, content string, err error)

	Close() error
}
