package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/google/uuid"

	"github.com/awantoch/beemflow/model"
)

// PostgresStorage implements Storage using PostgreSQL as the backend.
type PostgresStorage struct {
	db *sql.DB
}

var _ Storage = (*PostgresStorage)(nil)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id UUID PRIMARY KEY,
	flow_name TEXT NOT NULL,
	event JSONB,
	vars JSONB,
	status TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	ended_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS steps (
	id UUID PRIMARY KEY,
	run_id UUID NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	step_name TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	ended_at TIMESTAMPTZ,
	outputs JSONB,
	error TEXT
);

CREATE TABLE IF NOT EXISTS paused_runs (
	token TEXT PRIMARY KEY,
	state BYTEA
);

CREATE TABLE IF NOT EXISTS waits (
	token TEXT PRIMARY KEY,
	wake_at_ms BIGINT
);

CREATE TABLE IF NOT EXISTS flow_versions (
	name TEXT,
	version INTEGER,
	content TEXT,
	PRIMARY KEY (name, version)
);

CREATE TABLE IF NOT EXISTS flow_deployments (
	name TEXT PRIMARY KEY,
	version INTEGER
);

CREATE INDEX IF NOT EXISTS idx_runs_flow_name ON runs(flow_name);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at DESC);
CREATE INDEX IF NOT EXISTS idx_steps_run_id ON steps(run_id);
CREATE INDEX IF NOT EXISTS idx_waits_wake_at_ms ON waits(wake_at_ms);
`

// NewPostgresStorage opens a PostgreSQL connection pool and ensures the
// schema exists.
func NewPostgresStorage(dsn string) (*PostgresStorage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create postgres schema: %w", err)
	}
	return &PostgresStorage{db: db}, nil
}

func (s *PostgresStorage) CreateRun(ctx context.Context, run *model.Run) error {
	event, err := json.Marshal(run.Event)
	if err != nil {
		return fmt.Errorf("marshal run event: %w", err)
	}
	vars, err := json.Marshal(run.Vars)
	if err != nil {
		return fmt.Errorf("marshal run vars: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO runs (id, flow_name, event, vars, status, started_at, ended_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`, run.ID, run.FlowName, event, vars, string(run.Status), run.StartedAt, run.EndedAt)
	return err
}

func (s *PostgresStorage) UpdateRunStatus(ctx context.Context, id uuid.UUID, status model.RunStatus, endedAt *time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET status=$1, ended_at=$2 WHERE id=$3`, string(status), endedAt, id)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

func (s *PostgresStorage) GetRun(ctx context.Context, id uuid.UUID) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, flow_name, event, vars, status, started_at, ended_at FROM runs WHERE id=$1`, id)
	return scanPGRun(row)
}

func (s *PostgresStorage) ListRuns(ctx context.Context, flowName string) ([]*model.Run, error) {
	var rows *sql.Rows
	var err error
	if flowName == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT id, flow_name, event, vars, status, started_at, ended_at FROM runs ORDER BY started_at DESC`)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT id, flow_name, event, vars, status, started_at, ended_at FROM runs WHERE flow_name=$1 ORDER BY started_at DESC`, flowName)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Run
	for rows.Next() {
		run, err := scanPGRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func scanPGRun(row rowScanner) (*model.Run, error) {
	var run model.Run
	var status string
	var event, vars []byte
	if err := row.Scan(&run.ID, &run.FlowName, &event, &vars, &status, &run.StartedAt, &run.EndedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	run.Status = model.RunStatus(status)
	if err := json.Unmarshal(event, &run.Event); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	if err := json.Unmarshal(vars, &run.Vars); err != nil {
		return nil, fmt.Errorf("unmarshal vars: %w", err)
	}
	return &run, nil
}

func (s *PostgresStorage) CreateStep(ctx context.Context, step *model.StepExecution) error {
	outputs, err := json.Marshal(step.Outputs)
	if err != nil {
		return fmt.Errorf("marshal step outputs: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO steps (id, run_id, step_name, status, started_at, ended_at, outputs, error)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`, step.ID, step.RunID, step.StepName, string(step.Status), step.StartedAt, step.EndedAt, outputs, step.Error)
	return err
}

func (s *PostgresStorage) UpdateStep(ctx context.Context, step *model.StepExecution) error {
	outputs, err := json.Marshal(step.Outputs)
	if err != nil {
		return fmt.Errorf("marshal step outputs: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE steps SET status=$1, ended_at=$2, outputs=$3, error=$4 WHERE id=$5
`, string(step.Status), step.EndedAt, outputs, step.Error, step.ID)
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

func (s *PostgresStorage) GetSteps(ctx context.Context, runID uuid.UUID) ([]*model.StepExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, run_id, step_name, status, started_at, ended_at, outputs, error
FROM steps WHERE run_id=$1 ORDER BY started_at ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.StepExecution
	for rows.Next() {
		var se model.StepExecution
		var status string
		var outputs []byte
		if err := rows.Scan(&se.ID, &se.RunID, &se.StepName, &status, &se.StartedAt, &se.EndedAt, &outputs, &se.Error); err != nil {
			return nil, err
		}
		se.Status = model.StepStatus(status)
		if err := json.Unmarshal(outputs, &se.Outputs); err != nil {
			return nil, fmt.Errorf("unmarshal outputs: %w", err)
		}
		out = append(out, &se)
	}
	return out, rows.Err()
}

func (s *PostgresStorage) SavePausedRun(ctx context.Context, token string, state []byte) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO paused_runs (token, state) VALUES ($1, $2)
ON CONFLICT (token) DO UPDATE SET state = EXCLUDED.state
`, token, state)
	return err
}

func (s *PostgresStorage) LoadPausedRun(ctx context.Context, token string) ([]byte, error) {
	var state []byte
	err := s.db.QueryRowContext(ctx, `SELECT state FROM paused_runs WHERE token=$1`, token).Scan(&state)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return state, err
}

func (s *PostgresStorage) DeletePausedRun(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM paused_runs WHERE token=$1`, token)
	return err
}

func (s *PostgresStorage) SaveWait(ctx context.Context, token string, wakeAtMS int64) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO waits (token, wake_at_ms) VALUES ($1, $2)
ON CONFLICT (token) DO UPDATE SET wake_at_ms = EXCLUDED.wake_at_ms
`, token, wakeAtMS)
	return err
}

func (s *PostgresStorage) ListWaitsDue(ctx context.Context, nowMS int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT token FROM waits WHERE wake_at_ms<=$1`, nowMS)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

func (s *PostgresStorage) DeleteWait(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM waits WHERE token=$1`, token)
	return err
}

func (s *PostgresStorage) SaveFlow(ctx context.Context, name, content string) error {
	return s.SaveFlowVersion(ctx, name, 0, content)
}

func (s *PostgresStorage) LoadFlow(ctx context.Context, name string) (string, error) {
	var content string
	err := s.db.QueryRowContext(ctx, `SELECT content FROM flow_versions WHERE name=$1 AND version=0`, name).Scan(&content)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return content, err
}

func (s *PostgresStorage) ListFlows(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT name FROM flow_versions ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *PostgresStorage) SaveFlowVersion(ctx context.Context, name string, version int, content string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO flow_versions (name, version, content) VALUES ($1, $2, $3)
ON CONFLICT (name, version) DO UPDATE SET content = EXCLUDED.content
`, name, version, content)
	return err
}

func (s *PostgresStorage) SetDeployedVersion(ctx context.Context, name string, version int) error {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM flow_versions WHERE name=$1 AND version=$2`, name, version).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO flow_deployments (name, version) VALUES ($1, $2)
ON CONFLICT (name) DO UPDATE SET version = EXCLUDED.version
`, name, version)
	return err
}

func (s *PostgresStorage) GetDeployed(ctx context.Context, name string) (int, string, error) {
	var version int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM flow_deployments WHERE name=$1`, name).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, "", ErrNotFound
	}
	if err != nil {
		return 0, "", err
	}
	var content string
	err = s.db.QueryRowContext(ctx, `SELECT content FROM flow_versions WHERE name=$1 AND version=$2`, name, version).Scan(&content)
	if err == sql.ErrNoRows {
		return 0, "", ErrNotFound
	}
	return version, content, err
}

// Close closes the underlying PostgreSQL database connection.
func (s *PostgresStorage) Close() error {
	return s.db.Close()
}
