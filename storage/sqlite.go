package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/google/uuid"

	"github.com/awantoch/beemflow/model"
	"github.com/awantoch/beemflow/utils"
)

// SqliteStorage implements Storage using modernc.org/sqlite, BeemFlow's
// default zero-config backend.
type SqliteStorage struct {
	db *sql.DB
}

var _ Storage = (*SqliteStorage)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	flow_name TEXT,
	event JSON,
	vars JSON,
	status TEXT,
	started_at INTEGER,
	ended_at INTEGER
);
CREATE TABLE IF NOT EXISTS steps (
	id TEXT PRIMARY KEY,
	run_id TEXT,
	step_name TEXT,
	status TEXT,
	started_at INTEGER,
	ended_at INTEGER,
	outputs JSON,
	error TEXT
);
CREATE TABLE IF NOT EXISTS paused_runs (
	token TEXT PRIMARY KEY,
	state BLOB
);
CREATE TABLE IF NOT EXISTS waits (
	token TEXT PRIMARY KEY,
	wake_at_ms INTEGER
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
`

// NewSqliteStorage opens (creating if needed) a SQLite database at dsn and
// ensures the schema exists. dsn may be ":memory:" for an ephemeral store.
func NewSqliteStorage(dsn string) (*SqliteStorage, error) {
	if dsn != ":memory:" && dsn != "" {
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, utils.Errorf("failed to create db directory %q: %v", dir, err)
		}
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, err
	}
	return &SqliteStorage{db: db}, nil
}

func (s *SqliteStorage) CreateRun(ctx context.Context, run *model.Run) error {
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
VALUES (?, ?, ?, ?, ?, ?, ?)
`, run.ID.String(), run.FlowName, event, vars, string(run.Status), run.StartedAt.UnixMilli(), nullableMillis(run.EndedAt))
	return err
}

func (s *SqliteStorage) UpdateRunStatus(ctx context.Context, id uuid.UUID, status model.RunStatus, endedAt *time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET status=?, ended_at=? WHERE id=?`,
		string(status), nullableMillis(endedAt), id.String())
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

func (s *SqliteStorage) GetRun(ctx context.Context, id uuid.UUID) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, flow_name, event, vars, status, started_at, ended_at FROM runs WHERE id=?`, id.String())
	return scanRun(row)
}

func (s *SqliteStorage) ListRuns(ctx context.Context, flowName string) ([]*model.Run, error) {
	var rows *sql.Rows
	var err error
	if flowName == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT id, flow_name, event, vars, status, started_at, ended_at FROM runs ORDER BY started_at DESC`)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT id, flow_name, event, vars, status, started_at, ended_at FROM runs WHERE flow_name=? ORDER BY started_at DESC`, flowName)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*model.Run, error) {
	var run model.Run
	var idStr, status string
	var event, vars []byte
	var startedAtMS int64
	var endedAtMS sql.NullInt64
	if err := row.Scan(&idStr, &run.FlowName, &event, &vars, &status, &startedAtMS, &endedAtMS); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, err
	}
	run.ID = id
	run.Status = model.RunStatus(status)
	if err := json.Unmarshal(event, &run.Event); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(vars, &run.Vars); err != nil {
		return nil, err
	}
	run.StartedAt = time.UnixMilli(startedAtMS)
	if endedAtMS.Valid {
		t := time.UnixMilli(endedAtMS.Int64)
		run.EndedAt = &t
	}
	return &run, nil
}

func (s *SqliteStorage) CreateStep(ctx context.Context, step *model.StepExecution) error {
	outputs, err := json.Marshal(step.Outputs)
	if err != nil {
		return fmt.Errorf("marshal step outputs: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO steps (id, run_id, step_name, status, started_at, ended_at, outputs, error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, step.ID.String(), step.RunID.String(), step.StepName, string(step.Status), step.StartedAt.UnixMilli(), nullableMillis(step.EndedAt), outputs, step.Error)
	return err
}

func (s *SqliteStorage) UpdateStep(ctx context.Context, step *model.StepExecution) error {
	outputs, err := json.Marshal(step.Outputs)
	if err != nil {
		return fmt.Errorf("marshal step outputs: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE steps SET status=?, ended_at=?, outputs=?, error=? WHERE id=?
`, string(step.Status), nullableMillis(step.EndedAt), outputs, step.Error, step.ID.String())
	if err != nil {
		return err
	}
	return requireRowsAffected(res)
}

func (s *SqliteStorage) GetSteps(ctx context.Context, runID uuid.UUID) ([]*model.StepExecution, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, run_id, step_name, status, started_at, ended_at, outputs, error FROM steps WHERE run_id=? ORDER BY started_at ASC`, runID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.StepExecution
	for rows.Next() {
		var se model.StepExecution
		var idStr, runIDStr, status string
		var outputs []byte
		var startedAtMS int64
		var endedAtMS sql.NullInt64
		if err := rows.Scan(&idStr, &runIDStr, &se.StepName, &status, &startedAtMS, &endedAtMS, &outputs, &se.Error); err != nil {
			return nil, err
		}
		parsedID, err := uuid.Parse(idStr)
		if err != nil {
			return nil, err
		}
		se.ID = parsedID
		parsedRunID, err := uuid.Parse(runIDStr)
		if err != nil {
			return nil, err
		}
		se.RunID = parsedRunID
		se.Status = model.StepStatus(status)
		if err := json.Unmarshal(outputs, &se.Outputs); err != nil {
			return nil, err
		}
		se.StartedAt = time.UnixMilli(startedAtMS)
		if endedAtMS.Valid {
			t := time.UnixMilli(endedAtMS.Int64)
			se.EndedAt = &t
		}
		out = append(out, &se)
	}
	return out, rows.Err()
}

func (s *SqliteStorage) SavePausedRun(ctx context.Context, token string, state []byte) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO paused_runs (token, state) VALUES (?, ?)
ON CONFLICT(token) DO UPDATE SET state=excluded.state
`, token, state)
	return err
}

func (s *SqliteStorage) LoadPausedRun(ctx context.Context, token string) ([]byte, error) {
	var state []byte
	err := s.db.QueryRowContext(ctx, `SELECT state FROM paused_runs WHERE token=?`, token).Scan(&state)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return state, err
}

func (s *SqliteStorage) DeletePausedRun(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM paused_runs WHERE token=?`, token)
	return err
}

func (s *SqliteStorage) SaveWait(ctx context.Context, token string, wakeAtMS int64) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO waits (token, wake_at_ms) VALUES (?, ?)
ON CONFLICT(token) DO UPDATE SET wake_at_ms=excluded.wake_at_ms
`, token, wakeAtMS)
	return err
}

func (s *SqliteStorage) ListWaitsDue(ctx context.Context, nowMS int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT token FROM waits WHERE wake_at_ms<=?`, nowMS)
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

func (s *SqliteStorage) DeleteWait(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM waits WHERE token=?`, token)
	return err
}

func (s *SqliteStorage) SaveFlow(ctx context.Context, name, content string) error {
	return s.SaveFlowVersion(ctx, name, 0, content)
}

func (s *SqliteStorage) LoadFlow(ctx context.Context, name string) (string, error) {
	var content string
	err := s.db.QueryRowContext(ctx, `SELECT content FROM flow_versions WHERE name=? AND version=0`, name).Scan(&content)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return content, err
}

func (s *SqliteStorage) ListFlows(ctx context.Context) ([]string, error) {
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

func (s *SqliteStorage) SaveFlowVersion(ctx context.Context, name string, version int, content string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO flow_versions (name, version, content) VALUES (?, ?, ?)
ON CONFLICT(name, version) DO UPDATE SET content=excluded.content
`, name, version, content)
	return err
}

func (s *SqliteStorage) SetDeployedVersion(ctx context.Context, name string, version int) error {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM flow_versions WHERE name=? AND version=?`, name, version).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO flow_deployments (name, version) VALUES (?, ?)
ON CONFLICT(name) DO UPDATE SET version=excluded.version
`, name, version)
	return err
}

func (s *SqliteStorage) GetDeployed(ctx context.Context, name string) (int, string, error) {
	var version int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM flow_deployments WHERE name=?`, name).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, "", ErrNotFound
	}
	if err != nil {
		return 0, "", err
	}
	var content string
	err = s.db.QueryRowContext(ctx, `SELECT content FROM flow_versions WHERE name=? AND version=?`, name, version).Scan(&content)
	if err == sql.ErrNoRows {
		return 0, "", ErrNotFound
	}
	return version, content, err
}

// Close closes the underlying SQL database connection.
func (s *SqliteStorage) Close() error {
	return s.db.Close()
}

func nullableMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func requireRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
