// Package state persists pulled resources, live containers, and run
// history in SQLite.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("record not found")

// Policy is one pulled policy model version.
type Policy struct {
	ID       int64     `json:"id"`
	Name     string    `json:"name"`
	Version  string    `json:"version"`
	Path     string    `json:"path"`
	Repo     string    `json:"repo,omitempty"`
	PulledAt time.Time `json:"pulled_at"`
}

// Env is one pulled environment image.
type Env struct {
	ID       int64     `json:"id"`
	Name     string    `json:"name"`
	Image    string    `json:"image"`
	PulledAt time.Time `json:"pulled_at"`
}

// Container is one live policy or env container.
type Container struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"` // "policy" or "env"
	Name      string         `json:"name"`
	Backend   string         `json:"backend"`
	Host      string         `json:"host"`
	Port      int            `json:"port"`
	Status    string         `json:"status"`
	StartedAt time.Time      `json:"started_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Run is one episode in the history log.
type Run struct {
	ID          string         `json:"id"`
	PolicyID    string         `json:"policy_id"`
	EnvID       string         `json:"env_id"`
	Task        string         `json:"task"`
	Instruction string         `json:"instruction,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
	Steps       int            `json:"steps"`
	TotalReward float64        `json:"total_reward"`
	Success     bool           `json:"success"`
	Terminated  bool           `json:"terminated"`
	Truncated   bool           `json:"truncated"`
	VideoPath   string         `json:"video_path,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// RunStats aggregates finished runs.
type RunStats struct {
	TotalRuns      int     `json:"total_runs"`
	SuccessfulRuns int     `json:"successful_runs"`
	SuccessRate    float64 `json:"success_rate"`
	AvgReward      float64 `json:"avg_reward"`
	AvgSteps       float64 `json:"avg_steps"`
	MinReward      float64 `json:"min_reward"`
	MaxReward      float64 `json:"max_reward"`
}

// Store is the SQLite-backed state database.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the state database at path.
func Open(path string) (*Store, error) {
	// _busy_timeout: wait up to 5 seconds if the database is locked.
	// _journal_mode=WAL: better behavior under concurrent readers.
	db, err := sql.Open("sqlite", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	// SQLite serializes writes; one connection avoids lock errors.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize state database: %w", err)
	}
	return &Store{db: db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS policies (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	version TEXT NOT NULL,
	path TEXT NOT NULL,
	repo TEXT,
	pulled_at TEXT NOT NULL,
	UNIQUE(name, version)
);

CREATE TABLE IF NOT EXISTS envs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	image TEXT NOT NULL,
	pulled_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS containers (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	name TEXT NOT NULL,
	backend TEXT NOT NULL,
	host TEXT NOT NULL,
	port INTEGER NOT NULL,
	status TEXT NOT NULL,
	started_at TEXT NOT NULL,
	metadata TEXT
);

CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	policy_id TEXT NOT NULL,
	env_id TEXT NOT NULL,
	task TEXT NOT NULL,
	instruction TEXT,
	started_at TEXT NOT NULL,
	finished_at TEXT,
	steps INTEGER,
	total_reward REAL,
	success INTEGER,
	terminated INTEGER,
	truncated INTEGER,
	video_path TEXT,
	metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_containers_type ON containers(type);
CREATE INDEX IF NOT EXISTS idx_containers_status ON containers(status);
CREATE INDEX IF NOT EXISTS idx_runs_policy ON runs(policy_id);
CREATE INDEX IF NOT EXISTS idx_runs_task ON runs(task);
`

func (s *Store) Close() error { return s.db.Close() }

// AddPolicy records a pulled policy, replacing the row for the same
// name+version.
func (s *Store) AddPolicy(ctx context.Context, name, version, path, repo string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO policies (name, version, path, repo, pulled_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name, version) DO UPDATE SET path = excluded.path, repo = excluded.repo, pulled_at = excluded.pulled_at`,
		name, version, path, repo, time.Now().UTC().Format(time.RFC3339))
	return err
}

func (s *Store) GetPolicy(ctx context.Context, name, version string) (*Policy, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, name, version, path, COALESCE(repo, ''), pulled_at FROM policies WHERE name = ? AND version = ?",
		name, version)
	return scanPolicy(row)
}

func (s *Store) ListPolicies(ctx context.Context) ([]Policy, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, version, path, COALESCE(repo, ''), pulled_at FROM policies ORDER BY pulled_at DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *Store) RemovePolicy(ctx context.Context, name, version string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM policies WHERE name = ? AND version = ?", name, version)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// AddEnv records a pulled environment image, replacing any previous row
// for the same name.
func (s *Store) AddEnv(ctx context.Context, name, image string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO envs (name, image, pulled_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET image = excluded.image, pulled_at = excluded.pulled_at`,
		name, image, time.Now().UTC().Format(time.RFC3339))
	return err
}

func (s *Store) GetEnv(ctx context.Context, name string) (*Env, error) {
	row := s.db.QueryRowContext(ctx, "SELECT id, name, image, pulled_at FROM envs WHERE name = ?", name)
	var e Env
	var pulledAt string
	if err := row.Scan(&e.ID, &e.Name, &e.Image, &pulledAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	e.PulledAt, _ = time.Parse(time.RFC3339, pulledAt)
	return &e, nil
}

func (s *Store) RemoveEnv(ctx context.Context, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM envs WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) ListEnvs(ctx context.Context) ([]Env, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name, image, pulled_at FROM envs ORDER BY pulled_at DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Env
	for rows.Next() {
		var e Env
		var pulledAt string
		if err := rows.Scan(&e.ID, &e.Name, &e.Image, &pulledAt); err != nil {
			return nil, err
		}
		e.PulledAt, _ = time.Parse(time.RFC3339, pulledAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// AddContainer upserts a live container record.
func (s *Store) AddContainer(ctx context.Context, c *Container) error {
	metadata, err := json.Marshal(c.Metadata)
	if err != nil {
		return err
	}
	if c.StartedAt.IsZero() {
		c.StartedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO containers (id, type, name, backend, host, port, status, started_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Type, c.Name, c.Backend, c.Host, c.Port, c.Status,
		c.StartedAt.Format(time.RFC3339), string(metadata))
	return err
}

func (s *Store) UpdateContainerStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE containers SET status = ? WHERE id = ?", status, id)
	return err
}

func (s *Store) RemoveContainer(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM containers WHERE id = ?", id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) GetContainer(ctx context.Context, id string) (*Container, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, type, name, backend, host, port, status, started_at, COALESCE(metadata, '') FROM containers WHERE id = ?", id)
	return scanContainer(row)
}

func (s *Store) GetContainerByName(ctx context.Context, name string) (*Container, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, type, name, backend, host, port, status, started_at, COALESCE(metadata, '') FROM containers WHERE name = ?", name)
	return scanContainer(row)
}

// ListContainers returns live containers, optionally filtered by type
// and/or status.
func (s *Store) ListContainers(ctx context.Context, typ, status string) ([]Container, error) {
	query := "SELECT id, type, name, backend, host, port, status, started_at, COALESCE(metadata, '') FROM containers WHERE 1=1"
	var args []any
	if typ != "" {
		query += " AND type = ?"
		args = append(args, typ)
	}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY started_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Container
	for rows.Next() {
		c, err := scanContainer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ClearContainers drops every live container record. Called on daemon
// start since records from a previous process are stale.
func (s *Store) ClearContainers(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM containers")
	return err
}

// AddRun opens a run record. Completion fields are filled by FinishRun.
func (s *Store) AddRun(ctx context.Context, run *Run) error {
	metadata, err := json.Marshal(run.Metadata)
	if err != nil {
		return err
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, policy_id, env_id, task, instruction, started_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.PolicyID, run.EnvID, run.Task, run.Instruction,
		run.StartedAt.Format(time.RFC3339), string(metadata))
	return err
}

// FinishRun closes a run record with its outcome.
func (s *Store) FinishRun(ctx context.Context, run *Run) error {
	finished := time.Now().UTC()
	if run.FinishedAt != nil {
		finished = *run.FinishedAt
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET finished_at = ?, steps = ?, total_reward = ?, success = ?,
			terminated = ?, truncated = ?, video_path = ?
		WHERE id = ?`,
		finished.Format(time.RFC3339), run.Steps, run.TotalReward,
		boolInt(run.Success), boolInt(run.Terminated), boolInt(run.Truncated),
		run.VideoPath, run.ID)
	return err
}

func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, runSelect+" WHERE id = ?", id)
	return scanRun(row)
}

// ListRuns returns run history, newest first, optionally filtered by
// policy and/or task substring.
func (s *Store) ListRuns(ctx context.Context, policyID, task string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}
	query := runSelect + " WHERE 1=1"
	var args []any
	if policyID != "" {
		query += " AND policy_id = ?"
		args = append(args, policyID)
	}
	if task != "" {
		query += " AND task LIKE ?"
		args = append(args, "%"+task+"%")
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// GetRunStats aggregates finished runs, optionally filtered by policy
// and/or task substring.
func (s *Store) GetRunStats(ctx context.Context, policyID, task string) (*RunStats, error) {
	query := `
		SELECT COUNT(*),
			COALESCE(SUM(success), 0),
			COALESCE(AVG(total_reward), 0),
			COALESCE(AVG(steps), 0),
			COALESCE(MIN(total_reward), 0),
			COALESCE(MAX(total_reward), 0)
		FROM runs WHERE finished_at IS NOT NULL`
	var args []any
	if policyID != "" {
		query += " AND policy_id = ?"
		args = append(args, policyID)
	}
	if task != "" {
		query += " AND task LIKE ?"
		args = append(args, "%"+task+"%")
	}

	var stats RunStats
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.TotalRuns, &stats.SuccessfulRuns, &stats.AvgReward,
		&stats.AvgSteps, &stats.MinReward, &stats.MaxReward)
	if err != nil {
		return nil, err
	}
	if stats.TotalRuns > 0 {
		stats.SuccessRate = float64(stats.SuccessfulRuns) / float64(stats.TotalRuns)
	}
	return &stats, nil
}

const runSelect = `SELECT id, policy_id, env_id, task, COALESCE(instruction, ''), started_at,
	finished_at, COALESCE(steps, 0), COALESCE(total_reward, 0), COALESCE(success, 0),
	COALESCE(terminated, 0), COALESCE(truncated, 0), COALESCE(video_path, ''), COALESCE(metadata, '')
	FROM runs`

type scanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row scanner) (*Policy, error) {
	var p Policy
	var pulledAt string
	if err := row.Scan(&p.ID, &p.Name, &p.Version, &p.Path, &p.Repo, &pulledAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.PulledAt, _ = time.Parse(time.RFC3339, pulledAt)
	return &p, nil
}

func scanContainer(row scanner) (*Container, error) {
	var c Container
	var startedAt, metadata string
	if err := row.Scan(&c.ID, &c.Type, &c.Name, &c.Backend, &c.Host, &c.Port, &c.Status, &startedAt, &metadata); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
	if strings.TrimSpace(metadata) != "" {
		_ = json.Unmarshal([]byte(metadata), &c.Metadata)
	}
	return &c, nil
}

func scanRun(row scanner) (*Run, error) {
	var r Run
	var startedAt, metadata string
	var finishedAt sql.NullString
	var success, terminated, truncated int
	if err := row.Scan(&r.ID, &r.PolicyID, &r.EnvID, &r.Task, &r.Instruction, &startedAt,
		&finishedAt, &r.Steps, &r.TotalReward, &success, &terminated, &truncated,
		&r.VideoPath, &metadata); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	r.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
	if finishedAt.Valid {
		t, err := time.Parse(time.RFC3339, finishedAt.String)
		if err == nil {
			r.FinishedAt = &t
		}
	}
	r.Success = success != 0
	r.Terminated = terminated != 0
	r.Truncated = truncated != 0
	if strings.TrimSpace(metadata) != "" {
		_ = json.Unmarshal([]byte(metadata), &r.Metadata)
	}
	return &r, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
