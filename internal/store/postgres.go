package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/disambench/internal/db"
	"github.com/sells-group/disambench/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	pgInsertRun = `INSERT INTO runs (id, provider, model, messages_file, results_file, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	pgFinishRun = `UPDATE runs SET status = $1, summary = $2, error = $3, updated_at = $4 WHERE id = $5`
	pgGetRun    = `SELECT ` + runColumns + ` FROM runs WHERE id = $1`
	pgGetLink   = `SELECT url, title, body, status_code, fetched_at FROM link_cache WHERE url = $1 AND expires_at > now()`
	pgSetLink   = `INSERT INTO link_cache (url, title, body, status_code, fetched_at, expires_at) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (url) DO UPDATE SET title = EXCLUDED.title, body = EXCLUDED.body, status_code = EXCLUDED.status_code,
		fetched_at = EXCLUDED.fetched_at, expires_at = EXCLUDED.expires_at`
	pgDeleteExpiredLinks = `DELETE FROM link_cache WHERE expires_at <= now()`
	pgDecisionCounts     = `SELECT decision, error_kind, COUNT(*) FROM results_index WHERE run_id = $1 GROUP BY decision, error_kind`
)

// preparedStatements lists queries to prepare on each new connection for
// the store operations issued once per case or per run.
var preparedStatements = map[string]string{
	"insert_run":           pgInsertRun,
	"finish_run":           pgFinishRun,
	"get_run":              pgGetRun,
	"get_cached_link":      pgGetLink,
	"set_cached_link":      pgSetLink,
	"delete_expired_links": pgDeleteExpiredLinks,
	"decision_counts":      pgDecisionCounts,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(4)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	provider      TEXT NOT NULL,
	model         TEXT NOT NULL,
	messages_file TEXT NOT NULL DEFAULT '',
	results_file  TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'running',
	summary       JSONB,
	error         TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at DESC);

CREATE TABLE IF NOT EXISTS link_cache (
	url         TEXT PRIMARY KEY,
	title       TEXT NOT NULL DEFAULT '',
	body        TEXT NOT NULL,
	status_code INTEGER NOT NULL,
	fetched_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_link_cache_expires_at ON link_cache(expires_at);

CREATE TABLE IF NOT EXISTS results_index (
	case_id     TEXT NOT NULL,
	model       TEXT NOT NULL,
	provider    TEXT NOT NULL,
	run_id      TEXT NOT NULL,
	decision    TEXT NOT NULL DEFAULT '',
	confidence  DOUBLE PRECISION,
	error_kind  TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	attempts    INTEGER NOT NULL DEFAULT 0,
	latency_ms  BIGINT NOT NULL DEFAULT 0,
	cost_usd    DOUBLE PRECISION NOT NULL DEFAULT 0,
	raw_ref     TEXT NOT NULL DEFAULT '',
	recorded_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (case_id, model, provider)
);

CREATE INDEX IF NOT EXISTS idx_results_index_run_id ON results_index(run_id);

CREATE TABLE IF NOT EXISTS result_history (LIKE results_index INCLUDING DEFAULTS);

CREATE INDEX IF NOT EXISTS idx_result_history_case ON result_history(case_id, model, provider);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, run model.Run) (*model.Run, error) {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	run.Status = model.RunStatusRunning
	run.CreatedAt, run.UpdatedAt = now, now

	_, err := s.pool.Exec(ctx, pgInsertRun,
		run.ID, run.Provider, run.Model, run.MessagesFile, run.ResultsFile, string(run.Status), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}
	return &run, nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, summary *model.RunSummary, errMsg string) error {
	summaryJSON, err := marshalSummary(summary)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal summary")
	}

	tag, err := s.pool.Exec(ctx, pgFinishRun, string(status), summaryJSON, errMsg, time.Now().UTC(), runID)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: run %s", runID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, pgGetRun, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Provider != "" {
		query += fmt.Sprintf(` AND provider = $%d`, argIdx)
		args = append(args, filter.Provider)
		argIdx++
	}
	if filter.Model != "" {
		query += fmt.Sprintf(` AND model = $%d`, argIdx)
		args = append(args, filter.Model)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) GetCachedLink(ctx context.Context, url string) (*model.LinkContent, error) {
	var lc model.LinkContent
	err := s.pool.QueryRow(ctx, pgGetLink, url).
		Scan(&lc.URL, &lc.Title, &lc.Text, &lc.StatusCode, &lc.FetchedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get cached link")
	}
	return &lc, nil
}

func (s *PostgresStore) SetCachedLink(ctx context.Context, link model.LinkContent, ttl time.Duration) error {
	fetched := link.FetchedAt
	if fetched.IsZero() {
		fetched = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, pgSetLink,
		link.URL, link.Title, link.Text, link.StatusCode, fetched.UTC(), time.Now().UTC().Add(ttl),
	)
	return eris.Wrap(err, "postgres: set cached link")
}

func (s *PostgresStore) DeleteExpiredLinks(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, pgDeleteExpiredLinks)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired links")
	}
	return int(tag.RowsAffected()), nil
}

// IndexResults upserts the latest result per triple into results_index and
// appends every row to result_history, both in one transaction.
func (s *PostgresStore) IndexResults(ctx context.Context, runID string, results []model.InferenceResult) (int64, error) {
	rows := resultRows(runID, results)
	if len(rows) == 0 {
		return 0, nil
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "results_index",
		Columns:      resultColumns,
		ConflictKeys: []string{"case_id", "model", "provider"},
		OrderBy:      "recorded_at",
		History:      "result_history",
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: index results")
	}
	return n, nil
}

func (s *PostgresStore) DecisionCounts(ctx context.Context, runID string) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, pgDecisionCounts, runID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: decision counts")
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var decision, kind string
		var n int64
		if err := rows.Scan(&decision, &kind, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan decision count")
		}
		counts[decisionKey(decision, kind)] += int(n)
	}
	return counts, eris.Wrap(rows.Err(), "postgres: decision counts iterate")
}

var _ Store = (*PostgresStore)(nil)
