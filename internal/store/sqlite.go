package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/disambench/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id            TEXT PRIMARY KEY,
	provider      TEXT NOT NULL,
	model         TEXT NOT NULL,
	messages_file TEXT NOT NULL DEFAULT '',
	results_file  TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'running',
	summary       TEXT,
	error         TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS link_cache (
	url         TEXT PRIMARY KEY,
	title       TEXT NOT NULL DEFAULT '',
	body        TEXT NOT NULL,
	status_code INTEGER NOT NULL,
	fetched_at  DATETIME NOT NULL,
	expires_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS results_index (
	case_id     TEXT NOT NULL,
	model       TEXT NOT NULL,
	provider    TEXT NOT NULL,
	run_id      TEXT NOT NULL,
	decision    TEXT NOT NULL DEFAULT '',
	confidence  REAL,
	error_kind  TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	attempts    INTEGER NOT NULL DEFAULT 0,
	latency_ms  INTEGER NOT NULL DEFAULT 0,
	cost_usd    REAL NOT NULL DEFAULT 0,
	raw_ref     TEXT NOT NULL DEFAULT '',
	recorded_at DATETIME NOT NULL,
	PRIMARY KEY (case_id, model, provider)
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
CREATE INDEX IF NOT EXISTS idx_link_cache_expires_at ON link_cache(expires_at);
CREATE INDEX IF NOT EXISTS idx_results_index_run_id ON results_index(run_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run model.Run) (*model.Run, error) {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	run.Status = model.RunStatusRunning
	run.CreatedAt, run.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, provider, model, messages_file, results_file, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Provider, run.Model, run.MessagesFile, run.ResultsFile, string(run.Status), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}
	return &run, nil
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, summary *model.RunSummary, errMsg string) error {
	summaryJSON, err := marshalSummary(summary)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal summary")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, summary = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), summaryJSON, errMsg, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	return checkRowsAffected(res, runID)
}

const runColumns = `id, provider, model, messages_file, results_file, status, summary, error, created_at, updated_at`

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get run")
	}
	return r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Provider != "" {
		query += ` AND provider = ?`
		args = append(args, filter.Provider)
	}
	if filter.Model != "" {
		query += ` AND model = ?`
		args = append(args, filter.Model)
	}
	query += ` ORDER BY created_at DESC`

	query += ` LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) GetCachedLink(ctx context.Context, url string) (*model.LinkContent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT url, title, body, status_code, fetched_at FROM link_cache
		 WHERE url = ? AND expires_at > ?`,
		url, time.Now().UTC(),
	)

	var lc model.LinkContent
	err := row.Scan(&lc.URL, &lc.Title, &lc.Text, &lc.StatusCode, &lc.FetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get cached link")
	}
	return &lc, nil
}

func (s *SQLiteStore) SetCachedLink(ctx context.Context, link model.LinkContent, ttl time.Duration) error {
	fetched := link.FetchedAt
	if fetched.IsZero() {
		fetched = time.Now().UTC()
	}
	expiresAt := time.Now().UTC().Add(ttl)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO link_cache (url, title, body, status_code, fetched_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (url) DO UPDATE SET
			title = excluded.title,
			body = excluded.body,
			status_code = excluded.status_code,
			fetched_at = excluded.fetched_at,
			expires_at = excluded.expires_at`,
		link.URL, link.Title, link.Text, link.StatusCode, fetched.UTC(), expiresAt,
	)
	return eris.Wrap(err, "sqlite: set cached link")
}

func (s *SQLiteStore) DeleteExpiredLinks(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM link_cache WHERE expires_at <= ?`, time.Now().UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired links")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) IndexResults(ctx context.Context, runID string, results []model.InferenceResult) (int64, error) {
	if len(results) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: index results: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO results_index (`+resultColumnList+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (case_id, model, provider) DO UPDATE SET
			run_id = excluded.run_id,
			decision = excluded.decision,
			confidence = excluded.confidence,
			error_kind = excluded.error_kind,
			error = excluded.error,
			attempts = excluded.attempts,
			latency_ms = excluded.latency_ms,
			cost_usd = excluded.cost_usd,
			raw_ref = excluded.raw_ref,
			recorded_at = excluded.recorded_at`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: index results: prepare")
	}
	defer stmt.Close() //nolint:errcheck

	var n int64
	for _, row := range resultRows(runID, results) {
		res, err := stmt.ExecContext(ctx, row...)
		if err != nil {
			return n, eris.Wrapf(err, "sqlite: index result %v", row[0])
		}
		affected, _ := res.RowsAffected()
		n += affected
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: index results: commit")
	}
	return n, nil
}

func (s *SQLiteStore) DecisionCounts(ctx context.Context, runID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT decision, error_kind, COUNT(*) FROM results_index WHERE run_id = ? GROUP BY decision, error_kind`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: decision counts")
	}
	defer rows.Close() //nolint:errcheck

	counts := make(map[string]int)
	for rows.Next() {
		var decision, kind string
		var n int
		if err := rows.Scan(&decision, &kind, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan decision count")
		}
		counts[decisionKey(decision, kind)] += n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: decision counts iterate")
}

// helpers

func checkRowsAffected(res sql.Result, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var summary []byte

	err := row.Scan(&r.ID, &r.Provider, &r.Model, &r.MessagesFile, &r.ResultsFile,
		&r.Status, &summary, &r.Error, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(summary) > 0 {
		r.Summary = &model.RunSummary{}
		if err := json.Unmarshal(summary, r.Summary); err != nil {
			return nil, eris.Wrap(err, "unmarshal summary")
		}
	}
	return &r, nil
}

func marshalSummary(summary *model.RunSummary) ([]byte, error) {
	if summary == nil {
		return nil, nil
	}
	return json.Marshal(summary)
}

func listLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

var resultColumns = []string{
	"case_id", "model", "provider", "run_id", "decision", "confidence",
	"error_kind", "error", "attempts", "latency_ms", "cost_usd", "raw_ref", "recorded_at",
}

const resultColumnList = `case_id, model, provider, run_id, decision, confidence, error_kind, error, attempts, latency_ms, cost_usd, raw_ref, recorded_at`

// resultRows flattens results in resultColumns order.
func resultRows(runID string, results []model.InferenceResult) [][]any {
	rows := make([][]any, 0, len(results))
	for _, r := range results {
		recorded := r.Timestamp
		if recorded.IsZero() {
			recorded = time.Now()
		}
		rows = append(rows, []any{
			r.CaseID, r.Model, r.Provider, runID, r.Decision, nullableFloat(r.Confidence),
			string(r.ErrorKind), r.Error, r.Attempts, r.LatencyMS, r.CostUSD, r.RawRef, recorded.UTC(),
		})
	}
	return rows
}

func nullableFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

var _ Store = (*SQLiteStore)(nil)
