package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig describes a keyed bulk upsert.
type UpsertConfig struct {
	Table        string   // target table, optionally schema-qualified
	Columns      []string // columns of every row, in order
	ConflictKeys []string // unique key of the target table
	UpdateCols   []string // columns rewritten on conflict; nil means every non-key column
	// OrderBy, when set, names a column that decides which row survives:
	// among rows sharing a key the greatest value wins, and an existing row
	// is only replaced by one that is not older.
	OrderBy string
	// History, when set, names an append-only table that receives every
	// staged row in the same transaction, duplicates included.
	History string
}

// BulkUpsert stages rows in a temp table with COPY and merges them into the
// target with INSERT ... ON CONFLICT. Rows sharing a key are collapsed to one
// before the merge. It returns the number of rows inserted or updated in the
// target; rows appended to cfg.History are not counted.
func BulkUpsert(ctx context.Context, pool Pool, cfg UpsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(cfg.Columns) == 0 {
		return 0, eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return 0, eris.New("db: upsert: no conflict keys specified")
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	staging := stagingTable(cfg.Table)
	createSQL := fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{staging}.Sanitize(),
		sanitizeTable(cfg.Table),
	)
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: stage %s", cfg.Table)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{staging}, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: copy into staging for %s", cfg.Table)
	}

	if cfg.History != "" {
		if _, err := tx.Exec(ctx, historySQL(cfg, staging)); err != nil {
			return 0, eris.Wrapf(err, "db: upsert: append history %s", cfg.History)
		}
	}

	tag, err := tx.Exec(ctx, mergeSQL(cfg, staging))
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert: merge into %s", cfg.Table)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: upsert: commit tx")
	}
	return tag.RowsAffected(), nil
}

// mergeSQL builds the INSERT ... SELECT DISTINCT ON ... ON CONFLICT statement.
func mergeSQL(cfg UpsertConfig, staging string) string {
	cols := quoteAndJoin(cfg.Columns)
	keys := quoteAndJoin(cfg.ConflictKeys)

	order := keys
	if cfg.OrderBy != "" {
		order += ", " + pgx.Identifier{cfg.OrderBy}.Sanitize() + " DESC"
	}

	var set []string
	for _, col := range updateColumns(cfg) {
		q := pgx.Identifier{col}.Sanitize()
		set = append(set, q+" = EXCLUDED."+q)
	}

	stmt := fmt.Sprintf(
		"INSERT INTO %s AS t (%s) SELECT DISTINCT ON (%s) %s FROM %s ORDER BY %s ON CONFLICT (%s) DO UPDATE SET %s",
		sanitizeTable(cfg.Table), cols,
		keys, cols, pgx.Identifier{staging}.Sanitize(), order,
		keys, strings.Join(set, ", "),
	)
	if cfg.OrderBy != "" {
		q := pgx.Identifier{cfg.OrderBy}.Sanitize()
		stmt += fmt.Sprintf(" WHERE t.%s <= EXCLUDED.%s", q, q)
	}
	return stmt
}

// historySQL copies every staged row into the history table.
func historySQL(cfg UpsertConfig, staging string) string {
	cols := quoteAndJoin(cfg.Columns)
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s",
		sanitizeTable(cfg.History), cols, cols, pgx.Identifier{staging}.Sanitize())
}

func updateColumns(cfg UpsertConfig) []string {
	if cfg.UpdateCols != nil {
		return cfg.UpdateCols
	}
	isKey := make(map[string]bool, len(cfg.ConflictKeys))
	for _, k := range cfg.ConflictKeys {
		isKey[k] = true
	}
	var out []string
	for _, c := range cfg.Columns {
		if !isKey[c] {
			out = append(out, c)
		}
	}
	return out
}

func stagingTable(table string) string {
	return "_tmp_upsert_" + strings.ReplaceAll(table, ".", "_")
}

// sanitizeTable quotes a table name, splitting an optional schema prefix.
func sanitizeTable(table string) string {
	if schema, name, ok := strings.Cut(table, "."); ok {
		return pgx.Identifier{schema, name}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
