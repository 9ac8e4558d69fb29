// Package store persists the run ledger, the link-content cache and an
// index of the latest result per (case, model, provider).
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/disambench/internal/model"
)

// ErrNotFound is returned when a run id does not exist.
var ErrNotFound = errors.New("store: not found")

// Drivers accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverNone     = "none"
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status   model.RunStatus `json:"status,omitempty"`
	Provider string          `json:"provider,omitempty"`
	Model    string          `json:"model,omitempty"`
	Limit    int             `json:"limit,omitempty"`
	Offset   int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for benchmark bookkeeping. The
// JSONL results log stays the source of truth; the store is an index.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run model.Run) (*model.Run, error)
	FinishRun(ctx context.Context, runID string, status model.RunStatus, summary *model.RunSummary, errMsg string) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Link cache
	GetCachedLink(ctx context.Context, url string) (*model.LinkContent, error)
	SetCachedLink(ctx context.Context, link model.LinkContent, ttl time.Duration) error
	DeleteExpiredLinks(ctx context.Context) (int, error)

	// Result index
	IndexResults(ctx context.Context, runID string, results []model.InferenceResult) (int64, error)
	DecisionCounts(ctx context.Context, runID string) (map[string]int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Open returns the store for driver and runs its migration. An empty
// driver means sqlite.
func Open(ctx context.Context, driver, dsn string, poolCfg *PoolConfig) (Store, error) {
	var (
		st  Store
		err error
	)
	switch strings.ToLower(driver) {
	case "", DriverSQLite:
		if dsn == "" {
			dsn = "disambench.db"
		}
		st, err = NewSQLite(dsn)
	case DriverPostgres:
		if dsn == "" {
			return nil, eris.New("store: postgres requires store.database_url")
		}
		st, err = NewPostgres(ctx, dsn, poolCfg)
	case DriverNone:
		return Nop{}, nil
	default:
		return nil, eris.Errorf("store: unknown driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

// Nop is a Store that records nothing. Cache lookups always miss.
type Nop struct{}

func (Nop) CreateRun(_ context.Context, run model.Run) (*model.Run, error) {
	return &run, nil
}

func (Nop) FinishRun(context.Context, string, model.RunStatus, *model.RunSummary, string) error {
	return nil
}

func (Nop) GetRun(_ context.Context, runID string) (*model.Run, error) {
	return nil, eris.Wrapf(ErrNotFound, "store: run %s", runID)
}

func (Nop) ListRuns(context.Context, RunFilter) ([]model.Run, error) { return nil, nil }

func (Nop) GetCachedLink(context.Context, string) (*model.LinkContent, error) { return nil, nil }

func (Nop) SetCachedLink(context.Context, model.LinkContent, time.Duration) error { return nil }

func (Nop) DeleteExpiredLinks(context.Context) (int, error) { return 0, nil }

func (Nop) IndexResults(context.Context, string, []model.InferenceResult) (int64, error) {
	return 0, nil
}

func (Nop) DecisionCounts(context.Context, string) (map[string]int, error) { return nil, nil }

func (Nop) Migrate(context.Context) error { return nil }

func (Nop) Close() error { return nil }

// decisionKey buckets a result for DecisionCounts.
func decisionKey(decision, errKind string) string {
	switch {
	case errKind != "":
		return "error:" + errKind
	case decision == "":
		return "unparseable"
	default:
		return decision
	}
}

var _ Store = Nop{}
