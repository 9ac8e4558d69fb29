package inference

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/disambench/internal/model"
	"github.com/sells-group/disambench/internal/resilience"
)

// Submitter sends one sequence. *Client implements it.
type Submitter interface {
	Submit(ctx context.Context, seq model.MessageSequence, target Target) (*model.InferenceResult, error)
}

// ResultSink records results and answers resume queries. *results.Log
// implements it.
type ResultSink interface {
	Append(r model.InferenceResult) error
	IsSolved(caseID, modelName, provider string) bool
}

// Summary counts the outcomes of one run.
type Summary = model.RunSummary

// Runner drives a batch of sequences against one target.
type Runner struct {
	client      Submitter
	sink        ResultSink
	breakers    *resilience.Breakers
	concurrency int
	onResult    func(model.InferenceResult)
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithConcurrency bounds the number of cases in flight.
func WithConcurrency(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithBreakers short-circuits calls to a provider that keeps failing.
func WithBreakers(b *resilience.Breakers) RunnerOption {
	return func(r *Runner) { r.breakers = b }
}

// WithResultHook is called after each result is appended.
func WithResultHook(fn func(model.InferenceResult)) RunnerOption {
	return func(r *Runner) { r.onResult = fn }
}

// NewRunner creates a Runner.
func NewRunner(client Submitter, sink ResultSink, opts ...RunnerOption) *Runner {
	r := &Runner{client: client, sink: sink, concurrency: 1}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run submits every sequence whose triple is not yet solved. Per-case
// failures are counted and logged; only cancellation ends the run early.
func (r *Runner) Run(ctx context.Context, seqs []model.MessageSequence, target Target) (Summary, error) {
	start := time.Now()
	var summary Summary

	var pending []model.MessageSequence
	seen := make(map[string]bool, len(seqs))
	for _, seq := range seqs {
		if seen[seq.CaseID] || r.sink.IsSolved(seq.CaseID, target.Model, target.Provider) {
			summary.Skipped++
			continue
		}
		seen[seq.CaseID] = true
		pending = append(pending, seq)
	}

	zap.L().Info("inference run starting",
		zap.String("provider", target.Provider),
		zap.String("model", target.Model),
		zap.Int("pending", len(pending)),
		zap.Int("skipped", summary.Skipped),
		zap.Int("concurrency", r.concurrency),
	)

	var breaker *resilience.CircuitBreaker
	if r.breakers != nil {
		breaker = r.breakers.Get(target.Provider)
	}

	var (
		attempted, succeeded, failed, unparseable atomic.Int64
		costMu                                    sync.Mutex
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for _, seq := range pending {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			log := zap.L().With(zap.String("case_id", seq.CaseID))
			attempted.Add(1)

			if breaker != nil {
				if err := breaker.Allow(); err != nil {
					failed.Add(1)
					log.Warn("case skipped, circuit open", zap.Error(err))
					return nil
				}
			}

			res, err := r.client.Submit(gctx, seq, target)
			if breaker != nil && !errors.Is(err, context.Canceled) {
				breaker.Record(err)
			}
			if res != nil && res.RawRef != "" {
				if aerr := r.sink.Append(*res); aerr != nil {
					failed.Add(1)
					log.Error("recording result failed", zap.Error(aerr))
					return nil
				}
				if r.onResult != nil {
					r.onResult(*res)
				}
			}
			if err != nil {
				failed.Add(1)
				log.Error("case failed", zap.Error(err))
				return nil // don't abort run on individual failure
			}

			costMu.Lock()
			summary.CostUSD += res.CostUSD
			costMu.Unlock()
			if res.Decision == model.DecisionUnparseable {
				unparseable.Add(1)
			} else {
				succeeded.Add(1)
			}
			return nil
		})
	}

	waitErr := g.Wait()
	summary.Attempted = int(attempted.Load())
	summary.Succeeded = int(succeeded.Load())
	summary.Failed = int(failed.Load())
	summary.Unparseable = int(unparseable.Load())
	summary.DurationMS = time.Since(start).Milliseconds()

	zap.L().Info("inference run complete",
		zap.Int("attempted", summary.Attempted),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("unparseable", summary.Unparseable),
		zap.Int("skipped", summary.Skipped),
		zap.Float64("cost_usd", summary.CostUSD),
	)

	if waitErr != nil {
		return summary, eris.Wrap(waitErr, "inference: run")
	}
	if err := ctx.Err(); err != nil {
		return summary, eris.Wrap(err, "inference: run interrupted")
	}
	return summary, nil
}
