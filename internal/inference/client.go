package inference

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/disambench/internal/cost"
	"github.com/sells-group/disambench/internal/decision"
	"github.com/sells-group/disambench/internal/model"
	"github.com/sells-group/disambench/internal/resilience"
	"github.com/sells-group/disambench/internal/results"
)

var now = time.Now

// DefaultTimeout is the per-attempt deadline.
const DefaultTimeout = 120 * time.Second

// Target names the model and provider a sequence is sent to.
type Target struct {
	Model    string
	Provider string
}

// RawSink persists every attempt before its response is interpreted.
type RawSink interface {
	Write(a results.Attempt) (string, error)
}

// RawWriteError means an attempt could not be persisted. The case is
// aborted and no result is recorded.
type RawWriteError struct {
	CaseID string
	Err    error
}

func (e *RawWriteError) Error() string {
	return "inference: case " + e.CaseID + ": persist raw response: " + e.Err.Error()
}

func (e *RawWriteError) Unwrap() error { return e.Err }

// Client submits message sequences to authenticated providers.
type Client struct {
	providers map[string]Provider
	raw       RawSink
	parser    *decision.Parser
	calc      *cost.Calculator
	limiters  *resilience.Limiters
	timeout   time.Duration
	retry     resilience.RetryConfig
	params    Params
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout sets the per-attempt deadline.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithRetry sets the retry policy.
func WithRetry(cfg resilience.RetryConfig) ClientOption {
	return func(c *Client) { c.retry = cfg }
}

// WithParams sets the sampling parameters sent with every request.
func WithParams(p Params) ClientOption {
	return func(c *Client) { c.params = p }
}

// WithParser replaces the default decision grammar.
func WithParser(p *decision.Parser) ClientOption {
	return func(c *Client) { c.parser = p }
}

// WithCalculator enables cost estimates.
func WithCalculator(calc *cost.Calculator) ClientOption {
	return func(c *Client) { c.calc = calc }
}

// WithLimiters paces every attempt through per-provider rate limiters.
func WithLimiters(l *resilience.Limiters) ClientOption {
	return func(c *Client) { c.limiters = l }
}

// NewClient creates a Client over authenticated providers.
func NewClient(providers []Provider, raw RawSink, opts ...ClientOption) *Client {
	c := &Client{
		providers: make(map[string]Provider, len(providers)),
		raw:       raw,
		parser:    decision.DefaultParser(),
		timeout:   DefaultTimeout,
		retry:     resilience.DefaultRetryConfig(),
	}
	for _, p := range providers {
		c.providers[p.Name()] = p
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Submit sends one sequence and returns its result. Failed cases return
// both a result describing the failure and a typed error
// (*FatalInferenceError, *ExhaustedRetriesError, or the context error).
// A *RawWriteError returns no result.
func (c *Client) Submit(ctx context.Context, seq model.MessageSequence, target Target) (*model.InferenceResult, error) {
	p, ok := c.providers[target.Provider]
	if !ok {
		return nil, &AuthConfigError{Provider: target.Provider, Reason: "provider not configured"}
	}
	log := zap.L().With(
		zap.String("case_id", seq.CaseID),
		zap.String("provider", target.Provider),
		zap.String("model", target.Model),
	)

	res := &model.InferenceResult{
		CaseID:    seq.CaseID,
		Model:     target.Model,
		Provider:  target.Provider,
		Timestamp: now().UTC(),
	}

	req, err := p.FormatRequest(seq, target.Model, c.params)
	if err != nil {
		return c.fail(res, &FatalInferenceError{CaseID: seq.CaseID, Provider: target.Provider, Err: err})
	}

	var limiter *resilience.AdaptiveLimiter
	if c.limiters != nil {
		limiter = c.limiters.Get(target.Provider)
	}

	var (
		attempts int
		last     *RawResponse
	)
	retry := c.retry
	retry.OnRetry = resilience.RetryLogger(target.Provider, seq.CaseID)
	retry.ShouldRetry = shouldRetry

	comp, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*Completion, error) {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		attempts++

		actx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		started := now()
		raw, sendErr := p.SendRequest(actx, req)

		att := results.Attempt{
			CaseID:    seq.CaseID,
			Number:    attempts,
			Provider:  target.Provider,
			Model:     target.Model,
			Style:     seq.Style,
			Timestamp: started,
		}
		if raw != nil {
			att.StatusCode = raw.StatusCode
			att.Body = raw.Body
			att.RequestID = raw.RequestID()
			att.Latency = raw.Latency
		} else {
			att.Latency = now().Sub(started)
		}
		if sendErr != nil {
			att.Error = sendErr.Error()
		}
		ref, werr := c.raw.Write(att)
		if werr != nil {
			return nil, &RawWriteError{CaseID: seq.CaseID, Err: werr}
		}
		res.RawRef = ref
		if raw != nil {
			last = raw
		}
		log.Debug("provider attempt",
			zap.Int("attempt", attempts),
			zap.Int("status", att.StatusCode),
			zap.Duration("latency", att.Latency),
		)

		if sendErr != nil {
			return nil, classifySendError(ctx, actx, sendErr)
		}

		comp, ierr := interpret(p, raw)
		if limiter != nil {
			switch {
			case ierr == nil:
				limiter.OnSuccess()
			case statusOf(ierr) == http.StatusTooManyRequests:
				limiter.OnRateLimit()
			}
		}
		return comp, ierr
	})

	res.Attempts = attempts
	if last != nil {
		res.LatencyMS = last.Latency.Milliseconds()
	}

	if err != nil {
		var rawErr *RawWriteError
		if errors.As(err, &rawErr) {
			return nil, rawErr
		}
		switch {
		case ctx.Err() != nil:
			res.ErrorKind = model.ErrorKindCanceled
			res.Error = ctx.Err().Error()
			return res, eris.Wrapf(ctx.Err(), "inference: case %s", seq.CaseID)
		case resilience.IsTransient(err):
			return c.fail(res, &ExhaustedRetriesError{
				CaseID: seq.CaseID, Provider: target.Provider, Attempts: attempts, Raw: last, Err: err,
			})
		default:
			fatal := &FatalInferenceError{CaseID: seq.CaseID, Provider: target.Provider, Raw: last, Err: err}
			if last != nil {
				fatal.StatusCode = last.StatusCode
			}
			return c.fail(res, fatal)
		}
	}

	applyCompletion(res, comp, c.parser, c.calc)
	log.Info("case decided",
		zap.String("decision", string(res.Decision)),
		zap.Int("attempts", attempts),
		zap.Int64("latency_ms", res.LatencyMS),
	)
	return res, nil
}

func (c *Client) fail(res *model.InferenceResult, err error) (*model.InferenceResult, error) {
	res.Error = err.Error()
	var exhausted *ExhaustedRetriesError
	if errors.As(err, &exhausted) {
		res.ErrorKind = model.ErrorKindExhausted
	} else {
		res.ErrorKind = model.ErrorKindFatal
	}
	return res, err
}

// classifySendError marks per-attempt timeouts and dropped connections as
// transient. Cancellation of the parent context is returned as is.
func classifySendError(parent, attempt context.Context, err error) error {
	if parent.Err() != nil {
		return err
	}
	if errors.Is(attempt.Err(), context.DeadlineExceeded) {
		return resilience.NewTransientError(eris.Wrap(err, "attempt timed out"), 0)
	}
	if resilience.IsTransient(err) {
		return resilience.NewTransientError(err, 0)
	}
	return err
}

// interpret classifies an HTTP exchange. Non-2xx statuses and error
// envelopes become errors; a 2xx body without a usable completion yields an
// empty completion, which parses as unparseable.
func interpret(p Provider, raw *RawResponse) (*Completion, error) {
	if raw.StatusCode < 200 || raw.StatusCode >= 300 {
		return nil, classifyStatus(raw, &StatusError{StatusCode: raw.StatusCode, Body: truncate(raw.Body, 500)}, raw.StatusCode)
	}
	comp, err := p.ParseResponse(raw)
	if err == nil {
		return comp, nil
	}
	var env *EnvelopeError
	if errors.As(err, &env) {
		if env.Code == 0 {
			// Uncoded gateway errors are upstream hiccups.
			return nil, resilience.NewTransientError(env, 0)
		}
		return nil, classifyStatus(raw, env, env.Code)
	}
	zap.L().Warn("inference: response not decodable, recording as unparseable",
		zap.String("provider", p.Name()), zap.Error(err))
	return &Completion{}, nil
}

func shouldRetry(err error) bool {
	var rawErr *RawWriteError
	if errors.As(err, &rawErr) {
		return false
	}
	return resilience.IsTransient(err)
}

func statusOf(err error) int {
	var te *resilience.TransientError
	if errors.As(err, &te) {
		return te.StatusCode
	}
	return 0
}

func applyCompletion(res *model.InferenceResult, comp *Completion, parser *decision.Parser, calc *cost.Calculator) {
	v := parser.Parse(comp.Text)
	res.Decision = v.Decision
	res.Confidence = v.Confidence
	res.Explanation = v.Explanation
	res.Features = v.Features
	res.Usage = comp.Usage
	res.CostUSD = calc.Estimate(res.Provider, res.Model, comp.Usage)
}
