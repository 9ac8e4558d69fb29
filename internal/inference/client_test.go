package inference

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/disambench/internal/cost"
	"github.com/sells-group/disambench/internal/model"
	"github.com/sells-group/disambench/internal/resilience"
	"github.com/sells-group/disambench/internal/results"
)

// mockProvider is a testify mock of Provider.
type mockProvider struct {
	mock.Mock
	name string
}

func (m *mockProvider) Name() string { return m.name }

func (m *mockProvider) Authenticate(creds Credentials) error {
	return m.Called(creds).Error(0)
}

func (m *mockProvider) FormatRequest(seq model.MessageSequence, modelName string, p Params) (*Request, error) {
	return &Request{Model: modelName, Style: seq.Style, Payload: seq.Messages}, nil
}

func (m *mockProvider) SendRequest(ctx context.Context, req *Request) (*RawResponse, error) {
	args := m.Called(ctx, req)
	raw, _ := args.Get(0).(*RawResponse)
	return raw, args.Error(1)
}

func (m *mockProvider) ParseResponse(raw *RawResponse) (*Completion, error) {
	args := m.Called(raw)
	comp, _ := args.Get(0).(*Completion)
	return comp, args.Error(1)
}

// memSink records attempts in memory.
type memSink struct {
	mu       sync.Mutex
	attempts []results.Attempt
	err      error
}

func (s *memSink) Write(a results.Attempt) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.attempts = append(s.attempts, a)
	return results.CaseSlug(a.CaseID) + "/attempt-" + string(rune('0'+len(s.attempts))) + ".json", nil
}

func (s *memSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attempts)
}

func fastRetry(attempts int) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		MaxRetryAfter:  2 * time.Millisecond,
		Multiplier:     1,
	}
}

func testSeq() model.MessageSequence {
	return model.MessageSequence{
		CaseID: "case-1",
		Style:  "chat",
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: "compare"},
			{Role: model.RoleUser, Content: "A vs B"},
		},
	}
}

func status(code int, body string) *RawResponse {
	h := make(http.Header)
	h.Set("Retry-After", "1")
	return &RawResponse{StatusCode: code, Header: h, Body: []byte(body), Latency: 5 * time.Millisecond}
}

var target = Target{Model: "test-model", Provider: ProviderTogether}

func TestSubmit_RetriesRateLimitThenSucceeds(t *testing.T) {
	p := &mockProvider{name: ProviderTogether}
	ok := status(http.StatusOK, `{"choices":[]}`)
	p.On("SendRequest", mock.Anything, mock.Anything).Return(status(http.StatusTooManyRequests, "slow down"), nil).Twice()
	p.On("SendRequest", mock.Anything, mock.Anything).Return(ok, nil).Once()
	p.On("ParseResponse", ok).Return(&Completion{
		Text:  `{"verdict": "Same", "confidence": 0.9}`,
		Usage: model.Usage{PromptTokens: 1000000},
	}, nil).Once()

	sink := &memSink{}
	calc := cost.NewCalculator(cost.Rates{ProviderTogether: {"default": {Input: 0.5}}})
	c := NewClient([]Provider{p}, sink, WithRetry(fastRetry(3)), WithCalculator(calc))

	res, err := c.Submit(context.Background(), testSeq(), target)
	require.NoError(t, err)
	assert.Equal(t, model.DecisionSame, res.Decision)
	assert.Equal(t, 3, res.Attempts)
	assert.InDelta(t, 0.9, *res.Confidence, 1e-9)
	assert.InDelta(t, 0.5, res.CostUSD, 1e-9)
	assert.Equal(t, "case-1/attempt-3.json", res.RawRef)
	assert.Empty(t, res.Error)

	require.Equal(t, 3, sink.count())
	assert.Equal(t, http.StatusTooManyRequests, sink.attempts[0].StatusCode)
	assert.Equal(t, 3, sink.attempts[2].Number)
	assert.Equal(t, "slow down", string(sink.attempts[1].Body))
	p.AssertExpectations(t)
}

func TestSubmit_FatalStatusNotRetried(t *testing.T) {
	for _, code := range []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden} {
		t.Run(http.StatusText(code), func(t *testing.T) {
			p := &mockProvider{name: ProviderTogether}
			p.On("SendRequest", mock.Anything, mock.Anything).Return(status(code, `{"error":"no"}`), nil).Once()

			sink := &memSink{}
			c := NewClient([]Provider{p}, sink, WithRetry(fastRetry(4)))
			res, err := c.Submit(context.Background(), testSeq(), target)

			var fatal *FatalInferenceError
			require.ErrorAs(t, err, &fatal)
			assert.Equal(t, code, fatal.StatusCode)
			assert.Equal(t, "case-1", fatal.CaseID)
			assert.Equal(t, model.ErrorKindFatal, res.ErrorKind)
			assert.Equal(t, 1, res.Attempts)
			assert.NotEmpty(t, res.RawRef)
			assert.Equal(t, 1, sink.count())
			p.AssertExpectations(t)
		})
	}
}

func TestSubmit_ExhaustedRetries(t *testing.T) {
	p := &mockProvider{name: ProviderTogether}
	p.On("SendRequest", mock.Anything, mock.Anything).Return(status(http.StatusServiceUnavailable, "down"), nil).Times(3)

	sink := &memSink{}
	c := NewClient([]Provider{p}, sink, WithRetry(fastRetry(3)))
	res, err := c.Submit(context.Background(), testSeq(), target)

	var exhausted *ExhaustedRetriesError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	require.NotNil(t, exhausted.Raw)
	assert.Equal(t, http.StatusServiceUnavailable, exhausted.Raw.StatusCode)
	assert.Equal(t, model.ErrorKindExhausted, res.ErrorKind)
	assert.False(t, res.Succeeded())
	assert.Equal(t, 3, sink.count())
	p.AssertExpectations(t)
}

func TestSubmit_AttemptTimeoutIsRetried(t *testing.T) {
	p := &mockProvider{name: ProviderTogether}
	p.On("SendRequest", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	}).Return(nil, context.DeadlineExceeded).Times(2)

	sink := &memSink{}
	c := NewClient([]Provider{p}, sink, WithRetry(fastRetry(2)), WithTimeout(10*time.Millisecond))
	res, err := c.Submit(context.Background(), testSeq(), target)

	var exhausted *ExhaustedRetriesError
	require.ErrorAs(t, err, &exhausted)
	assert.Nil(t, exhausted.Raw)
	assert.Equal(t, 2, res.Attempts)
	require.Equal(t, 2, sink.count())
	assert.Empty(t, sink.attempts[0].Body)
	assert.NotEmpty(t, sink.attempts[0].Error)
	p.AssertExpectations(t)
}

func TestSubmit_TimeoutKeepsLastResponse(t *testing.T) {
	p := &mockProvider{name: ProviderTogether}
	limited := status(http.StatusTooManyRequests, "slow down")
	p.On("SendRequest", mock.Anything, mock.Anything).Return(limited, nil).Once()
	p.On("SendRequest", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	}).Return(nil, context.DeadlineExceeded).Once()

	sink := &memSink{}
	c := NewClient([]Provider{p}, sink, WithRetry(fastRetry(2)), WithTimeout(10*time.Millisecond))
	res, err := c.Submit(context.Background(), testSeq(), target)

	var exhausted *ExhaustedRetriesError
	require.ErrorAs(t, err, &exhausted)
	require.NotNil(t, exhausted.Raw)
	assert.Equal(t, http.StatusTooManyRequests, exhausted.Raw.StatusCode)
	assert.Equal(t, "slow down", string(exhausted.Raw.Body))
	assert.Equal(t, int64(5), res.LatencyMS)
	assert.Equal(t, 2, res.Attempts)
	p.AssertExpectations(t)
}

func TestSubmit_RawWriteFailureAborts(t *testing.T) {
	p := &mockProvider{name: ProviderTogether}
	p.On("SendRequest", mock.Anything, mock.Anything).Return(status(http.StatusServiceUnavailable, "down"), nil).Once()

	sink := &memSink{err: errors.New("disk full")}
	c := NewClient([]Provider{p}, sink, WithRetry(fastRetry(3)))
	res, err := c.Submit(context.Background(), testSeq(), target)

	var rawErr *RawWriteError
	require.ErrorAs(t, err, &rawErr)
	assert.Nil(t, res)
	p.AssertExpectations(t)
}

func TestSubmit_Unparseable(t *testing.T) {
	p := &mockProvider{name: ProviderTogether}
	ok := status(http.StatusOK, "{}")
	p.On("SendRequest", mock.Anything, mock.Anything).Return(ok, nil).Once()
	p.On("ParseResponse", ok).Return(&Completion{Text: "They are the same. They are different."}, nil).Once()

	c := NewClient([]Provider{p}, &memSink{}, WithRetry(fastRetry(3)))
	res, err := c.Submit(context.Background(), testSeq(), target)
	require.NoError(t, err)
	assert.Equal(t, model.DecisionUnparseable, res.Decision)
	assert.True(t, res.Succeeded())
}

func TestSubmit_UndecodableBodyIsUnparseable(t *testing.T) {
	p := &mockProvider{name: ProviderTogether}
	ok := status(http.StatusOK, "<html>")
	p.On("SendRequest", mock.Anything, mock.Anything).Return(ok, nil).Once()
	p.On("ParseResponse", ok).Return(nil, errors.New("decode")).Once()

	c := NewClient([]Provider{p}, &memSink{}, WithRetry(fastRetry(3)))
	res, err := c.Submit(context.Background(), testSeq(), target)
	require.NoError(t, err)
	assert.Equal(t, model.DecisionUnparseable, res.Decision)
}

func TestSubmit_EnvelopeErrorRetried(t *testing.T) {
	p := &mockProvider{name: ProviderTogether}
	bad := status(http.StatusOK, `{"error":{"code":502}}`)
	good := status(http.StatusOK, "{}")
	p.On("SendRequest", mock.Anything, mock.Anything).Return(bad, nil).Once()
	p.On("SendRequest", mock.Anything, mock.Anything).Return(good, nil).Once()
	p.On("ParseResponse", bad).Return(nil, &EnvelopeError{Code: 502, Message: "upstream"}).Once()
	p.On("ParseResponse", good).Return(&Completion{Text: "Different"}, nil).Once()

	c := NewClient([]Provider{p}, &memSink{}, WithRetry(fastRetry(3)))
	res, err := c.Submit(context.Background(), testSeq(), target)
	require.NoError(t, err)
	assert.Equal(t, model.DecisionDifferent, res.Decision)
	assert.Equal(t, 2, res.Attempts)
}

func TestSubmit_Canceled(t *testing.T) {
	p := &mockProvider{name: ProviderTogether}
	ctx, cancel := context.WithCancel(context.Background())
	p.On("SendRequest", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		cancel()
	}).Return(nil, context.Canceled).Once()

	c := NewClient([]Provider{p}, &memSink{}, WithRetry(fastRetry(3)))
	res, err := c.Submit(ctx, testSeq(), target)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, model.ErrorKindCanceled, res.ErrorKind)
	assert.Equal(t, 1, res.Attempts)
}

func TestSubmit_UnknownProvider(t *testing.T) {
	c := NewClient(nil, &memSink{})
	_, err := c.Submit(context.Background(), testSeq(), Target{Model: "m", Provider: "nope"})
	var authErr *AuthConfigError
	require.ErrorAs(t, err, &authErr)
}

func TestSubmit_RateLimitSlowsLimiter(t *testing.T) {
	p := &mockProvider{name: ProviderTogether}
	p.On("SendRequest", mock.Anything, mock.Anything).Return(status(http.StatusTooManyRequests, ""), nil).Once()
	p.On("SendRequest", mock.Anything, mock.Anything).Return(status(http.StatusBadRequest, ""), nil).Once()

	limiters := resilience.NewLimiters(6000, 10)
	before := limiters.Get(ProviderTogether).Limit()
	c := NewClient([]Provider{p}, &memSink{}, WithRetry(fastRetry(2)), WithLimiters(limiters))
	_, err := c.Submit(context.Background(), testSeq(), target)
	require.Error(t, err)
	assert.Less(t, float64(limiters.Get(ProviderTogether).Limit()), float64(before))
}

func TestReplayParser(t *testing.T) {
	parse := ReplayParser(nil, nil)

	ok := parse(results.Meta{
		CaseID: "case-1", Attempt: 2, Provider: ProviderTogether, Model: "m", StatusCode: 200,
	}, []byte(`{"choices":[{"message":{"content":"{\"verdict\":\"Different\"}"}}]}`))
	assert.Equal(t, model.DecisionDifferent, ok.Decision)
	assert.Equal(t, 2, ok.Attempts)

	limited := parse(results.Meta{CaseID: "case-2", Provider: ProviderTogether, StatusCode: 429}, []byte("x"))
	assert.Equal(t, model.ErrorKindExhausted, limited.ErrorKind)

	denied := parse(results.Meta{CaseID: "case-3", Provider: ProviderTogether, StatusCode: 401}, []byte("x"))
	assert.Equal(t, model.ErrorKindFatal, denied.ErrorKind)

	transport := parse(results.Meta{CaseID: "case-4", Provider: ProviderTogether, Error: "i/o timeout"}, nil)
	assert.Equal(t, model.ErrorKindExhausted, transport.ErrorKind)

	unknown := parse(results.Meta{CaseID: "case-5", Provider: "nope", StatusCode: 200}, []byte("{}"))
	assert.Equal(t, model.ErrorKindFatal, unknown.ErrorKind)
}
