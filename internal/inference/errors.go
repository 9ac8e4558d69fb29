package inference

import (
	"fmt"
	"net/http"

	"github.com/sells-group/disambench/internal/resilience"
)

// AuthConfigError means a provider cannot be used because its credentials
// are missing. It is raised before any call is made.
type AuthConfigError struct {
	Provider string
	EnvVar   string
	Reason   string
}

func (e *AuthConfigError) Error() string {
	if e.EnvVar != "" {
		return fmt.Sprintf("inference: %s credentials: %s %s", e.Provider, e.EnvVar, e.Reason)
	}
	return fmt.Sprintf("inference: %s credentials: %s", e.Provider, e.Reason)
}

// FatalInferenceError is a non-retryable provider answer (400, 401, 403 and
// other 4xx). The case fails; the run continues.
type FatalInferenceError struct {
	CaseID     string
	Provider   string
	StatusCode int
	Raw        *RawResponse
	Err        error
}

func (e *FatalInferenceError) Error() string {
	return fmt.Sprintf("inference: case %s: %s fatal (status %d): %v", e.CaseID, e.Provider, e.StatusCode, e.Err)
}

func (e *FatalInferenceError) Unwrap() error { return e.Err }

// ExhaustedRetriesError means every allowed attempt hit a transient
// failure. Raw holds the last response received, nil when none was.
type ExhaustedRetriesError struct {
	CaseID   string
	Provider string
	Attempts int
	Raw      *RawResponse
	Err      error
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("inference: case %s: %s gave up after %d attempts: %v", e.CaseID, e.Provider, e.Attempts, e.Err)
}

func (e *ExhaustedRetriesError) Unwrap() error { return e.Err }

// EnvelopeError is an error reported inside a 2xx body.
type EnvelopeError struct {
	Code    int
	Message string
}

func (e *EnvelopeError) Error() string {
	return fmt.Sprintf("provider error envelope (code %d): %s", e.Code, e.Message)
}

// StatusError is a non-2xx HTTP answer.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// classifyStatus wraps a failed exchange as transient or returns it as is.
// Transient errors carry the server's Retry-After.
func classifyStatus(raw *RawResponse, err error, code int) error {
	if !resilience.IsTransientHTTPStatus(code) {
		return err
	}
	te := resilience.NewTransientError(err, code)
	if raw != nil && raw.Header != nil {
		te.RetryAfter = resilience.ParseRetryAfter(raw.Header.Get("Retry-After"), now())
	}
	return te
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
