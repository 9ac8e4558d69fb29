package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const okBody = `{
  "id": "msg_test_001",
  "type": "message",
  "role": "assistant",
  "content": [{"type": "text", "text": "{\"verdict\": \"Same\"}"}],
  "model": "claude-sonnet-4-5-20250929",
  "stop_reason": "end_turn",
  "usage": {"input_tokens": 10, "output_tokens": 5, "cache_creation_input_tokens": 0, "cache_read_input_tokens": 7}
}`

func TestCreateMessage(t *testing.T) {
	var got map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.Path, "/messages")
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))

		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Request-Id", "req_1")
		_, _ = io.WriteString(w, okBody)
	}))
	defer ts.Close()

	temp := 0.0
	client := NewClient("test-key", WithBaseURL(ts.URL))
	resp, err := client.CreateMessage(context.Background(), MessageRequest{
		Model:       "claude-sonnet-4-5-20250929",
		MaxTokens:   512,
		System:      BuildSystemBlocks("You compare software records.", "1h"),
		Messages:    []Message{{Role: "user", Content: "A vs B"}},
		Temperature: &temp,
	})
	require.NoError(t, err)

	assert.Equal(t, "msg_test_001", resp.ID)
	assert.Equal(t, `{"verdict": "Same"}`, resp.Text())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "req_1", resp.Header.Get("Request-Id"))
	assert.Equal(t, int64(10), resp.Usage.InputTokens)
	assert.Equal(t, int64(7), resp.Usage.CacheReadInputTokens)
	assert.JSONEq(t, okBody, string(resp.Raw))

	assert.Equal(t, float64(512), got["max_tokens"])
	assert.Equal(t, float64(0), got["temperature"])
	system := got["system"].([]any)[0].(map[string]any)
	assert.Equal(t, "You compare software records.", system["text"])
	assert.Equal(t, "1h", system["cache_control"].(map[string]any)["ttl"])
}

func TestCreateMessage_APIErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "12")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
	}))
	defer ts.Close()

	client := NewClient("test-key", WithBaseURL(ts.URL))
	_, err := client.CreateMessage(context.Background(), MessageRequest{
		Model:     "claude-haiku-4-5-20251001",
		MaxTokens: 16,
		Messages:  []Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Equal(t, "12", apiErr.Header.Get("Retry-After"))
	assert.Contains(t, string(apiErr.Body), "rate_limit_error")
	assert.Equal(t, int32(1), calls.Load(), "sdk retries must be off")
}

func TestBuildSystemBlocks(t *testing.T) {
	assert.Nil(t, BuildSystemBlocks("", "1h"))

	blocks := BuildSystemBlocks("sys", "")
	require.Len(t, blocks, 1)
	assert.Nil(t, blocks[0].CacheControl)

	blocks = BuildSystemBlocks("sys", "5m")
	assert.Equal(t, "5m", blocks[0].CacheControl.TTL)
}

func TestToSDKMessages(t *testing.T) {
	out := toSDKMessages([]Message{{Role: "user", Content: "q"}, {Role: "assistant", Content: "a"}})
	require.Len(t, out, 2)
	assert.Equal(t, "user", string(out[0].Role))
	assert.Equal(t, "assistant", string(out[1].Role))
}
