package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/disambench/internal/model"
)

// postJSON sends body and returns the exchange without judging the status.
func postJSON(ctx context.Context, client *http.Client, url string, header http.Header, body any) (*RawResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, eris.Wrap(err, "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "create request")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "read response")
	}
	return &RawResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
		Latency:    time.Since(start),
	}, nil
}

func bearer(key string) http.Header {
	h := make(http.Header)
	h.Set("Authorization", "Bearer "+key)
	return h
}

// withParams merges sampling params into a JSON body map.
func withParams(body map[string]any, p Params, maxTokensKey string) map[string]any {
	if p.MaxTokens > 0 {
		body[maxTokensKey] = p.MaxTokens
	}
	for k, v := range paramOverrides(p) {
		body[k] = v
	}
	return body
}

// chatMessages converts a sequence to the OpenAI chat wire shape.
func chatMessages(msgs []model.Message) []map[string]string {
	out := make([]map[string]string, len(msgs))
	for i, m := range msgs {
		out[i] = map[string]string{"role": m.Role, "content": m.Content}
	}
	return out
}
