package inference

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/disambench/internal/model"
	"github.com/sells-group/disambench/pkg/anthropic"
)

const defaultAnthropicMaxTokens = 1024

// anthropicProvider calls the Messages API through pkg/anthropic. The SDK's
// own retries are off; the client's retry policy applies.
type anthropicProvider struct {
	cfg    ProviderConfig
	client anthropic.Client
}

func newAnthropic(cfg ProviderConfig) *anthropicProvider {
	return &anthropicProvider{cfg: cfg}
}

func (p *anthropicProvider) Name() string { return ProviderAnthropic }

func (p *anthropicProvider) Authenticate(creds Credentials) error {
	if err := requireKey(ProviderAnthropic, creds); err != nil {
		return err
	}
	var opts []anthropic.ClientOption
	if p.cfg.BaseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(p.cfg.BaseURL))
	}
	if p.cfg.HTTPClient != nil {
		opts = append(opts, anthropic.WithHTTPClient(p.cfg.HTTPClient))
	}
	p.client = anthropic.NewClient(creds.APIKey, opts...)
	return nil
}

func (p *anthropicProvider) FormatRequest(seq model.MessageSequence, modelName string, params Params) (*Request, error) {
	if err := validateSequence(seq, modelName); err != nil {
		return nil, err
	}
	req := anthropic.MessageRequest{
		Model:       modelName,
		MaxTokens:   int64(params.MaxTokens),
		Temperature: params.Temperature,
		TopP:        params.TopP,
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = defaultAnthropicMaxTokens
	}
	if stop, ok := params.Extra["stop"]; ok {
		req.Stop = toStrings(stop)
	}

	var system []string
	for _, m := range seq.Messages {
		switch m.Role {
		case model.RoleSystem:
			system = append(system, m.Content)
		default:
			req.Messages = append(req.Messages, anthropic.Message{Role: m.Role, Content: m.Content})
		}
	}
	if len(req.Messages) == 0 {
		return nil, eris.Errorf("inference: case %s: no user turn", seq.CaseID)
	}
	req.System = anthropic.BuildSystemBlocks(strings.Join(system, "\n\n"), p.cfg.CacheTTL)
	return &Request{Model: modelName, Style: seq.Style, Payload: req}, nil
}

func (p *anthropicProvider) SendRequest(ctx context.Context, req *Request) (*RawResponse, error) {
	if p.client == nil {
		return nil, &AuthConfigError{Provider: ProviderAnthropic, Reason: "not authenticated"}
	}
	payload, ok := req.Payload.(anthropic.MessageRequest)
	if !ok {
		return nil, eris.Errorf("inference: anthropic: unexpected payload %T", req.Payload)
	}

	start := time.Now()
	resp, err := p.client.CreateMessage(ctx, payload)
	latency := time.Since(start)
	if err != nil {
		var apiErr *anthropic.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode > 0 {
			return &RawResponse{
				StatusCode: apiErr.StatusCode,
				Header:     apiErr.Header,
				Body:       apiErr.Body,
				Latency:    latency,
			}, nil
		}
		return nil, eris.Wrap(err, "inference: anthropic")
	}

	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	return &RawResponse{StatusCode: status, Header: resp.Header, Body: resp.Raw, Latency: latency}, nil
}

type anthropicBody struct {
	Type    string `json:"type"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens              int `json:"input_tokens"`
		OutputTokens             int `json:"output_tokens"`
		CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
		CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *anthropicProvider) ParseResponse(raw *RawResponse) (*Completion, error) {
	var body anthropicBody
	if err := json.Unmarshal(raw.Body, &body); err != nil {
		return nil, eris.Wrap(err, "inference: anthropic: decode response")
	}
	if body.Type == "error" && body.Error != nil {
		return nil, &EnvelopeError{Message: body.Error.Type + ": " + body.Error.Message}
	}
	var text strings.Builder
	for _, b := range body.Content {
		if b.Type == "text" {
			text.WriteString(b.Text)
		}
	}
	return &Completion{
		Text:  text.String(),
		Model: body.Model,
		Usage: model.Usage{
			PromptTokens:     body.Usage.InputTokens,
			CompletionTokens: body.Usage.OutputTokens,
			CacheWriteTokens: body.Usage.CacheCreationInputTokens,
			CacheReadTokens:  body.Usage.CacheReadInputTokens,
		},
	}, nil
}

func toStrings(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, x := range t {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
