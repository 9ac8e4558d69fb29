package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/disambench/internal/model"
)

const defaultTogetherURL = "https://api.together.xyz"

// together calls the Together AI REST API. Chat sequences use
// /v1/chat/completions, completion sequences /v1/completions.
type together struct {
	baseURL string
	http    *http.Client
	apiKey  string
}

func newTogether(cfg ProviderConfig) *together {
	p := &together{baseURL: defaultTogetherURL, http: httpClientOr(cfg.HTTPClient)}
	if cfg.BaseURL != "" {
		p.baseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	return p
}

func (p *together) Name() string { return ProviderTogether }

func (p *together) Authenticate(creds Credentials) error {
	if err := requireKey(ProviderTogether, creds); err != nil {
		return err
	}
	p.apiKey = creds.APIKey
	return nil
}

type httpPayload struct {
	url  string
	body map[string]any
}

func (p *together) FormatRequest(seq model.MessageSequence, modelName string, params Params) (*Request, error) {
	if err := validateSequence(seq, modelName); err != nil {
		return nil, err
	}
	body := map[string]any{"model": modelName}
	url := p.baseURL + "/v1/chat/completions"
	if isCompletion(seq) {
		url = p.baseURL + "/v1/completions"
		body["prompt"] = flatPrompt(seq)
	} else {
		body["messages"] = chatMessages(seq.Messages)
	}
	return &Request{
		Model:   modelName,
		Style:   seq.Style,
		Payload: &httpPayload{url: url, body: withParams(body, params, "max_tokens")},
	}, nil
}

func (p *together) SendRequest(ctx context.Context, req *Request) (*RawResponse, error) {
	payload, ok := req.Payload.(*httpPayload)
	if !ok {
		return nil, eris.Errorf("inference: together: unexpected payload %T", req.Payload)
	}
	raw, err := postJSON(ctx, p.http, payload.url, bearer(p.apiKey), payload.body)
	if err != nil {
		return nil, eris.Wrap(err, "inference: together")
	}
	return raw, nil
}

type togetherResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Text    string `json:"text"`
		Message *struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (p *together) ParseResponse(raw *RawResponse) (*Completion, error) {
	if env := detectErrorEnvelope(raw.Body); env != nil {
		return nil, env
	}
	var resp togetherResponse
	if err := json.Unmarshal(raw.Body, &resp); err != nil {
		return nil, eris.Wrap(err, "inference: together: decode response")
	}
	if len(resp.Choices) == 0 {
		return nil, eris.New("inference: together: response has no choices")
	}
	text := resp.Choices[0].Text
	if resp.Choices[0].Message != nil {
		text = resp.Choices[0].Message.Content
	}
	return &Completion{
		Text:  text,
		Model: resp.Model,
		Usage: model.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}
