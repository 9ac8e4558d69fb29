package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/disambench/internal/model"
)

const (
	defaultHFRouterURL         = "https://router.huggingface.co"
	defaultHFRoute             = "hf-inference"
	defaultHFTextGenerationURL = "https://api-inference.huggingface.co/models"
)

// huggingFace calls the Hugging Face inference router for chat sequences and
// the text-generation API for completion sequences.
type huggingFace struct {
	routerURL string
	route     string
	textURL   string
	http      *http.Client
	apiKey    string
}

func newHuggingFace(cfg ProviderConfig) *huggingFace {
	p := &huggingFace{
		routerURL: defaultHFRouterURL,
		route:     defaultHFRoute,
		textURL:   defaultHFTextGenerationURL,
		http:      httpClientOr(cfg.HTTPClient),
	}
	if cfg.BaseURL != "" {
		p.routerURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	if cfg.Route != "" {
		p.route = cfg.Route
	}
	if cfg.TextGenerationURL != "" {
		p.textURL = strings.TrimSuffix(cfg.TextGenerationURL, "/")
	}
	return p
}

func (p *huggingFace) Name() string { return ProviderHuggingFace }

func (p *huggingFace) Authenticate(creds Credentials) error {
	if err := requireKey(ProviderHuggingFace, creds); err != nil {
		return err
	}
	p.apiKey = creds.APIKey
	return nil
}

func (p *huggingFace) FormatRequest(seq model.MessageSequence, modelName string, params Params) (*Request, error) {
	if err := validateSequence(seq, modelName); err != nil {
		return nil, err
	}
	if isCompletion(seq) {
		parameters := withParams(map[string]any{"return_full_text": false}, params, "max_new_tokens")
		return &Request{
			Model: modelName,
			Style: seq.Style,
			Payload: &httpPayload{
				url: p.textURL + "/" + modelName,
				body: map[string]any{
					"inputs":     flatPrompt(seq),
					"parameters": parameters,
				},
			},
		}, nil
	}

	body := withParams(map[string]any{
		"model":    modelName,
		"messages": chatMessages(seq.Messages),
	}, params, "max_tokens")
	return &Request{
		Model: modelName,
		Style: seq.Style,
		Payload: &httpPayload{
			url:  p.routerURL + "/" + p.route + "/v1/chat/completions",
			body: body,
		},
	}, nil
}

func (p *huggingFace) SendRequest(ctx context.Context, req *Request) (*RawResponse, error) {
	payload, ok := req.Payload.(*httpPayload)
	if !ok {
		return nil, eris.Errorf("inference: huggingface: unexpected payload %T", req.Payload)
	}
	raw, err := postJSON(ctx, p.http, payload.url, bearer(p.apiKey), payload.body)
	if err != nil {
		return nil, eris.Wrap(err, "inference: huggingface")
	}
	return raw, nil
}

func (p *huggingFace) ParseResponse(raw *RawResponse) (*Completion, error) {
	body := strings.TrimSpace(string(raw.Body))
	if strings.HasPrefix(body, "[") {
		var gen []struct {
			GeneratedText string `json:"generated_text"`
		}
		if err := json.Unmarshal(raw.Body, &gen); err != nil {
			return nil, eris.Wrap(err, "inference: huggingface: decode generation")
		}
		if len(gen) == 0 {
			return nil, eris.New("inference: huggingface: empty generation list")
		}
		return &Completion{Text: strings.TrimSpace(gen[0].GeneratedText)}, nil
	}

	// The text-generation API reports errors as {"error": "..."}.
	var flat struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw.Body, &flat) == nil && flat.Error != "" {
		return nil, &EnvelopeError{Message: flat.Error}
	}
	if env := detectErrorEnvelope(raw.Body); env != nil {
		return nil, env
	}

	var resp togetherResponse
	if err := json.Unmarshal(raw.Body, &resp); err != nil {
		return nil, eris.Wrap(err, "inference: huggingface: decode response")
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
		return nil, eris.New("inference: huggingface: response has no message")
	}
	return &Completion{
		Text:  strings.TrimSpace(resp.Choices[0].Message.Content),
		Model: resp.Model,
		Usage: model.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}
