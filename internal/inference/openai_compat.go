package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	openai "github.com/sashabaranov/go-openai"

	"github.com/sells-group/disambench/internal/model"
)

const (
	defaultOpenRouterURL = "https://openrouter.ai/api/v1"
	defaultSambaNovaURL  = "https://api.sambanova.ai/v1"
)

// openAICompat serves OpenAI-compatible APIs through go-openai. Request
// fields go-openai drops on zero values (temperature 0) and extra params
// are merged into the JSON body on the way out.
type openAICompat struct {
	name    string
	baseURL string
	headers map[string]string
	http    *http.Client
	apiKey  string
	// errorEnvelope enables detection of 200 responses carrying {"error": ...}.
	errorEnvelope bool
}

func newOpenRouter(cfg ProviderConfig) *openAICompat {
	p := &openAICompat{
		name:          ProviderOpenRouter,
		baseURL:       defaultOpenRouterURL,
		headers:       map[string]string{},
		http:          httpClientOr(cfg.HTTPClient),
		errorEnvelope: true,
	}
	if cfg.BaseURL != "" {
		p.baseURL = cfg.BaseURL
	}
	if cfg.Referer != "" {
		p.headers["HTTP-Referer"] = cfg.Referer
	}
	if cfg.Title != "" {
		p.headers["X-Title"] = cfg.Title
	}
	return p
}

func newSambaNova(cfg ProviderConfig) *openAICompat {
	p := &openAICompat{
		name:    ProviderSambaNova,
		baseURL: defaultSambaNovaURL,
		http:    httpClientOr(cfg.HTTPClient),
	}
	if cfg.BaseURL != "" {
		p.baseURL = cfg.BaseURL
	}
	return p
}

func (p *openAICompat) Name() string { return p.name }

func (p *openAICompat) Authenticate(creds Credentials) error {
	if err := requireKey(p.name, creds); err != nil {
		return err
	}
	p.apiKey = creds.APIKey
	return nil
}

// openAIPayload is the go-openai request plus body overrides.
type openAIPayload struct {
	chat       *openai.ChatCompletionRequest
	completion *openai.CompletionRequest
	overrides  map[string]any
}

func (p *openAICompat) FormatRequest(seq model.MessageSequence, modelName string, params Params) (*Request, error) {
	if err := validateSequence(seq, modelName); err != nil {
		return nil, err
	}
	payload := &openAIPayload{overrides: paramOverrides(params)}
	if isCompletion(seq) {
		payload.completion = &openai.CompletionRequest{
			Model:     modelName,
			Prompt:    flatPrompt(seq),
			MaxTokens: params.MaxTokens,
		}
	} else {
		msgs := make([]openai.ChatCompletionMessage, len(seq.Messages))
		for i, m := range seq.Messages {
			msgs[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
		}
		payload.chat = &openai.ChatCompletionRequest{
			Model:     modelName,
			Messages:  msgs,
			MaxTokens: params.MaxTokens,
		}
	}
	return &Request{Model: modelName, Style: seq.Style, Payload: payload}, nil
}

func (p *openAICompat) SendRequest(ctx context.Context, req *Request) (*RawResponse, error) {
	payload, ok := req.Payload.(*openAIPayload)
	if !ok {
		return nil, eris.Errorf("inference: %s: unexpected payload %T", p.name, req.Payload)
	}

	doer := &capturingDoer{base: p.http, headers: p.headers, overrides: payload.overrides}
	cfg := openai.DefaultConfig(p.apiKey)
	cfg.BaseURL = p.baseURL
	cfg.HTTPClient = doer
	client := openai.NewClientWithConfig(cfg)

	start := time.Now()
	var err error
	if payload.completion != nil {
		_, err = client.CreateCompletion(ctx, *payload.completion)
	} else {
		_, err = client.CreateChatCompletion(ctx, *payload.chat)
	}

	// go-openai reports non-2xx answers as errors; the captured exchange is
	// what counts. Only a missing response is a transport failure.
	raw := doer.response()
	if raw == nil {
		if err == nil {
			err = eris.New("no response captured")
		}
		return nil, eris.Wrapf(err, "inference: %s: send", p.name)
	}
	raw.Latency = time.Since(start)
	return raw, nil
}

func (p *openAICompat) ParseResponse(raw *RawResponse) (*Completion, error) {
	if p.errorEnvelope {
		if env := detectErrorEnvelope(raw.Body); env != nil {
			return nil, env
		}
	}

	var probe struct {
		Choices []json.RawMessage `json:"choices"`
	}
	if err := json.Unmarshal(raw.Body, &probe); err != nil {
		return nil, eris.Wrapf(err, "inference: %s: decode response", p.name)
	}
	if len(probe.Choices) == 0 {
		return nil, eris.Errorf("inference: %s: response has no choices", p.name)
	}

	// Chat and text completions share the envelope; the choice shape differs.
	var chat openai.ChatCompletionResponse
	if err := json.Unmarshal(raw.Body, &chat); err == nil && chat.Choices[0].Message.Content != "" {
		return &Completion{
			Text:  chat.Choices[0].Message.Content,
			Model: chat.Model,
			Usage: fromOpenAIUsage(chat.Usage),
		}, nil
	}
	var text openai.CompletionResponse
	if err := json.Unmarshal(raw.Body, &text); err != nil {
		return nil, eris.Wrapf(err, "inference: %s: decode completion", p.name)
	}
	out := &Completion{Text: text.Choices[0].Text, Model: text.Model}
	if text.Usage != nil {
		out.Usage = fromOpenAIUsage(*text.Usage)
	}
	return out, nil
}

func fromOpenAIUsage(u openai.Usage) model.Usage {
	out := model.Usage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens}
	if u.PromptTokensDetails != nil {
		out.CacheReadTokens = u.PromptTokensDetails.CachedTokens
	}
	return out
}

// detectErrorEnvelope recognises {"error": {"code": ..., "message": ...}}
// bodies that some gateways return with status 200.
func detectErrorEnvelope(body []byte) *EnvelopeError {
	var env struct {
		Error *struct {
			Code    json.RawMessage `json:"code"`
			Message string          `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil || env.Error == nil {
		return nil
	}
	out := &EnvelopeError{Message: env.Error.Message}
	_ = json.Unmarshal(env.Error.Code, &out.Code)
	return out
}

// paramOverrides lists the body fields set explicitly, extra params last.
func paramOverrides(p Params) map[string]any {
	out := make(map[string]any, len(p.Extra)+2)
	if p.Temperature != nil {
		out["temperature"] = *p.Temperature
	}
	if p.TopP != nil {
		out["top_p"] = *p.TopP
	}
	for k, v := range p.Extra {
		out[k] = v
	}
	return out
}

// capturingDoer sends go-openai requests, keeps the unmodified response
// body and restores it for go-openai to decode.
type capturingDoer struct {
	base      *http.Client
	headers   map[string]string
	overrides map[string]any

	mu   sync.Mutex
	last *RawResponse
}

func (d *capturingDoer) Do(req *http.Request) (*http.Response, error) {
	for k, v := range d.headers {
		req.Header.Set(k, v)
	}
	if len(d.overrides) > 0 && req.Body != nil {
		if err := mergeBody(req, d.overrides); err != nil {
			return nil, err
		}
	}

	resp, err := d.base.Do(req)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	d.mu.Lock()
	d.last = &RawResponse{StatusCode: resp.StatusCode, Header: resp.Header.Clone(), Body: body}
	d.mu.Unlock()
	return resp, nil
}

func (d *capturingDoer) response() *RawResponse {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

func mergeBody(req *http.Request, overrides map[string]any) error {
	data, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return err
	}
	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		return err
	}
	for k, v := range overrides {
		body[k] = v
	}
	merged, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req.Body = io.NopCloser(bytes.NewReader(merged))
	req.ContentLength = int64(len(merged))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(merged)), nil
	}
	return nil
}
