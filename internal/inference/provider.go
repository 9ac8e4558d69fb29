// Package inference sends rendered prompts to LLM providers, persists every
// raw response and turns the answers into decisions.
package inference

import (
	"context"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/disambench/internal/model"
	"github.com/sells-group/disambench/internal/prompt"
)

// Provider names.
const (
	ProviderOpenRouter  = "openrouter"
	ProviderSambaNova   = "sambanova"
	ProviderTogether    = "together"
	ProviderHuggingFace = "huggingface"
	ProviderAnthropic   = "anthropic"
)

// credentialEnv maps each provider to the variable holding its API key.
var credentialEnv = map[string]string{
	ProviderOpenRouter:  "OPENROUTER_API_KEY",
	ProviderSambaNova:   "SAMBANOVA_API_KEY",
	ProviderTogether:    "TOGETHER_API_KEY",
	ProviderHuggingFace: "HUGGINGFACE_API_KEY",
	ProviderAnthropic:   "ANTHROPIC_API_KEY",
}

// ProviderNames returns the supported providers, sorted.
func ProviderNames() []string {
	names := make([]string, 0, len(credentialEnv))
	for n := range credentialEnv {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// KnownProvider reports whether name is a supported provider.
func KnownProvider(name string) bool {
	_, ok := credentialEnv[name]
	return ok
}

// CredentialEnv returns the environment variable read for a provider.
func CredentialEnv(provider string) string {
	return credentialEnv[provider]
}

// Credentials hold the secret used to authenticate against a provider.
// They live in memory only.
type Credentials struct {
	APIKey string
}

// LoadCredentials reads the provider key from the environment.
func LoadCredentials(provider string) (Credentials, error) {
	return loadCredentials(provider, os.Getenv)
}

func loadCredentials(provider string, getenv func(string) string) (Credentials, error) {
	env, ok := credentialEnv[provider]
	if !ok {
		return Credentials{}, &AuthConfigError{Provider: provider, Reason: "unknown provider"}
	}
	key := strings.TrimSpace(getenv(env))
	if key == "" {
		return Credentials{}, &AuthConfigError{Provider: provider, EnvVar: env, Reason: "not set"}
	}
	return Credentials{APIKey: key}, nil
}

// Params are sampling parameters forwarded verbatim to the provider. Nil
// pointers and a zero MaxTokens leave the provider default in place.
type Params struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   int
	Extra       map[string]any
}

// Request is a provider-specific call, ready to send.
type Request struct {
	Model   string
	Style   string
	Payload any
}

// RawResponse is the unmodified answer of one HTTP exchange.
type RawResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Latency    time.Duration
}

// RequestID returns the provider request id header, if any.
func (r *RawResponse) RequestID() string {
	if r == nil || r.Header == nil {
		return ""
	}
	for _, h := range []string{"X-Request-Id", "Request-Id", "X-Amzn-Requestid", "Cf-Ray"} {
		if v := r.Header.Get(h); v != "" {
			return v
		}
	}
	return ""
}

// Completion is the text extracted from a successful response.
type Completion struct {
	Text  string
	Model string
	Usage model.Usage
}

// Provider is one LLM API variant.
//
// SendRequest returns an error only when no HTTP response was received;
// non-2xx answers come back as a RawResponse for the caller to classify.
// ParseResponse returns an *EnvelopeError when a 2xx body reports an error.
type Provider interface {
	Name() string
	Authenticate(creds Credentials) error
	FormatRequest(seq model.MessageSequence, modelName string, p Params) (*Request, error)
	SendRequest(ctx context.Context, req *Request) (*RawResponse, error)
	ParseResponse(raw *RawResponse) (*Completion, error)
}

// ProviderConfig holds per-provider endpoint settings.
type ProviderConfig struct {
	// BaseURL overrides the provider API root.
	BaseURL string
	// Route is the Hugging Face router sub-provider ("hf-inference", "novita", ...).
	Route string
	// TextGenerationURL is the Hugging Face text-generation API root used
	// for completion-style prompts.
	TextGenerationURL string
	// Referer and Title are sent to OpenRouter for attribution.
	Referer string
	Title   string
	// CacheTTL marks the Anthropic system prompt as a cache breakpoint.
	CacheTTL string
	// HTTPClient replaces the default transport.
	HTTPClient *http.Client
}

// NewProvider builds the named provider variant.
func NewProvider(name string, cfg ProviderConfig) (Provider, error) {
	switch name {
	case ProviderOpenRouter:
		return newOpenRouter(cfg), nil
	case ProviderSambaNova:
		return newSambaNova(cfg), nil
	case ProviderTogether:
		return newTogether(cfg), nil
	case ProviderHuggingFace:
		return newHuggingFace(cfg), nil
	case ProviderAnthropic:
		return newAnthropic(cfg), nil
	default:
		return nil, eris.Errorf("inference: unknown provider %q (want one of %s)", name, strings.Join(ProviderNames(), ", "))
	}
}

// defaultHTTPClient matches the pooled client used for every provider.
func defaultHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 20,
		},
	}
}

func httpClientOr(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return defaultHTTPClient()
}

// isCompletion reports whether a sequence was rendered as one flattened block.
func isCompletion(seq model.MessageSequence) bool {
	return seq.Style == string(prompt.StyleCompletion)
}

// flatPrompt returns the single text block of a completion-style sequence.
func flatPrompt(seq model.MessageSequence) string {
	var b strings.Builder
	for i, m := range seq.Messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(m.Content)
	}
	return b.String()
}

func validateSequence(seq model.MessageSequence, modelName string) error {
	if strings.TrimSpace(modelName) == "" {
		return eris.Errorf("inference: case %s: model is required", seq.CaseID)
	}
	if len(seq.Messages) == 0 {
		return eris.Errorf("inference: case %s: empty message sequence", seq.CaseID)
	}
	return nil
}

func requireKey(provider string, creds Credentials) error {
	if strings.TrimSpace(creds.APIKey) == "" {
		return &AuthConfigError{Provider: provider, EnvVar: credentialEnv[provider], Reason: "empty key"}
	}
	return nil
}
