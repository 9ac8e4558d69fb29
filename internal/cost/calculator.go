package cost

import "github.com/sells-group/disambench/internal/model"

// Rates holds per-provider, per-model pricing. The "default" model key of a
// provider applies to models without their own entry.
type Rates map[string]map[string]ModelRate

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// Calculator computes estimated costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Rate returns the pricing for a provider/model pair.
func (c *Calculator) Rate(provider, modelName string) (ModelRate, bool) {
	if c == nil {
		return ModelRate{}, false
	}
	models, ok := c.rates[provider]
	if !ok {
		return ModelRate{}, false
	}
	if rate, ok := models[modelName]; ok {
		return rate, true
	}
	rate, ok := models["default"]
	return rate, ok
}

// Estimate computes the cost of one call. Unknown models cost 0.
func (c *Calculator) Estimate(provider, modelName string, u model.Usage) float64 {
	rate, ok := c.Rate(provider, modelName)
	if !ok {
		return 0
	}

	inCost := (float64(u.PromptTokens) / 1e6) * rate.Input
	outCost := (float64(u.CompletionTokens) / 1e6) * rate.Output
	cwCost := (float64(u.CacheWriteTokens) / 1e6) * rate.Input * rate.CacheWriteMul
	crCost := (float64(u.CacheReadTokens) / 1e6) * rate.Input * rate.CacheReadMul

	return inCost + outCost + cwCost + crCost
}

// Merge overlays configured rates on top of base.
func Merge(base, override Rates) Rates {
	out := make(Rates, len(base)+len(override))
	for p, models := range base {
		out[p] = make(map[string]ModelRate, len(models))
		for m, r := range models {
			out[p][m] = r
		}
	}
	for p, models := range override {
		if out[p] == nil {
			out[p] = make(map[string]ModelRate, len(models))
		}
		for m, r := range models {
			out[p][m] = r
		}
	}
	return out
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		"anthropic": {
			"claude-haiku-4-5-20251001": {
				Input: 1.00, Output: 5.00, CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-sonnet-4-5-20250929": {
				Input: 3.00, Output: 15.00, CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-opus-4-6": {
				Input: 15.00, Output: 75.00, CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
		},
		"openrouter": {
			"openai/gpt-4o":                     {Input: 2.50, Output: 10.00},
			"openai/gpt-4o-mini":                {Input: 0.15, Output: 0.60},
			"meta-llama/llama-3.3-70b-instruct": {Input: 0.13, Output: 0.40},
		},
		"together": {
			"meta-llama/Llama-3.3-70B-Instruct-Turbo": {Input: 0.88, Output: 0.88},
		},
		"sambanova": {
			"Meta-Llama-3.3-70B-Instruct": {Input: 0.60, Output: 1.20},
		},
	}
}
