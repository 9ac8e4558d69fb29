package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/disambench/internal/cost"
)

// Config holds the full application configuration.
type Config struct {
	Inputs    InputsConfig              `yaml:"inputs" mapstructure:"inputs"`
	Sampling  SamplingConfig            `yaml:"sampling" mapstructure:"sampling"`
	Prompt    PromptConfig              `yaml:"prompt" mapstructure:"prompt"`
	Inference InferenceConfig           `yaml:"inference" mapstructure:"inference"`
	Providers map[string]ProviderConfig `yaml:"providers" mapstructure:"providers"`
	Outputs   OutputsConfig             `yaml:"outputs" mapstructure:"outputs"`
	Decision  DecisionConfig            `yaml:"decision" mapstructure:"decision"`
	Enrich    EnrichConfig              `yaml:"enrich" mapstructure:"enrich"`
	Store     StoreConfig               `yaml:"store" mapstructure:"store"`
	Pricing   cost.Rates                `yaml:"pricing" mapstructure:"pricing"`
	Log       LogConfig                 `yaml:"log" mapstructure:"log"`
}

// InputsConfig locates the benchmark inputs.
type InputsConfig struct {
	Grouped      string `yaml:"grouped" mapstructure:"grouped"`
	Disconnected string `yaml:"disconnected" mapstructure:"disconnected"`
	Manifest     string `yaml:"manifest" mapstructure:"manifest"`
	Messages     string `yaml:"messages" mapstructure:"messages"`
}

// SamplingConfig controls case sampling.
type SamplingConfig struct {
	Seed       int64 `yaml:"seed" mapstructure:"seed"`
	Same       int   `yaml:"same" mapstructure:"same"`
	Different  int   `yaml:"different" mapstructure:"different"`
	CrossGroup bool  `yaml:"cross_group" mapstructure:"cross_group"`
}

// PromptConfig controls prompt rendering.
type PromptConfig struct {
	Style     string `yaml:"style" mapstructure:"style"`
	MaxTokens int    `yaml:"max_tokens" mapstructure:"max_tokens"`
	// Templates optionally points at a YAML file replacing the embedded
	// instruction texts.
	Templates string `yaml:"templates" mapstructure:"templates"`
}

// InferenceConfig configures model calls.
type InferenceConfig struct {
	Provider            string   `yaml:"provider" mapstructure:"provider"`
	Model               string   `yaml:"model" mapstructure:"model"`
	TimeoutSecs         int      `yaml:"timeout_seconds" mapstructure:"timeout_seconds"`
	MaxRetries          int      `yaml:"max_retries" mapstructure:"max_retries"`
	InitialBackoffMs    int      `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs        int      `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Concurrency         int      `yaml:"concurrency" mapstructure:"concurrency"`
	RequestsPerMinute   float64  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	Temperature         *float64 `yaml:"temperature" mapstructure:"temperature"`
	TopP                *float64 `yaml:"top_p" mapstructure:"top_p"`
	MaxTokens           int      `yaml:"max_tokens" mapstructure:"max_tokens"`
	CircuitThreshold    int      `yaml:"circuit_threshold" mapstructure:"circuit_threshold"`
	CircuitCooldownSecs int      `yaml:"circuit_cooldown_secs" mapstructure:"circuit_cooldown_secs"`
}

// ProviderConfig overrides provider endpoints and attribution headers.
type ProviderConfig struct {
	BaseURL           string `yaml:"base_url" mapstructure:"base_url"`
	Route             string `yaml:"route" mapstructure:"route"`
	TextGenerationURL string `yaml:"text_generation_url" mapstructure:"text_generation_url"`
	Referer           string `yaml:"referer" mapstructure:"referer"`
	Title             string `yaml:"title" mapstructure:"title"`
	CacheTTL          string `yaml:"cache_ttl" mapstructure:"cache_ttl"`
}

// OutputsConfig locates the results log and raw store.
type OutputsConfig struct {
	ResultsFile    string `yaml:"results_file" mapstructure:"results_file"`
	RawResultsPath string `yaml:"raw_results_path" mapstructure:"raw_results_path"`
	GoldFile       string `yaml:"gold_file" mapstructure:"gold_file"`
}

// DecisionConfig overrides the decision grammar term lists.
type DecisionConfig struct {
	Same      []string `yaml:"same_terms" mapstructure:"same_terms"`
	Different []string `yaml:"different_terms" mapstructure:"different_terms"`
}

// EnrichConfig configures link enrichment during prepare.
type EnrichConfig struct {
	Enabled         bool    `yaml:"enabled" mapstructure:"enabled"`
	UserAgent       string  `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs     int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries      int     `yaml:"max_retries" mapstructure:"max_retries"`
	MaxChars        int     `yaml:"max_chars" mapstructure:"max_chars"`
	MaxPagesPerCase int     `yaml:"max_pages_per_case" mapstructure:"max_pages_per_case"`
	CacheTTLHours   int     `yaml:"cache_ttl_hours" mapstructure:"cache_ttl_hours"`
	PerHostPerMin   float64 `yaml:"per_host_per_min" mapstructure:"per_host_per_min"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("DISAMBENCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("inputs.grouped", "data/grouped.json")
	v.SetDefault("inputs.disconnected", "data/disconnected.json")
	v.SetDefault("inputs.messages", "out/messages.jsonl")
	v.SetDefault("sampling.seed", 42)
	v.SetDefault("sampling.same", 50)
	v.SetDefault("sampling.different", 50)
	v.SetDefault("sampling.cross_group", false)
	v.SetDefault("prompt.style", "chat")
	v.SetDefault("prompt.max_tokens", 0)
	v.SetDefault("inference.provider", "openrouter")
	v.SetDefault("inference.timeout_seconds", 120)
	v.SetDefault("inference.max_retries", 5)
	v.SetDefault("inference.initial_backoff_ms", 2000)
	v.SetDefault("inference.max_backoff_ms", 60000)
	v.SetDefault("inference.concurrency", 4)
	v.SetDefault("inference.requests_per_minute", 20)
	v.SetDefault("inference.max_tokens", 1024)
	v.SetDefault("inference.circuit_threshold", 5)
	v.SetDefault("inference.circuit_cooldown_secs", 60)
	v.SetDefault("outputs.results_file", "out/results.jsonl")
	v.SetDefault("outputs.raw_results_path", "out/raw")
	v.SetDefault("outputs.gold_file", "out/gold.jsonl")
	v.SetDefault("enrich.enabled", false)
	v.SetDefault("enrich.timeout_secs", 20)
	v.SetDefault("enrich.max_retries", 2)
	v.SetDefault("enrich.max_chars", 4000)
	v.SetDefault("enrich.max_pages_per_case", 4)
	v.SetDefault("enrich.cache_ttl_hours", 24*30)
	v.SetDefault("enrich.per_host_per_min", 60)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "out/disambench.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Rates returns the built-in pricing with configured overrides applied.
func (c *Config) Rates() cost.Rates {
	return cost.Merge(cost.DefaultRates(), c.Pricing)
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
