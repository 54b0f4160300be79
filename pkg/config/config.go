// Package config provides the layered settings for the pipeline engine.
// Precedence, lowest to highest: built-in defaults, settings file,
// environment variables, explicit overrides. Settings are resolved once
// before graph build and never mutated during execution.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Settings holds the full engine configuration.
type Settings struct {
	Embeddings EmbeddingSettings `yaml:"embeddings"`
	Retriever  RetrieverSettings `yaml:"retriever"`
	Generator  GeneratorSettings `yaml:"generator"`
	Eval       EvalSettings      `yaml:"eval"`
	Pipeline   PipelineSettings  `yaml:"pipeline"`
	Telemetry  TelemetrySettings `yaml:"telemetry"`
	Logging    LoggingSettings   `yaml:"logging"`
}

// EmbeddingSettings configures the embedder stage.
type EmbeddingSettings struct {
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	Dimension int    `yaml:"dimension"`
	BatchSize int    `yaml:"batch_size"`
}

// RetrieverSettings configures the retriever stage and its vector store.
type RetrieverSettings struct {
	Provider   string `yaml:"provider"`
	Collection string `yaml:"collection"`
	TopK       int    `yaml:"top_k"`
}

// GeneratorSettings configures the generator stage.
type GeneratorSettings struct {
	Provider     string  `yaml:"provider"`
	Model        string  `yaml:"model"`
	SystemPrompt string  `yaml:"system_prompt"`
	Temperature  float64 `yaml:"temperature"`
	MaxTokens    int     `yaml:"max_tokens"`
}

// EvalSettings configures the evaluator stage.
type EvalSettings struct {
	Metric    string  `yaml:"metric"`
	Threshold float64 `yaml:"threshold"`
}

// PipelineSettings configures execution behavior.
type PipelineSettings struct {
	ChunkSize    int    `yaml:"chunk_size"`
	ChunkOverlap int    `yaml:"chunk_overlap"`
	Workers      int    `yaml:"workers"`
	RunDir       string `yaml:"run_dir"`
	SaveRuns     bool   `yaml:"save_runs"`
	Trace        bool   `yaml:"trace"`

	// Defaults applied to every stage unless overridden per stage.
	TimeoutMS int             `yaml:"timeout_ms"`
	Retries   RetrySettings   `yaml:"retries"`
	Breaker   BreakerSettings `yaml:"circuit_breaker"`

	// Stages holds per-stage governance overrides keyed by stage name.
	Stages map[string]StageOverride `yaml:"stages,omitempty"`
}

// RetrySettings mirrors the governance retry knobs.
type RetrySettings struct {
	MaxRetries int `yaml:"max_retries"`
	BaseMS     int `yaml:"base_ms"`
	MaxMS      int `yaml:"max_ms"`
}

// BreakerSettings mirrors the governance circuit breaker knobs.
type BreakerSettings struct {
	FailureThreshold int `yaml:"failure_threshold"`
	CooldownS        int `yaml:"cooldown_s"`
	WindowS          int `yaml:"window_s"`
}

// StageOverride carries per-stage governance overrides. Zero values fall
// back to the pipeline defaults.
type StageOverride struct {
	TimeoutMS int              `yaml:"timeout_ms,omitempty"`
	Retries   *RetrySettings   `yaml:"retries,omitempty"`
	Breaker   *BreakerSettings `yaml:"circuit_breaker,omitempty"`
}

// TelemetrySettings configures OpenTelemetry export.
type TelemetrySettings struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	ServiceName  string `yaml:"service_name"`
}

// LoggingSettings configures structured logging.
type LoggingSettings struct {
	Level string `yaml:"level"`
}

// Default returns the built-in defaults.
func Default() *Settings {
	return &Settings{
		Embeddings: EmbeddingSettings{
			Provider:  "hash",
			Model:     "hash-256",
			Dimension: 256,
			BatchSize: 100,
		},
		Retriever: RetrieverSettings{
			Provider:   "memory",
			Collection: "nai_docs",
			TopK:       5,
		},
		Generator: GeneratorSettings{
			Provider:     "extractive",
			Model:        "extractive-v1",
			SystemPrompt: "You are a helpful AI assistant.",
			Temperature:  0.7,
			MaxTokens:    1000,
		},
		Eval: EvalSettings{
			Metric:    "overlap",
			Threshold: 0.7,
		},
		Pipeline: PipelineSettings{
			ChunkSize:    400,
			ChunkOverlap: 50,
			Workers:      8,
			RunDir:       ".nai/runs",
			SaveRuns:     true,
			TimeoutMS:    30000,
			Retries: RetrySettings{
				MaxRetries: 2,
				BaseMS:     100,
				MaxMS:      5000,
			},
			Breaker: BreakerSettings{
				FailureThreshold: 3,
				CooldownS:        60,
				WindowS:          60,
			},
		},
		Telemetry: TelemetrySettings{
			ServiceName: "nai-engine",
		},
		Logging: LoggingSettings{
			Level: "info",
		},
	}
}

// Load reads the settings file (when path is non-empty), applies environment
// overrides, and validates the result.
func Load(path string) (*Settings, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Settings file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read settings file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse settings file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("settings validation failed: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Settings) {
	if val := os.Getenv("NAI_EMBEDDING_PROVIDER"); val != "" {
		cfg.Embeddings.Provider = val
	}
	if val := os.Getenv("NAI_RETRIEVER_PROVIDER"); val != "" {
		cfg.Retriever.Provider = val
	}
	if val := os.Getenv("NAI_GENERATOR_PROVIDER"); val != "" {
		cfg.Generator.Provider = val
	}
	if val := os.Getenv("NAI_EVAL_METRIC"); val != "" {
		cfg.Eval.Metric = val
	}
	if val := os.Getenv("NAI_RUN_DIR"); val != "" {
		cfg.Pipeline.RunDir = val
	}
	if val := os.Getenv("NAI_WORKERS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			cfg.Pipeline.Workers = n
		}
	}
	if val := os.Getenv("NAI_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("NAI_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}
	if val := os.Getenv("NAI_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
}

// Validate rejects settings the engine cannot run with.
func (cfg *Settings) Validate() error {
	if cfg.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be positive, got %d", cfg.Pipeline.Workers)
	}
	if cfg.Pipeline.ChunkSize <= 0 {
		return fmt.Errorf("pipeline.chunk_size must be positive, got %d", cfg.Pipeline.ChunkSize)
	}
	if cfg.Pipeline.ChunkOverlap < 0 || cfg.Pipeline.ChunkOverlap >= cfg.Pipeline.ChunkSize {
		return fmt.Errorf("pipeline.chunk_overlap must be in [0, chunk_size), got %d", cfg.Pipeline.ChunkOverlap)
	}
	if cfg.Embeddings.Dimension <= 0 {
		return fmt.Errorf("embeddings.dimension must be positive, got %d", cfg.Embeddings.Dimension)
	}
	if cfg.Retriever.TopK <= 0 {
		return fmt.Errorf("retriever.top_k must be positive, got %d", cfg.Retriever.TopK)
	}
	if cfg.Pipeline.Retries.MaxRetries < 0 {
		return fmt.Errorf("pipeline.retries.max_retries must not be negative, got %d", cfg.Pipeline.Retries.MaxRetries)
	}
	switch cfg.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", cfg.Logging.Level)
	}
	return nil
}

// Hash returns the hex SHA-256 of the resolved settings. Every RunRecord
// carries it so a run can be replayed against the exact configuration that
// produced it.
func (cfg *Settings) Hash() string {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "unhashable"
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// StageTimeout resolves the effective timeout for a stage.
func (cfg *Settings) StageTimeout(stage string) int {
	if o, ok := cfg.Pipeline.Stages[stage]; ok && o.TimeoutMS > 0 {
		return o.TimeoutMS
	}
	return cfg.Pipeline.TimeoutMS
}

// StageRetries resolves the effective retry settings for a stage.
func (cfg *Settings) StageRetries(stage string) RetrySettings {
	if o, ok := cfg.Pipeline.Stages[stage]; ok && o.Retries != nil {
		return *o.Retries
	}
	return cfg.Pipeline.Retries
}

// StageBreaker resolves the effective breaker settings for a stage.
func (cfg *Settings) StageBreaker(stage string) BreakerSettings {
	if o, ok := cfg.Pipeline.Stages[stage]; ok && o.Breaker != nil {
		return *o.Breaker
	}
	return cfg.Pipeline.Breaker
}
