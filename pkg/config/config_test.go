package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "hash", cfg.Embeddings.Provider)
	assert.Equal(t, "memory", cfg.Retriever.Provider)
	assert.Equal(t, 8, cfg.Pipeline.Workers)
	assert.Equal(t, 2, cfg.Pipeline.Retries.MaxRetries)
	assert.Equal(t, 3, cfg.Pipeline.Breaker.FailureThreshold)
	assert.True(t, cfg.Pipeline.SaveRuns)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nai.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
retriever:
  top_k: 10
pipeline:
  workers: 2
  stages:
    embed:
      timeout_ms: 500
      retries:
        max_retries: 5
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Retriever.TopK)
	assert.Equal(t, 2, cfg.Pipeline.Workers)
	assert.Equal(t, "hash", cfg.Embeddings.Provider, "untouched settings keep defaults")

	assert.Equal(t, 500, cfg.StageTimeout("embed"))
	assert.Equal(t, 30000, cfg.StageTimeout("retrieve"))
	assert.Equal(t, 5, cfg.StageRetries("embed").MaxRetries)
	assert.Equal(t, 2, cfg.StageRetries("retrieve").MaxRetries)
	assert.Equal(t, 3, cfg.StageBreaker("embed").FailureThreshold)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NAI_EMBEDDING_PROVIDER", "remote")
	t.Setenv("NAI_WORKERS", "3")
	t.Setenv("NAI_LOG_LEVEL", "debug")
	t.Setenv("NAI_OTLP_INSECURE", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "remote", cfg.Embeddings.Provider)
	assert.Equal(t, 3, cfg.Pipeline.Workers)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Telemetry.Insecure)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"zero workers", func(c *Settings) { c.Pipeline.Workers = 0 }},
		{"overlap ge size", func(c *Settings) { c.Pipeline.ChunkOverlap = c.Pipeline.ChunkSize }},
		{"zero dimension", func(c *Settings) { c.Embeddings.Dimension = 0 }},
		{"zero top_k", func(c *Settings) { c.Retriever.TopK = 0 }},
		{"negative retries", func(c *Settings) { c.Pipeline.Retries.MaxRetries = -1 }},
		{"bad log level", func(c *Settings) { c.Logging.Level = "verbose" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestHashTracksChanges(t *testing.T) {
	a := Default()
	b := Default()
	require.Equal(t, a.Hash(), b.Hash())

	b.Retriever.TopK = 7
	assert.NotEqual(t, a.Hash(), b.Hash())
}
