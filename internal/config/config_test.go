package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Router, cfg.Router)
}

func TestLoadOverlaysYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trustgate.yaml")
	content := `
router:
  start_hour: 22
  end_hour: 6
  timezone: Europe/Berlin
trust:
  rejection_mode: step_down
policy:
  confidence_threshold: 0.9
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 22, cfg.Router.StartHour)
	assert.Equal(t, 6, cfg.Router.EndHour)
	assert.Equal(t, RejectionStepDown, cfg.Trust.RejectionMode)
	assert.Equal(t, 0.9, cfg.Policy.ConfidenceThreshold)
	// Untouched sections keep defaults.
	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, "Europe/Berlin", cfg.Location().String())
	require.NoError(t, cfg.Validate())
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("router: [unterminated"), 0644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateFailsFast(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad timezone", func(c *Config) { c.Router.Timezone = "Mars/Olympus" }, "router.timezone"},
		{"hour out of range", func(c *Config) { c.Router.EndHour = 24 }, "router.end_hour"},
		{"threshold above one", func(c *Config) { c.Policy.ConfidenceThreshold = 1.5 }, "policy.confidence_threshold"},
		{"negative similarity", func(c *Config) { c.Prediction.SimilarityThreshold = -0.1 }, "prediction.similarity_threshold"},
		{"shadow disabled", func(c *Config) { c.Policy.ShadowMaxLevel = 0 }, "policy.shadow_max_level"},
		{"shadow negative", func(c *Config) { c.Policy.ShadowMaxLevel = -1 }, "policy.shadow_max_level"},
		{"act below suggest", func(c *Config) { c.Policy.ActMinLevel = 2 }, "policy.act_min_level"},
		{"unknown rejection mode", func(c *Config) { c.Trust.RejectionMode = "forgive" }, "trust.rejection_mode"},
		{"bad duration", func(c *Config) { c.Breaker.Cooldown = "soon" }, "breaker.cooldown"},
		{"zero breaker threshold", func(c *Config) { c.Breaker.FailureThreshold = 0 }, "breaker.failure_threshold"},
		{"file taxonomy without file", func(c *Config) { c.Classifier.Taxonomy = "file" }, "classifier.taxonomy_file"},
		{"genai without key", func(c *Config) { c.LLM.Provider = "genai"; c.LLM.APIKey = "" }, "llm.api_key"},
		{"backoff inverted", func(c *Config) { c.Listener.InitialBackoff = "2m"; c.Listener.MaxBackoff = "1m" }, "listener.max_backoff"},
		{"unknown notify action", func(c *Config) { c.Submission.NotifyOn = []string{"shout"} }, "submission.notify_on"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("GEMINI_API_KEY", "")
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Run("listener and submission", func(t *testing.T) {
		t.Setenv("TRUSTGATE_LISTENER_TOKEN", "tok")
		t.Setenv("TRUSTGATE_SUBMIT_URL", "http://submit")
		t.Setenv("TRUSTGATE_DB", "/tmp/x.db")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "tok", cfg.Listener.Token)
		assert.Equal(t, "http://submit", cfg.Submission.BaseURL)
		assert.Equal(t, "/tmp/x.db", cfg.Store.DatabasePath)
	})

	t.Run("GEMINI_API_KEY fills empty keys only", func(t *testing.T) {
		t.Setenv("GEMINI_API_KEY", "gem")

		cfg := DefaultConfig()
		cfg.LLM.APIKey = "explicit"
		cfg.applyEnvOverrides()

		assert.Equal(t, "explicit", cfg.LLM.APIKey)
		assert.Equal(t, "gem", cfg.Embedding.GenAIAPIKey)
	})
}

func TestDurationAccessorsFallBack(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, time.Second, cfg.GetInitialBackoff())
	assert.Equal(t, 10*time.Second, cfg.GetPredictionTimeout())
	assert.Equal(t, 24*time.Hour, cfg.GetDedupTTL())
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "trustgate.yaml")
	cfg := DefaultConfig()
	cfg.Router.StartHour = 7
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.Router.StartHour)
}

func TestWatcherReloadsValidChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trustgate.yaml")
	require.NoError(t, DefaultConfig().Save(path))

	w, err := NewWatcher(path)
	require.NoError(t, err)
	w.debounceDur = 20 * time.Millisecond

	changes := make(chan *Config, 4)
	w.OnChange(func(c *Config) { changes <- c })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	// An invalid edit is ignored.
	require.NoError(t, os.WriteFile(path, []byte("router:\n  end_hour: 99\n"), 0644))
	select {
	case <-changes:
		t.Fatal("invalid config must not be delivered")
	case <-time.After(200 * time.Millisecond):
	}

	cfg := DefaultConfig()
	cfg.Router.StartHour = 6
	require.NoError(t, cfg.Save(path))

	select {
	case got := <-changes:
		assert.Equal(t, 6, got.Router.StartHour)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}
