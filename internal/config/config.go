package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all trustgate configuration.
type Config struct {
	Name string `yaml:"name"`

	// Event source connection
	Listener ListenerConfig `yaml:"listener"`

	// Availability routing
	Router RouterConfig `yaml:"router"`

	// Category taxonomy selection
	Classifier ClassifierConfig `yaml:"classifier"`

	// Trust level state machine
	Trust TrustConfig `yaml:"trust"`

	// Per-category circuit breaker
	Breaker BreakerConfig `yaml:"breaker"`

	// Trust level -> action mapping
	Policy PolicyConfig `yaml:"policy"`

	// CBR prediction and ICRL fallback
	Prediction PredictionConfig `yaml:"prediction"`

	// Embedding engine for CBR retrieval
	Embedding EmbeddingConfig `yaml:"embedding"`

	// LLM used for ICRL disambiguation
	LLM LLMConfig `yaml:"llm"`

	// SQLite persistence
	Store StoreConfig `yaml:"store"`

	// Seen-id set for at-most-once processing
	Dedup DedupConfig `yaml:"dedup"`

	// Response submission and status notifications
	Submission SubmissionConfig `yaml:"submission"`

	// Responder worker settings
	Responder ResponderConfig `yaml:"responder"`

	// Ratification HTTP API
	API APIConfig `yaml:"api"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ListenerConfig configures the event connection.
type ListenerConfig struct {
	URL             string   `yaml:"url"`
	Token           string   `yaml:"token"`
	EventTypes      []string `yaml:"event_types"`
	InitialBackoff  string   `yaml:"initial_backoff"`
	MaxBackoff      string   `yaml:"max_backoff"`
	MaxAttempts     int      `yaml:"max_attempts"` // 0 = retry forever
	ShutdownTimeout string   `yaml:"shutdown_timeout"`
}

// RouterConfig configures active hours. StartHour > EndHour wraps midnight.
type RouterConfig struct {
	StartHour     int    `yaml:"start_hour"`
	EndHour       int    `yaml:"end_hour"`
	Timezone      string `yaml:"timezone"`
	UserConnected bool   `yaml:"user_connected"`
}

// ClassifierConfig selects the taxonomy variant.
type ClassifierConfig struct {
	Taxonomy     string `yaml:"taxonomy"` // engineering, devops, general, file
	TaxonomyFile string `yaml:"taxonomy_file"`
}

// TrustConfig configures promotion, rejection, and decay.
type TrustConfig struct {
	PromotionStreak   int    `yaml:"promotion_streak"`
	PromotionInterval string `yaml:"promotion_interval"`
	RejectionMode     string `yaml:"rejection_mode"` // reset, step_down
	DecayAfter        string `yaml:"decay_after"`
	DecayInterval     string `yaml:"decay_interval"` // periodic decay pass
}

// BreakerConfig configures the per-category circuit breaker.
type BreakerConfig struct {
	FailureThreshold   int     `yaml:"failure_threshold"`
	FailureWindow      string  `yaml:"failure_window"`
	Cooldown           string  `yaml:"cooldown"`
	MaxCooldown        string  `yaml:"max_cooldown"`
	CooldownMultiplier float64 `yaml:"cooldown_multiplier"`
}

// PolicyConfig maps effective trust levels to actions.
type PolicyConfig struct {
	ShadowMaxLevel      int     `yaml:"shadow_max_level"`
	SuggestMaxLevel     int     `yaml:"suggest_max_level"`
	ActMinLevel         int     `yaml:"act_min_level"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
}

// PredictionConfig configures the CBR engine.
type PredictionConfig struct {
	TopK                    int     `yaml:"top_k"`
	SimilarityThreshold     float64 `yaml:"similarity_threshold"`
	ConfidenceThreshold     float64 `yaml:"confidence_threshold"`
	RecencyHalfLife         string  `yaml:"recency_half_life"`
	ColdStartConfidence     float64 `yaml:"cold_start_confidence"`
	EnableICRL              bool    `yaml:"enable_icrl"`
	ICRLConfidence          float64 `yaml:"icrl_confidence"`
	ICRLAmbiguousConfidence float64 `yaml:"icrl_ambiguous_confidence"`
	Timeout                 string  `yaml:"timeout"`
}

// EmbeddingConfig configures the embedding engine.
type EmbeddingConfig struct {
	Provider       string `yaml:"provider"` // hash, ollama, genai
	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`
	GenAIAPIKey    string `yaml:"genai_api_key"`
	GenAIModel     string `yaml:"genai_model"`
	TaskType       string `yaml:"task_type"`
	Dimensions     int    `yaml:"dimensions"` // hash engine only
}

// LLMConfig configures the ICRL LLM.
type LLMConfig struct {
	Provider string `yaml:"provider"` // none, genai, ollama
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`
}

// StoreConfig configures SQLite persistence.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// DedupConfig configures the seen-id set.
type DedupConfig struct {
	Backend       string `yaml:"backend"` // memory, redis
	TTL           string `yaml:"ttl"`
	Capacity      int    `yaml:"capacity"`
	RedisAddress  string `yaml:"redis_address"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	KeyPrefix     string `yaml:"key_prefix"`
}

// SubmissionConfig configures the response endpoint client.
type SubmissionConfig struct {
	BaseURL    string   `yaml:"base_url"`
	Token      string   `yaml:"token"`
	Timeout    string   `yaml:"timeout"`
	TargetUser string   `yaml:"target_user"`
	NotifyOn   []string `yaml:"notify_on"` // actions that trigger a status notification
}

// ResponderConfig configures concurrent processing.
type ResponderConfig struct {
	MaxConcurrency int `yaml:"max_concurrency"`
}

// APIConfig configures the ratification API.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level"`  // debug, info, warn, error
	Format     string          `yaml:"format"` // json, console
	File       string          `yaml:"file"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name: "trustgate",

		Listener: ListenerConfig{
			URL:             "ws://localhost:8090/events",
			EventTypes:      []string{"decision_request"},
			InitialBackoff:  "1s",
			MaxBackoff:      "60s",
			MaxAttempts:     0,
			ShutdownTimeout: "5s",
		},

		Router: RouterConfig{
			StartHour:     9,
			EndHour:       22,
			Timezone:      "UTC",
			UserConnected: true,
		},

		Classifier: ClassifierConfig{
			Taxonomy: "engineering",
		},

		Trust: TrustConfig{
			PromotionStreak:   5,
			PromotionInterval: "24h",
			RejectionMode:     RejectionReset,
			DecayAfter:        "168h",
			DecayInterval:     "1h",
		},

		Breaker: BreakerConfig{
			FailureThreshold:   3,
			FailureWindow:      "1h",
			Cooldown:           "5m",
			MaxCooldown:        "2h",
			CooldownMultiplier: 2,
		},

		Policy: PolicyConfig{
			ShadowMaxLevel:      1,
			SuggestMaxLevel:     2,
			ActMinLevel:         3,
			ConfidenceThreshold: 0.75,
		},

		Prediction: PredictionConfig{
			TopK:                    10,
			SimilarityThreshold:     0.6,
			ConfidenceThreshold:     0.75,
			RecencyHalfLife:         "720h",
			ColdStartConfidence:     0.1,
			EnableICRL:              true,
			ICRLConfidence:          0.7,
			ICRLAmbiguousConfidence: 0.3,
			Timeout:                 "10s",
		},

		Embedding: EmbeddingConfig{
			Provider:       "hash",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
			TaskType:       "SEMANTIC_SIMILARITY",
			Dimensions:     256,
		},

		LLM: LLMConfig{
			Provider: "none",
			Model:    "gemini-2.5-flash",
			BaseURL:  "http://localhost:11434",
			Timeout:  "30s",
		},

		Store: StoreConfig{
			DatabasePath: "data/trustgate.db",
		},

		Dedup: DedupConfig{
			Backend:      "memory",
			TTL:          "24h",
			Capacity:     10000,
			RedisAddress: "localhost:6379",
			KeyPrefix:    "trustgate:seen:",
		},

		Submission: SubmissionConfig{
			BaseURL:  "http://localhost:8091",
			Timeout:  "10s",
			NotifyOn: []string{"suggest", "defer"},
		},

		Responder: ResponderConfig{
			MaxConcurrency: 8,
		},

		API: APIConfig{
			Enabled: true,
			Address: "127.0.0.1:8092",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("TRUSTGATE_LISTENER_URL"); v != "" {
		c.Listener.URL = v
	}
	if v := os.Getenv("TRUSTGATE_LISTENER_TOKEN"); v != "" {
		c.Listener.Token = v
	}
	if v := os.Getenv("TRUSTGATE_SUBMIT_URL"); v != "" {
		c.Submission.BaseURL = v
	}
	if v := os.Getenv("TRUSTGATE_SUBMIT_TOKEN"); v != "" {
		c.Submission.Token = v
	}
	if v := os.Getenv("TRUSTGATE_DB"); v != "" {
		c.Store.DatabasePath = v
	}
	if v := os.Getenv("TRUSTGATE_REDIS_ADDR"); v != "" {
		c.Dedup.RedisAddress = v
	}

	// One Gemini key serves both the ICRL LLM and GenAI embeddings.
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		if c.LLM.APIKey == "" {
			c.LLM.APIKey = key
		}
		if c.Embedding.GenAIAPIKey == "" {
			c.Embedding.GenAIAPIKey = key
		}
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetInitialBackoff returns the first reconnect delay.
func (c *Config) GetInitialBackoff() time.Duration {
	return parseDuration(c.Listener.InitialBackoff, time.Second)
}

// GetMaxBackoff returns the reconnect delay ceiling.
func (c *Config) GetMaxBackoff() time.Duration {
	return parseDuration(c.Listener.MaxBackoff, time.Minute)
}

// GetShutdownTimeout bounds how long Stop waits for the listener.
func (c *Config) GetShutdownTimeout() time.Duration {
	return parseDuration(c.Listener.ShutdownTimeout, 5*time.Second)
}

// GetPromotionInterval returns the minimum spacing between promotions.
func (c *Config) GetPromotionInterval() time.Duration {
	return parseDuration(c.Trust.PromotionInterval, 24*time.Hour)
}

// GetDecayAfter returns the inactivity window after which trust decays.
func (c *Config) GetDecayAfter() time.Duration {
	return parseDuration(c.Trust.DecayAfter, 7*24*time.Hour)
}

// GetDecayInterval returns the period of the background decay pass.
func (c *Config) GetDecayInterval() time.Duration {
	return parseDuration(c.Trust.DecayInterval, time.Hour)
}

// GetFailureWindow returns the breaker's sliding failure window.
func (c *Config) GetFailureWindow() time.Duration {
	return parseDuration(c.Breaker.FailureWindow, time.Hour)
}

// GetCooldown returns the base breaker cooldown.
func (c *Config) GetCooldown() time.Duration {
	return parseDuration(c.Breaker.Cooldown, 5*time.Minute)
}

// GetMaxCooldown returns the breaker cooldown ceiling.
func (c *Config) GetMaxCooldown() time.Duration {
	return parseDuration(c.Breaker.MaxCooldown, 2*time.Hour)
}

// GetRecencyHalfLife returns the age at which a case's vote weight halves.
func (c *Config) GetRecencyHalfLife() time.Duration {
	return parseDuration(c.Prediction.RecencyHalfLife, 30*24*time.Hour)
}

// GetPredictionTimeout bounds retrieval plus ICRL.
func (c *Config) GetPredictionTimeout() time.Duration {
	return parseDuration(c.Prediction.Timeout, 10*time.Second)
}

// GetLLMTimeout returns the per-call LLM timeout.
func (c *Config) GetLLMTimeout() time.Duration {
	return parseDuration(c.LLM.Timeout, 30*time.Second)
}

// GetDedupTTL returns how long a seen id is remembered.
func (c *Config) GetDedupTTL() time.Duration {
	return parseDuration(c.Dedup.TTL, 24*time.Hour)
}

// GetSubmissionTimeout returns the HTTP timeout for submissions.
func (c *Config) GetSubmissionTimeout() time.Duration {
	return parseDuration(c.Submission.Timeout, 10*time.Second)
}

// Location resolves the router timezone. Validate guarantees it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Router.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
