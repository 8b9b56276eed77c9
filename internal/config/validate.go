package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Rejection modes for TrustConfig.RejectionMode.
const (
	RejectionReset    = "reset"
	RejectionStepDown = "step_down"
)

var (
	validTaxonomies         = []string{"engineering", "devops", "general", "file"}
	validEmbeddingProviders = []string{"hash", "ollama", "genai"}
	validLLMProviders       = []string{"none", "genai", "ollama"}
	validDedupBackends      = []string{"memory", "redis"}
	validNotifyActions      = []string{"shadow", "suggest", "act", "defer"}
)

// Validate checks the configuration and reports every problem at once.
// Configuration errors are fatal at startup; nothing here degrades silently.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	// Router
	if c.Router.StartHour < 0 || c.Router.StartHour > 23 {
		add("router.start_hour must be in [0,23], got %d", c.Router.StartHour)
	}
	if c.Router.EndHour < 0 || c.Router.EndHour > 23 {
		add("router.end_hour must be in [0,23], got %d", c.Router.EndHour)
	}
	if _, err := time.LoadLocation(c.Router.Timezone); err != nil {
		add("router.timezone %q is invalid: %v", c.Router.Timezone, err)
	}

	// Classifier
	if !oneOf(c.Classifier.Taxonomy, validTaxonomies) {
		add("classifier.taxonomy %q invalid (valid: %v)", c.Classifier.Taxonomy, validTaxonomies)
	}
	if c.Classifier.Taxonomy == "file" && c.Classifier.TaxonomyFile == "" {
		add("classifier.taxonomy_file is required when taxonomy is 'file'")
	}

	// Trust
	if c.Trust.PromotionStreak < 1 {
		add("trust.promotion_streak must be >= 1, got %d", c.Trust.PromotionStreak)
	}
	if c.Trust.RejectionMode != RejectionReset && c.Trust.RejectionMode != RejectionStepDown {
		add("trust.rejection_mode %q invalid (valid: %s, %s)", c.Trust.RejectionMode, RejectionReset, RejectionStepDown)
	}
	checkDuration(&errs, "trust.promotion_interval", c.Trust.PromotionInterval)
	checkDuration(&errs, "trust.decay_after", c.Trust.DecayAfter)
	checkDuration(&errs, "trust.decay_interval", c.Trust.DecayInterval)

	// Breaker
	if c.Breaker.FailureThreshold < 1 {
		add("breaker.failure_threshold must be >= 1, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.CooldownMultiplier < 1 {
		add("breaker.cooldown_multiplier must be >= 1, got %v", c.Breaker.CooldownMultiplier)
	}
	checkDuration(&errs, "breaker.failure_window", c.Breaker.FailureWindow)
	checkDuration(&errs, "breaker.cooldown", c.Breaker.Cooldown)
	checkDuration(&errs, "breaker.max_cooldown", c.Breaker.MaxCooldown)
	if c.GetMaxCooldown() < c.GetCooldown() {
		add("breaker.max_cooldown (%s) must be >= breaker.cooldown (%s)", c.Breaker.MaxCooldown, c.Breaker.Cooldown)
	}

	// Policy
	p := c.Policy
	// Level 1 is always shadow mode; only the upper boundaries are tunable.
	if p.ShadowMaxLevel < 1 || p.ShadowMaxLevel > 5 {
		add("policy.shadow_max_level must be in [1,5], got %d", p.ShadowMaxLevel)
	}
	if p.SuggestMaxLevel < p.ShadowMaxLevel {
		add("policy.suggest_max_level (%d) must be >= policy.shadow_max_level (%d)", p.SuggestMaxLevel, p.ShadowMaxLevel)
	}
	if p.ActMinLevel <= p.SuggestMaxLevel || p.ActMinLevel > 6 {
		add("policy.act_min_level (%d) must be above policy.suggest_max_level (%d) and at most 6", p.ActMinLevel, p.SuggestMaxLevel)
	}
	checkUnit(&errs, "policy.confidence_threshold", p.ConfidenceThreshold)

	// Prediction
	pr := c.Prediction
	if pr.TopK < 1 {
		add("prediction.top_k must be >= 1, got %d", pr.TopK)
	}
	checkUnit(&errs, "prediction.similarity_threshold", pr.SimilarityThreshold)
	checkUnit(&errs, "prediction.confidence_threshold", pr.ConfidenceThreshold)
	checkUnit(&errs, "prediction.cold_start_confidence", pr.ColdStartConfidence)
	checkUnit(&errs, "prediction.icrl_confidence", pr.ICRLConfidence)
	checkUnit(&errs, "prediction.icrl_ambiguous_confidence", pr.ICRLAmbiguousConfidence)
	checkDuration(&errs, "prediction.recency_half_life", pr.RecencyHalfLife)
	checkDuration(&errs, "prediction.timeout", pr.Timeout)

	// Embedding / LLM
	if !oneOf(c.Embedding.Provider, validEmbeddingProviders) {
		add("embedding.provider %q invalid (valid: %v)", c.Embedding.Provider, validEmbeddingProviders)
	}
	if c.Embedding.Provider == "hash" && c.Embedding.Dimensions < 8 {
		add("embedding.dimensions must be >= 8 for the hash engine, got %d", c.Embedding.Dimensions)
	}
	if c.Embedding.Provider == "genai" && c.Embedding.GenAIAPIKey == "" {
		add("embedding.genai_api_key is required for the genai provider (or set GEMINI_API_KEY)")
	}
	if !oneOf(c.LLM.Provider, validLLMProviders) {
		add("llm.provider %q invalid (valid: %v)", c.LLM.Provider, validLLMProviders)
	}
	if c.LLM.Provider == "genai" && c.LLM.APIKey == "" {
		add("llm.api_key is required for the genai provider (or set GEMINI_API_KEY)")
	}
	checkDuration(&errs, "llm.timeout", c.LLM.Timeout)

	// Store / dedup
	if strings.TrimSpace(c.Store.DatabasePath) == "" {
		add("store.database_path is required")
	}
	if !oneOf(c.Dedup.Backend, validDedupBackends) {
		add("dedup.backend %q invalid (valid: %v)", c.Dedup.Backend, validDedupBackends)
	}
	if c.Dedup.Capacity < 1 {
		add("dedup.capacity must be >= 1, got %d", c.Dedup.Capacity)
	}
	checkDuration(&errs, "dedup.ttl", c.Dedup.TTL)

	// Listener
	if c.Listener.MaxAttempts < 0 {
		add("listener.max_attempts must be >= 0, got %d", c.Listener.MaxAttempts)
	}
	if len(c.Listener.EventTypes) == 0 {
		add("listener.event_types must name at least one event type")
	}
	checkDuration(&errs, "listener.initial_backoff", c.Listener.InitialBackoff)
	checkDuration(&errs, "listener.max_backoff", c.Listener.MaxBackoff)
	checkDuration(&errs, "listener.shutdown_timeout", c.Listener.ShutdownTimeout)
	if c.GetMaxBackoff() < c.GetInitialBackoff() {
		add("listener.max_backoff (%s) must be >= listener.initial_backoff (%s)", c.Listener.MaxBackoff, c.Listener.InitialBackoff)
	}

	// Submission / responder
	for _, a := range c.Submission.NotifyOn {
		if !oneOf(a, validNotifyActions) {
			add("submission.notify_on contains unknown action %q", a)
		}
	}
	checkDuration(&errs, "submission.timeout", c.Submission.Timeout)
	if c.Responder.MaxConcurrency < 1 {
		add("responder.max_concurrency must be >= 1, got %d", c.Responder.MaxConcurrency)
	}

	return errors.Join(errs...)
}

func oneOf(v string, valid []string) bool {
	for _, s := range valid {
		if v == s {
			return true
		}
	}
	return false
}

func checkDuration(errs *[]error, field, value string) {
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s %q is not a duration: %v", field, value, err))
		return
	}
	if d <= 0 {
		*errs = append(*errs, fmt.Errorf("%s must be positive, got %s", field, value))
	}
}

func checkUnit(errs *[]error, field string, v float64) {
	if v < 0 || v > 1 {
		*errs = append(*errs, fmt.Errorf("%s must be in [0,1], got %v", field, v))
	}
}
