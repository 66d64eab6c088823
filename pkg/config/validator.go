package config

import (
	"fmt"
	"os"

	"github.com/robfig/cron/v3"
)

var knownProviders = map[string]bool{
	"anthropic": true,
	"openai":    true,
	"google":    true,
}

// Validator validates a Config with clear, field-scoped error messages.
type Validator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll performs comprehensive validation, fail-fast at the first
// error. Groups are checked in dependency order so earlier failures are the
// root causes.
func (v *Validator) ValidateAll() error {
	checks := []func() error{
		v.validateDatabase,
		v.validateQueue,
		v.validateWorkers,
		v.validateLLM,
		v.validateEmbedding,
		v.validateChunk,
		v.validateRetrieval,
		v.validateContext,
		v.validateAgent,
		v.validateAdapters,
		v.validateServer,
		v.validateRetention,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) validateDatabase() error {
	if v.cfg.Database.URL == "" {
		return NewValidationError("database", "url", fmt.Errorf("%w: must not be empty", ErrInvalidValue))
	}
	if v.cfg.Database.MaxConnections < 1 {
		return NewValidationError("database", "max_connections", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateQueue() error {
	if v.cfg.Queue.Host == "" {
		return NewValidationError("queue", "host", fmt.Errorf("%w: must not be empty", ErrInvalidValue))
	}
	if v.cfg.Queue.Port < 1 || v.cfg.Queue.Port > 65535 {
		return NewValidationError("queue", "port", fmt.Errorf("%w: must be 1-65535", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateWorkers() error {
	known := make(map[string]bool, 4)
	for _, name := range QueueNames() {
		known[name] = true
	}
	for queue, n := range v.cfg.Workers.Concurrency {
		if !known[queue] {
			return NewValidationError("workers", "concurrency", fmt.Errorf("%w: unknown queue '%s'", ErrInvalidValue, queue))
		}
		if n < 1 {
			return NewValidationError("workers", "concurrency", fmt.Errorf("%w: queue '%s' must have at least 1 worker", ErrInvalidValue, queue))
		}
	}
	for queue, rl := range v.cfg.Workers.RateLimits {
		if !known[queue] {
			return NewValidationError("workers", "rate_limits", fmt.Errorf("%w: unknown queue '%s'", ErrInvalidValue, queue))
		}
		if rl.MaxJobs < 1 || rl.Interval <= 0 {
			return NewValidationError("workers", "rate_limits", fmt.Errorf("%w: queue '%s' needs max_jobs >= 1 and a positive interval", ErrInvalidValue, queue))
		}
	}
	if v.cfg.Workers.JobTimeout <= 0 {
		return NewValidationError("workers", "job_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if v.cfg.Workers.PollInterval <= 0 {
		return NewValidationError("workers", "poll_interval", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if v.cfg.Workers.HeartbeatInterval <= 0 || v.cfg.Workers.HeartbeatInterval >= v.cfg.Workers.JobTimeout {
		return NewValidationError("workers", "heartbeat_interval", fmt.Errorf("%w: must be positive and below job_timeout", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateLLM() error {
	if !knownProviders[v.cfg.LLM.Default] {
		return NewValidationError("llm", "default", fmt.Errorf("%w: '%s' is not one of anthropic, openai, google", ErrInvalidValue, v.cfg.LLM.Default))
	}
	if _, ok := v.cfg.LLM.Providers[v.cfg.LLM.Default]; !ok {
		return NewValidationError("llm", "providers", fmt.Errorf("%w: default provider '%s' is not configured", ErrInvalidValue, v.cfg.LLM.Default))
	}
	for name, pc := range v.cfg.LLM.Providers {
		if !knownProviders[name] {
			return NewValidationError("llm", "providers", fmt.Errorf("%w: unknown provider '%s'", ErrInvalidValue, name))
		}
		if pc.APIKeyEnv == "" {
			return NewValidationError("llm", "providers", fmt.Errorf("%w: provider '%s' needs api_key_env", ErrInvalidValue, name))
		}
		if pc.Model == "" {
			return NewValidationError("llm", "providers", fmt.Errorf("%w: provider '%s' needs a model", ErrInvalidValue, name))
		}
	}
	return nil
}

func (v *Validator) validateEmbedding() error {
	e := v.cfg.Embedding
	if !knownProviders[e.Provider] {
		return NewValidationError("embedding", "provider", fmt.Errorf("%w: '%s' is not one of anthropic, openai, google", ErrInvalidValue, e.Provider))
	}
	if e.Dimensions < 1 {
		return NewValidationError("embedding", "dimensions", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if e.BatchSize < 1 {
		return NewValidationError("embedding", "batch_size", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateChunk() error {
	c := v.cfg.Chunk
	if c.HotMaxAge <= 0 || c.WarmMaxAge <= 0 {
		return NewValidationError("chunk", "hot_max_age", fmt.Errorf("%w: tier ages must be positive", ErrInvalidValue))
	}
	if c.WarmMaxAge <= c.HotMaxAge {
		return NewValidationError("chunk", "warm_max_age", fmt.Errorf("%w: must exceed hot_max_age", ErrInvalidValue))
	}
	if c.HotAccessFloor < 0 || c.WarmAccessFloor < 0 {
		return NewValidationError("chunk", "hot_access_floor", fmt.Errorf("%w: access floors must be non-negative", ErrInvalidValue))
	}
	if err := validCronSpec(c.DemotionSchedule); err != nil {
		return NewValidationError("chunk", "demotion_schedule", err)
	}
	return nil
}

func (v *Validator) validateRetrieval() error {
	r := v.cfg.Retrieval
	if r.TopK < 1 {
		return NewValidationError("retrieval", "top_k", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if r.MinSimilarity < 0 || r.MinSimilarity > 1 {
		return NewValidationError("retrieval", "min_similarity", fmt.Errorf("%w: must be in [0,1]", ErrInvalidValue))
	}
	if r.SimilarityWeight < 0 || r.ImportanceWeight < 0 {
		return NewValidationError("retrieval", "similarity_weight", fmt.Errorf("%w: weights must be non-negative", ErrInvalidValue))
	}
	if r.RerankEnabled && r.RerankTopN < 1 {
		return NewValidationError("retrieval", "rerank_top_n", fmt.Errorf("%w: must be at least 1 when rerank is enabled", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateContext() error {
	c := v.cfg.Context
	if c.MaxTokens < 1 {
		return NewValidationError("context", "max_tokens", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if c.FormatReserve < 0 || c.FormatReserve >= c.MaxTokens {
		return NewValidationError("context", "format_reserve", fmt.Errorf("%w: must be non-negative and below max_tokens", ErrInvalidValue))
	}
	if c.MaxHistory < 0 {
		return NewValidationError("context", "max_history", fmt.Errorf("%w: must be non-negative", ErrInvalidValue))
	}
	if c.RelevanceThreshold < 0 || c.RelevanceThreshold > 1 {
		return NewValidationError("context", "relevance_threshold", fmt.Errorf("%w: must be in [0,1]", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateAgent() error {
	a := v.cfg.Agent
	if a.MaxIterations < 1 {
		return NewValidationError("agent", "max_iterations", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if a.Temperature < 0 || a.Temperature > 2 {
		return NewValidationError("agent", "temperature", fmt.Errorf("%w: must be in [0,2]", ErrInvalidValue))
	}
	if a.MaxTokens < 1 {
		return NewValidationError("agent", "max_tokens", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateAdapters() error {
	s := v.cfg.Adapters.Slack
	if !s.Enabled {
		return nil
	}
	if s.BotTokenEnv == "" || s.AppTokenEnv == "" {
		return NewValidationError("adapters", "slack", fmt.Errorf("%w: bot_token_env and app_token_env are required when enabled", ErrInvalidValue))
	}
	// Tokens themselves are checked at startup; here only the env vars must
	// resolve to something.
	if os.Getenv(s.BotTokenEnv) == "" {
		return NewValidationError("adapters", "slack", fmt.Errorf("%w: environment variable %s is empty", ErrInvalidValue, s.BotTokenEnv))
	}
	if os.Getenv(s.AppTokenEnv) == "" {
		return NewValidationError("adapters", "slack", fmt.Errorf("%w: environment variable %s is empty", ErrInvalidValue, s.AppTokenEnv))
	}
	return nil
}

func (v *Validator) validateServer() error {
	if v.cfg.Server.Port < 1 || v.cfg.Server.Port > 65535 {
		return NewValidationError("server", "port", fmt.Errorf("%w: must be 1-65535", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateRetention() error {
	r := v.cfg.Retention
	if r.CompletedJobAge <= 0 || r.FailedJobAge <= 0 {
		return NewValidationError("retention", "completed_job_age", fmt.Errorf("%w: retention ages must be positive", ErrInvalidValue))
	}
	if r.CompletedJobLimit < 1 {
		return NewValidationError("retention", "completed_job_limit", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if err := validCronSpec(r.SweepSchedule); err != nil {
		return NewValidationError("retention", "sweep_schedule", err)
	}
	return nil
}

func validCronSpec(spec string) error {
	if spec == "" {
		return fmt.Errorf("%w: cron spec must not be empty", ErrInvalidValue)
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return nil
}
