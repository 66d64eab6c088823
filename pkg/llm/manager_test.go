package llm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engram-dev/engram/pkg/config"
	"github.com/engram-dev/engram/pkg/errs"
)

func newTestManager() *Manager {
	m := &Manager{
		providers:     map[string]Provider{},
		defaultName:   "anthropic",
		fallbacks:     []string{"openai", "google"},
		embeddingName: "openai",
	}
	return m
}

func TestManagerGet(t *testing.T) {
	m := newTestManager()
	anthropic := NewFake("anthropic", 8)
	openai := NewFake("openai", 8)
	m.Register(anthropic)
	m.Register(openai)

	p, err := m.Get("openai")
	require.NoError(t, err)
	assert.Same(t, Provider(openai), p)

	// Empty name resolves to the default.
	p, err = m.Get("")
	require.NoError(t, err)
	assert.Same(t, Provider(anthropic), p)

	_, err = m.Get("google")
	require.Error(t, err)
	assert.True(t, errs.IsNotFound(err))
}

func TestManagerGetWithFallback(t *testing.T) {
	m := newTestManager()
	google := NewFake("google", 8)
	m.Register(google)

	// Preferred and default are unconfigured; the fallback chain wins.
	p, err := m.GetWithFallback("openai")
	require.NoError(t, err)
	assert.Equal(t, "google", p.Name())

	// A configured preferred name takes precedence over everything.
	openai := NewFake("openai", 8)
	m.Register(openai)
	p, err = m.GetWithFallback("openai")
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())

	// With no preference the default is tried first.
	anthropic := NewFake("anthropic", 8)
	m.Register(anthropic)
	p, err = m.GetWithFallback()
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.Name())
}

func TestManagerGetWithFallbackNoneConfigured(t *testing.T) {
	m := newTestManager()

	_, err := m.GetWithFallback("openai")
	require.Error(t, err)
	assert.True(t, errs.IsNotFound(err))
	assert.Contains(t, err.Error(), "openai")
	assert.Contains(t, err.Error(), "anthropic")
}

func TestManagerEmbedder(t *testing.T) {
	m := newTestManager()

	_, err := m.Embedder()
	require.Error(t, err)
	assert.True(t, errs.IsNotFound(err))

	m.Register(NewFake("openai", 1536))
	p, err := m.Embedder()
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())

	vec, err := p.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, vec, 1536)
}

func TestManagerNames(t *testing.T) {
	m := newTestManager()
	m.Register(NewFake("openai", 8))
	m.Register(NewFake("anthropic", 8))

	assert.Equal(t, []string{"anthropic", "openai"}, m.Names())
}

func TestNewManagerSkipsProvidersWithoutKeys(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := config.LLMConfig{
		Default: "anthropic",
		Providers: map[string]config.LLMProviderConfig{
			"anthropic": {APIKeyEnv: "ENGRAM_TEST_ABSENT_ANTHROPIC_KEY", Model: "claude-sonnet-4-20250514"},
			"openai":    {APIKeyEnv: "ENGRAM_TEST_ABSENT_OPENAI_KEY", Model: "gpt-4o"},
		},
	}
	m, err := NewManager(ctx, cfg, config.EmbeddingConfig{Provider: "openai", Model: "text-embedding-3-small"})
	require.NoError(t, err)
	assert.Empty(t, m.Names())

	_, err = m.GetWithFallback()
	require.Error(t, err)
	assert.True(t, errs.IsNotFound(err))
}

func TestNewManagerConstructsKeyedProviders(t *testing.T) {
	t.Setenv("ENGRAM_TEST_OPENAI_KEY", "sk-test")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := config.LLMConfig{
		Default: "openai",
		Providers: map[string]config.LLMProviderConfig{
			"openai": {APIKeyEnv: "ENGRAM_TEST_OPENAI_KEY", Model: "gpt-4o"},
		},
	}
	m, err := NewManager(ctx, cfg, config.EmbeddingConfig{Provider: "openai", Model: "text-embedding-3-small"})
	require.NoError(t, err)
	assert.Equal(t, []string{"openai"}, m.Names())

	p, err := m.Get("")
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())
	assert.True(t, p.Supports(OpEmbed))

	_, err = m.Embedder()
	require.NoError(t, err)
}

func TestNewManagerRejectsUnknownProvider(t *testing.T) {
	t.Setenv("ENGRAM_TEST_MYSTERY_KEY", "x")

	cfg := config.LLMConfig{
		Providers: map[string]config.LLMProviderConfig{
			"mystery": {APIKeyEnv: "ENGRAM_TEST_MYSTERY_KEY", Model: "m"},
		},
	}
	_, err := NewManager(context.Background(), cfg, config.EmbeddingConfig{})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindValidation))
}
