package llm

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/engram-dev/engram/pkg/config"
	"github.com/engram-dev/engram/pkg/errs"
)

// Manager holds the configured providers and picks one per request. A
// provider is registered only when its API key environment variable is set,
// so Get and GetWithFallback never hand out a client that cannot call home.
type Manager struct {
	providers     map[string]Provider
	defaultName   string
	fallbacks     []string
	embeddingName string
}

// NewManager constructs providers from config. Providers whose key env var
// is empty are skipped; an unknown provider name is a config error.
func NewManager(ctx context.Context, cfg config.LLMConfig, embedding config.EmbeddingConfig) (*Manager, error) {
	m := &Manager{
		providers:     make(map[string]Provider, len(cfg.Providers)),
		defaultName:   cfg.Default,
		fallbacks:     cfg.Fallbacks,
		embeddingName: embedding.Provider,
	}
	for name, pc := range cfg.Providers {
		if pc.APIKeyEnv == "" || os.Getenv(pc.APIKeyEnv) == "" {
			slog.Debug("LLM provider skipped, no API key", "provider", name, "env", pc.APIKeyEnv)
			continue
		}
		embedModel := ""
		if embedding.Provider == name {
			embedModel = embedding.Model
		}
		var (
			p   Provider
			err error
		)
		switch name {
		case "anthropic":
			p, err = NewAnthropic(pc)
		case "openai":
			p, err = NewOpenAI(pc, embedModel)
		case "google":
			p, err = NewGoogle(ctx, pc, embedModel)
		default:
			return nil, errs.Validationf("llm: unknown provider %q", name)
		}
		if err != nil {
			return nil, err
		}
		m.providers[name] = p
		slog.Info("LLM provider registered", "provider", name, "model", pc.Model)
	}
	return m, nil
}

// Register adds or replaces a provider. Tests use it to install fakes.
func (m *Manager) Register(p Provider) {
	if m.providers == nil {
		m.providers = make(map[string]Provider)
	}
	m.providers[p.Name()] = p
}

// Get returns the named provider, or the default when name is empty.
func (m *Manager) Get(name string) (Provider, error) {
	if name == "" {
		name = m.defaultName
	}
	p, ok := m.providers[name]
	if !ok {
		return nil, errs.NotFoundf("llm provider %q is not configured", name)
	}
	return p, nil
}

// GetWithFallback returns the first configured provider, trying the given
// names first, then the default, then the configured fallback chain.
func (m *Manager) GetWithFallback(preferred ...string) (Provider, error) {
	tried := make([]string, 0, len(preferred)+1+len(m.fallbacks))
	seen := make(map[string]bool)
	for _, name := range preferred {
		if name != "" && !seen[name] {
			seen[name] = true
			tried = append(tried, name)
		}
	}
	if m.defaultName != "" && !seen[m.defaultName] {
		seen[m.defaultName] = true
		tried = append(tried, m.defaultName)
	}
	for _, name := range m.fallbacks {
		if name != "" && !seen[name] {
			seen[name] = true
			tried = append(tried, name)
		}
	}
	for _, name := range tried {
		if p, ok := m.providers[name]; ok {
			return p, nil
		}
	}
	return nil, errs.NotFoundf("no llm provider configured (tried %s)", strings.Join(tried, ", "))
}

// Embedder returns the provider configured for embeddings. The provider
// must support OpEmbed; selecting one that does not is a config error.
func (m *Manager) Embedder() (Provider, error) {
	p, ok := m.providers[m.embeddingName]
	if !ok {
		return nil, errs.NotFoundf("embedding provider %q is not configured", m.embeddingName)
	}
	if !p.Supports(OpEmbed) {
		return nil, errs.Unsupportedf("provider %q does not support embeddings", m.embeddingName)
	}
	return p, nil
}

// Names lists the registered providers in sorted order.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
