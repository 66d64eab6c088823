// Package masking scrubs credentials and other sensitive values from the
// text derived from raw events before it reaches an LLM provider or the
// chunk store. Raw payloads in the event log are never altered; masking
// applies to what the service remembers, not to what it received.
package masking

import (
	"log/slog"

	"github.com/engram-dev/engram/pkg/config"
)

// Service applies data masking to extracted event text. Created once at
// application startup. Thread-safe: patterns are compiled and resolved
// eagerly at creation and never mutated after.
type Service struct {
	cfg            config.MaskingConfig
	patterns       map[string]*CompiledPattern // Builtin + custom compiled patterns
	codeMaskers    map[string]Masker           // Registered code-based maskers
	customPatterns []string                    // Keys of compiled custom patterns, in config order
	resolved       *resolvedPatterns           // Pattern set in apply order
}

// NewService creates a masking service with compiled patterns and registered
// maskers. All patterns are compiled eagerly; invalid custom patterns are
// logged and skipped.
func NewService(cfg config.MaskingConfig) *Service {
	s := &Service{
		cfg:         cfg,
		patterns:    make(map[string]*CompiledPattern),
		codeMaskers: make(map[string]Masker),
	}

	// 1. Compile all built-in regex patterns
	s.compileBuiltinPatterns()

	// 2. Compile custom patterns from config
	s.compileCustomPatterns(cfg.CustomPatterns)

	// 3. Register code-based maskers
	s.registerMasker(&JSONCredentialsMasker{})

	if cfg.PatternGroup != "" {
		if _, ok := patternGroups[cfg.PatternGroup]; !ok {
			slog.Warn("Unknown masking pattern group, only individual and custom patterns apply",
				"pattern_group", cfg.PatternGroup)
		}
	}
	s.resolved = s.resolvePatterns()

	slog.Info("Masking service initialized",
		"enabled", cfg.Enabled,
		"pattern_group", cfg.PatternGroup,
		"regex_patterns", len(s.resolved.regexPatterns),
		"code_maskers", len(s.resolved.codeMaskerNames))

	return s
}

// MaskEventText applies the configured masking to extracted event text.
// Fail-open: text a code masker cannot parse passes through to the regex
// sweep unchanged, and text is never dropped.
func (s *Service) MaskEventText(text string) string {
	if !s.cfg.Enabled || text == "" {
		return text
	}
	if len(s.resolved.codeMaskerNames) == 0 && len(s.resolved.regexPatterns) == 0 {
		return text
	}
	return s.applyMasking(text, s.resolved)
}

// applyMasking applies code-based maskers then regex patterns to text.
func (s *Service) applyMasking(text string, resolved *resolvedPatterns) string {
	masked := text

	// Phase 1: Code-based maskers (structural awareness)
	for _, maskerName := range resolved.codeMaskerNames {
		masker, ok := s.codeMaskers[maskerName]
		if !ok {
			continue
		}
		if masker.AppliesTo(masked) {
			masked = masker.Mask(masked)
		}
	}

	// Phase 2: Regex patterns (general sweep)
	for _, pattern := range resolved.regexPatterns {
		masked = pattern.Regex.ReplaceAllString(masked, pattern.Replacement)
	}

	return masked
}

// registerMasker registers a code-based masker by its name.
func (s *Service) registerMasker(m Masker) {
	s.codeMaskers[m.Name()] = m
}
