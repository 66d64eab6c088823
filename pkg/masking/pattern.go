package masking

import (
	"fmt"
	"log/slog"
	"regexp"
	"slices"

	"github.com/engram-dev/engram/pkg/config"
)

// CompiledPattern holds a pre-compiled regex pattern with its replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
	Description string
}

// patternDef is one builtin pattern before compilation.
type patternDef struct {
	pattern     string
	replacement string
	description string
}

// builtinPatterns is the catalog of regex scrubbers. Team events quote
// credentials in key/value form far more often than in raw form, so most
// patterns anchor on the key name and a separator.
var builtinPatterns = map[string]patternDef{
	"api_key": {
		pattern:     `(?i)(?:api[_-]?key|apikey)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-]{20,})["']?`,
		replacement: `"api_key": "__MASKED_API_KEY__"`,
		description: "API keys",
	},
	"password": {
		pattern:     `(?i)(?:password|passwd|pwd)["']?\s*[:=]\s*["']?([^"'\s\n]{6,})["']?`,
		replacement: `"password": "__MASKED_PASSWORD__"`,
		description: "Passwords",
	},
	"token": {
		pattern:     `(?i)(?:token|bearer|jwt)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-\.]{20,})["']?`,
		replacement: `"token": "__MASKED_TOKEN__"`,
		description: "Access tokens",
	},
	"private_key": {
		pattern:     `(?i)(?:private[_-]?key)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-\.]{20,})["']?`,
		replacement: `"private_key": "__MASKED_PRIVATE_KEY__"`,
		description: "Private keys",
	},
	"secret_key": {
		pattern:     `(?i)(?:secret[_-]?key)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-\.]{20,})["']?`,
		replacement: `"secret_key": "__MASKED_SECRET_KEY__"`,
		description: "Secret keys",
	},
	"connection_string": {
		pattern:     `(?i)\b([a-z][a-z0-9+.-]*://[^:/\s@"']+):([^@\s"']+)@`,
		replacement: `${1}:__MASKED_DB_PASSWORD__@`,
		description: "Connection-string credentials",
	},
	"aws_access_key": {
		pattern:     `(?i)(?:aws[_-]?access[_-]?key[_-]?id)["']?\s*[:=]\s*["']?(AKIA[A-Z0-9]{16})["']?`,
		replacement: `"aws_access_key_id": "__MASKED_AWS_KEY__"`,
		description: "AWS access keys",
	},
	"aws_secret_key": {
		pattern:     `(?i)(?:aws[_-]?secret[_-]?access[_-]?key)["']?\s*[:=]\s*["']?([A-Za-z0-9/+=]{40})["']?`,
		replacement: `"aws_secret_access_key": "__MASKED_AWS_SECRET__"`,
		description: "AWS secret keys",
	},
	"github_token": {
		pattern:     `\bgh[pousr]_[A-Za-z0-9_]{36,255}\b`,
		replacement: `__MASKED_GITHUB_TOKEN__`,
		description: "GitHub tokens",
	},
	"slack_token": {
		pattern:     `(?i)xox[baprs]-[A-Za-z0-9-]{10,72}`,
		replacement: `__MASKED_SLACK_TOKEN__`,
		description: "Slack tokens",
	},
	"certificate": {
		pattern:     `(?s)-----BEGIN [A-Z ]+-----.*?-----END [A-Z ]+-----`,
		replacement: `__MASKED_CERTIFICATE__`,
		description: "PEM blocks",
	},
	"ssh_key": {
		pattern:     `ssh-(?:rsa|dss|ed25519|ecdsa)\s+[A-Za-z0-9+/=]+`,
		replacement: `__MASKED_SSH_KEY__`,
		description: "SSH public keys",
	},
	"email": {
		pattern:     `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9]+(?:[.-][A-Za-z0-9]+)*\.[A-Za-z]{2,63}\b`,
		replacement: `__MASKED_EMAIL__`,
		description: "Email addresses",
	},
	"base64_secret": {
		pattern:     `\b([A-Za-z0-9+/]{20,}={0,2})\b`,
		replacement: `__MASKED_BASE64_VALUE__`,
		description: "Base64 values (20+ chars)",
	},
}

// codeMaskerNames lists the code-based maskers pattern groups may reference.
var codeMaskerNames = []string{"json_credentials"}

// patternGroups predefines sets of patterns. base64_secret is only in "all":
// it matches any 20+ character alphanumeric run, which is far too aggressive
// for conversational text.
var patternGroups = map[string][]string{
	"basic":   {"api_key", "password"},
	"secrets": {"json_credentials", "api_key", "password", "token", "private_key", "secret_key", "connection_string", "aws_access_key", "aws_secret_key", "github_token", "slack_token", "certificate", "ssh_key"},
	"cloud":   {"aws_access_key", "aws_secret_key", "api_key", "token"},
	"pii":     {"email"},
	"all":     {"json_credentials", "api_key", "password", "token", "private_key", "secret_key", "connection_string", "aws_access_key", "aws_secret_key", "github_token", "slack_token", "certificate", "ssh_key", "email", "base64_secret"},
}

// resolvedPatterns holds the resolved set of maskers and patterns for a
// masking operation.
type resolvedPatterns struct {
	codeMaskerNames []string
	regexPatterns   []*CompiledPattern
}

// compileBuiltinPatterns compiles the builtin catalog. A builtin that fails
// to compile is a programming error caught by the package tests, but it is
// logged and skipped rather than taking the service down.
func (s *Service) compileBuiltinPatterns() {
	for name, def := range builtinPatterns {
		compiled, err := regexp.Compile(def.pattern)
		if err != nil {
			slog.Error("Failed to compile built-in masking pattern, skipping",
				"pattern", name, "error", err)
			continue
		}
		s.patterns[name] = &CompiledPattern{
			Name:        name,
			Regex:       compiled,
			Replacement: def.replacement,
			Description: def.description,
		}
	}
}

// compileCustomPatterns compiles deployment-supplied patterns from config.
// Custom patterns are keyed as "custom:{index}" to avoid collisions with the
// builtin catalog. Invalid patterns are logged and skipped.
func (s *Service) compileCustomPatterns(custom []config.CustomMaskingPattern) {
	for i, def := range custom {
		name := fmt.Sprintf("custom:%d", i)
		compiled, err := regexp.Compile(def.Pattern)
		if err != nil {
			slog.Error("Failed to compile custom masking pattern, skipping",
				"pattern", name, "error", err)
			continue
		}
		s.patterns[name] = &CompiledPattern{
			Name:        name,
			Regex:       compiled,
			Replacement: def.Replacement,
			Description: def.Description,
		}
		s.customPatterns = append(s.customPatterns, name)
	}
}

// resolvePatterns expands the configured group and pattern names into a
// deduplicated resolvedPatterns. Custom patterns always apply.
func (s *Service) resolvePatterns() *resolvedPatterns {
	seen := make(map[string]bool)
	resolved := &resolvedPatterns{}

	// 1. Expand the pattern group into individual pattern names
	for _, name := range patternGroups[s.cfg.PatternGroup] {
		if seen[name] {
			continue
		}
		seen[name] = true
		s.addToResolved(resolved, name)
	}

	// 2. Add individually configured patterns
	for _, name := range s.cfg.Patterns {
		if seen[name] {
			continue
		}
		seen[name] = true
		s.addToResolved(resolved, name)
	}

	// 3. Add custom patterns
	for _, name := range s.customPatterns {
		if seen[name] {
			continue
		}
		seen[name] = true
		if cp, ok := s.patterns[name]; ok {
			resolved.regexPatterns = append(resolved.regexPatterns, cp)
		}
	}

	return resolved
}

// addToResolved adds a pattern name to the resolved set, categorizing it as
// either a code masker or a regex pattern. Unknown names are skipped.
func (s *Service) addToResolved(resolved *resolvedPatterns, name string) {
	if slices.Contains(codeMaskerNames, name) {
		resolved.codeMaskerNames = append(resolved.codeMaskerNames, name)
		return
	}
	if cp, ok := s.patterns[name]; ok {
		resolved.regexPatterns = append(resolved.regexPatterns, cp)
	}
}
