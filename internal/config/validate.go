package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/gobwas/glob"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var (
	validProviders     = map[string]bool{"anthropic": true, "openai": true}
	validHostProviders = map[string]bool{"gh": true, "api": true}
	validLogLevels     = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats    = map[string]bool{"console": true, "json": true}
)

// Validate checks a Config for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
// Credentials are only checked when requireCredentials is set, so offline
// subcommands work without them.
func Validate(cfg *Config, requireCredentials bool) []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...interface{}) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	g := cfg.Generation
	if !validProviders[g.Provider] {
		add("generation.provider", "unknown provider %q (want anthropic or openai)", g.Provider)
	}
	if g.Model == "" {
		add("generation.model", "is required")
	}
	if g.MaxOutputTokens <= 0 {
		add("generation.max_output_tokens", "must be positive")
	}
	if g.Temperature != nil && (*g.Temperature < 0 || *g.Temperature > 2) {
		add("generation.temperature", "must be between 0 and 2")
	}
	if requireCredentials && !g.APIKey.IsSet() {
		add("generation.api_key", "is required for provider %s", g.Provider)
	}
	if g.BaseURL != "" {
		if u, err := url.Parse(g.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			add("generation.base_url", "invalid URL %q", g.BaseURL)
		}
	}

	r := cfg.Run
	if r.MaxAttempts < 1 {
		add("run.max_attempts", "must be at least 1")
	}
	if r.ArtifactsDir == "" {
		add("run.artifacts_dir", "is required")
	}
	if strings.HasPrefix(r.Remote, "-") {
		add("run.remote", "must not start with -")
	}

	if len(cfg.Gates) == 0 {
		add("gates", "at least one gate is required")
	}
	names := make(map[string]bool)
	for i, gate := range cfg.Gates {
		prefix := fmt.Sprintf("gates[%d]", i)
		if strings.TrimSpace(gate.Command) == "" {
			add(prefix+".command", "is required")
		}
		if names[gate.Name] {
			add(prefix+".name", "duplicate gate name %q", gate.Name)
		}
		names[gate.Name] = true
	}

	if !validHostProviders[cfg.Host.Provider] {
		add("host.provider", "unknown host provider %q (want gh or api)", cfg.Host.Provider)
	}
	if cfg.Host.Provider == "api" {
		if owner, repo, ok := strings.Cut(cfg.Host.Repository, "/"); !ok || owner == "" || repo == "" {
			add("host.repository", "must be owner/name for provider api")
		}
		if requireCredentials && !cfg.Host.Token.IsSet() {
			add("host.token", "is required for provider api")
		}
	}

	for i, pattern := range cfg.Policy.ForbiddenPaths {
		if _, err := glob.Compile(pattern, '/'); err != nil {
			add(fmt.Sprintf("policy.forbidden_paths[%d]", i), "invalid pattern %q: %v", pattern, err)
		}
	}

	if cfg.Metrics.Pushgateway != "" {
		if u, err := url.Parse(cfg.Metrics.Pushgateway); err != nil || u.Scheme == "" || u.Host == "" {
			add("metrics.pushgateway", "invalid URL %q", cfg.Metrics.Pushgateway)
		}
	}

	if !validLogLevels[cfg.Log.Level] {
		add("log.level", "unknown level %q", cfg.Log.Level)
	}
	if !validLogFormats[cfg.Log.Format] {
		add("log.format", "unknown format %q (want console or json)", cfg.Log.Format)
	}

	return errs
}
