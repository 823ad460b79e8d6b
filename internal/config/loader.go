package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override:
// PATCHLOOP_GENERATION_MAX_OUTPUT_TOKENS -> generation.max_output_tokens.
const EnvPrefix = "PATCHLOOP_"

// DefaultGates mirrors the usual pnpm project checks.
var DefaultGates = []Gate{
	{Name: "tests", Command: "pnpm test"},
	{Name: "lint", Command: "pnpm lint"},
	{Name: "typecheck", Command: "pnpm typecheck"},
	{Name: "format", Command: "pnpm format:check"},
}

// listKeys are the config paths that hold a list of strings.
var listKeys = map[string]bool{
	"policy.forbidden_paths": true,
}

// Load reads the YAML file at path (if non-empty), then applies PATCHLOOP_*
// environment overrides, provider env fallbacks and defaults.
func Load(path string) (*Config, error) {
	return load(path, os.Getenv)
}

// LoadDefault searches standard locations and loads the first one found.
// Search order: ./patchloop.yaml, ~/.patchloop/config.yaml. With no file the
// config comes from the environment and defaults alone.
func LoadDefault() (*Config, error) {
	for _, path := range SearchPaths() {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return Load("")
}

// SearchPaths lists the config locations LoadDefault tries.
func SearchPaths() []string {
	candidates := []string{"patchloop.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".patchloop", "config.yaml"))
	}
	return candidates
}

func load(path string, getenv func(string) string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing config YAML %s: %w", path, err)
		}
	}

	// Split on the first underscore after the prefix: section.field_name.
	// List-valued keys take a comma-separated value.
	envProvider := env.ProviderWithValue(EnvPrefix, ".", func(key, value string) (string, interface{}) {
		lower := strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
		section, field, ok := strings.Cut(lower, "_")
		if !ok {
			return "", nil
		}
		path := section + "." + field
		if listKeys[path] {
			return path, splitList(value)
		}
		return path, value
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("loading environment overrides: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	applyEnvFallbacks(&cfg, getenv)
	applyDefaults(&cfg)
	return &cfg, nil
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// applyEnvFallbacks fills unset values from the provider-native variables
// (ANTHROPIC_*, OPENAI_API_KEY, GITHUB_TOKEN).
func applyEnvFallbacks(cfg *Config, getenv func(string) string) {
	g := &cfg.Generation
	if g.Provider == "" {
		g.Provider = "anthropic"
	}
	if !g.APIKey.IsSet() {
		switch g.Provider {
		case "openai":
			g.APIKey = Secret(getenv("OPENAI_API_KEY"))
		default:
			g.APIKey = Secret(getenv("ANTHROPIC_API_KEY"))
		}
	}
	if g.Provider == "anthropic" {
		if g.Model == "" {
			g.Model = strings.TrimSpace(getenv("ANTHROPIC_MODEL"))
		}
		if g.MaxOutputTokens == 0 {
			if n, err := strconv.Atoi(strings.TrimSpace(getenv("ANTHROPIC_MAX_OUTPUT_TOKENS"))); err == nil && n > 0 {
				g.MaxOutputTokens = n
			}
		}
		if g.Temperature == nil {
			if f, err := strconv.ParseFloat(strings.TrimSpace(getenv("ANTHROPIC_TEMPERATURE")), 64); err == nil {
				g.Temperature = &f
			}
		}
		if g.TranslateModel == "" {
			g.TranslateModel = strings.TrimSpace(getenv("ANTHROPIC_TRANSLATE_MODEL"))
		}
	}
	if !cfg.Host.Token.IsSet() {
		if tok := getenv("GITHUB_TOKEN"); tok != "" {
			cfg.Host.Token = Secret(tok)
		} else {
			cfg.Host.Token = Secret(getenv("GH_TOKEN"))
		}
	}
}

// applyDefaults fills every value still unset after file and environment.
func applyDefaults(cfg *Config) {
	g := &cfg.Generation
	if g.Model == "" {
		switch g.Provider {
		case "openai":
			g.Model = "gpt-4o"
		default:
			g.Model = "claude-sonnet-4-5"
		}
	}
	if g.MaxOutputTokens == 0 {
		g.MaxOutputTokens = 2200
	}
	if g.TranslateModel == "" {
		g.TranslateModel = g.Model
	}

	r := &cfg.Run
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 3
	}
	if r.ArtifactsDir == "" {
		r.ArtifactsDir = ".ai"
	}
	if r.BundlePath == "" {
		r.BundlePath = filepath.Join(r.ArtifactsDir, "PROMPT_BUNDLE.md")
	}
	if r.TaskPath == "" {
		r.TaskPath = filepath.Join(r.ArtifactsDir, "TASK.md")
	}
	if r.Remote == "" {
		r.Remote = "origin"
	}

	if len(cfg.Gates) == 0 {
		cfg.Gates = append([]Gate(nil), DefaultGates...)
	}
	for i := range cfg.Gates {
		if cfg.Gates[i].Name == "" {
			cfg.Gates[i].Name = fmt.Sprintf("gate-%d", i+1)
		}
	}

	if cfg.Host.Provider == "" {
		cfg.Host.Provider = "gh"
	}
	if cfg.Metrics.Job == "" {
		cfg.Metrics.Job = "patchloop"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
}
