package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config is the full patchloop configuration.
type Config struct {
	Generation Generation `koanf:"generation" yaml:"generation"`
	Run        Run        `koanf:"run" yaml:"run"`
	Gates      []Gate     `koanf:"gates" yaml:"gates"`
	Host       Host       `koanf:"host" yaml:"host"`
	Policy     Policy     `koanf:"policy" yaml:"policy"`
	Journal    Journal    `koanf:"journal" yaml:"journal"`
	Metrics    Metrics    `koanf:"metrics" yaml:"metrics"`
	Log        Log        `koanf:"log" yaml:"log"`
}

// Generation configures the model service.
type Generation struct {
	Provider          string   `koanf:"provider" yaml:"provider"`
	Model             string   `koanf:"model" yaml:"model"`
	APIKey            Secret   `koanf:"api_key" yaml:"api_key"`
	BaseURL           string   `koanf:"base_url" yaml:"base_url,omitempty"`
	MaxOutputTokens   int      `koanf:"max_output_tokens" yaml:"max_output_tokens"`
	Temperature       *float64 `koanf:"temperature" yaml:"temperature,omitempty"`
	TranslateModel    string   `koanf:"translate_model" yaml:"translate_model,omitempty"`
	TranslateLanguage string   `koanf:"translate_language" yaml:"translate_language,omitempty"`
	TemplatesDir      string   `koanf:"templates_dir" yaml:"templates_dir,omitempty"`
	ProjectRules      string   `koanf:"project_rules" yaml:"project_rules,omitempty"`
}

// Run configures the retry loop and where it reads and writes files.
type Run struct {
	MaxAttempts   int    `koanf:"max_attempts" yaml:"max_attempts"`
	ArtifactsDir  string `koanf:"artifacts_dir" yaml:"artifacts_dir"`
	BundlePath    string `koanf:"bundle_path" yaml:"bundle_path"`
	TaskPath      string `koanf:"task_path" yaml:"task_path"`
	BundleCommand string `koanf:"bundle_command" yaml:"bundle_command,omitempty"`
	Remote        string `koanf:"remote" yaml:"remote"`
	Base          string `koanf:"base" yaml:"base,omitempty"`
}

// Gate is one quality gate command.
type Gate struct {
	Name    string   `koanf:"name" yaml:"name"`
	Command string   `koanf:"command" yaml:"command"`
	Timeout Duration `koanf:"timeout" yaml:"timeout,omitempty"`
}

// Host configures where published branches go.
type Host struct {
	Provider   string `koanf:"provider" yaml:"provider"`
	Repository string `koanf:"repository" yaml:"repository,omitempty"`
	Token      Secret `koanf:"token" yaml:"token,omitempty"`
}

// Policy restricts what a generated diff may touch.
type Policy struct {
	ForbiddenPaths []string `koanf:"forbidden_paths" yaml:"forbidden_paths,omitempty"`
}

// Journal configures the optional Postgres run journal.
type Journal struct {
	DSN Secret `koanf:"dsn" yaml:"dsn,omitempty"`
}

// Metrics configures the optional Pushgateway export.
type Metrics struct {
	Pushgateway string `koanf:"pushgateway" yaml:"pushgateway,omitempty"`
	Job         string `koanf:"job" yaml:"job,omitempty"`
}

// Log configures the logger.
type Log struct {
	Level  string `koanf:"level" yaml:"level"`
	Format string `koanf:"format" yaml:"format"`
}

// Duration wraps time.Duration for text unmarshaling (YAML, env vars).
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", text)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

// MarshalYAML prints the duration in Go syntax, or nothing when unset.
func (d Duration) MarshalYAML() (interface{}, error) {
	if d == 0 {
		return nil, nil
	}
	return d.Duration().String(), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Secret wraps strings that should be redacted in logs and serialization.
// Use Value() to access the actual secret value.
type Secret string

// String implements fmt.Stringer. Always returns redacted value.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// Value returns the actual secret value.
func (s Secret) Value() string {
	return string(s)
}

// IsSet returns true if the secret has a non-empty value.
func (s Secret) IsSet() bool {
	return s != ""
}

// MarshalJSON implements json.Marshaler. Always returns redacted value.
func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// MarshalYAML implements yaml.Marshaler. Always returns redacted value.
func (s Secret) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Accepts raw secret values.
func (s *Secret) UnmarshalText(text []byte) error {
	*s = Secret(text)
	return nil
}
