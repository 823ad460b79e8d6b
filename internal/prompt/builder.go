package prompt

import (
	"strconv"
	"strings"
)

// Builder renders the generation prompts, honouring template overrides.
type Builder struct {
	OverrideDir  string
	GateCommands []string
	Forbidden    []string
	ProjectRules string
}

// Instructions renders the system prompt for one attempt. retry adds the
// stricter rules block used after a failed attempt.
func (b *Builder) Instructions(requiredFiles []string, retry bool) (string, error) {
	tmpl, err := Load(InstructionsTemplate, b.OverrideDir)
	if err != nil {
		return "", err
	}
	var extra string
	if retry {
		if extra, err = b.RetryRules(); err != nil {
			return "", err
		}
	}
	return Render(tmpl, Vars{
		"gate_commands":   strings.Join(b.GateCommands, ", "),
		"forbidden_paths": strings.Join(b.Forbidden, ", "),
		"project_rules":   strings.TrimSpace(b.ProjectRules),
		"required_files":  bulletList(requiredFiles),
		"extra_rules":     extra,
	})
}

// RetryRules returns the extra instruction text for attempts after the first.
func (b *Builder) RetryRules() (string, error) {
	tmpl, err := Load(RetryRulesTemplate, b.OverrideDir)
	if err != nil {
		return "", err
	}
	return Render(tmpl, Vars{})
}

// Payload renders the user message: bundle, task, attempt number and the
// previous attempt's feedback if any.
func (b *Builder) Payload(bundle, task string, attempt int, feedback string) (string, error) {
	tmpl, err := Load(PayloadTemplate, b.OverrideDir)
	if err != nil {
		return "", err
	}
	return Render(tmpl, Vars{
		"bundle":          bundle,
		"task":            task,
		"attempt":         strconv.Itoa(attempt),
		"previous_output": feedback,
	})
}

// Translation renders the system prompt for translating a description.
func (b *Builder) Translation(language string) (string, error) {
	tmpl, err := Load(TranslateTemplate, b.OverrideDir)
	if err != nil {
		return "", err
	}
	return Render(tmpl, Vars{"language": language})
}

func bulletList(items []string) string {
	if len(items) == 0 {
		return ""
	}
	lines := make([]string, len(items))
	for i, item := range items {
		lines[i] = "- " + item
	}
	return strings.Join(lines, "\n")
}
