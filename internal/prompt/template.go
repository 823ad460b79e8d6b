package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var (
	varRe      = regexp.MustCompile(`\{\{([a-zA-Z_][a-zA-Z0-9_]*)\}\}`)
	ifOpenRe   = regexp.MustCompile(`\{\{#if\s+([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)
	ifCloseStr = "{{/if}}"
)

// Vars is a map of variable names to values for template rendering.
type Vars map[string]string

// Render expands a template string with the given variables.
// {{variable}} is replaced with its value. Missing variables cause an error.
// {{#if variable}}...{{/if}} blocks are kept only if the variable is non-empty.
// Values are inserted verbatim and never re-expanded, so model output or
// bundle text containing braces is safe.
func Render(tmpl string, vars Vars) (string, error) {
	result, err := processConditionals(tmpl, vars)
	if err != nil {
		return "", err
	}

	var missing []string
	expanded := varRe.ReplaceAllStringFunc(result, func(match string) string {
		name := varRe.FindStringSubmatch(match)[1]
		if val, ok := vars[name]; ok {
			return val
		}
		missing = append(missing, name)
		return match
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("missing template variables: %s", strings.Join(missing, ", "))
	}
	return expanded, nil
}

// processConditionals resolves {{#if var}}...{{/if}} blocks innermost first:
// each {{/if}} closes the last {{#if}} that precedes it.
func processConditionals(tmpl string, vars Vars) (string, error) {
	result := tmpl
	for {
		closeIdx := strings.Index(result, ifCloseStr)
		if closeIdx == -1 {
			break
		}

		prefix := result[:closeIdx]
		opens := ifOpenRe.FindAllStringSubmatchIndex(prefix, -1)
		if opens == nil {
			return "", fmt.Errorf("dangling {{/if}} without matching {{#if}}")
		}
		open := opens[len(opens)-1]
		name := prefix[open[2]:open[3]]

		var body string
		if val := vars[name]; val != "" {
			body = result[open[1]:closeIdx]
		}
		result = result[:open[0]] + body + result[closeIdx+len(ifCloseStr):]
	}

	if loc := ifOpenRe.FindString(result); loc != "" {
		return "", fmt.Errorf("unclosed conditional block: %s", loc)
	}
	return result, nil
}

// Load returns the named template. When overrideDir is set and contains a
// file with that name it wins over the builtin copy.
func Load(name, overrideDir string) (string, error) {
	if overrideDir != "" {
		path := filepath.Join(overrideDir, name)
		absPath, err := filepath.Abs(path)
		if err != nil {
			return "", fmt.Errorf("resolve template %q: %w", name, err)
		}
		absDir, err := filepath.Abs(overrideDir)
		if err != nil {
			return "", fmt.Errorf("resolve template dir: %w", err)
		}
		if !strings.HasPrefix(absPath, absDir+string(filepath.Separator)) {
			return "", fmt.Errorf("template name %q escapes %s", name, overrideDir)
		}
		data, err := os.ReadFile(absPath)
		if err == nil {
			return string(data), nil
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("read template %q: %w", path, err)
		}
	}

	content, ok := builtinTemplates[name]
	if !ok {
		return "", fmt.Errorf("template %q not found (builtin: %s)", name, strings.Join(Names(), ", "))
	}
	return content, nil
}

// Names lists the builtin template names in sorted order.
func Names() []string {
	names := make([]string, 0, len(builtinTemplates))
	for name := range builtinTemplates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
