package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRender_SimpleVars(t *testing.T) {
	result, err := Render("Attempt {{attempt}} of {{max}}.", Vars{"attempt": "2", "max": "3"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "Attempt 2 of 3." {
		t.Errorf("got %q", result)
	}
}

func TestRender_MissingVars(t *testing.T) {
	_, err := Render("{{a}} and {{b}}", Vars{"a": "x"})
	if err == nil {
		t.Fatal("expected error for missing variable")
	}
	if !strings.Contains(err.Error(), "b") {
		t.Errorf("error should name the missing variable, got: %v", err)
	}
}

func TestRender_Conditionals(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
		vars Vars
		want string
	}{
		{"present", "Start.{{#if log}}\nLog: {{log}}\n{{/if}}End.", Vars{"log": "x"}, "Start.\nLog: x\nEnd."},
		{"absent", "Start.{{#if log}}\nLog: {{log}}\n{{/if}}End.", Vars{}, "Start.End."},
		{"empty", "{{#if log}}has log{{/if}}", Vars{"log": ""}, ""},
		{"nested", "{{#if a}}outer {{#if b}}inner{{/if}} end{{/if}}", Vars{"a": "1", "b": "1"}, "outer inner end"},
		{"nested outer absent", "S{{#if a}}outer {{#if b}}inner{{/if}} end{{/if}}F", Vars{}, "SF"},
		{"trailing space in tag", "{{#if x }}content{{/if}}", Vars{"x": "yes"}, "content"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.tmpl, tt.vars)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRender_UnclosedConditional(t *testing.T) {
	_, err := Render("START{{#if x}}content", Vars{"x": "yes"})
	if err == nil || !strings.Contains(err.Error(), "unclosed") {
		t.Fatalf("expected unclosed error, got %v", err)
	}
}

func TestRender_DanglingClose(t *testing.T) {
	if _, err := Render("text{{/if}}", Vars{}); err == nil {
		t.Fatal("expected error for dangling {{/if}}")
	}
}

func TestRender_ValuesAreLiteral(t *testing.T) {
	// Model output routinely contains braces; it must pass through untouched.
	out := "```diff\n+const s = `{{name}}`;\n```\n{{/if}}"
	result, err := Render("{{#if previous_output}}PREV\n{{previous_output}}{{/if}}", Vars{"previous_output": out})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "PREV\n"+out {
		t.Errorf("value was altered: %q", result)
	}
}

func TestLoad_Builtin(t *testing.T) {
	for _, name := range Names() {
		content, err := Load(name, "")
		if err != nil {
			t.Fatalf("Load(%q): %v", name, err)
		}
		if content == "" {
			t.Errorf("builtin %q is empty", name)
		}
	}
	_, err := Load("nope.md", "")
	if err == nil {
		t.Fatal("expected error for unknown template")
	}
	for _, name := range Names() {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error %q does not list builtin %q", err, name)
		}
	}
}

func TestLoad_Override(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, PayloadTemplate), []byte("custom {{task}}"), 0o644); err != nil {
		t.Fatal(err)
	}
	content, err := Load(PayloadTemplate, dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if content != "custom {{task}}" {
		t.Errorf("expected override, got %q", content)
	}

	// Templates without an override fall back to the builtin.
	content, err = Load(TranslateTemplate, dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if content != translateTemplate {
		t.Error("expected builtin translate template")
	}
}

func TestLoad_PathTraversal(t *testing.T) {
	tmp := t.TempDir()
	dir := filepath.Join(tmp, "templates")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tmp, "secret.txt"), []byte("SECRET"), 0o644); err != nil {
		t.Fatal(err)
	}
	if content, err := Load("../secret.txt", dir); err == nil {
		t.Errorf("traversal read %q", content)
	}
}

func TestBuilder_Instructions(t *testing.T) {
	b := &Builder{GateCommands: []string{"pnpm test", "pnpm lint"}}

	first, err := b.Instructions([]string{"src/domain/normalizeInput.ts", "src/domain/normalizeInput.test.ts"}, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{
		"Return EXACTLY two blocks",
		"Changes must pass: pnpm test, pnpm lint.",
		"Required files:\n- src/domain/normalizeInput.ts\n- src/domain/normalizeInput.test.ts\n",
		"+++ b/src/domain/normalizeInput.ts",
	} {
		if !strings.Contains(first, want) {
			t.Errorf("instructions missing %q", want)
		}
	}
	if strings.Contains(first, "previous output was invalid") {
		t.Error("first attempt must not carry retry rules")
	}
	if strings.Contains(first, "Never touch") {
		t.Error("no forbidden paths configured")
	}

	retry, err := b.Instructions(nil, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasSuffix(retry, "Fix issues reported in the gates log if provided.") {
		t.Errorf("retry rules should close the instructions, got tail %q", retry[len(retry)-80:])
	}
	if strings.Contains(retry, "Required files:") {
		t.Error("no required files section expected")
	}
}

func TestBuilder_Payload(t *testing.T) {
	b := &Builder{}
	got, err := b.Payload("BUNDLE", "TASK TEXT", 1, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "# PROMPT_BUNDLE\nBUNDLE\n\n# TASK\nTASK TEXT\n\n# ATTEMPT\n1" {
		t.Errorf("payload = %q", got)
	}

	got, err = b.Payload("BUNDLE", "TASK TEXT", 2, "old output")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasSuffix(got, "# ATTEMPT\n2\n\n# PREVIOUS_INVALID_OUTPUT (for debugging)\nold output") {
		t.Errorf("payload = %q", got)
	}
}

func TestBuilder_Translation(t *testing.T) {
	got, err := (&Builder{}).Translation("Korean")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(got, "into natural Korean.") {
		t.Errorf("translation prompt = %q", got)
	}
}
