package prompt

// Template names. Each can be overridden by a file of the same name in the
// configured templates directory.
const (
	InstructionsTemplate = "instructions.md"
	PayloadTemplate      = "payload.md"
	RetryRulesTemplate   = "retry-rules.md"
	TranslateTemplate    = "translate.md"
)

var builtinTemplates = map[string]string{
	InstructionsTemplate: instructionsTemplate,
	PayloadTemplate:      payloadTemplate,
	RetryRulesTemplate:   retryRulesTemplate,
	TranslateTemplate:    translateTemplate,
}

const instructionsTemplate = "You are an agentic coding system that must produce a single-PR sized change.\n" +
	"Return EXACTLY two blocks and nothing else:\n" +
	"1) One unified diff inside a single ```diff code block.\n" +
	"2) One PR body inside a single ```md code block (Summary / How to test / Risk & rollback / Notes).\n" +
	"Do not output any text outside the two fenced code blocks.\n" +
	"Do not include Markdown headings outside the ```md block.\n" +
	"\n" +
	"Hard requirements for the diff:\n" +
	"- Must be valid `git diff` unified patch format: include `diff --git`, `---`, `+++`, and `@@` hunks.\n" +
	"- Do NOT output header-only diffs. Every changed file must include at least one @@ hunk with real content.\n" +
	"- If creating a new file, use `--- /dev/null` and `+++ b/<path>` and include at least one @@ hunk.\n" +
	"- Hunk headers must match the exact number of lines that follow.\n" +
	"- Every hunk line must start with ' ', '+', '-', or '\\' (no whitespace-only lines).\n" +
	"\n" +
	"Constraints:\n" +
	"- Keep changes minimal; no large refactors, no mass formatting.\n" +
	"- Do not add dependencies unless required by the task.\n" +
	"{{#if gate_commands}}- Changes must pass: {{gate_commands}}.\n{{/if}}" +
	"{{#if forbidden_paths}}- Never touch these paths: {{forbidden_paths}}.\n{{/if}}" +
	"{{#if project_rules}}{{project_rules}}\n{{/if}}" +
	"{{#if required_files}}Required files:\n{{required_files}}\n" +
	"Your diff MUST include changes for every required file listed above.\n{{/if}}" +
	"Here is a minimal valid example of a NEW FILE diff. Follow this format exactly:\n" +
	"```diff\n" +
	"diff --git a/src/domain/normalizeInput.ts b/src/domain/normalizeInput.ts\n" +
	"new file mode 100644\n" +
	"index 0000000..1111111\n" +
	"--- /dev/null\n" +
	"+++ b/src/domain/normalizeInput.ts\n" +
	"@@ -0,0 +1,3 @@\n" +
	"+export function normalizeInput(input: string): string {\n" +
	"+  return input.trim();\n" +
	"+}\n" +
	"```\n" +
	"\n" +
	"Important: Your diff must include `---`, `+++`, and at least one `@@` hunk with real lines.\n" +
	"Do NOT output header-only diffs like index ...e69de29." +
	"{{#if extra_rules}}\n{{extra_rules}}{{/if}}"

const payloadTemplate = `# PROMPT_BUNDLE
{{bundle}}

# TASK
{{task}}

# ATTEMPT
{{attempt}}{{#if previous_output}}

# PREVIOUS_INVALID_OUTPUT (for debugging)
{{previous_output}}{{/if}}`

const retryRulesTemplate = "Your previous output was invalid or failed quality gates. " +
	"Regenerate a correct unified diff with full headers and at least one @@ hunk per file. " +
	"Do not output header-only diffs (e.g., index ...e69de29). " +
	"Include ALL required files listed in the instructions. " +
	"Fix issues reported in the gates log if provided."

const translateTemplate = `Translate the given GitHub pull request description into natural {{language}}.
Keep the Markdown structure and headings as-is.
Do not add new content. Do not remove content.
Preserve code spans/backticks, command names, filenames, and paths exactly.
If English technical terms are widely used (e.g., PR, lint, typecheck), you may keep them.
Return ONLY the translated Markdown. No extra commentary.`
