package patch

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/gobwas/glob"

	"github.com/lucasnoah/patchloop/internal/pipeline"
)

var (
	diffGitRe  = regexp.MustCompile(`(?m)^diff --git `)
	minusRe    = regexp.MustCompile(`(?m)^--- `)
	plusRe     = regexp.MustCompile(`(?m)^\+\+\+ `)
	hunkRe     = regexp.MustCompile(`(?m)^@@ `)
	fileHeadRe = regexp.MustCompile(`(?m)^diff --git a/(\S+) b/(\S+)\s*$`)
)

// MissingFilesError lists required paths the diff never touches.
type MissingFilesError struct {
	Missing []string
}

func (e *MissingFilesError) Error() string {
	return fmt.Sprintf("diff missing required files:\n- %s\nRegenerate diff including ALL required files exactly at these paths.",
		strings.Join(e.Missing, "\n- "))
}

// ForbiddenPathError reports touched paths that match the forbidden policy.
type ForbiddenPathError struct {
	Paths []string
}

func (e *ForbiddenPathError) Error() string {
	return fmt.Sprintf("diff touches forbidden paths: %s", strings.Join(e.Paths, ", "))
}

// Policy is the set of path patterns a diff must never touch.
type Policy struct {
	patterns []glob.Glob
}

// NewPolicy compiles forbidden path globs. "*" stays within one path
// segment; "**" spans directories.
func NewPolicy(forbidden []string) (*Policy, error) {
	p := &Policy{}
	for _, pattern := range forbidden {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid forbidden path pattern %q: %w", pattern, err)
		}
		p.patterns = append(p.patterns, g)
	}
	return p, nil
}

// Forbidden reports whether the repo-relative path matches any pattern.
func (p *Policy) Forbidden(file string) bool {
	if p == nil {
		return false
	}
	file = path.Clean(file)
	for _, g := range p.patterns {
		if g.Match(file) {
			return true
		}
	}
	return false
}

// Validator runs the structural checks on a candidate.
type Validator struct {
	RequiredFiles []string
	Policy        *Policy
}

// Validate checks, in order: unified diff markers, at least one hunk,
// required file headers, then the forbidden path policy.
func (v *Validator) Validate(c Candidate) error {
	if strings.TrimSpace(c.Diff) == "" {
		return pipeline.Errorf(pipeline.KindStructural, "validate", "diff block is empty")
	}
	if strings.TrimSpace(c.Description) == "" {
		return pipeline.Errorf(pipeline.KindStructural, "validate", "description block is empty")
	}
	if !diffGitRe.MatchString(c.Diff) {
		return pipeline.Errorf(pipeline.KindStructural, "validate", "invalid unified diff: missing \"diff --git\" header")
	}
	if !hunkRe.MatchString(c.Diff) {
		return pipeline.Errorf(pipeline.KindStructural, "validate", "no real change: diff has headers but no @@ hunk")
	}
	if !minusRe.MatchString(c.Diff) {
		return pipeline.Errorf(pipeline.KindStructural, "validate", "invalid unified diff: missing \"---\" source marker")
	}
	if !plusRe.MatchString(c.Diff) {
		return pipeline.Errorf(pipeline.KindStructural, "validate", "invalid unified diff: missing \"+++\" target marker")
	}

	if missing := MissingFiles(c.Diff, v.RequiredFiles); len(missing) > 0 {
		return &pipeline.Error{Kind: pipeline.KindStructural, Op: "validate", Err: &MissingFilesError{Missing: missing}}
	}

	if v.Policy != nil {
		var hits []string
		for _, f := range TouchedPaths(c.Diff) {
			if v.Policy.Forbidden(f) {
				hits = append(hits, f)
			}
		}
		if len(hits) > 0 {
			return &pipeline.Error{Kind: pipeline.KindStructural, Op: "validate", Err: &ForbiddenPathError{Paths: hits}}
		}
	}
	return nil
}

// MissingFiles returns the required paths with no "diff --git a/<p> b/<p>"
// header, in the order they were required.
func MissingFiles(diff string, required []string) []string {
	var missing []string
	for _, p := range required {
		if !strings.Contains(diff, "diff --git a/"+p+" b/"+p) {
			missing = append(missing, p)
		}
	}
	return missing
}

// TouchedPaths returns every distinct path named in a file header, source
// and target, in order of appearance.
func TouchedPaths(diff string) []string {
	seen := make(map[string]bool)
	var paths []string
	for _, m := range fileHeadRe.FindAllStringSubmatch(diff, -1) {
		for _, p := range m[1:] {
			if !seen[p] {
				seen[p] = true
				paths = append(paths, p)
			}
		}
	}
	return paths
}
