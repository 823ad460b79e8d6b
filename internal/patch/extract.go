package patch

import (
	"github.com/lucasnoah/patchloop/internal/pipeline"
)

// Candidate is the pair of texts extracted from one generation.
type Candidate struct {
	Diff        string
	Description string
}

// Extractor finds the diff and description blocks in model output.
type Extractor struct {
	DiffLangs        []string
	DescriptionLangs []string
	DiffSelector     Selector
	DescSelector     Selector
}

// DefaultExtractor returns the extractor used by runs: longest diff block,
// first description block unless it is under 200 characters.
func DefaultExtractor() *Extractor {
	return &Extractor{
		DiffLangs:        []string{"diff", "patch"},
		DescriptionLangs: []string{"md", "markdown", "mdx"},
		DiffSelector:     Longest,
		DescSelector:     FirstUnlessShort(200),
	}
}

// Extract returns the selected candidate or a StructuralValidation error
// naming the missing block.
func (e *Extractor) Extract(output string) (Candidate, error) {
	blocks := Scan(output)

	diff, ok := e.DiffSelector.Select(Filter(blocks, e.DiffLangs...))
	if !ok {
		return Candidate{}, pipeline.Errorf(pipeline.KindStructural, "extract", "no diff block found")
	}
	desc, ok := e.DescSelector.Select(Filter(blocks, e.DescriptionLangs...))
	if !ok {
		return Candidate{}, pipeline.Errorf(pipeline.KindStructural, "extract", "no md description block found")
	}
	return Candidate{Diff: diff.Text, Description: desc.Text}, nil
}
