// Package patch pulls a unified diff and a change description out of model
// output and checks the diff's structure before anything touches the tree.
package patch

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Block is one fenced code block found in model output.
type Block struct {
	Lang  string // first word of the info string, lower-cased
	Text  string // content with trailing whitespace removed
	Index int    // position among all fenced blocks
}

var markdown = goldmark.New()

// Scan returns every fenced code block in src in document order, including
// blocks nested in lists or quotes.
func Scan(src string) []Block {
	source := []byte(src)
	doc := markdown.Parser().Parse(text.NewReader(source))

	var blocks []Block
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		fenced, ok := n.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}
		var buf bytes.Buffer
		lines := fenced.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			buf.Write(seg.Value(source))
		}
		blocks = append(blocks, Block{
			Lang:  strings.ToLower(string(fenced.Language(source))),
			Text:  strings.TrimRight(buf.String(), " \t\r\n"),
			Index: len(blocks),
		})
		return ast.WalkSkipChildren, nil
	})
	return blocks
}

// Filter keeps the blocks whose language is one of langs, preserving order.
func Filter(blocks []Block, langs ...string) []Block {
	want := make(map[string]bool, len(langs))
	for _, l := range langs {
		want[strings.ToLower(l)] = true
	}
	var out []Block
	for _, b := range blocks {
		if want[b.Lang] {
			out = append(out, b)
		}
	}
	return out
}
