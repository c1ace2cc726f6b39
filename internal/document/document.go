// Package document finds Clojure code blocks in a Markdown document, runs
// them through an evaluator and writes each result back below its block.
package document

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/cljeval/cljeval/internal/engine"
	"github.com/cljeval/cljeval/internal/forms"
)

const (
	// ResultsMarker opens a results region written below a code block.
	ResultsMarker = "<!-- cljeval:results -->"
	// EndMarker closes a results region.
	EndMarker = "<!-- cljeval:end -->"
)

// Block is one evaluable fenced code block.
type Block struct {
	// Index is the block's position among evaluable blocks, from 0.
	Index    int
	Language string
	Header   Header
	Body     string
	// Line is the 1-based line of the opening fence.
	Line int

	// end is the offset just past the closing fence line.
	end int
	// results spans an existing results region after the block, if any.
	resultsStart int
	resultsEnd   int
	hasResults   bool
}

// HasResults reports whether a results region already follows the block.
func (b Block) HasResults() bool {
	return b.hasResults
}

// Header holds the arguments that follow the language on the fence line,
// e.g. ```clojure :session main :results value :var x=1
type Header struct {
	Session    string
	Results    engine.ResultKind
	ResultsSet bool
	Vars       forms.Bindings
	// Skip is set by ":eval no".
	Skip bool
	// Unknown lists keys that were present but not understood.
	Unknown []string
}

// Parse returns the top-level fenced code blocks whose language is one of
// languages, in document order.
func Parse(src []byte, languages []string) ([]Block, error) {
	wanted := make(map[string]struct{}, len(languages))
	for _, language := range languages {
		wanted[strings.ToLower(strings.TrimSpace(language))] = struct{}{}
	}

	root := goldmark.New().Parser().Parse(text.NewReader(src))

	blocks := make([]Block, 0)
	for node := root.FirstChild(); node != nil; node = node.NextSibling() {
		fenced, ok := node.(*ast.FencedCodeBlock)
		if !ok || fenced.Info == nil {
			continue
		}
		language := strings.ToLower(string(fenced.Language(src)))
		if _, ok := wanted[language]; !ok {
			continue
		}

		info := string(fenced.Info.Segment.Value(src))
		header, err := ParseHeader(info)
		if err != nil {
			return nil, fmt.Errorf("block at line %d: %w", lineOf(src, fenced.Info.Segment.Start), err)
		}

		var body strings.Builder
		lines := fenced.Lines()
		for i := 0; i < lines.Len(); i++ {
			segment := lines.At(i)
			body.Write(segment.Value(src))
		}

		block := Block{
			Index:    len(blocks),
			Language: language,
			Header:   header,
			Body:     body.String(),
			Line:     lineOf(src, fenced.Info.Segment.Start),
			end:      fenceEnd(src, fenced),
		}
		block.resultsStart, block.resultsEnd, block.hasResults = findResults(src, block.end)
		blocks = append(blocks, block)
	}
	return blocks, nil
}

// fenceEnd returns the offset just past the closing fence line. Body line
// segments keep their trailing newline, so the closing fence starts where
// the last body line stops.
func fenceEnd(src []byte, fenced *ast.FencedCodeBlock) int {
	lines := fenced.Lines()
	var closing int
	if lines.Len() > 0 {
		closing = lines.At(lines.Len() - 1).Stop
	} else {
		closing = lineEnd(src, fenced.Info.Segment.Stop)
	}
	if closing >= len(src) {
		return len(src)
	}
	return lineEnd(src, closing)
}

// findResults looks for a results region after from, allowing blank lines
// in between. The returned span starts at from so rewriting it also
// normalises the gap.
func findResults(src []byte, from int) (int, int, bool) {
	i := from
	for i < len(src) {
		end := lineEnd(src, i)
		if len(bytes.TrimSpace(src[i:end])) != 0 {
			break
		}
		i = end
	}
	if !bytes.HasPrefix(bytes.TrimLeft(src[i:], " \t"), []byte(ResultsMarker)) {
		return 0, 0, false
	}
	closing := bytes.Index(src[i:], []byte(EndMarker))
	if closing < 0 {
		return 0, 0, false
	}
	return from, lineEnd(src, i+closing), true
}

func lineEnd(src []byte, from int) int {
	if from >= len(src) {
		return len(src)
	}
	idx := bytes.IndexByte(src[from:], '\n')
	if idx < 0 {
		return len(src)
	}
	return from + idx + 1
}

func lineOf(src []byte, offset int) int {
	if offset > len(src) {
		offset = len(src)
	}
	return bytes.Count(src[:offset], []byte("\n")) + 1
}
