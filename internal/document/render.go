package document

import (
	"strings"

	"github.com/cljeval/cljeval/internal/engine"
	"github.com/cljeval/cljeval/internal/value"
)

// RenderResult renders r as Markdown. Output becomes a text fence. A list
// value becomes a table (a list of lists gives one row per inner list) and
// a scalar becomes a code span, or a fence when it spans lines.
func RenderResult(r engine.Result) string {
	if r.Kind == engine.ResultOutput {
		return fence("text", strings.TrimRight(r.Output, "\n"))
	}
	if r.Value.IsList() {
		return renderTable(r.Value)
	}
	return renderScalar(r.Value.Text())
}

// RenderError renders an evaluation failure in place of a result.
func RenderError(err error) string {
	return fence("text", "error: "+err.Error())
}

func renderScalar(text string) string {
	if strings.Contains(text, "\n") {
		return fence("edn", text)
	}
	ticks := strings.Repeat("`", longestRun(text, '`')+1)
	pad := ""
	if strings.HasPrefix(text, "`") || strings.HasSuffix(text, "`") {
		pad = " "
	}
	return ticks + pad + text + pad + ticks + "\n"
}

// renderTable emits a GFM table with an empty header row, so every row of
// the value is a data row.
func renderTable(v value.Value) string {
	rows := make([][]string, 0, v.Len())
	nested := v.Len() > 0
	for _, item := range v.Items() {
		if !item.IsList() {
			nested = false
			break
		}
	}

	if nested {
		for _, item := range v.Items() {
			row := make([]string, 0, item.Len())
			for _, cell := range item.Items() {
				row = append(row, cell.String())
			}
			rows = append(rows, row)
		}
	} else {
		row := make([]string, 0, v.Len())
		for _, cell := range v.Items() {
			row = append(row, cell.String())
		}
		rows = append(rows, row)
	}

	width := 1
	for _, row := range rows {
		if len(row) > width {
			width = len(row)
		}
	}

	var b strings.Builder
	writeRow(&b, make([]string, width))
	separator := make([]string, width)
	for i := range separator {
		separator[i] = "---"
	}
	writeRow(&b, separator)
	for _, row := range rows {
		padded := make([]string, width)
		copy(padded, row)
		writeRow(&b, padded)
	}
	return b.String()
}

func writeRow(b *strings.Builder, cells []string) {
	b.WriteString("|")
	for _, cell := range cells {
		b.WriteString(" ")
		b.WriteString(escapeCell(cell))
		b.WriteString(" |")
	}
	b.WriteString("\n")
}

func escapeCell(cell string) string {
	cell = strings.ReplaceAll(cell, "|", `\|`)
	return strings.ReplaceAll(cell, "\n", " ")
}

func fence(language, body string) string {
	ticks := strings.Repeat("`", max(3, longestRun(body, '`')+1))
	var b strings.Builder
	b.WriteString(ticks)
	b.WriteString(language)
	b.WriteString("\n")
	if body != "" {
		b.WriteString(body)
		b.WriteString("\n")
	}
	b.WriteString(ticks)
	b.WriteString("\n")
	return b.String()
}

func longestRun(s string, c byte) int {
	longest, run := 0, 0
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			run++
			if run > longest {
				longest = run
			}
			continue
		}
		run = 0
	}
	return longest
}
