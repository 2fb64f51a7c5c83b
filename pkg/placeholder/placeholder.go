// Package placeholder recognizes {{dataset...}} references inside markdown and
// rewrites them into typed nodes of a gomarkdown AST.
//
// Grammar (segments are non-empty and contain no '.', '{', '}' or whitespace):
//
//	{{dataset.current.<datasetId>[.<jsonPath...>]}}
//	{{dataset.pin.<pinId>.<datasetId>[.<jsonPath...>]}}
package placeholder

import (
	"regexp"
	"strings"
)

// Scope selects which document a placeholder reads from.
type Scope string

const (
	// ScopeCurrent addresses the document being viewed
	ScopeCurrent Scope = "current"
	// ScopePin addresses an explicitly named document
	ScopePin Scope = "pin"
)

// Prefix starts every placeholder path.
const Prefix = "dataset."

// pattern matches the braces of a candidate placeholder. Candidates that do not
// parse as a valid path stay literal.
var pattern = regexp.MustCompile(`\{\{(dataset\.[^{}\s]+)\}\}`)

// Placeholder is one parsed reference. FullPath is its identity within a document.
type Placeholder struct {
	FullPath  string
	Scope     Scope
	PinID     string
	DatasetID string
	JSONPath  string
}

// IsBlock reports whether the placeholder stands for content that occupies a
// whole block, such as embedded markdown, rather than inline text.
func (p Placeholder) IsBlock() bool {
	return p.JSONPath == "" || p.JSONPath == "markdown" || p.JSONPath == "content"
}

// Text returns the placeholder as written in markdown source.
func (p Placeholder) Text() string {
	return "{{" + p.FullPath + "}}"
}

// ParsePath parses a path such as "dataset.pin.doc1.d1.a.b" (without braces).
func ParsePath(path string) (Placeholder, bool) {
	rest, ok := strings.CutPrefix(path, Prefix)
	if !ok {
		return Placeholder{}, false
	}
	parts := strings.Split(rest, ".")
	for _, p := range parts {
		if p == "" || strings.ContainsAny(p, "{} \t\r\n") {
			return Placeholder{}, false
		}
	}

	ph := Placeholder{FullPath: path}
	switch Scope(parts[0]) {
	case ScopeCurrent:
		if len(parts) < 2 {
			return Placeholder{}, false
		}
		ph.Scope = ScopeCurrent
		ph.DatasetID = parts[1]
		ph.JSONPath = strings.Join(parts[2:], ".")
	case ScopePin:
		if len(parts) < 3 {
			return Placeholder{}, false
		}
		ph.Scope = ScopePin
		ph.PinID = parts[1]
		ph.DatasetID = parts[2]
		ph.JSONPath = strings.Join(parts[3:], ".")
	default:
		return Placeholder{}, false
	}
	return ph, true
}

// Match is a placeholder found in text, with the byte offsets of its braces.
type Match struct {
	Placeholder
	Start, End int
}

// Find returns every valid placeholder in text, in order.
func Find(text string) []Match {
	var out []Match
	for _, loc := range pattern.FindAllStringSubmatchIndex(text, -1) {
		ph, ok := ParsePath(text[loc[2]:loc[3]])
		if !ok {
			continue
		}
		out = append(out, Match{Placeholder: ph, Start: loc[0], End: loc[1]})
	}
	return out
}

// Replace substitutes every valid placeholder in text with value(ph).
// Unrecognized shapes are left as written.
func Replace(text string, value func(Placeholder) string) string {
	matches := Find(text)
	if len(matches) == 0 {
		return text
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(text[last:m.Start])
		b.WriteString(value(m.Placeholder))
		last = m.End
	}
	b.WriteString(text[last:])
	return b.String()
}

// ReplaceMarkdown is Replace for markdown source. Placeholders inside code
// spans and fenced code blocks are left as written, the same text Transform
// leaves alone.
func ReplaceMarkdown(source string, value func(Placeholder) string) string {
	var b strings.Builder
	last := 0
	for _, r := range codeRegions(source) {
		b.WriteString(Replace(source[last:r[0]], value))
		b.WriteString(source[r[0]:r[1]])
		last = r[1]
	}
	b.WriteString(Replace(source[last:], value))
	return b.String()
}

// codeRegions returns the byte ranges of fenced code blocks and inline code
// spans in src, in order. An unclosed fence runs to the end of src.
func codeRegions(src string) [][2]int {
	var regions [][2]int
	var fence string
	fenceStart, textStart := 0, 0

	for pos := 0; pos < len(src); {
		end := strings.IndexByte(src[pos:], '\n')
		if end < 0 {
			end = len(src)
		} else {
			end += pos + 1
		}
		run, rest := fenceRun(src[pos:end])

		switch {
		case fence == "" && run != "" && !(run[0] == '`' && strings.ContainsRune(rest, '`')):
			regions = append(regions, codeSpans(src, textStart, pos)...)
			fence, fenceStart = run, pos
		case fence != "" && run != "" && run[0] == fence[0] && len(run) >= len(fence) && strings.TrimSpace(rest) == "":
			regions = append(regions, [2]int{fenceStart, end})
			fence, textStart = "", end
		}
		pos = end
	}

	if fence != "" {
		return append(regions, [2]int{fenceStart, len(src)})
	}
	return append(regions, codeSpans(src, textStart, len(src))...)
}

// fenceRun returns the run of three or more backticks or tildes that starts a
// fence line (indented at most three spaces) and the text after it.
func fenceRun(line string) (run, rest string) {
	trimmed := strings.TrimLeft(line, " ")
	if len(line)-len(trimmed) > 3 || len(trimmed) < 3 || (trimmed[0] != '`' && trimmed[0] != '~') {
		return "", ""
	}
	n := runLength(trimmed, 0, len(trimmed))
	if n < 3 {
		return "", ""
	}
	return trimmed[:n], trimmed[n:]
}

// codeSpans finds inline code spans in src[from:to]. A span opens with a run of
// backticks and closes with the next run of the same length; an opening run
// without a match is literal text.
func codeSpans(src string, from, to int) [][2]int {
	var spans [][2]int
	for i := from; i < to; {
		if src[i] != '`' || (i > from && src[i-1] == '\\') {
			i++
			continue
		}
		n := runLength(src, i, to)
		closeAt := -1
		for j := i + n; j < to; {
			if src[j] != '`' {
				j++
				continue
			}
			m := runLength(src, j, to)
			if m == n {
				closeAt = j + m
				break
			}
			j += m
		}
		if closeAt < 0 {
			i += n
			continue
		}
		spans = append(spans, [2]int{i, closeAt})
		i = closeAt
	}
	return spans
}

func runLength(s string, at, limit int) int {
	n := 0
	for at+n < limit && s[at+n] == s[at] {
		n++
	}
	return n
}
