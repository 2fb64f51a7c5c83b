package document

import (
	"fmt"
	"io"

	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/ast"
	"github.com/gomarkdown/markdown/html"
	"github.com/wehubfusion/livebind/pkg/binding"
	"github.com/wehubfusion/livebind/pkg/dataset"
	"github.com/wehubfusion/livebind/pkg/placeholder"
)

// CSS classes on rendered placeholders.
const (
	ClassPlaceholder = "livebind"
	ClassLoading     = "livebind-loading"
	ClassFailed      = "livebind-failed"
)

// RenderHTML renders the document with the current placeholder values.
//
// Inline placeholders become a <span>. A block placeholder whose value came
// from a markdown dataset is rendered as markdown inside a <div>; any other
// block value is shown preformatted.
func (v *View) RenderHTML() []byte {
	renderer := html.NewRenderer(html.RendererOptions{
		Flags:          html.CommonFlags,
		RenderNodeHook: v.renderNode,
	})
	return markdown.Render(v.root, renderer)
}

// RenderMarkdown returns the source with every placeholder replaced by its
// current value. Placeholders inside code stay literal, as in RenderHTML.
func (v *View) RenderMarkdown() []byte {
	out := placeholder.ReplaceMarkdown(string(v.source), func(ph placeholder.Placeholder) string {
		b, ok := v.bindings[ph.FullPath]
		if !ok {
			return ph.Text()
		}
		return b.Value()
	})
	return []byte(out)
}

func (v *View) renderNode(w io.Writer, node ast.Node, entering bool) (ast.WalkStatus, bool) {
	n, ok := node.(*placeholder.Node)
	if !ok {
		return ast.GoToNext, false
	}
	if !entering {
		return ast.GoToNext, true
	}

	b, ok := v.bindings[n.FullPath]
	if !ok {
		html.EscapeHTML(w, n.Literal)
		return ast.GoToNext, true
	}

	class := classFor(b)
	value := []byte(b.Value())
	if !n.Block() {
		openTag(w, "span", class, n.FullPath)
		html.EscapeHTML(w, value)
		io.WriteString(w, "</span>")
		return ast.GoToNext, true
	}

	switch {
	case b.Err() == nil && b.Type() == dataset.TypeMarkdown:
		openTag(w, "div", class, n.FullPath)
		io.WriteString(w, "\n")
		w.Write(renderFragment(value))
		io.WriteString(w, "</div>\n")
	case b.Err() != nil:
		openTag(w, "p", class, n.FullPath)
		html.EscapeHTML(w, value)
		io.WriteString(w, "</p>\n")
	default:
		openTag(w, "pre", class, n.FullPath)
		io.WriteString(w, "<code>")
		html.EscapeHTML(w, value)
		io.WriteString(w, "</code></pre>\n")
	}
	return ast.GoToNext, true
}

func openTag(w io.Writer, tag, class, fullPath string) {
	fmt.Fprintf(w, `<%s class="%s" data-path="`, tag, class)
	html.EscapeHTML(w, []byte(fullPath))
	io.WriteString(w, `">`)
}

// renderFragment renders a markdown value. Placeholders inside it stay literal.
func renderFragment(source []byte) []byte {
	renderer := html.NewRenderer(html.RendererOptions{Flags: html.CommonFlags})
	return markdown.Render(Parse(source), renderer)
}

func classFor(b *binding.Binding) string {
	switch b.State() {
	case binding.StateIdle, binding.StateResolving:
		return ClassPlaceholder + " " + ClassLoading
	}
	if b.Err() != nil {
		return ClassPlaceholder + " " + ClassFailed
	}
	return ClassPlaceholder
}
