package placeholder

import (
	"bytes"

	"github.com/gomarkdown/markdown/ast"
)

// Node is a placeholder spliced into a markdown AST. Its Literal holds the
// original "{{...}}" text so renderers that do not know the node can fall back
// to it.
type Node struct {
	ast.Leaf
	Placeholder

	block bool
}

// Block reports whether the node replaced its paragraph and so renders as a
// block rather than inline.
func (n *Node) Block() bool {
	return n.block
}

func newNode(ph Placeholder) *Node {
	n := &Node{Placeholder: ph}
	n.Literal = []byte(ph.Text())
	return n
}

// Transform rewrites every text node under root that contains placeholders and
// returns the inserted nodes in document order.
//
// A paragraph whose only content is a single block placeholder is replaced by
// the placeholder node itself. Otherwise placeholder nodes are spliced inline
// between the surrounding text fragments.
func Transform(root ast.Node) []*Node {
	var texts []*ast.Text
	ast.WalkFunc(root, func(node ast.Node, entering bool) ast.WalkStatus {
		if t, ok := node.(*ast.Text); ok && entering && bytes.Contains(t.Literal, []byte("{{")) {
			texts = append(texts, t)
		}
		return ast.GoToNext
	})

	var out []*Node
	for _, text := range texts {
		out = append(out, rewrite(text)...)
	}
	return out
}

// Collect returns the placeholder nodes of an already transformed tree.
func Collect(root ast.Node) []*Node {
	var out []*Node
	ast.WalkFunc(root, func(node ast.Node, entering bool) ast.WalkStatus {
		if n, ok := node.(*Node); ok && entering {
			out = append(out, n)
		}
		return ast.GoToNext
	})
	return out
}

// IDs returns the distinct full paths of nodes, in first-seen order.
func IDs(nodes []*Node) []string {
	seen := make(map[string]struct{}, len(nodes))
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if _, ok := seen[n.FullPath]; ok {
			continue
		}
		seen[n.FullPath] = struct{}{}
		ids = append(ids, n.FullPath)
	}
	return ids
}

func rewrite(text *ast.Text) []*Node {
	literal := string(text.Literal)
	matches := Find(literal)
	if len(matches) == 0 {
		return nil
	}
	parent := text.Parent
	if parent == nil {
		return nil
	}

	var (
		fragments []ast.Node
		nodes     []*Node
		last      int
	)
	for _, m := range matches {
		if m.Start > last {
			fragments = append(fragments, textNode(literal[last:m.Start]))
		}
		n := newNode(m.Placeholder)
		fragments = append(fragments, n)
		nodes = append(nodes, n)
		last = m.End
	}
	if last < len(literal) {
		fragments = append(fragments, textNode(literal[last:]))
	}

	if para, ok := parent.(*ast.Paragraph); ok && len(para.Children) == 1 && len(nodes) == 1 && nodes[0].IsBlock() && onlyWhitespaceBesides(fragments, nodes[0]) {
		if grand := para.Parent; grand != nil {
			nodes[0].block = true
			replaceChild(grand, para, nodes[0])
			return nodes
		}
	}

	replaceChild(parent, text, fragments...)
	return nodes
}

func textNode(s string) *ast.Text {
	t := &ast.Text{}
	t.Literal = []byte(s)
	return t
}

func onlyWhitespaceBesides(fragments []ast.Node, keep *Node) bool {
	for _, f := range fragments {
		if f == ast.Node(keep) {
			continue
		}
		t, ok := f.(*ast.Text)
		if !ok || len(bytes.TrimSpace(t.Literal)) > 0 {
			return false
		}
	}
	return true
}

func replaceChild(parent, old ast.Node, repl ...ast.Node) {
	children := parent.GetChildren()
	out := make([]ast.Node, 0, len(children)+len(repl))
	for _, c := range children {
		if c != old {
			out = append(out, c)
			continue
		}
		for _, r := range repl {
			r.SetParent(parent)
			out = append(out, r)
		}
	}
	old.SetParent(nil)
	parent.SetChildren(out)
}
