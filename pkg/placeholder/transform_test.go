package placeholder

import (
	"testing"

	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/ast"
	"github.com/gomarkdown/markdown/parser"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, src string) ast.Node {
	t.Helper()
	doc := markdown.Parse([]byte(src), parser.NewWithExtensions(parser.CommonExtensions))
	require.NotNil(t, doc)
	return doc
}

func literal(t *testing.T, n ast.Node) string {
	t.Helper()
	text, ok := n.(*ast.Text)
	require.True(t, ok, "expected *ast.Text, got %T", n)
	return string(text.Literal)
}

func TestTransformSplicesInline(t *testing.T) {
	doc := parse(t, "Status: {{dataset.current.d1.status}} now")
	nodes := Transform(doc)
	require.Len(t, nodes, 1)

	para, ok := doc.GetChildren()[0].(*ast.Paragraph)
	require.True(t, ok)
	children := para.GetChildren()
	require.Len(t, children, 3)

	assert.Equal(t, "Status: ", literal(t, children[0]))
	assert.Same(t, nodes[0], children[1])
	assert.Equal(t, " now", literal(t, children[2]))

	n := nodes[0]
	assert.Equal(t, "dataset.current.d1.status", n.FullPath)
	assert.Equal(t, ScopeCurrent, n.Scope)
	assert.Equal(t, "d1", n.DatasetID)
	assert.Equal(t, "status", n.JSONPath)
	assert.False(t, n.Block())
	assert.Same(t, para, n.GetParent())
	assert.Equal(t, "{{dataset.current.d1.status}}", string(n.Literal))
}

func TestTransformMultipleMatchesKeepOrder(t *testing.T) {
	doc := parse(t, "{{dataset.current.a.x}} and {{dataset.pin.p1.b.y}}!")
	nodes := Transform(doc)
	require.Len(t, nodes, 2)

	children := doc.GetChildren()[0].GetChildren()
	require.Len(t, children, 4)
	assert.Same(t, nodes[0], children[0])
	assert.Equal(t, " and ", literal(t, children[1]))
	assert.Same(t, nodes[1], children[2])
	assert.Equal(t, "!", literal(t, children[3]))

	assert.Equal(t, "dataset.current.a.x", nodes[0].FullPath)
	assert.Equal(t, "dataset.pin.p1.b.y", nodes[1].FullPath)
	assert.Equal(t, "p1", nodes[1].PinID)
}

func TestTransformCollapsesBlockParagraph(t *testing.T) {
	doc := parse(t, "# Title\n\n{{dataset.current.notes}}\n\nAfter")
	nodes := Transform(doc)
	require.Len(t, nodes, 1)

	children := doc.GetChildren()
	require.Len(t, children, 3)
	assert.IsType(t, &ast.Heading{}, children[0])
	assert.Same(t, nodes[0], children[1])
	assert.IsType(t, &ast.Paragraph{}, children[2])

	assert.True(t, nodes[0].Block())
	assert.Same(t, doc, nodes[0].GetParent())
}

func TestTransformMarkdownPathCollapses(t *testing.T) {
	doc := parse(t, "{{dataset.pin.other.notes.markdown}}")
	nodes := Transform(doc)
	require.Len(t, nodes, 1)
	assert.True(t, nodes[0].Block())
	assert.Same(t, nodes[0], doc.GetChildren()[0])
}

func TestTransformBlockWithTextStaysInline(t *testing.T) {
	doc := parse(t, "See {{dataset.current.notes}}")
	nodes := Transform(doc)
	require.Len(t, nodes, 1)
	assert.False(t, nodes[0].Block())
	assert.IsType(t, &ast.Paragraph{}, doc.GetChildren()[0])
}

func TestTransformInlinePlaceholderAloneStaysInParagraph(t *testing.T) {
	doc := parse(t, "{{dataset.current.d1.status}}")
	nodes := Transform(doc)
	require.Len(t, nodes, 1)
	assert.False(t, nodes[0].Block())

	para, ok := doc.GetChildren()[0].(*ast.Paragraph)
	require.True(t, ok)
	assert.Len(t, para.GetChildren(), 1)
}

func TestTransformLeavesUnrecognizedText(t *testing.T) {
	doc := parse(t, "Keep {{dataset.weird}} and {{dataset.current}} as is")
	nodes := Transform(doc)
	assert.Empty(t, nodes)

	children := doc.GetChildren()[0].GetChildren()
	require.Len(t, children, 1)
	assert.Equal(t, "Keep {{dataset.weird}} and {{dataset.current}} as is", literal(t, children[0]))
}

func TestCollectAndIDs(t *testing.T) {
	doc := parse(t, "A {{dataset.current.d1.a}}\n\n{{dataset.current.notes}}\n\nB {{dataset.current.d1.a}} {{dataset.current.d1.b}}")
	nodes := Transform(doc)
	require.Len(t, nodes, 4)

	collected := Collect(doc)
	require.Len(t, collected, 4)
	for i := range nodes {
		assert.Same(t, nodes[i], collected[i])
	}

	assert.Equal(t, []string{
		"dataset.current.d1.a",
		"dataset.current.notes",
		"dataset.current.d1.b",
	}, IDs(nodes))
}
