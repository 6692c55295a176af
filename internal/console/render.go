package console

import (
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var markdown = goldmark.New()

// RenderMarkdown converts model output to plain terminal text. Emphasis
// markers are dropped, lists keep a simple "-" or "N." marker, links
// show their destination, and code blocks are indented.
func RenderMarkdown(src string) string {
	source := []byte(src)
	doc := markdown.Parser().Parse(text.NewReader(source))

	r := &plainRenderer{source: source}
	if err := ast.Walk(doc, r.walk); err != nil {
		return src
	}

	out := r.b.String()
	for strings.Contains(out, "\n\n\n") {
		out = strings.ReplaceAll(out, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(out)
}

type plainRenderer struct {
	b      strings.Builder
	source []byte
	lists  []int // next item number per nesting level; 0 for bullets
}

func (r *plainRenderer) walk(n ast.Node, entering bool) (ast.WalkStatus, error) {
	switch node := n.(type) {
	case *ast.Heading:
		if !entering {
			r.b.WriteString("\n\n")
		}

	case *ast.Paragraph:
		if !entering {
			if _, inItem := node.Parent().(*ast.ListItem); inItem {
				r.b.WriteString("\n")
			} else {
				r.b.WriteString("\n\n")
			}
		}

	case *ast.TextBlock:
		if !entering {
			r.b.WriteString("\n")
		}

	case *ast.List:
		if entering {
			start := 0
			if node.IsOrdered() {
				start = node.Start
			}
			r.lists = append(r.lists, start)
		} else {
			r.lists = r.lists[:len(r.lists)-1]
			if len(r.lists) == 0 {
				r.b.WriteString("\n")
			}
		}

	case *ast.ListItem:
		if entering && len(r.lists) > 0 {
			depth := len(r.lists) - 1
			r.b.WriteString(strings.Repeat("  ", depth))
			if num := r.lists[depth]; num > 0 {
				r.b.WriteString(strconv.Itoa(num) + ". ")
				r.lists[depth]++
			} else {
				r.b.WriteString("- ")
			}
		}

	case *ast.Text:
		if entering {
			r.b.Write(node.Segment.Value(r.source))
			switch {
			case node.NextSibling() == nil:
			case node.HardLineBreak():
				r.b.WriteString("\n")
			case node.SoftLineBreak():
				r.b.WriteString(" ")
			}
		}

	case *ast.String:
		if entering {
			r.b.Write(node.Value)
		}

	case *ast.FencedCodeBlock, *ast.CodeBlock:
		if entering {
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				r.b.WriteString("    ")
				r.b.Write(seg.Value(r.source))
			}
			r.b.WriteString("\n")
		}
		return ast.WalkSkipChildren, nil

	case *ast.Link:
		if !entering {
			dest := string(node.Destination)
			if dest != "" && dest != string(node.Text(r.source)) {
				r.b.WriteString(" (" + dest + ")")
			}
		}

	case *ast.AutoLink:
		if entering {
			r.b.Write(node.URL(r.source))
		}
		return ast.WalkSkipChildren, nil

	case *ast.ThematicBreak:
		if entering {
			r.b.WriteString("----\n\n")
		}

	case *ast.HTMLBlock, *ast.RawHTML:
		return ast.WalkSkipChildren, nil
	}
	return ast.WalkContinue, nil
}
