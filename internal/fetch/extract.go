package fetch

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Elements that never carry readable page content.
var dropped = map[atom.Atom]bool{
	atom.Head:     true,
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Canvas:   true,
	atom.Form:     true,
	atom.Nav:      true,
	atom.Header:   true,
	atom.Footer:   true,
	atom.Aside:    true,
}

// Elements rendered on their own line.
var blocks = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Section: true, atom.Article: true,
	atom.Main: true, atom.Blockquote: true, atom.Pre: true, atom.Table: true,
	atom.Tr: true, atom.Ul: true, atom.Ol: true, atom.Dl: true, atom.Dt: true,
	atom.Dd: true, atom.Figure: true, atom.Figcaption: true, atom.Hr: true,
	atom.Details: true, atom.Summary: true, atom.Br: true,
}

var headingLevel = map[atom.Atom]int{
	atom.H1: 1, atom.H2: 2, atom.H3: 3, atom.H4: 4, atom.H5: 5, atom.H6: 6,
}

// extract returns the page title and its readable text. When the page has
// a <main> or <article> element only that subtree is rendered. Headings
// and list items keep a light markdown shape.
func extract(body []byte) (title, text string) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return "", collapseBlankLines(string(body))
	}

	if t := find(doc, atom.Title); t != nil {
		title = strings.Join(strings.Fields(textOf(t)), " ")
	}

	root := find(doc, atom.Main)
	if root == nil {
		root = find(doc, atom.Article)
	}
	if root == nil {
		root = doc
	}

	var w textWriter
	render(&w, root)
	text = collapseBlankLines(w.b.String())

	if title == "" {
		if h := find(root, atom.H1); h != nil {
			title = strings.Join(strings.Fields(textOf(h)), " ")
		}
	}
	return title, text
}

func find(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if f := find(c, a); f != nil {
			return f
		}
	}
	return nil
}

func textOf(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textOf(c))
	}
	return b.String()
}

// textWriter tracks the last byte written so words from adjacent text
// nodes get exactly one separating space.
type textWriter struct {
	b    strings.Builder
	last byte
}

func (w *textWriter) WriteString(s string) {
	if s == "" {
		return
	}
	w.b.WriteString(s)
	w.last = s[len(s)-1]
}

func (w *textWriter) word(s string) {
	if w.last != 0 && w.last != '\n' && w.last != ' ' {
		w.WriteString(" ")
	}
	w.WriteString(s)
}

func render(w *textWriter, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		if s := strings.Join(strings.Fields(n.Data), " "); s != "" {
			w.word(s)
		}
		return
	case html.ElementNode:
		if dropped[n.DataAtom] {
			return
		}
		if lvl, ok := headingLevel[n.DataAtom]; ok {
			w.WriteString("\n\n" + strings.Repeat("#", lvl) + " ")
			w.WriteString(strings.Join(strings.Fields(textOf(n)), " "))
			w.WriteString("\n\n")
			return
		}
		if n.DataAtom == atom.Li {
			w.WriteString("\n- ")
		} else if blocks[n.DataAtom] {
			w.WriteString("\n\n")
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		render(w, c)
	}

	if n.Type == html.ElementNode && blocks[n.DataAtom] {
		w.WriteString("\n\n")
	}
}

// collapseBlankLines trims each line and squeezes runs of blank lines to
// one.
func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	blank := false
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			if blank || len(out) == 0 {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
