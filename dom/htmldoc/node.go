// Package htmldoc is the in-memory document context: an HTML tree parsed with
// golang.org/x/net/html that satisfies the dom facade and can be mutated.
// Every mutation returns the dom.Change a browser mutation observer would
// have reported, which is how cloned documents, tests and the live CDP mirror
// feed the mutation encoder.
package htmldoc

import (
	"strings"

	"github.com/hazyhaar/domrec/dom"
)

// Node is one node of an in-memory document.
type Node struct {
	kind     dom.Kind
	tag      string
	attrs    []dom.Attr
	text     string
	parent   *Node
	children []*Node
	shadow   *Node
	doc      *Document
}

var _ dom.Node = (*Node)(nil)

func (n *Node) Kind() dom.Kind { return n.kind }
func (n *Node) Tag() string    { return n.tag }

func (n *Node) Attrs() []dom.Attr {
	out := make([]dom.Attr, len(n.attrs))
	copy(out, n.attrs)
	return out
}

func (n *Node) Attr(name string) (string, bool) {
	for _, a := range n.attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

func (n *Node) Text() string { return n.text }

func (n *Node) Parent() dom.Node {
	if n.parent == nil {
		return nil
	}
	return n.parent
}

func (n *Node) Children() []dom.Node {
	out := make([]dom.Node, len(n.children))
	for i, c := range n.children {
		out[i] = c
	}
	return out
}

func (n *Node) Shadow() dom.Node {
	if n.shadow == nil {
		return nil
	}
	return n.shadow
}

func (n *Node) Connected() bool {
	cur := n
	for cur.parent != nil {
		cur = cur.parent
	}
	return cur.doc != nil && cur == cur.doc.root
}

// ParentNode returns the concrete parent or nil.
func (n *Node) ParentNode() *Node { return n.parent }

// ChildNodes returns the concrete children. The slice must not be modified.
func (n *Node) ChildNodes() []*Node { return n.children }

// ShadowRoot returns the concrete shadow root or nil.
func (n *Node) ShadowRoot() *Node { return n.shadow }

// TextContent concatenates the text of all descendant text nodes.
func (n *Node) TextContent() string {
	var b strings.Builder
	var walk func(*Node)
	walk = func(c *Node) {
		if c.kind == dom.TextNode {
			b.WriteString(c.text)
		}
		for _, k := range c.children {
			walk(k)
		}
	}
	walk(n)
	return b.String()
}

func (n *Node) indexIn(parent *Node) int {
	for i, c := range parent.children {
		if c == n {
			return i
		}
	}
	return -1
}

func (n *Node) clone(doc *Document, parent *Node) *Node {
	c := &Node{
		kind:   n.kind,
		tag:    n.tag,
		attrs:  append([]dom.Attr(nil), n.attrs...),
		text:   n.text,
		parent: parent,
		doc:    doc,
	}
	for _, k := range n.children {
		c.children = append(c.children, k.clone(doc, c))
	}
	if n.shadow != nil {
		c.shadow = n.shadow.clone(doc, c)
	}
	return c
}
