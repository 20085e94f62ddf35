package htmldoc

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/domrec/dom"
)

// Document is a mutable in-memory document. Mutators take the write lock;
// capture code reading from another goroutine holds RLock.
type Document struct {
	mu   sync.RWMutex
	root *Node
	url  string
}

var (
	_ dom.Document   = (*Document)(nil)
	_ dom.ReadLocker = (*Document)(nil)
)

// New returns an empty document (a bare document node).
func New(pageURL string) *Document {
	d := &Document{url: pageURL}
	d.root = &Node{kind: dom.DocumentNode, doc: d}
	return d
}

// Parse reads a full HTML document. A <template shadowrootmode> element
// becomes the shadow root of its parent element.
func Parse(r io.Reader, pageURL string) (*Document, error) {
	top, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("htmldoc: parse: %w", err)
	}
	d := New(pageURL)
	for c := top.FirstChild; c != nil; c = c.NextSibling {
		d.convertInto(d.root, c)
	}
	return d, nil
}

// ParseString is Parse over a string.
func ParseString(src, pageURL string) (*Document, error) {
	return Parse(strings.NewReader(src), pageURL)
}

// Fragment parses markup in a <body> context into detached nodes owned by d.
func (d *Document) Fragment(src string) ([]*Node, error) {
	ctx := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(src), ctx)
	if err != nil {
		return nil, fmt.Errorf("htmldoc: parse fragment: %w", err)
	}
	holder := &Node{kind: dom.ElementNode, tag: "body", doc: d}
	for _, n := range nodes {
		d.convertInto(holder, n)
	}
	out := holder.children
	for _, n := range out {
		n.parent = nil
	}
	return out, nil
}

func (d *Document) convertInto(parent *Node, h *html.Node) {
	var n *Node
	switch h.Type {
	case html.ElementNode:
		if h.DataAtom == atom.Template && parent.kind == dom.ElementNode && parent.shadow == nil {
			if mode := getAttr(h, "shadowrootmode"); mode == "open" || mode == "closed" {
				sr := &Node{kind: dom.ShadowRootNode, parent: parent, doc: d}
				parent.shadow = sr
				for c := h.FirstChild; c != nil; c = c.NextSibling {
					d.convertInto(sr, c)
				}
				return
			}
		}
		n = &Node{kind: dom.ElementNode, tag: strings.ToLower(h.Data), doc: d}
		for _, a := range h.Attr {
			n.attrs = append(n.attrs, dom.Attr{Name: strings.ToLower(a.Key), Value: a.Val})
		}
	case html.TextNode:
		n = &Node{kind: dom.TextNode, text: h.Data, doc: d}
	case html.CommentNode:
		n = &Node{kind: dom.CommentNode, text: h.Data, doc: d}
	case html.DoctypeNode:
		n = &Node{kind: dom.DoctypeNode, text: h.Data, doc: d}
	default:
		return
	}
	n.parent = parent
	parent.children = append(parent.children, n)
	for c := h.FirstChild; c != nil; c = c.NextSibling {
		d.convertInto(n, c)
	}
}

func getAttr(h *html.Node, key string) string {
	for _, a := range h.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func (d *Document) Root() dom.Node { return d.root }
func (d *Document) URL() string    { return d.url }

// RootNode returns the concrete document node.
func (d *Document) RootNode() *Node { return d.root }

// SetURL changes the document URL (SPA navigation).
func (d *Document) SetURL(u string) {
	d.mu.Lock()
	d.url = u
	d.mu.Unlock()
}

func (d *Document) RLock()   { d.mu.RLock() }
func (d *Document) RUnlock() { d.mu.RUnlock() }

// StyleSheets lists <style> elements and <link rel=stylesheet> targets in
// tree order, including those inside shadow roots.
func (d *Document) StyleSheets() []dom.StyleSheet {
	var out []dom.StyleSheet
	dom.Walk(d.root, func(n dom.Node) bool {
		if n.Kind() != dom.ElementNode {
			return true
		}
		switch n.Tag() {
		case "style":
			out = append(out, dom.StyleSheet{Owner: n, Text: n.(*Node).TextContent()})
			return false
		case "link":
			if !isStylesheetLink(n) {
				return true
			}
			href, _ := n.Attr("href")
			out = append(out, dom.StyleSheet{Owner: n, Href: d.resolve(href)})
		}
		return true
	})
	return out
}

func isStylesheetLink(n dom.Node) bool {
	rel, _ := n.Attr("rel")
	for _, r := range strings.Fields(strings.ToLower(rel)) {
		if r == "stylesheet" {
			return true
		}
	}
	return false
}

func (d *Document) resolve(href string) string {
	base, err := url.Parse(d.url)
	if err != nil || href == "" {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

// Clone deep-copies the document. The copy shares nothing with d.
func (d *Document) Clone() *Document {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c := &Document{url: d.url}
	c.root = d.root.clone(c, nil)
	return c
}

// Find returns the first element matching sel, or nil.
func (d *Document) Find(sel string) *Node {
	s, err := dom.Compile(sel)
	if err != nil {
		return nil
	}
	var found *Node
	dom.Walk(d.root, func(n dom.Node) bool {
		if found != nil {
			return false
		}
		if s.Match(n) {
			found = n.(*Node)
			return false
		}
		return true
	})
	return found
}

// Render serializes the document back to HTML. Shadow roots are written as
// declarative <template shadowrootmode="open"> elements.
func (d *Document) Render() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var buf bytes.Buffer
	top := &html.Node{Type: html.DocumentNode}
	for _, c := range d.root.children {
		top.AppendChild(toHTML(c))
	}
	if err := html.Render(&buf, top); err != nil {
		return ""
	}
	return buf.String()
}

func toHTML(n *Node) *html.Node {
	var h *html.Node
	switch n.kind {
	case dom.TextNode:
		return &html.Node{Type: html.TextNode, Data: n.text}
	case dom.CommentNode:
		return &html.Node{Type: html.CommentNode, Data: n.text}
	case dom.DoctypeNode:
		return &html.Node{Type: html.DoctypeNode, Data: n.text}
	case dom.ShadowRootNode:
		h = &html.Node{Type: html.ElementNode, Data: "template", DataAtom: atom.Template,
			Attr: []html.Attribute{{Key: "shadowrootmode", Val: "open"}}}
	default:
		h = &html.Node{Type: html.ElementNode, Data: n.tag, DataAtom: atom.Lookup([]byte(n.tag))}
		for _, a := range n.attrs {
			h.Attr = append(h.Attr, html.Attribute{Key: a.Name, Val: a.Value})
		}
		if n.shadow != nil {
			h.AppendChild(toHTML(n.shadow))
		}
	}
	for _, c := range n.children {
		h.AppendChild(toHTML(c))
	}
	return h
}
