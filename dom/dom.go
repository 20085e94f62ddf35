// Package dom is the narrow introspection facade every capture component
// works against. A live browser page, a cloned document and a sandboxed proxy
// all satisfy the same two interfaces, so the serializer, the mutation
// encoder and the rule engine never care which one they are reading.
package dom

// Kind is the type of a tree node.
type Kind int

const (
	DocumentNode Kind = iota
	ElementNode
	TextNode
	CommentNode
	DoctypeNode
	ShadowRootNode
)

func (k Kind) String() string {
	switch k {
	case DocumentNode:
		return "document"
	case ElementNode:
		return "element"
	case TextNode:
		return "text"
	case CommentNode:
		return "comment"
	case DoctypeNode:
		return "doctype"
	case ShadowRootNode:
		return "shadow"
	default:
		return "unknown"
	}
}

// Attr is a single element attribute.
type Attr struct {
	Name  string
	Value string
}

// Node is a read-only view of one tree node.
//
// Implementations must return an untyped nil from Parent and Shadow when the
// node has none, and must return the same Node value for the same underlying
// node on every call: identity comparison (==) is how callers tell nodes apart.
type Node interface {
	Kind() Kind
	// Tag is the lower-cased element name; empty for non-elements.
	Tag() string
	Attrs() []Attr
	Attr(name string) (string, bool)
	// Text is the character data of text and comment nodes, the doctype name
	// for doctypes, and empty otherwise.
	Text() string
	// Parent returns the parent node. A shadow root's parent is its host.
	Parent() Node
	Children() []Node
	// Shadow returns the attached shadow root, if any.
	Shadow() Node
	// Connected reports whether the node is still attached to its document.
	Connected() bool
}

// StyleSheet is a stylesheet reachable from the document.
type StyleSheet struct {
	// Owner is the <style> or <link> element that carries the sheet.
	Owner Node
	// Href is the absolute URL of an external sheet; empty for inline ones.
	Href string
	// Text is the inline rule text; empty for external sheets.
	Text string
}

// Document is the root of an observable tree.
type Document interface {
	Root() Node
	URL() string
	StyleSheets() []StyleSheet
}

// ChangeKind classifies an observation notification.
type ChangeKind string

const (
	ChildList     ChangeKind = "childList"
	CharacterData ChangeKind = "characterData"
	Attributes    ChangeKind = "attributes"
	ShadowAttach  ChangeKind = "shadow"
)

// Change is one raw notification delivered by the observation facility.
// For ChildList the Target is the parent whose children changed.
type Change struct {
	Kind     ChangeKind
	Target   Node
	Added    []Node
	Removed  []Node
	Name     string // attribute name for Attributes
	OldValue string
}

// Walk visits n and its descendants depth-first, including shadow roots
// (visited before light children). Returning false from fn skips the subtree.
func Walk(n Node, fn func(Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	if s := n.Shadow(); s != nil {
		Walk(s, fn)
	}
	for _, c := range n.Children() {
		Walk(c, fn)
	}
}

// Closest returns the nearest inclusive ancestor of n matching sel, crossing
// shadow boundaries, or nil.
func Closest(n Node, sel *Selector) Node {
	for cur := n; cur != nil; cur = cur.Parent() {
		if sel.Match(cur) {
			return cur
		}
	}
	return nil
}

// Depth returns the number of ancestors of n.
func Depth(n Node) int {
	d := 0
	for p := n.Parent(); p != nil; p = p.Parent() {
		d++
	}
	return d
}

// ReadLocker is implemented by documents that are mutated from another
// goroutine while capture reads them. Capture holds the read lock for the
// duration of a snapshot or a flush.
type ReadLocker interface {
	RLock()
	RUnlock()
}

// AttrValue returns the value of the named attribute or "".
func AttrValue(n Node, name string) string {
	v, _ := n.Attr(name)
	return v
}
