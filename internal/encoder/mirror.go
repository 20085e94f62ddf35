package encoder

import (
	"slices"
	"strconv"

	"github.com/hazyhaar/domrec/dom"
	"github.com/hazyhaar/domrec/internal/redact"
	"github.com/hazyhaar/domrec/internal/snapshot"
	"github.com/hazyhaar/domrec/record"
)

// mnode is the collector's view of one node: the state every emitted patch
// has already established. Values are raw (after attribute rewriting, before
// redaction) so comparisons do not depend on encryption timing.
type mnode struct {
	live     dom.Node
	kind     dom.Kind
	tag      string
	attrs    []dom.Attr
	text     string
	styleRef string
	// Redaction decisions the shipped values were made under.
	textDec  redact.Decision
	attrDec  map[string]redact.Decision
	// opaque marks a node shipped as the unserializable placeholder. Its
	// subtree is not tracked.
	opaque   bool
	isShadow bool
	parent   *mnode
	children []*mnode
	shadow   *mnode
}

type mirror struct {
	byLive map[dom.Node]*mnode
	root   *mnode
	ser    *snapshot.Serializer
}

func newMirror(ser *snapshot.Serializer) *mirror {
	return &mirror{byLive: make(map[dom.Node]*mnode), ser: ser}
}

// seed builds the mirror subtree for live node n from the record node rec it
// was serialized to. Both come from the same locked read of the tree.
func (m *mirror) seed(n dom.Node, rec *record.Node, parent *mnode) *mnode {
	mn := &mnode{live: n, kind: rec.Kind, tag: rec.Tag, parent: parent, styleRef: rec.StyleRef}
	m.byLive[n] = mn
	if isPlaceholder(rec) && n.Kind() != dom.CommentNode {
		mn.opaque = true
		if rec.Text != nil {
			mn.text = rec.Text.String()
		}
		return mn
	}
	mn.text = rawText(n)
	switch n.Kind() {
	case dom.TextNode:
		mn.textDec = m.ser.TextDecision(n)
	case dom.ElementNode:
		mn.attrs = m.rawAttrs(n)
		mn.attrDec = make(map[string]redact.Decision, len(mn.attrs))
		for _, a := range n.Attrs() {
			mn.attrDec[a.Name] = m.ser.AttrDecision(n, a.Name, a.Value)
		}
	}
	if sh := n.Shadow(); sh != nil && rec.Shadow != nil {
		mn.shadow = m.seed(sh, rec.Shadow, mn)
		mn.shadow.isShadow = true
	}
	kids := n.Children()
	for i, c := range kids {
		if i >= len(rec.Children) {
			break
		}
		mn.children = append(mn.children, m.seed(c, rec.Children[i], mn))
	}
	return mn
}

func isPlaceholder(rec *record.Node) bool {
	return rec.Kind == dom.CommentNode && rec.Text != nil && rec.Text.String() == snapshot.UnserializablePlaceholder
}

func (m *mirror) rawAttrs(n dom.Node) []dom.Attr {
	attrs := n.Attrs()
	for i := range attrs {
		attrs[i].Value = m.ser.Rewriter().Apply(attrs[i].Name, attrs[i].Value)
	}
	return attrs
}

// rawText is the comparable character data of n. Script and stylesheet
// bodies never ship as text, so their changes are invisible here.
func rawText(n dom.Node) string {
	switch n.Kind() {
	case dom.TextNode:
		if p := n.Parent(); p != nil && p.Kind() == dom.ElementNode && (p.Tag() == "script" || p.Tag() == "style") {
			return ""
		}
		return n.Text()
	case dom.CommentNode, dom.DoctypeNode:
		return n.Text()
	}
	return ""
}

// forget unregisters mn and its subtree.
func (m *mirror) forget(mn *mnode) {
	if mn == nil {
		return
	}
	if m.byLive[mn.live] == mn {
		delete(m.byLive, mn.live)
	}
	m.forget(mn.shadow)
	for _, c := range mn.children {
		m.forget(c)
	}
}

// attached reports whether mn is still reachable from the mirror root.
func (m *mirror) attached(mn *mnode) bool {
	for cur := mn; cur != nil; cur = cur.parent {
		if cur == m.root {
			return true
		}
	}
	return false
}

// ref addresses mn in the mirror's current state.
func (m *mirror) ref(mn *mnode) dom.Ref {
	var segs []string
	for cur := mn; cur.parent != nil; cur = cur.parent {
		if cur.isShadow {
			segs = append(segs, dom.ShadowSegment)
			continue
		}
		segs = append(segs, strconv.Itoa(slices.Index(cur.parent.children, cur)))
	}
	slices.Reverse(segs)
	return dom.JoinRef(segs)
}

func depth(mn *mnode) int {
	d := 0
	for cur := mn.parent; cur != nil; cur = cur.parent {
		d++
	}
	return d
}

func attrIndex(attrs []dom.Attr, name string) int {
	for i, a := range attrs {
		if a.Name == name {
			return i
		}
	}
	return -1
}
