// CLAUDE:SUMMARY Mirrors a live Chrome page into an htmldoc tree from CDP DOM events, reporting each applied event as dom.Change.
// Package roddoc is the live-browser document context. A Mirror keeps an
// htmldoc.Document in step with a Chrome page through CDP DOM domain events,
// so the recorder captures a real page through the same facade it uses for
// in-memory documents.
//
// CDP node ids map onto htmldoc nodes. Every applied event yields the
// dom.Change a mutation observer in the page would have reported.
package roddoc

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/domrec/dom"
	"github.com/hazyhaar/domrec/dom/htmldoc"
)

// CDP node types.
const (
	elementNode  = 1
	textNode     = 3
	cdataNode    = 4
	commentNode  = 8
	documentNode = 9
	doctypeNode  = 10
)

// Mirror is the htmldoc copy of one page.
type Mirror struct {
	doc    *htmldoc.Document
	logger *slog.Logger

	mu    sync.Mutex
	nodes map[proto.DOMNodeID]*htmldoc.Node
}

// NewMirror returns an empty mirror for pageURL.
func NewMirror(pageURL string, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{
		doc:    htmldoc.New(pageURL),
		logger: logger,
		nodes:  make(map[proto.DOMNodeID]*htmldoc.Node),
	}
}

// Document returns the mirrored document.
func (m *Mirror) Document() *htmldoc.Document { return m.doc }

// Len returns the number of tracked CDP nodes.
func (m *Mirror) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.nodes)
}

// Load replaces the mirrored tree with the result of DOM.getDocument.
// No changes are reported: a reload starts a new hit with a fresh snapshot.
func (m *Mirror) Load(root *proto.DOMNode) {
	m.mu.Lock()
	defer m.mu.Unlock()

	top := m.doc.RootNode()
	for _, c := range append([]*htmldoc.Node(nil), top.ChildNodes()...) {
		_, _ = m.doc.RemoveChild(top, c)
	}
	m.nodes = make(map[proto.DOMNodeID]*htmldoc.Node)
	if root == nil {
		return
	}
	if root.DocumentURL != "" {
		m.doc.SetURL(root.DocumentURL)
	}
	m.nodes[root.NodeID] = top
	for _, c := range root.Children {
		if n := m.build(c); n != nil {
			_, _ = m.doc.AppendChild(top, n)
		}
	}
}

// build converts a CDP subtree into detached htmldoc nodes and registers
// every node id. Frame documents and template contents are not followed.
func (m *Mirror) build(p *proto.DOMNode) *htmldoc.Node {
	var n *htmldoc.Node
	switch p.NodeType {
	case elementNode:
		tag := p.LocalName
		if tag == "" {
			tag = p.NodeName
		}
		n = m.doc.CreateElement(strings.ToLower(tag), attrPairs(p.Attributes)...)
	case textNode, cdataNode:
		n = m.doc.CreateText(p.NodeValue)
	case commentNode:
		n = m.doc.CreateComment(p.NodeValue)
	case doctypeNode:
		n = m.doc.CreateDoctype(strings.ToLower(p.NodeName))
	default:
		return nil
	}
	m.nodes[p.NodeID] = n

	if len(p.ShadowRoots) > 0 && p.NodeType == elementNode {
		if sr, _, err := m.doc.AttachShadow(n); err == nil {
			sp := p.ShadowRoots[0]
			m.nodes[sp.NodeID] = sr
			for _, c := range sp.Children {
				if k := m.build(c); k != nil {
					_, _ = m.doc.AppendChild(sr, k)
				}
			}
		}
	}
	for _, c := range p.Children {
		if k := m.build(c); k != nil {
			_, _ = m.doc.AppendChild(n, k)
		}
	}
	return n
}

func attrPairs(flat []string) []dom.Attr {
	out := make([]dom.Attr, 0, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		out = append(out, dom.Attr{Name: strings.ToLower(flat[i]), Value: flat[i+1]})
	}
	return out
}

func (m *Mirror) forget(n *htmldoc.Node) {
	gone := map[*htmldoc.Node]bool{}
	dom.Walk(n, func(c dom.Node) bool {
		gone[c.(*htmldoc.Node)] = true
		return true
	})
	for id, k := range m.nodes {
		if gone[k] {
			delete(m.nodes, id)
		}
	}
}

func (m *Mirror) lookup(id proto.DOMNodeID, event string) (*htmldoc.Node, bool) {
	n, ok := m.nodes[id]
	if !ok {
		m.logger.Debug("roddoc: unknown node", "event", event, "node", id)
	}
	return n, ok
}

// Inserted applies DOM.childNodeInserted.
func (m *Mirror) Inserted(e *proto.DOMChildNodeInserted) []dom.Change {
	m.mu.Lock()
	defer m.mu.Unlock()
	parent, ok := m.lookup(e.ParentNodeID, "inserted")
	if !ok || e.Node == nil {
		return nil
	}
	var changes []dom.Change
	if old, ok := m.nodes[e.Node.NodeID]; ok && old.ParentNode() != nil {
		// A moved node arrives as a fresh subtree under the same id.
		if c, err := m.doc.RemoveChild(old.ParentNode(), old); err == nil {
			m.forget(old)
			changes = append(changes, c)
		}
	}
	child := m.build(e.Node)
	if child == nil {
		return changes
	}

	var ref *htmldoc.Node
	kids := parent.ChildNodes()
	if e.PreviousNodeID == 0 {
		if len(kids) > 0 {
			ref = kids[0]
		}
	} else if prev, ok := m.nodes[e.PreviousNodeID]; ok {
		for i, k := range kids {
			if k == prev && i+1 < len(kids) {
				ref = kids[i+1]
			}
		}
	}
	added, err := m.doc.InsertBefore(parent, child, ref)
	if err != nil {
		m.logger.Warn("roddoc: insert", "error", err)
	}
	return append(changes, added...)
}

// Removed applies DOM.childNodeRemoved.
func (m *Mirror) Removed(e *proto.DOMChildNodeRemoved) []dom.Change {
	m.mu.Lock()
	defer m.mu.Unlock()
	parent, ok := m.lookup(e.ParentNodeID, "removed")
	if !ok {
		return nil
	}
	child, ok := m.lookup(e.NodeID, "removed")
	if !ok {
		return nil
	}
	c, err := m.doc.RemoveChild(parent, child)
	if err != nil {
		m.logger.Warn("roddoc: remove", "error", err)
		return nil
	}
	m.forget(child)
	return []dom.Change{c}
}

// AttrModified applies DOM.attributeModified.
func (m *Mirror) AttrModified(e *proto.DOMAttributeModified) []dom.Change {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.lookup(e.NodeID, "attr")
	if !ok {
		return nil
	}
	return []dom.Change{m.doc.SetAttr(n, strings.ToLower(e.Name), e.Value)}
}

// AttrRemoved applies DOM.attributeRemoved.
func (m *Mirror) AttrRemoved(e *proto.DOMAttributeRemoved) []dom.Change {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.lookup(e.NodeID, "attr_removed")
	if !ok {
		return nil
	}
	return []dom.Change{m.doc.RemoveAttr(n, strings.ToLower(e.Name))}
}

// CharacterData applies DOM.characterDataModified.
func (m *Mirror) CharacterData(e *proto.DOMCharacterDataModified) []dom.Change {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.lookup(e.NodeID, "text")
	if !ok {
		return nil
	}
	return []dom.Change{m.doc.SetText(n, e.CharacterData)}
}

// SetChildNodes applies DOM.setChildNodes, sent when CDP pushes children it
// had not reported yet.
func (m *Mirror) SetChildNodes(e *proto.DOMSetChildNodes) []dom.Change {
	m.mu.Lock()
	defer m.mu.Unlock()
	parent, ok := m.lookup(e.ParentID, "set_children")
	if !ok {
		return nil
	}
	var out []dom.Change
	for _, p := range e.Nodes {
		if _, known := m.nodes[p.NodeID]; known {
			continue
		}
		if n := m.build(p); n != nil {
			changes, err := m.doc.AppendChild(parent, n)
			if err != nil {
				m.logger.Warn("roddoc: set children", "error", err)
				continue
			}
			out = append(out, changes...)
		}
	}
	return out
}

// ShadowPushed applies DOM.shadowRootPushed.
func (m *Mirror) ShadowPushed(e *proto.DOMShadowRootPushed) []dom.Change {
	m.mu.Lock()
	defer m.mu.Unlock()
	host, ok := m.lookup(e.HostID, "shadow")
	if !ok || e.Root == nil || host.ShadowRoot() != nil {
		return nil
	}
	sr, c, err := m.doc.AttachShadow(host)
	if err != nil {
		m.logger.Warn("roddoc: attach shadow", "error", err)
		return nil
	}
	m.nodes[e.Root.NodeID] = sr
	for _, k := range e.Root.Children {
		if n := m.build(k); n != nil {
			_, _ = m.doc.AppendChild(sr, n)
		}
	}
	return []dom.Change{c}
}

// Resolve finds the mirrored node addressed by ref.
func (m *Mirror) Resolve(ref dom.Ref) (dom.Node, bool) {
	m.doc.RLock()
	defer m.doc.RUnlock()
	return dom.Resolve(m.doc.Root(), ref)
}
