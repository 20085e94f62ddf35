package htmldoc

import (
	"fmt"

	"github.com/hazyhaar/domrec/dom"
)

// CreateElement returns a detached element owned by d.
func (d *Document) CreateElement(tag string, attrs ...dom.Attr) *Node {
	return &Node{kind: dom.ElementNode, tag: tag, attrs: attrs, doc: d}
}

// CreateText returns a detached text node owned by d.
func (d *Document) CreateText(s string) *Node {
	return &Node{kind: dom.TextNode, text: s, doc: d}
}

// CreateComment returns a detached comment node owned by d.
func (d *Document) CreateComment(s string) *Node {
	return &Node{kind: dom.CommentNode, text: s, doc: d}
}

// CreateDoctype returns a detached doctype node owned by d.
func (d *Document) CreateDoctype(name string) *Node {
	return &Node{kind: dom.DoctypeNode, text: name, doc: d}
}

// AppendChild appends child to parent. A child that is already attached is
// moved, and the removal from its old parent is reported first.
func (d *Document) AppendChild(parent, child *Node) ([]dom.Change, error) {
	return d.InsertBefore(parent, child, nil)
}

// InsertBefore inserts child before ref (append when ref is nil).
func (d *Document) InsertBefore(parent, child, ref *Node) ([]dom.Change, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if parent.kind != dom.ElementNode && parent.kind != dom.DocumentNode && parent.kind != dom.ShadowRootNode {
		return nil, fmt.Errorf("htmldoc: %s cannot have children", parent.kind)
	}
	for p := parent; p != nil; p = p.parent {
		if p == child {
			return nil, fmt.Errorf("htmldoc: insert would create a cycle")
		}
	}

	var changes []dom.Change
	if old := child.parent; old != nil {
		changes = append(changes, d.detach(old, child))
	}

	idx := len(parent.children)
	if ref != nil {
		if idx = ref.indexIn(parent); idx < 0 {
			return changes, fmt.Errorf("htmldoc: reference node is not a child")
		}
	}
	parent.children = append(parent.children, nil)
	copy(parent.children[idx+1:], parent.children[idx:])
	parent.children[idx] = child
	child.parent = parent

	changes = append(changes, dom.Change{Kind: dom.ChildList, Target: parent, Added: []dom.Node{child}})
	return changes, nil
}

// RemoveChild detaches child from parent.
func (d *Document) RemoveChild(parent, child *Node) (dom.Change, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if child.parent != parent {
		return dom.Change{}, fmt.Errorf("htmldoc: node is not a child of parent")
	}
	return d.detach(parent, child), nil
}

func (d *Document) detach(parent, child *Node) dom.Change {
	idx := child.indexIn(parent)
	parent.children = append(parent.children[:idx], parent.children[idx+1:]...)
	child.parent = nil
	return dom.Change{Kind: dom.ChildList, Target: parent, Removed: []dom.Node{child}}
}

// SetAttr sets an attribute, reporting the previous value.
func (d *Document) SetAttr(n *Node, name, value string) dom.Change {
	d.mu.Lock()
	defer d.mu.Unlock()
	old := ""
	for i := range n.attrs {
		if n.attrs[i].Name == name {
			old = n.attrs[i].Value
			n.attrs[i].Value = value
			return dom.Change{Kind: dom.Attributes, Target: n, Name: name, OldValue: old}
		}
	}
	n.attrs = append(n.attrs, dom.Attr{Name: name, Value: value})
	return dom.Change{Kind: dom.Attributes, Target: n, Name: name, OldValue: old}
}

// RemoveAttr deletes an attribute.
func (d *Document) RemoveAttr(n *Node, name string) dom.Change {
	d.mu.Lock()
	defer d.mu.Unlock()
	old := ""
	for i := range n.attrs {
		if n.attrs[i].Name == name {
			old = n.attrs[i].Value
			n.attrs = append(n.attrs[:i], n.attrs[i+1:]...)
			break
		}
	}
	return dom.Change{Kind: dom.Attributes, Target: n, Name: name, OldValue: old}
}

// SetText replaces the character data of a text or comment node.
func (d *Document) SetText(n *Node, s string) dom.Change {
	d.mu.Lock()
	defer d.mu.Unlock()
	old := n.text
	n.text = s
	return dom.Change{Kind: dom.CharacterData, Target: n, OldValue: old}
}

// AttachShadow gives host an empty shadow root.
func (d *Document) AttachShadow(host *Node) (*Node, dom.Change, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if host.kind != dom.ElementNode {
		return nil, dom.Change{}, fmt.Errorf("htmldoc: shadow host must be an element")
	}
	if host.shadow != nil {
		return nil, dom.Change{}, fmt.Errorf("htmldoc: shadow root already attached")
	}
	sr := &Node{kind: dom.ShadowRootNode, parent: host, doc: d}
	host.shadow = sr
	return sr, dom.Change{Kind: dom.ShadowAttach, Target: host}, nil
}
