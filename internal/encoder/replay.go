package encoder

import (
	"fmt"

	"github.com/hazyhaar/domrec/dom"
	"github.com/hazyhaar/domrec/dom/htmldoc"
	"github.com/hazyhaar/domrec/record"
)

// Replay rebuilds a document from a snapshot and applies the patch records
// of recs in order. Other record types are ignored.
func Replay(snap *record.Snapshot, recs []record.Record) (*htmldoc.Document, error) {
	doc := htmldoc.New(snap.URL)
	if snap.Root != nil {
		for _, c := range snap.Root.Children {
			if _, err := doc.AppendChild(doc.RootNode(), build(doc, c)); err != nil {
				return nil, fmt.Errorf("encoder: replay snapshot: %w", err)
			}
		}
	}
	for i, r := range recs {
		if r.Patch == nil {
			continue
		}
		if err := Apply(doc, r.Patch); err != nil {
			return doc, fmt.Errorf("encoder: replay record %d: %w", i, err)
		}
	}
	return doc, nil
}

// build turns a record node into a detached document node.
func build(doc *htmldoc.Document, rec *record.Node) *htmldoc.Node {
	var n *htmldoc.Node
	switch rec.Kind {
	case dom.ElementNode:
		var attrs []dom.Attr
		for _, a := range rec.Attrs {
			attrs = append(attrs, dom.Attr{Name: a.Name, Value: a.Value.String()})
		}
		n = doc.CreateElement(rec.Tag, attrs...)
	case dom.TextNode:
		n = doc.CreateText(text(rec))
	case dom.CommentNode:
		return doc.CreateComment(text(rec))
	case dom.DoctypeNode:
		return doc.CreateDoctype(text(rec))
	default:
		// Shadow roots are attached by the caller; nothing else nests.
		return doc.CreateComment(text(rec))
	}
	if rec.Shadow != nil {
		if sr, _, err := doc.AttachShadow(n); err == nil {
			fill(doc, sr, rec.Shadow)
		}
	}
	fill(doc, n, rec)
	return n
}

func fill(doc *htmldoc.Document, parent *htmldoc.Node, rec *record.Node) {
	for _, c := range rec.Children {
		doc.AppendChild(parent, build(doc, c))
	}
}

func text(rec *record.Node) string {
	if rec.Text == nil {
		return ""
	}
	return rec.Text.String()
}

// Apply applies one patch to doc.
func Apply(doc *htmldoc.Document, p *record.Patch) error {
	target, ok := dom.Resolve(doc.Root(), p.Target)
	if !ok {
		return fmt.Errorf("%s %s: target not found", p.Op, p.Target)
	}
	n := target.(*htmldoc.Node)

	switch p.Op {
	case record.OpRemove:
		for _, i := range p.Indices {
			kids := n.ChildNodes()
			if i < 0 || i >= len(kids) {
				return fmt.Errorf("remove %s: index %d out of range", p.Target, i)
			}
			if _, err := doc.RemoveChild(n, kids[i]); err != nil {
				return err
			}
		}
	case record.OpAdd:
		for _, c := range p.Children {
			kids := n.ChildNodes()
			if c.Index < 0 || c.Index > len(kids) {
				return fmt.Errorf("add %s: index %d out of range", p.Target, c.Index)
			}
			var ref *htmldoc.Node
			if c.Index < len(kids) {
				ref = kids[c.Index]
			}
			if _, err := doc.InsertBefore(n, build(doc, c.Node), ref); err != nil {
				return err
			}
		}
	case record.OpText:
		if p.Value != nil {
			doc.SetText(n, p.Value.String())
		}
	case record.OpAttr:
		if p.Removed {
			doc.RemoveAttr(n, p.Name)
		} else if p.Value != nil {
			doc.SetAttr(n, p.Name, p.Value.String())
		}
	case record.OpShadow:
		sr, _, err := doc.AttachShadow(n)
		if err != nil {
			return err
		}
		if p.Shadow != nil {
			fill(doc, sr, p.Shadow)
		}
	case record.OpDialog:
		_, has := n.Attr("open")
		if p.Open && !has {
			doc.SetAttr(n, "open", "")
		} else if !p.Open && has {
			doc.RemoveAttr(n, "open")
		}
	case record.OpStyle:
		// Stylesheet content travels as a resource; the tree is unchanged.
	default:
		return fmt.Errorf("unknown op %q", p.Op)
	}
	return nil
}
