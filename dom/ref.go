package dom

import (
	"strconv"
	"strings"
)

// Ref addresses a node by the child indices on the path from the document
// root, e.g. "/1/0/3". A shadow root is the segment "s" under its host
// ("/1/2/s/0"). The document itself is "/".
//
// Refs are derived from positions only, never from object identity, so a
// replayed tree resolves the same ref to the same node.
type Ref string

// RootRef addresses the document node.
const RootRef Ref = "/"

// ShadowSegment is the path segment that enters a shadow root.
const ShadowSegment = "s"

// RefOf computes the ref of n by walking its ancestors.
func RefOf(n Node) Ref {
	var segs []string
	for cur := n; cur != nil; {
		p := cur.Parent()
		if p == nil {
			break
		}
		if cur.Kind() == ShadowRootNode {
			segs = append(segs, ShadowSegment)
		} else {
			segs = append(segs, strconv.Itoa(IndexOf(p.Children(), cur)))
		}
		cur = p
	}
	for i, j := 0, len(segs)-1; i < j; i, j = i+1, j-1 {
		segs[i], segs[j] = segs[j], segs[i]
	}
	return JoinRef(segs)
}

// JoinRef builds a ref from path segments.
func JoinRef(segs []string) Ref {
	if len(segs) == 0 {
		return RootRef
	}
	return Ref("/" + strings.Join(segs, "/"))
}

// Segments splits the ref into its path segments.
func (r Ref) Segments() []string {
	s := strings.Trim(string(r), "/")
	if s == "" {
		return nil
	}
	return strings.Split(s, "/")
}

// Child returns the ref of the i-th child of r.
func (r Ref) Child(i int) Ref {
	return r.join(strconv.Itoa(i))
}

// ShadowRoot returns the ref of the shadow root hosted at r.
func (r Ref) ShadowRoot() Ref {
	return r.join(ShadowSegment)
}

func (r Ref) join(seg string) Ref {
	if r == RootRef || r == "" {
		return Ref("/" + seg)
	}
	return Ref(string(r) + "/" + seg)
}

// Depth is the number of segments in the ref.
func (r Ref) Depth() int {
	return len(r.Segments())
}

// Resolve follows ref from root. It reports false when a segment does not
// exist in the current tree.
func Resolve(root Node, ref Ref) (Node, bool) {
	cur := root
	for _, seg := range ref.Segments() {
		if seg == ShadowSegment {
			cur = cur.Shadow()
			if cur == nil {
				return nil, false
			}
			continue
		}
		i, err := strconv.Atoi(seg)
		if err != nil {
			return nil, false
		}
		kids := cur.Children()
		if i < 0 || i >= len(kids) {
			return nil, false
		}
		cur = kids[i]
	}
	return cur, true
}

// IndexOf returns the position of n in nodes or -1.
func IndexOf(nodes []Node, n Node) int {
	for i, c := range nodes {
		if c == n {
			return i
		}
	}
	return -1
}
