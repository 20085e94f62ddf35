package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"golang.org/x/text/currency"

	"github.com/hazyhaar/domrec/dom"
)

// signatureDomain separates rule signatures from any other hash.
const signatureDomain = "domrec/rule/v1"

// Node is a hash-consed rule node. Nodes are shared between rules; the memo
// slot is the cache entry for the node's signature.
type Node struct {
	kind Kind
	sig  string
	args []*Node
	spec Spec
	// cats is the declared set united with the children's sets.
	cats catSet
	// session marks nodes that need session metadata before they can fire.
	session bool

	re     *regexp.Regexp
	sel    *dom.Selector
	unit   currency.Unit
	keys   []string
	script ScriptFunc
	call   Callback

	valid bool
	memo  string
	evals uint64
}

// Kind returns the node kind.
func (n *Node) Kind() Kind { return n.kind }

// Signature returns the canonical signature.
func (n *Node) Signature() string { return n.sig }

// Categories returns the invalidation categories.
func (n *Node) Categories() []Category { return n.cats.list() }

// Evaluations returns how many times the node was computed (memo misses).
func (n *Node) Evaluations() uint64 { return n.evals }

// BuildError reports a spec that cannot become a node.
type BuildError struct {
	Kind   Kind
	Reason string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("rules: build %s: %s", e.Kind, e.Reason)
}

// intrinsic lists the categories a kind depends on by itself.
var intrinsic = map[Kind]catSet{
	KindPresent:     setOf(CatPageReady, CatClick, CatInput, CatSubmit),
	KindMatches:     setOf(CatClick, CatInput, CatSubmit),
	KindCookie:      setOf(CatCookie),
	KindLastClick:   setOf(CatClick),
	KindLastField:   setOf(CatInput, CatSubmit),
	KindXHRURL:      setOf(CatXHR),
	KindXHRRequest:  setOf(CatXHR),
	KindXHRResponse: setOf(CatXHR),
	KindEngagement:  setOf(CatSession),
	KindFirstHit:    setOf(CatSession),
	KindURL:         setOf(CatPageReady),
}

// arity is the accepted argument count range per kind; -1 means unbounded.
var arity = map[Kind][2]int{
	KindAnd: {1, -1}, KindOr: {1, -1}, KindNot: {1, 1},
	KindEq: {1, 2}, KindContains: {1, 2}, KindRange: {1, 1},
	KindGt: {1, 2}, KindLt: {1, 2},
	KindPresent: {0, 0}, KindMatches: {0, 0},
	KindRegex: {1, 1}, KindJSONPath: {1, 1}, KindCurrency: {1, 1},
	KindCookie: {0, 0}, KindScript: {0, 1}, KindCallback: {0, -1},
	KindConst: {0, 0}, KindLastClick: {0, 0}, KindLastField: {0, 0},
	KindXHRURL: {0, 0}, KindXHRRequest: {0, 0}, KindXHRResponse: {0, 0},
	KindEngagement: {0, 0}, KindFirstHit: {0, 0}, KindURL: {0, 0},
}

// Arena owns the hash-consed nodes. Structurally identical specs built into
// the same arena return the same *Node.
type Arena struct {
	nodes     map[string]*Node
	order     []*Node
	callbacks map[string]Callback
	scripts   *ScriptRunner
}

// NewArena returns an empty arena.
func NewArena(callbacks map[string]Callback, scripts *ScriptRunner) *Arena {
	if scripts == nil {
		scripts = NewScriptRunner()
	}
	return &Arena{nodes: make(map[string]*Node), callbacks: callbacks, scripts: scripts}
}

// Len returns the number of distinct nodes.
func (a *Arena) Len() int { return len(a.nodes) }

// Nodes returns the nodes in creation order.
func (a *Arena) Nodes() []*Node { return a.order }

// Build turns spec into a node, reusing an existing node with the same
// signature.
func (a *Arena) Build(spec Spec) (*Node, error) {
	r, ok := arity[spec.Kind]
	if !ok {
		return nil, &BuildError{Kind: spec.Kind, Reason: "unknown kind"}
	}
	if len(spec.Args) < r[0] || (r[1] >= 0 && len(spec.Args) > r[1]) {
		return nil, &BuildError{Kind: spec.Kind, Reason: fmt.Sprintf("%d arguments", len(spec.Args))}
	}

	var args []*Node
	var childSigs []string
	cats := intrinsic[spec.Kind]
	for _, c := range spec.Categories {
		bit := catBit(c)
		if bit == 0 {
			return nil, &BuildError{Kind: spec.Kind, Reason: fmt.Sprintf("unknown category %q", c)}
		}
		cats |= bit
	}
	session := spec.Kind == KindEngagement || spec.Kind == KindFirstHit
	for _, as := range spec.Args {
		child, err := a.Build(as)
		if err != nil {
			return nil, err
		}
		args = append(args, child)
		childSigs = append(childSigs, child.sig)
		cats |= child.cats
		session = session || child.session
	}

	sig, err := signature(spec, cats, childSigs)
	if err != nil {
		return nil, err
	}
	if n, ok := a.nodes[sig]; ok {
		return n, nil
	}

	n := &Node{kind: spec.Kind, sig: sig, args: args, spec: spec, cats: cats, session: session}
	if err := a.prepare(n); err != nil {
		return nil, err
	}
	a.nodes[sig] = n
	a.order = append(a.order, n)
	return n, nil
}

// prepare compiles the parameters of n.
func (a *Arena) prepare(n *Node) error {
	s := n.spec
	switch n.kind {
	case KindRegex:
		re, err := regexp.Compile(s.Pattern)
		if err != nil {
			return &BuildError{Kind: n.kind, Reason: err.Error()}
		}
		n.re = re
	case KindPresent, KindMatches:
		sel, err := dom.Compile(s.Selector)
		if err != nil {
			return &BuildError{Kind: n.kind, Reason: err.Error()}
		}
		n.sel = sel
	case KindRange:
		if s.Min == nil && s.Max == nil {
			return &BuildError{Kind: n.kind, Reason: "range needs min or max"}
		}
	case KindJSONPath:
		keys, err := splitPath(s.Path)
		if err != nil {
			return &BuildError{Kind: n.kind, Reason: err.Error()}
		}
		n.keys = keys
	case KindCurrency:
		if s.Value != "" {
			u, err := currency.ParseISO(s.Value)
			if err != nil {
				return &BuildError{Kind: n.kind, Reason: err.Error()}
			}
			n.unit = u
		}
	case KindCookie:
		if s.Name == "" {
			return &BuildError{Kind: n.kind, Reason: "cookie name required"}
		}
	case KindScript:
		fn, err := a.scripts.Compile(s.Code)
		if err != nil {
			return &BuildError{Kind: n.kind, Reason: err.Error()}
		}
		n.script = fn
	case KindCallback:
		cb, ok := a.callbacks[s.Name]
		if !ok {
			return &BuildError{Kind: n.kind, Reason: fmt.Sprintf("no callback %q", s.Name)}
		}
		n.call = cb
	}
	return nil
}

// signature is the domain-separated SHA-256 of the node's canonical form:
// kind, parameters, sorted categories and the children's signatures.
func signature(s Spec, cats catSet, children []string) (string, error) {
	canon := struct {
		Kind     Kind       `json:"k"`
		Value    string     `json:"v,omitempty"`
		Pattern  string     `json:"p,omitempty"`
		Selector string     `json:"s,omitempty"`
		Path     string     `json:"j,omitempty"`
		Name     string     `json:"n,omitempty"`
		Code     string     `json:"c,omitempty"`
		Min      string     `json:"lo,omitempty"`
		Max      string     `json:"hi,omitempty"`
		Cats     []Category `json:"cats,omitempty"`
		Args     []string   `json:"a,omitempty"`
	}{
		Kind: s.Kind, Value: s.Value, Pattern: s.Pattern, Selector: s.Selector,
		Path: s.Path, Name: s.Name, Code: s.Code,
		Cats: cats.list(), Args: children,
	}
	if s.Min != nil {
		canon.Min = strconv.FormatFloat(*s.Min, 'g', -1, 64)
	}
	if s.Max != nil {
		canon.Max = strconv.FormatFloat(*s.Max, 'g', -1, 64)
	}
	data, err := json.Marshal(canon)
	if err != nil {
		return "", fmt.Errorf("rules: signature: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(signatureDomain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// invalidate clears the memo of every node depending on cat and returns
// how many were cleared.
func (a *Arena) invalidate(cat Category) int {
	n := 0
	for _, node := range a.order {
		if node.cats.has(cat) && node.valid {
			node.valid = false
			n++
		}
	}
	return n
}

// reset clears every memo.
func (a *Arena) reset() {
	for _, node := range a.order {
		node.valid = false
		node.memo = ""
	}
}
