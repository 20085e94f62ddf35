package dom

import (
	"fmt"
	"strings"
)

// Selector is a compiled CSS selector subset:
//   - tag, *, #id, .class (repeatable), [attr], [attr=val], [attr^=val],
//     [attr$=val], [attr*=val]
//   - descendant (space) and child (>) combinators
//   - comma-separated groups
//
// Matching walks ancestors through Parent, so a selector matches across
// shadow boundaries the same way the capture policy needs it to.
type Selector struct {
	src    string
	groups [][]step
}

type step struct {
	compound compound
	// child is true when this step must be the direct parent of the step
	// after it (the ">" combinator).
	child bool
}

type compound struct {
	tag     string
	id      string
	classes []string
	attrs   []attrCond
}

type attrCond struct {
	key string
	op  byte // 0 = presence, '=', '^', '$', '*'
	val string
}

// Compile parses sel. An empty selector is an error.
func Compile(sel string) (*Selector, error) {
	s := &Selector{src: sel}
	for _, group := range strings.Split(sel, ",") {
		group = strings.TrimSpace(group)
		if group == "" {
			return nil, fmt.Errorf("dom: empty selector group in %q", sel)
		}
		steps, err := parseGroup(group)
		if err != nil {
			return nil, fmt.Errorf("dom: selector %q: %w", sel, err)
		}
		s.groups = append(s.groups, steps)
	}
	return s, nil
}

// MustCompile is Compile that panics; for package-level selectors.
func MustCompile(sel string) *Selector {
	s, err := Compile(sel)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Selector) String() string { return s.src }

// Attrs lists the attribute names the selector's conditions read ("id" and
// "class" included), so callers can tell which attribute changes may flip a
// match.
func (s *Selector) Attrs() []string {
	var out []string
	add := func(name string) {
		if !contains(out, name) {
			out = append(out, name)
		}
	}
	for _, g := range s.groups {
		for _, st := range g {
			if st.compound.id != "" {
				add("id")
			}
			if len(st.compound.classes) > 0 {
				add("class")
			}
			for _, a := range st.compound.attrs {
				add(a.key)
			}
		}
	}
	return out
}

func parseGroup(group string) ([]step, error) {
	group = strings.ReplaceAll(group, ">", " > ")
	var steps []step
	pendingChild := false
	for _, tok := range strings.Fields(group) {
		if tok == ">" {
			if len(steps) == 0 || pendingChild {
				return nil, fmt.Errorf("dangling combinator")
			}
			pendingChild = true
			continue
		}
		c, err := parseCompound(tok)
		if err != nil {
			return nil, err
		}
		if pendingChild {
			steps[len(steps)-1].child = true
			pendingChild = false
		}
		steps = append(steps, step{compound: c})
	}
	if pendingChild || len(steps) == 0 {
		return nil, fmt.Errorf("dangling combinator")
	}
	return steps, nil
}

func parseCompound(tok string) (compound, error) {
	var c compound
	for len(tok) > 0 {
		switch tok[0] {
		case '[':
			end := strings.IndexByte(tok, ']')
			if end < 0 {
				return c, fmt.Errorf("unterminated attribute condition in %q", tok)
			}
			c.attrs = append(c.attrs, parseAttrCond(tok[1:end]))
			tok = tok[end+1:]
		case '#', '.':
			kind := tok[0]
			name, rest := takeIdent(tok[1:])
			if name == "" {
				return c, fmt.Errorf("empty name after %q", kind)
			}
			if kind == '#' {
				c.id = name
			} else {
				c.classes = append(c.classes, name)
			}
			tok = rest
		default:
			name, rest := takeIdent(tok)
			if name == "" {
				return c, fmt.Errorf("unexpected %q", tok)
			}
			if name != "*" {
				c.tag = strings.ToLower(name)
			}
			tok = rest
		}
	}
	return c, nil
}

func takeIdent(s string) (string, string) {
	i := 0
	for i < len(s) && s[i] != '.' && s[i] != '#' && s[i] != '[' {
		i++
	}
	return s[:i], s[i:]
}

func parseAttrCond(body string) attrCond {
	for _, op := range []string{"^=", "$=", "*=", "="} {
		if idx := strings.Index(body, op); idx >= 0 {
			return attrCond{
				key: strings.ToLower(strings.TrimSpace(body[:idx])),
				op:  op[0],
				val: strings.Trim(strings.TrimSpace(body[idx+len(op):]), `"'`),
			}
		}
	}
	return attrCond{key: strings.ToLower(strings.TrimSpace(body))}
}

// Match reports whether n matches any selector group.
func (s *Selector) Match(n Node) bool {
	if s == nil || n == nil || n.Kind() != ElementNode {
		return false
	}
	for _, g := range s.groups {
		if matchSteps(n, g, len(g)-1) {
			return true
		}
	}
	return false
}

// matchSteps matches steps[:i+1] right-to-left with steps[i] on n.
func matchSteps(n Node, steps []step, i int) bool {
	if !steps[i].compound.match(n) {
		return false
	}
	if i == 0 {
		return true
	}
	prev := steps[i-1]
	if prev.child {
		p := elementParent(n)
		return p != nil && matchSteps(p, steps, i-1)
	}
	for p := elementParent(n); p != nil; p = elementParent(p) {
		if matchSteps(p, steps, i-1) {
			return true
		}
	}
	return false
}

func elementParent(n Node) Node {
	for p := n.Parent(); p != nil; p = p.Parent() {
		if p.Kind() == ElementNode {
			return p
		}
	}
	return nil
}

func (c compound) match(n Node) bool {
	if n.Kind() != ElementNode {
		return false
	}
	if c.tag != "" && n.Tag() != c.tag {
		return false
	}
	if c.id != "" && AttrValue(n, "id") != c.id {
		return false
	}
	if len(c.classes) > 0 {
		have := strings.Fields(AttrValue(n, "class"))
		for _, want := range c.classes {
			if !contains(have, want) {
				return false
			}
		}
	}
	for _, a := range c.attrs {
		v, ok := n.Attr(a.key)
		if !ok {
			return false
		}
		switch a.op {
		case '=':
			ok = v == a.val
		case '^':
			ok = strings.HasPrefix(v, a.val)
		case '$':
			ok = strings.HasSuffix(v, a.val)
		case '*':
			ok = strings.Contains(v, a.val)
		}
		if !ok {
			return false
		}
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// QueryAll returns every node under root (inclusive) matching sel.
func QueryAll(root Node, sel *Selector) []Node {
	var out []Node
	Walk(root, func(n Node) bool {
		if sel.Match(n) {
			out = append(out, n)
		}
		return true
	})
	return out
}
