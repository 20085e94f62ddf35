// CLAUDE:SUMMARY Rule evaluation engine: closed set of node kinds, hash-consed arena, category-scoped memo invalidation, moment firing with per-value dedup and session-deferred replay.
// Package rules evaluates configured trigger rules against live signals and
// synthesizes "moment" events.
//
// Rules are trees of nodes drawn from a closed set of kinds. Nodes are
// hash-consed into an Arena: structurally identical sub-rules share one node
// and therefore one memo slot. Every node carries the set of signal
// categories it depends on; a signal only invalidates nodes whose set
// contains it, everything else answers from its memo.
package rules

import "strings"

// Kind is a rule node kind.
type Kind string

const (
	KindAnd         Kind = "and"
	KindOr          Kind = "or"
	KindNot         Kind = "not"
	KindEq          Kind = "eq"
	KindContains    Kind = "contains"
	KindRange       Kind = "range"
	KindGt          Kind = "gt"
	KindLt          Kind = "lt"
	KindPresent     Kind = "present"
	KindMatches     Kind = "matches"
	KindRegex       Kind = "regex"
	KindJSONPath    Kind = "jsonpath"
	KindCurrency    Kind = "currency"
	KindCookie      Kind = "cookie"
	KindScript      Kind = "script"
	KindCallback    Kind = "callback"
	KindConst       Kind = "const"
	KindLastClick   Kind = "last_click"
	KindLastField   Kind = "last_field"
	KindXHRURL      Kind = "xhr_url"
	KindXHRRequest  Kind = "xhr_request"
	KindXHRResponse Kind = "xhr_response"
	KindEngagement  Kind = "engagement"
	KindFirstHit    Kind = "first_hit"
	KindURL         Kind = "url"
)

// Category is a class of live signal.
type Category string

const (
	CatClick     Category = "click"
	CatInput     Category = "input"
	CatSubmit    Category = "submit"
	CatXHR       Category = "xhr"
	CatPageReady Category = "page-ready"
	CatCookie    Category = "cookie"
	CatScroll    Category = "scroll"
	CatSession   Category = "session"
	CatCustom    Category = "custom"
)

var allCategories = []Category{
	CatClick, CatInput, CatSubmit, CatXHR, CatPageReady, CatCookie, CatScroll, CatSession, CatCustom,
}

// catSet is a bit set over allCategories.
type catSet uint16

func catBit(c Category) catSet {
	for i, k := range allCategories {
		if k == c {
			return 1 << i
		}
	}
	return 0
}

func setOf(cats ...Category) catSet {
	var s catSet
	for _, c := range cats {
		s |= catBit(c)
	}
	return s
}

func (s catSet) has(c Category) bool { return s&catBit(c) != 0 }

func (s catSet) list() []Category {
	var out []Category
	for i, c := range allCategories {
		if s&(1<<i) != 0 {
			out = append(out, c)
		}
	}
	return out
}

// Spec is the declarative form of a rule node, as found in configuration.
type Spec struct {
	Kind Kind   `yaml:"kind" json:"kind"`
	Args []Spec `yaml:"args,omitempty" json:"args,omitempty"`
	// Value is the literal operand (eq, contains, gt, lt, const) or the
	// default currency code (currency).
	Value string `yaml:"value,omitempty" json:"value,omitempty"`
	// Pattern is the regex of a regex node.
	Pattern string `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	// Selector is the CSS selector of present and matches nodes.
	Selector string `yaml:"selector,omitempty" json:"selector,omitempty"`
	// Path is the dotted JSON path of a jsonpath node ("items[0].price").
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
	// Name is the cookie name, callback name, or the attribute read by
	// last_click and last_field.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
	// Code is the Go source of a script node.
	Code string   `yaml:"code,omitempty" json:"code,omitempty"`
	Min  *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max  *float64 `yaml:"max,omitempty" json:"max,omitempty"`
	// Categories adds invalidation categories to the node.
	Categories []Category `yaml:"categories,omitempty" json:"categories,omitempty"`
}

// Rule is one top-level trigger.
type Rule struct {
	// Name identifies the moment the rule produces.
	Name string `yaml:"name" json:"name"`
	// When is the predicate. Its result, when truthy, is the moment value
	// unless Value is set.
	When Spec `yaml:"when" json:"when"`
	// Value extracts the moment value once When holds.
	Value *Spec `yaml:"value,omitempty" json:"value,omitempty"`
	// Repeatable lets the rule fire again for a value it already fired.
	Repeatable bool `yaml:"repeatable,omitempty" json:"repeatable,omitempty"`
}

// truthy is the boolean reading of a node result.
func truthy(v string) bool {
	return v != "" && v != "false" && v != "0"
}

func boolValue(b bool) string {
	if b {
		return "true"
	}
	return ""
}

func norm(s string) string { return strings.TrimSpace(s) }
