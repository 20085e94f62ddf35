package snapshot

import (
	"fmt"
	"regexp"

	"github.com/hazyhaar/domrec/record"
)

// RewriteRule is a regex substitution applied to attribute values before
// redaction.
type RewriteRule struct {
	// Attr limits the rule to one attribute name; empty applies it to all.
	Attr    string `yaml:"attr"`
	Pattern string `yaml:"pattern"`
	Replace string `yaml:"replace"`
}

type compiledRewrite struct {
	attr    string
	re      *regexp.Regexp
	replace string
}

// Rewriter applies rewrite rules in declaration order.
type Rewriter struct {
	rules []compiledRewrite
}

// NewRewriter compiles rules, skipping invalid patterns with a diagnostic.
func NewRewriter(rules []RewriteRule) (*Rewriter, []record.Diagnostic) {
	r := &Rewriter{}
	var diags []record.Diagnostic
	for _, rule := range rules {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			diags = append(diags, record.Diagnostic{
				Code:    "snapshot.bad_rewrite",
				Message: fmt.Sprintf("%q: %v", rule.Pattern, err),
			})
			continue
		}
		r.rules = append(r.rules, compiledRewrite{attr: rule.Attr, re: re, replace: rule.Replace})
	}
	return r, diags
}

// Apply rewrites the value of attribute name.
func (r *Rewriter) Apply(name, value string) string {
	if r == nil {
		return value
	}
	for _, rule := range r.rules {
		if rule.attr != "" && rule.attr != name {
			continue
		}
		value = rule.re.ReplaceAllString(value, rule.replace)
	}
	return value
}
