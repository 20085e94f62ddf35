// CLAUDE:SUMMARY Redaction policy pipeline: block selectors mask, encrypt selectors/regexes encrypt, PII heuristics mask, everything else is public.
// Package redact classifies every captured value as public, masked or
// encrypted and produces the value that may leave the capture pipeline.
//
// The policy is one ordered pipeline of pure stages. The first stage with an
// opinion decides; a value no stage claims is public. Masking always wins
// over encryption: the block stage runs first and looks at every ancestor,
// so a masked container also masks descendants that an encrypt selector
// matches.
package redact

import (
	"fmt"
	"log/slog"
	"regexp"
	"slices"

	"github.com/hazyhaar/domrec/dom"
	"github.com/hazyhaar/domrec/internal/vault"
	"github.com/hazyhaar/domrec/record"
)

// Placeholder replaces every masked value. It has a fixed length and carries
// nothing of the original.
const Placeholder = "********"

// Decision is the outcome of a policy stage.
type Decision int

const (
	// Continue means the stage has no opinion.
	Continue Decision = iota
	Public
	Mask
	Encrypt
)

func (d Decision) String() string {
	switch d {
	case Public:
		return "public"
	case Mask:
		return "mask"
	case Encrypt:
		return "encrypt"
	default:
		return "continue"
	}
}

// Source says where a captured value came from.
type Source int

const (
	// FromText is the character data of a text node; Node is the text node.
	FromText Source = iota
	// FromAttr is an attribute value; Node is the element.
	FromAttr
	// FromInput is a live form-field value; Node is the field.
	FromInput
	// FromField is a named value with no node (identity fields, network
	// bodies, rule results without a target).
	FromField
)

// Subject is one value presented for classification.
type Subject struct {
	Source Source
	Node   dom.Node
	// Name is the attribute name (FromAttr) or the field name (FromField).
	Name  string
	Value string
}

// Stage is one policy step.
type Stage func(Subject) Decision

// Pipeline evaluates stages in order.
type Pipeline []Stage

// Decide returns the first non-Continue decision, or Public.
func (p Pipeline) Decide(s Subject) Decision {
	for _, st := range p {
		if d := st(s); d != Continue {
			return d
		}
	}
	return Public
}

// Config is the normalized redaction policy.
type Config struct {
	// Mask lists block selectors. A value on or under a matching element is
	// masked.
	Mask []string `yaml:"mask"`
	// Encrypt lists selectors whose values are encrypted.
	Encrypt []string `yaml:"encrypt"`
	// EncryptPatterns are value regexes that force encryption.
	EncryptPatterns []string `yaml:"encrypt_patterns"`
	// EncryptFields are field names (identity, network) to encrypt rather
	// than mask when the heuristics would flag them.
	EncryptFields []string `yaml:"encrypt_fields"`
	// DisableHeuristics turns off the built-in PII detection.
	DisableHeuristics bool `yaml:"disable_heuristics"`
	// Async resolves encrypted values through pending slots instead of
	// encrypting inline.
	Async bool `yaml:"async"`
}

// Engine applies a Pipeline and performs masking and encryption.
type Engine struct {
	pipeline Pipeline
	watched  map[string]bool
	vault    *vault.Vault
	async    bool
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithStages appends custom stages after the built-in ones and before the
// default.
func WithStages(stages ...Stage) Option {
	return func(e *Engine) { e.pipeline = append(e.pipeline, stages...) }
}

// New compiles cfg. Selectors and regexes that fail to compile are skipped;
// one diagnostic is returned for each. A nil vault degrades every Encrypt
// decision to Mask.
func New(cfg Config, v *vault.Vault, opts ...Option) (*Engine, []record.Diagnostic) {
	var diags []record.Diagnostic

	mask, d := compileSelectors(cfg.Mask, "mask")
	diags = append(diags, d...)
	enc, d := compileSelectors(cfg.Encrypt, "encrypt")
	diags = append(diags, d...)
	var patterns []*regexp.Regexp
	for _, p := range cfg.EncryptPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			diags = append(diags, record.Diagnostic{Code: "redact.bad_regex", Message: fmt.Sprintf("%q: %v", p, err)})
			continue
		}
		patterns = append(patterns, re)
	}

	e := &Engine{vault: v, async: cfg.Async, logger: slog.Default(), watched: make(map[string]bool)}
	for _, sel := range append(slices.Clone(mask), enc...) {
		for _, name := range sel.Attrs() {
			e.watched[name] = true
		}
	}
	e.pipeline = Pipeline{
		BlockStage(mask),
		TokenStage(v),
		EncryptStage(enc, patterns, cfg.EncryptFields),
	}
	if !cfg.DisableHeuristics {
		e.pipeline = append(e.pipeline, HeuristicStage())
		for _, name := range heuristicAttrs {
			e.watched[name] = true
		}
	}
	for _, o := range opts {
		o(e)
	}
	for _, dg := range diags {
		e.logger.Warn("redact: policy entry skipped", "code", dg.Code, "detail", dg.Message)
	}
	return e, diags
}

func compileSelectors(list []string, group string) ([]*dom.Selector, []record.Diagnostic) {
	var out []*dom.Selector
	var diags []record.Diagnostic
	for _, s := range list {
		sel, err := dom.Compile(s)
		if err != nil {
			diags = append(diags, record.Diagnostic{Code: "redact.bad_selector", Message: fmt.Sprintf("%s %q: %v", group, s, err)})
			continue
		}
		out = append(out, sel)
	}
	return out, diags
}

// Decide classifies s. Encrypt is reported as Mask when no vault is
// available.
func (e *Engine) Decide(s Subject) Decision {
	d := e.pipeline.Decide(s)
	if d == Encrypt && e.vault == nil {
		return Mask
	}
	return d
}

// Value classifies s and returns the value to ship.
func (e *Engine) Value(s Subject) record.Value {
	switch e.Decide(s) {
	case Mask:
		return record.Plain(Placeholder)
	case Encrypt:
		if s.Source != FromInput && e.vault.Issued(s.Value) {
			return record.Plain(s.Value)
		}
		if e.async {
			return record.Pending(e.vault.EncryptAsync(s.Value))
		}
		tok, err := e.vault.Encrypt(s.Value)
		if err != nil {
			e.logger.Warn("redact: encrypt failed, masking", "error", err)
			return record.Plain(Placeholder)
		}
		return record.Plain(tok)
	default:
		return record.Plain(s.Value)
	}
}

// String is Value for callers that need the shippable form right away
// (identity fields, rule moments). Pending encryptions are awaited.
func (e *Engine) String(s Subject) string {
	v := e.Value(s)
	if slot := v.Slot(); slot != nil {
		<-slot.Done()
	}
	return v.String()
}

// Watches reports whether a change of attribute name can change the
// decision for the element or its descendants.
func (e *Engine) Watches(name string) bool { return e.watched[name] }

// Encrypting reports whether encryption is available.
func (e *Engine) Encrypting() bool { return e.vault != nil }
