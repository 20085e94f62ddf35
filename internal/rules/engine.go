package rules

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/domrec/dom"
	"github.com/hazyhaar/domrec/record"
)

// Target describes the node of an interaction signal.
type Target struct {
	Node dom.Node
	Ref  dom.Ref
	// Text is the visible text of the node.
	Text string
	// Value is the live value of a form field.
	Value string
}

// XHR is the last completed network request.
type XHR struct {
	URL         string
	Method      string
	Status      int
	Request     string
	Response    string
	ContentType string
}

// Env is the live signal state rule nodes read. Signal mutators update it.
type Env struct {
	Doc dom.Document
	URL string
	// Current is the target of the signal being processed.
	Current    Target
	Click      Target
	Field      Target
	XHR        XHR
	Cookies    map[string]string
	Engagement time.Duration
	FirstHit   bool
	// Vars holds host-provided values for callbacks.
	Vars map[string]string
}

// Moment is a synthesized event.
type Moment struct {
	Rule     string
	Category Category
	Value    string
	Target   dom.Ref
	Time     time.Time
}

// Stats are evaluation counters.
type Stats struct {
	Signals       uint64
	Evaluations   uint64
	CacheHits     uint64
	Invalidations uint64
	Deferred      uint64
	Nodes         int
}

type compiled struct {
	rule    Rule
	when    *Node
	value   *Node
	cats    catSet
	session bool
	fired   map[string]bool
}

type deferred struct {
	rule *compiled
	cat  Category
	env  Env
}

// Engine evaluates rules against signals. It is not safe for concurrent
// use; the recorder loop owns it.
type Engine struct {
	arena  *Arena
	rules  []*compiled
	env    Env
	logger *slog.Logger
	now    func() time.Time

	sessionReady bool
	queue        []deferred
	stats        Stats
}

// Option configures an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	callbacks map[string]Callback
	scripts   *ScriptRunner
	logger    *slog.Logger
	now       func() time.Time
}

// WithCallback registers a host callback for callback nodes.
func WithCallback(name string, cb Callback) Option {
	return func(o *engineOptions) { o.callbacks[name] = cb }
}

// WithScriptRunner shares a script runner (and its compile cache).
func WithScriptRunner(r *ScriptRunner) Option {
	return func(o *engineOptions) { o.scripts = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *engineOptions) { o.logger = l }
}

// WithClock overrides the moment timestamp source.
func WithClock(now func() time.Time) Option {
	return func(o *engineOptions) { o.now = now }
}

// New compiles rules in declaration order. A rule that fails to build is
// skipped with a diagnostic.
func New(rules []Rule, opts ...Option) (*Engine, []record.Diagnostic) {
	o := engineOptions{callbacks: make(map[string]Callback), logger: slog.Default(), now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	e := &Engine{
		arena:  NewArena(o.callbacks, o.scripts),
		logger: o.logger,
		now:    o.now,
		env:    Env{Cookies: make(map[string]string), Vars: make(map[string]string)},
	}

	var diags []record.Diagnostic
	for _, r := range rules {
		c, err := e.compile(r)
		if err != nil {
			e.logger.Warn("rules: rule skipped", "rule", r.Name, "error", err)
			diags = append(diags, record.Diagnostic{Code: "rules.invalid", Message: fmt.Sprintf("%s: %v", r.Name, err)})
			continue
		}
		e.rules = append(e.rules, c)
	}
	return e, diags
}

func (e *Engine) compile(r Rule) (*compiled, error) {
	when, err := e.arena.Build(r.When)
	if err != nil {
		return nil, err
	}
	c := &compiled{rule: r, when: when, cats: when.cats, session: when.session, fired: make(map[string]bool)}
	if r.Value != nil {
		if c.value, err = e.arena.Build(*r.Value); err != nil {
			return nil, err
		}
		c.cats |= c.value.cats
		c.session = c.session || c.value.session
	}
	if c.cats == 0 {
		c.cats = setOf(CatPageReady)
		markPageReady(when)
		if c.value != nil {
			markPageReady(c.value)
		}
	}
	return c, nil
}

// markPageReady makes a subtree without categories of its own recompute on
// every page-ready signal, so opaque nodes such as callbacks do not answer
// from a memo taken before the page changed.
func markPageReady(n *Node) {
	n.cats |= setOf(CatPageReady)
	for _, a := range n.args {
		markPageReady(a)
	}
}

// Arena exposes the node arena.
func (e *Engine) Arena() *Arena { return e.arena }

// Stats returns the evaluation counters.
func (e *Engine) Stats() Stats {
	s := e.stats
	s.Nodes = e.arena.Len()
	return s
}

// Signal applies mutate to the environment, invalidates the memo of every
// node depending on cat, and evaluates the rules that depend on cat in
// declaration order. Rules needing session metadata are queued until
// SessionReady.
func (e *Engine) Signal(cat Category, mutate func(*Env)) []Moment {
	e.stats.Signals++
	if mutate != nil {
		mutate(&e.env)
	}
	e.stats.Invalidations += uint64(e.arena.invalidate(cat))

	var out []Moment
	for _, c := range e.rules {
		if !c.cats.has(cat) {
			continue
		}
		if c.session && !e.sessionReady {
			e.queue = append(e.queue, deferred{rule: c, cat: cat, env: e.env})
			e.stats.Deferred++
			continue
		}
		if m, ok := e.fire(c, cat, e.env.Current.Ref); ok {
			out = append(out, m)
		}
	}
	return out
}

// SessionReady supplies the session metadata and replays, once and in
// arrival order, the firings deferred while it was missing. Each replay sees
// the signal state captured when it was deferred.
func (e *Engine) SessionReady(firstHit bool, engagement time.Duration) []Moment {
	e.env.FirstHit = firstHit
	e.env.Engagement = engagement
	e.sessionReady = true
	e.stats.Invalidations += uint64(e.arena.invalidate(CatSession))
	if len(e.queue) == 0 {
		return nil
	}

	queue := e.queue
	e.queue = nil
	live := e.env
	var out []Moment
	for _, d := range queue {
		e.env = d.env
		e.env.FirstHit, e.env.Engagement = firstHit, engagement
		e.arena.reset()
		if m, ok := e.fire(d.rule, d.cat, d.env.Current.Ref); ok {
			out = append(out, m)
		}
	}
	e.env = live
	e.arena.reset()
	return out
}

// Pending returns the number of deferred firings.
func (e *Engine) Pending() int { return len(e.queue) }

// Eval returns the current value of the named rule's predicate, answering
// from memos where they are valid.
func (e *Engine) Eval(name string) (string, bool) {
	for _, c := range e.rules {
		if c.rule.Name == name {
			return e.eval(c.when), true
		}
	}
	return "", false
}

// Reset clears per-hit state: memos, fired values, interaction targets and
// session metadata. Until the next SessionReady, firings that need session
// metadata are deferred again. Cookies, URL and variables survive.
func (e *Engine) Reset() {
	e.arena.reset()
	for _, c := range e.rules {
		c.fired = make(map[string]bool)
	}
	e.env.Current, e.env.Click, e.env.Field, e.env.XHR = Target{}, Target{}, Target{}, XHR{}
	e.env.FirstHit, e.env.Engagement = false, 0
	e.sessionReady = false
	e.queue = nil
}

func (e *Engine) fire(c *compiled, cat Category, target dom.Ref) (Moment, bool) {
	v := e.eval(c.when)
	if !truthy(v) {
		return Moment{}, false
	}
	if c.value != nil {
		if v = e.eval(c.value); v == "" {
			return Moment{}, false
		}
	}
	if !c.rule.Repeatable {
		key := string(cat) + "\x00" + v
		if c.fired[key] {
			return Moment{}, false
		}
		c.fired[key] = true
	}
	return Moment{Rule: c.rule.Name, Category: cat, Value: v, Target: target, Time: e.now()}, true
}

func (e *Engine) eval(n *Node) string {
	if n.valid {
		e.stats.CacheHits++
		return n.memo
	}
	n.evals++
	e.stats.Evaluations++
	n.memo = e.compute(n)
	n.valid = true
	return n.memo
}

func (e *Engine) compute(n *Node) string {
	arg := func(i int) string {
		if i < len(n.args) {
			return e.eval(n.args[i])
		}
		return ""
	}
	operand := func() string {
		if len(n.args) > 1 {
			return e.eval(n.args[1])
		}
		return n.spec.Value
	}

	switch n.kind {
	case KindAnd:
		v := ""
		for _, a := range n.args {
			if v = e.eval(a); !truthy(v) {
				return ""
			}
		}
		return v
	case KindOr:
		for _, a := range n.args {
			if v := e.eval(a); truthy(v) {
				return v
			}
		}
		return ""
	case KindNot:
		return boolValue(!truthy(arg(0)))
	case KindEq:
		return boolValue(norm(arg(0)) == norm(operand()))
	case KindContains:
		return boolValue(strings.Contains(arg(0), operand()))
	case KindRange:
		f, ok := number(arg(0))
		if !ok {
			return ""
		}
		return boolValue((n.spec.Min == nil || f >= *n.spec.Min) && (n.spec.Max == nil || f <= *n.spec.Max))
	case KindGt, KindLt:
		a, ok1 := number(arg(0))
		b, ok2 := number(operand())
		if !ok1 || !ok2 {
			return ""
		}
		if n.kind == KindGt {
			return boolValue(a > b)
		}
		return boolValue(a < b)
	case KindPresent:
		return boolValue(e.present(n.sel))
	case KindMatches:
		if e.env.Current.Node == nil {
			return ""
		}
		return boolValue(dom.Closest(e.env.Current.Node, n.sel) != nil)
	case KindRegex:
		m := n.re.FindStringSubmatch(arg(0))
		switch {
		case m == nil:
			return ""
		case len(m) > 1:
			return m[1]
		default:
			return m[0]
		}
	case KindJSONPath:
		return jsonPath(arg(0), n.keys)
	case KindCurrency:
		return parseCurrency(arg(0), n.unit)
	case KindCookie:
		return e.env.Cookies[n.spec.Name]
	case KindScript:
		out, err := n.script(arg(0))
		if err != nil {
			e.logger.Warn("rules: script failed", "error", err)
			return ""
		}
		return out
	case KindCallback:
		vals := make([]string, len(n.args))
		for i := range n.args {
			vals[i] = arg(i)
		}
		return n.call(&e.env, vals)
	case KindConst:
		return n.spec.Value
	case KindLastClick:
		return targetValue(e.env.Click, n.spec.Name)
	case KindLastField:
		return targetValue(e.env.Field, n.spec.Name)
	case KindXHRURL:
		return e.env.XHR.URL
	case KindXHRRequest:
		return e.env.XHR.Request
	case KindXHRResponse:
		return NetworkBody(e.env.XHR.ContentType, e.env.XHR.Response)
	case KindEngagement:
		return record.Round(e.env.Engagement.Seconds())
	case KindFirstHit:
		return boolValue(e.env.FirstHit)
	case KindURL:
		return e.env.URL
	}
	return ""
}

func (e *Engine) present(sel *dom.Selector) bool {
	doc := e.env.Doc
	if doc == nil {
		return false
	}
	if l, ok := doc.(dom.ReadLocker); ok {
		l.RLock()
		defer l.RUnlock()
	}
	found := false
	dom.Walk(doc.Root(), func(n dom.Node) bool {
		if found {
			return false
		}
		if sel.Match(n) {
			found = true
			return false
		}
		return true
	})
	return found
}

func targetValue(t Target, name string) string {
	switch name {
	case "":
		if t.Value != "" {
			return t.Value
		}
		return t.Text
	case "ref":
		return string(t.Ref)
	case "text":
		return t.Text
	default:
		if t.Node == nil {
			return ""
		}
		return dom.AttrValue(t.Node, name)
	}
}
