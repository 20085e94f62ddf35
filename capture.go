package domrec

import (
	"context"
	"maps"
	"strconv"
	"strings"

	"github.com/hazyhaar/domrec/dom"
	"github.com/hazyhaar/domrec/internal/lifecycle"
	"github.com/hazyhaar/domrec/internal/redact"
	"github.com/hazyhaar/domrec/internal/rules"
	"github.com/hazyhaar/domrec/record"
)

// NavKind classifies a navigation reported through Navigate.
type NavKind = lifecycle.NavKind

const (
	NavFull    = lifecycle.NavFull
	NavPush    = lifecycle.NavPush
	NavReplace = lifecycle.NavReplace
	NavPop     = lifecycle.NavPop
	NavHash    = lifecycle.NavHash
)

// Interaction is one user action on the document.
type Interaction struct {
	// Kind is one of record.EventClick, EventInput, EventSubmit, EventScroll.
	Kind   record.EventKind
	Target dom.Node
	// Value is the field value (input) or the scroll offset (scroll).
	Value string
}

// XHR is a completed network request as seen by the host.
type XHR = rules.XHR

// maxTargetText bounds the visible text kept for a rule target.
const maxTargetText = 256

var interactionCats = map[record.EventKind]rules.Category{
	record.EventClick:  rules.CatClick,
	record.EventInput:  rules.CatInput,
	record.EventSubmit: rules.CatSubmit,
	record.EventScroll: rules.CatScroll,
}

// Observe queues change notifications from the document. Notifications
// about content hidden by a proxied document are dropped.
func (r *Recorder) Observe(changes ...dom.Change) error {
	if len(changes) == 0 {
		return nil
	}
	return r.post(func() {
		h := r.hit
		if h == nil || h.enc == nil {
			return
		}
		if p, ok := r.doc.(*dom.Proxy); ok {
			visible := changes[:0:0]
			for _, c := range changes {
				if v, ok := p.Change(c); ok {
					visible = append(visible, v)
				}
			}
			changes = visible
		}
		if h.enc.Observe(changes...) {
			r.flushEncoder()
		}
	})
}

// Interact records a user interaction and signals the rules that depend on
// it. Pending changes are diffed first so the event follows the state the
// user acted on.
func (r *Recorder) Interact(in Interaction) error {
	return r.post(func() {
		r.life.Touch()
		if r.hit == nil {
			return
		}
		target := in.Target
		if target != nil {
			var ok bool
			if target, ok = r.visible(target); !ok {
				return
			}
		}
		if r.hit.enc != nil && r.hit.enc.Pending() > 0 {
			r.flushEncoder()
		}

		now := r.now()
		ev := &record.Event{Kind: in.Kind, Time: now.UnixMilli()}
		t := rules.Target{Node: target, Value: in.Value}
		if target != nil {
			ev.Target = dom.RefOf(target)
			t.Ref = ev.Target
			t.Text = textOf(target)
		}
		switch in.Kind {
		case record.EventInput:
			ev.Value = r.redact.Value(redact.Subject{Source: redact.FromInput, Node: target, Value: in.Value})
		case record.EventScroll:
			ev.Value = record.Plain(in.Value)
		}
		r.emit(record.Record{Type: record.TypeEvent, Time: ev.Time, Event: ev})

		cat, ok := interactionCats[in.Kind]
		if !ok {
			return
		}
		r.moments(r.rules.Signal(cat, func(env *rules.Env) {
			env.Doc, env.URL = r.doc, r.life.URL()
			env.Current = t
			switch in.Kind {
			case record.EventClick:
				env.Click = t
			case record.EventInput:
				env.Field = t
			}
		}))
	})
}

// visible maps a host node into the recorded document's view.
func (r *Recorder) visible(n dom.Node) (dom.Node, bool) {
	p, ok := r.doc.(*dom.Proxy)
	if !ok {
		return n, true
	}
	c, ok := p.Change(dom.Change{Kind: dom.Attributes, Target: p.Unwrap(n)})
	return c.Target, ok
}

func textOf(n dom.Node) string {
	var b strings.Builder
	dom.Walk(n, func(c dom.Node) bool {
		if c.Kind() == dom.TextNode {
			b.WriteString(c.Text())
		}
		return b.Len() < maxTargetText
	})
	s := strings.Join(strings.Fields(b.String()), " ")
	if len(s) > maxTargetText {
		s = s[:maxTargetText]
	}
	return s
}

// Network records a completed request and signals xhr rules.
func (r *Recorder) Network(x XHR) error {
	return r.post(func() {
		if r.hit == nil {
			return
		}
		now := r.now().UnixMilli()
		r.emit(record.Record{Type: record.TypeEvent, Time: now, Event: &record.Event{
			Kind:  record.EventNetwork,
			Name:  strings.ToUpper(x.Method) + " " + x.URL,
			Value: record.Plain(strconv.Itoa(x.Status)),
			Time:  now,
		}})
		r.moments(r.rules.Signal(rules.CatXHR, func(env *rules.Env) {
			env.XHR = x
			env.Current = rules.Target{}
		}))
	})
}

// SetCookie reports a cookie value to the rules.
func (r *Recorder) SetCookie(name, value string) error {
	return r.post(func() {
		r.moments(r.rules.Signal(rules.CatCookie, func(env *rules.Env) {
			// Copy so deferred firings keep the jar they saw.
			jar := maps.Clone(env.Cookies)
			if jar == nil {
				jar = make(map[string]string)
			}
			jar[name] = value
			env.Cookies = jar
		}))
	})
}

// Custom records a host-defined event and exposes it to callback rules.
func (r *Recorder) Custom(name, value string) error {
	return r.post(func() {
		if r.hit != nil {
			now := r.now().UnixMilli()
			r.emit(record.Record{Type: record.TypeEvent, Time: now, Event: &record.Event{
				Kind:  record.EventCustom,
				Name:  name,
				Value: r.redact.Value(redact.Subject{Source: redact.FromField, Name: name, Value: value}),
				Time:  now,
			}})
		}
		r.moments(r.rules.Signal(rules.CatCustom, func(env *rules.Env) {
			vars := maps.Clone(env.Vars)
			if vars == nil {
				vars = make(map[string]string)
			}
			vars[name] = value
			env.Vars = vars
		}))
	})
}

// moments turns rule firings into redacted moment events.
func (r *Recorder) moments(ms []rules.Moment) {
	for _, m := range ms {
		t := m.Time.UnixMilli()
		r.emit(record.Record{Type: record.TypeEvent, Time: t, Event: &record.Event{
			Kind:   record.EventMoment,
			Name:   m.Rule,
			Target: m.Target,
			Value:  r.redact.Value(redact.Subject{Source: redact.FromField, Name: m.Rule, Value: m.Value}),
			Time:   t,
		}})
	}
}

// Navigate reports a navigation. Every kind but a hash change (unless
// configured) ends the current hit and opens a new one.
func (r *Recorder) Navigate(kind NavKind, url string) error {
	return r.post(func() {
		if !r.life.Navigate(kind, url) {
			r.moments(r.rules.Signal(rules.CatPageReady, func(env *rules.Env) { env.URL = url }))
		}
	})
}

// MarkStart signals the beginning of an application route transition.
func (r *Recorder) MarkStart(url string) error {
	return r.post(func() { r.life.MarkStart(url) })
}

// MarkStop signals the end of a route transition. Rapid stops collapse
// into one hit boundary.
func (r *Recorder) MarkStop() error {
	return r.post(r.life.MarkStop)
}

// Suspend marks the page hidden and pushes out what is buffered.
func (r *Recorder) Suspend() error {
	return r.post(func() {
		r.life.Suspend()
		r.flushEncoder()
		r.drain(false)
		r.kickQueue()
	})
}

// Resume marks the page visible again.
func (r *Recorder) Resume() error {
	return r.post(r.life.Resume)
}

// EndSession ends the session explicitly (sign-out). The next activity
// starts a new one.
func (r *Recorder) EndSession() error {
	return r.post(func() {
		r.identity = nil
		r.life.Reset()
	})
}

// Identify attaches the signed-in user to the session. The identity record
// is repeated at the start of every later hit.
func (r *Recorder) Identify(u UserIdentity) error {
	return r.post(func() {
		r.identity = &u
		if r.hit == nil {
			return
		}
		r.emit(identityRecord(r.redact, u, r.now().UnixMilli()))
		r.notifyFrames()
	})
}

// SetConstrained switches the bandwidth profile for the next send.
func (r *Recorder) SetConstrained(on bool) {
	r.queue.SetConstrained(on)
}

// Stats reports rule engine counters. It is meant for tests and debugging.
func (r *Recorder) Stats(ctx context.Context) (rules.Stats, error) {
	out := make(chan rules.Stats, 1)
	if err := r.post(func() { out <- r.rules.Stats() }); err != nil {
		return rules.Stats{}, err
	}
	select {
	case s := <-out:
		return s, nil
	case <-r.done:
		return rules.Stats{}, ErrStopped
	case <-ctx.Done():
		return rules.Stats{}, ctx.Err()
	}
}
