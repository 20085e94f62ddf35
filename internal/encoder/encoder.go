// CLAUDE:SUMMARY Mutation encoder: debounced change notifications diffed against a mirror of the collector's tree into ordered add/remove/text/attr/style/shadow/dialog patches.
// Package encoder turns raw tree-change notifications into patch records.
//
// The encoder keeps a mirror of the tree as the collector knows it, seeded
// from the hit's snapshot. Notifications only say which nodes are dirty; a
// flush diffs each dirty node against the mirror, emits the patches that
// bring the collector up to date and applies them to the mirror. Refs in
// each patch address the mirror state left by the patches before it, so a
// replay applying them in order reproduces the live tree.
//
// Patch order within a flush:
//
//	remove  one per parent, deepest parent first, indices descending
//	add     one per parent, shallowest parent first, ascending insertion index
//	shadow  newly attached shadow roots
//	text, attr, style, dialog  only when the value differs from the mirror
package encoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/hazyhaar/domrec/dom"
	"github.com/hazyhaar/domrec/internal/snapshot"
	"github.com/hazyhaar/domrec/record"
)

// ErrNotStarted is returned by Flush before Start seeded the mirror.
var ErrNotStarted = errors.New("encoder: not started")

// Config configures an Encoder.
type Config struct {
	// Window is the debounce window. Default: 100ms.
	Window time.Duration `yaml:"window"`
	// MaxBuffer forces a flush when this many notifications are pending.
	// Default: 1000.
	MaxBuffer int `yaml:"max_buffer"`
	// MaxBatchBytes is the ceiling for one flush. A flush above it is
	// dropped whole. Default: 512 KiB.
	MaxBatchBytes int `yaml:"max_batch_bytes"`
}

func (c *Config) defaults() {
	if c.MaxBatchBytes <= 0 {
		c.MaxBatchBytes = 512 << 10
	}
}

// Result is the output of one flush.
type Result struct {
	Records   []record.Record
	Resources []snapshot.Resource
	// Resync is set when the mirror no longer matches what the collector
	// has; the caller must take a fresh snapshot.
	Resync bool
}

// Encoder diffs notifications into patches. It is not safe for concurrent
// use; the recorder loop owns it.
type Encoder struct {
	cfg    Config
	doc    dom.Document
	ser    *snapshot.Serializer
	logger *slog.Logger
	now    func() time.Time

	deb    *debouncer
	mirror *mirror
}

// Option configures an Encoder.
type Option func(*Encoder)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Encoder) { e.logger = l }
}

// WithClock overrides the record timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Encoder) { e.now = now }
}

// New builds an encoder over doc. ser serializes added subtrees and must be
// the serializer used for the hit's snapshot.
func New(cfg Config, doc dom.Document, ser *snapshot.Serializer, opts ...Option) *Encoder {
	cfg.defaults()
	e := &Encoder{
		cfg:    cfg,
		doc:    doc,
		ser:    ser,
		logger: slog.Default(),
		now:    time.Now,
		deb:    newDebouncer(debounceConfig{Window: cfg.Window, MaxBuffer: cfg.MaxBuffer}),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Start takes the hit snapshot and seeds the mirror from the same locked
// read of the tree. Pending notifications are discarded: the snapshot
// already contains their effect.
func (e *Encoder) Start(ctx context.Context) (*record.Snapshot, []snapshot.Resource, error) {
	unlock := e.lock()
	defer unlock()

	snap, res, err := e.ser.SnapshotLocked(ctx, e.doc)
	if err != nil {
		return nil, nil, err
	}
	m := newMirror(e.ser)
	m.root = m.seed(e.doc.Root(), snap.Root, nil)
	e.mirror = m
	e.deb.take()
	return snap, res, nil
}

// Observe buffers notifications. It returns true when the buffer is full
// and the caller should Flush now.
func (e *Encoder) Observe(changes ...dom.Change) bool {
	full := false
	for _, c := range changes {
		if e.deb.add(c) {
			full = true
		}
	}
	return full
}

// TimerC fires when the debounce window of the pending notifications
// expires. It is nil when nothing is pending.
func (e *Encoder) TimerC() <-chan time.Time { return e.deb.timerC() }

// Pending returns the number of buffered notifications.
func (e *Encoder) Pending() int { return len(e.deb.changes) }

func (e *Encoder) lock() func() {
	if l, ok := e.doc.(dom.ReadLocker); ok {
		l.RLock()
		return l.RUnlock
	}
	return func() {}
}

// Flush diffs the buffered notifications into records.
func (e *Encoder) Flush(ctx context.Context) (Result, error) {
	changes := e.deb.take()
	if e.mirror == nil {
		return Result{}, ErrNotStarted
	}
	if len(changes) == 0 {
		return Result{}, nil
	}

	unlock := e.lock()
	f := &flush{enc: e, m: e.mirror, ctx: ctx, t: e.now().UnixMilli()}
	f.run(changes)
	unlock()

	res := Result{Resources: e.ser.TakeResources()}
	if f.err != nil {
		// The mirror may be half-updated.
		res.Resync = true
		return res, fmt.Errorf("encoder: flush: %w", f.err)
	}

	for _, d := range e.ser.TakeDiagnostics() {
		f.records = append(f.records, record.Record{Type: record.TypeDiag, Time: f.t, Diag: &d})
	}

	total := 0
	for i := range f.records {
		total += record.Size(&f.records[i])
	}
	if total > e.cfg.MaxBatchBytes {
		e.logger.Warn("encoder: batch over ceiling, dropped", "bytes", total, "max", e.cfg.MaxBatchBytes, "records", len(f.records))
		res.Records = []record.Record{{
			Type: record.TypeDiag,
			Time: f.t,
			Diag: &record.Diagnostic{
				Code:    "encoder.batch_dropped",
				Message: fmt.Sprintf("%d records, %d bytes over ceiling %d", len(f.records), total, e.cfg.MaxBatchBytes),
			},
		}}
		res.Resync = true
		return res, nil
	}
	res.Records = f.records
	return res, nil
}

// flush is the state of one Flush call.
type flush struct {
	enc     *Encoder
	m       *mirror
	ctx     context.Context
	t       int64
	records []record.Record
	err     error
}

func (f *flush) emit(p record.Patch) {
	f.records = append(f.records, record.Record{Type: record.TypePatch, Time: f.t, Patch: &p})
}

// tracked reports whether mn is the live mirror entry of an attached,
// serialized node. Notifications on anything else are dropped.
func (f *flush) tracked(mn *mnode) bool {
	return mn != nil && !mn.opaque && f.m.byLive[mn.live] == mn && f.m.attached(mn)
}

func (f *flush) run(changes []dom.Change) {
	var parents, texts, attrs, hosts []*mnode
	add := func(list *[]*mnode, mn *mnode) {
		if mn != nil && !slices.Contains(*list, mn) {
			*list = append(*list, mn)
		}
	}
	for _, c := range changes {
		target := f.m.byLive[c.Target]
		switch c.Kind {
		case dom.ChildList:
			add(&parents, target)
			// A node moved here from a parent with no notification of its
			// own still has to leave that parent.
			for _, a := range c.Added {
				if old := f.m.byLive[a]; old != nil && old.parent != nil {
					add(&parents, old.parent)
				}
			}
		case dom.CharacterData:
			add(&texts, target)
		case dom.Attributes:
			add(&attrs, target)
		case dom.ShadowAttach:
			add(&hosts, target)
		}
	}

	f.removals(parents)
	if f.additions(parents); f.err != nil {
		return
	}
	if f.shadows(hosts); f.err != nil {
		return
	}
	for _, mn := range parents {
		if mn.tag == "style" && f.tracked(mn) {
			f.restyle(mn)
		}
	}
	for _, mn := range texts {
		if f.tracked(mn) {
			f.text(mn)
		}
	}
	for _, mn := range attrs {
		if f.tracked(mn) {
			f.attrs(mn)
		}
	}
}

type removal struct {
	parent  *mnode
	indices []int
}

func (f *flush) removals(parents []*mnode) {
	var rems []removal
	gone := make(map[*mnode]bool)
	for _, mp := range parents {
		if !f.tracked(mp) {
			continue
		}
		pos := make(map[dom.Node]int)
		for i, c := range mp.live.Children() {
			pos[c] = i
		}
		// Keep mirror children that are still here and still in order;
		// anything else leaves (and comes back as an addition if it moved).
		last := -1
		var idx []int
		for i, c := range mp.children {
			if li, ok := pos[c.live]; ok && li > last {
				last = li
				continue
			}
			idx = append(idx, i)
			gone[c] = true
		}
		if len(idx) > 0 {
			rems = append(rems, removal{parent: mp, indices: idx})
		}
	}

	slices.SortStableFunc(rems, func(a, b removal) int {
		return depth(b.parent) - depth(a.parent)
	})
	for _, r := range rems {
		if insideRemoved(r.parent, gone) {
			continue
		}
		slices.Reverse(r.indices)
		f.emit(record.Patch{Op: record.OpRemove, Target: f.m.ref(r.parent), Indices: r.indices})
		for _, i := range r.indices {
			child := r.parent.children[i]
			f.m.forget(child)
			child.parent = nil
			r.parent.children = slices.Delete(r.parent.children, i, i+1)
		}
	}
}

func insideRemoved(mn *mnode, gone map[*mnode]bool) bool {
	for cur := mn; cur != nil; cur = cur.parent {
		if gone[cur] {
			return true
		}
	}
	return false
}

func (f *flush) additions(parents []*mnode) {
	ordered := slices.Clone(parents)
	slices.SortStableFunc(ordered, func(a, b *mnode) int {
		return depth(a) - depth(b)
	})
	for _, mp := range ordered {
		if !f.tracked(mp) || !mp.live.Connected() {
			continue
		}
		have := make(map[dom.Node]bool, len(mp.children))
		for _, c := range mp.children {
			have[c.live] = true
		}
		var kids []record.Child
		for i, c := range mp.live.Children() {
			if have[c] {
				continue
			}
			rec, err := f.enc.ser.Node(f.ctx, c)
			if err != nil {
				f.err = err
				return
			}
			mn := f.m.seed(c, rec, mp)
			mp.children = slices.Insert(mp.children, i, mn)
			kids = append(kids, record.Child{Index: i, Node: rec})
		}
		if len(kids) > 0 {
			f.emit(record.Patch{Op: record.OpAdd, Target: f.m.ref(mp), Children: kids})
		}
	}
}

func (f *flush) shadows(hosts []*mnode) {
	for _, host := range hosts {
		if !f.tracked(host) || host.shadow != nil {
			continue
		}
		sh := host.live.Shadow()
		if sh == nil {
			continue
		}
		rec, err := f.enc.ser.Node(f.ctx, sh)
		if err != nil {
			f.err = err
			return
		}
		host.shadow = f.m.seed(sh, rec, host)
		host.shadow.isShadow = true
		f.emit(record.Patch{Op: record.OpShadow, Target: f.m.ref(host), Shadow: rec})
	}
}

func (f *flush) text(mn *mnode) {
	raw := rawText(mn.live)
	if raw != mn.text {
		var v record.Value
		if mn.kind == dom.TextNode {
			v = f.enc.ser.TextValue(mn.live)
		} else {
			v = record.Plain(raw)
		}
		f.emit(record.Patch{Op: record.OpText, Target: f.m.ref(mn), Value: &v})
		mn.text = raw
		if mn.kind == dom.TextNode {
			mn.textDec = f.enc.ser.TextDecision(mn.live)
		}
	}
	if p := mn.parent; p != nil && p.tag == "style" {
		f.restyle(p)
	}
}

// attrs diffs the attributes of an element. Replaying attr patches removes
// names in place, updates existing names in place and appends new ones; when
// that cannot reproduce the live order, every attribute is rewritten.
func (f *flush) attrs(mn *mnode) {
	cur := f.m.rawAttrs(mn.live)
	old := mn.attrs

	var removed []string
	var sim []string
	for _, a := range old {
		if attrIndex(cur, a.Name) < 0 {
			removed = append(removed, a.Name)
		} else {
			sim = append(sim, a.Name)
		}
	}
	for _, a := range cur {
		if !slices.Contains(sim, a.Name) {
			sim = append(sim, a.Name)
		}
	}
	rewrite := false
	for i, a := range cur {
		if sim[i] != a.Name {
			rewrite = true
			break
		}
	}
	if rewrite {
		removed = removed[:0]
		for _, a := range old {
			removed = append(removed, a.Name)
		}
	}

	ref := f.m.ref(mn)
	watched := false
	for _, name := range removed {
		f.emit(record.Patch{Op: record.OpAttr, Target: ref, Name: name, Removed: true})
		delete(mn.attrDec, name)
		watched = watched || (attrIndex(cur, name) < 0 && f.enc.ser.Watches(name))
	}
	for _, a := range cur {
		if !rewrite {
			if i := attrIndex(old, a.Name); i >= 0 && old[i].Value == a.Value {
				continue
			}
		}
		raw := dom.AttrValue(mn.live, a.Name)
		v := f.enc.ser.AttrValue(mn.live, a.Name, raw)
		f.emit(record.Patch{Op: record.OpAttr, Target: ref, Name: a.Name, Value: &v})
		mn.attrDec[a.Name] = f.enc.ser.AttrDecision(mn.live, a.Name, raw)
		watched = watched || f.enc.ser.Watches(a.Name)
	}
	mn.attrs = cur
	if watched {
		f.recheck(mn)
	}

	switch mn.tag {
	case "dialog":
		wasOpen, isOpen := attrIndex(old, "open") >= 0, attrIndex(cur, "open") >= 0
		if wasOpen != isOpen {
			f.emit(record.Patch{Op: record.OpDialog, Target: ref, Open: isOpen})
		}
	case "link":
		f.restyle(mn)
	}
}

// recheck re-evaluates redaction for the subtree of mn after an attribute
// the policy reads changed, and re-ships every value whose decision flipped.
func (f *flush) recheck(mn *mnode) {
	if mn == nil || mn.opaque {
		return
	}
	ser := f.enc.ser
	switch mn.kind {
	case dom.TextNode:
		if d := ser.TextDecision(mn.live); d != mn.textDec {
			v := ser.TextValue(mn.live)
			f.emit(record.Patch{Op: record.OpText, Target: f.m.ref(mn), Value: &v})
			mn.text, mn.textDec = rawText(mn.live), d
		}
	case dom.ElementNode:
		for i, a := range mn.attrs {
			raw, ok := mn.live.Attr(a.Name)
			if !ok {
				continue
			}
			if d := ser.AttrDecision(mn.live, a.Name, raw); d != mn.attrDec[a.Name] {
				v := ser.AttrValue(mn.live, a.Name, raw)
				f.emit(record.Patch{Op: record.OpAttr, Target: f.m.ref(mn), Name: a.Name, Value: &v})
				mn.attrs[i].Value = ser.Rewriter().Apply(a.Name, raw)
				mn.attrDec[a.Name] = d
			}
		}
	}
	f.recheck(mn.shadow)
	for _, c := range mn.children {
		f.recheck(c)
	}
}

func (f *flush) restyle(mn *mnode) {
	ref := f.enc.ser.StyleRef(f.ctx, mn.live)
	if ref == mn.styleRef {
		return
	}
	mn.styleRef = ref
	f.emit(record.Patch{Op: record.OpStyle, Target: f.m.ref(mn), StyleRef: ref})
}
