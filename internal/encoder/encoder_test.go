package encoder

import (
	"context"
	"math/rand/v2"
	"strconv"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/hazyhaar/domrec/dom"
	"github.com/hazyhaar/domrec/dom/htmldoc"
	"github.com/hazyhaar/domrec/internal/redact"
	"github.com/hazyhaar/domrec/internal/snapshot"
	"github.com/hazyhaar/domrec/record"
)

var valueEqual = cmp.Comparer(func(a, b record.Value) bool { return a.String() == b.String() })

type harness struct {
	t       *testing.T
	doc     *htmldoc.Document
	enc     *Encoder
	rc      redact.Config
	sc      snapshot.Config
	snap    *record.Snapshot
	records []record.Record
}

func newHarness(t *testing.T, src string, rc redact.Config, sc snapshot.Config, cfg Config) *harness {
	t.Helper()
	doc, err := htmldoc.ParseString(src, "https://app.example/")
	if err != nil {
		t.Fatal(err)
	}
	eng, _ := redact.New(rc, nil)
	ser := snapshot.New(sc, eng)
	h := &harness{t: t, doc: doc, enc: New(cfg, doc, ser), rc: rc, sc: sc}
	h.snap, _, err = h.enc.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func (h *harness) observe(changes []dom.Change, err error) {
	h.t.Helper()
	if err != nil {
		h.t.Fatal(err)
	}
	h.enc.Observe(changes...)
}

func (h *harness) observe1(c dom.Change) { h.enc.Observe(c) }

func (h *harness) flush() []record.Record {
	h.t.Helper()
	res, err := h.enc.Flush(context.Background())
	if err != nil {
		h.t.Fatal(err)
	}
	h.records = append(h.records, res.Records...)
	return res.Records
}

// checkReplay replays snapshot + all records and compares the result with
// the live tree, both serialized under the same policy.
func (h *harness) checkReplay() {
	h.t.Helper()
	replayed, err := Replay(h.snap, h.records)
	if err != nil {
		h.t.Fatalf("replay: %v", err)
	}
	want := h.serialize(h.doc)
	got := h.serialize(replayed)
	if diff := cmp.Diff(want, got, valueEqual); diff != "" {
		h.t.Fatalf("replayed tree differs from live (-live +replay):\n%s", diff)
	}
}

func (h *harness) serialize(d dom.Document) *record.Node {
	h.t.Helper()
	eng, _ := redact.New(h.rc, nil)
	snap, _, err := snapshot.New(h.sc, eng).Snapshot(context.Background(), d)
	if err != nil {
		h.t.Fatal(err)
	}
	return snap.Root
}

func patches(recs []record.Record) []*record.Patch {
	var out []*record.Patch
	for _, r := range recs {
		if r.Patch != nil {
			out = append(out, r.Patch)
		}
	}
	return out
}

func TestThreeInsertionsOneAddPatch(t *testing.T) {
	h := newHarness(t, `<html><head></head><body><ul id="list"></ul></body></html>`, redact.Config{}, snapshot.Config{}, Config{})
	list := h.doc.Find("#list")
	for _, label := range []string{"a", "b", "c"} {
		li := h.doc.CreateElement("li")
		h.doc.AppendChild(li, h.doc.CreateText(label))
		h.observe(h.doc.AppendChild(list, li))
	}

	ps := patches(h.flush())
	if len(ps) != 1 {
		t.Fatalf("patches = %d, want 1: %+v", len(ps), ps)
	}
	p := ps[0]
	if p.Op != record.OpAdd || p.Target != dom.RefOf(list) {
		t.Fatalf("patch = %s %s, want add %s", p.Op, p.Target, dom.RefOf(list))
	}
	if len(p.Children) != 3 {
		t.Fatalf("children = %d", len(p.Children))
	}
	for i, c := range p.Children {
		if c.Index != i || c.Node.Children[0].Text.String() != string(rune('a'+i)) {
			t.Fatalf("child %d = index %d %+v", i, c.Index, c.Node)
		}
	}
	h.checkReplay()
}

func TestRemovalsDescendingOnePerParent(t *testing.T) {
	h := newHarness(t, `<html><head></head><body><ol><li>0</li><li>1</li><li>2</li><li>3</li></ol></body></html>`,
		redact.Config{}, snapshot.Config{}, Config{})
	ol := h.doc.Find("ol")
	kids := ol.ChildNodes()
	a, b := kids[1], kids[3]
	c1, _ := h.doc.RemoveChild(ol, a)
	c2, _ := h.doc.RemoveChild(ol, b)
	h.observe1(c1)
	h.observe1(c2)

	ps := patches(h.flush())
	if len(ps) != 1 || ps[0].Op != record.OpRemove {
		t.Fatalf("patches = %+v", ps)
	}
	if diff := cmp.Diff([]int{3, 1}, ps[0].Indices); diff != "" {
		t.Fatalf("indices (-want +got):\n%s", diff)
	}
	h.checkReplay()
}

func TestRemovedSubtreeNotificationsDropped(t *testing.T) {
	h := newHarness(t, `<html><head></head><body><div id="box"><p id="p">x</p></div></body></html>`,
		redact.Config{}, snapshot.Config{}, Config{})
	body, box, p := h.doc.Find("body"), h.doc.Find("#box"), h.doc.Find("#p")
	h.observe1(h.doc.SetAttr(p, "class", "changed"))
	h.observe1(h.doc.SetText(p.ChildNodes()[0], "y"))
	c, _ := h.doc.RemoveChild(body, box)
	h.observe1(c)

	ps := patches(h.flush())
	if len(ps) != 1 || ps[0].Op != record.OpRemove {
		t.Fatalf("patches = %+v", ps)
	}
	h.checkReplay()
}

func TestUnchangedValuesEmitNothing(t *testing.T) {
	h := newHarness(t, `<html><head></head><body><p class="a">t</p></body></html>`, redact.Config{}, snapshot.Config{}, Config{})
	p := h.doc.Find("p")
	h.observe1(h.doc.SetAttr(p, "class", "b"))
	h.observe1(h.doc.SetAttr(p, "class", "a"))
	h.observe1(h.doc.SetText(p.ChildNodes()[0], "t"))
	if ps := patches(h.flush()); len(ps) != 0 {
		t.Fatalf("patches = %+v, want none", ps)
	}
}

func TestAttributeRewriteAndRedaction(t *testing.T) {
	h := newHarness(t, `<html><head></head><body><a href="/x">x</a><div class="secret"><span>s</span></div></body></html>`,
		redact.Config{Mask: []string{".secret"}},
		snapshot.Config{Rewrite: []snapshot.RewriteRule{{Attr: "href", Pattern: `sid=\w+`, Replace: "sid=0"}}},
		Config{})
	a := h.doc.Find("a")
	span := h.doc.Find("span")
	h.observe1(h.doc.SetAttr(a, "href", "/y?sid=abc123"))
	h.observe1(h.doc.SetText(span.ChildNodes()[0], "4111 1111 1111 1111"))

	ps := patches(h.flush())
	if len(ps) != 2 {
		t.Fatalf("patches = %+v", ps)
	}
	if ps[1].Op != record.OpAttr || ps[1].Value.String() != "/y?sid=0" {
		t.Fatalf("attr patch = %+v", ps[1])
	}
	if ps[0].Op != record.OpText || ps[0].Value.String() != redact.Placeholder {
		t.Fatalf("text patch = %+v", ps[0])
	}
	h.checkReplay()
}

func TestMoveAndReorder(t *testing.T) {
	h := newHarness(t, `<html><head></head><body><ul id="a"><li>1</li><li>2</li><li>3</li></ul><ul id="b"></ul></body></html>`,
		redact.Config{}, snapshot.Config{}, Config{})
	a, b := h.doc.Find("#a"), h.doc.Find("#b")
	kids := a.ChildNodes()
	first, last := kids[0], kids[2]
	h.observe(h.doc.InsertBefore(a, last, first))
	h.observe(h.doc.AppendChild(b, first))
	h.flush()
	h.checkReplay()
}

func TestShadowAndDialog(t *testing.T) {
	h := newHarness(t, `<html><head></head><body><x-widget></x-widget><dialog>hi</dialog></body></html>`,
		redact.Config{}, snapshot.Config{}, Config{})
	host := h.doc.Find("x-widget")
	sr, c, err := h.doc.AttachShadow(host)
	if err != nil {
		t.Fatal(err)
	}
	h.observe1(c)
	h.observe(h.doc.AppendChild(sr, h.doc.CreateText("shadow text")))
	h.observe1(h.doc.SetAttr(h.doc.Find("dialog"), "open", ""))

	ps := patches(h.flush())
	var ops []record.Op
	for _, p := range ps {
		ops = append(ops, p.Op)
	}
	if diff := cmp.Diff([]record.Op{record.OpShadow, record.OpAttr, record.OpDialog}, ops); diff != "" {
		t.Fatalf("ops (-want +got):\n%s", diff)
	}
	if !ps[2].Open {
		t.Fatal("dialog patch not open")
	}
	if ps[0].Target != dom.RefOf(host) || ps[0].Shadow.Children[0].Text.String() != "shadow text" {
		t.Fatalf("shadow patch = %+v", ps[0])
	}

	// Later content inside the shadow root is a normal add on the s segment.
	h.observe(h.doc.AppendChild(sr, h.doc.CreateElement("b")))
	ps = patches(h.flush())
	if len(ps) != 1 || !strings.HasSuffix(string(ps[0].Target), "/s") {
		t.Fatalf("patches = %+v", ps)
	}
	h.checkReplay()
}

func TestPolicyAttributeChangeReshipsSubtree(t *testing.T) {
	h := newHarness(t, `<html><head></head><body><div id="d"><p title="hello">text</p></div></body></html>`,
		redact.Config{Mask: []string{".priv"}}, snapshot.Config{}, Config{})
	d := h.doc.Find("#d")
	h.observe1(h.doc.SetAttr(d, "class", "priv"))

	ps := patches(h.flush())
	var masked int
	for _, p := range ps {
		if p.Value != nil && p.Value.String() == redact.Placeholder {
			masked++
		}
	}
	// class and id on the div itself, title on p, and the text node.
	if masked != 4 {
		t.Fatalf("masked patches = %d: %+v", masked, ps)
	}
	h.checkReplay()

	h.observe1(h.doc.RemoveAttr(d, "class"))
	h.flush()
	h.checkReplay()
}

func TestStyleChangeEmitsStylePatch(t *testing.T) {
	h := newHarness(t, `<html><head><style>a{color:red}</style></head><body></body></html>`,
		redact.Config{}, snapshot.Config{}, Config{})
	style := h.doc.Find("style")
	h.observe1(h.doc.SetText(style.ChildNodes()[0], "a{color:blue}"))
	res, err := h.enc.Flush(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	ps := patches(res.Records)
	if len(ps) != 1 || ps[0].Op != record.OpStyle || ps[0].StyleRef == "" {
		t.Fatalf("patches = %+v", ps)
	}
	if len(res.Resources) != 1 || res.Resources[0].Digest != ps[0].StyleRef {
		t.Fatalf("resources = %+v", res.Resources)
	}
}

func TestBatchCeilingDropsWholeBatch(t *testing.T) {
	h := newHarness(t, `<html><head></head><body><div id="d"></div></body></html>`,
		redact.Config{}, snapshot.Config{}, Config{MaxBatchBytes: 300})
	d := h.doc.Find("#d")
	for i := 0; i < 20; i++ {
		h.observe(h.doc.AppendChild(d, h.doc.CreateText(strings.Repeat("x", 50))))
	}
	res, err := h.enc.Flush(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Resync {
		t.Fatal("Resync not requested")
	}
	if len(res.Records) != 1 || res.Records[0].Type != record.TypeDiag || res.Records[0].Diag.Code != "encoder.batch_dropped" {
		t.Fatalf("records = %+v", res.Records)
	}
}

func TestFlushBeforeStart(t *testing.T) {
	doc := htmldoc.New("about:blank")
	eng, _ := redact.New(redact.Config{}, nil)
	e := New(Config{}, doc, snapshot.New(snapshot.Config{}, eng))
	if _, err := e.Flush(context.Background()); err != ErrNotStarted {
		t.Fatalf("err = %v", err)
	}
}

// TestReplayProperty applies random mutation sequences and checks after
// every flush that replaying all emitted patches reproduces the live tree.
func TestReplayProperty(t *testing.T) {
	const src = `<html><head></head><body>
<div id="root"><section class="priv"><p>one</p><p>two</p></section><ul><li>a</li><li>b</li><li>c</li></ul><span title="t">x</span></div>
</body></html>`
	for seed := uint64(1); seed <= 25; seed++ {
		t.Run(strconv.FormatUint(seed, 10), func(t *testing.T) {
			h := newHarness(t, src, redact.Config{Mask: []string{".priv"}}, snapshot.Config{}, Config{})
			rng := rand.New(rand.NewPCG(seed, seed*7919))
			for round := 0; round < 8; round++ {
				for op := 0; op < 1+rng.IntN(10); op++ {
					mutate(h, rng)
				}
				h.flush()
				h.checkReplay()
			}
		})
	}
}

func mutate(h *harness, rng *rand.Rand) {
	root := h.doc.Find("#root")
	var elems, all []*htmldoc.Node
	var texts []*htmldoc.Node
	dom.Walk(root, func(n dom.Node) bool {
		hn := n.(*htmldoc.Node)
		if n != dom.Node(root) {
			all = append(all, hn)
		}
		switch n.Kind() {
		case dom.ElementNode, dom.ShadowRootNode:
			elems = append(elems, hn)
		case dom.TextNode:
			texts = append(texts, hn)
		}
		return true
	})
	pick := func(list []*htmldoc.Node) *htmldoc.Node { return list[rng.IntN(len(list))] }
	words := []string{"alpha", "beta", "gamma", "delta"}

	switch rng.IntN(7) {
	case 0: // insert element
		parent := pick(elems)
		el := h.doc.CreateElement([]string{"div", "p", "em"}[rng.IntN(3)])
		h.doc.AppendChild(el, h.doc.CreateText(words[rng.IntN(len(words))]))
		var ref *htmldoc.Node
		if kids := parent.ChildNodes(); len(kids) > 0 && rng.IntN(2) == 0 {
			ref = kids[rng.IntN(len(kids))]
		}
		h.observe(h.doc.InsertBefore(parent, el, ref))
	case 1: // remove
		if len(all) == 0 {
			return
		}
		n := pick(all)
		if n.Kind() == dom.ShadowRootNode || n.ParentNode() == nil {
			return
		}
		c, err := h.doc.RemoveChild(n.ParentNode(), n)
		if err == nil {
			h.observe1(c)
		}
	case 2: // move
		if len(all) == 0 {
			return
		}
		n, parent := pick(all), pick(elems)
		if n.Kind() == dom.ShadowRootNode {
			return
		}
		changes, err := h.doc.AppendChild(parent, n)
		if err == nil {
			h.observe(changes, nil)
		}
	case 3: // text
		if len(texts) == 0 {
			return
		}
		h.observe1(h.doc.SetText(pick(texts), words[rng.IntN(len(words))]))
	case 4: // set attribute
		el := pick(elems)
		if el.Kind() != dom.ElementNode {
			return
		}
		h.observe1(h.doc.SetAttr(el, []string{"title", "data-x", "class"}[rng.IntN(3)], words[rng.IntN(len(words))]))
	case 5: // remove attribute
		el := pick(elems)
		if el.Kind() != dom.ElementNode {
			return
		}
		h.observe1(h.doc.RemoveAttr(el, []string{"title", "data-x", "class"}[rng.IntN(3)]))
	case 6: // shadow root
		el := pick(elems)
		if el.Kind() != dom.ElementNode || el.ShadowRoot() != nil {
			return
		}
		sr, c, err := h.doc.AttachShadow(el)
		if err != nil {
			return
		}
		h.observe1(c)
		h.observe(h.doc.AppendChild(sr, h.doc.CreateText(words[rng.IntN(len(words))])))
	}
}

func TestCoalesce(t *testing.T) {
	doc := htmldoc.New("about:blank")
	el := doc.CreateElement("div")
	changes := []dom.Change{
		{Kind: dom.Attributes, Target: el, Name: "class", OldValue: "orig"},
		{Kind: dom.Attributes, Target: el, Name: "class", OldValue: "a"},
		{Kind: dom.Attributes, Target: el, Name: "id"},
		{Kind: dom.ChildList, Target: el},
		{Kind: dom.ChildList, Target: el},
	}
	got := coalesce(changes)
	if len(got) != 4 {
		t.Fatalf("coalesce: got %d, want 4", len(got))
	}
	if got[0].OldValue != "orig" {
		t.Errorf("OldValue: got %q, want %q", got[0].OldValue, "orig")
	}
}

func TestObserveMaxBuffer(t *testing.T) {
	doc := htmldoc.New("about:blank")
	eng, _ := redact.New(redact.Config{}, nil)
	e := New(Config{MaxBuffer: 3}, doc, snapshot.New(snapshot.Config{}, eng))
	c := dom.Change{Kind: dom.ChildList, Target: doc.Root()}
	if e.Observe(c, c) {
		t.Fatal("flush requested early")
	}
	if e.TimerC() == nil {
		t.Fatal("debounce timer not armed")
	}
	if !e.Observe(c) {
		t.Fatal("full buffer did not request flush")
	}
}
