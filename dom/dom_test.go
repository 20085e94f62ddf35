package dom_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/hazyhaar/domrec/dom"
	"github.com/hazyhaar/domrec/dom/htmldoc"
)

const page = `<html><head></head><body><div id="app" class="main wide"><ul><li class="item">a</li><li class="item sel" data-k="prefix-mid-end">b</li></ul><x-card><template shadowrootmode="open"><button class="buy">go</button></template></x-card></div></body></html>`

func parse(t *testing.T) *htmldoc.Document {
	t.Helper()
	doc, err := htmldoc.ParseString(page, "https://shop.test/")
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

func refs(nodes []dom.Node) []dom.Ref {
	out := make([]dom.Ref, len(nodes))
	for i, n := range nodes {
		out[i] = dom.RefOf(n)
	}
	return out
}

func TestSelectorMatch(t *testing.T) {
	doc := parse(t)
	tests := []struct {
		sel  string
		want []dom.Ref
	}{
		{"li", []dom.Ref{"/0/1/0/0/0", "/0/1/0/0/1"}},
		{"#app", []dom.Ref{"/0/1/0"}},
		{".item.sel", []dom.Ref{"/0/1/0/0/1"}},
		{"div > ul > li.sel", []dom.Ref{"/0/1/0/0/1"}},
		{"body > li", nil},
		{"div li", []dom.Ref{"/0/1/0/0/0", "/0/1/0/0/1"}},
		{"[data-k]", []dom.Ref{"/0/1/0/0/1"}},
		{"[data-k^=prefix]", []dom.Ref{"/0/1/0/0/1"}},
		{"[data-k$=end]", []dom.Ref{"/0/1/0/0/1"}},
		{"[data-k*=mid]", []dom.Ref{"/0/1/0/0/1"}},
		{"[data-k=mid]", nil},
		{"#app .buy", []dom.Ref{"/0/1/0/1/s/0"}},
		{"x-card, ul", []dom.Ref{"/0/1/0/0", "/0/1/0/1"}},
		{"*.wide", []dom.Ref{"/0/1/0"}},
	}
	for _, tt := range tests {
		t.Run(tt.sel, func(t *testing.T) {
			sel, err := dom.Compile(tt.sel)
			if err != nil {
				t.Fatal(err)
			}
			got := refs(dom.QueryAll(doc.Root(), sel))
			if len(got) == 0 {
				got = nil
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("QueryAll (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCompileErrors(t *testing.T) {
	for _, bad := range []string{"", "a,", "> a", "a >", "[x", "#"} {
		if _, err := dom.Compile(bad); err == nil {
			t.Errorf("Compile(%q) accepted", bad)
		}
	}
	sel := dom.MustCompile("#a.b[data-x], [aria-label]")
	if diff := cmp.Diff([]string{"id", "class", "data-x", "aria-label"}, sel.Attrs()); diff != "" {
		t.Errorf("Attrs (-want +got):\n%s", diff)
	}
}

func TestRefRoundTrip(t *testing.T) {
	doc := parse(t)
	dom.Walk(doc.Root(), func(n dom.Node) bool {
		ref := dom.RefOf(n)
		got, ok := dom.Resolve(doc.Root(), ref)
		if !ok || got != n {
			t.Errorf("Resolve(%q) = %v %v", ref, got, ok)
		}
		return true
	})

	for _, bad := range []dom.Ref{"/9", "/0/x", "/0/0/s", "/0/-1"} {
		if _, ok := dom.Resolve(doc.Root(), bad); ok {
			t.Errorf("Resolve(%q) succeeded", bad)
		}
	}
}

func TestRefHelpers(t *testing.T) {
	r := dom.RootRef.Child(0).Child(2).ShadowRoot()
	if r != "/0/2/s" {
		t.Fatalf("built ref = %q", r)
	}
	if diff := cmp.Diff([]string{"0", "2", "s"}, r.Segments()); diff != "" {
		t.Errorf("segments (-want +got):\n%s", diff)
	}
	if r.Depth() != 3 || dom.RootRef.Depth() != 0 {
		t.Errorf("depths = %d, %d", r.Depth(), dom.RootRef.Depth())
	}
	if dom.JoinRef(nil) != dom.RootRef {
		t.Error("JoinRef(nil) is not the root")
	}
}

func TestClosestCrossesShadow(t *testing.T) {
	doc := parse(t)
	btn := doc.Find(".buy")
	if btn == nil {
		t.Fatal("button not found")
	}
	got := dom.Closest(btn, dom.MustCompile("#app"))
	if got == nil || dom.RefOf(got) != "/0/1/0" {
		t.Errorf("Closest = %v", got)
	}
	if dom.Closest(btn, dom.MustCompile("form")) != nil {
		t.Error("Closest matched a missing ancestor")
	}
	if d := dom.Depth(btn); d != 6 {
		t.Errorf("Depth = %d, want 6", d)
	}
}

func TestProxyHides(t *testing.T) {
	doc := parse(t)
	p := dom.NewProxy(doc, dom.ProxyOptions{Hide: dom.MustCompile(".sel"), HideShadow: true})

	var seen []string
	dom.Walk(p.Root(), func(n dom.Node) bool {
		if n.Kind() == dom.ElementNode {
			seen = append(seen, n.Tag())
		}
		return true
	})
	if diff := cmp.Diff([]string{"html", "head", "body", "div", "ul", "li", "x-card"}, seen); diff != "" {
		t.Errorf("visible elements (-want +got):\n%s", diff)
	}

	// Wrappers are cached, so identity holds across calls.
	a := p.Root().Children()[0]
	b := p.Root().Children()[0]
	if a != b || p.Unwrap(a) != doc.Root().Children()[0] {
		t.Error("proxy node identity not stable")
	}
	if p.URL() != "https://shop.test/" {
		t.Errorf("url = %q", p.URL())
	}
}

func TestProxyChange(t *testing.T) {
	doc := parse(t)
	p := dom.NewProxy(doc, dom.ProxyOptions{Hide: dom.MustCompile(".sel")})

	ul := doc.Find("ul")
	hidden := doc.Find(".sel")

	if _, ok := p.Change(doc.SetAttr(hidden, "title", "x")); ok {
		t.Error("change inside hidden content passed through")
	}

	li := doc.CreateElement("li")
	changes, err := doc.AppendChild(ul, li)
	if err != nil {
		t.Fatal(err)
	}
	c, ok := p.Change(changes[0])
	if !ok || len(c.Added) != 1 || p.Unwrap(c.Target) != dom.Node(ul) {
		t.Errorf("visible change = %+v %v", c, ok)
	}

	rm, err := doc.RemoveChild(ul, hidden)
	if err != nil {
		t.Fatal(err)
	}
	c, ok = p.Change(rm)
	if !ok || len(c.Removed) != 0 {
		t.Errorf("removal of hidden child = %+v %v", c, ok)
	}
}
