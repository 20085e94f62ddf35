package htmldoc

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/hazyhaar/domrec/dom"
)

func mustParse(t *testing.T, src string) *Document {
	t.Helper()
	d, err := ParseString(src, "https://shop.test/cart/")
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestParseShadowRoot(t *testing.T) {
	d := mustParse(t, `<html><body><x-card><template shadowrootmode="open"><b>in</b></template><i>light</i></x-card><template><p>plain</p></template></body></html>`)

	card := d.Find("x-card")
	if card == nil || card.ShadowRoot() == nil {
		t.Fatal("declarative shadow root not attached")
	}
	if got := card.ShadowRoot().TextContent(); got != "in" {
		t.Errorf("shadow text = %q", got)
	}
	if len(card.ChildNodes()) != 1 || card.ChildNodes()[0].Tag() != "i" {
		t.Errorf("light children = %d", len(card.ChildNodes()))
	}
	// A template without shadowrootmode stays an element.
	if d.Find("template") == nil {
		t.Error("plain template dropped")
	}

	got := d.Render()
	if !strings.Contains(got, `<x-card><template shadowrootmode="open"><b>in</b></template><i>light</i></x-card>`) {
		t.Errorf("render = %s", got)
	}
}

func TestMutationsReportChanges(t *testing.T) {
	d := mustParse(t, `<html><body><ul><li>a</li></ul><div></div></body></html>`)
	ul, div := d.Find("ul"), d.Find("div")

	li := d.CreateElement("li", dom.Attr{Name: "class", Value: "new"})
	changes, err := d.InsertBefore(ul, li, ul.ChildNodes()[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 1 || changes[0].Kind != dom.ChildList || changes[0].Target != dom.Node(ul) {
		t.Fatalf("insert = %+v", changes)
	}
	if ul.ChildNodes()[0] != li {
		t.Error("not inserted first")
	}

	// Moving an attached node reports the removal first.
	changes, err = d.AppendChild(div, li)
	if err != nil {
		t.Fatal(err)
	}
	kinds := []string{}
	for _, c := range changes {
		switch {
		case len(c.Removed) > 0:
			kinds = append(kinds, "removed:"+c.Target.Tag())
		case len(c.Added) > 0:
			kinds = append(kinds, "added:"+c.Target.Tag())
		}
	}
	if diff := cmp.Diff([]string{"removed:ul", "added:div"}, kinds); diff != "" {
		t.Errorf("move (-want +got):\n%s", diff)
	}

	c := d.SetAttr(li, "class", "moved")
	if c.Kind != dom.Attributes || c.OldValue != "new" {
		t.Errorf("set attr = %+v", c)
	}
	c = d.RemoveAttr(li, "class")
	if c.OldValue != "moved" {
		t.Errorf("remove attr = %+v", c)
	}
	if _, ok := li.Attr("class"); ok {
		t.Error("attribute still present")
	}

	text := ul.ChildNodes()[0].ChildNodes()[0]
	c = d.SetText(text, "b")
	if c.Kind != dom.CharacterData || c.OldValue != "a" {
		t.Errorf("set text = %+v", c)
	}

	if _, err := d.AppendChild(li, div); err == nil {
		t.Error("cycle accepted")
	}
	if _, err := d.AppendChild(text, d.CreateText("x")); err == nil {
		t.Error("text node accepted children")
	}
	if _, err := d.RemoveChild(ul, li); err == nil {
		t.Error("removed a non-child")
	}

	if !strings.Contains(d.Render(), `<ul><li>b</li></ul><div><li></li></div>`) {
		t.Errorf("render = %s", d.Render())
	}
}

func TestAttachShadow(t *testing.T) {
	d := mustParse(t, `<html><body><div></div></body></html>`)
	div := d.Find("div")
	sr, c, err := d.AttachShadow(div)
	if err != nil {
		t.Fatal(err)
	}
	if c.Kind != dom.ShadowAttach || sr.Parent() != dom.Node(div) || !sr.Connected() {
		t.Errorf("attach = %+v", c)
	}
	if _, _, err := d.AttachShadow(div); err == nil {
		t.Error("second shadow root accepted")
	}
	if _, _, err := d.AttachShadow(d.CreateText("x")); err == nil {
		t.Error("shadow on text accepted")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	d := mustParse(t, `<html><body><p id="x">one</p></body></html>`)
	c := d.Clone()
	c.SetAttr(c.Find("#x"), "id", "y")

	if d.Find("#x") == nil || c.Find("#x") != nil {
		t.Error("clone shares nodes with the original")
	}
	if c.URL() != d.URL() {
		t.Errorf("clone url = %q", c.URL())
	}
	p := d.Find("p")
	if !p.Connected() {
		t.Error("attached node not connected")
	}
	if _, err := d.RemoveChild(p.ParentNode(), p); err != nil {
		t.Fatal(err)
	}
	if p.Connected() {
		t.Error("detached node still connected")
	}
}

func TestStyleSheets(t *testing.T) {
	d := mustParse(t, `<html><head><style>p{color:red}</style><link rel="preload" href="/x.css"><link rel="Stylesheet" href="../site.css"></head><body><x-a><template shadowrootmode="open"><style>b{}</style></template></x-a></body></html>`)
	var got []string
	for _, s := range d.StyleSheets() {
		got = append(got, s.Href+"|"+s.Text)
	}
	want := []string{"|p{color:red}", "https://shop.test/site.css|", "|b{}"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("sheets (-want +got):\n%s", diff)
	}
}

func TestFragment(t *testing.T) {
	d := New("about:blank")
	nodes, err := d.Fragment(`<b>x</b>tail`)
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 2 || nodes[0].Tag() != "b" || nodes[1].Text() != "tail" {
		t.Fatalf("fragment = %d nodes", len(nodes))
	}
	if nodes[0].Parent() != nil {
		t.Error("fragment node not detached")
	}
	if d.Find("b") != nil {
		t.Error("fragment attached to document")
	}
}
