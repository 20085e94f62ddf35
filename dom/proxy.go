package dom

import "sync"

// ProxyOptions restricts what a Proxy exposes.
type ProxyOptions struct {
	// Hide removes matching elements (and their subtrees) from the view.
	Hide *Selector
	// HideShadow makes every shadow root invisible, the way closed shadow
	// roots look to a page script.
	HideShadow bool
}

// Proxy is the sandboxed-document context: a restricted view over another
// Document. Wrapped nodes are cached so identity comparison keeps working.
type Proxy struct {
	doc  Document
	opts ProxyOptions

	mu   sync.Mutex
	wrap map[Node]*proxyNode
}

// NewProxy wraps doc.
func NewProxy(doc Document, opts ProxyOptions) *Proxy {
	return &Proxy{doc: doc, opts: opts, wrap: make(map[Node]*proxyNode)}
}

func (p *Proxy) Root() Node { return p.node(p.doc.Root()) }
func (p *Proxy) URL() string { return p.doc.URL() }

// RLock forwards to the underlying document when it is a ReadLocker.
func (p *Proxy) RLock() {
	if l, ok := p.doc.(ReadLocker); ok {
		l.RLock()
	}
}

// RUnlock forwards to the underlying document when it is a ReadLocker.
func (p *Proxy) RUnlock() {
	if l, ok := p.doc.(ReadLocker); ok {
		l.RUnlock()
	}
}

// StyleSheets returns the sheets whose owner is visible through the proxy.
func (p *Proxy) StyleSheets() []StyleSheet {
	var out []StyleSheet
	for _, s := range p.doc.StyleSheets() {
		if s.Owner != nil && p.hidden(s.Owner) {
			continue
		}
		s.Owner = p.node(s.Owner)
		out = append(out, s)
	}
	return out
}

// Unwrap returns the underlying node of a proxied node.
func (p *Proxy) Unwrap(n Node) Node {
	if pn, ok := n.(*proxyNode); ok {
		return pn.n
	}
	return n
}

// Change translates a notification from the underlying document. It reports
// false when the change is entirely inside hidden content.
func (p *Proxy) Change(c Change) (Change, bool) {
	if c.Target == nil || p.hidden(c.Target) {
		return Change{}, false
	}
	if c.Kind == ShadowAttach && p.opts.HideShadow {
		return Change{}, false
	}
	out := c
	out.Target = p.node(c.Target)
	out.Added = p.visible(c.Added)
	out.Removed = nil
	for _, r := range c.Removed {
		if p.opts.Hide == nil || !p.opts.Hide.Match(r) {
			out.Removed = append(out.Removed, p.node(r))
		}
	}
	return out, true
}

func (p *Proxy) node(n Node) Node {
	if n == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.wrap[n]; ok {
		return w
	}
	w := &proxyNode{p: p, n: n}
	p.wrap[n] = w
	return w
}

func (p *Proxy) visible(nodes []Node) []Node {
	out := make([]Node, 0, len(nodes))
	for _, c := range nodes {
		if p.opts.Hide != nil && p.opts.Hide.Match(c) {
			continue
		}
		out = append(out, p.node(c))
	}
	return out
}

// hidden reports whether n sits inside hidden content.
func (p *Proxy) hidden(n Node) bool {
	for cur := n; cur != nil; cur = cur.Parent() {
		if p.opts.Hide != nil && p.opts.Hide.Match(cur) {
			return true
		}
		if p.opts.HideShadow && cur.Kind() == ShadowRootNode {
			return true
		}
	}
	return false
}

type proxyNode struct {
	p *Proxy
	n Node
}

func (w *proxyNode) Kind() Kind { return w.n.Kind() }
func (w *proxyNode) Tag() string { return w.n.Tag() }
func (w *proxyNode) Attrs() []Attr { return w.n.Attrs() }
func (w *proxyNode) Attr(name string) (string, bool) { return w.n.Attr(name) }
func (w *proxyNode) Text() string { return w.n.Text() }

func (w *proxyNode) Parent() Node {
	par := w.n.Parent()
	if par == nil {
		return nil
	}
	return w.p.node(par)
}

func (w *proxyNode) Children() []Node { return w.p.visible(w.n.Children()) }

func (w *proxyNode) Shadow() Node {
	if w.p.opts.HideShadow {
		return nil
	}
	s := w.n.Shadow()
	if s == nil {
		return nil
	}
	return w.p.node(s)
}

func (w *proxyNode) Connected() bool {
	return w.n.Connected() && !w.p.hidden(w.n)
}
