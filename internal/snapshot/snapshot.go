// CLAUDE:SUMMARY Snapshot serializer: one depth-first walk producing record.Node trees, redacted values, deduplicated stylesheet resources, per-node failure isolation.
// Package snapshot serializes a document tree into record nodes.
//
// Every attribute and text value passes through attribute rewrite rules and
// then the redaction engine. Stylesheets are normalized, digested and
// emitted as resources once per serializer; nodes carry only the digest.
// A node that fails to serialize becomes an inert placeholder comment and
// the walk continues.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/hazyhaar/domrec/dom"
	"github.com/hazyhaar/domrec/internal/redact"
	"github.com/hazyhaar/domrec/internal/vault"
	"github.com/hazyhaar/domrec/record"
)

// UnserializablePlaceholder is the comment text that replaces a node whose
// serialization failed.
const UnserializablePlaceholder = "domrec:unserializable"

// Resource is a stylesheet body the collector may not have yet.
type Resource struct {
	Digest string
	URL    string
	Text   string
}

// Config configures a Serializer.
type Config struct {
	Rewrite []RewriteRule `yaml:"rewrite"`
	// ProxyURL is the same-origin stylesheet proxy endpoint.
	ProxyURL string `yaml:"proxy_url"`
	// FetchStyles enables downloading external stylesheets.
	FetchStyles bool `yaml:"fetch_styles"`
	// BlockPrivate refuses stylesheets on loopback or private hosts.
	BlockPrivate bool `yaml:"block_private"`
}

// Serializer walks trees into record nodes. It keeps the set of resource
// digests already emitted; create one per hit.
type Serializer struct {
	redact   *redact.Engine
	rewriter *Rewriter
	fetcher  *StyleFetcher
	logger   *slog.Logger

	mu        sync.Mutex
	pageURL   string
	emitted   map[string]bool
	resources []Resource
	diags     []record.Diagnostic
}

// Option configures a Serializer.
type Option func(*Serializer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Serializer) { s.logger = l }
}

// WithFetcher sets the external stylesheet fetcher.
func WithFetcher(f *StyleFetcher) Option {
	return func(s *Serializer) { s.fetcher = f }
}

// New builds a serializer. Invalid rewrite rules are skipped and reported
// through Diagnostics.
func New(cfg Config, eng *redact.Engine, opts ...Option) *Serializer {
	rw, diags := NewRewriter(cfg.Rewrite)
	s := &Serializer{
		redact:   eng,
		rewriter: rw,
		logger:   slog.Default(),
		emitted:  make(map[string]bool),
		diags:    diags,
	}
	for _, o := range opts {
		o(s)
	}
	if s.fetcher == nil && cfg.FetchStyles {
		s.fetcher = NewStyleFetcher(FetcherConfig{ProxyURL: cfg.ProxyURL, BlockPrivate: cfg.BlockPrivate, Logger: s.logger})
	}
	return s
}

// Rewriter returns the attribute rewriter shared with the mutation encoder.
func (s *Serializer) Rewriter() *Rewriter { return s.rewriter }

// Snapshot serializes the whole document. It returns the resources first
// seen during this walk. A cancelled context aborts the walk and discards
// the partial result.
func (s *Serializer) Snapshot(ctx context.Context, doc dom.Document) (*record.Snapshot, []Resource, error) {
	if l, ok := doc.(dom.ReadLocker); ok {
		l.RLock()
		defer l.RUnlock()
	}
	return s.SnapshotLocked(ctx, doc)
}

// SnapshotLocked is Snapshot for callers that already hold the document's
// read lock.
func (s *Serializer) SnapshotLocked(ctx context.Context, doc dom.Document) (*record.Snapshot, []Resource, error) {
	s.mu.Lock()
	s.pageURL = doc.URL()
	s.mu.Unlock()

	root, err := s.walk(ctx, doc.Root())
	if err != nil {
		s.mu.Lock()
		for _, r := range s.resources {
			delete(s.emitted, r.Digest)
		}
		s.resources = nil
		s.mu.Unlock()
		return nil, nil, fmt.Errorf("snapshot: %w", err)
	}
	return &record.Snapshot{URL: doc.URL(), Root: root}, s.TakeResources(), nil
}

// Node serializes the subtree rooted at n. The caller holds whatever lock
// the document needs.
func (s *Serializer) Node(ctx context.Context, n dom.Node) (*record.Node, error) {
	return s.walk(ctx, n)
}

// TakeResources returns and clears the resources found since the last call.
func (s *Serializer) TakeResources() []Resource {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.resources
	s.resources = nil
	return out
}

// TakeDiagnostics returns and clears pending diagnostics.
func (s *Serializer) TakeDiagnostics() []record.Diagnostic {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.diags
	s.diags = nil
	return out
}

func (s *Serializer) diag(code, msg string, ref dom.Ref) {
	s.logger.Warn("snapshot: "+code, "ref", ref, "detail", msg)
	s.mu.Lock()
	s.diags = append(s.diags, record.Diagnostic{Code: code, Message: msg, Ref: ref})
	s.mu.Unlock()
}

// walk serializes n and its subtree. A panic raised by the underlying
// document while reading n replaces n's subtree with the placeholder.
func (s *Serializer) walk(ctx context.Context, n dom.Node) (out *record.Node, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			s.diag("snapshot.unserializable", fmt.Sprint(r), safeRef(n))
			out, err = Placeholder(), nil
		}
	}()

	out = s.one(ctx, n)
	if sh := n.Shadow(); sh != nil {
		if out.Shadow, err = s.walk(ctx, sh); err != nil {
			return nil, err
		}
	}
	for _, c := range n.Children() {
		child, err := s.walk(ctx, c)
		if err != nil {
			return nil, err
		}
		out.Children = append(out.Children, child)
	}
	return out, nil
}

func (s *Serializer) one(ctx context.Context, n dom.Node) *record.Node {
	out := &record.Node{Kind: n.Kind()}
	switch n.Kind() {
	case dom.ElementNode:
		out.Tag = n.Tag()
		for _, a := range n.Attrs() {
			out.Attrs = append(out.Attrs, record.Attr{Name: a.Name, Value: s.AttrValue(n, a.Name, a.Value)})
		}
		out.StyleRef = s.StyleRef(ctx, n)
	case dom.TextNode:
		v := s.TextValue(n)
		out.Text = &v
	case dom.CommentNode, dom.DoctypeNode:
		v := record.Plain(n.Text())
		out.Text = &v
	}
	return out
}

// Placeholder returns the node that stands in for an unserializable one.
func Placeholder() *record.Node {
	v := record.Plain(UnserializablePlaceholder)
	return &record.Node{Kind: dom.CommentNode, Text: &v}
}

func safeRef(n dom.Node) (ref dom.Ref) {
	defer func() {
		if recover() != nil {
			ref = ""
		}
	}()
	return dom.RefOf(n)
}

// AttrValue returns the shippable value of attribute name on element n.
func (s *Serializer) AttrValue(n dom.Node, name, raw string) record.Value {
	return s.redact.Value(redact.Subject{
		Source: redact.FromAttr,
		Node:   n,
		Name:   name,
		Value:  s.rewriter.Apply(name, raw),
	})
}

// TextValue returns the shippable character data of text node n. Script
// bodies and inline stylesheet text are never captured as text; stylesheets
// travel as resources instead.
func (s *Serializer) TextValue(n dom.Node) record.Value {
	if p := n.Parent(); p != nil && p.Kind() == dom.ElementNode {
		switch p.Tag() {
		case "script", "style":
			return record.Plain("")
		}
	}
	return s.redact.Value(redact.Subject{Source: redact.FromText, Node: n, Value: n.Text()})
}

// TextDecision classifies the character data of text node n without
// producing a value.
func (s *Serializer) TextDecision(n dom.Node) redact.Decision {
	if p := n.Parent(); p != nil && p.Kind() == dom.ElementNode {
		switch p.Tag() {
		case "script", "style":
			return redact.Public
		}
	}
	return s.redact.Decide(redact.Subject{Source: redact.FromText, Node: n, Value: n.Text()})
}

// AttrDecision classifies attribute name of element n without producing a
// value.
func (s *Serializer) AttrDecision(n dom.Node, name, raw string) redact.Decision {
	return s.redact.Decide(redact.Subject{
		Source: redact.FromAttr,
		Node:   n,
		Name:   name,
		Value:  s.rewriter.Apply(name, raw),
	})
}

// Watches reports whether a change of attribute name may change redaction
// decisions in the element's subtree.
func (s *Serializer) Watches(name string) bool { return s.redact.Watches(name) }

// StyleRef returns the stylesheet digest carried by element n, or "" when n
// carries no sheet. New digests are queued as resources.
func (s *Serializer) StyleRef(ctx context.Context, n dom.Node) string {
	var text, href string
	switch n.Tag() {
	case "style":
		text = inlineText(n)
	case "link":
		if !isStylesheet(n) {
			return ""
		}
		href = s.resolve(dom.AttrValue(n, "href"))
		if s.fetcher == nil || href == "" {
			return ""
		}
		s.mu.Lock()
		page := s.pageURL
		s.mu.Unlock()
		body, err := s.fetcher.Fetch(ctx, page, href)
		if err != nil {
			s.diag("snapshot.style_fetch", err.Error(), dom.RefOf(n))
			return ""
		}
		text = body
	default:
		return ""
	}

	norm := Normalize(text)
	digest := vault.Digest(norm)
	s.mu.Lock()
	if !s.emitted[digest] {
		s.emitted[digest] = true
		s.resources = append(s.resources, Resource{Digest: digest, URL: href, Text: norm})
	}
	s.mu.Unlock()
	return digest
}

func inlineText(n dom.Node) string {
	var text string
	for _, c := range n.Children() {
		if c.Kind() == dom.TextNode {
			text += c.Text()
		}
	}
	return text
}

func isStylesheet(n dom.Node) bool {
	for _, r := range strings.Fields(strings.ToLower(dom.AttrValue(n, "rel"))) {
		if r == "stylesheet" {
			return true
		}
	}
	return false
}

func (s *Serializer) resolve(href string) string {
	s.mu.Lock()
	page := s.pageURL
	s.mu.Unlock()
	base, err := url.Parse(page)
	if err != nil || href == "" {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}
