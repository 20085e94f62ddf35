package roddoc

import (
	"context"
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/domrec/dom"
)

//go:embed hooks.js
var hooksJS string

// bindingName is the Runtime binding the injected hooks call.
const bindingName = "__domrec"

// Event is an interaction or navigation reported by the injected hooks.
type Event struct {
	// Type is click, input, submit, scroll, visibility, nav or cookie.
	Type  string  `json:"type"`
	Ref   dom.Ref `json:"ref,omitempty"`
	Value string  `json:"value,omitempty"`
	Name  string  `json:"name,omitempty"`
	// Nav is push, replace, pop or hash.
	Nav string `json:"nav,omitempty"`
	URL string `json:"url,omitempty"`
}

// ParseEvent decodes one binding payload.
func ParseEvent(payload string) (Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return Event{}, fmt.Errorf("roddoc: event payload: %w", err)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("roddoc: event payload: missing type")
	}
	return ev, nil
}

// Exchange is a completed XHR or fetch request.
type Exchange struct {
	URL         string
	Method      string
	Status      int
	Request     string
	Response    string
	ContentType string
}

// Hooks receive what the page does. Nil hooks are skipped. They run on the
// CDP event goroutine, except Network.
type Hooks struct {
	Changes func([]dom.Change)
	// Event receives the resolved target, or nil when the ref is unknown.
	Event   func(Event, dom.Node)
	Network func(Exchange)
	// Reload runs after the document was replaced (full navigation).
	Reload func(url string)
}

// Live binds a Mirror to a page.
type Live struct {
	page   *rod.Page
	mirror *Mirror
	hooks  Hooks
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[proto.NetworkRequestID]*Exchange
}

// Attach loads the page's document into m, injects the interaction hooks
// and follows DOM and network events until ctx is done or Close is called.
func Attach(ctx context.Context, page *rod.Page, m *Mirror, h Hooks) (*Live, error) {
	ctx, cancel := context.WithCancel(ctx)
	l := &Live{
		page:     page,
		mirror:   m,
		hooks:    h,
		logger:   m.logger,
		cancel:   cancel,
		done:     make(chan struct{}),
		inflight: make(map[proto.NetworkRequestID]*Exchange),
	}

	if err := (proto.DOMEnable{}).Call(page); err != nil {
		cancel()
		return nil, fmt.Errorf("roddoc: DOM.enable: %w", err)
	}
	if err := l.load(); err != nil {
		cancel()
		return nil, err
	}
	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		l.logger.Warn("roddoc: Network.enable failed, no xhr capture", "error", err)
	}
	if err := (proto.RuntimeAddBinding{Name: bindingName}).Call(page); err != nil {
		l.logger.Warn("roddoc: addBinding failed (may already exist)", "error", err)
	}
	if _, err := page.EvalOnNewDocument(hooksJS); err != nil {
		cancel()
		return nil, fmt.Errorf("roddoc: install hooks: %w", err)
	}
	if _, err := page.Eval(`() => {` + hooksJS + `}`); err != nil {
		l.logger.Warn("roddoc: inject hooks into current document", "error", err)
	}

	go l.listen(ctx)
	l.logger.Info("roddoc: attached", "url", m.doc.URL(), "nodes", m.Len())
	return l, nil
}

// Mirror returns the mirrored document holder.
func (l *Live) Mirror() *Mirror { return l.mirror }

// Close stops following the page.
func (l *Live) Close() {
	l.cancel()
	<-l.done
	l.wg.Wait()
}

// load tracks every node. Without depth -1 CDP silently skips mutations on
// nodes it never reported.
func (l *Live) load() error {
	depth := -1
	res, err := proto.DOMGetDocument{Depth: &depth, Pierce: true}.Call(l.page)
	if err != nil {
		return fmt.Errorf("roddoc: DOM.getDocument: %w", err)
	}
	l.mirror.Load(res.Root)
	return nil
}

func (l *Live) emit(changes []dom.Change) {
	if len(changes) > 0 && l.hooks.Changes != nil {
		l.hooks.Changes(changes)
	}
}

func (l *Live) listen(ctx context.Context) {
	defer close(l.done)
	m := l.mirror
	l.page.Context(ctx).EachEvent(
		func(e *proto.DOMChildNodeInserted) { l.emit(m.Inserted(e)) },
		func(e *proto.DOMChildNodeRemoved) { l.emit(m.Removed(e)) },
		func(e *proto.DOMAttributeModified) { l.emit(m.AttrModified(e)) },
		func(e *proto.DOMAttributeRemoved) { l.emit(m.AttrRemoved(e)) },
		func(e *proto.DOMCharacterDataModified) { l.emit(m.CharacterData(e)) },
		func(e *proto.DOMSetChildNodes) { l.emit(m.SetChildNodes(e)) },
		func(e *proto.DOMShadowRootPushed) { l.emit(m.ShadowPushed(e)) },
		func(e *proto.DOMDocumentUpdated) {
			if err := l.load(); err != nil {
				l.logger.Error("roddoc: reload document", "error", err)
				return
			}
			if l.hooks.Reload != nil {
				l.hooks.Reload(m.doc.URL())
			}
		},
		func(e *proto.RuntimeBindingCalled) {
			if e.Name != bindingName {
				return
			}
			ev, err := ParseEvent(e.Payload)
			if err != nil {
				l.logger.Warn("roddoc: binding payload", "error", err)
				return
			}
			var target dom.Node
			if ev.Ref != "" {
				target, _ = m.Resolve(ev.Ref)
			}
			if l.hooks.Event != nil {
				l.hooks.Event(ev, target)
			}
		},
		func(e *proto.NetworkRequestWillBeSent) {
			if e.Type != proto.NetworkResourceTypeXHR && e.Type != proto.NetworkResourceTypeFetch {
				return
			}
			l.mu.Lock()
			l.inflight[e.RequestID] = &Exchange{URL: e.Request.URL, Method: e.Request.Method}
			l.mu.Unlock()
		},
		func(e *proto.NetworkResponseReceived) {
			l.mu.Lock()
			if x, ok := l.inflight[e.RequestID]; ok && e.Response != nil {
				x.Status = e.Response.Status
				x.ContentType = e.Response.MIMEType
			}
			l.mu.Unlock()
		},
		func(e *proto.NetworkLoadingFailed) {
			l.mu.Lock()
			delete(l.inflight, e.RequestID)
			l.mu.Unlock()
		},
		func(e *proto.NetworkLoadingFinished) {
			l.mu.Lock()
			x, ok := l.inflight[e.RequestID]
			delete(l.inflight, e.RequestID)
			l.mu.Unlock()
			if !ok || l.hooks.Network == nil {
				return
			}
			l.wg.Add(1)
			go func() {
				defer l.wg.Done()
				l.complete(ctx, e.RequestID, x)
			}()
		},
	)()
}

// complete fetches the bodies of a finished request.
func (l *Live) complete(ctx context.Context, id proto.NetworkRequestID, x *Exchange) {
	page := l.page.Context(ctx)
	if x.Method != "GET" && x.Method != "HEAD" {
		if res, err := (proto.NetworkGetRequestPostData{RequestID: id}).Call(page); err == nil {
			x.Request = res.PostData
		}
	}
	res, err := (proto.NetworkGetResponseBody{RequestID: id}).Call(page)
	switch {
	case err != nil:
		l.logger.Debug("roddoc: response body", "url", x.URL, "error", err)
	case res.Base64Encoded:
		if raw, err := base64.StdEncoding.DecodeString(res.Body); err == nil {
			x.Response = string(raw)
		}
	default:
		x.Response = res.Body
	}
	l.hooks.Network(*x)
}
