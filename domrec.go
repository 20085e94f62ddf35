// CLAUDE:SUMMARY Recorder: one event loop owning lifecycle, snapshot, mutation encoder, rule engine, redaction and transport queue for a recorded document.
// Package domrec records a document session: the hit snapshot, every later
// change as patch records, interactions and network completions as events,
// and rule-synthesized moments. Everything passes through redaction before
// it is batched onto the hit's transport stream.
//
// A Recorder owns all per-session and per-hit state. Its public methods post
// work to a single event loop goroutine, so the host never shares mutable
// recorder state with it. Failures never reach the host: they become
// diagnostic records, and a fatal internal error stops capture after one
// final diagnostic flush.
package domrec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/domrec/dom"
	"github.com/hazyhaar/domrec/idgen"
	"github.com/hazyhaar/domrec/internal/encoder"
	"github.com/hazyhaar/domrec/internal/frames"
	"github.com/hazyhaar/domrec/internal/lifecycle"
	"github.com/hazyhaar/domrec/internal/redact"
	"github.com/hazyhaar/domrec/internal/rules"
	"github.com/hazyhaar/domrec/internal/snapshot"
	"github.com/hazyhaar/domrec/internal/transport"
	"github.com/hazyhaar/domrec/internal/vault"
	"github.com/hazyhaar/domrec/record"
)

var (
	// ErrStopped is returned by calls made after Stop or a fatal error.
	ErrStopped = errors.New("domrec: recorder stopped")
	// ErrNotStarted is returned by calls made before Start.
	ErrNotStarted = errors.New("domrec: recorder not started")
)

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Recorder) { r.logger = l } }

// WithClock overrides time.Now for records and lifecycle timers.
func WithClock(now func() time.Time) Option { return func(r *Recorder) { r.now = now } }

// WithSender replaces the HTTP chunk sender.
func WithSender(s transport.Sender) Option { return func(r *Recorder) { r.sender = s } }

// WithHTTPClient sets the client used for chunks, resources and stylesheets.
func WithHTTPClient(c *http.Client) Option { return func(r *Recorder) { r.client = c } }

// WithStore persists the session identifier.
func WithStore(s lifecycle.Store) Option { return func(r *Recorder) { r.store = s } }

// WithIDs sets the identifier generator.
func WithIDs(gen idgen.Generator) Option { return func(r *Recorder) { r.ids = gen } }

// WithCallback registers a host value provider for callback rule nodes.
func WithCallback(name string, cb rules.Callback) Option {
	return func(r *Recorder) { r.callbacks[name] = cb }
}

// Recorder captures one document.
type Recorder struct {
	cfg    Config
	doc    dom.Document
	logger *slog.Logger
	now    func() time.Time
	ids    idgen.Generator
	client *http.Client
	sender transport.Sender
	store  lifecycle.Store

	callbacks map[string]rules.Callback

	vault     *vault.Vault
	redact    *redact.Engine
	rules     *rules.Engine
	life      *lifecycle.Controller
	queue     *transport.Queue
	resources *transport.ResourceClient
	hub       *frames.Hub

	// Loop-owned state.
	hit      *hitState
	identity *UserIdentity
	initDiag []record.Diagnostic
	pending  []record.Record
	sessions int
	fatal    bool

	inbox   chan func()
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool
	stopped atomic.Bool
	closing atomic.Bool
	wg      sync.WaitGroup
	stop    sync.Once
}

// hitState is everything that is reset when a hit closes.
type hitState struct {
	hit     lifecycle.Hit
	session lifecycle.Session
	ctx     context.Context
	cancel  context.CancelFunc
	ser     *snapshot.Serializer
	enc     *encoder.Encoder
	seq     uint64
	records int
	bytes   int
}

// New builds a recorder for doc. Configuration problems that only affect
// part of the capture (a bad selector, an invalid rule) are reported as
// diagnostics in the first hit; New only fails when delivery is impossible.
func New(cfg Config, doc dom.Document, opts ...Option) (*Recorder, error) {
	r := &Recorder{
		cfg:       cfg,
		doc:       doc,
		logger:    slog.Default(),
		now:       time.Now,
		ids:       idgen.Default,
		callbacks: make(map[string]rules.Callback),
		inbox:     make(chan func(), 256),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	if r.client == nil {
		r.client = &http.Client{Timeout: 10 * time.Second}
	}
	if r.cfg.Transport.FlushInterval <= 0 {
		r.cfg.Transport.FlushInterval = 5 * time.Second
	}
	if r.sender == nil {
		r.sender = transport.NewHTTPSender(r.client)
	}

	key, err := cfg.Crypto.Key()
	if err != nil {
		return nil, fmt.Errorf("domrec: %w", err)
	}
	if v, err := vault.New(vault.Config{CollectorKey: key, Logger: r.logger}); err == nil {
		r.vault = v
	} else if !errors.Is(err, vault.ErrUnavailable) {
		// Degrade to masking rather than refusing to record.
		r.logger.Warn("domrec: encryption unavailable, masking instead", "error", err)
		r.initDiag = append(r.initDiag, record.Diagnostic{Code: "vault.init_failed", Message: err.Error()})
	}

	var diags []record.Diagnostic
	r.redact, diags = redact.New(cfg.Redaction, r.vault, redact.WithLogger(r.logger))
	r.initDiag = append(r.initDiag, diags...)

	ropts := []rules.Option{rules.WithLogger(r.logger), rules.WithClock(r.now)}
	for name, cb := range r.callbacks {
		ropts = append(ropts, rules.WithCallback(name, cb))
	}
	r.rules, diags = rules.New(cfg.Rules, ropts...)
	r.initDiag = append(r.initDiag, diags...)

	r.queue, err = transport.New(cfg.Transport.Config, r.sender,
		transport.WithLogger(r.logger),
		transport.WithClock(r.now),
		transport.WithAbandonHook(r.abandoned))
	if err != nil {
		return nil, fmt.Errorf("domrec: %w", err)
	}
	if cfg.Transport.ResourceURL != "" {
		r.resources = transport.NewResourceClient(cfg.Transport.ResourceURL, r.client)
	}
	if cfg.Frames.Origin != "" {
		r.hub = frames.NewHub(cfg.Frames.Origin, frames.IDs{}, r.logger)
	}

	lopts := []lifecycle.Option{
		lifecycle.WithClock(r.now),
		lifecycle.WithLogger(r.logger),
		lifecycle.WithIDs(r.ids),
	}
	if r.store != nil {
		lopts = append(lopts, lifecycle.WithStore(r.store))
	}
	r.life = lifecycle.New(cfg.Session, hooks{r}, lopts...)
	return r, nil
}

// Start runs the event loop and opens the first hit on the document URL.
func (r *Recorder) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return fmt.Errorf("domrec: already started")
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	go r.loop(r.ctx)
	return r.post(func() { r.life.Navigate(lifecycle.NavFull, r.doc.URL()) })
}

// Stop closes the open hit, makes one best-effort send of everything
// buffered and stops the loop. It is safe to call more than once.
func (r *Recorder) Stop(ctx context.Context) error {
	if !r.started.Load() {
		return ErrNotStarted
	}
	var err error
	r.stop.Do(func() {
		r.closing.Store(true)
		closed := make(chan struct{})
		if perr := r.post(func() {
			r.life.Close()
			r.drain(true)
			close(closed)
		}); perr == nil {
			select {
			case <-closed:
			case <-r.done:
			case <-ctx.Done():
			}
		}
		r.waitFlushes(ctx)
		err = r.queue.Teardown(ctx)
		r.stopped.Store(true)
		r.cancel()
		<-r.done
		r.wg.Wait()
		if r.vault != nil {
			r.vault.Wait()
		}
	})
	return err
}

func (r *Recorder) waitFlushes(ctx context.Context) {
	idle := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(idle)
	}()
	select {
	case <-idle:
	case <-ctx.Done():
	}
}

// post runs fn on the loop.
func (r *Recorder) post(fn func()) error {
	if !r.started.Load() {
		return ErrNotStarted
	}
	if r.stopped.Load() {
		return ErrStopped
	}
	select {
	case r.inbox <- fn:
		return nil
	case <-r.done:
		return ErrStopped
	}
}

// Sync waits until everything posted before it ran.
func (r *Recorder) Sync(ctx context.Context) error {
	ran := make(chan struct{})
	if err := r.post(func() { close(ran) }); err != nil {
		return err
	}
	select {
	case <-ran:
		return nil
	case <-r.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush diffs pending changes, batches every ready record and delivers
// within the bandwidth budget. It returns the acknowledged byte count.
func (r *Recorder) Flush(ctx context.Context) (int, error) {
	flushed := make(chan struct{})
	if err := r.post(func() {
		r.flushEncoder()
		r.drain(false)
		close(flushed)
	}); err != nil {
		return 0, err
	}
	select {
	case <-flushed:
	case <-r.done:
		return 0, ErrStopped
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	return r.queue.Flush(ctx)
}

// Session returns the current session and hit identifiers.
func (r *Recorder) Session() frames.IDs {
	ids := make(chan frames.IDs, 1)
	if err := r.post(func() { ids <- r.currentIDs() }); err != nil {
		return frames.IDs{}
	}
	select {
	case v := <-ids:
		return v
	case <-r.done:
		return frames.IDs{}
	}
}

func (r *Recorder) currentIDs() frames.IDs {
	out := frames.IDs{Session: r.life.Session().ID}
	if r.hit != nil {
		out.Hit = r.hit.hit.ID
	}
	if r.identity != nil && r.identity.Username != "" {
		out.User = vault.Digest(r.identity.Username)
	}
	return out
}

// ServeFrame registers an embedded same-origin frame over p. It blocks until
// the frame goes away.
func (r *Recorder) ServeFrame(ctx context.Context, p frames.Port) error {
	if r.hub == nil {
		return fmt.Errorf("domrec: frames.origin not configured")
	}
	return r.hub.Serve(ctx, p)
}

func (r *Recorder) loop(ctx context.Context) {
	defer close(r.done)
	flushT := time.NewTicker(r.cfg.Transport.FlushInterval)
	defer flushT.Stop()
	lifeT := time.NewTimer(time.Hour)
	defer lifeT.Stop()
	ready := time.NewTicker(25 * time.Millisecond)
	defer ready.Stop()

	for {
		var encC <-chan time.Time
		if r.hit != nil && r.hit.enc != nil {
			encC = r.hit.enc.TimerC()
		}
		var readyC <-chan time.Time
		if len(r.pending) > 0 {
			readyC = ready.C
		}

		select {
		case <-ctx.Done():
			return
		case fn := <-r.inbox:
			r.safely(fn)
		case <-encC:
			r.safely(r.flushEncoder)
		case <-flushT.C:
			r.safely(func() {
				r.drain(false)
				r.kickQueue()
			})
		case <-readyC:
			r.safely(func() { r.drain(false) })
		case <-lifeT.C:
		}
		if r.fatal {
			return
		}
		r.safely(func() {
			if d := r.life.Tick(); d > 0 {
				lifeT.Reset(d)
			}
		})
		if r.fatal {
			return
		}
	}
}

// safely runs fn and turns a panic into a fatal stop.
func (r *Recorder) safely(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.fail(p)
		}
	}()
	fn()
}

// fail stops capture after one final diagnostic send.
func (r *Recorder) fail(p any) {
	r.fatal = true
	r.stopped.Store(true)
	r.logger.Error("domrec: fatal error, capture stopped", "panic", p)
	if r.hit == nil {
		return
	}
	b := record.Batch{
		V: record.Version, Session: r.hit.session.ID, Hit: r.hit.hit.ID, Seq: r.hit.seq,
		Records: []record.Record{{
			Type: record.TypeDiag, Time: r.now().UnixMilli(),
			Diag: &record.Diagnostic{Code: "recorder.fatal", Message: fmt.Sprint(p)},
		}},
	}
	if data, err := record.MarshalBatch(&b); err == nil {
		_, _ = r.queue.Append(b.Session, b.Hit, data)
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.queue.Teardown(context.Background()); err != nil {
			r.logger.Warn("domrec: final diagnostic send failed", "error", err)
		}
	}()
}

// kickQueue starts a background flush unless one is running.
func (r *Recorder) kickQueue() {
	if r.closing.Load() || r.queue.Pending() == 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if _, err := r.queue.Flush(r.ctx); err != nil && !errors.Is(err, transport.ErrInFlight) && r.ctx.Err() == nil {
			r.logger.Warn("domrec: flush", "error", err)
		}
	}()
}

func (r *Recorder) abandoned(e *transport.ErrEndpointExhausted) {
	// Runs on the flush goroutine; the loop records the diagnostic.
	_ = r.post(func() {
		r.emit(record.Record{
			Type: record.TypeDiag, Time: r.now().UnixMilli(),
			Diag: &record.Diagnostic{Code: "transport.abandoned", Message: e.Error()},
		})
	})
}

// emit appends records to the pending sequence of the open hit.
func (r *Recorder) emit(recs ...record.Record) {
	if r.hit == nil {
		return
	}
	r.pending = append(r.pending, recs...)
}

func (r *Recorder) diag(code, msg string) {
	r.emit(record.Record{Type: record.TypeDiag, Time: r.now().UnixMilli(), Diag: &record.Diagnostic{Code: code, Message: msg}})
}

// drain batches the ready prefix of the pending records onto the hit
// stream. A record waiting for an encryption result holds back every record
// after it. With wait set, pending encryptions are awaited first.
func (r *Recorder) drain(wait bool) {
	if r.hit == nil || len(r.pending) == 0 {
		return
	}
	if wait && r.vault != nil {
		r.vault.Wait()
	}
	n := 0
	for n < len(r.pending) && r.pending[n].Ready() {
		n++
	}
	if n == 0 {
		return
	}
	b := record.Batch{
		V:       record.Version,
		Session: r.hit.session.ID,
		Hit:     r.hit.hit.ID,
		Seq:     r.hit.seq,
		Records: r.pending[:n:n],
	}
	if r.vault != nil {
		keys, err := r.vault.TakeEnvelopes()
		if err != nil {
			r.logger.Warn("domrec: key envelope", "error", err)
		}
		b.Keys = keys
	}
	data, err := record.MarshalBatch(&b)
	r.pending = r.pending[n:]
	if err != nil {
		r.logger.Error("domrec: marshal batch", "error", err)
		r.diag("recorder.marshal", err.Error())
		return
	}
	r.hit.seq++
	r.hit.records += n
	r.hit.bytes += len(data)
	if _, err := r.queue.Append(b.Session, b.Hit, data); err != nil {
		r.logger.Warn("domrec: queue append", "error", err)
	}
}

// flushEncoder diffs pending notifications of the open hit.
func (r *Recorder) flushEncoder() {
	h := r.hit
	if h == nil || h.enc == nil {
		return
	}
	res, err := h.enc.Flush(h.ctx)
	if err != nil && !errors.Is(err, encoder.ErrNotStarted) {
		r.logger.Warn("domrec: encoder flush", "error", err)
		r.diag("encoder.flush", err.Error())
	}
	r.emit(res.Records...)
	r.uploadResources(res.Resources)
	if res.Resync {
		r.capture()
	}
}

// capture takes the hit snapshot and starts the encoder. A snapshot aborted
// by the end of its hit is discarded.
func (r *Recorder) capture() {
	h := r.hit
	if h == nil {
		return
	}
	if h.ser == nil {
		var opts []snapshot.Option
		opts = append(opts, snapshot.WithLogger(r.logger))
		if r.cfg.Snapshot.FetchStyles {
			opts = append(opts, snapshot.WithFetcher(snapshot.NewStyleFetcher(snapshot.FetcherConfig{
				ProxyURL:     r.cfg.Snapshot.ProxyURL,
				BlockPrivate: r.cfg.Snapshot.BlockPrivate,
				Client:       r.client,
				Logger:       r.logger,
			})))
		}
		h.ser = snapshot.New(r.cfg.Snapshot, r.redact, opts...)
	}
	h.enc = encoder.New(r.cfg.Encoder, r.doc, h.ser, encoder.WithLogger(r.logger), encoder.WithClock(r.now))

	snap, res, err := h.enc.Start(h.ctx)
	if err != nil {
		if h.ctx.Err() != nil {
			r.logger.Debug("domrec: snapshot discarded", "hit", h.hit.ID)
			return
		}
		r.logger.Warn("domrec: snapshot failed", "error", err)
		r.diag("snapshot.failed", err.Error())
		return
	}
	snap.ID = h.hit.ID + "/" + r.ids()
	t := r.now().UnixMilli()
	r.emit(record.Record{Type: record.TypeSnapshot, Time: t, Snapshot: snap})
	for _, d := range h.ser.TakeDiagnostics() {
		r.emit(record.Record{Type: record.TypeDiag, Time: t, Diag: &d})
	}
	r.uploadResources(res)
}

// uploadResources offers stylesheet bodies through the hash-check side
// channel, uploading only what the collector lacks.
func (r *Recorder) uploadResources(res []snapshot.Resource) {
	if r.resources == nil || len(res) == 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(r.ctx, 30*time.Second)
		defer cancel()
		byHash := make(map[string]snapshot.Resource, len(res))
		hashes := make([]string, 0, len(res))
		for _, x := range res {
			byHash[x.Digest] = x
			hashes = append(hashes, x.Digest)
		}
		missing, err := r.resources.Check(ctx, hashes)
		if err != nil {
			r.logger.Warn("domrec: resource check", "error", err)
			return
		}
		for _, h := range missing {
			if err := r.resources.Upload(ctx, h, []byte(byHash[h].Text)); err != nil {
				r.logger.Warn("domrec: resource upload", "hash", h, "error", err)
			}
		}
	}()
}

// hooks adapts the recorder to the lifecycle listener.
type hooks struct{ r *Recorder }

func (k hooks) SessionStarted(s lifecycle.Session, restored bool) {
	r := k.r
	r.logger.Info("domrec: session started", "session", s.ID, "restored", restored)
	r.sessions++
	if r.vault != nil && r.sessions > 1 {
		if _, err := r.vault.Rotate(); err != nil {
			r.logger.Warn("domrec: key rotation", "error", err)
		}
	}
}

func (k hooks) SessionExpired(s lifecycle.Session) {
	k.r.logger.Info("domrec: session expired", "session", s.ID)
}

func (k hooks) HitOpened(s lifecycle.Session, h lifecycle.Hit) {
	r := k.r
	ctx, cancel := context.WithCancel(context.Background())
	r.hit = &hitState{hit: h, session: s, ctx: ctx, cancel: cancel}
	r.pending = nil
	r.logger.Debug("domrec: hit opened", "hit", h.ID, "nav", h.Nav, "url", h.URL)

	r.capture()
	t := r.now().UnixMilli()
	for _, d := range r.initDiag {
		r.emit(record.Record{Type: record.TypeDiag, Time: t, Diag: &d})
	}
	r.initDiag = nil
	if r.identity != nil {
		r.emit(identityRecord(r.redact, *r.identity, t))
	}

	r.rules.Reset()
	r.moments(r.rules.Signal(rules.CatPageReady, func(env *rules.Env) {
		env.Doc = r.doc
		env.URL = h.URL
	}))
	r.moments(r.rules.SessionReady(h.First(), s.Engagement()))

	r.notifyFrames()
}

// notifyFrames pushes the current identifiers to registered frames.
func (r *Recorder) notifyFrames() {
	if r.hub == nil || r.hit == nil {
		return
	}
	ids, hctx := r.currentIDs(), r.hit.ctx
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(hctx, time.Second)
		defer cancel()
		r.hub.SetIDs(ctx, ids)
	}()
}

func (k hooks) HitClosing(h lifecycle.Hit) {
	r := k.r
	if r.hit == nil {
		return
	}
	r.flushEncoder()
	r.emit(record.Record{
		Type: record.TypeEvent, Time: r.now().UnixMilli(),
		Event: &record.Event{
			Kind:  record.EventCustom,
			Name:  "hit.counters",
			Value: record.Plain(fmt.Sprintf("records=%d bytes=%d seq=%d", r.hit.records+len(r.pending)+1, r.hit.bytes, r.hit.seq)),
			Time:  r.now().UnixMilli(),
		},
	})
	r.drain(true)
	r.kickQueue()
}

func (k hooks) HitClosed(h lifecycle.Hit) {
	r := k.r
	if r.hit != nil {
		r.hit.cancel()
	}
	r.hit = nil
	r.pending = nil
}
