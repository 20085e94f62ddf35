// Package lifecycle is the session and hit state machine.
//
// A session moves New -> Active <-> Suspended -> Expired. Inside an active
// session a hit moves Open -> Closing -> Closed. Hits open on full
// navigation, history navigation, optionally on hash changes, and when a
// debounced application stop marker settles. The Controller is driven from
// a single goroutine; listener callbacks run synchronously inside the call
// that caused them.
package lifecycle

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/domrec/idgen"
)

// State is the session state.
type State int

const (
	StateNew State = iota
	StateActive
	StateSuspended
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateActive:
		return "active"
	case StateSuspended:
		return "suspended"
	case StateExpired:
		return "expired"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// HitState is the hit sub-state.
type HitState int

const (
	HitNone HitState = iota
	HitOpen
	HitClosing
	HitClosed
)

func (s HitState) String() string {
	switch s {
	case HitNone:
		return "none"
	case HitOpen:
		return "open"
	case HitClosing:
		return "closing"
	case HitClosed:
		return "closed"
	}
	return fmt.Sprintf("hit(%d)", int(s))
}

// NavKind classifies a navigation.
type NavKind string

const (
	NavFull    NavKind = "full"
	NavPush    NavKind = "push"
	NavReplace NavKind = "replace"
	NavPop     NavKind = "pop"
	NavHash    NavKind = "hash"
	// NavMarker is a hit opened by the application start/stop markers.
	NavMarker NavKind = "marker"
	// NavResume is a hit opened by activity after expiry or reset.
	NavResume NavKind = "resume"
)

// Session is a tracked visit.
type Session struct {
	ID           string
	Created      time.Time
	LastActivity time.Time
	// Hits counts the hits opened in this session, including restored ones.
	Hits int
}

// Engagement is the span of activity seen so far.
func (s Session) Engagement() time.Duration { return s.LastActivity.Sub(s.Created) }

// Hit is a sub-unit of a session.
type Hit struct {
	ID      string
	Session string
	// Index is the position of the hit within its session.
	Index  int
	Opened time.Time
	URL    string
	Nav    NavKind
}

// First reports whether h is the first hit of its session.
func (h Hit) First() bool { return h.Index == 0 }

// Listener receives lifecycle transitions.
type Listener interface {
	SessionStarted(s Session, restored bool)
	SessionExpired(s Session)
	HitOpened(s Session, h Hit)
	// HitClosing runs before the hit is marked closed; final counters and
	// the transport flush happen here.
	HitClosing(h Hit)
	HitClosed(h Hit)
}

// NopListener ignores every transition. Embed it to implement a subset.
type NopListener struct{}

func (NopListener) SessionStarted(Session, bool) {}
func (NopListener) SessionExpired(Session)       {}
func (NopListener) HitOpened(Session, Hit)       {}
func (NopListener) HitClosing(Hit)               {}
func (NopListener) HitClosed(Hit)                {}

// Config tunes the controller.
type Config struct {
	// Timeout is the inactivity window after which a session expires.
	Timeout time.Duration `yaml:"timeout"`
	// StopDebounce collapses rapid stop markers into one hit boundary.
	StopDebounce time.Duration `yaml:"stop_debounce"`
	// HashOpensHit makes hash changes open a new hit.
	HashOpensHit bool `yaml:"hash_opens_hit"`
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Minute
	}
	if c.StopDebounce <= 0 {
		c.StopDebounce = 500 * time.Millisecond
	}
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithIDs sets the identifier generator for sessions and hits.
func WithIDs(gen idgen.Generator) Option {
	return func(c *Controller) { c.ids = gen }
}

// WithStore restores and persists the session identifier.
func WithStore(s Store) Option {
	return func(c *Controller) { c.store = s }
}

// Controller is the lifecycle state machine.
type Controller struct {
	cfg      Config
	listener Listener
	store    Store
	now      func() time.Time
	ids      idgen.Generator
	logger   *slog.Logger

	state    State
	hitState HitState
	session  Session
	hit      Hit
	url      string

	// stopAt is the deadline of a pending stop marker; zero when none.
	stopAt  time.Time
	markURL string
}

// New returns a controller in StateNew. A nil listener is replaced by
// NopListener.
func New(cfg Config, l Listener, opts ...Option) *Controller {
	cfg.defaults()
	if l == nil {
		l = NopListener{}
	}
	c := &Controller{
		cfg:      cfg,
		listener: l,
		now:      time.Now,
		ids:      idgen.Default,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Controller) State() State       { return c.state }
func (c *Controller) HitState() HitState { return c.hitState }
func (c *Controller) Session() Session   { return c.session }
func (c *Controller) Hit() Hit           { return c.hit }
func (c *Controller) URL() string        { return c.url }

// Touch records activity. It starts a session (and its first hit) when none
// is live, and expires a session whose inactivity window has elapsed.
func (c *Controller) Touch() {
	now := c.now()
	switch c.state {
	case StateActive, StateSuspended:
		if c.timedOut(now) {
			c.expire()
			c.start(now, NavResume)
			return
		}
		c.state = StateActive
		c.session.LastActivity = now
	case StateNew, StateExpired:
		c.start(now, NavResume)
	}
}

// Suspend marks the page hidden. The inactivity clock keeps running.
func (c *Controller) Suspend() {
	if c.state != StateActive {
		return
	}
	c.state = StateSuspended
	c.persist()
}

// Resume marks the page visible again. It expires the session first when
// the timeout elapsed while suspended.
func (c *Controller) Resume() {
	if c.state != StateSuspended {
		return
	}
	if c.timedOut(c.now()) {
		c.expire()
		return
	}
	c.state = StateActive
}

// Navigate reports a navigation. It returns true when a new hit opened.
func (c *Controller) Navigate(kind NavKind, url string) bool {
	c.url = url
	if kind == NavHash && !c.cfg.HashOpensHit {
		c.Touch()
		return false
	}
	now := c.now()
	if c.state != StateActive && c.state != StateSuspended || c.timedOut(now) {
		if c.state == StateActive || c.state == StateSuspended {
			c.expire()
		}
		c.start(now, kind)
		return true
	}
	c.state = StateActive
	c.session.LastActivity = now
	c.stopAt = time.Time{}
	c.rollHit(now, kind)
	return true
}

// MarkStart signals the beginning of an application route transition.
// url is the destination, when known.
func (c *Controller) MarkStart(url string) {
	if url != "" {
		c.markURL = url
	}
	c.Touch()
}

// MarkStop signals the end of a route transition. The hit boundary is
// applied by Tick once no further stop marker arrived for StopDebounce.
func (c *Controller) MarkStop() {
	c.Touch()
	c.stopAt = c.now().Add(c.cfg.StopDebounce)
}

// Pending reports whether a stop marker is waiting to settle.
func (c *Controller) Pending() bool { return !c.stopAt.IsZero() }

// Tick applies due timers: a settled stop marker opens a new hit, an
// elapsed inactivity window expires the session. It returns the delay until
// the next deadline, or zero when none is armed.
func (c *Controller) Tick() time.Duration {
	now := c.now()
	if c.state == StateActive || c.state == StateSuspended {
		if c.timedOut(now) {
			c.expire()
			return 0
		}
	}
	if !c.stopAt.IsZero() && !now.Before(c.stopAt) {
		c.stopAt = time.Time{}
		if c.state == StateActive {
			if c.markURL != "" {
				c.url = c.markURL
				c.markURL = ""
			}
			c.rollHit(now, NavMarker)
		}
	}
	return c.nextDeadline(now)
}

func (c *Controller) nextDeadline(now time.Time) time.Duration {
	var next time.Duration
	if !c.stopAt.IsZero() {
		next = c.stopAt.Sub(now)
	}
	if c.state == StateActive || c.state == StateSuspended {
		exp := c.session.LastActivity.Add(c.cfg.Timeout).Sub(now)
		if next == 0 || exp < next {
			next = exp
		}
	}
	return next
}

// Reset ends the session explicitly and clears the persisted identifier.
// The next activity starts a fresh session.
func (c *Controller) Reset() {
	if c.state == StateActive || c.state == StateSuspended {
		c.expire()
	}
	c.state = StateNew
	if c.store != nil {
		if err := c.store.Clear(); err != nil {
			c.logger.Warn("lifecycle: clear store", "error", err)
		}
	}
}

// Close ends the open hit at teardown, keeping the session restorable.
func (c *Controller) Close() {
	c.closeHit()
	c.stopAt = time.Time{}
	c.persist()
}

func (c *Controller) timedOut(now time.Time) bool {
	return now.Sub(c.session.LastActivity) > c.cfg.Timeout
}

func (c *Controller) start(now time.Time, nav NavKind) {
	restored := false
	c.session = Session{ID: "s_" + c.ids(), Created: now, LastActivity: now}
	if c.store != nil {
		p, ok, err := c.store.Load()
		switch {
		case err != nil:
			c.logger.Warn("lifecycle: load store", "error", err)
		case ok && now.Sub(p.LastActivity) <= c.cfg.Timeout:
			c.session = Session{ID: p.SessionID, Created: p.Created, LastActivity: now, Hits: p.Hits}
			restored = true
		}
	}
	c.state = StateActive
	c.stopAt = time.Time{}
	c.logger.Debug("lifecycle: session started", "session", c.session.ID, "restored", restored)
	c.listener.SessionStarted(c.session, restored)
	c.openHit(now, nav)
}

func (c *Controller) expire() {
	c.closeHit()
	c.state = StateExpired
	c.stopAt = time.Time{}
	c.logger.Debug("lifecycle: session expired", "session", c.session.ID)
	c.listener.SessionExpired(c.session)
	if c.store != nil {
		if err := c.store.Clear(); err != nil {
			c.logger.Warn("lifecycle: clear store", "error", err)
		}
	}
}

func (c *Controller) rollHit(now time.Time, nav NavKind) {
	c.closeHit()
	c.openHit(now, nav)
}

func (c *Controller) closeHit() {
	if c.hitState != HitOpen {
		return
	}
	c.hitState = HitClosing
	c.listener.HitClosing(c.hit)
	c.hitState = HitClosed
	c.listener.HitClosed(c.hit)
}

func (c *Controller) openHit(now time.Time, nav NavKind) {
	c.hit = Hit{
		ID:      "h_" + c.ids(),
		Session: c.session.ID,
		Index:   c.session.Hits,
		Opened:  now,
		URL:     c.url,
		Nav:     nav,
	}
	c.session.Hits++
	c.hitState = HitOpen
	c.persist()
	c.listener.HitOpened(c.session, c.hit)
}

func (c *Controller) persist() {
	if c.store == nil || c.session.ID == "" {
		return
	}
	p := Persisted{SessionID: c.session.ID, Created: c.session.Created, LastActivity: c.session.LastActivity, Hits: c.session.Hits}
	if err := c.store.Save(p); err != nil {
		c.logger.Warn("lifecycle: save store", "error", err)
	}
}
