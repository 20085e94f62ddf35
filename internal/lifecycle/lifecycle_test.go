package lifecycle

import (
	"fmt"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type recorder struct {
	events []string
}

func (r *recorder) SessionStarted(s Session, restored bool) {
	r.events = append(r.events, fmt.Sprintf("session+ %s restored=%v", s.ID, restored))
}
func (r *recorder) SessionExpired(s Session) { r.events = append(r.events, "session- "+s.ID) }
func (r *recorder) HitOpened(s Session, h Hit) {
	r.events = append(r.events, fmt.Sprintf("hit+ %d %s %s", h.Index, h.Nav, h.URL))
}
func (r *recorder) HitClosing(h Hit) { r.events = append(r.events, fmt.Sprintf("closing %d", h.Index)) }
func (r *recorder) HitClosed(h Hit)  { r.events = append(r.events, fmt.Sprintf("closed %d", h.Index)) }

func (r *recorder) take() []string {
	out := r.events
	r.events = nil
	return out
}

func seqIDs() func() string {
	n := 0
	return func() string {
		n++
		return strconv.Itoa(n)
	}
}

func newController(cfg Config, opts ...Option) (*Controller, *recorder, *clock) {
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	rec := &recorder{}
	opts = append([]Option{WithClock(clk.now), WithIDs(seqIDs())}, opts...)
	return New(cfg, rec, opts...), rec, clk
}

func TestFirstActivityStartsSessionAndHit(t *testing.T) {
	c, rec, _ := newController(Config{})
	if c.State() != StateNew {
		t.Fatalf("state = %v", c.State())
	}
	c.Navigate(NavFull, "https://a.example/")
	want := []string{"session+ s_1 restored=false", "hit+ 0 full https://a.example/"}
	if diff := cmp.Diff(want, rec.take()); diff != "" {
		t.Fatalf("events (-want +got):\n%s", diff)
	}
	if c.State() != StateActive || c.HitState() != HitOpen || !c.Hit().First() {
		t.Fatalf("state=%v hit=%v first=%v", c.State(), c.HitState(), c.Hit().First())
	}
}

func TestNavigationKinds(t *testing.T) {
	tests := []struct {
		kind    NavKind
		hash    bool
		opens   bool
		wantNav NavKind
	}{
		{NavPush, false, true, NavPush},
		{NavReplace, false, true, NavReplace},
		{NavPop, false, true, NavPop},
		{NavHash, false, false, ""},
		{NavHash, true, true, NavHash},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/hash=%v", tt.kind, tt.hash), func(t *testing.T) {
			c, rec, _ := newController(Config{HashOpensHit: tt.hash})
			c.Navigate(NavFull, "https://a.example/")
			rec.take()
			if got := c.Navigate(tt.kind, "https://a.example/next"); got != tt.opens {
				t.Fatalf("opened = %v", got)
			}
			if !tt.opens {
				if ev := rec.take(); len(ev) != 0 {
					t.Fatalf("unexpected events %v", ev)
				}
				return
			}
			want := []string{"closing 0", "closed 0", "hit+ 1 " + string(tt.wantNav) + " https://a.example/next"}
			if diff := cmp.Diff(want, rec.take()); diff != "" {
				t.Fatalf("events (-want +got):\n%s", diff)
			}
		})
	}
}

func TestStopMarkersCollapseIntoOneHit(t *testing.T) {
	c, rec, clk := newController(Config{StopDebounce: 300 * time.Millisecond})
	c.Navigate(NavFull, "https://app.example/")
	rec.take()

	for _, route := range []string{"/a", "/b", "/c"} {
		c.MarkStart("https://app.example" + route)
		c.MarkStop()
		clk.advance(100 * time.Millisecond)
		c.Tick()
	}
	if ev := rec.take(); len(ev) != 0 {
		t.Fatalf("hit rolled before markers settled: %v", ev)
	}
	if !c.Pending() {
		t.Fatal("no pending marker")
	}

	clk.advance(200 * time.Millisecond)
	c.Tick()
	want := []string{"closing 0", "closed 0", "hit+ 1 marker https://app.example/c"}
	if diff := cmp.Diff(want, rec.take()); diff != "" {
		t.Fatalf("events (-want +got):\n%s", diff)
	}
	if c.Pending() {
		t.Fatal("marker still pending")
	}
}

func TestInactivityExpiresAndNextActivityStartsNewSession(t *testing.T) {
	c, rec, clk := newController(Config{Timeout: time.Minute})
	c.Navigate(NavFull, "https://a.example/")
	clk.advance(30 * time.Second)
	c.Touch()
	if next := c.Tick(); next != time.Minute {
		t.Fatalf("next deadline = %v", next)
	}
	rec.take()

	clk.advance(61 * time.Second)
	c.Tick()
	if c.State() != StateExpired {
		t.Fatalf("state = %v", c.State())
	}
	want := []string{"closing 0", "closed 0", "session- s_1"}
	if diff := cmp.Diff(want, rec.take()); diff != "" {
		t.Fatalf("expiry events (-want +got):\n%s", diff)
	}

	c.Touch()
	want = []string{"session+ s_3 restored=false", "hit+ 0 resume https://a.example/"}
	if diff := cmp.Diff(want, rec.take()); diff != "" {
		t.Fatalf("restart events (-want +got):\n%s", diff)
	}
}

func TestSuspendResume(t *testing.T) {
	c, rec, clk := newController(Config{Timeout: time.Minute})
	c.Navigate(NavFull, "https://a.example/")
	rec.take()

	c.Suspend()
	if c.State() != StateSuspended {
		t.Fatalf("state = %v", c.State())
	}
	clk.advance(10 * time.Second)
	c.Resume()
	if c.State() != StateActive || len(rec.take()) != 0 {
		t.Fatalf("short suspension changed the session")
	}

	c.Suspend()
	clk.advance(2 * time.Minute)
	c.Resume()
	if c.State() != StateExpired {
		t.Fatalf("long suspension state = %v", c.State())
	}
}

func TestStoreRestoresSession(t *testing.T) {
	store := &MemoryStore{}
	c, rec, clk := newController(Config{Timeout: time.Minute}, WithStore(store))
	c.Navigate(NavFull, "https://a.example/")
	c.Navigate(NavPush, "https://a.example/2")
	c.Close()
	rec.take()

	// A new page load within the timeout picks the session back up.
	clk.advance(20 * time.Second)
	c2 := New(Config{Timeout: time.Minute}, rec, WithClock(clk.now), WithIDs(seqIDs()), WithStore(store))
	c2.Navigate(NavFull, "https://a.example/3")
	want := []string{"session+ s_1 restored=true", "hit+ 2 full https://a.example/3"}
	if diff := cmp.Diff(want, rec.take()); diff != "" {
		t.Fatalf("events (-want +got):\n%s", diff)
	}
	if c2.Hit().First() {
		t.Fatal("restored session reports first hit")
	}

	c2.Reset()
	if _, ok, _ := store.Load(); ok {
		t.Fatal("reset left the identifier persisted")
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	fs := FileStore{Path: filepath.Join(t.TempDir(), "state", "session.json")}
	if _, ok, err := fs.Load(); ok || err != nil {
		t.Fatalf("empty load: ok=%v err=%v", ok, err)
	}
	in := Persisted{SessionID: "s_x", Created: time.Unix(100, 0).UTC(), LastActivity: time.Unix(200, 0).UTC(), Hits: 3}
	if err := fs.Save(in); err != nil {
		t.Fatal(err)
	}
	out, ok, err := fs.Load()
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if !out.Created.Equal(in.Created) || out.SessionID != in.SessionID || out.Hits != 3 {
		t.Fatalf("got %+v", out)
	}
	if err := fs.Clear(); err != nil {
		t.Fatal(err)
	}
	if err := fs.Clear(); err != nil {
		t.Fatalf("second clear: %v", err)
	}
}
