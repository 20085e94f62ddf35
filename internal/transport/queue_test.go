package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type call struct {
	Endpoint string
	Hit      string
	Offset   uint64
	Size     int
}

type fakeSender struct {
	mu    sync.Mutex
	calls []call
	fail  func(endpoint string) error
}

func (f *fakeSender) Send(_ context.Context, endpoint string, c Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{Endpoint: endpoint, Hit: c.Hit, Offset: c.Offset, Size: len(c.Data)})
	if f.fail != nil {
		return f.fail(endpoint)
	}
	return nil
}

func (f *fakeSender) take() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.calls
	f.calls = nil
	return out
}

func noSleep(context.Context, time.Duration) error { return nil }

func newQueue(t *testing.T, cfg Config, s Sender, opts ...Option) *Queue {
	t.Helper()
	q, err := New(cfg, s, append([]Option{WithSleep(noSleep)}, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	return q
}

func TestPrimaryExhaustedRotatesToFallbackWithSameOffset(t *testing.T) {
	defer goleak.VerifyNone(t)
	s := &fakeSender{fail: func(ep string) error {
		if ep == "primary" {
			return errors.New("connection refused")
		}
		return nil
	}}
	q := newQueue(t, Config{Endpoints: []string{"primary", "fallback1", "fallback2"}}, s)

	q.Append("s", "h", bytes.Repeat([]byte("a"), 100))
	n, err := q.Flush(context.Background())
	if err != nil || n != 100 {
		t.Fatalf("flush = %d, %v", n, err)
	}
	var want []call
	for range 5 {
		want = append(want, call{"primary", "h", 0, 100})
	}
	want = append(want, call{"fallback1", "h", 0, 100})
	if diff := cmp.Diff(want, s.take()); diff != "" {
		t.Fatalf("calls (-want +got):\n%s", diff)
	}

	q.Append("s", "h", bytes.Repeat([]byte("b"), 50))
	if _, err := q.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]call{{"fallback1", "h", 100, 50}}, s.take()); diff != "" {
		t.Fatalf("resumed calls (-want +got):\n%s", diff)
	}
	if q.Offset("s", "h") != 150 {
		t.Fatalf("offset = %d", q.Offset("s", "h"))
	}
}

func TestAllEndpointsExhaustedAbandonsChunk(t *testing.T) {
	s := &fakeSender{fail: func(string) error { return errors.New("down") }}
	var abandoned []*ErrEndpointExhausted
	q := newQueue(t, Config{Endpoints: []string{"p", "f"}, MaxAttempts: 2}, s,
		WithAbandonHook(func(e *ErrEndpointExhausted) { abandoned = append(abandoned, e) }))

	q.Append("s", "h", make([]byte, 10))
	_, err := q.Flush(context.Background())
	if !errors.Is(err, ErrAbandoned) {
		t.Fatalf("err = %v", err)
	}
	var ex *ErrEndpointExhausted
	if !errors.As(err, &ex) || ex.Offset != 0 || ex.Size != 10 {
		t.Fatalf("exhausted = %+v", ex)
	}
	if len(abandoned) != 1 || len(s.take()) != 4 {
		t.Fatalf("abandoned=%d", len(abandoned))
	}
	if q.Pending() != 0 {
		t.Fatalf("pending = %d", q.Pending())
	}

	// The gap stays visible: the next chunk starts after the abandoned one,
	// back on the primary endpoint.
	s.fail = nil
	q.Append("s", "h", make([]byte, 5))
	if _, err := q.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]call{{"p", "h", 10, 5}}, s.take()); diff != "" {
		t.Fatalf("calls (-want +got):\n%s", diff)
	}
}

func TestStreamsAreSequencedPerHit(t *testing.T) {
	s := &fakeSender{}
	q := newQueue(t, Config{Endpoints: []string{"p"}}, s)
	q.Append("s", "h1", make([]byte, 10))
	q.Append("s", "h2", make([]byte, 5))
	q.Append("s", "h1", make([]byte, 3))
	if _, err := q.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := []call{{"p", "h1", 0, 10}, {"p", "h2", 0, 5}, {"p", "h1", 10, 3}}
	if diff := cmp.Diff(want, s.take()); diff != "" {
		t.Fatalf("calls (-want +got):\n%s", diff)
	}
}

func TestFlushStopsAtBudget(t *testing.T) {
	clk := newFakeClock()
	s := &fakeSender{}
	q := newQueue(t, Config{Endpoints: []string{"p"}, Constrained: true}, s, WithClock(clk.now))
	q.Append("s", "h", make([]byte, 40<<10))

	n, err := q.Flush(context.Background())
	if err != nil || n != 16<<10 {
		t.Fatalf("first flush = %d, %v", n, err)
	}
	if q.Pending() != 24<<10 {
		t.Fatalf("pending = %d", q.Pending())
	}
	if n, _ := q.Flush(context.Background()); n != 0 {
		t.Fatalf("flush without refill sent %d", n)
	}
	clk.advance(2 * time.Second)
	if n, _ := q.Flush(context.Background()); n != 16<<10 {
		t.Fatalf("after refill sent %d", n)
	}
}

func TestBandwidthNeverExceedsWindow(t *testing.T) {
	for _, constrained := range []bool{false, true} {
		t.Run(fmt.Sprintf("constrained=%v", constrained), func(t *testing.T) {
			clk := newFakeClock()
			type sendAt struct {
				at time.Time
				n  int
			}
			var log []sendAt
			s := SenderFunc(func(_ context.Context, _ string, c Chunk) error {
				log = append(log, sendAt{clk.now(), len(c.Data)})
				return nil
			})
			q := newQueue(t, Config{Endpoints: []string{"p"}, ChunkSize: 3000, Constrained: constrained}, s, WithClock(clk.now))

			var switchAt time.Time
			for tick := range 200 {
				q.Append("s", "h", make([]byte, 7000))
				if tick == 100 {
					switchAt = clk.now()
					q.SetConstrained(!constrained)
				}
				if _, err := q.Flush(context.Background()); err != nil {
					t.Fatal(err)
				}
				clk.advance(50 * time.Millisecond)
			}
			if len(log) == 0 {
				t.Fatal("nothing sent")
			}

			before, after := Unconstrained.PerSecond, Constrained.PerSecond
			if constrained {
				before, after = after, before
			}
			for i, e := range log {
				ceiling := max(before, after)
				switch {
				case e.at.Before(switchAt):
					ceiling = before
				case e.at.Add(-time.Second).After(switchAt):
					ceiling = after
				}
				sum := 0
				for _, o := range log[:i+1] {
					if !o.at.Before(e.at.Add(-time.Second)) {
						sum += o.n
					}
				}
				if sum > ceiling {
					t.Fatalf("window ending %v carried %d bytes > %d", e.at, sum, ceiling)
				}
			}
		})
	}
}

func TestBucketWindowIsClosed(t *testing.T) {
	clk := newFakeClock()
	b := NewBucket(Profile{Capacity: 100, Refill: 1000, PerSecond: 100}, clk.now)
	if got := b.Take(100); got != 100 {
		t.Fatalf("take = %d", got)
	}
	clk.advance(time.Second)
	if got := b.Available(); got != 0 {
		t.Fatalf("send exactly 1s ago still counts, available = %d", got)
	}
	clk.advance(time.Millisecond)
	if got := b.Available(); got != 100 {
		t.Fatalf("available = %d", got)
	}
}

func TestConcurrentFlushIsRejected(t *testing.T) {
	defer goleak.VerifyNone(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	s := SenderFunc(func(ctx context.Context, _ string, _ Chunk) error {
		close(entered)
		<-release
		return nil
	})
	q := newQueue(t, Config{Endpoints: []string{"p"}}, s)
	q.Append("s", "h", []byte("x"))

	done := make(chan error, 1)
	go func() {
		_, err := q.Flush(context.Background())
		done <- err
	}()
	<-entered
	if _, err := q.Flush(context.Background()); !errors.Is(err, ErrInFlight) {
		t.Fatalf("second flush err = %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestTeardownSendsOnceAndDropsOverflow(t *testing.T) {
	s := &fakeSender{}
	var finals int
	wrapped := SenderFunc(func(ctx context.Context, ep string, c Chunk) error {
		if c.Final {
			finals++
		}
		return s.Send(ctx, ep, c)
	})
	q := newQueue(t, Config{Endpoints: []string{"p"}, MaxBeaconBytes: 20 << 10}, wrapped)
	q.Append("s", "h", make([]byte, 50<<10))

	if err := q.Teardown(context.Background()); err != nil {
		t.Fatal(err)
	}
	total := 0
	for _, c := range s.take() {
		total += c.Size
	}
	if total != 20<<10 || finals != 2 {
		t.Fatalf("teardown sent %d bytes in %d final chunks", total, finals)
	}
	if q.Dropped() != 30<<10 {
		t.Fatalf("dropped = %d", q.Dropped())
	}
	if _, err := q.Append("s", "h", []byte("late")); !errors.Is(err, ErrClosed) {
		t.Fatalf("append after teardown: %v", err)
	}
}

func TestTeardownStaysInsideWindow(t *testing.T) {
	clk := newFakeClock()
	s := &fakeSender{}
	q := newQueue(t, Config{Endpoints: []string{"p"}, Constrained: true}, s, WithClock(clk.now))
	q.Append("s", "h", make([]byte, 40<<10))

	if n, err := q.Flush(context.Background()); err != nil || n != 16<<10 {
		t.Fatalf("flush = %d, %v", n, err)
	}
	clk.advance(500 * time.Millisecond)
	if err := q.Teardown(context.Background()); err != nil {
		t.Fatal(err)
	}
	total := 0
	for _, c := range s.take() {
		total += c.Size
	}
	if total != 16<<10 {
		t.Fatalf("one second window carried %d bytes, want %d", total, 16<<10)
	}
	if q.Dropped() != 24<<10 {
		t.Fatalf("dropped = %d", q.Dropped())
	}
}

func TestTeardownFailureDoesNotBlock(t *testing.T) {
	s := SenderFunc(func(ctx context.Context, _ string, _ Chunk) error {
		<-ctx.Done()
		return ctx.Err()
	})
	q := newQueue(t, Config{Endpoints: []string{"p"}, BeaconTimeout: 20 * time.Millisecond}, s)
	q.Append("s", "h", []byte("data"))
	start := time.Now()
	if err := q.Teardown(context.Background()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("teardown blocked")
	}
	if q.Pending() != 0 {
		t.Fatal("buffer kept after teardown")
	}
}

func TestBandwidthOverrides(t *testing.T) {
	cfg := Config{
		Endpoints: []string{"p"},
		Bandwidth: Bandwidth{Constrained: Profile{Capacity: 4 << 10, PerSecond: 4 << 10}},
	}
	q := newQueue(t, cfg, &fakeSender{})
	if diff := cmp.Diff(Unconstrained, q.Bucket().Profile()); diff != "" {
		t.Errorf("default profile (-want +got):\n%s", diff)
	}
	q.SetConstrained(true)
	want := Profile{Name: "constrained", Capacity: 4 << 10, Refill: Constrained.Refill, PerSecond: 4 << 10}
	if diff := cmp.Diff(want, q.Bucket().Profile()); diff != "" {
		t.Errorf("constrained override (-want +got):\n%s", diff)
	}

	bad := Config{
		Endpoints: []string{"p"},
		Bandwidth: Bandwidth{Unconstrained: Profile{Capacity: 32 << 10, PerSecond: 8 << 10}},
	}
	if _, err := New(bad, &fakeSender{}); !errors.Is(err, ErrProfile) {
		t.Fatalf("per_second below capacity: err = %v", err)
	}
}

func TestNewWithoutEndpoint(t *testing.T) {
	if _, err := New(Config{}, &fakeSender{}); !errors.Is(err, ErrNoEndpoint) {
		t.Fatalf("err = %v", err)
	}
}

func TestBufferLimit(t *testing.T) {
	q := newQueue(t, Config{Endpoints: []string{"p"}, MaxBuffered: 10}, &fakeSender{})
	if _, err := q.Append("s", "h", make([]byte, 8)); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Append("s", "h", make([]byte, 8)); err == nil {
		t.Fatal("overflow accepted")
	}
	if q.Dropped() != 8 {
		t.Fatalf("dropped = %d", q.Dropped())
	}
}
