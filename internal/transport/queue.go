// Package transport batches, rate-limits and delivers serialized records.
//
// A Queue holds one append-only byte stream per hit. Flush cuts chunks from
// the oldest stream, sends them one at a time under the bucket budget, and
// only advances the stream offset on acknowledgment. A failing endpoint is
// retried MaxAttempts times with a fixed backoff, then the next fallback
// endpoint receives the same offset. When every endpoint is exhausted the
// chunk is abandoned and reported, so the collector sees exactly which
// offsets are missing.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrInFlight is returned when a flush is already running.
	ErrInFlight = errors.New("transport: flush in flight")
	// ErrAbandoned matches a chunk dropped after every endpoint failed.
	ErrAbandoned = errors.New("transport: chunk abandoned")
	// ErrClosed is returned after Teardown.
	ErrClosed = errors.New("transport: queue closed")
	// ErrNoEndpoint is returned by New without endpoints.
	ErrNoEndpoint = errors.New("transport: no endpoint configured")
)

// ErrEndpointExhausted reports a chunk that failed on every endpoint.
type ErrEndpointExhausted struct {
	Session   string
	Hit       string
	Offset    uint64
	Size      int
	Endpoints []string
	Cause     error
}

func (e *ErrEndpointExhausted) Error() string {
	return fmt.Sprintf("transport: offset %d (%d bytes) failed on %d endpoints: %v",
		e.Offset, e.Size, len(e.Endpoints), e.Cause)
}

func (e *ErrEndpointExhausted) Unwrap() error { return e.Cause }

func (e *ErrEndpointExhausted) Is(target error) bool { return target == ErrAbandoned }

// Chunk is one delivery unit.
type Chunk struct {
	Session string
	Hit     string
	// Offset is the byte position of Data within the hit stream.
	Offset uint64
	Data   []byte
	// Final marks the teardown send.
	Final bool
}

// Sender delivers a chunk to an endpoint. A nil error is an acknowledgment.
type Sender interface {
	Send(ctx context.Context, endpoint string, c Chunk) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, endpoint string, c Chunk) error

func (f SenderFunc) Send(ctx context.Context, endpoint string, c Chunk) error {
	return f(ctx, endpoint, c)
}

// Config tunes a Queue.
type Config struct {
	// Endpoints is the primary endpoint followed by the fallbacks in order.
	Endpoints []string `yaml:"endpoints"`
	// MaxAttempts is the number of sends per endpoint before rotating.
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
	// ChunkSize bounds a single chunk.
	ChunkSize int `yaml:"chunk_size"`
	// Constrained selects the constrained bandwidth profile.
	Constrained bool `yaml:"constrained"`
	// Bandwidth overrides the built-in profile numbers.
	Bandwidth Bandwidth `yaml:"bandwidth"`
	// MaxBuffered bounds the queued bytes; appends beyond it are dropped.
	MaxBuffered    int           `yaml:"max_buffered"`
	MaxBeaconBytes int           `yaml:"max_beacon_bytes"`
	BeaconTimeout  time.Duration `yaml:"beacon_timeout"`
}

func (c *Config) defaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Backoff <= 0 {
		c.Backoff = 2 * time.Second
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 16 << 10
	}
	if c.MaxBuffered <= 0 {
		c.MaxBuffered = 4 << 20
	}
	if c.MaxBeaconBytes <= 0 {
		c.MaxBeaconBytes = 64 << 10
	}
	if c.BeaconTimeout <= 0 {
		c.BeaconTimeout = time.Second
	}
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(q *Queue) { q.logger = l } }

// WithClock sets the time source of the bucket.
func WithClock(now func() time.Time) Option { return func(q *Queue) { q.now = now } }

// WithSleep replaces the backoff wait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(q *Queue) { q.sleep = sleep }
}

// WithAbandonHook is called for every abandoned chunk.
func WithAbandonHook(fn func(*ErrEndpointExhausted)) Option {
	return func(q *Queue) { q.onAbandon = fn }
}

type streamKey struct{ session, hit string }

type stream struct {
	key  streamKey
	base uint64
	buf  []byte
}

// Queue is the per-destination delivery queue.
type Queue struct {
	cfg       Config
	sender    Sender
	bucket    *Bucket
	logger    *slog.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	onAbandon func(*ErrEndpointExhausted)

	unconstrained Profile
	constrained   Profile

	inFlight atomic.Bool

	mu       sync.Mutex
	streams  []*stream
	ends     map[streamKey]uint64
	buffered int
	closed   bool
	dropped  int

	endpoint atomic.Int32
	// attempts is only touched by the flush holding inFlight.
	attempts int
}

// New returns a queue delivering through s.
func New(cfg Config, s Sender, opts ...Option) (*Queue, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, ErrNoEndpoint
	}
	cfg.defaults()
	if err := cfg.Bandwidth.Validate(); err != nil {
		return nil, err
	}
	q := &Queue{
		cfg:    cfg,
		sender: s,
		logger: slog.Default(),
		now:    time.Now,
		sleep:  sleepCtx,
		ends:   make(map[streamKey]uint64),
	}
	for _, o := range opts {
		o(q)
	}
	q.unconstrained, q.constrained = cfg.Bandwidth.Profiles()
	p := q.unconstrained
	if cfg.Constrained {
		p = q.constrained
	}
	q.bucket = NewBucket(p, q.now)
	return q, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Bucket exposes the bandwidth budget.
func (q *Queue) Bucket() *Bucket { return q.bucket }

// SetConstrained switches the bandwidth profile.
func (q *Queue) SetConstrained(on bool) {
	if on {
		q.bucket.SetProfile(q.constrained)
	} else {
		q.bucket.SetProfile(q.unconstrained)
	}
}

// Append queues data on the stream of (session, hit) and returns the end
// offset of that stream.
func (q *Queue) Append(session, hit string, data []byte) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrClosed
	}
	if q.buffered+len(data) > q.cfg.MaxBuffered {
		q.dropped += len(data)
		return 0, fmt.Errorf("transport: buffer full, %d bytes dropped", len(data))
	}
	key := streamKey{session, hit}
	var s *stream
	if n := len(q.streams); n > 0 && q.streams[n-1].key == key {
		s = q.streams[n-1]
	} else {
		s = &stream{key: key, base: q.ends[key]}
		q.streams = append(q.streams, s)
	}
	s.buf = append(s.buf, data...)
	q.buffered += len(data)
	end := s.base + uint64(len(s.buf))
	q.ends[key] = end
	return end, nil
}

// Pending returns the queued byte count.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.buffered
}

// Endpoint returns the endpoint the next chunk goes to.
func (q *Queue) Endpoint() string {
	return q.cfg.Endpoints[q.endpoint.Load()]
}

// Offset returns the acknowledged end offset of a stream.
func (q *Queue) Offset(session, hit string) uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := streamKey{session, hit}
	for _, s := range q.streams {
		if s.key == key {
			return s.base
		}
	}
	return q.ends[key]
}

// Flush sends queued chunks within the current budget. It returns the
// acknowledged byte count. Only one flush runs at a time; a concurrent call
// returns ErrInFlight. An abandoned chunk is reported through the abandon
// hook and as an error matching ErrAbandoned; the flush continues with the
// next chunk.
func (q *Queue) Flush(ctx context.Context) (int, error) {
	if !q.inFlight.CompareAndSwap(false, true) {
		return 0, ErrInFlight
	}
	defer q.inFlight.Store(false)

	var errs []error
	sent := 0
	for {
		c, ok := q.next()
		if !ok {
			break
		}
		n, err := q.deliver(ctx, c)
		sent += n
		if err != nil {
			var ex *ErrEndpointExhausted
			if !errors.As(err, &ex) {
				errs = append(errs, err)
				break
			}
			errs = append(errs, err)
			continue
		}
		if n == 0 {
			break
		}
	}
	return sent, errors.Join(errs...)
}

// next cuts the next chunk from the oldest non-empty stream.
func (q *Queue) next() (Chunk, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.streams) > 0 && len(q.streams[0].buf) == 0 {
		q.streams = q.streams[1:]
	}
	if len(q.streams) == 0 {
		return Chunk{}, false
	}
	s := q.streams[0]
	n := min(len(s.buf), q.cfg.ChunkSize, q.bucket.Profile().Capacity)
	data := make([]byte, n)
	copy(data, s.buf)
	return Chunk{Session: s.key.session, Hit: s.key.hit, Offset: s.base, Data: data}, true
}

// ack drops the first n bytes of the head stream.
func (q *Queue) ack(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.streams[0]
	s.buf = s.buf[n:]
	s.base += uint64(n)
	q.buffered -= n
}

// deliver sends c until it is acknowledged, abandoned, or out of budget.
// It returns the acknowledged size; zero with a nil error means the budget
// ran out and the chunk stays queued with its attempt count.
func (q *Queue) deliver(ctx context.Context, c Chunk) (int, error) {
	var lastErr error
	for {
		if err := ctx.Err(); err != nil {
			return 0, fmt.Errorf("transport: flush: %w", err)
		}
		if q.bucket.Available() < len(c.Data) {
			return 0, nil
		}
		q.bucket.Take(len(c.Data))

		endpoint := q.Endpoint()
		err := q.sender.Send(ctx, endpoint, c)
		if err == nil {
			q.attempts = 0
			q.ack(len(c.Data))
			return len(c.Data), nil
		}
		lastErr = err
		q.attempts++
		q.logger.Warn("transport: send failed",
			"endpoint", endpoint, "offset", c.Offset, "attempt", q.attempts, "error", err)

		if q.attempts < q.cfg.MaxAttempts {
			if err := q.sleep(ctx, q.cfg.Backoff); err != nil {
				return 0, fmt.Errorf("transport: backoff: %w", err)
			}
			continue
		}

		q.attempts = 0
		if next := int(q.endpoint.Add(1)); next < len(q.cfg.Endpoints) {
			q.logger.Warn("transport: rotating endpoint",
				"from", endpoint, "to", q.cfg.Endpoints[next], "offset", c.Offset)
			continue
		}

		q.endpoint.Store(0)
		q.ack(len(c.Data))
		ex := &ErrEndpointExhausted{
			Session: c.Session, Hit: c.Hit, Offset: c.Offset, Size: len(c.Data),
			Endpoints: append([]string(nil), q.cfg.Endpoints...), Cause: lastErr,
		}
		q.logger.Error("transport: chunk abandoned", "offset", c.Offset, "bytes", len(c.Data), "error", lastErr)
		if q.onAbandon != nil {
			q.onAbandon(ex)
		}
		return 0, ex
	}
}

// Teardown makes one bounded, best-effort send of whatever is buffered and
// closes the queue. The send is capped at MaxBeaconBytes and at what the
// bandwidth window still allows; the rest is dropped. It never waits
// for a running flush: in that case the buffer is dropped and ErrInFlight
// returned.
func (q *Queue) Teardown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	if !q.inFlight.CompareAndSwap(false, true) {
		q.discard()
		return ErrInFlight
	}
	defer q.inFlight.Store(false)

	ctx, cancel := context.WithTimeout(ctx, q.cfg.BeaconTimeout)
	defer cancel()

	budget := min(q.cfg.MaxBeaconBytes, q.bucket.Available())
	endpoint := q.Endpoint()
	var errs []error
	for budget > 0 {
		c, ok := q.next()
		if !ok {
			break
		}
		if len(c.Data) > budget {
			c.Data = c.Data[:budget]
		}
		c.Final = true
		budget -= len(c.Data)
		q.bucket.Take(len(c.Data))
		if err := q.sender.Send(ctx, endpoint, c); err != nil {
			errs = append(errs, fmt.Errorf("transport: teardown send: %w", err))
			break
		}
		q.ack(len(c.Data))
	}
	if left := q.discard(); left > 0 {
		q.logger.Warn("transport: teardown dropped data", "bytes", left)
	}
	return errors.Join(errs...)
}

func (q *Queue) discard() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	left := q.buffered
	q.dropped += left
	q.streams = nil
	q.buffered = 0
	return left
}

// Dropped returns the bytes dropped by buffer overflow or teardown.
func (q *Queue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
