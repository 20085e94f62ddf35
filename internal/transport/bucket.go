package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Profile is a bandwidth budget.
type Profile struct {
	Name string `yaml:"name"`
	// Capacity is the most the bucket can hold.
	Capacity int `yaml:"capacity"`
	// Refill is the sustained rate in bytes per second.
	Refill int `yaml:"refill"`
	// PerSecond caps the bytes sent over any 1 s window.
	PerSecond int `yaml:"per_second"`
}

// Built-in profiles. The numbers are empirical.
var (
	Unconstrained = Profile{Name: "unconstrained", Capacity: 64 << 10, Refill: 32 << 10, PerSecond: 64 << 10}
	Constrained   = Profile{Name: "constrained", Capacity: 16 << 10, Refill: 8 << 10, PerSecond: 16 << 10}
)

// ErrProfile is returned for a bandwidth profile that could stall the queue.
var ErrProfile = errors.New("transport: invalid bandwidth profile")

// Bandwidth overrides the built-in profiles. Zero fields keep the built-in
// value.
type Bandwidth struct {
	Unconstrained Profile `yaml:"unconstrained"`
	Constrained   Profile `yaml:"constrained"`
}

// Profiles returns the effective profiles.
func (b Bandwidth) Profiles() (unconstrained, constrained Profile) {
	return b.Unconstrained.over(Unconstrained), b.Constrained.over(Constrained)
}

// Validate checks both effective profiles.
func (b Bandwidth) Validate() error {
	u, c := b.Profiles()
	if err := u.Validate(); err != nil {
		return err
	}
	return c.Validate()
}

func (p Profile) over(base Profile) Profile {
	if p.Name == "" {
		p.Name = base.Name
	}
	if p.Capacity <= 0 {
		p.Capacity = base.Capacity
	}
	if p.Refill <= 0 {
		p.Refill = base.Refill
	}
	if p.PerSecond <= 0 {
		p.PerSecond = base.PerSecond
	}
	return p
}

// Validate rejects non-positive values and a PerSecond below Capacity: a
// chunk sized to the capacity would never fit in the one second window.
func (p Profile) Validate() error {
	if p.Capacity <= 0 || p.Refill <= 0 || p.PerSecond <= 0 {
		return fmt.Errorf("%w: %s: values must be positive", ErrProfile, p.Name)
	}
	if p.PerSecond < p.Capacity {
		return fmt.Errorf("%w: %s: per_second %d below capacity %d", ErrProfile, p.Name, p.PerSecond, p.Capacity)
	}
	return nil
}

type spend struct {
	at time.Time
	n  int
}

// Bucket is a leaky-bucket byte budget with a sliding one second ceiling.
// It is safe for concurrent use.
type Bucket struct {
	mu      sync.Mutex
	profile Profile
	level   float64
	last    time.Time
	spent   []spend
	now     func() time.Time
}

// NewBucket returns a full bucket.
func NewBucket(p Profile, now func() time.Time) *Bucket {
	if now == nil {
		now = time.Now
	}
	return &Bucket{profile: p, level: float64(p.Capacity), last: now(), now: now}
}

// Profile returns the active profile.
func (b *Bucket) Profile() Profile {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.profile
}

// SetProfile switches profile. The level is clamped to the new capacity;
// the window history carries over so a switch never resets the ceiling.
func (b *Bucket) SetProfile(p Profile) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(b.now())
	b.profile = p
	if b.level > float64(p.Capacity) {
		b.level = float64(p.Capacity)
	}
}

// Available returns the bytes that may be sent now.
func (b *Bucket) Available() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.available(b.now())
}

// Take spends up to n bytes and returns how many were granted.
func (b *Bucket) Take(n int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	if avail := b.available(now); n > avail {
		n = avail
	}
	if n <= 0 {
		return 0
	}
	b.level -= float64(n)
	b.spent = append(b.spent, spend{at: now, n: n})
	return n
}

func (b *Bucket) available(now time.Time) int {
	b.refill(now)
	// Sends exactly one second ago still count: the window is closed.
	cutoff := now.Add(-time.Second)
	i := 0
	for i < len(b.spent) && b.spent[i].at.Before(cutoff) {
		i++
	}
	b.spent = b.spent[i:]
	inWindow := 0
	for _, s := range b.spent {
		inWindow += s.n
	}
	avail := int(b.level)
	if room := b.profile.PerSecond - inWindow; room < avail {
		avail = room
	}
	if avail < 0 {
		return 0
	}
	return avail
}

func (b *Bucket) refill(now time.Time) {
	if dt := now.Sub(b.last); dt > 0 {
		b.level += dt.Seconds() * float64(b.profile.Refill)
		if b.level > float64(b.profile.Capacity) {
			b.level = float64(b.profile.Capacity)
		}
	}
	b.last = now
}
