package record

import (
	"encoding/json"
	"sync"
)

// PendingPlaceholder is what an unresolved Slot serializes to. It carries no
// information about the value being encrypted.
const PendingPlaceholder = "…"

// Slot is a value filled in later, once an asynchronous encryption task
// finishes. Records holding an unresolved slot are not shipped until the
// slot resolves (the transport's secondary flush pass picks them up).
type Slot struct {
	mu   sync.Mutex
	val  string
	done chan struct{}
}

// NewSlot returns an unresolved slot.
func NewSlot() *Slot {
	return &Slot{done: make(chan struct{})}
}

// Resolve sets the value. Only the first call has an effect.
func (s *Slot) Resolve(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return
	default:
	}
	s.val = v
	close(s.done)
}

// Done is closed once the slot is resolved.
func (s *Slot) Done() <-chan struct{} { return s.done }

// Get returns the value and whether it is resolved.
func (s *Slot) Get() (string, bool) {
	select {
	case <-s.done:
	default:
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.val, true
}

// Value is a captured string: either plain (public, masked or already
// encrypted) or a pending slot.
type Value struct {
	s    string
	slot *Slot
}

// Plain wraps a ready value.
func Plain(s string) Value { return Value{s: s} }

// Pending wraps a slot.
func Pending(slot *Slot) Value { return Value{slot: slot} }

// Ready reports whether the value can be shipped.
func (v Value) Ready() bool {
	if v.slot == nil {
		return true
	}
	_, ok := v.slot.Get()
	return ok
}

// Slot returns the pending slot, or nil for plain values.
func (v Value) Slot() *Slot { return v.slot }

// String returns the shippable form: the value, or the pending placeholder.
func (v Value) String() string {
	if v.slot == nil {
		return v.s
	}
	if s, ok := v.slot.Get(); ok {
		return s
	}
	return PendingPlaceholder
}

// Equal compares the shippable forms.
func (v Value) Equal(o Value) bool { return v.String() == o.String() }

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.String())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*v = Plain(s)
	return nil
}
