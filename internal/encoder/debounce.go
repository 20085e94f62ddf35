package encoder

import (
	"time"

	"github.com/hazyhaar/domrec/dom"
)

// debounceConfig controls the batching behaviour.
type debounceConfig struct {
	// Window is the debounce time. Default: 100ms.
	Window time.Duration
	// MaxBuffer flushes immediately when this many notifications accumulate.
	// Default: 1000.
	MaxBuffer int
}

func (dc *debounceConfig) defaults() {
	if dc.Window <= 0 {
		dc.Window = 100 * time.Millisecond
	}
	if dc.MaxBuffer <= 0 {
		dc.MaxBuffer = 1000
	}
}

// debouncer collects raw notifications until the window expires or the
// buffer fills.
type debouncer struct {
	cfg     debounceConfig
	changes []dom.Change
	timer   *time.Timer
	timerCh <-chan time.Time
}

func newDebouncer(cfg debounceConfig) *debouncer {
	cfg.defaults()
	return &debouncer{
		cfg:     cfg,
		changes: make([]dom.Change, 0, cfg.MaxBuffer),
	}
}

// add pushes a notification. Returns true when the buffer is full and the
// caller should flush now.
func (d *debouncer) add(c dom.Change) bool {
	d.changes = append(d.changes, c)
	if len(d.changes) >= d.cfg.MaxBuffer {
		return true
	}

	// (Re)start the window timer.
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.NewTimer(d.cfg.Window)
	d.timerCh = d.timer.C
	return false
}

// timerC returns the channel that fires when the debounce window expires.
func (d *debouncer) timerC() <-chan time.Time {
	return d.timerCh
}

// take returns the coalesced notifications and resets.
func (d *debouncer) take() []dom.Change {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
		d.timerCh = nil
	}
	if len(d.changes) == 0 {
		return nil
	}
	out := coalesce(d.changes)
	d.changes = make([]dom.Change, 0, d.cfg.MaxBuffer)
	return out
}

// coalesce collapses runs of consecutive characterData notifications on the
// same target and of attribute notifications on the same (target, name),
// keeping the first OldValue. childList notifications are never collapsed.
func coalesce(changes []dom.Change) []dom.Change {
	if len(changes) <= 1 {
		return changes
	}
	out := make([]dom.Change, 0, len(changes))
	for i := 0; i < len(changes); i++ {
		c := changes[i]
		switch c.Kind {
		case dom.Attributes, dom.CharacterData:
			j := i + 1
			for j < len(changes) &&
				changes[j].Kind == c.Kind &&
				changes[j].Target == c.Target &&
				changes[j].Name == c.Name {
				j++
			}
			out = append(out, c)
			i = j - 1
		default:
			out = append(out, c)
		}
	}
	return out
}
