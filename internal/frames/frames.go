// Package frames propagates session, user and hit identifiers from the top
// frame to embedded same-origin frames so every frame contributes to one
// hit.
//
// The handshake is hello -> ids -> register -> registered. After it the hub
// pushes a hit message to every registered frame whenever the hit changes.
package frames

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// MsgType discriminates handshake messages.
type MsgType string

const (
	MsgHello      MsgType = "hello"
	MsgIDs        MsgType = "ids"
	MsgRegister   MsgType = "register"
	MsgRegistered MsgType = "registered"
	MsgHit        MsgType = "hit"
	MsgReject     MsgType = "reject"
)

// IDs are the identifiers shared across frames.
type IDs struct {
	Session string `json:"session"`
	User    string `json:"user,omitempty"`
	Hit     string `json:"hit"`
}

// Message is one handshake message.
type Message struct {
	Type   MsgType `json:"type"`
	Origin string  `json:"origin,omitempty"`
	Frame  string  `json:"frame,omitempty"`
	IDs    IDs     `json:"ids,omitzero"`
	Reason string  `json:"reason,omitempty"`
}

var (
	// ErrOriginMismatch is returned by the hub for a foreign hello.
	ErrOriginMismatch = errors.New("frames: origin mismatch")
	// ErrRejected is returned by Handshake when the hub refused the frame.
	ErrRejected = errors.New("frames: rejected by top frame")
	// ErrClosed is returned on a closed port.
	ErrClosed = errors.New("frames: port closed")
)

// ProtocolError is an unexpected message during the handshake.
type ProtocolError struct {
	Want MsgType
	Got  MsgType
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("frames: expected %s, got %s", e.Want, e.Got)
}

// Port is one end of a message channel between two frames.
type Port interface {
	Send(ctx context.Context, m Message) error
	Recv(ctx context.Context) (Message, error)
	Close() error
}

// Hub is the top frame side.
type Hub struct {
	origin string
	logger *slog.Logger

	mu     sync.Mutex
	ids    IDs
	frames map[string]Port
}

// NewHub returns a hub accepting frames of origin.
func NewHub(origin string, ids IDs, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{origin: origin, ids: ids, logger: logger, frames: make(map[string]Port)}
}

// Frames returns the registered frame ids, sorted.
func (h *Hub) Frames() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.frames))
	for id := range h.frames {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SetIDs changes the shared identifiers and notifies every registered frame.
// A frame that cannot be reached is dropped.
func (h *Hub) SetIDs(ctx context.Context, ids IDs) {
	h.mu.Lock()
	h.ids = ids
	targets := make(map[string]Port, len(h.frames))
	for id, p := range h.frames {
		targets[id] = p
	}
	h.mu.Unlock()

	for id, p := range targets {
		if err := p.Send(ctx, Message{Type: MsgHit, Origin: h.origin, IDs: ids}); err != nil {
			h.logger.Warn("frames: notify failed, dropping frame", "frame", id, "error", err)
			h.unregister(id, p)
		}
	}
}

// ServeAll serves several ports until ctx is done or every port closed.
func (h *Hub) ServeAll(ctx context.Context, ports ...Port) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range ports {
		g.Go(func() error { return h.Serve(ctx, p) })
	}
	return g.Wait()
}

// Serve runs the handshake with one child and keeps it registered until the
// port closes or ctx is done.
func (h *Hub) Serve(ctx context.Context, p Port) error {
	m, err := p.Recv(ctx)
	if err != nil {
		return fmt.Errorf("frames: hub recv hello: %w", err)
	}
	if m.Type != MsgHello {
		return &ProtocolError{Want: MsgHello, Got: m.Type}
	}
	if m.Origin != h.origin {
		_ = p.Send(ctx, Message{Type: MsgReject, Origin: h.origin, Reason: "origin"})
		h.logger.Warn("frames: rejected frame", "origin", m.Origin, "want", h.origin)
		return fmt.Errorf("%w: %q", ErrOriginMismatch, m.Origin)
	}

	h.mu.Lock()
	ids := h.ids
	h.mu.Unlock()
	if err := p.Send(ctx, Message{Type: MsgIDs, Origin: h.origin, IDs: ids}); err != nil {
		return fmt.Errorf("frames: hub send ids: %w", err)
	}

	m, err = p.Recv(ctx)
	if err != nil {
		return fmt.Errorf("frames: hub recv register: %w", err)
	}
	if m.Type != MsgRegister || m.Frame == "" {
		return &ProtocolError{Want: MsgRegister, Got: m.Type}
	}
	h.mu.Lock()
	h.frames[m.Frame] = p
	h.mu.Unlock()
	defer h.unregister(m.Frame, p)

	if err := p.Send(ctx, Message{Type: MsgRegistered, Origin: h.origin, Frame: m.Frame, IDs: ids}); err != nil {
		return fmt.Errorf("frames: hub send registered: %w", err)
	}
	h.logger.Debug("frames: frame registered", "frame", m.Frame)

	for {
		if _, err := p.Recv(ctx); err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("frames: hub recv: %w", err)
		}
	}
}

func (h *Hub) unregister(id string, p Port) {
	h.mu.Lock()
	if h.frames[id] == p {
		delete(h.frames, id)
	}
	h.mu.Unlock()
}

// Child is an embedded frame after a successful handshake.
type Child struct {
	frame string
	port  Port

	mu  sync.Mutex
	ids IDs
}

// Handshake registers frame with the top frame over p.
func Handshake(ctx context.Context, p Port, origin, frame string) (*Child, error) {
	if err := p.Send(ctx, Message{Type: MsgHello, Origin: origin, Frame: frame}); err != nil {
		return nil, fmt.Errorf("frames: child send hello: %w", err)
	}
	m, err := p.Recv(ctx)
	if err != nil {
		return nil, fmt.Errorf("frames: child recv ids: %w", err)
	}
	switch m.Type {
	case MsgIDs:
	case MsgReject:
		return nil, fmt.Errorf("%w: %s", ErrRejected, m.Reason)
	default:
		return nil, &ProtocolError{Want: MsgIDs, Got: m.Type}
	}
	if err := p.Send(ctx, Message{Type: MsgRegister, Origin: origin, Frame: frame}); err != nil {
		return nil, fmt.Errorf("frames: child send register: %w", err)
	}
	ack, err := p.Recv(ctx)
	if err != nil {
		return nil, fmt.Errorf("frames: child recv registered: %w", err)
	}
	if ack.Type != MsgRegistered || ack.Frame != frame {
		return nil, &ProtocolError{Want: MsgRegistered, Got: ack.Type}
	}
	return &Child{frame: frame, port: p, ids: ack.IDs}, nil
}

// IDs returns the identifiers currently shared with the top frame.
func (c *Child) IDs() IDs {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ids
}

// Run applies hit changes until the port closes or ctx is done. onHit may
// be nil.
func (c *Child) Run(ctx context.Context, onHit func(IDs)) error {
	for {
		m, err := c.port.Recv(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("frames: child recv: %w", err)
		}
		if m.Type != MsgHit {
			continue
		}
		c.mu.Lock()
		c.ids = m.IDs
		c.mu.Unlock()
		if onHit != nil {
			onHit(m.IDs)
		}
	}
}

// Close closes the port.
func (c *Child) Close() error { return c.port.Close() }
