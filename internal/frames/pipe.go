package frames

import (
	"context"
	"sync"
)

// Pipe returns two connected in-memory ports.
func Pipe() (Port, Port) {
	ab := make(chan Message, 8)
	ba := make(chan Message, 8)
	done := make(chan struct{})
	once := &sync.Once{}
	a := &pipePort{in: ba, out: ab, done: done, once: once}
	b := &pipePort{in: ab, out: ba, done: done, once: once}
	return a, b
}

type pipePort struct {
	in   <-chan Message
	out  chan<- Message
	done chan struct{}
	once *sync.Once
}

func (p *pipePort) Send(ctx context.Context, m Message) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- m:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipePort) Recv(ctx context.Context) (Message, error) {
	select {
	case m := <-p.in:
		return m, nil
	case <-p.done:
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Close closes both ends.
func (p *pipePort) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
