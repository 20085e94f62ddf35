package frames

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

const origin = "https://shop.example"

func TestHandshakeSharesIDsAndHitChanges(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hub := NewHub(origin, IDs{Session: "s1", User: "u1", Hit: "h1"}, nil)
	top, embedded := Pipe()
	served := make(chan error, 1)
	go func() { served <- hub.Serve(ctx, top) }()

	child, err := Handshake(ctx, embedded, origin, "frame-1")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(IDs{Session: "s1", User: "u1", Hit: "h1"}, child.IDs()); diff != "" {
		t.Fatalf("ids (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"frame-1"}, hub.Frames()); diff != "" {
		t.Fatalf("frames (-want +got):\n%s", diff)
	}

	hits := make(chan IDs, 1)
	ran := make(chan error, 1)
	go func() { ran <- child.Run(ctx, func(ids IDs) { hits <- ids }) }()

	hub.SetIDs(ctx, IDs{Session: "s1", User: "u1", Hit: "h2"})
	select {
	case got := <-hits:
		if got.Hit != "h2" {
			t.Fatalf("hit = %q", got.Hit)
		}
	case <-ctx.Done():
		t.Fatal("hit change not delivered")
	}
	if child.IDs().Hit != "h2" {
		t.Fatal("child ids not updated")
	}

	child.Close()
	if err := <-served; err != nil {
		t.Fatalf("serve: %v", err)
	}
	if err := <-ran; err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(hub.Frames()) != 0 {
		t.Fatal("closed frame still registered")
	}
}

func TestForeignOriginRejected(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hub := NewHub(origin, IDs{Session: "s1", Hit: "h1"}, nil)
	top, embedded := Pipe()
	served := make(chan error, 1)
	go func() { served <- hub.Serve(ctx, top) }()

	_, err := Handshake(ctx, embedded, "https://evil.example", "f")
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("child err = %v", err)
	}
	if err := <-served; !errors.Is(err, ErrOriginMismatch) {
		t.Fatalf("hub err = %v", err)
	}
	if len(hub.Frames()) != 0 {
		t.Fatal("rejected frame registered")
	}
}

func TestServeAllRegistersEveryFrame(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hub := NewHub(origin, IDs{Session: "s", Hit: "h"}, nil)
	var tops []Port
	var children []*Child
	embedded := make([]Port, 3)
	for i := range embedded {
		var top Port
		top, embedded[i] = Pipe()
		tops = append(tops, top)
	}
	done := make(chan error, 1)
	go func() { done <- hub.ServeAll(ctx, tops...) }()

	for i, p := range embedded {
		c, err := Handshake(ctx, p, origin, string(rune('a'+i)))
		if err != nil {
			t.Fatal(err)
		}
		children = append(children, c)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, hub.Frames()); diff != "" {
		t.Fatalf("frames (-want +got):\n%s", diff)
	}
	for _, c := range children {
		c.Close()
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestProtocolError(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(origin, IDs{}, nil)
	top, embedded := Pipe()
	defer top.Close()
	embedded.Send(ctx, Message{Type: MsgRegister, Frame: "x"})
	var pe *ProtocolError
	if err := hub.Serve(ctx, top); !errors.As(err, &pe) || pe.Want != MsgHello {
		t.Fatalf("err = %v", err)
	}
}
