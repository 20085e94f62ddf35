package kit

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next Endpoint) Endpoint {
			return func(ctx context.Context, req any) (any, error) {
				order = append(order, name+"_before")
				resp, err := next(ctx, req)
				order = append(order, name+"_after")
				return resp, err
			}
		}
	}
	base := func(context.Context, any) (any, error) {
		order = append(order, "endpoint")
		return "ok", nil
	}

	resp, err := Chain(mw("a"), mw("b"))(base)(context.Background(), nil)
	if err != nil || resp != "ok" {
		t.Fatalf("resp=%v err=%v", resp, err)
	}
	want := []string{"a_before", "b_before", "endpoint", "b_after", "a_after"}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Errorf("order (-want +got):\n%s", diff)
	}
}

func TestLoggingKeepsError(t *testing.T) {
	boom := errors.New("boom")
	ep := Logging(nil, "x")(func(context.Context, any) (any, error) { return nil, boom })
	if _, err := ep(context.Background(), nil); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}

func TestContextDefaults(t *testing.T) {
	ctx := context.Background()
	if got := GetTransport(ctx); got != "http" {
		t.Errorf("transport = %q", got)
	}
	if got := GetRequestID(ctx); got != "" {
		t.Errorf("request id = %q", got)
	}
	ctx = WithRemoteAddr(WithRequestID(WithTransport(ctx, "mcp"), "r1"), "10.0.0.1:5000")
	if GetTransport(ctx) != "mcp" || GetRequestID(ctx) != "r1" || GetRemoteAddr(ctx) != "10.0.0.1:5000" {
		t.Errorf("values not carried")
	}
}
