package collector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/hazyhaar/domrec/dbopen"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	return &Store{DB: dbopen.OpenMemory(t, dbopen.WithSchema(Schema))}
}

func TestAssemble(t *testing.T) {
	tests := []struct {
		name   string
		spans  []span
		prefix string
		gaps   []Gap
	}{
		{"empty", nil, "", nil},
		{"contiguous", []span{{0, []byte("ab")}, {2, []byte("cd")}}, "abcd", nil},
		{"unordered", []span{{2, []byte("cd")}, {0, []byte("ab")}}, "abcd", nil},
		{"overlap", []span{{0, []byte("abc")}, {2, []byte("cde")}}, "abcde", nil},
		{"contained", []span{{0, []byte("abcd")}, {1, []byte("b")}}, "abcd", nil},
		{"hole", []span{{0, []byte("ab")}, {4, []byte("ef")}, {9, []byte("j")}}, "ab", []Gap{{2, 4}, {6, 9}}},
		{"missing head", []span{{3, []byte("d")}}, "", []Gap{{0, 3}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prefix, gaps := assemble(tt.spans)
			if string(prefix) != tt.prefix {
				t.Errorf("prefix = %q, want %q", prefix, tt.prefix)
			}
			if diff := cmp.Diff(tt.gaps, gaps); diff != "" {
				t.Errorf("gaps (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAppend(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	for _, c := range []Chunk{
		{Session: "s1", Hit: "h1", Offset: 0, Data: []byte("abc")},
		{Session: "s1", Hit: "h1", Offset: 0, Data: []byte("ab")}, // shorter resend keeps the longer one
		{Session: "s1", Hit: "h1", Offset: 6, Data: []byte("ghi")},
	} {
		if err := s.Append(ctx, c, now); err != nil {
			t.Fatal(err)
		}
	}
	gaps, err := s.Gaps(ctx, "h1")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]Gap{{3, 6}}, gaps); diff != "" {
		t.Errorf("gaps (-want +got):\n%s", diff)
	}

	if err := s.Append(ctx, Chunk{Session: "s1", Hit: "h1", Offset: 3, Data: []byte("def"), Final: true}, now.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	stream, err := s.Stream(ctx, "h1")
	if err != nil {
		t.Fatal(err)
	}
	if string(stream) != "abcdefghi" {
		t.Errorf("stream = %q", stream)
	}
	h, err := s.Hit(ctx, "h1")
	if err != nil {
		t.Fatal(err)
	}
	if !h.Final || h.Bytes != 9 || h.Chunks != 3 || len(h.Gaps) != 0 || !h.LastSeen.After(h.FirstSeen) {
		t.Errorf("summary = %+v", h)
	}

	err = s.Append(ctx, Chunk{Session: "s2", Hit: "h1", Data: []byte("x")}, now)
	if !errors.Is(err, ErrSessionMismatch) {
		t.Errorf("cross-session append = %v", err)
	}
}

func TestHitsOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)
	for i, hit := range []string{"b", "a", "c"} {
		session := "s1"
		if hit == "c" {
			session = "s2"
		}
		if err := s.Append(ctx, Chunk{Session: session, Hit: hit, Data: []byte("x")}, base.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatal(err)
		}
	}
	hits, err := s.Hits(ctx, "s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, h := range hits {
		got = append(got, h.Hit)
	}
	if diff := cmp.Diff([]string{"b", "a"}, got); diff != "" {
		t.Errorf("session hits (-want +got):\n%s", diff)
	}
	all, err := s.Hits(ctx, "", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].Hit != "c" {
		t.Errorf("latest hits = %+v", all)
	}
}

func TestMissingResources(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	if err := s.PutResource(ctx, "aa", []byte("body{}"), time.Now()); err != nil {
		t.Fatal(err)
	}
	missing, err := s.MissingResources(ctx, []string{"aa", "bb", "cc", "bb"})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"bb", "cc"}, missing); diff != "" {
		t.Errorf("missing (-want +got):\n%s", diff)
	}
	body, err := s.Resource(ctx, "aa")
	if err != nil || string(body) != "body{}" {
		t.Errorf("resource = %q, %v", body, err)
	}
}
