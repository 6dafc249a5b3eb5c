package input

import (
	"context"
	"strings"
	"testing"
	"time"
)

func collect(t *testing.T, r *Reader) [][]byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var got [][]byte
	for chunk := range r.Chunks(ctx) {
		got = append(got, append([]byte(nil), chunk...))
	}
	return got
}

func TestChunksSplitOnSeparator(t *testing.T) {
	r := New(strings.NewReader("one\ntwo\nthree\n"), '\n')
	got := collect(t, r)

	want := []string{"one", "two", "three"}
	if len(got) != len(want) {
		t.Fatalf("got %d chunks, want %d", len(got), len(want))
	}
	for i, w := range want {
		if string(got[i]) != w {
			t.Errorf("chunk %d = %q, want %q", i, got[i], w)
		}
	}
}

func TestFinalResidualChunkEmittedOnEOF(t *testing.T) {
	r := New(strings.NewReader("one\ntwo\nresidual-no-newline"), '\n')
	got := collect(t, r)

	want := []string{"one", "two", "residual-no-newline"}
	if len(got) != len(want) {
		t.Fatalf("got %d chunks, want %d: %v", len(got), len(want), got)
	}
	if string(got[len(got)-1]) != "residual-no-newline" {
		t.Errorf("last chunk = %q, want %q", got[len(got)-1], "residual-no-newline")
	}
}

func TestEmptyInputYieldsNoChunks(t *testing.T) {
	r := New(strings.NewReader(""), '\n')
	got := collect(t, r)
	if len(got) != 0 {
		t.Fatalf("got %d chunks, want 0", len(got))
	}
}
