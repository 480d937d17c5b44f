package blobstore

import (
	"context"
	"path/filepath"
	"testing"
)

func TestMemory_PutThenGetRoundTrips(t *testing.T) {
	m := NewMemory()
	ref, err := m.Put(context.Background(), "paper.parsed", []byte("hello world"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := m.Get(context.Background(), ref)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("want hello world, got %q", got)
	}
}

func TestMemory_IdenticalWritesCollapseToTheSameRef(t *testing.T) {
	m := NewMemory()
	ref1, _ := m.Put(context.Background(), "script", []byte("same bytes"))
	ref2, _ := m.Put(context.Background(), "script", []byte("same bytes"))
	if ref1 != ref2 {
		t.Fatalf("want content-addressed refs to collapse, got %q and %q", ref1, ref2)
	}
}

func TestMemory_DifferentKeysWithSameBytesProduceDifferentRefs(t *testing.T) {
	m := NewMemory()
	ref1, _ := m.Put(context.Background(), "script", []byte("same bytes"))
	ref2, _ := m.Put(context.Background(), "metadata", []byte("same bytes"))
	if ref1 == ref2 {
		t.Fatal("want the key folded into the content address so distinct keys never collide")
	}
}

func TestMemory_GetReturnsADefensiveCopy(t *testing.T) {
	m := NewMemory()
	ref, _ := m.Put(context.Background(), "script", []byte("original"))
	got, _ := m.Get(context.Background(), ref)
	got[0] = 'X'

	again, _ := m.Get(context.Background(), ref)
	if again[0] == 'X' {
		t.Fatal("Get must return a defensive copy, not the internal backing array")
	}
}

func TestMemory_GetUnknownRefReturnsAnError(t *testing.T) {
	m := NewMemory()
	if _, err := m.Get(context.Background(), "no-such-ref"); err == nil {
		t.Fatal("want an error for an unknown blob ref")
	}
}

func TestLocal_PutThenGetRoundTrips(t *testing.T) {
	l, err := NewLocal(filepath.Join(t.TempDir(), "blobs"))
	if err != nil {
		t.Fatalf("new local: %v", err)
	}
	ref, err := l.Put(context.Background(), "video.final", []byte("binary-ish content"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := l.Get(context.Background(), ref)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "binary-ish content" {
		t.Fatalf("want round-tripped bytes, got %q", got)
	}
}

func TestLocal_RewritingTheSameContentIsANoop(t *testing.T) {
	l, err := NewLocal(filepath.Join(t.TempDir(), "blobs"))
	if err != nil {
		t.Fatalf("new local: %v", err)
	}
	ref1, err := l.Put(context.Background(), "video.final", []byte("same"))
	if err != nil {
		t.Fatalf("first put: %v", err)
	}
	ref2, err := l.Put(context.Background(), "video.final", []byte("same"))
	if err != nil {
		t.Fatalf("second put: %v", err)
	}
	if ref1 != ref2 {
		t.Fatalf("want a stable ref for identical content, got %q and %q", ref1, ref2)
	}
}

func TestLocal_GetUnknownRefReturnsAnError(t *testing.T) {
	l, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("new local: %v", err)
	}
	if _, err := l.Get(context.Background(), "never-written"); err == nil {
		t.Fatal("want an error reading a never-written ref")
	}
}
