package storage

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestMemoryStorePutGetDelete(t *testing.T) {
	s := NewMemoryStore("test")
	ctx := context.Background()
	url, err := s.Put(ctx, "books/u1/a.pdf", strings.NewReader("%PDF-1.4"), 8, "application/pdf")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	key, ok := s.KeyFromURL(url)
	if !ok || key != "books/u1/a.pdf" {
		t.Fatalf("KeyFromURL(%q) = %q, %v", url, key, ok)
	}
	data, contentType, ok := s.Get(key)
	if !ok || !bytes.Equal(data, []byte("%PDF-1.4")) || contentType != "application/pdf" {
		t.Fatalf("unexpected object: %q %q %v", data, contentType, ok)
	}
	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(s.Keys()) != 0 {
		t.Fatalf("expected empty store, got %v", s.Keys())
	}
	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("deleting a missing key should succeed: %v", err)
	}
}

func TestMemoryStoreRejectsShortBody(t *testing.T) {
	s := NewMemoryStore("test")
	if _, err := s.Put(context.Background(), "k", strings.NewReader("abc"), 10, ""); err == nil {
		t.Fatalf("expected short body error")
	}
	if len(s.Keys()) != 0 {
		t.Fatalf("partial object must not be stored")
	}
}

func TestMemoryStoreHonorsCancellation(t *testing.T) {
	s := NewMemoryStore("test")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Put(ctx, "k", strings.NewReader("abc"), 3, ""); err == nil {
		t.Fatalf("expected cancellation error")
	}
}

func TestKeyFromURLRejectsForeignURL(t *testing.T) {
	s := NewMemoryStore("test")
	if _, ok := s.KeyFromURL("https://elsewhere/x"); ok {
		t.Fatalf("foreign url should not map to a key")
	}
	if _, ok := s.KeyFromURL(""); ok {
		t.Fatalf("empty url should not map to a key")
	}
}
