package upload

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"pdfshelf/pkg/domain"
	"pdfshelf/pkg/storage"
)

// failingStore wraps a MemoryStore and fails Puts whose key has the given prefix.
type failingStore struct {
	*storage.MemoryStore
	failPrefix string
}

func (f *failingStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	if strings.HasPrefix(key, f.failPrefix) {
		_, _ = io.Copy(io.Discard, r)
		return "", errors.New("bucket unavailable")
	}
	return f.MemoryStore.Put(ctx, key, r, size, contentType)
}

// blockingReader yields one chunk, then blocks until released.
type blockingReader struct {
	first   []byte
	sent    bool
	started chan struct{}
	release chan struct{}
}

func (b *blockingReader) Read(p []byte) (int, error) {
	if !b.sent {
		b.sent = true
		close(b.started)
		return copy(p, b.first), nil
	}
	<-b.release
	return 0, io.ErrUnexpectedEOF
}

func TestUploadStoresBothObjects(t *testing.T) {
	objects := storage.NewMemoryStore("test")
	c := NewCoordinator(objects, nil)
	c.newName = func() string { return "fixed" }

	doc := bytes.Repeat([]byte("p"), 200*1024)
	var mu sync.Mutex
	var seen []int
	res, err := c.Upload(context.Background(), Request{
		OwnerID:  "user-1",
		File:     bytes.NewReader(doc),
		FileSize: int64(len(doc)),
		Cover:    []byte("jpeg"),
		OnProgress: func(p int) {
			mu.Lock()
			seen = append(seen, p)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if res.FileKey != "books/user-1/fixed.pdf" || res.CoverKey != "covers/user-1/fixed.jpg" {
		t.Fatalf("unexpected keys: %+v", res)
	}
	if res.FileURL != "mem://test/books/user-1/fixed.pdf" {
		t.Fatalf("file url = %q", res.FileURL)
	}
	if _, _, ok := objects.Get(res.CoverKey); !ok {
		t.Fatalf("cover not stored")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 || seen[len(seen)-1] != 100 {
		t.Fatalf("progress must end at 100, got %v", seen)
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] <= seen[i-1] {
			t.Fatalf("progress not increasing: %v", seen)
		}
	}
}

func TestUploadWithoutCover(t *testing.T) {
	objects := storage.NewMemoryStore("test")
	c := NewCoordinator(objects, nil)
	res, err := c.Upload(context.Background(), Request{OwnerID: "u", File: strings.NewReader("%PDF"), FileSize: 4})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if res.CoverKey != "" || res.CoverURL != "" {
		t.Fatalf("no cover expected, got %+v", res)
	}
	if got := objects.Keys(); len(got) != 1 {
		t.Fatalf("expected one object, got %v", got)
	}
}

func TestUploadFailureRemovesPartialObjects(t *testing.T) {
	mem := storage.NewMemoryStore("test")
	c := NewCoordinator(&failingStore{MemoryStore: mem, failPrefix: "covers/"}, nil)

	_, err := c.Upload(context.Background(), Request{
		OwnerID:  "u",
		File:     strings.NewReader("%PDF-1.4 body"),
		FileSize: 13,
		Cover:    []byte("jpeg"),
	})
	if !errors.Is(err, domain.ErrTransfer) {
		t.Fatalf("err = %v, want ErrTransfer", err)
	}
	if domain.KindOf(err) != domain.KindTransfer {
		t.Fatalf("kind = %q", domain.KindOf(err))
	}
	if keys := mem.Keys(); len(keys) != 0 {
		t.Fatalf("orphaned objects: %v", keys)
	}
}

func TestCancelLeavesNoObjects(t *testing.T) {
	mem := storage.NewMemoryStore("test")
	c := NewCoordinator(mem, nil)
	r := &blockingReader{first: []byte("%PDF"), started: make(chan struct{}), release: make(chan struct{})}

	tr := c.Start(context.Background(), Request{OwnerID: "u", File: r, FileSize: 1 << 20, Cover: []byte("jpeg")})
	select {
	case <-r.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("transfer did not start")
	}
	tr.Cancel()
	close(r.release)

	_, err := tr.Wait()
	if !errors.Is(err, domain.ErrUploadCancelled) {
		t.Fatalf("err = %v, want ErrUploadCancelled", err)
	}
	if keys := mem.Keys(); len(keys) != 0 {
		t.Fatalf("cancelled transfer left objects: %v", keys)
	}
	if p := tr.Progress(); p >= 100 {
		t.Fatalf("cancelled transfer reported %d%%", p)
	}
}

func TestUploadRequiresDocument(t *testing.T) {
	c := NewCoordinator(storage.NewMemoryStore("test"), nil)
	if _, err := c.Upload(context.Background(), Request{OwnerID: "u"}); !errors.Is(err, domain.ErrTransfer) {
		t.Fatalf("err = %v, want ErrTransfer", err)
	}
}

func TestObjectKeysIgnoreUnsafeOwnerCharacters(t *testing.T) {
	c := NewCoordinator(storage.NewMemoryStore("test"), nil)
	c.newName = func() string { return "n" }
	file, cover := c.ObjectKeys("../evil id")
	if file != "books/___evil_id/n.pdf" || cover != "covers/___evil_id/n.jpg" {
		t.Fatalf("keys = %q %q", file, cover)
	}
	file, _ = c.ObjectKeys("")
	if file != "books/anonymous/n.pdf" {
		t.Fatalf("empty owner key = %q", file)
	}
}
