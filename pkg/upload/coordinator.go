package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"pdfshelf/pkg/domain"
	"pdfshelf/pkg/storage"
)

const (
	fileContentType  = "application/pdf"
	coverContentType = "image/jpeg"
	cleanupTimeout   = 30 * time.Second
)

// Request describes the objects of a single ingestion.
type Request struct {
	OwnerID  string
	File     io.Reader
	FileSize int64
	// Cover is optional; nil means the book has no cover.
	Cover []byte
	// OnProgress receives non-decreasing percentages in [0,100]. It is always
	// invoked from one goroutine, never concurrently.
	OnProgress func(percent int)
}

// Result locates the stored objects.
type Result struct {
	FileKey  string
	FileURL  string
	CoverKey string
	CoverURL string
}

// Keys lists every stored object key.
func (r Result) Keys() []string {
	keys := []string{r.FileKey}
	if r.CoverKey != "" {
		keys = append(keys, r.CoverKey)
	}
	return keys
}

// Coordinator streams validated binaries to object storage. Failed or cancelled
// transfers are cleaned up before the error is returned, so no orphans are left
// for a later sweep.
type Coordinator struct {
	objects storage.ObjectStore
	logger  *slog.Logger
	newName func() string
}

func NewCoordinator(objects storage.ObjectStore, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		objects: objects,
		logger:  logger,
		newName: func() string { return uuid.NewString() },
	}
}

// Transfer is an in-flight upload.
type Transfer struct {
	cancel   context.CancelFunc
	done     chan struct{}
	progress atomic.Int32
	result   Result
	err      error
}

// Progress returns the last published percentage.
func (t *Transfer) Progress() int {
	return int(t.progress.Load())
}

// Cancel aborts the transfer. It is safe to call at any time, including after completion.
func (t *Transfer) Cancel() {
	t.cancel()
}

// Done is closed once the transfer has finished and any cleanup has run.
func (t *Transfer) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the transfer finishes.
func (t *Transfer) Wait() (Result, error) {
	<-t.done
	return t.result, t.err
}

// Upload runs a transfer to completion.
func (c *Coordinator) Upload(ctx context.Context, req Request) (Result, error) {
	return c.Start(ctx, req).Wait()
}

// Start begins a transfer in the background.
func (c *Coordinator) Start(ctx context.Context, req Request) *Transfer {
	ctx, cancel := context.WithCancel(ctx)
	t := &Transfer{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		defer cancel()
		t.result, t.err = c.run(ctx, req, t)
	}()
	return t
}

// ObjectKeys returns collision-free keys for an owner's document and cover.
// User-supplied filenames never take part in naming.
func (c *Coordinator) ObjectKeys(ownerID string) (fileKey, coverKey string) {
	owner := sanitizeSegment(ownerID)
	name := c.newName()
	return path.Join("books", owner, name+".pdf"), path.Join("covers", owner, name+".jpg")
}

func (c *Coordinator) run(ctx context.Context, req Request, t *Transfer) (Result, error) {
	if req.File == nil {
		return Result{}, domain.ErrTransfer.Withf("no document to transfer")
	}
	fileKey, coverKey := c.ObjectKeys(req.OwnerID)
	res := Result{FileKey: fileKey}
	if len(req.Cover) > 0 {
		res.CoverKey = coverKey
	}

	total := req.FileSize + int64(len(req.Cover))
	deltas := make(chan int64, 64)
	tracked := make(chan struct{})
	go func() {
		defer close(tracked)
		trackProgress(deltas, total, t, req.OnProgress)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		url, err := c.objects.Put(gctx, fileKey, &countingReader{r: req.File, deltas: deltas}, req.FileSize, fileContentType)
		if err != nil {
			return fmt.Errorf("upload document: %w", err)
		}
		res.FileURL = url
		return nil
	})
	if res.CoverKey != "" {
		g.Go(func() error {
			r := &countingReader{r: bytes.NewReader(req.Cover), deltas: deltas}
			url, err := c.objects.Put(gctx, coverKey, r, int64(len(req.Cover)), coverContentType)
			if err != nil {
				return fmt.Errorf("upload cover: %w", err)
			}
			res.CoverURL = url
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		// both transfers confirmed; a late cancel must not orphan them silently
		err = ctx.Err()
	}
	if err == nil {
		deltas <- confirmed
	}
	close(deltas)
	<-tracked

	if err != nil {
		c.cleanup(res.Keys())
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			c.logger.Info("upload cancelled", "owner_id", req.OwnerID, "path", fileKey)
			return Result{}, domain.ErrUploadCancelled.Wrap(err)
		}
		c.logger.Warn("upload failed", "owner_id", req.OwnerID, "path", fileKey, "err", err)
		return Result{}, domain.ErrTransfer.Wrap(err)
	}
	return res, nil
}

// cleanup deletes objects a failed transfer may have written, completely or partially.
func (c *Coordinator) cleanup(keys []string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	for _, key := range keys {
		if err := c.objects.Delete(ctx, key); err != nil {
			c.logger.Error("orphaned object after failed upload", "path", key, "err", err)
		}
	}
}

// Remove deletes objects of a completed transfer whose catalog record could not be written.
func (c *Coordinator) Remove(res Result) {
	c.cleanup(res.Keys())
}

// confirmed is sent on the delta channel once storage acknowledged every object.
const confirmed int64 = -1

// trackProgress is the single owner of per-transfer progress state. Streaming
// progress stops at 99; 100 is published only after storage confirmation.
func trackProgress(deltas <-chan int64, total int64, t *Transfer, notify func(int)) {
	var sent int64
	last := 0
	publish := func(p int) {
		if p <= last {
			return
		}
		last = p
		t.progress.Store(int32(p))
		if notify != nil {
			notify(p)
		}
	}
	for d := range deltas {
		if d == confirmed {
			publish(100)
			continue
		}
		sent += d
		if total <= 0 {
			continue
		}
		p := int(sent * 100 / total)
		if p > 99 {
			p = 99
		}
		publish(p)
	}
}

type countingReader struct {
	r      io.Reader
	deltas chan<- int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.deltas <- int64(n)
	}
	return n, err
}

func sanitizeSegment(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "anonymous"
	}
	return b.String()
}
