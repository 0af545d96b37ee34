package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"pdfshelf/internal/util"
	"pdfshelf/pkg/domain"
	"pdfshelf/pkg/events"
	"pdfshelf/pkg/ingest"
	"pdfshelf/pkg/projection"
	"pdfshelf/pkg/query"
	"pdfshelf/pkg/queue"
	"pdfshelf/pkg/storage"
	"pdfshelf/pkg/store"
	"pdfshelf/pkg/upload"
)

const (
	DefaultRelatedLimit  = 4
	DefaultPresignExpiry = 15 * time.Minute
)

// Config holds the collaborators of the catalog. Store, Objects and Ingestor
// are required; the rest default.
type Config struct {
	Store          store.Store
	Objects        storage.ObjectStore
	Ingestor       *ingest.Ingestor
	Bus            *events.Bus
	// Cleanup receives objects a delete could not remove. Optional.
	Cleanup        CleanupQueue
	MaxCatalogScan int
	TrendingTTL    time.Duration
	PresignExpiry  time.Duration
	RelatedLimit   int
	Now            func() time.Time
	Logger         *slog.Logger
}

// CleanupQueue retries object removal in the background.
type CleanupQueue interface {
	Enqueue(ctx context.Context, bookID string, keys []string) (queue.Job, error)
}

// App is the catalog service: ingestion, owner operations, counters and the
// read side. Every mutation is published on the bus after it commits.
type App struct {
	store         store.Store
	objects       storage.ObjectStore
	ingestor      *ingest.Ingestor
	uploads       *upload.Coordinator
	bus           *events.Bus
	cleanup       CleanupQueue
	views         *projection.Maintainer
	query         *query.Engine
	presignExpiry time.Duration
	relatedLimit  int
	now           func() time.Time
	logger        *slog.Logger
}

func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("catalog store required")
	}
	if cfg.Objects == nil {
		return nil, errors.New("object store required")
	}
	if cfg.Ingestor == nil {
		return nil, errors.New("ingestor required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	bus := cfg.Bus
	if bus == nil {
		bus = events.NewBus(logger)
	}
	views := projection.NewMaintainer(cfg.Store, projection.Config{
		TrendingTTL: cfg.TrendingTTL,
		Now:         now,
		Logger:      logger,
	})
	views.Subscribe(bus)

	a := &App{
		store:         cfg.Store,
		objects:       cfg.Objects,
		ingestor:      cfg.Ingestor,
		uploads:       upload.NewCoordinator(cfg.Objects, logger),
		bus:           bus,
		cleanup:       cfg.Cleanup,
		views:         views,
		query:         query.NewEngine(cfg.Store, cfg.MaxCatalogScan),
		presignExpiry: cfg.PresignExpiry,
		relatedLimit:  cfg.RelatedLimit,
		now:           now,
		logger:        logger,
	}
	if a.presignExpiry <= 0 {
		a.presignExpiry = DefaultPresignExpiry
	}
	if a.relatedLimit <= 0 {
		a.relatedLimit = DefaultRelatedLimit
	}
	return a, nil
}

// Bus exposes the event bus so the process can relay events between instances.
func (a *App) Bus() *events.Bus {
	return a.bus
}

// MaxUploadBytes is the document size ceiling enforced by ingestion.
func (a *App) MaxUploadBytes() int64 {
	return a.ingestor.MaxBytes()
}

// CheckUpload validates what a client declared before any byte is stored.
func (a *App) CheckUpload(mediaType string, size int64) error {
	return a.ingestor.Validate(mediaType, size)
}

// Ready reports whether the catalog store answers.
func (a *App) Ready(ctx context.Context) error {
	if p, ok := a.store.(pinger); ok {
		return p.Ping(ctx)
	}
	_, err := a.store.CountBooks(ctx)
	return err
}

// pinger is implemented by stores backed by a connection pool.
type pinger interface {
	Ping(ctx context.Context) error
}

func (a *App) publish(ctx context.Context, ev events.Event) {
	a.bus.Publish(ctx, ev)
}

func requireCaller(caller domain.Identity, action string) error {
	if caller.UID == "" {
		return domain.ErrForbidden.Withf("sign in to %s", action)
	}
	return nil
}

// Upload is one document submission. Document must already be spooled to disk.
type Upload struct {
	Draft    domain.BookDraft
	Document ingest.Submission
	// Cover optionally replaces the cover extracted from the first page.
	Cover      []byte
	OnProgress func(percent int)
}

// Ingest runs the whole pipeline: validate, derive cover and page count,
// transfer, then create the record. It yields exactly one record or none.
func (a *App) Ingest(ctx context.Context, caller domain.Identity, up Upload) (domain.Book, error) {
	if err := requireCaller(caller, "upload books"); err != nil {
		return domain.Book{}, err
	}
	draft := up.Draft
	draft.OwnerID = caller.UID
	draft.OwnerDisplayName = caller.DisplayName
	draft = draft.Normalize()
	if err := draft.ValidateDetails(); err != nil {
		return domain.Book{}, err
	}
	if err := a.ingestor.Validate(up.Document.MediaType, up.Document.Size); err != nil {
		return domain.Book{}, err
	}

	derived, err := a.ingestor.Process(ctx, up.Document)
	if err != nil {
		return domain.Book{}, err
	}
	cover := derived.Cover
	if len(up.Cover) > 0 {
		custom, err := a.ingestor.NormalizeCover(up.Cover)
		if err != nil {
			a.logger.Warn("supplied cover rejected", "owner_id", caller.UID, "err", err)
		} else {
			cover = custom
		}
	}

	f, err := os.Open(up.Document.Path)
	if err != nil {
		return domain.Book{}, fmt.Errorf("open document: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return domain.Book{}, fmt.Errorf("stat document: %w", err)
	}

	stored, err := a.uploads.Upload(ctx, upload.Request{
		OwnerID:    caller.UID,
		File:       f,
		FileSize:   info.Size(),
		Cover:      cover,
		OnProgress: up.OnProgress,
	})
	if err != nil {
		return domain.Book{}, err
	}

	draft.PageCount = derived.PageCount
	draft.FileSizeBytes = info.Size()
	draft.FileURL = stored.FileURL
	draft.CoverImageURL = stored.CoverURL
	if err := draft.Validate(); err != nil {
		a.uploads.Remove(stored)
		return domain.Book{}, err
	}
	created, err := a.store.CreateBook(ctx, draft.NewBook(util.NewID(), a.now()))
	if err != nil {
		a.uploads.Remove(stored)
		return domain.Book{}, fmt.Errorf("create book: %w", err)
	}

	a.publish(ctx, events.Event{Kind: events.BookCreated, BookID: created.ID, Book: &created})
	a.logger.Info("book ingested",
		"book_id", created.ID,
		"owner_id", created.OwnerID,
		"pages", created.PageCount,
		"bytes", created.FileSizeBytes,
		"cover", created.CoverImageURL != "",
	)
	return created, nil
}

// GetBook returns a book and counts the read as a view.
func (a *App) GetBook(ctx context.Context, caller domain.Identity, id string) (domain.Book, error) {
	views, err := a.store.IncrementBookCounter(ctx, id, domain.CounterViews)
	if err != nil {
		return domain.Book{}, err
	}
	book, err := a.store.GetBook(ctx, id)
	if err != nil {
		return domain.Book{}, err
	}
	book.ViewCount = max(book.ViewCount, views)
	a.publish(ctx, events.Event{Kind: events.CounterChanged, BookID: id, Counter: domain.CounterViews, Value: views})
	a.bumpProfile(ctx, caller, domain.ProfileTotalViews)
	return book, nil
}

// Download is what a download request hands back.
type Download struct {
	Book domain.Book `json:"book"`
	URL  string      `json:"url"`
}

// RecordDownload counts a download and returns a URL for the document,
// presigned when the object store supports it.
func (a *App) RecordDownload(ctx context.Context, caller domain.Identity, id string) (Download, error) {
	downloads, err := a.store.IncrementBookCounter(ctx, id, domain.CounterDownloads)
	if err != nil {
		return Download{}, err
	}
	book, err := a.store.GetBook(ctx, id)
	if err != nil {
		return Download{}, err
	}
	book.DownloadCount = max(book.DownloadCount, downloads)
	a.publish(ctx, events.Event{Kind: events.CounterChanged, BookID: id, Counter: domain.CounterDownloads, Value: downloads})
	a.bumpProfile(ctx, caller, domain.ProfileTotalDownloads)

	url := book.FileURL
	if presigner, ok := a.objects.(storage.Presigner); ok {
		if key, ok := a.objects.KeyFromURL(book.FileURL); ok {
			signed, err := presigner.PresignGet(ctx, key, a.presignExpiry)
			if err != nil {
				a.logger.Warn("presign download failed", "book_id", id, "path", key, "err", err)
			} else {
				url = signed
			}
		}
	}
	return Download{Book: book, URL: url}, nil
}

// bumpProfile credits the signed-in caller. A failure is logged; the book
// counter already committed.
func (a *App) bumpProfile(ctx context.Context, caller domain.Identity, c domain.ProfileCounter) {
	if caller.UID == "" {
		return
	}
	if _, err := a.store.IncrementProfileCounter(ctx, caller.UID, c, 1); err != nil {
		a.logger.Warn("profile counter update failed", "uid", caller.UID, "counter", c, "err", err)
	}
}

// UpdateBook applies an owner's edit to description, category or tags.
func (a *App) UpdateBook(ctx context.Context, caller domain.Identity, id string, patch domain.BookPatch) (domain.Book, error) {
	if patch.Empty() {
		return domain.Book{}, domain.ErrInvalidDraft.Withf("nothing to update")
	}
	current, err := a.store.GetBook(ctx, id)
	if err != nil {
		return domain.Book{}, err
	}
	if caller.UID == "" || current.OwnerID != caller.UID {
		return domain.Book{}, domain.ErrForbidden
	}
	if err := draftOf(patch.Apply(current)).ValidateDetails(); err != nil {
		return domain.Book{}, err
	}
	updated, err := a.store.UpdateBook(ctx, id, patch)
	if err != nil {
		return domain.Book{}, err
	}
	a.publish(ctx, events.Event{Kind: events.BookUpdated, BookID: id, Book: &updated})
	return updated, nil
}

func draftOf(b domain.Book) domain.BookDraft {
	return domain.BookDraft{
		Title:       b.Title,
		Author:      b.Author,
		Description: b.Description,
		Category:    b.Category,
		Language:    b.Language,
		Tags:        b.Tags,
		PageCount:   b.PageCount,
	}
}

// SetFeatured curates the featured view. Only administrators may call it.
func (a *App) SetFeatured(ctx context.Context, caller domain.Identity, id string, featured bool) (domain.Book, error) {
	if !caller.IsAdmin() {
		return domain.Book{}, domain.ErrForbidden.Withf("only administrators can curate featured books")
	}
	book, err := a.store.SetFeatured(ctx, id, featured)
	if err != nil {
		return domain.Book{}, err
	}
	a.publish(ctx, events.Event{Kind: events.FeaturedChanged, BookID: id, Book: &book})
	a.logger.Info("featured flag changed", "book_id", id, "featured", featured, "uid", caller.UID)
	return book, nil
}

// DeleteBook removes an owner's book. The document object goes first: if that
// fails nothing has changed. Anything that fails afterwards is reported as
// domain.ErrReconciliationRequired carrying a domain.Reconciliation.
func (a *App) DeleteBook(ctx context.Context, caller domain.Identity, id string) error {
	book, err := a.store.GetBook(ctx, id)
	if err != nil {
		return err
	}
	if caller.UID == "" || book.OwnerID != caller.UID {
		return domain.ErrForbidden
	}

	if key, ok := a.objects.KeyFromURL(book.FileURL); ok {
		if err := a.objects.Delete(ctx, key); err != nil {
			return domain.ErrTransfer.Withf("delete stored document").Wrap(err)
		}
	}

	report := domain.Reconciliation{BookID: id}
	var failures []error
	if key, ok := a.objects.KeyFromURL(book.CoverImageURL); ok {
		if err := a.objects.Delete(ctx, key); err != nil {
			report.PendingObjects = append(report.PendingObjects, key)
			failures = append(failures, fmt.Errorf("delete cover %s: %w", key, err))
		}
	}
	if _, err := a.store.DeleteBook(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
		failures = append(failures, fmt.Errorf("delete record: %w", err))
	} else {
		report.RecordDeleted = true
		a.publish(ctx, events.Event{Kind: events.BookDeleted, BookID: id})
	}

	if len(failures) > 0 {
		if len(report.PendingObjects) > 0 && a.cleanup != nil {
			job, err := a.cleanup.Enqueue(ctx, id, report.PendingObjects)
			if err != nil {
				a.logger.Warn("cleanup enqueue failed", "book_id", id, "err", err)
			} else {
				report.CleanupJobID = job.ID
			}
		}
		a.logger.Error("book delete needs reconciliation",
			"book_id", id,
			"record_deleted", report.RecordDeleted,
			"pending", report.PendingObjects,
			"cleanup_job_id", report.CleanupJobID,
			"err", errors.Join(failures...),
		)
		return domain.ErrReconciliationRequired.WithDetails(report).Wrap(errors.Join(failures...))
	}
	a.logger.Info("book deleted", "book_id", id, "owner_id", book.OwnerID)
	return nil
}

// SweepObjects removes the objects named by a cleanup job. It is the handler
// for the background cleanup queue.
func (a *App) SweepObjects(ctx context.Context, job queue.Job) error {
	var failures []error
	for _, key := range job.Keys {
		if err := a.objects.Delete(ctx, key); err != nil {
			failures = append(failures, fmt.Errorf("delete %s: %w", key, err))
		}
	}
	if len(failures) > 0 {
		return errors.Join(failures...)
	}
	a.logger.Info("orphaned objects removed", "book_id", job.BookID, "job_id", job.ID, "count", len(job.Keys))
	return nil
}
