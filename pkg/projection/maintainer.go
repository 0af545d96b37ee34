// Package projection keeps the bounded home-page views (recent, trending,
// featured) consistent with the catalog by observing mutation events.
//
// Recent is maintained incrementally: a created book is inserted at its
// upload-date position and the view trimmed. Trending is refreshed lazily:
// download increments only mark it dirty, and the next read recomputes it once
// the configured TTL has elapsed, so it can be as stale as the interval since
// its last full read. Deletes are
// never lazy: a deleted book leaves every view before Handle returns, and the
// gap is refilled from the store on the next read.
package projection

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"pdfshelf/pkg/domain"
	"pdfshelf/pkg/events"
	"pdfshelf/pkg/store"
)

const (
	DefaultRecentCap   = 10
	DefaultTrendingCap = 10
	DefaultFeaturedCap = 5
	DefaultTrendingTTL = 30 * time.Second

	// deletedMemory bounds how many deleted ids are kept to filter loads that
	// raced with a delete.
	deletedMemory = 256
)

// Source is the read side of the catalog store.
type Source interface {
	ListBooks(ctx context.Context, opts store.ListOptions) ([]domain.Book, error)
}

type Config struct {
	RecentCap   int
	TrendingCap int
	FeaturedCap int
	TrendingTTL time.Duration
	Now         func() time.Time
	Logger      *slog.Logger
}

type view struct {
	books  []domain.Book
	loaded bool
	// short is set when a delete removed an entry and the view needs a refill.
	short bool
}

func (v *view) remove(id string) bool {
	n := len(v.books)
	v.books = slices.DeleteFunc(v.books, func(b domain.Book) bool { return b.ID == id })
	return len(v.books) != n
}

func (v *view) replace(b domain.Book) {
	for i := range v.books {
		if v.books[i].ID == b.ID {
			v.books[i] = b
		}
	}
}

// newerFirst orders by upload date descending, then id, as the store does.
func newerFirst(a, b domain.Book) bool {
	if !a.UploadDate.Equal(b.UploadDate) {
		return a.UploadDate.After(b.UploadDate)
	}
	return a.ID < b.ID
}

// insertNewest places b at its upload-date position and trims to limit.
// Creates can arrive out of date order: concurrent ingests publish in commit
// order and relayed events carry arbitrary delay.
func (v *view) insertNewest(b domain.Book, limit int) {
	v.remove(b.ID)
	i := len(v.books)
	for j, cur := range v.books {
		if newerFirst(b, cur) {
			i = j
			break
		}
	}
	if i >= limit {
		return
	}
	v.books = slices.Insert(v.books, i, b)
	if len(v.books) > limit {
		v.books = v.books[:limit]
	}
}

func (v *view) setCounter(id string, c domain.Counter, value int64) {
	for i := range v.books {
		if v.books[i].ID != id {
			continue
		}
		switch c {
		case domain.CounterDownloads:
			v.books[i].DownloadCount = max(v.books[i].DownloadCount, value)
		case domain.CounterViews:
			v.books[i].ViewCount = max(v.books[i].ViewCount, value)
		}
	}
}

// Maintainer is the single owner of the derived views.
type Maintainer struct {
	src         Source
	recentCap   int
	trendingCap int
	featuredCap int
	trendingTTL time.Duration
	now         func() time.Time
	logger      *slog.Logger

	mu            sync.Mutex
	recent        view
	trending      view
	featured      view
	trendingDirty bool
	trendingAt    time.Time
	deleted       []string
	// gen counts creates and curation changes; a load that overlapped one is
	// served but not cached.
	gen uint64
}

func NewMaintainer(src Source, cfg Config) *Maintainer {
	m := &Maintainer{
		src:         src,
		recentCap:   positive(cfg.RecentCap, DefaultRecentCap),
		trendingCap: positive(cfg.TrendingCap, DefaultTrendingCap),
		featuredCap: positive(cfg.FeaturedCap, DefaultFeaturedCap),
		trendingTTL: cfg.TrendingTTL,
		now:         cfg.Now,
		logger:      cfg.Logger,
	}
	if m.trendingTTL < 0 {
		m.trendingTTL = 0
	} else if m.trendingTTL == 0 {
		m.trendingTTL = DefaultTrendingTTL
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

func positive(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// Subscribe registers the maintainer on bus.
func (m *Maintainer) Subscribe(bus *events.Bus) {
	bus.Subscribe(m.Handle)
}

// Handle applies one catalog event to the views.
func (m *Maintainer) Handle(_ context.Context, ev events.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch ev.Kind {
	case events.BookCreated:
		m.gen++
		if ev.Book == nil {
			m.recent.loaded = false
			m.featured.loaded = false
			return
		}
		if m.recent.loaded {
			m.recent.insertNewest(*ev.Book, m.recentCap)
		}
		if m.featured.loaded && (ev.Book.Featured || m.hasFallbackLocked()) {
			m.featured.loaded = false
		}
		if len(m.trending.books) < m.trendingCap {
			m.trendingDirty = true
		}
	case events.BookUpdated:
		if ev.Book == nil {
			return
		}
		m.recent.replace(*ev.Book)
		m.trending.replace(*ev.Book)
		m.featured.replace(*ev.Book)
	case events.FeaturedChanged:
		m.gen++
		if ev.Book != nil {
			m.recent.replace(*ev.Book)
			m.trending.replace(*ev.Book)
		}
		m.featured.loaded = false
	case events.CounterChanged:
		m.recent.setCounter(ev.BookID, ev.Counter, ev.Value)
		m.trending.setCounter(ev.BookID, ev.Counter, ev.Value)
		m.featured.setCounter(ev.BookID, ev.Counter, ev.Value)
		if ev.Counter == domain.CounterDownloads {
			m.trendingDirty = true
		}
	case events.BookDeleted:
		m.rememberDeletedLocked(ev.BookID)
		if m.recent.remove(ev.BookID) {
			m.recent.short = true
		}
		if m.featured.remove(ev.BookID) {
			m.featured.short = true
		}
		if m.trending.remove(ev.BookID) {
			m.trending.short = true
		}
	}
}

// hasFallbackLocked reports whether the featured view contains unflagged filler.
func (m *Maintainer) hasFallbackLocked() bool {
	if len(m.featured.books) < m.featuredCap {
		return true
	}
	for _, b := range m.featured.books {
		if !b.Featured {
			return true
		}
	}
	return false
}

func (m *Maintainer) rememberDeletedLocked(id string) {
	m.deleted = append(m.deleted, id)
	if len(m.deleted) > deletedMemory {
		m.deleted = m.deleted[len(m.deleted)-deletedMemory:]
	}
}

// withoutDeletedLocked drops books deleted while a load was in flight.
func (m *Maintainer) withoutDeletedLocked(books []domain.Book) []domain.Book {
	return slices.DeleteFunc(books, func(b domain.Book) bool {
		return slices.Contains(m.deleted, b.ID)
	})
}

// Recent returns up to the cap newest books.
func (m *Maintainer) Recent(ctx context.Context) ([]domain.Book, error) {
	m.mu.Lock()
	if m.recent.loaded && !m.recent.short {
		out := slices.Clone(m.recent.books)
		m.mu.Unlock()
		return out, nil
	}
	gen := m.gen
	m.mu.Unlock()

	books, err := m.src.ListBooks(ctx, store.ListOptions{OrderBy: store.OrderUploadDate, Desc: true, Limit: m.recentCap})
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recent = view{books: m.withoutDeletedLocked(books), loaded: gen == m.gen}
	return slices.Clone(m.recent.books), nil
}

// Trending returns up to the cap most downloaded books, recomputing when dirty
// and the TTL has elapsed, or when a delete left a gap.
func (m *Maintainer) Trending(ctx context.Context) ([]domain.Book, error) {
	m.mu.Lock()
	now := m.now()
	fresh := m.trending.loaded && !m.trending.short &&
		(!m.trendingDirty || now.Sub(m.trendingAt) < m.trendingTTL)
	if fresh {
		out := slices.Clone(m.trending.books)
		m.mu.Unlock()
		return out, nil
	}
	m.mu.Unlock()

	books, err := m.src.ListBooks(ctx, store.ListOptions{OrderBy: store.OrderDownloads, Desc: true, Limit: m.trendingCap})
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trending = view{books: m.withoutDeletedLocked(books), loaded: true}
	m.trendingDirty = false
	m.trendingAt = now
	m.logger.Debug("trending view recomputed", "size", len(m.trending.books))
	return slices.Clone(m.trending.books), nil
}

// Featured returns flagged books newest first, padded with the most recent
// unflagged books when fewer than the cap are flagged.
func (m *Maintainer) Featured(ctx context.Context) ([]domain.Book, error) {
	m.mu.Lock()
	if m.featured.loaded && !m.featured.short {
		out := slices.Clone(m.featured.books)
		m.mu.Unlock()
		return out, nil
	}
	gen := m.gen
	m.mu.Unlock()

	flagged := true
	books, err := m.src.ListBooks(ctx, store.ListOptions{Featured: &flagged, OrderBy: store.OrderUploadDate, Desc: true, Limit: m.featuredCap})
	if err != nil {
		return nil, err
	}
	if len(books) < m.featuredCap {
		unflagged := false
		filler, err := m.src.ListBooks(ctx, store.ListOptions{Featured: &unflagged, OrderBy: store.OrderUploadDate, Desc: true, Limit: m.featuredCap - len(books)})
		if err != nil {
			return nil, err
		}
		books = append(books, filler...)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.featured = view{books: m.withoutDeletedLocked(books), loaded: gen == m.gen}
	return slices.Clone(m.featured.books), nil
}
