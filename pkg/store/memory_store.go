package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"pdfshelf/pkg/counter"
	"pdfshelf/pkg/domain"
)

type bookEntry struct {
	book      domain.Book
	downloads *counter.Value
	views     *counter.Value
}

type profileEntry struct {
	uploaded  *counter.Value
	downloads *counter.Value
	views     *counter.Value
	favorites []string // newest first
}

func newProfileEntry() *profileEntry {
	return &profileEntry{
		uploaded:  counter.NewValue(0),
		downloads: counter.NewValue(0),
		views:     counter.NewValue(0),
	}
}

// memoryMaxAttempts is sized for in-process contention, where every lost swap
// means another caller's add landed.
const memoryMaxAttempts = 1024

// MemoryStore keeps the catalog in-process. It has no native atomic increment,
// so counters are compare-and-swap cells driven through counter.Add.
type MemoryStore struct {
	mu          sync.RWMutex
	books       map[string]*bookEntry
	profiles    map[string]*profileEntry
	maxAttempts int
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		books:       make(map[string]*bookEntry),
		profiles:    make(map[string]*profileEntry),
		maxAttempts: memoryMaxAttempts,
	}
}

func (m *MemoryStore) profileLocked(uid string) *profileEntry {
	p, ok := m.profiles[uid]
	if !ok {
		p = newProfileEntry()
		m.profiles[uid] = p
	}
	return p
}

func (e *bookEntry) snapshot() domain.Book {
	b := e.book
	b.Tags = slices.Clone(b.Tags)
	b.DownloadCount = e.downloads.Get()
	b.ViewCount = e.views.Get()
	return b
}

// CreateBook stores the record and bumps the owner's uploaded count under one lock.
func (m *MemoryStore) CreateBook(ctx context.Context, b domain.Book) (domain.Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.books[b.ID]; exists {
		return domain.Book{}, fmt.Errorf("book %s already exists", b.ID)
	}
	owner := m.profileLocked(b.OwnerID)
	if _, err := counter.Add(ctx, owner.uploaded, 1, counter.Options{MaxAttempts: m.maxAttempts}); err != nil {
		return domain.Book{}, err
	}
	entry := &bookEntry{
		book:      b,
		downloads: counter.NewValue(b.DownloadCount),
		views:     counter.NewValue(b.ViewCount),
	}
	entry.book.Tags = slices.Clone(b.Tags)
	m.books[b.ID] = entry
	return entry.snapshot(), nil
}

func (m *MemoryStore) GetBook(_ context.Context, id string) (domain.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.books[id]
	if !ok {
		return domain.Book{}, domain.ErrNotFound
	}
	return e.snapshot(), nil
}

func (m *MemoryStore) UpdateBook(_ context.Context, id string, patch domain.BookPatch) (domain.Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.books[id]
	if !ok {
		return domain.Book{}, domain.ErrNotFound
	}
	e.book = patch.Apply(e.book)
	return e.snapshot(), nil
}

func (m *MemoryStore) SetFeatured(_ context.Context, id string, featured bool) (domain.Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.books[id]
	if !ok {
		return domain.Book{}, domain.ErrNotFound
	}
	e.book.Featured = featured
	return e.snapshot(), nil
}

// IncrementBookCounter only holds the read lock to find the cell; the add itself is lock-free.
func (m *MemoryStore) IncrementBookCounter(ctx context.Context, id string, c domain.Counter) (int64, error) {
	m.mu.RLock()
	e, ok := m.books[id]
	m.mu.RUnlock()
	if !ok {
		return 0, domain.ErrNotFound
	}
	var cell *counter.Value
	switch c {
	case domain.CounterDownloads:
		cell = e.downloads
	case domain.CounterViews:
		cell = e.views
	default:
		return 0, domain.ErrInvalidQuery.Withf("unknown book counter %q", c)
	}
	return counter.Add(ctx, cell, 1, counter.Options{MaxAttempts: m.maxAttempts, Monotonic: true})
}

func (m *MemoryStore) DeleteBook(ctx context.Context, id string) (domain.Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.books[id]
	if !ok {
		return domain.Book{}, domain.ErrNotFound
	}
	owner := m.profileLocked(e.book.OwnerID)
	if _, err := counter.Add(ctx, owner.uploaded, -1, counter.Options{MaxAttempts: m.maxAttempts, Floor: counter.Zero()}); err != nil {
		return domain.Book{}, err
	}
	delete(m.books, id)
	for _, p := range m.profiles {
		p.favorites = slices.DeleteFunc(p.favorites, func(fav string) bool { return fav == id })
	}
	return e.snapshot(), nil
}

func (m *MemoryStore) ListBooks(_ context.Context, opts ListOptions) ([]domain.Book, error) {
	m.mu.RLock()
	res := make([]domain.Book, 0, len(m.books))
	for _, e := range m.books {
		b := e.book
		if opts.OwnerID != "" && b.OwnerID != opts.OwnerID {
			continue
		}
		if opts.Category != "" && b.Category != opts.Category {
			continue
		}
		if opts.Featured != nil && b.Featured != *opts.Featured {
			continue
		}
		if opts.ExcludeID != "" && b.ID == opts.ExcludeID {
			continue
		}
		res = append(res, e.snapshot())
	}
	m.mu.RUnlock()

	sortBooks(res, opts)
	if opts.Limit > 0 && len(res) > opts.Limit {
		res = res[:opts.Limit]
	}
	return res, nil
}

// sortBooks mirrors orderColumns: primary column, then newest first, then id.
func sortBooks(books []domain.Book, opts ListOptions) {
	sort.SliceStable(books, func(i, j int) bool {
		a, b := books[i], books[j]
		if opts.OrderBy == OrderDownloads && a.DownloadCount != b.DownloadCount {
			if opts.Desc {
				return a.DownloadCount > b.DownloadCount
			}
			return a.DownloadCount < b.DownloadCount
		}
		if !a.UploadDate.Equal(b.UploadDate) {
			if opts.OrderBy == OrderDownloads || opts.Desc {
				return a.UploadDate.After(b.UploadDate)
			}
			return a.UploadDate.Before(b.UploadDate)
		}
		return a.ID < b.ID
	})
}

func (m *MemoryStore) CountBooks(context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.books)), nil
}

func (m *MemoryStore) GetProfile(_ context.Context, uid string) (domain.UserProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	profile := domain.UserProfile{UID: uid, Favorites: []string{}}
	p, ok := m.profiles[uid]
	if !ok {
		return profile, nil
	}
	profile.Favorites = slices.Clone(p.favorites)
	profile.UploadedBooksCount = p.uploaded.Get()
	profile.TotalDownloads = p.downloads.Get()
	profile.TotalViews = p.views.Get()
	return profile, nil
}

func (m *MemoryStore) IncrementProfileCounter(ctx context.Context, uid string, c domain.ProfileCounter, delta int64) (int64, error) {
	m.mu.Lock()
	p := m.profileLocked(uid)
	m.mu.Unlock()
	var cell *counter.Value
	switch c {
	case domain.ProfileUploadedBooks:
		cell = p.uploaded
	case domain.ProfileTotalDownloads:
		cell = p.downloads
	case domain.ProfileTotalViews:
		cell = p.views
	default:
		return 0, domain.ErrInvalidQuery.Withf("unknown profile counter %q", c)
	}
	return counter.Add(ctx, cell, delta, counter.Options{MaxAttempts: m.maxAttempts, Floor: counter.Zero()})
}

func (m *MemoryStore) ToggleFavorite(_ context.Context, uid, bookID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.profileLocked(uid)
	if i := slices.Index(p.favorites, bookID); i >= 0 {
		p.favorites = slices.Delete(p.favorites, i, i+1)
		return false, nil
	}
	p.favorites = append([]string{bookID}, p.favorites...)
	return true, nil
}
