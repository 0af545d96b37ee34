// Package query answers catalog searches by scanning a fresh snapshot of the
// catalog on every call. It keeps no state between calls, which is only sound
// while the catalog stays below the configured scan threshold; past it the
// engine refuses with domain.ErrCatalogTooLarge and an external index is needed.
package query

import (
	"context"
	"slices"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
	"pdfshelf/pkg/domain"
	"pdfshelf/pkg/store"
)

// DefaultMaxScan is the largest catalog the engine will scan per query.
const DefaultMaxScan = 50_000

type Sort string

const (
	SortNewest         Sort = "newest"
	SortOldest         Sort = "oldest"
	SortMostDownloaded Sort = "most-downloaded"
	SortTitleAsc       Sort = "title-asc"
	SortTitleDesc      Sort = "title-desc"
)

var sortAliases = map[string]Sort{
	"":                         SortNewest,
	string(SortNewest):         SortNewest,
	string(SortOldest):         SortOldest,
	string(SortMostDownloaded): SortMostDownloaded,
	"popular":                  SortMostDownloaded,
	string(SortTitleAsc):       SortTitleAsc,
	"az":                       SortTitleAsc,
	string(SortTitleDesc):      SortTitleDesc,
	"za":                       SortTitleDesc,
}

// ParseSort accepts the canonical sort keys and the short aliases used by the
// explore page links.
func ParseSort(raw string) (Sort, error) {
	s, ok := sortAliases[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return "", domain.ErrInvalidQuery.Withf("unknown sort %q", raw)
	}
	return s, nil
}

// Query is one search request. Empty fields do not constrain the result.
type Query struct {
	Term     string
	Category string
	Language string
	Sort     Sort
}

// Source is the read side of the catalog store.
type Source interface {
	ListBooks(ctx context.Context, opts store.ListOptions) ([]domain.Book, error)
}

type Engine struct {
	src     Source
	maxScan int
	locale  language.Tag
}

// NewEngine builds an engine; maxScan <= 0 selects DefaultMaxScan.
func NewEngine(src Source, maxScan int) *Engine {
	if maxScan <= 0 {
		maxScan = DefaultMaxScan
	}
	return &Engine{src: src, maxScan: maxScan, locale: language.English}
}

// Search filters the current catalog by term, category and language (all
// combined with AND) and returns the matches in the requested order.
func (e *Engine) Search(ctx context.Context, q Query) ([]domain.Book, error) {
	order, err := ParseSort(string(q.Sort))
	if err != nil {
		return nil, err
	}
	books, err := e.src.ListBooks(ctx, store.ListOptions{Limit: e.maxScan + 1})
	if err != nil {
		return nil, err
	}
	if len(books) > e.maxScan {
		return nil, domain.ErrCatalogTooLarge.Withf("catalog has more than %d books", e.maxScan)
	}

	m := newMatcher(q.Term)
	category := strings.TrimSpace(q.Category)
	lang := strings.TrimSpace(q.Language)
	res := make([]domain.Book, 0, len(books))
	for _, b := range books {
		if b.Visibility != domain.VisibilityPublic {
			continue
		}
		if category != "" && b.Category != category {
			continue
		}
		if lang != "" && b.Language != lang {
			continue
		}
		if !m.match(b) {
			continue
		}
		res = append(res, b)
	}
	e.sort(res, order)
	return res, nil
}

// matcher does case-insensitive substring matching. A caser is not safe for
// concurrent use, so each query builds its own.
type matcher struct {
	fold cases.Caser
	term string
}

func newMatcher(term string) *matcher {
	m := &matcher{fold: cases.Fold()}
	m.term = m.fold.String(strings.TrimSpace(term))
	return m
}

func (m *matcher) contains(s string) bool {
	return strings.Contains(m.fold.String(s), m.term)
}

func (m *matcher) match(b domain.Book) bool {
	if m.term == "" {
		return true
	}
	if m.contains(b.Title) || m.contains(b.Author) || m.contains(b.Description) || m.contains(b.Category) {
		return true
	}
	return slices.ContainsFunc(b.Tags, m.contains)
}

func (e *Engine) sort(books []domain.Book, order Sort) {
	switch order {
	case SortOldest:
		slices.SortStableFunc(books, func(a, b domain.Book) int {
			if c := a.UploadDate.Compare(b.UploadDate); c != 0 {
				return c
			}
			return strings.Compare(a.ID, b.ID)
		})
	case SortMostDownloaded:
		slices.SortStableFunc(books, func(a, b domain.Book) int {
			if a.DownloadCount != b.DownloadCount {
				if a.DownloadCount > b.DownloadCount {
					return -1
				}
				return 1
			}
			return newestFirst(a, b)
		})
	case SortTitleAsc, SortTitleDesc:
		col := collate.New(e.locale)
		sign := 1
		if order == SortTitleDesc {
			sign = -1
		}
		slices.SortStableFunc(books, func(a, b domain.Book) int {
			if c := col.CompareString(a.Title, b.Title); c != 0 {
				return sign * c
			}
			return strings.Compare(a.ID, b.ID)
		})
	default:
		slices.SortStableFunc(books, newestFirst)
	}
}

func newestFirst(a, b domain.Book) int {
	if c := b.UploadDate.Compare(a.UploadDate); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}
