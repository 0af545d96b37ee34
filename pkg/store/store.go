package store

import (
	"context"

	"pdfshelf/pkg/domain"
)

// Order names a sortable book column.
type Order string

const (
	OrderUploadDate Order = "upload_date"
	OrderDownloads  Order = "download_count"
)

// ListOptions filters and orders ListBooks. Zero values mean no constraint.
type ListOptions struct {
	OwnerID   string
	Category  string
	Featured  *bool
	ExcludeID string
	OrderBy   Order
	Desc      bool
	Limit     int
}

// Store persists books and user profiles. Create and delete change the book
// record and its owner's uploadedBooksCount in one transaction; counters are
// atomic adds, never read-then-write.
type Store interface {
	// CreateBook writes b and increments the owner's uploaded count.
	CreateBook(ctx context.Context, b domain.Book) (domain.Book, error)
	// GetBook returns domain.ErrNotFound when id is unknown.
	GetBook(ctx context.Context, id string) (domain.Book, error)
	UpdateBook(ctx context.Context, id string, patch domain.BookPatch) (domain.Book, error)
	SetFeatured(ctx context.Context, id string, featured bool) (domain.Book, error)
	// IncrementBookCounter atomically adds one to a book counter and returns the new value.
	IncrementBookCounter(ctx context.Context, id string, c domain.Counter) (int64, error)
	// DeleteBook removes the record and decrements the owner's uploaded count.
	DeleteBook(ctx context.Context, id string) (domain.Book, error)
	ListBooks(ctx context.Context, opts ListOptions) ([]domain.Book, error)
	CountBooks(ctx context.Context) (int64, error)

	// GetProfile returns an empty profile for users that never uploaded.
	GetProfile(ctx context.Context, uid string) (domain.UserProfile, error)
	IncrementProfileCounter(ctx context.Context, uid string, c domain.ProfileCounter, delta int64) (int64, error)
	// ToggleFavorite adds bookID to the user's favorites, or removes it when
	// present. It reports whether the book is a favorite afterwards.
	ToggleFavorite(ctx context.Context, uid, bookID string) (bool, error)
}
