package app

import (
	"context"
	"errors"

	"pdfshelf/pkg/domain"
	"pdfshelf/pkg/query"
	"pdfshelf/pkg/store"
)

// Search answers a term/category/language query over the live catalog.
func (a *App) Search(ctx context.Context, q query.Query) ([]domain.Book, error) {
	return a.query.Search(ctx, q)
}

func (a *App) Recent(ctx context.Context) ([]domain.Book, error) {
	return a.views.Recent(ctx)
}

func (a *App) Trending(ctx context.Context) ([]domain.Book, error) {
	return a.views.Trending(ctx)
}

func (a *App) Featured(ctx context.Context) ([]domain.Book, error) {
	return a.views.Featured(ctx)
}

// UserBooks lists a user's uploads, newest first. Private books are listed
// only to their owner.
func (a *App) UserBooks(ctx context.Context, caller domain.Identity, uid string) ([]domain.Book, error) {
	books, err := a.store.ListBooks(ctx, store.ListOptions{OwnerID: uid, OrderBy: store.OrderUploadDate, Desc: true})
	if err != nil {
		return nil, err
	}
	if caller.UID == uid {
		return books, nil
	}
	return publicOnly(books), nil
}

// Related lists books of the same category, most downloaded first.
func (a *App) Related(ctx context.Context, id string) ([]domain.Book, error) {
	book, err := a.store.GetBook(ctx, id)
	if err != nil {
		return nil, err
	}
	books, err := a.store.ListBooks(ctx, store.ListOptions{
		Category:  book.Category,
		ExcludeID: id,
		OrderBy:   store.OrderDownloads,
		Desc:      true,
		Limit:     a.relatedLimit,
	})
	if err != nil {
		return nil, err
	}
	return publicOnly(books), nil
}

func publicOnly(books []domain.Book) []domain.Book {
	out := books[:0]
	for _, b := range books {
		if b.Visibility == domain.VisibilityPublic {
			out = append(out, b)
		}
	}
	return out
}

// Profile returns a user's denormalized counters and favorite ids.
func (a *App) Profile(ctx context.Context, uid string) (domain.UserProfile, error) {
	return a.store.GetProfile(ctx, uid)
}

// ToggleFavorite adds or removes a book from the caller's favorites and
// reports whether it is a favorite afterwards.
func (a *App) ToggleFavorite(ctx context.Context, caller domain.Identity, bookID string) (bool, error) {
	if err := requireCaller(caller, "keep favorites"); err != nil {
		return false, err
	}
	if _, err := a.store.GetBook(ctx, bookID); err != nil {
		return false, err
	}
	return a.store.ToggleFavorite(ctx, caller.UID, bookID)
}

// Favorites resolves the caller's favorites, most recently added first.
// Books deleted since they were favorited are skipped.
func (a *App) Favorites(ctx context.Context, caller domain.Identity) ([]domain.Book, error) {
	if err := requireCaller(caller, "keep favorites"); err != nil {
		return nil, err
	}
	profile, err := a.store.GetProfile(ctx, caller.UID)
	if err != nil {
		return nil, err
	}
	books := make([]domain.Book, 0, len(profile.Favorites))
	for _, id := range profile.Favorites {
		b, err := a.store.GetBook(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		books = append(books, b)
	}
	return books, nil
}
