package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pdfshelf/pkg/domain"
)

func testBook(id, owner string, uploaded time.Time) domain.Book {
	return domain.Book{
		ID:         id,
		Title:      "Title " + id,
		Author:     "Author",
		Category:   "Fiction",
		Language:   domain.DefaultLanguage,
		Tags:       []string{"a", "b"},
		OwnerID:    owner,
		FileURL:    "mem://test/books/" + id + ".pdf",
		UploadDate: uploaded,
		Visibility: domain.VisibilityPublic,
	}
}

func TestCreateAndDeleteMaintainUploadedCount(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	for _, id := range []string{"b1", "b2"} {
		if _, err := s.CreateBook(ctx, testBook(id, "u1", now)); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	profile, err := s.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if profile.UploadedBooksCount != 2 {
		t.Fatalf("uploaded = %d, want 2", profile.UploadedBooksCount)
	}

	deleted, err := s.DeleteBook(ctx, "b1")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted.ID != "b1" {
		t.Fatalf("deleted = %+v", deleted)
	}
	profile, _ = s.GetProfile(ctx, "u1")
	if profile.UploadedBooksCount != 1 {
		t.Fatalf("uploaded = %d, want 1", profile.UploadedBooksCount)
	}
	if _, err := s.GetBook(ctx, "b1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := s.DeleteBook(ctx, "b1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second delete err = %v", err)
	}
}

func TestConcurrentDownloadIncrements(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	book := testBook("b1", "u1", time.Now())
	book.DownloadCount = 5
	if _, err := s.CreateBook(ctx, book); err != nil {
		t.Fatalf("create: %v", err)
	}

	const n = 100
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.IncrementBookCounter(ctx, "b1", domain.CounterDownloads); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("increment: %v", err)
	}
	got, _ := s.GetBook(ctx, "b1")
	if got.DownloadCount != 5+n {
		t.Fatalf("downloads = %d, want %d", got.DownloadCount, 5+n)
	}
	if got.ViewCount != 0 {
		t.Fatalf("views changed: %d", got.ViewCount)
	}
}

func TestIncrementUnknownBook(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.IncrementBookCounter(context.Background(), "nope", domain.CounterViews); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateBookAppliesPatchOnly(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if _, err := s.CreateBook(ctx, testBook("b1", "u1", time.Now())); err != nil {
		t.Fatalf("create: %v", err)
	}
	category := " History "
	tags := []string{" war ", "", "war", "europe"}
	got, err := s.UpdateBook(ctx, "b1", domain.BookPatch{Category: &category, Tags: &tags})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Category != "History" || got.Title != "Title b1" {
		t.Fatalf("unexpected book %+v", got)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "war" || got.Tags[1] != "europe" {
		t.Fatalf("tags = %v", got.Tags)
	}
}

func TestListBooksOrdering(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	books := []domain.Book{
		testBook("old", "u1", base),
		testBook("mid", "u2", base.Add(time.Hour)),
		testBook("new", "u1", base.Add(2*time.Hour)),
	}
	books[0].DownloadCount = 3
	books[1].DownloadCount = 3
	books[2].DownloadCount = 1
	books[2].Category = "History"
	for _, b := range books {
		if _, err := s.CreateBook(ctx, b); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	got, _ := s.ListBooks(ctx, ListOptions{OrderBy: OrderDownloads, Desc: true})
	if ids(got) != "mid,old,new" {
		t.Fatalf("downloads desc = %s", ids(got))
	}
	got, _ = s.ListBooks(ctx, ListOptions{OrderBy: OrderUploadDate, Desc: true, Limit: 2})
	if ids(got) != "new,mid" {
		t.Fatalf("newest = %s", ids(got))
	}
	got, _ = s.ListBooks(ctx, ListOptions{OwnerID: "u1"})
	if ids(got) != "old,new" {
		t.Fatalf("owner u1 = %s", ids(got))
	}
	got, _ = s.ListBooks(ctx, ListOptions{Category: "Fiction", ExcludeID: "old"})
	if ids(got) != "mid" {
		t.Fatalf("fiction without old = %s", ids(got))
	}
}

func TestFeaturedFilter(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if _, err := s.CreateBook(ctx, testBook(id, "u1", time.Now())); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if _, err := s.SetFeatured(ctx, "b", true); err != nil {
		t.Fatalf("feature: %v", err)
	}
	yes := true
	got, _ := s.ListBooks(ctx, ListOptions{Featured: &yes})
	if ids(got) != "b" {
		t.Fatalf("featured = %s", ids(got))
	}
}

func TestToggleFavoriteAndDeleteCleanup(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if _, err := s.CreateBook(ctx, testBook("b1", "owner", time.Now())); err != nil {
		t.Fatalf("create: %v", err)
	}
	added, err := s.ToggleFavorite(ctx, "reader", "b1")
	if err != nil || !added {
		t.Fatalf("first toggle = %v, %v", added, err)
	}
	added, _ = s.ToggleFavorite(ctx, "reader", "b1")
	if added {
		t.Fatalf("second toggle should remove")
	}
	_, _ = s.ToggleFavorite(ctx, "reader", "b1")
	if _, err := s.DeleteBook(ctx, "b1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	profile, _ := s.GetProfile(ctx, "reader")
	if len(profile.Favorites) != 0 {
		t.Fatalf("favorites should drop deleted book: %v", profile.Favorites)
	}
}

func TestProfileCounterNeverNegative(t *testing.T) {
	s := NewMemoryStore()
	got, err := s.IncrementProfileCounter(context.Background(), "u", domain.ProfileUploadedBooks, -1)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if got != 0 {
		t.Fatalf("value = %d, want 0", got)
	}
}

func ids(books []domain.Book) string {
	out := ""
	for i, b := range books {
		if i > 0 {
			out += ","
		}
		out += b.ID
	}
	return out
}
