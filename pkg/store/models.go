package store

import (
	"time"

	"gorm.io/datatypes"
	"pdfshelf/pkg/domain"
)

// GORM models used for persistence.
type BookModel struct {
	ID               string `gorm:"primaryKey"`
	Title            string `gorm:"not null"`
	Author           string `gorm:"not null"`
	Description      string `gorm:"type:text"`
	Category         string `gorm:"not null;index"`
	Language         string `gorm:"not null;index"`
	Tags             datatypes.JSONSlice[string]
	PageCount        int       `gorm:"not null"`
	FileSizeBytes    int64     `gorm:"not null"`
	UploadDate       time.Time `gorm:"not null;index"`
	OwnerID          string    `gorm:"not null;index"`
	OwnerDisplayName string
	FileURL          string `gorm:"not null"`
	CoverImageURL    string
	DownloadCount    int64  `gorm:"not null;default:0;index"`
	ViewCount        int64  `gorm:"not null;default:0"`
	Featured         bool   `gorm:"not null;default:false;index"`
	Visibility       string `gorm:"not null"`
}

type ProfileModel struct {
	UID                string `gorm:"primaryKey"`
	UploadedBooksCount int64  `gorm:"not null;default:0"`
	TotalDownloads     int64  `gorm:"not null;default:0"`
	TotalViews         int64  `gorm:"not null;default:0"`
	UpdatedAt          time.Time
}

type FavoriteModel struct {
	UID       string    `gorm:"primaryKey"`
	BookID    string    `gorm:"primaryKey;index"`
	CreatedAt time.Time `gorm:"not null"`
}

var bookCounterColumns = map[domain.Counter]string{
	domain.CounterDownloads: "download_count",
	domain.CounterViews:     "view_count",
}

var profileCounterColumns = map[domain.ProfileCounter]string{
	domain.ProfileUploadedBooks:  "uploaded_books_count",
	domain.ProfileTotalDownloads: "total_downloads",
	domain.ProfileTotalViews:     "total_views",
}

func bookToModel(b domain.Book) BookModel {
	return BookModel{
		ID:               b.ID,
		Title:            b.Title,
		Author:           b.Author,
		Description:      b.Description,
		Category:         b.Category,
		Language:         b.Language,
		Tags:             datatypes.JSONSlice[string](b.Tags),
		PageCount:        b.PageCount,
		FileSizeBytes:    b.FileSizeBytes,
		UploadDate:       b.UploadDate.UTC(),
		OwnerID:          b.OwnerID,
		OwnerDisplayName: b.OwnerDisplayName,
		FileURL:          b.FileURL,
		CoverImageURL:    b.CoverImageURL,
		DownloadCount:    b.DownloadCount,
		ViewCount:        b.ViewCount,
		Featured:         b.Featured,
		Visibility:       string(b.Visibility),
	}
}

func bookFromModel(m BookModel) domain.Book {
	visibility := domain.Visibility(m.Visibility)
	if visibility == "" {
		visibility = domain.VisibilityPublic
	}
	tags := []string(m.Tags)
	if tags == nil {
		tags = []string{}
	}
	return domain.Book{
		ID:               m.ID,
		Title:            m.Title,
		Author:           m.Author,
		Description:      m.Description,
		Category:         m.Category,
		Language:         m.Language,
		Tags:             tags,
		PageCount:        m.PageCount,
		FileSizeBytes:    m.FileSizeBytes,
		UploadDate:       m.UploadDate.UTC(),
		OwnerID:          m.OwnerID,
		OwnerDisplayName: m.OwnerDisplayName,
		FileURL:          m.FileURL,
		CoverImageURL:    m.CoverImageURL,
		DownloadCount:    m.DownloadCount,
		ViewCount:        m.ViewCount,
		Featured:         m.Featured,
		Visibility:       visibility,
	}
}
