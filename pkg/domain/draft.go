package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// BookDraft is a book record before the catalog assigns id and upload date.
type BookDraft struct {
	Title            string   `validate:"required,max=300"`
	Author           string   `validate:"required,max=200"`
	Description      string   `validate:"max=10000"`
	Category         string   `validate:"required,max=100"`
	Language         string   `validate:"max=64"`
	Tags             []string `validate:"max=32,dive,max=64"`
	PageCount        int      `validate:"gte=0"`
	FileSizeBytes    int64    `validate:"gte=0"`
	OwnerID          string   `validate:"required"`
	OwnerDisplayName string
	FileURL          string `validate:"required"`
	CoverImageURL    string
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Normalize trims text fields, dedupes tags and fills the default language.
func (d BookDraft) Normalize() BookDraft {
	d.Title = strings.TrimSpace(d.Title)
	d.Author = strings.TrimSpace(d.Author)
	d.Description = strings.TrimSpace(d.Description)
	d.Category = strings.TrimSpace(d.Category)
	d.Language = strings.TrimSpace(d.Language)
	if d.Language == "" {
		d.Language = DefaultLanguage
	}
	d.Tags = NormalizeTags(d.Tags)
	d.OwnerDisplayName = strings.TrimSpace(d.OwnerDisplayName)
	if d.OwnerDisplayName == "" {
		d.OwnerDisplayName = "Anonymous"
	}
	return d
}

// Validate checks the draft and returns ErrInvalidDraft naming the first bad field.
func (d BookDraft) Validate() error {
	return validateStruct(d)
}

// ValidateDetails checks only the caller-supplied metadata, before any file is stored.
func (d BookDraft) ValidateDetails() error {
	d.OwnerID = "pending"
	d.FileURL = "pending"
	return validateStruct(d)
}

func validateStruct(d BookDraft) error {
	err := validate.Struct(d)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, strings.ToLower(fe.Field()))
		}
		return ErrInvalidDraft.Withf("invalid book details: %s", strings.Join(fields, ", ")).WithDetails(fields)
	}
	return ErrInvalidDraft.Wrap(err)
}

// NewBook materializes a draft into a book with server-assigned identity.
func (d BookDraft) NewBook(id string, uploadedAt time.Time) Book {
	return Book{
		ID:               id,
		Title:            d.Title,
		Author:           d.Author,
		Description:      d.Description,
		Category:         d.Category,
		Language:         d.Language,
		Tags:             d.Tags,
		PageCount:        d.PageCount,
		FileSizeBytes:    d.FileSizeBytes,
		UploadDate:       uploadedAt.UTC(),
		OwnerID:          d.OwnerID,
		OwnerDisplayName: d.OwnerDisplayName,
		FileURL:          d.FileURL,
		CoverImageURL:    d.CoverImageURL,
		Visibility:       VisibilityPublic,
	}
}

func (d BookDraft) String() string {
	return fmt.Sprintf("%q by %q", d.Title, d.Author)
}
