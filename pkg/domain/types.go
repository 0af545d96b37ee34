package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Counter names a monotonic per-book counter.
type Counter string

const (
	CounterDownloads Counter = "downloads"
	CounterViews     Counter = "views"
)

// DefaultLanguage is applied when a draft leaves language empty.
const DefaultLanguage = "English"

// Identity is the already-authenticated caller supplied by the identity provider.
type Identity struct {
	UID         string `json:"uid"`
	DisplayName string `json:"displayName"`
	Role        Role   `json:"role"`
}

// IsAdmin reports whether the caller may curate the catalog.
func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

type Book struct {
	ID               string     `json:"id"`
	Title            string     `json:"title"`
	Author           string     `json:"author"`
	Description      string     `json:"description"`
	Category         string     `json:"category"`
	Language         string     `json:"language"`
	Tags             []string   `json:"tags"`
	PageCount        int        `json:"pageCount"`
	FileSizeBytes    int64      `json:"fileSizeBytes"`
	UploadDate       time.Time  `json:"uploadDate"`
	OwnerID          string     `json:"ownerId"`
	OwnerDisplayName string     `json:"ownerDisplayName"`
	FileURL          string     `json:"fileURL"`
	CoverImageURL    string     `json:"coverImageURL,omitempty"`
	DownloadCount    int64      `json:"downloadCount"`
	ViewCount        int64      `json:"viewCount"`
	Featured         bool       `json:"featured"`
	Visibility       Visibility `json:"visibility"`
}

// FileSizeLabel renders the size the way the catalog UI shows it ("2.50 MB").
func (b Book) FileSizeLabel() string {
	return fmt.Sprintf("%.2f MB", float64(b.FileSizeBytes)/(1024*1024))
}

// MarshalJSON adds the derived fileSize label to the stored fields.
func (b Book) MarshalJSON() ([]byte, error) {
	type stored Book
	return json.Marshal(struct {
		stored
		FileSize string `json:"fileSize"`
	}{stored: stored(b), FileSize: b.FileSizeLabel()})
}

// UploadDateISO returns the upload timestamp as an ISO-8601 string.
func (b Book) UploadDateISO() string {
	return b.UploadDate.UTC().Format(time.RFC3339)
}

type UserProfile struct {
	UID                string   `json:"uid"`
	Favorites          []string `json:"favorites"`
	UploadedBooksCount int64    `json:"uploadedBooksCount"`
	TotalDownloads     int64    `json:"totalDownloads"`
	TotalViews         int64    `json:"totalViews"`
}

// ProfileCounter names a denormalized per-user counter.
type ProfileCounter string

const (
	ProfileUploadedBooks  ProfileCounter = "uploadedBooks"
	ProfileTotalDownloads ProfileCounter = "totalDownloads"
	ProfileTotalViews     ProfileCounter = "totalViews"
)

// BookPatch carries the owner-editable fields. Nil means unchanged.
type BookPatch struct {
	Description *string   `json:"description,omitempty"`
	Category    *string   `json:"category,omitempty"`
	Tags        *[]string `json:"tags,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p BookPatch) Empty() bool {
	return p.Description == nil && p.Category == nil && p.Tags == nil
}

// Apply returns b with the patch fields applied.
func (p BookPatch) Apply(b Book) Book {
	if p.Description != nil {
		b.Description = strings.TrimSpace(*p.Description)
	}
	if p.Category != nil {
		b.Category = strings.TrimSpace(*p.Category)
	}
	if p.Tags != nil {
		b.Tags = NormalizeTags(*p.Tags)
	}
	return b
}

// ParseTags splits a comma-separated tag string into a trimmed tag set.
func ParseTags(raw string) []string {
	return NormalizeTags(strings.Split(raw, ","))
}

// NormalizeTags trims tags, drops empties and removes duplicates, keeping first occurrence order.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}
