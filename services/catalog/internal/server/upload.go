package server

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"pdfshelf/internal/util"
	"pdfshelf/pkg/domain"
	"pdfshelf/pkg/ingest"
	"pdfshelf/services/catalog/internal/app"
)

const (
	maxFieldBytes = 64 << 10
	formOverhead  = 1 << 20
)

// handleUpload streams a multipart submission: the "file" part is spooled to
// disk, an optional "cover" part is kept in memory, every other part is a
// metadata field. A client disconnect cancels the transfer.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, caller domain.Identity) {
	maxDoc := s.app.MaxUploadBytes()
	if r.ContentLength > maxDoc+ingest.MaxCoverBytes+formOverhead {
		writeAppError(w, r, domain.ErrPayloadTooLarge.Withf("request is %d bytes, limit is %d", r.ContentLength, maxDoc))
		return
	}
	s.extendDeadlines(w, r)
	r.Body = http.MaxBytesReader(w, r.Body, maxDoc+ingest.MaxCoverBytes+formOverhead)
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "BOOK_INVALID_UPLOAD_FORM", "invalid form data")
		return
	}

	form, err := s.readUpload(r, mr, maxDoc)
	if form.path != "" {
		defer os.Remove(form.path)
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			err = domain.ErrPayloadTooLarge.Withf("request exceeds %d bytes", tooLarge.Limit)
		}
		if domain.KindOf(err) != "" {
			writeAppError(w, r, err)
			return
		}
		util.LoggerFromContext(r.Context()).Debug("upload form rejected", "err", err)
		writeError(w, http.StatusBadRequest, "BOOK_INVALID_UPLOAD_FORM", "invalid form data")
		return
	}
	if form.path == "" {
		writeError(w, http.StatusBadRequest, "BOOK_FILE_REQUIRED", "file is required (field: file)")
		return
	}

	logger := util.LoggerFromContext(r.Context())
	lastLogged := -1
	book, err := s.app.Ingest(r.Context(), caller, app.Upload{
		Draft: form.draft(),
		Document: ingest.Submission{
			Path:      form.path,
			MediaType: form.mediaType,
			Size:      form.size,
		},
		Cover: form.cover,
		OnProgress: func(p int) {
			if p/25 != lastLogged {
				lastLogged = p / 25
				logger.Debug("upload progress", "percent", p)
			}
		},
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, book)
}

// extendDeadlines lifts the server-wide read and write timeouts for this
// request: a document near the ceiling takes longer than an ordinary request
// to stream through to object storage.
func (s *Server) extendDeadlines(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	deadline := time.Now().Add(s.upload)
	if err := rc.SetReadDeadline(deadline); err != nil {
		util.LoggerFromContext(r.Context()).Debug("upload read deadline unchanged", "err", err)
	}
	if err := rc.SetWriteDeadline(deadline); err != nil {
		util.LoggerFromContext(r.Context()).Debug("upload write deadline unchanged", "err", err)
	}
}

type uploadForm struct {
	fields    map[string]string
	path      string
	mediaType string
	size      int64
	cover     []byte
}

func (f uploadForm) draft() domain.BookDraft {
	return domain.BookDraft{
		Title:       f.fields["title"],
		Author:      f.fields["author"],
		Description: f.fields["description"],
		Category:    f.fields["category"],
		Language:    f.fields["language"],
		Tags:        domain.ParseTags(f.fields["tags"]),
	}
}

func (s *Server) readUpload(r *http.Request, mr *multipart.Reader, maxDoc int64) (uploadForm, error) {
	form := uploadForm{fields: make(map[string]string)}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return form, nil
		}
		if err != nil {
			return form, err
		}
		name := part.FormName()
		switch {
		case name == "file" && form.path == "":
			form.mediaType = part.Header.Get("Content-Type")
			if err := s.app.CheckUpload(form.mediaType, 0); err != nil {
				part.Close()
				return form, err
			}
			form.path, form.size, err = s.spool(part, maxDoc)
			part.Close()
			if err != nil {
				return form, err
			}
		case name == "cover" && form.cover == nil:
			form.cover, err = readLimited(part, ingest.MaxCoverBytes)
			part.Close()
			if err != nil {
				return form, err
			}
		case name != "" && part.FileName() == "":
			value, err := readLimited(part, maxFieldBytes)
			part.Close()
			if err != nil {
				return form, err
			}
			form.fields[name] = strings.TrimSpace(string(value))
		default:
			part.Close()
		}
		if err := r.Context().Err(); err != nil {
			return form, domain.ErrUploadCancelled.Wrap(err)
		}
	}
}

// spool copies the document part to a temp file, refusing anything larger
// than limit without writing the remainder.
func (s *Server) spool(part io.Reader, limit int64) (string, int64, error) {
	f, err := os.CreateTemp(s.spoolDir, "upload-*.pdf")
	if err != nil {
		return "", 0, fmt.Errorf("create spool file: %w", err)
	}
	path := f.Name()
	n, copyErr := io.Copy(f, io.LimitReader(part, limit+1))
	closeErr := f.Close()
	if copyErr == nil && n > limit {
		copyErr = domain.ErrPayloadTooLarge.Withf("document exceeds %d bytes", limit)
	}
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = os.Remove(path)
		return "", 0, copyErr
	}
	return path, n, nil
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, domain.ErrPayloadTooLarge.Withf("form part exceeds %d bytes", limit)
	}
	return data, nil
}
