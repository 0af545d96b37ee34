package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"pdfshelf/pkg/domain"
	"pdfshelf/pkg/ingest"
	"pdfshelf/pkg/storage"
	"pdfshelf/pkg/store"
	"pdfshelf/services/catalog/internal/app"
)

type tokenVerifier map[string]domain.Identity

func (v tokenVerifier) VerifyIdentity(_ context.Context, token string) (domain.Identity, error) {
	id, ok := v[token]
	if !ok {
		return domain.Identity{}, errors.New("unknown token")
	}
	return id, nil
}

type quota struct {
	mu    sync.Mutex
	limit int
	seen  map[string]int
}

func (q *quota) Allow(_ context.Context, key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seen[key]++
	return q.seen[key] <= q.limit
}

type blankRenderer struct{}

func (blankRenderer) RenderFirstPage(context.Context, string, float64) (image.Image, error) {
	return image.NewRGBA(image.Rect(0, 0, 20, 30)), nil
}

type flakyObjects struct {
	*storage.MemoryStore
	failDelete string
}

func (f *flakyObjects) Delete(ctx context.Context, key string) error {
	if f.failDelete != "" && strings.HasPrefix(key, f.failDelete) {
		return errors.New("bucket offline")
	}
	return f.MemoryStore.Delete(ctx, key)
}

type harness struct {
	srv     *httptest.Server
	objects *flakyObjects
	limiter *quota
}

type harnessOptions struct {
	maxBytes int64
	limit    int
	// readTimeout is the server-wide http.Server.ReadTimeout.
	readTimeout time.Duration
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	h := &harness{objects: &flakyObjects{MemoryStore: storage.NewMemoryStore("books")}}
	a, err := app.New(app.Config{
		Store:    store.NewMemoryStore(),
		Objects:  h.objects,
		Ingestor: ingest.New(ingest.Config{Renderer: blankRenderer{}, MaxBytes: opts.maxBytes}),
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	cfg := Config{
		App: a,
		Verifier: tokenVerifier{
			"alice-token": {UID: "alice", DisplayName: "Alice"},
			"bob-token":   {UID: "bob", DisplayName: "Bob"},
			"admin-token": {UID: "root", DisplayName: "Curator", Role: domain.RoleAdmin},
		},
		SpoolDir: t.TempDir(),
	}
	if opts.limit > 0 {
		h.limiter = &quota{limit: opts.limit, seen: make(map[string]int)}
		cfg.Limiter = h.limiter
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	h.srv = httptest.NewUnstartedServer(s.Router())
	h.srv.Config.ReadTimeout = opts.readTimeout
	h.srv.Start()
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) do(t *testing.T, method, path, token string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := h.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (h *harness) doJSON(t *testing.T, method, path, token string, payload any) *http.Response {
	t.Helper()
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		body = bytes.NewReader(data)
	}
	return h.do(t, method, path, token, body, "application/json")
}

func samplePDF() []byte {
	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>",
	}
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

func multipartBody(t *testing.T, fields map[string]string, mediaType string, doc []byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if doc != nil {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", `form-data; name="file"; filename="book.pdf"`)
		header.Set("Content-Type", mediaType)
		part, err := mw.CreatePart(header)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		if _, err := part.Write(doc); err != nil {
			t.Fatalf("write part: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func bookFields(title string) map[string]string {
	return map[string]string{
		"title":    title,
		"author":   "A. Writer",
		"category": "Fiction",
		"tags":     "a, b, c",
	}
}

func (h *harness) upload(t *testing.T, token, title string) domain.Book {
	t.Helper()
	body, ct := multipartBody(t, bookFields(title), "application/pdf", samplePDF())
	resp := h.do(t, http.MethodPost, "/books", token, body, ct)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d: %s", resp.StatusCode, readAll(t, resp))
	}
	var book domain.Book
	decode(t, resp, &book)
	return book
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	data, _ := io.ReadAll(resp.Body)
	return string(data)
}

func decode(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func expectError(t *testing.T, resp *http.Response, status int, code string) errorResponse {
	t.Helper()
	if resp.StatusCode != status {
		t.Fatalf("status = %d, want %d: %s", resp.StatusCode, status, readAll(t, resp))
	}
	var er errorResponse
	decode(t, resp, &er)
	if er.Code != code {
		t.Fatalf("code = %q, want %q (%s)", er.Code, code, er.Error)
	}
	return er
}

type listResponse struct {
	Items []domain.Book `json:"items"`
	Count int           `json:"count"`
}

func TestUploadThenReadBook(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	book := h.upload(t, "alice-token", "Science Fiction Stories")
	if book.OwnerID != "alice" || book.CoverImageURL == "" || strings.Join(book.Tags, ",") != "a,b,c" {
		t.Fatalf("uploaded = %+v", book)
	}

	resp := h.do(t, http.MethodGet, "/books/"+book.ID, "", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	var got domain.Book
	decode(t, resp, &got)
	if got.ViewCount != 1 {
		t.Fatalf("view count = %d", got.ViewCount)
	}

	var recent listResponse
	decode(t, h.do(t, http.MethodGet, "/views/recent", "", nil, ""), &recent)
	if recent.Count != 1 || recent.Items[0].ID != book.ID {
		t.Fatalf("recent = %+v", recent)
	}

	var found listResponse
	decode(t, h.do(t, http.MethodGet, "/books?q=fiction&sort=az", "", nil, ""), &found)
	if found.Count != 1 {
		t.Fatalf("search = %+v", found)
	}
}

func TestUploadRejections(t *testing.T) {
	tests := []struct {
		name      string
		token     string
		maxBytes  int64
		mediaType string
		doc       []byte
		fields    map[string]string
		status    int
		code      string
	}{
		{name: "anonymous", status: http.StatusUnauthorized, code: "AUTH_REQUIRED"},
		{name: "bad token", token: "forged", status: http.StatusUnauthorized, code: "AUTH_INVALID_TOKEN"},
		{name: "no file", token: "alice-token", status: http.StatusBadRequest, code: "BOOK_FILE_REQUIRED"},
		{name: "epub", token: "alice-token", mediaType: "application/epub+zip", doc: []byte("PK"), status: http.StatusUnsupportedMediaType, code: "BOOK_UNSUPPORTED_FORMAT"},
		{name: "too large", token: "alice-token", maxBytes: 64, status: http.StatusRequestEntityTooLarge, code: "BOOK_FILE_TOO_LARGE"},
		{name: "missing title", token: "alice-token", fields: map[string]string{"author": "x", "category": "y"}, status: http.StatusBadRequest, code: "BOOK_INVALID_DETAILS"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, harnessOptions{maxBytes: tc.maxBytes})
			mediaType := tc.mediaType
			if mediaType == "" {
				mediaType = "application/pdf"
			}
			doc := tc.doc
			if doc == nil && tc.code != "BOOK_FILE_REQUIRED" {
				doc = samplePDF()
			}
			fields := tc.fields
			if fields == nil {
				fields = bookFields("Rejected")
			}
			body, ct := multipartBody(t, fields, mediaType, doc)
			expectError(t, h.do(t, http.MethodPost, "/books", tc.token, body, ct), tc.status, tc.code)
			if keys := h.objects.Keys(); len(keys) != 0 {
				t.Fatalf("objects stored for rejected upload: %v", keys)
			}
		})
	}
}

func TestUploadOutlivesServerReadTimeout(t *testing.T) {
	h := newHarness(t, harnessOptions{readTimeout: 100 * time.Millisecond})
	body, ct := multipartBody(t, bookFields("Slow Link"), "application/pdf", samplePDF())
	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}

	// The body trickles in over several times the server read timeout.
	pr, pw := io.Pipe()
	go func() {
		const chunks = 5
		step := (len(data) + chunks - 1) / chunks
		for i := 0; i < len(data); i += step {
			time.Sleep(60 * time.Millisecond)
			if _, err := pw.Write(data[i:min(i+step, len(data))]); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		pw.Close()
	}()

	resp := h.do(t, http.MethodPost, "/books", "alice-token", pr, ct)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("slow upload status = %d: %s", resp.StatusCode, readAll(t, resp))
	}
	var book domain.Book
	decode(t, resp, &book)
	if book.Title != "Slow Link" {
		t.Fatalf("uploaded = %+v", book)
	}
}

func TestDeleteOwnership(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	book := h.upload(t, "alice-token", "Owned")

	expectError(t, h.do(t, http.MethodDelete, "/books/"+book.ID, "bob-token", nil, ""), http.StatusForbidden, "BOOK_FORBIDDEN")
	expectError(t, h.do(t, http.MethodDelete, "/books/"+book.ID, "", nil, ""), http.StatusUnauthorized, "AUTH_REQUIRED")

	resp := h.do(t, http.MethodDelete, "/books/"+book.ID, "alice-token", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("owner delete = %d: %s", resp.StatusCode, readAll(t, resp))
	}
	expectError(t, h.do(t, http.MethodGet, "/books/"+book.ID, "", nil, ""), http.StatusNotFound, "BOOK_NOT_FOUND")
}

func TestDeleteReportsReconciliation(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	book := h.upload(t, "alice-token", "Half Deleted")
	h.objects.failDelete = "covers/"

	er := expectError(t, h.do(t, http.MethodDelete, "/books/"+book.ID, "alice-token", nil, ""), http.StatusConflict, "BOOK_RECONCILIATION_REQUIRED")
	details, ok := er.Details.(map[string]any)
	if !ok || details["recordDeleted"] != true || details["bookId"] != book.ID {
		t.Fatalf("details = %#v", er.Details)
	}
	if pending, _ := details["pendingObjects"].([]any); len(pending) != 1 {
		t.Fatalf("pending = %#v", details["pendingObjects"])
	}
}

func TestCounterEndpointsAreRateLimited(t *testing.T) {
	h := newHarness(t, harnessOptions{limit: 2})
	book := h.upload(t, "alice-token", "Hot")
	for i := 0; i < 2; i++ {
		resp := h.do(t, http.MethodPost, "/books/"+book.ID+"/download", "bob-token", nil, "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("download %d = %d", i, resp.StatusCode)
		}
	}
	resp := h.do(t, http.MethodPost, "/books/"+book.ID+"/download", "bob-token", nil, "")
	expectError(t, resp, http.StatusTooManyRequests, "SYSTEM_RATE_LIMITED")
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After")
	}
	if r := h.do(t, http.MethodGet, "/books/"+book.ID, "", nil, ""); r.StatusCode != http.StatusOK {
		t.Fatalf("views have their own quota, got %d", r.StatusCode)
	}

	var profile domain.UserProfile
	decode(t, h.do(t, http.MethodGet, "/users/bob/profile", "", nil, ""), &profile)
	if profile.TotalDownloads != 2 {
		t.Fatalf("bob downloads = %d", profile.TotalDownloads)
	}
}

func TestPatchBook(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	book := h.upload(t, "alice-token", "Patched")

	expectError(t, h.doJSON(t, http.MethodPatch, "/books/"+book.ID, "bob-token", map[string]any{"description": "x"}), http.StatusForbidden, "BOOK_FORBIDDEN")
	expectError(t, h.doJSON(t, http.MethodPatch, "/books/"+book.ID, "alice-token", map[string]any{"title": "nope"}), http.StatusBadRequest, "BOOK_INVALID_REQUEST")

	resp := h.doJSON(t, http.MethodPatch, "/books/"+book.ID, "alice-token", map[string]any{"tags": " x, y ,x", "category": "History"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch = %d: %s", resp.StatusCode, readAll(t, resp))
	}
	var got domain.Book
	decode(t, resp, &got)
	if strings.Join(got.Tags, ",") != "x,y" || got.Category != "History" || got.Title != "Patched" {
		t.Fatalf("patched = %+v", got)
	}
}

func TestFeaturedIsAdminOnly(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	first := h.upload(t, "alice-token", "First")
	h.upload(t, "alice-token", "Second")

	expectError(t, h.doJSON(t, http.MethodPut, "/books/"+first.ID+"/featured", "alice-token", map[string]bool{"featured": true}), http.StatusForbidden, "BOOK_FORBIDDEN")
	expectError(t, h.doJSON(t, http.MethodPut, "/books/"+first.ID+"/featured", "admin-token", map[string]any{}), http.StatusBadRequest, "BOOK_INVALID_REQUEST")
	if resp := h.doJSON(t, http.MethodPut, "/books/"+first.ID+"/featured", "admin-token", map[string]bool{"featured": true}); resp.StatusCode != http.StatusOK {
		t.Fatalf("admin featured = %d", resp.StatusCode)
	}
	var featured listResponse
	decode(t, h.do(t, http.MethodGet, "/views/featured", "", nil, ""), &featured)
	if featured.Count != 2 || featured.Items[0].ID != first.ID {
		t.Fatalf("featured = %+v", featured)
	}
}

func TestFavoritesRoundTrip(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	book := h.upload(t, "alice-token", "Loved")

	expectError(t, h.do(t, http.MethodGet, "/me/favorites", "", nil, ""), http.StatusUnauthorized, "AUTH_REQUIRED")
	expectError(t, h.do(t, http.MethodPost, "/me/favorites/missing", "bob-token", nil, ""), http.StatusNotFound, "BOOK_NOT_FOUND")

	var toggled struct {
		Favorite bool `json:"favorite"`
	}
	decode(t, h.do(t, http.MethodPost, "/me/favorites/"+book.ID, "bob-token", nil, ""), &toggled)
	if !toggled.Favorite {
		t.Fatalf("first toggle should add")
	}
	var favs listResponse
	decode(t, h.do(t, http.MethodGet, "/me/favorites", "bob-token", nil, ""), &favs)
	if favs.Count != 1 || favs.Items[0].ID != book.ID {
		t.Fatalf("favorites = %+v", favs)
	}
}

func TestSearchAndViewsValidateInput(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	expectError(t, h.do(t, http.MethodGet, "/books?sort=sideways", "", nil, ""), http.StatusBadRequest, "BOOK_INVALID_QUERY")
	expectError(t, h.do(t, http.MethodGet, "/views/popular", "", nil, ""), http.StatusNotFound, "SYSTEM_NOT_FOUND")
	expectError(t, h.do(t, http.MethodPut, "/books", "", nil, ""), http.StatusMethodNotAllowed, "SYSTEM_METHOD_NOT_ALLOWED")
	expectError(t, h.do(t, http.MethodGet, "/books/x/y/z", "", nil, ""), http.StatusNotFound, "SYSTEM_NOT_FOUND")

	var empty listResponse
	decode(t, h.do(t, http.MethodGet, "/views/trending", "", nil, ""), &empty)
	if empty.Items == nil || empty.Count != 0 {
		t.Fatalf("empty view should be an empty list, got %+v", empty)
	}
}

func TestErrorsCarryRequestID(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	req, _ := http.NewRequest(http.MethodGet, h.srv.URL+"/books/missing", nil)
	req.Header.Set("X-Request-Id", "req-42")
	resp, err := h.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	er := expectError(t, resp, http.StatusNotFound, "BOOK_NOT_FOUND")
	if er.RequestID != "req-42" {
		t.Fatalf("request id = %q", er.RequestID)
	}
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	resp := h.do(t, http.MethodGet, "/healthz", "", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}
}

func TestSplitPath(t *testing.T) {
	tests := []struct {
		path, id, action string
		ok               bool
	}{
		{"/books/abc", "abc", "", true},
		{"/books/abc/", "abc", "", true},
		{"/books/abc/download", "abc", "download", true},
		{"/books/", "", "", false},
		{"/books/abc/x/y", "", "", false},
	}
	for _, tc := range tests {
		id, action, ok := splitPath(tc.path, "/books/")
		if id != tc.id || action != tc.action || ok != tc.ok {
			t.Fatalf("splitPath(%q) = %q %q %v", tc.path, id, action, ok)
		}
	}
}
