package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"pdfshelf/internal/util"
	"pdfshelf/pkg/domain"
	"pdfshelf/pkg/query"
	"pdfshelf/services/catalog/internal/app"
)

// IdentityVerifier turns a bearer token into the caller's identity.
type IdentityVerifier interface {
	VerifyIdentity(ctx context.Context, token string) (domain.Identity, error)
}

// RateLimiter throttles counter-bumping requests per key.
type RateLimiter interface {
	Allow(ctx context.Context, key string) bool
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
	// Verifier may be nil; every request is then anonymous.
	Verifier IdentityVerifier
	// Limiter may be nil to disable throttling.
	Limiter        RateLimiter
	TrustedProxies *util.TrustedProxies
	CORSOrigins    []string
	// SpoolDir holds uploads while they are validated; empty uses os.TempDir.
	SpoolDir string
	// UploadTimeout replaces the server's read and write deadlines for the
	// upload route, whose body can be as large as the document ceiling.
	UploadTimeout time.Duration
	Logger        *slog.Logger
}

// DefaultUploadTimeout applies when Config.UploadTimeout is zero.
const DefaultUploadTimeout = 30 * time.Minute

// Server exposes the catalog over HTTP.
type Server struct {
	app      *app.App
	verifier IdentityVerifier
	limiter  RateLimiter
	trusted  *util.TrustedProxies
	cors     []string
	spoolDir string
	upload   time.Duration
	logger   *slog.Logger
	mux      *http.ServeMux
}

func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server requires app")
	}
	s := &Server{
		app:      cfg.App,
		verifier: cfg.Verifier,
		limiter:  cfg.Limiter,
		trusted:  cfg.TrustedProxies,
		cors:     cfg.CORSOrigins,
		spoolDir: cfg.SpoolDir,
		upload:   cfg.UploadTimeout,
		logger:   cfg.Logger,
		mux:      http.NewServeMux(),
	}
	if s.spoolDir == "" {
		s.spoolDir = os.TempDir()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.upload <= 0 {
		s.upload = DefaultUploadTimeout
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("catalog", util.WithSecurityHeaders(util.WithCORS(s.cors, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.Handle("/books", s.withIdentity(s.handleBooks))
	s.mux.Handle("/books/", s.withIdentity(s.handleBookByID))
	s.mux.Handle("/views/", s.withIdentity(s.handleView))
	s.mux.Handle("/users/", s.withIdentity(s.handleUser))
	s.mux.Handle("/me/favorites", s.withIdentity(s.handleFavorites))
	s.mux.Handle("/me/favorites/", s.withIdentity(s.handleFavorites))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Ready(r.Context()); err != nil {
		util.LoggerFromContext(r.Context()).Error("health check failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, "SYSTEM_UNAVAILABLE", "catalog store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type identityHandler func(http.ResponseWriter, *http.Request, domain.Identity)

// withIdentity resolves the caller. Requests without a bearer token proceed
// anonymously; a token that fails verification is rejected.
func (s *Server) withIdentity(next identityHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			next(w, r, domain.Identity{})
			return
		}
		if s.verifier == nil {
			writeError(w, http.StatusUnauthorized, "AUTH_INVALID_TOKEN", "unauthorized")
			return
		}
		caller, err := s.verifier.VerifyIdentity(r.Context(), token)
		if err != nil {
			util.LoggerFromContext(r.Context()).Debug("token rejected", "err", err)
			writeError(w, http.StatusUnauthorized, "AUTH_INVALID_TOKEN", "unauthorized")
			return
		}
		ctx := util.ContextWithLogger(r.Context(), util.LoggerFromContext(r.Context()).With("uid", caller.UID))
		next(w, r.WithContext(ctx), caller)
	})
}

func requireUser(w http.ResponseWriter, caller domain.Identity) bool {
	if caller.UID == "" {
		writeError(w, http.StatusUnauthorized, "AUTH_REQUIRED", "sign in required")
		return false
	}
	return true
}

// allow applies the per-client quota of a counter endpoint.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, bucket string) bool {
	if s.limiter == nil {
		return true
	}
	if s.limiter.Allow(r.Context(), bucket+":"+util.ClientIP(r, s.trusted)) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, "SYSTEM_RATE_LIMITED", "too many requests")
	return false
}

func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request, caller domain.Identity) {
	switch r.Method {
	case http.MethodGet:
		s.handleSearch(w, r)
	case http.MethodPost:
		if !requireUser(w, caller) {
			return
		}
		s.handleUpload(w, r, caller)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	books, err := s.app.Search(r.Context(), query.Query{
		Term:     params.Get("q"),
		Category: params.Get("category"),
		Language: params.Get("language"),
		Sort:     query.Sort(params.Get("sort")),
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeList(w, books)
}

// /books/{id}, /books/{id}/download, /books/{id}/featured, /books/{id}/related
func (s *Server) handleBookByID(w http.ResponseWriter, r *http.Request, caller domain.Identity) {
	id, action, ok := splitPath(r.URL.Path, "/books/")
	if !ok {
		notFound(w)
		return
	}
	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			s.handleGetBook(w, r, caller, id)
		case http.MethodPatch:
			if requireUser(w, caller) {
				s.handleUpdateBook(w, r, caller, id)
			}
		case http.MethodDelete:
			if requireUser(w, caller) {
				s.handleDeleteBook(w, r, caller, id)
			}
		default:
			methodNotAllowed(w)
		}
	case "download":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handleDownload(w, r, caller, id)
	case "featured":
		if r.Method != http.MethodPut {
			methodNotAllowed(w)
			return
		}
		if requireUser(w, caller) {
			s.handleSetFeatured(w, r, caller, id)
		}
	case "related":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.handleRelated(w, r, id)
	default:
		notFound(w)
	}
}

// splitPath turns "<prefix>{id}[/{action}]" into its parts.
func splitPath(path, prefix string) (id, action string, ok bool) {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	id, action, _ = strings.Cut(rest, "/")
	if id == "" || strings.Contains(action, "/") {
		return "", "", false
	}
	return id, action, true
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request, caller domain.Identity, id string) {
	if !s.allow(w, r, "view") {
		return
	}
	book, err := s.app.GetBook(r.Context(), caller, id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, caller domain.Identity, id string) {
	if !s.allow(w, r, "download") {
		return
	}
	dl, err := s.app.RecordDownload(r.Context(), caller, id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dl)
}

func (s *Server) handleUpdateBook(w http.ResponseWriter, r *http.Request, caller domain.Identity, id string) {
	var req patchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	book, err := s.app.UpdateBook(r.Context(), caller, id, req.patch())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (s *Server) handleDeleteBook(w http.ResponseWriter, r *http.Request, caller domain.Identity, id string) {
	if err := s.app.DeleteBook(r.Context(), caller, id); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type featuredRequest struct {
	Featured *bool `json:"featured"`
}

func (s *Server) handleSetFeatured(w http.ResponseWriter, r *http.Request, caller domain.Identity, id string) {
	var req featuredRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Featured == nil {
		writeError(w, http.StatusBadRequest, "BOOK_INVALID_REQUEST", "featured is required")
		return
	}
	book, err := s.app.SetFeatured(r.Context(), caller, id, *req.Featured)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (s *Server) handleRelated(w http.ResponseWriter, r *http.Request, id string) {
	books, err := s.app.Related(r.Context(), id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeList(w, books)
}

// /views/recent, /views/trending, /views/featured
func (s *Server) handleView(w http.ResponseWriter, r *http.Request, _ domain.Identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	var load func(context.Context) ([]domain.Book, error)
	switch strings.Trim(strings.TrimPrefix(r.URL.Path, "/views/"), "/") {
	case "recent":
		load = s.app.Recent
	case "trending":
		load = s.app.Trending
	case "featured":
		load = s.app.Featured
	default:
		notFound(w)
		return
	}
	books, err := load(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeList(w, books)
}

// /users/{uid}/books, /users/{uid}/profile
func (s *Server) handleUser(w http.ResponseWriter, r *http.Request, caller domain.Identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	uid, action, ok := splitPath(r.URL.Path, "/users/")
	if !ok {
		notFound(w)
		return
	}
	switch action {
	case "books":
		books, err := s.app.UserBooks(r.Context(), caller, uid)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeList(w, books)
	case "profile":
		profile, err := s.app.Profile(r.Context(), uid)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, profile)
	default:
		notFound(w)
	}
}

// /me/favorites (GET) and /me/favorites/{id} (POST toggles)
func (s *Server) handleFavorites(w http.ResponseWriter, r *http.Request, caller domain.Identity) {
	if !requireUser(w, caller) {
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/me/favorites"), "/")
	if strings.Contains(id, "/") {
		notFound(w)
		return
	}
	if id == "" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		books, err := s.app.Favorites(r.Context(), caller)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeList(w, books)
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	favorite, err := s.app.ToggleFavorite(r.Context(), caller, id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bookId": id, "favorite": favorite})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "BOOK_INVALID_REQUEST", "invalid JSON body")
		return false
	}
	return true
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
