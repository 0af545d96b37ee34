package ingest

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"log/slog"
	"mime"
	"os"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	"github.com/ledongthuc/pdf"
	"pdfshelf/pkg/domain"
)

const (
	MediaTypePDF = "application/pdf"

	DefaultMaxBytes      int64   = 100 << 20
	DefaultCoverScale    float64 = 1.5
	DefaultCoverQuality          = 75
	DefaultMaxCoverWidth         = 1200

	MaxCoverBytes = 10 << 20
)

var supportedMediaTypes = map[string]bool{
	MediaTypePDF:        true,
	"application/x-pdf": true,
}

// Renderer rasterizes the first page of a document at the given scale.
type Renderer interface {
	RenderFirstPage(ctx context.Context, path string, scale float64) (image.Image, error)
}

// Config tunes validation and cover extraction.
type Config struct {
	MaxBytes      int64
	CoverScale    float64
	CoverQuality  int
	MaxCoverWidth int
	Renderer      Renderer
	Logger        *slog.Logger
}

// Submission is a document spooled to local disk together with what the client declared.
type Submission struct {
	Path      string
	MediaType string
	Size      int64
}

// Result is what ingestion learned about a valid document.
type Result struct {
	PageCount int
	// Cover is a JPEG, nil when extraction failed.
	Cover    []byte
	CoverErr error
}

// HasCover reports whether a cover candidate was produced.
func (r Result) HasCover() bool {
	return len(r.Cover) > 0
}

// Ingestor validates submitted documents and derives a cover image. It keeps no
// state between calls.
type Ingestor struct {
	maxBytes      int64
	coverScale    float64
	coverQuality  int
	maxCoverWidth int
	renderer      Renderer
	logger        *slog.Logger
}

func New(cfg Config) *Ingestor {
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	scale := cfg.CoverScale
	if scale <= 0 {
		scale = DefaultCoverScale
	}
	quality := cfg.CoverQuality
	if quality <= 0 || quality > 100 {
		quality = DefaultCoverQuality
	}
	maxWidth := cfg.MaxCoverWidth
	if maxWidth <= 0 {
		maxWidth = DefaultMaxCoverWidth
	}
	renderer := cfg.Renderer
	if renderer == nil {
		renderer = NewPopplerRenderer("", 0)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		maxBytes:      maxBytes,
		coverScale:    scale,
		coverQuality:  quality,
		maxCoverWidth: maxWidth,
		renderer:      renderer,
		logger:        logger,
	}
}

// MaxBytes returns the configured size ceiling.
func (in *Ingestor) MaxBytes() int64 {
	return in.maxBytes
}

// Validate checks the declared media type and size. It performs no I/O.
func (in *Ingestor) Validate(mediaType string, size int64) error {
	mt := normalizeMediaType(mediaType)
	if !supportedMediaTypes[mt] {
		if mt == "" {
			mt = "unknown"
		}
		return domain.ErrUnsupportedFormat.Withf("unsupported document format %q (only PDF is accepted)", mt)
	}
	if size < 0 {
		return domain.ErrInvalidDraft.Withf("invalid document size %d", size)
	}
	if size > in.maxBytes {
		return domain.ErrPayloadTooLarge.Withf("document is %d bytes, limit is %d", size, in.maxBytes)
	}
	return nil
}

// Process validates the spooled document and attempts cover extraction. Cover
// failures are logged and reported in Result.CoverErr, never as the returned error.
func (in *Ingestor) Process(ctx context.Context, sub Submission) (Result, error) {
	if err := in.Validate(sub.MediaType, sub.Size); err != nil {
		return Result{}, err
	}
	info, err := os.Stat(sub.Path)
	if err != nil {
		return Result{}, fmt.Errorf("stat document: %w", err)
	}
	if info.Size() > in.maxBytes {
		return Result{}, domain.ErrPayloadTooLarge.Withf("document is %d bytes, limit is %d", info.Size(), in.maxBytes)
	}
	detected, err := mimetype.DetectFile(sub.Path)
	if err != nil {
		return Result{}, fmt.Errorf("detect content type: %w", err)
	}
	if !detected.Is(MediaTypePDF) {
		return Result{}, domain.ErrUnsupportedFormat.Withf("content is %s, not a PDF document", detected.String())
	}

	res := Result{PageCount: in.pageCount(sub.Path)}
	cover, err := in.extractCover(ctx, sub.Path)
	if err != nil {
		res.CoverErr = err
		in.logger.Warn("cover extraction failed", "path", sub.Path, "err", err)
		return res, nil
	}
	res.Cover = cover
	return res, nil
}

func (in *Ingestor) pageCount(path string) (n int) {
	// the pdf reader panics on some malformed xref tables
	defer func() {
		if r := recover(); r != nil {
			in.logger.Debug("pdf page count unavailable", "path", path, "err", r)
			n = 0
		}
	}()
	f, reader, err := pdf.Open(path)
	if err != nil {
		in.logger.Debug("pdf page count unavailable", "path", path, "err", err)
		return 0
	}
	defer f.Close()
	return reader.NumPage()
}

func (in *Ingestor) extractCover(ctx context.Context, path string) (cover []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			cover, err = nil, domain.ErrCoverExtraction.Wrap(fmt.Errorf("render panic: %v", r))
		}
	}()
	img, err := in.renderer.RenderFirstPage(ctx, path, in.coverScale)
	if err != nil {
		return nil, domain.ErrCoverExtraction.Wrap(err)
	}
	if img == nil || img.Bounds().Empty() {
		return nil, domain.ErrCoverExtraction.Withf("renderer returned an empty image")
	}
	return in.encodeCover(img)
}

// NormalizeCover re-encodes a client-supplied cover (JPEG, PNG, GIF, BMP or
// TIFF) the same way extracted covers are stored.
func (in *Ingestor) NormalizeCover(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, domain.ErrCoverExtraction.Withf("empty cover image")
	}
	if len(data) > MaxCoverBytes {
		return nil, domain.ErrPayloadTooLarge.Withf("cover is %d bytes, limit is %d", len(data), MaxCoverBytes)
	}
	if mt := mimetype.Detect(data); !strings.HasPrefix(mt.String(), "image/") {
		return nil, domain.ErrUnsupportedFormat.Withf("cover is %s, not an image", mt.String())
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, domain.ErrUnsupportedFormat.Withf("cover image cannot be decoded: %v", err)
	}
	return in.encodeCover(img)
}

func (in *Ingestor) encodeCover(img image.Image) ([]byte, error) {
	if img.Bounds().Dx() > in.maxCoverWidth {
		img = imaging.Resize(img, in.maxCoverWidth, 0, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(in.coverQuality)); err != nil {
		return nil, domain.ErrCoverExtraction.Wrap(err)
	}
	return buf.Bytes(), nil
}

func normalizeMediaType(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return strings.ToLower(raw)
	}
	return strings.ToLower(mt)
}
