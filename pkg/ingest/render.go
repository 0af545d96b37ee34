package ingest

import (
	"context"
	"fmt"
	"image"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/disintegration/imaging"
)

const defaultRenderTimeout = 30 * time.Second

// PopplerRenderer renders pages with the poppler-utils pdftoppm tool.
type PopplerRenderer struct {
	command string
	timeout time.Duration
}

// NewPopplerRenderer returns a renderer that shells out to command (pdftoppm by default).
func NewPopplerRenderer(command string, timeout time.Duration) *PopplerRenderer {
	if command == "" {
		command = "pdftoppm"
	}
	if timeout <= 0 {
		timeout = defaultRenderTimeout
	}
	return &PopplerRenderer{command: command, timeout: timeout}
}

// RenderFirstPage rasterizes page 1 at 72dpi*scale.
func (p *PopplerRenderer) RenderFirstPage(ctx context.Context, path string, scale float64) (image.Image, error) {
	bin, err := exec.LookPath(p.command)
	if err != nil {
		return nil, fmt.Errorf("%s not found: %w", p.command, err)
	}
	dir, err := os.MkdirTemp("", "pdfshelf-cover-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	dpi := int(math.Round(72 * scale))
	prefix := filepath.Join(dir, "cover")
	cmd := exec.CommandContext(ctx, bin,
		"-f", "1", "-l", "1",
		"-r", strconv.Itoa(dpi),
		"-png", "-singlefile",
		path, prefix,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("%s failed: %w: %s", p.command, err, trimOutput(out))
	}
	img, err := imaging.Open(prefix + ".png")
	if err != nil {
		return nil, fmt.Errorf("decode rendered page: %w", err)
	}
	return img, nil
}

func trimOutput(out []byte) string {
	const max = 256
	if len(out) > max {
		out = out[:max]
	}
	return string(out)
}
