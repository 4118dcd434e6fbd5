// Package raster turns an uploaded document into one image per page.
package raster

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/iago/docpipe/internal/domain"
)

// Rasterizer renders every page of a document. Any page failure fails the whole call.
type Rasterizer interface {
	Rasterize(ctx context.Context, document []byte) ([][]byte, error)
}

type Config struct {
	PdftoppmPath string
	DPI          int
	MaxPages     int
	TempDir      string
}

// PDFRasterizer renders PDFs to JPEG with poppler's pdftoppm. JPEG and PNG
// uploads pass through unchanged as a single page.
type PDFRasterizer struct {
	cfg    Config
	runner Runner
	logger *log.Logger
}

func NewPDFRasterizer(cfg Config, runner Runner, logger *log.Logger) *PDFRasterizer {
	if cfg.PdftoppmPath == "" {
		cfg.PdftoppmPath = "pdftoppm"
	}
	if cfg.DPI <= 0 {
		cfg.DPI = 150
	}
	if runner == nil {
		runner = ExecRunner{Logger: logger}
	}
	return &PDFRasterizer{cfg: cfg, runner: runner, logger: logger}
}

func (r *PDFRasterizer) Rasterize(ctx context.Context, document []byte) ([][]byte, error) {
	if len(document) == 0 {
		return nil, fmt.Errorf("%w: empty document", domain.ErrConversion)
	}

	switch contentType := http.DetectContentType(document); contentType {
	case "application/pdf":
		return r.renderPDF(ctx, document)
	case "image/jpeg", "image/png":
		return [][]byte{document}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported content type %s", domain.ErrConversion, contentType)
	}
}

func (r *PDFRasterizer) renderPDF(ctx context.Context, document []byte) ([][]byte, error) {
	tmpDir, err := os.MkdirTemp(r.cfg.TempDir, "docpipe-raster-*")
	if err != nil {
		return nil, fmt.Errorf("create raster dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(tmpDir); err != nil && r.logger != nil {
			r.logger.Printf("raster temp cleanup failed dir=%s err=%v", tmpDir, err)
		}
	}()

	input := filepath.Join(tmpDir, "input.pdf")
	if err := os.WriteFile(input, document, 0o600); err != nil {
		return nil, fmt.Errorf("write raster input: %w", err)
	}

	prefix := filepath.Join(tmpDir, "page")
	args := []string{"-r", strconv.Itoa(r.cfg.DPI), "-jpeg"}
	if r.cfg.MaxPages > 0 {
		args = append(args, "-f", "1", "-l", strconv.Itoa(r.cfg.MaxPages))
	}
	args = append(args, input, prefix)

	_, stderr, err := r.runner.Run(ctx, r.cfg.PdftoppmPath, args...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: pdftoppm: %v: %s", domain.ErrConversion, err, strings.TrimSpace(string(stderr)))
	}

	// pdftoppm zero-pads page numbers to the width of the page count.
	matches, _ := filepath.Glob(prefix + "-*.jpg")
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: pdftoppm produced no pages", domain.ErrConversion)
	}
	sort.Slice(matches, func(i, j int) bool {
		return pageNumber(matches[i], prefix) < pageNumber(matches[j], prefix)
	})
	if r.cfg.MaxPages > 0 && len(matches) > r.cfg.MaxPages {
		matches = matches[:r.cfg.MaxPages]
	}

	pages := make([][]byte, 0, len(matches))
	for _, path := range matches {
		page, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: read page %s: %v", domain.ErrConversion, filepath.Base(path), err)
		}
		if len(page) == 0 {
			return nil, fmt.Errorf("%w: page %s is empty", domain.ErrConversion, filepath.Base(path))
		}
		pages = append(pages, page)
	}
	return pages, nil
}

func pageNumber(path, prefix string) int {
	value := strings.TrimSuffix(strings.TrimPrefix(path, prefix+"-"), ".jpg")
	number, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return number
}
