package raster

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/docextract/internal/config"
	"github.com/local/docextract/internal/extract"
)

// Page is one rasterized PDF page on disk.
type Page struct {
	PagePath   string
	PageNumber int
	SizeBytes  int64
}

// Request asks for specific 1-based pages of a PDF as bitmaps under OutDir.
type Request struct {
	InputPath string
	OutDir    string
	Pages     []int
	Options   config.BackendOptions
}

// Rasterizer turns PDF pages into page_<n>.<format> files.
type Rasterizer interface {
	Rasterize(ctx context.Context, req Request) ([]Page, error)
}

// Backend drives a GraphicsMagick or ImageMagick binary as a subprocess.
// Ghostscript is pulled in by the binary itself for PDF input.
type Backend struct {
	binPath string
	run     runFunc
}

// runFunc executes the prepared command; swappable for tests.
type runFunc func(ctx context.Context, bin string, args []string) (stderr string, err error)

// NewBackend creates a Backend for the given magick binary path.
func NewBackend(binPath string) *Backend {
	return &Backend{binPath: binPath, run: runCommand}
}

// Rasterize converts the requested pages one at a time. The context
// deadline covers the whole request; an expired deadline kills the
// running subprocess. Every produced file is verified to exist and be
// non-empty before it is reported.
func (b *Backend) Rasterize(ctx context.Context, req Request) ([]Page, error) {
	if err := validateInput(req.InputPath); err != nil {
		return nil, err
	}
	if len(req.Pages) == 0 {
		return nil, &extract.InvalidInputError{Path: req.InputPath, Reason: "no pages requested"}
	}
	if err := os.MkdirAll(req.OutDir, 0o755); err != nil {
		return nil, &extract.SystemIOError{Op: "create output dir", Err: err}
	}

	start := time.Now()
	pages := make([]Page, 0, len(req.Pages))
	for _, n := range req.Pages {
		if ctx.Err() != nil {
			return nil, timeoutOrCancel(ctx, start)
		}
		outPath := filepath.Join(req.OutDir, fmt.Sprintf("page_%d.%s", n, req.Options.Format))
		args := b.buildArgs(req, n, outPath)
		log.Debug().Str("bin", b.binPath).Strs("args", args).Msg("rasterizing page")

		stderr, err := b.run(ctx, b.binPath, args)
		if err != nil {
			if ctx.Err() != nil {
				return nil, timeoutOrCancel(ctx, start)
			}
			return nil, &extract.BackendFailureError{Backend: filepath.Base(b.binPath), Stderr: trim(stderr), Err: err}
		}

		info, err := os.Stat(outPath)
		if err != nil {
			return nil, &extract.InvalidOutputError{OutDir: req.OutDir, Reason: fmt.Sprintf("page %d not produced", n)}
		}
		if info.Size() == 0 {
			return nil, &extract.InvalidOutputError{OutDir: req.OutDir, Reason: fmt.Sprintf("page %d is empty", n)}
		}
		pages = append(pages, Page{PagePath: outPath, PageNumber: n, SizeBytes: info.Size()})
	}

	sort.Slice(pages, func(i, j int) bool { return pages[i].PageNumber < pages[j].PageNumber })
	log.Debug().Int("pages", len(pages)).Dur("duration", time.Since(start)).Msg("rasterization complete")
	return pages, nil
}

// buildArgs assembles the convert invocation. GraphicsMagick takes a
// leading "convert" verb; ImageMagick's magick/convert binaries do not.
func (b *Backend) buildArgs(req Request, pageNum int, outPath string) []string {
	var args []string
	if strings.HasPrefix(filepath.Base(b.binPath), "gm") {
		args = append(args, "convert")
	}
	args = append(args,
		"-density", fmt.Sprintf("%d", req.Options.Density),
		fmt.Sprintf("%s[%d]", req.InputPath, pageNum-1),
		"-resize", fmt.Sprintf("%dx%d>", req.Options.Width, req.Options.Height),
	)
	if req.Options.Format == "jpg" {
		args = append(args, "-quality", "90")
	}
	return append(args, outPath)
}

func runCommand(ctx context.Context, bin string, args []string) (string, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stderr.String(), err
}

func validateInput(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return &extract.InvalidInputError{Path: path, Reason: "file not found"}
	}
	if info.IsDir() {
		return &extract.InvalidInputError{Path: path, Reason: "path is a directory"}
	}
	if info.Size() == 0 {
		return &extract.InvalidInputError{Path: path, Reason: "file is empty"}
	}
	return nil
}

func timeoutOrCancel(ctx context.Context, start time.Time) error {
	if ctx.Err() == context.Canceled {
		return context.Canceled
	}
	return &extract.TimeoutError{Phase: extract.PhaseSubprocess, Elapsed: time.Since(start).Round(time.Millisecond).String()}
}

func trim(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 500 {
		return s[:500]
	}
	return s
}
