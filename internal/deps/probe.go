package deps

import (
	"context"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Status represents the availability of a single external binary.
type Status struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
	Version string `json:"version,omitempty"`
	Path    string `json:"path,omitempty"`
}

// Report is a point-in-time snapshot of all conversion dependencies.
type Report struct {
	GraphicsMagick Status    `json:"graphicsmagick"`
	ImageMagick    Status    `json:"imagemagick"`
	Ghostscript    Status    `json:"ghostscript"`
	CheckedAt      time.Time `json:"checked_at"`
}

// ConversionSupported reports whether PDF rasterization can work:
// Ghostscript plus at least one of GraphicsMagick or ImageMagick.
func (r Report) ConversionSupported() bool {
	return r.Ghostscript.OK && (r.GraphicsMagick.OK || r.ImageMagick.OK)
}

// PreferredBackend names the magick frontend the rasterizer should use.
// GraphicsMagick wins when both are present. Empty when neither is.
func (r Report) PreferredBackend() string {
	if r.GraphicsMagick.OK {
		return r.GraphicsMagick.Path
	}
	if r.ImageMagick.OK {
		return r.ImageMagick.Path
	}
	return ""
}

// Options configures the prober. Empty paths fall back to the
// conventional binary names looked up on PATH.
type Options struct {
	GMPath      string
	MagickPath  string
	ConvertPath string
	GSPath      string
	CacheTTL    time.Duration
}

const (
	probeTimeout    = 2 * time.Second
	defaultCacheTTL = 30 * time.Second
)

// commandRunner runs a version command and returns combined output.
// Swappable for tests.
type commandRunner func(ctx context.Context, bin string, args ...string) (string, error)

// Prober probes external binaries and caches the result.
type Prober struct {
	opts Options
	run  commandRunner

	mu     sync.Mutex
	cached *Report
}

// New creates a Prober.
func New(opts Options) *Prober {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	return &Prober{opts: opts, run: runVersion}
}

// Report returns the cached report when it is fresh, probing otherwise.
func (p *Prober) Report(ctx context.Context) Report {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached != nil && time.Since(p.cached.CheckedAt) < p.opts.CacheTTL {
		return *p.cached
	}
	return p.refreshLocked(ctx)
}

// Refresh forces a re-probe regardless of cache age.
func (p *Prober) Refresh(ctx context.Context) Report {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshLocked(ctx)
}

func (p *Prober) refreshLocked(ctx context.Context) Report {
	r := Report{
		GraphicsMagick: p.probe(ctx, orDefault(p.opts.GMPath, "gm"), "version"),
		Ghostscript:    p.probe(ctx, orDefault(p.opts.GSPath, "gs"), "--version"),
		CheckedAt:      time.Now(),
	}
	// ImageMagick 7 ships `magick`; fall back to the v6 `convert` binary.
	r.ImageMagick = p.probe(ctx, orDefault(p.opts.MagickPath, "magick"), "-version")
	if !r.ImageMagick.OK {
		if st := p.probe(ctx, orDefault(p.opts.ConvertPath, "convert"), "-version"); st.OK {
			r.ImageMagick = st
		}
	}
	p.cached = &r
	return r
}

func (p *Prober) probe(ctx context.Context, bin string, args ...string) Status {
	path, err := exec.LookPath(bin)
	if err != nil {
		return Status{OK: false, Message: "Binary not found"}
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	out, err := p.run(ctx, path, args...)
	if err != nil {
		if ctx.Err() != nil {
			return Status{OK: false, Message: "timeout", Path: path}
		}
		return Status{OK: false, Message: trimError(err), Path: path}
	}
	return Status{OK: true, Message: "Available", Version: firstLine(out), Path: path}
}

func runVersion(ctx context.Context, bin string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, bin, args...).CombinedOutput()
	return string(out), err
}

// InstallHint returns a platform-appropriate installation suggestion for a
// missing dependency name ("graphicsmagick", "imagemagick", "ghostscript").
func InstallHint(dep string) string {
	switch runtime.GOOS {
	case "darwin":
		return "brew install " + dep
	case "windows":
		switch dep {
		case "graphicsmagick":
			return "download from http://www.graphicsmagick.org/download.html"
		case "imagemagick":
			return "download from https://imagemagick.org/script/download.php#windows"
		default:
			return "download from https://ghostscript.com/releases/"
		}
	default:
		return "apt-get install " + dep + " (or your distribution's equivalent)"
	}
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func trimError(err error) string {
	msg := err.Error()
	if len(msg) > 120 {
		return msg[:120]
	}
	return msg
}
