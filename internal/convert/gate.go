package convert

import (
	"container/list"
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/docextract/internal/config"
	"github.com/local/docextract/internal/deps"
	"github.com/local/docextract/internal/extract"
	"github.com/local/docextract/internal/metrics"
	"github.com/local/docextract/internal/raster"
)

// DepsReporter supplies the current dependency report.
type DepsReporter interface {
	Report(ctx context.Context) deps.Report
}

// DirAllocator hands out session-scoped output directories.
type DirAllocator interface {
	CreateDir(sessionID, parent, base string) (string, error)
}

// Request asks for a PDF to be rasterized on behalf of a session.
type Request struct {
	SessionID string
	InputPath string
	Pages     []int // 1-based
}

// Result is a successful rasterization.
type Result struct {
	OutDir string
	Pages  []raster.Page
}

// Stats is a point-in-time gate snapshot.
type Stats struct {
	Active        int
	Queued        int
	MaxConcurrent int
}

// Gate serializes PDF rasterization behind a strict-FIFO admission queue
// with a bounded number of concurrent subprocess slots. The caller's
// deadline covers queue wait plus rasterization.
type Gate struct {
	cfg    config.ConversionConfig
	rast   raster.Rasterizer
	prober DepsReporter
	dirs   DirAllocator

	// admission state, guarded by a channel-free mutex pattern:
	// waiters park on their own channel in arrival order.
	mu      chanMutex
	active  int
	waiters *list.List
}

// chanMutex is a channel-based mutex so admission bookkeeping can be
// combined with select on the caller's context.
type chanMutex chan struct{}

func (m chanMutex) lock()   { m <- struct{}{} }
func (m chanMutex) unlock() { <-m }

// New creates a Gate.
func New(cfg config.ConversionConfig, rast raster.Rasterizer, prober DepsReporter, dirs DirAllocator) *Gate {
	return &Gate{
		cfg:     cfg,
		rast:    rast,
		prober:  prober,
		dirs:    dirs,
		mu:      make(chanMutex, 1),
		waiters: list.New(),
	}
}

// Submit runs one rasterization request through the gate. Dependency
// availability is verified before enqueueing so a doomed request never
// occupies a queue position. Without a caller deadline the configured
// conversion timeout applies.
func (g *Gate) Submit(ctx context.Context, req Request) (*Result, error) {
	report := g.prober.Report(ctx)
	if !report.ConversionSupported() {
		metrics.IncConversion("dependency_missing")
		return nil, missingDeps(report)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	if err := g.admit(ctx, start); err != nil {
		metrics.IncConversion("timeout_queue")
		return nil, err
	}
	defer g.leave()

	outDir, err := g.dirs.CreateDir(req.SessionID, g.cfg.TempDir, "conv")
	if err != nil {
		metrics.IncConversion("io_error")
		return nil, &extract.SystemIOError{Op: "allocate conversion dir", Err: err}
	}

	pages, err := g.rast.Rasterize(ctx, raster.Request{
		InputPath: req.InputPath,
		OutDir:    outDir,
		Pages:     req.Pages,
		Options:   g.cfg.ToBackendOptions(),
	})
	if err != nil {
		metrics.IncConversion("failure")
		return nil, err
	}

	metrics.IncConversion("success")
	log.Debug().Str("session", req.SessionID).Int("pages", len(pages)).
		Dur("total", time.Since(start)).Msg("conversion gate request done")
	return &Result{OutDir: outDir, Pages: pages}, nil
}

// admit blocks until a slot frees up, preserving arrival order. An expired
// context while still queued maps to a queue-phase timeout; explicit
// cancellation passes through.
func (g *Gate) admit(ctx context.Context, start time.Time) error {
	if err := ctx.Err(); err != nil {
		return queueExpiry(ctx, start)
	}

	g.mu.lock()
	if g.active < g.cfg.MaxConcurrent && g.waiters.Len() == 0 {
		g.active++
		g.publishStats()
		g.mu.unlock()
		return nil
	}

	ticket := make(chan struct{})
	elem := g.waiters.PushBack(ticket)
	g.publishStats()
	g.mu.unlock()

	select {
	case <-ticket:
		return nil
	case <-ctx.Done():
		g.mu.lock()
		select {
		case <-ticket:
			// admitted in the race with expiry; give the slot straight back
			g.handoffLocked()
			g.mu.unlock()
			return queueExpiry(ctx, start)
		default:
		}
		g.waiters.Remove(elem)
		g.publishStats()
		g.mu.unlock()
		return queueExpiry(ctx, start)
	}
}

func (g *Gate) leave() {
	g.mu.lock()
	g.handoffLocked()
	g.publishStats()
	g.mu.unlock()
}

// handoffLocked passes the freed slot to the oldest waiter, or releases it.
func (g *Gate) handoffLocked() {
	if front := g.waiters.Front(); front != nil {
		g.waiters.Remove(front)
		close(front.Value.(chan struct{}))
		return
	}
	g.active--
}

// Stats returns current occupancy.
func (g *Gate) Stats() Stats {
	g.mu.lock()
	defer g.mu.unlock()
	return Stats{Active: g.active, Queued: g.waiters.Len(), MaxConcurrent: g.cfg.MaxConcurrent}
}

func (g *Gate) publishStats() {
	metrics.SetGate(g.active, g.waiters.Len())
}

func queueExpiry(ctx context.Context, start time.Time) error {
	if ctx.Err() == context.Canceled {
		return context.Canceled
	}
	return &extract.TimeoutError{Phase: extract.PhaseQueue, Elapsed: time.Since(start).Round(time.Millisecond).String()}
}

func missingDeps(report deps.Report) error {
	var missing []string
	hint := ""
	if !report.Ghostscript.OK {
		missing = append(missing, "ghostscript")
		hint = deps.InstallHint("ghostscript")
	}
	if !report.GraphicsMagick.OK && !report.ImageMagick.OK {
		missing = append(missing, "graphicsmagick or imagemagick")
		if hint == "" {
			hint = deps.InstallHint("graphicsmagick")
		}
	}
	return &extract.DependencyMissingError{Missing: missing, Hint: hint}
}
