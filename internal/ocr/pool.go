package ocr

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/local/docextract/internal/config"
	"github.com/local/docextract/internal/extract"
	"github.com/local/docextract/internal/metrics"
)

// ErrPoolUnavailable is returned by Acquire when the pool has no slots at
// all (pool size 0 or every slot permanently failed to initialize).
var ErrPoolUnavailable = errors.New("ocr pool unavailable")

// Engine is one recognition backend instance. The production engine is a
// long-lived gosseract client; tests use fakes.
type Engine interface {
	SetImage(path string) error
	Text() (string, error)
	MeanConfidence() (float64, error) // 0..100
	Close() error
}

// EngineFactory builds a fresh Engine loaded with the given languages and
// a private scratch directory.
type EngineFactory func(languages, scratchDir string) (Engine, error)

const (
	defaultRecycleAfter = 50
	defaultWallClock    = 60 * time.Second
)

// Slot is one pool worker: an engine plus bookkeeping.
type Slot struct {
	id         string
	engine     Engine
	scratchDir string
	jobs       int
	dead       bool

	// inflight is closed when the engine call of the current or most
	// recent recognition returns. An abandoned call keeps running after
	// Recognize gives up; the engine must not be closed under it.
	inflight chan struct{}
}

// ID identifies the slot for per-page worker attribution.
func (s *Slot) ID() string { return s.id }

// Pool is a fixed-size pool of long-lived OCR engines. Waiters are served
// in arrival order; worn or failed slots are recycled off the hot path.
type Pool struct {
	cfg          config.OCRConfig
	factory      EngineFactory
	size         int
	recycleAfter int
	wallClock    time.Duration
	scratchRoot  string

	mu        sync.Mutex
	idle      []*Slot
	waiters   *list.List
	busy      int
	recycling int
	closed    bool
}

// NewPool creates the pool and initializes its slots. Effective size is
// min(NumCPU, configured size). Slot initialization failures shrink the
// pool rather than failing construction; a pool that ends up empty
// reports ErrPoolUnavailable from Acquire.
func NewPool(cfg config.OCRConfig, scratchRoot string, factory EngineFactory) *Pool {
	size := cfg.PoolSize
	if n := runtime.NumCPU(); n < size {
		size = n
	}
	p := &Pool{
		cfg:          cfg,
		factory:      factory,
		size:         size,
		recycleAfter: defaultRecycleAfter,
		wallClock:    defaultWallClock,
		scratchRoot:  scratchRoot,
		waiters:      list.New(),
	}
	for i := 0; i < size; i++ {
		slot, err := p.newSlot()
		if err != nil {
			log.Error().Err(err).Msg("ocr slot init failed, pool shrunk")
			p.size--
			continue
		}
		p.idle = append(p.idle, slot)
	}
	p.publishStats()
	return p
}

// Acquire hands out an idle slot, blocking in FIFO order behind earlier
// waiters. A pool without slots fails immediately.
func (p *Pool) Acquire(ctx context.Context) (*Slot, error) {
	p.mu.Lock()
	if p.size == 0 || p.closed {
		p.mu.Unlock()
		return nil, ErrPoolUnavailable
	}
	if len(p.idle) > 0 && p.waiters.Len() == 0 {
		slot := p.takeIdleLocked()
		p.mu.Unlock()
		return slot, nil
	}

	ticket := make(chan *Slot, 1)
	elem := p.waiters.PushBack(ticket)
	p.publishStats()
	p.mu.Unlock()

	select {
	case slot := <-ticket:
		if slot == nil {
			return nil, ErrPoolUnavailable
		}
		return slot, nil
	case <-ctx.Done():
		p.mu.Lock()
		select {
		case slot := <-ticket:
			if slot != nil {
				// lost the race; hand the slot on
				p.busy--
				p.handoffLocked(slot)
			}
			p.mu.Unlock()
			return nil, ctx.Err()
		default:
		}
		p.waiters.Remove(elem)
		p.publishStats()
		p.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Release returns a slot after a job. A slot that errored, hit its
// recycle quota or was marked dead by a timed-out recognition is
// replaced with a fresh engine off the caller's hot path.
func (p *Pool) Release(slot *Slot, jobErr error) {
	slot.jobs++
	needsReplace := jobErr != nil || slot.dead || slot.jobs >= p.recycleAfter

	p.mu.Lock()
	p.busy--
	if needsReplace {
		p.recycling++
		p.publishStats()
		p.mu.Unlock()
		go p.replace(slot)
		return
	}
	p.handoffLocked(slot)
	p.publishStats()
	p.mu.Unlock()
}

// Recognize runs OCR on one image through the given slot, enforcing the
// wall clock. Overruns abandon the engine call, mark the slot dead and
// return an OCR failure; the caller still releases the slot as usual.
func (p *Pool) Recognize(ctx context.Context, slot *Slot, imagePath string) (string, float64, error) {
	type outcome struct {
		text string
		conf float64
		err  error
	}
	start := time.Now()
	ch := make(chan outcome, 1)
	done := make(chan struct{})
	slot.inflight = done
	go func() {
		text, conf, err := recognizeWith(slot.engine, imagePath)
		close(done)
		ch <- outcome{text, conf, err}
	}()

	timer := time.NewTimer(p.wallClock)
	defer timer.Stop()
	select {
	case out := <-ch:
		if out.err != nil {
			metrics.ObserveOCRPage("failure", time.Since(start))
			return "", 0, &extract.OCRError{Err: out.err}
		}
		metrics.ObserveOCRPage("success", time.Since(start))
		return out.text, out.conf, nil
	case <-timer.C:
		slot.dead = true
		metrics.ObserveOCRPage("timeout", time.Since(start))
		return "", 0, &extract.OCRError{Err: fmt.Errorf("recognition exceeded %s wall clock", p.wallClock)}
	case <-ctx.Done():
		slot.dead = true
		metrics.ObserveOCRPage("cancelled", time.Since(start))
		return "", 0, ctx.Err()
	}
}

// Run is the one-shot convenience: acquire, recognize, release. Returns
// the recognized text, confidence in [0,1] and the slot ID that did the
// work.
func (p *Pool) Run(ctx context.Context, imagePath string) (string, float64, string, error) {
	slot, err := p.Acquire(ctx)
	if err != nil {
		return "", 0, "", err
	}
	text, conf, err := p.Recognize(ctx, slot, imagePath)
	p.Release(slot, err)
	if err != nil {
		return "", 0, slot.ID(), err
	}
	return text, conf, slot.ID(), nil
}

// Stats is a point-in-time pool snapshot.
type Stats struct {
	Size      int
	Idle      int
	Busy      int
	Recycling int
	Waiters   int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Size:      p.size,
		Idle:      len(p.idle),
		Busy:      p.busy,
		Recycling: p.recycling,
		Waiters:   p.waiters.Len(),
	}
}

// Close shuts down idle engines. Busy slots die with their replacement
// path when released.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	for w := p.waiters.Front(); w != nil; w = w.Next() {
		close(w.Value.(chan *Slot))
	}
	p.waiters.Init()
	p.mu.Unlock()
	for _, s := range idle {
		_ = s.engine.Close()
		_ = os.RemoveAll(s.scratchDir)
	}
}

func (p *Pool) takeIdleLocked() *Slot {
	slot := p.idle[len(p.idle)-1]
	p.idle = p.idle[:len(p.idle)-1]
	p.busy++
	p.publishStats()
	return slot
}

// handoffLocked gives a slot to the oldest waiter or parks it idle.
func (p *Pool) handoffLocked(slot *Slot) {
	if front := p.waiters.Front(); front != nil {
		p.waiters.Remove(front)
		p.busy++
		front.Value.(chan *Slot) <- slot
		return
	}
	p.idle = append(p.idle, slot)
}

// replace builds a fresh slot to stand in for a retired one, off the
// caller's hot path. An abandoned recognition may still be inside the
// engine; closing it under a live CGo call would corrupt the client, so
// the retirement waits for the call to return first.
func (p *Pool) replace(old *Slot) {
	if old.inflight != nil {
		<-old.inflight
	}
	_ = old.engine.Close()
	_ = os.RemoveAll(old.scratchDir)

	slot, err := p.newSlot()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.recycling--
	if err != nil {
		p.size--
		p.publishStats()
		log.Error().Err(err).Str("slot", old.id).Msg("ocr slot replacement failed, pool shrunk")
		return
	}
	if p.closed {
		_ = slot.engine.Close()
		_ = os.RemoveAll(slot.scratchDir)
		return
	}
	p.handoffLocked(slot)
	p.publishStats()
	log.Debug().Str("retired", old.id).Str("slot", slot.id).Msg("ocr slot recycled")
}

func (p *Pool) newSlot() (*Slot, error) {
	id := uuid.NewString()
	scratch, err := os.MkdirTemp(p.scratchRoot, "ocr_slot_")
	if err != nil {
		return nil, fmt.Errorf("slot scratch dir: %w", err)
	}
	engine, err := p.factory(p.cfg.Languages, scratch)
	if err != nil {
		_ = os.RemoveAll(scratch)
		return nil, fmt.Errorf("engine init: %w", err)
	}
	return &Slot{id: id, engine: engine, scratchDir: scratch}, nil
}

func (p *Pool) publishStats() {
	metrics.SetPoolSlots(len(p.idle), p.busy, p.recycling)
}

// recognizeWith runs one engine pass and normalizes confidence to [0,1].
func recognizeWith(e Engine, imagePath string) (string, float64, error) {
	if err := e.SetImage(imagePath); err != nil {
		return "", 0, err
	}
	text, err := e.Text()
	if err != nil {
		return "", 0, err
	}
	conf, err := e.MeanConfidence()
	if err != nil {
		// text came through; degrade to zero confidence rather than fail
		log.Warn().Err(err).Msg("confidence read failed")
		conf = 0
	}
	conf = conf / 100
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	return text, conf, nil
}
