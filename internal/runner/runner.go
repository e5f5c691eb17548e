package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/docextract/internal/extract"
	"github.com/local/docextract/internal/taskqueue"
)

// Queue supplies work and cancellation signals.
type Queue interface {
	Dequeue(ctx context.Context, consumer string, timeout time.Duration) (taskqueue.Payload, bool, error)
	IsCancelled(ctx context.Context, taskID string) (bool, error)
	PublishDepth(ctx context.Context)
}

// Store persists task lifecycle transitions.
type Store interface {
	MarkProcessing(ctx context.Context, taskID string) error
	SetProgress(ctx context.Context, taskID string, percent int) error
	Complete(ctx context.Context, taskID string, result json.RawMessage) error
	Fail(ctx context.Context, taskID, message, kind string) error
}

// Extractor runs one extraction session.
type Extractor interface {
	Extract(ctx context.Context, taskID, filePath string, opts extract.Options, progress extract.ProgressFunc) (*extract.Result, error)
}

// Archiver ships completed results to long-term storage. Implementations
// must never fail the task.
type Archiver interface {
	Archive(ctx context.Context, taskID string, result json.RawMessage)
}

// Config tunes the runner loops.
type Config struct {
	Concurrency int
	TaskTimeout time.Duration
	PollBlock   time.Duration
}

// Runner drains the task queue with a fixed set of goroutines, drives
// the extraction engine and persists outcomes.
type Runner struct {
	cfg      Config
	q        Queue
	store    Store
	engine   Extractor
	archiver Archiver // optional

	cancelPoll time.Duration

	// baseCtx parents every task context; cancelAll aborts in-flight
	// work when the shutdown grace period runs out.
	baseCtx   context.Context
	cancelAll context.CancelFunc

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a Runner. archiver may be nil.
func New(cfg Config, q Queue, store Store, engine Extractor, archiver Archiver) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 10 * time.Minute
	}
	if cfg.PollBlock <= 0 {
		cfg.PollBlock = 2 * time.Second
	}
	baseCtx, cancelAll := context.WithCancel(context.Background())
	return &Runner{
		cfg:        cfg,
		q:          q,
		store:      store,
		engine:     engine,
		archiver:   archiver,
		cancelPoll: time.Second,
		baseCtx:    baseCtx,
		cancelAll:  cancelAll,
		stop:       make(chan struct{}),
	}
}

// Start launches the worker loops.
func (r *Runner) Start() {
	for i := 0; i < r.cfg.Concurrency; i++ {
		r.wg.Add(1)
		go r.loop(i)
	}
}

// Stop asks the loops to finish their current task and waits for them,
// bounded by ctx. When the bound expires, in-flight tasks are cancelled
// and Stop waits for the loops to record those cancellations.
func (r *Runner) Stop(ctx context.Context) error {
	close(r.stop)
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.cancelAll()
		<-done
		return ctx.Err()
	}
}

func (r *Runner) loop(id int) {
	defer r.wg.Done()
	consumer := fmt.Sprintf("runner-%d", id)
	log.Info().Str("consumer", consumer).Msg("task runner started")
	for {
		select {
		case <-r.stop:
			log.Info().Str("consumer", consumer).Msg("task runner stopped")
			return
		default:
		}

		p, ok, err := r.q.Dequeue(context.Background(), consumer, r.cfg.PollBlock)
		if err != nil {
			log.Error().Err(err).Str("consumer", consumer).Msg("queue dequeue error")
			time.Sleep(500 * time.Millisecond)
			continue
		}
		r.q.PublishDepth(context.Background())
		if !ok {
			continue
		}
		r.process(consumer, p)
	}
}

// process runs one task end to end. Every outcome lands in the store.
func (r *Runner) process(consumer string, p taskqueue.Payload) {
	ctx, cancel := context.WithTimeout(r.baseCtx, r.cfg.TaskTimeout)
	defer cancel()

	if cancelled, _ := r.q.IsCancelled(ctx, p.TaskID); cancelled {
		log.Warn().Str("task", p.TaskID).Msg("task cancelled before processing")
		_ = r.store.Fail(ctx, p.TaskID, "cancelled before processing", extract.KindCancelled)
		return
	}
	if err := r.store.MarkProcessing(ctx, p.TaskID); err != nil {
		log.Error().Err(err).Str("task", p.TaskID).Msg("mark processing failed")
		return
	}

	// fold queue-side cancellation into the task context
	stopWatch := r.watchCancel(ctx, cancel, p.TaskID)
	defer stopWatch()

	opts := extract.Options{Language: p.Language, MaxPages: p.MaxPages}
	res, err := r.engine.Extract(ctx, p.TaskID, p.FilePath, opts, func(percent int) {
		_ = r.store.SetProgress(context.Background(), p.TaskID, percent)
	})

	// a fresh context: the task one may already be done
	finishCtx, finishCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer finishCancel()

	if err != nil {
		kind := extract.Kind(err)
		log.Error().Err(err).Str("task", p.TaskID).Str("kind", kind).Str("consumer", consumer).Msg("extraction failed")
		_ = r.store.Fail(finishCtx, p.TaskID, err.Error(), kind)
		return
	}

	b, err := json.Marshal(res)
	if err != nil {
		_ = r.store.Fail(finishCtx, p.TaskID, fmt.Sprintf("encode result: %v", err), extract.KindSystemIO)
		return
	}
	if err := r.store.Complete(finishCtx, p.TaskID, b); err != nil {
		log.Error().Err(err).Str("task", p.TaskID).Msg("persist result failed")
		return
	}
	log.Info().Str("task", p.TaskID).Str("consumer", consumer).
		Str("method", res.Metadata.OcrMethod).Int("pages", res.Metadata.ProcessedPages).
		Msg("task completed")

	if r.archiver != nil {
		r.archiver.Archive(finishCtx, p.TaskID, b)
	}
}

// watchCancel polls the cancellation set and cancels the task context
// when the task shows up in it.
func (r *Runner) watchCancel(ctx context.Context, cancel context.CancelFunc, taskID string) func() {
	stopped := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.cancelPoll)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopped:
				return
			case <-ticker.C:
				if cancelled, err := r.q.IsCancelled(ctx, taskID); err == nil && cancelled {
					log.Warn().Str("task", taskID).Msg("task cancelled mid-flight")
					cancel()
					return
				}
			}
		}
	}()
	return func() {
		close(stopped)
		<-done
	}
}
