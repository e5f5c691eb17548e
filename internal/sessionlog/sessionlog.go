package sessionlog

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/docextract/internal/metrics"
)

const (
	ringSize        = 1000
	durationSamples = 1024
	summaryInterval = 15 * time.Minute
)

// StageEvent marks one orchestration stage boundary within a session.
type StageEvent struct {
	Name string    `json:"name"`
	At   time.Time `json:"at"`
}

// Session is the record of one extraction run.
type Session struct {
	ID           string       `json:"id"`
	PDFPath      string       `json:"pdf_path,omitempty"`
	Method       string       `json:"method"` // direct, pdf-to-image, direct_fallback, disabled
	Decision     string       `json:"decision,omitempty"`
	Result       string       `json:"result"` // success, partial, failure
	ErrorKind    string       `json:"error_kind,omitempty"`
	Pages        int          `json:"pages"`
	TempCreated  int          `json:"temp_created"`
	TempReleased int          `json:"temp_released"`
	Start        time.Time    `json:"start"`
	End          time.Time    `json:"end"`
	Stages       []StageEvent `json:"stages,omitempty"`
}

// Duration is the wall time of the session.
func (s Session) Duration() time.Duration { return s.End.Sub(s.Start) }

// Aggregates is a snapshot of the running counters.
type Aggregates struct {
	Started      int64
	Succeeded    int64
	Failed       int64
	Partial      int64
	Fallbacks    int64
	TempCreated  int64
	TempReleased int64
	ErrorKinds   map[string]int64
	P50          time.Duration
	P95          time.Duration
	P99          time.Duration
}

// Log keeps the most recent sessions in a ring buffer plus lock-free
// aggregate counters, and emits a periodic summary.
type Log struct {
	started      atomic.Int64
	succeeded    atomic.Int64
	failed       atomic.Int64
	partial      atomic.Int64
	fallbacks    atomic.Int64
	tempCreated  atomic.Int64
	tempReleased atomic.Int64

	mu        sync.Mutex
	ring      [ringSize]Session
	next      int
	count     int
	durations []time.Duration
	durNext   int
	errKinds  map[string]int64

	stop chan struct{}
	done chan struct{}
}

// New creates a Log and starts its summary ticker.
func New() *Log {
	l := &Log{
		durations: make([]time.Duration, 0, durationSamples),
		errKinds:  make(map[string]int64),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go l.summaryLoop()
	return l
}

// SessionStarted bumps the started counter.
func (l *Log) SessionStarted() { l.started.Add(1) }

// TempCreated and TempReleased track temp-file lifecycle totals.
func (l *Log) TempCreated(n int)  { l.tempCreated.Add(int64(n)) }
func (l *Log) TempReleased(n int) { l.tempReleased.Add(int64(n)) }

// Record stores a finished session.
func (l *Log) Record(s Session) {
	switch s.Result {
	case "success":
		l.succeeded.Add(1)
	case "partial":
		l.partial.Add(1)
	default:
		l.failed.Add(1)
	}
	if s.Method == "direct_fallback" {
		l.fallbacks.Add(1)
	}

	l.mu.Lock()
	l.ring[l.next] = s
	l.next = (l.next + 1) % ringSize
	if l.count < ringSize {
		l.count++
	}
	if len(l.durations) < durationSamples {
		l.durations = append(l.durations, s.Duration())
	} else {
		l.durations[l.durNext] = s.Duration()
		l.durNext = (l.durNext + 1) % durationSamples
	}
	if s.ErrorKind != "" {
		l.errKinds[s.ErrorKind]++
		metrics.IncError(s.ErrorKind)
	}
	l.mu.Unlock()

	metrics.ObserveSession(s.Method, s.Result, s.Duration())
}

// Recent returns up to n most recent sessions, newest first.
func (l *Log) Recent(n int) []Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > l.count {
		n = l.count
	}
	out := make([]Session, 0, n)
	for i := 1; i <= n; i++ {
		idx := (l.next - i + ringSize) % ringSize
		out = append(out, l.ring[idx])
	}
	return out
}

// Aggregates returns a counter snapshot with duration percentiles over
// the bounded sample.
func (l *Log) Aggregates() Aggregates {
	agg := Aggregates{
		Started:      l.started.Load(),
		Succeeded:    l.succeeded.Load(),
		Failed:       l.failed.Load(),
		Partial:      l.partial.Load(),
		Fallbacks:    l.fallbacks.Load(),
		TempCreated:  l.tempCreated.Load(),
		TempReleased: l.tempReleased.Load(),
		ErrorKinds:   make(map[string]int64),
	}

	l.mu.Lock()
	for k, v := range l.errKinds {
		agg.ErrorKinds[k] = v
	}
	sample := make([]time.Duration, len(l.durations))
	copy(sample, l.durations)
	l.mu.Unlock()

	if len(sample) > 0 {
		sort.Slice(sample, func(i, j int) bool { return sample[i] < sample[j] })
		agg.P50 = percentile(sample, 0.50)
		agg.P95 = percentile(sample, 0.95)
		agg.P99 = percentile(sample, 0.99)
	}
	return agg
}

// Close stops the summary loop.
func (l *Log) Close() {
	close(l.stop)
	<-l.done
}

func (l *Log) summaryLoop() {
	defer close(l.done)
	ticker := time.NewTicker(summaryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.emitSummary()
		}
	}
}

func (l *Log) emitSummary() {
	agg := l.Aggregates()
	log.Info().
		Int64("started", agg.Started).
		Int64("succeeded", agg.Succeeded).
		Int64("partial", agg.Partial).
		Int64("failed", agg.Failed).
		Int64("fallbacks", agg.Fallbacks).
		Int64("temp_created", agg.TempCreated).
		Int64("temp_released", agg.TempReleased).
		Dur("p50", agg.P50).
		Dur("p95", agg.P95).
		Dur("p99", agg.P99).
		Interface("error_kinds", agg.ErrorKinds).
		Msg("extraction summary")
}

// percentile over an ascending sample, nearest-rank.
func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
