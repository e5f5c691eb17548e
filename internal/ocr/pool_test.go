package ocr

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/docextract/internal/config"
	"github.com/local/docextract/internal/extract"
)

// fakeEngine returns canned text/confidence and can be told to fail or hang.
type fakeEngine struct {
	mu            sync.Mutex
	text          string
	conf          float64
	fail          error
	hang          chan struct{} // non-nil: Text blocks until closed
	closed        bool
	inText        bool
	closedMidCall bool
}

func (e *fakeEngine) SetImage(path string) error { return nil }

func (e *fakeEngine) Text() (string, error) {
	if e.hang != nil {
		e.mu.Lock()
		e.inText = true
		e.mu.Unlock()
		<-e.hang
		e.mu.Lock()
		e.inText = false
		e.mu.Unlock()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fail != nil {
		return "", e.fail
	}
	return e.text, nil
}

func (e *fakeEngine) MeanConfidence() (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conf, nil
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inText {
		e.closedMidCall = true
	}
	e.closed = true
	return nil
}

func (e *fakeEngine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

type engineTracker struct {
	mu      sync.Mutex
	made    int32
	engines []*fakeEngine
	build   func() *fakeEngine
}

func (t *engineTracker) factory(languages, scratchDir string) (Engine, error) {
	atomic.AddInt32(&t.made, 1)
	e := t.build()
	t.mu.Lock()
	t.engines = append(t.engines, e)
	t.mu.Unlock()
	return e, nil
}

func newTestPool(t *testing.T, size int, build func() *fakeEngine) (*Pool, *engineTracker) {
	t.Helper()
	tracker := &engineTracker{build: build}
	cfg := config.OCRConfig{Languages: "eng", PoolSize: size}
	p := NewPool(cfg, t.TempDir(), tracker.factory)
	t.Cleanup(p.Close)
	return p, tracker
}

func goodEngine() *fakeEngine { return &fakeEngine{text: "recognized text", conf: 87.5} }

func TestRunRecognizes(t *testing.T) {
	p, _ := newTestPool(t, 2, goodEngine)

	text, conf, workerID, err := p.Run(context.Background(), "page_1.png")
	require.NoError(t, err)
	assert.Equal(t, "recognized text", text)
	assert.InDelta(t, 0.875, conf, 0.001)
	assert.NotEmpty(t, workerID)
}

func TestConfidenceClampedToUnitRange(t *testing.T) {
	p, _ := newTestPool(t, 1, func() *fakeEngine { return &fakeEngine{text: "x", conf: 150} })
	_, conf, _, err := p.Run(context.Background(), "p.png")
	require.NoError(t, err)
	assert.Equal(t, 1.0, conf)
}

func TestAcquireFailsOnEmptyPool(t *testing.T) {
	p, _ := newTestPool(t, 0, goodEngine)
	_, err := p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolUnavailable)

	_, _, _, err = p.Run(context.Background(), "p.png")
	assert.ErrorIs(t, err, ErrPoolUnavailable)
}

func TestAcquireBlocksAndFIFO(t *testing.T) {
	p, _ := newTestPool(t, 1, goodEngine)

	slot, err := p.Acquire(context.Background())
	require.NoError(t, err)

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	enqueue := func(n int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := p.Acquire(context.Background())
			require.NoError(t, err)
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			p.Release(s, nil)
		}()
		require.Eventually(t, func() bool { return p.Stats().Waiters >= 1 }, time.Second, time.Millisecond)
	}

	enqueue(1)
	require.Eventually(t, func() bool { return p.Stats().Waiters == 1 }, time.Second, time.Millisecond)
	enqueue(2)
	require.Eventually(t, func() bool { return p.Stats().Waiters == 2 }, time.Second, time.Millisecond)

	p.Release(slot, nil)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2}, order)
}

func TestAcquireCancelledWhileWaiting(t *testing.T) {
	p, _ := newTestPool(t, 1, goodEngine)
	slot, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiters == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	p.Release(slot, nil)
	require.Eventually(t, func() bool { return p.Stats().Idle == 1 }, time.Second, time.Millisecond)
}

func TestRecycleAfterJobQuota(t *testing.T) {
	p, tracker := newTestPool(t, 1, goodEngine)
	p.recycleAfter = 3

	for i := 0; i < 3; i++ {
		_, _, _, err := p.Run(context.Background(), "p.png")
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&tracker.made) == 2 && p.Stats().Idle == 1
	}, time.Second, time.Millisecond, "slot must be replaced after quota")

	tracker.mu.Lock()
	first := tracker.engines[0]
	tracker.mu.Unlock()
	first.mu.Lock()
	closed := first.closed
	first.mu.Unlock()
	assert.True(t, closed, "retired engine must be closed")
}

func TestSlotReplacedAfterFailedJob(t *testing.T) {
	p, tracker := newTestPool(t, 1, func() *fakeEngine {
		return &fakeEngine{fail: errors.New("engine exploded")}
	})

	_, _, _, err := p.Run(context.Background(), "p.png")
	var ocrErr *extract.OCRError
	require.ErrorAs(t, err, &ocrErr)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&tracker.made) == 2 && p.Stats().Idle == 1
	}, time.Second, time.Millisecond, "errored slot must be replaced")
}

func TestWallClockTimeoutMarksSlotDead(t *testing.T) {
	hang := make(chan struct{})
	p, tracker := newTestPool(t, 1, func() *fakeEngine {
		return &fakeEngine{hang: hang}
	})
	p.wallClock = 20 * time.Millisecond

	_, _, _, err := p.Run(context.Background(), "p.png")
	var ocrErr *extract.OCRError
	require.ErrorAs(t, err, &ocrErr)
	assert.Contains(t, ocrErr.Error(), "wall clock")

	// the dead slot is replaced off the hot path once its engine call ends
	close(hang)
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&tracker.made) == 2 && p.Stats().Idle == 1
	}, time.Second, time.Millisecond)
}

func TestAbandonedEngineClosedOnlyAfterCallReturns(t *testing.T) {
	hang := make(chan struct{})
	p, tracker := newTestPool(t, 1, func() *fakeEngine {
		return &fakeEngine{hang: hang}
	})
	p.wallClock = 20 * time.Millisecond

	_, _, _, err := p.Run(context.Background(), "p.png")
	var ocrErr *extract.OCRError
	require.ErrorAs(t, err, &ocrErr)

	tracker.mu.Lock()
	first := tracker.engines[0]
	tracker.mu.Unlock()

	// the retirement must wait out the engine call still blocked in Text
	time.Sleep(50 * time.Millisecond)
	assert.False(t, first.isClosed(), "engine closed while its call was still running")

	close(hang)
	require.Eventually(t, func() bool { return first.isClosed() }, time.Second, time.Millisecond)

	first.mu.Lock()
	midCall := first.closedMidCall
	first.mu.Unlock()
	assert.False(t, midCall, "engine closed while its call was still running")
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&tracker.made) == 2 && p.Stats().Idle == 1
	}, time.Second, time.Millisecond)
}

func TestStatsSnapshot(t *testing.T) {
	p, _ := newTestPool(t, 2, goodEngine)
	st := p.Stats()
	assert.Equal(t, 2, st.Size)
	assert.Equal(t, 2, st.Idle)
	assert.Zero(t, st.Busy)

	slot, err := p.Acquire(context.Background())
	require.NoError(t, err)
	st = p.Stats()
	assert.Equal(t, 1, st.Idle)
	assert.Equal(t, 1, st.Busy)
	p.Release(slot, nil)
}

func TestSuccessfulJobsKeepSlot(t *testing.T) {
	p, tracker := newTestPool(t, 1, goodEngine)

	// well under the recycle quota, the same engine serves every job
	for i := 0; i < 5; i++ {
		_, _, _, err := p.Run(context.Background(), "p.png")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&tracker.made))
}
