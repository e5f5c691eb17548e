package runner

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/docextract/internal/extract"
	"github.com/local/docextract/internal/taskqueue"
)

type memQueue struct {
	mu        sync.Mutex
	tasks     []taskqueue.Payload
	cancelled map[string]bool
}

func newMemQueue(tasks ...taskqueue.Payload) *memQueue {
	return &memQueue{tasks: tasks, cancelled: map[string]bool{}}
}

func (q *memQueue) Dequeue(ctx context.Context, consumer string, timeout time.Duration) (taskqueue.Payload, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return taskqueue.Payload{}, false, nil
	}
	p := q.tasks[0]
	q.tasks = q.tasks[1:]
	return p, true, nil
}

func (q *memQueue) IsCancelled(ctx context.Context, taskID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancelled[taskID], nil
}

func (q *memQueue) PublishDepth(ctx context.Context) {}

func (q *memQueue) markCancelled(taskID string) {
	q.mu.Lock()
	q.cancelled[taskID] = true
	q.mu.Unlock()
}

type memStore struct {
	mu       sync.Mutex
	statuses map[string]string
	progress map[string][]int
	results  map[string]json.RawMessage
	failures map[string]string // taskID -> kind
}

func newMemStore() *memStore {
	return &memStore{
		statuses: map[string]string{},
		progress: map[string][]int{},
		results:  map[string]json.RawMessage{},
		failures: map[string]string{},
	}
}

func (s *memStore) MarkProcessing(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[taskID] = "processing"
	return nil
}

func (s *memStore) SetProgress(ctx context.Context, taskID string, percent int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress[taskID] = append(s.progress[taskID], percent)
	return nil
}

func (s *memStore) Complete(ctx context.Context, taskID string, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[taskID] = "completed"
	s.results[taskID] = result
	return nil
}

func (s *memStore) Fail(ctx context.Context, taskID, message, kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[taskID] = "failed"
	s.failures[taskID] = kind
	return nil
}

func (s *memStore) status(taskID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[taskID]
}

type fakeEngine struct {
	mu    sync.Mutex
	res   *extract.Result
	err   error
	block bool // wait for ctx cancellation
	calls []string
}

func (e *fakeEngine) Extract(ctx context.Context, taskID, filePath string, opts extract.Options, progress extract.ProgressFunc) (*extract.Result, error) {
	e.mu.Lock()
	e.calls = append(e.calls, taskID)
	e.mu.Unlock()
	if progress != nil {
		progress(10)
		progress(90)
	}
	if e.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if e.err != nil {
		return nil, e.err
	}
	return e.res, nil
}

type memArchiver struct {
	mu    sync.Mutex
	tasks []string
}

func (a *memArchiver) Archive(ctx context.Context, taskID string, result json.RawMessage) {
	a.mu.Lock()
	a.tasks = append(a.tasks, taskID)
	a.mu.Unlock()
}

func okResult() *extract.Result {
	return &extract.Result{
		Text:       "hello",
		Confidence: 1.0,
		Metadata:   extract.Metadata{OcrMethod: extract.MethodDirect, ProcessedPages: 1},
	}
}

func waitStatus(t *testing.T, s *memStore, taskID, want string) {
	t.Helper()
	require.Eventually(t, func() bool { return s.status(taskID) == want },
		2*time.Second, 5*time.Millisecond, "task %s never reached %s", taskID, want)
}

func TestRunnerCompletesTask(t *testing.T) {
	q := newMemQueue(taskqueue.Payload{TaskID: "t-1", FilePath: "/in/doc.pdf"})
	s := newMemStore()
	a := &memArchiver{}
	r := New(Config{Concurrency: 1}, q, s, &fakeEngine{res: okResult()}, a)
	r.Start()
	defer r.Stop(context.Background())

	waitStatus(t, s, "t-1", "completed")

	s.mu.Lock()
	defer s.mu.Unlock()
	var res extract.Result
	require.NoError(t, json.Unmarshal(s.results["t-1"], &res))
	assert.Equal(t, "hello", res.Text)
	assert.Equal(t, []int{10, 90}, s.progress["t-1"])

	a.mu.Lock()
	defer a.mu.Unlock()
	assert.Equal(t, []string{"t-1"}, a.tasks)
}

func TestRunnerRecordsFailureKind(t *testing.T) {
	q := newMemQueue(taskqueue.Payload{TaskID: "t-2", FilePath: "/in/bad.pdf"})
	s := newMemStore()
	engine := &fakeEngine{err: &extract.InvalidInputError{Path: "/in/bad.pdf", Reason: "not a pdf"}}
	r := New(Config{Concurrency: 1}, q, s, engine, nil)
	r.Start()
	defer r.Stop(context.Background())

	waitStatus(t, s, "t-2", "failed")
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, extract.KindConversionInvalidInput, s.failures["t-2"])
}

func TestRunnerSkipsPreCancelledTask(t *testing.T) {
	q := newMemQueue(taskqueue.Payload{TaskID: "t-3", FilePath: "/in/doc.pdf"})
	q.markCancelled("t-3")
	s := newMemStore()
	engine := &fakeEngine{res: okResult()}
	r := New(Config{Concurrency: 1}, q, s, engine, nil)
	r.Start()
	defer r.Stop(context.Background())

	waitStatus(t, s, "t-3", "failed")
	s.mu.Lock()
	kind := s.failures["t-3"]
	s.mu.Unlock()
	assert.Equal(t, extract.KindCancelled, kind)

	engine.mu.Lock()
	defer engine.mu.Unlock()
	assert.Empty(t, engine.calls, "cancelled task must not reach the engine")
}

func TestRunnerCancelsMidFlight(t *testing.T) {
	q := newMemQueue(taskqueue.Payload{TaskID: "t-4", FilePath: "/in/doc.pdf"})
	s := newMemStore()
	engine := &fakeEngine{block: true}
	r := New(Config{Concurrency: 1}, q, s, engine, nil)
	r.cancelPoll = 5 * time.Millisecond
	r.Start()
	defer r.Stop(context.Background())

	waitStatus(t, s, "t-4", "processing")
	q.markCancelled("t-4")

	waitStatus(t, s, "t-4", "failed")
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, extract.KindCancelled, s.failures["t-4"])
}

func TestRunnerDrainsMultipleTasks(t *testing.T) {
	q := newMemQueue(
		taskqueue.Payload{TaskID: "a", FilePath: "/in/a.pdf"},
		taskqueue.Payload{TaskID: "b", FilePath: "/in/b.pdf"},
		taskqueue.Payload{TaskID: "c", FilePath: "/in/c.pdf"},
	)
	s := newMemStore()
	r := New(Config{Concurrency: 2}, q, s, &fakeEngine{res: okResult()}, nil)
	r.Start()
	defer r.Stop(context.Background())

	for _, id := range []string{"a", "b", "c"} {
		waitStatus(t, s, id, "completed")
	}
}

func TestRunnerStopWaitsForLoops(t *testing.T) {
	q := newMemQueue()
	s := newMemStore()
	r := New(Config{Concurrency: 3, PollBlock: 10 * time.Millisecond}, q, s, &fakeEngine{res: okResult()}, nil)
	r.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, r.Stop(ctx))
}

func TestRunnerStopCancelsInFlightAfterGrace(t *testing.T) {
	q := newMemQueue(taskqueue.Payload{TaskID: "t-7", FilePath: "/in/doc.pdf"})
	s := newMemStore()
	engine := &fakeEngine{block: true}
	r := New(Config{Concurrency: 1}, q, s, engine, nil)
	r.Start()

	waitStatus(t, s, "t-7", "processing")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := r.Stop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the engine hangs until its context dies, so Stop returning means
	// the in-flight task was cancelled and its failure recorded
	assert.Equal(t, "failed", s.status("t-7"))
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, extract.KindCancelled, s.failures["t-7"])
}

func TestRunnerForwardsOptions(t *testing.T) {
	q := newMemQueue(taskqueue.Payload{TaskID: "t-5", FilePath: "/in/doc.pdf", Language: "deu", MaxPages: 2})
	s := newMemStore()
	var gotOpts extract.Options
	engine := &captureEngine{inner: &fakeEngine{res: okResult()}, opts: &gotOpts}
	r := New(Config{Concurrency: 1}, q, s, engine, nil)
	r.Start()
	defer r.Stop(context.Background())

	waitStatus(t, s, "t-5", "completed")
	assert.Equal(t, extract.Options{Language: "deu", MaxPages: 2}, gotOpts)
}

type captureEngine struct {
	inner *fakeEngine
	opts  *extract.Options
}

func (e *captureEngine) Extract(ctx context.Context, taskID, filePath string, opts extract.Options, progress extract.ProgressFunc) (*extract.Result, error) {
	*e.opts = opts
	return e.inner.Extract(ctx, taskID, filePath, opts, progress)
}

func TestRunnerMapsOpaqueErrorsToSystemIO(t *testing.T) {
	q := newMemQueue(taskqueue.Payload{TaskID: "t-6", FilePath: "/in/doc.pdf"})
	s := newMemStore()
	r := New(Config{Concurrency: 1}, q, s, &fakeEngine{err: errors.New("opaque crash")}, nil)
	r.Start()
	defer r.Stop(context.Background())

	waitStatus(t, s, "t-6", "failed")
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, extract.KindSystemIO, s.failures["t-6"])
}
