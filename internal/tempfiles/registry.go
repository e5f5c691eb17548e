package tempfiles

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/local/docextract/internal/config"
	"github.com/local/docextract/internal/metrics"
)

// Entry is one tracked temp artifact.
type Entry struct {
	ID        string
	SessionID string
	Path      string
	IsDir     bool
	SizeBytes int64
	CreatedAt time.Time
}

// Registry tracks every temp file and directory the service creates so
// that nothing outlives its session or the configured caps. All state
// sits behind one mutex; deletion failures are logged and counted but
// never propagated to callers.
type Registry struct {
	cfg config.TempFilesConfig

	mu      sync.Mutex
	entries map[string]*Entry

	failedDeletes int64

	generate func(base string) string

	stop chan struct{}
	done chan struct{}
}

// New creates a Registry and starts its background sweeper.
func New(cfg config.TempFilesConfig) *Registry {
	r := &Registry{
		cfg:      cfg,
		entries:  make(map[string]*Entry),
		generate: Generate,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// Generate produces a collision-resistant temp name from base:
// base_<unixMillis>_<pid>_<6 base36 chars>.
func Generate(base string) string {
	suffix := make([]byte, 6)
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	for i := range suffix {
		suffix[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return fmt.Sprintf("%s_%d_%d_%s", base, time.Now().UnixMilli(), os.Getpid(), suffix)
}

// CreateDir makes a session-scoped directory under parent and registers
// it. A name collision retries with a fresh name rather than merging
// into the existing directory.
func (r *Registry) CreateDir(sessionID, parent, base string) (string, error) {
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", fmt.Errorf("create temp dir parent: %w", err)
	}
	for attempt := 0; attempt < 5; attempt++ {
		path := filepath.Join(parent, r.generate(base))
		err := os.Mkdir(path, 0o755)
		if err == nil {
			r.Register(sessionID, path, true, 0)
			return path, nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("create temp dir: %w", err)
		}
	}
	return "", fmt.Errorf("create temp dir: name collisions for %q exhausted retries", base)
}

// Register adds an existing file or directory to the ledger and returns
// its entry ID.
func (r *Registry) Register(sessionID, path string, isDir bool, sizeBytes int64) string {
	e := &Entry{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Path:      path,
		IsDir:     isDir,
		SizeBytes: sizeBytes,
		CreatedAt: time.Now(),
	}
	r.mu.Lock()
	r.entries[e.ID] = e
	r.mu.Unlock()
	metrics.IncTempFile("created")
	return e.ID
}

// ReleaseBySession deletes every entry belonging to sessionID. Entries are
// removed from the ledger regardless of deletion outcome; failures are
// isolated per entry. Returns the number of entries processed.
func (r *Registry) ReleaseBySession(sessionID string) int {
	r.mu.Lock()
	var victims []*Entry
	for id, e := range r.entries {
		if e.SessionID == sessionID {
			victims = append(victims, e)
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range victims {
		wg.Add(1)
		go func(e *Entry) {
			defer wg.Done()
			r.remove(e)
		}(e)
	}
	wg.Wait()
	return len(victims)
}

// ReleaseByID deletes a single entry. Reports whether the ID was known.
// Releasing an unknown or already-released ID is a no-op.
func (r *Registry) ReleaseByID(id string) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.remove(e)
	return true
}

// LiveCountForSession returns the number of entries still held for a session.
func (r *Registry) LiveCountForSession(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.SessionID == sessionID {
			n++
		}
	}
	return n
}

// LiveCount returns the total number of tracked entries.
func (r *Registry) LiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// FailedDeletes returns how many deletions have failed so far.
func (r *Registry) FailedDeletes() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failedDeletes
}

// Sweep evicts entries that violate the caps: anything older than MaxAge,
// then oldest-first until count and total size fit. Exposed for tests; the
// background loop calls it periodically.
func (r *Registry) Sweep() int {
	now := time.Now()

	r.mu.Lock()
	all := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })

	var victims []*Entry
	var totalSize int64
	live := 0
	for _, e := range all {
		if now.Sub(e.CreatedAt) > r.cfg.MaxAge {
			victims = append(victims, e)
			delete(r.entries, e.ID)
			continue
		}
		live++
		totalSize += e.SizeBytes
	}
	// oldest-first eviction down to the count and size caps
	for _, e := range all {
		if live <= r.cfg.MaxCount && totalSize <= r.cfg.MaxSizeBytes {
			break
		}
		if _, ok := r.entries[e.ID]; !ok {
			continue
		}
		victims = append(victims, e)
		delete(r.entries, e.ID)
		live--
		totalSize -= e.SizeBytes
	}
	r.mu.Unlock()

	for _, e := range victims {
		r.remove(e)
		metrics.IncTempFile("swept")
	}
	if len(victims) > 0 {
		log.Debug().Int("count", len(victims)).Msg("temp sweep evicted entries")
	}
	return len(victims)
}

// Close stops the sweeper and releases every entry still in the ledger,
// so shutdown leaves no tracked artifact on disk.
func (r *Registry) Close() {
	close(r.stop)
	<-r.done

	r.mu.Lock()
	victims := make([]*Entry, 0, len(r.entries))
	for id, e := range r.entries {
		victims = append(victims, e)
		delete(r.entries, id)
	}
	r.mu.Unlock()
	for _, e := range victims {
		r.remove(e)
	}
	if len(victims) > 0 {
		log.Info().Int("count", len(victims)).Msg("temp registry released remaining entries on close")
	}
}

func (r *Registry) sweepLoop() {
	defer close(r.done)
	interval := r.cfg.MaxAge / 4
	if interval < time.Second {
		interval = time.Second
	}
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

func (r *Registry) remove(e *Entry) {
	var err error
	if e.IsDir {
		err = os.RemoveAll(e.Path)
	} else {
		err = os.Remove(e.Path)
		if os.IsNotExist(err) {
			err = nil
		}
	}
	if err != nil {
		r.mu.Lock()
		r.failedDeletes++
		r.mu.Unlock()
		metrics.IncTempFile("failed")
		log.Warn().Err(err).Str("path", e.Path).Msg("temp delete failed")
		return
	}
	metrics.IncTempFile("released")
}
