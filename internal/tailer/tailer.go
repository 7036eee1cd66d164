// Package tailer watches configured log sources and emits ordered LogEntry
// values reflecting content appended since each source's last observed
// offset, including across truncation/rotation.
//
// Concurrency: each source's offset, handle and status are guarded by that
// source's own mutex. A read pass runs on whichever goroutine triggers it:
// the fsnotify dispatch loop for create events, a debounce timer for modify
// events, or the periodic sweep. Passes over one source are serialized by
// its mutex; passes over different sources can run concurrently.
package tailer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vigil/vigil/internal/config"
	"github.com/vigil/vigil/internal/model"
	"github.com/vigil/vigil/internal/observability"
	"github.com/vigil/vigil/internal/sandbox"
	"github.com/vigil/vigil/internal/store"
)

// EntrySink is the downstream the tailer pushes entries into — satisfied by
// the priority queue. Kept as a narrow interface here so the tailer package
// never imports the queue package.
type EntrySink interface {
	// Enqueue attempts to admit entry. false means the queue rejected it
	// under backpressure or capacity; the tailer must retry the same
	// content on its next tick rather than advancing past it.
	Enqueue(entry model.LogEntry) bool
}

// sourceState is the tailer's single-owner per-source record.
type sourceState struct {
	mu     sync.Mutex
	cfg    model.LogSourceConfig
	file   *os.File
	offset int64
	size   int64
	partial []byte

	debounceTimer *time.Timer
}

// Tailer watches every enabled LogSourceConfig and feeds an EntrySink.
type Tailer struct {
	cfg     config.TailerConfig
	sandbox *sandbox.Sandbox
	store   store.Store
	sink    EntrySink
	metrics *observability.Metrics
	log     *zap.Logger

	watcher *fsnotify.Watcher

	mu      sync.RWMutex
	sources map[string]*sourceState // by source_name
	dirRefs map[string]int          // watched directory -> reference count

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Tailer. The caller must call Start to begin processing
// filesystem events, and Stop to release the watcher.
func New(cfg config.TailerConfig, sb *sandbox.Sandbox, st store.Store, sink EntrySink, m *observability.Metrics, log *zap.Logger) (*Tailer, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("tailer.New: fsnotify.NewWatcher: %w", err)
	}
	return &Tailer{
		cfg:     cfg,
		sandbox: sb,
		store:   st,
		sink:    sink,
		metrics: m,
		log:     log,
		watcher: w,
		sources: make(map[string]*sourceState),
		dirRefs: make(map[string]int),
		stopCh:  make(chan struct{}),
	}, nil
}

// Start launches the event-dispatch loop and the periodic retry sweep in
// background goroutines and returns immediately; both exit once ctx is
// cancelled or Stop is called.
func (t *Tailer) Start(ctx context.Context) {
	t.wg.Add(2)
	go t.dispatchLoop(ctx)
	go t.sweepLoop(ctx)
}

// Stop releases the fsnotify watcher and waits for loops to exit.
func (t *Tailer) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	_ = t.watcher.Close()
	t.wg.Wait()
}

func (t *Tailer) dispatchLoop(ctx context.Context) {
	defer t.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case ev, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			t.handleEvent(ev)
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.log.Warn("fsnotify error", zap.Error(err))
		}
	}
}

func (t *Tailer) sweepLoop(ctx context.Context) {
	defer t.wg.Done()
	interval := t.cfg.SweepInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.sweepErrored()
		}
	}
}

func (t *Tailer) sweepErrored() {
	t.mu.RLock()
	states := make([]*sourceState, 0, len(t.sources))
	for _, st := range t.sources {
		states = append(states, st)
	}
	t.mu.RUnlock()

	for _, st := range states {
		st.mu.Lock()
		isErr := st.cfg.Status == model.SourceStatusError
		// An offset short of the last observed size means unread bytes
		// remain, e.g. lines the sink rejected on the previous pass.
		backlog := st.offset < st.size
		st.mu.Unlock()
		if isErr || backlog {
			t.processSource(st)
		}
	}
}

// handleEvent routes one fsnotify event to every source whose path it
// matches, applying the modify-event debounce (create events bypass it).
func (t *Tailer) handleEvent(ev fsnotify.Event) {
	t.mu.RLock()
	var matches []*sourceState
	for _, st := range t.sources {
		if t.eventMatchesSource(ev.Name, st) {
			matches = append(matches, st)
		}
	}
	t.mu.RUnlock()

	for _, st := range matches {
		if ev.Op&fsnotify.Create != 0 {
			t.processSource(st)
			continue
		}
		t.debounce(st)
	}
}

func (t *Tailer) eventMatchesSource(eventPath string, st *sourceState) bool {
	st.mu.Lock()
	cfg := st.cfg
	st.mu.Unlock()

	switch cfg.SourceType {
	case model.SourceTypeFile:
		return filepath.Clean(eventPath) == filepath.Clean(cfg.Path)
	case model.SourceTypeDirectory:
		if !pathUnderDir(eventPath, cfg.Path, cfg.Recursive) {
			return false
		}
		if cfg.FilePattern == "" {
			return true
		}
		ok, _ := filepath.Match(cfg.FilePattern, filepath.Base(eventPath))
		return ok
	default:
		return false
	}
}

func pathUnderDir(path, dir string, recursive bool) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == "." || filepath.IsAbs(rel) {
		return false
	}
	if !recursive && filepath.Dir(rel) != "." {
		return false
	}
	return true
}

// debounce coalesces rapid modify events for one path within the
// configured interval.
func (t *Tailer) debounce(st *sourceState) {
	interval := t.cfg.DebounceInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	st.mu.Lock()
	if st.debounceTimer != nil {
		st.debounceTimer.Stop()
	}
	st.debounceTimer = time.AfterFunc(interval, func() { t.processSource(st) })
	st.mu.Unlock()
}

// AddSource validates, sandboxes, persists, and begins watching a new
// source. On first enable the offset seeks to end-of-file for a brand new
// source; if the store already has a persisted offset for this source_name
// (a restart), that offset is honored instead.
func (t *Tailer) AddSource(ctx context.Context, cfg model.LogSourceConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("tailer.AddSource: %w", err)
	}
	resolved, err := t.sandbox.Resolve(cfg.Path)
	if err != nil {
		return fmt.Errorf("tailer.AddSource: %w", err)
	}
	cfg.Path = resolved

	existing, err := t.store.GetSource(ctx, cfg.SourceName)
	if err != nil {
		return fmt.Errorf("tailer.AddSource: lookup existing: %w", err)
	}
	if existing != nil {
		cfg.LastOffset = existing.LastOffset
	} else if cfg.SourceType == model.SourceTypeFile {
		if info, err := os.Stat(cfg.Path); err == nil {
			cfg.LastOffset = info.Size()
			cfg.FileSize = info.Size()
		}
	}
	cfg.Status = model.SourceStatusActive

	if err := t.store.PutSource(ctx, cfg); err != nil {
		return fmt.Errorf("tailer.AddSource: persist: %w", err)
	}

	st := &sourceState{cfg: cfg, offset: cfg.LastOffset, size: cfg.FileSize}

	t.mu.Lock()
	t.sources[cfg.SourceName] = st
	t.mu.Unlock()

	watchDir := cfg.Path
	if cfg.SourceType == model.SourceTypeFile {
		watchDir = filepath.Dir(cfg.Path)
	}
	t.addDirWatch(watchDir)

	return nil
}

// RemoveSource stops watching a source and purges its in-memory and
// persisted state.
func (t *Tailer) RemoveSource(ctx context.Context, name string) error {
	t.mu.Lock()
	st, ok := t.sources[name]
	if ok {
		delete(t.sources, name)
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}

	st.mu.Lock()
	if st.file != nil {
		_ = st.file.Close()
	}
	watchDir := st.cfg.Path
	if st.cfg.SourceType == model.SourceTypeFile {
		watchDir = filepath.Dir(st.cfg.Path)
	}
	st.mu.Unlock()

	t.removeDirWatch(watchDir)

	return t.store.DeleteSource(ctx, name)
}

func (t *Tailer) addDirWatch(dir string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dirRefs[dir] == 0 {
		if err := t.watcher.Add(dir); err != nil {
			t.log.Warn("failed to watch directory", zap.String("dir", dir), zap.Error(err))
			return
		}
	}
	t.dirRefs[dir]++
}

func (t *Tailer) removeDirWatch(dir string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dirRefs[dir]--
	if t.dirRefs[dir] <= 0 {
		delete(t.dirRefs, dir)
		_ = t.watcher.Remove(dir)
	}
}

// processSource performs one read pass: detect rotation, read newly
// appended bytes, split into lines, and push each to the sink. It stops at
// the first entry the sink rejects so that line is re-read on the next
// pass rather than skipped.
func (t *Tailer) processSource(st *sourceState) {
	st.mu.Lock()
	defer st.mu.Unlock()

	info, err := os.Stat(st.cfg.Path)
	if err != nil {
		st.cfg.Status = model.SourceStatusError
		st.cfg.ErrorMessage = err.Error()
		return
	}

	if info.Size() < st.offset {
		t.metrics.RotationsDetectedTotal.WithLabelValues(st.cfg.SourceName).Inc()
		if st.file != nil {
			_ = st.file.Close()
			st.file = nil
		}
		st.offset = 0
		st.partial = st.partial[:0]
	}
	st.size = info.Size()

	if st.file == nil {
		f, err := os.Open(st.cfg.Path)
		if err != nil {
			st.cfg.Status = model.SourceStatusError
			st.cfg.ErrorMessage = err.Error()
			return
		}
		st.file = f
	}

	if _, err := st.file.Seek(st.offset, io.SeekStart); err != nil {
		st.cfg.Status = model.SourceStatusError
		st.cfg.ErrorMessage = err.Error()
		return
	}

	reader := bufio.NewReader(st.file)
	cursor := st.offset

	for {
		chunk, err := reader.ReadBytes('\n')
		if len(chunk) == 0 && err != nil {
			break
		}
		line := chunk
		complete := len(line) > 0 && line[len(line)-1] == '\n'
		if complete {
			line = line[:len(line)-1]
		} else {
			// Trailing partial line: stash it and stop; it will be
			// completed and re-read from cursor on a future pass.
			st.partial = append([]byte{}, line...)
			break
		}

		content, truncated := model.TruncateContent(string(line))
		if truncated {
			t.metrics.TruncatedLinesTotal.WithLabelValues(st.cfg.SourceName).Inc()
		}

		entry := model.LogEntry{
			EntryID:    uuid.NewString(),
			Content:    content,
			SourceName: st.cfg.SourceName,
			SourcePath: st.cfg.Path,
			Timestamp:  time.Now().UTC(),
			Priority:   model.Priority(st.cfg.Priority / 2),
			FileOffset: cursor + int64(len(chunk)),
			Status:     model.StatusPending,
			MaxRetries: 3,
			CreatedAt:  time.Now().UTC(),
		}
		if entry.Priority < model.PriorityCritical {
			entry.Priority = model.PriorityCritical
		}
		if entry.Priority > model.PriorityBulk {
			entry.Priority = model.PriorityBulk
		}

		if !t.sink.Enqueue(entry) {
			// Backpressure: do not advance past this line. Retry next tick.
			break
		}

		cursor += int64(len(chunk))
		st.offset = cursor
		t.metrics.LinesReadTotal.WithLabelValues(st.cfg.SourceName).Inc()
		t.metrics.BytesReadTotal.WithLabelValues(st.cfg.SourceName).Add(float64(len(chunk)))

		if err != nil {
			break
		}
	}

	st.cfg.LastOffset = st.offset
	st.cfg.FileSize = st.size
	st.cfg.Status = model.SourceStatusActive
	st.cfg.ErrorMessage = ""
	st.cfg.LastMonitored = time.Now().UTC()

	cfgCopy := st.cfg
	go func() {
		if err := t.store.PutSource(context.Background(), cfgCopy); err != nil {
			t.log.Warn("failed to persist source offset", zap.String("source", cfgCopy.SourceName), zap.Error(err))
		}
	}()
}
