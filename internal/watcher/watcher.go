package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/kubev2v/heap-monitor/pkg/metrics"
	"github.com/lthibault/jitterbug/v2"
	"github.com/thoas/go-funk"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"
)

const (
	DefaultDebounce   = 2 * time.Second
	DefaultHorizon    = 24 * time.Hour
	DefaultMaxTracked = 10000

	eventBufferSize = 64
)

var DefaultExtensions = []string{".hprof", ".dump", ".bin"}

// Event reports an artifact whose size and modification time stayed unchanged for the debounce interval.
type Event struct {
	Path       string
	DetectedAt time.Time
	Size       int64
}

type Config struct {
	Dir        string
	Extensions []string
	Debounce   time.Duration
	// InitialScan makes files present before Run eligible for processing.
	InitialScan bool
	// Horizon bounds how long an emitted path is remembered.
	Horizon    time.Duration
	MaxTracked int
	// RescanInterval defaults to Debounce.
	RescanInterval time.Duration
}

func DefaultConfig(dir string) Config {
	return Config{
		Dir:         dir,
		Extensions:  DefaultExtensions,
		Debounce:    DefaultDebounce,
		InitialScan: true,
		Horizon:     DefaultHorizon,
		MaxTracked:  DefaultMaxTracked,
	}
}

type WatcherOption func(w *Watcher)

func WithClock(c clock.Clock) WatcherOption {
	return func(w *Watcher) {
		w.clock = c
	}
}

type sample struct {
	size    int64
	modTime time.Time
	since   time.Time
}

type Watcher struct {
	cfg    Config
	clock  clock.Clock
	log    *zap.SugaredLogger
	events chan Event

	lock       sync.Mutex
	candidates map[string]sample
	emitted    map[string]time.Time
	// ignored holds the files found at startup when the initial scan is disabled.
	ignored sets.Set[string]
}

func New(cfg Config, opts ...WatcherOption) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, errors.New("watch directory is not set")
	}
	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolving watch directory: %w", err)
	}
	cfg.Dir = dir

	if len(cfg.Extensions) == 0 {
		cfg.Extensions = DefaultExtensions
	}
	cfg.Extensions = funk.Map(cfg.Extensions, normalizeExtension).([]string)
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = DefaultHorizon
	}
	if cfg.MaxTracked <= 0 {
		cfg.MaxTracked = DefaultMaxTracked
	}
	if cfg.RescanInterval <= 0 {
		cfg.RescanInterval = cfg.Debounce
	}

	w := &Watcher{
		cfg:        cfg,
		clock:      clock.RealClock{},
		log:        zap.S().Named("watcher"),
		events:     make(chan Event, eventBufferSize),
		candidates: make(map[string]sample),
		emitted:    make(map[string]time.Time),
		ignored:    sets.New[string](),
	}
	for _, o := range opts {
		o(w)
	}

	if !cfg.InitialScan {
		w.ignoreExisting()
	}

	return w, nil
}

func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Tracked returns the number of emitted paths currently remembered.
func (w *Watcher) Tracked() int {
	w.lock.Lock()
	defer w.lock.Unlock()
	return len(w.emitted)
}

// Run watches the directory until ctx is done. It never closes the events channel.
func (w *Watcher) Run(ctx context.Context) error {
	w.log.Infow("watching directory", "dir", w.cfg.Dir, "extensions", w.cfg.Extensions, "debounce", w.cfg.Debounce)

	var (
		fsEvents chan fsnotify.Event
		fsErrors chan error
	)
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warnw("filesystem notifications unavailable, relying on rescans", "error", err)
	} else {
		defer fsw.Close()
		if err := fsw.Add(w.cfg.Dir); err != nil {
			w.log.Warnw("failed to watch directory, relying on rescans", "dir", w.cfg.Dir, "error", err)
		} else {
			fsEvents, fsErrors = fsw.Events, fsw.Errors
		}
	}

	ticker := jitterbug.New(w.cfg.RescanInterval, &jitterbug.Norm{Stdev: w.cfg.RescanInterval / 10, Mean: 0})
	defer ticker.Stop()

	w.Scan(ctx)

	// followUp fires one debounce after a notification seeded a sample
	var followUp <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			w.log.Info("watcher stopped")
			return nil
		case <-ticker.C:
			w.Scan(ctx)
		case <-followUp:
			followUp = nil
			w.Scan(ctx)
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if w.handleNotification(ev) && followUp == nil {
				followUp = w.clock.After(w.cfg.Debounce)
			}
		case err, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
				continue
			}
			w.log.Warnw("filesystem notification error", "error", err)
		}
	}
}

// Scan performs one sampling pass over the directory and emits the files found stable.
func (w *Watcher) Scan(ctx context.Context) {
	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		w.log.Warnw("failed to list directory", "dir", w.cfg.Dir, "error", err)
		return
	}

	now := w.clock.Now()
	present := sets.New[string]()
	var ready []Event

	w.lock.Lock()
	for _, entry := range entries {
		if entry.IsDir() || !w.matches(entry.Name()) {
			continue
		}
		path := filepath.Join(w.cfg.Dir, entry.Name())
		present.Insert(path)
		if _, done := w.emitted[path]; done || w.ignored.Has(path) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				w.log.Warnw("failed to stat artifact", "path", path, "error", err)
			}
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}

		prev, seen := w.candidates[path]
		if !seen || prev.size != info.Size() || !prev.modTime.Equal(info.ModTime()) {
			w.candidates[path] = sample{size: info.Size(), modTime: info.ModTime(), since: now}
			continue
		}
		if now.Sub(prev.since) < w.cfg.Debounce {
			continue
		}

		delete(w.candidates, path)
		w.emitted[path] = now
		ready = append(ready, Event{Path: path, DetectedAt: now, Size: info.Size()})
	}
	w.forgetMissing(present)
	w.evict(now)
	w.lock.Unlock()

	for _, ev := range ready {
		select {
		case w.events <- ev:
			metrics.IncreaseArtifactsDetectedMetric()
			w.log.Debugw("artifact is stable", "path", ev.Path, "size", ev.Size)
		case <-ctx.Done():
			return
		}
	}
}

// handleNotification reports whether a sample was recorded and a follow-up scan is needed.
func (w *Watcher) handleNotification(ev fsnotify.Event) bool {
	if filepath.Dir(ev.Name) != w.cfg.Dir || !w.matches(filepath.Base(ev.Name)) {
		return false
	}
	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		w.lock.Lock()
		w.forget(ev.Name)
		w.lock.Unlock()
		return false
	}
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return false
	}

	info, err := os.Stat(ev.Name)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}

	w.lock.Lock()
	defer w.lock.Unlock()
	if _, done := w.emitted[ev.Name]; done || w.ignored.Has(ev.Name) {
		return false
	}
	prev, seen := w.candidates[ev.Name]
	if !seen || prev.size != info.Size() || !prev.modTime.Equal(info.ModTime()) {
		w.candidates[ev.Name] = sample{size: info.Size(), modTime: info.ModTime(), since: w.clock.Now()}
	}
	w.log.Debugw("artifact changed", "path", ev.Name, "op", ev.Op.String())
	return true
}

func (w *Watcher) ignoreExisting() {
	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		w.log.Warnw("failed to list directory", "dir", w.cfg.Dir, "error", err)
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() && w.matches(entry.Name()) {
			w.ignored.Insert(filepath.Join(w.cfg.Dir, entry.Name()))
		}
	}
	w.log.Infow("skipping pre-existing artifacts", "count", w.ignored.Len())
}

// forgetMissing must be called with the lock held.
func (w *Watcher) forgetMissing(present sets.Set[string]) {
	for path := range w.candidates {
		if !present.Has(path) {
			delete(w.candidates, path)
		}
	}
	for path := range w.emitted {
		if !present.Has(path) {
			delete(w.emitted, path)
		}
	}
	w.ignored = w.ignored.Intersection(present)
}

// forget must be called with the lock held.
func (w *Watcher) forget(path string) {
	delete(w.candidates, path)
	delete(w.emitted, path)
	w.ignored.Delete(path)
}

// evict drops emitted paths older than the horizon, then the oldest ones above the cap.
// It must be called with the lock held.
func (w *Watcher) evict(now time.Time) {
	for path, at := range w.emitted {
		if now.Sub(at) > w.cfg.Horizon {
			delete(w.emitted, path)
		}
	}
	for len(w.emitted) > w.cfg.MaxTracked {
		var (
			oldest   string
			oldestAt time.Time
		)
		for path, at := range w.emitted {
			if oldest == "" || at.Before(oldestAt) {
				oldest, oldestAt = path, at
			}
		}
		delete(w.emitted, oldest)
	}
}

func (w *Watcher) matches(name string) bool {
	return funk.ContainsString(w.cfg.Extensions, strings.ToLower(filepath.Ext(name)))
}

func normalizeExtension(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
