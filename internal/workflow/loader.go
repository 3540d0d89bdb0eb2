package workflow

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/jpicklyk/task-orchestrator/internal/log"
)

const (
	// ConfigDir is the per-project directory holding orchestrator state.
	ConfigDir = ".taskorchestrator"
	// ConfigFile is the workflow definition inside ConfigDir.
	ConfigFile = "config.yaml"

	defaultRecheck = 60 * time.Second
)

// ConfigPath resolves the workflow config location under a config root.
func ConfigPath(configRoot string) string {
	return filepath.Join(configRoot, ConfigDir, ConfigFile)
}

// Loader serves the active workflow configuration and refreshes it when
// the backing file changes. Readers always get a complete snapshot; a
// failed reload keeps the previous config active.
type Loader struct {
	path    string
	recheck time.Duration
	logger  zerolog.Logger

	mu        sync.RWMutex
	cfg       *Config
	mtime     time.Time
	checkedAt time.Time

	dirty   atomic.Bool
	group   singleflight.Group
	watcher *fsnotify.Watcher
}

// NewLoader loads the configuration under configRoot. A missing file is
// not an error: defaults apply until the file appears. A present but
// invalid file is an error, since silently ignoring it at startup would
// run agents against the wrong workflow.
func NewLoader(configRoot string) (*Loader, error) {
	l := &Loader{
		path:    ConfigPath(configRoot),
		recheck: defaultRecheck,
		logger:  log.WithComponent("workflow"),
	}
	if err := l.load(); err != nil {
		return nil, err
	}

	// Watch the config directory so edits take effect on the next read
	// instead of waiting out the poll interval. The mtime poll stays as
	// fallback when the directory does not exist yet.
	if w, err := fsnotify.NewWatcher(); err == nil {
		if err := w.Add(filepath.Dir(l.path)); err == nil {
			l.watcher = w
			go l.watch()
		} else {
			w.Close()
		}
	}
	return l, nil
}

// Path returns the config file location this loader reads.
func (l *Loader) Path() string {
	return l.path
}

// Close stops the file watcher.
func (l *Loader) Close() error {
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

// Config returns the active configuration, reloading first if the file
// changed. Concurrent callers share a single reload.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	cfg := l.cfg
	stale := l.dirty.Load() || time.Since(l.checkedAt) >= l.recheck
	l.mu.RUnlock()

	if stale {
		l.group.Do("reload", func() (any, error) {
			l.maybeReload()
			return nil, nil
		})
		l.mu.RLock()
		cfg = l.cfg
		l.mu.RUnlock()
	}
	return cfg
}

// Invalidate forces the next Config call to re-stat the file.
func (l *Loader) Invalidate() {
	l.dirty.Store(true)
}

func (l *Loader) load() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			l.cfg = Default()
			l.checkedAt = time.Now()
			l.logger.Debug().Str("path", l.path).Msg("no workflow config, using defaults")
			return nil
		}
		return err
	}
	cfg, err := Parse(data)
	if err != nil {
		return err
	}
	l.cfg = cfg
	if info, err := os.Stat(l.path); err == nil {
		l.mtime = info.ModTime()
	}
	l.checkedAt = time.Now()
	l.logger.Info().Str("path", l.path).Msg("workflow config loaded")
	return nil
}

func (l *Loader) maybeReload() {
	dirty := l.dirty.Swap(false)
	info, statErr := os.Stat(l.path)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.checkedAt = time.Now()

	if statErr != nil {
		if !os.IsNotExist(statErr) {
			l.logger.Warn().Err(statErr).Msg("cannot stat workflow config")
			return
		}
		if !l.mtime.IsZero() {
			l.cfg = Default()
			l.mtime = time.Time{}
			l.logger.Info().Msg("workflow config removed, defaults restored")
		}
		return
	}
	if !dirty && info.ModTime().Equal(l.mtime) {
		return
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		l.logger.Warn().Err(err).Msg("cannot read workflow config")
		return
	}
	cfg, err := Parse(data)
	if err != nil {
		// Keep serving the previous config. Remember the mtime so the
		// broken file is not re-parsed on every read.
		l.mtime = info.ModTime()
		l.logger.Error().Err(err).Msg("workflow config reload failed, keeping previous")
		return
	}
	l.cfg = cfg
	l.mtime = info.ModTime()
	l.logger.Info().Str("path", l.path).Msg("workflow config reloaded")
}

func (l *Loader) watch() {
	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != ConfigFile {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				l.dirty.Store(true)
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn().Err(err).Msg("workflow config watcher error")
		}
	}
}
