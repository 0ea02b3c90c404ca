package am

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/teranos/raidpulse/errors"
)

// ReloadCallback receives a validated config after the watched file changed.
type ReloadCallback func(*Config) error

// ConfigWatcher reloads one config file when it changes on disk. Bursts of
// events (editors often write twice) collapse into one reload.
type ConfigWatcher struct {
	path     string
	fs       *fsnotify.Watcher
	settle   time.Duration
	load     func() (*Config, error)
	ownWrite atomic.Bool
	logger   *zap.SugaredLogger

	mu        sync.Mutex
	callbacks []ReloadCallback
	pending   *time.Timer
	stopped   bool
}

var (
	activeWatcher   *ConfigWatcher
	activeWatcherMu sync.Mutex
)

// NewConfigWatcher watches configPath. A change is loaded with LoadFromFile
// and must pass Validate before any callback sees it.
func NewConfigWatcher(configPath string, log *zap.SugaredLogger) (*ConfigWatcher, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}
	// The directory, not the file: editors that save by rename replace the inode
	if err := fs.Add(filepath.Dir(configPath)); err != nil {
		fs.Close()
		return nil, errors.Wrapf(err, "failed to watch directory of %s", configPath)
	}

	path := filepath.Clean(configPath)
	return &ConfigWatcher{
		path:   path,
		fs:     fs,
		settle: 500 * time.Millisecond,
		logger: log.Named("am"),
		load: func() (*Config, error) {
			cfg, err := LoadFromFile(path)
			if err != nil {
				return nil, err
			}
			return cfg, cfg.Validate()
		},
	}, nil
}

// OnReload adds a callback. Callbacks run in registration order.
func (cw *ConfigWatcher) OnReload(cb ReloadCallback) {
	cw.mu.Lock()
	cw.callbacks = append(cw.callbacks, cb)
	cw.mu.Unlock()
}

// MarkOwnWrite suppresses the reload for the next change, which raidpulse
// itself is about to make.
func (cw *ConfigWatcher) MarkOwnWrite() {
	cw.ownWrite.Store(true)
}

// Start consumes file events until Stop.
func (cw *ConfigWatcher) Start() {
	go func() {
		for {
			select {
			case ev, ok := <-cw.fs.Events:
				if !ok {
					return
				}
				cw.handle(ev)
			case err, ok := <-cw.fs.Errors:
				if !ok {
					return
				}
				cw.logger.Warnw("Config watcher error", "error", err)
			}
		}
	}()
}

func (cw *ConfigWatcher) handle(ev fsnotify.Event) {
	if filepath.Clean(ev.Name) != cw.path || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
		return
	}
	if cw.ownWrite.CompareAndSwap(true, false) {
		cw.logger.Debugw("Ignoring own config write", "file", ev.Name)
		return
	}
	cw.logger.Infow("Config file changed", "file", ev.Name, "op", ev.Op.String())

	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.stopped {
		return
	}
	if cw.pending != nil {
		cw.pending.Stop()
	}
	cw.pending = time.AfterFunc(cw.settle, func() {
		if err := cw.reload(); err != nil {
			cw.logger.Errorw("Config reload rejected", "path", cw.path, "error", err)
		}
	})
}

func (cw *ConfigWatcher) reload() error {
	cfg, err := cw.load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	Reset()
	cw.logger.Infow("Config reloaded", "path", cw.path)

	cw.mu.Lock()
	callbacks := append([]ReloadCallback(nil), cw.callbacks...)
	cw.mu.Unlock()

	for _, cb := range callbacks {
		if err := cb(cfg); err != nil {
			cw.logger.Warnw("Config reload callback failed", "error", err)
		}
	}
	return nil
}

// Stop cancels a pending reload and closes the underlying watcher.
func (cw *ConfigWatcher) Stop() error {
	cw.mu.Lock()
	cw.stopped = true
	if cw.pending != nil {
		cw.pending.Stop()
	}
	cw.mu.Unlock()
	return cw.fs.Close()
}

// SetGlobalWatcher registers the daemon's watcher so Save can mark its own
// writes.
func SetGlobalWatcher(w *ConfigWatcher) {
	activeWatcherMu.Lock()
	activeWatcher = w
	activeWatcherMu.Unlock()
}

func GetGlobalWatcher() *ConfigWatcher {
	activeWatcherMu.Lock()
	defer activeWatcherMu.Unlock()
	return activeWatcher
}
