package app

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"probe-calib/internal/config"
)

// ConfigWatcher polls the calibration config file and reloads it when its
// modification time moves forward. Camera models can be re-surveyed and
// pushed into a running session without a restart.
type ConfigWatcher struct {
	path          string
	checkInterval time.Duration
	logger        *log.Logger

	mu       sync.Mutex
	baseline time.Time
	stopCh   chan struct{}
	onChange func(*config.Config)
	onError  func(error)
}

// NewConfigWatcher creates a watcher for the config file at path.
func NewConfigWatcher(path string, checkInterval time.Duration, logger *log.Logger) (*ConfigWatcher, error) {
	if logger == nil {
		logger = log.Default()
	}

	// Resolve symlinks so a repointed link is seen as a change of target.
	if real, err := filepath.EvalSymlinks(path); err == nil {
		path = real
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("watch config: %w", err)
	}

	return &ConfigWatcher{
		path:          path,
		checkInterval: checkInterval,
		logger:        logger,
		baseline:      info.ModTime(),
	}, nil
}

// OnChange sets the callback invoked with each successfully reloaded config.
// It runs on the watcher goroutine.
func (w *ConfigWatcher) OnChange(callback func(*config.Config)) {
	w.mu.Lock()
	w.onChange = callback
	w.mu.Unlock()
}

// OnError sets the callback invoked when a changed file fails to load.
func (w *ConfigWatcher) OnError(callback func(error)) {
	w.mu.Lock()
	w.onError = callback
	w.mu.Unlock()
}

// Path returns the watched file.
func (w *ConfigWatcher) Path() string {
	return w.path
}

// Start begins polling in a background goroutine.
func (w *ConfigWatcher) Start() {
	w.mu.Lock()
	w.stopCh = make(chan struct{})
	stop := w.stopCh
	w.mu.Unlock()
	go w.watchLoop(stop)
}

// Stop ends polling. Safe to call more than once.
func (w *ConfigWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopCh != nil {
		close(w.stopCh)
		w.stopCh = nil
	}
}

func (w *ConfigWatcher) watchLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(w.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			w.Check()
		}
	}
}

// Check reloads the config if the file changed since the last successful or
// failed load. It reports whether a reload was attempted.
func (w *ConfigWatcher) Check() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		return false
	}

	w.mu.Lock()
	if !info.ModTime().After(w.baseline) {
		w.mu.Unlock()
		return false
	}
	// Advance first so a broken file is reported once, not every tick.
	w.baseline = info.ModTime()
	onChange, onError := w.onChange, w.onError
	w.mu.Unlock()

	cfg, err := config.Load(w.path)
	if err != nil {
		w.logger.Printf("Config reload: %v", err)
		if onError != nil {
			onError(err)
		}
		return true
	}

	w.logger.Printf("Config reload: %s changed (modified %s)", w.path, info.ModTime().Format("15:04:05"))
	if onChange != nil {
		onChange(cfg)
	}
	return true
}

// ApplyConfig pushes reloaded camera models into the session. Detection
// parameters and thresholds only take effect on restart.
func (s *Session) ApplyConfig(cfg *config.Config) error {
	cams, err := cfg.StereoCameras()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return s.SetCameras(cams)
}
