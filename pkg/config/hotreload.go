package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Reloadable holds the settings that may change without a restart
type Reloadable struct {
	LogLevel         string
	AdmissionEnabled bool
}

// ReloadCallback receives the settings after every successful reload
type ReloadCallback func(Reloadable)

// HotReloader watches the .env file and re-applies the reloadable settings
// when it changes. Other settings in the file are ignored until restart.
type HotReloader struct {
	path     string
	logger   *logrus.Logger
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu        sync.Mutex
	current   Reloadable
	callbacks []ReloadCallback
	started   bool

	reloadChan chan struct{}
	stop       chan struct{}
	wg         sync.WaitGroup
}

// NewHotReloader creates a reloader for the env file the config was loaded from
func NewHotReloader(config *Config, logger *logrus.Logger) (*HotReloader, error) {
	if config.EnvFile == "" {
		return nil, fmt.Errorf("no .env file was loaded")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &HotReloader{
		path:     config.EnvFile,
		logger:   logger,
		watcher:  watcher,
		debounce: time.Second,
		current: Reloadable{
			LogLevel:         config.Logging.Level,
			AdmissionEnabled: config.Admission.Enabled,
		},
		reloadChan: make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}, nil
}

// OnReload registers a callback
func (h *HotReloader) OnReload(cb ReloadCallback) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.callbacks = append(h.callbacks, cb)
}

// Start watches the directory holding the env file. Editors often replace the
// file instead of writing it, so the directory is watched rather than the file.
func (h *HotReloader) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return fmt.Errorf("hot reload already started")
	}
	if err := h.watcher.Add(filepath.Dir(h.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(h.path), err)
	}
	h.started = true

	h.wg.Add(2)
	go h.watchFiles()
	go h.handleReloads()

	h.logger.WithField("path", h.path).Info("Configuration hot reload started")
	return nil
}

// Stop stops watching. It is safe to call more than once.
func (h *HotReloader) Stop() {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		h.watcher.Close()
		return
	}
	h.started = false
	h.mu.Unlock()

	close(h.stop)
	h.watcher.Close()
	h.wg.Wait()
}

// Reload re-reads the env file and runs the callbacks when a reloadable
// setting changed.
func (h *HotReloader) Reload() error {
	values, err := godotenv.Read(h.path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", h.path, err)
	}

	h.mu.Lock()
	next := parseReloadable(values, h.current, h.logger)
	changed := next != h.current
	h.current = next
	callbacks := append([]ReloadCallback(nil), h.callbacks...)
	h.mu.Unlock()

	if !changed {
		h.logger.Debug("Env file changed, no reloadable settings differ")
		return nil
	}

	h.logger.WithFields(logrus.Fields{
		"log_level":         next.LogLevel,
		"admission_enabled": next.AdmissionEnabled,
	}).Info("Reloaded configuration")
	for _, cb := range callbacks {
		cb(next)
	}
	return nil
}

func (h *HotReloader) watchFiles() {
	defer h.wg.Done()

	for {
		select {
		case <-h.stop:
			return

		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(h.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			select {
			case h.reloadChan <- struct{}{}:
			default:
				// reload already pending
			}

		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.WithError(err).Error("File watcher error")
		}
	}
}

func (h *HotReloader) handleReloads() {
	defer h.wg.Done()

	for {
		select {
		case <-h.stop:
			return
		case <-h.reloadChan:
		}

		// Let a burst of writes settle
		select {
		case <-h.stop:
			return
		case <-time.After(h.debounce):
		}
		select {
		case <-h.reloadChan:
		default:
		}

		if err := h.Reload(); err != nil {
			h.logger.WithError(err).Warn("Configuration reload failed")
		}
	}
}

// parseReloadable applies the values present in the file over current.
// Invalid values keep the current setting.
func parseReloadable(values map[string]string, current Reloadable, logger *logrus.Logger) Reloadable {
	next := current

	if level, ok := values["LOG_LEVEL"]; ok {
		if _, err := logrus.ParseLevel(level); err != nil {
			logger.Warnf("Ignoring invalid LOG_LEVEL '%s' on reload", level)
		} else {
			next.LogLevel = strings.ToLower(level)
		}
	}

	if raw, ok := values["RATE_LIMIT_SIP_ENABLED"]; ok {
		if enabled, valid := parseBool(raw); !valid {
			logger.Warnf("Ignoring invalid RATE_LIMIT_SIP_ENABLED '%s' on reload", raw)
		} else {
			next.AdmissionEnabled = enabled
		}
	}

	return next
}
