// Package config holds the dispatch engine's tunables and watches its
// config file for changes, debouncing rapid edits the way
// policy-service's opaManager.Watch did for .rego reloads.
package config

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/taskqueue/engine/internal/model"
)

// Config is the dispatch engine's mutable tunables — everything the spec
// marks as an authoritative constant is a compiled-in default here, but
// the deployment can override via the config file or environment.
type Config struct {
	StorePath              string        `json:"storePath"`
	NATSURL                string        `json:"natsUrl"`
	ClaimTimeout           time.Duration `json:"claimTimeout"`
	ClaimLongPoll          time.Duration `json:"claimLongPoll"`
	PendingCountCacheTTL   time.Duration `json:"pendingCountCacheTTL"`
	TaskGroupExpiresExtend time.Duration `json:"taskGroupExpiresExtend"`
	ClaimExpirationBatch   int           `json:"claimExpirationBatch"`
	DeadlineBatch          int           `json:"deadlineBatch"`
	ResolvedBatch          int           `json:"resolvedBatch"`
	JWTSigningSecret       string        `json:"-"`
}

// Default returns the compiled-in configuration matching the constants
// table in §6.
func Default() Config {
	return Config{
		StorePath:              "./data",
		NATSURL:                "",
		ClaimTimeout:           5 * time.Minute,
		ClaimLongPoll:          model.ClaimLongPoll,
		PendingCountCacheTTL:   model.PendingCountCacheTTL,
		TaskGroupExpiresExtend: 24 * time.Hour,
		ClaimExpirationBatch:   20,
		DeadlineBatch:          20,
		ResolvedBatch:          20,
	}
}

// FromEnv overlays environment variables onto the defaults.
func FromEnv(base Config) Config {
	if v := os.Getenv("TASKQUEUE_STORE_PATH"); v != "" {
		base.StorePath = v
	}
	if v := os.Getenv("TASKQUEUE_NATS_URL"); v != "" {
		base.NATSURL = v
	}
	if v := os.Getenv("TASKQUEUE_JWT_SECRET"); v != "" {
		base.JWTSigningSecret = v
	}
	return base
}

// Watcher hot-reloads a JSON config file, debouncing rapid edits.
type Watcher struct {
	mu   sync.RWMutex
	path string
	cur  Config
}

// NewWatcher loads path (if present) over base and returns a Watcher
// holding the merged result.
func NewWatcher(path string, base Config) (*Watcher, error) {
	w := &Watcher{path: path, cur: base}
	if path != "" {
		if err := w.load(base); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	return w, nil
}

func (w *Watcher) load(base Config) error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return err
	}
	merged := base
	if err := json.Unmarshal(data, &merged); err != nil {
		return err
	}
	w.mu.Lock()
	w.cur = merged
	w.mu.Unlock()
	return nil
}

// Current returns a snapshot of the live configuration.
func (w *Watcher) Current() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cur
}

// Watch blocks, reloading on filesystem changes until ctx is done. cb is
// invoked with nil after every successful reload, or with the error on
// failure.
func (w *Watcher) Watch(ctx context.Context, base Config, cb func(error)) {
	if w.path == "" {
		return
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cb(err)
		return
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		cb(err)
		return
	}
	debounce := time.NewTimer(time.Hour)
	if !debounce.Stop() {
		<-debounce.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-watcher.Events:
			if filepath.Clean(ev.Name) == filepath.Clean(w.path) {
				debounce.Reset(200 * time.Millisecond)
			}
		case err := <-watcher.Errors:
			slog.Warn("config watch error", "error", err)
			cb(err)
		case <-debounce.C:
			if err := w.load(base); err != nil {
				cb(err)
			} else {
				cb(nil)
			}
		}
	}
}
