package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"sync"
	"time"

	"github.com/elm-review-bot/elm-oauth-middleware/pkg/instrumentation"
	"github.com/knadh/koanf/providers/file"
)

const (
	ReloadCommitted = "committed"
	ReloadUnchanged = "unchanged"
	ReloadFailed    = "failed"
)

// Reloader reads the configuration file into a Store, either on demand, on a
// timer, or when the file changes.
type Reloader struct {
	store   *Store
	path    string
	metrics *instrumentation.Metrics

	// mu serializes reloads coming from the timer and the file watcher
	mu sync.Mutex
}

func NewReloader(store *Store, path string, metrics *instrumentation.Metrics) *Reloader {
	return &Reloader{
		store:   store,
		path:    path,
		metrics: metrics,
	}
}

// Load reads the configuration file and commits it when it parsed. An error
// is returned for every failed load; it is only fatal when nothing has ever
// been committed.
func (r *Reloader) Load(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	result, err := r.load()
	r.metrics.RecordReload(ctx, result)
	return err
}

func (r *Reloader) load() (string, error) {
	firstLoad := r.store.Current() == nil

	raw, err := file.Provider(r.path).ReadBytes()
	if err != nil {
		if firstLoad {
			return ReloadFailed, fmt.Errorf("no configuration could be loaded from %s: %w", r.path, err)
		}
		if errors.Is(err, fs.ErrNotExist) {
			log.Printf("Config file %s is missing, keeping the previous configuration", r.path)
		} else {
			log.Printf("Failed to read config file %s, keeping the previous configuration: %v", r.path, err)
		}
		return ReloadFailed, err
	}

	snapshot, err := r.store.Reload(string(raw))
	if err != nil {
		if firstLoad {
			return ReloadFailed, fmt.Errorf("no configuration could be loaded from %s: %w", r.path, err)
		}
		log.Printf("Invalid config file %s, keeping the previous configuration: %v", r.path, err)
		return ReloadFailed, err
	}
	if snapshot == nil {
		return ReloadUnchanged, nil
	}

	for _, key := range snapshot.Duplicates {
		log.Printf("Duplicate remote client %s in %s, the last entry wins", key, r.path)
	}
	if len(snapshot.Index) == 0 {
		log.Printf("Config file %s has no remote clients, every request will be rejected", r.path)
	}

	r.store.Commit(snapshot)
	log.Printf("Loaded configuration from %s with %d remote client(s)", r.path, len(snapshot.Index))
	return ReloadCommitted, nil
}

// Run reloads the configuration until ctx is done. The sample period is read
// from the current snapshot before every wait, so a reload can change it.
func (r *Reloader) Run(ctx context.Context) {
	changed := make(chan struct{}, 1)
	notify := func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}

	watcher := file.Provider(r.path)
	if err := watcher.Watch(func(_ any, err error) {
		if err != nil {
			log.Printf("Config file watcher for %s: %v", r.path, err)
		}
		notify()
	}); err != nil {
		log.Printf("Failed to watch config file %s, relying on periodic reload: %v", r.path, err)
	} else {
		defer func() {
			if err := watcher.Unwatch(); err != nil {
				log.Printf("Failed to stop watching config file %s: %v", r.path, err)
			}
		}()
	}

	for {
		var (
			timer *time.Timer
			tick  <-chan time.Time
		)
		if period := r.store.CurrentLocal().ConfigSamplePeriod(); period > 0 {
			timer = time.NewTimer(period)
			tick = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-tick:
		case <-changed:
		}
		if timer != nil {
			timer.Stop()
		}

		// failures are logged by load and the previous snapshot stays active
		_ = r.Load(ctx)
	}
}
