package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Registry holds the loaded workflow plans, keyed by plan key, and can
// keep itself in sync with a plans directory.
type Registry struct {
	mu    sync.RWMutex
	plans map[string]*Plan
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{plans: make(map[string]*Plan)}
}

// Register adds or replaces a plan.
func (r *Registry) Register(p *Plan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plans[p.Key] = p
}

// Plan looks up a plan by key.
func (r *Registry) Plan(key string) (*Plan, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plans[key]
	return p, ok
}

// Keys returns the registered plan keys, unordered.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.plans))
	for k := range r.plans {
		keys = append(keys, k)
	}
	return keys
}

// LoadDir loads every *.yaml / *.yml plan in dir. A file that fails to
// parse is skipped and reported in the returned error list; valid plans
// still load.
func (r *Registry) LoadDir(dir string) []error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return []error{fmt.Errorf("read plans dir %s: %w", dir, err)}
	}

	var errs []error
	for _, entry := range entries {
		if entry.IsDir() || !isPlanFile(entry.Name()) {
			continue
		}
		p, err := LoadPlan(filepath.Join(dir, entry.Name()))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		r.Register(p)
	}
	return errs
}

func isPlanFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// Watch reloads plans when files in dir change, until ctx is cancelled.
// Reload failures keep the previous version of the plan; onError (optional)
// receives them.
func (r *Registry) Watch(ctx context.Context, dir string, onError func(error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch plans dir %s: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isPlanFile(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			p, err := LoadPlan(ev.Name)
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			r.Register(p)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if onError != nil {
				onError(err)
			}
		}
	}
}
