package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/helmsman-ai/orchestrator/internal/metrics"
	"github.com/helmsman-ai/orchestrator/internal/roles"
)

// Registry holds the loaded workflow templates. Templates keep their load
// order; mutation bumps the content hash and notifies invalidation hooks.
type Registry struct {
	logger *zap.Logger

	mu          sync.RWMutex
	templates   map[string]*WorkflowTemplate
	order       []string
	contentHash string

	hookMu sync.Mutex
	hooks  []func()

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewRegistry builds an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:    logger,
		templates: make(map[string]*WorkflowTemplate),
		done:      make(chan struct{}),
	}
}

// LoadDir reads every *.yaml template in dir, replacing current contents.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read template dir %s: %w", dir, err)
	}

	loaded := make(map[string]*WorkflowTemplate)
	var order []string
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("read template %s: %w", name, err)
		}
		var tpl WorkflowTemplate
		if err := yaml.Unmarshal(raw, &tpl); err != nil {
			return fmt.Errorf("parse template %s: %w", name, err)
		}
		if err := validateTemplate(&tpl); err != nil {
			return fmt.Errorf("template %s: %w", name, err)
		}
		if _, dup := loaded[tpl.ID]; dup {
			return fmt.Errorf("duplicate template id %q in %s", tpl.ID, name)
		}
		loaded[tpl.ID] = &tpl
		order = append(order, tpl.ID)
	}

	r.mu.Lock()
	r.templates = loaded
	r.order = order
	r.rehashLocked()
	r.updateGaugesLocked()
	r.mu.Unlock()

	r.notifyMutation()
	r.logger.Info("Workflow templates loaded",
		zap.String("dir", dir), zap.Int("count", len(loaded)))
	return nil
}

// Watch reloads the registry when files in dir change. Stops on Close.
func (r *Registry) Watch(dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("template watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	r.watcher = watcher

	go func() {
		for {
			select {
			case <-r.done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if err := r.LoadDir(dir); err != nil {
					r.logger.Warn("Template hot reload failed",
						zap.String("event", event.String()), zap.Error(err))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("Template watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

// Close stops the watcher.
func (r *Registry) Close() {
	close(r.done)
	if r.watcher != nil {
		r.watcher.Close()
	}
}

// Add registers or replaces one template.
func (r *Registry) Add(tpl *WorkflowTemplate) error {
	if err := validateTemplate(tpl); err != nil {
		return err
	}
	r.mu.Lock()
	if _, exists := r.templates[tpl.ID]; !exists {
		r.order = append(r.order, tpl.ID)
	}
	r.templates[tpl.ID] = tpl
	r.rehashLocked()
	r.updateGaugesLocked()
	r.mu.Unlock()
	r.notifyMutation()
	return nil
}

// Remove drops a template by id.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	if _, exists := r.templates[id]; !exists {
		r.mu.Unlock()
		return ErrTemplateNotFound
	}
	delete(r.templates, id)
	for i, tid := range r.order {
		if tid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.rehashLocked()
	r.updateGaugesLocked()
	r.mu.Unlock()
	r.notifyMutation()
	return nil
}

// Get returns one template by id.
func (r *Registry) Get(id string) (*WorkflowTemplate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tpl, ok := r.templates[id]
	if !ok {
		return nil, ErrTemplateNotFound
	}
	return tpl, nil
}

// List returns all templates in registration order.
func (r *Registry) List() []*WorkflowTemplate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*WorkflowTemplate, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.templates[id])
	}
	return out
}

// Len returns the number of registered templates.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.templates)
}

// ContentHash fingerprints the registry contents; it changes on every
// mutation and keys the evaluation cache.
func (r *Registry) ContentHash() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.contentHash
}

// OnMutation registers a hook invoked after any registry change.
func (r *Registry) OnMutation(fn func()) {
	r.hookMu.Lock()
	r.hooks = append(r.hooks, fn)
	r.hookMu.Unlock()
}

func (r *Registry) notifyMutation() {
	r.hookMu.Lock()
	hooks := append([]func(){}, r.hooks...)
	r.hookMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func (r *Registry) rehashLocked() {
	ids := append([]string{}, r.order...)
	sort.Strings(ids)
	h := sha256.New()
	for _, id := range ids {
		raw, _ := yaml.Marshal(r.templates[id])
		fmt.Fprintf(h, "%s\x00", id)
		h.Write(raw)
	}
	r.contentHash = hex.EncodeToString(h.Sum(nil))
}

func (r *Registry) updateGaugesLocked() {
	counts := make(map[string]int)
	for _, tpl := range r.templates {
		counts[tpl.Category]++
	}
	metrics.TemplatesLoaded.Reset()
	for category, n := range counts {
		metrics.TemplatesLoaded.WithLabelValues(category).Set(float64(n))
	}
}

func validateTemplate(tpl *WorkflowTemplate) error {
	if strings.TrimSpace(tpl.ID) == "" {
		return fmt.Errorf("template id is required")
	}
	if tpl.Name == "" {
		return fmt.Errorf("template %s: name is required", tpl.ID)
	}
	switch tpl.Pattern {
	case PatternSequential, PatternParallel, PatternHierarchical, PatternDynamic:
	default:
		return fmt.Errorf("template %s: unknown pattern %q", tpl.ID, tpl.Pattern)
	}
	if len(tpl.RequiredRoles) == 0 {
		return fmt.Errorf("template %s: at least one required role", tpl.ID)
	}
	for _, role := range tpl.RequiredRoles {
		if !roles.Known(role) {
			return fmt.Errorf("template %s: unknown role %q", tpl.ID, role)
		}
	}
	if tpl.DurationMinutes <= 0 {
		return fmt.Errorf("template %s: duration must be positive", tpl.ID)
	}
	return nil
}
