package catalog

import (
	"maps"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Registry holds the loaded guests. Names are unique; several guests may
// share a language.
type Registry struct {
	mu         sync.RWMutex
	entries    map[string]*Entry
	byLanguage map[string][]*Entry
	logger     *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		entries:    make(map[string]*Entry),
		byLanguage: make(map[string][]*Entry),
		logger:     logger.With(zap.String("component", "catalog-registry")),
	}
}

func (r *Registry) Register(entry *Entry) error {
	name, lang := entry.Name(), entry.Language()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.entries[name]; dup {
		return &GuestAlreadyRegisteredError{GuestName: name}
	}
	r.entries[name] = entry
	r.byLanguage[lang] = append(r.byLanguage[lang], entry)

	r.logger.Info("Guest registered", zap.String("name", name), zap.String("language", lang))
	return nil
}

func (r *Registry) Get(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[name]
	return entry, ok
}

// LookupByLanguage returns the guests built from lang, in registration order.
func (r *Registry) LookupByLanguage(lang string) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Clone(r.byLanguage[lang])
}

// Languages returns every language with at least one guest, sorted.
func (r *Registry) Languages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Sorted(maps.Keys(r.byLanguage))
}

// List returns every guest ordered by name.
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.SortedFunc(maps.Values(r.entries), func(a, b *Entry) int {
		return strings.Compare(a.Name(), b.Name())
	})
}

// Unregister drops a guest. Unknown names are ignored.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[name]
	if !ok {
		return
	}
	delete(r.entries, name)

	lang := entry.Language()
	rest := slices.DeleteFunc(r.byLanguage[lang], func(e *Entry) bool { return e == entry })
	if len(rest) == 0 {
		delete(r.byLanguage, lang)
	} else {
		r.byLanguage[lang] = rest
	}

	r.logger.Info("Guest unregistered", zap.String("name", name))
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.entries)
}
