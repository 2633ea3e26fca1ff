package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	guestapi "github.com/woxQAQ/polyglot-wasm/api/wasm"
	"github.com/woxQAQ/polyglot-wasm/internal/invoker"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Manager manages the guest catalog lifecycle.
type Manager struct {
	paths    []string
	host     *invoker.Host
	loader   *Loader
	registry *Registry
	logger   *zap.Logger

	mu     sync.RWMutex
	loaded bool
}

// NewManager creates a manager over the given module paths.
func NewManager(paths []string, host *invoker.Host, logger *zap.Logger) *Manager {
	return &Manager{
		paths:    paths,
		host:     host,
		loader:   NewLoader(host, logger),
		registry: NewRegistry(logger),
		logger:   logger.With(zap.String("component", "catalog-manager")),
	}
}

// LoadAll discovers and registers every guest under the configured paths.
// Finding no guests is logged, not returned.
func (m *Manager) LoadAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loaded {
		return fmt.Errorf("guests already loaded")
	}

	m.logger.Info("Loading guests", zap.Strings("paths", m.paths))

	entries, err := m.loader.Discover(ctx, m.paths)
	if err != nil {
		var none *NoGuestsFoundError
		if errors.As(err, &none) {
			m.logger.Warn("No guests found in configured paths", zap.Strings("paths", m.paths))
			m.loaded = true
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if err := m.registry.Register(entry); err != nil {
			m.logger.Error("Failed to register guest",
				zap.String("name", entry.Name()),
				zap.Error(err),
			)
			continue
		}
	}

	m.loaded = true

	m.logger.Info("Guests loaded successfully", zap.Int("count", m.registry.Count()))

	return nil
}

// Get retrieves a guest entry by name.
func (m *Manager) Get(name string) (*Entry, error) {
	entry, ok := m.registry.Get(name)
	if !ok {
		return nil, &GuestNotFoundError{GuestName: name}
	}
	return entry, nil
}

// FindByLanguage returns the first guest registered for a language tag.
func (m *Manager) FindByLanguage(lang string) (*Entry, error) {
	entries := m.registry.LookupByLanguage(lang)
	if len(entries) == 0 {
		return nil, fmt.Errorf("no guest found for language '%s'", lang)
	}
	return entries[0], nil
}

// Instantiate creates a fresh instance of a registered guest.
func (m *Manager) Instantiate(ctx context.Context, name string) (*invoker.Guest, error) {
	entry, err := m.Get(name)
	if err != nil {
		return nil, err
	}
	return m.host.Instantiate(ctx, entry.Compiled.Name)
}

// Result is one guest's answer in a comparison.
type Result struct {
	Guest    string
	Language string
	Greeting string
	Duration time.Duration
}

// Compare greets name through every registered guest, each on its own
// instance, and checks that the greetings differ only in their language tag.
// Results are returned in registry order even when some guests mismatch.
func (m *Manager) Compare(ctx context.Context, name string) ([]Result, error) {
	entries := m.registry.List()
	if len(entries) == 0 {
		return nil, &NoGuestsFoundError{Paths: m.paths}
	}

	results := make([]Result, len(entries))

	g, gctx := errgroup.WithContext(ctx)
	if limit := m.host.Runtime().Config().MaxInstances; limit > 0 {
		g.SetLimit(limit)
	}

	for i, entry := range entries {
		g.Go(func() error {
			guest, err := m.host.Instantiate(gctx, entry.Compiled.Name)
			if err != nil {
				return &GuestLoadError{GuestName: entry.Name(), Err: err}
			}

			start := time.Now()
			greeting, callErr := guest.Hello(gctx, name)
			elapsed := time.Since(start)

			if err := multierr.Append(callErr, guest.Close(gctx)); err != nil {
				return fmt.Errorf("guest '%s': %w", entry.Name(), err)
			}

			results[i] = Result{
				Guest:    entry.Name(),
				Language: entry.Language(),
				Greeting: greeting,
				Duration: elapsed,
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	var mismatches error
	for _, r := range results {
		want := guestapi.Greeting(name, r.Language)
		if r.Greeting != want {
			mismatches = multierr.Append(mismatches, &MismatchError{
				Name:      name,
				Expected:  want,
				GuestName: r.Guest,
				Got:       r.Greeting,
			})
		}
	}

	m.logger.Info("Compared guests",
		zap.String("name", name),
		zap.Int("guests", len(results)),
		zap.Int("mismatches", len(multierr.Errors(mismatches))),
	)

	return results, mismatches
}

// Shutdown closes the host and every guest it created.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Shutting down guest catalog")

	if err := m.host.Close(ctx); err != nil {
		m.logger.Error("Failed to shutdown host", zap.Error(err))
		return err
	}

	m.logger.Info("Guest catalog shutdown complete")
	return nil
}

// Registry returns the guest registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// IsLoaded returns whether guests have been loaded.
func (m *Manager) IsLoaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loaded
}
