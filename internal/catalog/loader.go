package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/woxQAQ/polyglot-wasm/internal/invoker"
	"go.uber.org/zap"
)

// Loader loads guests from disk.
type Loader struct {
	host   *invoker.Host
	logger *zap.Logger
}

// NewLoader creates a new guest loader.
func NewLoader(host *invoker.Host, logger *zap.Logger) *Loader {
	return &Loader{
		host:   host,
		logger: logger.With(zap.String("component", "catalog-loader")),
	}
}

// Load loads a single guest from a directory. The module is compiled and
// checked against the contract but not instantiated.
func (l *Loader) Load(ctx context.Context, dir string) (*Entry, error) {
	l.logger.Debug("Loading guest", zap.String("dir", dir))

	manifest, err := ParseManifest(dir)
	if err != nil {
		return nil, err
	}

	l.logger.Info("Loading guest",
		zap.String("name", manifest.Name),
		zap.String("version", manifest.Version),
		zap.String("language", manifest.Language),
		zap.String("toolchain", manifest.Toolchain),
	)

	compiled, err := l.host.Compile(ctx, manifest.WasmPath())
	if err != nil {
		return nil, &GuestLoadError{
			GuestName: manifest.Name,
			Err:       err,
		}
	}

	entry := &Entry{
		Manifest: manifest,
		Compiled: compiled,
		LoadedAt: time.Now(),
	}

	l.logger.Info("Guest loaded successfully",
		zap.String("name", manifest.Name),
		zap.Int64("size_bytes", compiled.SizeBytes),
	)

	return entry, nil
}

// Discover scans each path for guest directories. Guests that fail to load
// are logged and skipped; only finding none at all is an error.
func (l *Loader) Discover(ctx context.Context, paths []string) ([]*Entry, error) {
	var entries []*Entry
	var failed int

	for _, basePath := range paths {
		l.logger.Debug("Scanning guest directory", zap.String("path", basePath))

		dirs, err := os.ReadDir(basePath)
		if err != nil {
			if os.IsNotExist(err) {
				l.logger.Warn("Guest path does not exist", zap.String("path", basePath))
				continue
			}
			return nil, fmt.Errorf("failed to read directory '%s': %w", basePath, err)
		}

		for _, d := range dirs {
			if !d.IsDir() {
				continue
			}

			guestDir := filepath.Join(basePath, d.Name())

			entry, err := l.Load(ctx, guestDir)
			if err != nil {
				l.logger.Error("Failed to load guest",
					zap.String("dir", guestDir),
					zap.Error(err),
				)
				failed++
				continue
			}

			entries = append(entries, entry)
		}
	}

	if len(entries) > 0 && failed > 0 {
		l.logger.Warn("Some guests failed to load",
			zap.Int("loaded", len(entries)),
			zap.Int("failed", failed),
		)
	}

	if len(entries) == 0 {
		return nil, &NoGuestsFoundError{Paths: paths}
	}

	return entries, nil
}
