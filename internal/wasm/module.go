package wasm

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// ModuleLoader compiles guest binaries and keeps them in the runtime's
// module cache, keyed by source name.
type ModuleLoader struct {
	runtime *Runtime
	logger  *zap.Logger
}

func NewModuleLoader(runtime *Runtime, logger *zap.Logger) *ModuleLoader {
	return &ModuleLoader{
		runtime: runtime,
		logger:  logger.With(zap.String("component", "wasm-loader")),
	}
}

// ModuleSource supplies a guest binary and the name it is cached under.
type ModuleSource interface {
	Name() string
	Bytes() ([]byte, error)
}

// FileModuleSource reads a guest from disk. The path is the cache key.
// The file is read on every load so a changed binary is noticed.
type FileModuleSource struct {
	Path string
}

func (f *FileModuleSource) Name() string           { return f.Path }
func (f *FileModuleSource) Bytes() ([]byte, error) { return os.ReadFile(f.Path) }

// MemoryModuleSource serves a guest already held in memory.
type MemoryModuleSource struct {
	ModuleName string
	Data       []byte
}

func (m *MemoryModuleSource) Name() string           { return m.ModuleName }
func (m *MemoryModuleSource) Bytes() ([]byte, error) { return m.Data, nil }

// LoadModule returns the compiled module for source, compiling it on first
// use. Loading the same bytes under the same name again returns the cached
// module; different bytes under a name already in use fail with
// ModuleConflictError.
func (l *ModuleLoader) LoadModule(ctx context.Context, source ModuleSource) (*CompiledModule, error) {
	name := source.Name()

	data, err := source.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to read module %s: %w", name, err)
	}
	digest := sha256.Sum256(data)

	if cached, ok := l.runtime.GetCompiledModule(name); ok {
		if cached.Digest != digest {
			return nil, &ModuleConflictError{ModuleName: name}
		}
		l.logger.Debug("Module cache hit", zap.String("module", name))
		return cached, nil
	}

	start := time.Now()

	// Decoding and validation happen here; instantiation reuses the result.
	compiled, err := l.runtime.runtime.CompileModule(ctx, data)
	if err != nil {
		return nil, &CompilationError{ModuleName: name, Err: err}
	}

	module := &CompiledModule{
		Module:     compiled,
		Name:       name,
		Source:     name,
		SizeBytes:  int64(len(data)),
		Digest:     digest,
		CompiledAt: time.Now().Unix(),
	}
	if existing, loaded := l.runtime.storeCompiledModuleOnce(module); loaded {
		// Lost a race with a concurrent load of the same name.
		_ = compiled.Close(ctx)
		if existing.Digest != digest {
			return nil, &ModuleConflictError{ModuleName: name}
		}
		return existing, nil
	}

	l.logger.Info("Module compiled",
		zap.String("module", name),
		zap.Int64("size_bytes", module.SizeBytes),
		zap.Duration("duration", time.Since(start)),
		zap.Strings("exports", module.ExportNames()),
		zap.Strings("imports", module.ImportModules()),
	)

	return module, nil
}

// LoadModuleFromFile loads the guest at path.
func (l *ModuleLoader) LoadModuleFromFile(ctx context.Context, path string) (*CompiledModule, error) {
	return l.LoadModule(ctx, &FileModuleSource{Path: path})
}

// LoadModuleFromMemory loads a guest from bytes, cached under name.
func (l *ModuleLoader) LoadModuleFromMemory(ctx context.Context, name string, data []byte) (*CompiledModule, error) {
	return l.LoadModule(ctx, &MemoryModuleSource{ModuleName: name, Data: data})
}

// Exports returns the exported function definitions by export name.
func (c *CompiledModule) Exports() map[string]api.FunctionDefinition {
	if c.Module == nil {
		return nil
	}
	return c.Module.ExportedFunctions()
}

// ExportNames returns the exported function names, sorted.
func (c *CompiledModule) ExportNames() []string {
	exports := c.Exports()
	names := make([]string, 0, len(exports))
	for name := range exports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ImportModules returns the distinct modules the guest imports functions
// from, sorted. Toolchain runtimes show up here: "env" for Emscripten,
// "wasi_snapshot_preview1" for WASI targets.
func (c *CompiledModule) ImportModules() []string {
	if c.Module == nil {
		return nil
	}

	seen := make(map[string]bool)
	var modules []string
	for _, def := range c.Module.ImportedFunctions() {
		if mod, _, ok := def.Import(); ok && !seen[mod] {
			seen[mod] = true
			modules = append(modules, mod)
		}
	}
	sort.Strings(modules)
	return modules
}

// Signature renders an export as "name(i32, i32) -> i32".
func Signature(name string, def api.FunctionDefinition) string {
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('(')
	for i, p := range def.ParamTypes() {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(api.ValueTypeName(p))
	}
	b.WriteByte(')')
	for i, r := range def.ResultTypes() {
		if i == 0 {
			b.WriteString(" -> ")
		} else {
			b.WriteString(", ")
		}
		b.WriteString(api.ValueTypeName(r))
	}
	return b.String()
}
