// Package invoker drives guest modules through the buffer calling convention.
//
// A Host owns one Wasm runtime. Modules are compiled once, checked against the
// guest contract and instantiated as Guests; a Guest exposes primitive calls,
// buffer calls and the raw allocator.
package invoker

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	guestapi "github.com/woxQAQ/polyglot-wasm/api/wasm"
	"github.com/woxQAQ/polyglot-wasm/internal/contract"
	"github.com/woxQAQ/polyglot-wasm/internal/wasm"
	"github.com/woxQAQ/polyglot-wasm/pkg/abi"
	"go.uber.org/zap"
)

type Host struct {
	opts     *Options
	logger   *zap.Logger
	runtime  *wasm.Runtime
	loader   *wasm.ModuleLoader
	manager  *wasm.InstanceManager
	contract *contract.Contract
}

func NewHost(ctx context.Context, opts *Options, logger *zap.Logger) (*Host, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.ResultCapacity == 0 {
		opts.ResultCapacity = guestapi.RecommendedResultCapacity
	}

	runtime, err := wasm.NewRuntime(ctx, logger, opts.Runtime)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Wasm runtime: %w", err)
	}

	hostFuncs := wasm.NewHostFunctions(logger)

	h := &Host{
		opts:     opts,
		logger:   logger.With(zap.String("component", "invoker")),
		runtime:  runtime,
		loader:   wasm.NewModuleLoader(runtime, logger),
		manager:  wasm.NewInstanceManager(runtime, hostFuncs, logger),
		contract: contract.Default().With(opts.Conventions...),
	}

	h.logger.Info("Host initialized",
		zap.Uint32("result_capacity", opts.ResultCapacity),
		zap.Int("max_input_length", opts.MaxInputLength),
		zap.Int("conventions", len(h.contract.List())),
	)

	return h, nil
}

// Contract returns the conventions guests are checked against.
func (h *Host) Contract() *contract.Contract {
	return h.contract
}

// Runtime returns the underlying Wasm runtime.
func (h *Host) Runtime() *wasm.Runtime {
	return h.runtime
}

// Compile compiles a module file and checks it against the contract without
// instantiating it.
func (h *Host) Compile(ctx context.Context, path string) (*wasm.CompiledModule, error) {
	compiled, err := h.Inspect(ctx, path)
	if err != nil {
		return nil, err
	}
	return compiled, nil
}

// Inspect compiles a module file and reports its contract status. Unlike
// Compile, the compiled module is returned even when it violates the
// contract.
func (h *Host) Inspect(ctx context.Context, path string) (*wasm.CompiledModule, error) {
	compiled, err := h.loader.LoadModuleFromFile(ctx, path)
	if err != nil {
		return nil, err
	}
	return compiled, h.contract.ValidateModule(compiled)
}

// CompileBytes is Compile for a module already in memory.
func (h *Host) CompileBytes(ctx context.Context, name string, data []byte) (*wasm.CompiledModule, error) {
	compiled, err := h.loader.LoadModuleFromMemory(ctx, name, data)
	if err != nil {
		return nil, err
	}
	if err := h.contract.ValidateModule(compiled); err != nil {
		return nil, err
	}
	return compiled, nil
}

// LoadModule compiles, validates and instantiates the module at path.
func (h *Host) LoadModule(ctx context.Context, path string) (*Guest, error) {
	compiled, err := h.Compile(ctx, path)
	if err != nil {
		return nil, err
	}
	return h.Instantiate(ctx, compiled.Name)
}

// LoadModuleFromMemory is LoadModule for in-memory bytes registered under name.
func (h *Host) LoadModuleFromMemory(ctx context.Context, name string, data []byte) (*Guest, error) {
	compiled, err := h.CompileBytes(ctx, name, data)
	if err != nil {
		return nil, err
	}
	return h.Instantiate(ctx, compiled.Name)
}

// Instantiate creates a fresh guest from an already compiled module. Each
// guest has its own linear memory and allocator state.
func (h *Host) Instantiate(ctx context.Context, moduleName string) (*Guest, error) {
	instance, err := h.manager.Instantiate(ctx, &wasm.InstanceConfig{
		ModuleName: moduleName,
		Stdout:     h.opts.Stdout,
		Stderr:     h.opts.Stderr,
	})
	if err != nil {
		return nil, err
	}

	return &Guest{
		instance:       instance,
		memory:         instance.Memory(),
		contract:       h.contract,
		logger:         h.logger.With(zap.String("module", displayName(moduleName)), zap.String("instance_id", instance.ID)),
		resultCapacity: h.opts.ResultCapacity,
		maxInputLength: h.opts.MaxInputLength,
		outstanding:    make(map[abi.Pointer]uint32),
	}, nil
}

// Close shuts down the runtime and every guest it created.
func (h *Host) Close(ctx context.Context) error {
	h.logger.Info("Shutting down host")

	if err := h.runtime.Close(ctx); err != nil {
		h.logger.Error("Failed to shutdown Wasm runtime", zap.Error(err))
		return err
	}

	h.logger.Info("Host shutdown complete")
	return nil
}

func displayName(name string) string {
	return strings.TrimSuffix(filepath.Base(name), ".wasm")
}
