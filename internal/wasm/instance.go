package wasm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// InstanceManager turns cached compiled modules into live instances.
type InstanceManager struct {
	runtime   *Runtime
	hostFuncs *HostFunctions
	logger    *zap.Logger
}

func NewInstanceManager(runtime *Runtime, hostFuncs *HostFunctions, logger *zap.Logger) *InstanceManager {
	return &InstanceManager{
		runtime:   runtime,
		hostFuncs: hostFuncs,
		logger:    logger.With(zap.String("component", "wasm-instance")),
	}
}

// InstanceConfig selects the module to instantiate and wires its stdio.
type InstanceConfig struct {
	ModuleName string

	// Generated when empty.
	InstanceID string

	// Discarded when nil.
	Stdout io.Writer
	Stderr io.Writer
}

// Instance is one instantiation of a compiled module, with its own linear
// memory. It is not safe for concurrent calls.
type Instance struct {
	module  api.Module
	runtime *Runtime
	logger  *zap.Logger

	ID        string
	Name      string
	CreatedAt int64

	definitions map[string]api.FunctionDefinition
	exports     map[string]api.Function

	closed atomic.Bool
}

// Instantiate creates an instance of a module previously compiled by a
// ModuleLoader. Import modules the guest needs are linked on first use.
// A guest exporting _initialize is treated as a reactor and initialised
// before it is returned; _start is never run.
func (m *InstanceManager) Instantiate(ctx context.Context, config *InstanceConfig) (*Instance, error) {
	compiled, ok := m.runtime.GetCompiledModule(config.ModuleName)
	if !ok {
		return nil, &ModuleNotFoundError{ModuleName: config.ModuleName}
	}

	if !m.runtime.reserveSlot() {
		return nil, &InstanceLimitError{Limit: m.runtime.config.MaxInstances}
	}
	tracked := false
	defer func() {
		if !tracked {
			m.runtime.releaseSlot()
		}
	}()

	id := config.InstanceID
	if id == "" {
		id = generateInstanceID()
	}

	fail := func(err error) error {
		return &InstantiationError{ModuleName: config.ModuleName, InstanceID: id, Err: err}
	}

	if err := m.runtime.linkHostModule(ctx, m.hostFuncs.export); err != nil {
		return nil, fail(fmt.Errorf("link host module: %w", err))
	}
	if err := m.runtime.linkEmscripten(ctx, compiled.Module); err != nil {
		return nil, fail(err)
	}

	modConfig := wazero.NewModuleConfig().
		WithName(id).
		WithStartFunctions()
	if config.Stdout != nil {
		modConfig = modConfig.WithStdout(config.Stdout)
	}
	if config.Stderr != nil {
		modConfig = modConfig.WithStderr(config.Stderr)
	}

	mod, err := m.runtime.runtime.InstantiateModule(ctx, compiled.Module, modConfig)
	if err != nil {
		return nil, fail(err)
	}

	if init := mod.ExportedFunction("_initialize"); init != nil {
		if _, err := init.Call(ctx); err != nil {
			_ = mod.Close(ctx)
			return nil, fail(fmt.Errorf("_initialize: %w", err))
		}
	}

	definitions := compiled.Exports()
	instance := &Instance{
		module:      mod,
		runtime:     m.runtime,
		logger:      m.logger.With(zap.String("instance_id", id)),
		ID:          id,
		Name:        config.ModuleName,
		CreatedAt:   time.Now().Unix(),
		definitions: definitions,
		exports:     lookupExports(mod, definitions),
	}
	m.runtime.trackReserved(id, instance)
	tracked = true

	m.logger.Debug("Module instantiated",
		zap.String("module", config.ModuleName),
		zap.String("instance_id", id),
		zap.Int("exports", len(instance.exports)),
	)

	return instance, nil
}

// Module returns the underlying wazero module.
func (i *Instance) Module() api.Module {
	return i.module
}

// Memory returns a helper over the instance's linear memory.
func (i *Instance) Memory() *Memory {
	return NewMemory(i.module)
}

// Definition returns the signature of an exported function.
func (i *Instance) Definition(name string) (api.FunctionDefinition, bool) {
	def, ok := i.definitions[name]
	return def, ok
}

// Call invokes an export with raw Wasm values, bounded by the runtime's
// execution timeout. A context that is already done fails the call without
// entering the guest. wazero closes a guest whose context ends mid-call,
// whether by the deadline or by the caller cancelling; the instance is then
// marked closed and stops counting against the instance limit.
func (i *Instance) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	fn, ok := i.exports[name]
	if !ok {
		return nil, &ExportNotFoundError{ModuleName: i.Name, FunctionName: name}
	}

	if want := len(fn.Definition().ParamTypes()); want != len(params) {
		return nil, &ArityMismatchError{
			ModuleName:   i.Name,
			FunctionName: name,
			Want:         want,
			Got:          len(params),
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("call '%s' in module '%s': %w", name, i.Name, err)
	}

	callCtx := ctx
	timeout := i.runtime.config.ExecutionTimeout
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	results, err := fn.Call(callCtx, params...)
	if i.module.IsClosed() {
		i.markClosed()
	}
	if err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			i.logger.Warn("Guest call timed out",
				zap.String("function", name),
				zap.Duration("timeout", timeout),
			)
			return nil, &TimeoutError{FunctionName: name, Duration: timeout}
		}
		if i.IsClosed() {
			i.logger.Debug("Guest closed during call", zap.String("function", name), zap.Error(err))
		}
		return nil, fmt.Errorf("call '%s' in module '%s': %w", name, i.Name, err)
	}

	return results, nil
}

// Close releases the instance and its memory.
func (i *Instance) Close(ctx context.Context) error {
	i.markClosed()
	return i.module.Close(ctx)
}

// IsClosed reports whether the instance was closed or timed out.
func (i *Instance) IsClosed() bool {
	return i.closed.Load()
}

func (i *Instance) markClosed() {
	if i.closed.CompareAndSwap(false, true) {
		i.runtime.DeleteInstance(i.ID)
	}
}

func lookupExports(mod api.Module, definitions map[string]api.FunctionDefinition) map[string]api.Function {
	exports := make(map[string]api.Function, len(definitions))
	for name := range definitions {
		if fn := mod.ExportedFunction(name); fn != nil {
			exports[name] = fn
		}
	}
	return exports
}

var instanceSeq atomic.Uint64

func generateInstanceID() string {
	return fmt.Sprintf("inst-%d-%d", time.Now().UnixNano(), instanceSeq.Add(1))
}
