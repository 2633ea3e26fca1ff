package wasm

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/emscripten"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Runtime owns the single wazero.Runtime every guest is compiled and
// instantiated in, plus the caches shared by loaders and instance managers.
type Runtime struct {
	runtime wazero.Runtime
	cache   wazero.CompilationCache // nil without CacheDir

	modules   sync.Map // name -> *CompiledModule
	instances sync.Map // instance ID -> Close(ctx)-able
	live      atomic.Int64

	// Import modules may be instantiated only once per runtime.
	importsMu  sync.Mutex
	hostLinked bool
	envLinked  bool

	config *RuntimeConfig
	logger *zap.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// RuntimeConfig bounds what guests may consume.
type RuntimeConfig struct {
	// Per-instance linear memory cap in 64 KiB pages.
	MemoryPages uint32

	// Keep DWARF info so guest traps carry source positions.
	DebugEnabled bool

	// Directory for wazero's on-disk compilation cache. Empty keeps
	// compiled code in memory only.
	CacheDir string

	// Live instances allowed at once. Zero means unbounded.
	MaxInstances int

	// Upper bound for a single guest call. Zero disables the deadline.
	ExecutionTimeout time.Duration

	// Satisfy wasi_snapshot_preview1 imports (Rust wasm32-wasi, Go wasip1,
	// standalone Emscripten).
	EnableWASI bool

	// Satisfy the Emscripten "env" imports of guests that declare them.
	EnableEmscripten bool
}

// CompiledModule is a guest binary that has been decoded and validated.
type CompiledModule struct {
	Module     wazero.CompiledModule
	Name       string
	Source     string
	SizeBytes  int64
	Digest     [sha256.Size]byte
	CompiledAt int64
}

// NewRuntime creates the wazero runtime and links WASI when enabled. A nil
// config uses DefaultRuntimeConfig.
func NewRuntime(ctx context.Context, logger *zap.Logger, config *RuntimeConfig) (*Runtime, error) {
	if config == nil {
		config = DefaultRuntimeConfig()
	}

	rc := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithDebugInfoEnabled(config.DebugEnabled)
	if config.MemoryPages > 0 {
		rc = rc.WithMemoryLimitPages(config.MemoryPages)
	}

	var cache wazero.CompilationCache
	if config.CacheDir != "" {
		c, err := wazero.NewCompilationCacheWithDir(config.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open compilation cache '%s': %w", config.CacheDir, err)
		}
		cache = c
		rc = rc.WithCompilationCache(cache)
	}

	r := wazero.NewRuntimeWithConfig(ctx, rc)

	if config.EnableWASI {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
			return nil, multierr.Append(
				fmt.Errorf("failed to instantiate WASI: %w", err),
				r.Close(ctx))
		}
	}

	runtime := &Runtime{
		runtime: r,
		cache:   cache,
		config:  config,
		logger:  logger.With(zap.String("component", "wasm-runtime")),
		closed:  make(chan struct{}),
	}

	logger.Info("Wasm runtime initialized",
		zap.Uint32("memory_pages", config.MemoryPages),
		zap.Bool("debug_enabled", config.DebugEnabled),
		zap.String("cache_dir", config.CacheDir),
		zap.Int("max_instances", config.MaxInstances),
		zap.Duration("execution_timeout", config.ExecutionTimeout),
		zap.Bool("wasi", config.EnableWASI),
		zap.Bool("emscripten", config.EnableEmscripten),
	)

	return runtime, nil
}

// DefaultRuntimeConfig allows 16 MiB per guest, 100 live instances and
// 30 seconds per call, with both toolchain import sets linked.
func DefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		MemoryPages:      256,
		MaxInstances:     100,
		ExecutionTimeout: 30 * time.Second,
		EnableWASI:       true,
		EnableEmscripten: true,
	}
}

// Close closes every tracked instance, then the runtime and its compilation
// cache. Later calls return nil.
func (r *Runtime) Close(ctx context.Context) error {
	var err error
	r.closeOnce.Do(func() {
		r.logger.Info("Closing Wasm runtime", zap.Int("instances", r.InstanceCount()))

		r.instances.Range(func(key, value any) bool {
			if inst, ok := value.(interface{ Close(context.Context) error }); ok {
				if cerr := inst.Close(ctx); cerr != nil {
					r.logger.Warn("Instance close failed",
						zap.Any("instance_id", key),
						zap.Error(cerr),
					)
				}
			}
			r.instances.Delete(key)
			return true
		})
		r.live.Store(0)

		err = r.runtime.Close(ctx)
		if r.cache != nil {
			err = multierr.Append(err, r.cache.Close(ctx))
		}

		close(r.closed)
	})

	return err
}

// Config returns the configuration the runtime was created with.
func (r *Runtime) Config() *RuntimeConfig {
	return r.config
}

func (r *Runtime) GetCompiledModule(name string) (*CompiledModule, bool) {
	val, ok := r.modules.Load(name)
	if !ok {
		return nil, false
	}
	mod, ok := val.(*CompiledModule)
	return mod, ok
}

func (r *Runtime) StoreCompiledModule(module *CompiledModule) {
	r.modules.Store(module.Name, module)
}

func (r *Runtime) storeCompiledModuleOnce(module *CompiledModule) (*CompiledModule, bool) {
	val, loaded := r.modules.LoadOrStore(module.Name, module)
	return val.(*CompiledModule), loaded
}

func (r *Runtime) GetInstance(instanceID string) (any, bool) {
	return r.instances.Load(instanceID)
}

// StoreInstance tracks an instance so Close can release it. Storing the same
// ID twice counts once.
func (r *Runtime) StoreInstance(instanceID string, instance any) {
	if _, loaded := r.instances.Swap(instanceID, instance); !loaded {
		r.live.Add(1)
	}
}

// reserveSlot claims a live-instance slot under MaxInstances. The claim is
// handed to trackReserved on success or returned with releaseSlot.
func (r *Runtime) reserveSlot() bool {
	limit := int64(r.config.MaxInstances)
	for {
		n := r.live.Load()
		if limit > 0 && n >= limit {
			return false
		}
		if r.live.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (r *Runtime) releaseSlot() {
	r.live.Add(-1)
}

// trackReserved is StoreInstance for a caller already holding a slot.
func (r *Runtime) trackReserved(instanceID string, instance any) {
	if _, loaded := r.instances.Swap(instanceID, instance); loaded {
		r.live.Add(-1)
	}
}

func (r *Runtime) DeleteInstance(instanceID string) {
	if _, loaded := r.instances.LoadAndDelete(instanceID); loaded {
		r.live.Add(-1)
	}
}

// InstanceCount is the number of live instances counted against MaxInstances.
func (r *Runtime) InstanceCount() int {
	return int(r.live.Load())
}

func (r *Runtime) IsClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}

// linkHostModule instantiates the "host" import module once per runtime.
func (r *Runtime) linkHostModule(ctx context.Context, build func(wazero.HostModuleBuilder)) error {
	r.importsMu.Lock()
	defer r.importsMu.Unlock()

	if r.hostLinked {
		return nil
	}

	builder := r.runtime.NewHostModuleBuilder(HostModuleName)
	build(builder)
	if _, err := builder.Instantiate(ctx); err != nil {
		return err
	}

	r.hostLinked = true
	return nil
}

// linkEmscripten instantiates the Emscripten "env" module the first time a
// guest importing it is instantiated. The function set is derived from that
// guest, so later Emscripten guests must need the same invoke_* shapes.
func (r *Runtime) linkEmscripten(ctx context.Context, compiled wazero.CompiledModule) error {
	if !r.config.EnableEmscripten || !importsModule(compiled, "env") {
		return nil
	}

	r.importsMu.Lock()
	defer r.importsMu.Unlock()

	if r.envLinked {
		return nil
	}

	if _, err := emscripten.InstantiateForModule(ctx, r.runtime, compiled); err != nil {
		return fmt.Errorf("failed to instantiate emscripten env: %w", err)
	}

	r.envLinked = true
	r.logger.Debug("Emscripten env module linked")
	return nil
}

func importsModule(compiled wazero.CompiledModule, module string) bool {
	for _, def := range compiled.ImportedFunctions() {
		if mod, _, ok := def.Import(); ok && mod == module {
			return true
		}
	}
	return false
}
