package wasm

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestRuntimeLifecycle(t *testing.T) {
	ctx := context.Background()

	runtime, err := NewRuntime(ctx, zaptest.NewLogger(t), nil)
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	if runtime.IsClosed() {
		t.Fatal("fresh runtime reports closed")
	}
	if got := runtime.Config().MaxInstances; got != 100 {
		t.Errorf("nil config gave MaxInstances = %d, want default 100", got)
	}

	for i := 0; i < 2; i++ {
		if err := runtime.Close(ctx); err != nil {
			t.Errorf("Close #%d: %v", i+1, err)
		}
	}
	if !runtime.IsClosed() {
		t.Error("runtime not closed after Close")
	}
}

func TestDefaultRuntimeConfig(t *testing.T) {
	got := *DefaultRuntimeConfig()
	want := RuntimeConfig{
		MemoryPages:      256,
		MaxInstances:     100,
		ExecutionTimeout: 30 * time.Second,
		EnableWASI:       true,
		EnableEmscripten: true,
	}
	if got != want {
		t.Errorf("DefaultRuntimeConfig() = %+v, want %+v", got, want)
	}
}

func TestRuntimeOptions(t *testing.T) {
	tests := []struct {
		name   string
		config *RuntimeConfig
		cached bool
	}{
		{
			name:   "memory-only",
			config: &RuntimeConfig{MemoryPages: 128, DebugEnabled: true, MaxInstances: 50},
		},
		{
			name:   "no-wasi",
			config: &RuntimeConfig{MemoryPages: 16},
		},
		{
			name:   "disk-cache",
			config: &RuntimeConfig{MemoryPages: 16, EnableWASI: true},
			cached: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if tt.cached {
				tt.config.CacheDir = t.TempDir()
			}

			runtime, err := NewRuntime(ctx, zaptest.NewLogger(t), tt.config)
			if err != nil {
				t.Fatalf("NewRuntime: %v", err)
			}
			if runtime.Config() != tt.config {
				t.Error("Config() does not return the config passed in")
			}
			if (runtime.cache != nil) != tt.cached {
				t.Errorf("compilation cache set = %v, want %v", runtime.cache != nil, tt.cached)
			}
			if err := runtime.Close(ctx); err != nil {
				t.Errorf("Close: %v", err)
			}
		})
	}
}

func TestRuntimeCloseAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	runtime, err := NewRuntime(ctx, zaptest.NewLogger(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	if err := runtime.Close(ctx); err != nil && !errors.Is(err, context.Canceled) {
		t.Errorf("Close with cancelled context: %v", err)
	}
}

func TestRuntimeCompiledModuleCache(t *testing.T) {
	ctx := context.Background()
	runtime, err := NewRuntime(ctx, zaptest.NewLogger(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer runtime.Close(ctx)

	if _, ok := runtime.GetCompiledModule("hello.wasm"); ok {
		t.Fatal("empty cache returned a module")
	}

	runtime.StoreCompiledModule(&CompiledModule{Name: "hello.wasm", SizeBytes: 1024})

	got, ok := runtime.GetCompiledModule("hello.wasm")
	if !ok || got.SizeBytes != 1024 {
		t.Errorf("GetCompiledModule = %+v, %v", got, ok)
	}
}

// closer records whether Runtime.Close released it.
type closer struct{ closed bool }

func (c *closer) Close(context.Context) error {
	c.closed = true
	return nil
}

func TestRuntimeInstanceTracking(t *testing.T) {
	ctx := context.Background()
	runtime, err := NewRuntime(ctx, zaptest.NewLogger(t), nil)
	if err != nil {
		t.Fatal(err)
	}

	a, b := &closer{}, &closer{}
	runtime.StoreInstance("a", a)
	runtime.StoreInstance("a", a)
	runtime.StoreInstance("b", b)
	if n := runtime.InstanceCount(); n != 2 {
		t.Fatalf("InstanceCount() = %d after storing a twice and b, want 2", n)
	}

	if got, ok := runtime.GetInstance("b"); !ok || got != b {
		t.Errorf("GetInstance(b) = %v, %v", got, ok)
	}

	runtime.DeleteInstance("b")
	runtime.DeleteInstance("b")
	if n := runtime.InstanceCount(); n != 1 {
		t.Errorf("InstanceCount() = %d after double delete, want 1", n)
	}

	if err := runtime.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if !a.closed {
		t.Error("Close did not release tracked instance")
	}
	if b.closed {
		t.Error("Close released an untracked instance")
	}
	if n := runtime.InstanceCount(); n != 0 {
		t.Errorf("InstanceCount() = %d after Close, want 0", n)
	}
}

func TestErrorMessages(t *testing.T) {
	trap := errors.New("unreachable")

	tests := []struct {
		err  error
		want string
	}{
		{
			err:  &CompilationError{ModuleName: "bad.wasm", Err: trap},
			want: "failed to compile Wasm module 'bad.wasm': unreachable",
		},
		{
			err:  &InstantiationError{ModuleName: "c.wasm", InstanceID: "inst-1", Err: trap},
			want: "failed to instantiate module 'c.wasm' (instance: inst-1): unreachable",
		},
		{
			err:  &ModuleNotFoundError{ModuleName: "missing.wasm"},
			want: "module 'missing.wasm' not found in cache",
		},
		{
			err:  &InstanceLimitError{Limit: 3},
			want: "instance limit reached (max 3)",
		},
		{
			err:  &ExportNotFoundError{ModuleName: "c.wasm", FunctionName: "greet"},
			want: "function 'greet' not found in module 'c.wasm'",
		},
		{
			err:  &ContractViolationError{ModuleName: "c.wasm", Export: "free", Reason: "takes 1 parameter(s), want 2"},
			want: "module 'c.wasm' violates the guest contract: export 'free' takes 1 parameter(s), want 2",
		},
		{
			err:  &ArityMismatchError{ModuleName: "c.wasm", FunctionName: "add", Want: 2, Got: 1},
			want: "function 'add' in module 'c.wasm' takes 2 argument(s), got 1",
		},
		{
			err:  &ConventionMismatchError{ModuleName: "c.wasm", FunctionName: "add", Declared: "primitive", Used: "buffer"},
			want: "function 'add' in module 'c.wasm' is declared as primitive, called as buffer",
		},
		{
			err:  &AllocationFailedError{ModuleName: "c.wasm", Size: 128},
			want: "guest allocation of 128 bytes failed in module 'c.wasm'",
		},
		{
			err:  &DecodeError{ModuleName: "c.wasm", FunctionName: "hello", Data: []byte{0xff, 0xfe}},
			want: "result of 'hello' in module 'c.wasm' is not valid UTF-8 (2 bytes)",
		},
		{
			err:  &InputTooLongError{FunctionName: "hello", Length: 65, Max: 64},
			want: "input for 'hello' is 65 bytes, max 64",
		},
		{
			err:  &TimeoutError{FunctionName: "spin", Duration: time.Second},
			want: "Wasm execution of 'spin' timed out after 1s",
		},
	}

	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("%T.Error() = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestErrorUnwrap(t *testing.T) {
	trap := errors.New("out of memory")

	for _, err := range []error{
		&CompilationError{Err: trap},
		&InstantiationError{Err: trap},
		&AllocationFailedError{Size: 8, Err: trap},
		&MemoryAccessError{Operation: "read", Address: 70000, Length: 4, Err: trap},
	} {
		if !errors.Is(err, trap) {
			t.Errorf("%T does not unwrap to its cause", err)
		}
	}

	if !errors.Is(&MemoryAccessError{Err: errOutOfRange}, errOutOfRange) {
		t.Error("MemoryAccessError does not unwrap to errOutOfRange")
	}
}
