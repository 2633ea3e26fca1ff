package fixture

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wabin/binary"
	"github.com/tetratelabs/wabin/wasm"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

func instantiate(t *testing.T, opts Options) api.Module {
	t.Helper()
	ctx := context.Background()

	r := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	t.Cleanup(func() { r.Close(ctx) })

	mod, err := r.Instantiate(ctx, MustBuild(opts))
	require.NoError(t, err)
	return mod
}

func call(t *testing.T, mod api.Module, name string, params ...uint64) []uint64 {
	t.Helper()
	fn := mod.ExportedFunction(name)
	require.NotNil(t, fn, "export %s", name)
	results, err := fn.Call(context.Background(), params...)
	require.NoError(t, err)
	return results
}

func TestBuild_PresetsValidate(t *testing.T) {
	for lang, opts := range Presets() {
		t.Run(lang, func(t *testing.T) {
			mod := instantiate(t, opts)
			for _, name := range []string{"malloc", "free", "add", "hello", "allocations"} {
				assert.NotNil(t, mod.ExportedFunction(name), "missing %s", name)
			}
			assert.NotNil(t, mod.ExportedMemory("memory"))
		})
	}
}

func TestBuild_Add(t *testing.T) {
	mod := instantiate(t, C())
	results := call(t, mod, "add", api.EncodeI32(5), api.EncodeI32(2))
	assert.Equal(t, int32(7), api.DecodeI32(results[0]))

	results = call(t, mod, "add", api.EncodeI32(-3), api.EncodeI32(1))
	assert.Equal(t, int32(-2), api.DecodeI32(results[0]))
}

func TestBuild_HelloWritesGreeting(t *testing.T) {
	mod := instantiate(t, C())

	name := []byte("Ada")
	namePtr := uint32(call(t, mod, "malloc", uint64(len(name)))[0])
	resPtr := uint32(call(t, mod, "malloc", 128)[0])
	require.NotZero(t, namePtr)
	require.NotZero(t, resPtr)
	require.True(t, mod.Memory().Write(namePtr, name))

	call(t, mod, "hello", uint64(namePtr), uint64(len(name)), uint64(resPtr))

	out, ok := mod.Memory().Read(resPtr, 20)
	require.True(t, ok)
	assert.Equal(t, "Hello Ada from C\x00", string(out[:17]))
}

func TestBuild_DefaultGreeting(t *testing.T) {
	mod := instantiate(t, Rust())

	resPtr := uint32(call(t, mod, "malloc", 128)[0])
	call(t, mod, "hello", 0, 0, uint64(resPtr))

	out, ok := mod.Memory().Read(resPtr, 23)
	require.True(t, ok)
	assert.Equal(t, "Hello World from Rust\n", string(out[:22]))
}

func TestBuild_MallocExhaustion(t *testing.T) {
	mod := instantiate(t, C())
	results := call(t, mod, "malloc", 1<<20)
	assert.Zero(t, results[0])
	assert.Zero(t, call(t, mod, "allocations")[0])
}

func TestBuild_FreeReusesSameSize(t *testing.T) {
	mod := instantiate(t, C())

	first := call(t, mod, "malloc", 16)[0]
	assert.Equal(t, uint64(1), call(t, mod, "allocations")[0])

	call(t, mod, "free", first, 16)
	assert.Zero(t, call(t, mod, "allocations")[0])

	second := call(t, mod, "malloc", 16)[0]
	assert.Equal(t, first, second)

	third := call(t, mod, "malloc", 16)[0]
	assert.NotEqual(t, second, third)
}

func TestBuild_StrictFreeTrapsOnWrongLength(t *testing.T) {
	mod := instantiate(t, Rust())

	ptr := call(t, mod, "malloc", 16)[0]
	_, err := mod.ExportedFunction("free").Call(context.Background(), ptr, 8)
	assert.Error(t, err)
}

func TestBuild_LenientFreeIgnoresLength(t *testing.T) {
	mod := instantiate(t, C())

	ptr := call(t, mod, "malloc", 16)[0]
	call(t, mod, "free", ptr, 12345)
	assert.Zero(t, call(t, mod, "allocations")[0])
}

func TestBuild_Omit(t *testing.T) {
	opts := C()
	opts.Omit = []string{"hello"}
	mod := instantiate(t, opts)
	assert.Nil(t, mod.ExportedFunction("hello"))
	assert.NotNil(t, mod.ExportedFunction("malloc"))
}

func TestBuild_OmitMemory(t *testing.T) {
	opts := C()
	opts.Omit = []string{"memory"}
	mod := instantiate(t, opts)
	assert.Nil(t, mod.ExportedMemory("memory"))
	assert.NotNil(t, mod.ExportedFunction("malloc"))
}

func TestBuild_HelloLoops(t *testing.T) {
	opts := Go()
	opts.HelloLoops = true
	mod := instantiate(t, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := mod.ExportedFunction("hello").Call(ctx, 0, 0, 0)
	assert.Error(t, err)
}

func TestBuild_SingleArgFree(t *testing.T) {
	opts := C()
	opts.SingleArgFree = true
	mod := instantiate(t, opts)
	assert.Len(t, mod.ExportedFunction("free").Definition().ParamTypes(), 1)
}

func TestBuild_RequiresLanguage(t *testing.T) {
	_, err := Build(Options{})
	assert.Error(t, err)
}

func TestBuild_ModuleLayout(t *testing.T) {
	opts := Rust()
	opts.ImportLog = true

	mod, err := binary.DecodeModule(MustBuild(opts), wasm.CoreFeaturesV2)
	require.NoError(t, err)

	require.Len(t, mod.ImportSection, 1)
	assert.Equal(t, "host", mod.ImportSection[0].Module)
	assert.Equal(t, "log_message", mod.ImportSection[0].Name)

	require.NotNil(t, mod.MemorySection)
	assert.Equal(t, uint32(1), mod.MemorySection.Min)
	assert.Len(t, mod.CodeSection, 5)
	assert.Len(t, mod.DataSection, 3)
	assert.Equal(t, []byte("Hello World from Rust"), mod.DataSection[2].Init)

	// Imports shift the index of every defined function.
	exports := make(map[string]wasm.Index)
	for _, e := range mod.ExportSection {
		exports[e.Name] = e.Index
	}
	assert.Equal(t, wasm.Index(1), exports["malloc"])
	assert.Equal(t, wasm.Index(4), exports["hello"])
}
