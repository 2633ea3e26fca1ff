package contract

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/woxQAQ/polyglot-wasm/internal/fixture"
	"github.com/woxQAQ/polyglot-wasm/internal/wasm"
	"github.com/woxQAQ/polyglot-wasm/pkg/abi"
)

func exportsOf(t *testing.T, opts fixture.Options) map[string]api.FunctionDefinition {
	t.Helper()
	ctx := context.Background()

	r := wazero.NewRuntime(ctx)
	t.Cleanup(func() { r.Close(ctx) })

	compiled, err := r.CompileModule(ctx, fixture.MustBuild(opts))
	require.NoError(t, err)
	return compiled.ExportedFunctions()
}

func requireViolation(t *testing.T, err error, export string) {
	t.Helper()
	var violation *wasm.ContractViolationError
	require.True(t, errors.As(err, &violation), "expected ContractViolationError, got %T (%v)", err, err)
	assert.Equal(t, export, violation.Export)
}

func TestDefault_Required(t *testing.T) {
	assert.Equal(t, []string{"add", "free", "hello", "malloc"}, Default().Required())
}

func TestValidate_ConformingModules(t *testing.T) {
	for lang, opts := range fixture.Presets() {
		t.Run(lang, func(t *testing.T) {
			assert.NoError(t, Default().Validate(lang, exportsOf(t, opts)))
		})
	}
}

func TestValidate_MissingRequiredExport(t *testing.T) {
	for _, missing := range []string{"malloc", "free", "add", "hello"} {
		t.Run(missing, func(t *testing.T) {
			opts := fixture.C()
			opts.Omit = []string{missing}

			err := Default().Validate("c", exportsOf(t, opts))
			requireViolation(t, err, missing)
		})
	}
}

func TestValidateModule_MissingMemory(t *testing.T) {
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	t.Cleanup(func() { r.Close(ctx) })

	opts := fixture.C()
	opts.Omit = []string{"memory"}
	module, err := r.CompileModule(ctx, fixture.MustBuild(opts))
	require.NoError(t, err)

	// Every function export conforms; only the memory is missing.
	require.NoError(t, Default().Validate("c", module.ExportedFunctions()))

	err = Default().ValidateModule(&wasm.CompiledModule{Module: module, Name: "c"})
	requireViolation(t, err, "memory")
	assert.Contains(t, err.Error(), "is missing")
}

func TestValidate_FreeWithoutLength(t *testing.T) {
	opts := fixture.C()
	opts.SingleArgFree = true

	err := Default().Validate("emscripten-native", exportsOf(t, opts))
	requireViolation(t, err, "free")
	assert.Contains(t, err.Error(), "takes 1 parameter(s), want 2")
}

func TestValidate_OptionalConventionChecksShapeOnlyWhenPresent(t *testing.T) {
	exports := exportsOf(t, fixture.C())

	absent := Default().With(abi.Convention{Name: "goodbye", Params: []abi.Kind{abi.KindBuffer, abi.KindPointer}})
	assert.NoError(t, absent.Validate("c", exports))

	wrongShape := Default().With(abi.Convention{Name: "allocations", Params: []abi.Kind{abi.KindI32}, Results: 1})
	requireViolation(t, wrongShape.Validate("c", exports), "allocations")
}

func TestWith_Overrides(t *testing.T) {
	c := Default().With(abi.Convention{Name: "add", Params: []abi.Kind{abi.KindI32, abi.KindI32}, Results: 1})

	conv, ok := c.Lookup("add")
	require.True(t, ok)
	assert.False(t, conv.Required)

	_, ok = Default().Lookup("add")
	assert.True(t, ok, "With must not mutate the receiver")
}

func TestParseConvention(t *testing.T) {
	conv, err := ParseConvention("goodbye", []string{"buffer", "pointer"}, 0, false)
	require.NoError(t, err)
	assert.True(t, conv.IsBufferCall())
	assert.Equal(t, 3, conv.WasmParams())

	_, err = ParseConvention("", nil, 0, false)
	assert.Error(t, err)

	_, err = ParseConvention("x", []string{"f32"}, 0, false)
	assert.Error(t, err)

	_, err = ParseConvention("x", nil, 2, false)
	assert.Error(t, err)
}
