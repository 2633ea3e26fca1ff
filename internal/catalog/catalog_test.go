package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/woxQAQ/polyglot-wasm/internal/fixture"
	"github.com/woxQAQ/polyglot-wasm/internal/invoker"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// writeGuest lays out a guest directory with a manifest and a fixture module.
func writeGuest(t *testing.T, base, name, toolchain string, opts fixture.Options) string {
	t.Helper()

	dir := filepath.Join(base, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	wasmFile := name + ".wasm"
	require.NoError(t, os.WriteFile(filepath.Join(dir, wasmFile), fixture.MustBuild(opts), 0o644))

	manifest := fmt.Sprintf(`name: %s
version: 1.0.0
language: %s
toolchain: %s
wasm:
  file: %s
`, name, opts.Language, toolchain, wasmFile)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(manifest), 0o644))

	return dir
}

func newHost(t *testing.T) *invoker.Host {
	t.Helper()
	ctx := context.Background()

	h, err := invoker.NewHost(ctx, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close(ctx) })
	return h
}

func TestParseManifest_Valid(t *testing.T) {
	dir := writeGuest(t, t.TempDir(), "hello-rust", "rustc", fixture.Rust())

	m, err := ParseManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, "hello-rust", m.Name)
	assert.Equal(t, "Rust", m.Language)
	assert.Equal(t, "rustc", m.Toolchain)
	assert.Equal(t, filepath.Join(dir, "hello-rust.wasm"), m.WasmPath())
	assert.Equal(t, dir, m.Dir())
}

func TestParseManifest_NotFound(t *testing.T) {
	_, err := ParseManifest(t.TempDir())

	var notFound *ManifestNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestParseManifest_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte("name: [unterminated"), 0o644))

	_, err := ParseManifest(dir)

	var parseErr *ManifestParseError
	assert.ErrorAs(t, err, &parseErr)
}

func TestParseManifest_Validation(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
		field    string
	}{
		{
			name:     "missing name",
			manifest: "version: 1.0.0\nlanguage: C\ntoolchain: emscripten\nwasm:\n  file: g.wasm\n",
			field:    "name",
		},
		{
			name:     "missing language",
			manifest: "name: g\nversion: 1.0.0\ntoolchain: emscripten\nwasm:\n  file: g.wasm\n",
			field:    "language",
		},
		{
			name:     "unknown toolchain",
			manifest: "name: g\nversion: 1.0.0\nlanguage: C\ntoolchain: gcc\nwasm:\n  file: g.wasm\n",
			field:    "toolchain",
		},
		{
			name:     "missing wasm file",
			manifest: "name: g\nversion: 1.0.0\nlanguage: C\ntoolchain: emscripten\n",
			field:    "wasm.file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(tt.manifest), 0o644))

			_, err := ParseManifest(dir)

			var validationErr *ManifestValidationError
			require.ErrorAs(t, err, &validationErr)
			assert.Equal(t, tt.field, validationErr.Field)
		})
	}
}

func TestParseManifest_WasmMissing(t *testing.T) {
	dir := writeGuest(t, t.TempDir(), "hello-c", "emscripten", fixture.C())
	require.NoError(t, os.Remove(filepath.Join(dir, "hello-c.wasm")))

	_, err := ParseManifest(dir)

	var missing *WasmNotFoundError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "hello-c.wasm", missing.WasmFile)
}

func TestSchema(t *testing.T) {
	data, err := Schema()
	require.NoError(t, err)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(data, &schema))

	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok, "schema has no properties: %s", data)
	for _, key := range []string{"name", "version", "language", "toolchain", "wasm"} {
		assert.Contains(t, props, key)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	c := &Entry{Manifest: &Manifest{Name: "hello-c", Language: "C"}}
	cpp := &Entry{Manifest: &Manifest{Name: "hello-cpp", Language: "C"}}
	rust := &Entry{Manifest: &Manifest{Name: "hello-rust", Language: "Rust"}}

	require.NoError(t, r.Register(rust))
	require.NoError(t, r.Register(c))
	require.NoError(t, r.Register(cpp))

	var dup *GuestAlreadyRegisteredError
	assert.ErrorAs(t, r.Register(c), &dup)

	assert.Equal(t, 3, r.Count())
	assert.Equal(t, []string{"C", "Rust"}, r.Languages())
	assert.Len(t, r.LookupByLanguage("C"), 2)
	assert.Empty(t, r.LookupByLanguage("Zig"))

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "hello-c", list[0].Name())
	assert.Equal(t, "hello-rust", list[2].Name())

	r.Unregister("hello-c")
	r.Unregister("hello-c")
	assert.Equal(t, 2, r.Count())
	assert.Len(t, r.LookupByLanguage("C"), 1)

	_, ok := r.Get("hello-c")
	assert.False(t, ok)
}

func TestLoader_Discover(t *testing.T) {
	base := t.TempDir()
	writeGuest(t, base, "hello-c", "emscripten", fixture.C())
	writeGuest(t, base, "hello-rust", "rustc", fixture.Rust())

	broken := fixture.C()
	broken.Omit = []string{"malloc"}
	writeGuest(t, base, "no-malloc", "emscripten", broken)

	require.NoError(t, os.WriteFile(filepath.Join(base, "README"), []byte("not a guest"), 0o644))

	l := NewLoader(newHost(t), zap.NewNop())
	entries, err := l.Discover(context.Background(), []string{base, filepath.Join(base, "missing")})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestLoader_ContractViolation(t *testing.T) {
	opts := fixture.C()
	opts.Omit = []string{"hello"}
	dir := writeGuest(t, t.TempDir(), "no-hello", "emscripten", opts)

	l := NewLoader(newHost(t), zap.NewNop())
	_, err := l.Load(context.Background(), dir)

	var loadErr *GuestLoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "no-hello", loadErr.GuestName)
	assert.Contains(t, err.Error(), "export 'hello' is missing")
}

func TestLoader_NothingFound(t *testing.T) {
	l := NewLoader(newHost(t), zap.NewNop())
	_, err := l.Discover(context.Background(), []string{t.TempDir()})

	var none *NoGuestsFoundError
	assert.ErrorAs(t, err, &none)
}

func newLoadedManager(t *testing.T) *Manager {
	t.Helper()

	base := t.TempDir()
	writeGuest(t, base, "hello-c", "emscripten", fixture.C())
	writeGuest(t, base, "hello-go", "go", fixture.Go())
	writeGuest(t, base, "hello-rust", "rustc", fixture.Rust())

	m := NewManager([]string{base}, newHost(t), zaptest.NewLogger(t))
	require.NoError(t, m.LoadAll(context.Background()))
	return m
}

func TestManager_LoadAll(t *testing.T) {
	m := newLoadedManager(t)

	assert.True(t, m.IsLoaded())
	assert.Equal(t, 3, m.Registry().Count())
	assert.Error(t, m.LoadAll(context.Background()))

	entry, err := m.FindByLanguage("Rust")
	require.NoError(t, err)
	assert.Equal(t, "hello-rust", entry.Name())

	_, err = m.FindByLanguage("Zig")
	assert.Error(t, err)

	_, err = m.Get("hello-zig")
	var notFound *GuestNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestManager_LoadAll_Empty(t *testing.T) {
	m := NewManager([]string{t.TempDir()}, newHost(t), zap.NewNop())
	require.NoError(t, m.LoadAll(context.Background()))
	assert.True(t, m.IsLoaded())
	assert.Zero(t, m.Registry().Count())

	_, err := m.Compare(context.Background(), "x")
	var none *NoGuestsFoundError
	assert.ErrorAs(t, err, &none)
}

func TestManager_Instantiate(t *testing.T) {
	m := newLoadedManager(t)
	ctx := context.Background()

	g, err := m.Instantiate(ctx, "hello-go")
	require.NoError(t, err)
	defer g.Close(ctx)

	sum, err := g.Add(ctx, 5, 2)
	require.NoError(t, err)
	assert.Equal(t, int32(7), sum)

	_, err = m.Instantiate(ctx, "hello-zig")
	assert.Error(t, err)
}

func TestManager_Compare(t *testing.T) {
	m := newLoadedManager(t)

	results, err := m.Compare(context.Background(), "Ada")
	require.NoError(t, err)
	require.Len(t, results, 3)

	for _, r := range results {
		assert.Equal(t, "Hello Ada from "+r.Language, r.Greeting)
	}
	assert.Zero(t, m.host.Runtime().InstanceCount())
}

func TestManager_Compare_Mismatch(t *testing.T) {
	base := t.TempDir()
	writeGuest(t, base, "hello-c", "emscripten", fixture.C())

	// Claims to be Go but greets as Zig.
	liar := fixture.Go()
	liar.Language = "Zig"
	dir := writeGuest(t, base, "hello-liar", "go", liar)
	manifest := "name: hello-liar\nversion: 1.0.0\nlanguage: Go\ntoolchain: go\nwasm:\n  file: hello-liar.wasm\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(manifest), 0o644))

	m := NewManager([]string{base}, newHost(t), zap.NewNop())
	require.NoError(t, m.LoadAll(context.Background()))

	results, err := m.Compare(context.Background(), "")
	require.Error(t, err)
	assert.Len(t, results, 2)

	errs := multierr.Errors(err)
	require.Len(t, errs, 1)
	var mismatch *MismatchError
	require.ErrorAs(t, errs[0], &mismatch)
	assert.Equal(t, "hello-liar", mismatch.GuestName)
	assert.Equal(t, "Hello World from Zig", mismatch.Got)
	assert.Equal(t, "Hello World from Go", mismatch.Expected)
}
