// Package contract declares the calling conventions a host expects from guest
// exports and checks compiled modules against them.
//
// The Wasm binary records arity and primitive types only. Whether an i32
// parameter is a pointer, a length or a number is host knowledge, so it is
// declared here rather than inferred.
package contract

import (
	"fmt"
	"sort"

	"github.com/tetratelabs/wazero/api"
	guest "github.com/woxQAQ/polyglot-wasm/api/wasm"
	"github.com/woxQAQ/polyglot-wasm/internal/wasm"
	"github.com/woxQAQ/polyglot-wasm/pkg/abi"
)

// Contract is a set of export conventions keyed by export name.
type Contract struct {
	conventions map[string]abi.Convention
}

// Default returns the guest contract: malloc, free, add and hello, all required.
func Default() *Contract {
	return New(
		abi.Convention{Name: guest.ExportMalloc, Params: []abi.Kind{abi.KindI32}, Results: 1, Required: true},
		abi.Convention{Name: guest.ExportFree, Params: []abi.Kind{abi.KindPointer, abi.KindI32}, Required: true},
		abi.Convention{Name: guest.ExportAdd, Params: []abi.Kind{abi.KindI32, abi.KindI32}, Results: 1, Required: true},
		abi.Convention{Name: guest.ExportHello, Params: []abi.Kind{abi.KindBuffer, abi.KindPointer}, Required: true},
	)
}

// New builds a contract from conventions. A later convention replaces an
// earlier one with the same name.
func New(conventions ...abi.Convention) *Contract {
	c := &Contract{conventions: make(map[string]abi.Convention, len(conventions))}
	for _, conv := range conventions {
		c.conventions[conv.Name] = conv
	}
	return c
}

// With returns a copy of the contract with extra conventions merged in.
func (c *Contract) With(conventions ...abi.Convention) *Contract {
	merged := make([]abi.Convention, 0, len(c.conventions)+len(conventions))
	merged = append(merged, c.List()...)
	merged = append(merged, conventions...)
	return New(merged...)
}

// Lookup returns the convention declared for an export.
func (c *Contract) Lookup(name string) (abi.Convention, bool) {
	conv, ok := c.conventions[name]
	return conv, ok
}

// List returns every convention sorted by name.
func (c *Contract) List() []abi.Convention {
	out := make([]abi.Convention, 0, len(c.conventions))
	for _, conv := range c.conventions {
		out = append(out, conv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Required returns the names of required exports, sorted.
func (c *Contract) Required() []string {
	var names []string
	for _, conv := range c.List() {
		if conv.Required {
			names = append(names, conv.Name)
		}
	}
	return names
}

// Validate checks a module's exports against the contract. Required exports
// must exist; every declared export that exists must match its convention.
// The first violation found, in name order, is returned.
func (c *Contract) Validate(moduleName string, exports map[string]api.FunctionDefinition) error {
	for _, conv := range c.List() {
		def, ok := exports[conv.Name]
		if !ok {
			if conv.Required {
				return &wasm.ContractViolationError{
					ModuleName: moduleName,
					Export:     conv.Name,
					Reason:     "is missing",
				}
			}
			continue
		}

		if reason := mismatch(conv, def); reason != "" {
			return &wasm.ContractViolationError{
				ModuleName: moduleName,
				Export:     conv.Name,
				Reason:     reason,
			}
		}
	}
	return nil
}

// ValidateModule validates a compiled module. Besides the export
// conventions, the module must export its linear memory.
func (c *Contract) ValidateModule(compiled *wasm.CompiledModule) error {
	if _, ok := compiled.Module.ExportedMemories()[guest.ExportMemory]; !ok {
		return &wasm.ContractViolationError{
			ModuleName: compiled.Name,
			Export:     guest.ExportMemory,
			Reason:     "is missing",
		}
	}
	return c.Validate(compiled.Name, compiled.Exports())
}

func mismatch(conv abi.Convention, def api.FunctionDefinition) string {
	params := def.ParamTypes()
	results := def.ResultTypes()

	if len(params) != conv.WasmParams() {
		return fmt.Sprintf("takes %d parameter(s), want %d", len(params), conv.WasmParams())
	}
	if len(results) != conv.Results {
		return fmt.Sprintf("returns %d result(s), want %d", len(results), conv.Results)
	}
	for i, p := range params {
		if p != api.ValueTypeI32 {
			return fmt.Sprintf("parameter %d is %s, want i32", i, api.ValueTypeName(p))
		}
	}
	for i, r := range results {
		if r != api.ValueTypeI32 {
			return fmt.Sprintf("result %d is %s, want i32", i, api.ValueTypeName(r))
		}
	}
	return ""
}

// ParseConvention builds a convention from configuration strings.
func ParseConvention(name string, params []string, results int, required bool) (abi.Convention, error) {
	if name == "" {
		return abi.Convention{}, fmt.Errorf("convention name is required")
	}
	if results < 0 || results > 1 {
		return abi.Convention{}, fmt.Errorf("convention '%s': results must be 0 or 1, got %d", name, results)
	}

	conv := abi.Convention{Name: name, Results: results, Required: required}
	for _, p := range params {
		kind, err := abi.ParseKind(p)
		if err != nil {
			return abi.Convention{}, fmt.Errorf("convention '%s': %w", name, err)
		}
		conv.Params = append(conv.Params, kind)
	}
	return conv, nil
}
