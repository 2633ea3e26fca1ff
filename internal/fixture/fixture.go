// Package fixture emits small guest modules that implement the buffer
// contract the way the real toolchains do, without needing Emscripten, rustc
// or TinyGo on the machine.
//
// Every module exports one page of memory and:
//
//	malloc(len i32) -> i32            bump allocator, one-slot reuse, 0 on exhaustion
//	free(ptr i32, len i32)            releases the block; strict mode traps on a length mismatch
//	add(a i32, b i32) -> i32
//	hello(namePtr, nameLen, resPtr)   writes "Hello <name> from <Language>"
//	allocations() -> i32              live allocation count, for leak checks
//
// Each block carries a 4-byte size header just below the returned pointer.
package fixture

import (
	"fmt"

	"github.com/tetratelabs/wabin/binary"
	"github.com/tetratelabs/wabin/wasm"
)

// Framing is how hello terminates the greeting it writes.
type Framing byte

const (
	// FramingNUL writes a C-style terminator.
	FramingNUL Framing = 0
	// FramingNewline writes a trailing newline and no terminator.
	FramingNewline Framing = '\n'
)

// Options describes one generated guest.
type Options struct {
	// Language is the tag appended to every greeting.
	Language string

	Framing Framing

	// StrictFree makes free trap unless the length matches what malloc
	// recorded, like allocators that need the layout on deallocation.
	StrictFree bool

	// SingleArgFree exports free(ptr) without the length parameter.
	// Such a module violates the contract.
	SingleArgFree bool

	// HelloTraps makes hello execute unreachable.
	HelloTraps bool

	// HelloLoops makes hello spin forever, so only a cancelled context or
	// the execution timeout ends the call.
	HelloLoops bool

	// ImportLog makes hello report its greeting via host.log_message.
	ImportLog bool

	// Omit lists exports to leave out. "memory" is accepted too.
	Omit []string
}

// C mirrors a guest built with Emscripten: NUL-terminated output and a free
// that ignores its length.
func C() Options {
	return Options{Language: "C", Framing: FramingNUL}
}

// Rust mirrors a guest built with rustc: newline framing and a deallocator
// that requires the original length.
func Rust() Options {
	return Options{Language: "Rust", Framing: FramingNewline, StrictFree: true}
}

// Go mirrors a guest built with GOOS=wasip1.
func Go() Options {
	return Options{Language: "Go", Framing: FramingNUL}
}

// Presets returns the named language presets.
func Presets() map[string]Options {
	return map[string]Options{
		"C":    C(),
		"Rust": Rust(),
		"Go":   Go(),
	}
}

// Static data layout inside the first page.
const (
	prefixOffset  = 16
	suffixOffset  = 32
	defaultOffset = 256
	heapBase      = 1024

	maxLanguageLen = 200
)

// Build encodes the guest described by opts as a Wasm binary.
func Build(opts Options) ([]byte, error) {
	if opts.Language == "" {
		return nil, fmt.Errorf("fixture: language tag is required")
	}
	if len(opts.Language) > maxLanguageLen {
		return nil, fmt.Errorf("fixture: language tag longer than %d bytes", maxLanguageLen)
	}

	prefix := []byte("Hello ")
	suffix := []byte(" from " + opts.Language)
	greeting := []byte("Hello World from " + opts.Language)

	omitted := make(map[string]bool, len(opts.Omit))
	for _, name := range opts.Omit {
		omitted[name] = true
	}

	// Imported functions come first in the function index space.
	var imported uint32
	if opts.ImportLog {
		imported = 1
	}

	const (
		tMalloc = iota
		tFree
		tAdd
		tHello
		tAllocations
		tFreeSingle
	)

	freeType := wasm.Index(tFree)
	if opts.SingleArgFree {
		freeType = tFreeSingle
	}

	mod := &wasm.Module{
		TypeSection: []*wasm.FunctionType{
			{Params: i32s(1), Results: i32s(1)},
			{Params: i32s(2)},
			{Params: i32s(2), Results: i32s(1)},
			{Params: i32s(3)},
			{Results: i32s(1)},
			{Params: i32s(1)},
		},
		FunctionSection: []wasm.Index{tMalloc, freeType, tAdd, tHello, tAllocations},
		MemorySection:   &wasm.Memory{Min: 1},
		GlobalSection: []*wasm.Global{
			mutableI32(heapBase), // heap top
			mutableI32(0),        // live allocations
			mutableI32(0),        // reusable block
		},
		CodeSection: []*wasm.Code{
			{LocalTypes: i32s(1), Body: mallocCode()},
			{Body: freeCode(opts)},
			{Body: addCode()},
			{LocalTypes: i32s(1), Body: helloCode(opts, uint32(len(suffix)), uint32(len(greeting)))},
			{Body: allocationsCode()},
		},
		DataSection: []*wasm.DataSegment{
			{OffsetExpression: i32Init(prefixOffset), Init: prefix},
			{OffsetExpression: i32Init(suffixOffset), Init: suffix},
			{OffsetExpression: i32Init(defaultOffset), Init: greeting},
		},
	}

	if opts.ImportLog {
		mod.ImportSection = []*wasm.Import{{
			Type:     wasm.ExternTypeFunc,
			Module:   "host",
			Name:     "log_message",
			DescFunc: tHello,
		}}
	}

	if !omitted["memory"] {
		mod.ExportSection = []*wasm.Export{{Type: wasm.ExternTypeMemory, Name: "memory", Index: 0}}
	}
	for i, export := range []string{"malloc", "free", "add", "hello", "allocations"} {
		if omitted[export] {
			continue
		}
		mod.ExportSection = append(mod.ExportSection, &wasm.Export{
			Type:  wasm.ExternTypeFunc,
			Name:  export,
			Index: imported + wasm.Index(i),
		})
	}

	return binary.EncodeModule(mod), nil
}

// MustBuild is Build for callers with static options.
func MustBuild(opts Options) []byte {
	bin, err := Build(opts)
	if err != nil {
		panic(err)
	}
	return bin
}

func mutableI32(v int32) *wasm.Global {
	return &wasm.Global{
		Type: &wasm.GlobalType{ValType: wasm.ValueTypeI32, Mutable: true},
		Init: i32Init(v),
	}
}

const (
	gTop = iota
	gLive
	gReuse
)

func mallocCode() []byte {
	var c asm
	// Reuse the last freed block when its recorded size matches exactly.
	c.globalGet(gReuse).ifEmpty()
	c.globalGet(gReuse).i32Const(4).op(wasm.OpcodeI32Sub).load().localGet(0).op(wasm.OpcodeI32Eq).ifEmpty()
	c.globalGet(gReuse).localSet(1)
	c.i32Const(0).globalSet(gReuse)
	c.globalGet(gLive).i32Const(1).op(wasm.OpcodeI32Add).globalSet(gLive)
	c.localGet(1).op(wasm.OpcodeReturn)
	c.op(wasm.OpcodeEnd)
	c.op(wasm.OpcodeEnd)

	// ptr = top + header
	c.globalGet(gTop).i32Const(4).op(wasm.OpcodeI32Add).localSet(1)

	// Out of memory when ptr+len passes the end of linear memory.
	c.localGet(1).op(wasm.OpcodeI64ExtendI32U).localGet(0).op(wasm.OpcodeI64ExtendI32U).op(wasm.OpcodeI64Add)
	c.memorySize().op(wasm.OpcodeI64ExtendI32U).i64Const(16).op(wasm.OpcodeI64Shl)
	c.op(wasm.OpcodeI64GtU).ifEmpty()
	c.i32Const(0).op(wasm.OpcodeReturn)
	c.op(wasm.OpcodeEnd)

	// Record the size and bump the top to the next 8-byte boundary.
	c.globalGet(gTop).localGet(0).store()
	c.localGet(1).localGet(0).op(wasm.OpcodeI32Add).i32Const(7).op(wasm.OpcodeI32Add).i32Const(-8).op(wasm.OpcodeI32And).globalSet(gTop)
	c.globalGet(gLive).i32Const(1).op(wasm.OpcodeI32Add).globalSet(gLive)
	c.localGet(1)
	c.op(wasm.OpcodeEnd)
	return c
}

func freeCode(opts Options) []byte {
	var c asm
	c.localGet(0).op(wasm.OpcodeI32Eqz).ifEmpty().op(wasm.OpcodeReturn).op(wasm.OpcodeEnd)
	if opts.StrictFree && !opts.SingleArgFree {
		c.localGet(0).i32Const(4).op(wasm.OpcodeI32Sub).load().localGet(1).op(wasm.OpcodeI32Ne).ifEmpty()
		c.op(wasm.OpcodeUnreachable)
		c.op(wasm.OpcodeEnd)
	}
	c.globalGet(gLive).i32Const(1).op(wasm.OpcodeI32Sub).globalSet(gLive)
	c.localGet(0).globalSet(gReuse)
	c.op(wasm.OpcodeEnd)
	return c
}

func addCode() []byte {
	var c asm
	c.localGet(0).localGet(1).op(wasm.OpcodeI32Add)
	c.op(wasm.OpcodeEnd)
	return c
}

func helloCode(opts Options, suffixLen, greetingLen uint32) []byte {
	var c asm
	if opts.HelloTraps {
		c.op(wasm.OpcodeUnreachable).op(wasm.OpcodeEnd)
		return c
	}
	if opts.HelloLoops {
		c.loop().imm(wasm.OpcodeBr, 0).op(wasm.OpcodeEnd)
		c.op(wasm.OpcodeEnd)
		return c
	}

	const (
		namePtr = 0
		nameLen = 1
		resPtr  = 2
		cursor  = 3
	)
	term := int32(opts.Framing)

	// No name: copy the default greeting.
	c.localGet(nameLen).op(wasm.OpcodeI32Eqz).ifEmpty()
	c.localGet(resPtr).i32Const(defaultOffset).i32Const(int32(greetingLen)).memoryCopy()
	c.localGet(resPtr).i32Const(int32(greetingLen)).op(wasm.OpcodeI32Add).i32Const(term).store8()
	if opts.ImportLog {
		c.i32Const(1).localGet(resPtr).i32Const(int32(greetingLen)).call(0)
	}
	c.op(wasm.OpcodeReturn)
	c.op(wasm.OpcodeEnd)

	c.localGet(resPtr).i32Const(prefixOffset).i32Const(6).memoryCopy()
	c.localGet(resPtr).i32Const(6).op(wasm.OpcodeI32Add).localSet(cursor)
	c.localGet(cursor).localGet(namePtr).localGet(nameLen).memoryCopy()
	c.localGet(cursor).localGet(nameLen).op(wasm.OpcodeI32Add).localSet(cursor)
	c.localGet(cursor).i32Const(suffixOffset).i32Const(int32(suffixLen)).memoryCopy()
	c.localGet(cursor).i32Const(int32(suffixLen)).op(wasm.OpcodeI32Add).localSet(cursor)
	c.localGet(cursor).i32Const(term).store8()
	if opts.ImportLog {
		c.i32Const(1).localGet(resPtr).localGet(cursor).localGet(resPtr).op(wasm.OpcodeI32Sub).call(0)
	}
	c.op(wasm.OpcodeEnd)
	return c
}

func allocationsCode() []byte {
	var c asm
	c.globalGet(gLive)
	c.op(wasm.OpcodeEnd)
	return c
}
