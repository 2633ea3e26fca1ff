package fixture

import (
	"github.com/tetratelabs/wabin/leb128"
	"github.com/tetratelabs/wabin/wasm"
)

const (
	blockEmpty = 0x40
	memArg4    = 0x02 // align=4
)

// asm accumulates a function body. Module structure is left to wabin;
// only instruction streams are assembled here.
type asm []byte

func (a *asm) op(b wasm.Opcode) *asm {
	*a = append(*a, b)
	return a
}

func (a *asm) imm(op wasm.Opcode, v uint32) *asm {
	*a = append(append(*a, op), leb128.EncodeUint32(v)...)
	return a
}

func (a *asm) localGet(i uint32) *asm  { return a.imm(wasm.OpcodeLocalGet, i) }
func (a *asm) localSet(i uint32) *asm  { return a.imm(wasm.OpcodeLocalSet, i) }
func (a *asm) globalGet(i uint32) *asm { return a.imm(wasm.OpcodeGlobalGet, i) }
func (a *asm) globalSet(i uint32) *asm { return a.imm(wasm.OpcodeGlobalSet, i) }
func (a *asm) call(fn uint32) *asm     { return a.imm(wasm.OpcodeCall, fn) }

func (a *asm) i32Const(v int32) *asm {
	*a = append(append(*a, wasm.OpcodeI32Const), leb128.EncodeInt32(v)...)
	return a
}

func (a *asm) i64Const(v int64) *asm {
	*a = append(append(*a, wasm.OpcodeI64Const), leb128.EncodeInt64(v)...)
	return a
}

func (a *asm) ifEmpty() *asm {
	*a = append(*a, wasm.OpcodeIf, blockEmpty)
	return a
}

func (a *asm) loop() *asm {
	*a = append(*a, wasm.OpcodeLoop, blockEmpty)
	return a
}

func (a *asm) load() *asm {
	*a = append(*a, wasm.OpcodeI32Load, memArg4, 0x00)
	return a
}

func (a *asm) store() *asm {
	*a = append(*a, wasm.OpcodeI32Store, memArg4, 0x00)
	return a
}

func (a *asm) store8() *asm {
	*a = append(*a, wasm.OpcodeI32Store8, 0x00, 0x00)
	return a
}

func (a *asm) memorySize() *asm {
	*a = append(*a, wasm.OpcodeMemorySize, 0x00)
	return a
}

func (a *asm) memoryCopy() *asm {
	*a = append(*a, wasm.OpcodeMiscPrefix, wasm.OpcodeMiscMemoryCopy, 0x00, 0x00)
	return a
}

// i32Init is a constant expression for a global or data segment offset.
func i32Init(v int32) *wasm.ConstantExpression {
	return &wasm.ConstantExpression{Opcode: wasm.OpcodeI32Const, Data: leb128.EncodeInt32(v)}
}

func i32s(n int) []wasm.ValueType {
	types := make([]wasm.ValueType, n)
	for i := range types {
		types[i] = wasm.ValueTypeI32
	}
	return types
}
