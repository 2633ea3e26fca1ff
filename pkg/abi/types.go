// Package abi holds the shared types of the flat buffer ABI spoken between a
// host and a guest module.
//
// Pointers and lengths are uint32 because Wasm linear memory is addressed
// with 32-bit offsets. A Pointer is only meaningful for the instance whose
// allocator returned it.
package abi

import (
	"bytes"
	"fmt"
	"strings"
)

// Pointer is an offset into an instance's linear memory.
type Pointer uint32

// Null is the pointer returned by a guest allocator that could not satisfy a
// request.
const Null Pointer = 0

// Buffer is a contiguous byte range inside linear memory.
type Buffer struct {
	Ptr Pointer
	Len uint32
}

// IsNull reports whether the buffer points nowhere.
func (b Buffer) IsNull() bool {
	return b.Ptr == Null
}

// End returns the offset one past the last byte of the buffer.
// It is computed in 64 bits so that it never wraps.
func (b Buffer) End() uint64 {
	return uint64(b.Ptr) + uint64(b.Len)
}

func (b Buffer) String() string {
	return fmt.Sprintf("buffer{ptr=%d, len=%d}", b.Ptr, b.Len)
}

// Kind describes how the host marshals one logical parameter of an export.
type Kind int

const (
	// KindI32 is a plain 32-bit integer.
	KindI32 Kind = iota + 1
	// KindBuffer is an input buffer passed as a (pointer, length) pair.
	KindBuffer
	// KindPointer is a pointer to a host-allocated result buffer.
	KindPointer
)

var kindNames = map[Kind]string{
	KindI32:     "i32",
	KindBuffer:  "buffer",
	KindPointer: "pointer",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// WasmWidth is the number of Wasm parameters the kind occupies.
func (k Kind) WasmWidth() int {
	if k == KindBuffer {
		return 2
	}
	return 1
}

// ParseKind converts a configuration string into a Kind.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if strings.EqualFold(s, name) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown parameter kind %q (must be one of: i32, buffer, pointer)", s)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Convention is the calling convention of one export, declared by the host.
// The binary only tells us arity and primitive types; whether an i32 is a
// pointer or a number is recorded here.
type Convention struct {
	Name     string
	Params   []Kind
	Results  int
	Required bool
}

// WasmParams is the number of Wasm parameters the export must declare.
func (c Convention) WasmParams() int {
	n := 0
	for _, p := range c.Params {
		n += p.WasmWidth()
	}
	return n
}

// IsPrimitive reports whether every parameter is a plain integer.
func (c Convention) IsPrimitive() bool {
	for _, p := range c.Params {
		if p != KindI32 {
			return false
		}
	}
	return true
}

// IsBufferCall reports whether the export follows the hello-style shape:
// an input buffer followed by a result pointer, and no results.
func (c Convention) IsBufferCall() bool {
	return len(c.Params) == 2 &&
		c.Params[0] == KindBuffer &&
		c.Params[1] == KindPointer &&
		c.Results == 0
}

// TrimResult frames a fixed-capacity result buffer. Guests either
// NUL-terminate or newline-terminate their output, so the bytes are cut at
// the first NUL and trailing whitespace is removed.
func TrimResult(raw []byte) []byte {
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	return bytes.TrimRight(raw, " \t\r\n")
}
