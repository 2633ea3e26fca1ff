//go:build wasip1

package wasm

import (
	"unsafe"
)

// heap pins allocations handed to the host so the garbage collector
// leaves them alone until free is called.
var heap = make(map[uint32][]byte)

// malloc reserves length bytes and returns their offset in linear memory.
//
//go:wasmexport malloc
func malloc(length uint32) uint32 {
	if length == 0 {
		length = 1
	}
	buf := make([]byte, length)
	ptr := uint32(uintptr(unsafe.Pointer(&buf[0])))
	heap[ptr] = buf
	return ptr
}

// free releases a block returned by malloc. The length is accepted for
// portability and ignored; the heap knows the size.
//
//go:wasmexport free
func free(ptr uint32, length uint32) {
	delete(heap, ptr)
}

// Bytes returns the length bytes at ptr as a slice over linear memory.
func Bytes(ptr, length uint32) []byte {
	if length == 0 {
		return nil
	}
	//nolint:gosec // ptr is an offset into our own linear memory
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), length)
}

// WriteResult copies s into the result buffer at ptr and NUL-terminates it.
// The host sizes the buffer; callers must keep s below that size.
func WriteResult(ptr uint32, s string) {
	dst := Bytes(ptr, uint32(len(s))+1)
	copy(dst, s)
	dst[len(s)] = 0
}
