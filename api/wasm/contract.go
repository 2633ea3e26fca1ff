// Package wasm describes the exports a guest module provides so that any host
// can drive it without knowing which toolchain produced it.
//
// Guests export exactly these functions:
//
//	malloc(length uint32) uint32
//	free(ptr uint32, length uint32)
//	add(a int32, b int32) int32
//	hello(namePtr uint32, nameLen uint32, resultPtr uint32)
//
// NOTE: uint32 is used for pointers and lengths because WebAssembly uses a 32-bit
// linear memory model. All Wasm memory addresses are represented as 32-bit integers
// (addresses 0 to 4GB). This ensures compatibility with Wasm's memory architecture.
// See: https://github.com/golang/go/issues/59156
//
// The guest owns its allocator. The host always passes the length to free,
// even to guests whose allocator does not need it.
package wasm

import "fmt"

// Export names of the guest contract.
const (
	ExportMalloc = "malloc"
	ExportFree   = "free"
	ExportAdd    = "add"
	ExportHello  = "hello"

	// ExportMemory is the linear memory every buffer crosses.
	ExportMemory = "memory"
)

// RecommendedResultCapacity is the result buffer size hosts allocate for hello.
const RecommendedResultCapacity = 128

// Greeting is the text hello writes for a name and language tag.
// An empty name yields the default greeting.
func Greeting(name, language string) string {
	if name == "" {
		name = "World"
	}
	return fmt.Sprintf("Hello %s from %s", name, language)
}
