// Package catalog discovers guest modules on disk, registers them by name and
// language, and checks that guests built by different toolchains behave the
// same.
//
// Each guest lives in its own directory:
//
//	modules/
//	  hello-c/
//	    manifest.yaml
//	    hello-c.wasm
//	  hello-rust/
//	    manifest.yaml
//	    hello_rust.wasm
package catalog

import (
	"time"

	"github.com/woxQAQ/polyglot-wasm/internal/wasm"
)

// Entry is a discovered guest with its manifest and compiled module.
type Entry struct {
	Manifest *Manifest

	// Compiled has already been checked against the guest contract.
	Compiled *wasm.CompiledModule

	LoadedAt time.Time
}

// Name returns the guest name.
func (e *Entry) Name() string {
	return e.Manifest.Name
}

// Language returns the language tag the guest puts in its greetings.
func (e *Entry) Language() string {
	return e.Manifest.Language
}

func (e *Entry) Version() string {
	return e.Manifest.Version
}

func (e *Entry) Toolchain() string {
	return e.Manifest.Toolchain
}
