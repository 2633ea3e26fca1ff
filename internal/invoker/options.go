package invoker

import (
	"fmt"
	"io"

	guestapi "github.com/woxQAQ/polyglot-wasm/api/wasm"
	"github.com/woxQAQ/polyglot-wasm/internal/config"
	"github.com/woxQAQ/polyglot-wasm/internal/contract"
	"github.com/woxQAQ/polyglot-wasm/internal/wasm"
	"github.com/woxQAQ/polyglot-wasm/pkg/abi"
)

// DefaultMaxInputLength bounds buffer-call inputs unless configured otherwise.
const DefaultMaxInputLength = 64

// Options configures a Host.
type Options struct {
	Runtime *wasm.RuntimeConfig

	// Result buffer size for buffer calls that do not pass one.
	ResultCapacity uint32

	// Longest accepted buffer-call input; 0 disables the bound.
	MaxInputLength int

	// Extra conventions merged over the default contract.
	Conventions []abi.Convention

	// Guest stdout/stderr, discarded when nil.
	Stdout io.Writer
	Stderr io.Writer
}

// DefaultOptions returns options matching the default configuration.
func DefaultOptions() *Options {
	return &Options{
		Runtime:        wasm.DefaultRuntimeConfig(),
		ResultCapacity: guestapi.RecommendedResultCapacity,
		MaxInputLength: DefaultMaxInputLength,
	}
}

// OptionsFromConfig maps loaded configuration onto host options.
func OptionsFromConfig(cfg *config.Config) (*Options, error) {
	opts := &Options{
		Runtime: &wasm.RuntimeConfig{
			MemoryPages:      cfg.Wasm.MemoryPages,
			DebugEnabled:     cfg.Wasm.Debug,
			CacheDir:         cfg.Wasm.CacheDir,
			MaxInstances:     cfg.Wasm.MaxInstances,
			ExecutionTimeout: cfg.Wasm.ExecutionTimeoutDuration(),
			EnableWASI:       cfg.Wasm.WASI,
			EnableEmscripten: cfg.Wasm.Emscripten,
		},
		ResultCapacity: cfg.Invoker.ResultCapacity,
		MaxInputLength: cfg.Invoker.MaxInputLength,
	}

	for _, c := range cfg.Conventions {
		conv, err := contract.ParseConvention(c.Name, c.Params, c.Results, c.Required)
		if err != nil {
			return nil, fmt.Errorf("invalid convention: %w", err)
		}
		opts.Conventions = append(opts.Conventions, conv)
	}

	return opts, nil
}
