package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. WASMHOST_LOG_LEVEL or
// WASMHOST_INVOKER_RESULT_CAPACITY.
const EnvPrefix = "WASMHOST"

var validate = validator.New()

type Config struct {
	ModulePaths []string           `mapstructure:"module_paths"`
	LogLevel    string             `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	Wasm        WasmConfig         `mapstructure:"wasm"`
	Invoker     InvokerConfig      `mapstructure:"invoker"`
	Conventions []ConventionConfig `mapstructure:"conventions" validate:"dive"`
}

// WasmConfig holds Wasm runtime configuration.
type WasmConfig struct {
	// Memory limit per module (in pages, 64KB each).
	MemoryPages uint32 `mapstructure:"memory_pages" validate:"lte=65536"`
	// Enable debug logging.
	Debug bool `mapstructure:"debug"`
	// Compilation cache directory.
	CacheDir string `mapstructure:"cache_dir"`
	// Maximum concurrent instances.
	MaxInstances int `mapstructure:"max_instances" validate:"gte=0"`
	// Module execution timeout (seconds).
	ExecutionTimeout int `mapstructure:"execution_timeout" validate:"gte=0"`
	// Provide wasi_snapshot_preview1 to guests.
	WASI bool `mapstructure:"wasi"`
	// Provide the Emscripten env module to guests importing it.
	Emscripten bool `mapstructure:"emscripten"`
}

// ExecutionTimeoutDuration converts ExecutionTimeout to a time.Duration.
func (w WasmConfig) ExecutionTimeoutDuration() time.Duration {
	return time.Duration(w.ExecutionTimeout) * time.Second
}

// InvokerConfig holds the host side of the buffer calling convention.
type InvokerConfig struct {
	// Result buffer size allocated in the guest for buffer calls.
	ResultCapacity uint32 `mapstructure:"result_capacity" validate:"gt=0"`
	// Longest input accepted before allocating; 0 disables the bound.
	MaxInputLength int `mapstructure:"max_input_length" validate:"gte=0"`
}

// ConventionConfig declares the calling convention of an extra export, or
// overrides a built-in one. Params are "i32", "buffer" or "pointer".
type ConventionConfig struct {
	Name     string   `mapstructure:"name" validate:"required"`
	Params   []string `mapstructure:"params" validate:"dive,oneof=i32 buffer pointer"`
	Results  int      `mapstructure:"results" validate:"gte=0,lte=1"`
	Required bool     `mapstructure:"required"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("module_paths", []string{"./modules"})
	v.SetDefault("log_level", "info")

	// Wasm defaults
	v.SetDefault("wasm.memory_pages", 256) // 16MB
	v.SetDefault("wasm.debug", false)
	v.SetDefault("wasm.cache_dir", "")
	v.SetDefault("wasm.max_instances", 100)
	v.SetDefault("wasm.execution_timeout", 30)
	v.SetDefault("wasm.wasi", true)
	v.SetDefault("wasm.emscripten", true)

	// Invoker defaults
	v.SetDefault("invoker.result_capacity", 128)
	v.SetDefault("invoker.max_input_length", 64)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}
