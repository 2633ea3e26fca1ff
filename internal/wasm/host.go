package wasm

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// HostModuleName is the import module guests use to reach host functions.
const HostModuleName = "host"

// guestLevels maps the level argument of log_message onto zap levels.
// Unknown levels log at info.
var guestLevels = map[uint32]zapcore.Level{
	0: zapcore.DebugLevel,
	1: zapcore.InfoLevel,
	2: zapcore.WarnLevel,
	3: zapcore.ErrorLevel,
}

// HostFunctions is the optional "host" import module. The guest contract is
// satisfied by exports alone; a guest imports these only to report through
// the host's logger.
type HostFunctions struct {
	logger *zap.Logger
}

func NewHostFunctions(logger *zap.Logger) *HostFunctions {
	return &HostFunctions{
		logger: logger.With(zap.String("component", "wasm-host")),
	}
}

// logMessage implements log_message(level, ptr, length). The message is
// read from the caller's memory and must not outlive the call.
func (h *HostFunctions) logMessage(_ context.Context, mod api.Module, level, ptr, length uint32) {
	msg, ok := mod.Memory().Read(ptr, length)
	if !ok {
		h.logger.Error("Guest log message out of bounds",
			zap.String("module", mod.Name()),
			zap.Uint32("ptr", ptr),
			zap.Uint32("length", length),
		)
		return
	}

	lvl, ok := guestLevels[level]
	if !ok {
		lvl = zapcore.InfoLevel
	}
	if ce := h.logger.Check(lvl, string(msg)); ce != nil {
		ce.Write(zap.String("module", mod.Name()))
	}
}

func (h *HostFunctions) export(builder wazero.HostModuleBuilder) {
	builder.NewFunctionBuilder().
		WithFunc(h.logMessage).
		WithParameterNames("level", "ptr", "length").
		Export("log_message")
}
