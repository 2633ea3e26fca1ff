package wasm

import (
	"fmt"
	"time"
)

// CompilationError reports a binary wazero could not decode or validate.
type CompilationError struct {
	ModuleName string
	Err        error
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("failed to compile Wasm module '%s': %v", e.ModuleName, e.Err)
}

func (e *CompilationError) Unwrap() error {
	return e.Err
}

// InstantiationError reports a failure linking or starting an instance,
// including a trapping _initialize.
type InstantiationError struct {
	ModuleName string
	InstanceID string
	Err        error
}

func (e *InstantiationError) Error() string {
	return fmt.Sprintf("failed to instantiate module '%s' (instance: %s): %v",
		e.ModuleName, e.InstanceID, e.Err)
}

func (e *InstantiationError) Unwrap() error {
	return e.Err
}

// ModuleNotFoundError reports an instantiation of a module never loaded.
type ModuleNotFoundError struct {
	ModuleName string
}

func (e *ModuleNotFoundError) Error() string {
	return fmt.Sprintf("module '%s' not found in cache", e.ModuleName)
}

// ModuleConflictError reports a load of different bytes under a module name
// that is already compiled.
type ModuleConflictError struct {
	ModuleName string
}

func (e *ModuleConflictError) Error() string {
	return fmt.Sprintf("module '%s' is already loaded with different contents", e.ModuleName)
}

// InstanceLimitError occurs when the runtime already tracks the maximum
// number of live instances.
type InstanceLimitError struct {
	Limit int
}

func (e *InstanceLimitError) Error() string {
	return fmt.Sprintf("instance limit reached (max %d)", e.Limit)
}

// ContractViolationError occurs when a module does not provide an export the
// guest contract requires, or provides it with the wrong shape.
type ContractViolationError struct {
	ModuleName string
	Export     string
	Reason     string
}

func (e *ContractViolationError) Error() string {
	return fmt.Sprintf("module '%s' violates the guest contract: export '%s' %s",
		e.ModuleName, e.Export, e.Reason)
}

// ExportNotFoundError reports a call to a function the guest does not export.
type ExportNotFoundError struct {
	ModuleName   string
	FunctionName string
}

func (e *ExportNotFoundError) Error() string {
	return fmt.Sprintf("function '%s' not found in module '%s'",
		e.FunctionName, e.ModuleName)
}

// ArityMismatchError occurs when a call supplies a different number of
// arguments than the export declares.
type ArityMismatchError struct {
	ModuleName   string
	FunctionName string
	Want         int
	Got          int
}

func (e *ArityMismatchError) Error() string {
	return fmt.Sprintf("function '%s' in module '%s' takes %d argument(s), got %d",
		e.FunctionName, e.ModuleName, e.Want, e.Got)
}

// ConventionMismatchError occurs when an export is called through a calling
// convention other than the one declared for it.
type ConventionMismatchError struct {
	ModuleName   string
	FunctionName string
	Declared     string
	Used         string
}

func (e *ConventionMismatchError) Error() string {
	return fmt.Sprintf("function '%s' in module '%s' is declared as %s, called as %s",
		e.FunctionName, e.ModuleName, e.Declared, e.Used)
}

// AllocationFailedError occurs when the guest allocator returns a null pointer.
type AllocationFailedError struct {
	ModuleName string
	Size       uint32
	Err        error
}

func (e *AllocationFailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("guest allocation of %d bytes failed in module '%s': %v",
			e.Size, e.ModuleName, e.Err)
	}
	return fmt.Sprintf("guest allocation of %d bytes failed in module '%s'",
		e.Size, e.ModuleName)
}

func (e *AllocationFailedError) Unwrap() error {
	return e.Err
}

// DecodeError occurs when result bytes are not valid UTF-8.
type DecodeError struct {
	ModuleName   string
	FunctionName string
	Data         []byte
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("result of '%s' in module '%s' is not valid UTF-8 (%d bytes)",
		e.FunctionName, e.ModuleName, len(e.Data))
}

// InputTooLongError occurs when an input buffer exceeds the configured bound
// before anything is allocated in the guest.
type InputTooLongError struct {
	FunctionName string
	Length       int
	Max          int
}

func (e *InputTooLongError) Error() string {
	return fmt.Sprintf("input for '%s' is %d bytes, max %d", e.FunctionName, e.Length, e.Max)
}

// MemoryAccessError reports a read or write outside guest linear memory.
type MemoryAccessError struct {
	Operation string
	Address   uint32
	Length    uint32
	Err       error
}

func (e *MemoryAccessError) Error() string {
	return fmt.Sprintf("memory access failed (op=%s, addr=%d, len=%d): %v",
		e.Operation, e.Address, e.Length, e.Err)
}

func (e *MemoryAccessError) Unwrap() error {
	return e.Err
}

// TimeoutError reports a call that ran past the execution timeout. The
// instance is closed by then.
type TimeoutError struct {
	FunctionName string
	Duration     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Wasm execution of '%s' timed out after %v", e.FunctionName, e.Duration)
}
