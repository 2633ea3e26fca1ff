package wasm

import (
	"errors"

	"github.com/tetratelabs/wazero/api"
)

var (
	errOutOfRange = errors.New("out of range of memory size")
	errNoMemory   = errors.New("module has no linear memory")
)

// Memory is a bounds-checked window onto one instance's linear memory.
// Offsets always come from the guest's own allocator; Memory never
// allocates.
type Memory struct {
	mem api.Memory
}

func NewMemory(module api.Module) *Memory {
	return &Memory{mem: module.Memory()}
}

// Size is the current length of linear memory in bytes.
func (m *Memory) Size() uint32 {
	if m.mem == nil {
		return 0
	}
	return m.mem.Size()
}

// View returns the bytes at [ptr, ptr+length) without copying. The view is
// invalidated when the guest grows memory.
func (m *Memory) View(ptr, length uint32) ([]byte, error) {
	return m.view("read", ptr, length)
}

// Copy is View into a host-owned slice.
func (m *Memory) Copy(ptr, length uint32) ([]byte, error) {
	view, err := m.view("read", ptr, length)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), view...), nil
}

func (m *Memory) WriteBytes(ptr uint32, data []byte) error {
	view, err := m.view("write", ptr, uint32(len(data)))
	if err != nil {
		return err
	}
	copy(view, data)
	return nil
}

// Zero clears a region. Guest allocators do not hand out zeroed memory.
func (m *Memory) Zero(ptr, length uint32) error {
	view, err := m.view("zero", ptr, length)
	if err != nil {
		return err
	}
	clear(view)
	return nil
}

func (m *Memory) view(op string, ptr, length uint32) ([]byte, error) {
	if m.mem == nil {
		return nil, &MemoryAccessError{Operation: op, Address: ptr, Length: length, Err: errNoMemory}
	}
	view, ok := m.mem.Read(ptr, length)
	if !ok {
		return nil, &MemoryAccessError{Operation: op, Address: ptr, Length: length, Err: errOutOfRange}
	}
	return view, nil
}
