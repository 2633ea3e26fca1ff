package invoker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/tetratelabs/wazero/api"
	guestapi "github.com/woxQAQ/polyglot-wasm/api/wasm"
	"github.com/woxQAQ/polyglot-wasm/internal/contract"
	"github.com/woxQAQ/polyglot-wasm/internal/wasm"
	"github.com/woxQAQ/polyglot-wasm/pkg/abi"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	// ErrUnknownBuffer is returned when freeing a buffer this guest did not
	// allocate for the host, or already freed.
	ErrUnknownBuffer = errors.New("buffer was not allocated by this guest or is already freed")

	// ErrClosed is returned for calls on a closed guest.
	ErrClosed = errors.New("guest is closed")
)

// Guest is a loaded module that satisfies the guest contract.
//
// Linear memory and the guest allocator are shared mutable state, so every
// call takes the guest's lock. Distinct guests are independent.
type Guest struct {
	mu sync.Mutex

	instance *wasm.Instance
	memory   *wasm.Memory
	contract *contract.Contract
	logger   *zap.Logger

	resultCapacity uint32
	maxInputLength int

	// Buffers allocated through this guest and not yet freed.
	outstanding map[abi.Pointer]uint32
}

// Name returns the module name the guest was loaded under.
func (g *Guest) Name() string {
	return g.instance.Name
}

// Instance returns the underlying instance.
func (g *Guest) Instance() *wasm.Instance {
	return g.instance
}

// CallPrimitive invokes an export whose parameters are all plain integers.
// A void export yields 0.
func (g *Guest) CallPrimitive(ctx context.Context, name string, args ...int32) (int32, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.instance.IsClosed() {
		return 0, ErrClosed
	}

	def, ok := g.instance.Definition(name)
	if !ok {
		return 0, &wasm.ExportNotFoundError{ModuleName: g.Name(), FunctionName: name}
	}

	if conv, ok := g.contract.Lookup(name); ok && !conv.IsPrimitive() {
		return 0, &wasm.ConventionMismatchError{
			ModuleName:   g.Name(),
			FunctionName: name,
			Declared:     describe(conv),
			Used:         "primitive",
		}
	}

	if want := len(def.ParamTypes()); want != len(args) {
		return 0, &wasm.ArityMismatchError{
			ModuleName:   g.Name(),
			FunctionName: name,
			Want:         want,
			Got:          len(args),
		}
	}

	params := make([]uint64, len(args))
	for i, a := range args {
		params[i] = api.EncodeI32(a)
	}

	results, err := g.instance.Call(ctx, name, params...)
	if err != nil {
		return 0, err
	}
	if len(results) == 0 {
		return 0, nil
	}
	return api.DecodeI32(results[0]), nil
}

// Add calls the contract's add export.
func (g *Guest) Add(ctx context.Context, value1, value2 int32) (int32, error) {
	return g.CallPrimitive(ctx, guestapi.ExportAdd, value1, value2)
}

// CallWithBuffer runs the buffer protocol against a hello-style export:
// allocate and fill the input, allocate the result, call, read and trim the
// result, then free result and input. Buffers are freed on every exit path.
//
// A nil or empty input is passed as (0, 0). A zero capacity uses the
// configured result capacity.
func (g *Guest) CallWithBuffer(ctx context.Context, name string, input []byte, resultCapacity uint32) (out []byte, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.instance.IsClosed() {
		return nil, ErrClosed
	}

	if err := g.checkBufferCall(name); err != nil {
		return nil, err
	}

	if g.maxInputLength > 0 && len(input) > g.maxInputLength {
		return nil, &wasm.InputTooLongError{FunctionName: name, Length: len(input), Max: g.maxInputLength}
	}

	if resultCapacity == 0 {
		resultCapacity = g.resultCapacity
	}

	s := g.newScope()
	defer func() {
		if g.instance.IsClosed() {
			// Linear memory went away with the instance.
			return
		}
		// Frees still run when the caller's context ended between calls.
		if releaseErr := s.release(context.WithoutCancel(ctx)); releaseErr != nil {
			out = nil
			err = multierr.Append(err, releaseErr)
		}
	}()

	var in abi.Buffer
	if len(input) > 0 {
		in, err = g.malloc(ctx, uint32(len(input)))
		if err != nil {
			return nil, err
		}
		s.acquire(in)

		if err := g.memory.WriteBytes(uint32(in.Ptr), input); err != nil {
			return nil, err
		}
	}

	res, err := g.malloc(ctx, resultCapacity)
	if err != nil {
		return nil, err
	}
	s.acquire(res)

	if err := g.memory.Zero(uint32(res.Ptr), res.Len); err != nil {
		return nil, err
	}

	if _, err := g.instance.Call(ctx, name,
		api.EncodeU32(uint32(in.Ptr)),
		api.EncodeU32(in.Len),
		api.EncodeU32(uint32(res.Ptr)),
	); err != nil {
		return nil, err
	}

	raw, err := g.memory.Copy(uint32(res.Ptr), res.Len)
	if err != nil {
		return nil, err
	}

	out = abi.TrimResult(raw)
	if !utf8.Valid(out) {
		return nil, &wasm.DecodeError{ModuleName: g.Name(), FunctionName: name, Data: out}
	}

	g.logger.Debug("Buffer call completed",
		zap.String("function", name),
		zap.Int("input_len", len(input)),
		zap.Uint32("result_capacity", resultCapacity),
		zap.Int("result_len", len(out)),
	)

	return out, nil
}

// Hello calls the contract's hello export. An empty name asks for the
// default greeting.
func (g *Guest) Hello(ctx context.Context, name string) (string, error) {
	out, err := g.CallWithBuffer(ctx, guestapi.ExportHello, []byte(name), 0)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Malloc allocates size bytes in the guest. The caller owns the buffer and
// must pass it to Free exactly once.
func (g *Guest) Malloc(ctx context.Context, size uint32) (abi.Buffer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.instance.IsClosed() {
		return abi.Buffer{}, ErrClosed
	}
	return g.malloc(ctx, size)
}

// Free releases a buffer returned by Malloc, passing its length to the guest.
func (g *Guest) Free(ctx context.Context, buf abi.Buffer) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.instance.IsClosed() {
		return ErrClosed
	}
	return g.free(ctx, buf)
}

// ReadBuffer copies a buffer out of linear memory.
func (g *Guest) ReadBuffer(buf abi.Buffer) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.instance.IsClosed() {
		return nil, ErrClosed
	}
	return g.memory.Copy(uint32(buf.Ptr), buf.Len)
}

// WriteBuffer writes data at the start of a buffer. Data longer than the
// buffer is rejected.
func (g *Guest) WriteBuffer(buf abi.Buffer, data []byte) error {
	if uint64(len(data)) > uint64(buf.Len) {
		return &wasm.MemoryAccessError{
			Operation: "write",
			Address:   uint32(buf.Ptr),
			Length:    uint32(len(data)),
			Err:       fmt.Errorf("data exceeds buffer length %d", buf.Len),
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.instance.IsClosed() {
		return ErrClosed
	}
	return g.memory.WriteBytes(uint32(buf.Ptr), data)
}

// Outstanding returns the number of buffers allocated and not yet freed.
func (g *Guest) Outstanding() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.outstanding)
}

// Close discards the instance and its memory.
func (g *Guest) Close(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.instance.IsClosed() {
		return nil
	}
	if n := len(g.outstanding); n > 0 {
		g.logger.Warn("Closing guest with unfreed buffers", zap.Int("buffers", n))
	}
	return g.instance.Close(ctx)
}

func (g *Guest) malloc(ctx context.Context, size uint32) (abi.Buffer, error) {
	results, err := g.instance.Call(ctx, guestapi.ExportMalloc, api.EncodeU32(size))
	if err != nil {
		return abi.Buffer{}, &wasm.AllocationFailedError{ModuleName: g.Name(), Size: size, Err: err}
	}

	buf := abi.Buffer{Ptr: abi.Pointer(api.DecodeU32(results[0])), Len: size}
	if buf.IsNull() {
		return abi.Buffer{}, &wasm.AllocationFailedError{ModuleName: g.Name(), Size: size}
	}

	g.outstanding[buf.Ptr] = size
	return buf, nil
}

func (g *Guest) free(ctx context.Context, buf abi.Buffer) error {
	if _, ok := g.outstanding[buf.Ptr]; !ok {
		return fmt.Errorf("free %s: %w", buf, ErrUnknownBuffer)
	}

	// The length is always supplied; some guests need it, the rest ignore it.
	if _, err := g.instance.Call(ctx, guestapi.ExportFree,
		api.EncodeU32(uint32(buf.Ptr)),
		api.EncodeU32(buf.Len),
	); err != nil {
		return err
	}

	delete(g.outstanding, buf.Ptr)
	return nil
}

func (g *Guest) checkBufferCall(name string) error {
	def, ok := g.instance.Definition(name)
	if !ok {
		return &wasm.ExportNotFoundError{ModuleName: g.Name(), FunctionName: name}
	}

	if conv, ok := g.contract.Lookup(name); ok {
		if !conv.IsBufferCall() {
			return &wasm.ConventionMismatchError{
				ModuleName:   g.Name(),
				FunctionName: name,
				Declared:     describe(conv),
				Used:         "buffer call",
			}
		}
		return nil
	}

	// Undeclared exports are assumed to follow the hello shape when their
	// arity allows it.
	if got := len(def.ParamTypes()); got != 3 || len(def.ResultTypes()) != 0 {
		return &wasm.ArityMismatchError{
			ModuleName:   g.Name(),
			FunctionName: name,
			Want:         3,
			Got:          got,
		}
	}
	return nil
}

func describe(conv abi.Convention) string {
	s := "("
	for i, p := range conv.Params {
		if i > 0 {
			s += ", "
		}
		s += p.String()
	}
	s += ")"
	if conv.Results > 0 {
		s += " -> i32"
	}
	return s
}
