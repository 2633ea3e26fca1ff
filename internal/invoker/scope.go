package invoker

import (
	"context"

	"github.com/woxQAQ/polyglot-wasm/pkg/abi"
	"go.uber.org/multierr"
)

// scope is the release list of one call sequence. Buffers are released in
// reverse order of acquisition when the sequence ends, whatever the exit path.
type scope struct {
	guest   *Guest
	buffers []abi.Buffer
}

func (g *Guest) newScope() *scope {
	return &scope{guest: g}
}

func (s *scope) acquire(buf abi.Buffer) {
	s.buffers = append(s.buffers, buf)
}

// release frees every acquired buffer, last first. It keeps going after a
// failure so that one bad free does not leak the rest.
func (s *scope) release(ctx context.Context) error {
	var err error
	for i := len(s.buffers) - 1; i >= 0; i-- {
		err = multierr.Append(err, s.guest.free(ctx, s.buffers[i]))
	}
	s.buffers = nil
	return err
}
