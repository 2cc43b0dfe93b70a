// Package stream turns pushed commands into GPU work.
//
// A Stream collects commands in push order. Flush copies them into a fresh
// command buffer and submits it as one ring entry; the buffer stays alive
// until a later WaitIdle proves the GPU is done with it.
package stream

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	nverrors "github.com/shizukutanaka/nvstream/internal/errors"
	"github.com/shizukutanaka/nvstream/internal/gpumem"
	"github.com/shizukutanaka/nvstream/internal/kernel"
	"github.com/shizukutanaka/nvstream/internal/logging"
	"github.com/shizukutanaka/nvstream/internal/monitoring"
	"github.com/shizukutanaka/nvstream/internal/pushbuf"
	"github.com/shizukutanaka/nvstream/internal/ring"
)

// CommandBufferAlignment is the default GPU alignment of command buffers.
const CommandBufferAlignment = 0x20000

// Device is what a stream submits through.
type Device interface {
	gpumem.Backing
	Channel() kernel.Channel
}

// Option configures a Stream.
type Option func(*options)

type options struct {
	ringCapacity int
	alignment    uint32
	logger       *zap.Logger
}

// WithRingCapacity sets the number of ring entries staged before Submit.
func WithRingCapacity(n int) Option {
	return func(o *options) { o.ringCapacity = n }
}

// WithBufferAlignment sets the GPU alignment of command buffers.
func WithBufferAlignment(align uint32) Option {
	return func(o *options) { o.alignment = align }
}

// WithLogger overrides the device logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// Stream is a command stream on one channel. It is not safe for concurrent
// use; one goroutine pushes and flushes.
type Stream struct {
	id        uuid.UUID
	dev       Device
	queue     *ring.Queue
	logger    *zap.Logger
	metrics   *monitoring.Metrics
	alignment uint32

	pending  []*pushbuf.Command
	inFlight []*gpumem.Allocation
	closed   bool
}

// New returns a stream submitting through dev.
func New(dev Device, opts ...Option) *Stream {
	o := options{
		ringCapacity: ring.DefaultCapacity,
		alignment:    CommandBufferAlignment,
		logger:       dev.Logger(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	id := uuid.New()
	logger := logging.WithStream(o.logger, id.String())
	metrics := dev.Metrics()

	return &Stream{
		id:        id,
		dev:       dev,
		queue:     ring.New(dev.Channel(), o.ringCapacity, ring.WithLogger(logger), ring.WithMetrics(metrics)),
		logger:    logger,
		metrics:   metrics,
		alignment: o.alignment,
	}
}

// ID returns the id the stream logs with.
func (s *Stream) ID() uuid.UUID { return s.id }

// Push appends cmd to the pending list. The command is consumed by the next
// Flush.
func (s *Stream) Push(cmd *pushbuf.Command) {
	s.pending = append(s.pending, cmd)
}

// Pending returns the number of commands pushed since the last Flush.
func (s *Stream) Pending() int { return len(s.pending) }

// InFlight returns the number of submitted command buffers not yet reclaimed.
func (s *Stream) InFlight() int { return len(s.inFlight) }

// State returns the state of the ring.
func (s *Stream) State() ring.State { return s.queue.State() }

// Fence returns the fence of the last submission.
func (s *Stream) Fence() (kernel.Fence, bool) { return s.queue.Fence() }

// Flush submits the pending commands as one command buffer. Flushing
// nothing does nothing. On failure the buffer is released and no ring
// entry is left behind.
func (s *Stream) Flush(ctx context.Context) error {
	if s.closed {
		return nverrors.State("flush", "stream is closed")
	}
	if len(s.pending) == 0 {
		return nil
	}

	words, err := s.linearize()
	if err != nil {
		return err
	}

	buf, err := gpumem.Allocate(s.dev, 4*len(words), s.alignment)
	if err != nil {
		return err
	}
	if err := s.submit(ctx, buf, words); err != nil {
		if cerr := buf.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
		return err
	}

	s.inFlight = append(s.inFlight, buf)
	s.metrics.SetInFlight(len(s.inFlight))
	return nil
}

// linearize concatenates the pending commands and clears the list.
func (s *Stream) linearize() ([]uint32, error) {
	cmds := s.pending
	s.pending = nil

	var words []uint32
	for i, cmd := range cmds {
		w, err := cmd.Words()
		if err != nil {
			s.logger.Warn("Dropped pending commands", zap.Int("count", len(cmds)), zap.Int("failed_at", i))
			return nil, err
		}
		words = append(words, w...)
	}
	return words, nil
}

func (s *Stream) submit(ctx context.Context, buf *gpumem.Allocation, words []uint32) error {
	if err := buf.WriteWords(0, words); err != nil {
		return err
	}
	if err := buf.Flush(); err != nil {
		return err
	}
	if err := buf.Unmap(); err != nil {
		return err
	}

	mark := s.queue.Pending()
	if err := s.queue.Append(buf.GPUAddress(), uint64(len(words)), 0); err != nil {
		return err
	}
	if err := s.queue.Submit(ctx); err != nil {
		s.queue.Rollback(mark)
		return err
	}

	s.logger.Debug("Flushed command buffer",
		zap.Int("words", len(words)),
		zap.Uint64("gpu_address", buf.GPUAddress()),
	)
	return nil
}

// WaitIdle blocks until everything submitted has completed, then releases
// the command buffers.
func (s *Stream) WaitIdle(ctx context.Context) error {
	if err := s.queue.WaitIdle(ctx); err != nil {
		return err
	}
	return s.reclaim()
}

func (s *Stream) reclaim() error {
	if len(s.inFlight) == 0 {
		return nil
	}

	var errs []error
	for _, buf := range s.inFlight {
		if err := buf.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.logger.Debug("Reclaimed command buffers", zap.Int("count", len(s.inFlight)))
	s.inFlight = nil
	s.metrics.SetInFlight(0)
	return errors.Join(errs...)
}

// Close waits for the GPU and releases every command buffer. If the wait
// fails nothing is released and Close may be retried. Closing twice does
// nothing.
func (s *Stream) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	if err := s.WaitIdle(ctx); err != nil {
		return err
	}
	s.closed = true
	if len(s.pending) > 0 {
		s.logger.Warn("Closed stream with unflushed commands", zap.Int("count", len(s.pending)))
		s.pending = nil
	}
	return nil
}
