// Package ring stages GPFIFO entries and hands them to the kernel channel.
//
// A Queue tracks at most one fence: the completion fence of the last
// submission. Each submission waits on the previous fence, so batches
// complete in submission order and waiting on the last fence waits on all
// of them.
package ring

import (
	"context"
	"time"

	"go.uber.org/zap"

	nverrors "github.com/shizukutanaka/nvstream/internal/errors"
	"github.com/shizukutanaka/nvstream/internal/kernel"
	"github.com/shizukutanaka/nvstream/internal/monitoring"
)

// DefaultCapacity is the number of entries of the hardware ring.
const DefaultCapacity = 2048

// ErrRingFull is returned by Append when every slot is staged.
var ErrRingFull = nverrors.Exhausted("append ring entry", "ring is full")

// State of a Queue.
type State int

const (
	// Idle means nothing is staged and nothing is known to be running.
	Idle State = iota
	// Filling means entries are staged but not submitted.
	Filling
	// Submitted means the last fence has not been waited on.
	Submitted
)

// String implements fmt.Stringer.String.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Filling:
		return "filling"
	case Submitted:
		return "submitted"
	default:
		return "unknown"
	}
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger of the queue.
func WithLogger(logger *zap.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// WithMetrics sets the metrics the queue records into.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// Queue is the staging area of the hardware ring. It is not safe for
// concurrent use.
type Queue struct {
	ch      kernel.Channel
	logger  *zap.Logger
	metrics *monitoring.Metrics

	entries []kernel.RingEntry
	fence   *kernel.Fence
	// waited is set once fence is known to be reached.
	waited bool
	// unfenced is set when the kernel accepted the last batch without
	// reporting its fence. Only a later fenced batch can cover it.
	unfenced bool
}

// New returns a queue of capacity entries on ch. A capacity of zero or
// less selects DefaultCapacity.
func New(ch kernel.Channel, capacity int, opts ...Option) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	q := &Queue{
		ch:      ch,
		logger:  zap.NewNop(),
		entries: make([]kernel.RingEntry, 0, capacity),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Capacity returns the number of entries that fit before Submit.
func (q *Queue) Capacity() int {
	return cap(q.entries)
}

// Pending returns the number of staged entries.
func (q *Queue) Pending() int {
	return len(q.entries)
}

// Fence returns the fence of the last submission.
func (q *Queue) Fence() (kernel.Fence, bool) {
	if q.fence == nil || q.unfenced {
		return kernel.Fence{}, false
	}
	return *q.fence, true
}

// State returns the state of the queue.
func (q *Queue) State() State {
	switch {
	case len(q.entries) > 0:
		return Filling
	case q.unfenced, q.fence != nil && !q.waited:
		return Submitted
	default:
		return Idle
	}
}

// Append stages an entry for a command buffer of words words at addr.
func (q *Queue) Append(addr, words uint64, flags uint32) error {
	if len(q.entries) == cap(q.entries) {
		return ErrRingFull
	}
	e, err := kernel.NewRingEntry(addr, words, flags)
	if err != nil {
		return nverrors.Invalid("append ring entry", "%v", err)
	}
	q.entries = append(q.entries, e)
	return nil
}

// Rollback drops the entries staged after mark, as returned by Pending.
func (q *Queue) Rollback(mark int) {
	if mark >= 0 && mark < len(q.entries) {
		q.entries = q.entries[:mark]
	}
}

// Submit hands the staged entries to the kernel. The batch waits on the
// previous fence unless it was already waited on, and its own fence
// replaces it. Submitting nothing does nothing. On failure the staged
// entries and the previous fence are kept.
//
// A batch the kernel accepts without a fence still counts as submitted: the
// queue reports Submitted and WaitIdle fails until a later batch brings a
// fence, since channels complete batches in order.
func (q *Queue) Submit(ctx context.Context) error {
	if len(q.entries) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return nverrors.Interrupted("submit", err)
	}

	flags := kernel.SubmitFenceGet | kernel.SubmitSyncFence
	var wait *kernel.Fence
	if q.fence != nil && !q.waited {
		wait = q.fence
		flags |= kernel.SubmitFenceWait
	}

	fence, err := q.ch.Submit(q.entries, wait, flags)
	if err != nil {
		return nverrors.Kernel("submit", err).WithContext("entries", len(q.entries))
	}

	var words uint64
	for _, e := range q.entries {
		words += e.Words()
	}
	q.metrics.RecordSubmission(words)

	if fence == nil {
		q.logger.Warn("Kernel accepted batch without a fence",
			zap.Int("entries", len(q.entries)),
			zap.Uint64("words", words),
		)
		q.fence = nil
		q.unfenced = true
	} else {
		q.logger.Debug("Submitted entries",
			zap.Int("entries", len(q.entries)),
			zap.Uint64("words", words),
			zap.Stringer("fence", *fence),
			zap.Bool("waits", wait != nil),
		)
		q.fence = fence
		q.unfenced = false
	}
	q.waited = false
	q.entries = q.entries[:0]
	return nil
}

// WaitIdle blocks until the last submission completed. It returns at once
// if nothing was submitted since the last wait. On failure the fence is
// kept so the wait can be retried.
func (q *Queue) WaitIdle(ctx context.Context) error {
	if q.unfenced {
		return nverrors.State("wait fence", "last batch was submitted without a fence")
	}
	if q.fence == nil || q.waited {
		return nil
	}

	start := time.Now()
	if err := q.ch.WaitFence(ctx, *q.fence); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nverrors.Interrupted("wait fence", cerr).WithContext("fence", q.fence.String())
		}
		return nverrors.Kernel("wait fence", err).WithContext("fence", q.fence.String())
	}
	elapsed := time.Since(start)

	q.metrics.RecordFenceWait(elapsed)
	q.logger.Debug("Reached fence",
		zap.Stringer("fence", *q.fence),
		zap.Duration("elapsed", elapsed),
	)
	q.waited = true
	return nil
}
