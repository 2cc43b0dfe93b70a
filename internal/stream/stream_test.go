package stream

import (
	"context"
	"encoding/binary"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shizukutanaka/nvstream/internal/device"
	"github.com/shizukutanaka/nvstream/internal/engine/compute"
	"github.com/shizukutanaka/nvstream/internal/engine/dma"
	nverrors "github.com/shizukutanaka/nvstream/internal/errors"
	"github.com/shizukutanaka/nvstream/internal/gpumem"
	"github.com/shizukutanaka/nvstream/internal/kernel"
	"github.com/shizukutanaka/nvstream/internal/kernel/sim"
	"github.com/shizukutanaka/nvstream/internal/monitoring"
	"github.com/shizukutanaka/nvstream/internal/pushbuf"
	"github.com/shizukutanaka/nvstream/internal/ring"
)

type fixture struct {
	gpu     *sim.Device
	dev     *device.Device
	metrics *monitoring.Metrics
	s       *Stream
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	gpu := sim.New(sim.WithLogger(zaptest.NewLogger(t)))
	m := monitoring.NewMetrics("streamtest")
	dev, err := device.Open(gpu, device.DefaultConfig(),
		device.WithLogger(zaptest.NewLogger(t)),
		device.WithMetrics(m),
	)
	require.NoError(t, err)

	s := New(dev, WithRingCapacity(16))
	t.Cleanup(func() {
		s.Close(context.Background())
		dev.Close()
	})
	return &fixture{gpu: gpu, dev: dev, metrics: m, s: s}
}

func (f *fixture) buffer(t *testing.T, size int) *gpumem.Allocation {
	t.Helper()
	a, err := gpumem.Allocate(f.dev, size, 0x1000)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func bind(t *testing.T, sub pushbuf.SubChannel, class kernel.ClassID) *pushbuf.Command {
	t.Helper()
	cmd, err := BindCommand(sub, class)
	require.NoError(t, err)
	return cmd
}

func TestBindCommand(t *testing.T) {
	cmd, err := BindCommand(pushbuf.SubChannelDMA, kernel.ClassMaxwellBDMA)
	require.NoError(t, err)
	words, err := cmd.Words()
	require.NoError(t, err)
	require.Len(t, words, 2)
	assert.Equal(t, uint32(kernel.ClassMaxwellBDMA), words[1])

	cmd, err = BindCommand(pushbuf.MaxSubChannel+1, kernel.ClassMaxwellB3D)
	assert.ErrorIs(t, err, nverrors.ErrInvalidUsage)
	assert.Nil(t, cmd)
}

func TestEmptyFlush(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.s.Flush(context.Background()))
	assert.Empty(t, f.gpu.Submissions())
	assert.Zero(t, f.s.InFlight())
	assert.Equal(t, ring.Idle, f.s.State())
}

func TestSetupChannel(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, SetupChannel(context.Background(), f.s))

	subs := f.gpu.Submissions()
	require.Len(t, subs, 1)
	require.Len(t, subs[0].Entries, 1)
	assert.Equal(t, uint64(2*len(Bindings)), subs[0].Entries[0].Words())
	assert.True(t, subs[0].Executed)
	assert.Empty(t, subs[0].Faults)

	bound := f.gpu.BoundClasses()
	for _, b := range Bindings {
		assert.Equal(t, b.Class, bound[b.SubChannel], b.SubChannel.String())
	}
	assert.Zero(t, f.s.InFlight())
}

func TestFlushCopiesPushOrder(t *testing.T) {
	f := newFixture(t)

	f.s.Push(bind(t, pushbuf.SubChannel3D, kernel.ClassMaxwellB3D))
	f.s.Push(bind(t, pushbuf.SubChannelDMA, kernel.ClassMaxwellBDMA))
	require.NoError(t, f.s.Flush(context.Background()))
	assert.Zero(t, f.s.Pending())
	assert.Equal(t, 1, f.s.InFlight())
	assert.Equal(t, ring.Submitted, f.s.State())

	subs := f.gpu.Submissions()
	require.Len(t, subs, 1)
	entry := subs[0].Entries[0]
	assert.Zero(t, entry.Address()%CommandBufferAlignment)

	raw, err := f.gpu.ReadGPU(entry.Address(), int(4*entry.Words()))
	require.NoError(t, err)
	invs, err := pushbuf.Decode(bytesToWords(raw))
	require.NoError(t, err)
	require.Len(t, invs, 2)
	assert.Equal(t, pushbuf.SubChannel3D, invs[0].Header.SubChannel())
	assert.Equal(t, []uint32{uint32(kernel.ClassMaxwellB3D)}, invs[0].Args)
	assert.Equal(t, pushbuf.SubChannelDMA, invs[1].Header.SubChannel())

	assert.Zero(t, f.gpu.HostMappings(), "command buffer host view is dropped after flush")
}

func TestDMACopy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, SetupChannel(ctx, f.s))

	src := f.buffer(t, 4)
	dst := f.buffer(t, 4)
	require.NoError(t, src.WriteWords(0, []uint32{0xCAFEBABE}))
	require.NoError(t, src.Flush())

	require.NoError(t, dma.CopyBuffer(f.s, dst.GPUAddress(), src.GPUAddress(), 4))
	require.NoError(t, f.s.Flush(ctx))
	require.NoError(t, f.s.WaitIdle(ctx))

	require.NoError(t, dst.Map())
	require.NoError(t, dst.Invalidate())
	words, err := dst.ReadWords(0, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0xCAFEBABE}, words)
}

func TestMemcpyInline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, SetupChannel(ctx, f.s))

	dst := f.buffer(t, 8)
	data := []byte{0xBE, 0xBA, 0xFE, 0xCA, 0x01, 0x02}
	require.NoError(t, compute.MemcpyInline(f.s, dst.GPUAddress(), data))
	require.NoError(t, f.s.Flush(ctx))
	require.NoError(t, f.s.WaitIdle(ctx))

	require.NoError(t, dst.Map())
	require.NoError(t, dst.Invalidate())
	got, err := dst.Bytes()
	require.NoError(t, err)
	assert.Equal(t, append(data, 0, 0), got)
}

func TestBackToBackFlushes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.s.Push(bind(t, pushbuf.SubChannel3D, kernel.ClassMaxwellB3D))
	require.NoError(t, f.s.Flush(ctx))
	first, ok := f.s.Fence()
	require.True(t, ok)

	f.s.Push(bind(t, pushbuf.SubChannel2D, kernel.ClassMaxwellA2D))
	require.NoError(t, f.s.Flush(ctx))
	second, _ := f.s.Fence()
	assert.NotEqual(t, first, second)
	assert.Equal(t, 2, f.s.InFlight())

	subs := f.gpu.Submissions()
	require.Len(t, subs, 2)
	require.NotNil(t, subs[1].Wait)
	assert.Equal(t, first, *subs[1].Wait)
	assert.False(t, subs[0].Executed)

	require.NoError(t, f.s.WaitIdle(ctx))
	assert.Equal(t, []kernel.Fence{first, second}, f.gpu.Completed())
	assert.True(t, f.gpu.Submissions()[1].WaitSatisfied)
	assert.Zero(t, f.s.InFlight())
	assert.Equal(t, ring.Idle, f.s.State())
}

func TestFlushFailureReleasesBuffer(t *testing.T) {
	tests := []struct {
		name string
		op   sim.Op
	}{
		{"allocate", sim.OpAllocate},
		{"map", sim.OpMap},
		{"cache", sim.OpCacheMaintenance},
		{"submit", sim.OpSubmit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			handles := f.gpu.LiveHandles()
			f.gpu.FailOn(tt.op, syscall.ENOMEM)

			f.s.Push(bind(t, pushbuf.SubChannel3D, kernel.ClassMaxwellB3D))
			err := f.s.Flush(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, nverrors.ErrKernelRequestFailed)

			assert.Equal(t, handles, f.gpu.LiveHandles())
			assert.Zero(t, f.s.InFlight())
			assert.Zero(t, f.s.Pending())
			assert.Equal(t, ring.Idle, f.s.State())
			assert.Empty(t, f.gpu.Submissions())
		})
	}
}

func TestFlushRejectsConsumedCommand(t *testing.T) {
	f := newFixture(t)

	cmd := bind(t, pushbuf.SubChannel3D, kernel.ClassMaxwellB3D)
	_, err := cmd.Words()
	require.NoError(t, err)

	f.s.Push(cmd)
	err = f.s.Flush(context.Background())
	assert.ErrorIs(t, err, nverrors.ErrStateViolation)
	assert.Zero(t, f.s.Pending())
	assert.Empty(t, f.gpu.Submissions())
}

func TestWaitIdleFailureKeepsBuffers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.s.Push(bind(t, pushbuf.SubChannel3D, kernel.ClassMaxwellB3D))
	require.NoError(t, f.s.Flush(ctx))

	f.gpu.FailOn(sim.OpWaitFence, syscall.EINTR)
	assert.Error(t, f.s.WaitIdle(ctx))
	assert.Equal(t, 1, f.s.InFlight())

	require.NoError(t, f.s.WaitIdle(ctx))
	assert.Zero(t, f.s.InFlight())
}

func TestClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	handles := f.gpu.LiveHandles()

	f.s.Push(bind(t, pushbuf.SubChannel3D, kernel.ClassMaxwellB3D))
	require.NoError(t, f.s.Flush(ctx))
	assert.Equal(t, handles+1, f.gpu.LiveHandles())

	require.NoError(t, f.s.Close(ctx))
	assert.Equal(t, handles, f.gpu.LiveHandles())
	assert.True(t, f.gpu.Submissions()[0].Executed)
	require.NoError(t, f.s.Close(ctx))

	f.s.Push(bind(t, pushbuf.SubChannel3D, kernel.ClassMaxwellB3D))
	assert.ErrorIs(t, f.s.Flush(ctx), nverrors.ErrStateViolation)
}

func TestStreamIDs(t *testing.T) {
	f := newFixture(t)
	other := New(f.dev)
	assert.NotEqual(t, f.s.ID(), other.ID())
}

func bytesToWords(b []byte) []uint32 {
	words := make([]uint32, len(b)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(b[4*i:])
	}
	return words
}
