package gpumem

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shizukutanaka/nvstream/internal/device"
	nverrors "github.com/shizukutanaka/nvstream/internal/errors"
	"github.com/shizukutanaka/nvstream/internal/kernel"
	"github.com/shizukutanaka/nvstream/internal/kernel/sim"
	"github.com/shizukutanaka/nvstream/internal/monitoring"
)

func openDevice(t *testing.T, opts ...device.Option) (*sim.Device, *device.Device) {
	t.Helper()
	gpu := sim.New(sim.WithLogger(zaptest.NewLogger(t)))
	opts = append([]device.Option{device.WithLogger(zaptest.NewLogger(t))}, opts...)
	d, err := device.Open(gpu, device.DefaultConfig(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return gpu, d
}

func TestAllocate(t *testing.T) {
	gpu, d := openDevice(t)

	a, err := Allocate(d, 4096, 0x1000)
	require.NoError(t, err)
	assert.NotZero(t, a.GPUAddress())
	assert.Zero(t, a.GPUAddress()%0x1000)
	assert.Equal(t, 4096, a.UserSize())
	assert.Equal(t, 4096, a.Size())
	assert.False(t, a.Mapped())
	assert.Equal(t, 1, gpu.LiveHandles())
	assert.Equal(t, 1, gpu.GPUMappings())

	require.NoError(t, a.Close())
	assert.Zero(t, gpu.LiveHandles())
	assert.Zero(t, gpu.GPUMappings())
	assert.NoError(t, a.Close())
}

func TestAllocateRoundsToPages(t *testing.T) {
	_, d := openDevice(t)

	a, err := Allocate(d, 10, 0x20000)
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, 10, a.UserSize())
	assert.Equal(t, kernel.PageSize, a.Size())
	assert.Zero(t, a.GPUAddress()%0x20000)

	b, err := a.Bytes()
	require.NoError(t, err)
	assert.Len(t, b, 10)
}

func TestAllocateRejectsInvalid(t *testing.T) {
	_, d := openDevice(t)

	_, err := Allocate(d, 0, 0x1000)
	assert.ErrorIs(t, err, nverrors.ErrInvalidUsage)
	_, err = Allocate(d, -4, 0x1000)
	assert.ErrorIs(t, err, nverrors.ErrInvalidUsage)
	_, err = Allocate(d, 4096, 0x3000)
	assert.ErrorIs(t, err, nverrors.ErrInvalidUsage)
}

func TestAllocateReleasesOnFailure(t *testing.T) {
	tests := []struct {
		name  string
		op    sim.Op
		stage string
	}{
		{"create", sim.OpCreate, monitoring.StageCreate},
		{"allocate", sim.OpAllocate, monitoring.StageAllocate},
		{"gpu map", sim.OpMapBuffer, monitoring.StageGPUMap},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := monitoring.NewMetrics("gpumemtest")
			gpu, d := openDevice(t, device.WithMetrics(m))
			gpu.FailOn(tt.op, syscall.ENOMEM)

			_, err := Allocate(d, 4096, 0x1000)
			require.Error(t, err)
			assert.ErrorIs(t, err, nverrors.ErrKernelRequestFailed)
			assert.ErrorIs(t, err, syscall.ENOMEM)
			assert.False(t, nverrors.IsFatal(err))

			assert.Zero(t, gpu.LiveHandles())
			assert.Zero(t, gpu.GPUMappings())
			var buf bytes.Buffer
			require.NoError(t, m.WriteText(&buf))
			assert.Contains(t, buf.String(), `gpumemtest_allocation_failures_total{stage="`+tt.stage+`"} 1`)
		})
	}
}

func TestHostViewCoherence(t *testing.T) {
	gpu, d := openDevice(t)

	a, err := Allocate(d, 64, 0x1000)
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.WriteWords(0, []uint32{0xDEADBEEF, 0x12345678}))
	got, err := gpu.ReadGPU(a.GPUAddress(), 4)
	require.NoError(t, err)
	assert.Zero(t, binary.LittleEndian.Uint32(got), "not flushed yet")

	require.NoError(t, a.Flush())
	got, err = gpu.ReadGPU(a.GPUAddress(), 8)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), binary.LittleEndian.Uint32(got))
	assert.Equal(t, uint32(0x12345678), binary.LittleEndian.Uint32(got[4:]))

	require.NoError(t, gpu.WriteGPU(a.GPUAddress()+8, []byte{1, 0, 0, 0}))
	words, err := a.ReadWords(8, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0}, words, "stale until invalidated")

	require.NoError(t, a.Invalidate())
	words, err = a.ReadWords(8, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1}, words)
}

func TestRemapKeepsAddressAndContents(t *testing.T) {
	gpu, d := openDevice(t)

	a, err := Allocate(d, 16, 0x1000)
	require.NoError(t, err)
	defer a.Close()
	va := a.GPUAddress()

	require.NoError(t, a.WriteWords(0, []uint32{42}))
	require.NoError(t, a.Flush())
	require.NoError(t, a.Unmap())
	assert.False(t, a.Mapped())
	assert.Zero(t, gpu.HostMappings())
	require.NoError(t, a.Unmap())
	require.NoError(t, a.Flush(), "flushing an unmapped allocation does nothing")

	words, err := a.ReadWords(0, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint32{42}, words)
	assert.Equal(t, va, a.GPUAddress())
	assert.True(t, a.Mapped())
}

func TestWordBounds(t *testing.T) {
	_, d := openDevice(t)

	a, err := Allocate(d, 8, 0x1000)
	require.NoError(t, err)
	defer a.Close()

	assert.ErrorIs(t, a.WriteWords(4, []uint32{1, 2}), nverrors.ErrInvalidUsage)
	assert.ErrorIs(t, a.WriteWords(2, []uint32{1}), nverrors.ErrInvalidUsage)
	_, err = a.ReadWords(0, 3)
	assert.ErrorIs(t, err, nverrors.ErrInvalidUsage)
	_, err = a.ReadWords(0, -1)
	assert.ErrorIs(t, err, nverrors.ErrInvalidUsage)
}

func TestUseAfterClose(t *testing.T) {
	_, d := openDevice(t)

	a, err := Allocate(d, 8, 0x1000)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	assert.ErrorIs(t, a.Map(), nverrors.ErrStateViolation)
	assert.ErrorIs(t, a.Flush(), nverrors.ErrStateViolation)
	assert.ErrorIs(t, a.WriteWords(0, []uint32{1}), nverrors.ErrStateViolation)
}

func TestCloseReportsLeak(t *testing.T) {
	gpu, d := openDevice(t)

	a, err := Allocate(d, 8, 0x1000)
	require.NoError(t, err)
	gpu.FailOn(sim.OpFree, syscall.EIO)

	err = a.Close()
	require.Error(t, err)
	assert.True(t, nverrors.IsFatal(err))
	assert.ErrorIs(t, err, syscall.EIO)
	assert.Zero(t, gpu.GPUMappings(), "later steps still ran")
}

func TestCloseAccountsReleasedBytes(t *testing.T) {
	m := monitoring.NewMetrics("gpumemtest")
	gpu, d := openDevice(t, device.WithMetrics(m))

	freed, err := Allocate(d, 4096, 0x1000)
	require.NoError(t, err)
	leaked, err := Allocate(d, 4096, 0x1000)
	require.NoError(t, err)

	require.NoError(t, freed.Close())
	gpu.FailOn(sim.OpFree, syscall.EIO)
	require.Error(t, leaked.Close())

	var buf bytes.Buffer
	require.NoError(t, m.WriteText(&buf))
	assert.Contains(t, buf.String(), fmt.Sprintf("gpumemtest_allocation_bytes %d\n", leaked.Size()))
}

func TestBox(t *testing.T) {
	gpu, d := openDevice(t)

	box, err := NewBox(d, [2]uint64{7, 9})
	require.NoError(t, err)
	defer box.Close()
	assert.Zero(t, box.GPUAddress()%BoxAlignment)

	got, err := gpu.ReadGPU(box.GPUAddress(), 16)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), binary.LittleEndian.Uint64(got))
	assert.Equal(t, uint64(9), binary.LittleEndian.Uint64(got[8:]))

	require.NoError(t, gpu.WriteGPU(box.GPUAddress()+8, []byte{0xFF, 0, 0, 0, 0, 0, 0, 0}))
	v, err := box.Load()
	require.NoError(t, err)
	assert.Equal(t, [2]uint64{7, 0xFF}, v)

	require.NoError(t, box.Store([2]uint64{1, 2}))
	v, err = box.Load()
	require.NoError(t, err)
	assert.Equal(t, [2]uint64{1, 2}, v)
}

func TestBoxRejectsVariableSize(t *testing.T) {
	_, d := openDevice(t)

	_, err := NewBox(d, struct{ Name string }{"query"})
	assert.ErrorIs(t, err, nverrors.ErrInvalidUsage)
}
