package dma

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shizukutanaka/nvstream/internal/pushbuf"
)

type recorder struct {
	cmds []*pushbuf.Command
}

func (r *recorder) Push(cmd *pushbuf.Command) { r.cmds = append(r.cmds, cmd) }

func (r *recorder) writes(t *testing.T) []pushbuf.MethodWrite {
	t.Helper()
	var out []pushbuf.MethodWrite
	for _, c := range r.cmds {
		words, err := c.Words()
		require.NoError(t, err)
		invs, err := pushbuf.Decode(words)
		require.NoError(t, err)
		for _, inv := range invs {
			out = append(out, inv.Writes()...)
		}
	}
	return out
}

func TestCopyLaunchWord(t *testing.T) {
	assert.Equal(t, TransferNonPipelined, Copy.DataTransfer())
	assert.True(t, Copy.FlushEnable())
	assert.Equal(t, LayoutPitch, Copy.SrcLayout())
	assert.Equal(t, LayoutPitch, Copy.DstLayout())
	assert.Equal(t, MemoryVirtual, Copy.SrcType())
	assert.Equal(t, MemoryVirtual, Copy.DstType())
	assert.False(t, Copy.MultiLine())
	assert.Equal(t, LaunchDMA(0x186), Copy)
}

func TestLaunchDMAFields(t *testing.T) {
	l := LaunchDMA(0).
		WithSemaphoreType(SemaphoreReleaseFourWord).
		WithInterruptType(InterruptNonBlocking).
		WithReduction(ReductionFAdd).
		WithReductionEnable(true).
		WithBypassL2(true).
		WithMultiLine(true)

	assert.Equal(t, SemaphoreReleaseFourWord, l.SemaphoreType())
	assert.Equal(t, InterruptNonBlocking, l.InterruptType())
	assert.Equal(t, ReductionFAdd, l.Reduction())
	assert.True(t, l.ReductionEnable())
	assert.True(t, l.BypassL2())
	assert.True(t, l.MultiLine())
	assert.False(t, l.ReductionSigned())

	l = l.WithMultiLine(false)
	assert.False(t, l.MultiLine())
	assert.True(t, l.BypassL2())
}

func TestCopyBuffer(t *testing.T) {
	r := &recorder{}
	require.NoError(t, CopyBuffer(r, 0x1_0004_0000, 0x1_0002_0000, 4))
	require.Len(t, r.cmds, 6)

	sub := pushbuf.SubChannelDMA
	assert.Equal(t, []pushbuf.MethodWrite{
		{SubChannel: sub, Method: MethodLineCount, Value: 1},
		{SubChannel: sub, Method: MethodSetDstBlockSize, Value: 4},
		{SubChannel: sub, Method: MethodSetDstBlockSize + 1, Value: 1},
		{SubChannel: sub, Method: MethodSetDstBlockSize + 2, Value: 0},
		{SubChannel: sub, Method: MethodSetSrcBlockSize, Value: 4},
		{SubChannel: sub, Method: MethodSetSrcBlockSize + 1, Value: 1},
		{SubChannel: sub, Method: MethodSetSrcBlockSize + 2, Value: 0},
		{SubChannel: sub, Method: MethodOffsetInUpper, Value: 0x1},
		{SubChannel: sub, Method: MethodOffsetInLower, Value: 0x0002_0000},
		{SubChannel: sub, Method: MethodOffsetOutUpper, Value: 0x1},
		{SubChannel: sub, Method: MethodOffsetOutLower, Value: 0x0004_0000},
		{SubChannel: sub, Method: MethodLineLengthIn, Value: 4},
		{SubChannel: sub, Method: MethodLaunchDMA, Value: uint32(Copy)},
	}, r.writes(t))
}
