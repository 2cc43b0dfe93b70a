package compute

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nverrors "github.com/shizukutanaka/nvstream/internal/errors"
	"github.com/shizukutanaka/nvstream/internal/pushbuf"
)

type recorder []*pushbuf.Command

func (r *recorder) Push(cmd *pushbuf.Command) { *r = append(*r, cmd) }

func TestMemcpyInline(t *testing.T) {
	var r recorder
	require.NoError(t, MemcpyInline(&r, 0x1_0002_0000, []byte{0xBE, 0xBA, 0xFE, 0xCA, 0x01}))
	require.Len(t, r, 3)

	var writes []pushbuf.MethodWrite
	for _, c := range r {
		words, err := c.Words()
		require.NoError(t, err)
		invs, err := pushbuf.Decode(words)
		require.NoError(t, err)
		require.Len(t, invs, 1)
		assert.Equal(t, pushbuf.SubChannelCompute, invs[0].Header.SubChannel())
		writes = append(writes, invs[0].Writes()...)
	}

	sub := pushbuf.SubChannelCompute
	assert.Equal(t, []pushbuf.MethodWrite{
		{SubChannel: sub, Method: MethodLineLengthIn, Value: 5},
		{SubChannel: sub, Method: MethodLineCount, Value: 1},
		{SubChannel: sub, Method: MethodOffsetOutUpper, Value: 0x1},
		{SubChannel: sub, Method: MethodOffsetOutLower, Value: 0x0002_0000},
		{SubChannel: sub, Method: MethodLaunchDMA, Value: LaunchInline},
		{SubChannel: sub, Method: MethodLoadInlineData, Value: 0xCAFEBABE},
		{SubChannel: sub, Method: MethodLoadInlineData, Value: 0x01},
	}, writes)
}

func TestMemcpyInlineI2M(t *testing.T) {
	var r recorder
	require.NoError(t, MemcpyInlineI2M(&r, 0x2000, []byte{1}))
	words, err := r[0].Words()
	require.NoError(t, err)
	assert.Equal(t, pushbuf.SubChannelInlineToMemory, pushbuf.Header(words[0]).SubChannel())
}

func TestMemcpyInlineLimits(t *testing.T) {
	var r recorder
	assert.ErrorIs(t, MemcpyInline(&r, 0x2000, nil), nverrors.ErrInvalidUsage)
	assert.ErrorIs(t, MemcpyInline(&r, 0x2000, make([]byte, 4*pushbuf.MaxArguments+1)), nverrors.ErrResourceExhausted)
	assert.Empty(t, r)
}
