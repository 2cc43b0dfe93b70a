package threed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shizukutanaka/nvstream/internal/pushbuf"
)

type recorder []*pushbuf.Command

func (r *recorder) Push(cmd *pushbuf.Command) { *r = append(*r, cmd) }

func TestSamplesPassedControl(t *testing.T) {
	rc := NewReportControl().
		WithOperation(ReportCounter).
		WithCounter(CounterSamplesPassed).
		WithReduction(ReductionAdd)

	assert.Equal(t, ReportControl(0x0A80F002), rc)
	assert.Equal(t, ReportCounter, rc.Operation())
	assert.Equal(t, CounterSamplesPassed, rc.Counter())
	assert.False(t, rc.OneWord())
	assert.False(t, rc.FenceEnable())
}

func TestReportControlFlags(t *testing.T) {
	rc := ReportControl(0).
		WithFlushDisable(true).
		WithReductionEnable(true).
		WithFenceEnable(true).
		WithReductionSigned(true).
		WithOneWord(true).
		WithReduction(ReductionXor)

	assert.True(t, rc.FlushDisable())
	assert.True(t, rc.ReductionEnable())
	assert.True(t, rc.FenceEnable())
	assert.True(t, rc.ReductionSigned())
	assert.True(t, rc.OneWord())
	assert.Equal(t, ReductionXor, rc.Reduction())
	assert.Equal(t, ReportRelease, rc.Operation())

	assert.False(t, rc.WithOneWord(false).OneWord())
}

func TestQueryGet(t *testing.T) {
	var r recorder
	rc := NewReportControl().WithOperation(ReportRelease)
	require.NoError(t, QueryGet(&r, 0x1_0006_0000, 0x1234, rc))
	require.Len(t, r, 1)

	words, err := r[0].Words()
	require.NoError(t, err)
	invs, err := pushbuf.Decode(words)
	require.NoError(t, err)

	sub := pushbuf.SubChannel3D
	assert.Equal(t, []pushbuf.MethodWrite{
		{SubChannel: sub, Method: MethodQueryAddressHigh, Value: 0x1},
		{SubChannel: sub, Method: MethodQueryAddressLow, Value: 0x0006_0000},
		{SubChannel: sub, Method: MethodQuerySequence, Value: 0x1234},
		{SubChannel: sub, Method: MethodQueryGet, Value: uint32(rc)},
	}, invs[0].Writes())
}

func TestCounterTypeString(t *testing.T) {
	assert.Equal(t, "samples_passed", CounterSamplesPassed.String())
	assert.Equal(t, "counter(0x2a)", CounterType(0x2A).String())
}
