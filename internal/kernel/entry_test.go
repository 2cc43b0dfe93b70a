package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingEntryLayout(t *testing.T) {
	e, err := NewRingEntry(0x1_0000_2000, 12, 0)
	require.NoError(t, err)

	// Same layout as addr | count << 42.
	assert.Equal(t, uint64(0x1_0000_2000)|12<<42, uint64(e))
	assert.Equal(t, uint64(0x1_0000_2000), e.Address())
	assert.Equal(t, uint64(12), e.Words())
	assert.Zero(t, e.Flags())
}

func TestRingEntryFlags(t *testing.T) {
	e, err := NewRingEntry(0x4000, MaxEntryWords, EntryFlagSync|EntryFlagSubroutine)
	require.NoError(t, err)

	assert.Equal(t, uint64(0x4000), e.Address())
	assert.Equal(t, uint64(MaxEntryWords), e.Words())
	assert.Equal(t, EntryFlagSync|EntryFlagSubroutine, e.Flags())
}

func TestRingEntryRejects(t *testing.T) {
	tests := []struct {
		name  string
		addr  uint64
		words uint64
		flags uint32
	}{
		{"unaligned", 0x1002, 1, 0},
		{"above 40 bits", 1 << 40, 1, 0},
		{"too long", 0x1000, MaxEntryWords + 1, 0},
		{"unknown flag", 0x1000, 1, 1 << 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRingEntry(tt.addr, tt.words, tt.flags)
			assert.Error(t, err)
		})
	}
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("high")
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, p)
	assert.Equal(t, uint32(5200), p.Timeslice())

	p, err = ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, uint32(2600), p.Timeslice())

	_, err = ParsePriority("urgent")
	assert.Error(t, err)
}
