package kernel

import "fmt"

// RingEntry is one GPFIFO descriptor: the GPU address of a command buffer
// (bits 0..39), the subroutine level flag (bit 41), its length in words
// (bits 42..62) and the sync flag (bit 63).
type RingEntry uint64

// Ring entry flags accepted by NewRingEntry.
const (
	EntryFlagSubroutine uint32 = 1 << 0
	EntryFlagSync       uint32 = 1 << 1
)

const (
	entryAddressBits  = 40
	entryLengthShift  = 42
	entryLengthBits   = 21
	entrySubroutineAt = 41
	entrySyncAt       = 63

	// MaxEntryAddress is the highest GPU address a ring entry can point at.
	MaxEntryAddress = 1<<entryAddressBits - 1
	// MaxEntryWords is the longest command buffer a ring entry can describe.
	MaxEntryWords = 1<<entryLengthBits - 1
)

// NewRingEntry encodes a descriptor. addr must be word aligned and fit in 40
// bits, words must fit in 21 bits.
func NewRingEntry(addr uint64, words uint64, flags uint32) (RingEntry, error) {
	if addr > MaxEntryAddress || addr&3 != 0 {
		return 0, fmt.Errorf("ring entry address %#x is not a word aligned 40-bit address", addr)
	}
	if words > MaxEntryWords {
		return 0, fmt.Errorf("ring entry length %d exceeds %d words", words, MaxEntryWords)
	}
	if flags&^(EntryFlagSubroutine|EntryFlagSync) != 0 {
		return 0, fmt.Errorf("unknown ring entry flags %#x", flags)
	}

	e := addr | words<<entryLengthShift
	if flags&EntryFlagSubroutine != 0 {
		e |= 1 << entrySubroutineAt
	}
	if flags&EntryFlagSync != 0 {
		e |= 1 << entrySyncAt
	}
	return RingEntry(e), nil
}

// Address returns the GPU address of the command buffer.
func (e RingEntry) Address() uint64 {
	return uint64(e) & MaxEntryAddress
}

// Words returns the command buffer length in 32-bit words.
func (e RingEntry) Words() uint64 {
	return uint64(e) >> entryLengthShift & MaxEntryWords
}

// Flags returns the flags the entry was built with.
func (e RingEntry) Flags() uint32 {
	var flags uint32
	if uint64(e)>>entrySubroutineAt&1 != 0 {
		flags |= EntryFlagSubroutine
	}
	if uint64(e)>>entrySyncAt&1 != 0 {
		flags |= EntryFlagSync
	}
	return flags
}

// String implements fmt.Stringer.String.
func (e RingEntry) String() string {
	return fmt.Sprintf("entry(%#x, %d words)", e.Address(), e.Words())
}
