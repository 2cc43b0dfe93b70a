// Package pushbuf encodes and decodes the method stream consumed by the GPU
// front-end (PFIFO).
//
// A method invocation is a header word followed by its arguments:
//
//	bits 12:0   method
//	bits 15:13  sub-channel
//	bits 26:16  argument count (28:16 immediate for Inline)
//	bits 31:29  submission mode
package pushbuf

import "fmt"

// SubmissionMode tells the front-end how to route the arguments of a method.
type SubmissionMode uint32

const (
	IncreasingOld SubmissionMode = iota
	// Increasing writes each argument to the next method slot.
	Increasing
	NonIncreasingOld
	// NonIncreasing writes all arguments to the same method slot.
	NonIncreasing
	// Inline carries a 13-bit immediate in the header instead of arguments.
	Inline
	// IncreasingOnce increments the method after the first argument only.
	IncreasingOnce
)

// String implements fmt.Stringer.String.
func (m SubmissionMode) String() string {
	switch m {
	case IncreasingOld:
		return "IncreasingOld"
	case Increasing:
		return "Increasing"
	case NonIncreasingOld:
		return "NonIncreasingOld"
	case NonIncreasing:
		return "NonIncreasing"
	case Inline:
		return "Inline"
	case IncreasingOnce:
		return "IncreasingOnce"
	default:
		return fmt.Sprintf("SubmissionMode(%d)", uint32(m))
	}
}

// Valid reports whether m is a mode the front-end knows.
func (m SubmissionMode) Valid() bool {
	return m <= IncreasingOnce
}

// SubChannel is one of the engine contexts multiplexed on a channel.
type SubChannel uint32

const (
	SubChannel3D SubChannel = iota
	SubChannelCompute
	SubChannelInlineToMemory
	SubChannel2D
	SubChannelDMA
)

// String implements fmt.Stringer.String.
func (s SubChannel) String() string {
	switch s {
	case SubChannel3D:
		return "3d"
	case SubChannelCompute:
		return "compute"
	case SubChannelInlineToMemory:
		return "i2m"
	case SubChannel2D:
		return "2d"
	case SubChannelDMA:
		return "dma"
	default:
		return fmt.Sprintf("sub%d", uint32(s))
	}
}

const (
	methodBits      = 13
	subChannelShift = 13
	subChannelBits  = 3
	countShift      = 16
	countBits       = 11
	immediateBits   = 13
	modeShift       = 29
	modeBits        = 3

	// MaxMethod is the highest method id a header can carry.
	MaxMethod = 1<<methodBits - 1
	// MaxSubChannel is the highest sub-channel a header can carry.
	MaxSubChannel = 1<<subChannelBits - 1
	// MaxArguments is the highest argument count a header can carry.
	MaxArguments = 1<<countBits - 1
	// MaxImmediate is the highest inline immediate a header can carry.
	MaxImmediate = 1<<immediateBits - 1

	maxMode = 1<<modeBits - 1
)

// Header is a method header word.
type Header uint32

// EncodeHeader packs a header. Out of range fields are truncated to their
// bit width; callers validate beforehand.
func EncodeHeader(method uint32, sub SubChannel, count uint32, mode SubmissionMode) Header {
	h := method & MaxMethod
	h |= (uint32(sub) & MaxSubChannel) << subChannelShift
	h |= (uint32(mode) & maxMode) << modeShift
	if mode == Inline {
		h |= (count & MaxImmediate) << countShift
	} else {
		h |= (count & MaxArguments) << countShift
	}
	return Header(h)
}

// Method returns bits 12:0.
func (h Header) Method() uint32 {
	return uint32(h) & MaxMethod
}

// SubChannel returns bits 15:13.
func (h Header) SubChannel() SubChannel {
	return SubChannel(uint32(h) >> subChannelShift & MaxSubChannel)
}

// Count returns the argument count, bits 26:16.
func (h Header) Count() uint32 {
	return uint32(h) >> countShift & MaxArguments
}

// Immediate returns the inline immediate, bits 28:16.
func (h Header) Immediate() uint32 {
	return uint32(h) >> countShift & MaxImmediate
}

// Mode returns bits 31:29.
func (h Header) Mode() SubmissionMode {
	return SubmissionMode(uint32(h) >> modeShift & maxMode)
}

// Arguments returns how many words follow the header.
func (h Header) Arguments() int {
	if h.Mode() == Inline {
		return 0
	}
	return int(h.Count())
}

func (h Header) withCount(n uint32) Header {
	mask := uint32(MaxArguments) << countShift
	return Header(uint32(h)&^mask | (n&MaxArguments)<<countShift)
}

// String implements fmt.Stringer.String.
func (h Header) String() string {
	if h.Mode() == Inline {
		return fmt.Sprintf("%s sub=%s method=%#x imm=%#x", h.Mode(), h.SubChannel(), h.Method(), h.Immediate())
	}
	return fmt.Sprintf("%s sub=%s method=%#x count=%d", h.Mode(), h.SubChannel(), h.Method(), h.Count())
}
