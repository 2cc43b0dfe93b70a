// Package dma builds methods for the copy engine (MAXWELL_B_DMA). Its
// commands go to pushbuf.SubChannelDMA.
package dma

import (
	"errors"
	"fmt"

	"github.com/shizukutanaka/nvstream/internal/pushbuf"
)

// Methods of the copy engine. Values are method ids, not byte offsets.
const (
	MethodLaunchDMA       = 0xC0
	MethodOffsetInUpper   = 0x100
	MethodOffsetInLower   = 0x101
	MethodOffsetOutUpper  = 0x102
	MethodOffsetOutLower  = 0x103
	MethodPitchIn         = 0x104
	MethodPitchOut        = 0x105
	MethodLineLengthIn    = 0x106
	MethodLineCount       = 0x107
	MethodSetDstBlockSize = 0x1C5
	MethodSetSrcBlockSize = 0x1CC
)

// DataTransferType selects how the copy is ordered against other work.
type DataTransferType uint32

const (
	TransferNone DataTransferType = iota
	TransferPipelined
	TransferNonPipelined
)

// SemaphoreType selects the semaphore released after the copy.
type SemaphoreType uint32

const (
	SemaphoreNone SemaphoreType = iota
	SemaphoreReleaseOneWord
	SemaphoreReleaseFourWord
)

// InterruptType selects the interrupt raised after the copy.
type InterruptType uint32

const (
	InterruptNone InterruptType = iota
	InterruptBlocking
	InterruptNonBlocking
)

// MemoryLayout of a copy source or destination.
type MemoryLayout uint32

const (
	LayoutBlockLinear MemoryLayout = iota
	LayoutPitch
)

// MemoryType tells whether an address is virtual or physical.
type MemoryType uint32

const (
	MemoryVirtual MemoryType = iota
	MemoryPhysical
)

// SemaphoreReduction is the reduction applied by a semaphore release.
type SemaphoreReduction uint32

const (
	ReductionIMin SemaphoreReduction = iota
	ReductionIMax
	ReductionIXor
	ReductionIAnd
	ReductionIOr
	ReductionIAdd
	ReductionIncrement
	ReductionDecrement
	ReductionFAdd SemaphoreReduction = 0xA
)

// LaunchDMA is the argument of MethodLaunchDMA.
//
//	bits 1:0    data transfer type
//	bit  2      flush enable
//	bits 4:3    semaphore type
//	bits 6:5    interrupt type
//	bit  7      source layout
//	bit  8      destination layout
//	bit  9      multi-line enable
//	bit  10     remap enable
//	bit  11     read-modify-write disable
//	bit  12     source memory type
//	bit  13     destination memory type
//	bits 17:14  semaphore reduction
//	bit  18     reduction signed
//	bit  19     reduction enable
//	bit  20     bypass L2
type LaunchDMA uint32

func (l LaunchDMA) field(lo, width uint) uint32 {
	return uint32(l) >> lo & (1<<width - 1)
}

func (l LaunchDMA) with(lo, width uint, v uint32) LaunchDMA {
	mask := uint32(1<<width-1) << lo
	return LaunchDMA(uint32(l)&^mask | v<<lo&mask)
}

func (l LaunchDMA) flag(bit uint) bool { return l.field(bit, 1) != 0 }

func (l LaunchDMA) withFlag(bit uint, on bool) LaunchDMA {
	if on {
		return l.with(bit, 1, 1)
	}
	return l.with(bit, 1, 0)
}

func (l LaunchDMA) DataTransfer() DataTransferType { return DataTransferType(l.field(0, 2)) }
func (l LaunchDMA) FlushEnable() bool { return l.flag(2) }
func (l LaunchDMA) SemaphoreType() SemaphoreType { return SemaphoreType(l.field(3, 2)) }
func (l LaunchDMA) InterruptType() InterruptType { return InterruptType(l.field(5, 2)) }
func (l LaunchDMA) SrcLayout() MemoryLayout { return MemoryLayout(l.field(7, 1)) }
func (l LaunchDMA) DstLayout() MemoryLayout { return MemoryLayout(l.field(8, 1)) }
func (l LaunchDMA) MultiLine() bool { return l.flag(9) }
func (l LaunchDMA) Remap() bool { return l.flag(10) }
func (l LaunchDMA) RMWDisable() bool { return l.flag(11) }
func (l LaunchDMA) SrcType() MemoryType { return MemoryType(l.field(12, 1)) }
func (l LaunchDMA) DstType() MemoryType { return MemoryType(l.field(13, 1)) }
func (l LaunchDMA) Reduction() SemaphoreReduction { return SemaphoreReduction(l.field(14, 4)) }
func (l LaunchDMA) ReductionSigned() bool { return l.flag(18) }
func (l LaunchDMA) ReductionEnable() bool { return l.flag(19) }
func (l LaunchDMA) BypassL2() bool { return l.flag(20) }

func (l LaunchDMA) WithDataTransfer(t DataTransferType) LaunchDMA { return l.with(0, 2, uint32(t)) }
func (l LaunchDMA) WithFlushEnable(on bool) LaunchDMA { return l.withFlag(2, on) }
func (l LaunchDMA) WithSemaphoreType(t SemaphoreType) LaunchDMA { return l.with(3, 2, uint32(t)) }
func (l LaunchDMA) WithInterruptType(t InterruptType) LaunchDMA { return l.with(5, 2, uint32(t)) }
func (l LaunchDMA) WithSrcLayout(m MemoryLayout) LaunchDMA { return l.with(7, 1, uint32(m)) }
func (l LaunchDMA) WithDstLayout(m MemoryLayout) LaunchDMA { return l.with(8, 1, uint32(m)) }
func (l LaunchDMA) WithMultiLine(on bool) LaunchDMA { return l.withFlag(9, on) }
func (l LaunchDMA) WithRemap(on bool) LaunchDMA { return l.withFlag(10, on) }
func (l LaunchDMA) WithRMWDisable(on bool) LaunchDMA { return l.withFlag(11, on) }
func (l LaunchDMA) WithSrcType(t MemoryType) LaunchDMA { return l.with(12, 1, uint32(t)) }
func (l LaunchDMA) WithDstType(t MemoryType) LaunchDMA { return l.with(13, 1, uint32(t)) }
func (l LaunchDMA) WithReduction(r SemaphoreReduction) LaunchDMA {
	return l.with(14, 4, uint32(r))
}
func (l LaunchDMA) WithReductionSigned(on bool) LaunchDMA { return l.withFlag(18, on) }
func (l LaunchDMA) WithReductionEnable(on bool) LaunchDMA { return l.withFlag(19, on) }
func (l LaunchDMA) WithBypassL2(on bool) LaunchDMA { return l.withFlag(20, on) }

// String implements fmt.Stringer.String.
func (l LaunchDMA) String() string {
	return fmt.Sprintf("LaunchDMA{transfer=%d flush=%t src=%d/%d dst=%d/%d multiline=%t}",
		l.DataTransfer(), l.FlushEnable(), l.SrcLayout(), l.SrcType(), l.DstLayout(), l.DstType(), l.MultiLine())
}

// Copy is the launch word used for plain virtual-to-virtual pitch copies.
var Copy = LaunchDMA(0).
	WithDataTransfer(TransferNonPipelined).
	WithFlushEnable(true).
	WithSrcLayout(LayoutPitch).
	WithDstLayout(LayoutPitch).
	WithSrcType(MemoryVirtual).
	WithDstType(MemoryVirtual)

// CopyBuffer queues a one-line copy of length bytes from src to dst.
func CopyBuffer(p pushbuf.Pusher, dst, src uint64, length uint32) error {
	lines := pushbuf.NewInlineCommand(MethodLineCount, pushbuf.SubChannelDMA, 1)

	// width, height, depth
	dstBlock := pushbuf.NewCommand(MethodSetDstBlockSize, pushbuf.SubChannelDMA, pushbuf.Increasing)
	srcBlock := pushbuf.NewCommand(MethodSetSrcBlockSize, pushbuf.SubChannelDMA, pushbuf.Increasing)
	err := errors.Join(
		pushAll(dstBlock, length, 1, 0),
		pushAll(srcBlock, length, 1, 0),
	)

	io := pushbuf.NewCommand(MethodOffsetInUpper, pushbuf.SubChannelDMA, pushbuf.Increasing)
	err = errors.Join(err, io.PushAddress(src), io.PushAddress(dst))

	lineLength := pushbuf.NewCommand(MethodLineLengthIn, pushbuf.SubChannelDMA, pushbuf.Increasing)
	err = errors.Join(err, lineLength.PushArgument(length))

	launch := pushbuf.NewCommand(MethodLaunchDMA, pushbuf.SubChannelDMA, pushbuf.Increasing)
	err = errors.Join(err, launch.PushArgument(uint32(Copy)))
	if err != nil {
		return err
	}

	for _, cmd := range []*pushbuf.Command{lines, dstBlock, srcBlock, io, lineLength, launch} {
		p.Push(cmd)
	}
	return nil
}

func pushAll(c *pushbuf.Command, words ...uint32) error {
	for _, w := range words {
		if err := c.PushArgument(w); err != nil {
			return err
		}
	}
	return nil
}
