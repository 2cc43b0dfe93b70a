// Package compute builds inline-to-memory methods on the compute engine
// (MAXWELL_B_COMPUTE). The same method ids drive the standalone
// INLINE_TO_MEMORY class.
package compute

import (
	"errors"

	nverrors "github.com/shizukutanaka/nvstream/internal/errors"
	"github.com/shizukutanaka/nvstream/internal/pushbuf"
)

// Inline-to-memory methods.
const (
	MethodLineLengthIn   = 0x60
	MethodLineCount      = 0x61
	MethodOffsetOutUpper = 0x62
	MethodOffsetOutLower = 0x63
	MethodLaunchDMA      = 0x6C
	MethodLoadInlineData = 0x6D
)

// LaunchInline is the MethodLaunchDMA argument for a pitch destination with
// a system membar before the write.
const LaunchInline = 0x11

// MemcpyInline queues a host-to-device copy of data to dst. The data travels
// inside the command buffer.
func MemcpyInline(p pushbuf.Pusher, dst uint64, data []byte) error {
	return memcpyInline(p, pushbuf.SubChannelCompute, dst, data)
}

// MemcpyInlineI2M is MemcpyInline on the inline-to-memory sub-channel.
func MemcpyInlineI2M(p pushbuf.Pusher, dst uint64, data []byte) error {
	return memcpyInline(p, pushbuf.SubChannelInlineToMemory, dst, data)
}

func memcpyInline(p pushbuf.Pusher, sub pushbuf.SubChannel, dst uint64, data []byte) error {
	if len(data) == 0 {
		return nverrors.Invalid("memcpy inline", "nothing to copy")
	}
	if len(data) > 4*pushbuf.MaxArguments {
		return nverrors.Exhausted("memcpy inline", "%d bytes do not fit one method", len(data))
	}

	setup := pushbuf.NewCommand(MethodLineLengthIn, sub, pushbuf.Increasing)
	err := errors.Join(
		setup.PushArgument(uint32(len(data))),
		setup.PushArgument(1),
		setup.PushAddress(dst),
	)

	launch := pushbuf.NewCommand(MethodLaunchDMA, sub, pushbuf.Increasing)
	err = errors.Join(err, launch.PushArgument(LaunchInline))

	inline := pushbuf.NewCommand(MethodLoadInlineData, sub, pushbuf.NonIncreasing)
	err = errors.Join(err, inline.PushInlinedBuffer(data))
	if err != nil {
		return err
	}

	p.Push(setup)
	p.Push(launch)
	p.Push(inline)
	return nil
}
