package stream

import (
	"context"

	"github.com/shizukutanaka/nvstream/internal/kernel"
	"github.com/shizukutanaka/nvstream/internal/pushbuf"
)

// methodBindObject binds an engine class to a sub-channel.
const methodBindObject = 0

// Binding is a sub-channel and the class bound to it.
type Binding struct {
	SubChannel pushbuf.SubChannel
	Class      kernel.ClassID
}

// Bindings is the sub-channel layout set up by SetupChannel. The engine
// helpers push to these sub-channels.
var Bindings = []Binding{
	{pushbuf.SubChannel3D, kernel.ClassMaxwellB3D},
	{pushbuf.SubChannelCompute, kernel.ClassMaxwellBCompute},
	{pushbuf.SubChannelInlineToMemory, kernel.ClassInlineToMemory},
	{pushbuf.SubChannel2D, kernel.ClassMaxwellA2D},
	{pushbuf.SubChannelDMA, kernel.ClassMaxwellBDMA},
}

// BindCommand returns the command binding class to sub.
func BindCommand(sub pushbuf.SubChannel, class kernel.ClassID) (*pushbuf.Command, error) {
	cmd := pushbuf.NewCommand(methodBindObject, sub, pushbuf.Increasing)
	if err := cmd.Err(); err != nil {
		return nil, err
	}
	if err := cmd.PushArgument(uint32(class)); err != nil {
		return nil, err
	}
	return cmd, nil
}

// SetupChannel binds every engine class to its sub-channel and waits for
// the GPU to process the bindings. Nothing is pushed if a binding cannot be
// encoded.
func SetupChannel(ctx context.Context, s *Stream) error {
	cmds := make([]*pushbuf.Command, 0, len(Bindings))
	for _, b := range Bindings {
		cmd, err := BindCommand(b.SubChannel, b.Class)
		if err != nil {
			return err
		}
		cmds = append(cmds, cmd)
	}
	for _, cmd := range cmds {
		s.Push(cmd)
	}
	if err := s.Flush(ctx); err != nil {
		return err
	}
	return s.WaitIdle(ctx)
}
