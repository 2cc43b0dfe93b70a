package pushbuf

import (
	"encoding/binary"

	nverrors "github.com/shizukutanaka/nvstream/internal/errors"
)

// Command is one method invocation being built. It is consumed by Words.
//
// Construction errors (out of range method or sub-channel) are sticky and
// reported by Words.
type Command struct {
	header   Header
	mode     SubmissionMode
	args     []uint32
	consumed bool
	err      error
}

// NewCommand starts a method invocation.
func NewCommand(method uint32, sub SubChannel, mode SubmissionMode) *Command {
	c := &Command{
		header: EncodeHeader(method, sub, 0, mode),
		mode:   mode,
	}
	switch {
	case method > MaxMethod:
		c.err = nverrors.Invalid("new command", "method %#x exceeds %d bits", method, methodBits)
	case sub > MaxSubChannel:
		c.err = nverrors.Invalid("new command", "sub-channel %d exceeds %d bits", sub, subChannelBits)
	case !mode.Valid():
		c.err = nverrors.Invalid("new command", "unknown submission mode %d", mode)
	}
	return c
}

// NewInlineCommand builds an Inline invocation carrying immediate in its header.
func NewInlineCommand(method uint32, sub SubChannel, immediate uint32) *Command {
	c := NewCommand(method, sub, Inline)
	if immediate > MaxImmediate {
		if c.err == nil {
			c.err = nverrors.Invalid("new inline command", "immediate %#x exceeds %d bits", immediate, immediateBits)
		}
		return c
	}
	c.header = EncodeHeader(method, sub, immediate, Inline)
	return c
}

// Err returns the construction error Words would report, if any.
func (c *Command) Err() error {
	return c.err
}

// Mode returns the submission mode.
func (c *Command) Mode() SubmissionMode {
	return c.mode
}

// Len returns the number of words the command encodes to.
func (c *Command) Len() int {
	return 1 + len(c.args)
}

// PushArgument appends one argument word.
func (c *Command) PushArgument(word uint32) error {
	if err := c.checkPush("push argument", 1); err != nil {
		return err
	}
	c.args = append(c.args, word)
	return nil
}

// PushAddress appends a GPU address as two words, high word first.
func (c *Command) PushAddress(addr uint64) error {
	if err := c.checkPush("push address", 2); err != nil {
		return err
	}
	c.args = append(c.args, uint32(addr>>32), uint32(addr))
	return nil
}

// PushInlinedBuffer packs data into little-endian words. The last word is
// zero padded past the end of data.
func (c *Command) PushInlinedBuffer(data []byte) error {
	n := (len(data) + 3) / 4
	if err := c.checkPush("push inlined buffer", n); err != nil {
		return err
	}
	for len(data) >= 4 {
		c.args = append(c.args, binary.LittleEndian.Uint32(data))
		data = data[4:]
	}
	if len(data) > 0 {
		var tail [4]byte
		copy(tail[:], data)
		c.args = append(c.args, binary.LittleEndian.Uint32(tail[:]))
	}
	return nil
}

func (c *Command) checkPush(op string, n int) error {
	switch {
	case c.consumed:
		return nverrors.State(op, "command already encoded")
	case c.mode == Inline:
		return nverrors.Invalid(op, "inline command takes no arguments")
	case len(c.args)+n > MaxArguments:
		return nverrors.Exhausted(op, "argument count would exceed %d", MaxArguments)
	}
	return nil
}

// Words finalizes the header and returns [header, args...]. The command
// cannot be used afterwards.
func (c *Command) Words() ([]uint32, error) {
	if c.consumed {
		return nil, nverrors.State("encode command", "command already encoded")
	}
	c.consumed = true
	if c.err != nil {
		return nil, c.err
	}

	header := c.header
	if c.mode != Inline {
		header = header.withCount(uint32(len(c.args)))
	}

	words := make([]uint32, 0, 1+len(c.args))
	words = append(words, uint32(header))
	words = append(words, c.args...)
	c.args = nil
	return words, nil
}

// Pusher queues commands for submission.
type Pusher interface {
	Push(cmd *Command)
}
