package pushbuf

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTruncated is returned when a header announces more arguments than the stream holds.
	ErrTruncated = errors.New("pushbuf: truncated method stream")
	// ErrUnknownMode is returned for headers with a submission mode above IncreasingOnce.
	ErrUnknownMode = errors.New("pushbuf: unknown submission mode")
)

// Invocation is one decoded method invocation.
type Invocation struct {
	// Offset is the index of the header word in the decoded stream.
	Offset int
	Header Header
	Args   []uint32
}

// MethodWrite is a single value written to a method slot.
type MethodWrite struct {
	SubChannel SubChannel
	Method     uint32
	Value      uint32
}

// Writes expands the invocation into the method writes the front-end performs.
func (inv Invocation) Writes() []MethodWrite {
	h := inv.Header
	sub, method := h.SubChannel(), h.Method()

	if h.Mode() == Inline {
		return []MethodWrite{{SubChannel: sub, Method: method, Value: h.Immediate()}}
	}

	writes := make([]MethodWrite, len(inv.Args))
	for i, v := range inv.Args {
		m := method
		switch h.Mode() {
		case Increasing, IncreasingOld:
			m += uint32(i)
		case IncreasingOnce:
			if i > 0 {
				m++
			}
		}
		writes[i] = MethodWrite{SubChannel: sub, Method: m & MaxMethod, Value: v}
	}
	return writes
}

// String renders the invocation the way the decode command prints it.
func (inv Invocation) String() string {
	h := inv.Header
	var b strings.Builder
	fmt.Fprintf(&b, "%-16s sub=%d method=%#04x (offset %#06x)", h.Mode(), h.SubChannel(), h.Method(), h.Method()*4)
	if h.Mode() == Inline {
		fmt.Fprintf(&b, " imm=%#x", h.Immediate())
		return b.String()
	}
	b.WriteString(" args=[")
	for i, a := range inv.Args {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%#08x", a)
	}
	b.WriteByte(']')
	return b.String()
}

// Decoder splits a word stream into method invocations.
type Decoder struct {
	words []uint32
	pos   int
}

// NewDecoder returns a decoder over words.
func NewDecoder(words []uint32) *Decoder {
	return &Decoder{words: words}
}

// More reports whether words remain.
func (d *Decoder) More() bool {
	return d.pos < len(d.words)
}

// Next decodes the next invocation.
func (d *Decoder) Next() (Invocation, error) {
	if !d.More() {
		return Invocation{}, fmt.Errorf("%w: no header at word %d", ErrTruncated, d.pos)
	}

	start := d.pos
	h := Header(d.words[start])
	if !h.Mode().Valid() {
		return Invocation{}, fmt.Errorf("%w %d at word %d", ErrUnknownMode, uint32(h.Mode()), start)
	}

	n := h.Arguments()
	if start+1+n > len(d.words) {
		return Invocation{}, fmt.Errorf("%w: header at word %d wants %d arguments, %d left",
			ErrTruncated, start, n, len(d.words)-start-1)
	}

	d.pos = start + 1 + n
	return Invocation{
		Offset: start,
		Header: h,
		Args:   d.words[start+1 : d.pos],
	}, nil
}

// Decode decodes a whole stream.
func Decode(words []uint32) ([]Invocation, error) {
	d := NewDecoder(words)
	var out []Invocation
	for d.More() {
		inv, err := d.Next()
		if err != nil {
			return out, err
		}
		out = append(out, inv)
	}
	return out, nil
}
