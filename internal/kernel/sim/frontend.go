package sim

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/shizukutanaka/nvstream/internal/engine/compute"
	"github.com/shizukutanaka/nvstream/internal/engine/dma"
	"github.com/shizukutanaka/nvstream/internal/engine/threed"
	"github.com/shizukutanaka/nvstream/internal/kernel"
	"github.com/shizukutanaka/nvstream/internal/pushbuf"
)

// methodBindObject binds an engine class to a sub-channel.
const methodBindObject = 0

var errUnbound = errors.New("no object bound to sub-channel")

type inlineWrite struct {
	dst     uint64
	total   uint32
	written uint32
}

// frontend executes method writes. It runs with the device lock held.
type frontend struct {
	dev    *Device
	bound  map[pushbuf.SubChannel]kernel.ClassID
	regs   map[pushbuf.SubChannel]map[uint32]uint32
	inline map[pushbuf.SubChannel]*inlineWrite
}

func newFrontend(d *Device) *frontend {
	return &frontend{
		dev:    d,
		bound:  make(map[pushbuf.SubChannel]kernel.ClassID),
		regs:   make(map[pushbuf.SubChannel]map[uint32]uint32),
		inline: make(map[pushbuf.SubChannel]*inlineWrite),
	}
}

func (f *frontend) run(words []uint32) []error {
	var faults []error
	invs, err := pushbuf.Decode(words)
	for _, inv := range invs {
		for _, w := range inv.Writes() {
			if err := f.write(w); err != nil {
				faults = append(faults, fmt.Errorf("sub-channel %d method %#x: %w", w.SubChannel, w.Method, err))
			}
		}
	}
	if err != nil {
		faults = append(faults, err)
	}
	return faults
}

func (f *frontend) write(w pushbuf.MethodWrite) error {
	if w.Method == methodBindObject {
		class := kernel.ClassID(w.Value)
		if !knownClass(class) {
			return fmt.Errorf("unknown class %#x", w.Value)
		}
		f.bound[w.SubChannel] = class
		f.regs[w.SubChannel] = make(map[uint32]uint32)
		delete(f.inline, w.SubChannel)
		return nil
	}

	class, ok := f.bound[w.SubChannel]
	if !ok {
		return errUnbound
	}
	regs := f.regs[w.SubChannel]
	regs[w.Method] = w.Value

	switch class {
	case kernel.ClassMaxwellBDMA:
		if w.Method == dma.MethodLaunchDMA {
			return f.launchDMA(regs, dma.LaunchDMA(w.Value))
		}
	case kernel.ClassMaxwellBCompute, kernel.ClassInlineToMemory:
		switch w.Method {
		case compute.MethodLaunchDMA:
			f.inline[w.SubChannel] = &inlineWrite{
				dst:   address(regs, compute.MethodOffsetOutUpper, compute.MethodOffsetOutLower),
				total: regs[compute.MethodLineLengthIn] * regs[compute.MethodLineCount],
			}
		case compute.MethodLoadInlineData:
			return f.loadInline(w.SubChannel, w.Value)
		}
	case kernel.ClassMaxwellB3D:
		if w.Method == threed.MethodQueryGet {
			return f.report(regs, threed.ReportControl(w.Value))
		}
	}
	return nil
}

func address(regs map[uint32]uint32, upper, lower uint32) uint64 {
	return uint64(regs[upper])<<32 | uint64(regs[lower])
}

func (f *frontend) launchDMA(regs map[uint32]uint32, l dma.LaunchDMA) error {
	if l.DataTransfer() == dma.TransferNone {
		return nil
	}
	if l.SrcType() != dma.MemoryVirtual || l.DstType() != dma.MemoryVirtual {
		return errors.New("physical copies are not supported")
	}
	if l.SrcLayout() != dma.LayoutPitch || l.DstLayout() != dma.LayoutPitch {
		return errors.New("block linear copies are not supported")
	}

	src := address(regs, dma.MethodOffsetInUpper, dma.MethodOffsetInLower)
	dst := address(regs, dma.MethodOffsetOutUpper, dma.MethodOffsetOutLower)
	length := int(regs[dma.MethodLineLengthIn])
	lines := uint32(1)
	if l.MultiLine() {
		lines = regs[dma.MethodLineCount]
	}

	for i := uint32(0); i < lines; i++ {
		from, err := f.dev.resolve(src+uint64(i)*uint64(regs[dma.MethodPitchIn]), length)
		if err != nil {
			return err
		}
		to, err := f.dev.resolve(dst+uint64(i)*uint64(regs[dma.MethodPitchOut]), length)
		if err != nil {
			return err
		}
		copy(to, append([]byte(nil), from...))
	}
	return nil
}

func (f *frontend) loadInline(sub pushbuf.SubChannel, word uint32) error {
	iw, ok := f.inline[sub]
	if !ok {
		return errors.New("inline data without launch")
	}

	n := iw.total - iw.written
	if n > 4 {
		n = 4
	}
	mem, err := f.dev.resolve(iw.dst+uint64(iw.written), int(n))
	if err != nil {
		return err
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], word)
	copy(mem, buf[:n])

	iw.written += n
	if iw.written >= iw.total {
		delete(f.inline, sub)
	}
	return nil
}

func (f *frontend) report(regs map[uint32]uint32, rc threed.ReportControl) error {
	va := address(regs, threed.MethodQueryAddressHigh, threed.MethodQueryAddressLow)

	switch rc.Operation() {
	case threed.ReportRelease:
		mem, err := f.dev.resolve(va, 4)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(mem, regs[threed.MethodQuerySequence])
	case threed.ReportCounter:
		value := f.dev.counters[uint32(rc.Counter())]
		if rc.OneWord() {
			mem, err := f.dev.resolve(va, 4)
			if err != nil {
				return err
			}
			binary.LittleEndian.PutUint32(mem, uint32(value))
			return nil
		}
		mem, err := f.dev.resolve(va, 16)
		if err != nil {
			return err
		}
		f.dev.clock += 1000
		binary.LittleEndian.PutUint64(mem, value)
		binary.LittleEndian.PutUint64(mem[8:], f.dev.clock)
	case threed.ReportAcquire:
	default:
		return fmt.Errorf("report operation %d trapped", rc.Operation())
	}
	return nil
}
