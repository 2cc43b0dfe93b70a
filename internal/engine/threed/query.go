// Package threed builds methods for the 3D engine (MAXWELL_B_3D).
package threed

import (
	"errors"
	"fmt"

	"github.com/shizukutanaka/nvstream/internal/pushbuf"
)

// Query methods.
const (
	MethodQueryAddressHigh = 0x6C0
	MethodQueryAddressLow  = 0x6C1
	MethodQuerySequence    = 0x6C2
	MethodQueryGet         = 0x6C3
)

// ReportOperation is what a query does when it reaches the pipeline end.
type ReportOperation uint32

const (
	// ReportRelease writes the 32-bit payload.
	ReportRelease ReportOperation = 0
	ReportAcquire ReportOperation = 1
	// ReportCounter writes the selected counter.
	ReportCounter ReportOperation = 2
	ReportTrap    ReportOperation = 3
)

// ReductionOperation is the reduction applied when reduction is enabled.
type ReductionOperation uint32

const (
	ReductionAdd ReductionOperation = iota
	ReductionMin
	ReductionMax
	ReductionIncrement
	ReductionDecrement
	ReductionAnd
	ReductionOr
	ReductionXor
)

// CounterType selects the counter a ReportCounter query writes.
type CounterType uint32

const (
	CounterZero                            CounterType = 0x00
	CounterInputVertices                   CounterType = 0x01
	CounterInputPrimitives                 CounterType = 0x03
	CounterVertexShaderInvocations         CounterType = 0x05
	CounterGeometryShaderInvocations       CounterType = 0x07
	CounterGeometryShaderPrimitives        CounterType = 0x09
	CounterTransformFeedbackPrimitives     CounterType = 0x0B
	CounterClipperInputPrimitives          CounterType = 0x0F
	CounterClipperOutputPrimitives         CounterType = 0x11
	CounterPrimitivesGenerated             CounterType = 0x12
	CounterFragmentShaderInvocations       CounterType = 0x13
	CounterSamplesPassed                   CounterType = 0x15
	CounterTessControlShaderInvocations    CounterType = 0x1B
	CounterTessEvaluationShaderInvocations CounterType = 0x1D
	CounterTessEvaluationShaderPrimitives  CounterType = 0x1F
)

// String implements fmt.Stringer.String.
func (c CounterType) String() string {
	switch c {
	case CounterZero:
		return "zero"
	case CounterInputVertices:
		return "input_vertices"
	case CounterInputPrimitives:
		return "input_primitives"
	case CounterVertexShaderInvocations:
		return "vertex_shader_invocations"
	case CounterGeometryShaderInvocations:
		return "geometry_shader_invocations"
	case CounterGeometryShaderPrimitives:
		return "geometry_shader_primitives"
	case CounterTransformFeedbackPrimitives:
		return "transform_feedback_primitives"
	case CounterClipperInputPrimitives:
		return "clipper_input_primitives"
	case CounterClipperOutputPrimitives:
		return "clipper_output_primitives"
	case CounterPrimitivesGenerated:
		return "primitives_generated"
	case CounterFragmentShaderInvocations:
		return "fragment_shader_invocations"
	case CounterSamplesPassed:
		return "samples_passed"
	case CounterTessControlShaderInvocations:
		return "tess_control_shader_invocations"
	case CounterTessEvaluationShaderInvocations:
		return "tess_evaluation_shader_invocations"
	case CounterTessEvaluationShaderPrimitives:
		return "tess_evaluation_shader_primitives"
	default:
		return fmt.Sprintf("counter(%#x)", uint32(c))
	}
}

// ReportControl is the argument of MethodQueryGet.
//
//	bits 1:0    operation
//	bit  2      flush disable
//	bit  3      reduction enable
//	bit  4      fence enable
//	bits 11:9   reduction operation
//	bits 15:12  reserved, set to 0xF by NewReportControl
//	bit  17     reduction signed
//	bits 27:23  counter type
//	bit  28     one word
type ReportControl uint32

// NewReportControl returns a control word with the reserved bits set.
func NewReportControl() ReportControl {
	return ReportControl(0).with(12, 4, 0xF)
}

func (r ReportControl) field(lo, width uint) uint32 {
	return uint32(r) >> lo & (1<<width - 1)
}

func (r ReportControl) with(lo, width uint, v uint32) ReportControl {
	mask := uint32(1<<width-1) << lo
	return ReportControl(uint32(r)&^mask | v<<lo&mask)
}

func (r ReportControl) withFlag(bit uint, on bool) ReportControl {
	if on {
		return r.with(bit, 1, 1)
	}
	return r.with(bit, 1, 0)
}

func (r ReportControl) Operation() ReportOperation { return ReportOperation(r.field(0, 2)) }
func (r ReportControl) FlushDisable() bool { return r.field(2, 1) != 0 }
func (r ReportControl) ReductionEnable() bool { return r.field(3, 1) != 0 }
func (r ReportControl) FenceEnable() bool { return r.field(4, 1) != 0 }
func (r ReportControl) Reduction() ReductionOperation { return ReductionOperation(r.field(9, 3)) }
func (r ReportControl) ReductionSigned() bool { return r.field(17, 1) != 0 }
func (r ReportControl) Counter() CounterType { return CounterType(r.field(23, 5)) }
func (r ReportControl) OneWord() bool { return r.field(28, 1) != 0 }

func (r ReportControl) WithOperation(op ReportOperation) ReportControl { return r.with(0, 2, uint32(op)) }
func (r ReportControl) WithFlushDisable(on bool) ReportControl { return r.withFlag(2, on) }
func (r ReportControl) WithReductionEnable(on bool) ReportControl { return r.withFlag(3, on) }
func (r ReportControl) WithFenceEnable(on bool) ReportControl { return r.withFlag(4, on) }
func (r ReportControl) WithReduction(op ReductionOperation) ReportControl {
	return r.with(9, 3, uint32(op))
}
func (r ReportControl) WithReductionSigned(on bool) ReportControl { return r.withFlag(17, on) }
func (r ReportControl) WithCounter(c CounterType) ReportControl { return r.with(23, 5, uint32(c)) }
func (r ReportControl) WithOneWord(on bool) ReportControl { return r.withFlag(28, on) }

// String implements fmt.Stringer.String.
func (r ReportControl) String() string {
	return fmt.Sprintf("ReportControl{op=%d counter=%s one_word=%t fence=%t flush_disable=%t}",
		r.Operation(), r.Counter(), r.OneWord(), r.FenceEnable(), r.FlushDisable())
}

// QueryGet queues a query writing to va when the pipeline drains.
//
// A ReportRelease query writes payload as one 32-bit word. A ReportCounter
// query writes the counter as one 32-bit word when OneWord is set, otherwise
// a 64-bit counter followed by a 64-bit timestamp.
func QueryGet(p pushbuf.Pusher, va uint64, payload uint32, rc ReportControl) error {
	cmd := pushbuf.NewCommand(MethodQueryAddressHigh, pushbuf.SubChannel3D, pushbuf.Increasing)
	if err := errors.Join(
		cmd.PushAddress(va),
		cmd.PushArgument(payload),
		cmd.PushArgument(uint32(rc)),
	); err != nil {
		return err
	}
	p.Push(cmd)
	return nil
}
