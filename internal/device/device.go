// Package device opens the kernel objects one process needs to submit work:
// a control node, a memory manager, an address space, a timeslice group and
// a channel bound to both. They are opened in that order and closed in
// reverse.
package device

import (
	"errors"
	"syscall"

	"go.uber.org/zap"

	nverrors "github.com/shizukutanaka/nvstream/internal/errors"
	"github.com/shizukutanaka/nvstream/internal/kernel"
	"github.com/shizukutanaka/nvstream/internal/monitoring"
)

// Config holds the channel parameters.
type Config struct {
	// BigPageSize of the address space. Zero selects the kernel default.
	BigPageSize uint32
	// Runlist the channel is scheduled on. -1 selects the default runlist.
	Runlist int32
	// Priority and TimesliceUS apply only when the kernel has no timeslice
	// groups. A grouped channel is scheduled by its group.
	Priority kernel.Priority
	// TimesliceUS overrides the timeslice implied by Priority when nonzero.
	TimesliceUS  uint32
	RingCapacity uint32
}

// DefaultConfig returns the channel parameters used by the CLI.
func DefaultConfig() Config {
	return Config{
		BigPageSize:  64 << 10,
		Runlist:      -1,
		Priority:     kernel.PriorityMedium,
		RingCapacity: 2048,
	}
}

// Option configures a Device.
type Option func(*Device)

// WithLogger sets the logger of the device and everything built on it.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Device) { d.logger = logger }
}

// WithMetrics sets the metrics the device records into.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(d *Device) { d.metrics = m }
}

// Device is an open GPU context.
type Device struct {
	logger  *zap.Logger
	metrics *monitoring.Metrics
	config  Config

	control kernel.Control
	memory  kernel.MemoryManager
	space   kernel.AddressSpace
	tsg     kernel.TSG
	channel kernel.Channel
	chars   kernel.Characteristics

	// grouped is set once the channel is bound to tsg.
	grouped bool

	closed bool
}

// Open opens a device on drv. Objects opened before a failure are closed
// again before Open returns.
func Open(drv kernel.Driver, cfg Config, opts ...Option) (*Device, error) {
	d := &Device{
		logger: zap.NewNop(),
		config: cfg,
	}
	for _, opt := range opts {
		opt(d)
	}

	if err := d.open(drv); err != nil {
		if cerr := d.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
		return nil, err
	}

	d.logger.Info("Opened GPU device",
		zap.Uint32("arch", d.chars.Arch),
		zap.Uint32("big_page_size", d.config.BigPageSize),
		zap.Int32("runlist", d.config.Runlist),
		zap.Bool("tsg", d.tsg != nil),
		zap.Uint32("ring_capacity", d.config.RingCapacity),
	)
	return d, nil
}

func (d *Device) open(drv kernel.Driver) error {
	var err error

	if d.control, err = drv.OpenControl(); err != nil {
		return nverrors.Kernel("open control", err)
	}
	if d.chars, err = d.control.Characteristics(); err != nil {
		return nverrors.Kernel("get characteristics", err)
	}
	if d.memory, err = drv.OpenMemoryManager(); err != nil {
		return nverrors.Kernel("open memory manager", err)
	}
	if d.space, err = d.control.AllocateAddressSpace(d.config.BigPageSize, 0); err != nil {
		return nverrors.Kernel("allocate address space", err).WithContext("big_page_size", d.config.BigPageSize)
	}
	if d.tsg, err = d.control.OpenTSG(); err != nil {
		if !unsupported(err) {
			return nverrors.Kernel("open tsg", err)
		}
		d.tsg = nil
		d.logger.Info("Kernel does not support timeslice groups", zap.Error(err))
	}
	if d.channel, err = d.control.OpenChannel(d.config.Runlist, d.memory); err != nil {
		return nverrors.Kernel("open channel", err)
	}

	if d.tsg != nil {
		if err := d.tsg.BindChannel(d.channel); err != nil {
			return nverrors.Kernel("bind channel to tsg", err)
		}
		d.grouped = true
		if d.config.TimesliceUS != 0 {
			d.logger.Warn("Timeslice is set by the timeslice group, ignoring override",
				zap.Uint32("timeslice_us", d.config.TimesliceUS))
		}
	} else if err := d.schedule(); err != nil {
		return err
	}

	if err := d.space.BindChannel(d.channel); err != nil {
		return nverrors.Kernel("bind channel", err)
	}
	if err := d.channel.AllocateRing(d.config.RingCapacity, 0); err != nil {
		return nverrors.Kernel("allocate ring", err).WithContext("capacity", d.config.RingCapacity)
	}
	if _, err := d.channel.AllocateObjectContext(kernel.ClassMaxwellB3D, 0); err != nil {
		return nverrors.Kernel("allocate object context", err).WithContext("class", kernel.ClassMaxwellB3D.String())
	}
	return nil
}

// schedule applies the configured priority and timeslice to an ungrouped
// channel.
func (d *Device) schedule() error {
	if err := d.channel.SetPriority(d.config.Priority); err != nil {
		if !unsupported(err) {
			return nverrors.Kernel("set priority", err)
		}
		d.logger.Warn("Kernel does not support channel priorities", zap.Error(err))
	}
	if d.config.TimesliceUS != 0 {
		if err := d.channel.SetTimeslice(d.config.TimesliceUS); err != nil {
			if !unsupported(err) {
				return nverrors.Kernel("set timeslice", err)
			}
			d.logger.Warn("Kernel does not support channel timeslices", zap.Error(err))
		}
	}
	return nil
}

func unsupported(err error) bool {
	return errors.Is(err, syscall.ENOTTY) || errors.Is(err, syscall.ENOSYS)
}

// Memory returns the memory manager.
func (d *Device) Memory() kernel.MemoryManager { return d.memory }

// AddressSpace returns the GPU address space the channel runs in.
func (d *Device) AddressSpace() kernel.AddressSpace { return d.space }

// Channel returns the channel.
func (d *Device) Channel() kernel.Channel { return d.channel }

// TSG returns the timeslice group of the channel, or nil when the kernel
// has none.
func (d *Device) TSG() kernel.TSG { return d.tsg }

// Control returns the control node.
func (d *Device) Control() kernel.Control { return d.control }

// Logger returns the device logger.
func (d *Device) Logger() *zap.Logger { return d.logger }

// Metrics returns the device metrics. It may be nil.
func (d *Device) Metrics() *monitoring.Metrics { return d.metrics }

// Config returns the parameters the device was opened with.
func (d *Device) Config() Config { return d.config }

// Characteristics returns what the control node reported at open.
func (d *Device) Characteristics() kernel.Characteristics { return d.chars }

// Close unbinds the channel from its timeslice group, then closes the
// channel, group, address space, memory manager and control node in that
// order. Every step is attempted; failures are joined.
func (d *Device) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true

	var errs []error
	closeOne := func(op string, c interface{ Close() error }) {
		if err := c.Close(); err != nil {
			errs = append(errs, nverrors.Leak(op, err))
		}
	}

	if d.grouped {
		if err := d.tsg.UnbindChannel(d.channel); err != nil {
			errs = append(errs, nverrors.Leak("unbind channel from tsg", err))
		}
	}
	if d.channel != nil {
		closeOne("close channel", d.channel)
	}
	if d.tsg != nil {
		closeOne("close tsg", d.tsg)
	}
	if d.space != nil {
		closeOne("close address space", d.space)
	}
	if d.memory != nil {
		closeOne("close memory manager", d.memory)
	}
	if d.control != nil {
		closeOne("close control", d.control)
	}

	err := errors.Join(errs...)
	nverrors.Report(d.logger, "Failed to close GPU device", err)
	return err
}
