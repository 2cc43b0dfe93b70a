package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shizukutanaka/nvstream/internal/config"
	"github.com/shizukutanaka/nvstream/internal/device"
	"github.com/shizukutanaka/nvstream/internal/kernel"
	"github.com/shizukutanaka/nvstream/internal/kernel/sim"
	"github.com/shizukutanaka/nvstream/internal/logging"
	"github.com/shizukutanaka/nvstream/internal/monitoring"
	"github.com/shizukutanaka/nvstream/internal/stream"
)

const Version = "0.3.0"

// rootState holds the global flags and what is built from them before a
// subcommand runs.
type rootState struct {
	cfgFile  string
	verbose  bool
	simulate bool

	cfg  *config.Config
	logs *logging.Factory
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	r := &rootState{}

	rootCmd := &cobra.Command{
		Use:   "nvstream",
		Short: "Command submission for Tegra GPUs",
		Long: `nvstream drives the GPU of Tegra X1 class devices from user space. It
allocates GPU memory through nvmap, encodes methods into command buffers and
submits them on a channel of the nvgpu driver.

Every device command can run against an in-process simulated GPU with
--simulate.`,
		Version:           Version,
		SilenceUsage:      true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return r.setup() },
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if r.logs != nil {
				_ = r.logs.Sync()
			}
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&r.cfgFile, "config", "", "config file (default is ./nvstream.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&r.verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&r.simulate, "simulate", false, "use the simulated GPU instead of the device nodes")

	rootCmd.SetVersionTemplate(versionTemplate)

	rootCmd.AddCommand(
		newDecodeCmd(r),
		newSelftestCmd(r),
		newQueryCmd(r),
		newInfoCmd(r),
		newVersionCmd(),
	)
	return rootCmd
}

// Execute runs the CLI until done or interrupted.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func (r *rootState) setup() error {
	path := r.cfgFile
	if path == "" {
		path = "nvstream.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if r.simulate {
		cfg.Device.Simulate = true
	}
	if r.verbose {
		cfg.Logging.Level = "debug"
	}

	logs, err := logging.NewFactory(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	r.cfg = cfg
	r.logs = logs
	return nil
}

func (r *rootState) logger(module string) *zap.Logger {
	return r.logs.Logger(module)
}

// metrics returns the device metrics when they are wanted.
func (r *rootState) metrics(force bool) *monitoring.Metrics {
	if !force && !r.cfg.Metrics.Enabled {
		return nil
	}
	return monitoring.NewMetrics(r.cfg.Metrics.Namespace)
}

// session is an open device and a stream on its channel.
type session struct {
	gpu    *sim.Device
	dev    *device.Device
	stream *stream.Stream
}

func (r *rootState) open(metrics *monitoring.Metrics) (*session, error) {
	dc, err := r.cfg.DeviceOptions()
	if err != nil {
		return nil, err
	}

	var (
		drv kernel.Driver
		gpu *sim.Device
	)
	if r.cfg.Device.Simulate {
		gpu = sim.New(sim.WithLogger(r.logger("sim")))
		drv = gpu
	} else if drv, err = hardwareDriver(r.cfg.Device, r.logger("tegra")); err != nil {
		return nil, err
	}

	dev, err := device.Open(drv, dc,
		device.WithLogger(r.logger("device")),
		device.WithMetrics(metrics),
	)
	if err != nil {
		return nil, err
	}

	s := stream.New(dev,
		stream.WithRingCapacity(int(r.cfg.Stream.RingCapacity)),
		stream.WithBufferAlignment(r.cfg.Stream.CommandBufferAlignment),
		stream.WithLogger(r.logger("stream")),
	)
	return &session{gpu: gpu, dev: dev, stream: s}, nil
}

// closeTimeout bounds the wait for in-flight work when a session closes.
var closeTimeout = 10 * time.Second

// Close drains and closes the stream, then closes the device. Cancelling ctx
// does not cut the drain short; closeTimeout does. If the stream cannot be
// drained the device stays open, as the GPU may still read its command
// buffers.
func (s *session) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()

	if err := s.stream.Close(ctx); err != nil {
		s.dev.Logger().Error("Failed to drain stream, leaving device open", zap.Error(err))
		return err
	}
	return s.dev.Close()
}

const versionTemplate = `nvstream {{.Version}}
User-space command submission for Tegra GPUs
`
