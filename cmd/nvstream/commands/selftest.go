package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shizukutanaka/nvstream/internal/engine/compute"
	"github.com/shizukutanaka/nvstream/internal/engine/dma"
	"github.com/shizukutanaka/nvstream/internal/engine/threed"
	"github.com/shizukutanaka/nvstream/internal/gpumem"
	"github.com/shizukutanaka/nvstream/internal/monitoring"
	"github.com/shizukutanaka/nvstream/internal/stream"
)

// selftestCase runs one end-to-end check on an open session.
type selftestCase struct {
	name string
	run  func(ctx context.Context, s *session) error
}

var selftestCases = []selftestCase{
	{"setup channel", func(ctx context.Context, s *session) error {
		return stream.SetupChannel(ctx, s.stream)
	}},
	{"dma copy", selftestDMACopy},
	{"inline memcpy", selftestInlineMemcpy},
	{"chained flushes", selftestChainedFlushes},
}

func newSelftestCmd(r *rootState) *cobra.Command {
	var printMetrics bool

	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Run end-to-end submission checks",
		Long: `Selftest binds the engine classes to their sub-channels, copies a word with
the DMA engine, writes inline data with the compute engine and chains two
flushes on one fence wait. Each step prints ok or FAIL.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			metrics := r.metrics(printMetrics)
			if r.cfg.Metrics.Enabled && r.cfg.Metrics.ListenAddr != "" {
				exporter := monitoring.NewExporter(r.logger("metrics"), metrics, r.cfg.Metrics.ListenAddr)
				exporter.Start()
				defer func() {
					if err := exporter.Stop(context.Background()); err != nil {
						r.logger("metrics").Warn("Failed to stop metrics exporter", zap.Error(err))
					}
				}()
			}

			s, err := r.open(metrics)
			if err != nil {
				return err
			}
			runErr := runSelftest(ctx, out, s)
			if err := s.Close(ctx); err != nil {
				runErr = errors.Join(runErr, err)
			}

			if printMetrics {
				fmt.Fprintln(out)
				if err := metrics.WriteText(out); err != nil {
					return errors.Join(runErr, err)
				}
			}
			return runErr
		},
	}

	cmd.Flags().BoolVar(&printMetrics, "metrics", false, "print the metrics of the run")
	return cmd
}

func runSelftest(ctx context.Context, out io.Writer, s *session) error {
	failed := 0
	for _, tc := range selftestCases {
		start := time.Now()
		err := tc.run(ctx, s)
		if err != nil {
			failed++
			fmt.Fprintf(out, "FAIL  %-16s %v\n", tc.name, err)
			// The channel binds every later step depends on.
			if tc.name == selftestCases[0].name {
				break
			}
			continue
		}
		fmt.Fprintf(out, "ok    %-16s %s\n", tc.name, time.Since(start).Round(time.Microsecond))
	}
	if failed > 0 {
		return fmt.Errorf("%d selftest step(s) failed", failed)
	}
	return nil
}

// flushAndWait submits everything pushed and waits until the GPU is idle.
func flushAndWait(ctx context.Context, s *stream.Stream) error {
	if err := s.Flush(ctx); err != nil {
		return err
	}
	return s.WaitIdle(ctx)
}

func selftestDMACopy(ctx context.Context, s *session) (err error) {
	const want = 0xCAFEBABE

	src, err := gpumem.NewBox(s.dev, uint32(want))
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, src.Close()) }()
	dst, err := gpumem.NewBox(s.dev, uint32(0))
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, dst.Close()) }()

	if err := dma.CopyBuffer(s.stream, dst.GPUAddress(), src.GPUAddress(), 4); err != nil {
		return err
	}
	if err := flushAndWait(ctx, s.stream); err != nil {
		return err
	}

	got, err := dst.Load()
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("destination holds %#08x, want %#08x", got, uint32(want))
	}
	return nil
}

func selftestInlineMemcpy(ctx context.Context, s *session) (err error) {
	want := [8]byte{'n', 'v', 's', 't', 'r', 'e', 'a', 'm'}

	dst, err := gpumem.NewBox(s.dev, [8]byte{})
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, dst.Close()) }()

	if err := compute.MemcpyInline(s.stream, dst.GPUAddress(), want[:]); err != nil {
		return err
	}
	if err := flushAndWait(ctx, s.stream); err != nil {
		return err
	}

	got, err := dst.Load()
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("destination holds %q, want %q", got[:], want[:])
	}
	return nil
}

// selftestChainedFlushes releases two payloads in separate flushes. The
// second batch waits on the fence of the first, so one wait covers both and
// the later payload wins.
func selftestChainedFlushes(ctx context.Context, s *session) (err error) {
	sem, err := gpumem.NewBox(s.dev, uint32(0))
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, sem.Close()) }()

	release := threed.NewReportControl().WithOperation(threed.ReportRelease)
	for _, payload := range []uint32{1, 2} {
		if err := threed.QueryGet(s.stream, sem.GPUAddress(), payload, release); err != nil {
			return err
		}
		if err := s.stream.Flush(ctx); err != nil {
			return err
		}
	}
	if err := s.stream.WaitIdle(ctx); err != nil {
		return err
	}

	got, err := sem.Load()
	if err != nil {
		return err
	}
	if got != 2 {
		return fmt.Errorf("semaphore holds %d, want 2", got)
	}
	return nil
}
