package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shizukutanaka/nvstream/internal/engine/threed"
	"github.com/shizukutanaka/nvstream/internal/gpumem"
	"github.com/shizukutanaka/nvstream/internal/stream"
)

func newQueryCmd(r *rootState) *cobra.Command {
	var samples uint64

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Read the samples-passed counter of the 3D engine",
		Long: `Query sets up the channel, asks the 3D engine to report its samples-passed
counter into GPU memory and prints the counter with the report timestamp.
On the simulated GPU the counter is preset with --samples.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()

			s, err := r.open(r.metrics(false))
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, s.Close(ctx)) }()

			if s.gpu != nil {
				s.gpu.SetCounter(uint32(threed.CounterSamplesPassed), samples)
			}
			if err := stream.SetupChannel(ctx, s.stream); err != nil {
				return err
			}

			// Counter then timestamp.
			report, err := gpumem.NewBox(s.dev, [2]uint64{})
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, report.Close()) }()

			rc := threed.NewReportControl().
				WithOperation(threed.ReportCounter).
				WithCounter(threed.CounterSamplesPassed)
			if err := threed.QueryGet(s.stream, report.GPUAddress(), 0, rc); err != nil {
				return err
			}
			if err := flushAndWait(ctx, s.stream); err != nil {
				return err
			}

			v, err := report.Load()
			if err != nil {
				return err
			}
			r.logger("query").Debug("Query complete", zap.Stringer("report_control", rc), zap.Uint64s("report", v[:]))
			fmt.Fprintf(cmd.OutOrStdout(), "samples passed: %d (timestamp %d)\n", v[0], v[1])
			return nil
		},
	}

	cmd.Flags().Uint64Var(&samples, "samples", 42, "counter value reported by the simulated GPU")
	return cmd
}
