package commands

import (
	"errors"
	"fmt"
	"io"
	"math/bits"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/shizukutanaka/nvstream/internal/kernel"
	"github.com/shizukutanaka/nvstream/internal/monitoring"
)

func newInfoCmd(r *rootState) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show GPU characteristics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			s, err := r.open(nil)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, s.Close(cmd.Context())) }()

			report := characteristicsReport(s.dev.Characteristics())
			if host, err := monitoring.ReadHostMemory(); err == nil {
				report.HostMemory = &host
			} else {
				r.logger("info").Warn("Failed to read host memory", zap.Error(err))
			}

			switch format {
			case "text":
				return displayCharacteristics(cmd.OutOrStdout(), s.dev.Characteristics(), report.HostMemory)
			case "yaml":
				data, err := yaml.Marshal(report)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			default:
				return fmt.Errorf("unknown output format: %s", format)
			}
		},
	}

	cmd.Flags().StringVar(&format, "format", "text", "Output format (text, yaml)")
	return cmd
}

type characteristics struct {
	Arch                uint32   `yaml:"arch"`
	Impl                uint32   `yaml:"impl"`
	Rev                 uint32   `yaml:"rev"`
	GPCs                uint32   `yaml:"gpcs"`
	TPCsPerGPC          uint32   `yaml:"tpcs_per_gpc"`
	L2Cache             uint64   `yaml:"l2_cache_bytes"`
	VideoMemory         uint64   `yaml:"video_memory_bytes"`
	BigPageSize         uint32   `yaml:"big_page_size"`
	CompressionPageSize uint32   `yaml:"compression_page_size"`
	BigPageSizes        []string `yaml:"available_big_page_sizes"`
	Flags               string   `yaml:"flags"`

	HostMemory *monitoring.HostMemory `yaml:"host_memory,omitempty"`
}

func characteristicsReport(c kernel.Characteristics) characteristics {
	return characteristics{
		Arch:                c.Arch,
		Impl:                c.Impl,
		Rev:                 c.Rev,
		GPCs:                c.NumGPC,
		TPCsPerGPC:          c.NumTPCPerGPC,
		L2Cache:             c.L2CacheSize,
		VideoMemory:         c.VideoMemorySize,
		BigPageSize:         c.BigPageSize,
		CompressionPageSize: c.CompressionPageSize,
		BigPageSizes:        pageSizes(c.AvailableBigPageSizes),
		Flags:               fmt.Sprintf("%#x", c.Flags),
	}
}

// pageSizes expands a mask in which every set bit is a supported size.
func pageSizes(mask uint32) []string {
	var out []string
	for mask != 0 {
		bit := uint32(1) << bits.TrailingZeros32(mask)
		out = append(out, humanize.IBytes(uint64(bit)))
		mask &^= bit
	}
	return out
}

func displayCharacteristics(w io.Writer, c kernel.Characteristics, host *monitoring.HostMemory) error {
	videoMemory := humanize.IBytes(c.VideoMemorySize)
	if c.VideoMemorySize == 0 {
		videoMemory = "shared with system"
	}
	_, err := fmt.Fprintf(w, `GPU:
  Architecture      : %#x (impl %#x, rev %#x)
  GPCs              : %d x %d TPC
  L2 Cache          : %s
  Video Memory      : %s
  Big Page Size     : %s
  Compression Page  : %s
  Big Page Sizes    : %s
  Flags             : %#x
`,
		c.Arch, c.Impl, c.Rev,
		c.NumGPC, c.NumTPCPerGPC,
		humanize.IBytes(c.L2CacheSize),
		videoMemory,
		humanize.IBytes(uint64(c.BigPageSize)),
		humanize.IBytes(uint64(c.CompressionPageSize)),
		strings.Join(pageSizes(c.AvailableBigPageSizes), ", "),
		c.Flags,
	)
	if err != nil || host == nil {
		return err
	}
	_, err = fmt.Fprintf(w, `
System Memory:
  Total             : %s
  Available         : %s (%.1f%% used)
`,
		humanize.IBytes(host.Total),
		humanize.IBytes(host.Available),
		host.UsedPercent,
	)
	return err
}
