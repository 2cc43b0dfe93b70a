package commands

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/shizukutanaka/nvstream/internal/pushbuf"
)

var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

func newDecodeCmd(r *rootState) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "decode [file]",
		Short: "Decode a GPFIFO command buffer dump",
		Long: `Decode reads a command buffer as little-endian 32-bit words and prints one
line per method invocation. Without a file, or with "-", it reads stdin.
zstd compressed dumps are detected and decompressed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			name := "stdin"
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in, name = f, args[0]
			}

			words, err := readWords(in)
			if err != nil {
				return fmt.Errorf("read %s: %w", name, err)
			}
			r.logger("decode").Debug("Read command buffer",
				zap.String("source", name),
				zap.String("size", humanize.IBytes(uint64(4*len(words)))),
			)

			invs, decodeErr := pushbuf.Decode(words)
			if err := printInvocations(cmd.OutOrStdout(), format, invs); err != nil {
				return err
			}
			return decodeErr
		},
	}

	cmd.Flags().StringVar(&format, "format", "text", "Output format (text, yaml)")
	return cmd
}

// readWords reads a raw or zstd compressed word stream.
func readWords(in io.Reader) ([]uint32, error) {
	br := bufio.NewReader(in)
	var src io.Reader = br
	if magic, _ := br.Peek(len(zstdMagic)); bytes.Equal(magic, zstdMagic) {
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		src = dec
	}

	data, err := io.ReadAll(src)
	if err != nil {
		return nil, err
	}
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("length %d is not a multiple of 4", len(data))
	}

	words := make([]uint32, len(data)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(data[4*i:])
	}
	return words, nil
}

type decodedInvocation struct {
	Offset     int      `yaml:"offset"`
	Mode       string   `yaml:"mode"`
	SubChannel uint32   `yaml:"subchannel"`
	Method     string   `yaml:"method"`
	Immediate  *uint32  `yaml:"immediate,omitempty"`
	Args       []string `yaml:"args,omitempty"`
}

func printInvocations(w io.Writer, format string, invs []pushbuf.Invocation) error {
	switch format {
	case "text":
		for _, inv := range invs {
			if _, err := fmt.Fprintf(w, "%6d  %s\n", inv.Offset, inv); err != nil {
				return err
			}
		}
		return nil

	case "yaml":
		out := make([]decodedInvocation, len(invs))
		for i, inv := range invs {
			h := inv.Header
			d := decodedInvocation{
				Offset:     inv.Offset,
				Mode:       h.Mode().String(),
				SubChannel: uint32(h.SubChannel()),
				Method:     fmt.Sprintf("%#04x", h.Method()),
			}
			if h.Mode() == pushbuf.Inline {
				imm := h.Immediate()
				d.Immediate = &imm
			}
			for _, a := range inv.Args {
				d.Args = append(d.Args, fmt.Sprintf("%#08x", a))
			}
			out[i] = d
		}
		data, err := yaml.Marshal(out)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err

	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
}
