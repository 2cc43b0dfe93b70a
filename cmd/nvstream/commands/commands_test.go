package commands

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/shizukutanaka/nvstream/internal/config"
	"github.com/shizukutanaka/nvstream/internal/kernel/sim"
	"github.com/shizukutanaka/nvstream/internal/logging"
	"github.com/shizukutanaka/nvstream/internal/pushbuf"
	"github.com/shizukutanaka/nvstream/internal/stream"
)

// execute runs the CLI with a config file that does not exist, so only
// defaults and flags apply.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return executeWithConfig(t, filepath.Join(t.TempDir(), "absent.yaml"), args...)
}

func executeWithConfig(t *testing.T, path string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", path}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func sampleStream(t *testing.T) []byte {
	t.Helper()

	bind := pushbuf.NewCommand(0, pushbuf.SubChannelCompute, pushbuf.Increasing)
	require.NoError(t, bind.PushArgument(0xB1C0))
	inline := pushbuf.NewInlineCommand(0x40, pushbuf.SubChannel3D, 5)

	var words []uint32
	for _, c := range []*pushbuf.Command{bind, inline} {
		w, err := c.Words()
		require.NoError(t, err)
		words = append(words, w...)
	}

	data := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(data[4*i:], w)
	}
	return data
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestDecode(t *testing.T) {
	path := writeFile(t, "gpfifo.bin", sampleStream(t))

	out, err := execute(t, "decode", path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "Increasing")
	assert.Contains(t, lines[0], "sub=1")
	assert.Contains(t, lines[1], "Inline")
	assert.Contains(t, lines[1], "imm=0x5")
}

func TestDecodeYAML(t *testing.T) {
	path := writeFile(t, "gpfifo.bin", sampleStream(t))

	out, err := execute(t, "decode", "--format", "yaml", path)
	require.NoError(t, err)

	var invs []decodedInvocation
	require.NoError(t, yaml.Unmarshal([]byte(out), &invs))
	require.Len(t, invs, 2)

	assert.Equal(t, 0, invs[0].Offset)
	assert.Equal(t, "Increasing", invs[0].Mode)
	assert.Equal(t, uint32(pushbuf.SubChannelCompute), invs[0].SubChannel)
	assert.Equal(t, []string{fmt.Sprintf("%#08x", uint32(0xB1C0))}, invs[0].Args)
	assert.Nil(t, invs[0].Immediate)

	assert.Equal(t, 2, invs[1].Offset)
	assert.Equal(t, "Inline", invs[1].Mode)
	assert.Equal(t, fmt.Sprintf("%#04x", uint32(0x40)), invs[1].Method)
	require.NotNil(t, invs[1].Immediate)
	assert.Equal(t, uint32(5), *invs[1].Immediate)
}

func TestDecodeZstd(t *testing.T) {
	raw := sampleStream(t)
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	compressed := enc.EncodeAll(raw, nil)
	require.NoError(t, enc.Close())

	want, err := execute(t, "decode", writeFile(t, "gpfifo.bin", raw))
	require.NoError(t, err)
	got, err := execute(t, "decode", writeFile(t, "gpfifo.bin.zst", compressed))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDecodeStdin(t *testing.T) {
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetIn(bytes.NewReader(sampleStream(t)))
	cmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "absent.yaml"), "decode", "-"})
	require.NoError(t, cmd.Execute())
	assert.Len(t, strings.Split(strings.TrimSpace(out.String()), "\n"), 2)
}

func TestDecodeErrors(t *testing.T) {
	truncated := make([]byte, 4)
	binary.LittleEndian.PutUint32(truncated, uint32(pushbuf.EncodeHeader(0x10, pushbuf.SubChannel3D, 3, pushbuf.Increasing)))

	tests := []struct {
		name string
		data []byte
		args []string
		want string
	}{
		{"odd length", []byte{1, 2, 3, 4, 5}, nil, "multiple of 4"},
		{"truncated", truncated, nil, "truncated"},
		{"format", sampleStream(t), []string{"--format", "json"}, "unknown output format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"decode"}, tt.args...)
			args = append(args, writeFile(t, "gpfifo.bin", tt.data))
			_, err := execute(t, args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSelftestSimulated(t *testing.T) {
	out, err := execute(t, "--simulate", "selftest", "--metrics")
	require.NoError(t, err, out)

	for _, tc := range selftestCases {
		assert.Contains(t, out, "ok    "+tc.name)
	}
	assert.NotContains(t, out, "FAIL")
	assert.Contains(t, out, "nvstream_submissions_total")
	assert.Contains(t, out, "nvstream_in_flight_buffers 0")
	assert.Contains(t, out, "nvstream_allocation_bytes 0")
}

func TestQuerySimulated(t *testing.T) {
	out, err := execute(t, "--simulate", "query", "--samples", "7")
	require.NoError(t, err, out)
	assert.Contains(t, out, "samples passed: 7 (timestamp ")
}

func TestInfoSimulated(t *testing.T) {
	out, err := execute(t, "--simulate", "info")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Big Page Sizes    : 64 KiB, 128 KiB")

	out, err = execute(t, "--simulate", "info", "--format", "yaml")
	require.NoError(t, err, out)

	var report characteristics
	require.NoError(t, yaml.Unmarshal([]byte(out), &report))
	assert.Equal(t, sim.DefaultCharacteristics.Arch, report.Arch)
	assert.Equal(t, sim.DefaultCharacteristics.NumGPC, report.GPCs)
	assert.Equal(t, []string{"64 KiB", "128 KiB"}, report.BigPageSizes)
}

func TestMissingDeviceNodes(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, "nvstream.yaml", []byte(fmt.Sprintf(`
device:
  nvmap: %s
  control: %s
`, filepath.Join(dir, "nvmap"), filepath.Join(dir, "nvhost-ctrl-gpu"))))

	_, err := executeWithConfig(t, path, "info")
	assert.Error(t, err)
}

func TestInvalidConfig(t *testing.T) {
	path := writeFile(t, "nvstream.yaml", []byte("stream:\n  ring_capacity: 0\n"))
	_, err := executeWithConfig(t, path, "--simulate", "info")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ring_capacity")
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "nvstream "+Version))
	assert.Contains(t, out, "Platform:")
}

// flushedSession opens a simulated session with one batch submitted and not
// yet waited on.
func flushedSession(t *testing.T) *session {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Device.Simulate = true
	logs, err := logging.NewFactory(cfg.Logging)
	require.NoError(t, err)
	r := &rootState{cfg: cfg, logs: logs}

	s, err := r.open(nil)
	require.NoError(t, err)
	for _, b := range stream.Bindings {
		cmd, err := stream.BindCommand(b.SubChannel, b.Class)
		require.NoError(t, err)
		s.stream.Push(cmd)
	}
	require.NoError(t, s.stream.Flush(context.Background()))
	return s
}

func TestSessionCloseIgnoresCancellation(t *testing.T) {
	s := flushedSession(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Close(ctx))

	assert.True(t, s.gpu.Submissions()[0].Executed)
	assert.False(t, s.gpu.Channel().Open)
	assert.Zero(t, s.stream.InFlight())
}

func TestSessionCloseKeepsDeviceOnDrainFailure(t *testing.T) {
	s := flushedSession(t)
	ctx := context.Background()

	s.gpu.FailOn(sim.OpWaitFence, syscall.EIO)
	require.Error(t, s.Close(ctx))
	assert.True(t, s.gpu.Channel().Open)
	assert.Equal(t, 1, s.stream.InFlight())

	require.NoError(t, s.Close(ctx))
	assert.False(t, s.gpu.Channel().Open)
}
