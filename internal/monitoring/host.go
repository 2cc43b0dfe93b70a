package monitoring

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"
)

// HostMemory describes system memory. On Tegra the GPU has no memory of its
// own; nvmap carves every allocation out of this pool.
type HostMemory struct {
	Total       uint64  `yaml:"total_bytes"`
	Available   uint64  `yaml:"available_bytes"`
	UsedPercent float64 `yaml:"used_percent"`
}

// ReadHostMemory samples the system memory counters.
func ReadHostMemory() (HostMemory, error) {
	vmem, err := mem.VirtualMemory()
	if err != nil {
		return HostMemory{}, fmt.Errorf("read host memory: %w", err)
	}
	return HostMemory{
		Total:       vmem.Total,
		Available:   vmem.Available,
		UsedPercent: vmem.UsedPercent,
	}, nil
}
