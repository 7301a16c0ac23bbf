package load

import (
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// HostSampler reads host-wide CPU and memory usage via gopsutil.
type HostSampler struct{}

// NewHostSampler returns a Sampler backed by the OS.
func NewHostSampler() *HostSampler {
	return &HostSampler{}
}

// Usage returns the instantaneous CPU percentage (since the previous call)
// and the bytes of memory currently in use.
func (s *HostSampler) Usage() (float64, uint64, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return 0, 0, fmt.Errorf("sample cpu: %w", err)
	}
	var cpuPct float64
	if len(percents) > 0 {
		cpuPct = percents[0]
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, fmt.Errorf("sample memory: %w", err)
	}
	return cpuPct, vm.Used, nil
}
