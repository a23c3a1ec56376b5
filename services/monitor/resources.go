package monitor

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/disk"
	"github.com/shirou/gopsutil/mem"
)

// Resources is one sample of host utilisation, in percent.
type Resources struct {
	CPUPercent    float64
	MemoryPercent float64
	DiskPercent   float64
}

type ResourceSampler interface {
	Sample(ctx context.Context) (Resources, error)
}

// HostSampler reads host utilisation through gopsutil.
type HostSampler struct {
	DiskPath string
}

func NewHostSampler(diskPath string) *HostSampler {
	if diskPath == "" {
		diskPath = "/"
	}
	return &HostSampler{DiskPath: diskPath}
}

func (h *HostSampler) Sample(ctx context.Context) (Resources, error) {
	var r Resources

	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return r, fmt.Errorf("cpu: %w", err)
	}
	if len(percents) > 0 {
		r.CPUPercent = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return r, fmt.Errorf("memory: %w", err)
	}
	r.MemoryPercent = vm.UsedPercent

	usage, err := disk.UsageWithContext(ctx, h.DiskPath)
	if err != nil {
		return r, fmt.Errorf("disk %s: %w", h.DiskPath, err)
	}
	r.DiskPercent = usage.UsedPercent
	return r, nil
}
