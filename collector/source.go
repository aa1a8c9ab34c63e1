package collector

import (
	"context"
	"fmt"

	"github.com/INLOpen/nexusrelay/core"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Source produces the data of one collector run: a mapping or a list of
// mappings.
type Source interface {
	Collect(ctx context.Context) (core.Value, error)
}

// SystemSource reports CPU, memory and disk usage of the local host.
type SystemSource struct {
	DiskPath string
}

func (s SystemSource) Collect(ctx context.Context) (core.Value, error) {
	m := core.NewMap()
	if info, err := host.InfoWithContext(ctx); err == nil {
		m.Set("host", core.String(info.Hostname))
	}
	percent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return core.Nil(), fmt.Errorf("failed to read cpu usage: %w", err)
	}
	if len(percent) > 0 {
		m.Set("cpu_percent", core.Float(percent[0]))
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return core.Nil(), fmt.Errorf("failed to read memory usage: %w", err)
	}
	m.Set("mem_percent", core.Float(vm.UsedPercent))
	m.Set("mem_used", core.Int(int64(vm.Used)))
	m.Set("mem_total", core.Int(int64(vm.Total)))

	path := s.DiskPath
	if path == "" {
		path = "/"
	}
	du, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return core.Nil(), fmt.Errorf("failed to read disk usage of %s: %w", path, err)
	}
	m.Set("disk_path", core.String(path))
	m.Set("disk_percent", core.Float(du.UsedPercent))
	m.Set("disk_free", core.Int(int64(du.Free)))
	return core.MapValue(m), nil
}

// StaticSource returns the same data on every run.
type StaticSource struct {
	Data core.Value
}

func (s StaticSource) Collect(ctx context.Context) (core.Value, error) {
	return s.Data.Clone(), nil
}

// SourceFunc adapts a function to a Source.
type SourceFunc func(ctx context.Context) (core.Value, error)

func (f SourceFunc) Collect(ctx context.Context) (core.Value, error) { return f(ctx) }
