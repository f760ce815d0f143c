package agent

import (
	"runtime"

	"github.com/prometheus/procfs"
)

// SampleHost reads load and memory of the branch host. Fields that cannot be
// read (non-Linux hosts, restricted /proc) are left out.
func SampleHost() map[string]any {
	info := map[string]any{
		"cpus":       runtime.NumCPU(),
		"goroutines": runtime.NumGoroutine(),
		"os":         runtime.GOOS,
	}

	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return info
	}

	if avg, err := fs.LoadAvg(); err == nil {
		info["load1"] = avg.Load1
		info["cpu_percent"] = loadPercent(avg.Load1, runtime.NumCPU())
	}
	if mi, err := fs.Meminfo(); err == nil && mi.MemTotal != nil && mi.MemAvailable != nil {
		info["memory_total_kb"] = *mi.MemTotal
		info["memory_percent"] = usedPercent(*mi.MemTotal, *mi.MemAvailable)
	}
	return info
}

// loadPercent normalizes a load average by core count, clamped to 0..100.
func loadPercent(load float64, cpus int) float64 {
	if cpus <= 0 {
		cpus = 1
	}
	return clampPercent(load / float64(cpus) * 100)
}

func usedPercent(totalKB, availableKB uint64) float64 {
	if totalKB == 0 {
		return 0
	}
	return clampPercent((float64(totalKB) - float64(availableKB)) / float64(totalKB) * 100)
}

func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}
