package monitor

import (
	"runtime"
	"sync"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// HostStats 主机与进程资源快照
type HostStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	Cores         int     `json:"cores"`
	MemTotalBytes uint64  `json:"mem_total_bytes"`
	MemUsedBytes  uint64  `json:"mem_used_bytes"`
	MemPercent    float64 `json:"mem_percent"`
	Load1         float64 `json:"load1"`
	Load5         float64 `json:"load5"`
	Load15        float64 `json:"load15"`
	ProcessRSS    uint64  `json:"process_rss"`
	Goroutines    int     `json:"goroutines"`
}

// Sampler 采集主机资源
type Sampler interface {
	Sample() (*HostStats, error)
}

// HostSampler 基于 gopsutil 的采集器
type HostSampler struct {
	mu   sync.Mutex
	proc *process.Process
}

// NewHostSampler creates a sampler for the host and the current process
func NewHostSampler(pid int32) *HostSampler {
	s := &HostSampler{}
	if p, err := process.NewProcess(pid); err == nil {
		s.proc = p
	}
	return s
}

// Sample 采集一次，单项失败时该项保持零值
func (s *HostSampler) Sample() (*HostStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &HostStats{Goroutines: runtime.NumGoroutine()}

	// 距上次调用的 CPU 使用率
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		stats.CPUPercent = pct[0]
	}
	if n, err := cpu.Counts(true); err == nil {
		stats.Cores = n
	} else {
		stats.Cores = runtime.NumCPU()
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return nil, err
	}
	stats.MemTotalBytes = vm.Total
	stats.MemUsedBytes = vm.Used
	stats.MemPercent = vm.UsedPercent

	// Windows 不支持 load
	if avg, err := load.Avg(); err == nil && avg != nil {
		stats.Load1 = avg.Load1
		stats.Load5 = avg.Load5
		stats.Load15 = avg.Load15
	}

	if s.proc != nil {
		if info, err := s.proc.MemoryInfo(); err == nil && info != nil {
			stats.ProcessRSS = info.RSS
		}
	}

	return stats, nil
}
