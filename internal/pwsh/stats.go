package pwsh

import (
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"dlmdiag/internal/domain"
)

// processInfo samples resource usage of pid. Fields that cannot be read
// (the process may be exiting) are left zero.
func processInfo(pid int, started time.Time) (domain.ProcessInfo, error) {
	info := domain.ProcessInfo{PID: pid, StartedAt: started}
	if pid <= 0 {
		return info, fmt.Errorf("invalid pid %d", pid)
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return info, fmt.Errorf("inspect pid %d: %w", pid, err)
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		info.RSSBytes = mem.RSS
	}
	if cpu, err := p.CPUPercent(); err == nil {
		info.CPUPercent = cpu
	}
	if n, err := p.NumThreads(); err == nil {
		info.Threads = n
	}
	return info, nil
}
