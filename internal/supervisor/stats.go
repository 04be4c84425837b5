package supervisor

import (
	"fmt"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessStats is a point-in-time resource snapshot of the live transcoder.
type ProcessStats struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
}

// Stats samples CPU and memory usage of the running process.
func (s *Supervisor) Stats() (*ProcessStats, error) {
	if s.cmd == nil || s.cmd.Process == nil {
		return nil, fmt.Errorf("process not started")
	}
	if status := s.Poll(); !status.Alive {
		return nil, fmt.Errorf("process not running")
	}

	proc, err := process.NewProcess(int32(s.cmd.Process.Pid))
	if err != nil {
		return nil, fmt.Errorf("failed to open process %d: %w", s.cmd.Process.Pid, err)
	}

	stats := &ProcessStats{}
	if cpu, err := proc.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		stats.RSSBytes = mem.RSS
	}
	return stats, nil
}
