package metrics

import (
	"fmt"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessSample holds CPU and memory figures for the supervised child.
type ProcessSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

var (
	childCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "child",
		Name:      "cpu_percent",
		Help:      "CPU usage percentage of the cloudflared child.",
	})
	childMemoryBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "child",
		Name:      "memory_rss_bytes",
		Help:      "Resident memory of the cloudflared child.",
	})
	childNumThreads = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "child",
		Name:      "num_threads",
		Help:      "Number of threads of the cloudflared child.",
	})
	childNumFDs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "child",
		Name:      "num_fds",
		Help:      "Number of open file descriptors of the cloudflared child (Unix only).",
	})
)

// Sample reads resource usage of pid. CPU and thread failures degrade to zero;
// a missing process or unreadable memory info is an error.
func Sample(pid int) (ProcessSample, error) {
	if pid <= 0 {
		return ProcessSample{}, fmt.Errorf("invalid pid %d", pid)
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return ProcessSample{}, fmt.Errorf("failed to create process handle: %w", err)
	}

	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		cpuPercent = 0
	}

	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return ProcessSample{}, fmt.Errorf("failed to get memory info: %w", err)
	}

	numThreads, err := proc.NumThreads()
	if err != nil {
		numThreads = 0
	}

	s := ProcessSample{
		PID:        int32(pid),
		CPUPercent: cpuPercent,
		MemoryMB:   float64(memInfo.RSS) / 1024 / 1024,
		MemoryRSS:  memInfo.RSS,
		MemoryVMS:  memInfo.VMS,
		NumThreads: numThreads,
		Timestamp:  time.Now().UTC(),
	}
	if runtime.GOOS != "windows" {
		if numFDs, err := proc.NumFDs(); err == nil {
			s.NumFDs = numFDs
		}
	}
	return s, nil
}

// ObserveChild publishes a sample to the child gauges.
func ObserveChild(s ProcessSample) {
	if !regOK.Load() {
		return
	}
	childCPUPercent.Set(s.CPUPercent)
	childMemoryBytes.Set(float64(s.MemoryRSS))
	childNumThreads.Set(float64(s.NumThreads))
	if runtime.GOOS != "windows" {
		childNumFDs.Set(float64(s.NumFDs))
	}
}

// ClearChild zeroes the child gauges once no process is running.
func ClearChild() {
	ObserveChild(ProcessSample{})
}
