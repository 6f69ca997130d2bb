package client

import "time"

// Status mirrors GET /status of a running tunnelwatch.
type Status struct {
	State               string       `json:"state"`
	URL                 string       `json:"url,omitempty"`
	PID                 int          `json:"pid"`
	Restarts            int          `json:"restarts"`
	NotificationsSent   int          `json:"notifications_sent"`
	NotificationsFailed int          `json:"notifications_failed"`
	StallWarnings       int          `json:"stall_warnings"`
	LastNotifiedAt      *time.Time   `json:"last_notified_at,omitempty"`
	StartedAt           time.Time    `json:"started_at"`
	Child               *ChildSample `json:"child,omitempty"`
}

// ChildSample is the cloudflared resource usage reported with the status.
type ChildSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Health mirrors GET /healthz.
type Health struct {
	OK    bool   `json:"ok"`
	State string `json:"state"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
