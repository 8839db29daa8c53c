package models

// HealthSnapshot is the device health attached to heartbeats.
type HealthSnapshot struct {
	CPUUsage      *float64 `json:"cpu_usage,omitempty"`
	MemoryUsage   *float64 `json:"memory_usage,omitempty"`
	UptimeSeconds *uint64  `json:"uptime_seconds,omitempty"`
	DiskUsage     *float64 `json:"disk_usage,omitempty"`
}

// HealthConfig selects which health metrics a device reports.
type HealthConfig struct {
	MonitorCPU    bool `yaml:"monitor_cpu"`
	MonitorMemory bool `yaml:"monitor_memory"`
	MonitorUptime bool `yaml:"monitor_uptime"`
	MonitorDisk   bool `yaml:"monitor_disk"`
}
