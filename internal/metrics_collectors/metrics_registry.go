package metrics_collectors

import (
	"context"

	"github.com/benmeehan/hybrid-tracker/internal/models"
)

// The registry will manage all metric collectors and provide a way to add/remove them dynamically.
type MetricsRegistry struct {
	collectors map[string]MetricCollector
}

// NewMetricsRegistry creates a new MetricsRegistry instance.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		collectors: make(map[string]MetricCollector),
	}
}

// Register adds a new metric collector to the registry.
func (r *MetricsRegistry) Register(collector MetricCollector) {
	r.collectors[collector.Name()] = collector
}

// GetCollectors returns all the metric collectors registered in the registry.
func (r *MetricsRegistry) GetCollectors() map[string]MetricCollector {
	return r.collectors
}

// Snapshot collects every enabled metric into a health snapshot. It returns nil
// when nothing is enabled.
func (r *MetricsRegistry) Snapshot(ctx context.Context, config models.HealthConfig) *models.HealthSnapshot {
	var snap models.HealthSnapshot
	collected := false
	for name, c := range r.collectors {
		if !c.IsEnabled(config) {
			continue
		}
		switch v := c.Collect(ctx).(type) {
		case *float64:
			switch name {
			case "cpu":
				snap.CPUUsage = v
			case "memory":
				snap.MemoryUsage = v
			case "disk":
				snap.DiskUsage = v
			default:
				continue
			}
			collected = true
		case *uint64:
			if name == "uptime" {
				snap.UptimeSeconds = v
				collected = true
			}
		}
	}
	if !collected {
		return nil
	}
	return &snap
}
