package metrics_collectors

import (
	"context"

	"github.com/benmeehan/hybrid-tracker/internal/models"
)

// MetricCollector defines the interface for collecting a specific metric.
type MetricCollector interface {
	Name() string                               // Name of the metric (e.g., "cpu", "memory")
	Collect(ctx context.Context) any            // Collect the metric data, nil on failure
	IsEnabled(config models.HealthConfig) bool  // Check if the metric is enabled in the config
	Unit() string                               // Unit of the metric (e.g., "percentage", "seconds")
	Description() string                        // Description of the metric
}
