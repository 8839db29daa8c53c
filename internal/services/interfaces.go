package services

import (
	"context"

	"github.com/benmeehan/hybrid-tracker/internal/constants"
	"github.com/benmeehan/hybrid-tracker/internal/models"
	"github.com/benmeehan/hybrid-tracker/internal/transport"
)

// PointSource captures a point tagged with an event.
type PointSource interface {
	Point(ctx context.Context, event constants.PointEvent) (models.TelemetryPoint, error)
}

// PointDeliverer hands a point to the transport selector.
type PointDeliverer interface {
	Deliver(ctx context.Context, p models.TelemetryPoint) (transport.DeliveryResult, error)
}

// OfflineQueue is the part of the offline store batch sync drains.
type OfflineQueue interface {
	DrainBatch(max int) []models.OfflineQueueEntry
	Acknowledge(sequenceNumbers []uint64) (int, error)
	MarkFailed(sequenceNumbers []uint64) error
	Len() int
}

// BatchUploader posts queued points.
type BatchUploader interface {
	SendBatch(ctx context.Context, points []models.TelemetryPoint) (models.BatchResponse, error)
}

// HeartbeatSender posts heartbeats.
type HeartbeatSender interface {
	SendHeartbeat(ctx context.Context, hb models.Heartbeat) error
}
