package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/hybrid-tracker/internal/constants"
	"github.com/benmeehan/hybrid-tracker/internal/models"
)

// BatchSyncService drains the offline store to the batch endpoint. Entries are only
// removed once the server reports them accepted, duplicate or rejected.
type BatchSyncService struct {
	interval  time.Duration
	batchSize int
	queue     OfflineQueue
	uploader  BatchUploader
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBatchSyncService initializes a new BatchSyncService.
func NewBatchSyncService(interval time.Duration, batchSize int, queue OfflineQueue, uploader BatchUploader,
	logger zerolog.Logger) *BatchSyncService {
	if batchSize <= 0 || batchSize > constants.MaxBatchPoints {
		batchSize = constants.MaxBatchPoints
	}
	return &BatchSyncService{
		interval:  interval,
		batchSize: batchSize,
		queue:     queue,
		uploader:  uploader,
		logger:    logger,
	}
}

// Start launches the drain loop.
func (b *BatchSyncService) Start() error {
	if b.ctx != nil {
		b.logger.Warn().Msg("BatchSyncService is already running")
		return errors.New("batch sync service is already running")
	}

	b.ctx, b.cancel = context.WithCancel(context.Background())

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.run()
	}()

	b.logger.Info().Dur("interval", b.interval).Int("batch_size", b.batchSize).Msg("BatchSyncService started successfully")
	return nil
}

// Stop gracefully stops the drain loop.
func (b *BatchSyncService) Stop() error {
	if b.ctx == nil {
		b.logger.Warn().Msg("BatchSyncService is not running")
		return errors.New("batch sync service is not running")
	}

	b.cancel()
	b.wg.Wait()

	b.ctx = nil
	b.cancel = nil

	b.logger.Info().Msg("BatchSyncService stopped successfully")
	return nil
}

func (b *BatchSyncService) run() {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if b.queue.Len() == 0 {
				continue
			}
			if sent, err := b.SyncOnce(b.ctx); err != nil {
				b.logger.Warn().Err(err).Int("sent", sent).Msg("Batch sync interrupted")
			}
		case <-b.ctx.Done():
			b.logger.Info().Msg("BatchSyncService stopping gracefully")
			return
		}
	}
}

// SyncOnce uploads batches until the queue is empty or an upload fails, and
// returns how many entries left the queue.
func (b *BatchSyncService) SyncOnce(ctx context.Context) (int, error) {
	total := 0
	for {
		entries := b.queue.DrainBatch(b.batchSize)
		if len(entries) == 0 {
			return total, nil
		}

		points := make([]models.TelemetryPoint, len(entries))
		seqs := make([]uint64, len(entries))
		for i, e := range entries {
			points[i] = e.Point
			points[i].Channel = constants.ChannelBatchSync
			seqs[i] = e.Point.SequenceNumber
		}

		resp, err := b.uploader.SendBatch(ctx, points)
		if err != nil {
			if markErr := b.queue.MarkFailed(seqs); markErr != nil {
				b.logger.Error().Err(markErr).Msg("Failed to record batch failure")
			}
			return total, fmt.Errorf("batch upload failed: %w", err)
		}

		done := resp.Acknowledged()
		for _, r := range resp.Results {
			if r.Status == constants.IngestStatusRejected {
				b.logger.Error().Uint64("seq", r.SequenceNumber).Str("reason", r.Error).
					Msg("Server rejected queued point, dropping it")
				done = append(done, r.SequenceNumber)
			}
		}

		removed, err := b.queue.Acknowledge(done)
		if err != nil {
			return total, err
		}
		total += removed
		b.logger.Info().Int("sent", len(points)).Int("removed", removed).Int("remaining", b.queue.Len()).
			Msg("Offline batch synced")

		if removed == 0 || len(entries) < b.batchSize {
			return total, nil
		}
	}
}
