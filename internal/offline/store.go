// Package offline implements the on-device durable queue of unsent telemetry.
package offline

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/hybrid-tracker/internal/models"
	"github.com/benmeehan/hybrid-tracker/internal/utils"
	"github.com/benmeehan/hybrid-tracker/pkg/encryption"
	"github.com/benmeehan/hybrid-tracker/pkg/file"
)

const snapshotVersion = 1

var (
	ErrStoreCorrupted  = errors.New("offline store corrupted")
	ErrInvalidCapacity = errors.New("offline store capacity must be positive")
)

// LossHandler is told about entries that were dropped without being delivered.
// lost is nil when the number of dropped entries is unknown.
type LossHandler func(lost []models.OfflineQueueEntry, reason error)

// Config controls where and how much the store keeps.
type Config struct {
	FilePath string
	Capacity int
}

// EnqueueResult describes the side effects of an enqueue.
type EnqueueResult struct {
	Duplicate bool
	Evicted   []models.OfflineQueueEntry
}

type snapshot struct {
	Version int                        `json:"version"`
	Entries []models.OfflineQueueEntry `json:"entries"`
}

// Store is a capacity-bounded FIFO of telemetry points keyed by (device, sequence).
// The whole queue is rewritten encrypted on every mutation so it survives power loss.
type Store struct {
	filePath   string
	capacity   int
	fileClient file.FileOperations
	encryption encryption.EncryptionManagerInterface
	onLoss     LossHandler
	logger     zerolog.Logger
	now        func() time.Time

	mu      sync.Mutex
	entries []models.OfflineQueueEntry
	index   map[models.PointKey]struct{}
}

// Open loads the store from disk. An unreadable or tampered file is discarded,
// reported through onLoss, and replaced with an empty queue.
func Open(cfg Config, fileClient file.FileOperations, enc encryption.EncryptionManagerInterface,
	onLoss LossHandler, logger zerolog.Logger) (*Store, error) {
	if cfg.Capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	if onLoss == nil {
		onLoss = func([]models.OfflineQueueEntry, error) {}
	}

	s := &Store{
		filePath:   cfg.FilePath,
		capacity:   cfg.Capacity,
		fileClient: fileClient,
		encryption: enc,
		onLoss:     onLoss,
		logger:     logger,
		now:        time.Now,
		index:      make(map[models.PointKey]struct{}),
	}

	entries, err := s.load()
	if err != nil {
		s.logger.Error().Err(err).Str("path", s.filePath).Msg("Offline store unreadable, resetting")
		if err := s.persist(nil); err != nil {
			return nil, fmt.Errorf("failed to reset offline store: %w", err)
		}
		s.onLoss(nil, fmt.Errorf("%w: %v", ErrStoreCorrupted, err))
		return s, nil
	}

	for _, e := range entries {
		if _, dup := s.index[e.Point.Key()]; dup {
			continue
		}
		s.index[e.Point.Key()] = struct{}{}
		s.entries = append(s.entries, e)
	}
	if overflow := len(s.entries) - s.capacity; overflow > 0 {
		evicted := s.evictLocked(overflow)
		if err := s.persist(s.entries); err != nil {
			return nil, err
		}
		s.onLoss(evicted, errors.New("capacity reduced below stored entries"))
	}

	s.logger.Info().Int("entries", len(s.entries)).Int("capacity", s.capacity).Msg("Offline store opened")
	return s, nil
}

// Enqueue appends a point, evicting the oldest entries when full. Re-enqueueing a
// point already held is a no-op. It only fails when the store cannot be written,
// in which case the queue is reset and every held entry is reported lost.
func (s *Store) Enqueue(p models.TelemetryPoint) (EnqueueResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.index[p.Key()]; dup {
		return EnqueueResult{Duplicate: true}, nil
	}

	var res EnqueueResult
	if len(s.entries) >= s.capacity {
		res.Evicted = s.evictLocked(len(s.entries) - s.capacity + 1)
	}

	s.entries = append(s.entries, models.OfflineQueueEntry{Point: p, EnqueuedAt: s.now().UTC()})
	s.index[p.Key()] = struct{}{}

	if err := s.commitLocked(); err != nil {
		return res, err
	}

	if len(res.Evicted) > 0 {
		s.logger.Warn().Int("evicted", len(res.Evicted)).Msg("Offline store full, evicted oldest entries")
	}
	return res, nil
}

// DrainBatch returns up to max of the oldest entries without removing them.
func (s *Store) DrainBatch(max int) []models.OfflineQueueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if max <= 0 || len(s.entries) == 0 {
		return nil
	}
	if max > len(s.entries) {
		max = len(s.entries)
	}
	out := make([]models.OfflineQueueEntry, max)
	copy(out, s.entries[:max])
	return out
}

// MarkFailed bumps the retry count of the given sequence numbers.
func (s *Store) MarkFailed(sequenceNumbers []uint64) error {
	if len(sequenceNumbers) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := utils.SliceToSet(sequenceNumbers)
	changed := false
	for i := range s.entries {
		if _, ok := wanted[s.entries[i].Point.SequenceNumber]; ok {
			s.entries[i].RetryCount++
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.commitLocked()
}

// Acknowledge removes the entries the server confirmed and returns how many were removed.
func (s *Store) Acknowledge(sequenceNumbers []uint64) (int, error) {
	if len(sequenceNumbers) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := utils.SliceToSet(sequenceNumbers)
	kept := s.entries[:0]
	removed := 0
	for _, e := range s.entries {
		if _, ok := wanted[e.Point.SequenceNumber]; ok {
			delete(s.index, e.Point.Key())
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept

	if removed == 0 {
		return 0, nil
	}
	if err := s.commitLocked(); err != nil {
		return 0, err
	}
	return removed, nil
}

// Len returns the number of queued entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) evictLocked(n int) []models.OfflineQueueEntry {
	evicted := make([]models.OfflineQueueEntry, n)
	copy(evicted, s.entries[:n])
	for _, e := range evicted {
		delete(s.index, e.Point.Key())
	}
	s.entries = append(s.entries[:0], s.entries[n:]...)
	return evicted
}

// commitLocked persists the queue; on failure the queue is reset and reported lost.
func (s *Store) commitLocked() error {
	err := s.persist(s.entries)
	if err == nil {
		return nil
	}

	lost := s.entries
	s.entries = nil
	s.index = make(map[models.PointKey]struct{})
	if rmErr := s.fileClient.Remove(s.filePath); rmErr != nil {
		s.logger.Error().Err(rmErr).Msg("Failed to remove offline store file during reset")
	}

	s.logger.Error().Err(err).Int("lost", len(lost)).Msg("Offline store write failed, store reset")
	wrapped := fmt.Errorf("%w: %v", ErrStoreCorrupted, err)
	s.onLoss(lost, wrapped)
	return wrapped
}

func (s *Store) load() ([]models.OfflineQueueEntry, error) {
	data, err := s.fileClient.ReadFileRaw(s.filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	plaintext, err := s.encryption.Decrypt(data)
	if err != nil {
		return nil, err
	}

	var snap snapshot
	if err := json.Unmarshal(plaintext, &snap); err != nil {
		return nil, err
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}
	return snap.Entries, nil
}

func (s *Store) persist(entries []models.OfflineQueueEntry) error {
	data, err := json.Marshal(snapshot{Version: snapshotVersion, Entries: entries})
	if err != nil {
		return err
	}
	sealed, err := s.encryption.Encrypt(data)
	if err != nil {
		return err
	}
	return s.fileClient.WriteFileRaw(s.filePath, sealed)
}
