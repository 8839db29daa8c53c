// Package reconciler merges telemetry from both units of a vehicle into one
// ordered, deduplicated timeline and infers primary-unit loss.
//
// Each vehicle is owned by a single writer: its state lives behind its own mutex
// and is loaded from storage on first touch. Different vehicles never contend.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"

	"github.com/benmeehan/hybrid-tracker/internal/constants"
	"github.com/benmeehan/hybrid-tracker/internal/geo"
	"github.com/benmeehan/hybrid-tracker/internal/models"
	"github.com/benmeehan/hybrid-tracker/internal/storage"
)

var (
	ErrUnknownDevice   = errors.New("device is not registered")
	ErrNotOperational  = errors.New("device is not provisioned")
	ErrDeviceMismatch  = errors.New("point does not match the device registration")
	ErrNoBackup        = errors.New("vehicle has no backup unit with an sms address")
	ErrUnknownVehicle  = errors.New("vehicle has no registered devices")
	ErrNoLocation      = errors.New("vehicle has no recorded location")
	ErrDirectiveFailed = errors.New("directive could not be sent")
)

// Outcome is the per-point result of ingestion.
type Outcome string

const (
	OutcomeAccepted  Outcome = constants.IngestStatusAccepted
	OutcomeDuplicate Outcome = constants.IngestStatusDuplicate
	OutcomeRejected  Outcome = constants.IngestStatusRejected
	OutcomeRetry     Outcome = constants.IngestStatusRetry
)

// Publisher receives every event the reconciler emits.
type Publisher interface {
	Publish(ctx context.Context, ev models.Event)
}

// DirectiveSender delivers an authenticated directive to a backup unit over SMS.
type DirectiveSender interface {
	SendDirective(ctx context.Context, deviceID, smsAddress string, kind constants.DirectiveKind) error
}

// LatestCache mirrors the newest timeline entry of each vehicle.
type LatestCache interface {
	SetLatest(ctx context.Context, e models.TimelineEntry) error
	Latest(ctx context.Context, vehicleID string) (models.TimelineEntry, error)
}

type Config struct {
	ClockTolerance    time.Duration
	HeartbeatInterval time.Duration
	MissedHeartbeats  int
	WakeOnLoss        bool
	WakeOnTamper      bool
	MaxWakeAttempts   int
	CheckWorkers      int
	// TailSize bounds the timeline entries, and the sequence marks per device,
	// each vehicle keeps in memory. Older points are deduplicated by the store.
	TailSize int
}

func (c *Config) applyDefaults() {
	if c.ClockTolerance <= 0 {
		c.ClockTolerance = constants.DefaultClockTolerance
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = constants.DefaultHeartbeatInterval
	}
	if c.MissedHeartbeats <= 0 {
		c.MissedHeartbeats = constants.DefaultMissedHeartbeats
	}
	if c.MaxWakeAttempts <= 0 {
		c.MaxWakeAttempts = constants.DefaultWakeAttempts
	}
	if c.CheckWorkers <= 0 {
		c.CheckWorkers = 4
	}
	if c.TailSize <= 0 {
		c.TailSize = constants.DefaultTimelineTail
	}
}

// LossThreshold is how long an active primary may stay silent before it is
// inferred offline.
func (c Config) LossThreshold() time.Duration {
	return time.Duration(c.MissedHeartbeats) * c.HeartbeatInterval
}

type Reconciler struct {
	cfg       Config
	store     storage.Store
	publisher Publisher
	sms       DirectiveSender
	cache     LatestCache
	logger    zerolog.Logger

	vehicles cmap.ConcurrentMap[string, *vehicle]
	devices  cmap.ConcurrentMap[string, models.DeviceRecord]
}

// New builds a reconciler. cache may be nil.
func New(cfg Config, store storage.Store, publisher Publisher, sms DirectiveSender, cache LatestCache, logger zerolog.Logger) *Reconciler {
	cfg.applyDefaults()
	return &Reconciler{
		cfg:       cfg,
		store:     store,
		publisher: publisher,
		sms:       sms,
		cache:     cache,
		logger:    logger,
		vehicles:  cmap.New[*vehicle](),
		devices:   cmap.New[models.DeviceRecord](),
	}
}

func (r *Reconciler) Config() Config { return r.cfg }

type seqMark struct {
	seq   uint64
	order time.Time
}

// vehicle is the in-memory state of one vehicle. Every field is guarded by mu.
type vehicle struct {
	mu     sync.Mutex
	id     string
	loaded bool
	limit  int

	// timeline is the most recent part of the vehicle timeline, at most limit entries.
	timeline []models.TimelineEntry
	// seqs holds, per device, the order times of its highest sequence numbers
	// sorted by sequence number, at most limit marks.
	seqs      map[string][]seqMark
	states    map[string]*models.DeviceState
	fences    []models.Geofence
	geofences *geo.Tracker
}

func newVehicle(id string, limit int) *vehicle {
	return &vehicle{
		id:        id,
		limit:     limit,
		seqs:      make(map[string][]seqMark),
		states:    make(map[string]*models.DeviceState),
		geofences: geo.NewTracker(),
	}
}

// lockVehicle returns the vehicle locked and hydrated. Callers must unlock it.
func (r *Reconciler) lockVehicle(ctx context.Context, vehicleID string) (*vehicle, error) {
	v, ok := r.vehicles.Get(vehicleID)
	if !ok {
		r.vehicles.SetIfAbsent(vehicleID, newVehicle(vehicleID, r.cfg.TailSize))
		v, _ = r.vehicles.Get(vehicleID)
	}
	v.mu.Lock()
	if !v.loaded {
		if err := r.hydrate(ctx, v); err != nil {
			v.mu.Unlock()
			return nil, err
		}
		v.loaded = true
	}
	return v, nil
}

// hydrate loads the tail of a vehicle from storage and finishes geofence
// evaluation of any entry in it that was recorded but not evaluated.
func (r *Reconciler) hydrate(ctx context.Context, v *vehicle) error {
	timeline, err := r.store.Timeline(ctx, v.id, v.limit)
	if err != nil {
		return fmt.Errorf("failed to load timeline of %s: %w", v.id, err)
	}
	states, err := r.store.DeviceStates(ctx, v.id)
	if err != nil {
		return fmt.Errorf("failed to load device states of %s: %w", v.id, err)
	}
	fences, err := r.store.Geofences(ctx, v.id)
	if err != nil {
		return fmt.Errorf("failed to load geofences of %s: %w", v.id, err)
	}
	inside, err := r.store.GeofenceStates(ctx, v.id)
	if err != nil {
		return fmt.Errorf("failed to load geofence states of %s: %w", v.id, err)
	}

	v.timeline = timeline
	v.fences = fences
	v.geofences.Restore(inside)
	for i := range states {
		st := states[i]
		v.states[st.DeviceID] = &st
	}
	for _, e := range timeline {
		v.addMark(e.DeviceID, e.SequenceNumber, e.OrderTime)
		if st, ok := v.states[e.DeviceID]; ok && e.SequenceNumber > st.LastSequence {
			st.LastSequence = e.SequenceNumber
		}
	}

	lastEvaluated := -1
	for i, e := range timeline {
		if e.GeofenceEvaluated {
			lastEvaluated = i
		}
	}
	var replayed []models.PointKey
	for i := range v.timeline {
		e := &v.timeline[i]
		if e.GeofenceEvaluated {
			continue
		}
		if i > lastEvaluated {
			for _, t := range v.geofences.Evaluate(v.fences, models.Coordinate{Lat: e.Lat, Lng: e.Lng}) {
				r.publishGeofenceAlert(ctx, v.id, *e, t)
			}
		}
		e.GeofenceEvaluated = true
		replayed = append(replayed, e.Key())
	}
	if len(replayed) == 0 {
		return nil
	}

	if err := r.store.SaveGeofenceStates(ctx, v.id, v.geofences.States()); err != nil {
		return fmt.Errorf("failed to save geofence states of %s: %w", v.id, err)
	}
	for _, key := range replayed {
		if err := r.store.MarkEvaluated(ctx, key); err != nil {
			return fmt.Errorf("failed to mark %s evaluated: %w", key, err)
		}
	}
	r.logger.Info().Str("vehicle_id", v.id).Int("entries", len(replayed)).Msg("Replayed geofence evaluation")
	return nil
}

// hasSeq reports whether the device already has a point with this sequence number.
func (v *vehicle) hasSeq(deviceID string, seq uint64) bool {
	marks := v.seqs[deviceID]
	i := sort.Search(len(marks), func(i int) bool { return marks[i].seq >= seq })
	return i < len(marks) && marks[i].seq == seq
}

// clamp keeps a device's points in sequence order on the timeline: the order time
// of seq is bounded by those of its neighbouring sequence numbers.
func (v *vehicle) clamp(deviceID string, seq uint64, order time.Time) time.Time {
	marks := v.seqs[deviceID]
	i := sort.Search(len(marks), func(i int) bool { return marks[i].seq >= seq })
	if i > 0 && order.Before(marks[i-1].order) {
		order = marks[i-1].order
	}
	if i < len(marks) && order.After(marks[i].order) {
		order = marks[i].order
	}
	return order
}

func (v *vehicle) addMark(deviceID string, seq uint64, order time.Time) {
	marks := v.seqs[deviceID]
	i := sort.Search(len(marks), func(i int) bool { return marks[i].seq >= seq })
	marks = append(marks, seqMark{})
	copy(marks[i+1:], marks[i:])
	marks[i] = seqMark{seq: seq, order: order}
	if n := len(marks) - v.limit; v.limit > 0 && n > 0 {
		marks = marks[:copy(marks, marks[n:])]
	}
	v.seqs[deviceID] = marks
}

// insert places e in timeline order and reports whether it became the tail.
func (v *vehicle) insert(e models.TimelineEntry) bool {
	i := sort.Search(len(v.timeline), func(i int) bool { return !v.timeline[i].Before(e) })
	tail := i == len(v.timeline)
	v.timeline = append(v.timeline, models.TimelineEntry{})
	copy(v.timeline[i+1:], v.timeline[i:])
	v.timeline[i] = e
	if n := len(v.timeline) - v.limit; v.limit > 0 && n > 0 {
		v.timeline = v.timeline[:copy(v.timeline, v.timeline[n:])]
	}
	return tail
}

func (v *vehicle) markEvaluated(key models.PointKey) {
	for i := len(v.timeline) - 1; i >= 0; i-- {
		if v.timeline[i].Key() == key {
			v.timeline[i].GeofenceEvaluated = true
			return
		}
	}
}

// state returns the device's state, creating it from the registry record.
func (v *vehicle) state(rec models.DeviceRecord) *models.DeviceState {
	if st, ok := v.states[rec.DeviceID]; ok {
		return st
	}
	mode := constants.ModeActive
	if rec.Role == constants.RoleBackup {
		mode = constants.ModeSleeping
	}
	st := &models.DeviceState{
		DeviceID:     rec.DeviceID,
		VehicleID:    rec.VehicleID,
		Role:         rec.Role,
		Connectivity: constants.ConnectivityUnknown,
		Mode:         mode,
		SMSAddress:   rec.SMSAddress,
	}
	v.states[rec.DeviceID] = st
	return st
}

// device resolves an operational registry record. Operational records do not
// change, so they are cached.
func (r *Reconciler) device(ctx context.Context, deviceID string) (models.DeviceRecord, error) {
	if rec, ok := r.devices.Get(deviceID); ok {
		return rec, nil
	}
	rec, err := r.store.GetDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.DeviceRecord{}, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
		}
		return models.DeviceRecord{}, err
	}
	if rec.Stage != models.StageOperational {
		return models.DeviceRecord{}, fmt.Errorf("%w: %s is %s", ErrNotOperational, deviceID, rec.Stage)
	}
	r.devices.Set(deviceID, rec)
	return rec, nil
}

// ForgetDevice drops a cached registry record after the registry changes it.
func (r *Reconciler) ForgetDevice(deviceID string) {
	r.devices.Remove(deviceID)
}

func (r *Reconciler) saveState(ctx context.Context, st *models.DeviceState) error {
	if err := r.store.SaveDeviceState(ctx, *st); err != nil {
		return fmt.Errorf("failed to save state of %s: %w", st.DeviceID, err)
	}
	return nil
}

func (r *Reconciler) publish(ctx context.Context, vehicleID string, typ constants.EventType, at time.Time, data any) {
	if r.publisher == nil {
		return
	}
	r.publisher.Publish(ctx, models.Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Topic:     constants.LocationTopic(vehicleID),
		VehicleID: vehicleID,
		Timestamp: at,
		Data:      data,
	})
}
