// Package memory is an in-process storage.Store for tests and single-node development.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/benmeehan/hybrid-tracker/internal/models"
	"github.com/benmeehan/hybrid-tracker/internal/storage"
)

type Store struct {
	mu        sync.RWMutex
	timelines map[string][]models.TimelineEntry
	keys      map[models.PointKey]string
	devices   map[string]models.DeviceRecord
	states    map[string]models.DeviceState
	geofences map[string][]models.Geofence
	inside    map[string]map[string]bool
	controls  []models.ControlStatus
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		timelines: make(map[string][]models.TimelineEntry),
		keys:      make(map[models.PointKey]string),
		devices:   make(map[string]models.DeviceRecord),
		states:    make(map[string]models.DeviceState),
		geofences: make(map[string][]models.Geofence),
		inside:    make(map[string]map[string]bool),
	}
}

func (s *Store) AppendPoint(_ context.Context, e models.TimelineEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[e.Key()]; ok {
		return false, nil
	}
	s.keys[e.Key()] = e.VehicleID

	tl := s.timelines[e.VehicleID]
	i := sort.Search(len(tl), func(i int) bool { return e.Before(tl[i]) })
	tl = append(tl, models.TimelineEntry{})
	copy(tl[i+1:], tl[i:])
	tl[i] = e
	s.timelines[e.VehicleID] = tl
	return true, nil
}

func (s *Store) MarkEvaluated(_ context.Context, key models.PointKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	vehicleID, ok := s.keys[key]
	if !ok {
		return storage.ErrNotFound
	}
	tl := s.timelines[vehicleID]
	for i := range tl {
		if tl[i].Key() == key {
			tl[i].GeofenceEvaluated = true
			return nil
		}
	}
	return storage.ErrNotFound
}

func (s *Store) Timeline(_ context.Context, vehicleID string, limit int) ([]models.TimelineEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tl := s.timelines[vehicleID]
	if limit > 0 && len(tl) > limit {
		tl = tl[len(tl)-limit:]
	}
	return append([]models.TimelineEntry(nil), tl...), nil
}

func (s *Store) LatestPoint(_ context.Context, vehicleID string) (models.TimelineEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tl := s.timelines[vehicleID]
	if len(tl) == 0 {
		return models.TimelineEntry{}, storage.ErrNotFound
	}
	return tl[len(tl)-1], nil
}

func (s *Store) CreateDevice(_ context.Context, rec models.DeviceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.devices[rec.DeviceID]; ok {
		return storage.ErrConflict
	}
	s.devices[rec.DeviceID] = rec
	return nil
}

func (s *Store) GetDevice(_ context.Context, deviceID string) (models.DeviceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.devices[deviceID]
	if !ok {
		return models.DeviceRecord{}, storage.ErrNotFound
	}
	return rec, nil
}

func (s *Store) UpdateDevice(_ context.Context, rec models.DeviceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.devices[rec.DeviceID]; !ok {
		return storage.ErrNotFound
	}
	s.devices[rec.DeviceID] = rec
	return nil
}

func (s *Store) DevicesByVehicle(_ context.Context, vehicleID string) ([]models.DeviceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.DeviceRecord
	for _, rec := range s.devices {
		if rec.VehicleID == vehicleID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (s *Store) SaveDeviceState(_ context.Context, st models.DeviceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[st.DeviceID] = st
	return nil
}

func (s *Store) DeviceStates(_ context.Context, vehicleID string) ([]models.DeviceState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.DeviceState
	for _, st := range s.states {
		if st.VehicleID == vehicleID {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (s *Store) VehicleIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, rec := range s.devices {
		if rec.VehicleID != "" {
			seen[rec.VehicleID] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) CreateGeofence(_ context.Context, g models.Geofence) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.geofences[g.VehicleID] {
		if existing.ID == g.ID {
			return storage.ErrConflict
		}
	}
	s.geofences[g.VehicleID] = append(s.geofences[g.VehicleID], g)
	return nil
}

func (s *Store) Geofences(_ context.Context, vehicleID string) ([]models.Geofence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Geofence(nil), s.geofences[vehicleID]...), nil
}

func (s *Store) SaveGeofenceStates(_ context.Context, vehicleID string, inside map[string]bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make(map[string]bool, len(inside))
	for id, in := range inside {
		cp[id] = in
	}
	s.inside[vehicleID] = cp
	return nil
}

func (s *Store) GeofenceStates(_ context.Context, vehicleID string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]bool, len(s.inside[vehicleID]))
	for id, in := range s.inside[vehicleID] {
		out[id] = in
	}
	return out, nil
}

func (s *Store) AppendControl(_ context.Context, c models.ControlStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controls = append(s.controls, c)
	return nil
}

func (s *Store) Controls(_ context.Context) ([]models.ControlStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.ControlStatus(nil), s.controls...), nil
}
