package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/benmeehan/hybrid-tracker/internal/models"
	"github.com/benmeehan/hybrid-tracker/internal/storage"
)

// Location returns the newest timeline entry of a vehicle, preferring the cache.
func (r *Reconciler) Location(ctx context.Context, vehicleID string) (models.TimelineEntry, error) {
	if r.cache != nil {
		e, err := r.cache.Latest(ctx, vehicleID)
		if err == nil {
			return e, nil
		}
	}
	e, err := r.store.LatestPoint(ctx, vehicleID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.TimelineEntry{}, fmt.Errorf("%w: %s", ErrNoLocation, vehicleID)
		}
		return models.TimelineEntry{}, err
	}
	return e, nil
}

// Timeline returns the vehicle timeline in order; limit <= 0 returns all of it.
func (r *Reconciler) Timeline(ctx context.Context, vehicleID string, limit int) ([]models.TimelineEntry, error) {
	return r.store.Timeline(ctx, vehicleID, limit)
}

// AddGeofence stores a new geofence and evaluates it from the vehicle's next point on.
func (r *Reconciler) AddGeofence(ctx context.Context, g models.Geofence) (models.Geofence, error) {
	if err := g.Validate(); err != nil {
		return models.Geofence{}, err
	}
	g.ID = uuid.NewString()
	g.Active = true
	g.CreatedAt = time.Now().UTC()

	v, err := r.lockVehicle(ctx, g.VehicleID)
	if err != nil {
		return models.Geofence{}, err
	}
	defer v.mu.Unlock()

	if err := r.store.CreateGeofence(ctx, g); err != nil {
		return models.Geofence{}, err
	}
	v.fences = append(v.fences, g)
	r.logger.Info().Str("vehicle_id", g.VehicleID).Str("geofence_id", g.ID).Str("shape", string(g.Shape)).Msg("Geofence added")
	return g, nil
}

func (r *Reconciler) Geofences(ctx context.Context, vehicleID string) ([]models.Geofence, error) {
	return r.store.Geofences(ctx, vehicleID)
}

// DeviceStates returns the server's view of each unit of a vehicle.
func (r *Reconciler) DeviceStates(ctx context.Context, vehicleID string) ([]models.DeviceState, error) {
	v, err := r.lockVehicle(ctx, vehicleID)
	if err != nil {
		return nil, err
	}
	defer v.mu.Unlock()

	out := make([]models.DeviceState, 0, len(v.states))
	for _, st := range v.states {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}
