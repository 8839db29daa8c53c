package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/pgxscan"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"

	"github.com/benmeehan/hybrid-tracker/internal/constants"
	"github.com/benmeehan/hybrid-tracker/internal/models"
	"github.com/benmeehan/hybrid-tracker/internal/storage"
)

type geofenceRow struct {
	ID        string    `db:"id"`
	VehicleID string    `db:"vehicle_id"`
	OwnerID   string    `db:"owner_id"`
	Name      string    `db:"name"`
	Shape     string    `db:"shape"`
	CenterLat float64   `db:"center_lat"`
	CenterLng float64   `db:"center_lng"`
	RadiusM   float64   `db:"radius_m"`
	Polygon   []byte    `db:"polygon"`
	Active    bool      `db:"active"`
	CreatedAt time.Time `db:"created_at"`
}

func (r geofenceRow) geofence() (models.Geofence, error) {
	g := models.Geofence{
		ID:        r.ID,
		VehicleID: r.VehicleID,
		OwnerID:   r.OwnerID,
		Name:      r.Name,
		Shape:     constants.GeofenceShape(r.Shape),
		Center:    models.Coordinate{Lat: r.CenterLat, Lng: r.CenterLng},
		RadiusM:   r.RadiusM,
		Active:    r.Active,
		CreatedAt: r.CreatedAt.UTC(),
	}
	if len(r.Polygon) > 0 {
		if err := json.Unmarshal(r.Polygon, &g.Polygon); err != nil {
			return models.Geofence{}, err
		}
	}
	if len(g.Polygon) == 0 {
		g.Polygon = nil
	}
	return g, nil
}

func (db *DB) CreateGeofence(ctx context.Context, g models.Geofence) error {
	const fn = "DB:CreateGeofence"
	polygon := g.Polygon
	if polygon == nil {
		polygon = []models.Coordinate{}
	}
	polygonJSON, err := json.Marshal(polygon)
	if err != nil {
		return fmt.Errorf("%s:%w", fn, err)
	}
	_, err = db.pool.Exec(ctx, `
		INSERT INTO geofences (id, vehicle_id, owner_id, name, shape, center_lat, center_lng, radius_m, polygon, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, g.ID, g.VehicleID, g.OwnerID, g.Name, string(g.Shape), g.Center.Lat, g.Center.Lng, g.RadiusM,
		string(polygonJSON), g.Active, g.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%s:%w", fn, storage.ErrConflict)
		}
		return fmt.Errorf("%s:%w:%w", fn, ErrInsertFailed, err)
	}
	return nil
}

func (db *DB) Geofences(ctx context.Context, vehicleID string) ([]models.Geofence, error) {
	const fn = "DB:Geofences"
	var rows []geofenceRow
	err := pgxscan.Select(ctx, db.pool, &rows, `
		SELECT id, vehicle_id, owner_id, name, shape, center_lat, center_lng, radius_m, polygon, active, created_at
		FROM geofences
		WHERE vehicle_id = $1
		ORDER BY created_at, id
	`, vehicleID)
	if err != nil {
		return nil, fmt.Errorf("%s:%w:%w", fn, ErrSelectFailed, err)
	}
	out := make([]models.Geofence, 0, len(rows))
	for _, r := range rows {
		g, err := r.geofence()
		if err != nil {
			return nil, fmt.Errorf("%s:%w:%w", fn, ErrSelectFailed, err)
		}
		out = append(out, g)
	}
	return out, nil
}

// SaveGeofenceStates upserts the inside flags of a vehicle in one transaction.
func (db *DB) SaveGeofenceStates(ctx context.Context, vehicleID string, inside map[string]bool) error {
	const fn = "DB:SaveGeofenceStates"
	if len(inside) == 0 {
		return nil
	}
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%s:%w:%w", fn, ErrTransactionStartFailed, err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for id, in := range inside {
		batch.Queue(`
			INSERT INTO geofence_states (vehicle_id, geofence_id, inside) VALUES ($1, $2, $3)
			ON CONFLICT (vehicle_id, geofence_id) DO UPDATE SET inside = EXCLUDED.inside
		`, vehicleID, id, in)
	}
	br := tx.SendBatch(ctx, batch)
	for range inside {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("%s:%w:%w", fn, ErrUpdateFailed, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("%s:%w:%w", fn, ErrUpdateFailed, err)
	}
	return tx.Commit(ctx)
}

func (db *DB) GeofenceStates(ctx context.Context, vehicleID string) (map[string]bool, error) {
	const fn = "DB:GeofenceStates"
	var rows []struct {
		GeofenceID string `db:"geofence_id"`
		Inside     bool   `db:"inside"`
	}
	err := pgxscan.Select(ctx, db.pool, &rows, `
		SELECT geofence_id, inside FROM geofence_states WHERE vehicle_id = $1
	`, vehicleID)
	if err != nil {
		return nil, fmt.Errorf("%s:%w:%w", fn, ErrSelectFailed, err)
	}
	out := make(map[string]bool, len(rows))
	for _, r := range rows {
		out[r.GeofenceID] = r.Inside
	}
	return out, nil
}
