package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/benmeehan/hybrid-tracker/internal/constants"
)

var ErrInvalidGeofence = errors.New("invalid geofence")

// Coordinate is a WGS84 position.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Geofence is an owner-defined boundary evaluated against every point of a vehicle.
type Geofence struct {
	ID        string                  `json:"id" db:"id"`
	VehicleID string                  `json:"vehicle_id" db:"vehicle_id"`
	OwnerID   string                  `json:"owner_id" db:"owner_id"`
	Name      string                  `json:"name" db:"name"`
	Shape     constants.GeofenceShape `json:"shape" db:"shape"`
	Center    Coordinate              `json:"center,omitempty" db:"-"`
	RadiusM   float64                 `json:"radius_m,omitempty" db:"radius_m"`
	Polygon   []Coordinate            `json:"polygon,omitempty" db:"-"`
	Active    bool                    `json:"active" db:"active"`
	CreatedAt time.Time               `json:"created_at" db:"created_at"`
}

// Validate checks the boundary parameters for the geofence shape.
func (g Geofence) Validate() error {
	if g.VehicleID == "" {
		return fmt.Errorf("%w: vehicle_id is required", ErrInvalidGeofence)
	}
	switch g.Shape {
	case constants.ShapeCircle:
		if g.RadiusM <= 0 {
			return fmt.Errorf("%w: radius_m must be positive", ErrInvalidGeofence)
		}
	case constants.ShapePolygon:
		if len(g.Polygon) < 3 {
			return fmt.Errorf("%w: polygon needs at least 3 vertices", ErrInvalidGeofence)
		}
	default:
		return fmt.Errorf("%w: unknown shape %q", ErrInvalidGeofence, g.Shape)
	}
	return nil
}
