// Package geo evaluates geofence containment and detects boundary transitions.
package geo

import (
	"math"

	"github.com/benmeehan/hybrid-tracker/internal/constants"
	"github.com/benmeehan/hybrid-tracker/internal/models"
)

const earthRadiusM = 6371008.8

// DistanceM returns the great-circle distance between a and b in metres.
func DistanceM(a, b models.Coordinate) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := lat2 - lat1
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusM * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Contains reports whether p lies inside g. Points on a circle's edge are inside.
func Contains(g models.Geofence, p models.Coordinate) bool {
	switch g.Shape {
	case constants.ShapeCircle:
		return DistanceM(g.Center, p) <= g.RadiusM
	case constants.ShapePolygon:
		return inPolygon(g.Polygon, p)
	}
	return false
}

// inPolygon is an even-odd ray cast in plain lat/lng space, which is accurate
// enough for fences of a few kilometres that do not cross the antimeridian.
func inPolygon(poly []models.Coordinate, p models.Coordinate) bool {
	if len(poly) < 3 {
		return false
	}
	inside := false
	j := len(poly) - 1
	for i := range poly {
		vi, vj := poly[i], poly[j]
		if (vi.Lat > p.Lat) != (vj.Lat > p.Lat) {
			crossLng := vi.Lng + (p.Lat-vi.Lat)*(vj.Lng-vi.Lng)/(vj.Lat-vi.Lat)
			if p.Lng < crossLng {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}

// Transition is a boundary crossing of one geofence.
type Transition struct {
	Geofence models.Geofence
	Type     constants.AlertType
}

// Tracker remembers, per geofence, whether the vehicle was last seen inside. It is
// not safe for concurrent use; the reconciler holds one per vehicle under its lock.
type Tracker struct {
	inside map[string]bool
}

func NewTracker() *Tracker {
	return &Tracker{inside: make(map[string]bool)}
}

// Restore seeds the tracker with persisted states.
func (t *Tracker) Restore(states map[string]bool) {
	for id, in := range states {
		t.inside[id] = in
	}
}

// States returns a copy of the per-geofence inside flags.
func (t *Tracker) States() map[string]bool {
	out := make(map[string]bool, len(t.inside))
	for id, in := range t.inside {
		out[id] = in
	}
	return out
}

// Forget drops the state of a geofence that no longer exists.
func (t *Tracker) Forget(id string) {
	delete(t.inside, id)
}

// Evaluate tests p against every active geofence and returns the transitions. The
// first evaluation of a geofence only records a baseline.
func (t *Tracker) Evaluate(fences []models.Geofence, p models.Coordinate) []Transition {
	var out []Transition
	for _, g := range fences {
		if !g.Active {
			continue
		}
		now := Contains(g, p)
		was, known := t.inside[g.ID]
		t.inside[g.ID] = now
		if !known || was == now {
			continue
		}
		kind := constants.AlertGeofenceExit
		if now {
			kind = constants.AlertGeofenceEnter
		}
		out = append(out, Transition{Geofence: g, Type: kind})
	}
	return out
}
