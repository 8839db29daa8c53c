package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/hybrid-tracker/internal/constants"
	"github.com/benmeehan/hybrid-tracker/internal/models"
)

var depot = models.Coordinate{Lat: 52.5200, Lng: 13.4050}

func circle(id string, radius float64) models.Geofence {
	return models.Geofence{ID: id, VehicleID: "veh-1", Shape: constants.ShapeCircle, Center: depot, RadiusM: radius, Active: true}
}

func TestDistanceM(t *testing.T) {
	// One degree of latitude is about 111.2 km.
	d := DistanceM(models.Coordinate{Lat: 0, Lng: 0}, models.Coordinate{Lat: 1, Lng: 0})
	assert.InDelta(t, 111195, d, 50)
	assert.Zero(t, DistanceM(depot, depot))
}

func TestContains(t *testing.T) {
	square := models.Geofence{Shape: constants.ShapePolygon, Polygon: []models.Coordinate{
		{Lat: 0, Lng: 0}, {Lat: 0, Lng: 1}, {Lat: 1, Lng: 1}, {Lat: 1, Lng: 0},
	}}

	tests := []struct {
		name string
		g    models.Geofence
		p    models.Coordinate
		want bool
	}{
		{"circle centre", circle("c", 100), depot, true},
		{"circle outside", circle("c", 100), models.Coordinate{Lat: 52.53, Lng: 13.405}, false},
		{"polygon inside", square, models.Coordinate{Lat: 0.5, Lng: 0.5}, true},
		{"polygon outside", square, models.Coordinate{Lat: 1.5, Lng: 0.5}, false},
		{"degenerate polygon", models.Geofence{Shape: constants.ShapePolygon}, depot, false},
		{"unknown shape", models.Geofence{Shape: "blob"}, depot, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Contains(tt.g, tt.p))
		})
	}
}

func TestTracker_EnterAlertsOnce(t *testing.T) {
	fences := []models.Geofence{circle("home", 200)}
	tr := NewTracker()
	outside := models.Coordinate{Lat: 52.60, Lng: 13.40}

	assert.Empty(t, tr.Evaluate(fences, outside), "first evaluation is a baseline")

	enter := tr.Evaluate(fences, depot)
	require.Len(t, enter, 1)
	assert.Equal(t, constants.AlertGeofenceEnter, enter[0].Type)

	for i := 0; i < 10; i++ {
		assert.Empty(t, tr.Evaluate(fences, depot))
	}

	exit := tr.Evaluate(fences, outside)
	require.Len(t, exit, 1)
	assert.Equal(t, constants.AlertGeofenceExit, exit[0].Type)
}

func TestTracker_InactiveAndRestore(t *testing.T) {
	g := circle("home", 200)
	tr := NewTracker()
	tr.Restore(map[string]bool{"home": false})

	g.Active = false
	assert.Empty(t, tr.Evaluate([]models.Geofence{g}, depot))

	g.Active = true
	got := tr.Evaluate([]models.Geofence{g}, depot)
	require.Len(t, got, 1)
	assert.Equal(t, map[string]bool{"home": true}, tr.States())

	tr.Forget("home")
	assert.Empty(t, tr.States())
}
