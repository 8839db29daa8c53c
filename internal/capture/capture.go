// Package capture turns position fixes into sequenced telemetry points.
package capture

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/hybrid-tracker/internal/constants"
	"github.com/benmeehan/hybrid-tracker/internal/models"
	"github.com/benmeehan/hybrid-tracker/pkg/identity"
	"github.com/benmeehan/hybrid-tracker/pkg/location"
)

var ErrNoFix = errors.New("no position fix available")

// Sequencer issues per-device monotonic sequence numbers.
type Sequencer interface {
	Next() (uint64, error)
}

// Capturer builds telemetry points for one device.
type Capturer struct {
	provider  location.Provider
	seq       Sequencer
	deviceID  string
	vehicleID string
	role      constants.Role
	logger    zerolog.Logger
	now       func() time.Time

	mu   sync.Mutex
	last *location.Location
}

func New(provider location.Provider, seq Sequencer, id identity.Identity, logger zerolog.Logger) *Capturer {
	return &Capturer{
		provider:  provider,
		seq:       seq,
		deviceID:  id.ID,
		vehicleID: id.VehicleID,
		role:      id.Role,
		logger:    logger,
		now:       time.Now,
	}
}

// Point captures a full point tagged with event. When the receiver has no fix the
// last known position is reused so alerts still go out.
func (c *Capturer) Point(ctx context.Context, event constants.PointEvent) (models.TelemetryPoint, error) {
	loc, err := c.fix(ctx)
	if err != nil {
		return models.TelemetryPoint{}, err
	}
	return c.build(loc, event)
}

// CoordinatesOnly captures a point without speed or heading.
func (c *Capturer) CoordinatesOnly(ctx context.Context, event constants.PointEvent) (models.TelemetryPoint, error) {
	loc, err := c.fix(ctx)
	if err != nil {
		return models.TelemetryPoint{}, err
	}
	loc.Speed, loc.Heading = 0, 0
	return c.build(loc, event)
}

func (c *Capturer) fix(ctx context.Context) (location.Location, error) {
	loc, err := c.provider.GetLocation(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		c.last = &loc
		return loc, nil
	}
	if c.last == nil {
		return location.Location{}, fmt.Errorf("%w: %v", ErrNoFix, err)
	}
	c.logger.Warn().Err(err).Msg("Position fix failed, reusing last known position")
	return *c.last, nil
}

func (c *Capturer) build(loc location.Location, event constants.PointEvent) (models.TelemetryPoint, error) {
	seq, err := c.seq.Next()
	if err != nil {
		return models.TelemetryPoint{}, fmt.Errorf("failed to allocate sequence number: %w", err)
	}
	heading := math.Mod(loc.Heading, 360)
	if heading < 0 {
		heading += 360
	}
	return models.TelemetryPoint{
		VehicleID:      c.vehicleID,
		DeviceID:       c.deviceID,
		SourceDevice:   c.role,
		Timestamp:      c.now().UTC().Truncate(time.Second),
		SequenceNumber: seq,
		Lat:            loc.Latitude,
		Lng:            loc.Longitude,
		Speed:          math.Max(loc.Speed, 0),
		Heading:        heading,
		Event:          event,
	}, nil
}
