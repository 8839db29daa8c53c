package capture

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/hybrid-tracker/internal/constants"
	"github.com/benmeehan/hybrid-tracker/pkg/identity"
	"github.com/benmeehan/hybrid-tracker/pkg/location"
)

type scriptedProvider struct {
	fixes []location.Location
	errs  []error
	calls int
}

func (p *scriptedProvider) GetLocation(context.Context) (location.Location, error) {
	i := p.calls
	p.calls++
	if i < len(p.errs) && p.errs[i] != nil {
		return location.Location{}, p.errs[i]
	}
	return p.fixes[i], nil
}

func (p *scriptedProvider) Close() error { return nil }

type counter struct{ n uint64 }

func (c *counter) Next() (uint64, error) { c.n++; return c.n, nil }

func testIdentity() identity.Identity {
	return identity.Identity{ID: "pr-1", VehicleID: "veh-1", Role: constants.RolePrimary}
}

func TestCapturer_PointReusesLastFix(t *testing.T) {
	provider := &scriptedProvider{
		fixes: []location.Location{{Latitude: 1, Longitude: 2, Speed: 40, Heading: 370}, {}},
		errs:  []error{nil, errors.New("no satellites")},
	}
	c := New(provider, &counter{}, testIdentity(), zerolog.Nop())

	p1, err := c.Point(context.Background(), constants.PointEventNone)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), p1.SequenceNumber)
	assert.InDelta(t, 10, p1.Heading, 1e-9)
	assert.Equal(t, constants.RolePrimary, p1.SourceDevice)

	p2, err := c.Point(context.Background(), constants.PointEventTamper)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), p2.SequenceNumber)
	assert.Equal(t, 1.0, p2.Lat)
	assert.Equal(t, constants.PointEventTamper, p2.Event)
}

func TestCapturer_NoFixEver(t *testing.T) {
	provider := &scriptedProvider{fixes: []location.Location{{}}, errs: []error{errors.New("cold start")}}
	c := New(provider, &counter{}, testIdentity(), zerolog.Nop())

	_, err := c.Point(context.Background(), constants.PointEventNone)
	assert.ErrorIs(t, err, ErrNoFix)
}

func TestCapturer_CoordinatesOnly(t *testing.T) {
	provider := &scriptedProvider{fixes: []location.Location{{Latitude: 1, Longitude: 2, Speed: 40, Heading: 90}}}
	c := New(provider, &counter{}, testIdentity(), zerolog.Nop())

	p, err := c.CoordinatesOnly(context.Background(), constants.PointEventNone)
	require.NoError(t, err)
	assert.Zero(t, p.Speed)
	assert.Zero(t, p.Heading)
	assert.Equal(t, 2.0, p.Lng)
}
