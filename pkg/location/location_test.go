package location

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const nmeaStream = "garbage-from-boot\r\n" +
	"$GPRMC,220516,A,5133.82,N,00042.24,W,173.8,231.8,130694,004.2,W*70\r\n" +
	"$GPGGA,172814.0,3723.46587704,N,12202.26957864,W,2,6,1.2,18.893,M,-25.669,M,2.0,0031*4F\r\n"

func TestReadFix_CombinesRMCAndGGA(t *testing.T) {
	loc, err := readFix(context.Background(), strings.NewReader(nmeaStream))
	require.NoError(t, err)

	assert.InDelta(t, 37.391098, loc.Latitude, 1e-5)
	assert.InDelta(t, -122.037826, loc.Longitude, 1e-5)
	assert.InDelta(t, 173.8*knotsToKmh, loc.Speed, 1e-6)
	assert.InDelta(t, 231.8, loc.Heading, 1e-6)
	assert.Equal(t, time.Date(1994, 6, 13, 22, 5, 16, 0, time.UTC), loc.FixTime)
}

func TestReadFix_NoData(t *testing.T) {
	_, err := readFix(context.Background(), strings.NewReader("nothing\r\n"))
	assert.Error(t, err)
}

type stubProvider struct {
	loc Location
	err error
}

func (s stubProvider) GetLocation(context.Context) (Location, error) { return s.loc, s.err }
func (s stubProvider) Close() error                                  { return nil }

func TestFallbackProvider(t *testing.T) {
	f := NewFallbackProvider(
		stubProvider{err: errors.New("no gps fix")},
		stubProvider{loc: Location{Latitude: 1, Longitude: 2}},
	)
	loc, err := f.GetLocation(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0, loc.Latitude)

	_, err = NewFallbackProvider(stubProvider{err: errors.New("a")}).GetLocation(context.Background())
	assert.Error(t, err)
}

func TestIsValidMAC(t *testing.T) {
	assert.True(t, isValidMAC("00:14:22:01:23:45"))
	assert.True(t, isValidMAC("FF:FF:FF:FF:FF:FF"))
	assert.False(t, isValidMAC("00:14:22:01:23"))
	assert.False(t, isValidMAC("GG:14:22:01:23:45"))
}
