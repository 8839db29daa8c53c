package location

import (
	"bufio"
	"context"
	"errors"
	"io"
	"time"

	"github.com/adrianmo/go-nmea"
	"github.com/tarm/serial"
)

const knotsToKmh = 1.852

// DeviceSensorProvider is responsible for retrieving location data from a GPS device connected via serial port.
type DeviceSensorProvider struct {
	port     string // Serial port to which the GPS device is connected
	baudRate int    // Baud rate for the serial communication
	open     func() (io.ReadCloser, error)
}

// NewDeviceSensorProvider creates a new instance of DeviceSensorProvider with the specified port and baud rate.
func NewDeviceSensorProvider(port string, baudRate int) *DeviceSensorProvider {
	d := &DeviceSensorProvider{port: port, baudRate: baudRate}
	d.open = func() (io.ReadCloser, error) {
		return serial.OpenPort(&serial.Config{Name: d.port, Baud: d.baudRate, ReadTimeout: time.Second})
	}
	return d
}

// GetLocation reads NMEA sentences until it has a GGA position, taking speed and
// course from an RMC sentence when one arrives first.
func (d *DeviceSensorProvider) GetLocation(ctx context.Context) (Location, error) {
	s, err := d.open()
	if err != nil {
		return Location{}, err
	}
	defer s.Close()

	return readFix(ctx, s)
}

func readFix(ctx context.Context, r io.Reader) (Location, error) {
	var loc Location
	var haveMotion bool

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return Location{}, err
		}

		sentence, err := nmea.Parse(scanner.Text())
		if err != nil {
			continue // Partial lines are common right after opening the port
		}

		switch s := sentence.(type) {
		case nmea.RMC:
			if s.Validity != nmea.ValidRMC {
				continue
			}
			loc.Speed = s.Speed * knotsToKmh
			loc.Heading = s.Course
			loc.FixTime = time.Date(s.Date.YY+2000, time.Month(s.Date.MM), s.Date.DD,
				s.Time.Hour, s.Time.Minute, s.Time.Second, s.Time.Millisecond*int(time.Millisecond), time.UTC)
			haveMotion = true
		case nmea.GGA:
			if s.FixQuality == nmea.Invalid {
				continue
			}
			loc.Latitude = s.Latitude
			loc.Longitude = s.Longitude
			loc.Accuracy = s.HDOP // HDOP as a proxy for accuracy
			if !haveMotion {
				loc.FixTime = time.Now().UTC()
			}
			return loc, nil
		}
	}

	if err := scanner.Err(); err != nil {
		return Location{}, err
	}
	return Location{}, errors.New("no valid GPS data found")
}

// Close is a no-op; the port is opened per read.
func (d *DeviceSensorProvider) Close() error {
	return nil
}
