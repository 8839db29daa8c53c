package location

import "time"

// Location represents a position fix of the device.
type Location struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64
	// Speed in km/h and Heading in degrees; zero when the source cannot measure them.
	Speed   float64
	Heading float64
	FixTime time.Time
}
