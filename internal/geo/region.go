package geo

import (
	"errors"
	"fmt"
)

// ErrInvalidRegion indicates that region bounds are inverted or outside WGS84.
var ErrInvalidRegion = errors.New("geo: invalid region")

// Region is the rectangular viewport visible on the map.
type Region struct {
	MinLatitude  float64
	MinLongitude float64
	MaxLatitude  float64
	MaxLongitude float64
}

// NewRegion validates the bounds and returns a Region.
func NewRegion(minLatitude, minLongitude, maxLatitude, maxLongitude float64) (Region, error) {
	region := Region{
		MinLatitude:  minLatitude,
		MinLongitude: minLongitude,
		MaxLatitude:  maxLatitude,
		MaxLongitude: maxLongitude,
	}
	if !(Coordinate{Latitude: minLatitude, Longitude: minLongitude}).Valid() ||
		!(Coordinate{Latitude: maxLatitude, Longitude: maxLongitude}).Valid() {
		return Region{}, fmt.Errorf("%w: bounds out of range", ErrInvalidRegion)
	}
	if minLatitude > maxLatitude || minLongitude > maxLongitude {
		return Region{}, fmt.Errorf("%w: inverted bounds", ErrInvalidRegion)
	}
	return region, nil
}

// Contains reports whether the coordinate lies inside the region, edges included.
func (r Region) Contains(c Coordinate) bool {
	return c.Latitude >= r.MinLatitude && c.Latitude <= r.MaxLatitude &&
		c.Longitude >= r.MinLongitude && c.Longitude <= r.MaxLongitude
}

// LatitudeDelta is the north-south span in degrees.
func (r Region) LatitudeDelta() float64 {
	return r.MaxLatitude - r.MinLatitude
}

// LongitudeDelta is the east-west span in degrees.
func (r Region) LongitudeDelta() float64 {
	return r.MaxLongitude - r.MinLongitude
}

// ZoomMetric derives a scalar zoom level from the viewport span. Larger means further out.
func (r Region) ZoomMetric() float64 {
	return r.LatitudeDelta() + r.LongitudeDelta()
}
