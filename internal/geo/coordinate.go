package geo

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidLocation indicates that a "lat,lng" location string could not be parsed.
var ErrInvalidLocation = errors.New("geo: invalid location")

// Coordinate is a WGS84 latitude/longitude pair in degrees.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// ParseLocation parses the "lat,lng" form posts carry in their location field.
func ParseLocation(rawInput string) (Coordinate, error) {
	parts := strings.Split(strings.TrimSpace(rawInput), ",")
	if len(parts) != 2 {
		return Coordinate{}, fmt.Errorf("%w: %q", ErrInvalidLocation, rawInput)
	}
	latitude, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return Coordinate{}, fmt.Errorf("%w: latitude %q", ErrInvalidLocation, parts[0])
	}
	longitude, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return Coordinate{}, fmt.Errorf("%w: longitude %q", ErrInvalidLocation, parts[1])
	}
	coordinate := Coordinate{Latitude: latitude, Longitude: longitude}
	if !coordinate.Valid() {
		return Coordinate{}, fmt.Errorf("%w: out of range %q", ErrInvalidLocation, rawInput)
	}
	return coordinate, nil
}

// Valid reports whether the coordinate lies within the WGS84 bounds.
func (c Coordinate) Valid() bool {
	if math.IsNaN(c.Latitude) || math.IsNaN(c.Longitude) {
		return false
	}
	return c.Latitude >= -90 && c.Latitude <= 90 && c.Longitude >= -180 && c.Longitude <= 180
}

// String renders the coordinate in the "lat,lng" location form.
func (c Coordinate) String() string {
	return strconv.FormatFloat(c.Latitude, 'f', -1, 64) + "," + strconv.FormatFloat(c.Longitude, 'f', -1, 64)
}

// Key returns a comparable key that is equal only for bit-identical coordinates.
func (c Coordinate) Key() [2]uint64 {
	return [2]uint64{math.Float64bits(c.Latitude), math.Float64bits(c.Longitude)}
}
