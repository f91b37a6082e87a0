package annotations

import (
	"slices"
	"time"
)

// Record is the lightweight on-disk form of one map annotation.
type Record struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Subtitle    string    `json:"subtitle"`
	ImageURLs   []string  `json:"imageUrls"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Author      string    `json:"author"`
	Rating      *int      `json:"rating,omitempty"`
	HeartCount  *int      `json:"heartCount,omitempty"`
	CachedAt    time.Time `json:"cachedAt"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// SameContent reports whether every visible field matches. Timestamps are ignored.
func (r Record) SameContent(other Record) bool {
	return r.Title == other.Title &&
		r.Subtitle == other.Subtitle &&
		slices.Equal(r.ImageURLs, other.ImageURLs) &&
		r.Latitude == other.Latitude &&
		r.Longitude == other.Longitude &&
		r.Author == other.Author &&
		equalOptional(r.Rating, other.Rating) &&
		equalOptional(r.HeartCount, other.HeartCount)
}

func equalOptional(left, right *int) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	return *left == *right
}

// IntPointer returns a pointer to a copy of value.
func IntPointer(value int) *int {
	v := value
	return &v
}
