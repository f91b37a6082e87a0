package annotations

import (
	"github.com/MarcoPoloResearchLab/findmyfood/internal/geo"
	"github.com/MarcoPoloResearchLab/findmyfood/internal/imagecache"
)

// Live is an annotation placed on a user's map. It is built once per post id and never
// mutated afterwards; Image stays nil until the primary image resolves.
type Live struct {
	ID         string
	Coordinate geo.Coordinate
	Title      string
	Subtitle   string
	ImageURLs  []string
	Author     string
	Rating     *int
	HeartCount *int
	Image      *imagecache.Image
}

// PrimaryImageURL returns the first image url, or an empty string.
func (l Live) PrimaryImageURL() string {
	if len(l.ImageURLs) == 0 {
		return ""
	}
	return l.ImageURLs[0]
}

// Record converts the live annotation into its cacheable form. Timestamps are left for the
// Store to assign.
func (l Live) Record() Record {
	return Record{
		ID:         l.ID,
		Title:      l.Title,
		Subtitle:   l.Subtitle,
		ImageURLs:  append([]string(nil), l.ImageURLs...),
		Latitude:   l.Coordinate.Latitude,
		Longitude:  l.Coordinate.Longitude,
		Author:     l.Author,
		Rating:     copyOptional(l.Rating),
		HeartCount: copyOptional(l.HeartCount),
	}
}

// Live rebuilds the map annotation from a cached record.
func (r Record) Live() Live {
	return Live{
		ID:         r.ID,
		Coordinate: geo.Coordinate{Latitude: r.Latitude, Longitude: r.Longitude},
		Title:      r.Title,
		Subtitle:   r.Subtitle,
		ImageURLs:  append([]string(nil), r.ImageURLs...),
		Author:     r.Author,
		Rating:     copyOptional(r.Rating),
		HeartCount: copyOptional(r.HeartCount),
	}
}

func copyOptional(value *int) *int {
	if value == nil {
		return nil
	}
	return IntPointer(*value)
}
