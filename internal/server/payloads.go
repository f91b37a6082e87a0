package server

import (
	"github.com/MarcoPoloResearchLab/findmyfood/internal/annotations"
	"github.com/MarcoPoloResearchLab/findmyfood/internal/clustering"
	"github.com/MarcoPoloResearchLab/findmyfood/internal/feed"
	"github.com/MarcoPoloResearchLab/findmyfood/internal/geo"
	"github.com/MarcoPoloResearchLab/findmyfood/internal/reconciler"
)

type coordinatePayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type annotationPayload struct {
	ID          string            `json:"id"`
	Coordinate  coordinatePayload `json:"coordinate"`
	Title       string            `json:"title"`
	Subtitle    string            `json:"subtitle"`
	ImageURLs   []string          `json:"imageUrls"`
	Author      string            `json:"author"`
	Rating      *int              `json:"rating,omitempty"`
	HeartCount  *int              `json:"heartCount,omitempty"`
	ImageReady  bool              `json:"imageReady"`
	ImageWidth  int               `json:"imageWidth,omitempty"`
	ImageHeight int               `json:"imageHeight,omitempty"`
}

type clusterPayload struct {
	ID             string            `json:"id"`
	Count          int               `json:"count"`
	UniqueCount    int               `json:"uniqueCount"`
	Centroid       coordinatePayload `json:"centroid"`
	Representative annotationPayload `json:"representative"`
	MemberIDs      []string          `json:"memberIds"`
}

type viewPayload struct {
	State       string              `json:"state"`
	Generation  uint64              `json:"generation"`
	Recomputed  bool                `json:"recomputed"`
	Clusters    []clusterPayload    `json:"clusters"`
	Annotations []annotationPayload `json:"annotations"`
}

type annotationsPayload struct {
	State       string              `json:"state"`
	Annotations []annotationPayload `json:"annotations"`
}

type refreshPayload struct {
	Added   int `json:"added"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

type selectRequestPayload struct {
	AnnotationID string `json:"annotationId" binding:"required"`
}

type publishRequestPayload struct {
	ImageURL       string `json:"imageUrl"`
	Review         string `json:"review"`
	Location       string `json:"location" binding:"required"`
	RestaurantName string `json:"restaurantName" binding:"required"`
	StarRating     int    `json:"starRating"`
}

type commentRequestPayload struct {
	Body string `json:"body" binding:"required"`
}

func newCoordinatePayload(coordinate geo.Coordinate) coordinatePayload {
	return coordinatePayload{Latitude: coordinate.Latitude, Longitude: coordinate.Longitude}
}

func newAnnotationPayload(annotation annotations.Live) annotationPayload {
	payload := annotationPayload{
		ID:         annotation.ID,
		Coordinate: newCoordinatePayload(annotation.Coordinate),
		Title:      annotation.Title,
		Subtitle:   annotation.Subtitle,
		ImageURLs:  append([]string{}, annotation.ImageURLs...),
		Author:     annotation.Author,
		Rating:     annotation.Rating,
		HeartCount: annotation.HeartCount,
	}
	if annotation.Image != nil {
		payload.ImageReady = true
		payload.ImageWidth = annotation.Image.Width
		payload.ImageHeight = annotation.Image.Height
	}
	return payload
}

func newAnnotationPayloads(values []annotations.Live) []annotationPayload {
	payloads := make([]annotationPayload, 0, len(values))
	for _, value := range values {
		payloads = append(payloads, newAnnotationPayload(value))
	}
	return payloads
}

func newViewPayload(view clustering.View, state reconciler.State) viewPayload {
	payload := viewPayload{
		State:       state.String(),
		Generation:  view.Generation,
		Recomputed:  view.Recomputed,
		Clusters:    make([]clusterPayload, 0, len(view.Clusters)),
		Annotations: newAnnotationPayloads(view.Annotations),
	}
	for _, cluster := range view.Clusters {
		memberIDs := make([]string, 0, len(cluster.Members))
		for _, member := range cluster.Members {
			memberIDs = append(memberIDs, member.ID)
		}
		payload.Clusters = append(payload.Clusters, clusterPayload{
			ID:             cluster.ID,
			Count:          cluster.Count,
			UniqueCount:    cluster.UniqueCount,
			Centroid:       newCoordinatePayload(cluster.Centroid),
			Representative: newAnnotationPayload(cluster.Representative),
			MemberIDs:      memberIDs,
		})
	}
	return payload
}

func (p publishRequestPayload) newPost() feed.NewPost {
	return feed.NewPost{
		ImageURL:       p.ImageURL,
		Review:         p.Review,
		Location:       p.Location,
		RestaurantName: p.RestaurantName,
		StarRating:     p.StarRating,
	}
}
