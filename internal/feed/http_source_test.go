package feed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPSourceFetchesFeedWithUsers(t *testing.T) {
	timestamp := time.Date(2024, 3, 9, 18, 30, 0, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/users/alice/feed" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer secret-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		payload := NewFeedPayload([]Entry{{
			Post: Post{ID: "p1", UserID: "bob", ImageURL: "https://cdn.example.com/p1.jpg", Timestamp: timestamp, Location: "1,2", RestaurantName: "Tacos", Likes: 3},
			User: User{ID: "bob", Username: "bobby"},
		}})
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(payload)
	}))
	defer server.Close()

	source, err := NewHTTPSource(HTTPSourceConfig{BaseURL: server.URL + "/api", APIToken: "secret-token"})
	if err != nil {
		t.Fatalf("unexpected source error: %v", err)
	}

	entries, err := source.FetchFeedWithUsers(context.Background(), "alice")
	if err != nil {
		t.Fatalf("unexpected feed error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Post.ID != "p1" || entry.Post.Likes != 3 || !entry.Post.Timestamp.Equal(timestamp) {
		t.Fatalf("unexpected post: %+v", entry.Post)
	}
	if entry.User.DisplayName() != "bobby" {
		t.Fatalf("unexpected author: %+v", entry.User)
	}
}

func TestHTTPSourceMapsNotFoundToPostNotFound(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	source, err := NewHTTPSource(HTTPSourceConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("unexpected source error: %v", err)
	}
	if _, err := source.FetchPost(context.Background(), "missing"); !errors.Is(err, ErrPostNotFound) {
		t.Fatalf("expected post not found, got %v", err)
	}
}

func TestHTTPSourceToggleLikeSendsClientState(t *testing.T) {
	var received LikeRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/posts/p1/like" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(LikeResponse{Likes: 8, Liked: !received.Liked})
	}))
	defer server.Close()

	source, err := NewHTTPSource(HTTPSourceConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("unexpected source error: %v", err)
	}
	likes, liked, err := source.ToggleLike(context.Background(), "p1", "alice", false)
	if err != nil {
		t.Fatalf("unexpected toggle error: %v", err)
	}
	if received.UserID != "alice" || received.Liked {
		t.Fatalf("unexpected request body: %+v", received)
	}
	if likes != 8 || !liked {
		t.Fatalf("unexpected response: likes=%d liked=%v", likes, liked)
	}
}

func TestHTTPSourceReportsServerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	source, err := NewHTTPSource(HTTPSourceConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("unexpected source error: %v", err)
	}
	_, err = source.FetchFeedWithUsers(context.Background(), "alice")
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "feed.http.fetch_feed.request_failed" {
		t.Fatalf("expected request_failed code, got %v", err)
	}
}

func TestNewHTTPSourceRejectsRelativeURL(t *testing.T) {
	if _, err := NewHTTPSource(HTTPSourceConfig{BaseURL: "/relative"}); err == nil {
		t.Fatalf("expected relative url to be rejected")
	}
}
