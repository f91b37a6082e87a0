package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrPostNotFound indicates the post does not exist in the source.
	ErrPostNotFound = errors.New("feed: post not found")
	// ErrUserNotFound indicates the user does not exist in the source.
	ErrUserNotFound = errors.New("feed: user not found")
	// ErrInvalidPost indicates a post payload failed validation.
	ErrInvalidPost = errors.New("feed: invalid post")
	// ErrInvalidID indicates an identifier is empty or exceeds storage bounds.
	ErrInvalidID = errors.New("feed: invalid id")
)

// Post is a restaurant review as served by the remote source.
type Post struct {
	ID             string
	UserID         string
	ImageURL       string
	Timestamp      time.Time
	Review         string
	Location       string
	RestaurantName string
	Likes          int
	LikedBy        []string
	StarRating     int
	Comments       []string
}

// User is the author profile attached to feed entries.
type User struct {
	ID             string
	Name           string
	Username       string
	ProfilePicture string
	Friends        []string
}

// DisplayName prefers the username and falls back to the full name.
func (u User) DisplayName() string {
	if strings.TrimSpace(u.Username) != "" {
		return u.Username
	}
	return u.Name
}

// Entry pairs a post with its author.
type Entry struct {
	Post Post
	User User
}

// Source is the remote, eventually consistent post/user store.
type Source interface {
	FetchFeedWithUsers(ctx context.Context, userID string) ([]Entry, error)
	FetchPost(ctx context.Context, postID string) (Post, error)
	ToggleLike(ctx context.Context, postID, userID string, currentlyLiked bool) (int, bool, error)
}

// NewPost is the input for publishing a post.
type NewPost struct {
	UserID         string
	ImageURL       string
	Review         string
	Location       string
	RestaurantName string
	StarRating     int
}

func validateID(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidID, maxIdentifierLength)
	}
	return trimmed, nil
}

func (p NewPost) validate() error {
	if strings.TrimSpace(p.RestaurantName) == "" {
		return fmt.Errorf("%w: restaurant name required", ErrInvalidPost)
	}
	if strings.TrimSpace(p.Location) == "" {
		return fmt.Errorf("%w: location required", ErrInvalidPost)
	}
	if p.StarRating < 0 || p.StarRating > 5 {
		return fmt.Errorf("%w: star rating %d out of range", ErrInvalidPost, p.StarRating)
	}
	return nil
}
