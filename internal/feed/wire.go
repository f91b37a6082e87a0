package feed

import "time"

// PostPayload is the JSON form of a post exchanged with remote sources and API clients.
type PostPayload struct {
	ID             string    `json:"_id"`
	UserID         string    `json:"userId"`
	ImageURL       string    `json:"imageUrl"`
	Timestamp      time.Time `json:"timestamp"`
	Review         string    `json:"review"`
	Location       string    `json:"location"`
	RestaurantName string    `json:"restaurantName"`
	Likes          int       `json:"likes"`
	LikedBy        []string  `json:"likedBy"`
	StarRating     int       `json:"starRating"`
	Comments       []string  `json:"comments"`
}

// UserPayload is the JSON form of an author profile.
type UserPayload struct {
	ID             string   `json:"_id"`
	Name           string   `json:"name"`
	Username       string   `json:"username"`
	ProfilePicture string   `json:"profilePicture"`
	Friends        []string `json:"friends,omitempty"`
}

// EntryPayload pairs a post payload with its author payload.
type EntryPayload struct {
	Post PostPayload `json:"post"`
	User UserPayload `json:"user"`
}

// FeedPayload is the response body of a feed request.
type FeedPayload struct {
	Entries []EntryPayload `json:"entries"`
}

// LikeRequest is the body of a like toggle.
type LikeRequest struct {
	UserID string `json:"userId,omitempty"`
	Liked  bool   `json:"liked"`
}

// LikeResponse reports the outcome of a like toggle.
type LikeResponse struct {
	Likes int  `json:"likes"`
	Liked bool `json:"liked"`
}

// NewPostPayload converts a post into its JSON form.
func NewPostPayload(post Post) PostPayload {
	return PostPayload{
		ID:             post.ID,
		UserID:         post.UserID,
		ImageURL:       post.ImageURL,
		Timestamp:      post.Timestamp.UTC(),
		Review:         post.Review,
		Location:       post.Location,
		RestaurantName: post.RestaurantName,
		Likes:          post.Likes,
		LikedBy:        nonNil(post.LikedBy),
		StarRating:     post.StarRating,
		Comments:       nonNil(post.Comments),
	}
}

// Post converts the payload back into a post.
func (p PostPayload) Post() Post {
	return Post{
		ID:             p.ID,
		UserID:         p.UserID,
		ImageURL:       p.ImageURL,
		Timestamp:      p.Timestamp.UTC(),
		Review:         p.Review,
		Location:       p.Location,
		RestaurantName: p.RestaurantName,
		Likes:          p.Likes,
		LikedBy:        nonNil(p.LikedBy),
		StarRating:     p.StarRating,
		Comments:       nonNil(p.Comments),
	}
}

// NewUserPayload converts a user into its JSON form.
func NewUserPayload(user User) UserPayload {
	return UserPayload{
		ID:             user.ID,
		Name:           user.Name,
		Username:       user.Username,
		ProfilePicture: user.ProfilePicture,
		Friends:        user.Friends,
	}
}

// User converts the payload back into a user.
func (p UserPayload) User() User {
	return User{
		ID:             p.ID,
		Name:           p.Name,
		Username:       p.Username,
		ProfilePicture: p.ProfilePicture,
		Friends:        p.Friends,
	}
}

// NewFeedPayload converts feed entries into their JSON form.
func NewFeedPayload(entries []Entry) FeedPayload {
	payload := FeedPayload{Entries: make([]EntryPayload, 0, len(entries))}
	for _, entry := range entries {
		payload.Entries = append(payload.Entries, EntryPayload{
			Post: NewPostPayload(entry.Post),
			User: NewUserPayload(entry.User),
		})
	}
	return payload
}

// FeedEntries converts the payload back into entries.
func (p FeedPayload) FeedEntries() []Entry {
	entries := make([]Entry, 0, len(p.Entries))
	for _, entry := range p.Entries {
		entries = append(entries, Entry{Post: entry.Post.Post(), User: entry.User.User()})
	}
	return entries
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
