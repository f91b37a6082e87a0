package maps

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/findmyfood/internal/feed"
	"github.com/MarcoPoloResearchLab/findmyfood/internal/geo"
)

// EventType names what happened to a post.
type EventType string

const (
	EventPostCreated   EventType = "post-created"
	EventPostLiked     EventType = "post-liked"
	EventPostCommented EventType = "post-commented"

	defaultEventBuffer = 16
)

// PostEvent is the typed notification delivered to one recipient.
type PostEvent struct {
	Type         EventType      `json:"type"`
	RecipientID  string         `json:"-"`
	PostID       string         `json:"postId"`
	AuthorID     string         `json:"authorId"`
	AuthorName   string         `json:"authorName"`
	Coordinate   geo.Coordinate `json:"coordinate"`
	ImageURL     string         `json:"imageUrl"`
	Title        string         `json:"title"`
	Subtitle     string         `json:"subtitle"`
	Rating       int            `json:"rating"`
	HeartCount   int            `json:"heartCount"`
	CommentCount int            `json:"commentCount"`
	Timestamp    time.Time      `json:"timestamp"`
}

// NewPostEvent builds an event from a feed entry. The post location must parse.
func NewPostEvent(eventType EventType, entry feed.Entry, timestamp time.Time) (PostEvent, error) {
	coordinate, err := geo.ParseLocation(entry.Post.Location)
	if err != nil {
		return PostEvent{}, err
	}
	return PostEvent{
		Type:         eventType,
		PostID:       entry.Post.ID,
		AuthorID:     entry.Post.UserID,
		AuthorName:   entry.User.DisplayName(),
		Coordinate:   coordinate,
		ImageURL:     entry.Post.ImageURL,
		Title:        entry.Post.RestaurantName,
		Subtitle:     entry.Post.Review,
		Rating:       entry.Post.StarRating,
		HeartCount:   entry.Post.Likes,
		CommentCount: len(entry.Post.Comments),
		Timestamp:    timestamp.UTC(),
	}, nil
}

// Entry rebuilds the feed entry an annotation can be created from.
func (e PostEvent) Entry() feed.Entry {
	return feed.Entry{
		Post: feed.Post{
			ID:             e.PostID,
			UserID:         e.AuthorID,
			ImageURL:       e.ImageURL,
			Timestamp:      e.Timestamp,
			Review:         e.Subtitle,
			Location:       e.Coordinate.String(),
			RestaurantName: e.Title,
			Likes:          e.HeartCount,
			StarRating:     e.Rating,
		},
		User: feed.User{ID: e.AuthorID, Username: e.AuthorName},
	}
}

// EventDispatcher fans post events out to per-user subscriber channels. A subscriber whose
// buffer is full misses the event.
type EventDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*eventSubscriber
	nextID      int64
	bufferSize  int
}

type eventSubscriber struct {
	id     int64
	stream chan PostEvent
}

// NewEventDispatcher constructs an empty dispatcher.
func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		subscribers: make(map[string]map[int64]*eventSubscriber),
		bufferSize:  defaultEventBuffer,
	}
}

// Subscribe registers a stream for userID until ctx ends or the returned cleanup runs.
func (d *EventDispatcher) Subscribe(ctx context.Context, userID string) (<-chan PostEvent, func()) {
	if userID == "" {
		ch := make(chan PostEvent)
		close(ch)
		return ch, func() {}
	}
	subscriber := &eventSubscriber{stream: make(chan PostEvent, d.bufferSize)}
	d.register(userID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregister(userID, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the event to every stream of its recipient.
func (d *EventDispatcher) Publish(event PostEvent) {
	if event.RecipientID == "" || event.Type == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.RecipientID]
	copies := make([]*eventSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

// SubscriberCount reports how many streams userID has open.
func (d *EventDispatcher) SubscriberCount(userID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[userID])
}

func (d *EventDispatcher) register(userID string, subscriber *eventSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	subscriber.id = d.nextID
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*eventSubscriber)
	}
	d.subscribers[userID][subscriber.id] = subscriber
}

func (d *EventDispatcher) unregister(userID string, subscriberID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subscribers := d.subscribers[userID]
	if subscribers == nil {
		return
	}
	delete(subscribers, subscriberID)
	if len(subscribers) == 0 {
		delete(d.subscribers, userID)
	}
}
