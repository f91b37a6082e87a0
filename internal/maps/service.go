package maps

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/findmyfood/internal/annotations"
	"github.com/MarcoPoloResearchLab/findmyfood/internal/clustering"
	"github.com/MarcoPoloResearchLab/findmyfood/internal/feed"
	"github.com/MarcoPoloResearchLab/findmyfood/internal/geo"
	"github.com/MarcoPoloResearchLab/findmyfood/internal/imagecache"
	"github.com/MarcoPoloResearchLab/findmyfood/internal/reconciler"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	maxUserIDLength          = 190
	defaultBackgroundTimeout = 2 * time.Minute
)

var (
	// ErrInvalidUserID indicates a missing or oversized user identifier.
	ErrInvalidUserID = errors.New("maps: invalid user id")
	// ErrPublishingUnavailable indicates the feed source does not accept new posts.
	ErrPublishingUnavailable = errors.New("maps: publishing unavailable")
	// ErrAnnotationNotFound indicates the annotation is not on the user's map.
	ErrAnnotationNotFound = errors.New("maps: annotation not found")
	// ErrImageNotOnMap indicates the image belongs to no annotation on the user's map.
	ErrImageNotOnMap = errors.New("maps: image not on map")

	errMissingSource      = errors.New("feed source is required")
	errMissingImages      = errors.New("image store is required")
	errMissingAnnotations = errors.New("annotation store is required")
	noOpLogger            = zap.NewNop()
)

// ServiceError carries a stable dotted code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew   = "maps.service.new"
	opSession      = "maps.session"
	opRefresh      = "maps.refresh"
	opView         = "maps.view"
	opMembers      = "maps.members"
	opSelect       = "maps.select"
	opRemove       = "maps.remove"
	opPublish      = "maps.publish"
	opToggleLike   = "maps.toggle_like"
	opComment      = "maps.comment"
	opApplyEvent   = "maps.apply_event"
	opRefreshStale = "maps.refresh_stale"
	opImage        = "maps.image"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Publisher is implemented by feed sources that accept writes.
type Publisher interface {
	CreatePost(ctx context.Context, input feed.NewPost) (feed.Post, error)
	AddComment(ctx context.Context, postID, userID, body string) (feed.Post, error)
	FetchUser(ctx context.Context, userID string) (feed.User, error)
	FriendIDs(ctx context.Context, userID string) ([]string, error)
}

// ServiceConfig describes the collaborators of the map service.
type ServiceConfig struct {
	Source      feed.Source
	Publisher   Publisher
	Images      *imagecache.Store
	Annotations *annotations.Store
	Events      *EventDispatcher
	MaxAge      time.Duration
	Clustering  clustering.Config
	Concurrency int
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Service owns one map session per user: its reconciler, its clustering policy and its
// persisted annotation snapshot.
type Service struct {
	source      feed.Source
	publisher   Publisher
	images      *imagecache.Store
	annotations *annotations.Store
	events      *EventDispatcher
	maxAge      time.Duration
	clustering  clustering.Config
	concurrency int
	clock       func() time.Time
	logger      *zap.Logger

	mu        sync.Mutex
	sessions  map[string]*session
	sequence  uint64
	refreshes singleflight.Group
}

type session struct {
	userID     string
	flightKey  string
	policy     *clustering.Policy
	reconciler *reconciler.Reconciler
	warm       sync.Once
	warmErr    error

	// snapshotMu orders snapshot writes against Logout so a closed session never writes.
	snapshotMu sync.Mutex
	closed     bool
	fetched    map[string]feed.Entry
}

// NewService validates collaborators and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Source == nil {
		return nil, newServiceError(opServiceNew, "missing_source", errMissingSource)
	}
	if cfg.Images == nil {
		return nil, newServiceError(opServiceNew, "missing_images", errMissingImages)
	}
	if cfg.Annotations == nil {
		return nil, newServiceError(opServiceNew, "missing_annotations", errMissingAnnotations)
	}
	events := cfg.Events
	if events == nil {
		events = NewEventDispatcher()
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = annotations.DefaultMaxAge
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	clusteringConfig := cfg.Clustering
	if clusteringConfig.Logger == nil {
		clusteringConfig.Logger = logger
	}
	return &Service{
		source:      cfg.Source,
		publisher:   cfg.Publisher,
		images:      cfg.Images,
		annotations: cfg.Annotations,
		events:      events,
		maxAge:      maxAge,
		clustering:  clusteringConfig,
		concurrency: cfg.Concurrency,
		clock:       clock,
		logger:      logger,
		sessions:    make(map[string]*session),
	}, nil
}

// Events exposes the dispatcher streaming PostEvents to subscribers.
func (s *Service) Events() *EventDispatcher {
	return s.events
}

// View returns the clusters and individual annotations visible in region.
func (s *Service) View(ctx context.Context, userID string, region geo.Region) (clustering.View, error) {
	current, err := s.session(ctx, userID, opView)
	if err != nil {
		return clustering.View{}, err
	}
	return current.policy.Clusters(region), nil
}

// Annotations lists every annotation on the user's map in the order they were added.
func (s *Service) Annotations(ctx context.Context, userID string) ([]annotations.Live, error) {
	current, err := s.session(ctx, userID, opView)
	if err != nil {
		return nil, err
	}
	return current.reconciler.Annotations(), nil
}

// State reports the reconciliation state of the user's map.
func (s *Service) State(userID string) reconciler.State {
	s.mu.Lock()
	current, ok := s.sessions[userID]
	s.mu.Unlock()
	if !ok {
		return reconciler.StateIdle
	}
	return current.reconciler.State()
}

// Members opens a cluster of the last computed view.
func (s *Service) Members(ctx context.Context, userID, clusterID string) ([]annotations.Live, error) {
	current, err := s.session(ctx, userID, opMembers)
	if err != nil {
		return nil, err
	}
	members, err := current.policy.Members(clusterID)
	if err != nil {
		return nil, newServiceError(opMembers, "cluster_not_found", err)
	}
	return members, nil
}

// Select picks one member of a cluster and closes the cluster.
func (s *Service) Select(ctx context.Context, userID, clusterID, annotationID string) (annotations.Live, error) {
	current, err := s.session(ctx, userID, opSelect)
	if err != nil {
		return annotations.Live{}, err
	}
	selected, err := current.policy.Select(clusterID, annotationID)
	if err != nil {
		reason := "member_not_found"
		if errors.Is(err, clustering.ErrClusterNotFound) {
			reason = "cluster_not_found"
		}
		return annotations.Live{}, newServiceError(opSelect, reason, err)
	}
	return selected, nil
}

// Refresh fetches the user's feed and reconciles it into their map. Concurrent refreshes of the
// same session share one pass.
func (s *Service) Refresh(ctx context.Context, userID string) (reconciler.Result, error) {
	current, err := s.session(ctx, userID, opRefresh)
	if err != nil {
		return reconciler.Result{}, err
	}
	return s.refreshSession(ctx, current)
}

func (s *Service) refreshSession(ctx context.Context, current *session) (reconciler.Result, error) {
	value, err, _ := s.refreshes.Do(current.flightKey, func() (any, error) {
		entries, err := s.source.FetchFeedWithUsers(ctx, current.userID)
		if err != nil {
			s.logError(opRefresh, "feed_fetch_failed", err, zap.String("user_id", current.userID))
			return reconciler.Result{}, newServiceError(opRefresh, "feed_fetch_failed", err)
		}
		if current.isClosed() {
			return reconciler.Result{}, nil
		}
		result := current.reconciler.Reconcile(ctx, entries)
		s.persist(current, entries...)
		return result, nil
	})
	if err != nil {
		return reconciler.Result{}, err
	}
	return value.(reconciler.Result), nil
}

// RefreshStale refreshes every open session whose snapshot needs it and returns how many ran.
func (s *Service) RefreshStale(ctx context.Context) int {
	s.mu.Lock()
	open := make([]*session, 0, len(s.sessions))
	for _, current := range s.sessions {
		open = append(open, current)
	}
	s.mu.Unlock()
	sort.Slice(open, func(i, j int) bool { return open[i].userID < open[j].userID })

	refreshed := 0
	for _, current := range open {
		if ctx.Err() != nil {
			break
		}
		if !s.annotations.NeedsRefresh(current.userID, s.maxAge) {
			continue
		}
		if _, err := s.refreshSession(ctx, current); err != nil {
			s.logError(opRefreshStale, "refresh_failed", err, zap.String("user_id", current.userID))
			continue
		}
		refreshed++
	}
	return refreshed
}

// Image returns an image of an annotation on the user's map through the image cache. Urls that
// no annotation on the map references are refused without any network access.
func (s *Service) Image(ctx context.Context, userID, rawURL string) (imagecache.Image, error) {
	current, err := s.session(ctx, userID, opImage)
	if err != nil {
		return imagecache.Image{}, err
	}
	key := imagecache.NormalizeURL(rawURL)
	if key == "" || !current.reconciler.References(key) {
		return imagecache.Image{}, newServiceError(opImage, "not_on_map", ErrImageNotOnMap)
	}
	return s.images.Fetch(ctx, key)
}

// RemoveAnnotation takes one post off the user's map.
func (s *Service) RemoveAnnotation(ctx context.Context, userID, postID string) error {
	current, err := s.session(ctx, userID, opRemove)
	if err != nil {
		return err
	}
	if !current.reconciler.Remove(postID) {
		return newServiceError(opRemove, "annotation_not_found", ErrAnnotationNotFound)
	}
	s.persist(current)
	return nil
}

// RemoveAll clears the user's map and its persisted snapshot.
func (s *Service) RemoveAll(ctx context.Context, userID string) error {
	current, err := s.session(ctx, userID, opRemove)
	if err != nil {
		return err
	}
	current.snapshotMu.Lock()
	current.fetched = make(map[string]feed.Entry)
	current.snapshotMu.Unlock()
	current.reconciler.RemoveAll()
	s.annotations.Clear(current.userID)
	return nil
}

// Logout clears the user's map and snapshot and closes their session.
func (s *Service) Logout(userID string) error {
	normalized, err := normalizeUserID(userID)
	if err != nil {
		return newServiceError(opSession, "invalid_user_id", err)
	}
	s.mu.Lock()
	current, ok := s.sessions[normalized]
	delete(s.sessions, normalized)
	s.mu.Unlock()
	if ok {
		current.snapshotMu.Lock()
		current.closed = true
		current.fetched = nil
		current.snapshotMu.Unlock()
		current.reconciler.RemoveAll()
	}
	s.annotations.Clear(normalized)
	s.logger.Info("map session closed", zap.String("user_id", normalized))
	return nil
}

// PublishPost stores a new post, places it on the author's map and notifies the author and
// their friends.
func (s *Service) PublishPost(ctx context.Context, userID string, input feed.NewPost) (feed.Post, error) {
	if s.publisher == nil {
		return feed.Post{}, newServiceError(opPublish, "unavailable", ErrPublishingUnavailable)
	}
	current, err := s.session(ctx, userID, opPublish)
	if err != nil {
		return feed.Post{}, err
	}
	if _, err := geo.ParseLocation(input.Location); err != nil {
		return feed.Post{}, newServiceError(opPublish, "invalid_location", err)
	}
	input.UserID = current.userID

	post, err := s.publisher.CreatePost(ctx, input)
	if err != nil {
		if errors.Is(err, feed.ErrInvalidPost) {
			return feed.Post{}, newServiceError(opPublish, "invalid_post", err)
		}
		s.logError(opPublish, "create_failed", err, zap.String("user_id", current.userID))
		return feed.Post{}, newServiceError(opPublish, "create_failed", err)
	}

	author, err := s.publisher.FetchUser(ctx, current.userID)
	if err != nil {
		author = feed.User{ID: current.userID}
	}
	entry := feed.Entry{Post: post, User: author}

	if _, err := current.reconciler.AddSingle(ctx, entry); err != nil {
		s.logger.Warn("published post not placed on map",
			zap.String("user_id", current.userID),
			zap.String("post_id", post.ID),
			zap.Error(err))
	} else {
		s.persist(current, entry)
	}

	recipients := append([]string{current.userID}, author.Friends...)
	s.broadcast(ctx, EventPostCreated, entry, recipients, current.userID)
	return post, nil
}

// ToggleLike flips the user's like on a post and notifies the post's author.
func (s *Service) ToggleLike(ctx context.Context, userID, postID string, currentlyLiked bool) (int, bool, error) {
	normalized, err := normalizeUserID(userID)
	if err != nil {
		return 0, false, newServiceError(opToggleLike, "invalid_user_id", err)
	}
	likes, liked, err := s.source.ToggleLike(ctx, postID, normalized, currentlyLiked)
	if err != nil {
		if errors.Is(err, feed.ErrPostNotFound) {
			return 0, false, newServiceError(opToggleLike, "post_not_found", err)
		}
		s.logError(opToggleLike, "toggle_failed", err, zap.String("post_id", postID))
		return 0, false, newServiceError(opToggleLike, "toggle_failed", err)
	}

	post, err := s.source.FetchPost(ctx, postID)
	if err != nil {
		s.logger.Warn("liked post not reloaded", zap.String("post_id", postID), zap.Error(err))
		return likes, liked, nil
	}
	s.broadcast(ctx, EventPostLiked, feed.Entry{Post: post, User: feed.User{ID: post.UserID}}, []string{post.UserID, normalized}, "")
	return likes, liked, nil
}

// AddComment comments on a post and notifies the post's author.
func (s *Service) AddComment(ctx context.Context, userID, postID, body string) (feed.Post, error) {
	if s.publisher == nil {
		return feed.Post{}, newServiceError(opComment, "unavailable", ErrPublishingUnavailable)
	}
	normalized, err := normalizeUserID(userID)
	if err != nil {
		return feed.Post{}, newServiceError(opComment, "invalid_user_id", err)
	}
	post, err := s.publisher.AddComment(ctx, postID, normalized, body)
	if err != nil {
		if errors.Is(err, feed.ErrPostNotFound) {
			return feed.Post{}, newServiceError(opComment, "post_not_found", err)
		}
		if errors.Is(err, feed.ErrInvalidPost) {
			return feed.Post{}, newServiceError(opComment, "invalid_comment", err)
		}
		s.logError(opComment, "comment_failed", err, zap.String("post_id", postID))
		return feed.Post{}, newServiceError(opComment, "comment_failed", err)
	}
	s.broadcast(ctx, EventPostCommented, feed.Entry{Post: post, User: feed.User{ID: post.UserID}}, []string{post.UserID}, "")
	return post, nil
}

// broadcast notifies each recipient once. A created post is also placed on the map of every
// recipient with an open session other than skipApply.
func (s *Service) broadcast(ctx context.Context, eventType EventType, entry feed.Entry, recipients []string, skipApply string) {
	event, err := NewPostEvent(eventType, entry, s.clock())
	if err != nil {
		s.logger.Warn("post event not built", zap.String("post_id", entry.Post.ID), zap.Error(err))
		return
	}
	seen := make(map[string]struct{}, len(recipients))
	for _, recipient := range recipients {
		if recipient == "" {
			continue
		}
		if _, duplicate := seen[recipient]; duplicate {
			continue
		}
		seen[recipient] = struct{}{}

		if eventType == EventPostCreated && recipient != skipApply {
			s.applyEvent(ctx, recipient, event)
		}
		event.RecipientID = recipient
		s.events.Publish(event)
	}
}

// applyEvent places a post announced by event on recipient's map when they have an open session.
func (s *Service) applyEvent(ctx context.Context, recipient string, event PostEvent) {
	s.mu.Lock()
	current, ok := s.sessions[recipient]
	s.mu.Unlock()
	if !ok || current.isClosed() {
		return
	}
	if _, err := current.reconciler.AddSingle(ctx, event.Entry()); err != nil {
		if !errors.Is(err, reconciler.ErrAlreadyAdded) {
			s.logError(opApplyEvent, "add_failed", err, zap.String("user_id", recipient), zap.String("post_id", event.PostID))
		}
		return
	}
	s.persist(current, event.Entry())
}

// session returns the user's session, creating and warming it on first use. Warming restores the
// persisted snapshot without network access, then refreshes from the feed: synchronously when
// there was no snapshot, in the background when the snapshot is stale.
func (s *Service) session(ctx context.Context, userID, operation string) (*session, error) {
	normalized, err := normalizeUserID(userID)
	if err != nil {
		return nil, newServiceError(operation, "invalid_user_id", err)
	}

	s.mu.Lock()
	current, ok := s.sessions[normalized]
	if !ok {
		policy := clustering.NewPolicy(s.clustering)
		mapReconciler, err := reconciler.New(reconciler.Config{
			Images:      s.images,
			Registry:    policy,
			Concurrency: s.concurrency,
			Logger:      s.logger.With(zap.String("user_id", normalized)),
		})
		if err != nil {
			s.mu.Unlock()
			return nil, newServiceError(operation, "reconciler_failed", err)
		}
		s.sequence++
		current = &session{
			userID:     normalized,
			flightKey:  fmt.Sprintf("%s#%d", normalized, s.sequence),
			policy:     policy,
			reconciler: mapReconciler,
			fetched:    make(map[string]feed.Entry),
		}
		s.sessions[normalized] = current
	}
	s.mu.Unlock()

	current.warm.Do(func() {
		current.warmErr = s.warm(ctx, current)
	})
	if current.warmErr != nil {
		s.mu.Lock()
		if s.sessions[normalized] == current {
			delete(s.sessions, normalized)
		}
		s.mu.Unlock()
		return nil, current.warmErr
	}
	return current, nil
}

func (s *Service) warm(ctx context.Context, current *session) error {
	records, found := s.annotations.Load(current.userID)
	if found {
		restored := current.reconciler.Restore(records)
		s.images.Prefetch(imageURLs(records))
		s.logger.Info("map session restored from snapshot",
			zap.String("user_id", current.userID),
			zap.Int("annotations", restored))
	}

	if !found {
		_, err := s.refreshSession(ctx, current)
		return err
	}
	if s.annotations.NeedsRefresh(current.userID, s.maxAge) {
		go func() {
			backgroundCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultBackgroundTimeout)
			defer cancel()
			_, _ = s.refreshSession(backgroundCtx, current)
		}()
	}
	return nil
}

// persist writes the session's snapshot unless the session was closed. Entries from the latest
// feed fetch supply the counters of annotations already on the map.
func (s *Service) persist(current *session, entries ...feed.Entry) {
	current.snapshotMu.Lock()
	defer current.snapshotMu.Unlock()
	if current.closed {
		return
	}
	for _, entry := range entries {
		current.fetched[entry.Post.ID] = entry
	}
	s.annotations.Save(current.reconciler.Snapshot(current.fetched), current.userID)
}

func (sess *session) isClosed() bool {
	sess.snapshotMu.Lock()
	defer sess.snapshotMu.Unlock()
	return sess.closed
}

func imageURLs(records map[string]annotations.Record) []string {
	urls := make([]string, 0, len(records))
	for _, record := range records {
		urls = append(urls, record.ImageURLs...)
	}
	return urls
}

func normalizeUserID(userID string) (string, error) {
	trimmed := strings.TrimSpace(userID)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxUserIDLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxUserIDLength)
	}
	return trimmed, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("map service error", attrs...)
}
