package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/MarcoPoloResearchLab/findmyfood/internal/annotations"
	"github.com/MarcoPoloResearchLab/findmyfood/internal/feed"
	"github.com/MarcoPoloResearchLab/findmyfood/internal/geo"
	"github.com/MarcoPoloResearchLab/findmyfood/internal/imagecache"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency bounds how many entries resolve their images at once.
const DefaultConcurrency = 8

var (
	// ErrAlreadyAdded indicates the post is already on the map.
	ErrAlreadyAdded = errors.New("reconciler: annotation already added")
	// ErrMissingImage indicates the post has no image url to resolve.
	ErrMissingImage = errors.New("reconciler: post has no image url")

	errMissingImages   = errors.New("image resolver is required")
	errMissingRegistry = errors.New("annotation registry is required")
	noOpLogger         = zap.NewNop()
)

// State reports what a reconciliation pass is doing.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateMerging
)

func (s State) String() string {
	switch s {
	case StateFetching:
		return "fetching"
	case StateMerging:
		return "merging"
	default:
		return "idle"
	}
}

// ImageResolver is the slice of the image store the reconciler depends on.
type ImageResolver interface {
	Get(rawURL string) (imagecache.Image, bool)
	Fetch(ctx context.Context, rawURL string) (imagecache.Image, error)
}

// Registry receives every committed annotation. The clustering policy implements it.
type Registry interface {
	Add(annotation annotations.Live)
	Remove(id string)
	RemoveAll()
}

// Config describes the collaborators of a Reconciler.
type Config struct {
	Images      ImageResolver
	Registry    Registry
	Concurrency int
	Logger      *zap.Logger
}

// Result summarizes one reconciliation pass.
type Result struct {
	Added   int
	Skipped int
	Failed  int
}

// Reconciler turns feed entries into map annotations. Every id is added at most once; the
// mutex is the only writer of the added set and the live collection.
type Reconciler struct {
	images      ImageResolver
	registry    Registry
	concurrency int
	logger      *zap.Logger

	state atomic.Int32

	mu       sync.Mutex
	live     map[string]committed
	sequence uint64
}

type committed struct {
	annotation annotations.Live
	sequence   uint64
}

// New validates collaborators and constructs a Reconciler.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Images == nil {
		return nil, errMissingImages
	}
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Reconciler{
		images:      cfg.Images,
		registry:    cfg.Registry,
		concurrency: concurrency,
		logger:      logger,
		live:        make(map[string]committed),
	}, nil
}

// State returns the current pass state.
func (r *Reconciler) State() State {
	return State(r.state.Load())
}

// Reconcile adds every entry whose id is not already on the map. Entries whose image or
// location cannot be resolved are logged and skipped; the pass itself never fails.
func (r *Reconciler) Reconcile(ctx context.Context, entries []feed.Entry) Result {
	r.state.Store(int32(StateFetching))
	defer r.state.Store(int32(StateIdle))

	var result Result
	pending := make([]feed.Entry, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	r.mu.Lock()
	for _, entry := range entries {
		id := entry.Post.ID
		if _, duplicate := seen[id]; duplicate {
			result.Skipped++
			continue
		}
		seen[id] = struct{}{}
		if _, added := r.live[id]; added {
			result.Skipped++
			continue
		}
		pending = append(pending, entry)
	}
	r.mu.Unlock()

	prepared := make([]*annotations.Live, len(pending))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.concurrency)
	for index, entry := range pending {
		group.Go(func() error {
			annotation, err := r.prepare(groupCtx, entry)
			if err != nil {
				r.logger.Warn("annotation skipped",
					zap.String("post_id", entry.Post.ID),
					zap.Error(err))
				return nil
			}
			prepared[index] = &annotation
			return nil
		})
	}
	_ = group.Wait()

	r.state.Store(int32(StateMerging))
	r.mu.Lock()
	for _, annotation := range prepared {
		if annotation == nil {
			result.Failed++
			continue
		}
		if !r.commitLocked(*annotation) {
			result.Skipped++
			continue
		}
		result.Added++
	}
	r.mu.Unlock()

	r.logger.Info("reconciliation pass complete",
		zap.Int("entries", len(entries)),
		zap.Int("added", result.Added),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed))
	return result
}

// AddSingle places a just-published post on the map.
func (r *Reconciler) AddSingle(ctx context.Context, entry feed.Entry) (annotations.Live, error) {
	r.mu.Lock()
	_, added := r.live[entry.Post.ID]
	r.mu.Unlock()
	if added {
		return annotations.Live{}, ErrAlreadyAdded
	}

	annotation, err := r.prepare(ctx, entry)
	if err != nil {
		return annotations.Live{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.commitLocked(annotation) {
		return annotations.Live{}, ErrAlreadyAdded
	}
	return annotation, nil
}

// Restore registers cached records without touching the network. Images come from the image
// store's local tiers when present and stay unresolved otherwise.
func (r *Reconciler) Restore(records map[string]annotations.Record) int {
	ordered := make([]annotations.Record, 0, len(records))
	for _, record := range records {
		ordered = append(ordered, record)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if !ordered[i].CachedAt.Equal(ordered[j].CachedAt) {
			return ordered[i].CachedAt.Before(ordered[j].CachedAt)
		}
		return ordered[i].ID < ordered[j].ID
	})

	restored := 0
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, record := range ordered {
		annotation := record.Live()
		if primary := annotation.PrimaryImageURL(); primary != "" {
			if image, ok := r.images.Get(primary); ok {
				annotation.Image = &image
			}
		}
		if r.commitLocked(annotation) {
			restored++
		}
	}
	return restored
}

// Remove takes one annotation off the map.
func (r *Reconciler) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.live[id]; !ok {
		return false
	}
	delete(r.live, id)
	r.registry.Remove(id)
	return true
}

// RemoveAll clears the map.
func (r *Reconciler) RemoveAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live = make(map[string]committed)
	r.registry.RemoveAll()
}

// Contains reports whether id is on the map.
func (r *Reconciler) Contains(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.live[id]
	return ok
}

// References reports whether any annotation on the map lists the image at the normalized url.
func (r *Reconciler) References(normalizedURL string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.live {
		for _, imageURL := range entry.annotation.ImageURLs {
			if imagecache.NormalizeURL(imageURL) == normalizedURL {
				return true
			}
		}
	}
	return false
}

// Annotations returns the live annotations in the order they were added.
func (r *Reconciler) Annotations() []annotations.Live {
	r.mu.Lock()
	defer r.mu.Unlock()
	ordered := make([]committed, 0, len(r.live))
	for _, entry := range r.live {
		ordered = append(ordered, entry)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].sequence < ordered[j].sequence })
	result := make([]annotations.Live, 0, len(ordered))
	for _, entry := range ordered {
		result = append(result, entry.annotation)
	}
	return result
}

// Records derives the cacheable form of every live annotation, keyed by id.
func (r *Reconciler) Records() map[string]annotations.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	records := make(map[string]annotations.Record, len(r.live))
	for id, entry := range r.live {
		records[id] = entry.annotation.Record()
	}
	return records
}

// Snapshot is Records with the visible fields of each annotation found in latest taken from
// that entry, so counters that changed after placement reach the cache. Coordinates and image
// urls stay as placed.
func (r *Reconciler) Snapshot(latest map[string]feed.Entry) map[string]annotations.Record {
	records := r.Records()
	for id, entry := range latest {
		record, ok := records[id]
		if !ok {
			continue
		}
		record.Title = entry.Post.RestaurantName
		record.Subtitle = entry.Post.Review
		record.Author = entry.User.DisplayName()
		record.Rating = annotations.IntPointer(entry.Post.StarRating)
		record.HeartCount = annotations.IntPointer(entry.Post.Likes)
		records[id] = record
	}
	return records
}

func (r *Reconciler) commitLocked(annotation annotations.Live) bool {
	if _, ok := r.live[annotation.ID]; ok {
		return false
	}
	r.sequence++
	r.live[annotation.ID] = committed{annotation: annotation, sequence: r.sequence}
	r.registry.Add(annotation)
	return true
}

func (r *Reconciler) prepare(ctx context.Context, entry feed.Entry) (annotations.Live, error) {
	post := entry.Post
	if strings.TrimSpace(post.ID) == "" {
		return annotations.Live{}, fmt.Errorf("reconciler: post without id")
	}
	imageURL := strings.TrimSpace(post.ImageURL)
	if imageURL == "" {
		return annotations.Live{}, ErrMissingImage
	}

	image, err := r.images.Fetch(ctx, imageURL)
	if err != nil {
		return annotations.Live{}, fmt.Errorf("resolve image: %w", err)
	}

	coordinate, err := geo.ParseLocation(post.Location)
	if err != nil {
		return annotations.Live{}, err
	}

	return annotations.Live{
		ID:         post.ID,
		Coordinate: coordinate,
		Title:      post.RestaurantName,
		Subtitle:   post.Review,
		ImageURLs:  []string{imageURL},
		Author:     entry.User.DisplayName(),
		Rating:     annotations.IntPointer(post.StarRating),
		HeartCount: annotations.IntPointer(post.Likes),
		Image:      &image,
	}, nil
}
