package clustering

import (
	"encoding/hex"
	"errors"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/findmyfood/internal/annotations"
	"github.com/MarcoPoloResearchLab/findmyfood/internal/geo"
	"go.uber.org/zap"
)

const (
	// DefaultGridDivisions splits each viewport axis into this many clustering cells.
	DefaultGridDivisions = 8
	// DefaultZoomThreshold is the zoom-metric change (degrees of lat+lng span) that forces a recompute.
	DefaultZoomThreshold = 0.01

	minimumCellSpan = 1e-9
)

var (
	// ErrClusterNotFound indicates the cluster id is not part of the last computed view.
	ErrClusterNotFound = errors.New("clustering: cluster not found")
	// ErrMemberNotFound indicates the annotation is not a member of the cluster.
	ErrMemberNotFound = errors.New("clustering: annotation not in cluster")

	noOpLogger = zap.NewNop()
)

// Config tunes the grid used to group annotations.
type Config struct {
	GridDivisions int
	ZoomThreshold float64
	Logger        *zap.Logger
}

// Cluster is a group of two or more annotations at distinct coordinates.
type Cluster struct {
	ID             string
	Members        []annotations.Live
	Representative annotations.Live
	Count          int
	UniqueCount    int
	Centroid       geo.Coordinate
}

// View is what renders for one viewport: clusters plus annotations drawn on their own.
type View struct {
	Clusters    []Cluster
	Annotations []annotations.Live
	Generation  uint64
	Recomputed  bool
}

type member struct {
	annotation annotations.Live
	sequence   uint64
}

// Policy decides which annotations render individually and which merge into clusters.
// Members are kept in insertion order; the most recently added member of a cluster is its
// representative.
type Policy struct {
	mu            sync.Mutex
	gridDivisions int
	zoomThreshold float64
	logger        *zap.Logger

	members  map[string]member
	sequence uint64

	hasZoom    bool
	lastZoom   float64
	generation uint64
	stale      bool

	lastRegion   geo.Region
	lastView     *View
	clustersByID map[string]Cluster
	openCluster  string
	selected     string
}

// NewPolicy constructs an empty Policy.
func NewPolicy(cfg Config) *Policy {
	divisions := cfg.GridDivisions
	if divisions <= 0 {
		divisions = DefaultGridDivisions
	}
	threshold := cfg.ZoomThreshold
	if threshold <= 0 {
		threshold = DefaultZoomThreshold
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Policy{
		gridDivisions: divisions,
		zoomThreshold: threshold,
		logger:        logger,
		members:       make(map[string]member),
		clustersByID:  make(map[string]Cluster),
	}
}

// Add registers an annotation. Registering an id again replaces the earlier annotation.
func (p *Policy) Add(annotation annotations.Live) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sequence++
	p.members[annotation.ID] = member{annotation: annotation, sequence: p.sequence}
	p.stale = true
}

// Remove unregisters an annotation by id.
func (p *Policy) Remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.members[id]; !ok {
		return
	}
	delete(p.members, id)
	if p.selected == id {
		p.selected = ""
	}
	p.stale = true
}

// RemoveAll unregisters every annotation.
func (p *Policy) RemoveAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.members = make(map[string]member)
	p.selected = ""
	p.openCluster = ""
	p.stale = true
}

// Len returns the number of registered annotations.
func (p *Policy) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.members)
}

// RecomputeClusters discards every memoized grouping and records zoom as the new baseline.
func (p *Policy) RecomputeClusters(zoom float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recomputeLocked(zoom)
}

func (p *Policy) recomputeLocked(zoom float64) {
	p.hasZoom = true
	p.lastZoom = zoom
	p.generation++
	p.stale = true
	p.openCluster = ""
	p.logger.Debug("clusters recomputed", zap.Float64("zoom", zoom), zap.Uint64("generation", p.generation))
}

// Clusters returns the view for region. A zoom change larger than the threshold since the
// last recompute forces a recompute first.
func (p *Policy) Clusters(region geo.Region) View {
	p.mu.Lock()
	defer p.mu.Unlock()

	recomputed := false
	zoom := region.ZoomMetric()
	if !p.hasZoom || math.Abs(zoom-p.lastZoom) > p.zoomThreshold {
		p.recomputeLocked(zoom)
		recomputed = true
	}

	if !p.stale && p.lastView != nil && p.lastRegion == region {
		view := *p.lastView
		view.Recomputed = recomputed
		return view
	}

	view := p.buildLocked(region)
	view.Recomputed = recomputed
	p.lastRegion = region
	p.lastView = &view
	p.stale = false
	p.clustersByID = make(map[string]Cluster, len(view.Clusters))
	for _, cluster := range view.Clusters {
		p.clustersByID[cluster.ID] = cluster
	}
	if _, ok := p.clustersByID[p.openCluster]; !ok {
		p.openCluster = ""
	}
	return view
}

type cellKey struct {
	row    int64
	column int64
}

func (p *Policy) buildLocked(region geo.Region) View {
	cellLatitude := math.Max(region.LatitudeDelta()/float64(p.gridDivisions), minimumCellSpan)
	cellLongitude := math.Max(region.LongitudeDelta()/float64(p.gridDivisions), minimumCellSpan)

	cells := make(map[cellKey][]member)
	for _, candidate := range p.members {
		coordinate := candidate.annotation.Coordinate
		if !region.Contains(coordinate) {
			continue
		}
		key := cellKey{
			row:    int64(math.Floor(coordinate.Latitude / cellLatitude)),
			column: int64(math.Floor(coordinate.Longitude / cellLongitude)),
		}
		cells[key] = append(cells[key], candidate)
	}

	view := View{Generation: p.generation}
	for _, cellMembers := range cells {
		sort.Slice(cellMembers, func(i, j int) bool { return cellMembers[i].sequence < cellMembers[j].sequence })
		cluster, ok := formCluster(cellMembers)
		if !ok {
			for _, single := range cellMembers {
				view.Annotations = append(view.Annotations, single.annotation)
			}
			continue
		}
		view.Clusters = append(view.Clusters, cluster)
	}

	sort.Slice(view.Clusters, func(i, j int) bool { return view.Clusters[i].ID < view.Clusters[j].ID })
	sort.Slice(view.Annotations, func(i, j int) bool {
		return p.members[view.Annotations[i].ID].sequence < p.members[view.Annotations[j].ID].sequence
	})
	return view
}

// formCluster expects members in ascending sequence order. Bit-identical coordinates count
// once towards the two-unique-member minimum but every member counts towards Count.
func formCluster(cellMembers []member) (Cluster, bool) {
	unique := make(map[[2]uint64]geo.Coordinate)
	for _, candidate := range cellMembers {
		unique[candidate.annotation.Coordinate.Key()] = candidate.annotation.Coordinate
	}
	if len(unique) < 2 {
		return Cluster{}, false
	}

	var latitudeSum, longitudeSum float64
	for _, coordinate := range unique {
		latitudeSum += coordinate.Latitude
		longitudeSum += coordinate.Longitude
	}

	members := make([]annotations.Live, 0, len(cellMembers))
	ids := make([]string, 0, len(cellMembers))
	for _, candidate := range cellMembers {
		members = append(members, candidate.annotation)
		ids = append(ids, candidate.annotation.ID)
	}

	return Cluster{
		ID:             clusterID(ids),
		Members:        members,
		Representative: members[len(members)-1],
		Count:          len(members),
		UniqueCount:    len(unique),
		Centroid: geo.Coordinate{
			Latitude:  latitudeSum / float64(len(unique)),
			Longitude: longitudeSum / float64(len(unique)),
		},
	}, true
}

func clusterID(memberIDs []string) string {
	sorted := append([]string(nil), memberIDs...)
	sort.Strings(sorted)
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.Join(sorted, "\x00")))
	return "cluster-" + hex.EncodeToString(hasher.Sum(nil))
}

// Members opens a cluster from the last computed view and returns its members.
func (p *Policy) Members(clusterID string) ([]annotations.Live, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cluster, ok := p.clustersByID[clusterID]
	if !ok {
		return nil, ErrClusterNotFound
	}
	p.openCluster = clusterID
	return append([]annotations.Live(nil), cluster.Members...), nil
}

// Select closes the cluster and selects one of its members as an individual annotation.
func (p *Policy) Select(clusterID, annotationID string) (annotations.Live, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cluster, ok := p.clustersByID[clusterID]
	if !ok {
		return annotations.Live{}, ErrClusterNotFound
	}
	for _, candidate := range cluster.Members {
		if candidate.ID == annotationID {
			p.openCluster = ""
			p.selected = annotationID
			return candidate, nil
		}
	}
	return annotations.Live{}, ErrMemberNotFound
}

// OpenCluster returns the id of the cluster whose member list is showing, if any.
func (p *Policy) OpenCluster() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.openCluster
}

// Selected returns the id of the selected annotation, if any.
func (p *Policy) Selected() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.selected
}
