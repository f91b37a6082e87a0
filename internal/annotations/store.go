package annotations

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/findmyfood/internal/fsutil"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const (
	// DefaultMaxAge is the staleness threshold used when callers pass no explicit age.
	DefaultMaxAge = time.Hour

	maxRating            = 5
	maxIdentifierLength  = 190
	cacheFilePrefix      = "annotations_"
	cacheFileSuffix      = ".json"
	userKeyHexCharacters = 32
)

var (
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("annotations: invalid user id")

	errMissingDirectory = errors.New("annotations: directory is required")
	noOpLogger          = zap.NewNop()
)

const (
	opSave         = "annotations.save"
	opLoad         = "annotations.load"
	opNeedsRefresh = "annotations.needs_refresh"
	opClear        = "annotations.clear"
)

// Config describes where a Store keeps its per-user files.
type Config struct {
	Fs        afero.Fs
	Directory string
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Store persists per-user annotation snapshots as JSON files. Every I/O or decode failure
// is logged and reported to callers as a cache miss.
type Store struct {
	fs        afero.Fs
	directory string
	clock     func() time.Time
	logger    *zap.Logger
}

// NewStore constructs a Store and creates its directory.
func NewStore(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Directory) == "" {
		return nil, errMissingDirectory
	}
	fs := cfg.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	if err := fs.MkdirAll(cfg.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("annotations: creating directory: %w", err)
	}
	return &Store{
		fs:        fs,
		directory: cfg.Directory,
		clock:     clock,
		logger:    logger,
	}, nil
}

// Save writes the snapshot for userID, replacing any previous file. A record whose visible
// fields match the stored copy keeps its LastUpdated; otherwise LastUpdated becomes now.
// CachedAt is carried forward from the stored copy when one exists.
func (s *Store) Save(records map[string]Record, userID string) {
	path, err := s.path(userID)
	if err != nil {
		s.logError(opSave, "invalid_user_id", err)
		return
	}

	existing, _ := s.readRecords(opSave, path, userID)
	now := s.clock().UTC()

	merged := make([]Record, 0, len(records))
	for id, incoming := range records {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		record := normalizeRecord(incoming)
		record.ID = id
		record.CachedAt = now
		record.LastUpdated = now
		if previous, ok := existing[id]; ok {
			if !previous.CachedAt.IsZero() {
				record.CachedAt = previous.CachedAt
			}
			if previous.SameContent(record) {
				record.LastUpdated = previous.LastUpdated
			}
		}
		merged = append(merged, record)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].ID < merged[j].ID })

	payload, err := json.Marshal(merged)
	if err != nil {
		s.logError(opSave, "encode_failed", err, zap.String("user_id", userID))
		return
	}
	if err := fsutil.WriteFileAtomic(s.fs, path, payload); err != nil {
		s.logError(opSave, "write_failed", err, zap.String("user_id", userID))
		return
	}
	s.logger.Debug("annotations cached", zap.String("user_id", userID), zap.Int("count", len(merged)))
}

// Load returns the cached snapshot for userID. ok is false when the file is absent or unreadable.
func (s *Store) Load(userID string) (map[string]Record, bool) {
	path, err := s.path(userID)
	if err != nil {
		s.logError(opLoad, "invalid_user_id", err)
		return nil, false
	}
	return s.readRecords(opLoad, path, userID)
}

// NeedsRefresh reports true when the snapshot is absent or empty, or when any single record
// was last updated more than maxAge ago.
func (s *Store) NeedsRefresh(userID string, maxAge time.Duration) bool {
	path, err := s.path(userID)
	if err != nil {
		s.logError(opNeedsRefresh, "invalid_user_id", err)
		return true
	}
	records, ok := s.readRecords(opNeedsRefresh, path, userID)
	if !ok || len(records) == 0 {
		return true
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	now := s.clock()
	for _, record := range records {
		if now.Sub(record.LastUpdated) > maxAge {
			return true
		}
	}
	return false
}

// Clear deletes the snapshot for userID. An absent file is not an error.
func (s *Store) Clear(userID string) {
	path, err := s.path(userID)
	if err != nil {
		s.logError(opClear, "invalid_user_id", err)
		return
	}
	if err := s.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logError(opClear, "remove_failed", err, zap.String("user_id", userID))
		return
	}
	s.logger.Debug("annotations cache cleared", zap.String("user_id", userID))
}

func (s *Store) readRecords(operation, path, userID string) (map[string]Record, bool) {
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logError(operation, "read_failed", err, zap.String("user_id", userID))
		}
		return nil, false
	}
	var stored []Record
	if err := json.Unmarshal(data, &stored); err != nil {
		s.logError(operation, "decode_failed", err, zap.String("user_id", userID))
		return nil, false
	}
	records := make(map[string]Record, len(stored))
	for _, record := range stored {
		records[record.ID] = record
	}
	return records, true
}

// path maps a user id onto a fixed-width file name so that identifiers containing
// separators or provider prefixes never escape the cache directory.
func (s *Store) path(userID string) (string, error) {
	trimmed := strings.TrimSpace(userID)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	sum := sha256.Sum256([]byte(trimmed))
	key := hex.EncodeToString(sum[:])[:userKeyHexCharacters]
	return filepath.Join(s.directory, cacheFilePrefix+key+cacheFileSuffix), nil
}

func normalizeRecord(record Record) Record {
	if record.Rating != nil && (*record.Rating < 0 || *record.Rating > maxRating) {
		record.Rating = nil
	}
	if record.HeartCount != nil && *record.HeartCount < 0 {
		record.HeartCount = nil
	}
	if record.ImageURLs == nil {
		record.ImageURLs = []string{}
	}
	return record
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("annotations cache error", attrs...)
}
