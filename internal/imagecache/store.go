package imagecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultMemoryItems bounds the number of images held in memory.
	DefaultMemoryItems = 100
	// DefaultMemoryBytes bounds the total payload bytes held in memory.
	DefaultMemoryBytes int64 = 100 * 1024 * 1024
	defaultFetchTimeout      = 30 * time.Second
	defaultUserAgent         = "findmyfood-imagecache/1.0"
	maxPayloadBytes          = 32 * 1024 * 1024
)

var (
	errMissingDirectory = errors.New("imagecache: directory is required")
	noOpLogger          = zap.NewNop()
)

// Config describes the tiers and transport of a Store.
type Config struct {
	Fs           afero.Fs
	Directory    string
	MemoryItems  int
	MemoryBytes  int64
	HTTPClient   *http.Client
	FetchTimeout time.Duration
	UserAgent    string
	Logger       *zap.Logger
}

// Store resolves image URLs through a bounded memory tier and an authoritative disk tier.
type Store struct {
	memory       *memoryTier
	disk         *diskTier
	httpClient   *http.Client
	fetchTimeout time.Duration
	userAgent    string
	logger       *zap.Logger
	inflight     singleflight.Group
}

// Stats summarizes the memory tier.
type Stats struct {
	MemoryItems int
	MemoryBytes int64
}

// NewStore constructs a Store and creates its disk directory.
func NewStore(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Directory) == "" {
		return nil, errMissingDirectory
	}
	fs := cfg.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	memoryItems := cfg.MemoryItems
	if memoryItems <= 0 {
		memoryItems = DefaultMemoryItems
	}
	memoryBytes := cfg.MemoryBytes
	if memoryBytes <= 0 {
		memoryBytes = DefaultMemoryBytes
	}
	fetchTimeout := cfg.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = defaultFetchTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: fetchTimeout}
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	disk, err := newDiskTier(fs, cfg.Directory)
	if err != nil {
		return nil, fmt.Errorf("imagecache: creating directory: %w", err)
	}

	return &Store{
		memory:       newMemoryTier(memoryItems, memoryBytes),
		disk:         disk,
		httpClient:   httpClient,
		fetchTimeout: fetchTimeout,
		userAgent:    userAgent,
		logger:       logger,
	}, nil
}

// NormalizeURL derives the cache key for a source URL.
func NormalizeURL(rawURL string) string {
	trimmed := strings.TrimSpace(rawURL)
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return trimmed
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Fragment = ""
	parsed.RawFragment = ""
	return parsed.String()
}

// Get returns a cached image from memory or disk. It never touches the network.
// A disk hit is promoted back into the memory tier.
func (s *Store) Get(rawURL string) (Image, bool) {
	key := NormalizeURL(rawURL)
	if key == "" {
		return Image{}, false
	}
	if img, ok := s.memory.get(key); ok {
		return img, true
	}

	data, found, err := s.disk.read(key)
	if err != nil {
		s.logger.Warn("image disk read failed", zap.String("url", key), zap.Error(err))
		return Image{}, false
	}
	if !found {
		return Image{}, false
	}
	img, err := Decode(data)
	if err != nil {
		s.logger.Warn("discarding undecodable cached image", zap.String("url", key), zap.Error(err))
		if removeErr := s.disk.remove(key); removeErr != nil {
			s.logger.Warn("image disk remove failed", zap.String("url", key), zap.Error(removeErr))
		}
		return Image{}, false
	}
	s.memory.add(key, img)
	return img, true
}

// Fetch returns the cached image or retrieves, decodes, and stores it.
// Concurrent fetches of the same URL share one retrieval, which outlives the cancellation of
// the caller that started it and is bounded by the fetch timeout.
func (s *Store) Fetch(ctx context.Context, rawURL string) (Image, error) {
	key := NormalizeURL(rawURL)
	if key == "" {
		return Image{}, &TransportError{URL: rawURL, Err: errEmptyCacheKey}
	}
	if img, ok := s.Get(key); ok {
		return img, nil
	}

	value, err, _ := s.inflight.Do(key, func() (interface{}, error) {
		if img, ok := s.memory.get(key); ok {
			return img, nil
		}
		data, err := s.download(context.WithoutCancel(ctx), key)
		if err != nil {
			return Image{}, err
		}
		img, err := Decode(data)
		if err != nil {
			return Image{}, &DecodeError{URL: key, Err: err}
		}
		s.Store(img, key)
		return img, nil
	})
	if err != nil {
		return Image{}, err
	}
	return value.(Image), nil
}

func (s *Store) download(ctx context.Context, key string) ([]byte, error) {
	requestCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()

	request, err := http.NewRequestWithContext(requestCtx, http.MethodGet, key, nil)
	if err != nil {
		return nil, &TransportError{URL: key, Err: err}
	}
	request.Header.Set("User-Agent", s.userAgent)
	request.Header.Set("Accept", "image/*")

	response, err := s.httpClient.Do(request)
	if err != nil {
		return nil, &TransportError{URL: key, Err: err}
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return nil, &TransportError{URL: key, StatusCode: response.StatusCode, Err: errUnexpectedCode}
	}
	data, err := io.ReadAll(io.LimitReader(response.Body, maxPayloadBytes))
	if err != nil {
		return nil, &TransportError{URL: key, Err: err}
	}
	return data, nil
}

// Store writes the image into both tiers. Disk failures are logged, not returned.
func (s *Store) Store(img Image, rawURL string) {
	key := NormalizeURL(rawURL)
	if key == "" {
		return
	}
	s.memory.add(key, img)
	if err := s.disk.write(key, img.Data); err != nil {
		s.logger.Warn("image disk write failed", zap.String("url", key), zap.Error(err))
	}
}

// Prefetch warms the cache for each URL in its own goroutine. Results are not reported.
func (s *Store) Prefetch(urls []string) {
	for _, rawURL := range urls {
		go func(target string) {
			ctx, cancel := context.WithTimeout(context.Background(), s.fetchTimeout)
			defer cancel()
			if _, err := s.Fetch(ctx, target); err != nil {
				s.logger.Debug("image prefetch failed", zap.String("url", target), zap.Error(err))
			}
		}(rawURL)
	}
}

// ClearMemory drops every image from the memory tier.
func (s *Store) ClearMemory() {
	s.memory.clear()
}

// ClearDisk removes and recreates the disk directory.
func (s *Store) ClearDisk() {
	if err := s.disk.clear(); err != nil {
		s.logger.Error("image disk clear failed", zap.String("directory", s.disk.directory), zap.Error(err))
	}
}

// Clear empties both tiers.
func (s *Store) Clear() {
	s.ClearMemory()
	s.ClearDisk()
}

// Stats reports the memory tier occupancy.
func (s *Store) Stats() Stats {
	items, bytes := s.memory.stats()
	return Stats{MemoryItems: items, MemoryBytes: bytes}
}

// LogStats writes the memory tier occupancy at debug level.
func (s *Store) LogStats() {
	stats := s.Stats()
	s.logger.Debug("image cache stats",
		zap.Int("memory_items", stats.MemoryItems),
		zap.String("memory_bytes", humanize.IBytes(uint64(stats.MemoryBytes))))
}
