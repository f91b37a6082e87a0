package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultHTTPTimeout   = 15 * time.Second
	maxErrorBodyBytes    = 4 << 10
	headerAuthorization  = "Authorization"
	headerContentType    = "Content-Type"
	contentTypeJSON      = "application/json"
	opHTTPFetchFeed      = "feed.http.fetch_feed"
	opHTTPFetchPost      = "feed.http.fetch_post"
	opHTTPToggleLike     = "feed.http.toggle_like"
	errMessageBadBaseURL = "feed: base url must be absolute http(s)"
)

var errUnexpectedStatus = errors.New("unexpected status")

// HTTPSourceConfig configures a Source backed by a remote REST service.
type HTTPSourceConfig struct {
	BaseURL    string
	APIToken   string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// HTTPSource reads feeds and toggles likes against a remote service speaking the payload
// formats in wire.go.
type HTTPSource struct {
	baseURL  *url.URL
	apiToken string
	client   *http.Client
	logger   *zap.Logger
}

var _ Source = (*HTTPSource)(nil)

// NewHTTPSource validates the base url and constructs an HTTPSource.
func NewHTTPSource(cfg HTTPSourceConfig) (*HTTPSource, error) {
	parsed, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, errors.New(errMessageBadBaseURL)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &HTTPSource{
		baseURL:  parsed,
		apiToken: strings.TrimSpace(cfg.APIToken),
		client:   client,
		logger:   logger,
	}, nil
}

// FetchFeedWithUsers issues GET /users/{id}/feed.
func (h *HTTPSource) FetchFeedWithUsers(ctx context.Context, userID string) ([]Entry, error) {
	var payload FeedPayload
	status, err := h.do(ctx, http.MethodGet, h.endpoint("users", userID, "feed"), nil, &payload)
	if err != nil {
		if status == http.StatusNotFound {
			return nil, newServiceError(opHTTPFetchFeed, "user_not_found", ErrUserNotFound)
		}
		h.logError(opHTTPFetchFeed, "request_failed", err, zap.String("user_id", userID), zap.Int("status", status))
		return nil, newServiceError(opHTTPFetchFeed, "request_failed", err)
	}
	return payload.FeedEntries(), nil
}

// FetchPost issues GET /posts/{id}.
func (h *HTTPSource) FetchPost(ctx context.Context, postID string) (Post, error) {
	var payload PostPayload
	status, err := h.do(ctx, http.MethodGet, h.endpoint("posts", postID), nil, &payload)
	if err != nil {
		if status == http.StatusNotFound {
			return Post{}, newServiceError(opHTTPFetchPost, "post_not_found", ErrPostNotFound)
		}
		h.logError(opHTTPFetchPost, "request_failed", err, zap.String("post_id", postID), zap.Int("status", status))
		return Post{}, newServiceError(opHTTPFetchPost, "request_failed", err)
	}
	return payload.Post(), nil
}

// ToggleLike issues POST /posts/{id}/like.
func (h *HTTPSource) ToggleLike(ctx context.Context, postID, userID string, currentlyLiked bool) (int, bool, error) {
	var response LikeResponse
	request := LikeRequest{UserID: userID, Liked: currentlyLiked}
	status, err := h.do(ctx, http.MethodPost, h.endpoint("posts", postID, "like"), request, &response)
	if err != nil {
		if status == http.StatusNotFound {
			return 0, false, newServiceError(opHTTPToggleLike, "post_not_found", ErrPostNotFound)
		}
		h.logError(opHTTPToggleLike, "request_failed", err, zap.String("post_id", postID), zap.Int("status", status))
		return 0, false, newServiceError(opHTTPToggleLike, "request_failed", err)
	}
	return response.Likes, response.Liked, nil
}

func (h *HTTPSource) endpoint(segments ...string) string {
	return h.baseURL.JoinPath(segments...).String()
}

func (h *HTTPSource) do(ctx context.Context, method, target string, body any, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, err
	}
	request.Header.Set("Accept", contentTypeJSON)
	if body != nil {
		request.Header.Set(headerContentType, contentTypeJSON)
	}
	if h.apiToken != "" {
		request.Header.Set(headerAuthorization, "Bearer "+h.apiToken)
	}

	response, err := h.client.Do(request)
	if err != nil {
		return 0, err
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		return response.StatusCode, fmt.Errorf("%w %d: %s", errUnexpectedStatus, response.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return response.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return response.StatusCode, nil
}

func (h *HTTPSource) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	h.logger.Error("feed http source error", attrs...)
}
