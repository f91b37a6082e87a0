package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/findmyfood/internal/annotations"
	"github.com/MarcoPoloResearchLab/findmyfood/internal/auth"
	"github.com/MarcoPoloResearchLab/findmyfood/internal/database"
	"github.com/MarcoPoloResearchLab/findmyfood/internal/feed"
	"github.com/MarcoPoloResearchLab/findmyfood/internal/imagecache"
	"github.com/MarcoPoloResearchLab/findmyfood/internal/maps"
	"github.com/MarcoPoloResearchLab/findmyfood/internal/users"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "router-secret"
	testIssuer        = "findmyfood-auth"
	testCookieName    = "app_session"
	jsonContentType   = "application/json"
)

type testEnv struct {
	server      *httptest.Server
	feedStore   *feed.Store
	issuer      *auth.TokenIssuer
	imageServer *httptest.Server
	imageHits   atomic.Int32
}

func encodePNG(t *testing.T) []byte {
	t.Helper()
	canvas := image.NewRGBA(image.Rect(0, 0, 3, 2))
	canvas.Set(1, 1, color.RGBA{G: 180, A: 255})
	var buffer bytes.Buffer
	if err := png.Encode(&buffer, canvas); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buffer.Bytes()
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	env := &testEnv{}

	payload := encodePNG(t)
	env.imageServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.imageHits.Add(1)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(payload)
	}))
	t.Cleanup(env.imageServer.Close)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.Migrate(db, zap.NewNop()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	env.feedStore, err = feed.NewStore(feed.StoreConfig{Database: db, IDProvider: feed.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("failed to build feed store: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db, Profiles: env.feedStore})
	if err != nil {
		t.Fatalf("failed to build user service: %v", err)
	}

	fs := afero.NewMemMapFs()
	images, err := imagecache.NewStore(imagecache.Config{Fs: fs, Directory: "/cache/images"})
	if err != nil {
		t.Fatalf("failed to build image store: %v", err)
	}
	metadata, err := annotations.NewStore(annotations.Config{Fs: fs, Directory: "/cache/annotations"})
	if err != nil {
		t.Fatalf("failed to build annotation store: %v", err)
	}
	mapService, err := maps.NewService(maps.ServiceConfig{
		Source:      env.feedStore,
		Publisher:   env.feedStore,
		Images:      images,
		Annotations: metadata,
	})
	if err != nil {
		t.Fatalf("failed to build map service: %v", err)
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to build validator: %v", err)
	}
	env.issuer, err = auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
	})
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator:  validator,
		SessionCookie:     testCookieName,
		Users:             userService,
		Maps:              mapService,
		Feed:              env.feedStore,
		Images:            images,
		HeartbeatInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	env.server = httptest.NewServer(handler)
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) token(t *testing.T, userID string, roles ...string) string {
	t.Helper()
	token, _, err := e.issuer.Issue(auth.Profile{
		UserID:      userID,
		Email:       userID + "@example.com",
		DisplayName: strings.ToUpper(userID[:1]) + userID[1:],
		Roles:       roles,
	})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (e *testEnv) seedFriends(t *testing.T, userID, friendID string) {
	t.Helper()
	ctx := context.Background()
	for _, id := range []string{userID, friendID} {
		if err := e.feedStore.UpsertUser(ctx, feed.User{ID: id, Username: id}); err != nil {
			t.Fatalf("failed to seed user %s: %v", id, err)
		}
	}
	if err := e.feedStore.AddFriendship(ctx, userID, friendID); err != nil {
		t.Fatalf("failed to seed friendship: %v", err)
	}
}

func (e *testEnv) imageURL(name string) string {
	return e.imageServer.URL + "/photos/" + name + ".png"
}

// call issues a bearer-authenticated request and decodes a JSON response into out when given.
func (e *testEnv) call(t *testing.T, method, path, token string, body any, out any) *http.Response {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", jsonContentType)
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request %s %s failed: %v", method, path, err)
	}
	defer response.Body.Close()
	if out != nil {
		if err := json.NewDecoder(response.Body).Decode(out); err != nil {
			t.Fatalf("failed to decode %s %s response: %v", method, path, err)
		}
	}
	return response
}

func (e *testEnv) publish(t *testing.T, token, restaurant, location string) feed.PostPayload {
	t.Helper()
	var post feed.PostPayload
	response := e.call(t, http.MethodPost, "/posts", token, map[string]any{
		"imageUrl":       e.imageURL(restaurant),
		"review":         "worth the queue",
		"location":       location,
		"restaurantName": restaurant,
		"starRating":     5,
	}, &post)
	if response.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 from publish, got %d", response.StatusCode)
	}
	if post.ID == "" {
		t.Fatalf("expected published post id")
	}
	return post
}

func TestRequestsWithoutSessionAreRejected(t *testing.T) {
	env := newTestEnv(t)

	if response := env.call(t, http.MethodGet, "/healthz", "", nil, nil); response.StatusCode != http.StatusOK {
		t.Fatalf("expected healthz to be public, got %d", response.StatusCode)
	}
	var body map[string]string
	response := env.call(t, http.MethodGet, "/map", "", nil, &body)
	if response.StatusCode != http.StatusUnauthorized || body["error"] != "unauthorized" {
		t.Fatalf("expected 401 unauthorized, got %d %v", response.StatusCode, body)
	}
	response = env.call(t, http.MethodGet, "/map", "not-a-jwt", nil, nil)
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for malformed token, got %d", response.StatusCode)
	}
}

func TestSessionCookieAuthenticatesMapRequests(t *testing.T) {
	env := newTestEnv(t)
	request, err := http.NewRequest(http.MethodGet, env.server.URL+"/map", http.NoBody)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.AddCookie(&http.Cookie{Name: testCookieName, Value: env.token(t, "alice")})
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with cookie session, got %d", response.StatusCode)
	}
	var view viewPayload
	if err := json.NewDecoder(response.Body).Decode(&view); err != nil {
		t.Fatalf("failed to decode view: %v", err)
	}
	if view.State != "idle" || len(view.Annotations) != 0 || len(view.Clusters) != 0 {
		t.Fatalf("expected empty idle map, got %+v", view)
	}
}

func TestPublishPlacesPostOnAuthorAndFriendMaps(t *testing.T) {
	env := newTestEnv(t)
	env.seedFriends(t, "alice", "bob")
	aliceToken := env.token(t, "alice")
	bobToken := env.token(t, "bob")
	carolToken := env.token(t, "carol")

	if response := env.call(t, http.MethodGet, "/map", bobToken, nil, nil); response.StatusCode != http.StatusOK {
		t.Fatalf("expected bob's map to open, got %d", response.StatusCode)
	}

	post := env.publish(t, aliceToken, "ichiran", "35.68,139.69")

	var aliceMap annotationsPayload
	env.call(t, http.MethodGet, "/map/annotations", aliceToken, nil, &aliceMap)
	if len(aliceMap.Annotations) != 1 {
		t.Fatalf("expected one annotation on the author's map, got %d", len(aliceMap.Annotations))
	}
	annotation := aliceMap.Annotations[0]
	if annotation.ID != post.ID || annotation.Title != "ichiran" || !annotation.ImageReady {
		t.Fatalf("unexpected annotation %+v", annotation)
	}
	if annotation.ImageWidth != 3 || annotation.ImageHeight != 2 {
		t.Fatalf("expected decoded image dimensions, got %dx%d", annotation.ImageWidth, annotation.ImageHeight)
	}

	var bobMap annotationsPayload
	env.call(t, http.MethodGet, "/map/annotations", bobToken, nil, &bobMap)
	if len(bobMap.Annotations) != 1 || bobMap.Annotations[0].ID != post.ID {
		t.Fatalf("expected the friend's open map to receive the post, got %+v", bobMap.Annotations)
	}

	var carolMap annotationsPayload
	env.call(t, http.MethodGet, "/map/annotations", carolToken, nil, &carolMap)
	if len(carolMap.Annotations) != 0 {
		t.Fatalf("expected strangers not to see the post, got %+v", carolMap.Annotations)
	}

	var refreshed refreshPayload
	response := env.call(t, http.MethodPost, "/map/refresh", bobToken, nil, &refreshed)
	if response.StatusCode != http.StatusOK || refreshed.Added != 0 || refreshed.Skipped != 1 {
		t.Fatalf("expected refresh to skip the already placed post, got %d %+v", response.StatusCode, refreshed)
	}

	if env.imageHits.Load() != 1 {
		t.Fatalf("expected the image to be downloaded once, got %d", env.imageHits.Load())
	}
}

func TestPublishRejectsInvalidLocation(t *testing.T) {
	env := newTestEnv(t)
	var body map[string]string
	response := env.call(t, http.MethodPost, "/posts", env.token(t, "alice"), map[string]any{
		"location":       "north-ish",
		"restaurantName": "mystery diner",
	}, &body)
	if response.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", response.StatusCode)
	}
	if body["error"] != "maps.publish.invalid_location" {
		t.Fatalf("unexpected error code %q", body["error"])
	}

	response = env.call(t, http.MethodPost, "/posts", env.token(t, "alice"), map[string]any{"review": "no name"}, nil)
	if response.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing fields, got %d", response.StatusCode)
	}
}

func TestMapViewValidatesRegion(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "alice")
	env.publish(t, token, "tsuta", "35.73,139.71")
	env.publish(t, token, "afuri", "35.66,139.70")

	var body map[string]string
	response := env.call(t, http.MethodGet, "/map?min_lat=35", token, nil, &body)
	if response.StatusCode != http.StatusBadRequest || body["error"] != "invalid_region" {
		t.Fatalf("expected invalid_region for partial bounds, got %d %v", response.StatusCode, body)
	}
	response = env.call(t, http.MethodGet, "/map?min_lat=40&min_lng=0&max_lat=30&max_lng=10", token, nil, nil)
	if response.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for inverted bounds, got %d", response.StatusCode)
	}

	var view viewPayload
	response = env.call(t, http.MethodGet, "/map?min_lat=0&min_lng=0&max_lat=10&max_lng=10", token, nil, &view)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.StatusCode)
	}
	if len(view.Annotations) != 0 || len(view.Clusters) != 0 {
		t.Fatalf("expected nothing outside tokyo to render, got %+v", view)
	}

	env.call(t, http.MethodGet, "/map", token, nil, &view)
	rendered := len(view.Annotations)
	for _, cluster := range view.Clusters {
		rendered += cluster.Count
	}
	if rendered != 2 {
		t.Fatalf("expected both posts to render individually or clustered, got %+v", view)
	}
}

func TestClusterDrillDownReportsUnknownCluster(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "alice")

	var body map[string]string
	response := env.call(t, http.MethodGet, "/map/clusters/cluster-missing", token, nil, &body)
	if response.StatusCode != http.StatusNotFound || body["error"] != "maps.members.cluster_not_found" {
		t.Fatalf("expected cluster_not_found, got %d %v", response.StatusCode, body)
	}
	response = env.call(t, http.MethodPost, "/map/clusters/cluster-missing/select", token, map[string]string{"annotationId": "x"}, &body)
	if response.StatusCode != http.StatusNotFound || body["error"] != "maps.select.cluster_not_found" {
		t.Fatalf("expected select cluster_not_found, got %d %v", response.StatusCode, body)
	}
}

func TestLikeAndCommentRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.seedFriends(t, "alice", "bob")
	post := env.publish(t, env.token(t, "alice"), "menya", "35.70,139.77")
	bobToken := env.token(t, "bob")

	var liked feed.LikeResponse
	response := env.call(t, http.MethodPost, "/posts/"+post.ID+"/like", bobToken, feed.LikeRequest{Liked: false}, &liked)
	if response.StatusCode != http.StatusOK || liked.Likes != 1 || !liked.Liked {
		t.Fatalf("expected like to register, got %d %+v", response.StatusCode, liked)
	}
	env.call(t, http.MethodPost, "/posts/"+post.ID+"/like", bobToken, feed.LikeRequest{Liked: true}, &liked)
	if liked.Likes != 0 || liked.Liked {
		t.Fatalf("expected unlike, got %+v", liked)
	}

	var body map[string]string
	response = env.call(t, http.MethodPost, "/posts/"+post.ID+"/like", bobToken, feed.LikeRequest{UserID: "alice"}, &body)
	if response.StatusCode != http.StatusForbidden {
		t.Fatalf("expected liking on behalf of another user to be forbidden, got %d", response.StatusCode)
	}

	response = env.call(t, http.MethodPost, "/posts/missing/like", bobToken, feed.LikeRequest{}, &body)
	if response.StatusCode != http.StatusNotFound || body["error"] != "maps.toggle_like.post_not_found" {
		t.Fatalf("expected post_not_found, got %d %v", response.StatusCode, body)
	}

	var commented feed.PostPayload
	response = env.call(t, http.MethodPost, "/posts/"+post.ID+"/comments", bobToken, map[string]string{"body": "adding to my list"}, &commented)
	if response.StatusCode != http.StatusCreated || len(commented.Comments) != 1 {
		t.Fatalf("expected comment to be stored, got %d %+v", response.StatusCode, commented)
	}
	response = env.call(t, http.MethodPost, "/posts/"+post.ID+"/comments", bobToken, map[string]string{"body": "   "}, &body)
	if response.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected blank comment to be rejected, got %d", response.StatusCode)
	}
}

func TestRemoveAnnotationAndLogout(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "alice")
	post := env.publish(t, token, "fuunji", "35.69,139.69")

	if response := env.call(t, http.MethodDelete, "/map/annotations/"+post.ID, token, nil, nil); response.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 on removal, got %d", response.StatusCode)
	}
	var body map[string]string
	response := env.call(t, http.MethodDelete, "/map/annotations/"+post.ID, token, nil, &body)
	if response.StatusCode != http.StatusNotFound || body["error"] != "maps.remove.annotation_not_found" {
		t.Fatalf("expected annotation_not_found, got %d %v", response.StatusCode, body)
	}

	env.publish(t, token, "rokurinsha", "35.68,139.77")
	if response := env.call(t, http.MethodDelete, "/map/annotations", token, nil, nil); response.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 on remove all, got %d", response.StatusCode)
	}
	var listed annotationsPayload
	env.call(t, http.MethodGet, "/map/annotations", token, nil, &listed)
	if len(listed.Annotations) != 0 {
		t.Fatalf("expected an empty map after remove all, got %d", len(listed.Annotations))
	}

	response = env.call(t, http.MethodPost, "/auth/logout", token, nil, nil)
	if response.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 on logout, got %d", response.StatusCode)
	}
	cleared := false
	for _, cookie := range response.Cookies() {
		if cookie.Name == testCookieName && cookie.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Fatalf("expected logout to clear the session cookie, got %v", response.Header.Values("Set-Cookie"))
	}
}

func TestImageEndpointServesCachedBytes(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(t, "alice")
	env.publish(t, token, "katsu", "35.66,139.70")
	target := "/images?url=" + url.QueryEscape(env.imageURL("katsu"))

	for attempt := 0; attempt < 2; attempt++ {
		request, err := http.NewRequest(http.MethodGet, env.server.URL+target, http.NoBody)
		if err != nil {
			t.Fatalf("failed to build request: %v", err)
		}
		request.Header.Set("Authorization", "Bearer "+token)
		response, err := http.DefaultClient.Do(request)
		if err != nil {
			t.Fatalf("image request failed: %v", err)
		}
		data, _ := io.ReadAll(response.Body)
		response.Body.Close()
		if response.StatusCode != http.StatusOK || response.Header.Get("Content-Type") != "image/png" || len(data) == 0 {
			t.Fatalf("unexpected image response %d %q (%d bytes)", response.StatusCode, response.Header.Get("Content-Type"), len(data))
		}
	}
	if env.imageHits.Load() != 1 {
		t.Fatalf("expected one upstream download, got %d", env.imageHits.Load())
	}

	if response := env.call(t, http.MethodGet, "/images", token, nil, nil); response.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without url, got %d", response.StatusCode)
	}
}

func TestImageEndpointRefusesUrlsOffTheCallersMap(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, env.token(t, "bob"), "ramen", "35.69,139.70")
	hitsAfterPublish := env.imageHits.Load()
	token := env.token(t, "alice")

	refused := []string{
		env.imageURL("ramen"),
		env.imageURL("unlisted"),
		"http://169.254.169.254/latest/meta-data/",
	}
	for _, rawURL := range refused {
		var body map[string]string
		response := env.call(t, http.MethodGet, "/images?url="+url.QueryEscape(rawURL), token, nil, &body)
		if response.StatusCode != http.StatusNotFound || body["error"] != "maps.image.not_on_map" {
			t.Fatalf("expected 404 not_on_map for %s, got %d %v", rawURL, response.StatusCode, body)
		}
	}
	if env.imageHits.Load() != hitsAfterPublish {
		t.Fatalf("expected refused urls to skip the network, got %d hits", env.imageHits.Load()-hitsAfterPublish)
	}
}

func TestFeedAPIServesRemoteSources(t *testing.T) {
	env := newTestEnv(t)
	env.seedFriends(t, "alice", "bob")
	post := env.publish(t, env.token(t, "alice"), "nagi", "35.69,139.70")

	source, err := feed.NewHTTPSource(feed.HTTPSourceConfig{
		BaseURL:  env.server.URL + "/api",
		APIToken: env.token(t, "map-server", ServiceRole),
	})
	if err != nil {
		t.Fatalf("failed to build http source: %v", err)
	}
	ctx := context.Background()

	entries, err := source.FetchFeedWithUsers(ctx, "bob")
	if err != nil {
		t.Fatalf("unexpected feed error: %v", err)
	}
	if len(entries) != 1 || entries[0].Post.ID != post.ID || entries[0].User.ID != "alice" {
		t.Fatalf("unexpected remote feed %+v", entries)
	}

	fetched, err := source.FetchPost(ctx, post.ID)
	if err != nil || fetched.RestaurantName != "nagi" {
		t.Fatalf("unexpected remote post %+v (%v)", fetched, err)
	}
	if _, err := source.FetchPost(ctx, "missing"); err == nil {
		t.Fatalf("expected missing post error")
	}

	likes, liked, err := source.ToggleLike(ctx, post.ID, "bob", false)
	if err != nil || likes != 1 || !liked {
		t.Fatalf("unexpected remote like %d %v (%v)", likes, liked, err)
	}

	response := env.call(t, http.MethodGet, "/api/users/alice/feed", env.token(t, "bob"), nil, nil)
	if response.StatusCode != http.StatusForbidden {
		t.Fatalf("expected reading another user's feed to be forbidden, got %d", response.StatusCode)
	}
	var own feed.FeedPayload
	response = env.call(t, http.MethodGet, "/api/users/bob/feed", env.token(t, "bob"), nil, &own)
	if response.StatusCode != http.StatusOK || len(own.Entries) != 1 {
		t.Fatalf("expected own feed to be readable, got %d %+v", response.StatusCode, own)
	}
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err != errMissingSessionValidator {
		t.Fatalf("expected missing validator error, got %v", err)
	}
}
