package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func preflight(t *testing.T, origins []string, origin string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(corsMiddleware(origins...))
	router.OPTIONS("/map", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	request := httptest.NewRequest(http.MethodOptions, "/map", http.NoBody)
	request.Header.Set("Origin", origin)
	request.Header.Set("Access-Control-Request-Method", http.MethodDelete)
	request.Header.Set("Access-Control-Request-Headers", "Authorization")

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	return recorder
}

func TestCORSMiddlewareAllowsCredentialedRequests(t *testing.T) {
	recorder := preflight(t, nil, "https://app.example.com")

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	allowHeaders := recorder.Header().Get("Access-Control-Allow-Headers")
	if !strings.Contains(strings.ToLower(allowHeaders), "authorization") {
		t.Fatalf("expected Access-Control-Allow-Headers to include Authorization, got %q", allowHeaders)
	}
	if recorder.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("expected credentials to be enabled")
	}
	if recorder.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" {
		t.Fatalf("expected the request origin to be echoed, got %q", recorder.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestCORSMiddlewareRestrictsConfiguredOrigins(t *testing.T) {
	recorder := preflight(t, []string{"https://maps.example.com"}, "https://evil.example.com")
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected foreign origin to be refused, got %d", recorder.Code)
	}

	recorder = preflight(t, []string{"https://maps.example.com"}, "https://maps.example.com")
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected configured origin to pass, got %d", recorder.Code)
	}
}
