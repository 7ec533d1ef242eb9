package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/easygopharm/intake/internal/config"
	"github.com/easygopharm/intake/internal/platform/auth"
	"github.com/easygopharm/intake/internal/platform/notification"
	"github.com/easygopharm/intake/internal/platform/telemetry"
)

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

// whoami echoes the resolved actor so tests can see what Authenticate did.
type whoami struct{}

func (whoami) RegisterRoutes(api *echo.Group) {
	api.GET("/whoami", func(c echo.Context) error {
		return c.JSON(http.StatusOK, auth.ActorFromContext(c.Request().Context()))
	})
}

type noRoutes struct{}

func (noRoutes) RegisterRoutes(*echo.Group) {}

func newTestServer(t *testing.T) (*echo.Echo, *auth.TokenIssuer) {
	return newTestServerWith(t, func(*config.Config) {})
}

func newTestServerWith(t *testing.T, mutate func(cfg *config.Config)) (*echo.Echo, *auth.TokenIssuer) {
	t.Helper()
	cfg := &config.Config{
		CORSOrigins:    []string{"http://localhost:3000"},
		RateLimitRPS:   100,
		RateLimitBurst: 100,
		BodyLimit:      "8M",
	}
	mutate(cfg)
	logger := zerolog.Nop()
	tokens := auth.NewTokenIssuer([]byte(strings.Repeat("k", 32)), time.Hour)
	revoked := auth.NewTokenRevocationStore(time.Minute)
	t.Cleanup(revoked.Close)

	dispatcher := notification.NewDispatcher(notification.NewComposer("admin@example.test"),
		notification.NewLogSender(logger), logger, nil)
	t.Cleanup(func() { _ = dispatcher.Close(context.Background()) })

	e := newRouter(cfg, logger, routerDeps{
		metrics:   telemetry.NewMetrics(),
		tokens:    tokens,
		revoked:   revoked,
		pinger:    fakePinger{},
		audit:     noRoutes{},
		staff:     whoami{},
		lifecycle: noRoutes{},
		notify:    notification.NewHandler(dispatcher),
	})
	return e, tokens
}

func get(e *echo.Echo, path, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRouter_Health(t *testing.T) {
	e, _ := newTestServer(t)

	rec := get(e, "/health", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("unexpected /health response %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected security headers on every response")
	}
	if rec.Header().Get("Cache-Control") != "" || rec.Header().Get("Strict-Transport-Security") != "" {
		t.Errorf("health checks are cacheable and dev has no HSTS, got %v", rec.Header())
	}
	if rec.Header().Get(echo.HeaderXRequestID) == "" {
		t.Error("expected a request id")
	}

	if rec := get(e, "/health/db", ""); rec.Code != http.StatusOK {
		t.Errorf("expected /health/db 200, got %d", rec.Code)
	}
}

func TestRouter_Metrics(t *testing.T) {
	e, _ := newTestServer(t)
	get(e, "/health", "")

	rec := get(e, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "intake_http_requests_total") {
		t.Error("expected http request counter in exposition")
	}
}

func TestRouter_Authentication(t *testing.T) {
	e, tokens := newTestServer(t)

	rec := get(e, "/api/v1/whoami", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"role":"GUEST"`) {
		t.Errorf("expected guest actor, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Error("expected API responses to be uncacheable")
	}

	token, _, err := tokens.Issue(auth.Actor{UserID: "u1", Username: "doctor", Name: "Dr. Sarah Bennett", Role: auth.RoleDoctor})
	if err != nil {
		t.Fatal(err)
	}
	rec = get(e, "/api/v1/whoami", token)
	if !strings.Contains(rec.Body.String(), `"role":"DOCTOR"`) {
		t.Errorf("expected doctor actor, got %s", rec.Body.String())
	}

	if rec := get(e, "/api/v1/whoami", "not-a-token"); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for a bad token, got %d", rec.Code)
	}
}

func TestRouter_NotificationEndpoint(t *testing.T) {
	e, _ := newTestServer(t)

	rec := get(e, "/api/v1/notifications/send", "")
	if rec.Code != http.StatusMethodNotAllowed || !strings.Contains(rec.Body.String(), "method_not_allowed") {
		t.Errorf("expected 405 with code, got %d: %s", rec.Code, rec.Body.String())
	}
}

func postFrom(e *echo.Echo, path, remoteAddr, forwardedFor string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.RemoteAddr = remoteAddr
	if forwardedFor != "" {
		req.Header.Set(echo.HeaderXForwardedFor, forwardedFor)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRouter_RateLimitIgnoresSpoofedForwardedFor(t *testing.T) {
	e, _ := newTestServerWith(t, func(cfg *config.Config) {
		cfg.RateLimitRPS = 1
		cfg.RateLimitBurst = 5
	})

	limited := 0
	for i := 0; i < 50; i++ {
		rec := postFrom(e, "/api/v1/notifications/send", "198.51.100.20:40000", fmt.Sprintf("172.16.%d.%d", i/200, i%200+1))
		if rec.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	if limited != 45 {
		t.Errorf("limited = %d of 50, want 45", limited)
	}
}

func TestRouter_RateLimitHonorsTrustedProxy(t *testing.T) {
	e, _ := newTestServerWith(t, func(cfg *config.Config) {
		cfg.RateLimitRPS = 1
		cfg.RateLimitBurst = 1
		cfg.TrustedProxies = []string{"10.0.0.5"}
	})

	if rec := postFrom(e, "/api/v1/notifications/send", "10.0.0.5:1", "203.0.113.1"); rec.Code == http.StatusTooManyRequests {
		t.Fatal("first client behind the proxy was limited")
	}
	if rec := postFrom(e, "/api/v1/notifications/send", "10.0.0.5:1", "203.0.113.2"); rec.Code == http.StatusTooManyRequests {
		t.Error("distinct clients behind a trusted proxy should not share a limiter")
	}
	if rec := postFrom(e, "/api/v1/notifications/send", "10.0.0.5:1", "203.0.113.1"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("repeat client got %d, want 429", rec.Code)
	}

	// An untrusted peer cannot pick its own key.
	if rec := postFrom(e, "/api/v1/notifications/send", "198.51.100.9:1", "203.0.113.50"); rec.Code == http.StatusTooManyRequests {
		t.Fatal("untrusted peer limited on first request")
	}
	if rec := postFrom(e, "/api/v1/notifications/send", "198.51.100.9:1", "203.0.113.51"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("untrusted peer rotating X-Forwarded-For got %d, want 429", rec.Code)
	}
}
