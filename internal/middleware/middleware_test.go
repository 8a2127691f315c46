package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/iliyamo/clinic-flow/internal/config"
	"github.com/iliyamo/clinic-flow/internal/utils"
)

const secret = "mw-secret"

func ok(c echo.Context) error { return c.String(http.StatusOK, "ok") }

func serve(e *echo.Echo, method, path, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

// ---- JWT and roles ----

func TestJWTAuthAndRoles(t *testing.T) {
	e := echo.New()
	g := e.Group("/admin", JWTAuth(secret), RequireRole(utils.RoleAdmin))
	g.GET("/who", func(c echo.Context) error {
		return c.String(http.StatusOK, c.Get("user_id").(string))
	})

	admin, err := utils.NewAccessToken(secret, "alice", utils.RoleAdmin, time.Minute)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	staff, _ := utils.NewAccessToken(secret, "bob", utils.RoleStaff, time.Minute)
	foreign, _ := utils.NewAccessToken("other-secret", "eve", utils.RoleAdmin, time.Minute)

	tests := []struct {
		name   string
		auth   string
		status int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"wrong secret", "Bearer " + foreign.Token, http.StatusUnauthorized},
		{"wrong role", "Bearer " + staff.Token, http.StatusForbidden},
		{"admin", "Bearer " + admin.Token, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(e, http.MethodGet, "/admin/who", tt.auth)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rec.Code)
			}
			if tt.status == http.StatusOK && rec.Body.String() != "alice" {
				t.Fatalf("expected subject alice, got %q", rec.Body.String())
			}
		})
	}
}

// ---- rate limit ----

func TestTokenBucketBlocksAfterCapacity(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := config.RateLimitConfig{
		Enabled:        true,
		Capacity:       2,
		RefillTokens:   1,
		RefillInterval: time.Hour,
		TTL:            time.Hour,
		KeyStrategy:    "ip",
		Prefix:         "rl",
	}
	e := echo.New()
	e.GET("/x", ok, NewTokenBucket(cfg, rdb, zerolog.Nop()))

	for i := 0; i < 2; i++ {
		if rec := serve(e, http.MethodGet, "/x", ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}
	rec := serve(e, http.MethodGet, "/x", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected a Retry-After header")
	}
}

func TestTokenBucketFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	cfg := config.RateLimitConfig{Enabled: true, Capacity: 1, RefillTokens: 1, RefillInterval: time.Second, TTL: time.Minute, Prefix: "rl"}
	e := echo.New()
	e.GET("/x", ok, NewTokenBucket(cfg, rdb, zerolog.Nop()))
	for i := 0; i < 3; i++ {
		if rec := serve(e, http.MethodGet, "/x", ""); rec.Code != http.StatusOK {
			t.Fatalf("expected 200 with redis down, got %d", rec.Code)
		}
	}
}

func TestTokenBucketDisabledWithoutRedis(t *testing.T) {
	e := echo.New()
	e.GET("/x", ok, NewTokenBucket(config.RateLimitConfig{Enabled: true, Capacity: 1}, nil, zerolog.Nop()))
	for i := 0; i < 3; i++ {
		if rec := serve(e, http.MethodGet, "/x", ""); rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
	}
}

func TestBuildRateKey(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/v1/visits", nil)
	req.Header.Set(echo.HeaderXRealIP, "10.0.0.7")
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath("/v1/visits")

	cfg := config.RateLimitConfig{Prefix: "rl", KeyStrategy: "ip_route"}
	if got, want := buildRateKey(cfg, c), "rl:ip:10.0.0.7:route:POST /v1/visits"; got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	c.SetParamNames("id")
	c.SetParamValues("lab")
	cfg.KeyStrategy = "ip_station"
	if got, want := buildRateKey(cfg, c), "rl:ip:10.0.0.7:station:lab"; got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	c.Set("user_id", "alice")
	cfg.KeyStrategy = "user"
	if got, want := buildRateKey(cfg, c), "rl:user:alice"; got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

// ---- recovery ----

func TestRecoveryTurnsPanicInto500(t *testing.T) {
	e := echo.New()
	e.Use(Logger(zerolog.Nop()), Recovery(zerolog.Nop()))
	e.GET("/boom", func(c echo.Context) error { panic("boom") })
	if rec := serve(e, http.MethodGet, "/boom", ""); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}
