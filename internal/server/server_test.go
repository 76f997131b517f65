package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/bigkaa/docforge/lifecycle-module/internal/api/handlers"
	"github.com/bigkaa/docforge/lifecycle-module/internal/api/middleware"
	"github.com/bigkaa/docforge/lifecycle-module/internal/config"
	"github.com/bigkaa/docforge/lifecycle-module/internal/service"
)

const (
	testKeyID  = "server-test-key"
	testIssuer = "https://idp.test/realms/docforge"
	adminRole  = "lifecycle-admin"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// authResolver — SessionResolver для аутентифицированных запросов: сессия не нужна.
type authResolver struct{}

func (authResolver) Resolve(context.Context, service.ResolveInput) (*service.Resolution, error) {
	return &service.Resolution{}, nil
}

type testEnv struct {
	key    *rsa.PrivateKey
	router http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	jwks, _ := json.Marshal(map[string]any{
		"keys": []map[string]any{{
			"kty": "RSA",
			"kid": testKeyID,
			"use": "sig",
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
		}},
	})
	kf, err := keyfunc.NewJWKSetJSON(jwks)
	if err != nil {
		t.Fatal(err)
	}

	logger := testLogger()
	cfg := &config.Config{
		Port:               8030,
		AdminRole:          adminRole,
		CORSAllowedOrigins: []string{"https://app.test"},
		ShutdownTimeout:    time.Second,
	}
	sweeper := service.NewSweeper(nil, nil, time.Hour, 0, 0, 0, logger)

	router := NewRouter(cfg, logger, Handlers{
		Health:       handlers.NewHealthHandler(handlers.ReadinessFunc(func() (string, string) { return "ok", "" }), nil, nil),
		Files:        handlers.NewFilesHandler(nil, 1<<20, logger),
		Processing:   handlers.NewProcessingHandler(nil, logger),
		Guest:        handlers.NewGuestHandler(nil, logger),
		Admin:        handlers.NewAdminHandler(nil, sweeper, nil, nil, logger),
		JWTAuth:      middleware.NewJWTAuthWithKeyfunc(kf, testIssuer, logger),
		RateLimiter:  middleware.NewGuestRateLimiter(100, time.Minute, false),
		GuestSession: middleware.GuestSession(authResolver{}, middleware.CookieConfig{Name: "guest_session", MaxAge: time.Hour}, false, logger),
	})
	return &testEnv{key: key, router: router}
}

func (e *testEnv) token(t *testing.T, roles ...string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": "user-1",
		"iss": testIssuer,
		"exp": jwt.NewNumericDate(time.Now().Add(time.Hour)),
		"realm_access": map[string]any{
			"roles": roles,
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = testKeyID
	s, err := tok.SignedString(e.key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func (e *testEnv) do(method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestRouter_Public(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.do(http.MethodGet, "/health/live", ""); rec.Code != http.StatusOK {
		t.Errorf("/health/live: статус %d", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/health/ready", ""); rec.Code != http.StatusOK {
		t.Errorf("/health/ready: статус %d", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/metrics", ""); rec.Code != http.StatusOK {
		t.Errorf("/metrics: статус %d", rec.Code)
	}
	// Скачивание по подписи доступно только для локального хранилища
	if rec := env.do(http.MethodGet, "/files/uploads/a.pdf", ""); rec.Code != http.StatusNotFound {
		t.Errorf("/files без локального хранилища: хотели 404, получили %d", rec.Code)
	}
}

func TestRouter_Admin(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"аноним", "", http.StatusUnauthorized},
		{"без роли", env.token(t, "user"), http.StatusForbidden},
		{"администратор", env.token(t, adminRole), http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := env.do(http.MethodGet, "/api/v1/admin/sweeper", tt.token); rec.Code != tt.want {
				t.Errorf("статус: хотели %d, получили %d", tt.want, rec.Code)
			}
		})
	}
}

func TestRouter_ActorSurface(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/api/v1/guest/quota", env.token(t))
	if rec.Code != http.StatusOK {
		t.Fatalf("статус: хотели 200, получили %d", rec.Code)
	}
	var resp struct {
		Authenticated bool `json:"authenticated"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.Authenticated {
		t.Error("запрос с токеном должен быть аутентифицирован")
	}

	if rec := env.do(http.MethodGet, "/api/v1/guest/quota", "broken"); rec.Code != http.StatusUnauthorized {
		t.Errorf("невалидный токен: хотели 401, получили %d", rec.Code)
	}
}

// Маршрут поиска персональных данных смонтирован в пользовательской группе.
func TestRouter_DetectPIIRoute(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/detect-pii", strings.NewReader(`{`))
	req.Header.Set("Authorization", "Bearer "+env.token(t))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("некорректное тело: хотели 400, получили %d", rec.Code)
	}

	if rec := env.do(http.MethodGet, "/api/v1/detect-pii", env.token(t)); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/v1/detect-pii: хотели 405, получили %d", rec.Code)
	}
}

func TestRouter_NotFoundAndMethod(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/api/v2/unknown", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("статус: хотели 404, получили %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: %s", ct)
	}

	if rec := env.do(http.MethodDelete, "/health/live", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("DELETE /health/live: хотели 405, получили %d", rec.Code)
	}
}

func TestRouter_CORSPreflight(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/merge", nil)
	req.Header.Set("Origin", "https://app.test")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.test" {
		t.Errorf("Access-Control-Allow-Origin: %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("Access-Control-Allow-Credentials: %q", got)
	}
}
