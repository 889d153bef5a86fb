package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/authsite/internal/audit"
	"github.com/yourusername/authsite/internal/auth"
	"github.com/yourusername/authsite/internal/config"
	"github.com/yourusername/authsite/internal/forms"
	"github.com/yourusername/authsite/internal/storage"
	"github.com/yourusername/authsite/internal/users"
)

func init() {
	users.PasswordCost = bcrypt.MinCost
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		SessionSecret:       config.DevSessionSecret,
		Port:                "0",
		GinMode:             gin.TestMode,
		CORSAllowedOrigins:  "http://localhost:5173",
		DatabasePath:        filepath.Join(t.TempDir(), "api.db"),
		LogLevel:            "info",
		ProtectedPrefix:     "/home/",
		LoginMaxAttempts:    5,
		LoginWindowMinutes:  15,
		LoginLockMinutes:    10,
		AuditRetentionHours: 1,
		PostRatePerSecond:   100,
		PostBurst:           100,
	}
}

func newTestRouter(t *testing.T, opts ...func(*config.Config)) (*gin.Engine, *storage.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := testConfig(t)
	for _, opt := range opts {
		opt(cfg)
	}

	store, err := storage.Open(cfg.DatabasePath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	security, err := setupSecurity(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(security.Close)

	return setupRouter(cfg, zap.NewNop(), store, security), store
}

func TestSetupSecurityWithoutRedis(t *testing.T) {
	security, err := setupSecurity(testConfig(t), zap.NewNop())
	require.NoError(t, err)
	defer security.Close()

	require.IsType(t, &auth.MemoryLimiter{}, security.limiter)
	require.IsType(t, audit.NopRecorder{}, security.recorder)
}

func TestSetupSecurityRejectsBadRedisURL(t *testing.T) {
	cfg := testConfig(t)
	cfg.RedisURL = "not-a-url"
	_, err := setupSecurity(cfg, zap.NewNop())
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
	require.Equal(t, "authsite", body["service"])
}

func TestRoutesWiring(t *testing.T) {
	router, _ := newTestRouter(t)

	cases := []struct {
		path     string
		status   int
		location string
	}{
		{path: "/", status: http.StatusFound, location: "/home/"},
		{path: "/home/", status: http.StatusFound, location: "/login/"},
		{path: "/login/", status: http.StatusOK},
		{path: "/register/", status: http.StatusOK},
		{path: "/logout/", status: http.StatusFound, location: "/login/?next=%2Flogout%2F"},
		{path: "/missing", status: http.StatusNotFound},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))
		require.Equal(t, tc.status, rec.Code, tc.path)
		if tc.location != "" {
			require.Equal(t, tc.location, rec.Header().Get("Location"), tc.path)
		}
	}
}

func TestAPIMeRequiresLogin(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/me", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), `"code":"UNAUTHORIZED"`)
}

func TestPostWithoutSessionIsForbidden(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/login/", strings.NewReader("username=taro&password=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateUser(t *testing.T) {
	ctx := context.Background()
	store, err := storage.Open(filepath.Join(t.TempDir(), "cli.db"))
	require.NoError(t, err)
	defer store.Close()

	user, err := createUser(ctx, store, "admin", "Admin@Example.com", "Secret123", true)
	require.NoError(t, err)
	require.True(t, user.IsStaff)
	require.Equal(t, "admin@example.com", user.Email)

	saved, err := store.GetByUsername(ctx, "admin")
	require.NoError(t, err)
	require.True(t, saved.CheckPassword("Secret123"))

	_, err = createUser(ctx, store, "admin", "other@example.com", "weak", false)
	require.Error(t, err)
	require.Contains(t, err.Error(), forms.MsgUsernameTaken)
	require.Contains(t, err.Error(), forms.MsgPasswordTooShort)
}

var csrfPattern = regexp.MustCompile(`name="csrf_token" value="([0-9a-f]+)"`)

func newTestClient(t *testing.T, router *gin.Engine) (*httptest.Server, *http.Client) {
	t.Helper()
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return server, &http.Client{
		Jar: jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func csrfToken(t *testing.T, client *http.Client, pageURL string) string {
	t.Helper()
	resp, err := client.Get(pageURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	m := csrfPattern.FindSubmatch(body)
	require.NotNil(t, m, "no csrf token in %s", pageURL)
	return string(m[1])
}

func TestAPIMeReturnsLoggedInUser(t *testing.T) {
	router, store := newTestRouter(t)
	_, err := createUser(context.Background(), store, "taro", "taro@example.com", "Secret123", false)
	require.NoError(t, err)

	server, client := newTestClient(t, router)
	token := csrfToken(t, client, server.URL+"/login/")
	resp, err := client.PostForm(server.URL+"/login/", url.Values{
		"csrf_token": {token},
		"username":   {"taro"},
		"password":   {"Secret123"},
	})
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	resp, err = client.Get(server.URL + "/api/me")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Regexp(t, `^[0-9a-f]{64}$`, resp.Header.Get(auth.CSRFHeader))

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "taro", body["username"])
	require.Equal(t, "taro@example.com", body["email"])
	require.Equal(t, false, body["isStaff"])
	require.NotEmpty(t, body["id"])
	require.NotEmpty(t, body["lastLogin"])
}

func TestHealthReportsDatabaseFailure(t *testing.T) {
	router, store := newTestRouter(t)
	require.NoError(t, store.Close())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "degraded", body["status"])
}

func TestPostThrottleThroughRouter(t *testing.T) {
	router, _ := newTestRouter(t, func(cfg *config.Config) {
		cfg.PostRatePerSecond = 0.001
		cfg.PostBurst = 1
	})

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/login/", strings.NewReader("username=taro&password=x"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	// 1件目はスロットルを通過し CSRF 検証で拒否される
	require.Equal(t, http.StatusForbidden, send().Code)

	rec := send()
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestMigrateDatabaseReportsUserCount(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "migrate.db")

	count, err := migrateDatabase(ctx, path, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, 0, count)

	store, err := storage.Open(path)
	require.NoError(t, err)
	_, err = createUser(ctx, store, "admin", "admin@example.com", "Secret123", true)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	count, err = migrateDatabase(ctx, path, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, 1, count)
}
