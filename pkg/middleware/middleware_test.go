package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"clickbloom-license/pkg/config"
	"clickbloom-license/pkg/errutil"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func init() {
	zap.ReplaceGlobals(zap.NewNop())
	gin.SetMode(gin.TestMode)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestErrorRendersBaseError(t *testing.T) {
	r := gin.New()
	r.Use(Error())
	r.GET("/conflict", func(c *gin.Context) {
		Abort(c, errutil.Conflict("no seat left", errors.New("cause"), errutil.WithReason("seat_limit_reached")))
	})
	r.GET("/plain", func(c *gin.Context) {
		Abort(c, errors.New("boom"))
	})
	r.GET("/ok", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/conflict", nil))
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decode(t, rec)
	require.Equal(t, false, body["ok"])
	require.Equal(t, "seat_limit_reached", body["error"])
	require.Equal(t, "no seat left", body["message"])

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/plain", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "boom")

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ok", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func newAuthRouter(t *testing.T, cfg *config.Config) *gin.Engine {
	t.Helper()
	auth, err := NewAdminAuth(cfg)
	require.NoError(t, err)

	r := gin.New()
	r.Use(Error())
	admin := r.Group("/v1/admin", auth.Handler())
	admin.GET("/licenses", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "subject": AdminSubject(c)})
	})
	admin.DELETE("/licenses/:id", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func authConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Admin.JWTSecret = testSecret
	cfg.Admin.Issuer = "dashboard"
	return cfg
}

func request(r http.Handler, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestAdminAuth(t *testing.T) {
	r := newAuthRouter(t, authConfig())

	admin, err := SignAdminToken([]byte(testSecret), "dashboard", "ops@example.com", RoleAdmin, time.Hour)
	require.NoError(t, err)
	support, err := SignAdminToken([]byte(testSecret), "dashboard", "help@example.com", RoleSupport, time.Hour)
	require.NoError(t, err)
	otherIssuer, err := SignAdminToken([]byte(testSecret), "someone-else", "x", RoleAdmin, time.Hour)
	require.NoError(t, err)
	expired, err := SignAdminToken([]byte(testSecret), "dashboard", "x", RoleAdmin, -time.Hour)
	require.NoError(t, err)
	wrongKey, err := SignAdminToken([]byte("ffffffffffffffffffffffffffffffff"), "dashboard", "x", RoleAdmin, time.Hour)
	require.NoError(t, err)

	rec := request(r, http.MethodGet, "/v1/admin/licenses", admin)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ops@example.com", decode(t, rec)["subject"])

	require.Equal(t, http.StatusOK, request(r, http.MethodDelete, "/v1/admin/licenses/1", admin).Code)
	require.Equal(t, http.StatusOK, request(r, http.MethodGet, "/v1/admin/licenses", support).Code)
	require.Equal(t, http.StatusForbidden, request(r, http.MethodDelete, "/v1/admin/licenses/1", support).Code)

	for _, tok := range []string{"", "garbage", otherIssuer, expired, wrongKey} {
		require.Equal(t, http.StatusUnauthorized, request(r, http.MethodGet, "/v1/admin/licenses", tok).Code)
	}
}

func TestAdminAuthCustomPolicies(t *testing.T) {
	cfg := authConfig()
	cfg.Admin.Policies = []string{"auditor, /v1/admin/*, ^GET$"}
	r := newAuthRouter(t, cfg)

	auditor, err := SignAdminToken([]byte(testSecret), "dashboard", "a", "auditor", time.Hour)
	require.NoError(t, err)
	admin, err := SignAdminToken([]byte(testSecret), "dashboard", "b", RoleAdmin, time.Hour)
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, request(r, http.MethodGet, "/v1/admin/licenses", auditor).Code)
	require.Equal(t, http.StatusForbidden, request(r, http.MethodGet, "/v1/admin/licenses", admin).Code)

	cfg.Admin.Policies = []string{"broken"}
	_, err = NewAdminAuth(cfg)
	require.Error(t, err)
}

func TestAdminAuthWithoutSecret(t *testing.T) {
	r := newAuthRouter(t, &config.Config{})
	require.Equal(t, http.StatusUnauthorized, request(r, http.MethodGet, "/v1/admin/licenses", "anything").Code)
}

func TestRateLimiterPassThrough(t *testing.T) {
	cfg := &config.Config{}
	cfg.RateLimit.Requests = 1
	cfg.RateLimit.Window = time.Minute

	// No Redis configured.
	r := gin.New()
	r.Use(Error())
	r.GET("/ping", NewRateLimiter(nil, cfg).Handler(), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusNoContent, request(r, http.MethodGet, "/ping", "").Code)
	}

	// Redis unreachable: fail open.
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	r = gin.New()
	r.Use(Error())
	r.GET("/ping", NewRateLimiter(rdb, cfg).Handler(), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusNoContent, request(r, http.MethodGet, "/ping", "").Code)
	}
}
