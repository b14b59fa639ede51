package license_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"clickbloom-license/pkg/config"
	"clickbloom-license/pkg/middleware"
	"clickbloom-license/services/license"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

const adminSecret = "0123456789abcdef0123456789abcdef"

func init() {
	gin.SetMode(gin.TestMode)
}

type api struct {
	*engine
	router http.Handler
}

func newAPI(t *testing.T) *api {
	t.Helper()
	e := newEngine(t)

	cfg := &config.Config{}
	cfg.Admin.JWTSecret = adminSecret
	cfg.Admin.Issuer = "dashboard"

	auth, err := middleware.NewAdminAuth(cfg)
	require.NoError(t, err)

	h := license.NewHandler(license.HandlerParams{
		Activations: e.activations,
		Credits:     e.credits,
		Admin:       e.admin,
		Auth:        auth,
		Limiter:     middleware.NewRateLimiter(nil, cfg),
	})

	r := gin.New()
	r.Use(middleware.Error())
	h.Register(r)

	return &api{engine: e, router: r}
}

func token(t *testing.T, role string) string {
	t.Helper()
	tok, err := middleware.SignAdminToken([]byte(adminSecret), "dashboard", "ops@example.com", role, time.Hour)
	require.NoError(t, err)
	return tok
}

func (a *api) do(t *testing.T, method, path, bearer string, body any) (int, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec.Code, out
}

func TestHandlerLicenseLifecycle(t *testing.T) {
	a := newAPI(t)
	admin := token(t, middleware.RoleAdmin)

	code, body := a.do(t, http.MethodPost, "/v1/admin/licenses", admin, map[string]any{
		"owner_email":   "owner@example.com",
		"plan":          "pro",
		"max_sites":     1,
		"crawl_credits": 10,
	})
	require.Equal(t, http.StatusCreated, code)
	require.Equal(t, true, body["ok"])
	key := body["key"].(string)
	lic := body["license"].(map[string]any)
	id := lic["license_id"].(string)
	require.NotContains(t, lic, "key_hash")
	require.Equal(t, "active", lic["status"])

	code, body = a.do(t, http.MethodPost, "/v1/licenses/activate", "", map[string]any{"key": key, "site_url": "https://a.example"})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["ok"])
	require.Equal(t, id, body["license_id"])
	require.NotEmpty(t, body["activation_id"])
	require.EqualValues(t, 1, body["max_sites"])

	code, body = a.do(t, http.MethodPost, "/v1/licenses/activate", "", map[string]any{"key": key, "site_url": "https://b.example"})
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "seat_limit_reached", body["error"])

	code, body = a.do(t, http.MethodPost, "/v1/licenses/validate", "", map[string]any{"key": key, "site_url": "a.example"})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["valid"])
	require.Equal(t, true, body["bound"])
	require.EqualValues(t, 10, body["crawl_credits"])

	code, body = a.do(t, http.MethodPost, "/v1/credits/spend", "", map[string]any{"key": key, "amount": 7})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, false, body["unlimited"])
	require.EqualValues(t, 3, body["remaining"])

	code, body = a.do(t, http.MethodPost, "/v1/credits/spend", "", map[string]any{"key": key, "amount": 5})
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "insufficient_credits", body["error"])

	code, body = a.do(t, http.MethodPut, "/v1/admin/licenses/"+id+"/credits", admin, `{"crawl_credits": null}`)
	require.Equal(t, http.StatusOK, code)
	require.Nil(t, body["license"].(map[string]any)["crawl_credits"])

	code, body = a.do(t, http.MethodPost, "/v1/credits/spend", "", map[string]any{"key": key, "amount": 500})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["unlimited"])

	code, body = a.do(t, http.MethodPut, "/v1/admin/licenses/"+id+"/max-sites", admin, map[string]any{"max_sites": 2})
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 2, body["license"].(map[string]any)["max_sites"])

	code, body = a.do(t, http.MethodPut, "/v1/admin/licenses/"+id+"/expiry", admin, map[string]any{"expires_at": "2030-01-01T00:00:00Z"})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "2030-01-01T00:00:00Z", body["license"].(map[string]any)["expires_at"])

	code, body = a.do(t, http.MethodGet, "/v1/admin/licenses/"+id, admin, nil)
	require.Equal(t, http.StatusOK, code)
	acts := body["activations"].([]any)
	require.Len(t, acts, 1)
	actID := acts[0].(map[string]any)["activation_id"].(string)

	code, body = a.do(t, http.MethodPost, "/v1/admin/activations/"+actID+"/revoke", admin, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["activation"].(map[string]any)["revoked"])

	code, _ = a.do(t, http.MethodPost, "/v1/admin/activations/"+actID+"/unrevoke", admin, nil)
	require.Equal(t, http.StatusOK, code)

	code, body = a.do(t, http.MethodPut, "/v1/admin/licenses/"+id+"/status", admin, map[string]any{"status": "disabled"})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "disabled", body["license"].(map[string]any)["status"])

	code, body = a.do(t, http.MethodPost, "/v1/licenses/activate", "", map[string]any{"key": key, "site_url": "https://a.example"})
	require.Equal(t, http.StatusForbidden, code)
	require.Equal(t, "disabled", body["error"])

	code, body = a.do(t, http.MethodPost, "/v1/admin/cleanup", admin, nil)
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 1, body["removed"])

	code, body = a.do(t, http.MethodGet, "/v1/admin/licenses/"+id, admin, nil)
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "not_found", body["error"])
}

func TestHandlerPublicErrors(t *testing.T) {
	a := newAPI(t)

	code, body := a.do(t, http.MethodPost, "/v1/licenses/activate", "", map[string]any{"key": "CB-NOPE", "site_url": "https://a.example"})
	require.Equal(t, http.StatusUnauthorized, code)
	require.Equal(t, "invalid_key", body["error"])
	require.Equal(t, false, body["ok"])

	code, body = a.do(t, http.MethodPost, "/v1/licenses/validate", "", map[string]any{"key": "CB-NOPE"})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["ok"])
	require.Equal(t, false, body["valid"])

	code, body = a.do(t, http.MethodPost, "/v1/credits/spend", "", "not json")
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "invalid_argument", body["error"])
}

func TestHandlerAdminAuthorization(t *testing.T) {
	a := newAPI(t)

	code, _ := a.do(t, http.MethodGet, "/v1/admin/licenses", "", nil)
	require.Equal(t, http.StatusUnauthorized, code)

	support := token(t, middleware.RoleSupport)
	code, body := a.do(t, http.MethodGet, "/v1/admin/licenses", support, nil)
	require.Equal(t, http.StatusOK, code)
	require.Empty(t, body["licenses"])

	code, _ = a.do(t, http.MethodPost, "/v1/admin/licenses", support, map[string]any{"plan": "pro", "max_sites": 1})
	require.Equal(t, http.StatusForbidden, code)
}

func TestHandlerAdminValidation(t *testing.T) {
	a := newAPI(t)
	admin := token(t, middleware.RoleAdmin)

	code, body := a.do(t, http.MethodPost, "/v1/admin/licenses", admin, map[string]any{"plan": "pro", "max_sites": 0})
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "invalid_argument", body["error"])

	issued := a.issue(t, license.CreateRequest{})

	code, _ = a.do(t, http.MethodPut, "/v1/admin/licenses/"+issued.License.ID+"/expiry", admin, map[string]any{})
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = a.do(t, http.MethodPut, "/v1/admin/licenses/"+issued.License.ID+"/max-sites", admin, `{"max_sites": null}`)
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = a.do(t, http.MethodPut, "/v1/admin/licenses/"+issued.License.ID+"/credits", admin, `{"crawl_credits": "ten"}`)
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = a.do(t, http.MethodPut, "/v1/admin/licenses/missing/status", admin, map[string]any{"status": "active"})
	require.Equal(t, http.StatusNotFound, code)

	code, _ = a.do(t, http.MethodDelete, "/v1/admin/licenses/"+issued.License.ID, admin, nil)
	require.Equal(t, http.StatusOK, code)
}

type brokenStore struct {
	license.Store
}

func (brokenStore) GetLicenseByKeyHash(ctx context.Context, keyHash string) (*license.License, error) {
	return nil, license.Unavailable(errors.New("dial tcp 10.0.0.5:5432: connection refused"))
}

// newAPIOver serves the public and admin routes over store.
func newAPIOver(t *testing.T, store license.Store) *api {
	t.Helper()
	hasher, err := license.NewHasher("test-pepper")
	require.NoError(t, err)
	p := license.Params{Store: store, Hasher: hasher, IDs: &seqIDs{}}

	credits, err := license.NewCreditLedger(p)
	require.NoError(t, err)
	activations, err := license.NewActivationManager(p)
	require.NoError(t, err)
	expiry, err := license.NewExpiryPolicy(p)
	require.NoError(t, err)
	admin, err := license.NewAdminAPI(p, expiry)
	require.NoError(t, err)

	cfg := &config.Config{}
	auth, err := middleware.NewAdminAuth(cfg)
	require.NoError(t, err)

	r := gin.New()
	r.Use(middleware.Error())
	license.NewHandler(license.HandlerParams{
		Activations: activations,
		Credits:     credits,
		Admin:       admin,
		Auth:        auth,
		Limiter:     middleware.NewRateLimiter(nil, cfg),
	}).Register(r)

	return &api{router: r}
}

func TestHandlerHidesStoreFailures(t *testing.T) {
	a := newAPIOver(t, brokenStore{})
	code, body := a.do(t, http.MethodPost, "/v1/credits/spend", "", map[string]any{"key": "CB-ANY", "amount": 1})
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "store_unavailable", body["error"])
	require.NotContains(t, body["message"], "10.0.0.5")

	code, body = a.do(t, http.MethodPost, "/v1/licenses/validate", "", map[string]any{"key": "CB-ANY"})
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "store_unavailable", body["error"])
}

type contextStore struct {
	license.Store
	err error
}

func (s contextStore) GetLicenseByKeyHash(ctx context.Context, keyHash string) (*license.License, error) {
	return nil, s.err
}

func TestHandlerMapsContextErrors(t *testing.T) {
	code, body := newAPIOver(t, contextStore{err: context.Canceled}).
		do(t, http.MethodPost, "/v1/licenses/activate", "", map[string]any{"key": "CB-ANY", "site_url": "https://a.example"})
	require.Equal(t, 499, code)
	require.Equal(t, "canceled", body["error"])

	code, body = newAPIOver(t, contextStore{err: fmt.Errorf("read: %w", context.DeadlineExceeded)}).
		do(t, http.MethodPost, "/v1/credits/spend", "", map[string]any{"key": "CB-ANY", "amount": 1})
	require.Equal(t, http.StatusGatewayTimeout, code)
	require.Equal(t, "timeout", body["error"])
}
