package otelcol

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"clickbloom-license/pkg/config"
	"clickbloom-license/pkg/otelcol/exporters"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx/fxtest"
)

func TestProvidersExposeMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{AppName: "license-test", AppVersion: "test", AppEnv: "test"}
	res, err := NewResource(cfg)
	require.NoError(t, err)

	lc := fxtest.NewLifecycle(t)
	reg := NewRegistry()
	providers, err := NewProviders(Params{Lifecycle: lc, Resource: res, Registry: reg})
	require.NoError(t, err)
	lc.RequireStart()
	defer lc.RequireStop()

	counter, err := providers.MeterProvider.Meter("test").Int64Counter("license_test_events")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	r := gin.New()
	RegisterMetricsRoute(r, reg)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "license_test_events_total")
	require.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestExporterDisabledWithoutAddr(t *testing.T) {
	exp, err := exporters.Provide(&config.Config{})
	require.NoError(t, err)
	require.Nil(t, exp)
}
