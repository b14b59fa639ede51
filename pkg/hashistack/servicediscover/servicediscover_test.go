package servicediscover

import (
	"testing"

	"clickbloom-license/pkg/config"

	"github.com/stretchr/testify/require"
	"go.uber.org/fx/fxtest"
)

func TestNewRegistration(t *testing.T) {
	cfg := &config.Config{AppName: "clickbloom-license", AppEnv: "prod", AppVersion: "v1", NodeID: 3}
	cfg.Server.Addr = "8080"

	reg, err := NewRegistration(cfg, "10.0.0.7")
	require.NoError(t, err)
	require.Equal(t, "clickbloom-license-3", reg.ID)
	require.Equal(t, 8080, reg.Port)
	require.Equal(t, "http://10.0.0.7:8080/health/readiness", reg.Check.HTTP)

	cfg.Server.Addr = "localhost:8080"
	_, err = NewRegistration(cfg, "10.0.0.7")
	require.Error(t, err)
}

func TestRegisterConsulDisabled(t *testing.T) {
	lc := fxtest.NewLifecycle(t)
	require.NoError(t, RegisterConsul(lc, &config.Config{}))
	lc.RequireStart().RequireStop()
}
