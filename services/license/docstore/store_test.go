package docstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"clickbloom-license/services/license"
	"clickbloom-license/services/license/storetest"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "data", "licenses.json"))
	require.NoError(t, err)
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) license.Store {
		return newTestStore(t)
	})
}

func TestPersistedLayout(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	l := &license.License{
		ID:        "1",
		KeyHash:   "abc",
		Plan:      "starter",
		MaxSites:  1,
		Status:    license.StatusActive,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateLicense(ctx, l))
	_, _, err := s.CreateActivationIfAbsent(ctx, &license.Activation{
		ID:        "2",
		LicenseID: "1",
		SiteURL:   "https://a.example",
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)

	var raw map[string][]map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Len(t, raw["licenses"], 1)
	require.Len(t, raw["activations"], 1)
	require.Equal(t, "abc", raw["licenses"][0]["key_hash"])
	require.Equal(t, "1", raw["activations"][0]["license_id"])

	// No temp files are left behind after a write.
	entries, err := os.ReadDir(filepath.Dir(s.Path()))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestFailedMutationDoesNotWrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpdateLicenseFields(ctx, "missing", license.LicensePatch{})
	require.ErrorIs(t, err, license.ErrNotFound)

	_, err = os.Stat(s.Path())
	require.True(t, os.IsNotExist(err))
}

func TestCorruptFileIsUnavailable(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(s.Path()), 0o700))
	require.NoError(t, os.WriteFile(s.Path(), []byte("{not json"), 0o600))

	_, err := s.GetLicenseByID(context.Background(), "1")
	require.ErrorIs(t, err, license.ErrStoreUnavailable)

	_, _, err = s.AtomicDecrementCredits(context.Background(), "1", 1)
	require.ErrorIs(t, err, license.ErrStoreUnavailable)

	require.ErrorIs(t, s.Ping(context.Background()), license.ErrStoreUnavailable)
}

func TestNewRequiresPath(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
}
