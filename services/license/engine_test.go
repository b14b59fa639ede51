package license_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"clickbloom-license/services/license"
	"clickbloom-license/services/license/docstore"
	"clickbloom-license/services/license/sqlstore"
	"clickbloom-license/services/testutil"

	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDs struct {
	n atomic.Int64
}

func (s *seqIDs) NewID() string {
	return fmt.Sprintf("%d", 1000+s.n.Add(1))
}

type engine struct {
	store       license.Store
	hasher      *license.Hasher
	clock       *clock
	activations *license.ActivationManager
	credits     *license.CreditLedger
	expiry      *license.ExpiryPolicy
	admin       *license.AdminAPI
}

func newEngine(t *testing.T) *engine {
	t.Helper()

	store, err := docstore.New(filepath.Join(t.TempDir(), "licenses.json"))
	require.NoError(t, err)
	return newEngineWithStore(t, store)
}

var backends = []struct {
	name string
	open func(t *testing.T) license.Store
}{
	{"document", func(t *testing.T) license.Store {
		store, err := docstore.New(filepath.Join(t.TempDir(), "licenses.json"))
		require.NoError(t, err)
		return store
	}},
	{"relational", func(t *testing.T) license.Store {
		return sqlstore.New(testutil.NewTestDB(t, sqlstore.Models()...))
	}},
}

// eachBackend runs fn once per store backend, each on an empty store.
func eachBackend(t *testing.T, fn func(t *testing.T, e *engine)) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			fn(t, newEngineWithStore(t, b.open(t)))
		})
	}
}

func newEngineWithStore(t *testing.T, store license.Store) *engine {
	t.Helper()

	hasher, err := license.NewHasher("test-pepper")
	require.NoError(t, err)

	clk := newClock()
	p := license.Params{
		Store:  store,
		Hasher: hasher,
		IDs:    &seqIDs{},
		Now:    clk.Now,
	}

	activations, err := license.NewActivationManager(p)
	require.NoError(t, err)
	credits, err := license.NewCreditLedger(p)
	require.NoError(t, err)
	expiry, err := license.NewExpiryPolicy(p)
	require.NoError(t, err)
	admin, err := license.NewAdminAPI(p, expiry)
	require.NoError(t, err)

	return &engine{
		store:       store,
		hasher:      hasher,
		clock:       clk,
		activations: activations,
		credits:     credits,
		expiry:      expiry,
		admin:       admin,
	}
}

func (e *engine) issue(t *testing.T, req license.CreateRequest) *license.Issued {
	t.Helper()
	if req.Plan == "" {
		req.Plan = "pro"
	}
	if req.MaxSites == 0 {
		req.MaxSites = 1
	}
	issued, err := e.admin.Create(context.Background(), req)
	require.NoError(t, err)
	return issued
}

func int64Ptr(n int64) *int64 { return &n }

func timePtr(t time.Time) *time.Time { return &t }
