// Package storetest holds the behaviour every license.Store must share.
// Backends run it from their own tests with a factory returning an empty
// store.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"clickbloom-license/services/license"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type Factory func(t *testing.T) license.Store

func Run(t *testing.T, newStore Factory) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s license.Store)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"CreateConflict", testCreateConflict},
		{"ListLicenses", testListLicenses},
		{"UpdateLicenseFields", testUpdateLicenseFields},
		{"UpdateMaxSitesBelowActive", testUpdateMaxSitesBelowActive},
		{"DeleteCascades", testDeleteCascades},
		{"DeleteLicenseIf", testDeleteLicenseIf},
		{"ActivationIdempotent", testActivationIdempotent},
		{"SeatLimit", testSeatLimit},
		{"RevokeAndUnrevoke", testRevokeAndUnrevoke},
		{"UnrevokeConflict", testUnrevokeConflict},
		{"ConcurrentActivation", testConcurrentActivation},
		{"ConcurrentSameSite", testConcurrentSameSite},
		{"ConcurrentUnrevokeAndActivate", testConcurrentUnrevokeAndActivate},
		{"DecrementCredits", testDecrementCredits},
		{"DecrementUnlimited", testDecrementUnlimited},
		{"ConcurrentDecrement", testConcurrentDecrement},
		{"Ping", testPing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

var seq atomic.Int64

func nextID(prefix string) string {
	return fmt.Sprintf("%s%d", prefix, seq.Add(1))
}

func credits(n int64) *int64 { return &n }

func newLicense(maxSites int, balance *int64) *license.License {
	id := nextID("lic")
	return &license.License{
		ID:           id,
		KeyHash:      "hash-" + id,
		OwnerEmail:   "owner@example.com",
		Plan:         "pro",
		MaxSites:     maxSites,
		CrawlCredits: balance,
		Status:       license.StatusActive,
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}
}

func newActivation(licenseID, site string) *license.Activation {
	return &license.Activation{
		ID:        nextID("act"),
		LicenseID: licenseID,
		SiteURL:   site,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func mustCreate(t *testing.T, s license.Store, l *license.License) *license.License {
	t.Helper()
	require.NoError(t, s.CreateLicense(context.Background(), l))
	return l
}

func activeCount(t *testing.T, s license.Store, licenseID string) int {
	t.Helper()
	acts, err := s.ListActivationsByLicense(context.Background(), licenseID)
	require.NoError(t, err)
	n := 0
	for _, a := range acts {
		if !a.Revoked {
			n++
		}
	}
	return n
}

func testCreateAndGet(t *testing.T, s license.Store) {
	ctx := context.Background()
	expires := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)
	l := newLicense(2, credits(10))
	l.ExpiresAt = &expires
	mustCreate(t, s, l)

	got, err := s.GetLicenseByID(ctx, l.ID)
	require.NoError(t, err)
	require.Equal(t, l.KeyHash, got.KeyHash)
	require.Equal(t, "pro", got.Plan)
	require.Equal(t, 2, got.MaxSites)
	require.Equal(t, int64(10), *got.CrawlCredits)
	require.Equal(t, license.StatusActive, got.Status)
	require.NotNil(t, got.ExpiresAt)
	require.True(t, expires.Equal(*got.ExpiresAt))
	require.True(t, l.CreatedAt.Equal(got.CreatedAt))

	byHash, err := s.GetLicenseByKeyHash(ctx, l.KeyHash)
	require.NoError(t, err)
	require.Equal(t, l.ID, byHash.ID)

	_, err = s.GetLicenseByID(ctx, "missing")
	require.ErrorIs(t, err, license.ErrNotFound)

	_, err = s.GetLicenseByKeyHash(ctx, "missing")
	require.ErrorIs(t, err, license.ErrNotFound)
}

func testCreateConflict(t *testing.T, s license.Store) {
	ctx := context.Background()
	l := mustCreate(t, s, newLicense(1, nil))

	dupHash := newLicense(1, nil)
	dupHash.KeyHash = l.KeyHash
	require.ErrorIs(t, s.CreateLicense(ctx, dupHash), license.ErrConflict)

	dupID := newLicense(1, nil)
	dupID.ID = l.ID
	require.ErrorIs(t, s.CreateLicense(ctx, dupID), license.ErrConflict)

	all, err := s.ListLicenses(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func testListLicenses(t *testing.T, s license.Store) {
	ctx := context.Background()

	all, err := s.ListLicenses(ctx)
	require.NoError(t, err)
	require.Empty(t, all)

	a := mustCreate(t, s, newLicense(1, nil))
	b := mustCreate(t, s, newLicense(1, nil))

	all, err = s.ListLicenses(ctx)
	require.NoError(t, err)
	ids := []string{}
	for _, l := range all {
		ids = append(ids, l.ID)
	}
	require.ElementsMatch(t, []string{a.ID, b.ID}, ids)

	acts, err := s.ListActivations(ctx)
	require.NoError(t, err)
	require.Empty(t, acts)
}

func testUpdateLicenseFields(t *testing.T, s license.Store) {
	ctx := context.Background()
	l := mustCreate(t, s, newLicense(1, credits(5)))

	disabled := license.StatusDisabled
	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	maxSites := 4

	got, err := s.UpdateLicenseFields(ctx, l.ID, license.LicensePatch{
		Status:       &disabled,
		SetExpiresAt: true,
		ExpiresAt:    &expires,
		MaxSites:     &maxSites,
	})
	require.NoError(t, err)
	require.Equal(t, license.StatusDisabled, got.Status)
	require.True(t, expires.Equal(*got.ExpiresAt))
	require.Equal(t, 4, got.MaxSites)
	require.Equal(t, int64(5), *got.CrawlCredits)

	got, err = s.UpdateLicenseFields(ctx, l.ID, license.LicensePatch{
		SetExpiresAt:    true,
		SetCrawlCredits: true,
	})
	require.NoError(t, err)
	require.Nil(t, got.ExpiresAt)
	require.Nil(t, got.CrawlCredits)

	stored, err := s.GetLicenseByID(ctx, l.ID)
	require.NoError(t, err)
	require.Nil(t, stored.ExpiresAt)
	require.Nil(t, stored.CrawlCredits)
	require.Equal(t, license.StatusDisabled, stored.Status)
	require.Equal(t, 4, stored.MaxSites)

	_, err = s.UpdateLicenseFields(ctx, "missing", license.LicensePatch{Status: &disabled})
	require.ErrorIs(t, err, license.ErrNotFound)
}

func testUpdateMaxSitesBelowActive(t *testing.T, s license.Store) {
	ctx := context.Background()
	l := mustCreate(t, s, newLicense(3, nil))

	for _, site := range []string{"https://a.example", "https://b.example"} {
		_, created, err := s.CreateActivationIfAbsent(ctx, newActivation(l.ID, site))
		require.NoError(t, err)
		require.True(t, created)
	}

	one := 1
	_, err := s.UpdateLicenseFields(ctx, l.ID, license.LicensePatch{MaxSites: &one})
	require.ErrorIs(t, err, license.ErrSeatLimitReached)

	stored, err := s.GetLicenseByID(ctx, l.ID)
	require.NoError(t, err)
	require.Equal(t, 3, stored.MaxSites)

	two := 2
	got, err := s.UpdateLicenseFields(ctx, l.ID, license.LicensePatch{MaxSites: &two})
	require.NoError(t, err)
	require.Equal(t, 2, got.MaxSites)
}

func testDeleteCascades(t *testing.T, s license.Store) {
	ctx := context.Background()
	doomed := mustCreate(t, s, newLicense(2, nil))
	kept := mustCreate(t, s, newLicense(2, nil))

	_, _, err := s.CreateActivationIfAbsent(ctx, newActivation(doomed.ID, "https://a.example"))
	require.NoError(t, err)
	_, _, err = s.CreateActivationIfAbsent(ctx, newActivation(kept.ID, "https://a.example"))
	require.NoError(t, err)

	require.NoError(t, s.DeleteLicense(ctx, doomed.ID))
	require.ErrorIs(t, s.DeleteLicense(ctx, doomed.ID), license.ErrNotFound)

	_, err = s.GetLicenseByID(ctx, doomed.ID)
	require.ErrorIs(t, err, license.ErrNotFound)

	acts, err := s.ListActivations(ctx)
	require.NoError(t, err)
	require.Len(t, acts, 1)
	require.Equal(t, kept.ID, acts[0].LicenseID)
}

func testDeleteLicenseIf(t *testing.T, s license.Store) {
	ctx := context.Background()
	l := mustCreate(t, s, newLicense(2, nil))
	_, _, err := s.CreateActivationIfAbsent(ctx, newActivation(l.ID, "https://a.example"))
	require.NoError(t, err)

	disabled := func(cur *license.License) bool { return cur.Status == license.StatusDisabled }

	deleted, err := s.DeleteLicenseIf(ctx, l.ID, disabled)
	require.NoError(t, err)
	require.False(t, deleted)
	require.Equal(t, 1, activeCount(t, s, l.ID))

	status := license.StatusDisabled
	_, err = s.UpdateLicenseFields(ctx, l.ID, license.LicensePatch{Status: &status})
	require.NoError(t, err)

	deleted, err = s.DeleteLicenseIf(ctx, l.ID, disabled)
	require.NoError(t, err)
	require.True(t, deleted)

	_, err = s.GetLicenseByID(ctx, l.ID)
	require.ErrorIs(t, err, license.ErrNotFound)
	acts, err := s.ListActivationsByLicense(ctx, l.ID)
	require.NoError(t, err)
	require.Empty(t, acts)

	_, err = s.DeleteLicenseIf(ctx, l.ID, disabled)
	require.ErrorIs(t, err, license.ErrNotFound)
}

func testActivationIdempotent(t *testing.T, s license.Store) {
	ctx := context.Background()
	l := mustCreate(t, s, newLicense(2, nil))

	first, created, err := s.CreateActivationIfAbsent(ctx, newActivation(l.ID, "https://a.example"))
	require.NoError(t, err)
	require.True(t, created)

	again, created, err := s.CreateActivationIfAbsent(ctx, newActivation(l.ID, "https://a.example"))
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, again.ID)
	require.Equal(t, 1, activeCount(t, s, l.ID))

	_, _, err = s.CreateActivationIfAbsent(ctx, newActivation("missing", "https://a.example"))
	require.ErrorIs(t, err, license.ErrNotFound)
}

func testSeatLimit(t *testing.T, s license.Store) {
	ctx := context.Background()
	l := mustCreate(t, s, newLicense(2, nil))

	_, created, err := s.CreateActivationIfAbsent(ctx, newActivation(l.ID, "https://a.example"))
	require.NoError(t, err)
	require.True(t, created)

	_, created, err = s.CreateActivationIfAbsent(ctx, newActivation(l.ID, "https://a.example"))
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, 1, activeCount(t, s, l.ID))

	_, created, err = s.CreateActivationIfAbsent(ctx, newActivation(l.ID, "https://b.example"))
	require.NoError(t, err)
	require.True(t, created)

	_, _, err = s.CreateActivationIfAbsent(ctx, newActivation(l.ID, "https://c.example"))
	require.ErrorIs(t, err, license.ErrSeatLimitReached)
	require.Equal(t, 2, activeCount(t, s, l.ID))
}

func testRevokeAndUnrevoke(t *testing.T, s license.Store) {
	ctx := context.Background()
	l := mustCreate(t, s, newLicense(1, nil))

	a, _, err := s.CreateActivationIfAbsent(ctx, newActivation(l.ID, "https://a.example"))
	require.NoError(t, err)

	revoked, err := s.SetActivationRevoked(ctx, a.ID, true)
	require.NoError(t, err)
	require.True(t, revoked.Revoked)

	// Revoking twice is a no-op.
	revoked, err = s.SetActivationRevoked(ctx, a.ID, true)
	require.NoError(t, err)
	require.True(t, revoked.Revoked)

	b, created, err := s.CreateActivationIfAbsent(ctx, newActivation(l.ID, "https://b.example"))
	require.NoError(t, err)
	require.True(t, created)

	_, err = s.SetActivationRevoked(ctx, a.ID, false)
	require.ErrorIs(t, err, license.ErrSeatLimitReached)

	_, err = s.SetActivationRevoked(ctx, b.ID, true)
	require.NoError(t, err)

	restored, err := s.SetActivationRevoked(ctx, a.ID, false)
	require.NoError(t, err)
	require.False(t, restored.Revoked)
	require.Equal(t, 1, activeCount(t, s, l.ID))

	_, err = s.SetActivationRevoked(ctx, "missing", true)
	require.ErrorIs(t, err, license.ErrNotFound)
}

func testUnrevokeConflict(t *testing.T, s license.Store) {
	ctx := context.Background()
	l := mustCreate(t, s, newLicense(3, nil))

	old, _, err := s.CreateActivationIfAbsent(ctx, newActivation(l.ID, "https://a.example"))
	require.NoError(t, err)
	_, err = s.SetActivationRevoked(ctx, old.ID, true)
	require.NoError(t, err)

	fresh, created, err := s.CreateActivationIfAbsent(ctx, newActivation(l.ID, "https://a.example"))
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, old.ID, fresh.ID)

	_, err = s.SetActivationRevoked(ctx, old.ID, false)
	require.ErrorIs(t, err, license.ErrConflict)
	require.Equal(t, 1, activeCount(t, s, l.ID))
}

func testConcurrentActivation(t *testing.T, s license.Store) {
	ctx := context.Background()
	const maxSites, callers = 3, 10
	l := mustCreate(t, s, newLicense(maxSites, nil))

	var ok, full atomic.Int32
	var g errgroup.Group
	for i := 0; i < callers; i++ {
		site := fmt.Sprintf("https://site%d.example", i)
		g.Go(func() error {
			_, _, err := s.CreateActivationIfAbsent(ctx, newActivation(l.ID, site))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, license.ErrSeatLimitReached):
				full.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.EqualValues(t, maxSites, ok.Load())
	require.EqualValues(t, callers-maxSites, full.Load())
	require.Equal(t, maxSites, activeCount(t, s, l.ID))
}

func testConcurrentSameSite(t *testing.T, s license.Store) {
	ctx := context.Background()
	l := mustCreate(t, s, newLicense(5, nil))

	var created atomic.Int32
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			_, c, err := s.CreateActivationIfAbsent(ctx, newActivation(l.ID, "https://same.example"))
			if c {
				created.Add(1)
			}
			return err
		})
	}
	require.NoError(t, g.Wait())

	require.EqualValues(t, 1, created.Load())
	require.Equal(t, 1, activeCount(t, s, l.ID))
}

// Unrevoking and activating a new site race for the last seat; exactly
// one may win however the transactions interleave.
func testConcurrentUnrevokeAndActivate(t *testing.T, s license.Store) {
	ctx := context.Background()

	for round := 0; round < 10; round++ {
		l := mustCreate(t, s, newLicense(2, nil))
		_, _, err := s.CreateActivationIfAbsent(ctx, newActivation(l.ID, "https://kept.example"))
		require.NoError(t, err)
		old, _, err := s.CreateActivationIfAbsent(ctx, newActivation(l.ID, "https://old.example"))
		require.NoError(t, err)
		_, err = s.SetActivationRevoked(ctx, old.ID, true)
		require.NoError(t, err)

		var won atomic.Int32
		settle := func(err error) error {
			switch {
			case err == nil:
				won.Add(1)
			case errors.Is(err, license.ErrSeatLimitReached):
			default:
				return err
			}
			return nil
		}

		var g errgroup.Group
		g.Go(func() error {
			_, err := s.SetActivationRevoked(ctx, old.ID, false)
			return settle(err)
		})
		g.Go(func() error {
			_, _, err := s.CreateActivationIfAbsent(ctx, newActivation(l.ID, "https://new.example"))
			return settle(err)
		})
		require.NoError(t, g.Wait())

		require.EqualValues(t, 1, won.Load())
		require.Equal(t, 2, activeCount(t, s, l.ID))
	}
}

func testDecrementCredits(t *testing.T, s license.Store) {
	ctx := context.Background()
	l := mustCreate(t, s, newLicense(1, credits(10)))

	ok, remaining, err := s.AtomicDecrementCredits(ctx, l.ID, 7)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(3), *remaining)

	ok, remaining, err = s.AtomicDecrementCredits(ctx, l.ID, 5)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, int64(3), *remaining)

	stored, err := s.GetLicenseByID(ctx, l.ID)
	require.NoError(t, err)
	require.Equal(t, int64(3), *stored.CrawlCredits)

	ok, remaining, err = s.AtomicDecrementCredits(ctx, l.ID, 3)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(0), *remaining)

	_, _, err = s.AtomicDecrementCredits(ctx, "missing", 1)
	require.ErrorIs(t, err, license.ErrNotFound)
}

func testDecrementUnlimited(t *testing.T, s license.Store) {
	ctx := context.Background()
	l := mustCreate(t, s, newLicense(1, nil))

	ok, remaining, err := s.AtomicDecrementCredits(ctx, l.ID, 1000)
	require.NoError(t, err)
	require.True(t, ok)
	require.Nil(t, remaining)

	stored, err := s.GetLicenseByID(ctx, l.ID)
	require.NoError(t, err)
	require.Nil(t, stored.CrawlCredits)
}

func testConcurrentDecrement(t *testing.T, s license.Store) {
	ctx := context.Background()
	l := mustCreate(t, s, newLicense(1, credits(50)))

	var spent atomic.Int32
	var g errgroup.Group
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			ok, remaining, err := s.AtomicDecrementCredits(ctx, l.ID, 3)
			if err != nil {
				return err
			}
			if remaining != nil && *remaining < 0 {
				return fmt.Errorf("balance went negative: %d", *remaining)
			}
			if ok {
				spent.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.EqualValues(t, 16, spent.Load())
	stored, err := s.GetLicenseByID(ctx, l.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), *stored.CrawlCredits)
}

func testPing(t *testing.T, s license.Store) {
	require.NoError(t, s.Ping(context.Background()))
}
