package license_test

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

func TestActivateSeatScenario(t *testing.T) {
	eachBackend(t, func(t *testing.T, e *engine) {
		ctx := context.Background()
		issued := e.issue(t, license.CreateRequest{MaxSites: 2})

		first, err := e.activations.Activate(ctx, issued.Key, "https://site-a.example")
		require.NoError(t, err)
		require.Equal(t, issued.License.ID, first.LicenseID)
		require.Equal(t, 2, first.MaxSites)

		again, err := e.activations.Activate(ctx, issued.Key, "site-a.example/wp-admin")
		require.NoError(t, err)
		require.Equal(t, first.ActivationID, again.ActivationID)

		_, err = e.activations.Activate(ctx, issued.Key, "https://site-b.example")
		require.NoError(t, err)

		_, err = e.activations.Activate(ctx, issued.Key, "https://site-c.example")
		require.ErrorIs(t, err, license.ErrSeatLimitReached)

		acts, err := e.store.ListActivationsByLicense(ctx, issued.License.ID)
		require.NoError(t, err)
		require.Len(t, acts, 2)
	})
}

func TestActivateRejections(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	_, err := e.activations.Activate(ctx, "CB-NOPE", "https://a.example")
	require.ErrorIs(t, err, license.ErrInvalidKey)

	_, err = e.activations.Activate(ctx, "", "https://a.example")
	require.ErrorIs(t, err, license.ErrInvalidKey)

	disabled := e.issue(t, license.CreateRequest{})
	_, err = e.admin.SetStatus(ctx, disabled.License.ID, license.StatusDisabled)
	require.NoError(t, err)
	_, err = e.activations.Activate(ctx, disabled.Key, "https://a.example")
	require.ErrorIs(t, err, license.ErrDisabled)

	expiring := e.issue(t, license.CreateRequest{ExpiresAt: timePtr(e.clock.Now().Add(time.Hour))})
	e.clock.Advance(time.Hour)
	_, err = e.activations.Activate(ctx, expiring.Key, "https://a.example")
	require.ErrorIs(t, err, license.ErrExpired)

	valid := e.issue(t, license.CreateRequest{})
	_, err = e.activations.Activate(ctx, valid.Key, "ftp://a.example")
	require.ErrorIs(t, err, license.ErrInvalidArgument)
}

func TestActivateAcceptsKeyInAnyCase(t *testing.T) {
	e := newEngine(t)
	issued := e.issue(t, license.CreateRequest{})

	_, err := e.activations.Activate(context.Background(), " "+issued.Key+" ", "https://a.example")
	require.NoError(t, err)
}

func TestActivateConcurrentSeats(t *testing.T) {
	eachBackend(t, func(t *testing.T, e *engine) {
		ctx := context.Background()
		issued := e.issue(t, license.CreateRequest{MaxSites: 3})

		var ok, refused atomic.Int32
		var g errgroup.Group
		for i := 0; i < 4; i++ {
			site := fmt.Sprintf("https://site-%d.example", i)
			g.Go(func() error {
				_, err := e.activations.Activate(ctx, issued.Key, site)
				switch {
				case err == nil:
					ok.Add(1)
				case errors.Is(err, license.ErrSeatLimitReached):
					refused.Add(1)
				default:
					return err
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())
		require.Equal(t, int32(3), ok.Load())
		require.Equal(t, int32(1), refused.Load())
	})
}

func TestValidate(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	issued := e.issue(t, license.CreateRequest{
		MaxSites:     2,
		CrawlCredits: int64Ptr(40),
		ExpiresAt:    timePtr(e.clock.Now().Add(24 * time.Hour)),
	})

	_, err := e.activations.Activate(ctx, issued.Key, "https://bound.example")
	require.NoError(t, err)

	res, err := e.activations.Validate(ctx, issued.Key, "https://BOUND.example/")
	require.NoError(t, err)
	require.True(t, res.Valid)
	require.True(t, res.Bound)
	require.Equal(t, "pro", res.Plan)
	require.Equal(t, 2, res.MaxSites)
	require.Equal(t, int64(40), *res.CrawlCredits)

	res, err = e.activations.Validate(ctx, issued.Key, "https://other.example")
	require.NoError(t, err)
	require.True(t, res.Valid)
	require.False(t, res.Bound)

	res, err = e.activations.Validate(ctx, issued.Key, "")
	require.NoError(t, err)
	require.False(t, res.Bound)

	res, err = e.activations.Validate(ctx, issued.Key, "mailto:nobody")
	require.NoError(t, err)
	require.True(t, res.Valid)
	require.False(t, res.Bound)
}

func TestValidateUnknownKeyIsNotAnError(t *testing.T) {
	e := newEngine(t)

	res, err := e.activations.Validate(context.Background(), "CB-UNKNOWN", "https://a.example")
	require.NoError(t, err)
	require.Equal(t, &license.Validation{Valid: false}, res)
}

func TestValidateExpiredIgnoresStatus(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	issued := e.issue(t, license.CreateRequest{ExpiresAt: timePtr(e.clock.Now().Add(time.Minute))})

	e.clock.Advance(2 * time.Minute)
	res, err := e.activations.Validate(ctx, issued.Key, "")
	require.NoError(t, err)
	require.False(t, res.Valid)

	_, err = e.admin.SetStatus(ctx, issued.License.ID, license.StatusActive)
	require.NoError(t, err)
	res, err = e.activations.Validate(ctx, issued.Key, "")
	require.NoError(t, err)
	require.False(t, res.Valid)
}

func TestValidateRevokedIsNotBound(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	issued := e.issue(t, license.CreateRequest{})

	view, err := e.activations.Activate(ctx, issued.Key, "https://a.example")
	require.NoError(t, err)
	_, err = e.admin.RevokeActivation(ctx, view.ActivationID)
	require.NoError(t, err)

	res, err := e.activations.Validate(ctx, issued.Key, "https://a.example")
	require.NoError(t, err)
	require.False(t, res.Bound)
}
