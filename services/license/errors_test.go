package license

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrInvalidKey, "invalid_key"},
		{ErrDisabled, "disabled"},
		{ErrExpired, "expired"},
		{ErrSeatLimitReached, "seat_limit_reached"},
		{fmt.Errorf("wrap: %w", ErrInsufficientCredits), "insufficient_credits"},
		{ErrNotFound, "not_found"},
		{Unavailable(errors.New("disk full")), "store_unavailable"},
		{invalidArgument("bad %d", 1), "invalid_argument"},
		{ErrConflict, "conflict"},
		{errors.New("boom"), ""},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, Reason(tt.err), tt.err.Error())
	}
}

func TestUnavailable(t *testing.T) {
	require.NoError(t, Unavailable(nil))

	cause := errors.New("connection refused")
	err := Unavailable(cause)
	require.ErrorIs(t, err, ErrStoreUnavailable)
	require.ErrorIs(t, err, cause)
	require.Same(t, err, Unavailable(err))
}

func TestLicenseExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)

	l := &License{Status: StatusActive}
	require.False(t, l.Expired(now))
	require.False(t, l.Removable(now))

	l.ExpiresAt = &now
	require.True(t, l.Expired(now), "expiry is inclusive")

	l.ExpiresAt = &past
	require.True(t, l.Removable(now))

	l = &License{Status: StatusDisabled}
	require.True(t, l.Removable(now))
}

func TestLicensePatchValidate(t *testing.T) {
	bogus := Status("paused")
	negative := int64(-1)
	zero := 0

	require.ErrorIs(t, LicensePatch{Status: &bogus}.Validate(), ErrInvalidArgument)
	require.ErrorIs(t, LicensePatch{SetCrawlCredits: true, CrawlCredits: &negative}.Validate(), ErrInvalidArgument)
	require.ErrorIs(t, LicensePatch{MaxSites: &zero}.Validate(), ErrInvalidArgument)
	require.NoError(t, LicensePatch{SetCrawlCredits: true}.Validate())
	require.True(t, LicensePatch{}.Empty())
}

func TestLicenseCloneIsDeep(t *testing.T) {
	credits := int64(5)
	exp := time.Now()
	l := &License{ID: "1", CrawlCredits: &credits, ExpiresAt: &exp}

	c := l.Clone()
	*c.CrawlCredits = 1
	*c.ExpiresAt = exp.Add(time.Hour)

	require.Equal(t, int64(5), *l.CrawlCredits)
	require.Equal(t, exp, *l.ExpiresAt)
}
