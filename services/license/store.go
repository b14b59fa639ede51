package license

import (
	"context"
)

// Store persists licenses and activations. Implementations must keep the
// seat limit, the one-active-activation-per-site rule and the non-negative
// credit balance intact under concurrent calls on the same license, and
// must report I/O failures wrapped in ErrStoreUnavailable. A cancelled or
// expired ctx is returned as the context error itself.
type Store interface {
	// CreateLicense inserts l. A duplicate ID or KeyHash is ErrConflict.
	CreateLicense(ctx context.Context, l *License) error
	GetLicenseByID(ctx context.Context, id string) (*License, error)
	GetLicenseByKeyHash(ctx context.Context, keyHash string) (*License, error)
	ListLicenses(ctx context.Context) ([]*License, error)

	// UpdateLicenseFields applies patch and returns the updated license.
	// Lowering MaxSites below the active activation count is
	// ErrSeatLimitReached and changes nothing.
	UpdateLicenseFields(ctx context.Context, id string, patch LicensePatch) (*License, error)

	// DeleteLicense removes the license and all of its activations.
	DeleteLicense(ctx context.Context, id string) error

	// DeleteLicenseIf deletes the license like DeleteLicense only when cond
	// holds for its current state, checked in the same atomic step as the
	// delete. deleted is false when cond rejected it.
	DeleteLicenseIf(ctx context.Context, id string, cond func(*License) bool) (deleted bool, err error)

	ListActivationsByLicense(ctx context.Context, licenseID string) ([]*Activation, error)
	ListActivations(ctx context.Context) ([]*Activation, error)

	// CreateActivationIfAbsent returns the existing non-revoked activation
	// for (candidate.LicenseID, candidate.SiteURL) with created=false, or
	// inserts candidate if the license has a free seat. The seat check and
	// the insert are one atomic step per license.
	CreateActivationIfAbsent(ctx context.Context, candidate *Activation) (activation *Activation, created bool, err error)

	// SetActivationRevoked flips the revoked flag. Unrevoking re-checks the
	// seat limit (ErrSeatLimitReached) and the per-site rule (ErrConflict).
	SetActivationRevoked(ctx context.Context, id string, revoked bool) (*Activation, error)

	// AtomicDecrementCredits subtracts amount if the balance covers it.
	// When it does not, ok is false, the balance is untouched and remaining
	// holds the current balance. An unlimited balance is always ok and
	// remaining is nil.
	AtomicDecrementCredits(ctx context.Context, licenseID string, amount int64) (ok bool, remaining *int64, err error)

	Ping(ctx context.Context) error
}
