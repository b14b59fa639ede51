package license

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// keyAttempts bounds regeneration when a fresh key collides with an
// existing hash.
const keyAttempts = 5

type CreateRequest struct {
	OwnerEmail   string     `json:"owner_email"`
	Plan         string     `json:"plan"`
	MaxSites     int        `json:"max_sites"`
	ExpiresAt    *time.Time `json:"expires_at"`
	CrawlCredits *int64     `json:"crawl_credits"`
}

func (r CreateRequest) validate() error {
	if strings.TrimSpace(r.Plan) == "" {
		return invalidArgument("plan is required")
	}
	if r.MaxSites < 1 {
		return invalidArgument("max_sites must be >= 1")
	}
	if r.CrawlCredits != nil && *r.CrawlCredits < 0 {
		return invalidArgument("crawl_credits must be >= 0")
	}
	if email := strings.TrimSpace(r.OwnerEmail); email != "" {
		addr, err := mail.ParseAddress(email)
		if err != nil || addr.Address != email {
			return invalidArgument("owner_email %q is not an email address", email)
		}
	}
	return nil
}

// AdminAPI is the management surface used by the dashboard.
type AdminAPI struct {
	store  Store
	hasher *Hasher
	keys   *KeyGenerator
	ids    IDGenerator
	expiry *ExpiryPolicy
	now    func() time.Time
	tel    *telemetry
}

func NewAdminAPI(p Params, expiry *ExpiryPolicy) (*AdminAPI, error) {
	tel, err := newTelemetry(p.TracerProvider, p.MeterProvider)
	if err != nil {
		return nil, err
	}
	keys := p.Keys
	if keys == nil {
		if keys, err = NewKeyGenerator(DefaultKeyPrefix); err != nil {
			return nil, err
		}
	}
	return &AdminAPI{
		store:  p.Store,
		hasher: p.Hasher,
		keys:   keys,
		ids:    p.IDs,
		expiry: expiry,
		now:    p.clock(),
		tel:    tel,
	}, nil
}

// Create issues a new license. The returned key is never stored and cannot
// be recovered later.
func (a *AdminAPI) Create(ctx context.Context, req CreateRequest) (issued *Issued, err error) {
	ctx, span, log := a.tel.start(ctx, "license.admin.Create")
	defer func() { finish(span, err) }()

	if err := req.validate(); err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= keyAttempts; attempt++ {
		key, err := a.keys.Generate()
		if err != nil {
			return nil, err
		}

		l := &License{
			ID:           a.ids.NewID(),
			KeyHash:      a.hasher.Hash(key),
			OwnerEmail:   strings.TrimSpace(req.OwnerEmail),
			Plan:         strings.TrimSpace(req.Plan),
			MaxSites:     req.MaxSites,
			CrawlCredits: copyInt64(req.CrawlCredits),
			Status:       StatusActive,
			CreatedAt:    a.now().UTC(),
			ExpiresAt:    copyTime(req.ExpiresAt),
		}

		err = a.store.CreateLicense(ctx, l)
		if errors.Is(err, ErrConflict) {
			log.Warn("generated key collided, regenerating", zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			log.Error("failed to create license", zap.Error(err))
			return nil, err
		}

		span.SetAttributes(attribute.String("license.id", l.ID))
		log.Info("license created", zap.String("license_id", l.ID), zap.String("plan", l.Plan), zap.Int("max_sites", l.MaxSites))
		return &Issued{Key: key, License: l}, nil
	}

	return nil, fmt.Errorf("%w: no unique key after %d attempts", ErrConflict, keyAttempts)
}

func (a *AdminAPI) Get(ctx context.Context, id string) (detail *LicenseDetail, err error) {
	ctx, span, _ := a.tel.start(ctx, "license.admin.Get")
	defer func() { finish(span, err) }()

	l, err := a.store.GetLicenseByID(ctx, id)
	if err != nil {
		return nil, err
	}
	acts, err := a.store.ListActivationsByLicense(ctx, id)
	if err != nil {
		return nil, err
	}
	return &LicenseDetail{License: l, Activations: acts}, nil
}

func (a *AdminAPI) ListAll(ctx context.Context) (snap *Snapshot, err error) {
	ctx, span, _ := a.tel.start(ctx, "license.admin.ListAll")
	defer func() { finish(span, err) }()

	licenses, err := a.store.ListLicenses(ctx)
	if err != nil {
		return nil, err
	}
	acts, err := a.store.ListActivations(ctx)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Licenses: licenses, Activations: acts}, nil
}

func (a *AdminAPI) SetStatus(ctx context.Context, id string, status Status) (*License, error) {
	return a.update(ctx, "license.admin.SetStatus", id, LicensePatch{Status: &status})
}

// SetExpiry sets or, with nil, clears the expiry.
func (a *AdminAPI) SetExpiry(ctx context.Context, id string, expiresAt *time.Time) (*License, error) {
	return a.update(ctx, "license.admin.SetExpiry", id, LicensePatch{SetExpiresAt: true, ExpiresAt: expiresAt})
}

// SetCredits replaces the balance; nil makes the license unlimited.
func (a *AdminAPI) SetCredits(ctx context.Context, id string, credits *int64) (*License, error) {
	return a.update(ctx, "license.admin.SetCredits", id, LicensePatch{SetCrawlCredits: true, CrawlCredits: credits})
}

// SetMaxSites fails with ErrSeatLimitReached when n is below the number of
// sites currently bound.
func (a *AdminAPI) SetMaxSites(ctx context.Context, id string, n int) (*License, error) {
	return a.update(ctx, "license.admin.SetMaxSites", id, LicensePatch{MaxSites: &n})
}

func (a *AdminAPI) update(ctx context.Context, op, id string, patch LicensePatch) (l *License, err error) {
	ctx, span, log := a.tel.start(ctx, op)
	defer func() { finish(span, err) }()
	span.SetAttributes(attribute.String("license.id", id))

	if err := patch.Validate(); err != nil {
		return nil, err
	}

	l, err = a.store.UpdateLicenseFields(ctx, id, patch)
	if err != nil {
		if Reason(err) == "store_unavailable" {
			log.Error("failed to update license", zap.String("license_id", id), zap.String("op", op), zap.Error(err))
		}
		return nil, err
	}

	log.Info("license updated", zap.String("license_id", id), zap.String("op", op))
	return l, nil
}

func (a *AdminAPI) RevokeActivation(ctx context.Context, id string) (*Activation, error) {
	return a.setRevoked(ctx, "license.admin.RevokeActivation", id, true)
}

// UnrevokeActivation restores a revoked activation if its license still has
// a free seat and the site is not bound by a newer activation.
func (a *AdminAPI) UnrevokeActivation(ctx context.Context, id string) (*Activation, error) {
	return a.setRevoked(ctx, "license.admin.UnrevokeActivation", id, false)
}

func (a *AdminAPI) setRevoked(ctx context.Context, op, id string, revoked bool) (act *Activation, err error) {
	ctx, span, log := a.tel.start(ctx, op)
	defer func() { finish(span, err) }()
	span.SetAttributes(attribute.String("activation.id", id))

	act, err = a.store.SetActivationRevoked(ctx, id, revoked)
	if err != nil {
		return nil, err
	}

	log.Info("activation updated",
		zap.String("activation_id", id), zap.String("license_id", act.LicenseID), zap.Bool("revoked", act.Revoked))
	return act, nil
}

func (a *AdminAPI) DeleteLicense(ctx context.Context, id string) (err error) {
	ctx, span, log := a.tel.start(ctx, "license.admin.DeleteLicense")
	defer func() { finish(span, err) }()
	span.SetAttributes(attribute.String("license.id", id))

	if err := a.store.DeleteLicense(ctx, id); err != nil {
		return err
	}
	log.Info("license deleted", zap.String("license_id", id))
	return nil
}

// Cleanup runs the expiry policy on demand.
func (a *AdminAPI) Cleanup(ctx context.Context) (int, error) {
	return a.expiry.Cleanup(ctx)
}
