package license

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// IDGenerator hands out unique record identifiers.
type IDGenerator interface {
	NewID() string
}

type Params struct {
	fx.In

	Store          Store
	Hasher         *Hasher
	IDs            IDGenerator
	Keys           *KeyGenerator        `optional:"true"`
	TracerProvider trace.TracerProvider `optional:"true"`
	MeterProvider  metric.MeterProvider `optional:"true"`
	Now            func() time.Time     `optional:"true"`
}

func (p Params) clock() func() time.Time {
	if p.Now != nil {
		return p.Now
	}
	return time.Now
}

// resolver turns a presented plaintext key into its license.
type resolver struct {
	store  Store
	hasher *Hasher
}

func (r resolver) resolve(ctx context.Context, key string) (*License, error) {
	if strings.TrimSpace(key) == "" {
		return nil, ErrInvalidKey
	}
	l, err := r.store.GetLicenseByKeyHash(ctx, r.hasher.Hash(key))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidKey
	}
	return l, err
}

type ActivationManager struct {
	resolver
	ids IDGenerator
	now func() time.Time
	tel *telemetry
}

func NewActivationManager(p Params) (*ActivationManager, error) {
	tel, err := newTelemetry(p.TracerProvider, p.MeterProvider)
	if err != nil {
		return nil, err
	}
	return &ActivationManager{
		resolver: resolver{store: p.Store, hasher: p.Hasher},
		ids:      p.IDs,
		now:      p.clock(),
		tel:      tel,
	}, nil
}

// Activate binds key to siteURL, consuming a seat unless the site is
// already bound. Calling it again for the same site returns the same
// activation.
func (m *ActivationManager) Activate(ctx context.Context, key, siteURL string) (view *PublicView, err error) {
	ctx, span, log := m.tel.start(ctx, "license.Activate")
	defer func() { finish(span, err) }()

	outcome := "error"
	defer func() { m.tel.countActivation(ctx, outcome) }()

	lic, err := m.resolve(ctx, key)
	if err != nil {
		outcome = reasonOr(err, "error")
		return nil, err
	}
	span.SetAttributes(attribute.String("license.id", lic.ID))

	now := m.now()
	if lic.Status == StatusDisabled {
		outcome = "disabled"
		return nil, ErrDisabled
	}
	if lic.Expired(now) {
		outcome = "expired"
		return nil, ErrExpired
	}

	site, err := NormalizeSiteURL(siteURL)
	if err != nil {
		outcome = "invalid_argument"
		return nil, err
	}

	act, created, err := m.store.CreateActivationIfAbsent(ctx, &Activation{
		ID:        m.ids.NewID(),
		LicenseID: lic.ID,
		SiteURL:   site,
		CreatedAt: now.UTC(),
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			// Deleted between lookup and activation.
			err = ErrInvalidKey
		case errors.Is(err, ErrSeatLimitReached):
			log.Info("activation refused, no free seat",
				zap.String("license_id", lic.ID), zap.String("site_url", site), zap.Int("max_sites", lic.MaxSites))
		default:
			log.Error("failed to create activation", zap.String("license_id", lic.ID), zap.Error(err))
		}
		outcome = reasonOr(err, "error")
		return nil, err
	}

	if created {
		outcome = "created"
		log.Info("site activated",
			zap.String("license_id", lic.ID), zap.String("activation_id", act.ID), zap.String("site_url", site))
	} else {
		outcome = "existing"
	}

	return &PublicView{
		LicenseID:    lic.ID,
		ActivationID: act.ID,
		Plan:         lic.Plan,
		MaxSites:     lic.MaxSites,
		ExpiresAt:    lic.ExpiresAt,
	}, nil
}

// Validate reports the state of key without changing anything. An unknown
// key is not an error; it reads as valid=false so the endpoint cannot be
// used to probe which keys exist.
func (m *ActivationManager) Validate(ctx context.Context, key, siteURL string) (result *Validation, err error) {
	ctx, span, _ := m.tel.start(ctx, "license.Validate")
	defer func() { finish(span, err) }()

	lic, err := m.resolve(ctx, key)
	if errors.Is(err, ErrInvalidKey) {
		return &Validation{Valid: false}, nil
	}
	if err != nil {
		return nil, err
	}

	result = &Validation{
		Valid:        lic.Status == StatusActive && !lic.Expired(m.now()),
		Plan:         lic.Plan,
		MaxSites:     lic.MaxSites,
		ExpiresAt:    lic.ExpiresAt,
		CrawlCredits: lic.CrawlCredits,
	}

	if strings.TrimSpace(siteURL) == "" {
		return result, nil
	}
	site, err := NormalizeSiteURL(siteURL)
	if err != nil {
		return result, nil
	}

	acts, err := m.store.ListActivationsByLicense(ctx, lic.ID)
	if err != nil {
		return nil, err
	}
	for _, a := range acts {
		if !a.Revoked && a.SiteURL == site {
			result.Bound = true
			break
		}
	}
	return result, nil
}

func reasonOr(err error, fallback string) string {
	if r := Reason(err); r != "" {
		return r
	}
	return fallback
}
