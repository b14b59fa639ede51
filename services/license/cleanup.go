package license

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ExpiryPolicy removes licenses that can no longer be used.
type ExpiryPolicy struct {
	store Store
	now   func() time.Time
	tel   *telemetry
}

func NewExpiryPolicy(p Params) (*ExpiryPolicy, error) {
	tel, err := newTelemetry(p.TracerProvider, p.MeterProvider)
	if err != nil {
		return nil, err
	}
	return &ExpiryPolicy{store: p.Store, now: p.clock(), tel: tel}, nil
}

// Cleanup deletes every disabled or expired license together with its
// activations and returns how many were removed. Each license is checked
// again as it is deleted, and licenses that vanish concurrently are
// skipped, so running it twice removes nothing new.
func (e *ExpiryPolicy) Cleanup(ctx context.Context) (removed int, err error) {
	ctx, span, log := e.tel.start(ctx, "license.Cleanup")
	defer func() {
		span.SetAttributes(attribute.Int("cleanup.removed", removed))
		finish(span, err)
	}()

	licenses, err := e.store.ListLicenses(ctx)
	if err != nil {
		return 0, err
	}

	now := e.now()
	for _, l := range licenses {
		if !l.Removable(now) {
			continue
		}
		// The listing may be stale by now; an admin can reactivate or extend
		// the license before the delete lands.
		deleted, err := e.store.DeleteLicenseIf(ctx, l.ID, func(cur *License) bool {
			return cur.Removable(now)
		})
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			log.Error("failed to remove license", zap.String("license_id", l.ID), zap.Error(err))
			e.tel.removed.Add(ctx, int64(removed))
			return removed, err
		}
		if !deleted {
			log.Info("license kept, no longer removable", zap.String("license_id", l.ID))
			continue
		}
		removed++
		log.Info("license removed",
			zap.String("license_id", l.ID), zap.String("status", string(l.Status)), zap.Bool("expired", l.Expired(now)))
	}

	if removed > 0 {
		e.tel.removed.Add(ctx, int64(removed))
	}
	return removed, nil
}
