package license

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type CreditLedger struct {
	resolver
	tel *telemetry
}

func NewCreditLedger(p Params) (*CreditLedger, error) {
	tel, err := newTelemetry(p.TracerProvider, p.MeterProvider)
	if err != nil {
		return nil, err
	}
	return &CreditLedger{
		resolver: resolver{store: p.Store, hasher: p.Hasher},
		tel:      tel,
	}, nil
}

// Spend draws amount from the license's crawl credits. The balance check
// and the decrement happen in one Store call; a failed spend leaves the
// balance exactly as it was.
func (c *CreditLedger) Spend(ctx context.Context, key string, amount int64) (result *SpendResult, err error) {
	ctx, span, log := c.tel.start(ctx, "license.Spend")
	defer func() { finish(span, err) }()
	span.SetAttributes(attribute.Int64("credits.amount", amount))

	if amount <= 0 {
		return nil, invalidArgument("amount must be > 0")
	}

	lic, err := c.resolve(ctx, key)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("license.id", lic.ID))

	if lic.Unlimited() {
		return &SpendResult{Unlimited: true}, nil
	}

	ok, remaining, err := c.store.AtomicDecrementCredits(ctx, lic.ID, amount)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, ErrInvalidKey
	case err != nil:
		log.Error("failed to decrement credits", zap.String("license_id", lic.ID), zap.Int64("amount", amount), zap.Error(err))
		return nil, err
	case !ok:
		log.Info("spend refused, insufficient credits", zap.String("license_id", lic.ID), zap.Int64("amount", amount))
		return nil, ErrInsufficientCredits
	case remaining == nil:
		// Made unlimited after the lookup.
		return &SpendResult{Unlimited: true}, nil
	}

	c.tel.spent.Add(ctx, amount)
	log.Debug("credits spent", zap.String("license_id", lic.ID), zap.Int64("amount", amount), zap.Int64("remaining", *remaining))

	return &SpendResult{Remaining: remaining}, nil
}
