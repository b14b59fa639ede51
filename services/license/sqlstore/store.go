// Package sqlstore keeps licenses and activations in two gorm tables.
// Mutations that read then write a license's seats or balance run in a
// transaction holding that license's row lock, so different licenses
// proceed in parallel.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"clickbloom-license/services/license"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Store struct {
	db *gorm.DB
}

var _ license.Store = (*Store)(nil)

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the licenses and activations tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&licenseRecord{}, &activationRecord{}); err != nil {
		return license.Unavailable(fmt.Errorf("migrate: %w", err))
	}
	return nil
}

// Models lists the gorm models owned by this package.
func Models() []any {
	return []any{&licenseRecord{}, &activationRecord{}}
}

// transaction runs fn in a transaction at READ COMMITTED on MySQL. Reads
// taken after lockLicense must see rows committed while waiting for the
// lock, and MySQL's default REPEATABLE READ pins the snapshot at the first
// plain read of the transaction instead.
func (s *Store) transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	db := s.db.WithContext(ctx)
	return db.Transaction(fn, txOptions(db.Dialector.Name())...)
}

func txOptions(dialect string) []*sql.TxOptions {
	if dialect == "mysql" {
		return []*sql.TxOptions{{Isolation: sql.LevelReadCommitted}}
	}
	return nil
}

// translate maps gorm errors onto the domain and lets domain errors
// returned from inside transactions pass through.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case license.Reason(err) != "":
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return license.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %w", license.ErrConflict, err)
	default:
		zap.L().Error("[sqlstore] query failed", zap.Error(err))
		return license.Unavailable(err)
	}
}

// lockLicense loads the license row with FOR UPDATE inside tx.
func lockLicense(tx *gorm.DB, id string) (*licenseRecord, error) {
	var rec licenseRecord
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		Take(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

func countActive(tx *gorm.DB, licenseID string) (int64, error) {
	var n int64
	err := tx.Model(&activationRecord{}).
		Where("license_id = ? AND revoked = ?", licenseID, false).
		Count(&n).Error
	return n, err
}

func (s *Store) CreateLicense(ctx context.Context, l *license.License) error {
	rec := fromLicense(l)
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&licenseRecord{}).
			Where("id = ? OR key_hash = ?", rec.ID, rec.KeyHash).
			Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: license id or key hash already exists", license.ErrConflict)
		}
		return tx.Omit(clause.Associations).Create(rec).Error
	})
	return translate(err)
}

func (s *Store) GetLicenseByID(ctx context.Context, id string) (*license.License, error) {
	var rec licenseRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&rec).Error; err != nil {
		return nil, translate(err)
	}
	return rec.model(), nil
}

func (s *Store) GetLicenseByKeyHash(ctx context.Context, keyHash string) (*license.License, error) {
	var rec licenseRecord
	if err := s.db.WithContext(ctx).Where("key_hash = ?", keyHash).Take(&rec).Error; err != nil {
		return nil, translate(err)
	}
	return rec.model(), nil
}

func (s *Store) ListLicenses(ctx context.Context) ([]*license.License, error) {
	var recs []licenseRecord
	if err := s.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&recs).Error; err != nil {
		return nil, translate(err)
	}
	out := make([]*license.License, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].model())
	}
	return out, nil
}

func (s *Store) UpdateLicenseFields(ctx context.Context, id string, patch license.LicensePatch) (*license.License, error) {
	var updated *license.License
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		rec, err := lockLicense(tx, id)
		if err != nil {
			return err
		}

		if patch.MaxSites != nil {
			active, err := countActive(tx, id)
			if err != nil {
				return err
			}
			if active > int64(*patch.MaxSites) {
				return license.ErrSeatLimitReached
			}
		}

		l := rec.model()
		patch.Apply(l)
		next := fromLicense(l)

		updates := map[string]any{}
		if patch.Status != nil {
			updates["status"] = next.Status
		}
		if patch.SetExpiresAt {
			updates["expires_at"] = next.ExpiresAt
		}
		if patch.SetCrawlCredits {
			updates["crawl_credits"] = next.CrawlCredits
		}
		if patch.MaxSites != nil {
			updates["max_sites"] = next.MaxSites
		}

		if len(updates) > 0 {
			if err := tx.Model(&licenseRecord{}).Where("id = ?", id).Updates(updates).Error; err != nil {
				return err
			}
		}

		updated = next.model()
		return nil
	})
	if err != nil {
		return nil, translate(err)
	}
	return updated, nil
}

func (s *Store) DeleteLicense(ctx context.Context, id string) error {
	_, err := s.DeleteLicenseIf(ctx, id, nil)
	return err
}

func (s *Store) DeleteLicenseIf(ctx context.Context, id string, cond func(*license.License) bool) (bool, error) {
	var deleted bool
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		rec, err := lockLicense(tx, id)
		if err != nil {
			return err
		}
		if cond != nil && !cond(rec.model()) {
			return nil
		}
		// The foreign key cascades too, but not every dialect enforces it.
		if err := tx.Where("license_id = ?", id).Delete(&activationRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("id = ?", id).Delete(&licenseRecord{}).Error; err != nil {
			return err
		}
		deleted = true
		return nil
	})
	if err != nil {
		return false, translate(err)
	}
	return deleted, nil
}

func (s *Store) ListActivationsByLicense(ctx context.Context, licenseID string) ([]*license.Activation, error) {
	var recs []activationRecord
	if err := s.db.WithContext(ctx).
		Where("license_id = ?", licenseID).
		Order("created_at ASC, id ASC").
		Find(&recs).Error; err != nil {
		return nil, translate(err)
	}
	return activations(recs), nil
}

func (s *Store) ListActivations(ctx context.Context) ([]*license.Activation, error) {
	var recs []activationRecord
	if err := s.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&recs).Error; err != nil {
		return nil, translate(err)
	}
	return activations(recs), nil
}

func activations(recs []activationRecord) []*license.Activation {
	out := make([]*license.Activation, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].model())
	}
	return out
}

func (s *Store) CreateActivationIfAbsent(ctx context.Context, candidate *license.Activation) (*license.Activation, bool, error) {
	var (
		result  *license.Activation
		created bool
	)

	err := s.transaction(ctx, func(tx *gorm.DB) error {
		lic, err := lockLicense(tx, candidate.LicenseID)
		if err != nil {
			return err
		}

		var existing activationRecord
		err = tx.Where("license_id = ? AND site_url = ? AND revoked = ?", candidate.LicenseID, candidate.SiteURL, false).
			Take(&existing).Error
		switch {
		case err == nil:
			result = existing.model()
			return nil
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		active, err := countActive(tx, candidate.LicenseID)
		if err != nil {
			return err
		}
		if active >= int64(lic.MaxSites) {
			return license.ErrSeatLimitReached
		}

		rec := fromActivation(candidate)
		rec.Revoked = false
		if err := tx.Create(rec).Error; err != nil {
			return err
		}
		result = rec.model()
		created = true
		return nil
	})
	if err != nil {
		return nil, false, translate(err)
	}
	return result, created, nil
}

func (s *Store) SetActivationRevoked(ctx context.Context, id string, revoked bool) (*license.Activation, error) {
	var result *license.Activation
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		var rec activationRecord
		if err := tx.Where("id = ?", id).Take(&rec).Error; err != nil {
			return err
		}

		// Every change to a license's activations holds the license row.
		// The counts below rely on transaction's isolation to see
		// activations committed while this waited for the lock.
		lic, err := lockLicense(tx, rec.LicenseID)
		if err != nil {
			return err
		}
		if err := tx.Where("id = ?", id).Take(&rec).Error; err != nil {
			return err
		}

		if rec.Revoked == revoked {
			result = rec.model()
			return nil
		}

		if !revoked {
			var n int64
			if err := tx.Model(&activationRecord{}).
				Where("license_id = ? AND site_url = ? AND revoked = ? AND id <> ?", rec.LicenseID, rec.SiteURL, false, rec.ID).
				Count(&n).Error; err != nil {
				return err
			}
			if n > 0 {
				return fmt.Errorf("%w: site %s already has an active activation", license.ErrConflict, rec.SiteURL)
			}

			active, err := countActive(tx, rec.LicenseID)
			if err != nil {
				return err
			}
			if active >= int64(lic.MaxSites) {
				return license.ErrSeatLimitReached
			}
		}

		if err := tx.Model(&activationRecord{}).Where("id = ?", id).Update("revoked", revoked).Error; err != nil {
			return err
		}
		rec.Revoked = revoked
		result = rec.model()
		return nil
	})
	if err != nil {
		return nil, translate(err)
	}
	return result, nil
}

// AtomicDecrementCredits issues a single conditional UPDATE so the balance
// check and the write cannot interleave with another spender.
func (s *Store) AtomicDecrementCredits(ctx context.Context, licenseID string, amount int64) (bool, *int64, error) {
	var (
		ok        bool
		remaining *int64
	)

	err := s.transaction(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&licenseRecord{}).
			Where("id = ? AND crawl_credits IS NOT NULL AND crawl_credits >= ?", licenseID, amount).
			Update("crawl_credits", gorm.Expr("crawl_credits - ?", amount))
		if res.Error != nil {
			return res.Error
		}

		var rec licenseRecord
		if err := tx.Select("id", "crawl_credits").Where("id = ?", licenseID).Take(&rec).Error; err != nil {
			return err
		}

		switch {
		case res.RowsAffected == 1:
			ok = true
			remaining = rec.CrawlCredits
		case rec.CrawlCredits == nil:
			ok = true
		default:
			remaining = rec.CrawlCredits
		}
		return nil
	})
	if err != nil {
		return false, nil, translate(err)
	}
	return ok, remaining, nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return license.Unavailable(err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return license.Unavailable(err)
	}
	return nil
}
