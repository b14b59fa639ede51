package sqlstore

import (
	"time"

	"clickbloom-license/services/license"
)

type licenseRecord struct {
	ID           string             `gorm:"column:id;primaryKey;size:32"`
	KeyHash      string             `gorm:"column:key_hash;size:64;not null;uniqueIndex"`
	OwnerEmail   string             `gorm:"column:owner_email;size:320"`
	Plan         string             `gorm:"column:plan;size:64;not null"`
	MaxSites     int                `gorm:"column:max_sites;not null"`
	CrawlCredits *int64             `gorm:"column:crawl_credits"`
	Status       string             `gorm:"column:status;size:16;not null;index"`
	CreatedAt    time.Time          `gorm:"column:created_at;not null"`
	ExpiresAt    *time.Time         `gorm:"column:expires_at;index"`
	Activations  []activationRecord `gorm:"foreignKey:LicenseID;references:ID;constraint:OnDelete:CASCADE"`
}

func (licenseRecord) TableName() string {
	return "licenses"
}

type activationRecord struct {
	ID        string    `gorm:"column:id;primaryKey;size:32"`
	LicenseID string    `gorm:"column:license_id;size:32;not null;index:idx_activations_license_site"`
	SiteURL   string    `gorm:"column:site_url;size:255;not null;index:idx_activations_license_site"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
	Revoked   bool      `gorm:"column:revoked;not null"`
}

func (activationRecord) TableName() string {
	return "activations"
}

func fromLicense(l *license.License) *licenseRecord {
	rec := &licenseRecord{
		ID:           l.ID,
		KeyHash:      l.KeyHash,
		OwnerEmail:   l.OwnerEmail,
		Plan:         l.Plan,
		MaxSites:     l.MaxSites,
		CrawlCredits: l.CrawlCredits,
		Status:       string(l.Status),
		CreatedAt:    l.CreatedAt.UTC(),
	}
	if l.ExpiresAt != nil {
		t := l.ExpiresAt.UTC()
		rec.ExpiresAt = &t
	}
	return rec
}

func (r *licenseRecord) model() *license.License {
	l := &license.License{
		ID:           r.ID,
		KeyHash:      r.KeyHash,
		OwnerEmail:   r.OwnerEmail,
		Plan:         r.Plan,
		MaxSites:     r.MaxSites,
		CrawlCredits: r.CrawlCredits,
		Status:       license.Status(r.Status),
		CreatedAt:    r.CreatedAt.UTC(),
	}
	if r.ExpiresAt != nil {
		t := r.ExpiresAt.UTC()
		l.ExpiresAt = &t
	}
	return l
}

func fromActivation(a *license.Activation) *activationRecord {
	return &activationRecord{
		ID:        a.ID,
		LicenseID: a.LicenseID,
		SiteURL:   a.SiteURL,
		CreatedAt: a.CreatedAt.UTC(),
		Revoked:   a.Revoked,
	}
}

func (r *activationRecord) model() *license.Activation {
	return &license.Activation{
		ID:        r.ID,
		LicenseID: r.LicenseID,
		SiteURL:   r.SiteURL,
		CreatedAt: r.CreatedAt.UTC(),
		Revoked:   r.Revoked,
	}
}
