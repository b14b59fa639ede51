package docstore

import (
	"time"

	"clickbloom-license/services/license"
)

// document is the on-disk layout: one JSON object with two ordered arrays.
type document struct {
	Licenses    []licenseRecord    `json:"licenses"`
	Activations []activationRecord `json:"activations"`
}

type licenseRecord struct {
	ID           string         `json:"id"`
	KeyHash      string         `json:"key_hash"`
	OwnerEmail   string         `json:"owner_email,omitempty"`
	Plan         string         `json:"plan"`
	MaxSites     int            `json:"max_sites"`
	CrawlCredits *int64         `json:"crawl_credits"`
	Status       license.Status `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	ExpiresAt    *time.Time     `json:"expires_at"`
}

type activationRecord struct {
	ID        string    `json:"id"`
	LicenseID string    `json:"license_id"`
	SiteURL   string    `json:"site_url"`
	CreatedAt time.Time `json:"created_at"`
	Revoked   bool      `json:"revoked"`
}

func fromLicense(l *license.License) licenseRecord {
	c := l.Clone()
	return licenseRecord{
		ID:           c.ID,
		KeyHash:      c.KeyHash,
		OwnerEmail:   c.OwnerEmail,
		Plan:         c.Plan,
		MaxSites:     c.MaxSites,
		CrawlCredits: c.CrawlCredits,
		Status:       c.Status,
		CreatedAt:    c.CreatedAt,
		ExpiresAt:    c.ExpiresAt,
	}
}

func (r licenseRecord) model() *license.License {
	l := &license.License{
		ID:           r.ID,
		KeyHash:      r.KeyHash,
		OwnerEmail:   r.OwnerEmail,
		Plan:         r.Plan,
		MaxSites:     r.MaxSites,
		CrawlCredits: r.CrawlCredits,
		Status:       r.Status,
		CreatedAt:    r.CreatedAt,
		ExpiresAt:    r.ExpiresAt,
	}
	return l.Clone()
}

func fromActivation(a *license.Activation) activationRecord {
	return activationRecord{
		ID:        a.ID,
		LicenseID: a.LicenseID,
		SiteURL:   a.SiteURL,
		CreatedAt: a.CreatedAt,
		Revoked:   a.Revoked,
	}
}

func (r activationRecord) model() *license.Activation {
	return &license.Activation{
		ID:        r.ID,
		LicenseID: r.LicenseID,
		SiteURL:   r.SiteURL,
		CreatedAt: r.CreatedAt,
		Revoked:   r.Revoked,
	}
}

func (d *document) licenseIndex(id string) int {
	for i := range d.Licenses {
		if d.Licenses[i].ID == id {
			return i
		}
	}
	return -1
}

func (d *document) activationIndex(id string) int {
	for i := range d.Activations {
		if d.Activations[i].ID == id {
			return i
		}
	}
	return -1
}

// activeCount counts non-revoked activations of licenseID.
func (d *document) activeCount(licenseID string) int {
	n := 0
	for _, a := range d.Activations {
		if a.LicenseID == licenseID && !a.Revoked {
			n++
		}
	}
	return n
}

// activeForSite returns the index of the non-revoked activation for the
// pair, skipping exceptID, or -1.
func (d *document) activeForSite(licenseID, siteURL, exceptID string) int {
	for i, a := range d.Activations {
		if a.ID == exceptID {
			continue
		}
		if a.LicenseID == licenseID && a.SiteURL == siteURL && !a.Revoked {
			return i
		}
	}
	return -1
}
