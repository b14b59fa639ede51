package license

import (
	"time"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
)

func (s Status) Valid() bool {
	return s == StatusActive || s == StatusDisabled
}

// License is an entitlement identified by the hash of its plaintext key.
// A nil CrawlCredits means the balance is unlimited; a nil ExpiresAt means
// the license never expires.
type License struct {
	ID           string     `json:"license_id"`
	KeyHash      string     `json:"-"`
	OwnerEmail   string     `json:"owner_email,omitempty"`
	Plan         string     `json:"plan"`
	MaxSites     int        `json:"max_sites"`
	CrawlCredits *int64     `json:"crawl_credits"`
	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    *time.Time `json:"expires_at"`
}

// Expired reports whether the license has reached its expiry at now.
func (l *License) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && !now.Before(*l.ExpiresAt)
}

// Unlimited reports whether spending never draws the balance down.
func (l *License) Unlimited() bool {
	return l.CrawlCredits == nil
}

// Removable reports whether Cleanup should delete the license at now.
func (l *License) Removable(now time.Time) bool {
	return l.Status == StatusDisabled || l.Expired(now)
}

func (l *License) Clone() *License {
	if l == nil {
		return nil
	}
	out := *l
	if l.CrawlCredits != nil {
		v := *l.CrawlCredits
		out.CrawlCredits = &v
	}
	if l.ExpiresAt != nil {
		v := *l.ExpiresAt
		out.ExpiresAt = &v
	}
	return &out
}

// Activation binds a license to one normalized site URL. Only non-revoked
// activations count against MaxSites.
type Activation struct {
	ID        string    `json:"activation_id"`
	LicenseID string    `json:"license_id"`
	SiteURL   string    `json:"site_url"`
	CreatedAt time.Time `json:"created_at"`
	Revoked   bool      `json:"revoked"`
}

func (a *Activation) Clone() *Activation {
	if a == nil {
		return nil
	}
	out := *a
	return &out
}

// LicensePatch is a partial update. Nil pointers leave a field untouched;
// the Set* flags allow clearing nullable fields.
type LicensePatch struct {
	Status *Status

	SetExpiresAt bool
	ExpiresAt    *time.Time

	SetCrawlCredits bool
	CrawlCredits    *int64

	MaxSites *int
}

// Apply writes the patch onto l. Callers validate the patch first.
func (p LicensePatch) Apply(l *License) {
	if p.Status != nil {
		l.Status = *p.Status
	}
	if p.SetExpiresAt {
		l.ExpiresAt = copyTime(p.ExpiresAt)
	}
	if p.SetCrawlCredits {
		l.CrawlCredits = copyInt64(p.CrawlCredits)
	}
	if p.MaxSites != nil {
		l.MaxSites = *p.MaxSites
	}
}

// Empty reports whether the patch changes nothing.
func (p LicensePatch) Empty() bool {
	return p.Status == nil && !p.SetExpiresAt && !p.SetCrawlCredits && p.MaxSites == nil
}

// Validate rejects values that would break the license invariants.
func (p LicensePatch) Validate() error {
	if p.Status != nil && !p.Status.Valid() {
		return invalidArgument("unknown status %q", *p.Status)
	}
	if p.SetCrawlCredits && p.CrawlCredits != nil && *p.CrawlCredits < 0 {
		return invalidArgument("crawl_credits must be >= 0")
	}
	if p.MaxSites != nil && *p.MaxSites < 1 {
		return invalidArgument("max_sites must be >= 1")
	}
	return nil
}

// PublicView is what callers of Activate learn about their license.
type PublicView struct {
	LicenseID    string     `json:"license_id"`
	ActivationID string     `json:"activation_id"`
	Plan         string     `json:"plan"`
	MaxSites     int        `json:"max_sites"`
	ExpiresAt    *time.Time `json:"expires_at"`
}

// Validation is the read-only result of Validate. For an unknown key only
// Valid is meaningful and it is false.
type Validation struct {
	Valid        bool       `json:"valid"`
	Plan         string     `json:"plan,omitempty"`
	MaxSites     int        `json:"max_sites,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Bound        bool       `json:"bound"`
	CrawlCredits *int64     `json:"crawl_credits,omitempty"`
}

// SpendResult reports the balance after a successful spend. Remaining is
// nil when the license is unlimited.
type SpendResult struct {
	Unlimited bool   `json:"unlimited"`
	Remaining *int64 `json:"remaining"`
}

// Issued is returned once by Create; it is the only place the plaintext
// key ever leaves the engine.
type Issued struct {
	Key     string   `json:"key"`
	License *License `json:"license"`
}

type Snapshot struct {
	Licenses    []*License    `json:"licenses"`
	Activations []*Activation `json:"activations"`
}

type LicenseDetail struct {
	License     *License      `json:"license"`
	Activations []*Activation `json:"activations"`
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func copyInt64(n *int64) *int64 {
	if n == nil {
		return nil
	}
	v := *n
	return &v
}
