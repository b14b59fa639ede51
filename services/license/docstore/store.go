// Package docstore keeps licenses and activations in a single JSON file.
// Every mutation rewrites the whole file through a temp file and rename
// while holding one process-wide mutex, so writes are serialized across all
// licenses. That is the throughput ceiling of this backend.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"clickbloom-license/services/license"

	"go.uber.org/zap"
)

type Store struct {
	path string
	mu   sync.Mutex
}

var _ license.Store = (*Store)(nil)

// New returns a store backed by the file at path. The file and its parent
// directory are created on the first write.
func New(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("docstore: path is required")
	}
	return &Store{path: filepath.Clean(path)}, nil
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) load() (*document, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &document{}, nil
	}
	if err != nil {
		return nil, license.Unavailable(fmt.Errorf("read %s: %w", s.path, err))
	}
	if len(data) == 0 {
		return &document{}, nil
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, license.Unavailable(fmt.Errorf("decode %s: %w", s.path, err))
	}
	return &doc, nil
}

func (s *Store) save(doc *document) error {
	if doc.Licenses == nil {
		doc.Licenses = []licenseRecord{}
	}
	if doc.Activations == nil {
		doc.Activations = []activationRecord{}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return license.Unavailable(fmt.Errorf("encode document: %w", err))
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return license.Unavailable(fmt.Errorf("create %s: %w", dir, err))
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return license.Unavailable(fmt.Errorf("create temp file: %w", err))
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return license.Unavailable(fmt.Errorf("write temp file: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return license.Unavailable(fmt.Errorf("sync temp file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return license.Unavailable(fmt.Errorf("close temp file: %w", err))
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		cleanup()
		return license.Unavailable(fmt.Errorf("rename temp file: %w", err))
	}
	return nil
}

// read loads the latest committed document without taking the write lock.
// Rename is atomic, so a reader sees either the old or the new file.
func (s *Store) read(ctx context.Context) (*document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.load()
}

// mutate runs fn against a fresh copy of the document under the store
// mutex and persists it when fn returns nil.
func (s *Store) mutate(ctx context.Context, fn func(doc *document) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	if err := s.save(doc); err != nil {
		zap.L().Error("[docstore] failed to persist document", zap.String("path", s.path), zap.Error(err))
		return err
	}
	return nil
}

func (s *Store) CreateLicense(ctx context.Context, l *license.License) error {
	return s.mutate(ctx, func(doc *document) error {
		for _, r := range doc.Licenses {
			if r.ID == l.ID {
				return fmt.Errorf("%w: license id %s already exists", license.ErrConflict, l.ID)
			}
			if r.KeyHash == l.KeyHash {
				return fmt.Errorf("%w: key hash already exists", license.ErrConflict)
			}
		}
		doc.Licenses = append(doc.Licenses, fromLicense(l))
		return nil
	})
}

func (s *Store) GetLicenseByID(ctx context.Context, id string) (*license.License, error) {
	doc, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	if i := doc.licenseIndex(id); i >= 0 {
		return doc.Licenses[i].model(), nil
	}
	return nil, license.ErrNotFound
}

func (s *Store) GetLicenseByKeyHash(ctx context.Context, keyHash string) (*license.License, error) {
	doc, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range doc.Licenses {
		if r.KeyHash == keyHash {
			return r.model(), nil
		}
	}
	return nil, license.ErrNotFound
}

func (s *Store) ListLicenses(ctx context.Context) ([]*license.License, error) {
	doc, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*license.License, 0, len(doc.Licenses))
	for _, r := range doc.Licenses {
		out = append(out, r.model())
	}
	return out, nil
}

func (s *Store) UpdateLicenseFields(ctx context.Context, id string, patch license.LicensePatch) (*license.License, error) {
	var updated *license.License
	err := s.mutate(ctx, func(doc *document) error {
		i := doc.licenseIndex(id)
		if i < 0 {
			return license.ErrNotFound
		}
		if patch.MaxSites != nil && doc.activeCount(id) > *patch.MaxSites {
			return license.ErrSeatLimitReached
		}

		l := doc.Licenses[i].model()
		patch.Apply(l)
		doc.Licenses[i] = fromLicense(l)
		updated = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// errUnchanged aborts a mutation without writing and without failing.
var errUnchanged = errors.New("docstore: unchanged")

func (s *Store) DeleteLicense(ctx context.Context, id string) error {
	_, err := s.DeleteLicenseIf(ctx, id, nil)
	return err
}

func (s *Store) DeleteLicenseIf(ctx context.Context, id string, cond func(*license.License) bool) (bool, error) {
	err := s.mutate(ctx, func(doc *document) error {
		i := doc.licenseIndex(id)
		if i < 0 {
			return license.ErrNotFound
		}
		if cond != nil && !cond(doc.Licenses[i].model()) {
			return errUnchanged
		}
		doc.Licenses = append(doc.Licenses[:i], doc.Licenses[i+1:]...)

		kept := doc.Activations[:0]
		for _, a := range doc.Activations {
			if a.LicenseID != id {
				kept = append(kept, a)
			}
		}
		doc.Activations = kept
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) ListActivationsByLicense(ctx context.Context, licenseID string) ([]*license.Activation, error) {
	doc, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*license.Activation, 0)
	for _, r := range doc.Activations {
		if r.LicenseID == licenseID {
			out = append(out, r.model())
		}
	}
	return out, nil
}

func (s *Store) ListActivations(ctx context.Context) ([]*license.Activation, error) {
	doc, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*license.Activation, 0, len(doc.Activations))
	for _, r := range doc.Activations {
		out = append(out, r.model())
	}
	return out, nil
}

func (s *Store) CreateActivationIfAbsent(ctx context.Context, candidate *license.Activation) (*license.Activation, bool, error) {
	var (
		result  *license.Activation
		created bool
	)

	err := s.mutate(ctx, func(doc *document) error {
		i := doc.licenseIndex(candidate.LicenseID)
		if i < 0 {
			return license.ErrNotFound
		}

		if j := doc.activeForSite(candidate.LicenseID, candidate.SiteURL, ""); j >= 0 {
			result = doc.Activations[j].model()
			return errUnchanged
		}

		if doc.activeCount(candidate.LicenseID) >= doc.Licenses[i].MaxSites {
			return license.ErrSeatLimitReached
		}

		rec := fromActivation(candidate)
		rec.Revoked = false
		doc.Activations = append(doc.Activations, rec)
		result = rec.model()
		created = true
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return result, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return result, created, nil
}

func (s *Store) SetActivationRevoked(ctx context.Context, id string, revoked bool) (*license.Activation, error) {
	var result *license.Activation
	err := s.mutate(ctx, func(doc *document) error {
		i := doc.activationIndex(id)
		if i < 0 {
			return license.ErrNotFound
		}
		a := doc.Activations[i]
		if a.Revoked == revoked {
			result = a.model()
			return errUnchanged
		}

		if !revoked {
			li := doc.licenseIndex(a.LicenseID)
			if li < 0 {
				return license.ErrNotFound
			}
			if doc.activeForSite(a.LicenseID, a.SiteURL, a.ID) >= 0 {
				return fmt.Errorf("%w: site %s already has an active activation", license.ErrConflict, a.SiteURL)
			}
			if doc.activeCount(a.LicenseID) >= doc.Licenses[li].MaxSites {
				return license.ErrSeatLimitReached
			}
		}

		doc.Activations[i].Revoked = revoked
		result = doc.Activations[i].model()
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return result, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) AtomicDecrementCredits(ctx context.Context, licenseID string, amount int64) (bool, *int64, error) {
	var (
		ok        bool
		remaining *int64
	)
	err := s.mutate(ctx, func(doc *document) error {
		i := doc.licenseIndex(licenseID)
		if i < 0 {
			return license.ErrNotFound
		}
		balance := doc.Licenses[i].CrawlCredits
		if balance == nil {
			ok = true
			return errUnchanged
		}
		if *balance < amount {
			v := *balance
			remaining = &v
			return errUnchanged
		}

		v := *balance - amount
		doc.Licenses[i].CrawlCredits = &v
		ok = true
		out := v
		remaining = &out
		return nil
	})
	if err != nil && !errors.Is(err, errUnchanged) {
		return false, nil, err
	}
	return ok, remaining, nil
}

// Ping checks that the document can be read and its directory written.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.read(ctx); err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return license.Unavailable(err)
	}
	if !info.IsDir() {
		return license.Unavailable(fmt.Errorf("%s is not a directory", dir))
	}
	return nil
}
