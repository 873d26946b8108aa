// Package certificate holds Singularity Edge's TLS certificate data
// model and its Store-backed CRUD (spec §3/§4.1's certificates table).
// Issuance itself (ACME) is an external collaborator, per spec §1 — this
// package only stores and serves what's already been issued.
package certificate

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"singularityedge/internal/edgeerr"
	"singularityedge/internal/store"
)

// ExpiringSoonWindow is how far ahead of expires_at a certificate is
// reported as expiring_soon (spec §3).
const ExpiringSoonWindow = 30 * 24 * time.Hour

// Certificate is the certificates table row, exactly spec §3's fields.
type Certificate struct {
	ID         string            `json:"id"`
	Domain     string            `json:"domain"`
	PEMCert    string            `json:"certificate"`
	PEMKey     string            `json:"private_key"`
	PEMChain   string            `json:"chain"`
	Issuer     string            `json:"issuer"`
	ExpiresAt  time.Time         `json:"expires_at"`
	AutoRenew  bool              `json:"auto_renew"`
	Provider   string            `json:"provider"`
	Metadata   map[string]string `json:"metadata"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// ExpiringSoon reports whether the certificate expires within
// ExpiringSoonWindow of now.
func (c Certificate) ExpiringSoon(now time.Time) bool {
	return !c.Expired(now) && c.ExpiresAt.Before(now.Add(ExpiringSoonWindow))
}

// Expired reports whether the certificate's expires_at has already
// passed as of now.
func (c Certificate) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Store is a certificates-table-scoped CRUD wrapper over the generic
// store.Store. Create defaults an empty provider to "letsencrypt";
// AutoRenew has no default and is stored exactly as given.
type Store struct {
	backing *store.Store
}

// New wraps backing for certificate access.
func New(backing *store.Store) *Store {
	return &Store{backing: backing}
}

// Create assigns a new UUID v4 id and persists cert, defaulting an empty
// Provider to "letsencrypt". AutoRenew is left as the caller set it.
func (s *Store) Create(cert Certificate) (Certificate, error) {
	if cert.Domain == "" {
		return Certificate{}, fmt.Errorf("%w: certificate domain is required", edgeerr.ErrValidation)
	}
	cert.ID = uuid.New().String()
	if cert.Provider == "" {
		cert.Provider = "letsencrypt"
	}
	cert.CreatedAt = time.Now().UTC()

	if err := s.put(cert); err != nil {
		return Certificate{}, err
	}
	return cert, nil
}

// Get returns the certificate with id.
func (s *Store) Get(id string) (Certificate, error) {
	rec, err := s.backing.Get(store.TableCertificates, id)
	if err != nil {
		return Certificate{}, err
	}
	return fromRecord(rec)
}

// List returns every stored certificate.
func (s *Store) List() ([]Certificate, error) {
	rows, err := s.backing.List(store.TableCertificates)
	if err != nil {
		return nil, err
	}
	out := make([]Certificate, 0, len(rows))
	for _, rec := range rows {
		cert, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, cert)
	}
	return out, nil
}

// ByDomain looks up the certificate registered for domain, if any, via
// the certificates.domain index (spec §4.1).
func (s *Store) ByDomain(domain string) (Certificate, error) {
	rows, err := s.backing.IndexLookup(store.TableCertificates, "domain", domain)
	if err != nil {
		return Certificate{}, err
	}
	if len(rows) == 0 {
		return Certificate{}, edgeerr.ErrNotFound
	}
	return fromRecord(rows[0])
}

// Renew replaces a certificate's PEM material and expiry in place,
// keeping its id and domain (used by the admin API's renew endpoint,
// spec §6).
func (s *Store) Renew(id string, pemCert, pemKey, pemChain string, expiresAt time.Time) (Certificate, error) {
	cert, err := s.Get(id)
	if err != nil {
		return Certificate{}, err
	}
	cert.PEMCert = pemCert
	cert.PEMKey = pemKey
	cert.PEMChain = pemChain
	cert.ExpiresAt = expiresAt

	if err := s.put(cert); err != nil {
		return Certificate{}, err
	}
	return cert, nil
}

// Delete removes the certificate with id.
func (s *Store) Delete(id string) error {
	return s.backing.Delete(store.TableCertificates, id)
}

// ExpiringSoon returns every stored certificate within ExpiringSoonWindow
// of expiry, for the renewal-scheduling collaborator described in spec §1.
func (s *Store) ExpiringSoon(now time.Time) ([]Certificate, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	out := make([]Certificate, 0)
	for _, c := range all {
		if c.ExpiringSoon(now) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Store) put(cert Certificate) error {
	rec, err := toRecord(cert)
	if err != nil {
		return err
	}
	return s.backing.Put(store.TableCertificates, cert.ID, rec)
}

func toRecord(cert Certificate) (store.Record, error) {
	data, err := json.Marshal(cert)
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling certificate %s: %v", edgeerr.ErrStorageError, cert.ID, err)
	}
	var rec store.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: marshaling certificate %s: %v", edgeerr.ErrStorageError, cert.ID, err)
	}
	return rec, nil
}

func fromRecord(rec store.Record) (Certificate, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return Certificate{}, fmt.Errorf("%w: decoding certificate record: %v", edgeerr.ErrStorageError, err)
	}
	var cert Certificate
	if err := json.Unmarshal(data, &cert); err != nil {
		return Certificate{}, fmt.Errorf("%w: decoding certificate record: %v", edgeerr.ErrStorageError, err)
	}
	return cert, nil
}
