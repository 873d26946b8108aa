package certificate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"singularityedge/internal/edgeerr"
	"singularityedge/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	backing, err := store.Open(store.Config{Dir: t.TempDir(), NodeID: "node-a"})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, backing.Close()) })
	return New(backing)
}

func TestCreateAssignsUUIDAndDefaults(t *testing.T) {
	s := newTestStore(t)
	cert, err := s.Create(Certificate{Domain: "example.com", ExpiresAt: time.Now().Add(60 * 24 * time.Hour)})
	require.NoError(t, err)
	require.NotEmpty(t, cert.ID)
	require.Equal(t, "letsencrypt", cert.Provider)

	got, err := s.Get(cert.ID)
	require.NoError(t, err)
	require.Equal(t, cert.Domain, got.Domain)
}

func TestCreateRejectsMissingDomain(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(Certificate{})
	require.ErrorIs(t, err, edgeerr.ErrValidation)
}

func TestByDomainFindsRegisteredCertificate(t *testing.T) {
	s := newTestStore(t)
	cert, err := s.Create(Certificate{Domain: "example.com", ExpiresAt: time.Now().Add(60 * 24 * time.Hour)})
	require.NoError(t, err)

	got, err := s.ByDomain("example.com")
	require.NoError(t, err)
	require.Equal(t, cert.ID, got.ID)

	_, err = s.ByDomain("unregistered.example.com")
	require.ErrorIs(t, err, edgeerr.ErrNotFound)
}

func TestRenewReplacesMaterialKeepsIdentity(t *testing.T) {
	s := newTestStore(t)
	cert, err := s.Create(Certificate{Domain: "example.com", ExpiresAt: time.Now().Add(24 * time.Hour)})
	require.NoError(t, err)

	newExpiry := time.Now().Add(90 * 24 * time.Hour)
	renewed, err := s.Renew(cert.ID, "new-cert-pem", "new-key-pem", "new-chain-pem", newExpiry)
	require.NoError(t, err)
	require.Equal(t, cert.ID, renewed.ID)
	require.Equal(t, cert.Domain, renewed.Domain)
	require.Equal(t, "new-cert-pem", renewed.PEMCert)
	require.WithinDuration(t, newExpiry, renewed.ExpiresAt, time.Second)
}

func TestExpiringSoonAndExpired(t *testing.T) {
	now := time.Now().UTC()
	soon := Certificate{ExpiresAt: now.Add(10 * 24 * time.Hour)}
	far := Certificate{ExpiresAt: now.Add(100 * 24 * time.Hour)}
	past := Certificate{ExpiresAt: now.Add(-time.Hour)}

	require.True(t, soon.ExpiringSoon(now))
	require.False(t, far.ExpiringSoon(now))
	require.True(t, past.Expired(now))
	require.False(t, past.ExpiringSoon(now), "an already-expired certificate is expired, not expiring_soon")
}

func TestExpiringSoonListFiltersStore(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	_, err := s.Create(Certificate{Domain: "soon.example.com", ExpiresAt: now.Add(5 * 24 * time.Hour)})
	require.NoError(t, err)
	_, err = s.Create(Certificate{Domain: "far.example.com", ExpiresAt: now.Add(200 * 24 * time.Hour)})
	require.NoError(t, err)

	expiring, err := s.ExpiringSoon(now)
	require.NoError(t, err)
	require.Len(t, expiring, 1)
	require.Equal(t, "soon.example.com", expiring[0].Domain)
}

func TestDeleteRemovesCertificate(t *testing.T) {
	s := newTestStore(t)
	cert, err := s.Create(Certificate{Domain: "example.com", ExpiresAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	require.NoError(t, s.Delete(cert.ID))
	_, err = s.Get(cert.ID)
	require.ErrorIs(t, err, edgeerr.ErrNotFound)
}
