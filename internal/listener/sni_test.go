package listener

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"singularityedge/internal/certificate"
	"singularityedge/internal/edgeerr"
	"singularityedge/internal/pool"
)

// selfSignedPEM generates a throwaway self-signed cert/key pair for a
// given CN, just enough for tls.X509KeyPair to parse.
func selfSignedPEM(t *testing.T, cn string) (certPEM, keyPEM string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}
	certPEM = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
	keyPEM = string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}))
	return certPEM, keyPEM
}

type stubCerts struct {
	byID map[string]certificate.Certificate
}

func (s *stubCerts) Get(id string) (certificate.Certificate, error) {
	c, ok := s.byID[id]
	if !ok {
		return certificate.Certificate{}, edgeerr.ErrNotFound
	}
	return c, nil
}

type stubRegistry struct {
	entries map[string]*pool.Entry
}

func (r *stubRegistry) List() []string {
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	return names
}

func (r *stubRegistry) Get(name string) (*pool.Entry, bool) {
	e, ok := r.entries[name]
	return e, ok
}

func closePool(t *testing.T, p *pool.Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		t.Errorf("closing pool: %v", err)
	}
}

func TestSNIConfigMatchesDomainToCertificate(t *testing.T) {
	apiCertPEM, apiKeyPEM := selfSignedPEM(t, "api.example.com")
	webCertPEM, webKeyPEM := selfSignedPEM(t, "www.example.com")

	certs := &stubCerts{byID: map[string]certificate.Certificate{
		"cert-api": {ID: "cert-api", Domain: "api.example.com", PEMCert: apiCertPEM, PEMKey: apiKeyPEM},
		"cert-web": {ID: "cert-web", Domain: "www.example.com", PEMCert: webCertPEM, PEMKey: webKeyPEM},
	}}

	apiPool := pool.New(pool.Config{Name: "api", Algorithm: "round_robin", SSLDomain: "api.example.com", SSLCertID: "cert-api"})
	defer closePool(t, apiPool)
	webPool := pool.New(pool.Config{Name: "web", Algorithm: "round_robin", SSLDomain: "www.example.com", SSLCertID: "cert-web"})
	defer closePool(t, webPool)

	registry := &stubRegistry{entries: map[string]*pool.Entry{
		"api": {Pool: apiPool},
		"web": {Pool: webPool},
	}}

	cfg := SNIConfig(registry, certs, "web")

	got, err := cfg.GetCertificate(&tls.ClientHelloInfo{ServerName: "api.example.com"})
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	leaf, err := x509.ParseCertificate(got.Certificate[0])
	if err != nil {
		t.Fatalf("parsing returned cert: %v", err)
	}
	if leaf.Subject.CommonName != "api.example.com" {
		t.Errorf("CN = %q, want api.example.com", leaf.Subject.CommonName)
	}
}

func TestSNIConfigFallsBackToDefaultPool(t *testing.T) {
	webCertPEM, webKeyPEM := selfSignedPEM(t, "www.example.com")
	certs := &stubCerts{byID: map[string]certificate.Certificate{
		"cert-web": {ID: "cert-web", Domain: "www.example.com", PEMCert: webCertPEM, PEMKey: webKeyPEM},
	}}

	webPool := pool.New(pool.Config{Name: "web", Algorithm: "round_robin", SSLDomain: "www.example.com", SSLCertID: "cert-web"})
	defer closePool(t, webPool)
	registry := &stubRegistry{entries: map[string]*pool.Entry{"web": {Pool: webPool}}}

	cfg := SNIConfig(registry, certs, "web")

	got, err := cfg.GetCertificate(&tls.ClientHelloInfo{ServerName: "unknown.example.com"})
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	leaf, err := x509.ParseCertificate(got.Certificate[0])
	if err != nil {
		t.Fatalf("parsing returned cert: %v", err)
	}
	if leaf.Subject.CommonName != "www.example.com" {
		t.Errorf("CN = %q, want www.example.com (default pool fallback)", leaf.Subject.CommonName)
	}
}

func TestSNIConfigErrorsWhenPoolHasNoCertID(t *testing.T) {
	certs := &stubCerts{byID: map[string]certificate.Certificate{}}
	p := pool.New(pool.Config{Name: "bare", Algorithm: "round_robin"})
	defer closePool(t, p)
	registry := &stubRegistry{entries: map[string]*pool.Entry{"bare": {Pool: p}}}

	cfg := SNIConfig(registry, certs, "bare")
	if _, err := cfg.GetCertificate(&tls.ClientHelloInfo{ServerName: "anything"}); err == nil {
		t.Fatal("expected error for a pool with no ssl_cert_id")
	}
}
