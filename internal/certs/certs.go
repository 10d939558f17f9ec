// Package certs is a self-issuing X.509 CA that signs a per-host
// client certificate on approval, tracks serials, and maintains a
// revocation set.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// Manager holds the server's self-signed CA key/cert and issues/revokes
// per-host leaf certificates.
type Manager struct {
	caCert *x509.Certificate
	caKey  *ecdsa.PrivateKey

	mu       sync.Mutex
	revoked  map[string]bool
	serialNo *big.Int
}

// NewSelfSignedCA generates a fresh CA certificate/key, used when no
// persisted CA material is supplied (e.g. first run / tests).
func NewSelfSignedCA(commonName string, validity time.Duration) (*Manager, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("certs: generate CA key: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("certs: self-sign CA: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("certs: parse CA cert: %w", err)
	}
	return &Manager{
		caCert:   cert,
		caKey:    key,
		revoked:  make(map[string]bool),
		serialNo: big.NewInt(1),
	}, nil
}

// IssuedCert carries the PEM-encoded certificate and its serial, the
// shape persisted on the Host row.
type IssuedCert struct {
	PEM    string
	Serial string
}

// IssueHostCertificate generates a fresh key and signs a client
// certificate bound to the host's FQDN and host_id.
func (m *Manager) IssueHostCertificate(fqdn, hostID string, validity time.Duration) (*IssuedCert, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("certs: generate host key: %w", err)
	}

	m.mu.Lock()
	m.serialNo = new(big.Int).Add(m.serialNo, big.NewInt(1))
	serial := new(big.Int).Set(m.serialNo)
	m.mu.Unlock()

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: fqdn, OrganizationalUnit: []string{hostID}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{fqdn},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, m.caCert, &key.PublicKey, m.caKey)
	if err != nil {
		return nil, fmt.Errorf("certs: sign host certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	return &IssuedCert{
		PEM:    string(certPEM),
		Serial: serial.String(),
	}, nil
}

// Revoke marks a certificate serial as no longer trusted, e.g. when a
// host that raced an earlier issuance is rejected.
func (m *Manager) Revoke(serial string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[serial] = true
}

func (m *Manager) IsRevoked(serial string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revoked[serial]
}

// VerifyClientCertificate checks a presented certificate chains to this
// CA and has not been revoked.
func (m *Manager) VerifyClientCertificate(cert *x509.Certificate) error {
	if m.IsRevoked(cert.SerialNumber.String()) {
		return fmt.Errorf("certs: certificate serial %s is revoked", cert.SerialNumber.String())
	}
	pool := x509.NewCertPool()
	pool.AddCert(m.caCert)
	opts := x509.VerifyOptions{
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("certs: verify client certificate: %w", err)
	}
	return nil
}

// CACertPEM returns the CA certificate in PEM form, e.g. for distribution
// to agents so they can validate the server's identity.
func (m *Manager) CACertPEM() string {
	der := m.caCert.Raw
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}
