package certs

import (
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCA(t *testing.T) *Manager {
	t.Helper()
	m, err := NewSelfSignedCA("test-ca", 24*time.Hour)
	require.NoError(t, err)
	return m
}

func parsePEM(t *testing.T, pemStr string) *x509.Certificate {
	t.Helper()
	block, _ := pem.Decode([]byte(pemStr))
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return cert
}

func TestIssueHostCertificate(t *testing.T) {
	m := newTestCA(t)

	issued, err := m.IssueHostCertificate("web01.example.com", "host-1234", time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, issued.PEM)
	assert.NotEmpty(t, issued.Serial)

	cert := parsePEM(t, issued.PEM)
	assert.Equal(t, "web01.example.com", cert.Subject.CommonName)
	assert.Contains(t, cert.Subject.OrganizationalUnit, "host-1234")
	assert.Contains(t, cert.DNSNames, "web01.example.com")
	assert.Equal(t, issued.Serial, cert.SerialNumber.String())
	assert.Contains(t, cert.ExtKeyUsage, x509.ExtKeyUsageClientAuth)
}

func TestSerialsAreUnique(t *testing.T) {
	m := newTestCA(t)
	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		issued, err := m.IssueHostCertificate("hostn.example.com", "h", time.Hour)
		require.NoError(t, err)
		assert.False(t, seen[issued.Serial], "serial %s reused", issued.Serial)
		seen[issued.Serial] = true
	}
}

func TestVerifyClientCertificate(t *testing.T) {
	m := newTestCA(t)
	issued, err := m.IssueHostCertificate("web01.example.com", "h1", time.Hour)
	require.NoError(t, err)
	cert := parsePEM(t, issued.PEM)

	require.NoError(t, m.VerifyClientCertificate(cert))

	// A certificate from a different CA must not verify.
	other := newTestCA(t)
	foreign, err := other.IssueHostCertificate("web01.example.com", "h1", time.Hour)
	require.NoError(t, err)
	assert.Error(t, m.VerifyClientCertificate(parsePEM(t, foreign.PEM)))
}

func TestRevocation(t *testing.T) {
	m := newTestCA(t)
	issued, err := m.IssueHostCertificate("web01.example.com", "h1", time.Hour)
	require.NoError(t, err)

	assert.False(t, m.IsRevoked(issued.Serial))
	m.Revoke(issued.Serial)
	assert.True(t, m.IsRevoked(issued.Serial))

	cert := parsePEM(t, issued.PEM)
	assert.Error(t, m.VerifyClientCertificate(cert))
}

func TestCACertPEM(t *testing.T) {
	m := newTestCA(t)
	ca := parsePEM(t, m.CACertPEM())
	assert.True(t, ca.IsCA)
	assert.Equal(t, "test-ca", ca.Subject.CommonName)
}
