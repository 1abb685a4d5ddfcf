package certs

import (
	"crypto/sha256"
	"crypto/x509"
	"net"
	"slices"
	"testing"
	"time"
)

func parse(t *testing.T, c *CertInfo) *x509.Certificate {
	t.Helper()
	if len(c.TLSCert.Certificate) == 0 {
		t.Fatal("no certificate data")
	}
	cert, err := x509.ParseCertificate(c.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return cert
}

func TestGenerate(t *testing.T) {
	t.Parallel()

	info, err := Generate(time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	cert := parse(t, info)

	if got := cert.NotAfter.Sub(cert.NotBefore); got != time.Hour {
		t.Errorf("validity = %v, want 1h", got)
	}
	if cert.Subject.CommonName != "livecore" {
		t.Errorf("CommonName = %q", cert.Subject.CommonName)
	}
	if want := sha256.Sum256(info.TLSCert.Certificate[0]); info.Fingerprint != want {
		t.Error("fingerprint mismatch")
	}
	if info.FingerprintBase64() == "" {
		t.Error("FingerprintBase64 returned empty string")
	}
	if !slices.Contains(cert.DNSNames, "localhost") {
		t.Errorf("DNSNames = %v, want localhost", cert.DNSNames)
	}
	if info.Expired(time.Now()) {
		t.Error("fresh certificate reported expired")
	}
	if !info.Expired(info.NotAfter) {
		t.Error("certificate not expired at NotAfter")
	}
}

func TestGenerateDefaultValidity(t *testing.T) {
	t.Parallel()

	info, err := Generate(0)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	cert := parse(t, info)
	if got := cert.NotAfter.Sub(cert.NotBefore); got != DefaultValidity {
		t.Errorf("validity = %v, want %v", got, DefaultValidity)
	}
}

func TestGenerateExtraHosts(t *testing.T) {
	t.Parallel()

	info, err := Generate(time.Hour, "media.example.com", "10.0.0.5", "", "localhost")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	cert := parse(t, info)

	if want := []string{"localhost", "media.example.com"}; !slices.Equal(cert.DNSNames, want) {
		t.Errorf("DNSNames = %v, want %v", cert.DNSNames, want)
	}
	found := slices.ContainsFunc(cert.IPAddresses, func(ip net.IP) bool {
		return ip.Equal(net.ParseIP("10.0.0.5"))
	})
	if !found {
		t.Errorf("IPAddresses = %v, want 10.0.0.5", cert.IPAddresses)
	}
}
