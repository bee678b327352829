// Package xmldsigtest provides signing credentials and PKCS#12 bundles for tests.
package xmldsigtest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"software.sslmate.com/src/go-pkcs12"

	"github.com/sirosfoundation/go-ecf/pkg/xmldsig"
)

// Validity bounds the generated certificate.
type Validity struct {
	NotBefore time.Time
	NotAfter  time.Time
}

// NewCredential generates an RSA key and a self-signed certificate valid
// for the next year.
func NewCredential(t testing.TB) *xmldsig.Credential {
	t.Helper()
	return NewCredentialWithValidity(t, Validity{
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter:  time.Now().Add(365 * 24 * time.Hour),
	})
}

// NewCredentialWithValidity generates a credential with explicit validity.
func NewCredentialWithValidity(t testing.TB, v Validity) *xmldsig.Credential {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			Organization: []string{"Empresa de Prueba SRL"},
			CommonName:   "131415161",
		},
		NotBefore:             v.NotBefore,
		NotAfter:              v.NotAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parsing certificate: %v", err)
	}

	return &xmldsig.Credential{PrivateKey: key, Certificate: cert}
}

// WriteBundle encodes cred as a PKCS#12 file under dir and returns its path.
func WriteBundle(t testing.TB, dir string, cred *xmldsig.Credential, password string) string {
	t.Helper()

	pfx, err := pkcs12.Modern.Encode(cred.PrivateKey, cred.Certificate, nil, password)
	if err != nil {
		t.Fatalf("encoding bundle: %v", err)
	}
	path := filepath.Join(dir, "cert.p12")
	if err := os.WriteFile(path, pfx, 0o600); err != nil {
		t.Fatalf("writing bundle: %v", err)
	}
	return path
}
