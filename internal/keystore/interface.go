// Package keystore provides credential sources for document signing.
//
// This package defines a unified interface for loading the issuer's signing
// credential that can be implemented by different backends:
//
//   - PKCS#12: password-protected bundle, decoded on every request
//   - File-based: PEM key and certificate (development only)
//   - Caching: wraps another provider and keeps the decoded credential in
//     memory for a bounded time
//
// [Signer] adapts any provider to the document signer used by the e-CF
// client and the token manager.
package keystore

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"time"

	"github.com/sirosfoundation/go-ecf/pkg/xmldsig"
)

// ErrKeyNotFound is returned when no signing key exists at the configured location
var ErrKeyNotFound = errors.New("signing key not found")

// Provider supplies the issuer's signing credential.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Name identifies the credential source, e.g. the bundle path.
	Name() string

	// Credential returns the decoded key and certificate.
	Credential(ctx context.Context) (*xmldsig.Credential, error)

	// Close releases any resources held by the provider.
	Close() error
}

// KeyInfo describes a signing credential
type KeyInfo struct {
	Source             string    `json:"source"`
	Algorithm          string    `json:"algorithm"`
	KeySize            int       `json:"keySize"`
	NotBefore          time.Time `json:"notBefore"`
	NotAfter           time.Time `json:"notAfter"`
	CertificateSubject string    `json:"subject"`
	CertificateIssuer  string    `json:"issuer"`
}

// Describe loads the credential from p and summarizes its certificate.
func Describe(ctx context.Context, p Provider) (KeyInfo, error) {
	cred, err := p.Credential(ctx)
	if err != nil {
		return KeyInfo{}, err
	}
	cert := cred.Certificate
	return KeyInfo{
		Source:             p.Name(),
		Algorithm:          keyAlgorithmName(cert),
		KeySize:            keySize(cert),
		NotBefore:          cert.NotBefore,
		NotAfter:           cert.NotAfter,
		CertificateSubject: cert.Subject.String(),
		CertificateIssuer:  cert.Issuer.String(),
	}, nil
}

// Signer signs documents with the credential of a provider.
type Signer struct {
	Provider Provider
	// Now overrides the clock used for certificate validity checks.
	Now func() time.Time
}

// NewSigner returns a signer backed by p
func NewSigner(p Provider) *Signer {
	return &Signer{Provider: p}
}

// Sign appends an enveloped signature to doc.
func (s *Signer) Sign(doc []byte) ([]byte, error) {
	cred, err := s.Provider.Credential(context.Background())
	if err != nil {
		return nil, err
	}
	signer := xmldsig.NewSigner(cred)
	if s.Now != nil {
		signer.WithClock(s.Now)
	}
	return signer.Sign(doc)
}

// Certificate returns the provider's signing certificate.
func (s *Signer) Certificate(ctx context.Context) (*x509.Certificate, error) {
	cred, err := s.Provider.Credential(ctx)
	if err != nil {
		return nil, err
	}
	return cred.Certificate, nil
}

func keyAlgorithmName(cert *x509.Certificate) string {
	switch cert.PublicKey.(type) {
	case *ecdsa.PublicKey:
		return "EC"
	case *rsa.PublicKey:
		return "RSA"
	default:
		return "Unknown"
	}
}

func keySize(cert *x509.Certificate) int {
	switch k := cert.PublicKey.(type) {
	case *ecdsa.PublicKey:
		return k.Curve.Params().BitSize
	case *rsa.PublicKey:
		return k.N.BitLen()
	default:
		return 0
	}
}
