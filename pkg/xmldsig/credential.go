package xmldsig

import (
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"software.sslmate.com/src/go-pkcs12"
)

// Credential errors
var (
	// ErrBundleUnreadable is returned when the key bundle cannot be read or decoded
	ErrBundleUnreadable = errors.New("key bundle unreadable")
	// ErrWrongPassword is returned when the bundle password does not match
	ErrWrongPassword = errors.New("incorrect bundle password")
	// ErrMissingKey is returned when the bundle has no private key
	ErrMissingKey = errors.New("bundle contains no private key")
	// ErrMissingCertificate is returned when the bundle has no certificate
	ErrMissingCertificate = errors.New("bundle contains no certificate")
	// ErrUnsupportedKey is returned for non-RSA keys
	ErrUnsupportedKey = errors.New("private key is not RSA")
	// ErrCertificateExpired is returned when the signing certificate has expired
	ErrCertificateExpired = errors.New("certificate has expired")
	// ErrCertificateNotYetValid is returned when the signing certificate is not valid yet
	ErrCertificateNotYetValid = errors.New("certificate is not yet valid")
)

// Credential is a private key and the certificate that binds it to the issuer.
type Credential struct {
	PrivateKey  *rsa.PrivateKey
	Certificate *x509.Certificate
	Chain       []*x509.Certificate
}

// LoadPKCS12 reads and decodes a password-protected PKCS#12 bundle.
func LoadPKCS12(path, password string) (*Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &SigningError{Op: "load bundle", Err: fmt.Errorf("%w: %v", ErrBundleUnreadable, err)}
	}
	return ParsePKCS12(data, password)
}

// ParsePKCS12 decodes a PKCS#12 bundle held in memory.
func ParsePKCS12(data []byte, password string) (*Credential, error) {
	key, cert, chain, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		if errors.Is(err, pkcs12.ErrIncorrectPassword) {
			return nil, &SigningError{Op: "load bundle", Err: ErrWrongPassword}
		}
		return nil, &SigningError{Op: "load bundle", Err: fmt.Errorf("%w: %v", ErrBundleUnreadable, err)}
	}
	return NewCredential(key, cert, chain...)
}

// NewCredential checks that key and cert form a usable RSA signing pair.
func NewCredential(key interface{}, cert *x509.Certificate, chain ...*x509.Certificate) (*Credential, error) {
	if key == nil {
		return nil, &SigningError{Op: "load bundle", Err: ErrMissingKey}
	}
	if cert == nil {
		return nil, &SigningError{Op: "load bundle", Err: ErrMissingCertificate}
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, &SigningError{Op: "load bundle", Err: fmt.Errorf("%w: %T", ErrUnsupportedKey, key)}
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok || !pub.Equal(&rsaKey.PublicKey) {
		return nil, &SigningError{Op: "load bundle", Err: errors.New("certificate does not match private key")}
	}
	return &Credential{PrivateKey: rsaKey, Certificate: cert, Chain: chain}, nil
}

// CheckValidity reports whether the certificate is usable at now.
func (c *Credential) CheckValidity(now time.Time) error {
	if now.Before(c.Certificate.NotBefore) {
		return &SigningError{Op: "check certificate", Err: fmt.Errorf("%w: valid from %s", ErrCertificateNotYetValid, c.Certificate.NotBefore.UTC().Format(time.RFC3339))}
	}
	if now.After(c.Certificate.NotAfter) {
		return &SigningError{Op: "check certificate", Err: fmt.Errorf("%w: expired %s", ErrCertificateExpired, c.Certificate.NotAfter.UTC().Format(time.RFC3339))}
	}
	return nil
}
