package keystore

import (
	"context"
	"fmt"
	"os"

	"github.com/sirosfoundation/go-ecf/pkg/xmldsig"
)

// PKCS12Provider reads a PKCS#12 bundle from disk on every call, so the
// private key is only held while a signature is being produced.
type PKCS12Provider struct {
	path     string
	password string
}

// NewPKCS12Provider creates a provider for the bundle at path
func NewPKCS12Provider(path, password string) (*PKCS12Provider, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("checking bundle: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("bundle path is a directory: %s", path)
	}
	return &PKCS12Provider{path: path, password: password}, nil
}

// Name returns the bundle path
func (p *PKCS12Provider) Name() string {
	return "pkcs12:" + p.path
}

// Credential decodes the bundle
func (p *PKCS12Provider) Credential(ctx context.Context) (*xmldsig.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return xmldsig.LoadPKCS12(p.path, p.password)
}

// Close releases resources
func (p *PKCS12Provider) Close() error {
	return nil
}
