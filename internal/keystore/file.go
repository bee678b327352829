package keystore

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirosfoundation/go-ecf/pkg/xmldsig"
)

// Default file names inside the key directory
const (
	KeyFileName  = "signing.key"
	CertFileName = "signing.crt"
)

// FileProvider implements Provider using PEM files on disk
//
// This is intended for development and testing only. In production,
// use a PKCS#12 bundle issued by an authorized certification authority.
//
// The key is expected at {keyDir}/signing.key and the certificate, followed
// by any intermediates, at {keyDir}/signing.crt.
type FileProvider struct {
	keyDir string
}

// NewFileProvider creates a new file-based provider
func NewFileProvider(keyDir string) (*FileProvider, error) {
	info, err := os.Stat(keyDir)
	if err != nil {
		return nil, fmt.Errorf("checking key directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("key directory is not a directory: %s", keyDir)
	}
	return &FileProvider{keyDir: keyDir}, nil
}

// Name returns the key directory
func (p *FileProvider) Name() string {
	return "file:" + p.keyDir
}

// Credential loads the key and certificate chain
func (p *FileProvider) Credential(ctx context.Context) (*xmldsig.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	keyPEM, err := os.ReadFile(filepath.Join(p.keyDir, KeyFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	key, err := parsePrivateKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	certs, err := loadCertificates(filepath.Join(p.keyDir, CertFileName))
	if err != nil {
		return nil, fmt.Errorf("loading certificate: %w", err)
	}

	return xmldsig.NewCredential(key, certs[0], certs[1:]...)
}

// Close releases resources
func (p *FileProvider) Close() error {
	return nil
}

func parsePrivateKey(pemData []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("key is not a signer")
		}
		return signer, nil
	default:
		return nil, fmt.Errorf("unsupported key type: %s", block.Type)
	}
}

func loadCertificates(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading certificate file: %w", err)
	}

	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no PEM block found")
	}
	return certs, nil
}
