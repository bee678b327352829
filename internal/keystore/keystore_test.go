package keystore

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-ecf/internal/config"
	"github.com/sirosfoundation/go-ecf/pkg/xmldsig"
	"github.com/sirosfoundation/go-ecf/pkg/xmldsig/xmldsigtest"
)

const invoice = `<ECF><Encabezado><Totales><MontoTotal>100.00</MontoTotal></Totales></Encabezado></ECF>`

func writePEM(t *testing.T, dir string, cred *xmldsig.Credential) {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(cred.PrivateKey)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, KeyFileName),
		pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, CertFileName),
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cred.Certificate.Raw}), 0o600))
}

func TestPKCS12Provider(t *testing.T) {
	cred := xmldsigtest.NewCredential(t)
	path := xmldsigtest.WriteBundle(t, t.TempDir(), cred, "s3cret")

	p, err := NewPKCS12Provider(path, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "pkcs12:"+path, p.Name())

	got, err := p.Credential(context.Background())
	require.NoError(t, err)
	assert.True(t, got.Certificate.Equal(cred.Certificate))

	wrong, err := NewPKCS12Provider(path, "nope")
	require.NoError(t, err)
	_, err = wrong.Credential(context.Background())
	assert.ErrorIs(t, err, xmldsig.ErrWrongPassword)

	_, err = NewPKCS12Provider(filepath.Join(t.TempDir(), "missing.p12"), "")
	assert.Error(t, err)

	_, err = NewPKCS12Provider(t.TempDir(), "")
	assert.Error(t, err)
}

func TestPKCS12Provider_Canceled(t *testing.T) {
	path := xmldsigtest.WriteBundle(t, t.TempDir(), xmldsigtest.NewCredential(t), "pw")
	p, err := NewPKCS12Provider(path, "pw")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Credential(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFileProvider(t *testing.T) {
	dir := t.TempDir()
	cred := xmldsigtest.NewCredential(t)
	writePEM(t, dir, cred)

	p, err := NewFileProvider(dir)
	require.NoError(t, err)

	got, err := p.Credential(context.Background())
	require.NoError(t, err)
	assert.True(t, got.Certificate.Equal(cred.Certificate))
	assert.True(t, got.PrivateKey.Equal(cred.PrivateKey))
}

func TestFileProvider_Errors(t *testing.T) {
	_, err := NewFileProvider(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)

	empty := t.TempDir()
	p, err := NewFileProvider(empty)
	require.NoError(t, err)
	_, err = p.Credential(context.Background())
	assert.ErrorIs(t, err, ErrKeyNotFound)

	ecDir := t.TempDir()
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalECPrivateKey(ecKey)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(ecDir, KeyFileName),
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), 0o600))
	cred := xmldsigtest.NewCredential(t)
	require.NoError(t, os.WriteFile(filepath.Join(ecDir, CertFileName),
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cred.Certificate.Raw}), 0o600))

	p, err = NewFileProvider(ecDir)
	require.NoError(t, err)
	_, err = p.Credential(context.Background())
	assert.ErrorIs(t, err, xmldsig.ErrUnsupportedKey)

	noCert := t.TempDir()
	writePEM(t, noCert, cred)
	require.NoError(t, os.WriteFile(filepath.Join(noCert, CertFileName), []byte("garbage"), 0o600))
	p, err = NewFileProvider(noCert)
	require.NoError(t, err)
	_, err = p.Credential(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading certificate")
}

type countingProvider struct {
	cred  *xmldsig.Credential
	err   error
	loads atomic.Int32
}

func (p *countingProvider) Name() string { return "counting" }

func (p *countingProvider) Credential(context.Context) (*xmldsig.Credential, error) {
	p.loads.Add(1)
	return p.cred, p.err
}

func (p *countingProvider) Close() error { return nil }

func TestCachingProvider(t *testing.T) {
	inner := &countingProvider{cred: xmldsigtest.NewCredential(t)}
	p := NewCachingProvider(inner, NewCache(4, time.Hour))

	for i := 0; i < 3; i++ {
		got, err := p.Credential(context.Background())
		require.NoError(t, err)
		assert.Same(t, inner.cred, got)
	}
	assert.Equal(t, int32(1), inner.loads.Load())

	p.Invalidate()
	_, err := p.Credential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), inner.loads.Load())
}

func TestCachingProvider_Expiry(t *testing.T) {
	inner := &countingProvider{cred: xmldsigtest.NewCredential(t)}
	p := NewCachingProvider(inner, NewCache(4, 20*time.Millisecond))

	_, err := p.Credential(context.Background())
	require.NoError(t, err)
	time.Sleep(60 * time.Millisecond)
	_, err = p.Credential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), inner.loads.Load())
}

func TestCachingProvider_ErrorsNotCached(t *testing.T) {
	inner := &countingProvider{err: errors.New("boom")}
	p := NewCachingProvider(inner, NewCache(4, time.Hour))

	_, err := p.Credential(context.Background())
	require.Error(t, err)
	_, err = p.Credential(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(2), inner.loads.Load())
}

func TestSigner(t *testing.T) {
	cred := xmldsigtest.NewCredential(t)
	path := xmldsigtest.WriteBundle(t, t.TempDir(), cred, "pw")
	p, err := NewPKCS12Provider(path, "pw")
	require.NoError(t, err)

	s := NewSigner(p)
	signed, err := s.Sign([]byte(invoice))
	require.NoError(t, err)
	assert.NoError(t, xmldsig.Verify(signed, cred.Certificate))

	cert, err := s.Certificate(context.Background())
	require.NoError(t, err)
	assert.True(t, cert.Equal(cred.Certificate))

	s.Now = func() time.Time { return cred.Certificate.NotAfter.Add(time.Hour) }
	_, err = s.Sign([]byte(invoice))
	assert.ErrorIs(t, err, xmldsig.ErrCertificateExpired)
}

func TestDescribe(t *testing.T) {
	cred := xmldsigtest.NewCredential(t)
	path := xmldsigtest.WriteBundle(t, t.TempDir(), cred, "pw")
	p, err := NewPKCS12Provider(path, "pw")
	require.NoError(t, err)

	info, err := Describe(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "RSA", info.Algorithm)
	assert.Equal(t, 2048, info.KeySize)
	assert.Contains(t, info.CertificateSubject, "131415161")
	assert.Equal(t, cred.Certificate.NotAfter, info.NotAfter)
}

func TestNewProvider(t *testing.T) {
	cred := xmldsigtest.NewCredential(t)
	path := xmldsigtest.WriteBundle(t, t.TempDir(), cred, "pw")

	p, err := NewProvider(&config.SigningConfig{Mode: "pkcs12", PKCS12: config.PKCS12Config{Path: path, Password: "pw"}})
	require.NoError(t, err)
	assert.IsType(t, &PKCS12Provider{}, p)

	p, err = NewProvider(&config.SigningConfig{
		Mode:    "pkcs12",
		PKCS12:  config.PKCS12Config{Path: path, Password: "pw"},
		Session: config.SessionConfig{KeyTTL: time.Minute, MaxKeys: 2},
	})
	require.NoError(t, err)
	assert.IsType(t, &CachingProvider{}, p)

	dir := t.TempDir()
	writePEM(t, dir, cred)
	p, err = NewProvider(&config.SigningConfig{Mode: "file", File: config.FileKeyConfig{KeyDir: dir}})
	require.NoError(t, err)
	assert.IsType(t, &FileProvider{}, p)

	_, err = NewProvider(&config.SigningConfig{Mode: "pkcs11"})
	assert.Error(t, err)
}
