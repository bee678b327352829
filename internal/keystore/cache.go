package keystore

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/sirosfoundation/go-ecf/pkg/xmldsig"
)

// CachingProvider keeps decoded credentials in memory, bounded by time
// (KeyTTL) and count (MaxKeys). Several providers may share one cache.
type CachingProvider struct {
	inner Provider
	cache *expirable.LRU[string, *xmldsig.Credential]
}

// NewCache creates a credential cache
func NewCache(maxKeys int, keyTTL time.Duration) *expirable.LRU[string, *xmldsig.Credential] {
	if maxKeys <= 0 {
		maxKeys = 16
	}
	return expirable.NewLRU[string, *xmldsig.Credential](maxKeys, nil, keyTTL)
}

// NewCachingProvider wraps inner with cache
func NewCachingProvider(inner Provider, cache *expirable.LRU[string, *xmldsig.Credential]) *CachingProvider {
	return &CachingProvider{inner: inner, cache: cache}
}

// Name returns the wrapped provider's name
func (p *CachingProvider) Name() string {
	return p.inner.Name()
}

// Credential returns the cached credential or loads it from the wrapped
// provider. Load failures are not cached.
func (p *CachingProvider) Credential(ctx context.Context) (*xmldsig.Credential, error) {
	key := p.inner.Name()
	if cred, ok := p.cache.Get(key); ok {
		return cred, nil
	}

	cred, err := p.inner.Credential(ctx)
	if err != nil {
		return nil, err
	}
	p.cache.Add(key, cred)
	return cred, nil
}

// Invalidate drops the cached credential, e.g. after a certificate rotation.
func (p *CachingProvider) Invalidate() {
	p.cache.Remove(p.inner.Name())
}

// Close drops the cached credential and closes the wrapped provider
func (p *CachingProvider) Close() error {
	p.Invalidate()
	return p.inner.Close()
}
