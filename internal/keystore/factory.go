package keystore

import (
	"fmt"

	"github.com/sirosfoundation/go-ecf/internal/config"
)

// NewProvider creates a Provider based on the configuration. A positive
// session.keyTTL wraps the provider in a credential cache.
func NewProvider(cfg *config.SigningConfig) (Provider, error) {
	var (
		p   Provider
		err error
	)
	switch cfg.Mode {
	case "pkcs12":
		p, err = NewPKCS12Provider(cfg.PKCS12.Path, cfg.PKCS12.Password)
	case "file":
		keyDir := cfg.File.KeyDir
		if keyDir == "" {
			keyDir = "./keys"
		}
		p, err = NewFileProvider(keyDir)
	default:
		return nil, fmt.Errorf("unknown signing mode: %s", cfg.Mode)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Session.KeyTTL > 0 {
		return NewCachingProvider(p, NewCache(cfg.Session.MaxKeys, cfg.Session.KeyTTL)), nil
	}
	return p, nil
}
