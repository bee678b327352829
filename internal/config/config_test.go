package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimal = `
signing:
  pkcs12:
    path: /etc/ecf/cert.p12
    password: ${ECF_TEST_BUNDLE_PASSWORD}
`

func TestParse_Defaults(t *testing.T) {
	t.Setenv("ECF_TEST_BUNDLE_PASSWORD", "s3cret")

	cfg, err := Parse([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, int64(4<<20), cfg.Server.MaxBodyBytes)
	assert.Equal(t, EnvPrecert, cfg.Authority.Environment)
	assert.Equal(t, "pkcs12", cfg.Signing.Mode)
	assert.Equal(t, "s3cret", cfg.Signing.PKCS12.Password)
	assert.Equal(t, "memory", cfg.Idempotency.Backend)
	assert.Equal(t, 24*time.Hour, cfg.Idempotency.TTL)
	assert.Equal(t, "idempotency:", cfg.Idempotency.Redis.KeyPrefix)
	assert.Equal(t, 5*time.Second, cfg.Transport.Timeout)
	assert.Equal(t, 3, cfg.Transport.MaxRetries)
	assert.Equal(t, 5, cfg.Transport.BreakerThreshold)
	assert.Equal(t, 60*time.Second, cfg.Transport.BreakerWindow)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	ep, err := cfg.Authority.Endpoints()
	require.NoError(t, err)
	assert.Equal(t, "https://dgii.mock/precert/auth", ep.Auth)
	assert.Equal(t, "https://dgii.mock/precert/rfce", ep.RecepcionFC)
}

func TestParse_EnvironmentOverride(t *testing.T) {
	cfg, err := Parse([]byte(`
authority:
  environment: prod
  environments:
    prod:
      auth: https://ecf.dgii.gov.do/ecf/autenticacion/api
      recepcion: https://ecf.dgii.gov.do/ecf/recepcion/api
      recepcionFC: https://fc.dgii.gov.do/ecf/recepcionfc/api
      directorio: https://ecf.dgii.gov.do/ecf/consultadirectorio/api
signing:
  pkcs12:
    path: cert.p12
transport:
  maxRetries: 5
  baseDelay: 500ms
  maxDelay: 10s
  allowedHosts: [ecf.dgii.gov.do, fc.dgii.gov.do]
`))
	require.NoError(t, err)

	ep, err := cfg.Authority.Endpoints()
	require.NoError(t, err)
	assert.Equal(t, "https://ecf.dgii.gov.do/ecf/autenticacion/api", ep.Auth)

	tc := cfg.Transport.ClientConfig()
	assert.Equal(t, 5, tc.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, tc.BaseDelay)
	assert.Equal(t, 10*time.Second, tc.MaxDelay)
	assert.Equal(t, []string{"ecf.dgii.gov.do", "fc.dgii.gov.do"}, tc.AllowedHosts)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad environment", "authority: {environment: staging}\n" + minimal, "Environment"},
		{"bad signing mode", "signing: {mode: pkcs11}", "Mode"},
		{"missing bundle path", "signing: {mode: pkcs12}", "signing.pkcs12.path"},
		{"missing key dir", "signing: {mode: file}", "signing.file.keyDir"},
		{"redis without address", "idempotency: {backend: redis}\n" + minimal, "idempotency.redis.address"},
		{"mongodb without uri", "idempotency: {backend: mongodb}\n" + minimal, "idempotency.mongodb.uri"},
		{"bad backend", "idempotency: {backend: sqlite}\n" + minimal, "Backend"},
		{"max delay below base", "transport: {baseDelay: 2s, maxDelay: 1s}\n" + minimal, "MaxDelay"},
		{"bad endpoint url", "authority: {environments: {cert: {auth: not-a-url, recepcion: x, recepcionFC: y, directorio: z}}}\n" + minimal, "Auth"},
		{"tls without files", "server: {tls: {enabled: true}}\n" + minimal, "server.tls"},
		{"bad log level", "logging: {level: verbose}\n" + minimal, "Level"},
		{"malformed yaml", "server: [", "parsing config file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: {port: 9090}\n"+minimal), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Len(t, cfg.Authority.Environments, 3)
	assert.Equal(t, DefaultEndpoints(EnvCert), cfg.Authority.Environments[EnvCert])
	assert.Equal(t, 4, cfg.Poller.Workers)
}
