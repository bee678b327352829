// Package config handles configuration loading for the e-CF gateway.
//
// Configuration is loaded from a YAML file with support for environment
// variable expansion (${VAR} or $VAR syntax). This allows bundle passwords
// and database credentials to be injected at runtime.
//
// # Configuration Sections
//
//   - server: HTTP ingress settings (port, TLS, base path, body limit)
//   - authority: target environment and per-environment service URLs
//   - signing: credential source (pkcs12 bundle or PEM files)
//   - transport: timeouts, retry, circuit breaker and host allow-list
//   - idempotency: replay store (memory, redis or mongodb)
//   - schemas: directory holding one XSD per document type
//   - poller: background status polling
//   - logging: level and format
//   - observability: metrics endpoint
//
// # Example Configuration
//
//	server:
//	  port: 8080
//
//	authority:
//	  environment: cert
//
//	signing:
//	  mode: pkcs12
//	  pkcs12:
//	    path: /etc/ecf/cert.p12
//	    password: ${ECF_BUNDLE_PASSWORD}
//
//	transport:
//	  allowedHosts: [ecf.dgii.gov.do, servicios.dgii.gov.do]
//
//	idempotency:
//	  backend: redis
//	  redis:
//	    address: localhost:6379
//
// See [Load] for loading configuration from a file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/sirosfoundation/go-ecf/pkg/ecf"
	"github.com/sirosfoundation/go-ecf/pkg/transport"
)

// Environments supported by the authority
const (
	EnvPrecert = "precert"
	EnvCert    = "cert"
	EnvProd    = "prod"
)

// Config is the root configuration structure
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Authority   AuthorityConfig   `yaml:"authority"`
	Signing     SigningConfig     `yaml:"signing"`
	Transport   TransportConfig   `yaml:"transport"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Schemas     SchemasConfig     `yaml:"schemas"`
	Poller      PollerConfig      `yaml:"poller"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"observability"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port         int           `yaml:"port" validate:"min=1,max=65535"`
	BasePath     string        `yaml:"basePath"`
	MaxBodyBytes int64         `yaml:"maxBodyBytes" validate:"min=1"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	TLS          struct {
		Enabled  bool   `yaml:"enabled"`
		CertFile string `yaml:"certFile"`
		KeyFile  string `yaml:"keyFile"`
	} `yaml:"tls"`
}

// AuthorityConfig selects the authority environment
type AuthorityConfig struct {
	Environment  string                   `yaml:"environment" validate:"oneof=precert cert prod"`
	Environments map[string]ecf.Endpoints `yaml:"environments" validate:"dive"`
}

// Endpoints returns the service URLs of the selected environment.
func (a AuthorityConfig) Endpoints() (ecf.Endpoints, error) {
	ep, ok := a.Environments[a.Environment]
	if !ok {
		return ecf.Endpoints{}, fmt.Errorf("no endpoints configured for environment %q", a.Environment)
	}
	return ep, nil
}

// DefaultEndpoints returns placeholder URLs for env. Real deployments
// override them under authority.environments.
func DefaultEndpoints(env string) ecf.Endpoints {
	base := "https://dgii.mock/" + env
	return ecf.Endpoints{
		Auth:        base + "/auth",
		Recepcion:   base + "/recepcion",
		RecepcionFC: base + "/rfce",
		Directorio:  base + "/directorio",
	}
}

// SigningConfig holds signing credential settings
type SigningConfig struct {
	// Mode determines where the signing credential comes from
	// - "pkcs12": password-protected bundle, loaded per signature
	// - "file": PEM key and certificate (development only)
	Mode string `yaml:"mode" validate:"oneof=pkcs12 file"`

	PKCS12 PKCS12Config  `yaml:"pkcs12"`
	File   FileKeyConfig `yaml:"file"`

	// Session settings for the credential cache
	Session SessionConfig `yaml:"session"`
}

// PKCS12Config holds bundle settings
type PKCS12Config struct {
	Path     string `yaml:"path"`
	Password string `yaml:"password"`
}

// FileKeyConfig holds file-based key settings (development only)
type FileKeyConfig struct {
	// Directory containing signing.key and signing.crt
	KeyDir string `yaml:"keyDir"`
}

// SessionConfig holds credential cache settings
type SessionConfig struct {
	// How long decoded keys remain in memory. Zero disables caching.
	KeyTTL time.Duration `yaml:"keyTTL" validate:"min=0"`
	// Maximum cached credentials per instance
	MaxKeys int `yaml:"maxKeys" validate:"min=1"`
}

// TransportConfig holds outbound HTTP settings
type TransportConfig struct {
	Timeout          time.Duration `yaml:"timeout" validate:"gt=0"`
	ConnectTimeout   time.Duration `yaml:"connectTimeout" validate:"gt=0"`
	MaxRetries       int           `yaml:"maxRetries" validate:"min=1,max=10"`
	BaseDelay        time.Duration `yaml:"baseDelay" validate:"gt=0"`
	MaxDelay         time.Duration `yaml:"maxDelay" validate:"gtefield=BaseDelay"`
	BreakerThreshold int           `yaml:"breakerThreshold" validate:"min=1"`
	BreakerWindow    time.Duration `yaml:"breakerWindow" validate:"gt=0"`
	AllowedHosts     []string      `yaml:"allowedHosts" validate:"dive,hostname_rfc1123"`
}

// ClientConfig converts the section into a transport client configuration.
func (t TransportConfig) ClientConfig() *transport.Config {
	cfg := transport.DefaultConfig()
	cfg.Timeout = t.Timeout
	cfg.ConnectTimeout = t.ConnectTimeout
	cfg.MaxRetries = t.MaxRetries
	cfg.BaseDelay = t.BaseDelay
	cfg.MaxDelay = t.MaxDelay
	cfg.BreakerThreshold = t.BreakerThreshold
	cfg.BreakerWindow = t.BreakerWindow
	cfg.AllowedHosts = t.AllowedHosts
	return cfg
}

// IdempotencyConfig selects the replay store
type IdempotencyConfig struct {
	Backend string        `yaml:"backend" validate:"oneof=memory redis mongodb"`
	TTL     time.Duration `yaml:"ttl" validate:"gt=0"`
	Redis   RedisConfig   `yaml:"redis"`
	MongoDB MongoDBConfig `yaml:"mongodb"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db" validate:"min=0"`
	KeyPrefix string `yaml:"keyPrefix"`
}

// MongoDBConfig holds MongoDB connection settings
type MongoDBConfig struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

// SchemasConfig locates the XSD files
type SchemasConfig struct {
	Dir string `yaml:"dir" validate:"required"`
}

// PollerConfig holds background status polling settings
type PollerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Workers     int           `yaml:"workers" validate:"min=1"`
	Interval    time.Duration `yaml:"interval" validate:"gt=0"`
	MaxInterval time.Duration `yaml:"maxInterval" validate:"gtefield=Interval"`
	MaxPolls    int           `yaml:"maxPolls" validate:"min=1"`
}

// LoggingConfig holds log output settings
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

// MetricsConfig holds observability settings
type MetricsConfig struct {
	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse expands environment variables in data and decodes it.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = "/"
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 4 << 20
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 60 * time.Second
	}

	if c.Authority.Environment == "" {
		c.Authority.Environment = EnvPrecert
	}
	if c.Authority.Environments == nil {
		c.Authority.Environments = make(map[string]ecf.Endpoints)
	}
	for _, env := range []string{EnvPrecert, EnvCert, EnvProd} {
		if _, ok := c.Authority.Environments[env]; !ok {
			c.Authority.Environments[env] = DefaultEndpoints(env)
		}
	}

	if c.Signing.Mode == "" {
		c.Signing.Mode = "pkcs12"
	}
	if c.Signing.Session.MaxKeys == 0 {
		c.Signing.Session.MaxKeys = 16
	}

	def := transport.DefaultConfig()
	t := &c.Transport
	if t.Timeout == 0 {
		t.Timeout = def.Timeout
	}
	if t.ConnectTimeout == 0 {
		t.ConnectTimeout = def.ConnectTimeout
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = def.MaxRetries
	}
	if t.BaseDelay == 0 {
		t.BaseDelay = def.BaseDelay
	}
	if t.MaxDelay == 0 {
		t.MaxDelay = def.MaxDelay
	}
	if t.BreakerThreshold == 0 {
		t.BreakerThreshold = def.BreakerThreshold
	}
	if t.BreakerWindow == 0 {
		t.BreakerWindow = def.BreakerWindow
	}

	if c.Idempotency.Backend == "" {
		c.Idempotency.Backend = "memory"
	}
	if c.Idempotency.TTL == 0 {
		c.Idempotency.TTL = 24 * time.Hour
	}
	if c.Idempotency.Redis.KeyPrefix == "" {
		c.Idempotency.Redis.KeyPrefix = "idempotency:"
	}
	if c.Idempotency.MongoDB.Database == "" {
		c.Idempotency.MongoDB.Database = "ecf"
	}
	if c.Idempotency.MongoDB.Collection == "" {
		c.Idempotency.MongoDB.Collection = "idempotency"
	}

	if c.Schemas.Dir == "" {
		c.Schemas.Dir = "xsd"
	}

	if c.Poller.Workers == 0 {
		c.Poller.Workers = 4
	}
	if c.Poller.Interval == 0 {
		c.Poller.Interval = 10 * time.Second
	}
	if c.Poller.MaxInterval == 0 {
		c.Poller.MaxInterval = 5 * time.Minute
	}
	if c.Poller.MaxPolls == 0 {
		c.Poller.MaxPolls = 20
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Metrics.Metrics.Path == "" {
		c.Metrics.Metrics.Path = "/metrics"
	}
}

func (c *Config) validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	if _, err := c.Authority.Endpoints(); err != nil {
		return err
	}

	switch c.Signing.Mode {
	case "pkcs12":
		if c.Signing.PKCS12.Path == "" {
			return fmt.Errorf("signing.pkcs12.path is required when mode is 'pkcs12'")
		}
	case "file":
		if c.Signing.File.KeyDir == "" {
			return fmt.Errorf("signing.file.keyDir is required when mode is 'file'")
		}
	}

	switch c.Idempotency.Backend {
	case "redis":
		if c.Idempotency.Redis.Address == "" {
			return fmt.Errorf("idempotency.redis.address is required when backend is 'redis'")
		}
	case "mongodb":
		if c.Idempotency.MongoDB.URI == "" {
			return fmt.Errorf("idempotency.mongodb.uri is required when backend is 'mongodb'")
		}
	}

	if c.Server.TLS.Enabled && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		return fmt.Errorf("server.tls.certFile and server.tls.keyFile are required when TLS is enabled")
	}

	return nil
}
