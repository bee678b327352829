package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/sirosfoundation/go-ecf/internal/config"
	"github.com/sirosfoundation/go-ecf/internal/keystore"
	"github.com/sirosfoundation/go-ecf/internal/logging"
	"github.com/sirosfoundation/go-ecf/internal/poller"
	"github.com/sirosfoundation/go-ecf/internal/server"
	"github.com/sirosfoundation/go-ecf/internal/storage/mongodb"
	"github.com/sirosfoundation/go-ecf/internal/storage/redis"
	"github.com/sirosfoundation/go-ecf/pkg/ecf"
	"github.com/sirosfoundation/go-ecf/pkg/idempotency"
	"github.com/sirosfoundation/go-ecf/pkg/schema"
	"github.com/sirosfoundation/go-ecf/pkg/token"
	"github.com/sirosfoundation/go-ecf/pkg/transport"
)

// EnvConfigPath names the configuration file when --config is not given.
const EnvConfigPath = "ECF_CONFIG"

// app is the wired submission stack
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	keys      keystore.Provider
	transport *transport.Client
	tokens    *token.Manager
	cache     *idempotency.Cache
	client    *ecf.Client

	// mongo is set when the mongodb backend is selected; it also records
	// poller statuses.
	mongo  *mongodb.Store
	checks map[string]server.Pinger

	closers []func(context.Context) error
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		return nil, fmt.Errorf("no configuration file: use --config or set %s", EnvConfigPath)
	}
	return config.Load(path)
}

// newApp wires the stack described by cfg. Close releases what it opened.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, checks: make(map[string]server.Pinger)}

	if err := a.init(ctx); err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	cfg := a.cfg

	endpoints, err := cfg.Authority.Endpoints()
	if err != nil {
		return err
	}

	a.keys, err = keystore.NewProvider(&cfg.Signing)
	if err != nil {
		return fmt.Errorf("signing key: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return a.keys.Close() })
	signer := keystore.NewSigner(a.keys)

	tc := cfg.Transport.ClientConfig()
	tc.Logger = a.logger
	a.transport = transport.NewClient(tc)

	a.tokens = token.NewManager(token.Config{
		AuthURL:   endpoints.Auth,
		Signer:    signer,
		Transport: a.transport,
		Logger:    a.logger,
	})

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	a.cache = idempotency.NewCache(store, idempotency.Options{
		TTL:    cfg.Idempotency.TTL,
		Logger: a.logger,
	})

	a.client, err = ecf.NewClient(ecf.Config{
		Endpoints: endpoints,
		Validator: schema.NewRegistry(cfg.Schemas.Dir, a.logger),
		Signer:    signer,
		Tokens:    a.tokens,
		Transport: a.transport,
		Cache:     a.cache,
		Logger:    a.logger,
	})
	return err
}

// openStore opens the configured idempotency backend
func (a *app) openStore(ctx context.Context) (idempotency.Store, error) {
	cfg := a.cfg.Idempotency
	switch cfg.Backend {
	case "redis":
		store, err := redis.NewStore(ctx, &redis.Config{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("idempotency store: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		a.checks["redis"] = store
		a.logger.Info("using redis idempotency store", "address", cfg.Redis.Address)
		return store, nil
	case "mongodb":
		store, err := mongodb.NewStore(ctx, &mongodb.Config{
			URI:        cfg.MongoDB.URI,
			Database:   cfg.MongoDB.Database,
			Collection: cfg.MongoDB.Collection,
		})
		if err != nil {
			return nil, fmt.Errorf("idempotency store: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		a.checks["mongodb"] = store
		a.mongo = store
		a.logger.Info("using mongodb idempotency store", "database", cfg.MongoDB.Database)
		return store, nil
	default:
		return idempotency.NewMemoryStore(), nil
	}
}

// newPoller builds the status poller. Statuses go to MongoDB when that
// backend is in use and to memory otherwise.
func (a *app) newPoller() *poller.Poller {
	var sink poller.StatusSink
	if a.mongo != nil {
		sink = a.mongo
	}
	return poller.New(a.client, sink, &poller.Config{
		Workers:     a.cfg.Poller.Workers,
		Interval:    a.cfg.Poller.Interval,
		MaxInterval: a.cfg.Poller.MaxInterval,
		MaxPolls:    a.cfg.Poller.MaxPolls,
	}, a.logger)
}

// resumePending re-enqueues track ids left unresolved by a previous run
func (a *app) resumePending(ctx context.Context, p *poller.Poller) {
	if a.mongo == nil {
		return
	}
	pending, err := a.mongo.ListPendingStatuses(ctx, 1000)
	if err != nil {
		a.logger.Warn("failed to load pending statuses", "error", err)
		return
	}
	for _, st := range pending {
		if err := p.Enqueue(st.TrackID, st.DocumentType); err != nil {
			a.logger.Warn("failed to resume tracking", "track_id", st.TrackID, "error", err)
			return
		}
	}
	if len(pending) > 0 {
		a.logger.Info("resumed tracking", "count", len(pending))
	}
}

// Close releases every opened resource in reverse order
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
