package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sirosfoundation/go-ecf/internal/server"
)

// shutdownTimeout bounds the graceful stop of the HTTP server
const shutdownTimeout = 30 * time.Second

func serveCmd(opts *options) *cobra.Command {
	var port int

	c := &cobra.Command{
		Use:   "serve",
		Short: "Run the submission gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.Server.Port = port
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := a.Close(closeCtx); err != nil {
					a.logger.Warn("failed to release resources", "error", err)
				}
			}()

			return a.serve(ctx)
		},
	}

	c.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides server.port)")
	return c
}

// serve runs the gateway until ctx is cancelled
func (a *app) serve(ctx context.Context) error {
	deps := server.Deps{Client: a.client, Checks: a.checks}

	if a.cfg.Poller.Enabled {
		p := a.newPoller()
		p.Start(ctx)
		defer p.Stop()
		a.resumePending(ctx, p)

		deps.Tracker = p
		if reader, ok := p.Sink().(server.StatusReader); ok {
			deps.Statuses = reader
		}
	}

	srv := server.New(a.cfg, deps, a.logger)
	addr := fmt.Sprintf(":%d", a.cfg.Server.Port)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	a.logger.Info("gateway started",
		"addr", addr,
		"environment", a.cfg.Authority.Environment,
		"signing", a.keys.Name(),
		"idempotency", a.cfg.Idempotency.Backend,
		"poller", a.cfg.Poller.Enabled,
	)

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
