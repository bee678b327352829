package cli

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/sirosfoundation/go-ecf/internal/keystore"
	"github.com/sirosfoundation/go-ecf/internal/logging"
	"github.com/sirosfoundation/go-ecf/pkg/token"
	"github.com/sirosfoundation/go-ecf/pkg/transport"
)

type tokenOutput struct {
	Environment string    `json:"environment"`
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

func tokenCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Fetch a bearer token with the configured credential",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			endpoints, err := cfg.Authority.Endpoints()
			if err != nil {
				return err
			}

			keys, err := keystore.NewProvider(&cfg.Signing)
			if err != nil {
				return err
			}
			defer keys.Close()

			tc := cfg.Transport.ClientConfig()
			tc.Logger = logger
			tokens := token.NewManager(token.Config{
				AuthURL:   endpoints.Auth,
				Signer:    keystore.NewSigner(keys),
				Transport: transport.NewClient(tc),
				Logger:    logger,
			})

			if _, err := tokens.Token(cmd.Context(), false); err != nil {
				return err
			}
			cached := tokens.Cached()

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(tokenOutput{
				Environment: cfg.Authority.Environment,
				AccessToken: cached.AccessToken,
				ExpiresAt:   cached.ExpiresAt,
			})
		},
	}
}
