package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	authinfra "earnings-alerts/internal/infrastructure/auth"
	"earnings-alerts/internal/infrastructure/config"
	"earnings-alerts/internal/infrastructure/logging"
	httpapi "earnings-alerts/internal/interface/http"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the admin HTTP API",
		Long: `Run the admin API: health, Prometheus metrics, manual job triggers
and queue statistics. Job endpoints require a token from 'alertctl token'.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := app.Open(ctx, app, config.NeedEmail, config.NeedAuth)
			if err != nil {
				return err
			}
			defer svc.Close()

			api := httpapi.NewServer(app.Config, httpapi.Deps{
				Alerts:  svc.Alerts,
				Digests: svc.Digests,
				Queue:   svc.Queue,
				Stats:   svc.Stats,
				DB:      svc.DB,
				Tokens:  authinfra.NewJWTIssuer(app.Config.Auth.Secret, app.Config.Auth.TokenTTL),
				Logger:  logging.WithComponent(app.Logger, "http"),
			})

			srv := &http.Server{
				Addr:              app.Config.HTTP.Addr,
				Handler:           api.Handler(),
				ReadHeaderTimeout: 5 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.ListenAndServe()
			}()
			color.Cyan("🚀 admin API listening on %s", app.Config.HTTP.Addr)
			app.Logger.Info().Str("addr", app.Config.HTTP.Addr).Msg("starting HTTP server")

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return fmt.Errorf("server stopped: %w", err)
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			app.Logger.Info().Msg("shutting down HTTP server")
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func newTokenCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "token",
		Short:   "Issue an admin API access token",
		Example: `  alertctl token --subject ops`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.Config.Require(config.NeedAuth); err != nil {
				return err
			}
			subject, _ := cmd.Flags().GetString("subject")
			token, exp, err := authinfra.NewJWTIssuer(app.Config.Auth.Secret, app.Config.Auth.TokenTTL).Issue(subject)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			color.New(color.FgYellow).Fprintf(cmd.ErrOrStderr(), "expires at %s\n", exp.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().String("subject", "ops", "token subject recorded in job history")
	return cmd
}
