package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"promptline/internal/app"
	"promptline/internal/reclaimer"
	"promptline/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacy, noReclaim bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.Open(ctx, appOptions())
			if err != nil {
				return err
			}
			defer a.Close()
			logger := a.Logger

			authCfg := server.AuthConfig{
				JWTSecret:             os.Getenv(jwtSecretEnv),
				AllowLegacyUserHeader: allowLegacy,
				Logger:                logger,
			}
			if authCfg.JWTSecret == "" {
				logger.Warn(jwtSecretEnv + " not set; bearer tokens are disabled, only API keys authenticate")
			}
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				Reports:  a.Reports,
				Repo:     a.Repo,
				Access:   a.Auth,
				Metrics:  a.Metrics,
				Logger:   logger,
				BasePath: basePath,
				Auth:     authCfg,
				Receipt:  a.ReceiptOptions(),
			})
			if err != nil {
				return err
			}

			if !noReclaim {
				rc := reclaimer.New(a.Engine, a.Config.ReclaimInterval(), logger)
				rc.Start(ctx)
				defer rc.Stop()
			}
			if len(a.Config.Webhooks) > 0 {
				go server.NewWebhookDispatcher(a.Repo, a.Config.Webhooks, logger).Run(ctx)
			}

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logger.Warn("shutdown", zap.Error(err))
				}
			}()
			fmt.Printf("Serving Promptline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowLegacy, "allow-user-header", false, "trust a bare X-User-Id header (local use only)")
	cmd.Flags().BoolVar(&noReclaim, "no-reclaim", false, "do not run the background lease reclaimer")
	return cmd
}
