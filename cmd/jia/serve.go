package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"jia/internal/app"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, func(ctx context.Context, a *app.App) error {
				if cmd.Flags().Changed("addr") || a.Config.Server.Addr == "" {
					a.Config.Server.Addr = addr
				}
				if cmd.Flags().Changed("base-path") || a.Config.Server.BasePath == "" {
					a.Config.Server.BasePath = basePath
				}
				if a.Config.Auth.JWTSecret == "" {
					a.Config.Auth.JWTSecret = viper.GetString("jwt-secret")
				}
				handler, err := a.Handler()
				if err != nil {
					return err
				}
				go a.Webhooks().Run(ctx)

				srv := &http.Server{Addr: a.Config.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				a.Logger.Info("serving jia API", "addr", "http://"+a.Config.Server.Addr+a.Config.Server.BasePath,
					"compute", a.Config.Compute.Mode, "webhooks", len(a.Config.Webhooks))
				fmt.Println("OpenAPI at /openapi.json, Swagger UI at /docs, metrics at /metrics")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8152", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens when jia.yml has none")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}
