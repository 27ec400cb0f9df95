package main

import (
	"context"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/scott-williams-2002/polyplexity-sub000/config"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/runtime"
	srv "github.com/scott-williams-2002/polyplexity-sub000/internal/server"
)

func serveCMD(cfgPath *string) *cobra.Command {
	var serveAddr string
	var local bool
	var migrate bool
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			if serveAddr != "" {
				cfg.Server.Address = serveAddr
			}

			tele, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{ServiceVersion: version})
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tele.Shutdown(shutdownCtx); err != nil {
					log.Printf("telemetry shutdown: %v", err)
				}
			}()

			if migrate && !local {
				dsn, err := runtime.BuildPostgresDSN(cfg)
				if err != nil {
					return err
				}
				if err := srv.Migrate(cfg.Server.MigrationsDir, dsn, "up", 0); err != nil {
					return err
				}
			}

			app, err := runtime.Build(ctx, cfg, runtime.BuildOptions{LocalStore: local})
			if err != nil {
				return err
			}
			defer app.Close()
			return srv.Run(ctx, app)
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.address)")
	serve.Flags().BoolVar(&local, "local", false, "keep threads in memory instead of Postgres")
	serve.Flags().BoolVar(&migrate, "migrate", true, "apply pending migrations before serving")

	return serve
}
