package main

import (
	"github.com/spf13/cobra"

	"github.com/scott-williams-2002/polyplexity-sub000/config"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/runtime"
	srv "github.com/scott-williams-2002/polyplexity-sub000/internal/server"
)

func migrateCMD(cfgPath *string) *cobra.Command {
	var migDir string
	var direction string
	var steps int

	var migrate = &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			dsn, err := runtime.BuildPostgresDSN(cfg)
			if err != nil {
				return err
			}
			if migDir == "" {
				migDir = cfg.Server.MigrationsDir
			}
			return srv.Migrate(migDir, dsn, direction, steps)
		},
	}
	migrate.Flags().StringVar(&migDir, "dir", "", "migrations source (default server.migrations_dir)")
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")

	return migrate
}
