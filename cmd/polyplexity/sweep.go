package main

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/scott-williams-2002/polyplexity-sub000/config"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/runtime"
	srv "github.com/scott-williams-2002/polyplexity-sub000/internal/server"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/session"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/store"
)

func sweepCMD(cfgPath *string) *cobra.Command {
	var sweep = &cobra.Command{
		Use:   "sweep",
		Short: "Delete idle threads once, outside the server schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			dsn, err := runtime.BuildPostgresDSN(cfg)
			if err != nil {
				return err
			}
			st, err := store.NewWithDSN(ctx, dsn)
			if err != nil {
				return err
			}
			defer st.Close()

			var rdb *redis.Client
			if cfg.Storage.Redis.Enabled() {
				if rdb, err = runtime.NewRedisClient(ctx, cfg.Storage.Redis); err != nil {
					return err
				}
				defer rdb.Close()
			}
			// Without Redis the turn locks live in the serving process, so
			// this sweep relies on SaveThread refusing to recreate a thread.
			var locker session.Locker
			if rdb != nil && cfg.Server.LockBackend == "redis" {
				locker = session.NewRedisLocker(rdb, cfg.Server.LockTTL, cfg.Server.LockWait, nil)
			} else {
				locker = session.NewLocalLocker(cfg.Server.LockWait)
			}
			sw, err := srv.NewSweeper(st, rdb, locker, cfg.Retention, nil)
			if err != nil {
				return err
			}
			n, err := sw.SweepOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d idle threads\n", n)
			return nil
		},
	}
	return sweep
}
