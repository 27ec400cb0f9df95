package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/scott-williams-2002/polyplexity-sub000/config"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/runtime"
)

func tokenCMD(cfgPath *string) *cobra.Command {
	var subject string
	var ttl time.Duration
	var token = &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			secret, err := runtime.LoadJWTSecret(cfg)
			if err != nil {
				return err
			}
			tok, err := runtime.SignJWT(subject, secret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	token.Flags().StringVar(&subject, "subject", "operator", "token subject")
	token.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return token
}
