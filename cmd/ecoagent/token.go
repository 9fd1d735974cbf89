package main

import (
	"fmt"
	"time"

	"github.com/mohammad-safakhou/ecoagent/config"
	"github.com/mohammad-safakhou/ecoagent/internal/runtime"
	"github.com/spf13/cobra"
)

func tokenCMD(cfgPath *string) *cobra.Command {
	var subject string
	var ttl time.Duration
	var scopes []string
	token := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token signed with the configured secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			secret, err := runtime.LoadJWTSecret(cfg)
			if err != nil {
				return err
			}
			tok, err := runtime.SignJWT(subject, secret, ttl, scopes...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	token.Flags().StringVar(&subject, "subject", "", "token subject")
	token.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	token.Flags().StringSliceVar(&scopes, "scope", []string{runtime.ScopeJobsRead, runtime.ScopeJobsWrite}, "granted scopes")
	_ = token.MarkFlagRequired("subject")
	return token
}
