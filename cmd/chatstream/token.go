package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/chatstream/internal/auth"
)

func newTokenCommand(a *app) *cobra.Command {
	var (
		user   string
		ttl    time.Duration
		scopes []string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development token for the replay backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.JWTSecret == "" {
				return errors.New("JWT_SECRET is not set")
			}
			if ttl <= 0 {
				ttl = a.cfg.JWTExpiration
			}
			tok, err := auth.MintDevToken(a.cfg.JWTSecret, user, ttl, scopes...)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().StringVar(&user, "user", "dev", "subject of the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to JWT_EXPIRATION)")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "scopes to grant, e.g. premium")
	return cmd
}
