package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/thenoetrevino/boardsync/internal/auth"
)

func tokenCmd() *cobra.Command {
	var (
		userID string
		secret string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development token",
		Long: `Issue an HS256 bearer token for a user, signed with auth.jwt_secret from
the config (or --secret). Audience and issuer are not set, so this is for
servers configured without them.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if secret == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				secret = cfg.Auth.JWTSecret
				if ttl == 0 {
					ttl = cfg.Auth.TokenTTL
				}
			}
			if ttl == 0 {
				ttl = 24 * time.Hour
			}

			token, err := auth.IssueToken([]byte(secret), userID, ttl, time.Now())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "User id to put in the subject (required)")
	_ = cmd.MarkFlagRequired("user")
	cmd.Flags().StringVar(&secret, "secret", "", "Signing secret (default auth.jwt_secret)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default auth.token_ttl)")
	return cmd
}
