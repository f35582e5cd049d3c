package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"crewchat/internal/auth"
)

var (
	tokenSecret string
	tokenUser   string
	tokenName   string
	tokenTTL    time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token signed with the gateway secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		tok, err := auth.Issue(tokenSecret, tokenUser, tokenName, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "dev-secret-change-me"
	}
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", secret, "signing secret (defaults to JWT_SECRET)")
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user id")
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "display name")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(tokenCmd)
}
