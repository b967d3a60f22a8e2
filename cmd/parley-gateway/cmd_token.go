// ABOUTME: token subcommand: issues a signed access token from the configured secret
// ABOUTME: Used to provision agents and admins, and for local testing

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/parley-gateway/internal/auth"
)

var (
	tokenUser    string
	tokenRole    string
	tokenCompany string
	tokenName    string
	tokenEmail   string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an access token",
	Long: `Issue a signed access token for a client, agent, manager or admin.

Examples:
  parley-gateway token --user ag1 --role agent --company acme --name "Bia"
  parley-gateway token --user client-7 --role client --ttl 1h`,
	Args: cobra.NoArgs,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user id (sub claim)")
	tokenCmd.Flags().StringVar(&tokenRole, "role", "client", "client, agent, manager or admin")
	tokenCmd.Flags().StringVar(&tokenCompany, "company", "", "company id (required for staff)")
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "display name")
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "email")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "lifetime (default auth.token_ttl)")
	_ = tokenCmd.MarkFlagRequired("user")
}

func runToken(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	role, ok := auth.ParseRole(tokenRole)
	if !ok {
		return fmt.Errorf("unknown role %q", tokenRole)
	}
	id := auth.Identity{
		UserID:    strings.TrimSpace(tokenUser),
		Role:      role,
		CompanyID: strings.TrimSpace(tokenCompany),
		Name:      strings.TrimSpace(tokenName),
		Email:     strings.TrimSpace(tokenEmail),
	}
	if id.UserID == "" {
		return fmt.Errorf("--user cannot be empty")
	}
	if id.IsStaff() && id.CompanyID == "" {
		return fmt.Errorf("--company is required for %s tokens", role)
	}

	ttl := tokenTTL
	if ttl <= 0 {
		ttl = cfg.Auth.TokenTTL
	}
	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(id, ttl)
	if err != nil {
		return fmt.Errorf("signing token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
