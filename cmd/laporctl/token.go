package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"citizen-report-coordinator/pkg/middleware"
	"citizen-report-coordinator/pkg/security"
)

func tokenCmd() *cobra.Command {
	var (
		userID     string
		role       string
		name       string
		email      string
		department string
		ttl        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development JWT signed with JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := middleware.ParseRole(role)
			if err != nil {
				return err
			}
			tok, err := security.IssueToken([]byte(security.JWTSecretFromEnv()), security.Claims{
				UserID:     userID,
				Email:      email,
				Name:       name,
				Role:       string(r),
				Department: department,
			}, ttl)
			if err != nil {
				return fmt.Errorf("failed to sign token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "citizen-1", "user id placed in the token")
	cmd.Flags().StringVar(&role, "role", "CITIZEN", "CITIZEN, STAFF, SUPERVISOR or ADMIN")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&email, "email", "", "email address")
	cmd.Flags().StringVar(&department, "department", "", "department id for staff roles")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
