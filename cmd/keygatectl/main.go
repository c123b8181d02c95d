// Command keygatectl is the operator CLI for a running keygated instance:
// issuing and revoking licenses, inspecting machines, minting admin tokens,
// and running maintenance on demand.
package main

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"

	kgmiddleware "keygate/internal/middleware"
	v1 "keygate/pkg/contracts/v1"
	"keygate/pkg/tier"
)

const dateLayout = "2006-01-02"

var (
	serverFlag  string
	tokenFlag   string
	timeoutFlag time.Duration
)

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func client() *apiClient {
	return newAPIClient(serverFlag, tokenFlag, timeoutFlag)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "keygatectl",
		Short:         "Operator CLI for the keygate license authority",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringVar(&serverFlag, "server",
		envOr("KEYGATE_SERVER", "http://localhost:8080"), "keygated base URL")
	root.PersistentFlags().StringVar(&tokenFlag, "token",
		os.Getenv("KEYGATE_ADMIN_TOKEN"), "admin bearer token")
	root.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 15*time.Second, "request timeout")

	root.AddCommand(
		newGenerateCmd(),
		newRevokeCmd(),
		newMachinesCmd(),
		newDeactivateCmd(),
		newValidateCmd(),
		newPurgeUsageCmd(),
		newTokenCmd(),
	)
	return root
}

func newGenerateCmd() *cobra.Command {
	var (
		user         string
		tierName     string
		subscription string
		expires      string
		machines     int
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Issue a new license key",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := tier.Parse(tierName)
			if err != nil {
				return err
			}

			req := v1.GenerateRequest{
				UserID:         user,
				Tier:           t,
				SubscriptionID: subscription,
				MaxMachines:    machines,
			}
			if expires != "" {
				when, err := time.Parse(dateLayout, expires)
				if err != nil {
					return fmt.Errorf("--expires must be YYYY-MM-DD: %w", err)
				}
				req.ExpiresAt = &when
			}

			var record v1.LicenseRecord
			if err := client().post(cmd.Context(), "/api/v1/admin/licenses", req, &record); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), record)
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "owning user id (required)")
	cmd.Flags().StringVar(&tierName, "tier", "", "license tier: FREE, PRO or ENTERPRISE (required)")
	cmd.Flags().StringVar(&subscription, "subscription", "", "billing subscription id to link")
	cmd.Flags().StringVar(&expires, "expires", "", "expiry date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&machines, "machines", 0, "machine limit override (0 keeps the tier default)")
	cmd.MarkFlagRequired("user")
	cmd.MarkFlagRequired("tier")
	return cmd
}

func newRevokeCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "revoke KEY",
		Short: "Revoke a license immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := v1.RevokeRequest{LicenseKey: args[0], Reason: reason}
			var resp v1.RevokeResponse
			if err := client().post(cmd.Context(), "/api/v1/admin/licenses/revoke", req, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "why the license is being revoked")
	return cmd
}

func newMachinesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "machines KEY",
		Short: "List the machines registered to a license",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/admin/licenses/" + url.PathEscape(args[0]) + "/machines"
			var resp v1.MachineListResponse
			if err := client().get(cmd.Context(), path, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
}

func newDeactivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate KEY MACHINE_ID",
		Short: "Free a machine slot on a license",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := v1.DeactivateMachineRequest{LicenseKey: args[0], MachineID: args[1]}
			var resp v1.DeactivateMachineResponse
			if err := client().post(cmd.Context(), "/api/v1/admin/machines/deactivate", req, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
}

func newValidateCmd() *cobra.Command {
	var machine string

	cmd := &cobra.Command{
		Use:   "validate KEY",
		Short: "Run a validation against the authority, as a client would",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := v1.ValidateRequest{LicenseKey: args[0], MachineID: machine}
			var result v1.ValidationResult
			if err := client().post(cmd.Context(), "/api/v1/license/validate", req, &result); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}

	cmd.Flags().StringVar(&machine, "machine", "", "machine id to validate as (required)")
	cmd.MarkFlagRequired("machine")
	return cmd
}

func newPurgeUsageCmd() *cobra.Command {
	var before string

	cmd := &cobra.Command{
		Use:   "purge-usage",
		Short: "Delete usage counters recorded before a date",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := time.Parse(dateLayout, before); err != nil {
				return fmt.Errorf("--before must be YYYY-MM-DD: %w", err)
			}
			req := v1.PurgeUsageRequest{Before: before}
			var resp v1.PurgeUsageResponse
			if err := client().post(cmd.Context(), "/api/v1/admin/usage/purge", req, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}

	cmd.Flags().StringVar(&before, "before", "", "cutoff date (YYYY-MM-DD, required)")
	cmd.MarkFlagRequired("before")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
		secret  string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an admin bearer token locally from the shared secret",
		Long: "Mints an admin token with the same secret the server holds\n" +
			"(security.admin_jwt_secret). The token never travels anywhere;\n" +
			"pass it to later calls with --token or KEYGATE_ADMIN_TOKEN.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return fmt.Errorf("an admin JWT secret is required (--secret or KEYGATE_SECURITY_ADMIN_JWT_SECRET)")
			}
			token, err := kgmiddleware.NewAdminTokens(secret).Mint(subject, ttl)
			if err != nil {
				return fmt.Errorf("mint token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "who the token identifies, e.g. an operator email (required)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().StringVar(&secret, "secret",
		os.Getenv("KEYGATE_SECURITY_ADMIN_JWT_SECRET"), "the server's admin JWT secret")
	cmd.MarkFlagRequired("subject")
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
