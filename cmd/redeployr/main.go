package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/redeployr/internal/auth"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and every subcommand
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	apiFlags := &APIFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createCheckCommand(globalFlags),
		createStatusCommand(globalFlags, apiFlags),
		createDeploymentsCommand(globalFlags, apiFlags),
		createRestartCommand(globalFlags, apiFlags),
		createRedeployCommand(globalFlags, apiFlags),
		createTokenCommand(globalFlags),
		createSignCommand(globalFlags, apiFlags),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "redeployr",
		Short: "Self-updating supervisor for small web services",
		Long: `Redeployr runs your app and webhook workers behind one port and
redeploys them when a signed push arrives: pull, build, restart.

Examples:
  redeployr serve --config redeployr.toml
  redeployr check --config redeployr.toml
  redeployr status --api-url=http://host:8080/_redeployr
  redeployr token issue --subject ci --role operator`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", os.Getenv("REDEPLOYR_CONFIG"), "path to TOML config file")
	return root
}

func addAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.URL, "api-url", "", "admin API base URL (default derived from --config, else "+defaultAPIURL+")")
	cmd.Flags().StringVar(&f.Token, "token", os.Getenv("REDEPLOYR_TOKEN"), "bearer token for the admin API")
	cmd.Flags().DurationVar(&f.Timeout, "api-timeout", 10*time.Second, "request timeout")
	cmd.Flags().BoolVar(&f.Insecure, "insecure", false, "skip TLS certificate verification")
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print raw JSON")
}

func createServeCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor in the foreground",
		Long: `Start every worker, listen on server.listen and handle webhooks until
SIGINT or SIGTERM. Workers are stopped before the command exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdServe(cmd.Context(), g.ConfigPath)
		},
	}
}

func createCheckCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdCheck(cmd.OutOrStdout(), g.ConfigPath)
		},
	}
}

func createStatusCommand(g *GlobalFlags, f *APIFlags) *cobra.Command {
	var usage bool
	cmd := &cobra.Command{
		Use:   "status [worker]",
		Short: "Show worker status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			return cmdStatus(cmd.Context(), cmd.OutOrStdout(), newClient(g, f), name, usage, f.JSON)
		},
	}
	addAPIFlags(cmd, f)
	cmd.Flags().BoolVar(&usage, "usage", false, "sample CPU and memory of each worker")
	return cmd
}

func createDeploymentsCommand(g *GlobalFlags, f *APIFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:     "deployments",
		Aliases: []string{"history"},
		Short:   "List recent deploy attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdDeployments(cmd.Context(), cmd.OutOrStdout(), newClient(g, f), limit, f.JSON)
		},
	}
	addAPIFlags(cmd, f)
	cmd.Flags().IntVar(&limit, "limit", 10, "number of attempts to show (0 for all)")
	return cmd
}

func createRestartCommand(g *GlobalFlags, f *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart every worker without pulling or building",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdRestart(cmd.Context(), cmd.OutOrStdout(), newClient(g, f), f.JSON)
		},
	}
	addAPIFlags(cmd, f)
	return cmd
}

func createRedeployCommand(g *GlobalFlags, f *APIFlags) *cobra.Command {
	var restartToken string
	cmd := &cobra.Command{
		Use:   "redeploy",
		Short: "Send the manual restart token to the webhook endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if restartToken == "" {
				return fmt.Errorf("--restart-token or REDEPLOYR_RESTART_TOKEN is required")
			}
			return cmdRedeploy(cmd.Context(), cmd.OutOrStdout(), newClient(g, f), restartToken, f.JSON)
		},
	}
	addAPIFlags(cmd, f)
	cmd.Flags().StringVar(&restartToken, "restart-token", os.Getenv("REDEPLOYR_RESTART_TOKEN"), "value of deploy.manual_token")
	return cmd
}

func createTokenCommand(g *GlobalFlags) *cobra.Command {
	tf := &TokenFlags{}
	hf := &HashFlags{}
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint admin tokens and hash restart tokens",
	}

	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a signed admin API token",
		Long: `Issue an HS256 token for the admin API. The secret comes from --secret,
or admin.jwt_secret in --config.

Examples:
  redeployr token issue --config redeployr.toml --subject ci --role operator
  redeployr token issue --secret "$JWT_SECRET" --subject dashboard --ttl 720h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdTokenIssue(cmd.OutOrStdout(), g.ConfigPath, *tf)
		},
	}
	issue.Flags().StringVar(&tf.Secret, "secret", "", "JWT signing secret (overrides admin.jwt_secret)")
	issue.Flags().StringVar(&tf.Subject, "subject", "", "token subject, recorded as the actor of admin restarts")
	issue.Flags().StringSliceVar(&tf.Roles, "role", []string{auth.RoleViewer}, "roles to grant (viewer, operator)")
	issue.Flags().DurationVar(&tf.TTL, "ttl", 0, "token lifetime (default admin.token_ttl)")
	if err := issue.MarkFlagRequired("subject"); err != nil {
		panic(err)
	}

	hash := &cobra.Command{
		Use:   "hash <restart-token>",
		Short: "Print a bcrypt hash for deploy.manual_token_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdTokenHash(cmd.OutOrStdout(), args[0], hf.Cost)
		},
	}
	hash.Flags().IntVar(&hf.Cost, "cost", 0, "bcrypt cost (default 10)")

	cmd.AddCommand(issue, hash)
	return cmd
}

func createSignCommand(g *GlobalFlags, f *APIFlags) *cobra.Command {
	sf := &SignFlags{}
	cmd := &cobra.Command{
		Use:   "sign <payload.json>",
		Short: "Sign a webhook payload, optionally delivering it",
		Long: `Print the X-Hub-Signature-256 header for a payload file. With --send the
payload is posted to the webhook endpoint the way a hosting service would.

Examples:
  redeployr sign push.json --config redeployr.toml
  redeployr sign push.json --secret s3cret --send --api-url=http://host:8080/_redeployr`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var c apiClient
			if sf.Send {
				c = newClient(g, f)
			}
			return cmdSign(cmd.Context(), cmd.OutOrStdout(), g.ConfigPath, args[0], *sf, c)
		},
	}
	addAPIFlags(cmd, f)
	cmd.Flags().StringVar(&sf.Secret, "secret", "", "webhook secret (overrides deploy.secret)")
	cmd.Flags().StringVar(&sf.Event, "event", "push", "value of the X-GitHub-Event header")
	cmd.Flags().StringVar(&sf.Delivery, "delivery", "", "delivery id (default random)")
	cmd.Flags().BoolVar(&sf.Send, "send", false, "post the signed payload")
	return cmd
}
