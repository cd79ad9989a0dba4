package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/router-for-me/CLIProxyAPIBilling/internal/app"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/config"
	"github.com/router-for-me/CLIProxyAPIBilling/internal/logging"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var configPath string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if errExec := newRootCmd().ExecuteContext(ctx); errExec != nil {
		fmt.Fprintln(os.Stderr, errExec)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "billing-server",
		Short:         "Prepaid credit ledger and usage billing service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return app.RunServer(cmd.Context(), cfg)
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath, "path to the YAML config file")

	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newCreateAPIKeyCmd())
	rootCmd.AddCommand(newServiceTokenCmd())
	return rootCmd
}

func loadConfig() (*config.Config, error) {
	cfg, errLoad := config.Load(configPath)
	if errLoad != nil {
		return nil, errLoad
	}
	if errSetup := logging.Setup(cfg.Logging); errSetup != nil {
		return nil, errSetup
	}
	return cfg, nil
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if errMigrate := app.Migrate(cmd.Context(), cfg); errMigrate != nil {
				return errMigrate
			}
			log.Info("migrations applied")
			return nil
		},
	}
}

func newCreateAPIKeyCmd() *cobra.Command {
	var params app.CreateAPIKeyParams
	cmd := &cobra.Command{
		Use:   "create-api-key NAME",
		Short: "Create an API key and print it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			params.Name = args[0]
			key, errCreate := app.CreateAPIKey(cmd.Context(), cfg, params)
			if errCreate != nil {
				return errCreate
			}
			fmt.Fprintln(cmd.OutOrStdout(), key.APIKey)
			return nil
		},
	}
	cmd.Flags().BoolVar(&params.Admin, "admin", false, "grant the admin billing routes")
	cmd.Flags().StringVar(&params.UserID, "user-id", "", "proxy user the key bills for")
	cmd.Flags().StringVar(&params.TeamID, "team-id", "", "team the key bills for")
	cmd.Flags().StringVar(&params.EndUserID, "end-user-id", "", "end user the key bills for")
	cmd.Flags().DurationVar(&params.ExpiresIn, "expires-in", 0, "key lifetime, 0 never expires")
	return cmd
}

func newServiceTokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "issue-service-token SERVICE",
		Short: "Print a usage ingest token for an internal service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			token, errIssue := app.IssueServiceToken(cfg, args[0], ttl)
			if errIssue != nil {
				return errIssue
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
