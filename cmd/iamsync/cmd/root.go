package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/terraconstructs/iamsync/cmd/iamsync/cmd/cmdutil"
	"github.com/terraconstructs/iamsync/cmd/iamsync/cmd/policy"
	"github.com/terraconstructs/iamsync/cmd/iamsync/cmd/roles"
	"github.com/terraconstructs/iamsync/cmd/iamsync/cmd/users"
	"github.com/terraconstructs/iamsync/internal/config"
)

var (
	cfg    *config.Config
	logger *logrus.Logger
)

var rootCmd = &cobra.Command{
	Use:   "iamsync",
	Short: "Identity and access control service",
	Long: `iamsync manages users, roles and resource grants in a local database and
keeps the Casbin policy store and the Keycloak realm consistent with it.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if dsn, _ := cmd.Flags().GetString("db-url"); dsn != "" {
			if cfg.PolicyStoreURL == cfg.DatabaseURL {
				cfg.PolicyStoreURL = dsn
			}
			cfg.DatabaseURL = dsn
		}
		if addr, _ := cmd.Flags().GetString("server-addr"); addr != "" {
			cfg.ServerAddr = addr
		}
		if debug, _ := cmd.Flags().GetBool("debug"); debug {
			cfg.LogLevel = "debug"
		}
		logger = cmdutil.NewLogger(cfg)
		return nil
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().String("db-url", "", "Database connection URL (env: DATABASE_URL)")
	rootCmd.PersistentFlags().String("server-addr", "", "Server bind address (env: SERVER_ADDR)")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging (env: LOG_LEVEL=debug)")

	rootCmd.AddCommand(users.UsersCmd)
	rootCmd.AddCommand(roles.RolesCmd)
	rootCmd.AddCommand(policy.PolicyCmd)

	users.Setup(appFactory)
	roles.Setup(appFactory)
	policy.Setup(appFactory)
}

// appFactory builds the application graph for one-shot commands.
func appFactory(cmd *cobra.Command) (*cmdutil.App, error) {
	return cmdutil.NewApp(cmd.Context(), cfg, logger, cmdutil.AppOptions{})
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
