package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/relevolab/relevo/internal/app"
	"github.com/relevolab/relevo/internal/config"
	"github.com/relevolab/relevo/internal/logging"
	"github.com/relevolab/relevo/internal/syncer"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "relevo",
		Short: "Offline-first shift handover client",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(
		newLoginCommand(),
		newLogoutCommand(),
		newSyncCommand(),
		newBootstrapCommand(),
		newExportCommand(),
		newImportCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("server-url", defaults.GetString("server.url"), "Sync server base URL")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "server.url", "server-url")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		// An explicitly named file must exist; the default search may miss.
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}
	return nil
}

func buildApp(cmd *cobra.Command) (*app.App, *zap.Logger, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, true)
	if err != nil {
		return nil, nil, err
	}
	notifier := syncer.NotifierFunc(func(message string) {
		fmt.Fprintln(cmd.ErrOrStderr(), message)
	})
	application, err := app.New(cmd.Context(), appConfig, notifier, logger)
	if err != nil {
		return nil, nil, err
	}
	return application, logger, nil
}

func newLoginCommand() *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate against the sync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, logger, err := buildApp(cmd)
			if err != nil {
				return err
			}
			defer application.Close()
			defer logger.Sync() //nolint:errcheck

			if err := application.Login(cmd.Context(), username, password); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s (%s)\n",
				application.Session.Username(), application.Session.Role())
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "Username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "Password")
	cmd.MarkFlagRequired("username") //nolint:errcheck
	cmd.MarkFlagRequired("password") //nolint:errcheck
	return cmd
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, logger, err := buildApp(cmd)
			if err != nil {
				return err
			}
			defer application.Close()
			defer logger.Sync() //nolint:errcheck
			return application.Logout()
		},
	}
}

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Push pending changes and pull server updates",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, logger, err := buildApp(cmd)
			if err != nil {
				return err
			}
			defer application.Close()
			defer logger.Sync() //nolint:errcheck

			report, err := application.Engine.Sync(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pushed %d, applied %d server update(s), state %s\n",
				report.Pushed, report.Applied, application.Engine.State())
			return nil
		},
	}
}

func newBootstrapCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "Replace local state with the full server dataset",
		Long: "Replace local state with the full server dataset. Destructive: " +
			"run only when there are no unsynced local changes.",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, logger, err := buildApp(cmd)
			if err != nil {
				return err
			}
			defer application.Close()
			defer logger.Sync() //nolint:errcheck
			return application.Engine.Bootstrap(cmd.Context())
		},
	}
}

func newExportCommand() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the whole database as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, logger, err := buildApp(cmd)
			if err != nil {
				return err
			}
			defer application.Close()
			defer logger.Sync() //nolint:errcheck

			payload, err := application.Backup.Export(cmd.Context())
			if err != nil {
				return err
			}
			if outPath == "" {
				fmt.Fprintln(cmd.OutOrStdout(), string(payload))
				return nil
			}
			return os.WriteFile(outPath, payload, 0o600)
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Output file (stdout when omitted)")
	return cmd
}

func newImportCommand() *cobra.Command {
	var inPath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Destructively replace the database from a JSON export",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := os.ReadFile(inPath)
			if err != nil {
				return err
			}
			application, logger, err := buildApp(cmd)
			if err != nil {
				return err
			}
			defer application.Close()
			defer logger.Sync() //nolint:errcheck
			return application.Backup.Import(cmd.Context(), payload)
		},
	}
	cmd.Flags().StringVarP(&inPath, "in", "i", "", "Input file")
	cmd.MarkFlagRequired("in") //nolint:errcheck
	return cmd
}
