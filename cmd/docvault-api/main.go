package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/docvault/internal/auth"
	"github.com/MarcoPoloResearchLab/docvault/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "docvault-api",
		Short: "Document revision and access control service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newFeedKeyCommand(), newSessionTokenCommand(), newUsersCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "Postgres connection string")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("locks-backend", defaults.GetString("locks.backend"), "Edit lock backend (database, redis)")
	cmd.PersistentFlags().Int("lock-window-seconds", defaults.GetInt("locks.window_seconds"), "Seconds a lock survives without a heartbeat")
	cmd.PersistentFlags().String("redis-url", "", "Redis URL for the redis lock backend")
	cmd.PersistentFlags().String("blobs-backend", defaults.GetString("blobs.backend"), "Blob backend (database, minio)")
	cmd.PersistentFlags().Int64("blob-max-bytes", defaults.GetInt64("blobs.max_bytes"), "Largest accepted attachment in bytes")
	cmd.PersistentFlags().String("read-policy", defaults.GetString("access.read_policy"), "Private read policy (generic, document)")
	cmd.PersistentFlags().String("permalink-base-url", "", "Absolute base URL for permalinks and feeds")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
	bindFlag(cmd, "locks.backend", "locks-backend")
	bindFlag(cmd, "locks.window_seconds", "lock-window-seconds")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "blobs.backend", "blobs-backend")
	bindFlag(cmd, "blobs.max_bytes", "blob-max-bytes")
	bindFlag(cmd, "access.read_policy", "read-policy")
	bindFlag(cmd, "permalinks.base_url", "permalink-base-url")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("docvault")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func newFeedKeyCommand() *cobra.Command {
	feedKeyCmd := &cobra.Command{
		Use:   "feed-key",
		Short: "Manage per-user feed keys",
	}
	var userID string
	regenerateCmd := &cobra.Command{
		Use:   "regenerate",
		Short: "Rotate a user's feed key and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), func(ctx context.Context, app *application) error {
				key, err := app.keys.Generate(ctx, userID)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), key)
				return nil
			})
		},
	}
	regenerateCmd.Flags().StringVar(&userID, "user", "", "Canonical user id")
	_ = regenerateCmd.MarkFlagRequired("user")
	feedKeyCmd.AddCommand(regenerateCmd)
	return feedKeyCmd
}

func newSessionTokenCommand() *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "session-token",
		Short: "Mint session tokens for service accounts and local development",
	}
	var (
		userID      string
		email       string
		displayName string
		roles       string
		ttl         time.Duration
	)
	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Print a signed session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SessionSigningSecret),
				Issuer:        appConfig.SessionIssuer,
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.IssueSessionToken(auth.SessionClaims{
				UserID:          userID,
				UserEmail:       email,
				UserDisplayName: displayName,
				UserRoles:       splitCSV(roles),
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	issueCmd.Flags().StringVar(&userID, "user", "", "User id claim")
	issueCmd.Flags().StringVar(&email, "email", "", "Email claim")
	issueCmd.Flags().StringVar(&displayName, "name", "", "Display name claim")
	issueCmd.Flags().StringVar(&roles, "roles", "", "Comma separated roles")
	issueCmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	_ = issueCmd.MarkFlagRequired("user")
	tokenCmd.AddCommand(issueCmd)
	return tokenCmd
}

func newUsersCommand() *cobra.Command {
	usersCmd := &cobra.Command{
		Use:   "users",
		Short: "Manage user roles",
	}
	var (
		userID string
		roles  string
	)
	setRolesCmd := &cobra.Command{
		Use:   "set-roles",
		Short: "Replace the stored roles of a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd.Context(), func(ctx context.Context, app *application) error {
				if err := app.users.SetRoles(ctx, userID, splitCSV(roles)); err != nil {
					return err
				}
				principal, err := app.users.Principal(ctx, userID)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), strings.Join(principal.Capabilities.Names(), ","))
				return nil
			})
		},
	}
	setRolesCmd.Flags().StringVar(&userID, "user", "", "Canonical user id")
	setRolesCmd.Flags().StringVar(&roles, "roles", "", "Comma separated roles")
	_ = setRolesCmd.MarkFlagRequired("user")
	usersCmd.AddCommand(setRolesCmd)
	return usersCmd
}

func withApplication(ctx context.Context, fn func(context.Context, *application) error) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	app, err := buildApplication(ctx, appConfig)
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(ctx, app)
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := buildApplication(signalCtx, appConfig)
	if err != nil {
		return err
	}
	defer app.Close()
	logger := app.logger

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           app.handler,
		ReadHeaderTimeout: 10 * time.Second,
		// Event streams end with the signal context so Shutdown does not wait on them.
		BaseContext: func(net.Listener) context.Context { return signalCtx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("database_driver", appConfig.DatabaseDriver),
			zap.String("locks_backend", appConfig.LocksBackend),
			zap.String("blobs_backend", appConfig.BlobsBackend),
			zap.String("read_policy", appConfig.ReadPolicy))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		logger.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func splitCSV(raw string) []string {
	var values []string
	for _, value := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
