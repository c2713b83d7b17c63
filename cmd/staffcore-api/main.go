package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/lumeneducacao/staffcore/backend/internal/activity"
	"github.com/lumeneducacao/staffcore/backend/internal/auth"
	"github.com/lumeneducacao/staffcore/backend/internal/config"
	"github.com/lumeneducacao/staffcore/backend/internal/database"
	"github.com/lumeneducacao/staffcore/backend/internal/envelope"
	"github.com/lumeneducacao/staffcore/backend/internal/logging"
	"github.com/lumeneducacao/staffcore/backend/internal/mail"
	"github.com/lumeneducacao/staffcore/backend/internal/server"
	"github.com/lumeneducacao/staffcore/backend/internal/staff"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "staffcore-api",
		Short: "Staffcore identity and access backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int("session-ttl-hours", defaults.GetInt("session.ttl_hours"), "Session token TTL in hours")
	cmd.PersistentFlags().Int("recovery-ttl-minutes", defaults.GetInt("recovery.ttl_minutes"), "Recovery token TTL in minutes")
	cmd.PersistentFlags().Int("idle-minutes", defaults.GetInt("activity.idle_minutes"), "Idle window before activity records expire")
	cmd.PersistentFlags().String("google-client-id", defaults.GetString("google.client_id"), "Google OAuth client ID")
	cmd.PersistentFlags().String("google-callback-url", defaults.GetString("google.callback_url"), "Google OAuth callback URL")
	cmd.PersistentFlags().String("google-jwks-url", defaults.GetString("google.jwks_url"), "Google JWKS URL")
	cmd.PersistentFlags().String("frontend-base-url", defaults.GetString("frontend.base_url"), "Frontend base URL for reset and callback links")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("cipher-key", "", "Transport payload cipher key (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "session.ttl_hours", "session-ttl-hours")
	bindFlag(cmd, "recovery.ttl_minutes", "recovery-ttl-minutes")
	bindFlag(cmd, "activity.idle_minutes", "idle-minutes")
	bindFlag(cmd, "google.client_id", "google-client-id")
	bindFlag(cmd, "google.callback_url", "google-callback-url")
	bindFlag(cmd, "google.jwks_url", "google-jwks-url")
	bindFlag(cmd, "frontend.base_url", "frontend-base-url")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
	bindFlag(cmd, "cipher.key", "cipher-key")
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
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SessionSigningSecret),
		Issuer:        "staffcore-auth",
		Audience:      "staffcore-api",
		TokenTTL:      appConfig.SessionTTL,
	})
	if err != nil {
		return err
	}

	payloadCipher, err := envelope.NewCipher(appConfig.PayloadCipherKey)
	if err != nil {
		return err
	}

	var dispatcher mail.Dispatcher
	if appConfig.MailEnabled() {
		smtpDispatcher, err := mail.NewSMTPDispatcher(mail.SMTPConfig{
			Host:     appConfig.SMTPHost,
			Port:     appConfig.SMTPPort,
			Username: appConfig.SMTPUsername,
			Password: appConfig.SMTPPassword,
			From:     appConfig.SMTPFrom,
		})
		if err != nil {
			return err
		}
		dispatcher = smtpDispatcher
	} else {
		logger.Warn("smtp transport not configured, password recovery disabled")
	}

	staffService, err := staff.NewService(staff.ServiceConfig{
		Database:         db,
		Tokens:           tokenIssuer,
		Mail:             dispatcher,
		Logger:           logger,
		RecoveryTokenTTL: appConfig.RecoveryTokenTTL,
		FrontendBaseURL:  appConfig.FrontendBaseURL,
	})
	if err != nil {
		return err
	}

	tracker := activity.NewTracker(activity.TrackerConfig{
		IdleTimeout: appConfig.IdleTimeout,
		Logger:      logger,
	})
	defer tracker.Shutdown()

	deps := server.Dependencies{
		StaffService:    staffService,
		TokenManager:    tokenIssuer,
		Cipher:          payloadCipher,
		Activity:        tracker,
		Logger:          logger,
		FrontendBaseURL: appConfig.FrontendBaseURL,
	}

	if appConfig.GoogleEnabled() {
		googleOAuth, err := auth.NewGoogleOAuth(auth.GoogleOAuthConfig{
			ClientID:     appConfig.GoogleClientID,
			ClientSecret: appConfig.GoogleClientSecret,
			CallbackURL:  appConfig.GoogleCallbackURL,
		})
		if err != nil {
			return err
		}
		googleVerifier, err := auth.NewGoogleVerifier(auth.GoogleVerifierConfig{
			Audience: appConfig.GoogleClientID,
			JWKSURL:  appConfig.GoogleJWKSURL,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		deps.GoogleOAuth = googleOAuth
		deps.GoogleVerifier = googleVerifier
	} else {
		logger.Warn("google oauth not configured, federated login disabled")
	}

	handler, err := server.NewHTTPHandler(deps)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
