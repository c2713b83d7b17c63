package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "STAFFCORE"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "staffcore.db"
	defaultLogLevel        = "info"
	defaultSessionTTLHours = 24
	defaultRecoveryTTLMin  = 30
	defaultIdleTimeoutMin  = 60
	defaultGoogleJWKSURL   = "https://www.googleapis.com/oauth2/v3/certs"
	defaultFrontendBaseURL = "http://localhost:5173"
	defaultSMTPPort        = 587
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string

	SessionSigningSecret string
	SessionTTL           time.Duration

	PayloadCipherKey string

	RecoveryTokenTTL time.Duration
	IdleTimeout      time.Duration

	GoogleClientID     string
	GoogleClientSecret string
	GoogleCallbackURL  string
	GoogleJWKSURL      string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string

	FrontendBaseURL string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("session.ttl_hours", defaultSessionTTLHours)
	configViper.SetDefault("recovery.ttl_minutes", defaultRecoveryTTLMin)
	configViper.SetDefault("activity.idle_minutes", defaultIdleTimeoutMin)
	configViper.SetDefault("google.jwks_url", defaultGoogleJWKSURL)
	configViper.SetDefault("frontend.base_url", defaultFrontendBaseURL)
	configViper.SetDefault("smtp.port", defaultSMTPPort)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		DatabasePath:         configViper.GetString("database.path"),
		LogLevel:             configViper.GetString("log.level"),
		SessionSigningSecret: configViper.GetString("session.signing_secret"),
		SessionTTL:           time.Duration(configViper.GetInt("session.ttl_hours")) * time.Hour,
		PayloadCipherKey:     configViper.GetString("cipher.key"),
		RecoveryTokenTTL:     time.Duration(configViper.GetInt("recovery.ttl_minutes")) * time.Minute,
		IdleTimeout:          time.Duration(configViper.GetInt("activity.idle_minutes")) * time.Minute,
		GoogleClientID:       configViper.GetString("google.client_id"),
		GoogleClientSecret:   configViper.GetString("google.client_secret"),
		GoogleCallbackURL:    configViper.GetString("google.callback_url"),
		GoogleJWKSURL:        configViper.GetString("google.jwks_url"),
		SMTPHost:             configViper.GetString("smtp.host"),
		SMTPPort:             configViper.GetInt("smtp.port"),
		SMTPUsername:         configViper.GetString("smtp.username"),
		SMTPPassword:         configViper.GetString("smtp.password"),
		SMTPFrom:             configViper.GetString("smtp.from"),
		FrontendBaseURL:      configViper.GetString("frontend.base_url"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.PayloadCipherKey) == "" {
		return fmt.Errorf("cipher.key is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session.ttl_hours must be positive")
	}
	if c.RecoveryTokenTTL <= 0 {
		return fmt.Errorf("recovery.ttl_minutes must be positive")
	}
	return nil
}

// GoogleEnabled reports whether the federated login flow is fully configured.
func (c AppConfig) GoogleEnabled() bool {
	return strings.TrimSpace(c.GoogleClientID) != "" &&
		strings.TrimSpace(c.GoogleClientSecret) != "" &&
		strings.TrimSpace(c.GoogleCallbackURL) != ""
}

// MailEnabled reports whether the SMTP dispatcher is fully configured.
func (c AppConfig) MailEnabled() bool {
	return strings.TrimSpace(c.SMTPHost) != "" && strings.TrimSpace(c.SMTPFrom) != ""
}
