package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/bookmarks/backend/internal/logging"
	"github.com/spf13/viper"
)

const (
	envPrefix             = "BOOKMARKD"
	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultDatabasePath   = "bookmarks.db"
	defaultLogLevel       = "info"
	defaultSessionIssuer  = "bookmarkd"
	defaultNamespace      = "bookmarks"
	defaultStagingBackend = StagingBackendSQL
	defaultStagingTTL     = time.Hour
	defaultDrainInterval  = time.Second
	defaultDrainLockTTL   = 10 * time.Second
	defaultDrainPageSize  = 100
	defaultIngressRate    = 20.0
	defaultIngressBurst   = 40

	// StagingBackendSQL shares staged updates through the database.
	StagingBackendSQL = "sql"
	// StagingBackendMemory keeps staged updates inside one process.
	StagingBackendMemory = "memory"
)

// AppConfig captures runtime configuration for the bookmark service.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	DatabasePath   string
	LogLevel       string

	SessionSigningSecret string
	SessionIssuer        string

	StagingKeyHex    string
	StagingNamespace string
	StagingBackend   string
	StagingTTL       time.Duration

	DrainEnabled  bool
	DrainInterval time.Duration
	DrainLockTTL  time.Duration
	DrainPageSize int

	IngressRatePerSecond float64
	IngressBurst         int
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
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("staging.namespace", defaultNamespace)
	configViper.SetDefault("staging.backend", defaultStagingBackend)
	configViper.SetDefault("staging.ttl", defaultStagingTTL)
	configViper.SetDefault("drain.enabled", true)
	configViper.SetDefault("drain.interval", defaultDrainInterval)
	configViper.SetDefault("drain.lock_ttl", defaultDrainLockTTL)
	configViper.SetDefault("drain.page_size", defaultDrainPageSize)
	configViper.SetDefault("ingress.rate_per_second", defaultIngressRate)
	configViper.SetDefault("ingress.burst", defaultIngressBurst)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		AllowedOrigins:       configViper.GetStringSlice("http.allowed_origins"),
		DatabasePath:         configViper.GetString("database.path"),
		LogLevel:             configViper.GetString("log.level"),
		SessionSigningSecret: configViper.GetString("session.signing_secret"),
		SessionIssuer:        configViper.GetString("session.issuer"),
		StagingKeyHex:        strings.TrimSpace(configViper.GetString("staging.key_hex")),
		StagingNamespace:     configViper.GetString("staging.namespace"),
		StagingBackend:       strings.ToLower(strings.TrimSpace(configViper.GetString("staging.backend"))),
		StagingTTL:           configViper.GetDuration("staging.ttl"),
		DrainEnabled:         configViper.GetBool("drain.enabled"),
		DrainInterval:        configViper.GetDuration("drain.interval"),
		DrainLockTTL:         configViper.GetDuration("drain.lock_ttl"),
		DrainPageSize:        configViper.GetInt("drain.page_size"),
		IngressRatePerSecond: configViper.GetFloat64("ingress.rate_per_second"),
		IngressBurst:         configViper.GetInt("ingress.burst"),
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
	if strings.TrimSpace(c.SessionIssuer) == "" {
		return fmt.Errorf("session.issuer is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	key, err := hex.DecodeString(c.StagingKeyHex)
	if err != nil || len(key) != 32 {
		return fmt.Errorf("staging.key_hex must be 64 hex characters")
	}
	if strings.TrimSpace(c.StagingNamespace) == "" || strings.Contains(c.StagingNamespace, ":") {
		return fmt.Errorf("staging.namespace must be non-empty and must not contain ':'")
	}
	switch c.StagingBackend {
	case StagingBackendSQL, StagingBackendMemory:
	default:
		return fmt.Errorf("staging.backend must be %q or %q", StagingBackendSQL, StagingBackendMemory)
	}
	if c.StagingTTL <= 0 {
		return fmt.Errorf("staging.ttl must be positive")
	}
	if c.DrainInterval <= 0 {
		return fmt.Errorf("drain.interval must be positive")
	}
	if c.DrainLockTTL <= c.DrainInterval {
		return fmt.Errorf("drain.lock_ttl must exceed drain.interval")
	}
	if c.DrainPageSize <= 0 {
		return fmt.Errorf("drain.page_size must be positive")
	}
	if c.IngressRatePerSecond < 0 || c.IngressBurst < 0 {
		return fmt.Errorf("ingress limits must not be negative")
	}
	return nil
}
