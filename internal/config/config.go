package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "DOCVAULT"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "docvault.db"
	defaultLogLevel      = "info"
	defaultLogFormat     = "json"
	defaultCookieName    = "docvault_session"
	defaultLockWindow    = 150
	defaultMinioBucket   = "docvault"
	defaultFeedPrefix    = "Revisions of "
	defaultReadPolicy    = "generic"
	defaultBlobMaxBytes  = 64 << 20
	DatabaseDriverSQLite = "sqlite"
	DatabaseDriverPG     = "postgres"
	BackendDatabase      = "database"
	BackendRedis         = "redis"
	BackendMinio         = "minio"
)

// DefaultRoles mirrors the stock role table of a typical publishing platform.
var DefaultRoles = map[string][]string{
	"administrator": {
		"read_private_posts", "read_private_documents", "read_document_revisions",
		"edit_documents", "edit_others_documents", "delete_documents", "delete_others_documents",
		"delete_published_documents", "publish_documents", "override_document_lock",
	},
	"editor": {
		"read_private_posts", "read_private_documents", "read_document_revisions",
		"edit_documents", "edit_others_documents", "delete_documents", "delete_others_documents",
		"delete_published_documents", "publish_documents", "override_document_lock",
	},
	"author": {
		"read_document_revisions", "edit_documents", "delete_documents",
		"delete_published_documents", "publish_documents",
	},
	"contributor": {"read_document_revisions", "edit_documents", "delete_documents"},
	"subscriber":  {},
}

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress          string
	DatabaseDriver       string
	DatabasePath         string
	DatabaseDSN          string
	LogLevel             string
	LogFormat            string
	SessionSigningSecret string
	SessionIssuer        string
	SessionCookieName    string
	LocksBackend         string
	LockWindow           time.Duration
	RedisURL             string
	BlobsBackend         string
	BlobMaxBytes         int64
	MinioEndpoint        string
	MinioAccessKey       string
	MinioSecretKey       string
	MinioBucket          string
	MinioUseSSL          bool
	ReadPolicy           string
	Roles                map[string][]string
	FeedTitlePrefix      string
	PermalinkBaseURL     string
	CORSAllowedOrigins   []string
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
	configViper.SetDefault("http.cors_allowed_origins", []string{})
	configViper.SetDefault("database.driver", DatabaseDriverSQLite)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("locks.backend", BackendDatabase)
	configViper.SetDefault("locks.window_seconds", defaultLockWindow)
	configViper.SetDefault("blobs.backend", BackendDatabase)
	configViper.SetDefault("blobs.max_bytes", defaultBlobMaxBytes)
	configViper.SetDefault("minio.bucket", defaultMinioBucket)
	configViper.SetDefault("access.read_policy", defaultReadPolicy)
	configViper.SetDefault("access.roles", DefaultRoles)
	configViper.SetDefault("feeds.title_prefix", defaultFeedPrefix)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		CORSAllowedOrigins:   configViper.GetStringSlice("http.cors_allowed_origins"),
		DatabaseDriver:       strings.ToLower(configViper.GetString("database.driver")),
		DatabasePath:         configViper.GetString("database.path"),
		DatabaseDSN:          configViper.GetString("database.dsn"),
		LogLevel:             configViper.GetString("log.level"),
		LogFormat:            configViper.GetString("log.format"),
		SessionSigningSecret: configViper.GetString("session.signing_secret"),
		SessionIssuer:        configViper.GetString("session.issuer"),
		SessionCookieName:    configViper.GetString("session.cookie_name"),
		LocksBackend:         strings.ToLower(configViper.GetString("locks.backend")),
		LockWindow:           time.Duration(configViper.GetInt("locks.window_seconds")) * time.Second,
		RedisURL:             configViper.GetString("redis.url"),
		BlobsBackend:         strings.ToLower(configViper.GetString("blobs.backend")),
		BlobMaxBytes:         configViper.GetInt64("blobs.max_bytes"),
		MinioEndpoint:        configViper.GetString("minio.endpoint"),
		MinioAccessKey:       configViper.GetString("minio.access_key"),
		MinioSecretKey:       configViper.GetString("minio.secret_key"),
		MinioBucket:          configViper.GetString("minio.bucket"),
		MinioUseSSL:          configViper.GetBool("minio.use_ssl"),
		ReadPolicy:           strings.ToLower(configViper.GetString("access.read_policy")),
		Roles:                configViper.GetStringMapStringSlice("access.roles"),
		FeedTitlePrefix:      configViper.GetString("feeds.title_prefix"),
		PermalinkBaseURL:     configViper.GetString("permalinks.base_url"),
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
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DatabaseDriverPG:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver must be %q or %q", DatabaseDriverSQLite, DatabaseDriverPG)
	}
	switch c.LocksBackend {
	case BackendDatabase:
	case BackendRedis:
		if strings.TrimSpace(c.RedisURL) == "" {
			return fmt.Errorf("redis.url is required for the redis lock backend")
		}
	default:
		return fmt.Errorf("locks.backend must be %q or %q", BackendDatabase, BackendRedis)
	}
	if c.LockWindow <= 0 {
		return fmt.Errorf("locks.window_seconds must be positive")
	}
	switch c.BlobsBackend {
	case BackendDatabase:
	case BackendMinio:
		if strings.TrimSpace(c.MinioEndpoint) == "" {
			return fmt.Errorf("minio.endpoint is required for the minio blob backend")
		}
	default:
		return fmt.Errorf("blobs.backend must be %q or %q", BackendDatabase, BackendMinio)
	}
	if c.BlobMaxBytes <= 0 {
		return fmt.Errorf("blobs.max_bytes must be positive")
	}
	if c.ReadPolicy != "generic" && c.ReadPolicy != "document" {
		return fmt.Errorf("access.read_policy must be \"generic\" or \"document\"")
	}
	if len(c.Roles) == 0 {
		return fmt.Errorf("access.roles must define at least one role")
	}
	return nil
}
