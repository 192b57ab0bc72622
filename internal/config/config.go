package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/postsync/postsync/internal/replication"
	"github.com/postsync/postsync/internal/storage"
	"github.com/postsync/postsync/internal/store"
	"github.com/postsync/postsync/pkg/logger"
)

// ErrInvalid wraps every configuration error.
var ErrInvalid = errors.New("invalid configuration")

const (
	DriverPebble = "pebble"
	DriverMemory = "memory"
)

// Config holds application configuration for both binaries.
type Config struct {
	LogLevel     string
	Server       ServerConfig
	RemoteServer ServerConfig
	Local        LocalConfig
	Remote       RemoteConfig
	Sync         SyncConfig
	UI           UIConfig
	MongoDB      MongoDBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	RateLimit    RateLimitConfig
	Accounts     AccountsConfig
	MinIO        storage.MinIOConfig
	SnapshotTTL  time.Duration
}

type ServerConfig struct {
	Port         string
	Host         string
	Environment  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (s ServerConfig) Addr() string { return s.Host + ":" + s.Port }

// LocalConfig selects the embedded store next to the UI.
type LocalConfig struct {
	Driver string
	Dir    string
	Name   string
}

// RemoteConfig points the UI at the remote store. Credentials are kept apart
// from the URL.
type RemoteConfig struct {
	URL      string
	Username string
	Password string
	Timeout  time.Duration
}

func (r RemoteConfig) Credentials() store.Credentials {
	return store.Credentials{Username: r.Username, Password: r.Password}
}

type SyncConfig struct {
	Live           bool
	PollInterval   time.Duration
	BatchSize      int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	SessionID      string
	CheckpointTTL  time.Duration
}

// Options converts the section into replication options; checkpoints are
// chosen by the caller.
func (s SyncConfig) Options() replication.Options {
	return replication.Options{
		Live:           s.Live,
		PollInterval:   s.PollInterval,
		BatchSize:      s.BatchSize,
		InitialBackoff: s.InitialBackoff,
		MaxBackoff:     s.MaxBackoff,
		SessionID:      s.SessionID,
	}
}

type UIConfig struct {
	PageSize int
}

type MongoDBConfig struct {
	URI      string
	Database string
	Username string
	Password string
	Timeout  time.Duration
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

func (r RedisConfig) Addr() string { return r.Host + ":" + r.Port }

type JWTConfig struct {
	Secret         string
	AccessTokenTTL time.Duration
}

type RateLimitConfig struct {
	Enabled       bool
	UseRedis      bool
	RPS           float64
	Burst         int
	WindowSeconds int
}

// AccountsConfig seeds the remote server with one account on startup.
type AccountsConfig struct {
	BcryptCost      int
	InitialUsername string
	InitialPassword string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("SERVER_ENVIRONMENT", "development")
	v.SetDefault("REMOTE_SERVER_HOST", "0.0.0.0")
	v.SetDefault("REMOTE_SERVER_PORT", "5984")
	v.SetDefault("LOCAL_DRIVER", DriverPebble)
	v.SetDefault("LOCAL_DIR", "./data")
	v.SetDefault("LOCAL_NAME", "posts")
	v.SetDefault("REMOTE_URL", "http://localhost:5984")
	v.SetDefault("REMOTE_TIMEOUT", 10)
	v.SetDefault("SYNC_LIVE", true)
	v.SetDefault("SYNC_POLL_INTERVAL", "2s")
	v.SetDefault("SYNC_BATCH_SIZE", 100)
	v.SetDefault("SYNC_INITIAL_BACKOFF", "500ms")
	v.SetDefault("SYNC_MAX_BACKOFF", "30s")
	v.SetDefault("SYNC_CHECKPOINT_TTL", "0s")
	v.SetDefault("UI_PAGE_SIZE", 10)
	v.SetDefault("MONGODB_DATABASE", "postsync")
	v.SetDefault("MONGODB_TIMEOUT", 10)
	v.SetDefault("REDIS_PORT", "6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("JWT_ACCESS_TOKEN_TTL", 60)
	v.SetDefault("RATE_LIMIT_ENABLED", false)
	v.SetDefault("RATE_LIMIT_USE_REDIS", false)
	v.SetDefault("RATE_LIMIT_RPS", 10)
	v.SetDefault("RATE_LIMIT_BURST", 20)
	v.SetDefault("RATE_LIMIT_WINDOW_SECONDS", 1)
	v.SetDefault("ACCOUNTS_BCRYPT_COST", 10)
	v.SetDefault("MINIO_BUCKET", "postsync-snapshots")
	v.SetDefault("MINIO_USE_SSL", false)
	v.SetDefault("SNAPSHOT_URL_TTL", "15m")
}

// LoadConfig loads configuration from environment variables and an optional
// .env file.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		LogLevel: v.GetString("LOG_LEVEL"),
		Server: ServerConfig{
			Port:         v.GetString("SERVER_PORT"),
			Host:         v.GetString("SERVER_HOST"),
			Environment:  v.GetString("SERVER_ENVIRONMENT"),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		RemoteServer: ServerConfig{
			Port:         v.GetString("REMOTE_SERVER_PORT"),
			Host:         v.GetString("REMOTE_SERVER_HOST"),
			Environment:  v.GetString("SERVER_ENVIRONMENT"),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Local: LocalConfig{
			Driver: strings.ToLower(v.GetString("LOCAL_DRIVER")),
			Dir:    v.GetString("LOCAL_DIR"),
			Name:   v.GetString("LOCAL_NAME"),
		},
		Remote: RemoteConfig{
			URL:      v.GetString("REMOTE_URL"),
			Username: v.GetString("REMOTE_USERNAME"),
			Password: v.GetString("REMOTE_PASSWORD"),
			Timeout:  time.Duration(v.GetInt("REMOTE_TIMEOUT")) * time.Second,
		},
		Sync: SyncConfig{
			Live:           v.GetBool("SYNC_LIVE"),
			PollInterval:   v.GetDuration("SYNC_POLL_INTERVAL"),
			BatchSize:      v.GetInt("SYNC_BATCH_SIZE"),
			InitialBackoff: v.GetDuration("SYNC_INITIAL_BACKOFF"),
			MaxBackoff:     v.GetDuration("SYNC_MAX_BACKOFF"),
			SessionID:      v.GetString("SYNC_SESSION_ID"),
			CheckpointTTL:  v.GetDuration("SYNC_CHECKPOINT_TTL"),
		},
		UI: UIConfig{PageSize: v.GetInt("UI_PAGE_SIZE")},
		MongoDB: MongoDBConfig{
			URI:      v.GetString("MONGODB_URI"),
			Database: v.GetString("MONGODB_DATABASE"),
			Username: v.GetString("MONGODB_USERNAME"),
			Password: v.GetString("MONGODB_PASSWORD"),
			Timeout:  time.Duration(v.GetInt("MONGODB_TIMEOUT")) * time.Second,
		},
		Redis: RedisConfig{
			Host:     v.GetString("REDIS_HOST"),
			Port:     v.GetString("REDIS_PORT"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		JWT: JWTConfig{
			Secret:         v.GetString("JWT_SECRET"),
			AccessTokenTTL: time.Duration(v.GetInt("JWT_ACCESS_TOKEN_TTL")) * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Enabled:       v.GetBool("RATE_LIMIT_ENABLED"),
			UseRedis:      v.GetBool("RATE_LIMIT_USE_REDIS"),
			RPS:           v.GetFloat64("RATE_LIMIT_RPS"),
			Burst:         v.GetInt("RATE_LIMIT_BURST"),
			WindowSeconds: v.GetInt("RATE_LIMIT_WINDOW_SECONDS"),
		},
		Accounts: AccountsConfig{
			BcryptCost:      v.GetInt("ACCOUNTS_BCRYPT_COST"),
			InitialUsername: v.GetString("ACCOUNTS_INITIAL_USERNAME"),
			InitialPassword: v.GetString("ACCOUNTS_INITIAL_PASSWORD"),
		},
		MinIO: storage.MinIOConfig{
			Endpoint:  v.GetString("MINIO_ENDPOINT"),
			AccessKey: v.GetString("MINIO_ACCESS_KEY"),
			SecretKey: v.GetString("MINIO_SECRET_KEY"),
			UseSSL:    v.GetBool("MINIO_USE_SSL"),
			Bucket:    v.GetString("MINIO_BUCKET"),
		},
		SnapshotTTL: v.GetDuration("SNAPSHOT_URL_TTL"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.JWT.Secret == "" {
		logger.Warn("JWT_SECRET is not set; the remote server will only accept basic auth")
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if err := noUserinfo("REMOTE_URL", c.Remote.URL); err != nil {
		return err
	}
	if err := noUserinfo("MONGODB_URI", c.MongoDB.URI); err != nil {
		return err
	}
	switch c.Local.Driver {
	case DriverPebble, DriverMemory:
	default:
		return fmt.Errorf("%w: LOCAL_DRIVER %q (want %s or %s)", ErrInvalid, c.Local.Driver, DriverPebble, DriverMemory)
	}
	if c.UI.PageSize < 1 {
		return fmt.Errorf("%w: UI_PAGE_SIZE must be positive, got %d", ErrInvalid, c.UI.PageSize)
	}
	if c.Sync.BatchSize < 1 {
		return fmt.Errorf("%w: SYNC_BATCH_SIZE must be positive, got %d", ErrInvalid, c.Sync.BatchSize)
	}
	if c.Remote.Timeout <= 0 {
		return fmt.Errorf("%w: REMOTE_TIMEOUT must be positive", ErrInvalid)
	}
	return nil
}

// noUserinfo rejects connection strings that carry credentials; those belong
// in the dedicated *_USERNAME / *_PASSWORD settings.
func noUserinfo(key, raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %s is not a valid url", ErrInvalid, key)
	}
	if u.User != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalid, key, store.ErrCredentialsInURL)
	}
	return nil
}

// String renders the configuration with every secret masked.
func (c *Config) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "log_level=%s ui=%s remote_server=%s", c.LogLevel, c.Server.Addr(), c.RemoteServer.Addr())
	fmt.Fprintf(&b, " local=%s:%s/%s", c.Local.Driver, c.Local.Dir, c.Local.Name)
	fmt.Fprintf(&b, " remote=%s user=%s password=%s", logger.RedactURL(c.Remote.URL), c.Remote.Username, logger.Redact(c.Remote.Password))
	fmt.Fprintf(&b, " sync_live=%v page_size=%d", c.Sync.Live, c.UI.PageSize)
	fmt.Fprintf(&b, " mongo=%v redis=%v jwt_secret=%s minio=%v", c.MongoDB.URI != "", c.Redis.Host != "", logger.Redact(c.JWT.Secret), c.MinIO.Enabled())
	return b.String()
}
