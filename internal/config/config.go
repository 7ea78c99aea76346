package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"estatechat/internal/fanout"
	"estatechat/internal/storage"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "estatechat"

// Config is read from the environment. Every key is accepted both with the
// ESTATECHAT_ prefix and without it.
type Config struct {
	DBFile        string `envconfig:"db_file" default:"estatechat.db"`
	StoreDriver   string `envconfig:"store_driver" default:"bbolt"`
	MongoURI      string `envconfig:"mongodb_uri"`
	MongoDatabase string `envconfig:"mongodb_database" default:"estatechat"`

	APIAddr   string `envconfig:"api_addr" default:":8080"`
	AdminAddr string `envconfig:"admin_addr" default:"localhost:8081"`
	BaseURL   string `envconfig:"base_url" default:"http://localhost:8080"`

	AuthSecret        string        `envconfig:"auth_secret"`
	TokenExpiry       time.Duration `envconfig:"token_expiry" default:"24h"`
	AdminUser         string        `envconfig:"admin_user" default:"admin"`
	AdminPassword     string        `envconfig:"admin_password"`
	AdminPasswordHash string        `envconfig:"admin_password_hash"`

	FanoutPolicy string `envconfig:"fanout_policy" default:"broadcast"`
	PushBuffer   int    `envconfig:"push_buffer" default:"64"`
	MessageRate  int    `envconfig:"message_rate" default:"30"`
	MessageBurst int    `envconfig:"message_burst" default:"5"`

	VAPIDPublicKey  string `envconfig:"vapid_public_key"`
	VAPIDPrivateKey string `envconfig:"vapid_private_key"`
	VAPIDSubscriber string `envconfig:"vapid_subscriber" default:"admin@localhost"`

	LogLevel  string `envconfig:"log_level" default:"info"`
	LogFormat string `envconfig:"log_format" default:"text"`
}

// Load reads an optional .env file and then the environment.
// In cliMode the server-only settings are not required.
func Load(cliMode bool) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{}
	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}

	if cliMode {
		return nil
	}

	if c.AuthSecret == "" {
		return fmt.Errorf("AUTH_SECRET is required")
	}
	if c.AdminPassword == "" && c.AdminPasswordHash == "" {
		return fmt.Errorf("ADMIN_PASSWORD or ADMIN_PASSWORD_HASH is required")
	}

	switch c.StoreDriver {
	case storage.DriverBbolt:
		if c.DBFile == "" {
			return fmt.Errorf("DB_FILE is required for the bbolt store")
		}
	case storage.DriverMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("MONGODB_URI is required for the mongo store")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %s or %s, got %q", storage.DriverBbolt, storage.DriverMongo, c.StoreDriver)
	}

	if _, err := fanout.ParsePolicy(c.FanoutPolicy); err != nil {
		return fmt.Errorf("FANOUT_POLICY: %w", err)
	}
	if c.PushBuffer <= 0 {
		return fmt.Errorf("PUSH_BUFFER must be greater than 0")
	}
	if c.MessageRate <= 0 || c.MessageBurst <= 0 {
		return fmt.Errorf("MESSAGE_RATE and MESSAGE_BURST must be greater than 0")
	}
	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return fmt.Errorf("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}

	return nil
}

func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return level, nil
}

// NewLogger builds the process logger writing to w.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := c.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
