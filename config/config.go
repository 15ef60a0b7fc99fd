// Package config loads server and client settings from an optional YAML
// file, a .env file and the process environment, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/CrowderSoup/daily-todo/tasks"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPort            = "3001"
	DefaultDatabasePath    = "./daily.db"
	DefaultJWTSecret       = "your-default-secret-key-change-in-production"
	DefaultTokenTTL        = 7 * 24 * time.Hour
	DefaultBoundary        = "04:00"
	DefaultServerURL       = "http://localhost:3001"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	DefaultReconnectDelay  = 3 * time.Second
	DefaultSettleDelay     = 16 * time.Millisecond
	DefaultShutdownTimeout = 10 * time.Second
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	Rollover RolloverConfig `yaml:"rollover"`
	Client   ClientConfig   `yaml:"client"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	AllowedOrigins  []string      `yaml:"allowedOrigins"`
	StaticDir       string        `yaml:"staticDir,omitempty"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwtSecret"`
	TokenTTL  time.Duration `yaml:"tokenTTL"`
}

type SMTPConfig struct {
	Host     string `yaml:"host,omitempty"`
	Port     string `yaml:"port,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	From     string `yaml:"from,omitempty"`
}

type RolloverConfig struct {
	// Boundary is the local "HH:MM" at which a new day starts.
	Boundary string `yaml:"boundary"`
	// Timezone is an IANA zone name; empty means the local zone.
	Timezone string `yaml:"timezone,omitempty"`
}

type ClientConfig struct {
	ServerURL      string        `yaml:"serverURL"`
	Token          string        `yaml:"token,omitempty"`
	CachePath      string        `yaml:"cachePath"`
	ReconnectDelay time.Duration `yaml:"reconnectDelay"`
	SettleDelay    time.Duration `yaml:"settleDelay"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            DefaultPort,
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Database: DatabaseConfig{Path: DefaultDatabasePath},
		Auth: AuthConfig{
			JWTSecret: DefaultJWTSecret,
			TokenTTL:  DefaultTokenTTL,
		},
		Rollover: RolloverConfig{Boundary: DefaultBoundary},
		Client: ClientConfig{
			ServerURL:      DefaultServerURL,
			CachePath:      filepath.Join(Dir(), "cache.json"),
			ReconnectDelay: DefaultReconnectDelay,
			SettleDelay:    DefaultSettleDelay,
		},
		Log: LogConfig{Level: DefaultLogLevel, Format: DefaultLogFormat},
	}
}

// Dir is where per-user client state lives.
func Dir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".daily")
}

// Load reads the YAML file at path (a missing file is not an error) and
// applies environment overrides on top of it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Server.Port, "PORT")
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		c.Server.AllowedOrigins = strings.Split(origins, ",")
	}
	setString(&c.Server.StaticDir, "STATIC_DIR")
	setString(&c.Database.Path, "DATABASE_PATH")
	setString(&c.Auth.JWTSecret, "JWT_SECRET")
	if ttl := os.Getenv("JWT_TTL"); ttl != "" {
		if d, err := time.ParseDuration(ttl); err == nil {
			c.Auth.TokenTTL = d
		}
	}
	setString(&c.SMTP.Host, "SMTP_HOST")
	setString(&c.SMTP.Port, "SMTP_PORT")
	setString(&c.SMTP.Username, "SMTP_USERNAME")
	setString(&c.SMTP.Password, "SMTP_PASSWORD")
	setString(&c.SMTP.From, "SMTP_FROM")
	setString(&c.Rollover.Boundary, "ROLLOVER_BOUNDARY")
	setString(&c.Rollover.Timezone, "ROLLOVER_TIMEZONE")
	setString(&c.Client.ServerURL, "DAILY_SERVER_URL")
	setString(&c.Client.Token, "DAILY_TOKEN")
	setString(&c.Client.CachePath, "DAILY_CACHE")
	if ms := os.Getenv("DAILY_SETTLE_MS"); ms != "" {
		if n, err := strconv.Atoi(ms); err == nil && n >= 0 {
			c.Client.SettleDelay = time.Duration(n) * time.Millisecond
		}
	}
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Format, "LOG_FORMAT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate checks the settings that would otherwise fail late.
func (c *Config) Validate() error {
	if _, err := c.Policy(); err != nil {
		return err
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q: want text or json", c.Log.Format)
	}
	return nil
}

// Policy builds the rollover policy from the boundary and timezone.
func (c *Config) Policy() (tasks.Policy, error) {
	hour, minute, err := tasks.ParseBoundary(c.Rollover.Boundary)
	if err != nil {
		return tasks.Policy{}, err
	}
	loc := time.Local
	if c.Rollover.Timezone != "" {
		loc, err = time.LoadLocation(c.Rollover.Timezone)
		if err != nil {
			return tasks.Policy{}, fmt.Errorf("invalid rollover timezone: %w", err)
		}
	}
	return tasks.Policy{Hour: hour, Minute: minute, Location: loc}, nil
}

// NewLogger builds the process logger from the log settings.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}
