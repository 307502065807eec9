/*
Package config loads the server configuration from the environment.

PURPOSE:
  One struct for everything cmd/server needs. Values come from RECON_*
  environment variables, optionally seeded from .env files.

VARIABLES:
  RECON_SERVER_PORT               default 8080
  RECON_SERVER_READ_TIMEOUT       default 15s
  RECON_SERVER_WRITE_TIMEOUT      default 15s
  RECON_SERVER_SHUTDOWN_TIMEOUT   default 10s
  RECON_DATABASE_PATH             default ./data/recon.db
  RECON_LOG_LEVEL                 default info
  RECON_LOG_FORMAT                default json (json|console)
  RECON_CORS_ALLOWED_ORIGINS      default http://localhost:5173,http://localhost:3000
  RECON_SWEEP_ENABLED             default true
  RECON_SWEEP_INTERVAL            default 5m
  RECON_SWEEP_TTL                 default 15m

SEE ALSO:
  - cmd/server/main.go: consumer
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Prefix is prepended to every variable name.
const Prefix = "RECON"

type Server struct {
	Port            int           `envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"WRITE_TIMEOUT" default:"15s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

type Database struct {
	Path string `envconfig:"PATH" default:"./data/recon.db"`
}

type Log struct {
	Level  string `envconfig:"LEVEL" default:"info"`
	Format string `envconfig:"FORMAT" default:"json"`
}

type CORS struct {
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"http://localhost:5173,http://localhost:3000"`
}

// Sweep configures removal of orphaned manual suggestions.
type Sweep struct {
	Enabled  bool          `envconfig:"ENABLED" default:"true"`
	Interval time.Duration `envconfig:"INTERVAL" default:"5m"`
	TTL      time.Duration `envconfig:"TTL" default:"15m"`
}

type Config struct {
	Server   Server   `envconfig:"SERVER"`
	Database Database `envconfig:"DATABASE"`
	Log      Log      `envconfig:"LOG"`
	CORS     CORS     `envconfig:"CORS"`
	Sweep    Sweep    `envconfig:"SWEEP"`

	// EnvFiles lists the .env files that were loaded.
	EnvFiles []string `ignored:"true"`
}

// Load reads the given .env files (missing ones are skipped), then the
// environment. Variables already set in the environment win over files.
// With no paths it tries ./.env.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}

	var loaded []string
	for _, path := range envFiles {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("load env file %s: %w", path, err)
		}
		loaded = append(loaded, path)
	}

	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.EnvFiles = loaded
	return &cfg, nil
}

// Validate rejects values the server cannot start with.
func (c *Config) Validate() error {
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	case c.Database.Path == "":
		return errors.New("database path is required")
	case c.Log.Format != "json" && c.Log.Format != "console":
		return fmt.Errorf("invalid log format %q (json|console)", c.Log.Format)
	case c.Sweep.Enabled && c.Sweep.Interval <= 0:
		return fmt.Errorf("sweep interval must be positive, got %s", c.Sweep.Interval)
	case c.Sweep.TTL <= 0:
		return fmt.Errorf("sweep ttl must be positive, got %s", c.Sweep.TTL)
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
