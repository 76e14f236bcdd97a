package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	env "github.com/netflix/go-env"
	"github.com/rs/zerolog"
)

type Config struct {
	// Endpoint is where queries are POSTed.
	Endpoint    string        `env:"PSEARCH_ENDPOINT,default=http://127.0.0.1:5000/search"`
	Timeout     time.Duration `env:"PSEARCH_TIMEOUT,default=0s"`
	ServerAddr  string        `env:"PSEARCH_SERVER_ADDR,default=:8080"`
	BackendAddr string        `env:"PSEARCH_BACKEND_ADDR,default=127.0.0.1:5000"`
	IndexPath   string        `env:"PSEARCH_INDEX_PATH"`
	TopK        int           `env:"PSEARCH_TOP_K,default=3"`
	TokenPath   string        `env:"PSEARCH_TOKEN_PATH"`
	Format      string        `env:"PSEARCH_FORMAT,default=plain"`
	LogLevel    string        `env:"PSEARCH_LOG_LEVEL,default=info"`
	LogFile     string        `env:"PSEARCH_LOG_FILE"`

	// OAuth2 provider used by "auth --login".
	OAuthClientID     string `env:"PSEARCH_OAUTH_CLIENT_ID"`
	OAuthClientSecret string `env:"PSEARCH_OAUTH_CLIENT_SECRET"`
	OAuthAuthURL      string `env:"PSEARCH_OAUTH_AUTH_URL"`
	OAuthTokenURL     string `env:"PSEARCH_OAUTH_TOKEN_URL"`
	OAuthScopes       string `env:"PSEARCH_OAUTH_SCOPES"`
}

// userHomeDir is overridden in tests.
var userHomeDir = os.UserHomeDir

// loadDotenv reads a .env file from the working directory when present.
// Variables already set in the environment win.
var loadDotenv = func() { _ = godotenv.Load() }

func Load() (*Config, error) {
	loadDotenv()

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.IndexPath == "" {
		cfg.IndexPath = defaultPath("index.db")
	}
	if cfg.TokenPath == "" {
		cfg.TokenPath = defaultPath("token.json")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// defaultPath places name under $XDG_CONFIG_HOME/psearch, falling back to
// ~/.config/psearch and finally the working directory.
func defaultPath(name string) string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "psearch", name)
	}
	home, err := userHomeDir()
	if err != nil || home == "" {
		return name
	}
	return filepath.Join(home, ".config", "psearch", name)
}

func (c *Config) validate() error {
	u, err := url.Parse(c.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("PSEARCH_ENDPOINT must be an http(s) URL, got %q", c.Endpoint)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("PSEARCH_TIMEOUT must not be negative, got %s", c.Timeout)
	}
	if c.TopK < 1 {
		return fmt.Errorf("PSEARCH_TOP_K must be at least 1, got %d", c.TopK)
	}
	switch c.Format {
	case "plain", "markdown":
	default:
		return fmt.Errorf("PSEARCH_FORMAT must be plain or markdown, got %q", c.Format)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("PSEARCH_LOG_LEVEL: %w", err)
	}
	return nil
}

// CheckOAuth reports whether the OAuth2 provider settings needed for a
// browser login are present.
func (c *Config) CheckOAuth() error {
	var missing []string
	if c.OAuthClientID == "" {
		missing = append(missing, "PSEARCH_OAUTH_CLIENT_ID")
	}
	if c.OAuthAuthURL == "" {
		missing = append(missing, "PSEARCH_OAUTH_AUTH_URL")
	}
	if c.OAuthTokenURL == "" {
		missing = append(missing, "PSEARCH_OAUTH_TOKEN_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Level returns the configured log level. Load has already validated it.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
