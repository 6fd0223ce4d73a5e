package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the runtime configuration shared by the gistdb binaries.
type Config struct {
	Addr     string `env:"GISTDB_ADDR" envDefault:":8090"`
	Hostname string `env:"GISTDB_HOSTNAME" envDefault:"localhost"`

	ProductionHost    string `env:"GISTDB_PRODUCTION_HOST"`
	ProductionGistID  string `env:"GISTDB_PRODUCTION_GIST_ID"`
	PreviewGistID     string `env:"GISTDB_PREVIEW_GIST_ID"`
	PublicGistID      string `env:"GISTDB_PUBLIC_GIST_ID"`
	ContainerDesc     string `env:"GISTDB_CONTAINER_DESCRIPTION" envDefault:"gistdb document store"`
	StorageProfile    string `env:"GISTDB_STORAGE_PROFILE"`
	DataDir           string `env:"GISTDB_DATA_DIR" envDefault:".gistdb"`
	PostgresDSN       string `env:"GISTDB_POSTGRES_DSN"`
	SessionDSN        string `env:"GISTDB_SESSION_DSN"`
	TabDSN            string `env:"GISTDB_TAB_DSN" envDefault:"memory://"`
	MirrorDir         string `env:"GISTDB_MIRROR_DIR"`
	APIToken          string `env:"GISTDB_API_TOKEN"`
	RateLimitMax      int    `env:"GISTDB_RATE_LIMIT_MAX"`
	GistAPIURL        string `env:"GISTDB_GIST_API_URL" envDefault:"https://api.github.com"`
	TokenProxyURL     string `env:"GISTDB_TOKEN_PROXY_URL"`
	OAuthClientID     string `env:"GISTDB_OAUTH_CLIENT_ID"`
	OAuthAuthorizeURL string `env:"GISTDB_OAUTH_AUTHORIZE_URL" envDefault:"https://github.com/login/oauth/authorize"`
	OAuthRedirectURL  string `env:"GISTDB_OAUTH_REDIRECT_URL"`
	CrossSubdomain    bool   `env:"GISTDB_CROSS_SUBDOMAIN"`

	RequestTimeout time.Duration `env:"GISTDB_REQUEST_TIMEOUT" envDefault:"15s"`
	MaxBodyBytes   int64         `env:"GISTDB_MAX_BODY_BYTES" envDefault:"4194304"`
	RetryAttempts  int           `env:"GISTDB_RETRY_ATTEMPTS" envDefault:"3"`
	RetryBackoff   time.Duration `env:"GISTDB_RETRY_BACKOFF" envDefault:"300ms"`

	MirrorInterval    time.Duration `env:"GISTDB_MIRROR_INTERVAL" envDefault:"30s"`
	MirrorJitterRatio float64       `env:"GISTDB_MIRROR_JITTER_RATIO" envDefault:"0.2"`
	MirrorExportDir   string        `env:"GISTDB_MIRROR_EXPORT_DIR"`
}

// Load reads envFile (when it exists) into the process environment and then
// parses the GISTDB_* variables. Variables already set win over the file.
func Load(envFile string) (Config, error) {
	envFile = strings.TrimSpace(envFile)
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if _, err := cfg.StorageDSN(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.RetryAttempts < 1 {
		return fmt.Errorf("GISTDB_RETRY_ATTEMPTS must be at least 1")
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("GISTDB_MAX_BODY_BYTES must be positive")
	}
	if c.MirrorJitterRatio < 0 || c.MirrorJitterRatio > 1 {
		return fmt.Errorf("GISTDB_MIRROR_JITTER_RATIO must be within [0,1]")
	}
	return nil
}

// StorageDSN resolves the durable session store: an explicit
// GISTDB_SESSION_DSN wins, then the storage profile, then a JSON file in the
// data directory.
func (c Config) StorageDSN() (string, error) {
	if dsn := strings.TrimSpace(c.SessionDSN); dsn != "" {
		return dsn, nil
	}
	profile := strings.ToLower(strings.TrimSpace(c.StorageProfile))
	switch profile {
	case "", "durable-local", "local-durable":
		return filepath.Join(c.dataDir(), "session.json"), nil
	case "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		dsn := strings.TrimSpace(c.PostgresDSN)
		if dsn == "" {
			return "", fmt.Errorf("GISTDB_POSTGRES_DSN is required when GISTDB_STORAGE_PROFILE=%s", profile)
		}
		return dsn, nil
	default:
		return "", fmt.Errorf("unsupported GISTDB_STORAGE_PROFILE: %s", profile)
	}
}

func (c Config) MirrorPath() string {
	if dir := strings.TrimSpace(c.MirrorDir); dir != "" {
		return dir
	}
	return filepath.Join(c.dataDir(), "mirror")
}

func (c Config) dataDir() string {
	if dir := strings.TrimSpace(c.DataDir); dir != "" {
		return dir
	}
	return ".gistdb"
}

// PublicContainerID is the container anonymous reads target: the explicit
// public id when set, the production id otherwise.
func (c Config) PublicContainerID() string {
	if id := strings.TrimSpace(c.PublicGistID); id != "" {
		return id
	}
	return strings.TrimSpace(c.ProductionGistID)
}
