package server

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"authcore/keys"
	"authcore/provider"
	"authcore/storage"
)

// Hardcoded flow defaults
const (
	DefaultAttemptTTL   = 10 * time.Minute
	DefaultAccessTTL    = time.Hour
	DefaultHashPoolSize = 4
)

// Config captures the full service configuration loaded from YAML with
// environment overrides applied on top.
type Config struct {
	Server    ServerConfig                      `yaml:"server"`
	Keys      []keys.Config                     `yaml:"keys"`
	Providers map[provider.Name]provider.Config `yaml:"providers"`
	Clients   []storage.OAuthClient             `yaml:"clients"`
	Storage   StorageConfig                     `yaml:"storage"`
	Login     LoginConfig                       `yaml:"login"`
}

// ServerConfig controls listener and HTTP concerns.
type ServerConfig struct {
	ListenAddr string     `yaml:"listen_addr" env:"AUTHCORE_LISTEN_ADDR"`
	PublicURL  string     `yaml:"public_url" env:"AUTHCORE_PUBLIC_URL"`
	DevMode    bool       `yaml:"dev_mode" env:"AUTHCORE_DEV_MODE"`
	CORS       CORSConfig `yaml:"cors"`
}

// CORSConfig lists the browser origins allowed to call the service.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" env:"AUTHCORE_CORS_ORIGINS"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Backend string `yaml:"backend" env:"AUTHCORE_STORAGE_BACKEND"`
	Path    string `yaml:"path" env:"AUTHCORE_STORAGE_PATH"`
}

// LoginConfig tunes the login flow.
type LoginConfig struct {
	AttemptTTL   time.Duration `yaml:"attempt_ttl" env:"AUTHCORE_ATTEMPT_TTL"`
	AccessTTL    time.Duration `yaml:"access_ttl" env:"AUTHCORE_ACCESS_TTL"`
	HashPoolSize int64         `yaml:"hash_pool_size" env:"AUTHCORE_HASH_POOL_SIZE"`
}

// LoadConfig reads the YAML config file, applies environment overrides,
// and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("apply env overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:8080",
			PublicURL:  "http://127.0.0.1:8080",
			DevMode:    true,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type"},
			},
		},
		Storage: StorageConfig{Backend: "memory"},
		Login: LoginConfig{
			AttemptTTL:   DefaultAttemptTTL,
			AccessTTL:    DefaultAccessTTL,
			HashPoolSize: DefaultHashPoolSize,
		},
	}
}

// CallbackURL is the provider callback endpoint registered with every
// provider.
func (c Config) CallbackURL() string {
	return strings.TrimSuffix(c.Server.PublicURL, "/") + "/callback"
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}
	if !c.Server.DevMode && strings.HasPrefix(c.Server.PublicURL, "http://") {
		return errors.New("server.public_url must be https in production")
	}

	if len(c.Keys) == 0 {
		return errors.New("at least one signing key is required")
	}
	defaults := 0
	for i, k := range c.Keys {
		if k.PEMFile == "" && k.KMS == nil {
			return fmt.Errorf("keys[%d]: either pem_file or kms is required", i)
		}
		if k.PEMFile != "" && k.KMS != nil {
			return fmt.Errorf("keys[%d]: pem_file and kms are mutually exclusive", i)
		}
		if k.Default {
			defaults++
		}
	}
	if len(c.Keys) > 1 && defaults != 1 {
		return errors.New("exactly one key must be marked default")
	}

	switch c.Storage.Backend {
	case "memory":
	case "bolt":
		if c.Storage.Path == "" {
			return errors.New("storage.path is required for the bolt backend")
		}
	default:
		return fmt.Errorf("storage.backend must be memory or bolt, got: %s", c.Storage.Backend)
	}

	for i, client := range c.Clients {
		if client.ID == "" {
			return fmt.Errorf("clients[%d]: client_id is required", i)
		}
		if len(client.RedirectURIs) == 0 {
			return fmt.Errorf("clients[%d] (%s): at least one redirect_uri is required", i, client.ID)
		}
		for j, uri := range client.RedirectURIs {
			if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
				return fmt.Errorf("clients[%d] (%s): redirect_uris[%d] must start with http:// or https://, got: %s", i, client.ID, j, uri)
			}
		}
	}

	if c.Login.AttemptTTL <= 0 {
		return errors.New("login.attempt_ttl must be positive")
	}
	if c.Login.AccessTTL <= 0 {
		return errors.New("login.access_ttl must be positive")
	}
	if c.Login.HashPoolSize <= 0 {
		return errors.New("login.hash_pool_size must be positive")
	}
	return nil
}
