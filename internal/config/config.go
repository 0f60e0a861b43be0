package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables carrying secrets. They are applied on top of the
// YAML file and never written back by Save.
const (
	EnvStoreDSN    = "DAYROUTINE_STORE_DSN"
	EnvAuthToken   = "DAYROUTINE_AUTH_TOKEN"
	EnvTokenSecret = "DAYROUTINE_TOKEN_SECRET"
)

const (
	DefaultNamespace    = "default-app-id"
	DefaultRolloverCron = "0 0 * * *"
)

// StoreConfig selects the document store backend.
type StoreConfig struct {
	// Driver is one of "memory", "sqlite" or "postgres".
	Driver string `yaml:"driver" json:"driver" validate:"oneof=memory sqlite postgres"`

	// Path is the SQLite database file.
	Path string `yaml:"path,omitempty" json:"path,omitempty" validate:"required_if=Driver sqlite"`

	// DSN is the PostgreSQL connection string. Usually supplied through
	// DAYROUTINE_STORE_DSN.
	DSN string `yaml:"dsn,omitempty" json:"-" validate:"required_if=Driver postgres"`
}

// IdentityConfig selects how the subject id is established.
type IdentityConfig struct {
	// Mode is "anonymous" (random id persisted to StatePath) or "token"
	// (subject taken from a signed custom token).
	Mode string `yaml:"mode" json:"mode" validate:"oneof=anonymous token"`

	StatePath string `yaml:"state_path,omitempty" json:"state_path,omitempty"`

	Token  string `yaml:"token,omitempty" json:"-" validate:"required_if=Mode token"`
	Secret string `yaml:"secret,omitempty" json:"-" validate:"required_if=Mode token"`
}

// TemplateConfig overrides the built-in routine.
type TemplateConfig struct {
	// Path is a YAML routine definition. Takes precedence over ICSURL.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	// ICSURL is a calendar whose events define the routine.
	ICSURL string `yaml:"ics_url,omitempty" json:"ics_url,omitempty" validate:"omitempty,url"`

	// CacheDir holds conditional-GET state for ICSURL.
	CacheDir string `yaml:"cache_dir,omitempty" json:"cache_dir,omitempty"`

	// Reconcile merges documents created under an older template version on read.
	Reconcile bool `yaml:"reconcile" json:"reconcile"`

	// PreserveExtra keeps activities the current template no longer defines
	// when reconciling.
	PreserveExtra bool `yaml:"preserve_extra" json:"preserve_extra"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username" validate:"required"`
	Password string `yaml:"password" json:"password" validate:"required"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level" validate:"oneof=DEBUG INFO WARN ERROR"`
	Format string `yaml:"format" json:"format" validate:"oneof=CONSOLE JSON"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen" validate:"required,hostname_port"`

	// Timezone is the IANA zone that decides what "today" is.
	Timezone string `yaml:"timezone" json:"timezone" validate:"required"`

	// Namespace is the application id segment of every document path.
	Namespace string `yaml:"namespace" json:"namespace" validate:"required,excludesall=/"`

	// FollowToday moves the active date forward at local midnight when the
	// user is viewing today.
	FollowToday bool `yaml:"follow_today" json:"follow_today"`

	// RolloverCron is the cron schedule checked for a day change.
	RolloverCron string `yaml:"rollover_cron" json:"rollover_cron" validate:"required"`

	Store    StoreConfig    `yaml:"store" json:"store"`
	Identity IdentityConfig `yaml:"identity" json:"identity"`
	Template TemplateConfig `yaml:"template" json:"template"`
	Log      LogConfig      `yaml:"log" json:"log"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:       "127.0.0.1:8080",
		Timezone:     "Local",
		Namespace:    DefaultNamespace,
		FollowToday:  true,
		RolloverCron: DefaultRolloverCron,
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "data/schedules.db",
		},
		Identity: IdentityConfig{
			Mode:      "anonymous",
			StatePath: "data/subject",
		},
		Template: TemplateConfig{
			CacheDir: "data/cache",
		},
		Log: LogConfig{
			Level:  "INFO",
			Format: "CONSOLE",
		},
	}
}

// Normalize fills in missing values so that partially-filled configs still
// behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.Timezone == "" {
		c.Timezone = "Local"
	}
	c.Namespace = strings.TrimSpace(c.Namespace)
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	if c.RolloverCron == "" {
		c.RolloverCron = DefaultRolloverCron
	}

	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.Driver == "sqlite" && c.Store.Path == "" {
		c.Store.Path = "data/schedules.db"
	}

	c.Identity.Mode = strings.ToLower(strings.TrimSpace(c.Identity.Mode))
	if c.Identity.Mode == "" {
		c.Identity.Mode = "anonymous"
	}

	c.Log.Level = strings.ToUpper(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "" {
		c.Log.Level = "INFO"
	}
	c.Log.Format = strings.ToUpper(strings.TrimSpace(c.Log.Format))
	if c.Log.Format == "" {
		c.Log.Format = "CONSOLE"
	}
}

// LoadDotEnv loads variables from the given .env files (".env" when none are
// given) into the process environment. Missing files are not an error and
// variables already set are left alone.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var present []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}
	if len(present) == 0 {
		return nil
	}
	return godotenv.Load(present...)
}

// ApplyEnv overlays secrets from the environment.
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvStoreDSN)); v != "" {
		c.Store.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvAuthToken)); v != "" {
		c.Identity.Token = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvTokenSecret)); v != "" {
		c.Identity.Secret = v
	}
}

// Validate checks field constraints and that the time zone exists.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms and returned.
//   - Otherwise the YAML is decoded and normalized.
//
// Secrets from the environment are not applied; call ApplyEnv afterwards.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the configuration atomically (temp file + rename) with 0600
// permissions. Secrets that came from the environment are not persisted.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	out := *cfg
	if os.Getenv(EnvStoreDSN) != "" {
		out.Store.DSN = ""
	}
	if os.Getenv(EnvAuthToken) != "" {
		out.Identity.Token = ""
	}
	if os.Getenv(EnvTokenSecret) != "" {
		out.Identity.Secret = ""
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(&out)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".dayroutine-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func (c *Config) Save(path string) error {
	return Save(path, c)
}
