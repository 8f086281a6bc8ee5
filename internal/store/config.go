package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"

	"github.com/zombor/ocr-history/internal/scan"
)

// redacted replaces secrets in configs handed to clients
const redacted = "********"

// Config is the record and blob store connection settings
type Config struct {
	Driver      string     `yaml:"driver" json:"driver" validate:"required,oneof=bolt postgres"`
	BoltPath    string     `yaml:"bolt_path,omitempty" json:"bolt_path,omitempty" validate:"required_if=Driver bolt"`
	PostgresDSN string     `yaml:"postgres_dsn,omitempty" json:"postgres_dsn,omitempty" validate:"required_if=Driver postgres"`
	Blobs       BlobConfig `yaml:"blobs" json:"blobs"`
}

// BlobConfig selects where uploaded images are kept
type BlobConfig struct {
	Driver    string `yaml:"driver" json:"driver" validate:"required,oneof=local s3"`
	Dir       string `yaml:"dir,omitempty" json:"dir,omitempty" validate:"required_if=Driver local"`
	PublicURL string `yaml:"public_url,omitempty" json:"public_url,omitempty"`
	Bucket    string `yaml:"bucket,omitempty" json:"bucket,omitempty" validate:"required_if=Driver s3"`
	Region    string `yaml:"region,omitempty" json:"region,omitempty" validate:"required_if=Driver s3"`
	Endpoint  string `yaml:"endpoint,omitempty" json:"endpoint,omitempty" validate:"omitempty,url"`
	AccessKey string `yaml:"access_key,omitempty" json:"access_key,omitempty" validate:"required_with=SecretKey"`
	SecretKey string `yaml:"secret_key,omitempty" json:"secret_key,omitempty" validate:"required_with=AccessKey"`
}

// DefaultConfig is used when no config file exists: a BoltDB file next to the
// binary and images in ./scans served under /blobs
func DefaultConfig() Config {
	return Config{
		Driver:   "bolt",
		BoltPath: "ocr-history.db",
		Blobs: BlobConfig{
			Driver:    "local",
			Dir:       "./scans",
			PublicURL: "/blobs",
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the settings, returning a ConfigInvalid error
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return invalidConfig(err)
	}
	return nil
}

// Redacted returns a copy safe to show to clients
func (c Config) Redacted() Config {
	if c.PostgresDSN != "" {
		c.PostgresDSN = redacted
	}
	if c.Blobs.SecretKey != "" {
		c.Blobs.SecretKey = redacted
	}
	return c
}

// withSecretsFrom restores secrets a client sent back redacted
func (c Config) withSecretsFrom(prev Config) Config {
	if c.PostgresDSN == redacted {
		c.PostgresDSN = prev.PostgresDSN
	}
	if c.Blobs.SecretKey == redacted {
		c.Blobs.SecretKey = prev.Blobs.SecretKey
	}
	return c
}

func invalidConfig(err error) error {
	return &scan.Error{Kind: scan.ConfigInvalid, Message: "Store configuration is invalid", Err: err}
}

// LoadConfig reads a YAML config file. A missing file is created with DefaultConfig.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg := DefaultConfig()
		if err := SaveConfig(path, cfg); err != nil {
			return Config{}, err
		}
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("reading store config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, invalidConfig(fmt.Errorf("parsing store config: %w", err))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseConfigJSON decodes and validates settings sent by a client
func ParseConfigJSON(raw []byte) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, invalidConfig(fmt.Errorf("parsing store config: %w", err))
	}
	return cfg, nil
}

// SaveConfig writes cfg to path as YAML
func SaveConfig(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling store config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing store config: %w", err)
	}
	return nil
}
