package config

import (
	"fmt"
	"os"

	"github.com/bdvil/matrix-room-import/internal/constants"
	"github.com/bdvil/matrix-room-import/internal/models"

	"gopkg.in/yaml.v3"
)

var (
	ErrMissingHomeserverURL = models.ConfigError{Message: "missing homeserver URL"}
	ErrMissingServerName    = models.ConfigError{Message: "missing server name"}
	ErrMissingHSToken       = models.ConfigError{Message: "missing homeserver token"}
	ErrMissingASToken       = models.ConfigError{Message: "missing application service token"}
	ErrMissingASLocalpart   = models.ConfigError{Message: "missing application service localpart"}
	ErrMissingDBLocation    = models.ConfigError{Message: "missing database location"}
	ErrMissingImportDir     = models.ConfigError{Message: "missing import files directory"}
)

// Load reads and validates the YAML configuration at path. Secrets may
// be supplied or overridden through the environment (MRI_HS_TOKEN,
// MRI_AS_TOKEN, MRI_ADMIN_TOKEN).
func Load(path string) (*models.Config, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg models.Config
	if err := yaml.Unmarshal(file, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvironmentOverrides(&cfg)
	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyEnvironmentOverrides(c *models.Config) {
	if v := os.Getenv("MRI_HS_TOKEN"); v != "" {
		c.HSToken = v
	}
	if v := os.Getenv("MRI_AS_TOKEN"); v != "" {
		c.ASToken = v
	}
	if v := os.Getenv("MRI_ADMIN_TOKEN"); v != "" {
		c.AdminToken = v
	}
}

func applyDefaults(c *models.Config) {
	if c.Port == 0 {
		c.Port = constants.DefaultServerPort
	}
	if c.Retry.InitialBackoffMs <= 0 {
		c.Retry.InitialBackoffMs = constants.DefaultRetryBackoffMs
	}
	if c.Retry.MaxBackoffMs <= 0 {
		c.Retry.MaxBackoffMs = constants.DefaultMaxBackoffMs
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = constants.DefaultMaxAttempts
	}
}

func validate(c *models.Config) error {
	if c.HomeserverURL == "" {
		return ErrMissingHomeserverURL
	}
	if c.ServerName == "" {
		return ErrMissingServerName
	}
	if c.HSToken == "" {
		return ErrMissingHSToken
	}
	if c.ASToken == "" {
		return ErrMissingASToken
	}
	if c.ASLocalpart == "" {
		return ErrMissingASLocalpart
	}
	if c.DatabaseLocation == "" {
		return ErrMissingDBLocation
	}
	if c.PathToImportFiles == "" {
		return ErrMissingImportDir
	}
	return nil
}
