// Package s83config gathers a Spring '83 server's runtime configuration
// from the environment (and, where provided, a YAML file layered
// underneath it), so operators can mix a checked-in default config with
// per-deployment environment overrides.
package s83config

import (
	"os"

	"github.com/caarlos0/env/v6"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

// Config holds every setting a running server needs. Fields map onto the
// environment variables the protocol's reference deployments use.
type Config struct {
	Debug         bool     `env:"DEBUG" yaml:"debug"`
	SecretKey     string   `env:"SECRET_KEY" yaml:"secret_key"`
	TrustedOrigin string   `env:"TRUSTED_ORIGIN" yaml:"trusted_origin"`
	Port          int      `env:"PORT" envDefault:"4434" yaml:"port"`
	Peers         []string `env:"SB_PEERS" envSeparator:"," yaml:"peers"`
	StoreBackend  string   `env:"SB_STORE_BACKEND" envDefault:"memory" yaml:"store_backend"`
	FQDN          string   `env:"SB_FQDN" yaml:"fqdn"`

	GCPCredentialsJSON string `env:"GCP_CREDENTIALS_JSON" yaml:"gcp_credentials_json"`
	GCPStorageBucket   string `env:"GCP_STORAGE_BUCKET" yaml:"gcp_storage_bucket"`

	SQLDriver     string `env:"SB_SQL_DRIVER" yaml:"sql_driver"`
	SQLDataSource string `env:"SB_SQL_DATA_SOURCE" yaml:"sql_data_source"`
}

// Load reads a Config, starting from the YAML file at path (if path is
// non-empty and the file exists) and then overlaying environment variables
// on top, so an env var always wins over whatever the file says.
func Load(path string) (*Config, error) {
	config := &Config{Debug: true}

	if path != "" {
		if err := loadYAML(path, config); err != nil {
			return nil, err
		}
	}

	if err := env.Parse(config); err != nil {
		return nil, xerrors.Errorf("error parsing env config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate enforces the settings that are only optional in debug mode:
// a production deployment (DEBUG=false) must supply a SECRET_KEY and
// TRUSTED_ORIGIN, since both gate behavior that's unsafe to leave at its
// debug-mode default.
func (c *Config) Validate() error {
	if c.Debug {
		return nil
	}

	if c.SecretKey == "" {
		return xerrors.New("SECRET_KEY is required when DEBUG is false")
	}
	if c.TrustedOrigin == "" {
		return xerrors.New("TRUSTED_ORIGIN is required when DEBUG is false")
	}

	return nil
}

func loadYAML(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return xerrors.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return xerrors.Errorf("error parsing config file: %w", err)
	}

	return nil
}
