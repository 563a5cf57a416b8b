package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"graphmcp/pkg/logging"

	"gopkg.in/yaml.v3"
)

const (
	userConfigDir  = ".config/graphmcp"
	configFileName = "config.yaml"

	// DefaultClientID is the public client application id used for the
	// device-code flow when no client id is configured.
	DefaultClientID = "14d82eec-204b-4c2f-b7e8-296a70dab67e"

	// DefaultTenant authorizes both personal and organizational accounts.
	DefaultTenant = "common"
)

// EnvConfigPath overrides the configuration directory.
const EnvConfigPath = "GRAPHMCP_CONFIG_PATH"

// Config is the top-level configuration structure for graphmcp.
type Config struct {
	// ClientID is the Azure application (client) id used for token
	// acquisition. Defaults to the Microsoft Graph CLI public client.
	ClientID string `yaml:"clientId,omitempty"`

	// Tenant is the identity-platform tenant: "common", "consumers",
	// "organizations", or a directory id.
	Tenant string `yaml:"tenant,omitempty"`

	// ReadOnly hides all non-GET operations from MCP clients.
	ReadOnly bool `yaml:"readOnly,omitempty"`

	// EnabledTools restricts the exposed tools to the listed names.
	// Empty means all catalog tools are exposed.
	EnabledTools []string `yaml:"enabledTools,omitempty"`

	// HTTP configures the optional streamable HTTP transport.
	HTTP HTTPConfig `yaml:"http,omitempty"`

	// StorageDir is where the fallback credential file lives.
	// Defaults to the configuration directory.
	StorageDir string `yaml:"storageDir,omitempty"`
}

// HTTPConfig defines the listener for the streamable HTTP transport.
type HTTPConfig struct {
	Port int    `yaml:"port,omitempty"` // Port to listen on (default: 8365)
	Host string `yaml:"host,omitempty"` // Host to bind to (default: localhost)
}

// GetDefaultConfig returns the default configuration for graphmcp.
func GetDefaultConfig() Config {
	return Config{
		ClientID: DefaultClientID,
		Tenant:   DefaultTenant,
		HTTP: HTTPConfig{
			Port: 8365,
			Host: "localhost",
		},
	}
}

// GetDefaultConfigPathOrPanic returns the user configuration directory.
func GetDefaultConfigPathOrPanic() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		panic(fmt.Errorf("could not determine user config directory: %w", err))
	}

	return filepath.Join(homeDir, userConfigDir)
}

// LoadConfig loads configuration from the specified directory.
// A missing config.yaml is not an error; defaults are used.
func LoadConfig(configPath string) (Config, error) {
	configFilePath := filepath.Join(configPath, configFileName)
	config := GetDefaultConfig()

	data, err := os.ReadFile(configFilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Info("Config", "No config.yaml found at %s, using defaults", configFilePath)
			config.StorageDir = configPath
			return config, nil
		}
		return Config{}, err
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("error loading config from %s: %w", configFilePath, err)
	}
	if config.StorageDir == "" {
		config.StorageDir = configPath
	}
	if err := config.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config at %s: %w", configFilePath, err)
	}

	logging.Info("Config", "Loaded configuration from %s", configFilePath)
	return config, nil
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("clientId must not be empty")
	}
	if c.Tenant == "" {
		return fmt.Errorf("tenant must not be empty")
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port %d out of range", c.HTTP.Port)
	}
	return nil
}
