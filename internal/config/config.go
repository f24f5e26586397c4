package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	defaultHost        = "127.0.0.1"
	defaultPort        = 5000
	defaultPlotFile    = "plot.svg"
	defaultGracePeriod = 5 * time.Second
	defaultDataDirName = ".jardesigner"
)

var defaultSimulatorCommand = []string{"python", "-u", "-m", "jardesigner.jardesigner"}

// ServerConfig is the jardesigner.yaml document. Zero values fall back to
// defaults through the accessor methods.
type ServerConfig struct {
	Version int `yaml:"version"`
	Server  struct {
		Host      string `yaml:"host" envconfig:"HOST"`
		Port      int    `yaml:"port" envconfig:"PORT"`
		StaticDir string `yaml:"static_dir" envconfig:"STATIC_DIR"`
		PublicURL string `yaml:"public_url" envconfig:"PUBLIC_URL"`
		TLS       struct {
			CertFile string `yaml:"cert_file" envconfig:"CERT_FILE"`
			KeyFile  string `yaml:"key_file" envconfig:"KEY_FILE"`
		} `yaml:"tls" envconfig:"TLS"`
	} `yaml:"server" envconfig:"SERVER"`
	Data struct {
		BaseDir string `yaml:"base_dir" envconfig:"BASE_DIR"`
	} `yaml:"data" envconfig:"DATA"`
	Simulator struct {
		Command     []string      `yaml:"command" envconfig:"COMMAND"`
		PlotFile    string        `yaml:"plot_file" envconfig:"PLOT_FILE"`
		GracePeriod time.Duration `yaml:"grace_period" envconfig:"GRACE_PERIOD"`
	} `yaml:"simulator" envconfig:"SIMULATOR"`
	Log struct {
		Level  string `yaml:"level" envconfig:"LEVEL"`
		Format string `yaml:"format" envconfig:"FORMAT"`
	} `yaml:"log" envconfig:"LOG"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled" envconfig:"ENABLED"`
		URL         string `yaml:"url" envconfig:"URL"`
		ClientID    string `yaml:"client_id" envconfig:"CLIENT_ID"`
		TopicPrefix string `yaml:"topic_prefix" envconfig:"TOPIC_PREFIX"`
		Username    string `yaml:"username" envconfig:"USERNAME"`
		Required    bool   `yaml:"required" envconfig:"REQUIRED"`
	} `yaml:"mqtt" envconfig:"MQTT"`
	Postgres struct {
		Enabled  bool   `yaml:"enabled" envconfig:"ENABLED"`
		DSN      string `yaml:"dsn" envconfig:"DSN"`
		Required bool   `yaml:"required" envconfig:"REQUIRED"`
	} `yaml:"postgres" envconfig:"POSTGRES"`
	Alerts struct {
		WebhookURL     string        `yaml:"webhook_url" envconfig:"WEBHOOK_URL"`
		MQTTAlertDelay time.Duration `yaml:"mqtt_alert_delay" envconfig:"MQTT_ALERT_DELAY"`
	} `yaml:"alerts" envconfig:"ALERTS"`
}

// Host returns the listen host, defaulting to loopback.
func (c *ServerConfig) Host() string {
	if c.Server.Host == "" {
		return defaultHost
	}
	return c.Server.Host
}

// Port returns the configured port, defaulting to 5000 if not set.
func (c *ServerConfig) Port() int {
	if c.Server.Port == 0 {
		return defaultPort
	}
	return c.Server.Port
}

// Addr is host:port for the HTTP listener.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host(), c.Port())
}

// BaseURL is the URL the simulator uses to call back into the server.
func (c *ServerConfig) BaseURL() string {
	if c.Server.PublicURL != "" {
		return c.Server.PublicURL
	}
	scheme := "http"
	if c.Server.TLS.CertFile != "" && c.Server.TLS.KeyFile != "" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Host(), c.Port())
}

// BaseDir returns the per-user data directory (~/.jardesigner by default).
func (c *ServerConfig) BaseDir() string {
	if c.Data.BaseDir != "" {
		return c.Data.BaseDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), defaultDataDirName)
	}
	return filepath.Join(home, defaultDataDirName)
}

// SimulatorCommand returns the program and leading arguments used to start
// the simulator. Run specific arguments are appended by the supervisor.
func (c *ServerConfig) SimulatorCommand() []string {
	if len(c.Simulator.Command) == 0 {
		return append([]string{}, defaultSimulatorCommand...)
	}
	return append([]string{}, c.Simulator.Command...)
}

// PlotFile is the artifact name the simulator is asked to produce.
func (c *ServerConfig) PlotFile() string {
	if c.Simulator.PlotFile == "" {
		return defaultPlotFile
	}
	return c.Simulator.PlotFile
}

// GracePeriod bounds how long termination waits before escalating.
func (c *ServerConfig) GracePeriod() time.Duration {
	if c.Simulator.GracePeriod <= 0 {
		return defaultGracePeriod
	}
	return c.Simulator.GracePeriod
}

// MQTTTopicPrefix defaults to "jardesigner".
func (c *ServerConfig) MQTTTopicPrefix() string {
	if c.MQTT.TopicPrefix == "" {
		return "jardesigner"
	}
	return c.MQTT.TopicPrefix
}

// MQTTAlertDelay is how long the relay may stay disconnected before alerting.
func (c *ServerConfig) MQTTAlertDelay() time.Duration {
	if c.Alerts.MQTTAlertDelay <= 0 {
		return 30 * time.Second
	}
	return c.Alerts.MQTTAlertDelay
}

// Default returns a config with every field at its default.
func Default() *ServerConfig {
	return &ServerConfig{Version: 1}
}

// LoadServerConfig reads path (if it exists) and applies JARDESIGNER_*
// environment overrides, including those from a .env file next to it. An
// empty path or a missing file yields defaults.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			if err := yaml.Unmarshal(b, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", path, err)
			}
			if cfg.Version != 1 {
				return nil, fmt.Errorf("unsupported jardesigner.yaml version: %d", cfg.Version)
			}
		}
	}

	if err := loadDotEnv(path); err != nil {
		return nil, err
	}
	if err := envconfig.Process("jardesigner", cfg); err != nil {
		return nil, fmt.Errorf("error processing environment configuration: %w", err)
	}

	return cfg, nil
}

// loadDotEnv exports the variables of the .env file beside the config file.
// Variables already set in the environment are left alone.
func loadDotEnv(configPath string) error {
	dir := "."
	if configPath != "" {
		dir = filepath.Dir(configPath)
	}
	envFile := filepath.Join(dir, ".env")
	if _, err := os.Stat(envFile); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(envFile); err != nil {
		return fmt.Errorf("failed to load %s: %w", envFile, err)
	}
	return nil
}
