package config

import (
	"fmt"
	"os"
	"strings"
)

// Secrets never live in jardesigner.yaml. They come from the environment,
// either directly or through a <NAME>_FILE path (Docker and Kubernetes
// secret mounts).
const (
	MQTTPasswordEnv     = "JARDESIGNER_MQTT_PASSWORD"
	PostgresPasswordEnv = "PGPASSWORD"
)

// ResolveSecret returns the value of envName, or the trimmed contents of the
// file named by envName_FILE, which takes precedence. Both unset yields "".
func ResolveSecret(envName string) (string, error) {
	fileEnv := envName + "_FILE"
	path := os.Getenv(fileEnv)
	if path == "" {
		return os.Getenv(envName), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		// the path is reported, never the contents
		return "", fmt.Errorf("reading %s: %w", fileEnv, err)
	}
	return strings.TrimSpace(string(b)), nil
}

// MQTTPassword resolves the broker password. It is only sent when a
// username is configured.
func (c *ServerConfig) MQTTPassword() (string, error) {
	if c.MQTT.Username == "" {
		return "", nil
	}
	return ResolveSecret(MQTTPasswordEnv)
}
