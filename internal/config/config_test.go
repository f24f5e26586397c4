package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jardesigner.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadServerConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadServerConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port() != 5000 {
		t.Errorf("Port() = %d, want 5000", cfg.Port())
	}
	if cfg.Host() != "127.0.0.1" {
		t.Errorf("Host() = %q, want 127.0.0.1", cfg.Host())
	}
	if cfg.PlotFile() != "plot.svg" {
		t.Errorf("PlotFile() = %q, want plot.svg", cfg.PlotFile())
	}
	if cfg.GracePeriod() != 5*time.Second {
		t.Errorf("GracePeriod() = %s, want 5s", cfg.GracePeriod())
	}
	cmd := cfg.SimulatorCommand()
	if len(cmd) != 4 || cmd[0] != "python" || cmd[3] != "jardesigner.jardesigner" {
		t.Errorf("SimulatorCommand() = %v", cmd)
	}
}

func TestLoadServerConfig_File(t *testing.T) {
	path := writeConfig(t, `
version: 1
server:
  host: 0.0.0.0
  port: 8088
data:
  base_dir: /srv/jar
simulator:
  command: ["/usr/bin/moose-sim", "--quiet"]
  grace_period: 2s
mqtt:
  enabled: true
  topic_prefix: lab
`)

	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Addr() != "0.0.0.0:8088" {
		t.Errorf("Addr() = %q", cfg.Addr())
	}
	if cfg.BaseDir() != "/srv/jar" {
		t.Errorf("BaseDir() = %q", cfg.BaseDir())
	}
	if got := cfg.SimulatorCommand(); len(got) != 2 || got[0] != "/usr/bin/moose-sim" {
		t.Errorf("SimulatorCommand() = %v", got)
	}
	if cfg.GracePeriod() != 2*time.Second {
		t.Errorf("GracePeriod() = %s, want 2s", cfg.GracePeriod())
	}
	if !cfg.MQTT.Enabled || cfg.MQTTTopicPrefix() != "lab" {
		t.Errorf("unexpected mqtt config: %+v", cfg.MQTT)
	}
}

func TestLoadServerConfig_UnsupportedVersion(t *testing.T) {
	path := writeConfig(t, "version: 2\n")

	if _, err := LoadServerConfig(path); err == nil {
		t.Error("expected error for unsupported version")
	}
}

func TestLoadServerConfig_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "version: 1\nserver:\n  port: 8088\n")
	t.Setenv("JARDESIGNER_SERVER_PORT", "9099")
	t.Setenv("JARDESIGNER_SIMULATOR_PLOT_FILE", "out.svg")

	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port() != 9099 {
		t.Errorf("Port() = %d, want 9099 (env wins over file)", cfg.Port())
	}
	if cfg.PlotFile() != "out.svg" {
		t.Errorf("PlotFile() = %q, want out.svg", cfg.PlotFile())
	}
}

func TestLoadServerConfig_DotEnv(t *testing.T) {
	path := writeConfig(t, "version: 1\nserver:\n  port: 8088\n")
	env := "JARDESIGNER_SERVER_PORT=7077\nJARDESIGNER_SIMULATOR_PLOT_FILE=fromdotenv.svg\n"
	if err := os.WriteFile(filepath.Join(filepath.Dir(path), ".env"), []byte(env), 0600); err != nil {
		t.Fatalf("failed to write .env: %v", err)
	}
	// godotenv exports into the process environment
	t.Cleanup(func() {
		os.Unsetenv("JARDESIGNER_SERVER_PORT")
		os.Unsetenv("JARDESIGNER_SIMULATOR_PLOT_FILE")
	})
	t.Setenv("JARDESIGNER_SIMULATOR_PLOT_FILE", "fromenv.svg")

	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port() != 7077 {
		t.Errorf("Port() = %d, want 7077 from .env", cfg.Port())
	}
	if cfg.PlotFile() != "fromenv.svg" {
		t.Errorf("PlotFile() = %q, the real environment should win over .env", cfg.PlotFile())
	}
}

func TestBaseURL(t *testing.T) {
	cfg := Default()
	if cfg.BaseURL() != "http://127.0.0.1:5000" {
		t.Errorf("BaseURL() = %q", cfg.BaseURL())
	}

	cfg.Server.TLS.CertFile = "cert.pem"
	cfg.Server.TLS.KeyFile = "key.pem"
	if cfg.BaseURL() != "https://127.0.0.1:5000" {
		t.Errorf("BaseURL() with TLS = %q", cfg.BaseURL())
	}

	cfg.Server.PublicURL = "http://sim.lab:80"
	if cfg.BaseURL() != "http://sim.lab:80" {
		t.Errorf("BaseURL() with public url = %q", cfg.BaseURL())
	}
}
