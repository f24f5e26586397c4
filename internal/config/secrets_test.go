package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeSecret(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write secret file: %v", err)
	}
	return path
}

func TestResolveSecret(t *testing.T) {
	tests := []struct {
		name    string
		env     string
		file    *string
		want    string
		wantErr bool
	}{
		{name: "env only", env: "broker-pass", want: "broker-pass"},
		{name: "file only", file: strPtr("from-file\n"), want: "from-file"},
		{name: "file wins over env", env: "broker-pass", file: strPtr("from-file"), want: "from-file"},
		{name: "whitespace trimmed", file: strPtr("  padded  \n\n"), want: "padded"},
		{name: "empty file", file: strPtr(""), want: ""},
		{name: "neither set", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(MQTTPasswordEnv, tt.env)
			t.Setenv(MQTTPasswordEnv+"_FILE", "")
			if tt.file != nil {
				t.Setenv(MQTTPasswordEnv+"_FILE", writeSecret(t, *tt.file))
			}

			got, err := ResolveSecret(MQTTPasswordEnv)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveSecret_UnreadableFile(t *testing.T) {
	t.Setenv(PostgresPasswordEnv+"_FILE", "/nonexistent/pgpass")

	_, err := ResolveSecret(PostgresPasswordEnv)
	if err == nil {
		t.Fatal("expected error when the secret file cannot be read")
	}
	if !strings.Contains(err.Error(), PostgresPasswordEnv+"_FILE") {
		t.Errorf("error should name the variable: %v", err)
	}
}

func TestMQTTPassword(t *testing.T) {
	t.Setenv(MQTTPasswordEnv, "s3cret")
	t.Setenv(MQTTPasswordEnv+"_FILE", "")

	cfg := Default()
	if got, err := cfg.MQTTPassword(); err != nil || got != "" {
		t.Errorf("anonymous broker: got %q, %v; want no password", got, err)
	}

	cfg.MQTT.Username = "lab"
	if got, err := cfg.MQTTPassword(); err != nil || got != "s3cret" {
		t.Errorf("got %q, %v; want s3cret", got, err)
	}
}

func strPtr(s string) *string { return &s }
