package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "agent:\n  inventory_path: /etc/zeromonitor/devices.json\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Agent.InventoryPath != "/etc/zeromonitor/devices.json" {
		t.Fatalf("inventory path not applied: %q", cfg.Agent.InventoryPath)
	}
	if cfg.Agent.MaxWorkers != 50 {
		t.Fatalf("default max_workers: got %d, want 50", cfg.Agent.MaxWorkers)
	}
	if cfg.Agent.MaxRetries != 5 {
		t.Fatalf("default max_retries: got %d, want 5", cfg.Agent.MaxRetries)
	}
	if cfg.Server.Enabled || cfg.Database.Enabled {
		t.Fatal("server and database sinks must default to off")
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, "agent:\n  inventory_path: from-file.json\n")

	t.Setenv("ZM_AGENT_INVENTORY_PATH", "from-env.json")
	t.Setenv("ZM_DATABASE_PASSWORD", "env-secret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Agent.InventoryPath != "from-env.json" {
		t.Fatalf("env override lost: %q", cfg.Agent.InventoryPath)
	}
	if cfg.Database.Password != "env-secret" {
		t.Fatalf("database password override lost: %q", cfg.Database.Password)
	}
}

func TestValidateServerRequiresStrongAuth(t *testing.T) {
	cases := []struct {
		name     string
		secret   string
		password string
		wantErr  bool
	}{
		{"no secret", "", "strong-password", true},
		{"short secret", "short", "strong-password", true},
		{"default password", "0123456789abcdef0123456789abcdef", "changeme", true},
		{"empty password", "0123456789abcdef0123456789abcdef", "", true},
		{"valid", "0123456789abcdef0123456789abcdef", "strong-password", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.Server.Enabled = true
			cfg.Auth.JWTSecret = tc.secret
			cfg.Auth.AdminPassword = tc.password

			err := cfg.Validate()
			if tc.wantErr && err == nil {
				t.Fatal("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestValidateEncryptionKeyLength(t *testing.T) {
	cfg := Default()
	cfg.Auth.EncryptionKey = "too-short"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for short encryption key")
	}

	cfg.Auth.EncryptionKey = "0123456789abcdef0123456789abcdef"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("32-byte key rejected: %v", err)
	}
}

func TestValidateLogLevel(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid log level")
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	if got := cfg.Agent.GetConnectTimeout(); got != 10*time.Second {
		t.Fatalf("connect timeout: got %v", got)
	}
	if got := cfg.Agent.GetDefaultInterval(); got != 5*time.Second {
		t.Fatalf("default interval: got %v", got)
	}
	if got := cfg.Auth.GetJWTExpiry(); got != 24*time.Hour {
		t.Fatalf("jwt expiry: got %v", got)
	}
}

func TestGetDSN(t *testing.T) {
	cfg := Default()
	cfg.Database.User = "zm"
	cfg.Database.Password = "pw"
	cfg.Database.DBName = "metrics"

	want := "host=localhost port=5432 user=zm password=pw dbname=metrics sslmode=disable"
	if got := cfg.Database.GetDSN(); got != want {
		t.Fatalf("dsn: got %q, want %q", got, want)
	}
}
