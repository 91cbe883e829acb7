package main

import (
	"testing"

	"github.com/zeromonitor/zeromonitor/internal/auth"
	"github.com/zeromonitor/zeromonitor/internal/config"
)

// A configuration that passes validation must also get through the startup
// construction sequence; the polling core needs no API-only secrets.
func TestDefaultConfigConstructsAuthService(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config failed validation: %v", err)
	}

	if _, err := auth.NewService(
		cfg.Auth.JWTSecret,
		cfg.Auth.EncryptionKey,
		cfg.Auth.AdminUsername,
		cfg.Auth.AdminPassword,
		cfg.Auth.GetJWTExpiry(),
	); err != nil {
		t.Fatalf("auth service rejected the default config: %v", err)
	}
}

func TestInitLoggerLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "bogus", ""} {
		if logger := initLogger(config.LoggingConfig{Level: level, Format: "text"}); logger == nil {
			t.Fatalf("initLogger returned nil for level %q", level)
		}
	}
	if logger := initLogger(config.LoggingConfig{Level: "info", Format: "json"}); logger == nil {
		t.Fatal("initLogger returned nil for json format")
	}
}
