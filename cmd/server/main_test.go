package main

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestRun_ReturnsSetupErrors(t *testing.T) {
	t.Setenv("EXCHANGE_AUTH_JWT_SECRET", "")

	err := run(filepath.Join(t.TempDir(), "missing.toml"))
	if err == nil || !strings.Contains(err.Error(), "load config") {
		t.Errorf("missing config file: got %v", err)
	}

	err = run("")
	if err == nil || !strings.Contains(err.Error(), "auth.jwt_secret") {
		t.Errorf("missing secret: got %v", err)
	}
}
