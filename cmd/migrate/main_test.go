package main

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"r2r/internal/config"
)

func TestRunMissingDSN(t *testing.T) {
	t.Setenv("R2R_POSTGRES_DSN", "")
	if err := run([]string{"-action", "up"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRunMissingAction(t *testing.T) {
	if err := run([]string{"-dsn", "postgres://example"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRunUnknownAction(t *testing.T) {
	if err := run([]string{"-dsn", "postgres://example", "-action", "nope"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRunOpenError(t *testing.T) {
	old := openDB
	openDB = func(dsn string) (*sql.DB, error) { return nil, errors.New("open") }
	defer func() { openDB = old }()
	if err := run([]string{"-dsn", "postgres://example", "-action", "up"}); err == nil || err.Error() != "open" {
		t.Fatalf("err: %v", err)
	}
}

func TestResolveDSNPrecedence(t *testing.T) {
	t.Setenv("R2R_POSTGRES_DSN", "postgres://env")
	got, err := resolveDSN("postgres://flag", "")
	if err != nil || got != "postgres://flag" {
		t.Fatalf("flag: %q %v", got, err)
	}
	got, err = resolveDSN("", "")
	if err != nil || got != "postgres://env" {
		t.Fatalf("env: %q %v", got, err)
	}
}

func TestResolveDSNFromConfig(t *testing.T) {
	t.Setenv("R2R_POSTGRES_DSN", "")
	file := filepath.Join(t.TempDir(), "r2r.yaml")
	if err := os.WriteFile(file, []byte("storage:\n  postgres_dsn: postgres://file\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := resolveDSN("", file)
	if err != nil || got != "postgres://file" {
		t.Fatalf("config: %q %v", got, err)
	}
}

func TestResolveDSNConfigError(t *testing.T) {
	old := loadConfig
	loadConfig = func(string) (config.Config, error) { return config.Config{}, errors.New("bad") }
	defer func() { loadConfig = old }()
	if _, err := resolveDSN("", "r2r.json"); err == nil {
		t.Fatalf("expected error")
	}
}
