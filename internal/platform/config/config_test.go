package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("STITCH_TEST_VALUE", "x")
	if got := GetEnv("STITCH_TEST_VALUE", "y"); got != "x" {
		t.Errorf("expected x, got %q", got)
	}
	t.Setenv("STITCH_TEST_VALUE", "")
	if got := GetEnv("STITCH_TEST_VALUE", "y"); got != "y" {
		t.Errorf("expected fallback y, got %q", got)
	}
}

func TestGetEnvNumbers(t *testing.T) {
	t.Setenv("STITCH_TEST_INT", "12")
	t.Setenv("STITCH_TEST_FLOAT", "0.25")
	t.Setenv("STITCH_TEST_DURATION", "1m30s")

	if got := GetEnvInt("STITCH_TEST_INT", 3); got != 12 {
		t.Errorf("int: expected 12, got %d", got)
	}
	if got := GetEnvFloat("STITCH_TEST_FLOAT", 0.5); got != 0.25 {
		t.Errorf("float: expected 0.25, got %v", got)
	}
	if got := GetEnvDuration("STITCH_TEST_DURATION", time.Second); got != 90*time.Second {
		t.Errorf("duration: expected 1m30s, got %v", got)
	}
}

func TestGetEnvNumbers_invalid_uses_fallback(t *testing.T) {
	t.Setenv("STITCH_TEST_INT", "twelve")
	t.Setenv("STITCH_TEST_FLOAT", "half")
	t.Setenv("STITCH_TEST_DURATION", "90")

	if got := GetEnvInt("STITCH_TEST_INT", 3); got != 3 {
		t.Errorf("int: expected fallback 3, got %d", got)
	}
	if got := GetEnvFloat("STITCH_TEST_FLOAT", 0.5); got != 0.5 {
		t.Errorf("float: expected fallback 0.5, got %v", got)
	}
	if got := GetEnvDuration("STITCH_TEST_DURATION", time.Second); got != time.Second {
		t.Errorf("duration: expected fallback 1s, got %v", got)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("STITCH_TEST_LOADED=yes\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("STITCH_TEST_LOADED", "")
	os.Unsetenv("STITCH_TEST_LOADED")

	if err := Load(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := GetEnv("STITCH_TEST_LOADED", "no"); got != "yes" {
		t.Errorf("expected yes, got %q", got)
	}
	if err := Load(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Error("expected an error for a missing file")
	}
}
