// Package testutil provides shared test helpers for the resqued test suite.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/resqued/resqued/internal/config"
)

// TempDir creates a temporary directory for testing and registers cleanup.
func TempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "resqued-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

// FreeSocketPath returns a unique Unix socket path in a temporary directory,
// for tests exercising the master<->listener reporting socket pair.
func FreeSocketPath(t *testing.T) string {
	t.Helper()
	dir := TempDir(t)
	return filepath.Join(dir, "resqued-report.sock")
}

// MustParseConfig parses a TOML string into a Config struct, failing the
// test on error. Intended for concise test setup.
func MustParseConfig(t *testing.T, toml string) *config.Config {
	t.Helper()
	cfg, warnings, err := config.LoadBytes([]byte(toml), "test.toml")
	if err != nil {
		t.Fatalf("MustParseConfig: %v", err)
	}
	for _, w := range warnings {
		t.Logf("config warning: %s", w)
	}
	return cfg
}

// WaitFor polls a condition function until it returns true or the timeout
// expires. Fails the test with t.Fatal if the condition is not met within
// the timeout.
func WaitFor(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	interval := 50 * time.Millisecond

	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(interval)
	}
	t.Fatal("WaitFor: condition not met within timeout")
}

// WriteFile writes content to a file in the given directory.
func WriteFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("cannot write %s: %v", path, err)
	}
	return path
}

// TestConfigFile holds a reference to a config file prepared for a test.
type TestConfigFile struct {
	ConfigPath string
	Dir        string
}

// WriteTestConfig writes a supervisor preamble plus the caller-supplied
// queue TOML to a file in a fresh temp directory, for tests that need a
// config.Load-able path on disk.
func WriteTestConfig(t *testing.T, queuesTOML string) *TestConfigFile {
	t.Helper()
	dir := TempDir(t)

	fullConfig := "[supervisor]\nlog_level = \"debug\"\nlog_format = \"text\"\n\n" + queuesTOML

	configPath := WriteFile(t, dir, "resqued.toml", fullConfig)

	return &TestConfigFile{
		ConfigPath: configPath,
		Dir:        dir,
	}
}
