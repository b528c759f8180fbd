package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestResolveIncludesGlob(t *testing.T) {
	dir := t.TempDir()

	// Main config.
	mainCfg := &Config{
		Include: []string{filepath.Join(dir, "conf.d/*.toml")},
		Queues:  make(map[string]QueueConfig),
	}

	// Create conf.d directory with files.
	confDir := filepath.Join(dir, "conf.d")
	os.MkdirAll(confDir, 0755)

	webCfg := `[queues.web]
command = "/usr/bin/web"
`
	apiCfg := `[queues.api]
command = "/usr/bin/api"
`
	os.WriteFile(filepath.Join(confDir, "01-web.toml"), []byte(webCfg), 0644)
	os.WriteFile(filepath.Join(confDir, "02-api.toml"), []byte(apiCfg), 0644)

	warnings, err := ResolveIncludes(mainCfg, dir)
	if err != nil {
		t.Fatal(err)
	}

	if len(mainCfg.Queues) != 2 {
		t.Fatalf("expected 2 queues, got %d", len(mainCfg.Queues))
	}

	if _, ok := mainCfg.Queues["web"]; !ok {
		t.Fatal("missing queue 'web'")
	}
	if _, ok := mainCfg.Queues["api"]; !ok {
		t.Fatal("missing queue 'api'")
	}

	_ = warnings
}

func TestResolveIncludesNoMatches(t *testing.T) {
	dir := t.TempDir()

	cfg := &Config{
		Include: []string{filepath.Join(dir, "nonexistent/*.toml")},
		Queues:  make(map[string]QueueConfig),
	}

	warnings, err := ResolveIncludes(cfg, dir)
	if err != nil {
		t.Fatal(err)
	}

	if len(warnings) == 0 {
		t.Fatal("expected warning for no-match pattern")
	}
}

func TestResolveIncludesRelativePath(t *testing.T) {
	dir := t.TempDir()

	// Create a relative include path.
	confDir := filepath.Join(dir, "conf.d")
	os.MkdirAll(confDir, 0755)

	webCfg := `[queues.web]
command = "/usr/bin/web"
`
	os.WriteFile(filepath.Join(confDir, "web.toml"), []byte(webCfg), 0644)

	cfg := &Config{
		Include: []string{"conf.d/*.toml"},
		Queues:  make(map[string]QueueConfig),
	}

	_, err := ResolveIncludes(cfg, dir)
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := cfg.Queues["web"]; !ok {
		t.Fatal("missing queue 'web' from relative include")
	}
}

func TestResolveIncludesSyntaxError(t *testing.T) {
	dir := t.TempDir()
	confDir := filepath.Join(dir, "conf.d")
	os.MkdirAll(confDir, 0755)

	os.WriteFile(filepath.Join(confDir, "bad.toml"), []byte("[[invalid"), 0644)

	cfg := &Config{
		Include: []string{filepath.Join(dir, "conf.d/*.toml")},
		Queues:  make(map[string]QueueConfig),
	}

	_, err := ResolveIncludes(cfg, dir)
	if err == nil {
		t.Fatal("expected error for syntax error in included file")
	}
}

func TestResolveIncludesDuplicateQueue(t *testing.T) {
	dir := t.TempDir()
	confDir := filepath.Join(dir, "conf.d")
	os.MkdirAll(confDir, 0755)

	webCfg := `[queues.web]
command = "/usr/bin/web"
`
	os.WriteFile(filepath.Join(confDir, "01.toml"), []byte(webCfg), 0644)
	os.WriteFile(filepath.Join(confDir, "02.toml"), []byte(webCfg), 0644)

	cfg := &Config{
		Include: []string{filepath.Join(dir, "conf.d/*.toml")},
		Queues:  make(map[string]QueueConfig),
	}

	_, err := ResolveIncludes(cfg, dir)
	if err == nil {
		t.Fatal("expected error for duplicate queue name")
	}
	if !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("error = %q, want duplicate queue error", err.Error())
	}
}

func TestResolveIncludesClearsIncludeField(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{
		Include: []string{filepath.Join(dir, "nonexistent/*.toml")},
		Queues:  make(map[string]QueueConfig),
	}

	_, _ = ResolveIncludes(cfg, dir)

	if cfg.Include != nil {
		t.Fatal("include field should be cleared after resolution")
	}
}
