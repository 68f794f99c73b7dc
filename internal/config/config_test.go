package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg := Load()
	if cfg.DBPath != "./llm_eval.db" {
		t.Fatalf("unexpected default db path: %s", cfg.DBPath)
	}
	if cfg.Backend != "ollama" || cfg.OllamaURL != "http://localhost:11434" {
		t.Fatalf("unexpected backend defaults: %+v", cfg)
	}
	if cfg.APIAddr != ":8080" || cfg.AlertLimit != 50 {
		t.Fatalf("unexpected server defaults: %+v", cfg)
	}
}

func TestLoadYAMLAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "db_path: /data/eval.db\nollama_url: http://gpu-box:11434\nalert_limit: 25\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("OLLAMA_URL", "http://override:11434")

	cfg := Load()
	if cfg.DBPath != "/data/eval.db" {
		t.Fatalf("yaml value not loaded: %s", cfg.DBPath)
	}
	if cfg.OllamaURL != "http://override:11434" {
		t.Fatalf("env should override yaml: %s", cfg.OllamaURL)
	}
	if cfg.AlertLimit != 25 {
		t.Fatalf("yaml int not loaded: %d", cfg.AlertLimit)
	}
}
