package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml", "addr: :9999\nmodels_dir: /tmp\nport: 8100\nmax_retries: 5\nretry_base_delay: 250ms\ngpu_layers: 0\nskip_port_sweep: true\nextra_args: [--mlock]\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9999" || cfg.ModelsDir != "/tmp" || cfg.Port != 8100 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if *cfg.MaxRetries != 5 || cfg.RetryBaseDelay.Duration != 250*time.Millisecond {
		t.Fatalf("retry fields: %d %s", *cfg.MaxRetries, cfg.RetryBaseDelay)
	}
	if cfg.GPULayers == nil || *cfg.GPULayers != 0 {
		t.Fatalf("explicit gpu_layers 0 lost")
	}
	if !cfg.SkipPortSweep || len(cfg.ExtraArgs) != 1 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	// untouched keys keep defaults
	if cfg.Host != "127.0.0.1" || cfg.KillGrace.Duration != 5*time.Second || !*cfg.AdoptExisting {
		t.Fatalf("defaults not kept: %+v", cfg)
	}
}

func TestLoadJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.json", `{"addr":":7070","models_dir":"/m","health_timeout":"90s","flash_attn":"on","seed":42}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":7070" || cfg.ModelsDir != "/m" || cfg.HealthTimeout.Duration != 90*time.Second || cfg.FlashAttn != "on" || *cfg.Seed != 42 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadTOML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.toml", "addr=\":8081\"\nmodels_dir=\"/x\"\nctx_size=4096\nkill_grace=\"2s\"\ncors_origins=[\"http://localhost:5173\"]\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8081" || cfg.ModelsDir != "/x" || cfg.CtxSize != 4096 || cfg.KillGrace.Duration != 2*time.Second {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "http://localhost:5173" {
		t.Fatalf("cors origins: %v", cfg.CORSOrigins)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error on empty path")
	}
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.txt", "not supported")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected unsupported extension error")
	}
	p = writeTempFile(t, d, "dur.yaml", "kill_grace: soon\n")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected invalid duration error")
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Defaults()
	env := map[string]string{
		EnvAddr:       ":1234",
		EnvLogLevel:   "debug",
		EnvModelsDir:  "/srv/models",
		EnvServerPath: "/opt/llama/llama-server",
	}
	cfg.ApplyEnv(func(k string) string { return env[k] })
	if cfg.Addr != ":1234" || cfg.LogLevel != "debug" || cfg.ModelsDir != "/srv/models" || cfg.BinaryPath != "/opt/llama/llama-server" {
		t.Fatalf("env not applied: %+v", cfg)
	}
	before := cfg
	cfg.ApplyEnv(func(string) string { return "" })
	if cfg.Addr != before.Addr || cfg.BinaryPath != before.BinaryPath {
		t.Fatalf("empty env must not override")
	}
}

func TestExpandPaths(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	cfg := Defaults()
	cfg.BinaryPath = "~/bin/llama-server"
	if err := cfg.ExpandPaths(); err != nil {
		t.Fatalf("expand: %v", err)
	}
	if cfg.ModelsDir != filepath.Join(home, "models/llm") || cfg.BinaryPath != filepath.Join(home, "bin/llama-server") {
		t.Fatalf("unexpected paths: %q %q", cfg.ModelsDir, cfg.BinaryPath)
	}
}
