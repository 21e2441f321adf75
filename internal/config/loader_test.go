package config

import (
	"os"
	"path/filepath"
	"testing"
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
	p := writeTempFile(t, d, "cfg.yaml", `
server:
  addr: ":9999"
pool:
  max_connections: 4
  min_connections: 1
memory:
  total_memory: 24576
  safety_buffer_ratio: 0.05
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9999" || cfg.Pool.MaxConnections != 4 || cfg.Pool.MinConnections != 1 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.Memory.TotalMemory != 24576 || cfg.Memory.SafetyBufferRatio != 0.05 {
		t.Fatalf("unexpected memory cfg: %+v", cfg.Memory)
	}
	// Keys absent from the file keep their defaults.
	if cfg.Scheduler.MaxRetries != 3 || cfg.Cache.MaxCachedArtifacts != 3 {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestLoadJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.json", `{"scheduler":{"max_retries":5,"base_delay_ms":250},"store":{"driver":"memory"}}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scheduler.MaxRetries != 5 || cfg.Scheduler.BaseDelayMs != 250 || cfg.Store.Driver != "memory" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadTOML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.toml", "[cache]\nmax_cached_artifacts = 2\nartifacts_dir = \"/srv/artifacts\"\n\n[backend]\nurl = \"http://gpu-1:9000\"\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Cache.MaxCachedArtifacts != 2 || cfg.Cache.ArtifactsDir != "/srv/artifacts" || cfg.Backend.URL != "http://gpu-1:9000" {
		t.Fatalf("unexpected cfg: %+v", cfg)
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
}

func TestMarshalRoundTrip(t *testing.T) {
	d := t.TempDir()
	for _, format := range []string{"yaml", "json", "toml"} {
		b, err := Marshal(Default(), format)
		if err != nil {
			t.Fatalf("marshal %s: %v", format, err)
		}
		p := writeTempFile(t, d, "cfg."+format, string(b))
		cfg, err := Load(p)
		if err != nil {
			t.Fatalf("reload %s: %v", format, err)
		}
		if cfg.Pool != Default().Pool || cfg.Memory != Default().Memory {
			t.Fatalf("%s round trip changed values: %+v", format, cfg)
		}
	}
	if _, err := Marshal(Default(), "ini"); err == nil {
		t.Fatalf("expected unsupported format error")
	}
}
