package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "stream.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoad_RepoConfig(t *testing.T) {
	cfg, err := Load("../../configs/stream.yaml")
	if err != nil {
		t.Fatalf("load stream.yaml: %v", err)
	}
	if cfg.ChunkSize != 200 || cfg.ViewDiameter != 21 || cfg.MeshResolution != 256 {
		t.Fatalf("unexpected grid config: %+v", cfg)
	}
	if cfg.Workers <= 0 {
		t.Fatalf("workers should be normalized to NumCPU, got %d", cfg.Workers)
	}
	if cfg.PoolSize() != 441 {
		t.Fatalf("pool size=%d want 441", cfg.PoolSize())
	}
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.TileURLTemplate != DefaultTileURLTemplate {
		t.Fatalf("template=%q", cfg.TileURLTemplate)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	p := writeConfig(t, "view_diameter: 3\nmesh_resolution: 8\napply_per_tick: 0\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ViewDiameter != 3 || cfg.MeshResolution != 8 || cfg.ApplyPerTick != 0 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.ChunkSize != 200 {
		t.Fatalf("unset keys should keep defaults, chunk_size=%v", cfg.ChunkSize)
	}
}

func TestLoad_SchemaRejectsUnknownKey(t *testing.T) {
	p := writeConfig(t, "view_diamter: 3\n")
	if _, err := Load(p); err == nil || !strings.Contains(err.Error(), "schema") {
		t.Fatalf("expected schema error, got %v", err)
	}
}

func TestLoad_SchemaRejectsWrongType(t *testing.T) {
	p := writeConfig(t, "view_diameter: \"wide\"\n")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected error for string view_diameter")
	}
}

func TestValidate_Errors(t *testing.T) {
	cases := map[string]func(*Config){
		"chunk_size":        func(c *Config) { c.ChunkSize = 0 },
		"view_diameter":     func(c *Config) { c.ViewDiameter = 0 },
		"park_depth":        func(c *Config) { c.ParkDepth = 5 },
		"smoothing_window":  func(c *Config) { c.SmoothingWindow = 4 },
		"tile_url_template": func(c *Config) { c.TileURLTemplate = "https://example.invalid/tile.png" },
		"bucket.source":     func(c *Config) { c.Bucket.Source = true },
	}
	for want, mutate := range cases {
		cfg := Defaults()
		mutate(&cfg)
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Fatalf("%s: expected error mentioning %q, got %v", want, want, err)
		}
	}
}

func TestAPIKey_FallsBackToLegacyEnv(t *testing.T) {
	cfg := Defaults()
	t.Setenv(cfg.APIKeyEnv, "")
	t.Setenv(LegacyAPIKeyEnv, "legacy-key")
	if got := cfg.APIKey(); got != "legacy-key" {
		t.Fatalf("api key=%q want legacy-key", got)
	}
	t.Setenv(cfg.APIKeyEnv, "primary")
	if got := cfg.APIKey(); got != "primary" {
		t.Fatalf("api key=%q want primary", got)
	}
}

func TestDigest_ChangesWithConfig(t *testing.T) {
	a := Defaults()
	b := Defaults()
	if a.Digest() != b.Digest() {
		t.Fatalf("identical configs should share a digest")
	}
	b.ViewDiameter = 5
	if a.Digest() == b.Digest() {
		t.Fatalf("digest should change with view_diameter")
	}
}
