package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// LegacyAPIKeyEnv is consulted when the configured credential variable is unset.
const LegacyAPIKeyEnv = "Nextzen_API"

const DefaultTileURLTemplate = "https://tile.nextzen.org/tilezen/terrain/v1/{tilesize}/terrarium/{z}/{x}/{y}.png?api_key={key}"

type Config struct {
	// Grid.
	ChunkSize    float32 `yaml:"chunk_size" json:"chunk_size"`
	ViewDiameter int     `yaml:"view_diameter" json:"view_diameter"`
	ParkDepth    float32 `yaml:"park_depth" json:"park_depth"`

	// Mesh.
	MeshResolution       int     `yaml:"mesh_resolution" json:"mesh_resolution"`
	HeightScale          float32 `yaml:"height_scale" json:"height_scale"`
	SmoothingWindow      int     `yaml:"smoothing_window" json:"smoothing_window"`
	TerrariumOffset      float32 `yaml:"terrarium_offset" json:"terrarium_offset"`
	TerrariumUnit        float32 `yaml:"terrarium_unit" json:"terrarium_unit"`
	PlaceholderHeightmap string  `yaml:"placeholder_heightmap" json:"placeholder_heightmap,omitempty"`

	// Loop.
	TickRateHz      int `yaml:"tick_rate_hz" json:"tick_rate_hz"`
	ApplyPerTick    int `yaml:"apply_per_tick" json:"apply_per_tick"`
	RetryAfterTicks int `yaml:"retry_after_ticks" json:"retry_after_ticks"`

	// Pipeline.
	Workers       int    `yaml:"workers" json:"workers"`
	JobQueue      int    `yaml:"job_queue" json:"job_queue"`
	CacheDir      string `yaml:"cache_dir" json:"cache_dir"`
	MemoryCacheMB int    `yaml:"memory_cache_mb" json:"memory_cache_mb"`

	// Remote tiles.
	Zoom            int     `yaml:"zoom" json:"zoom"`
	TileSize        int     `yaml:"tile_size" json:"tile_size"`
	TileURLTemplate string  `yaml:"tile_url_template" json:"tile_url_template"`
	APIKeyEnv       string  `yaml:"api_key_env" json:"api_key_env"`
	FetchTimeoutMs  int     `yaml:"fetch_timeout_ms" json:"fetch_timeout_ms"`
	FetchRatePerSec float64 `yaml:"fetch_rate_per_sec" json:"fetch_rate_per_sec"`
	FetchBurst      int     `yaml:"fetch_burst" json:"fetch_burst"`
	FetchRetries    int     `yaml:"fetch_retries" json:"fetch_retries"`

	Bucket Bucket `yaml:"bucket" json:"bucket"`
}

// Bucket configures an optional S3-compatible tile mirror and source.
type Bucket struct {
	Endpoint     string `yaml:"endpoint" json:"endpoint,omitempty"`
	Region       string `yaml:"region" json:"region,omitempty"`
	Name         string `yaml:"name" json:"name,omitempty"`
	Prefix       string `yaml:"prefix" json:"prefix,omitempty"`
	AccessKeyEnv string `yaml:"access_key_env" json:"access_key_env,omitempty"`
	SecretKeyEnv string `yaml:"secret_key_env" json:"secret_key_env,omitempty"`
	Mirror       bool   `yaml:"mirror" json:"mirror"`
	Source       bool   `yaml:"source" json:"source"`
}

func (b Bucket) Enabled() bool {
	return strings.TrimSpace(b.Endpoint) != "" && strings.TrimSpace(b.Name) != ""
}

func Defaults() Config {
	return Config{
		ChunkSize:    200,
		ViewDiameter: 21,
		ParkDepth:    -10000,

		MeshResolution:  256,
		HeightScale:     5,
		SmoothingWindow: 3,
		TerrariumOffset: 32768,
		TerrariumUnit:   256,

		TickRateHz:      60,
		ApplyPerTick:    8,
		RetryAfterTicks: 120,

		Workers:       runtime.NumCPU(),
		JobQueue:      1024,
		CacheDir:      "./temp",
		MemoryCacheMB: 256,

		Zoom:            13,
		TileSize:        256,
		TileURLTemplate: DefaultTileURLTemplate,
		APIKeyEnv:       "TERRAIN_TILE_API_KEY",
		FetchTimeoutMs:  10_000,
		FetchRatePerSec: 8,
		FetchBurst:      4,
		FetchRetries:    2,

		Bucket: Bucket{
			Region:       "auto",
			Prefix:       "tiles",
			AccessKeyEnv: "TERRAIN_BUCKET_ACCESS_KEY",
			SecretKeyEnv: "TERRAIN_BUCKET_SECRET_KEY",
		},
	}
}

// Load reads a YAML file on top of Defaults. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := validateSchema(b); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.CacheDir = strings.TrimSpace(c.CacheDir)
	if c.CacheDir == "" {
		c.CacheDir = "./temp"
	}
	c.TileURLTemplate = strings.TrimSpace(c.TileURLTemplate)
	if c.TileURLTemplate == "" {
		c.TileURLTemplate = DefaultTileURLTemplate
	}
	if strings.TrimSpace(c.APIKeyEnv) == "" {
		c.APIKeyEnv = LegacyAPIKeyEnv
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.JobQueue <= 0 {
		c.JobQueue = c.ViewDiameter * c.ViewDiameter
	}
	if c.SmoothingWindow <= 0 {
		c.SmoothingWindow = 1
	}
	if c.TerrariumUnit == 0 {
		c.TerrariumUnit = 1
	}
	if c.ApplyPerTick < 0 {
		c.ApplyPerTick = 0
	}
	c.Bucket.Prefix = strings.Trim(strings.TrimSpace(c.Bucket.Prefix), "/")
}

func (c Config) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be > 0")
	}
	if c.ViewDiameter <= 0 {
		return fmt.Errorf("view_diameter must be > 0")
	}
	if c.ParkDepth >= 0 {
		return fmt.Errorf("park_depth must be < 0")
	}
	if c.MeshResolution < 2 {
		return fmt.Errorf("mesh_resolution must be >= 2")
	}
	if c.SmoothingWindow%2 == 0 {
		return fmt.Errorf("smoothing_window must be odd")
	}
	if c.TickRateHz <= 0 {
		return fmt.Errorf("tick_rate_hz must be > 0")
	}
	if c.RetryAfterTicks < 0 {
		return fmt.Errorf("retry_after_ticks must be >= 0")
	}
	if c.Zoom < 0 || c.Zoom > 24 {
		return fmt.Errorf("zoom must be in [0,24]")
	}
	if c.TileSize <= 0 {
		return fmt.Errorf("tile_size must be > 0")
	}
	if !strings.Contains(c.TileURLTemplate, "{x}") || !strings.Contains(c.TileURLTemplate, "{y}") {
		return fmt.Errorf("tile_url_template must contain {x} and {y}")
	}
	if c.FetchRatePerSec < 0 {
		return fmt.Errorf("fetch_rate_per_sec must be >= 0")
	}
	if c.FetchRetries < 0 {
		return fmt.Errorf("fetch_retries must be >= 0")
	}
	if c.MemoryCacheMB < 0 {
		return fmt.Errorf("memory_cache_mb must be >= 0")
	}
	if c.Bucket.Source && !c.Bucket.Enabled() {
		return fmt.Errorf("bucket.source requires bucket.endpoint and bucket.name")
	}
	if c.Bucket.Mirror && !c.Bucket.Enabled() {
		return fmt.Errorf("bucket.mirror requires bucket.endpoint and bucket.name")
	}
	return nil
}

// PoolSize is the number of render slots needed to cover the view window.
func (c Config) PoolSize() int {
	return c.ViewDiameter * c.ViewDiameter
}

// APIKey returns the tile service credential from the environment, or "".
func (c Config) APIKey() string {
	if v := strings.TrimSpace(os.Getenv(c.APIKeyEnv)); v != "" {
		return v
	}
	return strings.TrimSpace(os.Getenv(LegacyAPIKeyEnv))
}

// Digest identifies the effective configuration in the fetch index and snapshots.
func (c Config) Digest() string {
	b, _ := json.Marshal(c)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
