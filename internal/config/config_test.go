package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"iiifserv/pkg/configutil"
)

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"0", 0},
		{"42", 42},
		{"400kb", 400 << 10},
		{"2mb", 2 << 20},
		{"3GB", 3 << 30},
		{"5MiB", 5 << 20},
	}
	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			size, err := configutil.ParseByteSize(tc.input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if size != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, size)
			}
		})
	}
}

func TestParseByteSizeInvalid(t *testing.T) {
	if _, err := configutil.ParseByteSize("12foobar"); err == nil {
		t.Fatalf("expected error for invalid unit")
	}
}

func TestParseFlexibleDuration(t *testing.T) {
	tests := []struct {
		input    string
		expected time.Duration
	}{
		{"0", 0},
		{"30d", 30 * 24 * time.Hour},
		{"1d12h", (24 + 12) * time.Hour},
		{"2h30m", 2*time.Hour + 30*time.Minute},
		{"45m10s", 45*time.Minute + 10*time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			dur, err := configutil.ParseFlexibleDuration(tt.input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if dur != tt.expected {
				t.Fatalf("expected %s, got %s", tt.expected, dur)
			}
		})
	}
}

func TestLoadFromEnvOrFileLegacyEnv(t *testing.T) {
	imgRoot := t.TempDir()
	cacheDir := filepath.Join(t.TempDir(), "cache")

	t.Setenv("HOST", "127.0.0.1")
	t.Setenv("PORT", "9091")
	t.Setenv("IMGROOT", imgRoot)
	t.Setenv("CACHEDIR", cacheDir)
	t.Setenv("MAX_CACHESIZE", "200mb")
	t.Setenv("MAX_NFILES", "5000")
	t.Setenv("CACHE_HYSTERESIS", "0.25")
	t.Setenv("MAX_IMAGE_WIDTH", "8000")
	t.Setenv("MAX_IMAGE_HEIGHT", "6000")
	t.Setenv("JPEG_QUALITY", "90")
	t.Setenv("SCALING_QUALITY", "medium")
	t.Setenv("GOMAXPROCS", "6")
	t.Setenv("VIPS_CONCURRENCY", "5")

	cfg, err := LoadFromEnvOrFile("")
	if err != nil {
		t.Fatalf("LoadFromEnvOrFile: %v", err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9091 {
		t.Fatalf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Storage.ImgRoot != imgRoot {
		t.Fatalf("unexpected imgroot: %s", cfg.Storage.ImgRoot)
	}
	if cfg.Cache.Dir != cacheDir {
		t.Fatalf("unexpected cache dir: %s", cfg.Cache.Dir)
	}
	if cfg.Cache.MaxSize.Bytes != 200<<20 {
		t.Fatalf("unexpected max cache size: %d", cfg.Cache.MaxSize.Bytes)
	}
	if cfg.Cache.MaxFiles != 5000 {
		t.Fatalf("unexpected max files: %d", cfg.Cache.MaxFiles)
	}
	if cfg.Cache.Hysteresis != 0.25 {
		t.Fatalf("unexpected hysteresis: %g", cfg.Cache.Hysteresis)
	}
	if cfg.IIIF.MaxImageWidth != 8000 || cfg.IIIF.MaxImageHeight != 6000 {
		t.Fatalf("unexpected iiif limits: %+v", cfg.IIIF)
	}
	if cfg.IIIF.JPEGQuality != 90 || cfg.IIIF.ScalingQuality != "medium" {
		t.Fatalf("unexpected iiif encoding settings: %+v", cfg.IIIF)
	}
	if cfg.Runtime.GOMAXPROCS != 6 || cfg.Runtime.VIPSConcurrency != 5 {
		t.Fatalf("unexpected runtime config: %+v", cfg.Runtime)
	}
}

func TestLoadFromEnvOrFileWithPrefixedKeys(t *testing.T) {
	imgRoot := t.TempDir()
	cacheDir := filepath.Join(t.TempDir(), "prefixed-cache")

	t.Setenv("IIIF_SERVER__HOST", "0.0.0.0")
	t.Setenv("IIIF_SERVER__PORT", "8085")
	t.Setenv("IIIF_STORAGE__IMGROOT", imgRoot)
	t.Setenv("IIIF_STORAGE__PREFIX_AS_PATH", "true")
	t.Setenv("IIIF_CACHE__DIR", cacheDir)
	t.Setenv("IIIF_CACHE__MAX_FILES", "100")
	t.Setenv("IIIF_IIIF__JPEG_QUALITY", "70")
	t.Setenv("IIIF_RUNTIME__GOMAXPROCS", "3")

	cfg, err := LoadFromEnvOrFile("")
	if err != nil {
		t.Fatalf("LoadFromEnvOrFile: %v", err)
	}
	if cfg.Server.Port != 8085 {
		t.Fatalf("unexpected port: %d", cfg.Server.Port)
	}
	if cfg.Storage.ImgRoot != imgRoot || !cfg.Storage.PrefixAsPath {
		t.Fatalf("unexpected storage config: %+v", cfg.Storage)
	}
	if cfg.Cache.Dir != cacheDir || cfg.Cache.MaxFiles != 100 {
		t.Fatalf("unexpected cache config: %+v", cfg.Cache)
	}
	if cfg.IIIF.JPEGQuality != 70 {
		t.Fatalf("unexpected jpeg quality: %d", cfg.IIIF.JPEGQuality)
	}
	if cfg.Runtime.GOMAXPROCS != 3 {
		t.Fatalf("unexpected runtime config: %+v", cfg.Runtime)
	}
}

func TestLoadReaderYAML(t *testing.T) {
	imgRoot := t.TempDir()
	cacheDir := t.TempDir()

	yamlConfig := fmt.Sprintf(`
server:
  host: 127.0.0.1
  port: 9090
  read_timeout: "1m"
  write_timeout: "2m30s"
storage:
  imgroot: %q
  prefix_as_path: true
cache:
  dir: %q
  max_size: "1gb"
  max_files: 250
  hysteresis: 0.5
iiif:
  max_image_width: 10000
  max_image_height: 10000
  jpeg_quality: 85
  scaling_quality: high
  preflight: iiif_preflight
  file_preflight: file_preflight
`, filepath.ToSlash(imgRoot), filepath.ToSlash(cacheDir))

	cfg, err := LoadReader(strings.NewReader(yamlConfig))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.ReadTimeout.Duration != time.Minute {
		t.Fatalf("read timeout = %s", cfg.Server.ReadTimeout)
	}
	if cfg.Server.WriteTimeout.Duration != 2*time.Minute+30*time.Second {
		t.Fatalf("write timeout = %s", cfg.Server.WriteTimeout)
	}
	if !cfg.Storage.PrefixAsPath {
		t.Fatal("prefix_as_path should be set")
	}
	if cfg.Cache.MaxSize.Bytes != 1<<30 || cfg.Cache.MaxFiles != 250 || cfg.Cache.Hysteresis != 0.5 {
		t.Fatalf("unexpected cache config: %+v", cfg.Cache)
	}
	if cfg.IIIF.Preflight != "iiif_preflight" || cfg.IIIF.FilePreflight != "file_preflight" {
		t.Fatalf("unexpected preflight names: %+v", cfg.IIIF)
	}
	if !cfg.CacheEnabled() {
		t.Fatal("cache should be enabled")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	imgRoot := t.TempDir()

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = -1 }},
		{"empty imgroot", func(c *Config) { c.Storage.ImgRoot = "" }},
		{"bad hysteresis", func(c *Config) { c.Cache.Hysteresis = 1.5 }},
		{"bad jpeg quality", func(c *Config) { c.IIIF.JPEGQuality = 0 }},
		{"bad scaling quality", func(c *Config) { c.IIIF.ScalingQuality = "ultra" }},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.Storage.ImgRoot = imgRoot
			cfg.Cache.Dir = ""
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestInfilePath(t *testing.T) {
	cfg := defaultConfig()
	cfg.Storage.ImgRoot = "/data/images"

	cfg.Storage.PrefixAsPath = true
	if got := cfg.InfilePath("books", "page1.tif"); got != "/data/images/books/page1.tif" {
		t.Fatalf("got %q", got)
	}
	cfg.Storage.PrefixAsPath = false
	if got := cfg.InfilePath("books", "page1.tif"); got != "/data/images/page1.tif" {
		t.Fatalf("got %q", got)
	}
}
