// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/knadh/koanf"
	yamlparser "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/providers/structs"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"iiifserv/pkg/configutil"
)

var (
	errEmptyConfigPath = errors.New("config path is empty")
	envPathLookup      = buildEnvPathLookup()
	envShortcutLookup  = map[string]string{
		"HOST":             "server.host",
		"PORT":             "server.port",
		"IMGROOT":          "storage.imgroot",
		"PREFIX_AS_PATH":   "storage.prefix_as_path",
		"CACHEDIR":         "cache.dir",
		"MAX_CACHESIZE":    "cache.max_size",
		"MAX_NFILES":       "cache.max_files",
		"CACHE_HYSTERESIS": "cache.hysteresis",
		"MAX_IMAGE_WIDTH":  "iiif.max_image_width",
		"MAX_IMAGE_HEIGHT": "iiif.max_image_height",
		"MAX_IMAGE_AREA":   "iiif.max_image_area",
		"JPEG_QUALITY":     "iiif.jpeg_quality",
		"SCALING_QUALITY":  "iiif.scaling_quality",
		"GOMAXPROCS":       "runtime.gomaxprocs",
		"VIPS_CONCURRENCY": "runtime.vips_concurrency",
	}
)

// Config represents the full service configuration loaded from YAML.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Cache   CacheConfig   `yaml:"cache"`
	IIIF    IIIFConfig    `yaml:"iiif"`
	Runtime RuntimeConfig `yaml:"runtime"`
}

// ServerConfig describes HTTP server binding parameters.
type ServerConfig struct {
	Host         string   `yaml:"host"`
	Port         int      `yaml:"port"`
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
}

// Address returns the server listen address in host:port form.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StorageConfig locates the read-only image root.
type StorageConfig struct {
	ImgRoot      string `yaml:"imgroot"`
	PrefixAsPath bool   `yaml:"prefix_as_path"`
}

// CacheConfig controls the on-disk rendering cache. An empty dir disables
// caching entirely.
type CacheConfig struct {
	Dir        string   `yaml:"dir"`
	MaxSize    ByteSize `yaml:"max_size"`
	MaxFiles   int      `yaml:"max_files"`
	Hysteresis float64  `yaml:"hysteresis"`
}

// IIIFConfig combines rendering limits, encoding parameters and the names of
// the registered pre-flight callbacks.
type IIIFConfig struct {
	MaxImageWidth  int    `yaml:"max_image_width"`
	MaxImageHeight int    `yaml:"max_image_height"`
	MaxImageArea   int    `yaml:"max_image_area"`
	JPEGQuality    int    `yaml:"jpeg_quality"`
	ScalingQuality string `yaml:"scaling_quality"`
	Route          string `yaml:"route"`
	Preflight      string `yaml:"preflight"`
	FilePreflight  string `yaml:"file_preflight"`
}

// RuntimeConfig controls Go scheduler and libvips concurrency.
type RuntimeConfig struct {
	GOMAXPROCS      int `yaml:"gomaxprocs"`
	VIPSConcurrency int `yaml:"vips_concurrency"`
}

// Duration wraps time.Duration to support YAML strings like "30d".
type Duration struct {
	time.Duration
}

// ByteSize represents a capacity parsed from human readable strings (e.g. 300mb).
type ByteSize struct {
	Bytes int64
}

// defaultConfig returns sane defaults when no YAML is provided.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  Duration{30 * time.Second},
			WriteTimeout: Duration{120 * time.Second},
		},
		Storage: StorageConfig{
			ImgRoot:      "/data/images",
			PrefixAsPath: false,
		},
		Cache: CacheConfig{
			Dir:        "/data/cache",
			MaxSize:    ByteSize{0},
			MaxFiles:   0,
			Hysteresis: 0.1,
		},
		IIIF: IIIFConfig{
			MaxImageWidth:  0,
			MaxImageHeight: 0,
			MaxImageArea:   0,
			JPEGQuality:    80,
			ScalingQuality: "high",
		},
		Runtime: RuntimeConfig{},
	}
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a string, got kind %d", value.Kind)
	}
	return d.parseFromString(value.Value)
}

// UnmarshalText allows decoding durations from koanf/env providers.
func (d *Duration) UnmarshalText(text []byte) error {
	return d.parseFromString(string(text))
}

func (d *Duration) parseFromString(raw string) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || strings.EqualFold(trimmed, "null") {
		d.Duration = 0
		return nil
	}
	dur, err := configutil.ParseFlexibleDuration(trimmed)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler for byte sizes.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("byte size must be a scalar, got kind %d", value.Kind)
	}
	return b.parseFromString(value.Value)
}

// UnmarshalText allows decoding byte sizes from koanf/env providers.
func (b *ByteSize) UnmarshalText(text []byte) error {
	return b.parseFromString(string(text))
}

func (b *ByteSize) parseFromString(raw string) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || strings.EqualFold(trimmed, "null") {
		b.Bytes = 0
		return nil
	}
	size, err := configutil.ParseByteSize(trimmed)
	if err != nil {
		return err
	}
	b.Bytes = size
	return nil
}

// Load reads and validates configuration from the provided file path.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errEmptyConfigPath
	}
	return loadConfig(path, nil, false)
}

// LoadReader decodes configuration from an arbitrary reader.
func LoadReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return loadConfig("", data, false)
}

// LoadFromEnvOrFile loads configuration from YAML if path is provided;
// otherwise starts from defaultConfig(). Env vars (if present) override both.
func LoadFromEnvOrFile(path string) (*Config, error) {
	return loadConfig(path, nil, true)
}

func loadConfig(path string, raw []byte, allowMissing bool) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(*defaultConfig(), "yaml"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	sourcePath := strings.TrimSpace(path)
	switch {
	case len(raw) > 0:
		if err := k.Load(rawbytes.Provider(raw), yamlparser.Parser()); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	case sourcePath != "":
		if err := k.Load(file.Provider(sourcePath), yamlparser.Parser()); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	case !allowMissing:
		return nil, errEmptyConfigPath
	}
	if err := loadEnvVars(k); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "yaml",
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "yaml",
			WeaklyTypedInput: true,
			Result:           &cfg,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.TextUnmarshallerHookFunc(),
			),
		},
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, cfg.Validate()
}

func loadEnvVars(k *koanf.Koanf) error {
	for _, prefix := range []string{"IIIF_", ""} {
		if err := k.Load(env.Provider(prefix, ".", canonicalEnvKey), nil); err != nil {
			return fmt.Errorf("load env: %w", err)
		}
	}
	return nil
}

func canonicalEnvKey(key string) string {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, "IIIF_") {
		trimmed = strings.TrimPrefix(trimmed, "IIIF_")
	}
	if strings.Contains(trimmed, "__") {
		lower := strings.ToLower(trimmed)
		return strings.ReplaceAll(lower, "__", ".")
	}
	upper := strings.ToUpper(trimmed)
	if mapped, ok := envShortcutLookup[upper]; ok {
		return mapped
	}
	if mapped, ok := envPathLookup[upper]; ok {
		return mapped
	}
	return ""
}

func buildEnvPathLookup() map[string]string {
	result := make(map[string]string)
	var walk func(reflect.Type, []string)
	walk = func(t reflect.Type, path []string) {
		if t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if field.PkgPath != "" {
				continue
			}
			name := field.Tag.Get("yaml")
			if name == "" || name == "-" {
				name = strings.ToLower(field.Name)
			} else {
				name = strings.Split(name, ",")[0]
			}
			if name == "" || name == "-" {
				continue
			}
			current := append(append([]string{}, path...), name)
			typ := field.Type
			base := typ
			for base.Kind() == reflect.Pointer {
				base = base.Elem()
			}
			switch base.Kind() {
			case reflect.Struct:
				if base != reflect.TypeOf(Duration{}) && base != reflect.TypeOf(ByteSize{}) && base != reflect.TypeOf(time.Time{}) {
					walk(base, current)
					continue
				}
			case reflect.Slice, reflect.Map, reflect.Array:
				continue
			}
			key := strings.ToUpper(strings.Join(current, "_"))
			result[key] = strings.Join(current, ".")
		}
	}
	walk(reflect.TypeOf(Config{}), nil)
	return result
}

// Validate returns an error if required configuration values are missing or invalid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Host) == "" {
		return errors.New("server.host must be set")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if strings.TrimSpace(c.Storage.ImgRoot) == "" {
		return errors.New("storage.imgroot must be set")
	}
	if dir := strings.TrimSpace(c.Cache.Dir); dir != "" {
		if err := ensureDirExists(dir); err != nil {
			return fmt.Errorf("validate cache.dir: %w", err)
		}
	}
	if c.Cache.MaxSize.Bytes < 0 {
		return fmt.Errorf("cache.max_size must be >= 0, got %d", c.Cache.MaxSize.Bytes)
	}
	if c.Cache.MaxFiles < 0 {
		return fmt.Errorf("cache.max_files must be >= 0, got %d", c.Cache.MaxFiles)
	}
	if c.Cache.Hysteresis < 0 || c.Cache.Hysteresis >= 1 {
		return fmt.Errorf("cache.hysteresis must be within [0,1), got %g", c.Cache.Hysteresis)
	}
	if c.IIIF.MaxImageWidth < 0 || c.IIIF.MaxImageHeight < 0 || c.IIIF.MaxImageArea < 0 {
		return errors.New("iiif.max_image_* must be >= 0")
	}
	if c.IIIF.JPEGQuality <= 0 || c.IIIF.JPEGQuality > 100 {
		return fmt.Errorf("iiif.jpeg_quality must be within 1-100, got %d", c.IIIF.JPEGQuality)
	}
	switch c.IIIF.ScalingQuality {
	case "high", "medium", "low":
	default:
		return fmt.Errorf("iiif.scaling_quality must be high, medium or low, got %q", c.IIIF.ScalingQuality)
	}
	if c.Runtime.GOMAXPROCS < 0 {
		return fmt.Errorf("runtime.gomaxprocs must be >= 0, got %d", c.Runtime.GOMAXPROCS)
	}
	if c.Runtime.VIPSConcurrency < 0 {
		return fmt.Errorf("runtime.vips_concurrency must be >= 0, got %d", c.Runtime.VIPSConcurrency)
	}
	return nil
}

// CacheEnabled reports whether the on-disk cache is configured.
func (c *Config) CacheEnabled() bool {
	return strings.TrimSpace(c.Cache.Dir) != ""
}

// ScalingQualityValue maps the configured name onto the imaging enum scale
// used by the decoder capability (0 = high, 1 = medium, 2 = low).
func (c *Config) ScalingQualityValue() int {
	switch c.IIIF.ScalingQuality {
	case "low":
		return 2
	case "medium":
		return 1
	default:
		return 0
	}
}

// InfilePath composes the default original-file path for an identifier when
// no pre-flight callback supplies one.
func (c *Config) InfilePath(prefix, identifier string) string {
	if c.Storage.PrefixAsPath && prefix != "" {
		return c.Storage.ImgRoot + "/" + prefix + "/" + identifier
	}
	return c.Storage.ImgRoot + "/" + identifier
}

func ensureDirExists(path string) error {
	sanitized := strings.TrimSpace(path)
	if sanitized == "" {
		return errors.New("path cannot be empty")
	}
	info, err := os.Stat(sanitized)
	if err != nil {
		if os.IsNotExist(err) {
			// Create the directory tree if it doesn't exist
			if mkErr := os.MkdirAll(sanitized, 0o755); mkErr != nil {
				return fmt.Errorf("create dir %s: %w", sanitized, mkErr)
			}
			return nil
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("path %s is not a directory", sanitized)
	}
	return nil
}
