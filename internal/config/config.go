package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Storage drivers
const (
	DriverMemory  = "memory"
	DriverSQLite  = "sqlite"
	DriverLevelDB = "leveldb"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `koanf:"server" yaml:"server"`
	Origin  string        `koanf:"origin" yaml:"origin"`
	Cache   CacheConfig   `koanf:"cache" yaml:"cache"`
	Storage StorageConfig `koanf:"storage" yaml:"storage"`
	Limits  LimitsConfig  `koanf:"limits" yaml:"limits"`
	Network NetworkConfig `koanf:"network" yaml:"network"`
	Routes  RoutesConfig  `koanf:"routes" yaml:"routes"`
	Log     LogConfig     `koanf:"log" yaml:"log"`
}

// ServerConfig contains server-related configuration
type ServerConfig struct {
	Port  int         `koanf:"port" yaml:"port"`
	HTTPS HTTPSConfig `koanf:"https" yaml:"https"`
}

// HTTPSConfig controls TLS interception of CONNECT tunnels
type HTTPSConfig struct {
	Intercept  bool   `koanf:"intercept" yaml:"intercept"`
	CACertFile string `koanf:"ca_cert_file" yaml:"ca_cert_file"`
	CAKeyFile  string `koanf:"ca_key_file" yaml:"ca_key_file"`
	// Address of the transparent (SNI based) HTTPS listener. Empty disables it.
	TransparentAddr string `koanf:"transparent_addr" yaml:"transparent_addr"`
}

// CacheConfig describes the cache generations of the running version
type CacheConfig struct {
	Namespace   string   `koanf:"namespace" yaml:"namespace"`
	Version     string   `koanf:"version" yaml:"version"`
	Precache    []string `koanf:"precache" yaml:"precache"`
	OfflinePath string   `koanf:"offline_path" yaml:"offline_path"`
}

// StorageConfig selects the cache store backend
type StorageConfig struct {
	Driver string `koanf:"driver" yaml:"driver"`
	Path   string `koanf:"path" yaml:"path"`
}

// LimitsConfig holds maximum entry counts. 0 means unbounded.
type LimitsConfig struct {
	Images  int `koanf:"images" yaml:"images"`
	Dynamic int `koanf:"dynamic" yaml:"dynamic"`
}

// NetworkConfig contains origin fetch settings
type NetworkConfig struct {
	Timeout string `koanf:"timeout" yaml:"timeout"`
}

// RoutesConfig is the request classification table
type RoutesConfig struct {
	ExcludedPrefixes   []string `koanf:"excluded_prefixes" yaml:"excluded_prefixes"`
	ExcludedSegments   []string `koanf:"excluded_segments" yaml:"excluded_segments"`
	ExcludedExtensions []string `koanf:"excluded_extensions" yaml:"excluded_extensions"`
	StaticExtensions   []string `koanf:"static_extensions" yaml:"static_extensions"`
	ImageExtensions    []string `koanf:"image_extensions" yaml:"image_extensions"`
	StaticHosts        []string `koanf:"static_hosts" yaml:"static_hosts"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level string `koanf:"level" yaml:"level"`
}

// Default returns the configuration used for every key the file leaves out.
// The network timeout has no default and must be configured.
func Default() Config {
	return Config{
		Server: ServerConfig{Port: 8080},
		Cache: CacheConfig{
			Namespace:   "app",
			Version:     "v1",
			Precache:    []string{"/offline"},
			OfflinePath: "/offline",
		},
		Storage: StorageConfig{Driver: DriverMemory, Path: "./data/cache"},
		Limits:  LimitsConfig{Images: 100, Dynamic: 50},
		Routes: RoutesConfig{
			ExcludedPrefixes:   []string{"/admin", "/checkout"},
			ExcludedSegments:   []string{"/cart/"},
			ExcludedExtensions: []string{".json"},
			StaticExtensions:   []string{".css", ".js", ".woff", ".woff2", ".ttf", ".eot"},
			ImageExtensions:    []string{".jpg", ".jpeg", ".png", ".gif", ".svg", ".webp", ".avif", ".ico"},
			StaticHosts:        []string{"cdn.shopify.com"},
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load loads configuration from a YAML file on top of the defaults
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	return &config, nil
}

// GetNetworkTimeout parses and returns the network timeout duration
func (c *Config) GetNetworkTimeout() (time.Duration, error) {
	return time.ParseDuration(c.Network.Timeout)
}

// GetOrigin parses and returns the origin base URL
func (c *Config) GetOrigin() (*url.URL, error) {
	return url.Parse(c.Origin)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	origin, err := c.GetOrigin()
	if err != nil {
		return fmt.Errorf("invalid origin: %w", err)
	}
	if origin.Scheme != "http" && origin.Scheme != "https" || origin.Host == "" {
		return fmt.Errorf("origin must be an absolute http(s) URL, got: %q", c.Origin)
	}

	if c.Cache.Namespace == "" {
		return fmt.Errorf("cache namespace is required")
	}
	if c.Cache.Version == "" {
		return fmt.Errorf("cache version is required")
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite, DriverLevelDB:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage path is required for driver %s", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("storage driver must be one of %s, %s, %s, got: %s",
			DriverMemory, DriverSQLite, DriverLevelDB, c.Storage.Driver)
	}

	if c.Limits.Images < 0 || c.Limits.Dynamic < 0 {
		return fmt.Errorf("limits must not be negative")
	}

	if c.Network.Timeout == "" {
		return fmt.Errorf("network timeout is required")
	}
	timeout, err := c.GetNetworkTimeout()
	if err != nil {
		return fmt.Errorf("invalid network timeout format: %w", err)
	}
	if timeout <= 0 {
		return fmt.Errorf("network timeout must be positive, got: %s", timeout)
	}

	if c.Server.HTTPS.TransparentAddr != "" && !c.Server.HTTPS.Intercept {
		return fmt.Errorf("transparent HTTPS requires https interception")
	}
	if (c.Server.HTTPS.CACertFile == "") != (c.Server.HTTPS.CAKeyFile == "") {
		return fmt.Errorf("CA certificate and key must be set together")
	}

	return nil
}
