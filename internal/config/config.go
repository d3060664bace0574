package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Paths served by the dispatcher itself. Routes may not claim them.
var reservedPaths = map[string]bool{
	"/":             true,
	"/healthz":      true,
	"/openapi.json": true,
}

// Config holds all configuration for the imgdispatch process.
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	TLS        TLSConfig         `yaml:"tls"`
	Log        LogConfig         `yaml:"log"`
	ProcessLog ProcessLogConfig  `yaml:"process_log"`
	RateLimit  RateLimitConfig   `yaml:"rate_limit"`
	Metrics    MetricsConfig     `yaml:"metrics"`
	Invoker    InvokerConfig     `yaml:"invoker"`
	Vars       map[string]string `yaml:"vars"`
	Routes     []RouteConfig     `yaml:"routes"`
}

type ServerConfig struct {
	ListenAddr   string        `yaml:"listen_addr"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
}

type TLSConfig struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ProcessLogConfig controls where captured executable output is written.
// An empty File sends it to the main logger.
type ProcessLogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type RateLimitConfig struct {
	Enabled             bool          `yaml:"enabled"`
	RequestsPerInterval int           `yaml:"requests_per_interval"`
	Interval            time.Duration `yaml:"interval"`
	CleanupInterval     time.Duration `yaml:"cleanup_interval"`
	StaleAfter          time.Duration `yaml:"stale_after"`
	TrustedProxies      []string      `yaml:"trusted_proxies"`
}

type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

type InvokerConfig struct {
	// MaxConcurrent caps simultaneous children of one executable.
	MaxConcurrent int           `yaml:"max_concurrent"`
	QueueTimeout  time.Duration `yaml:"queue_timeout"`
	// DefaultTimeout applies to routes without their own timeout. Zero
	// means an invocation may run until the child closes its output.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	WaitDelay      time.Duration `yaml:"wait_delay"`
}

// RouteConfig binds one HTTP path to one executable. Executable, argument
// values, Summary and ResultPath may reference Vars as ${name}.
//
// A zero Timeout inherits invoker.default_timeout. NoTimeout runs the route
// without a deadline whatever the default is.
type RouteConfig struct {
	Name        string        `yaml:"name"`
	Path        string        `yaml:"path"`
	Description string        `yaml:"description"`
	Executable  string        `yaml:"executable"`
	Args        []ArgConfig   `yaml:"args"`
	Heading     string        `yaml:"heading"`
	Summary     string        `yaml:"summary"`
	ResultPath  string        `yaml:"result_path"`
	Timeout     time.Duration `yaml:"timeout"`
	NoTimeout   bool          `yaml:"no_timeout"`
}

type ArgConfig struct {
	Flag  string `yaml:"flag"`
	Value string `yaml:"value"`
}

// Load reads a configuration from a YAML file on top of Defaults and applies
// environment variable overrides. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("IMGDISPATCH_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("IMGDISPATCH_TLS_CERT"); v != "" {
		cfg.TLS.Cert = v
	}
	if v := os.Getenv("IMGDISPATCH_TLS_KEY"); v != "" {
		cfg.TLS.Key = v
	}
	if v := os.Getenv("IMGDISPATCH_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("IMGDISPATCH_PROCESS_LOG"); v != "" {
		cfg.ProcessLog.File = v
	}
}

// Validate checks the route table and the limits the rest of the process
// relies on.
func (c *Config) Validate() error {
	if c.Invoker.MaxConcurrent <= 0 {
		return fmt.Errorf("invoker: max_concurrent must be positive")
	}
	if (c.TLS.Cert == "") != (c.TLS.Key == "") {
		return fmt.Errorf("tls: cert and key must be set together")
	}
	if len(c.Routes) == 0 {
		return fmt.Errorf("routes: at least one route is required")
	}

	seenPath := make(map[string]string, len(c.Routes))
	seenName := make(map[string]bool, len(c.Routes))
	for i, r := range c.Routes {
		if r.Name == "" {
			return fmt.Errorf("routes[%d]: name is required", i)
		}
		if seenName[r.Name] {
			return fmt.Errorf("routes[%d]: duplicate name %q", i, r.Name)
		}
		seenName[r.Name] = true

		if !strings.HasPrefix(r.Path, "/") {
			return fmt.Errorf("route %q: path %q must start with /", r.Name, r.Path)
		}
		if strings.ContainsAny(r.Path, "{}*") {
			return fmt.Errorf("route %q: path %q must be literal, without { } or *", r.Name, r.Path)
		}
		if reservedPaths[r.Path] {
			return fmt.Errorf("route %q: path %q is reserved", r.Name, r.Path)
		}
		if other, ok := seenPath[r.Path]; ok {
			return fmt.Errorf("route %q: path %q already used by route %q", r.Name, r.Path, other)
		}
		seenPath[r.Path] = r.Name

		exe := c.Expand(r.Executable)
		if exe == "" {
			return fmt.Errorf("route %q: executable is required", r.Name)
		}
		if !filepath.IsAbs(exe) {
			return fmt.Errorf("route %q: executable %q must be an absolute path", r.Name, exe)
		}
		for j, a := range r.Args {
			if a.Flag == "" {
				return fmt.Errorf("route %q: args[%d]: flag is required", r.Name, j)
			}
		}
		if r.Timeout < 0 {
			return fmt.Errorf("route %q: timeout must not be negative", r.Name)
		}
		if r.NoTimeout && r.Timeout > 0 {
			return fmt.Errorf("route %q: timeout and no_timeout are mutually exclusive", r.Name)
		}
	}
	return nil
}

// Expand replaces ${name} references with entries from Vars. Unknown names
// expand to the empty string.
func (c *Config) Expand(s string) string {
	return os.Expand(s, func(name string) string {
		return c.Vars[name]
	})
}

// Defaults returns a Config with default values. The route table covers the
// four image-processing executables installed under bin_dir.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:   ":8080",
			WriteTimeout: 10 * time.Minute,
			ReadTimeout:  5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		ProcessLog: ProcessLogConfig{
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		RateLimit: RateLimitConfig{
			Enabled:             false,
			RequestsPerInterval: 10,
			Interval:            time.Minute,
			CleanupInterval:     time.Minute,
			StaleAfter:          5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: ":9091",
		},
		Invoker: InvokerConfig{
			MaxConcurrent:  4,
			QueueTimeout:   60 * time.Second,
			DefaultTimeout: 0,
			WaitDelay:      2 * time.Second,
		},
		Vars: map[string]string{
			"bin_dir":         "/opt/imgdispatch/bin",
			"image_dir":       "/var/lib/imgdispatch/images/",
			"keypoint_dir":    "/var/lib/imgdispatch/keypoints/",
			"param_file":      "/etc/imgdispatch/param",
			"seed_image":      "/var/lib/imgdispatch/seed.jpg",
			"scan_output":     "/var/lib/imgdispatch/scan.jpg",
			"match_output":    "/var/lib/imgdispatch/output.jpg",
			"keypoint_output": "/var/lib/imgdispatch/keypoints.jpg",
		},
		Routes: DefaultRoutes(),
	}
}

// DefaultRoutes returns the built-in route table.
func DefaultRoutes() []RouteConfig {
	return []RouteConfig{
		{
			Name:        "process",
			Path:        "/process",
			Description: "process images",
			Executable:  "${bin_dir}/processImages.exe",
			Args: []ArgConfig{
				{Flag: "-i", Value: "${image_dir}"},
				{Flag: "-o", Value: "${keypoint_dir}"},
				{Flag: "-p", Value: "${param_file}"},
			},
			Heading:    "PROCESSING IMAGES",
			Summary:    "Process images into ${keypoint_dir}",
			ResultPath: "${keypoint_dir}",
		},
		{
			Name:        "scan",
			Path:        "/scan",
			Description: "scan the database",
			Executable:  "${bin_dir}/scan.exe",
			Args: []ArgConfig{
				{Flag: "-i", Value: "${seed_image}"},
				{Flag: "-d", Value: "${image_dir}"},
				{Flag: "-k", Value: "${keypoint_dir}"},
				{Flag: "-o", Value: "${scan_output}"},
				{Flag: "-p", Value: "${param_file}"},
			},
			Heading:    "SCANING DATABASE",
			Summary:    "Done with scan, matches saved in scan.txt",
			ResultPath: "//path//to//scan.jpg//",
		},
		{
			Name:        "draw",
			Path:        "/draw",
			Description: "print the matches",
			Executable:  "${bin_dir}/draw.exe",
			Args: []ArgConfig{
				{Flag: "-i1", Value: "${seed_image}"},
				{Flag: "-i2", Value: "${seed_image}"},
				{Flag: "-o", Value: "${match_output}"},
				{Flag: "-p", Value: "${param_file}"},
			},
			Heading:    "DRAWING MATCHES",
			Summary:    "Done drawing Matches into output.jpg",
			ResultPath: "//path//to//output.jpg//",
		},
		{
			Name:        "show",
			Path:        "/show",
			Description: "draw the keypoints",
			Executable:  "${bin_dir}/show.exe",
			Args: []ArgConfig{
				{Flag: "-i", Value: "${seed_image}"},
				{Flag: "-o", Value: "${keypoint_output}"},
				{Flag: "-p", Value: "${param_file}"},
			},
			Heading:    "SHOWING KEYPOINTS",
			Summary:    "Done drawing Keypoints into keypoints.jpg",
			ResultPath: "//path//to//keypoints.jpg//",
		},
	}
}
