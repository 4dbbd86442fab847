package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/offline-resilience/internal/validation"
)

// Cache backends.
const (
	BackendMemory    = "memory"
	BackendBadger    = "badger"
	BackendMemcached = "memcached"
)

// Store backends.
const (
	StoreBackendPebble = "pebble"
	StoreBackendMemory = "memory"
)

// Config holds gateway configuration loaded from YAML and env.
type Config struct {
	TestingMode bool

	ServerPort string

	// Version tags the cache namespaces and the pages served under them.
	Version   string
	OriginURL string

	FetchTimeout   time.Duration
	RequestTimeout time.Duration

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RateLimitRPS   int
	RateLimitBurst int

	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerTimeout          time.Duration

	CacheBackend          string
	CacheDir              string
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int
	MemcachedTTL          time.Duration
	StaticTTL             time.Duration
	WarmConcurrency       int
	Precache              []string
	RevalidateDedupe      bool

	// Routes overrides the built-in URL classification tables when non-nil.
	Routes *Routes

	LifecycleMaxWait      time.Duration
	LifecyclePollInterval time.Duration

	StoreBackend string
	DataDir      string
	PrefsPath    string
	StaleAfter   time.Duration

	ProbeURL          string
	ProbeInterval     time.Duration
	ProbeTimeout      time.Duration
	ProbeRetryInitial time.Duration
	ProbeRetryMax     time.Duration

	SyncWeatherURL string
	SyncAlertsURL  string
	SyncPointsURL  string
	SyncInterval   time.Duration
	SyncTimeout    time.Duration

	ShutdownTimeout time.Duration

	DegradedWindow   time.Duration
	DegradedErrorPct int
}

// Routes are the URL classification tables.
type Routes struct {
	StaticSuffixes       []string `yaml:"static_suffixes"`
	StaticPrefixes       []string `yaml:"static_prefixes"`
	StaleWhileRevalidate []string `yaml:"stale_while_revalidate"`
	NetworkFirst         []string `yaml:"network_first"`
	PassthroughHosts     []string `yaml:"passthrough_hosts"`
}

type fileConfig struct {
	TestingMode *bool `yaml:"testing_mode"`

	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Origin struct {
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"origin"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Cache struct {
		Version         string   `yaml:"version"`
		Backend         string   `yaml:"backend"`
		Dir             string   `yaml:"dir"`
		StaticTTL       string   `yaml:"static_ttl"`
		WarmConcurrency int      `yaml:"warm_concurrency"`
		Precache        []string `yaml:"precache"`
		Memcached       struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
			TTL          string `yaml:"ttl"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	Revalidate struct {
		Dedupe bool `yaml:"dedupe"`
	} `yaml:"revalidate"`

	Routes *Routes `yaml:"routes"`

	Reliability struct {
		RetryMaxAttempts int    `yaml:"retry_max_attempts"`
		RetryBaseDelay   string `yaml:"retry_base_delay"`
		RetryMaxDelay    string `yaml:"retry_max_delay"`
		RateLimitRPS     int    `yaml:"rate_limit_rps"`
		RateLimitBurst   int    `yaml:"rate_limit_burst"`
		Breaker          struct {
			FailureThreshold int    `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"breaker"`
	} `yaml:"reliability"`

	Lifecycle struct {
		MaxWait          string `yaml:"max_wait"`
		PollInterval     string `yaml:"poll_interval"`
		DegradedWindow   string `yaml:"degraded_window"`
		DegradedErrorPct int    `yaml:"degraded_error_pct"`
	} `yaml:"lifecycle"`

	Store struct {
		Backend    string `yaml:"backend"`
		DataDir    string `yaml:"data_dir"`
		PrefsPath  string `yaml:"prefs_path"`
		StaleAfter string `yaml:"stale_after"`
	} `yaml:"store"`

	Connectivity struct {
		ProbeURL     string `yaml:"probe_url"`
		Interval     string `yaml:"probe_interval"`
		Timeout      string `yaml:"probe_timeout"`
		RetryInitial string `yaml:"retry_initial"`
		RetryMax     string `yaml:"retry_max"`
	} `yaml:"connectivity"`

	Sync struct {
		WeatherURL string `yaml:"weather_url"`
		AlertsURL  string `yaml:"alerts_url"`
		PointsURL  string `yaml:"points_url"`
		Interval   string `yaml:"interval"`
		Timeout    string `yaml:"timeout"`
	} `yaml:"sync"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`
}

// envOverrides are applied over the YAML file. Unset variables leave the file value.
type envOverrides struct {
	TestingMode    *bool  `env:"TESTING_MODE"`
	ServerPort     string `env:"SERVER_PORT"`
	Version        string `env:"CACHE_VERSION"`
	OriginURL      string `env:"ORIGIN_URL"`
	CacheBackend   string `env:"CACHE_BACKEND"`
	CacheDir       string `env:"CACHE_DIR"`
	MemcachedAddrs string `env:"MEMCACHED_ADDRS"`
	StoreBackend   string `env:"STORE_BACKEND"`
	DataDir        string `env:"DATA_DIR"`
	PrefsPath      string `env:"PREFS_PATH"`
	ProbeURL       string `env:"PROBE_URL"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) relative
// to the working directory. Call from project root.
func Load() (*Config, error) {
	name := os.Getenv("ENV_NAME")
	if name == "" {
		name = "dev"
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	return LoadFile(filepath.Join(cwd, "config", name+".yaml"))
}

// LoadFile reads configuration from path, then applies env overrides and defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg := fromFile(&fc)
	applyOverrides(cfg, &ov)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromFile(fc *fileConfig) *Config {
	cfg := &Config{}
	if fc.TestingMode != nil {
		cfg.TestingMode = *fc.TestingMode
	}

	cfg.ServerPort = orDefault(fc.Server.Port, "8080")
	cfg.Version = orDefault(fc.Cache.Version, "v1")
	cfg.OriginURL = orDefault(fc.Origin.URL, "http://localhost:3000")
	cfg.FetchTimeout = parseDurationOrZero(fc.Origin.Timeout, 10*time.Second)
	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 15*time.Second)

	cfg.RetryAttempts = fc.Reliability.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 2
	}
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 100*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second)
	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 100
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 250
	}
	cfg.BreakerFailureThreshold = fc.Reliability.Breaker.FailureThreshold
	cfg.BreakerSuccessThreshold = fc.Reliability.Breaker.SuccessThreshold
	cfg.BreakerTimeout = parseDuration(fc.Reliability.Breaker.Timeout, 30*time.Second)

	cfg.CacheBackend = strings.ToLower(strings.TrimSpace(fc.Cache.Backend))
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = BackendMemory
	}
	cfg.CacheDir = orDefault(fc.Cache.Dir, filepath.Join("data", "cache"))
	cfg.MemcachedAddrs = orDefault(fc.Cache.Memcached.Addrs, "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}
	// Zero means entries never expire from memcached on their own.
	cfg.MemcachedTTL = parseDurationOrZero(fc.Cache.Memcached.TTL, 0)
	cfg.StaticTTL = parseDuration(fc.Cache.StaticTTL, 30*24*time.Hour)
	cfg.WarmConcurrency = fc.Cache.WarmConcurrency
	if cfg.WarmConcurrency <= 0 {
		cfg.WarmConcurrency = 4
	}
	cfg.Precache = fc.Cache.Precache
	cfg.RevalidateDedupe = fc.Revalidate.Dedupe

	cfg.Routes = fc.Routes

	cfg.LifecycleMaxWait = parseDuration(fc.Lifecycle.MaxWait, 5*time.Minute)
	cfg.LifecyclePollInterval = parseDuration(fc.Lifecycle.PollInterval, time.Second)
	cfg.DegradedWindow = parseDuration(fc.Lifecycle.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = fc.Lifecycle.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 50
	}

	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(fc.Store.Backend))
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = StoreBackendPebble
	}
	cfg.DataDir = orDefault(fc.Store.DataDir, filepath.Join("data", "offline"))
	cfg.PrefsPath = orDefault(fc.Store.PrefsPath, filepath.Join("data", "prefs.db"))
	cfg.StaleAfter = parseDuration(fc.Store.StaleAfter, time.Hour)

	cfg.ProbeURL = orDefault(fc.Connectivity.ProbeURL, "/")
	cfg.ProbeInterval = parseDuration(fc.Connectivity.Interval, 30*time.Second)
	cfg.ProbeTimeout = parseDuration(fc.Connectivity.Timeout, 3*time.Second)
	cfg.ProbeRetryInitial = parseDuration(fc.Connectivity.RetryInitial, time.Second)
	cfg.ProbeRetryMax = parseDuration(fc.Connectivity.RetryMax, time.Minute)

	cfg.SyncWeatherURL = strings.TrimSpace(fc.Sync.WeatherURL)
	cfg.SyncAlertsURL = strings.TrimSpace(fc.Sync.AlertsURL)
	cfg.SyncPointsURL = strings.TrimSpace(fc.Sync.PointsURL)
	cfg.SyncInterval = parseDuration(fc.Sync.Interval, 5*time.Minute)
	cfg.SyncTimeout = parseDuration(fc.Sync.Timeout, 30*time.Second)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	return cfg
}

func applyOverrides(cfg *Config, ov *envOverrides) {
	if ov.TestingMode != nil {
		cfg.TestingMode = *ov.TestingMode
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.ServerPort, ov.ServerPort)
	set(&cfg.Version, ov.Version)
	set(&cfg.OriginURL, ov.OriginURL)
	set(&cfg.CacheBackend, strings.ToLower(ov.CacheBackend))
	set(&cfg.CacheDir, ov.CacheDir)
	set(&cfg.MemcachedAddrs, ov.MemcachedAddrs)
	set(&cfg.StoreBackend, strings.ToLower(ov.StoreBackend))
	set(&cfg.DataDir, ov.DataDir)
	set(&cfg.PrefsPath, ov.PrefsPath)
	set(&cfg.ProbeURL, ov.ProbeURL)
}

func orDefault(s, defaultVal string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return defaultVal
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation of configuration values.
// Auto-adjusts RequestTimeout so a full fetch always fits inside one request.
func validate(cfg *Config) error {
	if cfg.FetchTimeout <= 0 {
		return fmt.Errorf("origin.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.FetchTimeout {
		cfg.RequestTimeout = cfg.FetchTimeout + 5*time.Second
	}
	origin, err := url.Parse(cfg.OriginURL)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return fmt.Errorf("origin.url must be an absolute URL, got %q", cfg.OriginURL)
	}
	version, err := validation.ValidateVersion(cfg.Version)
	if err != nil {
		return fmt.Errorf("cache.version %q: %w", cfg.Version, err)
	}
	cfg.Version = version
	if cfg.ProbeRetryInitial > cfg.ProbeRetryMax {
		return fmt.Errorf("connectivity.retry_initial (%s) must not exceed connectivity.retry_max (%s)",
			cfg.ProbeRetryInitial, cfg.ProbeRetryMax)
	}
	switch cfg.CacheBackend {
	case BackendMemory, BackendBadger, BackendMemcached:
	default:
		return fmt.Errorf("cache.backend must be memory, badger or memcached, got %q", cfg.CacheBackend)
	}
	switch cfg.StoreBackend {
	case StoreBackendPebble, StoreBackendMemory:
	default:
		return fmt.Errorf("store.backend must be pebble or memory, got %q", cfg.StoreBackend)
	}
	if cfg.DegradedErrorPct > 100 {
		return fmt.Errorf("lifecycle.degraded_error_pct must be at most 100, got %d", cfg.DegradedErrorPct)
	}
	return nil
}
