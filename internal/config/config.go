// Package config loads and validates the peer's configuration: identity and
// network settings plus the engine tunables (intervals, staleness bounds,
// log and cache caps).
//
// Values resolve in three layers, later layers winning: built-in defaults,
// an optional YAML file named by SPIN_CONFIG, and SPIN_* environment
// variables. A .env file in the working directory is folded into the
// environment first, so deployments can keep their overrides next to the
// data directory.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Registry and project defaults match the deployed fleet; everything is
// overridable per peer.
const (
	DefaultRegistryHost = "catalog.cse.nd.edu"
	DefaultRegistryPort = 9097
	DefaultType         = "sPin"

	baseInterval = 10 * time.Second
)

// Config carries everything a peer process needs to run.
type Config struct {
	// DataDir is the root of the peer's on-disk state: meta/, pinned/ and
	// cached/ are created beneath it.
	DataDir string

	// Host is the hostname the peer reports in its startup log. Empty
	// means use os.Hostname at startup. Adverts and gossip do not carry
	// it; the registry records the address it hears adverts from.
	Host string

	// Port is the HTTP listen port. 0 binds an ephemeral port; the bound
	// port is what gets advertised.
	Port int

	// RegistryHost and RegistryPort locate the name registry's UDP
	// advertise target and HTTP query endpoint.
	RegistryHost string
	RegistryPort int

	// Type tags this peer's registry entries; only entries with a matching
	// tag are treated as fleet members.
	Type string

	// Owner is recorded in registry adverts. Informational only.
	Owner string

	// NameserverWait is the period of both the UDP advertise loop and the
	// registry poll (which also triggers a gossip broadcast).
	NameserverWait time.Duration

	// MaintainInterval is the period of the maintenance loop: worldview
	// expiry, replica reconciliation, tombstone truncation, cache eviction.
	MaintainInterval time.Duration

	// NameserverStaleness bounds how old a registry entry may be before
	// the peer it names is considered dead.
	NameserverStaleness time.Duration

	// WorldStaleness bounds how old a worldview record may be before it is
	// purged on the next maintenance tick.
	WorldStaleness time.Duration

	// KDenom sets the target replica count k = ceil(|peers| / KDenom).
	KDenom int

	// MaxPinLogEntries is how many pin-log appends accumulate before the
	// pin table is checkpointed and the log truncated.
	MaxPinLogEntries int

	// MaxDelLogEntries caps the tombstone list; exceeding it drops the
	// older half.
	MaxDelLogEntries int

	// MaxCacheBytes caps the cached/ directory; eviction runs until usage
	// is below half this bound.
	MaxCacheBytes int64
}

// Default returns the built-in configuration, with all intervals expressed
// as multiples of the 10 second base interval.
func Default() Config {
	return Config{
		DataDir:             ".",
		RegistryHost:        DefaultRegistryHost,
		RegistryPort:        DefaultRegistryPort,
		Type:                DefaultType,
		Owner:               EnvOrDefault("USER", "spin"),
		NameserverWait:      3 * baseInterval,
		MaintainInterval:    9 * baseInterval,
		NameserverStaleness: 6 * baseInterval,
		WorldStaleness:      30 * baseInterval,
		KDenom:              3,
		MaxPinLogEntries:    100,
		MaxDelLogEntries:    5000,
		MaxCacheBytes:       10_000_000_000,
	}
}

// Load resolves the effective configuration: defaults, then the YAML file
// named by SPIN_CONFIG (if any), then SPIN_* environment variables. A .env
// file in the working directory is loaded into the environment first;
// absence is not an error.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path := os.Getenv("SPIN_CONFIG"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, err
		}
	}

	cfg.DataDir = EnvOrDefault("SPIN_DATA_DIR", cfg.DataDir)
	cfg.Host = EnvOrDefault("SPIN_HOST", cfg.Host)
	cfg.Port = EnvOrDefaultInt("SPIN_PORT", cfg.Port)
	cfg.RegistryHost = EnvOrDefault("SPIN_REGISTRY_HOST", cfg.RegistryHost)
	cfg.RegistryPort = EnvOrDefaultInt("SPIN_REGISTRY_PORT", cfg.RegistryPort)
	cfg.Type = EnvOrDefault("SPIN_TYPE", cfg.Type)
	cfg.Owner = EnvOrDefault("SPIN_OWNER", cfg.Owner)
	cfg.NameserverWait = EnvOrDefaultDuration("SPIN_NAMESERVER_WAIT", cfg.NameserverWait)
	cfg.MaintainInterval = EnvOrDefaultDuration("SPIN_MAINTAIN_INTERVAL", cfg.MaintainInterval)
	cfg.NameserverStaleness = EnvOrDefaultDuration("SPIN_NAMESERVER_STALENESS", cfg.NameserverStaleness)
	cfg.WorldStaleness = EnvOrDefaultDuration("SPIN_WORLD_STALENESS", cfg.WorldStaleness)
	cfg.KDenom = EnvOrDefaultInt("SPIN_K_DENOM", cfg.KDenom)
	cfg.MaxPinLogEntries = EnvOrDefaultInt("SPIN_MAX_PIN_LOG_ENTRIES", cfg.MaxPinLogEntries)
	cfg.MaxDelLogEntries = EnvOrDefaultInt("SPIN_MAX_DEL_LOG_ENTRIES", cfg.MaxDelLogEntries)
	cfg.MaxCacheBytes = EnvOrDefaultInt64("SPIN_MAX_CACHE_BYTES", cfg.MaxCacheBytes)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// fileConfig is the YAML schema. Durations are written as strings ("90s",
// "2m") and every key is optional; absent keys leave the layered value
// untouched.
type fileConfig struct {
	DataDir             *string `yaml:"data_dir"`
	Host                *string `yaml:"host"`
	Port                *int    `yaml:"port"`
	RegistryHost        *string `yaml:"registry_host"`
	RegistryPort        *int    `yaml:"registry_port"`
	Type                *string `yaml:"type"`
	Owner               *string `yaml:"owner"`
	NameserverWait      *string `yaml:"nameserver_wait"`
	MaintainInterval    *string `yaml:"maintain_interval"`
	NameserverStaleness *string `yaml:"nameserver_staleness"`
	WorldStaleness      *string `yaml:"world_staleness"`
	KDenom              *int    `yaml:"k_denom"`
	MaxPinLogEntries    *int    `yaml:"max_pin_log_entries"`
	MaxDelLogEntries    *int    `yaml:"max_del_log_entries"`
	MaxCacheBytes       *int64  `yaml:"max_cache_bytes"`
}

// applyFile folds a YAML config file into c.
func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setDuration := func(dst *time.Duration, src *string, key string) error {
		if src == nil {
			return nil
		}
		d, err := time.ParseDuration(*src)
		if err != nil {
			return fmt.Errorf("config file %s: bad %s: %w", path, key, err)
		}
		*dst = d
		return nil
	}

	setString(&c.DataDir, fc.DataDir)
	setString(&c.Host, fc.Host)
	setInt(&c.Port, fc.Port)
	setString(&c.RegistryHost, fc.RegistryHost)
	setInt(&c.RegistryPort, fc.RegistryPort)
	setString(&c.Type, fc.Type)
	setString(&c.Owner, fc.Owner)
	if err := setDuration(&c.NameserverWait, fc.NameserverWait, "nameserver_wait"); err != nil {
		return err
	}
	if err := setDuration(&c.MaintainInterval, fc.MaintainInterval, "maintain_interval"); err != nil {
		return err
	}
	if err := setDuration(&c.NameserverStaleness, fc.NameserverStaleness, "nameserver_staleness"); err != nil {
		return err
	}
	if err := setDuration(&c.WorldStaleness, fc.WorldStaleness, "world_staleness"); err != nil {
		return err
	}
	setInt(&c.KDenom, fc.KDenom)
	setInt(&c.MaxPinLogEntries, fc.MaxPinLogEntries)
	setInt(&c.MaxDelLogEntries, fc.MaxDelLogEntries)
	if fc.MaxCacheBytes != nil {
		c.MaxCacheBytes = *fc.MaxCacheBytes
	}
	return nil
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	switch {
	case c.DataDir == "":
		return fmt.Errorf("data_dir must not be empty")
	case c.RegistryHost == "":
		return fmt.Errorf("registry_host must not be empty")
	case c.RegistryPort <= 0 || c.RegistryPort > 65535:
		return fmt.Errorf("registry_port %d out of range", c.RegistryPort)
	case c.Port < 0 || c.Port > 65535:
		return fmt.Errorf("port %d out of range", c.Port)
	case c.Type == "":
		return fmt.Errorf("type must not be empty")
	case c.NameserverWait <= 0, c.MaintainInterval <= 0,
		c.NameserverStaleness <= 0, c.WorldStaleness <= 0:
		return fmt.Errorf("intervals must be positive")
	case c.KDenom <= 0:
		return fmt.Errorf("k_denom must be positive")
	case c.MaxPinLogEntries <= 0 || c.MaxDelLogEntries <= 0:
		return fmt.Errorf("log caps must be positive")
	case c.MaxCacheBytes <= 0:
		return fmt.Errorf("max_cache_bytes must be positive")
	}
	return nil
}

// RegistryQueryURL returns the registry's HTTP listing endpoint.
func (c Config) RegistryQueryURL() string {
	return fmt.Sprintf("http://%s:%d/query.json", c.RegistryHost, c.RegistryPort)
}

// RegistryAdvertAddr returns the registry's UDP advertise target.
func (c Config) RegistryAdvertAddr() string {
	return fmt.Sprintf("%s:%d", c.RegistryHost, c.RegistryPort)
}

// EnvOrDefault returns the value of the environment variable identified by
// key or fallback if the variable is unset or empty.
func EnvOrDefault(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

// EnvOrDefaultInt returns the integer value of the environment variable or
// fallback if it is unset, empty, or unparseable.
func EnvOrDefaultInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// EnvOrDefaultInt64 is EnvOrDefaultInt for 64-bit values (byte sizes).
func EnvOrDefaultInt64(key string, fallback int64) int64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

// EnvOrDefaultDuration returns the duration value of the environment
// variable ("90s", "2m") or fallback if unset, empty, or unparseable.
func EnvOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
