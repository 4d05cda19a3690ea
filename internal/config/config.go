// Package config handles loading and validation of streamrelay configuration
// from YAML files and environment variables. Environment variables always
// override file-based values. Env var names follow the struct path with a
// STREAMRELAY_ prefix:
//
//	server.address → STREAMRELAY_SERVER_ADDRESS
//	federation.region → STREAMRELAY_FEDERATION_REGION
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via STREAMRELAY_CONFIG_FILE environment variable.
const defaultConfigFile = "/etc/streamrelay/config.yaml"

// ---------------------------------------------------------------------------
// Enum types — typed string constants replace scattered hard-coded values.
// All canonical forms are lowercase; Load() normalizes before validation.
// ---------------------------------------------------------------------------

// AuthScheme selects how client tokens are verified.
type AuthScheme string

const (
	// AuthSchemeToken verifies a bearer JWT signed with the server's password.
	AuthSchemeToken AuthScheme = "token"
	// AuthSchemeChallenge additionally binds the token to the connection id
	// the relay issued at socket open, making tokens single-connection.
	AuthSchemeChallenge AuthScheme = "challenge"
)

func (s AuthScheme) Valid() bool {
	switch s {
	case AuthSchemeToken, AuthSchemeChallenge:
		return true
	}
	return false
}

// RedisMode identifies the Redis deployment topology.
type RedisMode string

const (
	RedisModeSingle   RedisMode = "single"
	RedisModeSentinel RedisMode = "sentinel"
	RedisModeCluster  RedisMode = "cluster"
)

func (m RedisMode) Valid() bool {
	switch m {
	case RedisModeSingle, RedisModeSentinel, RedisModeCluster:
		return true
	}
	return false
}

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// Config is the top-level streamrelay configuration.
type Config struct {
	Server      ServerConfig     `yaml:"server"       envPrefix:"SERVER_"`
	Admin       AdminConfig      `yaml:"admin"        envPrefix:"ADMIN_"`
	Auth        AuthConfig       `yaml:"auth"         envPrefix:"AUTH_"`
	Federation  FederationConfig `yaml:"federation"   envPrefix:"FEDERATION_"`
	RateLimit   RateLimitConfig  `yaml:"rate_limit"   envPrefix:"RATE_LIMIT_"`
	Sweep       SweepConfig      `yaml:"sweep"        envPrefix:"SWEEP_"`
	Redis       RedisConfig      `yaml:"redis"        envPrefix:"REDIS_"`
	EntityRedis *RedisConfig     `yaml:"entity_redis" envPrefix:"ENTITY_REDIS_"`
	Logging     LoggingConfig    `yaml:"logging"      envPrefix:"LOGGING_"`
	Tracing     TracingConfig    `yaml:"tracing"      envPrefix:"TRACING_"`
}

// ServerConfig holds the public gateway server settings.
type ServerConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
	DrainTimeout string `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`

	// MaxFrameBytes caps a single inbound WebSocket frame. Frames larger
	// than this close the connection. Default: 16 MiB.
	MaxFrameBytes int64 `yaml:"max_frame_bytes" env:"MAX_FRAME_BYTES"`

	// SocketIdleTimeout closes WebSocket connections with no inbound
	// traffic (including pongs) for this duration. Default: "120s".
	SocketIdleTimeout string `yaml:"socket_idle_timeout" env:"SOCKET_IDLE_TIMEOUT"`

	// SendBuffer is the per-connection outbound frame queue length. A
	// subscriber that cannot drain this many frames starts losing messages.
	// Default: 256.
	SendBuffer int `yaml:"send_buffer" env:"SEND_BUFFER"`
}

// AdminConfig holds the admin/observability server settings. The admin
// password additionally guards the user-cache reset endpoint, which has no
// natural per-server credential.
type AdminConfig struct {
	Address      string         `yaml:"address"       env:"ADDRESS"`
	Password     RedactedString `yaml:"password"      env:"PASSWORD"`
	ReadTimeout  string         `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string         `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string         `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
}

// AuthConfig selects the client authentication strategy.
type AuthConfig struct {
	Scheme AuthScheme `yaml:"scheme" env:"SCHEME"`
}

// FederationConfig describes this deployment's region and its siblings.
type FederationConfig struct {
	// Region is the identifier of this deployment (e.g. "usw"). Servers
	// homed in other regions are reached through Peers.
	Region string `yaml:"region" env:"REGION"`

	// Peers maps a region identifier to the base URL of that region's
	// deployment, e.g. use1: https://use1.relay.example.dev. The local
	// region never appears here.
	Peers map[string]string `yaml:"peers" env:"PEERS"`

	// Timeout bounds a single cross-region usage read. Default: "5s".
	Timeout string `yaml:"timeout" env:"TIMEOUT"`
}

// RateLimitConfig tunes the per-address authentication failure limiter.
type RateLimitConfig struct {
	// Window is the fixed failure-counting window. Default: "5m".
	Window string `yaml:"window" env:"WINDOW"`
	// MaxFailures is the failure count at which further attempts from the
	// same address are rejected. Default: 10.
	MaxFailures int `yaml:"max_failures" env:"MAX_FAILURES"`
	// MaxEntries bounds the in-memory failure tracker. Default: 100000.
	MaxEntries int64 `yaml:"max_entries" env:"MAX_ENTRIES"`
}

// SweepConfig controls the periodic maintenance jobs.
type SweepConfig struct {
	// CacheInterval is how often the entity cache is cleared wholesale.
	// Default: "30m". Never touches usage counters.
	CacheInterval string `yaml:"cache_interval" env:"CACHE_INTERVAL"`
	// LedgerInterval is how often the usage ledger and the disabled-owner
	// set are fully reset. Default: "24h".
	LedgerInterval string `yaml:"ledger_interval" env:"LEDGER_INTERVAL"`
}

// RedisConfig holds Redis connection and topology settings.
type RedisConfig struct {
	Endpoints        []string       `yaml:"endpoints"         env:"ENDPOINTS" envSeparator:","`
	Mode             RedisMode      `yaml:"mode"              env:"MODE"`
	MasterName       string         `yaml:"master_name"       env:"MASTER_NAME"`
	Username         string         `yaml:"username"          env:"USERNAME"`
	Password         RedactedString `yaml:"password"          env:"PASSWORD"`
	DB               int            `yaml:"db"                env:"DB"`
	PoolSize         int            `yaml:"pool_size"         env:"POOL_SIZE"`
	DialTimeout      string         `yaml:"dial_timeout"      env:"DIAL_TIMEOUT"`
	ReadTimeout      string         `yaml:"read_timeout"      env:"READ_TIMEOUT"`
	WriteTimeout     string         `yaml:"write_timeout"     env:"WRITE_TIMEOUT"`
	TLS              RedisTLSConfig `yaml:"tls"               envPrefix:"TLS_"`
	SentinelUsername string         `yaml:"sentinel_username" env:"SENTINEL_USERNAME"`
	SentinelPassword RedactedString `yaml:"sentinel_password" env:"SENTINEL_PASSWORD"`
}

// RedisTLSConfig holds Redis TLS settings.
type RedisTLSConfig struct {
	Enabled            bool `yaml:"enabled"              env:"ENABLED"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// RedactedString is a string that masks its value in String(), GoString(), and
// MarshalJSON() to prevent accidental leakage in logs or serialized output.
// Use .Value() to access the underlying secret.
type RedactedString string

const redactedPlaceholder = "[REDACTED]"

// Value returns the underlying secret string.
func (r RedactedString) Value() string { return string(r) }

// String implements fmt.Stringer — always returns a redacted placeholder.
func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return redactedPlaceholder
}

// GoString implements fmt.GoStringer for %#v.
func (r RedactedString) GoString() string { return r.String() }

// MarshalJSON masks the value in JSON output.
func (r RedactedString) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte(`""`), nil
	}
	return json.Marshal(redactedPlaceholder)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" env:"FORMAT"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`
}

// Defaults returns a Config populated with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:           ":5000",
			ReadTimeout:       "30s",
			WriteTimeout:      "30s",
			IdleTimeout:       "120s",
			DrainTimeout:      "30s",
			MaxFrameBytes:     16 << 20, // 16 MiB
			SocketIdleTimeout: "120s",
			SendBuffer:        256,
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		Auth: AuthConfig{
			Scheme: AuthSchemeToken,
		},
		Federation: FederationConfig{
			Region:  "usw",
			Timeout: "5s",
		},
		RateLimit: RateLimitConfig{
			Window:      "5m",
			MaxFailures: 10,
			MaxEntries:  100_000,
		},
		Sweep: SweepConfig{
			CacheInterval:  "30m",
			LedgerInterval: "24h",
		},
		Redis: RedisConfig{
			Endpoints:    []string{"localhost:6379"},
			Mode:         RedisModeSingle,
			PoolSize:     10,
			DialTimeout:  "5s",
			ReadTimeout:  "3s",
			WriteTimeout: "3s",
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "streamrelay",
			SampleRate:  0.1,
		},
	}
}

// ConfigFilePath returns the resolved config file path (from env or default).
func ConfigFilePath() string {
	configFile := os.Getenv("STREAMRELAY_CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// Load reads configuration from a YAML file and overlays environment variable
// overrides. The config file path defaults to /etc/streamrelay/config.yaml
// and can be overridden via STREAMRELAY_CONFIG_FILE.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides. Used by the config watcher to reload.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile) // config file path is intentionally user-provided.
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}
	// If the file doesn't exist, we continue with defaults + env overrides.

	// Pre-allocate EntityRedis so the env parser can populate it. If neither
	// YAML nor env set anything, the pointer is reset to nil below.
	entityRedisFromYAML := cfg.EntityRedis != nil
	if cfg.EntityRedis == nil {
		cfg.EntityRedis = &RedisConfig{}
	}

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: "STREAMRELAY_"}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	// An EntityRedis with no endpoints is meaningless — reset to nil so
	// EntityRedisConfig() falls back to the main redis section.
	if !entityRedisFromYAML && len(cfg.EntityRedis.Endpoints) == 0 {
		cfg.EntityRedis = nil
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize lowercases all enum fields so that YAML values like "Token" or
// env values like "CHALLENGE" match the canonical lowercase constants.
func (cfg *Config) normalize() {
	cfg.Auth.Scheme = AuthScheme(strings.ToLower(string(cfg.Auth.Scheme)))
	cfg.Redis.Mode = RedisMode(strings.ToLower(string(cfg.Redis.Mode)))
	if cfg.EntityRedis != nil {
		cfg.EntityRedis.Mode = RedisMode(strings.ToLower(string(cfg.EntityRedis.Mode)))
	}
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
}

// Validate checks that the configuration is internally consistent.
func Validate(cfg *Config) error {
	if err := validateDurations(cfg); err != nil {
		return err
	}
	if err := validateServer(cfg); err != nil {
		return err
	}
	if err := validateAuth(cfg); err != nil {
		return err
	}
	if err := validateFederation(cfg); err != nil {
		return err
	}
	if err := validateRateLimit(cfg); err != nil {
		return err
	}
	if err := validateRedisConfig(cfg.Redis, "redis"); err != nil {
		return err
	}
	if err := validateEntityRedis(cfg); err != nil {
		return err
	}
	if err := validateLogging(cfg); err != nil {
		return err
	}
	return validateTracing(cfg)
}

func validateDurations(cfg *Config) error {
	durations := []struct {
		name, val string
	}{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"server.drain_timeout", cfg.Server.DrainTimeout},
		{"server.socket_idle_timeout", cfg.Server.SocketIdleTimeout},
		{"admin.read_timeout", cfg.Admin.ReadTimeout},
		{"admin.write_timeout", cfg.Admin.WriteTimeout},
		{"admin.idle_timeout", cfg.Admin.IdleTimeout},
		{"federation.timeout", cfg.Federation.Timeout},
		{"rate_limit.window", cfg.RateLimit.Window},
		{"sweep.cache_interval", cfg.Sweep.CacheInterval},
		{"sweep.ledger_interval", cfg.Sweep.LedgerInterval},
		{"redis.dial_timeout", cfg.Redis.DialTimeout},
		{"redis.read_timeout", cfg.Redis.ReadTimeout},
		{"redis.write_timeout", cfg.Redis.WriteTimeout},
	}

	for _, d := range durations {
		if d.val == "" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.val, err)
		}
	}
	return nil
}

func validateServer(cfg *Config) error {
	if cfg.Server.MaxFrameBytes < 1 {
		return fmt.Errorf("server.max_frame_bytes must be >= 1")
	}
	if cfg.Server.SendBuffer < 1 {
		return fmt.Errorf("server.send_buffer must be >= 1")
	}
	return nil
}

func validateAuth(cfg *Config) error {
	if s := cfg.Auth.Scheme; s != "" && !s.Valid() {
		return fmt.Errorf("invalid auth.scheme %q: must be token or challenge", s)
	}
	return nil
}

func validateFederation(cfg *Config) error {
	if cfg.Federation.Region == "" {
		return fmt.Errorf("federation.region is required")
	}
	for region, base := range cfg.Federation.Peers {
		if region == cfg.Federation.Region {
			return fmt.Errorf("federation.peers must not contain the local region %q", region)
		}
		if base == "" {
			return fmt.Errorf("federation.peers[%s]: base URL must not be empty", region)
		}
	}
	return nil
}

func validateRateLimit(cfg *Config) error {
	if cfg.RateLimit.MaxFailures < 1 {
		return fmt.Errorf("rate_limit.max_failures must be >= 1")
	}
	if cfg.RateLimit.MaxEntries < 1 {
		return fmt.Errorf("rate_limit.max_entries must be >= 1")
	}
	return nil
}

func validateEntityRedis(cfg *Config) error {
	if cfg.EntityRedis == nil {
		return nil // not configured — entity store shares the main redis
	}
	if cfg.EntityRedis.Mode == "" {
		cfg.EntityRedis.Mode = RedisModeSingle
	}
	return validateRedisConfig(*cfg.EntityRedis, "entity_redis")
}

func validateRedisConfig(rc RedisConfig, prefix string) error {
	if !rc.Mode.Valid() {
		return fmt.Errorf("invalid %s.mode %q", prefix, rc.Mode)
	}
	if len(rc.Endpoints) == 0 {
		return fmt.Errorf("%s.endpoints: at least one endpoint is required", prefix)
	}
	if rc.Mode == RedisModeSingle && len(rc.Endpoints) > 1 {
		return fmt.Errorf("%s.endpoints: single mode requires exactly one endpoint, got %d", prefix, len(rc.Endpoints))
	}
	if rc.Mode == RedisModeSentinel && rc.MasterName == "" {
		return fmt.Errorf("%s.master_name is required for sentinel mode", prefix)
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	return nil
}

func validateTracing(cfg *Config) error {
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

// EntityRedisConfig returns the Redis configuration backing the entity
// document store. When no dedicated entity_redis section is configured the
// entity store shares the main redis instance.
func (c *Config) EntityRedisConfig() RedisConfig {
	if c.EntityRedis != nil {
		return *c.EntityRedis
	}
	return c.Redis
}

// ParseDuration parses a duration string, returning def if the string is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// MustParseDuration parses a duration string, returning def on empty or error.
// Validate() has already rejected malformed values by the time callers use it.
func MustParseDuration(s string, def time.Duration) time.Duration {
	d, err := ParseDuration(s, def)
	if err != nil {
		return def
	}
	return d
}

// RequiresRestart compares this config to old and returns the field paths
// that changed and require a process restart. An empty slice means the new
// config can be hot-reloaded safely.
func (c *Config) RequiresRestart(old *Config) []string {
	if old == nil {
		return nil
	}
	var fields []string
	if c.Server.Address != old.Server.Address {
		fields = append(fields, "server.address")
	}
	if c.Admin.Address != old.Admin.Address {
		fields = append(fields, "admin.address")
	}
	if c.Redis.Mode != old.Redis.Mode {
		fields = append(fields, "redis.mode")
	}
	if c.Auth.Scheme != old.Auth.Scheme {
		fields = append(fields, "auth.scheme")
	}
	if c.Federation.Region != old.Federation.Region {
		fields = append(fields, "federation.region")
	}
	return fields
}
