package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Gray Logic Trigger.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Hub       HubConfig       `yaml:"hub"`
	Engine    EngineConfig    `yaml:"engine"`
	Inference InferenceConfig `yaml:"inference"`
	Media     MediaConfig     `yaml:"media"`
	Actions   ActionsConfig   `yaml:"actions"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Redis     RedisConfig     `yaml:"redis"`
	API       APIConfig       `yaml:"api"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// HubConfig describes the remote home-automation hub session.
//
// URL and Token may be left empty; the state mirror then idles until
// they are supplied at runtime.
type HubConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`

	// Reconnect backoff in seconds.
	ReconnectInitial int `yaml:"reconnect_initial"`
	ReconnectMax     int `yaml:"reconnect_max"`

	// IdleInterval is how long to wait before re-checking missing configuration.
	IdleInterval int `yaml:"idle_interval"`

	// RequestTimeout bounds REST calls to the hub (seconds).
	RequestTimeout int `yaml:"request_timeout"`
}

// EngineConfig contains rule-engine tuning.
type EngineConfig struct {
	DebounceSeconds        float64 `yaml:"debounce_seconds"`
	PollIntervalSeconds    int     `yaml:"poll_interval_seconds"`
	VisionImagesPerCall    int     `yaml:"vision_images_per_call"`
	FireCooldownSeconds    int     `yaml:"fire_cooldown_seconds"`
	Language               string  `yaml:"language"`
	RulesFile              string  `yaml:"rules_file"`
	DynamicAdmitSeconds    int     `yaml:"dynamic_admit_seconds"`
	DynamicLifetimeSeconds int     `yaml:"dynamic_lifetime_seconds"`
}

// InferenceConfig holds the two inference backends. Camera rules use Vision;
// text-only rules use Planning and fall back to Vision when it is unset.
type InferenceConfig struct {
	Vision   ModelConfig `yaml:"vision"`
	Planning ModelConfig `yaml:"planning"`
}

// ModelConfig describes one OpenAI-compatible chat completion endpoint.
type ModelConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	Timeout int    `yaml:"timeout"`
}

// Configured reports whether the backend has enough settings to be used.
func (m ModelConfig) Configured() bool {
	return m.BaseURL != "" && m.Model != ""
}

// MediaConfig locates camera frames and the persisted log images.
type MediaConfig struct {
	FramesDir string `yaml:"frames_dir"`
	StoreDir  string `yaml:"store_dir"`
}

// ActionsConfig lists the executors reachable by rule actions.
type ActionsConfig struct {
	MCPServers []MCPServerConfig `yaml:"mcp_servers"`
}

// MCPServerConfig is one streamable-HTTP MCP server. ClientID is the value
// rule actions reference in their client_id field.
type MCPServerConfig struct {
	ClientID string            `yaml:"client_id"`
	URL      string            `yaml:"url"`
	Headers  map[string]string `yaml:"headers"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// RedisConfig enables the Redis-backed conclusion cache. When disabled the
// engine keeps conclusions in memory.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// APIConfig contains the operations HTTP server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	Auth     APIAuthConfig    `yaml:"auth"`
}

// APIAuthConfig secures the routes that change rules or dispatch actions.
// Requests to them must carry an HS256 bearer token signed with JWTSecret.
// With no secret the API accepts them unauthenticated, which Validate only
// allows on a loopback host.
type APIAuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// MinJWTSecretLength is the shortest accepted api.auth.jwt_secret.
const MinJWTSecretLength = 32

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GRAYTRIGGER_SECTION_KEY
// For example: GRAYTRIGGER_HUB_TOKEN, GRAYTRIGGER_API_PORT
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration with environment overrides
// applied. Used when no config file is given.
func Default() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	return cfg
}

func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "site-001",
			Name: "Gray Logic",
		},
		Hub: HubConfig{
			ReconnectInitial: 5,
			ReconnectMax:     60,
			IdleInterval:     10,
			RequestTimeout:   10,
		},
		Engine: EngineConfig{
			DebounceSeconds:        1,
			PollIntervalSeconds:    10,
			VisionImagesPerCall:    3,
			Language:               "en",
			DynamicAdmitSeconds:    5,
			DynamicLifetimeSeconds: 300,
		},
		Inference: InferenceConfig{
			Vision:   ModelConfig{Timeout: 60},
			Planning: ModelConfig{Timeout: 60},
		},
		Media: MediaConfig{
			FramesDir: "./data/frames",
			StoreDir:  "./data/images",
		},
		Database: DatabaseConfig{
			Path:        "./data/graytrigger.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graytrigger",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		InfluxDB: InfluxDBConfig{
			Bucket:        "graytrigger",
			BatchSize:     100,
			FlushInterval: 10,
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "graytrigger:",
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	// Hub credentials are normally injected by the supervisor, never committed.
	if v := os.Getenv("GRAYTRIGGER_HUB_URL"); v != "" {
		cfg.Hub.URL = v
	}
	if v := os.Getenv("GRAYTRIGGER_HUB_TOKEN"); v != "" {
		cfg.Hub.Token = v
	}

	if v := os.Getenv("GRAYTRIGGER_ENGINE_DEBOUNCE_SECONDS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Engine.DebounceSeconds = f
		}
	}
	if v := os.Getenv("GRAYTRIGGER_ENGINE_POLL_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.PollIntervalSeconds = n
		}
	}

	if v := os.Getenv("GRAYTRIGGER_INFERENCE_VISION_API_KEY"); v != "" {
		cfg.Inference.Vision.APIKey = v
	}
	if v := os.Getenv("GRAYTRIGGER_INFERENCE_PLANNING_API_KEY"); v != "" {
		cfg.Inference.Planning.APIKey = v
	}

	if v := os.Getenv("GRAYTRIGGER_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("GRAYTRIGGER_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GRAYTRIGGER_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GRAYTRIGGER_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("GRAYTRIGGER_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("GRAYTRIGGER_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("GRAYTRIGGER_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}

	if v := os.Getenv("GRAYTRIGGER_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("GRAYTRIGGER_JWT_SECRET"); v != "" {
		cfg.API.Auth.JWTSecret = v
	}
}

// Validate checks the configuration for errors.
//
// Missing hub credentials are deliberately not an error: the engine must
// be able to start and wait for them.
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.Hub.URL != "" && !strings.HasPrefix(c.Hub.URL, "http://") &&
		!strings.HasPrefix(c.Hub.URL, "https://") {
		errs = append(errs, "hub.url must start with http:// or https://")
	}
	if c.Hub.ReconnectInitial < 1 {
		errs = append(errs, "hub.reconnect_initial must be at least 1")
	}
	if c.Hub.ReconnectMax < c.Hub.ReconnectInitial {
		errs = append(errs, "hub.reconnect_max must not be below hub.reconnect_initial")
	}

	if c.Engine.DebounceSeconds <= 0 {
		errs = append(errs, "engine.debounce_seconds must be positive")
	}
	if c.Engine.PollIntervalSeconds < 1 {
		errs = append(errs, "engine.poll_interval_seconds must be at least 1")
	}
	if c.Engine.VisionImagesPerCall < 1 {
		errs = append(errs, "engine.vision_images_per_call must be at least 1")
	}
	if c.Engine.FireCooldownSeconds < 0 {
		errs = append(errs, "engine.fire_cooldown_seconds must not be negative")
	}
	switch c.Engine.Language {
	case "en", "zh":
	default:
		errs = append(errs, "engine.language must be en or zh")
	}

	for i, s := range c.Actions.MCPServers {
		if s.ClientID == "" || s.URL == "" {
			errs = append(errs, fmt.Sprintf("actions.mcp_servers[%d] needs client_id and url", i))
		}
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis.addr is required when redis is enabled")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if c.API.Enabled {
		switch secret := c.API.Auth.JWTSecret; {
		case secret == "" && !isLoopback(c.API.Host):
			errs = append(errs, "api.auth.jwt_secret is required when api.host is not a loopback address")
		case secret != "" && len(secret) < MinJWTSecretLength:
			errs = append(errs, fmt.Sprintf("api.auth.jwt_secret must be at least %d characters", MinJWTSecretLength))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Debounce returns the coalescing window as a Duration.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Engine.DebounceSeconds * float64(time.Second))
}

// PollInterval returns the camera poll interval as a Duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Engine.PollIntervalSeconds) * time.Second
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
