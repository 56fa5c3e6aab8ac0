// Package config loads the device manager's runtime configuration from
// files and environment variables, and the static device roster.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ElementAstro/lithium-next-sub000/internal/domain"
)

// Config holds all runtime configuration for the device manager.
type Config struct {
	// Environment is the deployment environment (development, staging,
	// production).
	Environment string `mapstructure:"environment"`

	// DevicesPath is the path to the static device roster file.
	DevicesPath string `mapstructure:"devices_path"`

	HTTP      HTTPConfig      `mapstructure:"http"`
	API       APIConfig       `mapstructure:"api"`
	Log       LogConfig       `mapstructure:"log"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Influx    InfluxConfig    `mapstructure:"influx"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Store     StoreConfig     `mapstructure:"store"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Resources ResourcesConfig `mapstructure:"resources"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Backends  []BackendConfig `mapstructure:"backends"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// APIConfig holds API security configuration.
type APIConfig struct {
	// AuthEnabled requires the API key on mutating endpoints.
	AuthEnabled bool `mapstructure:"auth_enabled"`
	// APIKey is the shared secret checked when auth is enabled.
	APIKey string `mapstructure:"api_key"`
	// MaxRequestBodySize bounds request bodies in bytes.
	MaxRequestBodySize int64 `mapstructure:"max_request_body_size"`
	// AllowedOrigins for CORS. "*" allows any origin.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json or console
	Output     string `mapstructure:"output"` // stdout, stderr, or file path
	TimeFormat string `mapstructure:"time_format"`
	NoColor    bool   `mapstructure:"no_color"`
}

// MonitorConfig holds health monitor configuration.
type MonitorConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	MaxHistory       int           `mapstructure:"max_history"`
	AlertCooldown    time.Duration `mapstructure:"alert_cooldown"`
	HealthyThreshold float64       `mapstructure:"healthy_threshold"`
}

// InfluxConfig holds the optional telemetry sink configuration.
type InfluxConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	Token         string `mapstructure:"token"`
	Org           string `mapstructure:"org"`
	Bucket        string `mapstructure:"bucket"`
	BatchSize     int    `mapstructure:"batch_size"`
	FlushInterval int    `mapstructure:"flush_interval_seconds"`
}

// MQTTConfig holds the optional event bridge configuration.
type MQTTConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BrokerURL      string        `mapstructure:"broker_url"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	QoS            byte          `mapstructure:"qos"`
	Retain         bool          `mapstructure:"retain"`
	CleanSession   bool          `mapstructure:"clean_session"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	BufferSize     int           `mapstructure:"buffer_size"`
	TLSEnabled     bool          `mapstructure:"tls_enabled"`
	TLSCertFile    string        `mapstructure:"tls_cert_file"`
	TLSKeyFile     string        `mapstructure:"tls_key_file"`
	TLSCAFile      string        `mapstructure:"tls_ca_file"`
}

// StoreConfig holds the optional configuration snapshot store.
type StoreConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Path        string        `mapstructure:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
	WALMode     bool          `mapstructure:"wal"`
	KeepHistory int           `mapstructure:"keep_history"`
}

// PoolConfig holds connection pool configuration.
type PoolConfig struct {
	MaxPerDevice        int           `mapstructure:"max_per_device"`
	AcquireTimeout      time.Duration `mapstructure:"acquire_timeout"`
	ConnectTimeout      time.Duration `mapstructure:"connect_timeout"`
	IdleTimeout         time.Duration `mapstructure:"idle_timeout"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`
}

// SchedulerConfig holds task scheduler configuration.
type SchedulerConfig struct {
	Policy             string        `mapstructure:"policy"`
	MaxConcurrentTasks int           `mapstructure:"max_concurrent_tasks"`
	MaxQueueSize       int           `mapstructure:"max_queue_size"`
	Workers            int           `mapstructure:"workers"`
	SchedulingInterval time.Duration `mapstructure:"scheduling_interval"`
	AgingInterval      time.Duration `mapstructure:"aging_interval"`
	MaxExecutionTime   time.Duration `mapstructure:"max_execution_time"`
	EnableAging        bool          `mapstructure:"enable_aging"`
	EnablePreemption   bool          `mapstructure:"enable_preemption"`
	EnableMigration    bool          `mapstructure:"enable_migration"`
	DeadlineAware      bool          `mapstructure:"deadline_aware"`
}

// ResourcesConfig holds resource manager configuration.
type ResourcesConfig struct {
	Policy        string        `mapstructure:"policy"`
	DefaultLease  time.Duration `mapstructure:"default_lease"`
	MaxRenewals   int           `mapstructure:"max_renewals"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	AutoOptimize  bool          `mapstructure:"auto_optimize"`
}

// CacheConfig holds property cache configuration.
type CacheConfig struct {
	MaxEntries      int           `mapstructure:"max_entries"`
	DefaultTTL      time.Duration `mapstructure:"default_ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	Policy          string        `mapstructure:"policy"`
}

// DiscoveryConfig holds backend discovery configuration.
type DiscoveryConfig struct {
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// BackendConfig addresses one protocol backend server.
type BackendConfig struct {
	Name    string            `mapstructure:"name"`
	Kind    string            `mapstructure:"kind"` // indi, alpaca, simulated
	Host    string            `mapstructure:"host"`
	Port    int               `mapstructure:"port"`
	Timeout time.Duration     `mapstructure:"timeout"`
	Enabled bool              `mapstructure:"enabled"`
	Options map[string]string `mapstructure:"options"`
}

// Load reads configuration from the given file, or from the default
// search paths when path is empty, applying defaults and LITHIUM_*
// environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/lithium")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config file: %w", err)
			}
			// no file found, defaults and env vars apply
		}
	}

	v.SetEnvPrefix("LITHIUM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidConfig, err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("devices_path", "./config/devices.yaml")

	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)

	v.SetDefault("api.auth_enabled", false)
	v.SetDefault("api.api_key", "")
	v.SetDefault("api.max_request_body_size", 1048576)
	v.SetDefault("api.allowed_origins", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.time_format", time.RFC3339Nano)
	v.SetDefault("log.no_color", false)

	v.SetDefault("monitor.interval", 5*time.Second)
	v.SetDefault("monitor.max_history", 100)
	v.SetDefault("monitor.alert_cooldown", time.Minute)
	v.SetDefault("monitor.healthy_threshold", 0.5)

	v.SetDefault("influx.enabled", false)
	v.SetDefault("influx.url", "http://localhost:8086")
	v.SetDefault("influx.bucket", "observatory")
	v.SetDefault("influx.batch_size", 100)
	v.SetDefault("influx.flush_interval_seconds", 10)

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "lithium-devmanager")
	v.SetDefault("mqtt.topic_prefix", "observatory")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.clean_session", true)
	v.SetDefault("mqtt.keep_alive", 30*time.Second)
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)
	v.SetDefault("mqtt.reconnect_delay", 5*time.Second)
	v.SetDefault("mqtt.publish_timeout", 5*time.Second)
	v.SetDefault("mqtt.buffer_size", 4096)

	v.SetDefault("store.enabled", false)
	v.SetDefault("store.path", "./data/config.db")
	v.SetDefault("store.busy_timeout", 5*time.Second)
	v.SetDefault("store.wal", true)
	v.SetDefault("store.keep_history", 50)

	v.SetDefault("pool.max_per_device", 4)
	v.SetDefault("pool.acquire_timeout", 5*time.Second)
	v.SetDefault("pool.connect_timeout", 10*time.Second)
	v.SetDefault("pool.idle_timeout", 5*time.Minute)
	v.SetDefault("pool.maintenance_interval", 30*time.Second)

	v.SetDefault("scheduler.policy", "priority")
	v.SetDefault("scheduler.max_concurrent_tasks", 10)
	v.SetDefault("scheduler.max_queue_size", 1000)
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.scheduling_interval", 100*time.Millisecond)
	v.SetDefault("scheduler.aging_interval", 30*time.Second)
	v.SetDefault("scheduler.max_execution_time", 5*time.Minute)
	v.SetDefault("scheduler.enable_aging", true)
	v.SetDefault("scheduler.enable_preemption", true)
	v.SetDefault("scheduler.enable_migration", true)
	v.SetDefault("scheduler.deadline_aware", true)

	v.SetDefault("resources.policy", "priority")
	v.SetDefault("resources.default_lease", 5*time.Minute)
	v.SetDefault("resources.max_renewals", 3)
	v.SetDefault("resources.sweep_interval", 10*time.Second)
	v.SetDefault("resources.auto_optimize", false)

	v.SetDefault("cache.max_entries", 10000)
	v.SetDefault("cache.default_ttl", 30*time.Second)
	v.SetDefault("cache.cleanup_interval", time.Minute)
	v.SetDefault("cache.policy", "lru")

	v.SetDefault("discovery.refresh_interval", time.Minute)
	v.SetDefault("discovery.timeout", 10*time.Second)
}

func bindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("environment", "LITHIUM_ENVIRONMENT")
	_ = v.BindEnv("devices_path", "LITHIUM_DEVICES_PATH")

	_ = v.BindEnv("http.port", "LITHIUM_HTTP_PORT")

	_ = v.BindEnv("api.auth_enabled", "LITHIUM_API_AUTH_ENABLED")
	_ = v.BindEnv("api.api_key", "LITHIUM_API_KEY")

	_ = v.BindEnv("log.level", "LITHIUM_LOG_LEVEL")
	_ = v.BindEnv("log.format", "LITHIUM_LOG_FORMAT")

	_ = v.BindEnv("mqtt.broker_url", "LITHIUM_MQTT_BROKER_URL")
	_ = v.BindEnv("mqtt.username", "LITHIUM_MQTT_USERNAME")
	_ = v.BindEnv("mqtt.password", "LITHIUM_MQTT_PASSWORD")

	_ = v.BindEnv("influx.url", "LITHIUM_INFLUX_URL")
	_ = v.BindEnv("influx.token", "LITHIUM_INFLUX_TOKEN")

	_ = v.BindEnv("store.path", "LITHIUM_STORE_PATH")
}

// Validate checks cross-field constraints the unmarshal cannot.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid http port %d", c.HTTP.Port)
	}
	if c.API.AuthEnabled && c.API.APIKey == "" {
		return fmt.Errorf("api auth enabled without an api key")
	}
	if c.MQTT.Enabled && c.MQTT.BrokerURL == "" {
		return fmt.Errorf("mqtt enabled without a broker url")
	}
	if c.Influx.Enabled && c.Influx.URL == "" {
		return fmt.Errorf("influx enabled without a url")
	}
	if c.Store.Enabled && c.Store.Path == "" {
		return fmt.Errorf("snapshot store enabled without a path")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler workers must be positive")
	}
	if c.Scheduler.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("scheduler max concurrent tasks must be positive")
	}
	if c.Pool.MaxPerDevice <= 0 {
		return fmt.Errorf("pool max per device must be positive")
	}
	seen := make(map[string]bool, len(c.Backends))
	for i, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("backend %d has no name", i)
		}
		if seen[b.Name] {
			return fmt.Errorf("duplicate backend name %q", b.Name)
		}
		seen[b.Name] = true
		switch b.Kind {
		case "indi", "alpaca", "simulated":
		default:
			return fmt.Errorf("backend %q has unknown kind %q", b.Name, b.Kind)
		}
	}
	return nil
}
