package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ElementAstro/lithium-next-sub000/internal/adapter/config"
	"github.com/ElementAstro/lithium-next-sub000/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Environment != "development" {
		t.Errorf("Environment = %q, want development", cfg.Environment)
	}
	if cfg.HTTP.Port != 8080 {
		t.Errorf("HTTP.Port = %d, want 8080", cfg.HTTP.Port)
	}
	if cfg.HTTP.ReadTimeout != 10*time.Second {
		t.Errorf("HTTP.ReadTimeout = %v, want 10s", cfg.HTTP.ReadTimeout)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v, want info/json", cfg.Log)
	}
	if cfg.Scheduler.Policy != "priority" || cfg.Scheduler.Workers != 4 {
		t.Errorf("Scheduler = %+v, want priority policy with 4 workers", cfg.Scheduler)
	}
	if !cfg.Scheduler.EnablePreemption || !cfg.Scheduler.EnableAging {
		t.Errorf("Scheduler preemption/aging should default on: %+v", cfg.Scheduler)
	}
	if cfg.Pool.MaxPerDevice != 4 {
		t.Errorf("Pool.MaxPerDevice = %d, want 4", cfg.Pool.MaxPerDevice)
	}
	if cfg.Cache.MaxEntries != 10000 || cfg.Cache.DefaultTTL != 30*time.Second {
		t.Errorf("Cache = %+v", cfg.Cache)
	}
	if cfg.MQTT.Enabled || cfg.Influx.Enabled || cfg.Store.Enabled {
		t.Errorf("optional integrations should default off")
	}
	if cfg.MQTT.BrokerURL != "tcp://localhost:1883" {
		t.Errorf("MQTT.BrokerURL = %q", cfg.MQTT.BrokerURL)
	}
	if cfg.Resources.DefaultLease != 5*time.Minute {
		t.Errorf("Resources.DefaultLease = %v, want 5m", cfg.Resources.DefaultLease)
	}
	if cfg.Discovery.RefreshInterval != time.Minute {
		t.Errorf("Discovery.RefreshInterval = %v, want 1m", cfg.Discovery.RefreshInterval)
	}
	if len(cfg.Backends) != 0 {
		t.Errorf("Backends should default empty, got %d", len(cfg.Backends))
	}
}

func TestLoadFromFile(t *testing.T) {
	yml := `
environment: production
devices_path: /etc/lithium/devices.yaml
http:
  port: 9090
  read_timeout: 15s
log:
  level: debug
  format: console
scheduler:
  policy: deadline
  workers: 2
  max_execution_time: 2m
mqtt:
  enabled: true
  broker_url: tls://broker.example.org:8883
  topic_prefix: obs/site-a
  qos: 2
store:
  enabled: true
  path: /var/lib/lithium/config.db
backends:
  - name: indi-main
    kind: indi
    host: 127.0.0.1
    port: 7624
    timeout: 5s
    enabled: true
  - name: alpaca-dome
    kind: alpaca
    host: 10.0.0.12
    port: 11111
    enabled: false
    options:
      device_number: "0"
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yml), 0600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Environment != "production" {
		t.Errorf("Environment = %q", cfg.Environment)
	}
	if cfg.DevicesPath != "/etc/lithium/devices.yaml" {
		t.Errorf("DevicesPath = %q", cfg.DevicesPath)
	}
	if cfg.HTTP.Port != 9090 || cfg.HTTP.ReadTimeout != 15*time.Second {
		t.Errorf("HTTP = %+v", cfg.HTTP)
	}
	// Unset file keys keep their defaults.
	if cfg.HTTP.WriteTimeout != 10*time.Second {
		t.Errorf("HTTP.WriteTimeout = %v, want default 10s", cfg.HTTP.WriteTimeout)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "console" {
		t.Errorf("Log = %+v", cfg.Log)
	}
	if cfg.Scheduler.Policy != "deadline" || cfg.Scheduler.Workers != 2 {
		t.Errorf("Scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Scheduler.MaxExecutionTime != 2*time.Minute {
		t.Errorf("Scheduler.MaxExecutionTime = %v", cfg.Scheduler.MaxExecutionTime)
	}
	if !cfg.MQTT.Enabled || cfg.MQTT.BrokerURL != "tls://broker.example.org:8883" {
		t.Errorf("MQTT = %+v", cfg.MQTT)
	}
	if cfg.MQTT.TopicPrefix != "obs/site-a" || cfg.MQTT.QoS != 2 {
		t.Errorf("MQTT topic/qos = %q/%d", cfg.MQTT.TopicPrefix, cfg.MQTT.QoS)
	}
	if !cfg.Store.Enabled || cfg.Store.Path != "/var/lib/lithium/config.db" {
		t.Errorf("Store = %+v", cfg.Store)
	}

	if len(cfg.Backends) != 2 {
		t.Fatalf("len(Backends) = %d, want 2", len(cfg.Backends))
	}
	b0 := cfg.Backends[0]
	if b0.Name != "indi-main" || b0.Kind != "indi" || b0.Port != 7624 || !b0.Enabled {
		t.Errorf("Backends[0] = %+v", b0)
	}
	if b0.Timeout != 5*time.Second {
		t.Errorf("Backends[0].Timeout = %v", b0.Timeout)
	}
	b1 := cfg.Backends[1]
	if b1.Name != "alpaca-dome" || b1.Kind != "alpaca" || b1.Enabled {
		t.Errorf("Backends[1] = %+v", b1)
	}
	if b1.Options["device_number"] != "0" {
		t.Errorf("Backends[1].Options = %v", b1.Options)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("LITHIUM_HTTP_PORT", "9999")
	t.Setenv("LITHIUM_LOG_LEVEL", "warn")
	t.Setenv("LITHIUM_MQTT_PASSWORD", "hunter2")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Port != 9999 {
		t.Errorf("HTTP.Port = %d, want env override 9999", cfg.HTTP.Port)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want warn", cfg.Log.Level)
	}
	if cfg.MQTT.Password != "hunter2" {
		t.Errorf("MQTT.Password not taken from environment")
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("Load should fail for an explicit path that does not exist")
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	yml := `
http:
  port: 70000
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yml), 0600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	_, err := config.Load(path)
	if !errors.Is(err, domain.ErrInvalidConfig) {
		t.Fatalf("Load = %v, want ErrInvalidConfig", err)
	}
}

func TestValidate(t *testing.T) {
	base := func() *config.Config {
		cfg, err := config.Load("")
		if err != nil {
			t.Fatalf("Load baseline: %v", err)
		}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"zero http port", func(c *config.Config) { c.HTTP.Port = 0 }},
		{"auth without key", func(c *config.Config) { c.API.AuthEnabled = true; c.API.APIKey = "" }},
		{"mqtt without broker", func(c *config.Config) { c.MQTT.Enabled = true; c.MQTT.BrokerURL = "" }},
		{"influx without url", func(c *config.Config) { c.Influx.Enabled = true; c.Influx.URL = "" }},
		{"store without path", func(c *config.Config) { c.Store.Enabled = true; c.Store.Path = "" }},
		{"zero workers", func(c *config.Config) { c.Scheduler.Workers = 0 }},
		{"zero concurrency", func(c *config.Config) { c.Scheduler.MaxConcurrentTasks = 0 }},
		{"zero pool size", func(c *config.Config) { c.Pool.MaxPerDevice = 0 }},
		{"nameless backend", func(c *config.Config) {
			c.Backends = []config.BackendConfig{{Kind: "indi", Host: "h", Port: 1}}
		}},
		{"duplicate backend", func(c *config.Config) {
			c.Backends = []config.BackendConfig{
				{Name: "b", Kind: "indi", Host: "h", Port: 1},
				{Name: "b", Kind: "alpaca", Host: "h", Port: 2},
			}
		}},
		{"unknown backend kind", func(c *config.Config) {
			c.Backends = []config.BackendConfig{{Name: "b", Kind: "ascom", Host: "h", Port: 1}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("Validate should fail")
			}
		})
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("baseline Validate: %v", err)
	}
}
