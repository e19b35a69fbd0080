package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"peerlink/pkg/validation"
)

type Config struct {
	Device struct {
		ID       string `yaml:"id"`
		Name     string `yaml:"name"`
		Platform string `yaml:"platform"`
		Token    string `yaml:"token"`
	} `yaml:"device"`

	Signaling struct {
		URL                  string        `yaml:"url"`
		ConnectTimeout       time.Duration `yaml:"connect_timeout"`
		RequestTimeout       time.Duration `yaml:"request_timeout"`
		HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
		ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
		MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	} `yaml:"signaling"`

	WebRTC struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
		PortRange struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		Channels []struct {
			Label          string  `yaml:"label"`
			Ordered        bool    `yaml:"ordered"`
			MaxRetransmits *uint16 `yaml:"max_retransmits,omitempty"`
		} `yaml:"channels"`
		StatsInterval time.Duration `yaml:"stats_interval"`
	} `yaml:"webrtc"`

	Manager struct {
		MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
		ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
		StaleTimeout         time.Duration `yaml:"stale_timeout"`
		SweepInterval        time.Duration `yaml:"sweep_interval"`
		CloseGraceDelay      time.Duration `yaml:"close_grace_delay"`
		DiscoveryWindow      time.Duration `yaml:"discovery_window"`
	} `yaml:"manager"`

	Optimizer struct {
		MinBitrateBps   int64         `yaml:"min_bitrate_bps"`
		MaxBitrateBps   int64         `yaml:"max_bitrate_bps"`
		Hysteresis      float64       `yaml:"hysteresis"`
		MeasureInterval time.Duration `yaml:"measure_interval"`
		HistorySize     int           `yaml:"history_size"`
	} `yaml:"optimizer"`

	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Relay struct {
		Address           string        `yaml:"address"`
		PingInterval      time.Duration `yaml:"ping_interval"`
		PongTimeout       time.Duration `yaml:"pong_timeout"`
		MessagesPerSecond float64       `yaml:"messages_per_second"`
		Burst             int           `yaml:"burst"`
		JWTSecret         string        `yaml:"jwt_secret"`
		RequireAuth       bool          `yaml:"require_auth"`
	} `yaml:"relay"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`
		HTTP    struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`
	} `yaml:"rate_limiting"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled    bool    `yaml:"enabled"`
		JaegerURL  string  `yaml:"jaeger_url"`
		SampleRate float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Device.ID == "" {
		return fmt.Errorf("device.id must not be empty")
	}
	if err := validation.ValidateDeviceID(c.Device.ID); err != nil {
		return fmt.Errorf("device.id: %w", err)
	}
	if c.Device.Name != "" {
		if err := validation.ValidateDeviceName(c.Device.Name); err != nil {
			return fmt.Errorf("device.name: %w", err)
		}
	}

	if c.Signaling.URL == "" {
		return fmt.Errorf("signaling.url must not be empty")
	}
	if err := validation.ValidateSignalingURL(c.Signaling.URL); err != nil {
		return fmt.Errorf("signaling.url: %w", err)
	}
	if c.Signaling.ConnectTimeout <= 0 {
		return fmt.Errorf("signaling.connect_timeout must be > 0")
	}
	if c.Signaling.RequestTimeout <= 0 {
		return fmt.Errorf("signaling.request_timeout must be > 0")
	}
	if c.Signaling.HeartbeatInterval <= 0 {
		return fmt.Errorf("signaling.heartbeat_interval must be > 0")
	}
	if c.Signaling.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("signaling.reconnect_base_delay must be > 0")
	}
	if c.Signaling.MaxReconnectAttempts < 0 {
		return fmt.Errorf("signaling.max_reconnect_attempts must be >= 0")
	}

	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}
	if c.WebRTC.StatsInterval <= 0 {
		return fmt.Errorf("webrtc.stats_interval must be > 0")
	}

	if c.Manager.MaxReconnectAttempts < 0 {
		return fmt.Errorf("manager.max_reconnect_attempts must be >= 0")
	}
	if c.Manager.ReconnectDelay <= 0 {
		return fmt.Errorf("manager.reconnect_delay must be > 0")
	}
	if c.Manager.StaleTimeout <= 0 {
		return fmt.Errorf("manager.stale_timeout must be > 0")
	}
	if c.Manager.SweepInterval <= 0 {
		return fmt.Errorf("manager.sweep_interval must be > 0")
	}
	if c.Manager.CloseGraceDelay < 0 {
		return fmt.Errorf("manager.close_grace_delay must be >= 0")
	}
	if c.Manager.DiscoveryWindow <= 0 {
		return fmt.Errorf("manager.discovery_window must be > 0")
	}

	if c.Optimizer.MinBitrateBps <= 0 {
		return fmt.Errorf("optimizer.min_bitrate_bps must be > 0")
	}
	if c.Optimizer.MaxBitrateBps <= c.Optimizer.MinBitrateBps {
		return fmt.Errorf("optimizer.max_bitrate_bps must be > min_bitrate_bps")
	}
	if c.Optimizer.Hysteresis <= 0 || c.Optimizer.Hysteresis >= 1 {
		return fmt.Errorf("optimizer.hysteresis must be in (0, 1)")
	}
	if c.Optimizer.MeasureInterval <= 0 {
		return fmt.Errorf("optimizer.measure_interval must be > 0")
	}
	if c.Optimizer.HistorySize <= 0 {
		return fmt.Errorf("optimizer.history_size must be > 0")
	}

	if c.Relay.Address == "" {
		return fmt.Errorf("relay.address must not be empty")
	}
	if c.Relay.PingInterval <= 0 {
		return fmt.Errorf("relay.ping_interval must be > 0")
	}
	if c.Relay.PongTimeout <= 0 {
		return fmt.Errorf("relay.pong_timeout must be > 0")
	}
	if c.Relay.RequireAuth && c.Relay.JWTSecret == "" {
		return fmt.Errorf("relay.jwt_secret must not be empty when relay.require_auth=true")
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate_limiting.enabled=true")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate_limiting.enabled=true")
		}
	}

	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort <= 0 {
		return fmt.Errorf("monitoring.prometheus_port must be > 0 when prometheus_enabled=true")
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Device.ID = ""
	cfg.Device.Name = "peerlink-device"
	cfg.Device.Platform = "linux"

	cfg.Signaling.URL = "ws://localhost:8081/ws"
	cfg.Signaling.ConnectTimeout = 10 * time.Second
	cfg.Signaling.RequestTimeout = 30 * time.Second
	cfg.Signaling.HeartbeatInterval = 30 * time.Second
	cfg.Signaling.ReconnectBaseDelay = 1 * time.Second
	cfg.Signaling.MaxReconnectAttempts = 5

	cfg.WebRTC.StatsInterval = 5 * time.Second

	cfg.Manager.MaxReconnectAttempts = 3
	cfg.Manager.ReconnectDelay = 2 * time.Second
	cfg.Manager.StaleTimeout = 60 * time.Second
	cfg.Manager.SweepInterval = 15 * time.Second
	cfg.Manager.CloseGraceDelay = 5 * time.Second
	cfg.Manager.DiscoveryWindow = 5 * time.Second

	cfg.Optimizer.MinBitrateBps = 500_000
	cfg.Optimizer.MaxBitrateBps = 8_000_000
	cfg.Optimizer.Hysteresis = 0.2
	cfg.Optimizer.MeasureInterval = 10 * time.Second
	cfg.Optimizer.HistorySize = 10

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Relay.Address = ":8081"
	cfg.Relay.PingInterval = 30 * time.Second
	cfg.Relay.PongTimeout = 60 * time.Second
	cfg.Relay.MessagesPerSecond = 100
	cfg.Relay.Burst = 200
	cfg.Relay.RequireAuth = false

	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 256

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.PrometheusPort = 9090

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	return cfg
}

func (c *Config) applyEnvOverrides() {
	// Apply environment variable overrides
	if id := os.Getenv("PEERLINK_DEVICE_ID"); id != "" {
		c.Device.ID = id
	}
	if token := os.Getenv("PEERLINK_DEVICE_TOKEN"); token != "" {
		c.Device.Token = token
	}
	if url := os.Getenv("PEERLINK_SIGNALING_URL"); url != "" {
		c.Signaling.URL = url
	}
	if addr := os.Getenv("PEERLINK_RELAY_ADDRESS"); addr != "" {
		c.Relay.Address = addr
	}
	if secret := os.Getenv("PEERLINK_RELAY_JWT_SECRET"); secret != "" {
		c.Relay.JWTSecret = secret
	}
	if level := os.Getenv("PEERLINK_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}
