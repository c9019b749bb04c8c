// Package config provides configuration management for the monitor.
// It supports environment variables, config files (YAML/JSON), and
// defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the monitor service.
type Config struct {
	// Environment is the deployment environment (development, staging, production)
	Environment string `mapstructure:"environment"`

	// RegistersPath is the path to the register definitions file
	RegistersPath string `mapstructure:"registers_path"`

	// HTTP server configuration
	HTTP HTTPConfig `mapstructure:"http"`

	// API configuration (authentication, request limits)
	API APIConfig `mapstructure:"api"`

	// Modbus device configuration
	Modbus ModbusConfig `mapstructure:"modbus"`

	// Monitor loop configuration
	Monitor MonitorConfig `mapstructure:"monitor"`

	// MQTT publishing configuration
	MQTT MQTTConfig `mapstructure:"mqtt"`

	// Redis store configuration
	Redis RedisConfig `mapstructure:"redis"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`
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
	// AuthEnabled enables API key authentication for mutating endpoints
	AuthEnabled bool `mapstructure:"auth_enabled"`

	// APIKey is the secret key required for authenticated endpoints
	APIKey string `mapstructure:"api_key"`

	// MaxRequestBodySize is the maximum allowed request body size in bytes
	MaxRequestBodySize int64 `mapstructure:"max_request_body_size"`

	// AllowedOrigins for CORS. Use "*" to allow all
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// ModbusConfig holds the target device configuration.
type ModbusConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	SlaveID        int           `mapstructure:"slave_id"`
	Timeout        time.Duration `mapstructure:"timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
}

// Address returns the host:port dial target.
func (c ModbusConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MonitorConfig holds monitoring loop configuration.
type MonitorConfig struct {
	// PollInterval is the sleep between poll cycles
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// FailureCeiling is the consecutive-failure budget
	FailureCeiling int `mapstructure:"failure_ceiling"`

	// Autostart launches the loop at service startup
	Autostart bool `mapstructure:"autostart"`
}

// MQTTConfig holds MQTT publishing configuration.
type MQTTConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BrokerURL      string        `mapstructure:"broker_url"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	CleanSession   bool          `mapstructure:"clean_session"`
	QoS            byte          `mapstructure:"qos"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	TLSEnabled     bool          `mapstructure:"tls_enabled"`
	TLSCertFile    string        `mapstructure:"tls_cert_file"`
	TLSKeyFile     string        `mapstructure:"tls_key_file"`
	TLSCAFile      string        `mapstructure:"tls_ca_file"`
	BufferSize     int           `mapstructure:"buffer_size"`
	RetainMessages bool          `mapstructure:"retain_messages"`
}

// RedisConfig holds the readings store configuration.
type RedisConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Addr        string `mapstructure:"addr"`
	Password    string `mapstructure:"password"`
	DB          int    `mapstructure:"db"`
	KeyPrefix   string `mapstructure:"key_prefix"`
	HistorySize int    `mapstructure:"history_size"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
	Output string `mapstructure:"output"` // stdout, stderr, or file path
}

// Load loads configuration from files and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/modbus-monitor")

	// Config file is optional; defaults and env vars suffice.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("MONITOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("registers_path", "./config/registers.yaml")

	// HTTP
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)

	// API security
	v.SetDefault("api.auth_enabled", false)
	v.SetDefault("api.api_key", "")
	v.SetDefault("api.max_request_body_size", 1048576)
	v.SetDefault("api.allowed_origins", []string{})

	// Modbus
	v.SetDefault("modbus.host", "localhost")
	v.SetDefault("modbus.port", 502)
	v.SetDefault("modbus.slave_id", 1)
	v.SetDefault("modbus.timeout", 5*time.Second)
	v.SetDefault("modbus.connect_timeout", 10*time.Second)
	v.SetDefault("modbus.idle_timeout", 60*time.Second)
	v.SetDefault("modbus.retry_attempts", 2)
	v.SetDefault("modbus.retry_delay", 100*time.Millisecond)

	// Monitor
	v.SetDefault("monitor.poll_interval", 1*time.Second)
	v.SetDefault("monitor.failure_ceiling", 5)
	v.SetDefault("monitor.autostart", false)

	// MQTT
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "modbus-monitor")
	v.SetDefault("mqtt.topic_prefix", "modbus")
	v.SetDefault("mqtt.clean_session", true)
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.keep_alive", 30*time.Second)
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)
	v.SetDefault("mqtt.reconnect_delay", 5*time.Second)
	v.SetDefault("mqtt.buffer_size", 10000)

	// Redis
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "modbus")
	v.SetDefault("redis.history_size", 1000)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

// bindEnvVars binds environment variables to config keys.
func bindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("environment", "ENVIRONMENT")
	_ = v.BindEnv("registers_path", "REGISTERS_PATH")

	// HTTP
	_ = v.BindEnv("http.port", "HTTP_PORT")

	// API security
	_ = v.BindEnv("api.auth_enabled", "API_AUTH_ENABLED")
	_ = v.BindEnv("api.api_key", "API_KEY")

	// Modbus device
	_ = v.BindEnv("modbus.host", "MODBUS_HOST")
	_ = v.BindEnv("modbus.port", "MODBUS_PORT")
	_ = v.BindEnv("modbus.slave_id", "MODBUS_SLAVE_ID")

	// MQTT
	_ = v.BindEnv("mqtt.enabled", "MQTT_ENABLED")
	_ = v.BindEnv("mqtt.broker_url", "MQTT_BROKER_URL")
	_ = v.BindEnv("mqtt.username", "MQTT_USERNAME")
	_ = v.BindEnv("mqtt.password", "MQTT_PASSWORD")

	// Redis
	_ = v.BindEnv("redis.enabled", "REDIS_ENABLED")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")

	// Logging
	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", "LOG_FORMAT")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Modbus.Host == "" {
		return fmt.Errorf("modbus host is required")
	}
	if c.Modbus.Port <= 0 || c.Modbus.Port > 65535 {
		return fmt.Errorf("invalid modbus port: %d", c.Modbus.Port)
	}
	if c.Modbus.SlaveID < 0 || c.Modbus.SlaveID > 247 {
		return fmt.Errorf("invalid modbus slave ID: %d", c.Modbus.SlaveID)
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTP.Port)
	}
	if c.Monitor.PollInterval <= 0 {
		return fmt.Errorf("monitor poll interval must be positive")
	}
	if c.Monitor.FailureCeiling <= 0 {
		return fmt.Errorf("monitor failure ceiling must be positive")
	}
	if c.MQTT.Enabled && c.MQTT.BrokerURL == "" {
		return fmt.Errorf("MQTT broker URL is required when MQTT is enabled")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required when redis is enabled")
	}
	if c.API.AuthEnabled && c.API.APIKey == "" {
		return fmt.Errorf("API key is required when authentication is enabled")
	}
	return nil
}
