package config

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds the complete configuration for the service.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	ServiceBus ServiceBusConfig `mapstructure:"service_bus"`
	MQTT       *MQTTConfig      `mapstructure:"mqtt"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Reporter   ReporterConfig   `mapstructure:"reporter"`
	Logger     *logrus.Logger
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
}

// ServiceBusConfig holds the optional Azure Service Bus event relay settings.
type ServiceBusConfig struct {
	ConnectionString string `mapstructure:"connection_string"`
	QueueName        string `mapstructure:"queue_name"`
}

// MQTTConfig holds the optional MQTT broker settings for status ingestion.
type MQTTConfig struct {
	BrokerURL         string        `mapstructure:"broker_url"`
	ClientID          string        `mapstructure:"client_id"`
	Username          string        `mapstructure:"username"`
	Password          string        `mapstructure:"password"`
	QoS               byte          `mapstructure:"qos"`
	CleanSession      bool          `mapstructure:"clean_session"`
	Topic             string        `mapstructure:"topic"`
	KeepAlive         time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	MaxReconnectDelay time.Duration `mapstructure:"max_reconnect_delay"`
}

// QueueConfig holds the waiting-queue timeout settings.
type QueueConfig struct {
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	RemindAfter   time.Duration `mapstructure:"remind_after"`
	ExtendBy      time.Duration `mapstructure:"extend_by"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

// MonitorConfig holds heartbeat and data-retention settings.
type MonitorConfig struct {
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	RetentionDays     int           `mapstructure:"retention_days"`
	ResultsTimeout    time.Duration `mapstructure:"results_timeout"`
}

// ReporterConfig holds the device-side reporter agent settings.
type ReporterConfig struct {
	ServerURL      string        `mapstructure:"server_url"`
	DeviceCode     string        `mapstructure:"device_code"`
	DeviceName     string        `mapstructure:"device_name"`
	Model          string        `mapstructure:"model"`
	Location       string        `mapstructure:"location"`
	ClientBaseURL  string        `mapstructure:"client_base_url"`
	ProgressFile   string        `mapstructure:"progress_file"`
	MetricsFile    string        `mapstructure:"metrics_file"`
	ResultsDir     string        `mapstructure:"results_dir"`
	ReportInterval time.Duration `mapstructure:"report_interval"`
}

// Load reads configuration from a file and environment variables.
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("MONITOR")
	viper.AutomaticEnv()

	// Set defaults
	viper.SetDefault("server.port", 8000)
	viper.SetDefault("server.read_timeout", "15s")
	viper.SetDefault("server.write_timeout", "15s")

	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 10)
	viper.SetDefault("database.conn_max_lifetime", "5m")

	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.min_idle_conns", 5)
	viper.SetDefault("redis.dial_timeout", "5s")

	viper.SetDefault("mqtt.qos", 1)
	viper.SetDefault("mqtt.clean_session", false)
	viper.SetDefault("mqtt.topic", "devices/+/status")
	viper.SetDefault("mqtt.keep_alive", "30s")
	viper.SetDefault("mqtt.connect_timeout", "10s")
	viper.SetDefault("mqtt.max_reconnect_delay", "2m")

	viper.SetDefault("queue.idle_timeout", "300s")
	viper.SetDefault("queue.remind_after", "60s")
	viper.SetDefault("queue.extend_by", "300s")
	viper.SetDefault("queue.check_interval", "10s")

	viper.SetDefault("monitor.heartbeat_timeout", "30s")
	viper.SetDefault("monitor.heartbeat_interval", "10s")
	viper.SetDefault("monitor.retention_days", 30)
	viper.SetDefault("monitor.results_timeout", "20s")

	viper.SetDefault("reporter.server_url", "http://localhost:8000")
	viper.SetDefault("reporter.report_interval", "5s")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error if using env vars
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}
