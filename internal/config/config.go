package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Auth      AuthConfig      `mapstructure:"auth"`
	XGT       XGTConfig       `mapstructure:"xgt"`
	Modbus    ModbusConfig    `mapstructure:"modbus"`
	Collector CollectorConfig `mapstructure:"collector"`
	Batch     BatchConfig     `mapstructure:"batch"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Devices   []DeviceConfig  `mapstructure:"devices"`
	Publish   PublishConfig   `mapstructure:"publish"`
}

type ServerConfig struct {
	GRPCPort        int           `mapstructure:"grpc_port"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver         string `mapstructure:"driver"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	// Path is the SQLite file, ":memory:" for a throwaway database.
	Path string `mapstructure:"path"`
}

// Auth Configuration. Tokens are issued elsewhere; this service only
// validates them.
type AuthConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	JWTSecretEnv string `mapstructure:"jwt_secret_env"`
	Issuer       string `mapstructure:"issuer"`
}

type XGTConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	RetryCount     int           `mapstructure:"retry_count"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	Checksum       string        `mapstructure:"checksum"`
	VerifyChecksum bool          `mapstructure:"verify_checksum"`
	CPUInfo        int           `mapstructure:"cpu_info"`
}

type ModbusConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

type CollectorConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	IntervalMs int  `mapstructure:"interval_ms"`
}

func (c CollectorConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

type BatchConfig struct {
	Enabled       bool           `mapstructure:"enabled"`
	PLC           EndpointConfig `mapstructure:"plc"`
	JobsFile      string         `mapstructure:"jobs_file"`
	OutputDir     string         `mapstructure:"output_dir"`
	Export        []string       `mapstructure:"export"`
	InterJobDelay time.Duration  `mapstructure:"inter_job_delay"`
}

type EndpointConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type SchedulerConfig struct {
	Entries []ScheduleEntryConfig `mapstructure:"entries"`
}

type ScheduleEntryConfig struct {
	Name     string   `mapstructure:"name"`
	Interval string   `mapstructure:"interval"`
	Jobs     []string `mapstructure:"jobs"`
}

type DeviceConfig struct {
	Name        string      `mapstructure:"name"`
	Host        string      `mapstructure:"host"`
	Port        int         `mapstructure:"port"`
	Protocol    string      `mapstructure:"protocol"`
	UnitID      int         `mapstructure:"unit_id"`
	Description string      `mapstructure:"description"`
	Tags        []TagConfig `mapstructure:"tags"`
}

type TagConfig struct {
	Name        string   `mapstructure:"name"`
	Area        string   `mapstructure:"area"`
	Offset      int      `mapstructure:"offset"`
	DataType    string   `mapstructure:"data_type"`
	Description string   `mapstructure:"description"`
	Unit        string   `mapstructure:"unit"`
	Min         *float64 `mapstructure:"min"`
	Max         *float64 `mapstructure:"max"`
	Active      *bool    `mapstructure:"active"`
}

type PublishConfig struct {
	MQTT  MQTTConfig  `mapstructure:"mqtt"`
	Redis RedisConfig `mapstructure:"redis"`
	Kafka KafkaConfig `mapstructure:"kafka"`
}

type MQTTConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Broker    string `mapstructure:"broker"`
	ClientID  string `mapstructure:"client_id"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	RootTopic string `mapstructure:"root_topic"`
	QoS       int    `mapstructure:"qos"`
	Retain    bool   `mapstructure:"retain"`
}

type RedisConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	Channel   string        `mapstructure:"channel"`
	TTL       time.Duration `mapstructure:"ttl"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("logging.level", "info")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.max_connections", 10)
	v.SetDefault("database.path", "things-plc.db")

	v.SetDefault("auth.jwt_secret_env", "JWT_SECRET")

	// XGT Defaults
	v.SetDefault("xgt.timeout", "2s")
	v.SetDefault("xgt.idle_timeout", "0s")
	v.SetDefault("xgt.retry_count", 3)
	v.SetDefault("xgt.retry_delay", "1s")
	v.SetDefault("xgt.checksum", "sum")
	v.SetDefault("xgt.cpu_info", 0xB0)

	v.SetDefault("modbus.timeout", "1s")

	v.SetDefault("collector.enabled", true)
	v.SetDefault("collector.interval_ms", 1000)

	v.SetDefault("batch.plc.port", 2004)
	v.SetDefault("batch.output_dir", "batch_results")
	v.SetDefault("batch.export", []string{"json", "csv"})
	v.SetDefault("batch.inter_job_delay", "500ms")

	v.SetDefault("publish.mqtt.client_id", "things-plc")
	v.SetDefault("publish.mqtt.root_topic", "things-plc")
	v.SetDefault("publish.redis.key_prefix", "things-plc")
	v.SetDefault("publish.redis.channel", "things-plc:readings")
	v.SetDefault("publish.kafka.topic", "things-plc.readings")
}

// Load reads the YAML file at path. Environment variables with the THINGS_
// prefix override file values (THINGS_XGT_TIMEOUT for xgt.timeout).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix("THINGS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q: want postgres or sqlite", c.Database.Driver))
	}
	if c.Collector.IntervalMs <= 0 {
		errs = append(errs, fmt.Errorf("collector.interval_ms must be positive"))
	}
	if c.XGT.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("xgt.timeout must be positive"))
	}
	if c.XGT.RetryCount < 0 {
		errs = append(errs, fmt.Errorf("xgt.retry_count must not be negative"))
	}
	switch c.XGT.Checksum {
	case "sum", "none":
	default:
		errs = append(errs, fmt.Errorf("xgt.checksum %q: want sum or none", c.XGT.Checksum))
	}
	if c.XGT.CPUInfo < 0 || c.XGT.CPUInfo > 0xFF {
		errs = append(errs, fmt.Errorf("xgt.cpu_info %d out of range", c.XGT.CPUInfo))
	}

	if c.Batch.Enabled {
		if c.Batch.PLC.Host == "" {
			errs = append(errs, fmt.Errorf("batch.plc.host is required"))
		}
		if c.Batch.JobsFile == "" {
			errs = append(errs, fmt.Errorf("batch.jobs_file is required"))
		}
		for _, e := range c.Batch.Export {
			switch e {
			case "json", "csv", "database":
			default:
				errs = append(errs, fmt.Errorf("batch.export %q: want json, csv or database", e))
			}
		}
	}

	names := make(map[string]bool)
	for i, e := range c.Scheduler.Entries {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("scheduler.entries[%d]: name is required", i))
		} else if names[e.Name] {
			errs = append(errs, fmt.Errorf("scheduler.entries[%d]: duplicate name %q", i, e.Name))
		}
		names[e.Name] = true
		if e.Interval == "" {
			errs = append(errs, fmt.Errorf("scheduler.entries[%d]: interval is required", i))
		}
	}

	devices := make(map[string]bool)
	for i, d := range c.Devices {
		if d.Name == "" || d.Host == "" {
			errs = append(errs, fmt.Errorf("devices[%d]: name and host are required", i))
		}
		if devices[d.Name] {
			errs = append(errs, fmt.Errorf("devices[%d]: duplicate name %q", i, d.Name))
		}
		devices[d.Name] = true
		switch d.Protocol {
		case "", "xgt", "modbus":
		default:
			errs = append(errs, fmt.Errorf("devices[%d]: unknown protocol %q", i, d.Protocol))
		}
		for j, t := range d.Tags {
			if t.Area == "" {
				errs = append(errs, fmt.Errorf("devices[%d].tags[%d]: area is required", i, j))
			}
			if t.Offset < 0 {
				errs = append(errs, fmt.Errorf("devices[%d].tags[%d]: offset must not be negative", i, j))
			}
			if t.Min != nil && t.Max != nil && *t.Min > *t.Max {
				errs = append(errs, fmt.Errorf("devices[%d].tags[%d]: min greater than max", i, j))
			}
		}
	}

	if c.Publish.MQTT.Enabled && c.Publish.MQTT.Broker == "" {
		errs = append(errs, fmt.Errorf("publish.mqtt.broker is required"))
	}
	if c.Publish.Redis.Enabled && c.Publish.Redis.Addr == "" {
		errs = append(errs, fmt.Errorf("publish.redis.addr is required"))
	}
	if c.Publish.Kafka.Enabled && len(c.Publish.Kafka.Brokers) == 0 {
		errs = append(errs, fmt.Errorf("publish.kafka.brokers is required"))
	}

	return errors.Join(errs...)
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// JWTSecret reads the signing secret from the configured environment variable.
func (a *AuthConfig) JWTSecret() (string, error) {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "JWT_SECRET"
	}
	secret := os.Getenv(envVar)
	if len(secret) < 32 {
		return "", fmt.Errorf("%s must hold at least 32 characters", envVar)
	}
	return secret, nil
}
