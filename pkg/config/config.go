// Package config loads the EvoACS configuration from YAML with environment
// variable overrides.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the ACS server
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Consul   ConsulConfig   `yaml:"consul"`
	CWMP     CWMPConfig     `yaml:"cwmp"`
	USP      USPConfig      `yaml:"usp"`
}

// ServerConfig holds listener ports for the ACS
type ServerConfig struct {
	ACSPort       int    `yaml:"acs_port"`       // CWMP + USP protocol endpoints
	APIPort       int    `yaml:"api_port"`       // operator REST API
	WebSocketPort int    `yaml:"websocket_port"` // USP WebSocket MTP
	HealthPort    int    `yaml:"health_port"`    // health/status/metrics
	ReadTimeout   string `yaml:"read_timeout"`
	WriteTimeout  string `yaml:"write_timeout"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// KafkaConfig holds the event bus settings
type KafkaConfig struct {
	Enabled bool        `yaml:"enabled"`
	Brokers []string    `yaml:"brokers"`
	Topics  KafkaTopics `yaml:"topics"`
}

// KafkaTopics names the egress event topics
type KafkaTopics struct {
	DeviceEvents  string `yaml:"device_events"`
	CWMPMessages  string `yaml:"cwmp_messages"`
	USPMessages   string `yaml:"usp_messages"`
	TaskEvents    string `yaml:"task_events"`
	CommandEvents string `yaml:"command_events"`
}

// MQTTConfig holds the USP MQTT MTP settings
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BrokerURL   string `yaml:"broker_url"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"` // per-device topics are <prefix>/<endpoint-id>
}

// ConsulConfig holds optional service registration settings
type ConsulConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Token   string `yaml:"token"`
}

// CWMPConfig holds TR-069 session engine settings
type CWMPConfig struct {
	SessionTimeout           string `yaml:"session_timeout"`            // cookie/session TTL
	CommandBatchLimit        int    `yaml:"command_batch_limit"`        // pending commands pulled per session
	WatchdogTimeout          string `yaml:"watchdog_timeout"`           // processing → stuck threshold
	WatchdogSweepInterval    string `yaml:"watchdog_sweep_interval"`    // global sweep; empty disables
	ConnectionRequestTimeout string `yaml:"connection_request_timeout"` // outbound wake-up call
	MaxCommandRetries        int    `yaml:"max_command_retries"`
}

// USPConfig holds TR-369 settings
type USPConfig struct {
	ControllerEndpointID string `yaml:"controller_endpoint_id"`
	ProtocolVersion      string `yaml:"protocol_version"`
	PendingRequestTTL    string `yaml:"pending_request_ttl"` // HTTP polling store expiry
	HTTPTimeout          string `yaml:"http_timeout"`        // outbound POST to device
}

// Load reads configuration from the YAML file named by EVOACS_CONFIG (default
// configs/evoacs.yaml), applying .env and environment overrides. Missing file
// falls back to defaults so tests and dev setups run without one.
func Load() *Config {
	// Load .env if present; ignore absence
	if err := godotenv.Load(); err == nil {
		log.Printf("📋 Loaded environment from .env")
	}

	cfg := defaultConfig()

	path := os.Getenv("EVOACS_CONFIG")
	if path == "" {
		path = "configs/evoacs.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("⚠️  Config file %s not found, using defaults with env overrides", path)
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			log.Fatalf("❌ Failed to parse config file %s: %v", path, err)
		}
		log.Printf("✅ Loaded configuration from %s", path)
	}

	cfg.applyEnvOverrides()
	return cfg
}

func defaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.ACSPort = 7547
	cfg.Server.APIPort = 8080
	cfg.Server.WebSocketPort = 8081
	cfg.Server.HealthPort = 8090
	cfg.Server.ReadTimeout = "60s"
	cfg.Server.WriteTimeout = "60s"

	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "evoacs"
	cfg.Database.Password = "evoacs"
	cfg.Database.DBName = "evoacs_db"
	cfg.Database.SSLMode = "disable"

	cfg.Redis.Host = "localhost"
	cfg.Redis.Port = 6379

	cfg.Kafka.Brokers = []string{"localhost:9092"}
	cfg.Kafka.Topics = KafkaTopics{
		DeviceEvents:  "acs.device.events",
		CWMPMessages:  "acs.cwmp.messages",
		USPMessages:   "acs.usp.messages",
		TaskEvents:    "acs.task.events",
		CommandEvents: "acs.command.events",
	}

	cfg.MQTT.BrokerURL = "tcp://localhost:1883"
	cfg.MQTT.ClientID = "evoacs-controller"
	cfg.MQTT.TopicPrefix = "usp/agent"

	cfg.Consul.Address = "localhost:8500"

	cfg.CWMP.SessionTimeout = "5m"
	cfg.CWMP.CommandBatchLimit = 5
	cfg.CWMP.WatchdogTimeout = "5m"
	cfg.CWMP.WatchdogSweepInterval = "10m"
	cfg.CWMP.ConnectionRequestTimeout = "10s"
	cfg.CWMP.MaxCommandRetries = 3

	cfg.USP.ControllerEndpointID = "proto::evoacs-controller"
	cfg.USP.ProtocolVersion = "1.3"
	cfg.USP.PendingRequestTTL = "1h"
	cfg.USP.HTTPTimeout = "30s"

	return cfg
}

// applyEnvOverrides maps selected environment variables onto the config
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DB_HOST"); v != "" {
		c.Database.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Database.Port = p
		}
	}
	if v := os.Getenv("DB_USER"); v != "" {
		c.Database.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		c.Database.DBName = v
	}
	if v := os.Getenv("DB_SSLMODE"); v != "" {
		c.Database.SSLMode = v
	}
	if v := os.Getenv("REDIS_HOST"); v != "" {
		c.Redis.Host = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = []string{v}
	}
	if v := os.Getenv("MQTT_BROKER_URL"); v != "" {
		c.MQTT.BrokerURL = v
	}
	if v := os.Getenv("CONSUL_ADDRESS"); v != "" {
		c.Consul.Address = v
	}
	if v := os.Getenv("ACS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.ACSPort = p
		}
	}
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// Duration parses a duration field, falling back to def on empty or bad input
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		log.Printf("⚠️  Invalid duration %q, using %s", s, def)
		return def
	}
	return d
}
