package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// MQTT Configuration
	MQTTBroker       string
	MQTTClientID     string
	MQTTUsername     string
	MQTTPassword     string
	MQTTQoS          int
	MQTTConnectWait  time.Duration
	ConfirmResponses bool

	// Command topic scheme: {namespace}/{device_id}/{class}/{verb}
	MQTTNamespace    string
	MQTTCommandClass string
	MQTTCommandVerb  string
	MQTTResponseVerb string

	// Command timeouts
	PublishTimeout  time.Duration
	ResponseTimeout time.Duration

	// ClickHouse Configuration (counter telemetry)
	ClickHouseAddr string
	ClickHouseDB   string
	ClickHouseUser string
	ClickHousePass string

	// MySQL Configuration (devices, batches, reset log)
	DBUser            string
	DBPassword        string
	DBHost            string
	DBPort            string
	DBName            string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	// Redis Configuration (distributed device lock)
	RedisAddr     string
	RedisPassword string
	DeviceLockTTL time.Duration

	// Scheduling
	SchedulerTick      time.Duration
	SchedulerTolerance time.Duration
	ReconcileInterval  time.Duration
	Timezone           string

	// HTTP admin surface
	HTTPAddr           string
	GinMode            string
	CORSAllowedOrigins []string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from .env (if present) and the process environment
func Load() *Config {
	// Load .env file if it exists
	_ = godotenv.Load()

	return &Config{
		// MQTT Configuration
		MQTTBroker:       getEnv("MQTT_BROKER", "tcp://localhost:1883"),
		MQTTClientID:     getEnv("MQTT_CLIENT_ID", "counter-backend"),
		MQTTUsername:     getEnv("MQTT_USERNAME", ""),
		MQTTPassword:     getEnv("MQTT_PASSWORD", ""),
		MQTTQoS:          getEnvInt("MQTT_QOS", 1),
		MQTTConnectWait:  getEnvDuration("MQTT_CONNECT_TIMEOUT", 15*time.Second),
		ConfirmResponses: getEnvBool("MQTT_CONFIRM_RESPONSES", false),

		MQTTNamespace:    getEnv("MQTT_NAMESPACE", "devices"),
		MQTTCommandClass: getEnv("MQTT_COMMAND_CLASS", "counter"),
		MQTTCommandVerb:  getEnv("MQTT_COMMAND_VERB", "reset"),
		MQTTResponseVerb: getEnv("MQTT_RESPONSE_VERB", "response"),

		PublishTimeout:  getEnvDuration("COMMAND_PUBLISH_TIMEOUT", 10*time.Second),
		ResponseTimeout: getEnvDuration("COMMAND_RESPONSE_TIMEOUT", 20*time.Second),

		// ClickHouse Configuration
		ClickHouseAddr: getEnv("CLICKHOUSE_ADDR", "localhost:9000"),
		ClickHouseDB:   getEnv("CLICKHOUSE_DB", "iot"),
		ClickHouseUser: getEnv("CLICKHOUSE_USER", "default"),
		ClickHousePass: getEnv("CLICKHOUSE_PASS", ""),

		// MySQL Configuration
		DBUser:            getEnv("DB_USER", "root"),
		DBPassword:        getEnv("DB_PASSWORD", ""),
		DBHost:            getEnv("DB_HOST", "127.0.0.1"),
		DBPort:            getEnv("DB_PORT", "3306"),
		DBName:            getEnv("DB_NAME", "counters"),
		DBMaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
		DBMaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 10),
		DBConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),

		// Redis Configuration
		RedisAddr:     getEnv("REDIS_ADDRESS", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		DeviceLockTTL: getEnvDuration("DEVICE_LOCK_TTL", 30*time.Second),

		// Scheduling
		SchedulerTick:      getEnvDuration("SCHEDULER_TICK", time.Minute),
		SchedulerTolerance: getEnvDuration("SCHEDULER_TOLERANCE", 2*time.Minute),
		ReconcileInterval:  getEnvDuration("RECONCILE_INTERVAL", time.Minute),
		Timezone:           getEnv("TIMEZONE", "Local"),

		// HTTP
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
		GinMode:  getEnv("GIN_MODE", "release"),

		// Comma-separated; empty allows every origin
		CORSAllowedOrigins: splitAndTrim(getEnv("CORS_ALLOWED_ORIGINS", "")),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
}

// Validate rejects settings the services cannot run with
func (c *Config) Validate() error {
	if c.MQTTQoS < 0 || c.MQTTQoS > 2 {
		return fmt.Errorf("MQTT_QOS must be 0, 1 or 2, got %d", c.MQTTQoS)
	}
	for key, value := range map[string]string{
		"MQTT_NAMESPACE":     c.MQTTNamespace,
		"MQTT_COMMAND_CLASS": c.MQTTCommandClass,
		"MQTT_COMMAND_VERB":  c.MQTTCommandVerb,
		"MQTT_RESPONSE_VERB": c.MQTTResponseVerb,
	} {
		if value == "" {
			return fmt.Errorf("%s must not be empty", key)
		}
		if strings.ContainsAny(value, "+#/") {
			return fmt.Errorf("%s must be a single topic level without wildcards, got %q", key, value)
		}
	}
	if c.SchedulerTick <= 0 {
		return fmt.Errorf("SCHEDULER_TICK must be positive")
	}
	if c.SchedulerTolerance <= 0 || c.SchedulerTolerance >= 12*time.Hour {
		return fmt.Errorf("SCHEDULER_TOLERANCE must be between 0 and 12h, got %s", c.SchedulerTolerance)
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive")
	}
	if c.PublishTimeout <= 0 || c.ResponseTimeout <= 0 {
		return fmt.Errorf("command timeouts must be positive")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid TIMEZONE %q: %w", c.Timezone, err)
	}
	return nil
}

// Location resolves the configured timezone used for daily boundaries
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// RedisEnabled reports whether a distributed device lock should be used
func (c *Config) RedisEnabled() bool {
	return c.RedisAddr != "" && c.RedisAddr != "disabled"
}

// MySQLDSN builds the go-sql-driver DSN for gorm
func (c *Config) MySQLDSN() string {
	network := "tcp"
	address := fmt.Sprintf("%s:%s", c.DBHost, c.DBPort)
	if strings.HasPrefix(c.DBHost, "/") {
		network = "unix"
		address = c.DBHost
	}
	return fmt.Sprintf("%s:%s@%s(%s)/%s?parseTime=true&loc=UTC",
		c.DBUser, c.DBPassword, network, address, c.DBName)
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("Warning: failed to parse %s as int, using default: %v", key, err)
		return defaultValue
	}
	return intValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	boolValue, err := strconv.ParseBool(value)
	if err != nil {
		log.Printf("Warning: failed to parse %s as bool, using default: %v", key, err)
		return defaultValue
	}
	return boolValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("Warning: failed to parse %s as duration, using default: %v", key, err)
		return defaultValue
	}
	return duration
}

func splitAndTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
