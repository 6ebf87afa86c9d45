// Package config loads, merges, and validates application configuration from defaults and environment variables.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	App    AppConfig
	Redis  RedisConfig
	Engine EngineConfig
	Notify NotifyConfig
	Health HealthConfig
}

// AppConfig holds application-level configuration
type AppConfig struct {
	Name            string
	Environment     string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
}

// RedisConfig holds Redis connection configuration shared by the stream
// and state store clients.
type RedisConfig struct {
	Addresses       []string
	Username        string
	Password        string
	DB              int
	MasterName      string
	MaxRetries      int
	RetryInterval   time.Duration
	ConnectTimeout  time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	PoolSize        int
	MinIdleConns    int
	ConnMaxLifetime time.Duration
	PoolTimeout     time.Duration
	ConnMaxIdleTime time.Duration

	// BlockTime bounds how long one consume call blocks waiting for a
	// new entry before falling through to the claim scan.
	BlockTime time.Duration
}

// EngineConfig holds the command engine configuration.
type EngineConfig struct {
	QueueName     string
	ConsumerGroup string
	StatePrefix   string

	PollInterval       time.Duration
	ExecuteTimeout     time.Duration
	StateTTL           time.Duration
	ClaimTimeout       time.Duration
	ConsumeWarnTimeout time.Duration

	MinWorkers int
	MaxWorkers int
}

// NotifyConfig holds the optional MQTT lifecycle notifier configuration.
type NotifyConfig struct {
	Enabled           bool
	Brokers           []string
	ClientID          string
	Topic             string
	QoS               byte
	KeepAlive         time.Duration
	ConnectTimeout    time.Duration
	WriteTimeout      time.Duration
	MaxReconnectDelay time.Duration

	// Circuit breaker guarding publishes
	BreakerFailureThreshold int
	BreakerOpenTimeout      time.Duration
}

// HealthConfig holds health check configuration
type HealthConfig struct {
	Enabled      bool
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	RedisTimeout time.Duration
}

// Load loads configuration from environment variables and defaults
func Load() (*Config, error) {
	cfg := &Config{
		App:    loadAppConfig(),
		Redis:  loadRedisConfig(),
		Engine: loadEngineConfig(),
		Notify: loadNotifyConfig(),
		Health: loadHealthConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadAppConfig() AppConfig {
	return AppConfig{
		Name:            getEnv("APP_NAME", "command-engine"),
		Environment:     getEnv("APP_ENV", "production"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFormat:       getEnv("LOG_FORMAT", "json"),
		ShutdownTimeout: getDurationEnv("APP_SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		Addresses:       getEnvSlice("REDIS_ADDRESSES", []string{"localhost:6379"}),
		Username:        getEnv("REDIS_USERNAME", ""),
		Password:        getEnv("REDIS_PASSWORD", ""),
		DB:              getIntEnv("REDIS_DB", 0),
		MasterName:      getEnv("REDIS_MASTER_NAME", ""),
		MaxRetries:      getIntEnv("REDIS_MAX_RETRIES", 5),
		RetryInterval:   getDurationEnv("REDIS_RETRY_INTERVAL", 1*time.Second),
		ConnectTimeout:  getDurationEnv("REDIS_CONNECT_TIMEOUT", 5*time.Second),
		ReadTimeout:     getDurationEnv("REDIS_READ_TIMEOUT", 3*time.Second),
		WriteTimeout:    getDurationEnv("REDIS_WRITE_TIMEOUT", 3*time.Second),
		PoolSize:        getIntEnv("REDIS_POOL_SIZE", runtime.NumCPU()*10),
		MinIdleConns:    getIntEnv("REDIS_MIN_IDLE_CONNS", runtime.NumCPU()),
		ConnMaxLifetime: getDurationEnv("REDIS_MAX_CONN_AGE", 30*time.Minute),
		PoolTimeout:     getDurationEnv("REDIS_POOL_TIMEOUT", 4*time.Second),
		ConnMaxIdleTime: getDurationEnv("REDIS_IDLE_TIMEOUT", 5*time.Minute),
		BlockTime:       getDurationEnv("REDIS_BLOCK_TIME", 100*time.Millisecond),
	}
}

func loadEngineConfig() EngineConfig {
	return EngineConfig{
		QueueName:          getEnv("ENGINE_QUEUE_NAME", "commands"),
		ConsumerGroup:      getEnv("ENGINE_CONSUMER_GROUP", "command-engine"),
		StatePrefix:        getEnv("ENGINE_STATE_PREFIX", "cmd-state/v1"),
		PollInterval:       getDurationEnv("ENGINE_POLL_INTERVAL", 1*time.Second),
		ExecuteTimeout:     getDurationEnv("ENGINE_EXECUTE_TIMEOUT", 1*time.Second),
		StateTTL:           getDurationEnv("ENGINE_STATE_TTL", 7*24*time.Hour),
		ClaimTimeout:       getDurationEnv("ENGINE_CLAIM_TIMEOUT", 5*time.Second),
		ConsumeWarnTimeout: getDurationEnv("ENGINE_CONSUME_WARN_TIMEOUT", 4*time.Second),
		MinWorkers:         getIntEnv("ENGINE_MIN_WORKERS", 2),
		MaxWorkers:         getIntEnv("ENGINE_MAX_WORKERS", runtime.NumCPU()*4),
	}
}

func loadNotifyConfig() NotifyConfig {
	return NotifyConfig{
		Enabled:                 getBoolEnv("NOTIFY_ENABLED", false),
		Brokers:                 getEnvSlice("NOTIFY_BROKERS", []string{"tcp://localhost:1883"}),
		ClientID:                getEnv("NOTIFY_CLIENT_ID", generateClientID()),
		Topic:                   getEnv("NOTIFY_TOPIC", "commands/lifecycle"),
		QoS:                     byte(getIntEnv("NOTIFY_QOS", 1)),
		KeepAlive:               getDurationEnv("NOTIFY_KEEP_ALIVE", 30*time.Second),
		ConnectTimeout:          getDurationEnv("NOTIFY_CONNECT_TIMEOUT", 10*time.Second),
		WriteTimeout:            getDurationEnv("NOTIFY_WRITE_TIMEOUT", 5*time.Second),
		MaxReconnectDelay:       getDurationEnv("NOTIFY_MAX_RECONNECT_DELAY", 2*time.Minute),
		BreakerFailureThreshold: getIntEnv("NOTIFY_BREAKER_FAILURES", 5),
		BreakerOpenTimeout:      getDurationEnv("NOTIFY_BREAKER_TIMEOUT", 30*time.Second),
	}
}

func loadHealthConfig() HealthConfig {
	return HealthConfig{
		Enabled:      getBoolEnv("HEALTH_ENABLED", true),
		Port:         getIntEnv("HEALTH_PORT", 8080),
		ReadTimeout:  getDurationEnv("HEALTH_READ_TIMEOUT", 5*time.Second),
		WriteTimeout: getDurationEnv("HEALTH_WRITE_TIMEOUT", 5*time.Second),
		RedisTimeout: getDurationEnv("HEALTH_REDIS_TIMEOUT", 2*time.Second),
	}
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

func generateClientID() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("command-engine-%s-%d", hostname, os.Getpid())
}
