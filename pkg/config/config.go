package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"chatcore-backend/pkg/env"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	Mongo     MongoConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	JWT       JWTConfig
	WebSocket WebSocketConfig
	Log       LogConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Environment    string // development, staging, production
	ServiceName    string
	InstanceID     string // empty: derived from the hostname at startup
	AllowedOrigins []string
}

// StoreConfig selects the document store backend
type StoreConfig struct {
	Driver string // mongo, memory
}

// MongoConfig holds MongoDB configuration
type MongoConfig struct {
	URI             string
	Database        string
	Timeout         time.Duration
	UseTransactions bool
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// KafkaConfig holds the domain event stream configuration
type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret   string
	Audience string
}

// WebSocketConfig holds realtime connection limits
type WebSocketConfig struct {
	MaxConnections  int
	PingInterval    time.Duration
	WriteWait       time.Duration
	MaxMessageSize  int64
	SendBuffer      int
	EventsPerSecond float64
	EventBurst      int
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// Load loads configuration from environment variables.
// A .env file in the working directory, when present, seeds variables that are not already set.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnvAsInt("PORT", 8082),
			Environment:    getEnv("ENV", "development"),
			ServiceName:    getEnv("SERVICE_NAME", "chat-service"),
			InstanceID:     getEnv("INSTANCE_ID", ""),
			AllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", nil),
		},
		Store: StoreConfig{
			Driver: getEnv("STORE_DRIVER", "mongo"),
		},
		Mongo: MongoConfig{
			URI:             env.GetStringFromFile("MONGO_URI", "mongodb://localhost:27017"),
			Database:        getEnv("MONGO_DATABASE", "chatcore"),
			Timeout:         time.Duration(getEnvAsInt("MONGO_TIMEOUT", 10)) * time.Second,
			UseTransactions: getEnvAsBool("MONGO_USE_TRANSACTIONS", false),
		},
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 10),
			Timeout:  time.Duration(getEnvAsInt("REDIS_TIMEOUT", 5)) * time.Second,
		},
		Kafka: KafkaConfig{
			Enabled: getEnvAsBool("KAFKA_ENABLED", false),
			Brokers: getEnvAsSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			Topic:   getEnv("KAFKA_TOPIC", "chatcore.events"),
		},
		JWT: JWTConfig{
			Secret:   env.GetStringFromFile("JWT_SECRET", ""),
			Audience: getEnv("JWT_AUDIENCE", "chatcore-api"),
		},
		WebSocket: WebSocketConfig{
			MaxConnections:  getEnvAsInt("WS_MAX_CONNECTIONS", 10000),
			PingInterval:    env.GetDuration("WS_PING_INTERVAL", 54*time.Second),
			WriteWait:       env.GetDuration("WS_WRITE_WAIT", 10*time.Second),
			MaxMessageSize:  int64(getEnvAsInt("WS_MAX_MESSAGE_SIZE", 64*1024)),
			SendBuffer:      getEnvAsInt("WS_SEND_BUFFER", 256),
			EventsPerSecond: float64(getEnvAsInt("WS_EVENTS_PER_SECOND", 20)),
			EventBurst:      getEnvAsInt("WS_EVENT_BURST", 40),
		},
		Log: LogConfig{
			Level:    getEnv("LOG_LEVEL", "info"),
			Format:   getEnv("LOG_FORMAT", "json"),
			Output:   getEnv("LOG_OUTPUT", "stdout"),
			FilePath: getEnv("LOG_FILE_PATH", "/logs/app.log"),
		},
	}

	// Validate critical configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Environment == "production" {
		if c.JWT.Secret == "" {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
	}

	switch c.Store.Driver {
	case "mongo", "memory":
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q (expected mongo or memory)", c.Store.Driver)
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS must list at least one broker when KAFKA_ENABLED is true")
	}

	if c.WebSocket.MaxConnections <= 0 {
		return fmt.Errorf("WS_MAX_CONNECTIONS must be positive")
	}

	return nil
}

// RedisAddr returns host:port for the Redis client
func (c RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	return env.GetString(key, defaultValue)
}

func getEnvAsInt(key string, defaultValue int) int {
	return env.GetInt(key, defaultValue)
}

func getEnvAsBool(key string, defaultValue bool) bool {
	return env.GetBool(key, defaultValue)
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := env.GetString(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var result []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
