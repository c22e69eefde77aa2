package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	TransportRabbitMQ = "rabbitmq"
	TransportKafka    = "kafka"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	DBConfig struct {
		Host           string `env:"DB_HOST"`
		Port           int    `env:"DB_PORT"`
		User           string `env:"DB_USER"`
		Password       string `env:"DB_PASSWORD"`
		Name           string `env:"DB_NAME"`
		SSLMode        string `env:"DB_SSLMODE"`
		URL            string `env:"DATABASE_URL"`
		MigrationsPath string `env:"MIGRATIONS_PATH"`
	}

	RabbitMQ struct {
		Host         string `env:"RABBITMQ_HOST"`
		Port         int    `env:"RABBITMQ_PORT"`
		Username     string `env:"RABBITMQ_USERNAME"`
		Password     string `env:"RABBITMQ_PASSWORD"`
		VHost        string `env:"RABBITMQ_VHOST"`
		ExchangeName string `env:"RABBITMQ_EXCHANGE_NAME"`
		QueueName    string `env:"RABBITMQ_QUEUE_NAME"`
		Prefetch     int    `env:"RABBITMQ_PREFETCH"`
	}

	BrokerTransport    string `env:"BROKER_TRANSPORT"`
	KafkaBrokerURL     string `env:"KAFKA_BROKER_URL"`
	KafkaConsumerGroup string `env:"KAFKA_CONSUMER_GROUP"`

	Outbox struct {
		Enabled         bool          `env:"USE_TRANSACTIONAL_OUTBOX"`
		PollInterval    time.Duration `env:"OUTBOX_POLL_INTERVAL"`
		BatchSize       int           `env:"OUTBOX_BATCH_SIZE"`
		Partitions      int           `env:"OUTBOX_PARTITIONS"`
		LeaseTTL        time.Duration `env:"OUTBOX_LEASE_TTL"`
		PublishTimeout  time.Duration `env:"OUTBOX_PUBLISH_TIMEOUT"`
		RetryBase       time.Duration `env:"OUTBOX_RETRY_BASE"`
		RetryMax        time.Duration `env:"OUTBOX_RETRY_MAX"`
		DuplicateWindow time.Duration `env:"OUTBOX_DUPLICATE_WINDOW"`
	}

	InboxRetention time.Duration `env:"INBOX_RETENTION"`

	Consumer struct {
		RetryLimit      int           `env:"CONSUMER_RETRY_LIMIT"`
		RetryInterval   time.Duration `env:"CONSUMER_RETRY_INTERVAL"`
		ProcessingDelay time.Duration `env:"CONSUMER_PROCESSING_DELAY"`
	}

	ProducerInterval time.Duration `env:"PRODUCER_INTERVAL"`
	HTTPPort         int           `env:"HTTP_PORT"`
	CORSOrigins      []string      `env:"CORS_ALLOWED_ORIGINS"`
	LogLevel         string        `env:"LOG_LEVEL"`
}

func LoadConfig() (*Config, error) {
	cfg := &Config{}

	cfg.DBConfig.Host = getEnvOrDefault("DB_HOST", "localhost")
	cfg.DBConfig.Port = getEnvAsInt("DB_PORT", 5432)
	cfg.DBConfig.User = getEnvOrDefault("DB_USER", "user")
	cfg.DBConfig.Password = getEnvOrDefault("DB_PASSWORD", "password")
	cfg.DBConfig.Name = getEnvOrDefault("DB_NAME", "orders_db")
	cfg.DBConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", "disable")
	cfg.DBConfig.URL = getEnvOrDefault("DATABASE_URL", "")
	cfg.DBConfig.MigrationsPath = getEnvOrDefault("MIGRATIONS_PATH", "file:///app/migrations")

	cfg.RabbitMQ.Host = getEnvOrDefault("RABBITMQ_HOST", "localhost")
	cfg.RabbitMQ.Port = getEnvAsInt("RABBITMQ_PORT", 5672)
	cfg.RabbitMQ.Username = getEnvOrDefault("RABBITMQ_USERNAME", "guest")
	cfg.RabbitMQ.Password = getEnvOrDefault("RABBITMQ_PASSWORD", "guest")
	cfg.RabbitMQ.VHost = getEnvOrDefault("RABBITMQ_VHOST", "/")
	cfg.RabbitMQ.ExchangeName = getEnvOrDefault("RABBITMQ_EXCHANGE_NAME", "orders-exchange")
	cfg.RabbitMQ.QueueName = getEnvOrDefault("RABBITMQ_QUEUE_NAME", "order-submitted-queue")
	cfg.RabbitMQ.Prefetch = getEnvAsInt("RABBITMQ_PREFETCH", 16)

	cfg.BrokerTransport = strings.ToLower(getEnvOrDefault("BROKER_TRANSPORT", TransportRabbitMQ))
	cfg.KafkaBrokerURL = getEnvOrDefault("KAFKA_BROKER_URL", "localhost:9092")
	cfg.KafkaConsumerGroup = getEnvOrDefault("KAFKA_CONSUMER_GROUP", "order-submitted-group")

	cfg.Outbox.Enabled = getEnvAsBool("USE_TRANSACTIONAL_OUTBOX", true)
	cfg.Outbox.PollInterval = getEnvAsDuration("OUTBOX_POLL_INTERVAL", 1*time.Second)
	cfg.Outbox.BatchSize = getEnvAsInt("OUTBOX_BATCH_SIZE", 50)
	cfg.Outbox.Partitions = getEnvAsInt("OUTBOX_PARTITIONS", 1)
	cfg.Outbox.LeaseTTL = getEnvAsDuration("OUTBOX_LEASE_TTL", 30*time.Second)
	cfg.Outbox.PublishTimeout = getEnvAsDuration("OUTBOX_PUBLISH_TIMEOUT", 10*time.Second)
	cfg.Outbox.RetryBase = getEnvAsDuration("OUTBOX_RETRY_BASE", 1*time.Second)
	cfg.Outbox.RetryMax = getEnvAsDuration("OUTBOX_RETRY_MAX", 1*time.Minute)
	cfg.Outbox.DuplicateWindow = getEnvAsDuration("OUTBOX_DUPLICATE_WINDOW", 10*time.Minute)

	cfg.InboxRetention = getEnvAsDuration("INBOX_RETENTION", 24*time.Hour)

	cfg.Consumer.RetryLimit = getEnvAsInt("CONSUMER_RETRY_LIMIT", 3)
	cfg.Consumer.RetryInterval = getEnvAsDuration("CONSUMER_RETRY_INTERVAL", 5*time.Second)
	cfg.Consumer.ProcessingDelay = getEnvAsDuration("CONSUMER_PROCESSING_DELAY", 500*time.Millisecond)

	cfg.ProducerInterval = getEnvAsDuration("PRODUCER_INTERVAL", 2*time.Second)
	cfg.HTTPPort = getEnvAsInt("HTTP_PORT", 8080)
	cfg.CORSOrigins = getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"})
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the workers cannot run with.
func (c *Config) Validate() error {
	var problems []string

	if c.BrokerTransport != TransportRabbitMQ && c.BrokerTransport != TransportKafka {
		problems = append(problems, fmt.Sprintf("BROKER_TRANSPORT must be %q or %q, got %q", TransportRabbitMQ, TransportKafka, c.BrokerTransport))
	}
	if c.RabbitMQ.ExchangeName == "" || c.RabbitMQ.QueueName == "" {
		problems = append(problems, "RABBITMQ_EXCHANGE_NAME and RABBITMQ_QUEUE_NAME must not be empty")
	}
	if c.RabbitMQ.Prefetch < 1 {
		problems = append(problems, "RABBITMQ_PREFETCH must be at least 1")
	}
	if c.Outbox.PollInterval <= 0 || c.Outbox.LeaseTTL <= 0 || c.Outbox.PublishTimeout <= 0 {
		problems = append(problems, "outbox poll interval, lease TTL and publish timeout must be positive")
	}
	if c.Outbox.LeaseTTL <= c.Outbox.PublishTimeout {
		problems = append(problems, "OUTBOX_LEASE_TTL must exceed OUTBOX_PUBLISH_TIMEOUT")
	}
	if c.Outbox.BatchSize < 1 || c.Outbox.Partitions < 1 {
		problems = append(problems, "OUTBOX_BATCH_SIZE and OUTBOX_PARTITIONS must be at least 1")
	}
	if c.Outbox.RetryBase <= 0 || c.Outbox.RetryMax < c.Outbox.RetryBase {
		problems = append(problems, "OUTBOX_RETRY_BASE must be positive and not exceed OUTBOX_RETRY_MAX")
	}
	if c.Outbox.DuplicateWindow <= 0 {
		problems = append(problems, "OUTBOX_DUPLICATE_WINDOW must be positive")
	}
	if c.InboxRetention < c.Outbox.DuplicateWindow {
		problems = append(problems, "INBOX_RETENTION must not be shorter than OUTBOX_DUPLICATE_WINDOW")
	}
	if c.Consumer.RetryLimit < 0 || c.Consumer.RetryInterval < 0 || c.Consumer.ProcessingDelay < 0 {
		problems = append(problems, "consumer retry limit, retry interval and processing delay must not be negative")
	}
	if c.ProducerInterval <= 0 {
		problems = append(problems, "PRODUCER_INTERVAL must be positive")
	}
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		problems = append(problems, "HTTP_PORT must be a valid TCP port")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) GetDBConnectionString() string {
	if c.DBConfig.URL != "" {
		return c.DBConfig.URL
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DBConfig.Host, c.DBConfig.Port, c.DBConfig.User, c.DBConfig.Password, c.DBConfig.Name, c.DBConfig.SSLMode)
}

func (c *Config) GetDBMigrationConnectionString() string {
	if c.DBConfig.URL != "" {
		return c.DBConfig.URL
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBConfig.User, c.DBConfig.Password),
		Host:     fmt.Sprintf("%s:%d", c.DBConfig.Host, c.DBConfig.Port),
		Path:     c.DBConfig.Name,
		RawQuery: "sslmode=" + c.DBConfig.SSLMode,
	}
	return u.String()
}

func (c *Config) GetRabbitMQURL() string {
	path := "/"
	if c.RabbitMQ.VHost != "" && c.RabbitMQ.VHost != "/" {
		path += c.RabbitMQ.VHost
	}
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.RabbitMQ.Username, c.RabbitMQ.Password),
		Host:   fmt.Sprintf("%s:%d", c.RabbitMQ.Host, c.RabbitMQ.Port),
		Path:   path,
	}
	return u.String()
}

func (c *Config) GetKafkaBrokers() []string {
	return splitList(c.KafkaBrokerURL)
}

func (c *Config) DeadLetterExchange() string {
	return c.RabbitMQ.ExchangeName + ".dlx"
}

func (c *Config) DeadLetterQueue() string {
	return c.RabbitMQ.QueueName + ".dlq"
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnvOrDefault(key, strconv.Itoa(defaultValue))
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnvOrDefault(key, strconv.FormatBool(defaultValue))
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnvOrDefault(key, defaultValue.String())
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	if value, exists := os.LookupEnv(key); exists {
		if list := splitList(value); len(list) > 0 {
			return list
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
