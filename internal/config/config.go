package config

import (
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Firebase FirebaseConfig `mapstructure:"firebase"`
	Queue    QueueConfig    `mapstructure:"queue"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
	Env  string `mapstructure:"env"`
	// APISecret guards the HTTP surface. Empty disables auth; only
	// acceptable in development.
	APISecret string `mapstructure:"api_secret"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

type KafkaConfig struct {
	Enabled         bool     `mapstructure:"enabled"`
	Brokers         []string `mapstructure:"brokers"`
	ConsumerGroupID string   `mapstructure:"consumer_group_id"`
	Topic           string   `mapstructure:"topic"`
}

type FirebaseConfig struct {
	// CredentialsFile points at a service-account JSON key on disk.
	// CredentialsJSON carries the key inline and wins when both are set.
	CredentialsFile string `mapstructure:"credentials_file"`
	CredentialsJSON string `mapstructure:"credentials_json"`
}

type QueueConfig struct {
	// Limit is how many jobs one pass picks up.
	Limit int `mapstructure:"limit"`
	// IntervalMinutes is the scheduler cadence. Zero disables the scheduler.
	IntervalMinutes int `mapstructure:"interval_minutes"`
	// LockTTLMinutes bounds how long a crashed pass blocks the queue.
	LockTTLMinutes int `mapstructure:"lock_ttl_minutes"`
	// StaleAfterMinutes is the age at which a processing job counts as stuck.
	StaleAfterMinutes int `mapstructure:"stale_after_minutes"`
	// CleanupRetentionDays is how long orphaned delivery records are kept.
	CleanupRetentionDays int `mapstructure:"cleanup_retention_days"`
}

// Load reads configuration from environment variables and config files.
// Environment variables override file values. Prefix: PUSHQUEUE_
func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", "8090")
	v.SetDefault("server.env", "development")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "pushqueue")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "password")
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.consumer_group_id", "pushqueue-group")
	v.SetDefault("kafka.topic", "push-commands")
	v.SetDefault("queue.limit", 10)
	v.SetDefault("queue.interval_minutes", 5)
	v.SetDefault("queue.lock_ttl_minutes", 60)
	v.SetDefault("queue.stale_after_minutes", 60)
	v.SetDefault("queue.cleanup_retention_days", 30)

	// Environment variables (e.g. DB_HOST -> database.host)
	v.SetEnvPrefix("PUSHQUEUE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Also support simple env vars without prefix for Docker Compose convenience
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.port", "DB_PORT")
	v.BindEnv("database.name", "DB_NAME")
	v.BindEnv("database.user", "DB_USER")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("firebase.credentials_file", "GOOGLE_APPLICATION_CREDENTIALS")
	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.api_secret", "API_SECRET")

	// Try loading config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	_ = v.ReadInConfig() // Not required

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return "host=" + d.Host +
		" port=" + strconv.Itoa(d.Port) +
		" dbname=" + d.Name +
		" user=" + d.User +
		" password=" + d.Password +
		" sslmode=disable"
}
