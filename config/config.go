package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Log         LogConfig         `mapstructure:"log"`
	TimeSeries  TimeSeriesConfig  `mapstructure:"timeseries"`
	DocStore    DocStoreConfig    `mapstructure:"docstore"`
	Sync        SyncConfig        `mapstructure:"sync"`
	Stream      StreamConfig      `mapstructure:"stream"`
	Broadcast   BroadcastConfig   `mapstructure:"broadcast"`
	Monitor     MonitorConfig     `mapstructure:"monitor"`
	Consistency ConsistencyConfig `mapstructure:"consistency"`
	Backup      BackupConfig      `mapstructure:"backup"`
	Alerts      AlertsConfig      `mapstructure:"alerts"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Net         NetConfig         `mapstructure:"net"`
	Shutdown    ShutdownConfig    `mapstructure:"shutdown"`
	Auth        AuthConfig        `mapstructure:"auth"`
}

type AppConfig struct {
	Port string `mapstructure:"port"`
	Env  string `mapstructure:"env"` // development, production
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// TimeSeriesConfig selects the source-of-truth store.
type TimeSeriesConfig struct {
	Driver string   `mapstructure:"driver"` // postgres, sqlite, memory
	DSN    string   `mapstructure:"dsn"`
	Tables []string `mapstructure:"tables"`
}

// DocStoreConfig selects the secondary document/API store.
type DocStoreConfig struct {
	Driver   string `mapstructure:"driver"` // rest, mongo, memory
	URL      string `mapstructure:"url"`
	APIKey   string `mapstructure:"api_key"`
	MongoURI string `mapstructure:"mongo_uri"`
	Database string `mapstructure:"database"`
}

type SyncConfig struct {
	BatchSize              int               `mapstructure:"batch_size"`
	PageSize               int               `mapstructure:"page_size"`
	MaxRetries             int               `mapstructure:"max_retries"`
	RetryDelayBase         time.Duration     `mapstructure:"retry_delay_base"`
	RetryDelayCap          time.Duration     `mapstructure:"retry_delay_cap"`
	MaxConcurrentTransfers int               `mapstructure:"max_concurrent_transfers"`
	Interval               time.Duration     `mapstructure:"interval"`
	Collections            map[string]string `mapstructure:"collections"`
}

// Collection returns the document-store collection mapped to table.
func (s SyncConfig) Collection(table string) string {
	if c, ok := s.Collections[table]; ok && c != "" {
		return c
	}
	return table
}

type StreamConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Providers    []string      `mapstructure:"providers"`
	Symbols      []string      `mapstructure:"symbols"`
	Table        string        `mapstructure:"table"`
	GraceTimeout time.Duration `mapstructure:"grace_timeout"`
	VNDirectURL  string        `mapstructure:"vndirect_url"`
}

type BroadcastConfig struct {
	FilterEnabled bool `mapstructure:"filter_enabled"`
	MaxClients    int  `mapstructure:"max_clients"`
}

type MonitorConfig struct {
	HealthInterval   time.Duration `mapstructure:"health_interval"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	CPUThreshold     float64       `mapstructure:"cpu_threshold"`
	MemoryThreshold  float64       `mapstructure:"memory_threshold"`
	DiskThreshold    float64       `mapstructure:"disk_threshold"`
	LatencyThreshold time.Duration `mapstructure:"latency_threshold"`
	DiskPath         string        `mapstructure:"disk_path"`
}

type ConsistencyConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	SampleSize int           `mapstructure:"sample_size"`
}

type BackupConfig struct {
	Retention int           `mapstructure:"retention"`
	Dir       string        `mapstructure:"dir"`
	Catalog   string        `mapstructure:"catalog"`
	Interval  time.Duration `mapstructure:"interval"`
	UseCopy   bool          `mapstructure:"use_copy"`
}

type AlertsConfig struct {
	Cooldown     time.Duration `mapstructure:"cooldown"`
	WebhookURL   string        `mapstructure:"webhook_url"`
	RedisChannel string        `mapstructure:"redis_channel"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

type NetConfig struct {
	CallTimeout time.Duration `mapstructure:"call_timeout"`
}

type ShutdownConfig struct {
	GraceTimeout time.Duration `mapstructure:"grace_timeout"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// Load reads configuration from .env, environment variables and defaults.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}
	return LoadFrom(viper.New())
}

// LoadFrom decodes configuration from v after applying defaults and env bindings.
func LoadFrom(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range v.AllKeys() {
		if err := v.BindEnv(key); err != nil {
			log.Printf("Could not bind env var for key %s: %v", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.port", "8080")
	v.SetDefault("app.env", "development")
	v.SetDefault("log.level", "info")

	v.SetDefault("timeseries.driver", "sqlite")
	v.SetDefault("timeseries.dsn", "data/market.db")
	v.SetDefault("timeseries.tables", []string{"stock_prices"})

	v.SetDefault("docstore.driver", "memory")
	v.SetDefault("docstore.url", "")
	v.SetDefault("docstore.api_key", "")
	v.SetDefault("docstore.mongo_uri", "")
	v.SetDefault("docstore.database", "market_sync")

	v.SetDefault("sync.batch_size", 1000)
	v.SetDefault("sync.page_size", 1000)
	v.SetDefault("sync.max_retries", 5)
	v.SetDefault("sync.retry_delay_base", time.Second)
	v.SetDefault("sync.retry_delay_cap", 60*time.Second)
	v.SetDefault("sync.max_concurrent_transfers", 3)
	v.SetDefault("sync.interval", time.Duration(0))
	v.SetDefault("sync.collections", map[string]string{})

	v.SetDefault("stream.poll_interval", 30*time.Second)
	v.SetDefault("stream.providers", []string{"synthetic"})
	v.SetDefault("stream.symbols", []string{"PKN", "PKO", "PZU", "KGH", "CDR"})
	v.SetDefault("stream.table", "stock_prices")
	v.SetDefault("stream.grace_timeout", 10*time.Second)
	v.SetDefault("stream.vndirect_url", "https://api-finfo.vndirect.com.vn/v4/stock_prices")

	v.SetDefault("broadcast.filter_enabled", true)
	v.SetDefault("broadcast.max_clients", 100)

	v.SetDefault("monitor.health_interval", 30*time.Second)
	v.SetDefault("monitor.max_attempts", 10)
	v.SetDefault("monitor.cpu_threshold", 90.0)
	v.SetDefault("monitor.memory_threshold", 90.0)
	v.SetDefault("monitor.disk_threshold", 90.0)
	v.SetDefault("monitor.latency_threshold", 2*time.Second)
	v.SetDefault("monitor.disk_path", "/")

	v.SetDefault("consistency.interval", time.Hour)
	v.SetDefault("consistency.sample_size", 1000)

	v.SetDefault("backup.retention", 5)
	v.SetDefault("backup.dir", "data/backups")
	v.SetDefault("backup.catalog", "data/backups.db")
	v.SetDefault("backup.interval", 24*time.Hour)
	v.SetDefault("backup.use_copy", false)

	v.SetDefault("alerts.cooldown", 5*time.Minute)
	v.SetDefault("alerts.webhook_url", "")
	v.SetDefault("alerts.redis_channel", "")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "market_ticks")
	v.SetDefault("kafka.group_id", "market-sync")

	v.SetDefault("net.call_timeout", 10*time.Second)
	v.SetDefault("shutdown.grace_timeout", 10*time.Second)
	v.SetDefault("auth.jwt_secret", "")
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive, got %d", c.Sync.BatchSize)
	}
	if c.Sync.PageSize <= 0 {
		return fmt.Errorf("sync.page_size must be positive, got %d", c.Sync.PageSize)
	}
	if c.Sync.MaxRetries <= 0 {
		return fmt.Errorf("sync.max_retries must be positive, got %d", c.Sync.MaxRetries)
	}
	if c.Sync.MaxConcurrentTransfers <= 0 {
		return fmt.Errorf("sync.max_concurrent_transfers must be positive, got %d", c.Sync.MaxConcurrentTransfers)
	}
	if c.Stream.PollInterval <= 0 {
		return fmt.Errorf("stream.poll_interval must be positive")
	}
	if c.Monitor.HealthInterval <= 0 {
		return fmt.Errorf("monitor.health_interval must be positive")
	}
	if c.Monitor.MaxAttempts <= 0 {
		return fmt.Errorf("monitor.max_attempts must be positive, got %d", c.Monitor.MaxAttempts)
	}
	if c.Backup.Retention <= 0 {
		return fmt.Errorf("backup.retention must be positive, got %d", c.Backup.Retention)
	}
	if len(c.TimeSeries.Tables) == 0 {
		return fmt.Errorf("timeseries.tables cannot be empty")
	}
	return nil
}

// MaskSecret masks credentials for logging, preserving a short prefix.
func MaskSecret(s string) string {
	if len(s) <= 3 {
		return "***"
	}
	if len(s) <= 15 {
		return s[:3] + "***"
	}
	return s[:8] + "***" + s[len(s)-4:]
}
