package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Ledgerflow LedgerflowConfig   `yaml:"ledgerflow"`
	Database   DatabaseConfig     `yaml:"database"`
	Logging    LoggingConfig      `yaml:"logging"`
	Metrics    MetricsConfig      `yaml:"metrics"`
	Messenger  MessengerConfig    `yaml:"messenger"`
	Scheduler  SchedulerConfig    `yaml:"scheduler"`
	Recon      ReconConfig        `yaml:"recon"`
	Balance    BalanceLoopConfig  `yaml:"balance"`
	Ticker     TickerConfig       `yaml:"ticker"`
	Storage    StorageConfig      `yaml:"storage"`
	Accounts   AccountsConfig     `yaml:"accounts"`
}

type LedgerflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type MetricsConfig struct {
	CloudWatch bool   `yaml:"cloudwatch"`
	Region     string `yaml:"region"`
	Namespace  string `yaml:"namespace"`
}

type MessengerConfig struct {
	SubscriberBuffer int         `yaml:"subscriber_buffer"`
	Kafka            KafkaConfig `yaml:"kafka"`
}

type KafkaConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Brokers        []string `yaml:"brokers"`
	EventTopic     string   `yaml:"event_topic"`
	CommandTopic   string   `yaml:"command_topic"`
	GroupID        string   `yaml:"group_id"`
	MirrorPatterns []string `yaml:"mirror_patterns"`
}

// BucketConfig is one token-bucket limit of an exchange rate-limit
// descriptor.
type BucketConfig struct {
	Interval      time.Duration `yaml:"interval"`
	Capacity      int           `yaml:"capacity"`
	DefaultWeight int           `yaml:"default_weight"`
	RefillRate    float64       `yaml:"refill_rate"`
}

type SchedulerConfig struct {
	RequestTimeout time.Duration             `yaml:"request_timeout"`
	CacheTTL       time.Duration             `yaml:"cache_ttl"`
	Exchanges      map[string][]BucketConfig `yaml:"exchanges"`
}

type ReconConfig struct {
	SyncInterval    time.Duration `yaml:"sync_interval"`
	RefreshDebounce time.Duration `yaml:"refresh_debounce"`
	MaxOHLCPoints   int           `yaml:"max_ohlc_points"`
}

type BalanceLoopConfig struct {
	PollWindow   time.Duration `yaml:"poll_window"`
	MinInterval  time.Duration `yaml:"min_interval"`
	LiveInterval time.Duration `yaml:"live_interval"`
}

type TickerConfig struct {
	FirstTickTimeout time.Duration `yaml:"first_tick_timeout"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Prefix          string        `yaml:"prefix"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
}

type AccountsConfig struct {
	RektThreshold     float64          `yaml:"rekt_threshold"`
	CurrencyPrecision map[string]int32 `yaml:"currency_precision"`
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Messenger: MessengerConfig{SubscriberBuffer: 256},
		Scheduler: SchedulerConfig{
			RequestTimeout: 30 * time.Second,
			CacheTTL:       5 * time.Second,
		},
		Recon: ReconConfig{
			SyncInterval:    time.Hour,
			RefreshDebounce: 5 * time.Millisecond,
			MaxOHLCPoints:   100,
		},
		Balance: BalanceLoopConfig{
			PollWindow:   15 * time.Second,
			MinInterval:  3 * time.Second,
			LiveInterval: 3 * time.Second,
		},
		Ticker: TickerConfig{FirstTickTimeout: 10 * time.Second},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override secrets from environment variables if available
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		config.Database.DSN = strings.TrimSpace(v)
	}
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Ledgerflow.Name == "" {
		return fmt.Errorf("ledgerflow.name is required")
	}

	if cfg.Ledgerflow.Version == "" {
		return fmt.Errorf("ledgerflow.version is required")
	}

	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if cfg.Scheduler.RequestTimeout <= 0 {
		return fmt.Errorf("scheduler.request_timeout must be greater than 0")
	}

	for exchange, buckets := range cfg.Scheduler.Exchanges {
		if len(buckets) == 0 {
			return fmt.Errorf("scheduler.exchanges.%s must declare at least one bucket", exchange)
		}
		for i, b := range buckets {
			if b.Capacity <= 0 {
				return fmt.Errorf("scheduler.exchanges.%s[%d].capacity must be greater than 0", exchange, i)
			}
			if b.RefillRate <= 0 {
				return fmt.Errorf("scheduler.exchanges.%s[%d].refill_rate must be greater than 0", exchange, i)
			}
		}
	}

	if cfg.Balance.MinInterval <= 0 {
		return fmt.Errorf("balance.min_interval must be greater than 0")
	}
	if cfg.Balance.LiveInterval <= 0 {
		return fmt.Errorf("balance.live_interval must be greater than 0")
	}

	if cfg.Messenger.Kafka.Enabled {
		if len(cfg.Messenger.Kafka.Brokers) == 0 {
			return fmt.Errorf("messenger.kafka.brokers is required when kafka is enabled")
		}
		if cfg.Messenger.Kafka.EventTopic == "" {
			return fmt.Errorf("messenger.kafka.event_topic is required when kafka is enabled")
		}
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
	}

	return nil
}
