package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Cache levels recognised in cache.ttl
const (
	LevelRawText      = "raw-text"
	LevelOCRText      = "ocr-extracted-text"
	LevelPartial      = "partial-segment"
	LevelFullDocument = "full-document"
)

// Correction modes
const (
	CorrectionModeLocal  = "local"
	CorrectionModeBroker = "broker"
)

// Fallback modes
const (
	FallbackNone        = "none"
	FallbackRules       = "rules"
	FallbackPassthrough = "passthrough"
)

// Store backends
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	RabbitMQ   RabbitMQConfig   `yaml:"rabbitmq"`
	Redis      RedisConfig      `yaml:"redis"`
	Logging    LoggingConfig    `yaml:"logging"`
	App        AppConfig        `yaml:"app"`
	Limits     LimitsConfig     `yaml:"limits"`
	Worker     WorkerConfig     `yaml:"worker"`
	Admission  AdmissionConfig  `yaml:"admission"`
	Cache      CacheConfig      `yaml:"cache"`
	Batches    BatchesConfig    `yaml:"batches"`
	Correction CorrectionConfig `yaml:"correction"`
	OCR        OCRConfig        `yaml:"ocr"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	ReplyQueue QueueConfig      `yaml:"reply_queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// RedisConfig holds the shared cache store connection
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	KeyPrefix   string        `yaml:"key_prefix"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// LimitsConfig holds the upload validation limits
type LimitsConfig struct {
	MaxFileSize           int64    `yaml:"max_file_size"`
	MaxArchiveFiles       int      `yaml:"max_archive_files"`
	MaxArchiveExtractSize int64    `yaml:"max_archive_extract_size"`
	CompressionRatioLimit float64  `yaml:"compression_ratio_limit"`
	ImageExtensions       []string `yaml:"image_extensions"`
	HTMLExtensions        []string `yaml:"html_extensions"`
	TextExtensions        []string `yaml:"text_extensions"`
}

// WorkerConfig holds worker pool configuration
type WorkerConfig struct {
	PoolSize       int           `yaml:"pool_size"`
	PerTaskTimeout time.Duration `yaml:"per_task_timeout"`
	Retry          RetryConfig   `yaml:"retry"`
}

// RetryConfig holds the transient collaborator retry policy
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Multiplier  float64       `yaml:"multiplier"`
}

// AdmissionConfig holds rate limiting and global concurrency settings
type AdmissionConfig struct {
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
	RateLimitBurst     int `yaml:"rate_limit_burst"`
	MaxRunning         int `yaml:"max_running"`
}

// CacheConfig holds the multi-level cache settings
type CacheConfig struct {
	Enabled    bool                     `yaml:"enabled"`
	Store      string                   `yaml:"store"`
	MaxEntries uint64                   `yaml:"max_entries"`
	TTL        map[string]time.Duration `yaml:"ttl"`
}

// BatchesConfig holds deferred batch record settings
type BatchesConfig struct {
	Store     string        `yaml:"store"`
	Retention time.Duration `yaml:"retention"`
}

// CorrectionConfig selects how the correction collaborator is reached
type CorrectionConfig struct {
	Mode     string        `yaml:"mode"`
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
	Fallback string        `yaml:"fallback"`
}

// OCRConfig holds the tesseract adapter settings
type OCRConfig struct {
	Tesseract   string `yaml:"tesseract"`
	Language    string `yaml:"language"`
	TessdataDir string `yaml:"tessdata_dir"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(config); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// Default returns a configuration with every pipeline option populated
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "console", Output: "stdout"},
		App:     AppConfig{Name: "correction-api-service", Version: "dev", Environment: "development"},
		Limits: LimitsConfig{
			MaxFileSize:           50 << 20,
			MaxArchiveFiles:       500,
			MaxArchiveExtractSize: 500 << 20,
			CompressionRatioLimit: 100,
			ImageExtensions:       []string{".png", ".jpg", ".jpeg", ".bmp", ".tiff", ".webp"},
			HTMLExtensions:        []string{".html", ".htm"},
			TextExtensions:        []string{".txt"},
		},
		Worker: WorkerConfig{
			PoolSize:       4,
			PerTaskTimeout: 2 * time.Minute,
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   200 * time.Millisecond,
				MaxDelay:    5 * time.Second,
				Multiplier:  2.0,
			},
		},
		Admission: AdmissionConfig{RateLimitPerMinute: 100, RateLimitBurst: 20},
		Cache: CacheConfig{
			Enabled:    true,
			Store:      StoreMemory,
			MaxEntries: 100000,
			TTL: map[string]time.Duration{
				LevelRawText:      7 * 24 * time.Hour,
				LevelOCRText:      7 * 24 * time.Hour,
				LevelPartial:      24 * time.Hour,
				LevelFullDocument: 3 * 24 * time.Hour,
			},
		},
		Batches:    BatchesConfig{Store: StoreMemory, Retention: 24 * time.Hour},
		Correction: CorrectionConfig{Mode: CorrectionModeLocal, Timeout: 60 * time.Second, Fallback: FallbackRules},
		OCR:        OCRConfig{Tesseract: "tesseract", Language: "eng"},
	}
}

// Validate checks the options shared by both services
func (c *Config) Validate() error {
	if err := c.validateLimits(); err != nil {
		return err
	}

	if c.Worker.PoolSize <= 0 {
		return fmt.Errorf("worker pool_size must be greater than 0")
	}

	if c.Worker.PerTaskTimeout <= 0 {
		return fmt.Errorf("worker per_task_timeout must be greater than 0")
	}

	if c.Worker.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("worker retry max_attempts must be greater than 0")
	}

	if c.Worker.Retry.Multiplier < 1 {
		return fmt.Errorf("worker retry multiplier must be at least 1")
	}

	switch c.Correction.Mode {
	case CorrectionModeLocal, CorrectionModeBroker:
	default:
		return fmt.Errorf("unknown correction mode: %q", c.Correction.Mode)
	}

	switch c.Correction.Fallback {
	case FallbackNone, FallbackRules, FallbackPassthrough:
	default:
		return fmt.Errorf("unknown correction fallback: %q", c.Correction.Fallback)
	}

	if c.Correction.Mode == CorrectionModeBroker {
		if err := c.validateRabbitMQ(); err != nil {
			return err
		}
	}

	return nil
}

// ValidateAPIConfig checks the options the api-service depends on
func (c *Config) ValidateAPIConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Admission.RateLimitPerMinute <= 0 {
		return fmt.Errorf("admission rate_limit_per_minute must be greater than 0")
	}

	if c.Admission.RateLimitBurst <= 0 {
		return fmt.Errorf("admission rate_limit_burst must be greater than 0")
	}

	if c.Admission.MaxRunning < 0 {
		return fmt.Errorf("admission max_running must not be negative")
	}

	if err := c.validateCache(); err != nil {
		return err
	}

	switch c.Batches.Store {
	case StoreMemory:
	case StorePostgres:
		if err := c.validateDatabase(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown batches store: %q", c.Batches.Store)
	}

	if c.Batches.Retention <= 0 {
		return fmt.Errorf("batches retention must be greater than 0")
	}

	return nil
}

// ValidateWorkerConfig checks the options the worker-service depends on
func (c *Config) ValidateWorkerConfig() error {
	if c.Worker.PoolSize <= 0 {
		return fmt.Errorf("worker pool_size must be greater than 0")
	}

	switch c.Correction.Fallback {
	case FallbackNone, FallbackRules, FallbackPassthrough:
	default:
		return fmt.Errorf("unknown correction fallback: %q", c.Correction.Fallback)
	}

	return c.validateRabbitMQ()
}

func (c *Config) validateLimits() error {
	if c.Limits.MaxFileSize <= 0 {
		return fmt.Errorf("limits max_file_size must be greater than 0")
	}

	if c.Limits.MaxArchiveFiles <= 0 {
		return fmt.Errorf("limits max_archive_files must be greater than 0")
	}

	if c.Limits.MaxArchiveExtractSize <= 0 {
		return fmt.Errorf("limits max_archive_extract_size must be greater than 0")
	}

	if c.Limits.CompressionRatioLimit <= 1 {
		return fmt.Errorf("limits compression_ratio_limit must be greater than 1")
	}

	for _, list := range [][]string{c.Limits.ImageExtensions, c.Limits.HTMLExtensions, c.Limits.TextExtensions} {
		for _, ext := range list {
			if !strings.HasPrefix(ext, ".") || strings.ToLower(ext) != ext {
				return fmt.Errorf("invalid extension %q (must be lowercase and start with a dot)", ext)
			}
		}
	}

	return nil
}

func (c *Config) validateCache() error {
	switch c.Cache.Store {
	case StoreMemory:
	case StoreRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required")
		}
	default:
		return fmt.Errorf("unknown cache store: %q", c.Cache.Store)
	}

	for level, ttl := range c.Cache.TTL {
		switch level {
		case LevelRawText, LevelOCRText, LevelPartial, LevelFullDocument:
		default:
			return fmt.Errorf("unknown cache level: %q", level)
		}
		if ttl <= 0 {
			return fmt.Errorf("cache ttl for %s must be greater than 0", level)
		}
	}

	for _, level := range []string{LevelRawText, LevelOCRText, LevelPartial, LevelFullDocument} {
		if _, ok := c.Cache.TTL[level]; !ok {
			return fmt.Errorf("cache ttl for %s is required", level)
		}
	}

	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	return nil
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	if c.RabbitMQ.ReplyQueue.Name == "" {
		return fmt.Errorf("rabbitmq reply_queue name is required")
	}

	return nil
}
