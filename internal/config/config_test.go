package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		wantErr   bool
		errString string
	}{
		{name: "valid config", path: "testdata/valid_config.yaml"},
		{name: "missing file", path: "testdata/nope.yaml", wantErr: true, errString: "failed to read config file"},
		{name: "malformed yaml", path: "testdata/malformed.yaml", wantErr: true, errString: "failed to parse config file"},
		{name: "unknown field", path: "testdata/unknown_field.yaml", wantErr: true, errString: "failed to parse config file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.path)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, cfg)
		})
	}
}

func TestLoad_ValuesAndDefaults(t *testing.T) {
	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, int64(1<<20), cfg.Limits.MaxFileSize)
	assert.Equal(t, 10, cfg.Limits.MaxArchiveFiles)
	assert.Equal(t, 8, cfg.Worker.PoolSize)
	assert.Equal(t, 5*time.Second, cfg.Worker.PerTaskTimeout)
	assert.Equal(t, time.Hour, cfg.Cache.TTL[LevelRawText])
	assert.Equal(t, CorrectionModeLocal, cfg.Correction.Mode)

	// Not present in the file, taken from Default.
	assert.Equal(t, []string{".html", ".htm"}, cfg.Limits.HTMLExtensions)
	assert.Equal(t, 3, cfg.Worker.Retry.MaxAttempts)

	require.NoError(t, cfg.ValidateAPIConfig())
}

func TestLoad_EmptyFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.NoError(t, cfg.ValidateAPIConfig())
}

func TestConfig_ValidateAPIConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, errString: "invalid server port"},
		{name: "port too high", mutate: func(c *Config) { c.Server.Port = 70000 }, errString: "invalid server port"},
		{name: "zero max file size", mutate: func(c *Config) { c.Limits.MaxFileSize = 0 }, errString: "max_file_size"},
		{name: "zero archive files", mutate: func(c *Config) { c.Limits.MaxArchiveFiles = 0 }, errString: "max_archive_files"},
		{name: "zero extract size", mutate: func(c *Config) { c.Limits.MaxArchiveExtractSize = 0 }, errString: "max_archive_extract_size"},
		{name: "ratio limit of one", mutate: func(c *Config) { c.Limits.CompressionRatioLimit = 1 }, errString: "compression_ratio_limit"},
		{name: "extension without dot", mutate: func(c *Config) { c.Limits.TextExtensions = []string{"txt"} }, errString: "invalid extension"},
		{name: "uppercase extension", mutate: func(c *Config) { c.Limits.ImageExtensions = []string{".PNG"} }, errString: "invalid extension"},
		{name: "zero pool size", mutate: func(c *Config) { c.Worker.PoolSize = 0 }, errString: "pool_size"},
		{name: "zero task timeout", mutate: func(c *Config) { c.Worker.PerTaskTimeout = 0 }, errString: "per_task_timeout"},
		{name: "zero retry attempts", mutate: func(c *Config) { c.Worker.Retry.MaxAttempts = 0 }, errString: "max_attempts"},
		{name: "shrinking multiplier", mutate: func(c *Config) { c.Worker.Retry.Multiplier = 0.5 }, errString: "multiplier"},
		{name: "unknown correction mode", mutate: func(c *Config) { c.Correction.Mode = "carrier-pigeon" }, errString: "unknown correction mode"},
		{name: "unknown fallback", mutate: func(c *Config) { c.Correction.Fallback = "guess" }, errString: "unknown correction fallback"},
		{name: "broker mode without rabbitmq", mutate: func(c *Config) { c.Correction.Mode = CorrectionModeBroker }, errString: "rabbitmq host is required"},
		{name: "zero rate limit", mutate: func(c *Config) { c.Admission.RateLimitPerMinute = 0 }, errString: "rate_limit_per_minute"},
		{name: "zero burst", mutate: func(c *Config) { c.Admission.RateLimitBurst = 0 }, errString: "rate_limit_burst"},
		{name: "negative max running", mutate: func(c *Config) { c.Admission.MaxRunning = -1 }, errString: "max_running"},
		{name: "unknown cache store", mutate: func(c *Config) { c.Cache.Store = "disk" }, errString: "unknown cache store"},
		{name: "redis store without addr", mutate: func(c *Config) { c.Cache.Store = StoreRedis }, errString: "redis addr is required"},
		{name: "unknown cache level", mutate: func(c *Config) { c.Cache.TTL["model"] = time.Hour }, errString: "unknown cache level"},
		{name: "zero cache ttl", mutate: func(c *Config) { c.Cache.TTL[LevelPartial] = 0 }, errString: "cache ttl for partial-segment"},
		{name: "missing cache ttl", mutate: func(c *Config) { delete(c.Cache.TTL, LevelOCRText) }, errString: "cache ttl for ocr-extracted-text is required"},
		{name: "postgres batches without database", mutate: func(c *Config) { c.Batches.Store = StorePostgres }, errString: "database host is required"},
		{name: "unknown batches store", mutate: func(c *Config) { c.Batches.Store = "s3" }, errString: "unknown batches store"},
		{name: "zero retention", mutate: func(c *Config) { c.Batches.Retention = 0 }, errString: "retention"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.ValidateAPIConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}

func TestConfig_ValidateWorkerConfig(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.RabbitMQ = RabbitMQConfig{
			Host:       "localhost",
			Port:       5672,
			Exchange:   ExchangeConfig{Name: "corrections"},
			Queue:      QueueConfig{Name: "correction.tasks"},
			ReplyQueue: QueueConfig{Name: "correction.replies"},
		}
		return cfg
	}

	tests := []struct {
		name      string
		mutate    func(c *Config)
		wantErr   bool
		errString string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "missing exchange", mutate: func(c *Config) { c.RabbitMQ.Exchange.Name = "" }, wantErr: true, errString: "exchange name is required"},
		{name: "missing queue", mutate: func(c *Config) { c.RabbitMQ.Queue.Name = "" }, wantErr: true, errString: "rabbitmq queue name is required"},
		{name: "missing reply queue", mutate: func(c *Config) { c.RabbitMQ.ReplyQueue.Name = "" }, wantErr: true, errString: "reply_queue name is required"},
		{name: "invalid port", mutate: func(c *Config) { c.RabbitMQ.Port = 0 }, wantErr: true, errString: "invalid rabbitmq port"},
		{name: "zero pool size", mutate: func(c *Config) { c.Worker.PoolSize = 0 }, wantErr: true, errString: "pool_size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.ValidateWorkerConfig()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestLoad_ShippedConfigs(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		validate func(*Config) error
	}{
		{name: "api service", path: "../../configs/api-service/config.yaml", validate: (*Config).ValidateAPIConfig},
		{name: "worker service", path: "../../configs/worker-service/config.yaml", validate: (*Config).ValidateWorkerConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.path)
			require.NoError(t, err)
			assert.NoError(t, tt.validate(cfg))
		})
	}
}
