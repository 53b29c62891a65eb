// Package config 讀取 phonoscore 的 YAML 設定檔並套用環境變數覆寫。
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 完整系統設定，對應 configs/default.yaml
type Config struct {
	Queue    QueueConfig    `yaml:"queue"`
	Worker   WorkerConfig   `yaml:"worker"`
	WAL      WALConfig      `yaml:"wal"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	KV       KVConfig       `yaml:"kv"`
	Notify   NotifyConfig   `yaml:"notify"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Audio    AudioConfig    `yaml:"audio"`
	Log      LogConfig      `yaml:"log"`
}

type QueueConfig struct {
	Addr          string        `yaml:"addr"` // queue server 位址，worker / enqueue 以此連線
	Key           string        `yaml:"key"`
	ResultTTL     time.Duration `yaml:"result_ttl"`
	ProcessingTTL time.Duration `yaml:"processing_ttl"`
	RetryPosition string        `yaml:"retry_position"` // tail | head
	CallTimeout   time.Duration `yaml:"call_timeout"`
}

type WorkerConfig struct {
	ID             string        `yaml:"id"`
	MaxRetries     uint32        `yaml:"max_retries"`
	DequeueTimeout time.Duration `yaml:"dequeue_timeout"`
	IdleDelay      time.Duration `yaml:"idle_delay"`
	ErrorBackoff   time.Duration `yaml:"error_backoff"`
}

type WALConfig struct {
	Path            string        `yaml:"path"`
	SyncOnAppend    bool          `yaml:"sync_on_append"`
	BufferSize      int           `yaml:"buffer_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	RetainRotated   int           `yaml:"retain_rotated"`
	CompressRotated bool          `yaml:"compress_rotated"`
}

type SnapshotConfig struct {
	Path     string        `yaml:"path"`
	Interval time.Duration `yaml:"interval"`
	Compress bool          `yaml:"compress"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"` // gRPC 監聽位址
}

type StorageConfig struct {
	MediaDir string   `yaml:"media_dir"` // 本地錄音與參考發音根目錄
	S3       S3Config `yaml:"s3"`
}

// S3Config Bucket 為空時不使用 S3
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type KVConfig struct {
	Dir      string `yaml:"dir"`
	InMemory bool   `yaml:"in_memory"`
}

// NotifyConfig AMQPURL 為空時只寫 log
type NotifyConfig struct {
	AMQPURL  string `yaml:"amqp_url"`
	Exchange string `yaml:"exchange"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type AudioConfig struct {
	Resample string `yaml:"resample"` // nearest | hq
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Default 內建預設值；設定檔中未出現的欄位保留這些值
func Default() *Config {
	return &Config{
		Queue: QueueConfig{
			Addr:          "localhost:50051",
			Key:           "job_queue",
			ResultTTL:     time.Hour,
			ProcessingTTL: 10 * time.Minute,
			RetryPosition: "tail",
			CallTimeout:   10 * time.Second,
		},
		Worker: WorkerConfig{
			MaxRetries:     3,
			DequeueTimeout: time.Second,
			IdleDelay:      time.Second,
			ErrorBackoff:   5 * time.Second,
		},
		WAL: WALConfig{
			Path:          "data/wal/queue.wal",
			BufferSize:    1000,
			FlushInterval: 200 * time.Millisecond,
			RetainRotated: 2,
		},
		Snapshot: SnapshotConfig{
			Path:     "data/snapshot/queue.snap",
			Interval: time.Minute,
		},
		Server:  ServerConfig{Addr: ":50051"},
		Storage: StorageConfig{MediaDir: "data/media", S3: S3Config{Region: "us-east-1"}},
		KV:      KVConfig{Dir: "data/kv"},
		Notify:  NotifyConfig{Exchange: "phonoscore.events"},
		Metrics: MetricsConfig{Addr: ":9090"},
		Audio:   AudioConfig{Resample: "nearest"},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// Load 讀取 path（不存在時使用預設值），套用環境變數後驗證
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		slog.Debug("Config file not found, using defaults", "path", path)
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv 以環境變數覆寫設定；lookup 通常為 os.LookupEnv
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set("PHONOSCORE_QUEUE_ADDR", &c.Queue.Addr)
	set("PHONOSCORE_KV_DIR", &c.KV.Dir)
	set("PHONOSCORE_MEDIA_DIR", &c.Storage.MediaDir)
	set("PHONOSCORE_LOG_LEVEL", &c.Log.Level)
	set("S3_BUCKET", &c.Storage.S3.Bucket)
	set("S3_REGION", &c.Storage.S3.Region)
	set("S3_ENDPOINT", &c.Storage.S3.Endpoint)
	set("AWS_ACCESS_KEY_ID", &c.Storage.S3.AccessKeyID)
	set("AWS_SECRET_ACCESS_KEY", &c.Storage.S3.SecretAccessKey)
	set("AMQP_URL", &c.Notify.AMQPURL)
}

// Validate 檢查不合理的設定值
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Queue.Key != "", "queue.key must not be empty")
	check(c.Queue.ResultTTL > 0, "queue.result_ttl must be positive")
	check(c.Queue.ProcessingTTL > 0, "queue.processing_ttl must be positive")
	check(c.Queue.RetryPosition == "tail" || c.Queue.RetryPosition == "head",
		"queue.retry_position must be tail or head, got %q", c.Queue.RetryPosition)
	check(c.Queue.CallTimeout > 0, "queue.call_timeout must be positive")

	check(c.Worker.DequeueTimeout > 0, "worker.dequeue_timeout must be positive")
	check(c.Worker.IdleDelay >= 0, "worker.idle_delay must not be negative")
	check(c.Worker.ErrorBackoff > 0, "worker.error_backoff must be positive")

	check(c.WAL.Path != "", "wal.path must not be empty")
	check(c.WAL.BufferSize >= 0, "wal.buffer_size must not be negative")
	check(c.WAL.RetainRotated >= 0, "wal.retain_rotated must not be negative")
	check(c.Snapshot.Path != "", "snapshot.path must not be empty")
	check(c.Snapshot.Interval >= 0, "snapshot.interval must not be negative")

	check(c.KV.InMemory || c.KV.Dir != "", "kv.dir is required unless kv.in_memory is set")
	check(c.Audio.Resample == "nearest" || c.Audio.Resample == "hq",
		"audio.resample must be nearest or hq, got %q", c.Audio.Resample)
	check(c.Metrics.Addr != "" || !c.Metrics.Enabled, "metrics.addr is required when metrics are enabled")

	_, err := ParseLevel(c.Log.Level)
	check(err == nil, "log.level: %v", err)
	check(c.Log.Format == "text" || c.Log.Format == "json", "log.format must be text or json, got %q", c.Log.Format)

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ParseLevel 將 debug / info / warn / error 轉為 slog.Level
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("unknown level %q", s)
	}
	return level, nil
}
