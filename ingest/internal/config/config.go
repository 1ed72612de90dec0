package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Feed       FeedConfig       `mapstructure:"feed" yaml:"feed"`
	Validation ValidationConfig `mapstructure:"validation" yaml:"validation"`
	Queue      QueueConfig      `mapstructure:"queue" yaml:"queue"`
	Publisher  PublisherConfig  `mapstructure:"publisher" yaml:"publisher"`
	Retry      RetryConfig      `mapstructure:"retry" yaml:"retry"`
	Breaker    BreakerConfig    `mapstructure:"breaker" yaml:"breaker"`
	NATS       NATSConfig       `mapstructure:"nats" yaml:"nats"`
	DLQ        DLQConfig        `mapstructure:"dlq" yaml:"dlq"`
	Redis      RedisConfig      `mapstructure:"redis" yaml:"redis"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit" yaml:"ratelimit"`
	Shutdown   ShutdownConfig   `mapstructure:"shutdown" yaml:"shutdown"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port" yaml:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

type FeedConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	URL     string `mapstructure:"url" yaml:"url"`

	// Items is the fixed subscription set. ItemsFile, when set, is merged in.
	Items            []string      `mapstructure:"items" yaml:"items"`
	ItemsFile        string        `mapstructure:"items_file" yaml:"items_file"`
	Source           string        `mapstructure:"source" yaml:"source"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	SubscribeTimeout time.Duration `mapstructure:"subscribe_timeout" yaml:"subscribe_timeout"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	PingInterval     time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
	HandoffBuffer    int           `mapstructure:"handoff_buffer" yaml:"handoff_buffer"`
	ReconnectInitial time.Duration `mapstructure:"reconnect_initial" yaml:"reconnect_initial"`
	ReconnectMax     time.Duration `mapstructure:"reconnect_max" yaml:"reconnect_max"`
	ReconnectFactor  float64       `mapstructure:"reconnect_multiplier" yaml:"reconnect_multiplier"`
	ReconnectJitter  float64       `mapstructure:"reconnect_jitter" yaml:"reconnect_jitter"`
}

type ValidationConfig struct {
	MaxPayloadBytes int           `mapstructure:"max_payload_bytes" yaml:"max_payload_bytes"`
	MaxFieldLength  int           `mapstructure:"max_field_length" yaml:"max_field_length"`
	MaxFutureSkew   time.Duration `mapstructure:"max_future_skew" yaml:"max_future_skew"`
	RestrictToItems bool          `mapstructure:"restrict_to_items" yaml:"restrict_to_items"`
}

type QueueConfig struct {
	Capacity int `mapstructure:"capacity" yaml:"capacity"`
	// ResumeWatermark is the fill ratio at which a queue_full pause is lifted.
	ResumeWatermark float64       `mapstructure:"resume_watermark" yaml:"resume_watermark"`
	WatchInterval   time.Duration `mapstructure:"watch_interval" yaml:"watch_interval"`
}

type PublisherConfig struct {
	SubjectPrefix string        `mapstructure:"subject_prefix" yaml:"subject_prefix"`
	SchemaVersion int           `mapstructure:"schema_version" yaml:"schema_version"`
	Encoding      string        `mapstructure:"encoding" yaml:"encoding"`
	Compression   string        `mapstructure:"compression" yaml:"compression"`
	Lanes         int           `mapstructure:"lanes" yaml:"lanes"`
	BatchSize     int           `mapstructure:"batch_size" yaml:"batch_size"`
	Linger        time.Duration `mapstructure:"linger" yaml:"linger"`
	MaxInFlight   int           `mapstructure:"max_in_flight" yaml:"max_in_flight"`
	AckTimeout    time.Duration `mapstructure:"ack_timeout" yaml:"ack_timeout"`
}

type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay" yaml:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier" yaml:"multiplier"`
	Jitter       float64       `mapstructure:"jitter" yaml:"jitter"`
}

type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	Window           time.Duration `mapstructure:"window" yaml:"window"`
	Cooldown         time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
	HalfOpenTrials   int           `mapstructure:"half_open_trials" yaml:"half_open_trials"`
}

type NATSConfig struct {
	// Backend selects the bus: "nats" or "memory" (dry run).
	Backend       string        `mapstructure:"backend" yaml:"backend"`
	URL           string        `mapstructure:"url" yaml:"url"`
	Name          string        `mapstructure:"name" yaml:"name"`
	Username      string        `mapstructure:"username" yaml:"username"`
	Password      string        `mapstructure:"password" yaml:"password"`
	Token         string        `mapstructure:"token" yaml:"token"`
	CredsFile     string        `mapstructure:"creds_file" yaml:"creds_file"`
	MaxReconnects int           `mapstructure:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait" yaml:"reconnect_wait"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Stream        StreamConfig  `mapstructure:"stream" yaml:"stream"`
}

type StreamConfig struct {
	Name       string        `mapstructure:"name" yaml:"name"`
	Replicas   int           `mapstructure:"replicas" yaml:"replicas"`
	MaxAge     time.Duration `mapstructure:"max_age" yaml:"max_age"`
	MaxBytes   int64         `mapstructure:"max_bytes" yaml:"max_bytes"`
	MaxMsgSize int32         `mapstructure:"max_msg_size" yaml:"max_msg_size"`
	Duplicates time.Duration `mapstructure:"duplicates" yaml:"duplicates"`
	Storage    string        `mapstructure:"storage" yaml:"storage"`
}

type DLQConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

type RedisConfig struct {
	Enabled   bool          `mapstructure:"enabled" yaml:"enabled"`
	URL       string        `mapstructure:"url" yaml:"url"`
	KeyPrefix string        `mapstructure:"key_prefix" yaml:"key_prefix"`
	Interval  time.Duration `mapstructure:"interval" yaml:"interval"`
}

type RateLimitConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Requests int           `mapstructure:"requests" yaml:"requests"`
	Window   time.Duration `mapstructure:"window" yaml:"window"`
}

type ShutdownConfig struct {
	DrainTimeout time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout"`
	FlushTimeout time.Duration `mapstructure:"flush_timeout" yaml:"flush_timeout"`
	CloseTimeout time.Duration `mapstructure:"close_timeout" yaml:"close_timeout"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// DefaultItems is a small slice of the public ISS telemetry catalog.
var DefaultItems = []string{
	"USLAB000058", // cabin pressure
	"USLAB000059", // cabin temperature
	"USLAB000061",
	"NODE3000005", // urine tank
	"NODE3000008", // waste water tank
	"NODE3000009", // clean water tank
	"S0000004",    // port SARJ angle
	"S0000003",    // starboard SARJ angle
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8088)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")

	v.SetDefault("feed.enabled", true)
	v.SetDefault("feed.url", "ws://localhost:8765/feed")
	v.SetDefault("feed.items", DefaultItems)
	v.SetDefault("feed.items_file", "")
	v.SetDefault("feed.source", "iss-lightstreamer")
	v.SetDefault("feed.dial_timeout", "10s")
	v.SetDefault("feed.subscribe_timeout", "10s")
	v.SetDefault("feed.read_timeout", "60s")
	v.SetDefault("feed.ping_interval", "20s")
	v.SetDefault("feed.handoff_buffer", 256)
	v.SetDefault("feed.reconnect_initial", "500ms")
	v.SetDefault("feed.reconnect_max", "30s")
	v.SetDefault("feed.reconnect_multiplier", 2.0)
	v.SetDefault("feed.reconnect_jitter", 0.2)

	v.SetDefault("validation.max_payload_bytes", 8192)
	v.SetDefault("validation.max_field_length", 256)
	v.SetDefault("validation.max_future_skew", "5m")
	v.SetDefault("validation.restrict_to_items", false)

	v.SetDefault("queue.capacity", 10000)
	v.SetDefault("queue.resume_watermark", 0.5)
	v.SetDefault("queue.watch_interval", "100ms")

	v.SetDefault("publisher.subject_prefix", "telemetry.events")
	v.SetDefault("publisher.schema_version", 1)
	v.SetDefault("publisher.encoding", "json")
	v.SetDefault("publisher.compression", "none")
	v.SetDefault("publisher.lanes", 4)
	v.SetDefault("publisher.batch_size", 64)
	v.SetDefault("publisher.linger", "5ms")
	v.SetDefault("publisher.max_in_flight", 256)
	v.SetDefault("publisher.ack_timeout", "5s")

	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.initial_delay", "100ms")
	v.SetDefault("retry.max_delay", "5s")
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter", 0.2)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.window", "30s")
	v.SetDefault("breaker.cooldown", "15s")
	v.SetDefault("breaker.half_open_trials", 1)

	v.SetDefault("nats.backend", "nats")
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.name", "telemetry-ingest")
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.timeout", "5s")
	v.SetDefault("nats.stream.name", "TELEMETRY")
	v.SetDefault("nats.stream.replicas", 1)
	v.SetDefault("nats.stream.max_age", "168h")
	v.SetDefault("nats.stream.max_bytes", int64(10*1024*1024*1024))
	v.SetDefault("nats.stream.max_msg_size", 1024*1024)
	v.SetDefault("nats.stream.duplicates", "2m")
	v.SetDefault("nats.stream.storage", "file")

	v.SetDefault("dlq.enabled", true)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.key_prefix", "telemetry")
	v.SetDefault("redis.interval", "5s")

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.requests", 10000)
	v.SetDefault("ratelimit.window", "1m")

	v.SetDefault("shutdown.drain_timeout", "20s")
	v.SetDefault("shutdown.flush_timeout", "10s")
	v.SetDefault("shutdown.close_timeout", "5s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 14)
	v.SetDefault("logging.compress", true)
}

func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/telemetry/ingest")
	}

	// Environment variables override, e.g. TELEMETRY_QUEUE_CAPACITY
	v.SetEnvPrefix("TELEMETRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || configPath != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Feed.ItemsFile != "" {
		items, err := LoadItemsFile(cfg.Feed.ItemsFile)
		if err != nil {
			return nil, err
		}
		cfg.Feed.Items = mergeItems(cfg.Feed.Items, items)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// itemCatalog is the on-disk layout of feed.items_file.
type itemCatalog struct {
	Items []struct {
		ID          string `yaml:"id"`
		Description string `yaml:"description"`
	} `yaml:"items"`
}

// LoadItemsFile reads a YAML item catalog.
func LoadItemsFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read items file: %w", err)
	}
	var catalog itemCatalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse items file %s: %w", path, err)
	}
	items := make([]string, 0, len(catalog.Items))
	for _, it := range catalog.Items {
		if id := strings.TrimSpace(it.ID); id != "" {
			items = append(items, id)
		}
	}
	return items, nil
}

func mergeItems(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, id := range list {
			if _, ok := seen[id]; ok || id == "" {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

const redacted = "REDACTED"

// Redacted returns a copy safe to print: secrets are replaced and URL
// passwords masked.
func (c Config) Redacted() Config {
	if c.NATS.Password != "" {
		c.NATS.Password = redacted
	}
	if c.NATS.Token != "" {
		c.NATS.Token = redacted
	}
	c.NATS.URL = redactURL(c.NATS.URL)
	c.Redis.URL = redactURL(c.Redis.URL)
	c.Feed.URL = redactURL(c.Feed.URL)
	c.Feed.Items = append([]string(nil), c.Feed.Items...)
	return c
}

// redactURL masks the password of every comma-separated URL. Unparseable
// values are replaced entirely.
func redactURL(raw string) string {
	if raw == "" {
		return raw
	}
	parts := strings.Split(raw, ",")
	for i, part := range parts {
		u, err := url.Parse(strings.TrimSpace(part))
		if err != nil {
			parts[i] = redacted
			continue
		}
		if u.User != nil {
			if _, ok := u.User.Password(); ok {
				u.User = url.UserPassword(u.User.Username(), redacted)
			} else {
				// a bare user part is a token for NATS and redis
				u.User = url.User(redacted)
			}
		}
		parts[i] = u.String()
	}
	return strings.Join(parts, ",")
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Queue.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("queue.capacity must be positive, got %d", c.Queue.Capacity))
	}
	if c.Queue.ResumeWatermark < 0 || c.Queue.ResumeWatermark >= 1 {
		errs = append(errs, fmt.Errorf("queue.resume_watermark must be in [0,1), got %v", c.Queue.ResumeWatermark))
	}
	if c.Publisher.SchemaVersion <= 0 {
		errs = append(errs, fmt.Errorf("publisher.schema_version must be positive, got %d", c.Publisher.SchemaVersion))
	}
	if c.Publisher.Lanes <= 0 {
		errs = append(errs, fmt.Errorf("publisher.lanes must be positive, got %d", c.Publisher.Lanes))
	}
	if c.Publisher.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("publisher.batch_size must be positive, got %d", c.Publisher.BatchSize))
	}
	switch c.Publisher.Encoding {
	case "json", "cbor":
	default:
		errs = append(errs, fmt.Errorf("publisher.encoding %q is not one of json, cbor", c.Publisher.Encoding))
	}
	switch c.Publisher.Compression {
	case "none", "zstd", "lz4", "snappy":
	default:
		errs = append(errs, fmt.Errorf("publisher.compression %q is not one of none, zstd, lz4, snappy", c.Publisher.Compression))
	}
	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be positive, got %d", c.Retry.MaxAttempts))
	}
	if c.Breaker.FailureThreshold <= 0 {
		errs = append(errs, fmt.Errorf("breaker.failure_threshold must be positive, got %d", c.Breaker.FailureThreshold))
	}
	if c.Breaker.HalfOpenTrials <= 0 {
		errs = append(errs, fmt.Errorf("breaker.half_open_trials must be positive, got %d", c.Breaker.HalfOpenTrials))
	}
	if c.Breaker.Cooldown <= 0 {
		errs = append(errs, fmt.Errorf("breaker.cooldown must be positive, got %s", c.Breaker.Cooldown))
	}
	switch c.NATS.Backend {
	case "nats", "memory":
	default:
		errs = append(errs, fmt.Errorf("nats.backend %q is not one of nats, memory", c.NATS.Backend))
	}
	if c.Feed.Enabled && len(c.Feed.Items) == 0 {
		errs = append(errs, errors.New("feed.items must not be empty when the feed is enabled"))
	}
	return errors.Join(errs...)
}
