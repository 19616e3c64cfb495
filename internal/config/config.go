package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the discovery service.
type Config struct {
	Storage   Storage   `yaml:"storage"`
	Redis     Redis     `yaml:"redis"`
	Kafka     Kafka     `yaml:"kafka"`
	Fetcher   Fetcher   `yaml:"fetcher"`
	Extractor Extractor `yaml:"extractor"`
	Scorer    Scorer    `yaml:"scorer"`
	Processor Processor `yaml:"processor"`
	Feed      Feed      `yaml:"feed"`
	Run       Run       `yaml:"run"`
	Watcher   Watcher   `yaml:"watcher"`
	API       API       `yaml:"api"`
	Logging   Logging   `yaml:"logging"`
}

// Storage configures the SQLite database.
type Storage struct {
	Path string `yaml:"path"`
}

// Redis configuration for the run lock and live counters.
type Redis struct {
	URL string `yaml:"url"`
}

// Kafka configuration for the enrichment dispatcher.
type Kafka struct {
	Brokers         []string `yaml:"brokers"`
	EnrichmentTopic string   `yaml:"enrichment_topic"`
}

// Fetcher configures the polite HTTP fetcher.
type Fetcher struct {
	Timeout           time.Duration `yaml:"timeout"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`
	MaxRedirects      int           `yaml:"max_redirects"`
	PerHostMinSpacing time.Duration `yaml:"per_host_min_spacing"`
	UserAgent         string        `yaml:"user_agent"`
}

// Extractor configures readable-content extraction.
type Extractor struct {
	MinTextBytes int `yaml:"min_text_bytes"`
}

// Scorer configures the LLM relevance scorer adapter.
type Scorer struct {
	Endpoint  string        `yaml:"endpoint"`
	APIKey    string        `yaml:"api_key"`
	Model     string        `yaml:"model"`
	Timeout   time.Duration `yaml:"timeout"`
	Threshold int           `yaml:"threshold"`
	MaxInput  int           `yaml:"max_input_bytes"`
}

// Processor configures the citation processor pool.
type Processor struct {
	Parallelism  int           `yaml:"parallelism"`
	MaxAttempts  int           `yaml:"max_attempts"`
	EmptyRetries int           `yaml:"empty_retries"`
	StuckTimeout time.Duration `yaml:"stuck_timeout"`
}

// Feed configures the agent-feed queue worker pool.
type Feed struct {
	Parallelism  int           `yaml:"parallelism"`
	MaxAttempts  int           `yaml:"max_attempts"`
	StuckTimeout time.Duration `yaml:"stuck_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
	AgentBaseURL string        `yaml:"agent_base_url"`
	AgentAPIKey  string        `yaml:"agent_api_key"`
}

// Run configures discovery run coordination.
type Run struct {
	Deadline      time.Duration `yaml:"deadline"`
	LockTTL       time.Duration `yaml:"lock_ttl"`
	MetricsPeriod time.Duration `yaml:"metrics_period"`
}

// Watcher configures the Wikipedia EventStreams page watcher.
type Watcher struct {
	StreamURL         string        `yaml:"stream_url"`
	RateLimit         int           `yaml:"rate_limit"`
	BurstLimit        int           `yaml:"burst_limit"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`
}

// API configuration for the operational HTTP surface.
type API struct {
	Port        int `yaml:"port"`
	MetricsPort int `yaml:"metrics_port"`
}

// Logging configuration
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig loads configuration from file and environment variables.
func LoadConfig(configPath string) (*Config, error) {
	var config Config

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	setDefaults(&config)
	overrideWithEnv(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default values for optional fields
func setDefaults(config *Config) {
	if config.Storage.Path == "" {
		config.Storage.Path = "patchscout.db"
	}
	if config.Redis.URL == "" {
		config.Redis.URL = "redis://localhost:6379"
	}
	// Kafka stays empty unless configured; enrichment dispatch is optional.
	if config.Kafka.EnrichmentTopic == "" {
		config.Kafka.EnrichmentTopic = "patchscout.enrichment.requests"
	}

	if config.Fetcher.Timeout == 0 {
		config.Fetcher.Timeout = 15 * time.Second
	}
	if config.Fetcher.MaxBodyBytes == 0 {
		config.Fetcher.MaxBodyBytes = 10 << 20 // 10 MiB
	}
	if config.Fetcher.MaxRedirects == 0 {
		config.Fetcher.MaxRedirects = 5
	}
	if config.Fetcher.PerHostMinSpacing == 0 {
		config.Fetcher.PerHostMinSpacing = 500 * time.Millisecond
	}
	if config.Fetcher.UserAgent == "" {
		config.Fetcher.UserAgent = "patchscout/1.0 (+https://github.com/patchscout/patchscout)"
	}

	if config.Extractor.MinTextBytes == 0 {
		config.Extractor.MinTextBytes = 500
	}

	if config.Scorer.Model == "" {
		config.Scorer.Model = "gpt-4o-mini"
	}
	if config.Scorer.Timeout == 0 {
		config.Scorer.Timeout = 30 * time.Second
	}
	if config.Scorer.Threshold == 0 {
		config.Scorer.Threshold = 60
	}
	if config.Scorer.MaxInput == 0 {
		config.Scorer.MaxInput = 12 * 1024
	}

	if config.Processor.Parallelism == 0 {
		config.Processor.Parallelism = 8
	}
	if config.Processor.MaxAttempts == 0 {
		config.Processor.MaxAttempts = 3
	}
	if config.Processor.EmptyRetries == 0 {
		config.Processor.EmptyRetries = 3
	}
	if config.Processor.StuckTimeout == 0 {
		config.Processor.StuckTimeout = 10 * time.Minute
	}

	if config.Feed.Parallelism == 0 {
		config.Feed.Parallelism = 4
	}
	if config.Feed.MaxAttempts == 0 {
		config.Feed.MaxAttempts = 5
	}
	if config.Feed.StuckTimeout == 0 {
		config.Feed.StuckTimeout = 10 * time.Minute
	}
	if config.Feed.PollInterval == 0 {
		config.Feed.PollInterval = 2 * time.Second
	}

	if config.Run.Deadline == 0 {
		config.Run.Deadline = 30 * time.Minute
	}
	if config.Run.LockTTL == 0 {
		config.Run.LockTTL = time.Minute
	}
	if config.Run.MetricsPeriod == 0 {
		config.Run.MetricsPeriod = 5 * time.Second
	}

	if config.Watcher.StreamURL == "" {
		config.Watcher.StreamURL = "https://stream.wikimedia.org/v2/stream/recentchange"
	}
	if config.Watcher.RateLimit == 0 {
		config.Watcher.RateLimit = 100
	}
	if config.Watcher.BurstLimit == 0 {
		config.Watcher.BurstLimit = 200
	}
	if config.Watcher.ReconnectDelay == 0 {
		config.Watcher.ReconnectDelay = 1 * time.Second
	}
	if config.Watcher.MaxReconnectDelay == 0 {
		config.Watcher.MaxReconnectDelay = 60 * time.Second
	}

	if config.API.Port == 0 {
		config.API.Port = 8080
	}
	if config.API.MetricsPort == 0 {
		config.API.MetricsPort = 2112
	}

	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Format == "" {
		config.Logging.Format = "json"
	}
}

// overrideWithEnv overrides configuration with environment variables
func overrideWithEnv(config *Config) {
	if v := os.Getenv("DB_PATH"); v != "" {
		config.Storage.Path = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		config.Redis.URL = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		config.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("PROCESSOR_PARALLELISM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Processor.Parallelism = n
		}
	}
	if v := os.Getenv("FEED_PARALLELISM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Feed.Parallelism = n
		}
	}
	if v := os.Getenv("FETCH_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Fetcher.Timeout = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("PER_HOST_MIN_SPACING_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Fetcher.PerHostMinSpacing = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("RELEVANCE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Scorer.Threshold = n
		}
	}
	if v := os.Getenv("MIN_TEXT_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Extractor.MinTextBytes = n
		}
	}
	if v := os.Getenv("MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Processor.MaxAttempts = n
		}
	}
	if v := os.Getenv("RUN_DEADLINE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Run.Deadline = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("SCORER_ENDPOINT"); v != "" {
		config.Scorer.Endpoint = v
	}
	if v := os.Getenv("SCORER_KEY"); v != "" {
		config.Scorer.APIKey = v
	}
	if v := os.Getenv("AGENT_BASE_URL"); v != "" {
		config.Feed.AgentBaseURL = v
	}
	if v := os.Getenv("AGENT_API_KEY"); v != "" {
		config.Feed.AgentAPIKey = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	if config.Storage.Path == "" {
		return fmt.Errorf("storage path must not be empty")
	}
	if config.Redis.URL == "" {
		return fmt.Errorf("redis URL must not be empty")
	}
	if config.Processor.Parallelism < 1 || config.Processor.Parallelism > 256 {
		return fmt.Errorf("processor parallelism must be in [1,256]")
	}
	if config.Feed.Parallelism < 1 || config.Feed.Parallelism > 256 {
		return fmt.Errorf("feed parallelism must be in [1,256]")
	}
	if config.Scorer.Threshold < 0 || config.Scorer.Threshold > 100 {
		return fmt.Errorf("relevance threshold must be in [0,100]")
	}
	if config.Extractor.MinTextBytes < 0 {
		return fmt.Errorf("min text bytes must be non-negative")
	}
	return nil
}
