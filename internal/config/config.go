package config

import (
	"fmt"
	"time"
)

type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Server    ServerConfig    `mapstructure:"server"`
	Scan      ScanConfig      `mapstructure:"scan"`
	Workflow  WorkflowConfig  `mapstructure:"workflow"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Tools     ToolsConfig     `mapstructure:"tools"`
}

type LoggerConfig struct {
	Level       string   `mapstructure:"level"`
	Format      string   `mapstructure:"format"`
	OutputPaths []string `mapstructure:"output_paths"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	MaxRetries   int           `mapstructure:"max_retries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type WorkerConfig struct {
	Count             int           `mapstructure:"count"`
	QueuePollInterval time.Duration `mapstructure:"queue_poll_interval"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
}

type TelemetryConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	ServiceName  string  `mapstructure:"service_name"`
	ExporterType string  `mapstructure:"exporter_type"`
	Endpoint     string  `mapstructure:"endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate"`
}

type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// APIKey, when set, is required as a bearer token on /api routes.
	APIKey     string `mapstructure:"api_key"`
	EnableCORS bool   `mapstructure:"enable_cors"`
}

// ScanConfig holds the defaults applied to every new scan. Per-scan
// requests override individual fields.
type ScanConfig struct {
	MaxDepth        int           `mapstructure:"max_depth"`
	MaxPages        int           `mapstructure:"max_pages"`
	Concurrency     int           `mapstructure:"concurrency"`
	RequestDelay    time.Duration `mapstructure:"request_delay"`
	Jitter          float64       `mapstructure:"jitter"`
	StealthLevel    string        `mapstructure:"stealth_level"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxScanDuration time.Duration `mapstructure:"max_scan_duration"`
	ShutdownGrace   time.Duration `mapstructure:"shutdown_grace"`
	VerifyTLS       bool          `mapstructure:"verify_tls"`
	AllowPrivate    bool          `mapstructure:"allow_private"`
	FollowRobots    bool          `mapstructure:"follow_robots"`
	Modules         []string      `mapstructure:"modules"`
	UserAgents      []string      `mapstructure:"user_agents"`
}

type WorkflowConfig struct {
	Workers    int    `mapstructure:"workers"`
	ResultsDir string `mapstructure:"results_dir"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	BurstSize         int           `mapstructure:"burst_size"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
}

type ToolsConfig struct {
	Nuclei NucleiConfig `mapstructure:"nuclei"`
	HTTPX  HTTPXConfig  `mapstructure:"httpx"`
}

type NucleiConfig struct {
	BinaryPath      string        `mapstructure:"binary_path"`
	TemplatesPath   string        `mapstructure:"templates_path"`
	CustomTemplates string        `mapstructure:"custom_templates"`
	Timeout         time.Duration `mapstructure:"timeout"`
	RateLimit       int           `mapstructure:"rate_limit"`
	BulkSize        int           `mapstructure:"bulk_size"`
	Concurrency     int           `mapstructure:"concurrency"`
	Retries         int           `mapstructure:"retries"`
}

type HTTPXConfig struct {
	BinaryPath      string        `mapstructure:"binary_path"`
	Timeout         time.Duration `mapstructure:"timeout"`
	Threads         int           `mapstructure:"threads"`
	RateLimit       int           `mapstructure:"rate_limit"`
	Retries         int           `mapstructure:"retries"`
	FollowRedirects bool          `mapstructure:"follow_redirects"`
}

func (c *Config) Validate() error {
	if c.Scan.MaxDepth < 0 {
		return fmt.Errorf("scan.max_depth must be >= 0, got %d", c.Scan.MaxDepth)
	}
	if c.Scan.Concurrency < 1 {
		return fmt.Errorf("scan.concurrency must be >= 1, got %d", c.Scan.Concurrency)
	}
	if c.Scan.MaxPages < 1 {
		return fmt.Errorf("scan.max_pages must be >= 1, got %d", c.Scan.MaxPages)
	}
	if c.Scan.Jitter < 0 || c.Scan.Jitter > 1 {
		return fmt.Errorf("scan.jitter must be within [0,1], got %v", c.Scan.Jitter)
	}
	if c.Worker.Count < 1 {
		return fmt.Errorf("worker.count must be >= 1, got %d", c.Worker.Count)
	}
	if c.Workflow.Workers < 1 {
		return fmt.Errorf("workflow.workers must be >= 1, got %d", c.Workflow.Workers)
	}
	switch c.Database.Driver {
	case "", "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}
	return nil
}

func DefaultConfig() *Config {
	return &Config{
		Logger: LoggerConfig{
			Level:       "info",
			Format:      "console",
			OutputPaths: []string{"stdout"},
		},
		Database: DatabaseConfig{
			Driver:          "sqlite3",
			DSN:             "webprobe.db",
			MaxConnections:  25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 1 * time.Hour,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DB:           0,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Worker: WorkerConfig{
			Count:             3,
			QueuePollInterval: 5 * time.Second,
			MaxRetries:        3,
			RetryDelay:        10 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			ServiceName:  "webprobe",
			ExporterType: "otlp",
			Endpoint:     "localhost:4318",
			SampleRate:   1.0,
		},
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			EnableCORS:   true,
		},
		Scan: ScanConfig{
			MaxDepth:        3,
			MaxPages:        500,
			Concurrency:     10,
			Jitter:          0.3,
			StealthLevel:    "none",
			Timeout:         30 * time.Second,
			MaxScanDuration: 1 * time.Hour,
			ShutdownGrace:   10 * time.Second,
			VerifyTLS:       true,
			FollowRobots:    true,
			Modules:         []string{"tech_disclosure", "missing_csrf", "insecure_form_transport", "graphql_exposure"},
			UserAgents: []string{
				"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36",
				"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_4) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
				"Mozilla/5.0 (X11; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0",
				"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
			},
		},
		Workflow: WorkflowConfig{
			Workers:    4,
			ResultsDir: "./workflow_results",
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 10,
			BurstSize:         20,
			MaxDelay:          30 * time.Second,
		},
		Tools: ToolsConfig{
			Nuclei: NucleiConfig{
				BinaryPath:  "nuclei",
				Timeout:     30 * time.Minute,
				RateLimit:   150,
				BulkSize:    25,
				Concurrency: 25,
				Retries:     2,
			},
			HTTPX: HTTPXConfig{
				BinaryPath:      "httpx",
				Timeout:         10 * time.Minute,
				Threads:         50,
				RateLimit:       150,
				Retries:         2,
				FollowRedirects: true,
			},
		},
	}
}
