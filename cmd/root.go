// Package cmd is the webprobe command line.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CodeMonkeyCybersecurity/webprobe/internal/config"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/logger"
)

var (
	cfgFile string
	cfg     *config.Config
	log     *logger.Logger
)

var rootCmd = &cobra.Command{
	Use:   "webprobe",
	Short: "Web application discovery and security scanning",
	Long: `webprobe crawls a web application within a declared scope, fingerprints
its technology, runs test modules over what it found and reports scored
findings. Multi-tool pipelines run as dependency-ordered workflows.

COMMANDS:
  webprobe scan <url>               - Crawl and test one target
  webprobe workflow run -f def.yaml - Run a tool workflow
  webprobe workflow adapters        - List available tool adapters
  webprobe serve                    - Start the HTTP API
  webprobe workers                  - Run queued scan and workflow jobs
  webprobe version                  - Print the version`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}
		if err := initConfig(); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		var err error
		log, err = logger.New(cfg.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log == nil {
			return
		}
		// Sync on stdout/stderr fails with EINVAL on Linux; that is harmless.
		if err := log.Sync(); err != nil && !strings.Contains(err.Error(), "invalid argument") {
			fmt.Fprintf(os.Stderr, "Warning: failed to sync logger: %v\n", err)
		}
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./.webprobe.yaml or $HOME/.webprobe.yaml)")

	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "log format (json, console)")
	viper.BindPFlag("logger.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("logger.format", rootCmd.PersistentFlags().Lookup("log-format"))

	rootCmd.PersistentFlags().String("db-driver", "sqlite3", "result store driver (sqlite3, postgres, or empty to disable)")
	rootCmd.PersistentFlags().String("db-dsn", "webprobe.db", "result store connection string")
	viper.BindPFlag("database.driver", rootCmd.PersistentFlags().Lookup("db-driver"))
	viper.BindPFlag("database.dsn", rootCmd.PersistentFlags().Lookup("db-dsn"))
	viper.BindEnv("database.dsn", "WEBPROBE_DATABASE_DSN", "DATABASE_URL")

	rootCmd.PersistentFlags().String("redis-addr", "localhost:6379", "Redis server address")
	rootCmd.PersistentFlags().String("redis-password", "", "Redis password")
	viper.BindPFlag("redis.addr", rootCmd.PersistentFlags().Lookup("redis-addr"))
	viper.BindPFlag("redis.password", rootCmd.PersistentFlags().Lookup("redis-password"))
	viper.BindEnv("redis.addr", "WEBPROBE_REDIS_ADDR", "REDIS_URL")

	setDefaults(config.DefaultConfig())
}

// setDefaults registers every config key with viper so that WEBPROBE_*
// environment variables can override any of them.
func setDefaults(d *config.Config) {
	viper.SetDefault("logger.output_paths", d.Logger.OutputPaths)

	viper.SetDefault("database.max_connections", d.Database.MaxConnections)
	viper.SetDefault("database.max_idle_conns", d.Database.MaxIdleConns)
	viper.SetDefault("database.conn_max_lifetime", d.Database.ConnMaxLifetime)

	viper.SetDefault("redis.db", d.Redis.DB)
	viper.SetDefault("redis.max_retries", d.Redis.MaxRetries)
	viper.SetDefault("redis.dial_timeout", d.Redis.DialTimeout)
	viper.SetDefault("redis.read_timeout", d.Redis.ReadTimeout)
	viper.SetDefault("redis.write_timeout", d.Redis.WriteTimeout)

	viper.SetDefault("worker.count", d.Worker.Count)
	viper.SetDefault("worker.queue_poll_interval", d.Worker.QueuePollInterval)
	viper.SetDefault("worker.max_retries", d.Worker.MaxRetries)
	viper.SetDefault("worker.retry_delay", d.Worker.RetryDelay)

	viper.SetDefault("telemetry.enabled", d.Telemetry.Enabled)
	viper.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
	viper.SetDefault("telemetry.exporter_type", d.Telemetry.ExporterType)
	viper.SetDefault("telemetry.endpoint", d.Telemetry.Endpoint)
	viper.SetDefault("telemetry.sample_rate", d.Telemetry.SampleRate)

	viper.SetDefault("server.addr", d.Server.Addr)
	viper.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	viper.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	viper.SetDefault("server.api_key", d.Server.APIKey)
	viper.SetDefault("server.enable_cors", d.Server.EnableCORS)

	viper.SetDefault("scan.max_depth", d.Scan.MaxDepth)
	viper.SetDefault("scan.max_pages", d.Scan.MaxPages)
	viper.SetDefault("scan.concurrency", d.Scan.Concurrency)
	viper.SetDefault("scan.request_delay", d.Scan.RequestDelay)
	viper.SetDefault("scan.jitter", d.Scan.Jitter)
	viper.SetDefault("scan.stealth_level", d.Scan.StealthLevel)
	viper.SetDefault("scan.timeout", d.Scan.Timeout)
	viper.SetDefault("scan.max_scan_duration", d.Scan.MaxScanDuration)
	viper.SetDefault("scan.shutdown_grace", d.Scan.ShutdownGrace)
	viper.SetDefault("scan.verify_tls", d.Scan.VerifyTLS)
	viper.SetDefault("scan.allow_private", d.Scan.AllowPrivate)
	viper.SetDefault("scan.follow_robots", d.Scan.FollowRobots)
	viper.SetDefault("scan.modules", d.Scan.Modules)
	viper.SetDefault("scan.user_agents", d.Scan.UserAgents)

	viper.SetDefault("workflow.workers", d.Workflow.Workers)
	viper.SetDefault("workflow.results_dir", d.Workflow.ResultsDir)

	viper.SetDefault("rate_limit.requests_per_second", d.RateLimit.RequestsPerSecond)
	viper.SetDefault("rate_limit.burst_size", d.RateLimit.BurstSize)
	viper.SetDefault("rate_limit.max_delay", d.RateLimit.MaxDelay)

	viper.SetDefault("tools.nuclei.binary_path", d.Tools.Nuclei.BinaryPath)
	viper.SetDefault("tools.nuclei.templates_path", d.Tools.Nuclei.TemplatesPath)
	viper.SetDefault("tools.nuclei.timeout", d.Tools.Nuclei.Timeout)
	viper.SetDefault("tools.nuclei.rate_limit", d.Tools.Nuclei.RateLimit)
	viper.SetDefault("tools.nuclei.bulk_size", d.Tools.Nuclei.BulkSize)
	viper.SetDefault("tools.nuclei.concurrency", d.Tools.Nuclei.Concurrency)
	viper.SetDefault("tools.nuclei.retries", d.Tools.Nuclei.Retries)
	viper.SetDefault("tools.httpx.binary_path", d.Tools.HTTPX.BinaryPath)
	viper.SetDefault("tools.httpx.timeout", d.Tools.HTTPX.Timeout)
	viper.SetDefault("tools.httpx.threads", d.Tools.HTTPX.Threads)
	viper.SetDefault("tools.httpx.rate_limit", d.Tools.HTTPX.RateLimit)
	viper.SetDefault("tools.httpx.retries", d.Tools.HTTPX.Retries)
	viper.SetDefault("tools.httpx.follow_redirects", d.Tools.HTTPX.FollowRedirects)
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home)
		}
		viper.SetConfigType("yaml")
		viper.SetConfigName(".webprobe")
	}

	viper.SetEnvPrefix("WEBPROBE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg = config.DefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg.Validate()
}

func GetConfig() *config.Config {
	return cfg
}

func GetLogger() *logger.Logger {
	return log
}
