package scanner

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/CodeMonkeyCybersecurity/webprobe/internal/config"
	"github.com/CodeMonkeyCybersecurity/webprobe/internal/ratelimit"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/auth"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/scope"
)

const defaultShutdownGrace = 10 * time.Second

// Config is fixed for the life of one scan.
type Config struct {
	ID              string            `json:"id"`
	Target          scope.Target      `json:"target"`
	MaxDepth        int               `json:"max_depth"`
	MaxPages        int               `json:"max_pages"`
	Concurrency     int               `json:"concurrency"`
	RequestDelay    time.Duration     `json:"request_delay"`
	Jitter          float64           `json:"jitter"`
	StealthLevel    string            `json:"stealth_level"`
	RotateUserAgent bool              `json:"rotate_user_agent"`
	UserAgents      []string          `json:"user_agents,omitempty"`
	MaxDelay        time.Duration     `json:"max_delay"`
	RequestsPerSec  float64           `json:"requests_per_second,omitempty"`
	Modules         []string          `json:"modules"`
	Auth            *auth.Config      `json:"auth,omitempty"`
	Proxy           string            `json:"proxy,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	Cookies         map[string]string `json:"cookies,omitempty"`
	Timeout         time.Duration     `json:"timeout"`
	VerifyTLS       bool              `json:"verify_tls"`
	AllowPrivate    bool              `json:"allow_private"`
	FollowRobots    bool              `json:"follow_robots"`
	ParseSitemaps   bool              `json:"parse_sitemaps"`
	MaxScanDuration time.Duration     `json:"max_scan_duration"`
	ShutdownGrace   time.Duration     `json:"shutdown_grace"`
	// DiscoveryOnly skips the testing phase.
	DiscoveryOnly bool `json:"discovery_only,omitempty"`
}

// NewConfig applies the process-wide scan defaults to a target.
func NewConfig(defaults config.ScanConfig, target scope.Target) Config {
	return Config{
		ID:              uuid.New().String(),
		Target:          target,
		MaxDepth:        defaults.MaxDepth,
		MaxPages:        defaults.MaxPages,
		Concurrency:     defaults.Concurrency,
		RequestDelay:    defaults.RequestDelay,
		Jitter:          defaults.Jitter,
		StealthLevel:    defaults.StealthLevel,
		UserAgents:      append([]string(nil), defaults.UserAgents...),
		Modules:         append([]string(nil), defaults.Modules...),
		Timeout:         defaults.Timeout,
		VerifyTLS:       defaults.VerifyTLS,
		AllowPrivate:    defaults.AllowPrivate,
		FollowRobots:    defaults.FollowRobots,
		ParseSitemaps:   true,
		MaxScanDuration: defaults.MaxScanDuration,
		ShutdownGrace:   defaults.ShutdownGrace,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.MaxDepth < 0 {
		errs = append(errs, fmt.Errorf("max_depth must be >= 0, got %d", c.MaxDepth))
	}
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be >= 1, got %d", c.Concurrency))
	}
	if c.MaxPages < 1 {
		errs = append(errs, fmt.Errorf("max_pages must be >= 1, got %d", c.MaxPages))
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		errs = append(errs, fmt.Errorf("jitter must be within [0,1], got %v", c.Jitter))
	}
	if _, err := ratelimit.ParseStealthLevel(c.StealthLevel); err != nil {
		errs = append(errs, err)
	}
	u, err := url.Parse(c.Target.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("target base url %q must be an absolute http(s) url", c.Target.BaseURL))
	}
	if c.Proxy != "" {
		if _, err := url.Parse(c.Proxy); err != nil {
			errs = append(errs, fmt.Errorf("invalid proxy: %w", err))
		}
	}
	return errors.Join(errs...)
}

// controllerConfig resolves the stealth preset and explicit overrides.
func (c Config) controllerConfig() ratelimit.ControllerConfig {
	level, _ := ratelimit.ParseStealthLevel(c.StealthLevel)
	cfg := ratelimit.Preset(level)
	if c.RequestDelay > 0 {
		cfg.BaseDelay = c.RequestDelay
		cfg.Jitter = c.Jitter
	} else if level != ratelimit.StealthNone && c.Jitter > 0 {
		cfg.Jitter = c.Jitter
	}
	cfg.RotateUserAgent = cfg.RotateUserAgent || c.RotateUserAgent
	cfg.UserAgents = c.UserAgents
	cfg.MaxDelay = c.MaxDelay
	if c.RequestsPerSec > 0 {
		cfg.RequestsPerSecond = c.RequestsPerSec
	}
	return cfg
}

func (c Config) shutdownGrace() time.Duration {
	if c.ShutdownGrace > 0 {
		return c.ShutdownGrace
	}
	return defaultShutdownGrace
}
