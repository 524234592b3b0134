package ratelimit

import (
	"fmt"
	"strings"
	"time"
)

// StealthLevel selects request pacing, identity rotation and connection
// reuse for a scan.
type StealthLevel string

const (
	StealthNone     StealthLevel = "none"
	StealthLow      StealthLevel = "low"
	StealthMedium   StealthLevel = "medium"
	StealthHigh     StealthLevel = "high"
	StealthParanoid StealthLevel = "paranoid"
)

func ParseStealthLevel(s string) (StealthLevel, error) {
	switch level := StealthLevel(strings.ToLower(strings.TrimSpace(s))); level {
	case "":
		return StealthNone, nil
	case StealthNone, StealthLow, StealthMedium, StealthHigh, StealthParanoid:
		return level, nil
	default:
		return "", fmt.Errorf("unknown stealth level %q", s)
	}
}

// Preset returns the controller settings for a stealth level. User agents
// are left for the caller to supply.
func Preset(level StealthLevel) ControllerConfig {
	switch level {
	case StealthLow:
		return ControllerConfig{BaseDelay: 500 * time.Millisecond, Jitter: 0.2, RotateUserAgent: true, RequestsPerSecond: 10, Burst: 5}
	case StealthMedium:
		return ControllerConfig{BaseDelay: 1500 * time.Millisecond, Jitter: 0.3, RotateUserAgent: true, RequestsPerSecond: 4, Burst: 2}
	case StealthHigh:
		return ControllerConfig{BaseDelay: 3 * time.Second, Jitter: 0.5, RotateUserAgent: true, RequestsPerSecond: 1, Burst: 1, DisableKeepAlives: true}
	case StealthParanoid:
		return ControllerConfig{BaseDelay: 8 * time.Second, Jitter: 0.5, RotateUserAgent: true, RequestsPerSecond: 0.2, Burst: 1, DisableKeepAlives: true}
	default:
		return ControllerConfig{}
	}
}
