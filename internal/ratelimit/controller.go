package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

const (
	// MinDelay is the floor applied to every paced request.
	MinDelay = 100 * time.Millisecond

	DefaultMaxDelay = 30 * time.Second
)

type ControllerConfig struct {
	BaseDelay         time.Duration
	Jitter            float64
	MaxDelay          time.Duration
	RotateUserAgent   bool
	UserAgents        []string
	RequestsPerSecond float64
	Burst             int
	DisableKeepAlives bool
	// Seed fixes the jitter and rotation sequence; zero seeds from the clock.
	Seed int64
}

// Controller paces the requests of one scan. The base delay only grows
// during a scan, doubling on each rate-limit signal up to MaxDelay.
type Controller struct {
	mu        sync.Mutex
	base      time.Duration
	jitter    float64
	maxDelay  time.Duration
	rotate    bool
	agents    []string
	lastAgent int
	backoffs  int
	rng       *rand.Rand
	limiter   *Limiter
}

func NewController(cfg ControllerConfig) *Controller {
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	jitter := cfg.Jitter
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	c := &Controller{
		base:      cfg.BaseDelay,
		jitter:    jitter,
		maxDelay:  maxDelay,
		rotate:    cfg.RotateUserAgent,
		agents:    append([]string(nil), cfg.UserAgents...),
		lastAgent: -1,
		rng:       rand.New(rand.NewSource(seed)),
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = NewLimiter(Config{RequestsPerSecond: cfg.RequestsPerSecond, BurstSize: cfg.Burst})
	}
	return c
}

// NextDelay returns base ± jitter·base, floored at MinDelay. A zero base
// disables pacing and returns zero.
func (c *Controller) NextDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.base <= 0 {
		return 0
	}
	offset := (c.rng.Float64()*2 - 1) * c.jitter * float64(c.base)
	d := c.base + time.Duration(offset)
	if d < MinDelay {
		d = MinDelay
	}
	return d
}

// Wait blocks for the pacing delay and the token bucket, whichever applies.
func (c *Controller) Wait(ctx context.Context) error {
	if d := c.NextDelay(); d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	if c.limiter != nil {
		return c.limiter.Wait(ctx)
	}
	return ctx.Err()
}

// Backoff doubles the base delay after a rate-limit signal and returns the
// new value. A zero base jumps straight to MinDelay. The token bucket, if
// any, is halved as well.
func (c *Controller) Backoff() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.base < MinDelay {
		c.base = MinDelay
	} else {
		c.base *= 2
	}
	if c.base > c.maxDelay {
		c.base = c.maxDelay
	}
	c.backoffs++
	if c.limiter != nil {
		c.limiter.Slow(0.5)
	}
	return c.base
}

func (c *Controller) BaseDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.base
}

func (c *Controller) Backoffs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backoffs
}

// NextUserAgent picks the identity for the next request. With rotation on
// and more than one agent configured, it never repeats the previous pick.
func (c *Controller) NextUserAgent() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case len(c.agents) == 0:
		return ""
	case !c.rotate || len(c.agents) == 1:
		return c.agents[0]
	}

	var idx int
	if c.lastAgent < 0 {
		idx = c.rng.Intn(len(c.agents))
	} else {
		idx = c.rng.Intn(len(c.agents) - 1)
		if idx >= c.lastAgent {
			idx++
		}
	}
	c.lastAgent = idx
	return c.agents[idx]
}
