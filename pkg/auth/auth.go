// Package auth establishes an authenticated session against a target before
// a scan crawls it.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/CodeMonkeyCybersecurity/webprobe/internal/core"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/types"
)

var (
	ErrAuthFailed      = errors.New("authentication failed")
	ErrUnknownStrategy = errors.New("unknown authentication strategy")
)

// Config selects a strategy by Type and carries the fields each strategy
// needs. Unused fields are ignored.
type Config struct {
	Type string `json:"type" mapstructure:"type"`

	// form
	LoginURL         string            `json:"login_url,omitempty" mapstructure:"login_url"`
	UsernameField    string            `json:"username_field,omitempty" mapstructure:"username_field"`
	PasswordField    string            `json:"password_field,omitempty" mapstructure:"password_field"`
	ExtraFields      map[string]string `json:"extra_fields,omitempty" mapstructure:"extra_fields"`
	SuccessIndicator string            `json:"success_indicator,omitempty" mapstructure:"success_indicator"`
	FailureIndicator string            `json:"failure_indicator,omitempty" mapstructure:"failure_indicator"`

	// form and basic
	Username string `json:"username,omitempty" mapstructure:"username"`
	Password string `json:"password,omitempty" mapstructure:"password"`

	// token
	Token      string `json:"token,omitempty" mapstructure:"token"`
	HeaderName string `json:"header_name,omitempty" mapstructure:"header_name"`

	// oauth client credentials
	TokenURL     string   `json:"token_url,omitempty" mapstructure:"token_url"`
	ClientID     string   `json:"client_id,omitempty" mapstructure:"client_id"`
	ClientSecret string   `json:"client_secret,omitempty" mapstructure:"client_secret"`
	Scopes       []string `json:"scopes,omitempty" mapstructure:"scopes"`

	// VerifyURL, when set, is fetched with the new session and must not
	// answer 401 or 403.
	VerifyURL string `json:"verify_url,omitempty" mapstructure:"verify_url"`
}

// Session is the credential material merged into every later request.
type Session struct {
	Strategy  string            `json:"strategy"`
	Headers   map[string]string `json:"headers,omitempty"`
	Cookies   map[string]string `json:"cookies,omitempty"`
	ExpiresAt time.Time         `json:"expires_at,omitempty"`
}

func newSession(strategy string) *Session {
	return &Session{
		Strategy: strategy,
		Headers:  make(map[string]string),
		Cookies:  make(map[string]string),
	}
}

// Apply merges the session into req without overriding values the request
// already sets.
func (s *Session) Apply(req *types.HTTPRequest) {
	if s == nil {
		return
	}
	if len(s.Headers) > 0 && req.Headers == nil {
		req.Headers = make(map[string]string, len(s.Headers))
	}
	for k, v := range s.Headers {
		if _, ok := req.Headers[k]; !ok {
			req.Headers[k] = v
		}
	}
	if len(s.Cookies) > 0 && req.Cookies == nil {
		req.Cookies = make(map[string]string, len(s.Cookies))
	}
	for k, v := range s.Cookies {
		if _, ok := req.Cookies[k]; !ok {
			req.Cookies[k] = v
		}
	}
}

// Strategy authenticates with one mechanism.
type Strategy interface {
	Name() string
	Authenticate(ctx context.Context, cfg Config, fetcher core.Fetcher) (*Session, error)
}

// Registry maps auth.type values to strategies.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]Strategy)}
}

// DefaultRegistry holds the form, basic, token and oauth strategies.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(FormStrategy{})
	r.Register(BasicStrategy{})
	r.Register(TokenStrategy{})
	r.Register(OAuthStrategy{})
	return r
}

func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Name()] = s
}

func (r *Registry) Get(name string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	return s, nil
}

func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Authenticate resolves cfg.Type and runs that strategy, then checks the
// session against VerifyURL when one is configured.
func (r *Registry) Authenticate(ctx context.Context, cfg Config, fetcher core.Fetcher) (*Session, error) {
	strategy, err := r.Get(cfg.Type)
	if err != nil {
		return nil, err
	}
	session, err := strategy.Authenticate(ctx, cfg, fetcher)
	if err != nil {
		return nil, err
	}
	if cfg.VerifyURL != "" {
		if err := verify(ctx, cfg.VerifyURL, session, fetcher); err != nil {
			return nil, err
		}
	}
	return session, nil
}

func verify(ctx context.Context, target string, session *Session, fetcher core.Fetcher) error {
	req := types.HTTPRequest{URL: target, Method: "GET"}
	session.Apply(&req)
	resp, err := fetcher.Fetch(ctx, req)
	if err != nil {
		return fmt.Errorf("%w: verify %s: %v", ErrAuthFailed, target, err)
	}
	if resp.StatusCode == 401 || resp.StatusCode == 403 {
		return fmt.Errorf("%w: %s answered %d with %s credentials", ErrAuthFailed, target, resp.StatusCode, session.Strategy)
	}
	return nil
}
