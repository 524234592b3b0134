package auth

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/CodeMonkeyCybersecurity/webprobe/internal/core"
	"github.com/CodeMonkeyCybersecurity/webprobe/pkg/types"
)

// FormStrategy posts credentials to a login form and keeps the cookies the
// server sets.
type FormStrategy struct{}

func (FormStrategy) Name() string { return "form" }

func (s FormStrategy) Authenticate(ctx context.Context, cfg Config, fetcher core.Fetcher) (*Session, error) {
	if cfg.LoginURL == "" {
		return nil, fmt.Errorf("%w: form login requires login_url", ErrAuthFailed)
	}
	userField := cfg.UsernameField
	if userField == "" {
		userField = "username"
	}
	passField := cfg.PasswordField
	if passField == "" {
		passField = "password"
	}

	form := url.Values{}
	form.Set(userField, cfg.Username)
	form.Set(passField, cfg.Password)
	for k, v := range cfg.ExtraFields {
		form.Set(k, v)
	}

	resp, err := fetcher.Fetch(ctx, types.HTTPRequest{
		URL:     cfg.LoginURL,
		Method:  http.MethodPost,
		Headers: map[string]string{"Content-Type": "application/x-www-form-urlencoded"},
		Body:    []byte(form.Encode()),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: post %s: %v", ErrAuthFailed, cfg.LoginURL, err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: login form answered %d", ErrAuthFailed, resp.StatusCode)
	}
	body := string(resp.Body)
	if cfg.FailureIndicator != "" && strings.Contains(body, cfg.FailureIndicator) {
		return nil, fmt.Errorf("%w: failure indicator present in login response", ErrAuthFailed)
	}
	if cfg.SuccessIndicator != "" && !strings.Contains(body, cfg.SuccessIndicator) {
		return nil, fmt.Errorf("%w: success indicator missing from login response", ErrAuthFailed)
	}

	session := newSession(s.Name())
	for _, c := range (&http.Response{Header: resp.Headers}).Cookies() {
		session.Cookies[c.Name] = c.Value
	}
	return session, nil
}

// BasicStrategy sends HTTP basic credentials on every request.
type BasicStrategy struct{}

func (BasicStrategy) Name() string { return "basic" }

func (s BasicStrategy) Authenticate(_ context.Context, cfg Config, _ core.Fetcher) (*Session, error) {
	if cfg.Username == "" {
		return nil, fmt.Errorf("%w: basic auth requires a username", ErrAuthFailed)
	}
	session := newSession(s.Name())
	creds := base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + cfg.Password))
	session.Headers["Authorization"] = "Basic " + creds
	return session, nil
}

// TokenStrategy sends a static token, as a bearer token by default or in a
// custom header.
type TokenStrategy struct{}

func (TokenStrategy) Name() string { return "token" }

func (s TokenStrategy) Authenticate(_ context.Context, cfg Config, _ core.Fetcher) (*Session, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("%w: token auth requires a token", ErrAuthFailed)
	}
	session := newSession(s.Name())
	if cfg.HeaderName == "" || strings.EqualFold(cfg.HeaderName, "Authorization") {
		session.Headers["Authorization"] = "Bearer " + cfg.Token
	} else {
		session.Headers[cfg.HeaderName] = cfg.Token
	}
	return session, nil
}

// OAuthStrategy obtains a bearer token with the client credentials grant.
type OAuthStrategy struct{}

func (OAuthStrategy) Name() string { return "oauth" }

func (s OAuthStrategy) Authenticate(ctx context.Context, cfg Config, _ core.Fetcher) (*Session, error) {
	if cfg.TokenURL == "" || cfg.ClientID == "" {
		return nil, fmt.Errorf("%w: oauth requires token_url and client_id", ErrAuthFailed)
	}
	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
	}
	token, err := cc.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: token request: %v", ErrAuthFailed, err)
	}

	session := newSession(s.Name())
	tokenType := token.Type()
	session.Headers["Authorization"] = tokenType + " " + token.AccessToken
	session.ExpiresAt = token.Expiry
	return session, nil
}
