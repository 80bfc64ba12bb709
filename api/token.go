package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// tokenLeeway is how long before expiry a cached token is considered stale.
const tokenLeeway = 60 * time.Second

// TokenSource obtains and caches client-credentials access tokens for one
// audience.
type TokenSource struct {
	endpoint string
	http     *http.Client
	base     *requestTokenSource

	mu    sync.Mutex
	reuse oauth2.TokenSource
}

// requestTokenSource performs the token request with the context of the
// current Token call. TokenSource serialises calls, so ctx is never shared.
type requestTokenSource struct {
	cfg *clientcredentials.Config
	ctx context.Context
}

func (r *requestTokenSource) Token() (*oauth2.Token, error) {
	return r.cfg.Token(r.ctx)
}

// NewTokenSource creates a token source posting to endpoint.
func NewTokenSource(endpoint, clientID, clientSecret, audience string) *TokenSource {
	cfg := &clientcredentials.Config{
		ClientID:       clientID,
		ClientSecret:   clientSecret,
		TokenURL:       endpoint,
		EndpointParams: url.Values{"audience": {audience}},
		AuthStyle:      oauth2.AuthStyleInParams,
	}
	s := &TokenSource{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 30 * time.Second},
		base:     &requestTokenSource{cfg: cfg},
	}
	s.reuse = oauth2.ReuseTokenSourceWithExpiry(nil, s.base, tokenLeeway)
	return s
}

// Token returns a cached token or requests a new one.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.base.ctx = context.WithValue(ctx, oauth2.HTTPClient, s.http)
	defer func() { s.base.ctx = nil }()

	tok, err := s.reuse.Token()
	if err != nil {
		return "", s.classify(err)
	}
	if tok.AccessToken == "" {
		return "", errors.New("token response has no access_token")
	}
	return tok.AccessToken, nil
}

func (s *TokenSource) classify(err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) || re.Response == nil {
		return fmt.Errorf("failed to request token: %w", err)
	}
	switch status := re.Response.StatusCode; status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &PermissionError{Method: http.MethodPost, Path: s.endpoint, Status: status}
	default:
		return &StatusError{Method: http.MethodPost, Path: s.endpoint, Status: status, Body: truncate(re.Body)}
	}
}

// Invalidate drops the cached token so the next call fetches a fresh one.
func (s *TokenSource) Invalidate() {
	s.mu.Lock()
	s.reuse = oauth2.ReuseTokenSourceWithExpiry(nil, s.base, tokenLeeway)
	s.mu.Unlock()
}
