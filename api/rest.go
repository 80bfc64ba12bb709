package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"video-prepare/retry"
)

// Tokens supplies bearer tokens for outgoing requests.
type Tokens interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// StatusError is an unexpected HTTP status from a remote service.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// PermissionError is a 401/403 that a token refresh did not fix.
type PermissionError struct {
	Method string
	Path   string
	Status int
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("%s %s: permission denied (status %d)", e.Method, e.Path, e.Status)
}

// IsNotFound reports whether err is a 404 from a remote service.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == http.StatusNotFound
}

func retryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// restClient is the JSON over HTTP core shared by the service clients.
type restClient struct {
	baseURL string
	http    *http.Client
	tokens  Tokens
	policy  retry.Policy
	limiter *rate.Limiter
	log     zerolog.Logger
}

func newRESTClient(baseURL string, tokens Tokens, logger zerolog.Logger) *restClient {
	return &restClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
		tokens:  tokens,
		policy:  retry.HTTPPolicy,
		log:     logger,
	}
}

type response struct {
	status int
	body   []byte
}

// expiredToken reports whether the service rejected the token as expired.
func expiredToken(body []byte) bool {
	var e struct {
		Error string `json:"error"`
	}
	return json.Unmarshal(body, &e) == nil && e.Error == "expired_token"
}

// send issues a single request. An expired token is refreshed and the request
// re-issued once straight away.
func (c *restClient) send(ctx context.Context, method, path string, query url.Values, payload []byte) (*response, error) {
	refreshed := false
	for {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytesReader(payload))
		if err != nil {
			return nil, retry.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		if len(query) > 0 {
			req.URL.RawQuery = query.Encode()
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.tokens != nil {
			token, err := c.tokens.Token(ctx)
			if err != nil {
				return nil, retry.Permanent(fmt.Errorf("failed to obtain access token: %w", err))
			}
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, retry.Permanent(ctx.Err())
			}
			return nil, fmt.Errorf("failed to send request: %w", err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode >= 400 && expiredToken(body) && c.tokens != nil && !refreshed {
			c.log.Info().Str("path", path).Msg("access token expired, refreshing")
			c.tokens.Invalidate()
			refreshed = true
			continue
		}
		return &response{status: resp.StatusCode, body: body}, nil
	}
}

// call runs a request under the retry policy and returns the response body.
// Transport errors, 429 and 5xx are retried; other non-2xx statuses are not.
func (c *restClient) call(ctx context.Context, method, path string, query url.Values, in any) ([]byte, error) {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
	}

	var body []byte
	err := retry.Do(ctx, c.policy, func() error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return retry.Permanent(err)
			}
		}
		r, err := c.send(ctx, method, path, query, payload)
		if err != nil {
			return err
		}
		switch {
		case r.status == http.StatusUnauthorized || r.status == http.StatusForbidden:
			return retry.Permanent(&PermissionError{Method: method, Path: path, Status: r.status})
		case retryableStatus(r.status):
			return &StatusError{Method: method, Path: path, Status: r.status, Body: truncate(r.body)}
		case r.status >= 300:
			return retry.Permanent(&StatusError{Method: method, Path: path, Status: r.status, Body: truncate(r.body)})
		}
		body = r.body
		return nil
	}, func(err error, wait time.Duration) {
		c.log.Warn().Err(err).Str("method", method).Str("path", path).Dur("wait", wait).Msg("request failed, retrying")
	})
	return body, err
}

// do is call plus JSON decoding into out, when out is non-nil.
func (c *restClient) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	body, err := c.call(ctx, method, path, query, in)
	if err != nil {
		return err
	}
	if out != nil && len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

func bytesReader(b []byte) io.Reader {
	if b == nil {
		return nil
	}
	return bytes.NewReader(b)
}

func truncate(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
