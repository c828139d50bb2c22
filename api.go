package karmachat

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// Requester performs one JSON call against the HTTP API. Implementations
// attach the session token when auth is true and unwrap the {result}
// envelope, returning *APIError for {error} responses.
type Requester interface {
	Request(ctx context.Context, path string, body any, auth bool) (json.RawMessage, error)
}

// apiEnvelope is the response shape of every endpoint.
type apiEnvelope struct {
	Result json.RawMessage `json:"result"`
	Error  *APIError       `json:"error"`
}

// ============================================================================
// HTTPRequester
// ============================================================================

// HTTPRequester is the default Requester.
type HTTPRequester struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter

	mu    sync.RWMutex
	token string
}

// NewHTTPRequester builds a Requester from a Config.
func NewHTTPRequester(cfg *Config) *HTTPRequester {
	c := *cfg
	c.defaults()
	return &HTTPRequester{
		baseURL:    c.APIURL,
		httpClient: c.HTTPClient,
		limiter:    rate.NewLimiter(rate.Limit(c.RequestsPerSecond), c.RequestBurst),
		token:      c.Token,
	}
}

// SetToken updates the session token attached to authenticated calls.
func (r *HTTPRequester) SetToken(token string) {
	r.mu.Lock()
	r.token = token
	r.mu.Unlock()
}

// Token returns the current session token.
func (r *HTTPRequester) Token() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.token
}

// Request implements Requester.
func (r *HTTPRequester) Request(ctx context.Context, path string, body any, auth bool) (json.RawMessage, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "rate limit wait")
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal request")
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bodyReader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")
	if auth {
		if token := r.Token(); token != "" {
			req.Header.Set("X-Session-Token", token)
		}
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}

	var env apiEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrapf(err, "decode response (HTTP %d)", resp.StatusCode)
	}
	if env.Error != nil {
		env.Error.Endpoint = path
		env.Error.Method = http.MethodPost
		env.Error.Body = body
		return nil, env.Error
	}
	return env.Result, nil
}

// decodeResult unmarshals a {result} payload into T.
func decodeResult[T any](data json.RawMessage) (*T, error) {
	var result T
	if len(data) == 0 {
		return &result, nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal response")
	}
	return &result, nil
}

// call is Request followed by decodeResult.
func call[T any](ctx context.Context, r Requester, path string, body any) (*T, error) {
	data, err := r.Request(ctx, path, body, true)
	if err != nil {
		return nil, err
	}
	return decodeResult[T](data)
}

// ============================================================================
// Session config endpoint
// ============================================================================

// SessionConfig is returned by the session config endpoint and carries a
// fresh token plus the identity of the authenticated user.
type SessionConfig struct {
	Token            string       `json:"token"`
	UserID           string       `json:"userId"`
	PrivateChannelID string       `json:"privateChannelId"`
	User             *userPayload `json:"user,omitempty"`
}

func fetchSessionConfig(ctx context.Context, r Requester) (*SessionConfig, error) {
	cfg, err := call[SessionConfig](ctx, r, "/session/config", nil)
	if err != nil {
		return nil, errors.Wrap(err, "fetch session config")
	}
	return cfg, nil
}
