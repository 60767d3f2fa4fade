// Package credentials performs the OAuth2 client-credentials exchange
// against the identity provider.
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"tokenbridge/internal/circuitbreaker"
	"tokenbridge/internal/common/errors"
	commonhttp "tokenbridge/internal/common/http"
	"tokenbridge/internal/common/logging"
	"tokenbridge/internal/common/utils"
	"tokenbridge/internal/common/validation"
	"tokenbridge/internal/models"
)

const (
	grantTypeClientCredentials = "client_credentials"
	maxResponseBytes           = 1 << 20
)

// Config configures a Client.
type Config struct {
	TokenURL     string        `json:"token_url" validate:"required,url"`
	ClientID     string        `json:"client_id" validate:"required"`
	ClientSecret string        `json:"client_secret" validate:"required"`
	Timeout      time.Duration `json:"timeout" validate:"gte=0"`

	Retry   utils.RetryConfig     `json:"-"`
	Breaker circuitbreaker.Config `json:"-"`
}

type tokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Audience     string `json:"audience"`
	GrantType    string `json:"grant_type"`
	Scope        string `json:"scope,omitempty"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   *int64 `json:"expires_in"`
	TokenType   string `json:"token_type"`
	Scope       string `json:"scope,omitempty"`
}

type errorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

// Client fetches fresh tokens from the credential endpoint.
type Client struct {
	config     Config
	httpClient *http.Client
	breaker    *circuitbreaker.GoBreakerAdapter
	logger     logging.Logger
	now        func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. Its Timeout is left untouched.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithClock replaces time.Now for issue and expiry stamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient validates config and builds a Client. Zero retry and breaker
// configs are replaced with utils.DefaultRetryConfig and
// circuitbreaker.OAuthConfig.
func NewClient(config Config, opts ...Option) (*Client, error) {
	if err := validation.ValidateStruct(config); err != nil {
		return nil, err
	}

	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Retry.MaxAttempts == 0 {
		config.Retry = utils.DefaultRetryConfig()
	}
	if config.Breaker == (circuitbreaker.Config{}) {
		config.Breaker = circuitbreaker.OAuthConfig
	}
	config.Retry.RetryableErrors = IsRetryable

	c := &Client{
		config: config,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.logger = logging.OrGlobal(c.logger).WithFields(logging.String("component", "credentials"))
	if c.httpClient == nil {
		c.httpClient = commonhttp.NewHTTPClient(commonhttp.WithTimeout(config.Timeout))
	}
	c.breaker = circuitbreaker.NewGoBreaker("credential-endpoint", config.Breaker, c.logger)

	return c, nil
}

// FetchToken exchanges the client credentials for a token for audience.
//
// Network failures and 429/5xx answers are retried with backoff. The
// returned error is a fetch, auth_rejected or deserialization error.
func (c *Client) FetchToken(ctx context.Context, audience, scope string) (models.Token, error) {
	retry := c.config.Retry
	retry.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.logger.Warn("Token request failed, retrying",
			logging.String("audience", audience),
			logging.Int("attempt", attempt),
			logging.Duration("backoff", delay),
			logging.Err(err),
		)
	}

	var tok models.Token
	err := utils.RetryWithBackoff(ctx, retry, func() error {
		return c.breaker.Execute(ctx, func() error {
			var err error
			tok, err = c.requestToken(ctx, audience, scope)
			return err
		})
	})
	if err != nil {
		c.logger.Warn("Token request failed",
			logging.String("audience", audience),
			logging.String("breaker", c.breaker.State().String()),
			logging.Err(err),
		)
		return models.Token{}, err
	}

	c.logger.Debug("Fetched token",
		logging.String("audience", audience),
		logging.Time("expire_time", tok.ExpireTime),
	)
	return tok, nil
}

func (c *Client) requestToken(ctx context.Context, audience, scope string) (models.Token, error) {
	body, err := json.Marshal(tokenRequest{
		ClientID:     c.config.ClientID,
		ClientSecret: c.config.ClientSecret,
		Audience:     audience,
		GrantType:    grantTypeClientCredentials,
		Scope:        scope,
	})
	if err != nil {
		return models.Token{}, errors.InternalError("failed to encode token request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.TokenURL, bytes.NewReader(body))
	if err != nil {
		return models.Token{}, errors.InternalError("failed to create token request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.Token{}, errors.FetchError("token request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return models.Token{}, errors.FetchError("failed to read token response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return models.Token{}, rejection(resp.StatusCode, data)
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(data, &tokenResp); err != nil {
		return models.Token{}, errors.DeserializationError("failed to decode token response", err)
	}
	if tokenResp.AccessToken == "" {
		return models.Token{}, errors.DeserializationError("token response has no access_token", nil)
	}
	if tokenResp.ExpiresIn == nil || *tokenResp.ExpiresIn < 0 {
		return models.Token{}, errors.DeserializationError("token response has no valid expires_in", nil)
	}

	issued := c.now()
	return models.Token{
		Value:      tokenResp.AccessToken,
		IssueTime:  issued,
		ExpireTime: issued.Add(time.Duration(*tokenResp.ExpiresIn) * time.Second),
	}, nil
}

func rejection(status int, body []byte) error {
	var errResp errorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		return errors.AuthRejectedError(status,
			fmt.Sprintf("token request rejected: %s - %s", errResp.Error, errResp.Description)).
			WithCode(errResp.Error)
	}
	return errors.AuthRejectedError(status, fmt.Sprintf("token request failed with status %d", status))
}

// IsRetryable reports whether a token fetch error is worth retrying.
func IsRetryable(err error) bool {
	switch errors.GetType(err) {
	case errors.ErrTypeFetch:
		return true
	case errors.ErrTypeAuthRejected:
		code, _ := errors.StatusCode(err)
		return code == http.StatusTooManyRequests || code >= 500
	}
	return false
}
