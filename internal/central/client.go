// Package central is the HTTP client for the central sync server.
//
// Every authenticated call carries the bearer token and the client
// identification headers. A 401 triggers exactly one token refresh and one
// replay of the request; a second 401 is a terminal AuthenticationError.
// Responses that reject the client version become OutdatedVersionError.
// Transport failures and 5xx responses are retried with exponential backoff,
// but only for calls that are safe to repeat.
package central

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/mod/semver"

	"github.com/beyondessential/tamanu-sync/internal/syncerr"
)

// Header names sent with every request.
const (
	HeaderClient           = "X-Tamanu-Client"
	HeaderVersion          = "X-Version"
	HeaderMinClientVersion = "X-Min-Client-Version"
)

// DefaultClientName identifies this client to the server.
const DefaultClientName = "Tamanu Mobile"

// Config configures a Client.
type Config struct {
	BaseURL       string
	ClientName    string
	ClientVersion string
	DeviceID      string

	// Timeout bounds a single request. PullTimeout replaces it for pull
	// pages, which can be large.
	Timeout     time.Duration
	PullTimeout time.Duration

	// MaxAttempts includes the first attempt of an idempotent call.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// PollInterval is the wait between readiness checks; PollTimeout bounds
	// the whole wait.
	PollInterval time.Duration
	PollTimeout  time.Duration

	HTTPClient *http.Client
	Logger     *log.Logger
}

// DefaultConfig returns the client defaults.
func DefaultConfig() Config {
	return Config{
		ClientName:   DefaultClientName,
		Timeout:      30 * time.Second,
		PullTimeout:  5 * time.Minute,
		MaxAttempts:  3,
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		PollInterval: time.Second,
		PollTimeout:  10 * time.Minute,
	}
}

// TokenStore persists the refresh token between runs.
type TokenStore interface {
	RefreshToken() string
	SetRefreshToken(token string) error
}

// Client talks to the central server. Safe for concurrent use.
type Client struct {
	cfg    Config
	http   *http.Client
	tokens TokenStore
	logger *log.Logger

	mu    sync.Mutex
	token string
}

// New creates a Client. Zero fields of cfg take DefaultConfig values.
func New(cfg Config, tokens TokenStore) (*Client, error) {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		return nil, syncerr.NewConfigurationError("central server URL is not set")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, syncerr.NewConfigurationError("invalid central server URL %q: %v", cfg.BaseURL, err)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.ClientName == "" {
		cfg.ClientName = def.ClientName
	}
	if cfg.ClientVersion == "" {
		return nil, syncerr.NewConfigurationError("client version is not set")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.PullTimeout <= 0 {
		cfg.PullTimeout = def.PullTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = def.PollTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[central] ", log.LstdFlags)
	}
	return &Client{cfg: cfg, http: httpClient, tokens: tokens, logger: logger}, nil
}

// SetToken installs an access token, e.g. one restored from a login form.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// HasCredentials reports whether the client holds an access token or a
// refresh token it can exchange for one.
func (c *Client) HasCredentials() bool {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	return token != "" || (c.tokens != nil && c.tokens.RefreshToken() != "")
}

func (c *Client) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// request describes one call.
type request struct {
	op            string
	method        string
	path          string
	query         url.Values
	body          any
	out           any
	timeout       time.Duration
	idempotent    bool
	authenticated bool
}

// errUnauthorized marks a 401 so the auth state machine can react to it.
type errUnauthorized struct {
	message string
}

func (e *errUnauthorized) Error() string {
	return "unauthorized: " + e.message
}

// authState is a step of the refresh-once state machine.
type authState int

const (
	authAttempt authState = iota
	authRefresh
	authRetry
)

// do runs req with the retry policy around the auth state machine.
func (c *Client) do(ctx context.Context, req request) error {
	for attempt := 1; ; attempt++ {
		err := c.doAuthenticated(ctx, req)
		if err == nil || !req.idempotent || !syncerr.IsRetryable(err) || attempt >= c.cfg.MaxAttempts {
			return err
		}

		delay := c.retryDelay(attempt)
		c.logger.Printf("%s failed (attempt %d/%d), retrying in %v: %v", req.op, attempt, c.cfg.MaxAttempts, delay, err)
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// doAuthenticated is attempt, then on 401 refresh once, then retry once.
// It never loops beyond those three steps.
func (c *Client) doAuthenticated(ctx context.Context, req request) error {
	state := authAttempt
	for {
		switch state {
		case authAttempt:
			err := c.send(ctx, req)
			var unauth *errUnauthorized
			if !errors.As(err, &unauth) {
				return err
			}
			if !req.authenticated {
				return &syncerr.AuthenticationError{Message: unauth.message}
			}
			state = authRefresh

		case authRefresh:
			if err := c.Refresh(ctx); err != nil {
				return err
			}
			state = authRetry

		case authRetry:
			err := c.send(ctx, req)
			var unauth *errUnauthorized
			if errors.As(err, &unauth) {
				return &syncerr.AuthenticationError{Message: "still unauthorized after token refresh: " + unauth.message}
			}
			return err
		}
	}
}

// retryDelay is exponential backoff with ±25% jitter, capped at MaxDelay.
func (c *Client) retryDelay(attempt int) time.Duration {
	delay := time.Duration(math.Pow(2, float64(attempt-1))) * c.cfg.BaseDelay
	jitterRange := int64(float64(delay) * 0.25)
	if jitterRange > 0 {
		delay += time.Duration(rand.Int63n(2*jitterRange) - jitterRange)
	}
	if delay > c.cfg.MaxDelay {
		delay = c.cfg.MaxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// send performs one HTTP round trip.
func (c *Client) send(ctx context.Context, req request) error {
	timeout := req.timeout
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u := c.cfg.BaseURL + req.path
	if len(req.query) > 0 {
		u += "?" + req.query.Encode()
	}

	var body io.Reader
	if req.body != nil {
		b, err := json.Marshal(req.body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", req.op, err)
		}
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, u, body)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", req.op, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set(HeaderClient, c.cfg.ClientName)
	httpReq.Header.Set(HeaderVersion, c.cfg.ClientVersion)
	if req.authenticated {
		if token := c.currentToken(); token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		// A cancelled caller is not a network failure and must not be retried.
		if parent := context.Cause(ctx); parent != nil && !errors.Is(parent, context.DeadlineExceeded) {
			return parent
		}
		return &syncerr.NetworkError{Op: req.op, Err: err}
	}
	defer resp.Body.Close()

	if err := c.checkVersion(resp); err != nil {
		return err
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if req.out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		dec := json.NewDecoder(resp.Body)
		dec.UseNumber()
		if err := dec.Decode(req.out); err != nil {
			return &syncerr.NetworkError{Op: req.op, StatusCode: resp.StatusCode, Err: fmt.Errorf("invalid response body: %w", err)}
		}
		return nil
	}

	return c.statusError(req.op, resp)
}

// errorBody is the server's error envelope.
type errorBody struct {
	Error struct {
		Name      string `json:"name"`
		Message   string `json:"message"`
		UpdateURL string `json:"updateUrl"`
	} `json:"error"`
}

func (c *Client) statusError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var eb errorBody
	_ = json.Unmarshal(raw, &eb)

	message := eb.Error.Message
	if message == "" {
		message = strings.TrimSpace(string(raw))
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	if eb.Error.Name == "InvalidClientVersion" {
		return &syncerr.OutdatedVersionError{
			ClientVersion: c.cfg.ClientVersion,
			UpdateURL:     eb.Error.UpdateURL,
			Message:       message,
		}
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return &errUnauthorized{message: message}
	case http.StatusForbidden:
		return &syncerr.AuthenticationError{Message: fmt.Sprintf("%s: forbidden: %s", op, message)}
	}
	return &syncerr.NetworkError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(message)}
}

// checkVersion compares the server's minimum supported version, when sent,
// against this client.
func (c *Client) checkVersion(resp *http.Response) error {
	minVersion := resp.Header.Get(HeaderMinClientVersion)
	if minVersion == "" {
		return nil
	}
	have, want := canonical(c.cfg.ClientVersion), canonical(minVersion)
	if !semver.IsValid(have) || !semver.IsValid(want) {
		return nil
	}
	if semver.Compare(have, want) < 0 {
		return &syncerr.OutdatedVersionError{
			ClientVersion: c.cfg.ClientVersion,
			UpdateURL:     resp.Header.Get("X-Update-Url"),
			Message:       fmt.Sprintf("server requires client version %s or later", minVersion),
		}
	}
	return nil
}

// canonical adds the "v" prefix semver expects.
func canonical(v string) string {
	v = strings.TrimSpace(v)
	if v != "" && v[0] != 'v' {
		v = "v" + v
	}
	return v
}
