package adguard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"adguardsync/internal/rewrite"
	"adguardsync/pkg/logging"
)

// Config holds the AdGuard Home connection settings.
type Config struct {
	// BaseURL is the AdGuard Home address, e.g. http://adguard:3000.
	BaseURL string

	// Username and Password authenticate against /control/login.
	Username string
	Password string

	// MaxRetries is the total number of attempts for a call that fails
	// transiently.
	MaxRetries int

	// RetryDelay is the base delay for exponential backoff between attempts.
	RetryDelay time.Duration

	// RequestTimeout bounds each individual HTTP request.
	RequestTimeout time.Duration
}

// Client talks to the AdGuard Home rewrite API.
//
// Authentication is session-based: the server sets a session cookie on
// login. The client logs in lazily on first use and transparently
// re-authenticates once when a call is rejected; a second rejection
// surfaces as an auth error. Transient failures (connection errors,
// timeouts, 5xx) are retried with bounded exponential backoff; 4xx
// responses are surfaced immediately.
type Client struct {
	config Config
	http   *http.Client

	mu       sync.Mutex
	loggedIn bool
}

// NewClient creates an AdGuard Home client. It does not contact the server;
// the session is established on first use or via Authenticate.
func NewClient(config Config) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	return &Client{
		config: Config{
			BaseURL:        strings.TrimRight(config.BaseURL, "/"),
			Username:       config.Username,
			Password:       config.Password,
			MaxRetries:     config.MaxRetries,
			RetryDelay:     config.RetryDelay,
			RequestTimeout: config.RequestTimeout,
		},
		http: &http.Client{Jar: jar},
	}, nil
}

// Authenticate establishes a session eagerly. Used at startup so invalid
// credentials fail the process instead of the first reconciliation pass.
func (c *Client) Authenticate(ctx context.Context) error {
	return c.withRetry(ctx, "authenticate", func(ctx context.Context) error {
		return c.login(ctx)
	})
}

// ListRules fetches the full rewrite rule list.
func (c *Client) ListRules(ctx context.Context) (rewrite.RemoteState, error) {
	var rules []rewrite.Rule
	err := c.withRetry(ctx, "list", func(ctx context.Context) error {
		return c.do(ctx, "list", http.MethodGet, "/control/rewrite/list", nil, &rules)
	})
	if err != nil {
		return nil, err
	}

	remote := make(rewrite.RemoteState, len(rules))
	for _, rule := range rules {
		remote[rule.Domain] = rule.Answer
	}
	logging.Debug("AdGuard", "Listed %d rewrite rules", len(remote))
	return remote, nil
}

// AddRule creates a rewrite rule.
func (c *Client) AddRule(ctx context.Context, rule rewrite.Rule) error {
	return c.withRetry(ctx, "add", func(ctx context.Context) error {
		return c.do(ctx, "add", http.MethodPost, "/control/rewrite/add", rule, nil)
	})
}

// UpdateRule replaces the rule matching old with new. The server identifies
// the rule to replace by the full old domain/answer pair.
func (c *Client) UpdateRule(ctx context.Context, old, new rewrite.Rule) error {
	payload := updatePayload{Target: old, Update: new}
	return c.withRetry(ctx, "update", func(ctx context.Context) error {
		return c.do(ctx, "update", http.MethodPost, "/control/rewrite/update", payload, nil)
	})
}

// DeleteRule removes a rewrite rule. The full domain/answer pair must match
// the server-side rule.
func (c *Client) DeleteRule(ctx context.Context, rule rewrite.Rule) error {
	return c.withRetry(ctx, "delete", func(ctx context.Context) error {
		return c.do(ctx, "delete", http.MethodPost, "/control/rewrite/delete", rule, nil)
	})
}

// Status probes /control/status. Single attempt, no retry; used by health
// checks that have their own failure accounting.
func (c *Client) Status(ctx context.Context) error {
	return c.do(ctx, "status", http.MethodGet, "/control/status", nil, nil)
}

type updatePayload struct {
	Target rewrite.Rule `json:"target"`
	Update rewrite.Rule `json:"update"`
}

type loginPayload struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

// withRetry runs fn under the configured retry policy. Only transient
// failures are retried; auth and validation errors propagate immediately.
func (c *Client) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.config.RetryDelay
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	attempts := c.config.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if IsTransient(err) {
			logging.Warn("AdGuard", "Attempt %d/%d for %s failed: %v", attempt, attempts, op, err)
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

// do performs one API call, establishing or refreshing the session as
// needed. A call rejected with 401/403 triggers exactly one re-login before
// the auth error is surfaced.
func (c *Client) do(ctx context.Context, op, method, path string, body, out interface{}) error {
	if err := c.ensureSession(ctx); err != nil {
		return err
	}

	status, data, err := c.request(ctx, method, path, body)
	if err != nil {
		return &Error{Kind: KindTransient, Op: op, Err: err}
	}

	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		logging.Info("AdGuard", "Session rejected during %s, re-authenticating", op)
		c.invalidateSession()
		if err := c.ensureSession(ctx); err != nil {
			return err
		}
		status, data, err = c.request(ctx, method, path, body)
		if err != nil {
			return &Error{Kind: KindTransient, Op: op, Err: err}
		}
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			return &Error{Kind: KindAuth, Op: op, Err: fmt.Errorf("session rejected twice: HTTP %d", status)}
		}
	}

	switch {
	case status >= 200 && status < 300:
	case status >= 500:
		return &Error{Kind: KindTransient, Op: op, Err: fmt.Errorf("HTTP %d: %s", status, truncate(data))}
	default:
		return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf("HTTP %d: %s", status, truncate(data))}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return &Error{Kind: KindTransient, Op: op, Err: fmt.Errorf("malformed response: %w", err)}
		}
	}
	return nil
}

// ensureSession logs in if no valid session is known.
func (c *Client) ensureSession(ctx context.Context) error {
	c.mu.Lock()
	loggedIn := c.loggedIn
	c.mu.Unlock()

	if loggedIn {
		return nil
	}
	return c.login(ctx)
}

func (c *Client) invalidateSession() {
	c.mu.Lock()
	c.loggedIn = false
	c.mu.Unlock()
}

func (c *Client) login(ctx context.Context) error {
	status, data, err := c.request(ctx, http.MethodPost, "/control/login", loginPayload{
		Name:     c.config.Username,
		Password: c.config.Password,
	})
	if err != nil {
		return &Error{Kind: KindTransient, Op: "login", Err: err}
	}

	switch {
	case status >= 200 && status < 300:
		c.mu.Lock()
		c.loggedIn = true
		c.mu.Unlock()
		logging.Info("AdGuard", "Authenticated with AdGuard Home at %s", c.config.BaseURL)
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Kind: KindAuth, Op: "login", Err: fmt.Errorf("invalid credentials: HTTP %d", status)}
	case status >= 500:
		return &Error{Kind: KindTransient, Op: "login", Err: fmt.Errorf("HTTP %d: %s", status, truncate(data))}
	default:
		return &Error{Kind: KindValidation, Op: "login", Err: fmt.Errorf("HTTP %d: %s", status, truncate(data))}
	}
}

// request performs a single HTTP round trip with the per-request timeout.
func (c *Client) request(ctx context.Context, method, path string, body interface{}) (int, []byte, error) {
	reqCtx := ctx
	if c.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, data, nil
}

func truncate(data []byte) string {
	const max = 200
	text := strings.TrimSpace(string(data))
	if len(text) > max {
		return text[:max] + "..."
	}
	return text
}
