package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/felixgeelhaar/fortify/retry"
	"github.com/runsync/runsync/internal/replica/schema"
)

var (
	// ErrNotFound is returned when the server has no such run.
	ErrNotFound = errors.New("run not found")
	// ErrForbidden is returned when the user may not read the run.
	ErrForbidden = errors.New("access to run forbidden")
)

// StatusError is returned for any other non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Client fetches a full run by id.
type Client interface {
	FetchRun(ctx context.Context, id string) (*schema.Run, error)
}

// RunsPath is the REST path of a single run, relative to the server URL.
const RunsPath = "/plugins/playbooks/api/v0/runs/"

// HTTPClient fetches runs over the server's REST API.
type HTTPClient struct {
	baseURL  string
	token    string
	http     *http.Client
	retryCfg retry.Config
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *HTTPClient) { c.token = token }
}

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) { c.http = hc }
}

// WithAttempts sets how many times a request is tried on transport errors
// and 5xx responses. 1 disables retries.
func WithAttempts(attempts int, initialDelay time.Duration) Option {
	return func(c *HTTPClient) {
		if attempts < 1 {
			attempts = 1
		}
		c.retryCfg.MaxAttempts = attempts
		c.retryCfg.InitialDelay = initialDelay
	}
}

// NewHTTPClient creates a client for the server at baseURL.
func NewHTTPClient(baseURL string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		retryCfg: retry.Config{
			MaxAttempts:   1,
			InitialDelay:  200 * time.Millisecond,
			BackoffPolicy: retry.BackoffExponential,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchRun implements Client.
func (c *HTTPClient) FetchRun(ctx context.Context, id string) (*schema.Run, error) {
	if id == "" {
		return nil, fmt.Errorf("run id is required")
	}

	// Not-found, forbidden and decode errors end the attempt loop early:
	// they are stashed in terminal and the attempt reports success.
	var terminal, last error
	r := retry.New[*schema.Run](c.retryCfg)
	run, err := r.Do(ctx, func(ctx context.Context) (*schema.Run, error) {
		terminal = nil
		run, err := c.fetchOnce(ctx, id)
		if err == nil {
			return run, nil
		}
		if retryable(err) {
			last = err
			return nil, err
		}
		terminal = err
		return nil, nil
	})
	if err != nil {
		if last != nil {
			err = last
		}
		return nil, fmt.Errorf("failed to fetch run %s: %w", id, err)
	}
	if terminal != nil {
		return nil, fmt.Errorf("failed to fetch run %s: %w", id, terminal)
	}
	return run, nil
}

// retryable reports whether another attempt could succeed: transport
// errors and 5xx responses.
func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500
	}
	var ue *url.Error
	return errors.As(err, &ue)
}

func (c *HTTPClient) fetchOnce(ctx context.Context, id string) (*schema.Run, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+RunsPath+url.PathEscape(id), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusForbidden:
		return nil, ErrForbidden
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(truncate(body, 512)))}
	}

	run, err := schema.DecodeRun(body)
	if err != nil {
		return nil, err
	}
	if run.ID != id {
		return nil, fmt.Errorf("server returned run %q for %q", run.ID, id)
	}
	return run, nil
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
