// Package transport keeps a websocket connection to the chat server open
// and feeds every frame it receives into the replica.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/runsync/runsync/internal/replica/decode"
)

// WebsocketPath is the server's event stream endpoint.
const WebsocketPath = "/api/v4/websocket"

// Sink receives frames. The engine implements it.
type Sink interface {
	Submit(ctx context.Context, frame []byte) error
	Resync(ctx context.Context) error
}

// Config holds transport settings.
type Config struct {
	URL   string // ws:// or wss:// endpoint, see WebsocketURL
	Token string

	// AuthChallenge sends the token in an authentication_challenge message
	// after connecting, in addition to the Authorization header.
	AuthChallenge bool

	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	DialTimeout time.Duration
	ReadLimit   int64

	// OnConnect is called with a fresh connection id after each dial.
	OnConnect func(connID string)

	Logger *log.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		AuthChallenge: true,
		MinBackoff:    500 * time.Millisecond,
		MaxBackoff:    30 * time.Second,
		DialTimeout:   10 * time.Second,
		ReadLimit:     4 << 20,
	}
}

// Stats counts connection activity.
type Stats struct {
	Connects int64
	Frames   int64
	Rejected int64
	Resyncs  int64
}

// Client is a reconnecting websocket reader.
type Client struct {
	sink   Sink
	cfg    Config
	logger *log.Logger

	mu     sync.Mutex
	connID string

	connects, frames, rejected, resyncs atomic.Int64
}

// sinkError marks a failure of the sink itself, which ends Run.
type sinkError struct{ err error }

func (e *sinkError) Error() string { return e.err.Error() }
func (e *sinkError) Unwrap() error { return e.err }

// New creates a client. Zero-valued durations take their defaults.
func New(sink Sink, cfg Config) (*Client, error) {
	if sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("websocket URL is required")
	}
	def := DefaultConfig()
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = def.MinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = max(def.MaxBackoff, cfg.MinBackoff)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[transport] ", log.LstdFlags)
	}
	return &Client{sink: sink, cfg: cfg, logger: cfg.Logger}, nil
}

// WebsocketURL derives the event stream URL from the server's base URL.
func WebsocketURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse server URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + WebsocketPath
	return u.String(), nil
}

// Run connects and reads until ctx is cancelled, reconnecting with
// exponential backoff. Every connection after the first triggers a
// Resync, since events sent while disconnected are lost. Run returns nil
// on cancellation and an error only when the sink fails.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.MinBackoff
	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		var se *sinkError
		if errors.As(err, &se) {
			return se.err
		}
		if connected {
			backoff = c.cfg.MinBackoff
		}
		c.logger.Printf("Connection lost: %v (retrying in %v)", err, backoff)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
}

// session runs one connection. connected reports whether the dial
// succeeded, which resets the backoff.
func (c *Client) session(ctx context.Context) (connected bool, err error) {
	connID := uuid.NewString()
	header := http.Header{}
	header.Set("X-Request-ID", connID)
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	conn, _, err := websocket.Dial(dialCtx, c.cfg.URL, &websocket.DialOptions{HTTPHeader: header})
	cancel()
	if err != nil {
		return false, fmt.Errorf("failed to dial %s: %w", c.cfg.URL, err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(c.cfg.ReadLimit)

	n := c.connects.Add(1)
	c.mu.Lock()
	c.connID = connID
	c.mu.Unlock()
	c.logger.Printf("Connected to %s (connection %s)", c.cfg.URL, connID)

	if c.cfg.AuthChallenge && c.cfg.Token != "" {
		if err := c.authenticate(ctx, conn); err != nil {
			return true, err
		}
	}
	if c.cfg.OnConnect != nil {
		c.cfg.OnConnect(connID)
	}
	if n > 1 {
		if err := c.sink.Resync(ctx); err != nil {
			return true, &sinkError{fmt.Errorf("failed to resync: %w", err)}
		}
		c.resyncs.Add(1)
	}

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return true, fmt.Errorf("read failed: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		c.frames.Add(1)
		if err := c.sink.Submit(ctx, data); err != nil {
			if decode.IsDecodeError(err) {
				c.rejected.Add(1)
				c.logger.Printf("Dropped frame: %v", err)
				continue
			}
			_ = conn.Close(websocket.StatusGoingAway, "")
			return true, &sinkError{err}
		}
	}
}

type challenge struct {
	Seq    int               `json:"seq"`
	Action string            `json:"action"`
	Data   map[string]string `json:"data"`
}

func (c *Client) authenticate(ctx context.Context, conn *websocket.Conn) error {
	msg, err := json.Marshal(challenge{
		Seq:    1,
		Action: "authentication_challenge",
		Data:   map[string]string{"token": c.cfg.Token},
	})
	if err != nil {
		return fmt.Errorf("failed to encode authentication challenge: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
		return fmt.Errorf("failed to send authentication challenge: %w", err)
	}
	return nil
}

// ConnectionID returns the id of the current or last connection.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// Stats returns a snapshot of the counters.
func (c *Client) Stats() Stats {
	return Stats{
		Connects: c.connects.Load(),
		Frames:   c.frames.Load(),
		Rejected: c.rejected.Load(),
		Resyncs:  c.resyncs.Load(),
	}
}
