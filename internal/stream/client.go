// Package stream owns the push channel to the computation backend: it
// connects to the app state endpoint, decodes each message into a snapshot
// and hands the results to a Sink, reconnecting after transport errors.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/joeblew999/geo-live/internal/service"
)

// DefaultRetryDelay is the reconnect delay used until the server sends its own.
const DefaultRetryDelay = 3 * time.Second

var (
	// ErrClosed is reported when the server ends the stream.
	ErrClosed = errors.New("push channel closed by server")
	// ErrGaveUp is returned by Run once MaxAttempts reconnects failed.
	ErrGaveUp = errors.New("push channel gave up reconnecting")
)

// Sink receives everything the stream observes, in order.
type Sink interface {
	Snapshot(s service.AppState)
	DecodeFailed(err error)
	Disconnected(err error, attempt int, next time.Time)
	GaveUp(err error)
}

// Config configures a Client.
type Config struct {
	// URL of the app state endpoint. http and https use Server-Sent
	// Events; ws and wss use WebSocket text frames.
	URL string
	// RetryDelay between reconnects. A retry field sent by an SSE server
	// replaces it.
	RetryDelay time.Duration
	// MaxAttempts bounds consecutive failed reconnects; 0 retries forever.
	MaxAttempts int
	HTTPClient  *http.Client
	Dialer      *websocket.Dialer
	Logger      *slog.Logger
}

// Client reads snapshots from the push channel. A Client runs one
// connection at a time; do not call Run concurrently.
type Client struct {
	cfg    Config
	url    *url.URL
	logger *slog.Logger

	lastID string        // SSE Last-Event-ID
	retry  time.Duration // server supplied reconnect delay
}

// New validates cfg and creates a Client.
func New(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing push URL: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported push URL scheme %q", u.Scheme)
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.HTTPClient == nil {
		// no timeout: the response body is the stream
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{cfg: cfg, url: u, logger: cfg.Logger}, nil
}

// Run keeps the push channel open until ctx is done or MaxAttempts
// reconnects failed in a row. The connection is closed on every return path.
func (c *Client) Run(ctx context.Context, sink Sink) error {
	attempt := 0
	for {
		err := c.session(ctx, sink, &attempt)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempt++
		if c.cfg.MaxAttempts > 0 && attempt > c.cfg.MaxAttempts {
			sink.GaveUp(err)
			return fmt.Errorf("%w after %d attempts: %v", ErrGaveUp, attempt-1, err)
		}

		delay := c.delay()
		next := time.Now().Add(delay)
		c.logger.Warn("push channel disconnected", "url", c.cfg.URL, "error", err, "attempt", attempt, "retry_in", delay)
		sink.Disconnected(err, attempt, next)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// session runs one connection and returns why it ended.
func (c *Client) session(ctx context.Context, sink Sink, attempt *int) error {
	cn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer cn.Close()
	stop := context.AfterFunc(ctx, func() { cn.Close() })
	defer stop()

	c.logger.Info("push channel open", "url", c.cfg.URL)
	for {
		msg, err := cn.Next()
		if err != nil {
			return err
		}
		state, err := DecodeSnapshot(msg)
		if err != nil {
			sink.DecodeFailed(err)
			continue
		}
		*attempt = 0
		sink.Snapshot(state)
	}
}

// FetchOnce connects, returns the first snapshot that decodes and closes
// the connection.
func (c *Client) FetchOnce(ctx context.Context) (service.AppState, error) {
	cn, err := c.dial(ctx)
	if err != nil {
		return service.AppState{}, err
	}
	defer cn.Close()
	stop := context.AfterFunc(ctx, func() { cn.Close() })
	defer stop()

	for {
		msg, err := cn.Next()
		if err != nil {
			if ctx.Err() != nil {
				return service.AppState{}, ctx.Err()
			}
			return service.AppState{}, err
		}
		state, err := DecodeSnapshot(msg)
		if err != nil {
			c.logger.Warn("skipped push message", "error", err)
			continue
		}
		return state, nil
	}
}

func (c *Client) delay() time.Duration {
	if c.retry > 0 {
		return c.retry
	}
	return c.cfg.RetryDelay
}

// conn is one open push channel.
type conn interface {
	// Next blocks until the next message payload arrives.
	Next() ([]byte, error)
	Close() error
}

func (c *Client) dial(ctx context.Context) (conn, error) {
	switch c.url.Scheme {
	case "ws", "wss":
		return dialWebSocket(ctx, c.cfg.Dialer, c.cfg.URL)
	default:
		return c.dialSSE(ctx)
	}
}

// Subscription is a running push channel. Close releases it.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

// Subscribe runs c in the background until ctx is done or Close is called.
func (c *Client) Subscribe(ctx context.Context, sink Sink) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		s.err = c.Run(ctx, sink)
	}()
	return s
}

// Done is closed once the subscription stopped.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close stops the subscription and waits until the connection is released.
// It returns the error that ended the stream, if it ended on its own.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	<-s.done
	if errors.Is(s.err, context.Canceled) {
		return nil
	}
	return s.err
}
