package sse

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"driftwatch/notifier/internal/backoff"
)

// Status is the connection lifecycle state of a client.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
)

// ConnectionState is a point-in-time view of a client's connection.
type ConnectionState struct {
	Status            Status
	LastEventID       string
	ReconnectAttempts int
	EventsFilter      []string
	ConnectionID      string
}

// Sink receives validated events in stream order. A non-nil error tears down
// the stream (the client reconnects and the server replays from
// last_event_id). Blocking in HandleEvent suspends upstream reads, so
// backpressure propagates over TCP instead of dropping events.
type Sink interface {
	HandleEvent(ctx context.Context, ev *Event) error
}

// ClientConfig holds configuration for one map's SSE client.
type ClientConfig struct {
	// BaseURL is the map service base URL.
	BaseURL string
	// Slug is the map slug whose stream to follow.
	Slug string
	// Token is the map's API bearer token.
	Token string
	// Events is the subscribed event set. Empty means DefaultEvents.
	Events []string

	Sink   Sink
	Logger *slog.Logger

	// Backoff is the reconnect delay policy. Zero value means the default.
	Backoff backoff.Policy

	// HTTPClient is reused across reconnections (long-lived, no timeout).
	HTTPClient *http.Client

	// RecvTimeout aborts a stream that goes silent. Default: 60s.
	RecvTimeout time.Duration

	// ConnectTimeout bounds the dial plus response headers. Default: 30s.
	ConnectTimeout time.Duration
}

// Client maintains one streaming connection to a map's SSE endpoint, frames
// bytes into events, validates them, and forwards them to the sink.
type Client struct {
	cfg    ClientConfig
	events []string

	reconnectNow chan struct{}

	mu           sync.Mutex
	status       Status
	lastEventID  string
	attempts     int
	connectionID string
	cancelStream context.CancelFunc
}

// NewClient creates a client. Run starts it.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 0} // no timeout for long-lived SSE
	}
	if cfg.RecvTimeout == 0 {
		cfg.RecvTimeout = 60 * time.Second
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.Backoff.Base == 0 {
		cfg.Backoff = backoff.Default()
	}
	events := cfg.Events
	if len(events) == 0 {
		events = DefaultEvents
	}
	return &Client{
		cfg:          cfg,
		events:       events,
		status:       StatusDisconnected,
		reconnectNow: make(chan struct{}, 1),
	}
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectionState{
		Status:            c.status,
		LastEventID:       c.lastEventID,
		ReconnectAttempts: c.attempts,
		EventsFilter:      c.events,
		ConnectionID:      c.connectionID,
	}
}

// LastEventID returns the highest event ID successfully forwarded.
func (c *Client) LastEventID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEventID
}

// SetLastEventID restores the backfill cursor (e.g., after a process
// restart).
func (c *Client) SetLastEventID(id string) {
	c.mu.Lock()
	c.lastEventID = id
	c.mu.Unlock()
}

// Reconnect closes the current stream and reconnects immediately, skipping
// any pending backoff delay.
func (c *Client) Reconnect() {
	c.mu.Lock()
	cancel := c.cancelStream
	c.mu.Unlock()

	select {
	case c.reconnectNow <- struct{}{}:
	default:
	}
	if cancel != nil {
		cancel()
	}
}

// Run connects and streams until ctx is canceled, reconnecting with backoff
// on any error. The loop is the only scheduler of reconnects, so two delay
// timers can never be pending at once.
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			c.setStatus(StatusDisconnected)
			return err
		}

		c.setStatus(StatusConnecting)
		err := c.stream(ctx)
		c.setStatus(StatusDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.mu.Lock()
		attempt := c.attempts
		c.attempts++
		c.mu.Unlock()

		delay := c.cfg.Backoff.Delay(attempt)
		c.setStatus(StatusReconnecting)
		c.cfg.Logger.Warn("SSE connection lost, reconnecting",
			"slug", c.cfg.Slug, "error", err, "attempt", attempt, "backoff", delay)

		select {
		case <-ctx.Done():
			c.setStatus(StatusDisconnected)
			return ctx.Err()
		case <-c.reconnectNow:
			// Manual reconnect: skip the pending delay.
		case <-time.After(delay):
		}
	}
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// streamURL builds the stream endpoint with the event filter and, when
// reconnecting, the backfill cursor.
func (c *Client) streamURL() string {
	q := url.Values{}
	q.Set("events", strings.Join(c.events, ","))
	c.mu.Lock()
	lastID := c.lastEventID
	c.mu.Unlock()
	if lastID != "" {
		q.Set("last_event_id", lastID)
	}
	return fmt.Sprintf("%s/api/maps/%s/events/stream?%s",
		strings.TrimRight(c.cfg.BaseURL, "/"), url.PathEscape(c.cfg.Slug), q.Encode())
}

// stream opens a single SSE connection and reads events until error or
// cancellation. All termination paths close the upstream body.
func (c *Client) stream(ctx context.Context) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.cancelStream = cancel
	c.mu.Unlock()

	streamURL := c.streamURL()
	req, err := http.NewRequestWithContext(sctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return fmt.Errorf("create SSE request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Connection", "keep-alive")

	// Bound the connect phase only; the stream itself has no deadline.
	connectTimer := time.AfterFunc(c.cfg.ConnectTimeout, cancel)
	resp, err := c.cfg.HTTPClient.Do(req)
	connectTimer.Stop()
	if err != nil {
		return fmt.Errorf("SSE connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("SSE endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	connectionID := uuid.NewString()
	c.mu.Lock()
	c.status = StatusConnected
	c.attempts = 0
	c.connectionID = connectionID
	c.mu.Unlock()

	c.cfg.Logger.Info("SSE stream connected",
		"slug", c.cfg.Slug, "connection_id", connectionID, "url", streamURL)

	return c.readEvents(sctx, resp.Body, cancel)
}

// readEvents frames the byte stream into events and forwards validated ones
// to the sink. The scanner carries its own inter-chunk buffer, so an event
// split across TCP reads is still recovered.
func (c *Client) readEvents(ctx context.Context, body io.Reader, cancel context.CancelFunc) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	// Watchdog: a stream silent past the recv timeout is torn down.
	watchdog := time.AfterFunc(c.cfg.RecvTimeout, cancel)
	defer watchdog.Stop()

	var f frame
	for scanner.Scan() {
		watchdog.Reset(c.cfg.RecvTimeout)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line := scanner.Text()

		// Empty line = end of event.
		if line == "" {
			if !f.empty() {
				if err := c.forward(ctx, &f); err != nil {
					return err
				}
			}
			f.reset()
			continue
		}

		// Comment lines (keepalive).
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			f.id = value
		case "event":
			f.event = value
		case "data":
			f.data = append(f.data, value)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("SSE read: %w", err)
	}
	return fmt.Errorf("SSE stream closed by server")
}

// forward validates one frame and hands it to the sink. Invalid frames are
// dropped with a log line; sink failures tear down the stream. The backfill
// cursor advances only after the sink accepts the event, and never on
// connected events.
func (c *Client) forward(ctx context.Context, f *frame) error {
	ev, err := parseFrame(f)
	if err != nil {
		c.cfg.Logger.Warn("dropping invalid SSE event",
			"slug", c.cfg.Slug, "id", f.id, "event", f.event, "error", err)
		return nil
	}

	if err := c.cfg.Sink.HandleEvent(ctx, ev); err != nil {
		return fmt.Errorf("event sink: %w", err)
	}

	if ev.Type != "connected" && ev.ID != "" {
		c.mu.Lock()
		c.lastEventID = ev.ID
		c.mu.Unlock()
	}
	return nil
}
