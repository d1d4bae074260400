// Package killfeed ingests killmails over a long-lived websocket. Kills
// arrive on this path rather than the map SSE streams; the processor
// correlates them against the registry's reverse indexes.
package killfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"driftwatch/notifier/internal/backoff"
	"driftwatch/notifier/internal/evemap"
)

// Handler receives each parsed killmail.
type Handler func(ctx context.Context, km *evemap.Killmail)

// Config for the feed.
type Config struct {
	// URL is the websocket endpoint (ws:// or wss://).
	URL string

	// Systems supplies the current subscription list (tracked system IDs).
	// Called on every (re)connect and on Resubscribe.
	Systems func() []string

	Handler Handler
	Logger  *slog.Logger

	// Backoff is the reconnect policy. Zero value means the default.
	Backoff backoff.Policy

	// Dialer overrides the websocket dialer (tests).
	Dialer *websocket.Dialer

	// ReadTimeout tears down a silent connection. Default: 90s.
	ReadTimeout time.Duration

	// ResubscribeDelay is the debounce window for NotifyChange bursts
	// (a bulk load indexes hundreds of systems in quick succession).
	// Default: 1s.
	ResubscribeDelay time.Duration
}

// Feed is the websocket killmail client. It reconnects with the shared
// backoff policy and re-sends its subscription after each connect.
type Feed struct {
	cfg     Config
	changes chan struct{}

	mu   sync.Mutex
	conn *websocket.Conn
}

// New creates a feed. Run starts it.
func New(cfg Config) *Feed {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Backoff.Base == 0 {
		cfg.Backoff = backoff.Default()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 90 * time.Second
	}
	if cfg.ResubscribeDelay == 0 {
		cfg.ResubscribeDelay = time.Second
	}
	return &Feed{cfg: cfg, changes: make(chan struct{}, 1)}
}

// subscribeMessage is the feed's subscription request.
type subscribeMessage struct {
	Action  string   `json:"action"`
	Systems []string `json:"systems,omitempty"`
}

// feedMessage is one message off the wire.
type feedMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Run connects and consumes killmails until ctx is canceled.
func (f *Feed) Run(ctx context.Context) error {
	go f.resubscribeLoop(ctx)

	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := f.consume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := f.cfg.Backoff.Delay(attempt)
		attempt++
		f.cfg.Logger.Warn("killmail feed disconnected, reconnecting",
			"error", err, "attempt", attempt, "backoff", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// NotifyChange signals that the tracked-system set changed. Signals are
// coalesced and the subscription is refreshed once per debounce window.
// Safe to call from registry hooks at any rate.
func (f *Feed) NotifyChange() {
	select {
	case f.changes <- struct{}{}:
	default:
	}
}

// resubscribeLoop turns NotifyChange bursts into single subscription
// refreshes: the first signal opens a debounce window, later signals inside
// the window are absorbed.
func (f *Feed) resubscribeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.changes:
		}
		timer := time.NewTimer(f.cfg.ResubscribeDelay)
		for open := true; open; {
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-f.changes:
			case <-timer.C:
				open = false
			}
		}
		f.Resubscribe()
	}
}

// Resubscribe re-sends the subscription over the current connection, e.g.
// after the registry's tracked-system set changed. No-op while disconnected
// (the next connect subscribes fresh).
func (f *Feed) Resubscribe() {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return
	}
	if err := f.sendSubscription(conn); err != nil {
		f.cfg.Logger.Warn("resubscribe failed", "error", err)
	}
}

func (f *Feed) sendSubscription(conn *websocket.Conn) error {
	msg := subscribeMessage{Action: "subscribe"}
	if f.cfg.Systems != nil {
		msg.Systems = f.cfg.Systems()
	}
	return conn.WriteJSON(msg)
}

// consume runs one websocket session.
func (f *Feed) consume(ctx context.Context) error {
	conn, _, err := f.cfg.Dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial killmail feed: %w", err)
	}
	defer conn.Close()

	// Tear the connection down on cancellation so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	if err := f.sendSubscription(conn); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.conn = nil
		f.mu.Unlock()
	}()

	f.cfg.Logger.Info("killmail feed connected", "url", f.cfg.URL)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read killmail feed: %w", err)
		}
		f.handleMessage(ctx, raw)
	}
}

func (f *Feed) handleMessage(ctx context.Context, raw []byte) {
	var msg feedMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		f.cfg.Logger.Debug("skipping malformed feed message", "error", err)
		return
	}
	switch msg.Type {
	case "killmail":
		km, err := evemap.ParseKillmail(msg.Data)
		if err != nil {
			f.cfg.Logger.Debug("skipping invalid killmail", "error", err)
			return
		}
		f.cfg.Handler(ctx, km)
	case "pong", "subscribed":
		// keepalive / ack
	default:
		f.cfg.Logger.Debug("unknown feed message type", "type", msg.Type)
	}
}
