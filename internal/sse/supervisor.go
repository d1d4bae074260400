package sse

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"driftwatch/notifier/internal/bus"
	"driftwatch/notifier/internal/registry"
)

// Loader performs the initial bulk data load (systems + characters) for one
// map. The supervisor will not start any SSE client until every map's load
// has completed, so post-startup events cannot produce spurious "new entity"
// notifications for entities that were simply in the initial snapshot.
type Loader interface {
	LoadMap(ctx context.Context, cfg registry.MapConfig) error
}

// streamClient is the child contract. *Client satisfies it; tests substitute
// fakes.
type streamClient interface {
	Run(ctx context.Context) error
	State() ConnectionState
	SetLastEventID(id string)
}

// Cursors persists last-event-ids across restarts. Optional.
type Cursors interface {
	LastEventID(slug string) string
	SetLastEventID(slug, id string) error
}

// SupervisorConfig wires the supervisor's collaborators.
type SupervisorConfig struct {
	Registry *registry.Registry
	Bus      *bus.Bus
	Loader   Loader
	Cursors  Cursors
	Logger   *slog.Logger

	// NewClient builds the child for a map config. Tests substitute fakes.
	NewClient func(cfg registry.MapConfig) *Client

	// MaxRestarts caps restart intensity inside RestartWindow before a
	// child is parked as unhealthy. Defaults: 5 per minute.
	MaxRestarts   int
	RestartWindow time.Duration

	// DrainTimeout bounds shutdown waiting for children. Default: 5s.
	DrainTimeout time.Duration
}

type child struct {
	client    streamClient
	cancel    context.CancelFunc
	done      chan struct{}
	unhealthy bool
}

// Supervisor runs one SSE client per live map config, reacting to registry
// maps_updated broadcasts.
type Supervisor struct {
	cfg SupervisorConfig

	newChild func(cfg registry.MapConfig) streamClient

	mu       sync.Mutex
	children map[string]*child
}

// NewSupervisor creates a supervisor. Run starts it.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxRestarts == 0 {
		cfg.MaxRestarts = 5
	}
	if cfg.RestartWindow == 0 {
		cfg.RestartWindow = time.Minute
	}
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	s := &Supervisor{
		cfg:      cfg,
		children: make(map[string]*child),
	}
	s.newChild = func(mc registry.MapConfig) streamClient {
		return cfg.NewClient(mc)
	}
	return s
}

// Health returns the connection state per map slug.
func (s *Supervisor) Health() map[string]ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]ConnectionState, len(s.children))
	for slug, c := range s.children {
		st := c.client.State()
		if c.unhealthy {
			st.Status = StatusDisconnected
		}
		out[slug] = st
	}
	return out
}

// Run blocks until ctx is canceled. It bulk-loads all current maps, starts a
// client per map, then reacts to maps_updated broadcasts: added maps are
// loaded and started, removed maps are stopped (the registry already purged
// their caches before broadcasting).
func (s *Supervisor) Run(ctx context.Context) error {
	updates := s.cfg.Bus.Subscribe()

	maps := s.cfg.Registry.AllMaps()
	if err := s.loadAll(ctx, maps); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.cfg.Logger.Warn("initial bulk load incomplete", "error", err)
	}
	for _, mc := range maps {
		s.start(ctx, mc)
	}
	s.cfg.Logger.Info("SSE supervisor started", "maps", len(maps))

	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return ctx.Err()
		case ev := <-updates:
			s.handleUpdate(ctx, ev)
		}
	}
}

// loadAll runs the initial bulk load for every map concurrently. Individual
// failures are logged and do not block other maps.
func (s *Supervisor) loadAll(ctx context.Context, maps []registry.MapConfig) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, mc := range maps {
		mc := mc
		g.Go(func() error {
			if err := s.cfg.Loader.LoadMap(gctx, mc); err != nil {
				s.cfg.Logger.Warn("bulk load failed for map",
					"slug", mc.Slug, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Supervisor) handleUpdate(ctx context.Context, ev bus.MapsUpdated) {
	for _, slug := range ev.Removed {
		s.stop(slug)
	}
	for _, slug := range ev.Added {
		mc, err := s.cfg.Registry.GetMap(slug)
		if err != nil {
			continue // removed again before we got here
		}
		if err := s.cfg.Loader.LoadMap(ctx, mc); err != nil {
			s.cfg.Logger.Warn("bulk load failed for new map",
				"slug", slug, "error", err)
		}
		s.start(ctx, mc)
	}
}

// start spawns a child client for the map unless one is already running.
// The child restarts permanently on unexpected exit; a child exceeding the
// restart intensity cap is parked and reported unhealthy.
func (s *Supervisor) start(ctx context.Context, mc registry.MapConfig) {
	s.mu.Lock()
	if _, ok := s.children[mc.Slug]; ok {
		s.mu.Unlock()
		return
	}

	client := s.newChild(mc)
	if s.cfg.Cursors != nil {
		if id := s.cfg.Cursors.LastEventID(mc.Slug); id != "" {
			client.SetLastEventID(id)
		}
	}

	cctx, cancel := context.WithCancel(ctx)
	c := &child{client: client, cancel: cancel, done: make(chan struct{})}
	s.children[mc.Slug] = c
	s.mu.Unlock()

	go s.runChild(cctx, mc.Slug, c)
}

func (s *Supervisor) runChild(ctx context.Context, slug string, c *child) {
	defer close(c.done)

	restarts := 0
	windowStart := time.Now()
	for {
		err := c.client.Run(ctx)
		if s.cfg.Cursors != nil {
			if id := c.client.State().LastEventID; id != "" {
				if serr := s.cfg.Cursors.SetLastEventID(slug, id); serr != nil {
					s.cfg.Logger.Warn("persist last event id failed",
						"slug", slug, "error", serr)
				}
			}
		}
		if ctx.Err() != nil {
			return
		}

		// Run only returns on cancellation or an unexpected exit. Cap the
		// restart intensity so a broken child cannot hot-loop.
		if time.Since(windowStart) > s.cfg.RestartWindow {
			restarts = 0
			windowStart = time.Now()
		}
		restarts++
		if restarts > s.cfg.MaxRestarts {
			s.mu.Lock()
			c.unhealthy = true
			s.mu.Unlock()
			s.cfg.Logger.Error("SSE client restarting too fast, parking",
				"slug", slug, "error", err, "restarts", restarts)
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.RestartWindow):
			}
			s.mu.Lock()
			c.unhealthy = false
			s.mu.Unlock()
			restarts = 0
			windowStart = time.Now()
		}
		s.cfg.Logger.Warn("SSE client exited, restarting", "slug", slug, "error", err)
	}
}

// stop cancels a child and clears its record.
func (s *Supervisor) stop(slug string) {
	s.mu.Lock()
	c, ok := s.children[slug]
	if ok {
		delete(s.children, slug)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	c.cancel()
	<-c.done
	s.cfg.Logger.Info("SSE client stopped", "slug", slug)
}

// stopAll cancels every child and waits up to the drain timeout, reporting
// children still in flight.
func (s *Supervisor) stopAll() {
	s.mu.Lock()
	children := make(map[string]*child, len(s.children))
	for slug, c := range s.children {
		children[slug] = c
	}
	s.children = make(map[string]*child)
	s.mu.Unlock()

	for _, c := range children {
		c.cancel()
	}

	deadline := time.After(s.cfg.DrainTimeout)
	remaining := 0
	for slug, c := range children {
		select {
		case <-c.done:
		case <-deadline:
			remaining++
			s.cfg.Logger.Warn("SSE client did not stop before drain deadline", "slug", slug)
		}
	}
	if remaining > 0 {
		s.cfg.Logger.Warn("shutdown with clients still in flight", "count", remaining)
	}
}
