// Package processor routes validated SSE events to handlers: it maintains
// the registry's reverse indexes and the per-map entity caches, and hands
// notification candidates to the coordinator. It also performs the initial
// bulk data load that seeds the caches before any SSE stream starts.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"driftwatch/notifier/internal/cache"
	"driftwatch/notifier/internal/coordinator"
	"driftwatch/notifier/internal/evemap"
	"driftwatch/notifier/internal/mapapi"
	"driftwatch/notifier/internal/registry"
	"driftwatch/notifier/internal/sse"
	"driftwatch/notifier/internal/stats"
)

// staticTTL bounds how long static-info enrichment results are reused.
const staticTTL = 24 * time.Hour

// MapAPI is the slice of the map client the processor needs.
type MapAPI interface {
	SystemStaticInfo(ctx context.Context, solarSystemID int64) (*mapapi.StaticInfo, error)
	MapSystems(ctx context.Context, slug, token string) ([]*evemap.System, error)
	MapCharacters(ctx context.Context, slug, token string) ([]*evemap.Character, error)
}

// Notifier is the coordinator surface the processor dispatches to.
type Notifier interface {
	NotifySystem(ctx context.Context, slug string, sys *evemap.System) (coordinator.Result, error)
	NotifyRally(ctx context.Context, slug, systemName, rallyID string) (coordinator.Result, error)
	NotifyCharacter(ctx context.Context, slug string, ch *evemap.Character) (coordinator.Result, error)
	NotifyKill(ctx context.Context, slug, systemName string, km *evemap.Killmail) (coordinator.Result, error)
}

// Config wires the processor's collaborators.
type Config struct {
	Registry *registry.Registry
	Caches   *cache.Store
	API      MapAPI
	Notifier Notifier
	Tracker  *stats.Tracker
	Logger   *slog.Logger
}

// Processor handles events for all maps. Per-stream ordering is preserved
// because each SSE client calls its sink sequentially; state shared across
// streams (caches, indexes) is concurrency-safe.
type Processor struct {
	cfg Config

	mu     sync.Mutex
	lastID map[string]string // slug -> last processed event id
}

// New creates a processor.
func New(cfg Config) *Processor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Processor{
		cfg:    cfg,
		lastID: make(map[string]string),
	}
}

// SinkFor returns the per-map event sink handed to an SSE client.
func (p *Processor) SinkFor(slug string) sse.Sink {
	return &mapSink{p: p, slug: slug}
}

type mapSink struct {
	p    *Processor
	slug string
}

func (s *mapSink) HandleEvent(ctx context.Context, ev *sse.Event) error {
	return s.p.handleEvent(ctx, s.slug, ev)
}

// handleEvent drops duplicates by event id, then routes by type. Handler
// failures never tear down the stream; only cancellation does.
func (p *Processor) handleEvent(ctx context.Context, slug string, ev *sse.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	if ev.ID != "" && p.lastID[slug] == ev.ID {
		p.mu.Unlock()
		p.cfg.Logger.Debug("dropping duplicate event", "slug", slug, "id", ev.ID)
		return nil
	}
	p.lastID[slug] = ev.ID
	p.mu.Unlock()

	switch ev.Type {
	case "add_system":
		p.handleAddSystem(ctx, slug, ev.Payload)
	case "deleted_system":
		p.handleDeletedSystem(slug, ev.Payload)
	case "system_metadata_changed":
		p.handleSystemMetadata(slug, ev.Payload)
	case "character_added":
		p.handleCharacterAdded(ctx, slug, ev.Payload)
	case "character_removed":
		p.handleCharacterRemoved(slug, ev.Payload)
	case "character_updated":
		p.handleCharacterUpdated(slug, ev.Payload)
	case "rally_point_added":
		p.handleRallyAdded(ctx, slug, ev)
	case "rally_point_removed":
		p.cfg.Logger.Debug("rally point removed", "slug", slug, "id", ev.ID)
	case "connected":
		p.cfg.Logger.Info("map stream connected",
			"slug", slug, "map_id", ev.MapID, "server_time", ev.ServerTime)
	default:
		p.cfg.Logger.Debug("dropping unknown event type",
			"slug", slug, "type", ev.Type, "id", ev.ID)
	}
	return nil
}

// --- systems ---

func systemKey(slug string, id int64) string {
	return "map:" + slug + ":systems:" + strconv.FormatInt(id, 10)
}

func characterKey(slug, id string) string {
	return "map:" + slug + ":characters:" + id
}

func (p *Processor) handleAddSystem(ctx context.Context, slug string, payload map[string]any) {
	sys, err := evemap.SystemFromPayload(payload)
	if err != nil {
		p.cfg.Logger.Warn("invalid add_system payload", "slug", slug, "error", err)
		return
	}
	p.enrich(ctx, sys)

	key := systemKey(slug, sys.SolarSystemID)
	_, existed := p.cfg.Caches.Get(key)
	p.cfg.Caches.Set(key, sys, 0)
	p.cfg.Registry.IndexSystem(slug, strconv.FormatInt(sys.SolarSystemID, 10))
	p.updateGauges()

	if existed {
		return // known from the initial snapshot or a replay, nothing new
	}
	if _, err := p.cfg.Notifier.NotifySystem(ctx, slug, sys); err != nil {
		p.cfg.Logger.Warn("system notification failed",
			"slug", slug, "system", sys.DisplayName(), "error", err)
	}
}

func (p *Processor) handleDeletedSystem(slug string, payload map[string]any) {
	sys, err := evemap.SystemFromPayload(payload)
	if err != nil {
		p.cfg.Logger.Warn("invalid deleted_system payload", "slug", slug, "error", err)
		return
	}
	id := strconv.FormatInt(sys.SolarSystemID, 10)
	p.cfg.Registry.DeindexSystem(slug, id)
	p.cfg.Caches.Delete(systemKey(slug, sys.SolarSystemID))
	p.updateGauges()
}

func (p *Processor) handleSystemMetadata(slug string, payload map[string]any) {
	sys, err := evemap.SystemFromPayload(payload)
	if err != nil {
		p.cfg.Logger.Warn("invalid system_metadata_changed payload", "slug", slug, "error", err)
		return
	}
	key := systemKey(slug, sys.SolarSystemID)
	if v, ok := p.cfg.Caches.Get(key); ok {
		existing := v.(*evemap.System)
		evemap.MergeSystemPayload(existing, payload)
		p.cfg.Caches.Set(key, existing, 0)
		return
	}
	// Metadata for a system we never saw: treat as a silent upsert.
	p.cfg.Caches.Set(key, sys, 0)
	p.cfg.Registry.IndexSystem(slug, strconv.FormatInt(sys.SolarSystemID, 10))
	p.updateGauges()
}

// enrich fills wormhole class/effect/static details from the static-info
// endpoint. Results are cached and fetches for the same system coalesce.
func (p *Processor) enrich(ctx context.Context, sys *evemap.System) {
	if !sys.IsWormhole() || p.cfg.API == nil {
		return
	}
	key := "static:" + strconv.FormatInt(sys.SolarSystemID, 10)
	v, err := p.cfg.Caches.GetOrFetch(ctx, key, staticTTL, func(ctx context.Context) (any, error) {
		return p.cfg.API.SystemStaticInfo(ctx, sys.SolarSystemID)
	})
	if err != nil {
		p.cfg.Logger.Debug("static info fetch failed",
			"system", sys.SolarSystemID, "error", err)
		return
	}
	info := v.(*mapapi.StaticInfo)
	if sys.ClassTitle == "" {
		sys.ClassTitle = info.ClassTitle
	}
	if sys.EffectName == "" {
		sys.EffectName = info.EffectName
	}
	if sys.RegionName == "" {
		sys.RegionName = info.RegionName
	}
	if !sys.IsShattered {
		sys.IsShattered = info.IsShattered
	}
	if len(sys.StaticDetails) == 0 {
		sys.StaticDetails = info.StaticDetails
	}
	if sys.SunTypeID == 0 {
		sys.SunTypeID = info.SunTypeID
	}
}

// --- characters ---

func (p *Processor) handleCharacterAdded(ctx context.Context, slug string, payload map[string]any) {
	ch, err := evemap.CharacterFromPayload(payload)
	if err != nil {
		p.cfg.Logger.Warn("invalid character_added payload", "slug", slug, "error", err)
		return
	}

	key := characterKey(slug, ch.CharacterID)
	_, existed := p.cfg.Caches.Get(key)
	p.cfg.Caches.Set(key, ch, 0)
	p.cfg.Registry.IndexCharacter(slug, ch.CharacterID)
	p.updateGauges()

	if existed {
		return
	}
	if _, err := p.cfg.Notifier.NotifyCharacter(ctx, slug, ch); err != nil {
		p.cfg.Logger.Warn("character notification failed",
			"slug", slug, "character", ch.Name, "error", err)
	}
}

func (p *Processor) handleCharacterRemoved(slug string, payload map[string]any) {
	ch, err := evemap.CharacterFromPayload(payload)
	if err != nil {
		p.cfg.Logger.Warn("invalid character_removed payload", "slug", slug, "error", err)
		return
	}
	p.cfg.Registry.DeindexCharacter(slug, ch.CharacterID)
	p.cfg.Caches.Delete(characterKey(slug, ch.CharacterID))
	p.updateGauges()
}

func (p *Processor) handleCharacterUpdated(slug string, payload map[string]any) {
	ch, err := evemap.CharacterFromPayload(payload)
	if err != nil {
		p.cfg.Logger.Warn("invalid character_updated payload", "slug", slug, "error", err)
		return
	}
	key := characterKey(slug, ch.CharacterID)
	if v, ok := p.cfg.Caches.Get(key); ok {
		existing := v.(*evemap.Character)
		evemap.MergeCharacterPayload(existing, payload)
		p.cfg.Caches.Set(key, existing, 0)
		return
	}
	p.cfg.Caches.Set(key, ch, 0)
	p.cfg.Registry.IndexCharacter(slug, ch.CharacterID)
	p.updateGauges()
}

// --- rally points ---

func (p *Processor) handleRallyAdded(ctx context.Context, slug string, ev *sse.Event) {
	sys, err := evemap.SystemFromPayload(ev.Payload)
	if err != nil {
		p.cfg.Logger.Warn("invalid rally_point_added payload", "slug", slug, "error", err)
		return
	}
	name := sys.DisplayName()
	if v, ok := p.cfg.Caches.Get(systemKey(slug, sys.SolarSystemID)); ok {
		name = v.(*evemap.System).DisplayName()
	}
	rallyID := ev.ID
	if v, ok := ev.Payload["id"].(string); ok && v != "" {
		rallyID = v
	}
	if _, err := p.cfg.Notifier.NotifyRally(ctx, slug, name, rallyID); err != nil {
		p.cfg.Logger.Warn("rally notification failed",
			"slug", slug, "system", name, "error", err)
	}
}

// --- killmails (separate ingest path) ---

// HandleKillmail fans a killmail out to every map tracking its solar system.
func (p *Processor) HandleKillmail(ctx context.Context, km *evemap.Killmail) {
	t := p.cfg.Tracker
	t.Increment(stats.CounterKillmailReceived)
	t.Increment(stats.CounterProcessingStart)

	systemID := strconv.FormatInt(km.SolarSystemID, 10)
	maps := p.cfg.Registry.MapsTrackingSystem(systemID)
	if len(maps) == 0 {
		t.Increment(stats.CounterProcessingSkipped)
		t.Increment(stats.CounterProcessingComplete)
		return
	}

	failed := false
	for _, mc := range maps {
		name := km.SystemName
		if v, ok := p.cfg.Caches.Get(systemKey(mc.Slug, km.SolarSystemID)); ok {
			name = v.(*evemap.System).DisplayName()
		}
		if _, err := p.cfg.Notifier.NotifyKill(ctx, mc.Slug, name, km); err != nil {
			failed = true
			p.cfg.Logger.Warn("kill notification failed",
				"slug", mc.Slug, "killmail", km.KillmailID, "error", err)
		}
	}

	t.Increment(stats.CounterProcessingComplete)
	if failed {
		t.Increment(stats.CounterProcessingError)
	} else {
		t.Increment(stats.CounterProcessingSuccess)
	}
}

// --- initial bulk load ---

// LoadMap seeds the per-map caches and reverse indexes from the bulk
// endpoints. Runs before the map's SSE stream starts, so replayed
// add events for loaded entities do not notify.
func (p *Processor) LoadMap(ctx context.Context, mc registry.MapConfig) error {
	systems, err := p.cfg.API.MapSystems(ctx, mc.Slug, mc.APIToken)
	if err != nil {
		return fmt.Errorf("load systems for %s: %w", mc.Slug, err)
	}
	for _, sys := range systems {
		p.cfg.Caches.Set(systemKey(mc.Slug, sys.SolarSystemID), sys, 0)
		p.cfg.Registry.IndexSystem(mc.Slug, strconv.FormatInt(sys.SolarSystemID, 10))
	}

	characters, err := p.cfg.API.MapCharacters(ctx, mc.Slug, mc.APIToken)
	if err != nil {
		return fmt.Errorf("load characters for %s: %w", mc.Slug, err)
	}
	for _, ch := range characters {
		p.cfg.Caches.Set(characterKey(mc.Slug, ch.CharacterID), ch, 0)
		p.cfg.Registry.IndexCharacter(mc.Slug, ch.CharacterID)
	}

	p.updateGauges()
	p.cfg.Logger.Info("bulk load complete",
		"slug", mc.Slug, "systems", len(systems), "characters", len(characters))
	return nil
}

func (p *Processor) updateGauges() {
	systems, characters := p.cfg.Registry.Counts()
	p.cfg.Tracker.SetTrackedCount(stats.TrackedSystems, systems)
	p.cfg.Tracker.SetTrackedCount(stats.TrackedCharacters, characters)
}
