// Package registry keeps the authoritative in-memory directory of served
// maps and the reverse indexes from system/character IDs to the map slugs
// tracking them.
//
// Reads are lock-free: the whole directory lives in an immutable snapshot
// behind an atomic pointer, and writers (control-plane refresh plus SSE
// handler index mutations) serialize on a mutex and swap in a new snapshot.
// The reverse indexes are consulted for every killmail, so the read path
// must stay cheap under many concurrent callers.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"driftwatch/notifier/internal/bus"
	"driftwatch/notifier/internal/mapapi"
)

// ErrNotFound is returned by GetMap for unknown slugs.
var ErrNotFound = errors.New("map not found")

// Mode indicates where map configs come from.
type Mode string

const (
	// ModeUnset means no successful config source yet.
	ModeUnset Mode = ""
	// ModeAPI means configs come from the control plane.
	ModeAPI Mode = "api"
	// ModeLegacy means a single map derived from environment variables.
	ModeLegacy Mode = "legacy"
)

// MapConfig is an immutable snapshot of one map's configuration. Replaced
// wholesale on control-plane version changes, never mutated in place.
type MapConfig struct {
	Slug        string
	MapID       string
	APIToken    string
	EventFilter []string
	CreatedAt   time.Time
}

// ControlPlane fetches the notifier config from the map service.
type ControlPlane interface {
	NotifierConfig(ctx context.Context) (*mapapi.NotifierConfig, error)
}

// CachePurger removes per-map cache rows when a map is dropped.
type CachePurger interface {
	DeletePrefix(prefix string) int
}

// Config for the registry.
type Config struct {
	Client ControlPlane
	Bus    *bus.Bus
	Caches CachePurger

	// OnIndexChange is invoked after the tracked-entity index set changes:
	// Index*/Deindex* mutations and map removals that purge index rows.
	// Must not block (the killmail feed hangs its subscription refresh
	// here).
	OnIndexChange func()

	// Legacy is the single-map fallback when the control plane is
	// unreachable or missing. Nil disables the fallback.
	Legacy *MapConfig

	// Interval between control-plane polls. Default: 5m.
	Interval time.Duration

	Logger *slog.Logger
}

type stringSet map[string]struct{}

// snapshot is the immutable state readers see. Writers build a new one and
// swap the pointer, so a single Index/Deindex call is never partially
// visible.
type snapshot struct {
	configs    map[string]MapConfig
	systems    map[string]stringSet // system_id -> slugs
	characters map[string]stringSet // character_id -> slugs
	version    int
	mode       Mode
}

func emptySnapshot() *snapshot {
	return &snapshot{
		configs:    map[string]MapConfig{},
		systems:    map[string]stringSet{},
		characters: map[string]stringSet{},
	}
}

// clone shallow-copies the snapshot. Inner slug sets are shared; mutators
// copy the specific set they touch.
func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		configs:    make(map[string]MapConfig, len(s.configs)),
		systems:    make(map[string]stringSet, len(s.systems)),
		characters: make(map[string]stringSet, len(s.characters)),
		version:    s.version,
		mode:       s.mode,
	}
	for k, v := range s.configs {
		next.configs[k] = v
	}
	for k, v := range s.systems {
		next.systems[k] = v
	}
	for k, v := range s.characters {
		next.characters[k] = v
	}
	return next
}

// Registry is the live map directory. Safe for concurrent use.
type Registry struct {
	cfg Config

	cur atomic.Pointer[snapshot]
	wmu sync.Mutex // serializes all writers
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	r := &Registry{cfg: cfg}
	r.cur.Store(emptySnapshot())
	return r
}

// --- reads (lock-free) ---

// AllMaps returns every configured map, ordered by slug for stability
// within a snapshot.
func (r *Registry) AllMaps() []MapConfig {
	snap := r.cur.Load()
	maps := make([]MapConfig, 0, len(snap.configs))
	for _, cfg := range snap.configs {
		maps = append(maps, cfg)
	}
	sort.Slice(maps, func(i, j int) bool { return maps[i].Slug < maps[j].Slug })
	return maps
}

// GetMap returns the config for slug, or ErrNotFound.
func (r *Registry) GetMap(slug string) (MapConfig, error) {
	snap := r.cur.Load()
	cfg, ok := snap.configs[slug]
	if !ok {
		return MapConfig{}, ErrNotFound
	}
	return cfg, nil
}

// MapsTrackingSystem returns the configs of every map tracking systemID.
func (r *Registry) MapsTrackingSystem(systemID string) []MapConfig {
	snap := r.cur.Load()
	return snap.resolve(snap.systems[systemID])
}

// MapsTrackingCharacter returns the configs of every map tracking characterID.
func (r *Registry) MapsTrackingCharacter(characterID string) []MapConfig {
	snap := r.cur.Load()
	return snap.resolve(snap.characters[characterID])
}

// resolve looks up configs by slug so a concurrent config removal cannot
// dangle: slugs without a config row are skipped.
func (s *snapshot) resolve(slugs stringSet) []MapConfig {
	if len(slugs) == 0 {
		return nil
	}
	out := make([]MapConfig, 0, len(slugs))
	for slug := range slugs {
		if cfg, ok := s.configs[slug]; ok {
			out = append(out, cfg)
		}
	}
	return out
}

// Mode returns the latched config source.
func (r *Registry) Mode() Mode {
	return r.cur.Load().mode
}

// Counts returns the number of distinct indexed systems and characters.
func (r *Registry) Counts() (systems, characters int) {
	snap := r.cur.Load()
	return len(snap.systems), len(snap.characters)
}

// TrackedSystemIDs returns every indexed system ID (killmail feed
// subscription list).
func (r *Registry) TrackedSystemIDs() []string {
	snap := r.cur.Load()
	ids := make([]string, 0, len(snap.systems))
	for id := range snap.systems {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// --- index mutations (serialized, idempotent) ---

// IndexSystem records that slug tracks systemID. Idempotent. Mutations
// referencing an absent slug are silently dropped (an SSE handler may race
// a config removal).
func (r *Registry) IndexSystem(slug, systemID string) {
	r.mutateIndex(slug, systemID, true, func(s *snapshot) map[string]stringSet { return s.systems })
}

// DeindexSystem removes slug's claim on systemID. Idempotent.
func (r *Registry) DeindexSystem(slug, systemID string) {
	r.mutateIndex(slug, systemID, false, func(s *snapshot) map[string]stringSet { return s.systems })
}

// IndexCharacter records that slug tracks characterID. Idempotent.
func (r *Registry) IndexCharacter(slug, characterID string) {
	r.mutateIndex(slug, characterID, true, func(s *snapshot) map[string]stringSet { return s.characters })
}

// DeindexCharacter removes slug's claim on characterID. Idempotent.
func (r *Registry) DeindexCharacter(slug, characterID string) {
	r.mutateIndex(slug, characterID, false, func(s *snapshot) map[string]stringSet { return s.characters })
}

func (r *Registry) mutateIndex(slug, id string, insert bool, index func(*snapshot) map[string]stringSet) {
	if slug == "" || id == "" {
		return
	}
	r.wmu.Lock()
	defer r.wmu.Unlock()

	cur := r.cur.Load()
	if insert {
		if _, ok := cur.configs[slug]; !ok {
			return // racing a config removal
		}
	}
	idx := index(cur)
	set, exists := idx[id]
	if insert {
		if _, ok := set[slug]; ok {
			return // already indexed
		}
	} else {
		if _, ok := set[slug]; !ok {
			return // nothing to remove
		}
	}

	next := cur.clone()
	nidx := index(next)
	nset := make(stringSet, len(set)+1)
	if exists {
		for s := range set {
			nset[s] = struct{}{}
		}
	}
	if insert {
		nset[slug] = struct{}{}
		nidx[id] = nset
	} else {
		delete(nset, slug)
		if len(nset) == 0 {
			delete(nidx, id)
		} else {
			nidx[id] = nset
		}
	}
	r.cur.Store(next)
	r.indexChanged()
}

func (r *Registry) indexChanged() {
	if r.cfg.OnIndexChange != nil {
		r.cfg.OnIndexChange()
	}
}

// --- refresh ---

// Run polls the control plane until ctx is canceled. The first poll happens
// immediately.
func (r *Registry) Run(ctx context.Context) error {
	if err := r.Refresh(ctx); err != nil {
		r.cfg.Logger.Warn("initial config refresh failed", "error", err)
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				r.cfg.Logger.Warn("config refresh failed", "error", err)
			}
		}
	}
}

// Refresh force-fetches the control-plane config and applies it. Fetch
// failures keep the current configs when already in api mode; if the
// registry has never reached api mode, it falls back to the single-map
// legacy configuration so the service starts usable.
func (r *Registry) Refresh(ctx context.Context) error {
	cfg, err := r.cfg.Client.NotifierConfig(ctx)
	if err != nil {
		cur := r.cur.Load()
		if cur.mode == ModeAPI {
			return fmt.Errorf("control plane unreachable, keeping %d maps: %w", len(cur.configs), err)
		}
		if r.applyLegacy() {
			r.cfg.Logger.Warn("control plane unavailable, using legacy map config",
				"error", err, "slug", r.cfg.Legacy.Slug)
			return nil
		}
		return fmt.Errorf("fetch notifier config: %w", err)
	}

	r.apply(cfg)
	return nil
}

// applyLegacy installs the env-derived single-map config. Returns false when
// no legacy config is available. Mode latches to legacy only from unset.
func (r *Registry) applyLegacy() bool {
	if r.cfg.Legacy == nil {
		return false
	}
	r.wmu.Lock()
	defer r.wmu.Unlock()

	cur := r.cur.Load()
	if cur.mode != ModeUnset {
		return cur.mode == ModeLegacy
	}
	legacy := *r.cfg.Legacy
	if legacy.CreatedAt.IsZero() {
		legacy.CreatedAt = time.Now()
	}

	next := cur.clone()
	next.mode = ModeLegacy
	next.configs[legacy.Slug] = legacy
	r.cur.Store(next)

	r.cfg.Bus.Publish(bus.MapsUpdated{Added: []string{legacy.Slug}})
	return true
}

// apply installs a fetched control-plane config: diffs slugs, purges removed
// maps from both indexes and their cache rows, overwrites new/updated
// configs, and broadcasts the change set.
func (r *Registry) apply(fetched *mapapi.NotifierConfig) {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	cur := r.cur.Load()
	if cur.mode == ModeAPI && cur.version == fetched.Version {
		return // unchanged version: leave configs and indexes untouched
	}

	incoming := make(map[string]MapConfig, len(fetched.Maps))
	for _, m := range fetched.Maps {
		if m.Slug == "" || m.MapID == "" || m.APIToken == "" {
			r.cfg.Logger.Warn("skipping invalid map config entry",
				"slug", m.Slug, "map_id", m.MapID)
			continue
		}
		incoming[m.Slug] = MapConfig{
			Slug:        m.Slug,
			MapID:       m.MapID,
			APIToken:    m.APIToken,
			EventFilter: m.EventFilter,
			CreatedAt:   time.Now(),
		}
	}

	var added, removed []string
	for slug := range incoming {
		if _, ok := cur.configs[slug]; !ok {
			added = append(added, slug)
		}
	}
	for slug := range cur.configs {
		if _, ok := incoming[slug]; !ok {
			removed = append(removed, slug)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)

	next := cur.clone()
	next.mode = ModeAPI
	next.version = fetched.Version

	for _, slug := range removed {
		delete(next.configs, slug)
		purgeSlug(next.systems, slug)
		purgeSlug(next.characters, slug)
		if r.cfg.Caches != nil {
			r.cfg.Caches.DeletePrefix("map:" + slug + ":")
		}
	}
	for slug, cfg := range incoming {
		if prev, ok := next.configs[slug]; ok {
			cfg.CreatedAt = prev.CreatedAt
		}
		next.configs[slug] = cfg
	}

	r.cur.Store(next)

	if len(removed) > 0 {
		r.indexChanged()
	}
	if len(added) > 0 || len(removed) > 0 {
		r.cfg.Logger.Info("map set changed",
			"added", added, "removed", removed, "version", fetched.Version)
		r.cfg.Bus.Publish(bus.MapsUpdated{Added: added, Removed: removed})
	}
}

// purgeSlug scans an index and removes every row claim for slug. Rows left
// empty are deleted. Copies each touched set so readers of the previous
// snapshot are unaffected.
func purgeSlug(index map[string]stringSet, slug string) {
	for id, set := range index {
		if _, ok := set[slug]; !ok {
			continue
		}
		nset := make(stringSet, len(set))
		for s := range set {
			if s != slug {
				nset[s] = struct{}{}
			}
		}
		if len(nset) == 0 {
			delete(index, id)
		} else {
			index[id] = nset
		}
	}
}
