package registry

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"testing"
	"time"

	"driftwatch/notifier/internal/bus"
	"driftwatch/notifier/internal/mapapi"
)

// fakeControlPlane serves scripted config responses.
type fakeControlPlane struct {
	cfg *mapapi.NotifierConfig
	err error
}

func (f *fakeControlPlane) NotifierConfig(_ context.Context) (*mapapi.NotifierConfig, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.cfg, nil
}

// fakePurger records DeletePrefix calls.
type fakePurger struct {
	prefixes []string
}

func (f *fakePurger) DeletePrefix(prefix string) int {
	f.prefixes = append(f.prefixes, prefix)
	return 0
}

func apiConfig(version int, slugs ...string) *mapapi.NotifierConfig {
	cfg := &mapapi.NotifierConfig{Version: version}
	for _, slug := range slugs {
		cfg.Maps = append(cfg.Maps, mapapi.NotifierMap{
			Slug: slug, MapID: "id-" + slug, APIToken: "token-" + slug,
		})
	}
	return cfg
}

func newTestRegistry(cp ControlPlane, purger CachePurger, legacy *MapConfig) (*Registry, *bus.Bus) {
	b := bus.New()
	r := New(Config{Client: cp, Bus: b, Caches: purger, Legacy: legacy})
	return r, b
}

func recv(t *testing.T, ch <-chan bus.MapsUpdated) bus.MapsUpdated {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no MapsUpdated broadcast")
		return bus.MapsUpdated{}
	}
}

func TestRefresh_AppliesAPIConfig(t *testing.T) {
	cp := &fakeControlPlane{cfg: apiConfig(1, "alpha", "beta")}
	r, b := newTestRegistry(cp, nil, nil)
	updates := b.Subscribe()

	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if r.Mode() != ModeAPI {
		t.Errorf("Mode = %s, want api", r.Mode())
	}
	maps := r.AllMaps()
	if len(maps) != 2 || maps[0].Slug != "alpha" || maps[1].Slug != "beta" {
		t.Errorf("AllMaps = %+v", maps)
	}

	ev := recv(t, updates)
	if !reflect.DeepEqual(ev.Added, []string{"alpha", "beta"}) || len(ev.Removed) != 0 {
		t.Errorf("broadcast = %+v", ev)
	}
}

func TestRefresh_UnchangedVersionLeavesSnapshotUntouched(t *testing.T) {
	cp := &fakeControlPlane{cfg: apiConfig(3, "alpha")}
	r, _ := newTestRegistry(cp, nil, nil)
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	r.IndexSystem("alpha", "31000005")
	before := r.cur.Load()

	// Same version again: the snapshot pointer must not change, keeping the
	// SSE-built indexes intact.
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if r.cur.Load() != before {
		t.Error("unchanged version must not replace the snapshot")
	}
	if got := r.MapsTrackingSystem("31000005"); len(got) != 1 {
		t.Errorf("index lost across no-op refresh: %+v", got)
	}
}

func TestRefresh_RemovedMapPurgesEverything(t *testing.T) {
	cp := &fakeControlPlane{cfg: apiConfig(1, "alpha", "beta")}
	purger := &fakePurger{}
	r, b := newTestRegistry(cp, purger, nil)
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	r.IndexSystem("alpha", "31000005")
	r.IndexSystem("beta", "31000005")
	r.IndexCharacter("alpha", "91000001")
	updates := b.Subscribe()

	cp.cfg = apiConfig(2, "beta")
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if _, err := r.GetMap("alpha"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetMap(alpha) err = %v, want ErrNotFound", err)
	}
	if got := r.MapsTrackingSystem("31000005"); len(got) != 1 || got[0].Slug != "beta" {
		t.Errorf("system index after removal = %+v, want only beta", got)
	}
	if got := r.MapsTrackingCharacter("91000001"); len(got) != 0 {
		t.Errorf("character index after removal = %+v, want empty", got)
	}
	if len(purger.prefixes) != 1 || purger.prefixes[0] != "map:alpha:" {
		t.Errorf("cache purges = %v, want [map:alpha:]", purger.prefixes)
	}

	ev := recv(t, updates)
	if !reflect.DeepEqual(ev.Removed, []string{"alpha"}) || len(ev.Added) != 0 {
		t.Errorf("broadcast = %+v", ev)
	}
}

func TestRefresh_InvalidEntriesSkipped(t *testing.T) {
	cfg := apiConfig(1, "good")
	cfg.Maps = append(cfg.Maps, mapapi.NotifierMap{Slug: "no-token", MapID: "id"})
	cp := &fakeControlPlane{cfg: cfg}
	r, _ := newTestRegistry(cp, nil, nil)

	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if maps := r.AllMaps(); len(maps) != 1 || maps[0].Slug != "good" {
		t.Errorf("AllMaps = %+v, want only the valid entry", maps)
	}
}

func TestRefresh_PreservesCreatedAtOnUpdate(t *testing.T) {
	cp := &fakeControlPlane{cfg: apiConfig(1, "alpha")}
	r, _ := newTestRegistry(cp, nil, nil)
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	first, _ := r.GetMap("alpha")

	cp.cfg = apiConfig(2, "alpha")
	cp.cfg.Maps[0].APIToken = "rotated"
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	second, _ := r.GetMap("alpha")
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Error("CreatedAt must survive a config update")
	}
	if second.APIToken != "rotated" {
		t.Errorf("APIToken = %s, want rotated", second.APIToken)
	}
}

func TestRefresh_LegacyFallback(t *testing.T) {
	cp := &fakeControlPlane{err: mapapi.ErrEndpointNotFound}
	legacy := &MapConfig{Slug: "home", MapID: "home", APIToken: "env-token"}
	r, b := newTestRegistry(cp, nil, legacy)
	updates := b.Subscribe()

	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh with legacy fallback: %v", err)
	}
	if r.Mode() != ModeLegacy {
		t.Errorf("Mode = %s, want legacy", r.Mode())
	}
	mc, err := r.GetMap("home")
	if err != nil {
		t.Fatalf("GetMap: %v", err)
	}
	if mc.APIToken != "env-token" {
		t.Errorf("APIToken = %s", mc.APIToken)
	}
	ev := recv(t, updates)
	if !reflect.DeepEqual(ev.Added, []string{"home"}) {
		t.Errorf("broadcast = %+v", ev)
	}
}

func TestRefresh_NoLegacyFallbackConfigured(t *testing.T) {
	cp := &fakeControlPlane{err: errors.New("connection refused")}
	r, _ := newTestRegistry(cp, nil, nil)
	if err := r.Refresh(context.Background()); err == nil {
		t.Error("expected error when fetch fails and no legacy config exists")
	}
	if r.Mode() != ModeUnset {
		t.Errorf("Mode = %s, want unset", r.Mode())
	}
}

func TestRefresh_APIModeSurvivesOutage(t *testing.T) {
	cp := &fakeControlPlane{cfg: apiConfig(1, "alpha")}
	legacy := &MapConfig{Slug: "home", MapID: "home", APIToken: "env-token"}
	r, _ := newTestRegistry(cp, nil, legacy)
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	// Outage after reaching api mode: keep the api configs, do not fall back.
	cp.err = errors.New("connection refused")
	if err := r.Refresh(context.Background()); err == nil {
		t.Error("expected error surfaced during outage")
	}
	if r.Mode() != ModeAPI {
		t.Errorf("Mode = %s, want api retained", r.Mode())
	}
	if _, err := r.GetMap("alpha"); err != nil {
		t.Errorf("alpha lost during outage: %v", err)
	}
}

func TestIndexSystem_Idempotent(t *testing.T) {
	cp := &fakeControlPlane{cfg: apiConfig(1, "alpha")}
	r, _ := newTestRegistry(cp, nil, nil)
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	r.IndexSystem("alpha", "31000005")
	r.IndexSystem("alpha", "31000005")
	if got := r.MapsTrackingSystem("31000005"); len(got) != 1 {
		t.Errorf("fan-out = %d maps, want 1 after duplicate index", len(got))
	}

	r.DeindexSystem("alpha", "31000005")
	r.DeindexSystem("alpha", "31000005")
	if got := r.MapsTrackingSystem("31000005"); len(got) != 0 {
		t.Errorf("fan-out = %d maps, want 0 after deindex", len(got))
	}
}

func TestIndexSystem_AbsentSlugDropped(t *testing.T) {
	cp := &fakeControlPlane{cfg: apiConfig(1, "alpha")}
	r, _ := newTestRegistry(cp, nil, nil)
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	r.IndexSystem("ghost", "31000005")
	if got := r.MapsTrackingSystem("31000005"); len(got) != 0 {
		t.Errorf("index for unregistered slug should be dropped, got %+v", got)
	}
}

func TestMapsTrackingSystem_FanOut(t *testing.T) {
	cp := &fakeControlPlane{cfg: apiConfig(1, "alpha", "beta", "gamma")}
	r, _ := newTestRegistry(cp, nil, nil)
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	r.IndexSystem("alpha", "31000005")
	r.IndexSystem("beta", "31000005")
	r.IndexSystem("gamma", "30000142")

	got := r.MapsTrackingSystem("31000005")
	slugs := make([]string, len(got))
	for i, mc := range got {
		slugs[i] = mc.Slug
	}
	sort.Strings(slugs)
	if !reflect.DeepEqual(slugs, []string{"alpha", "beta"}) {
		t.Errorf("fan-out = %v, want [alpha beta]", slugs)
	}
	if got := r.MapsTrackingSystem("99999999"); len(got) != 0 {
		t.Errorf("untracked system fan-out = %+v, want empty", got)
	}
}

func TestTrackedSystemIDs_Sorted(t *testing.T) {
	cp := &fakeControlPlane{cfg: apiConfig(1, "alpha")}
	r, _ := newTestRegistry(cp, nil, nil)
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	r.IndexSystem("alpha", "31000009")
	r.IndexSystem("alpha", "30000142")
	r.IndexCharacter("alpha", "91000001")

	got := r.TrackedSystemIDs()
	if !reflect.DeepEqual(got, []string{"30000142", "31000009"}) {
		t.Errorf("TrackedSystemIDs = %v", got)
	}

	systems, characters := r.Counts()
	if systems != 2 || characters != 1 {
		t.Errorf("Counts = (%d, %d), want (2, 1)", systems, characters)
	}
}

func TestOnIndexChange_FiresOnRealMutationsOnly(t *testing.T) {
	cp := &fakeControlPlane{cfg: apiConfig(1, "alpha")}
	calls := 0
	r := New(Config{Client: cp, Bus: bus.New(), OnIndexChange: func() { calls++ }})
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if calls != 0 {
		t.Fatalf("hook fired %d times on a config apply with no removals", calls)
	}

	r.IndexSystem("alpha", "31000005")
	if calls != 1 {
		t.Errorf("calls after index = %d, want 1", calls)
	}
	r.IndexSystem("alpha", "31000005") // idempotent repeat
	if calls != 1 {
		t.Errorf("calls after idempotent repeat = %d, want 1", calls)
	}
	r.DeindexSystem("alpha", "31000005")
	if calls != 2 {
		t.Errorf("calls after deindex = %d, want 2", calls)
	}
	r.DeindexSystem("alpha", "31000005") // nothing left to remove
	if calls != 2 {
		t.Errorf("calls after no-op deindex = %d, want 2", calls)
	}
	r.IndexSystem("ghost", "31000005") // absent slug, insert dropped
	if calls != 2 {
		t.Errorf("calls after dropped insert = %d, want 2", calls)
	}
}

func TestOnIndexChange_FiresOnMapRemovalPurge(t *testing.T) {
	cp := &fakeControlPlane{cfg: apiConfig(1, "alpha", "beta")}
	calls := 0
	r := New(Config{Client: cp, Bus: bus.New(), OnIndexChange: func() { calls++ }})
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	r.IndexSystem("beta", "31000005")
	before := calls

	cp.cfg = apiConfig(2, "alpha") // beta removed, its index rows purged
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if calls != before+1 {
		t.Errorf("calls after removal = %d, want %d", calls, before+1)
	}
	if got := r.MapsTrackingSystem("31000005"); len(got) != 0 {
		t.Errorf("index survived removal: %+v", got)
	}
}
