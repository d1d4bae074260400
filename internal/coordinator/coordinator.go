// Package coordinator decides whether a candidate event becomes a chat
// notification, with what decoration, and to which destination. It owns the
// priority set and the dedup window; dispatch goes through the chat
// transport collaborator.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"driftwatch/notifier/internal/cache"
	"driftwatch/notifier/internal/evemap"
	"driftwatch/notifier/internal/priority"
	"driftwatch/notifier/internal/stats"
)

// Transport delivers a composed message to the chat platform.
type Transport interface {
	SendMessage(ctx context.Context, msg Message) error
}

// VoiceLookup reports the members currently in voice channels, as mention
// strings (e.g., "<@1234>").
type VoiceLookup interface {
	Participants(ctx context.Context) []string
}

// Outcome classifies what happened to a candidate event.
type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeSkipped Outcome = "skipped"
)

// Result is the caller-visible decision: sent, or skipped with a reason.
// Dispatch failures surface as errors alongside OutcomeSkipped.
type Result struct {
	Outcome Outcome
	Reason  string
}

// Skip reasons.
const (
	ReasonDisabled     = "disabled"
	ReasonPriorityOnly = "priority_only"
	ReasonDuplicate    = "duplicate"
	ReasonCircuitOpen  = "circuit_open"
	ReasonDispatch     = "dispatch_error"
)

// Config holds the coordinator's toggles and bounds.
type Config struct {
	// ChannelID is the default chat destination; SystemChannelID overrides
	// it for system notifications when set.
	ChannelID       string
	SystemChannelID string

	SystemNotifications    bool
	CharacterNotifications bool
	KillNotifications      bool

	// PriorityOnly skips non-priority systems even when enabled.
	PriorityOnly bool

	// VoiceMentions substitutes per-participant mentions for @here.
	VoiceMentions bool
	// FallbackToHere uses @here when no voice participants are present.
	FallbackToHere bool

	// DedupTTL is the dedup window. Default: 24h.
	DedupTTL time.Duration
	// DispatchTimeout bounds each transport call. Default: 30s.
	DispatchTimeout time.Duration
}

// Coordinator applies the notification decision table. Stateless apart from
// the dedup cache and breakers, so one instance serves all maps.
type Coordinator struct {
	cfg       Config
	transport Transport
	voice     VoiceLookup
	pset      *priority.Set
	dedup     *cache.Store
	tracker   *stats.Tracker
	logger    *slog.Logger

	mu       sync.Mutex
	breakers map[string]*breaker // channel ID -> breaker
}

// New creates a coordinator.
func New(cfg Config, transport Transport, voice VoiceLookup, pset *priority.Set, dedup *cache.Store, tracker *stats.Tracker, logger *slog.Logger) *Coordinator {
	if cfg.DedupTTL == 0 {
		cfg.DedupTTL = 24 * time.Hour
	}
	if cfg.DispatchTimeout == 0 {
		cfg.DispatchTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:       cfg,
		transport: transport,
		voice:     voice,
		pset:      pset,
		dedup:     dedup,
		tracker:   tracker,
		logger:    logger,
	}
}

// Priority exposes the priority set (CLI management surface).
func (c *Coordinator) Priority() *priority.Set {
	return c.pset
}

// decide applies the priority decision table. Priority always sends with a
// broadcast mention; priority-only mode skips everything else; otherwise
// the per-kind toggle rules.
func decide(enabled, isPriority, priorityOnly bool) (send, mention bool, reason string) {
	switch {
	case isPriority:
		return true, true, ""
	case priorityOnly:
		return false, false, ReasonPriorityOnly
	case enabled:
		return true, false, ""
	default:
		return false, false, ReasonDisabled
	}
}

// mention composes the broadcast mention string (with trailing space), per
// the configured policy: voice participants first, then @here, then none.
func (c *Coordinator) mention(ctx context.Context) string {
	if c.cfg.VoiceMentions && c.voice != nil {
		if participants := c.voice.Participants(ctx); len(participants) > 0 {
			out := ""
			for _, p := range participants {
				out += p + " "
			}
			return out
		}
	}
	if c.cfg.FallbackToHere {
		return "@here "
	}
	return ""
}

// NotifySystem handles an added tracked system.
func (c *Coordinator) NotifySystem(ctx context.Context, slug string, sys *evemap.System) (Result, error) {
	name := sys.DisplayName()
	isPriority := c.pset.Contains(name)
	send, withMention, reason := decide(c.cfg.SystemNotifications, isPriority, c.cfg.PriorityOnly)
	if !send {
		return Result{Outcome: OutcomeSkipped, Reason: reason}, nil
	}

	key := "system:" + slug + ":" + strconv.FormatInt(sys.SolarSystemID, 10)
	if !c.dedup.SetNX(key, struct{}{}, c.cfg.DedupTTL) {
		return Result{Outcome: OutcomeSkipped, Reason: ReasonDuplicate}, nil
	}

	mention := ""
	if withMention {
		mention = c.mention(ctx)
	}
	first := c.tracker.FirstNotification(stats.KindSystem)
	msg := systemMessage(c.systemChannel(), mention, sys, isPriority, first)
	return c.dispatch(ctx, stats.KindSystem, msg)
}

// NotifyRally handles a rally point added in a tracked system. Rally points
// always carry mention eligibility.
func (c *Coordinator) NotifyRally(ctx context.Context, slug, systemName, rallyID string) (Result, error) {
	isPriority := c.pset.Contains(systemName)
	send, _, reason := decide(c.cfg.SystemNotifications, isPriority, c.cfg.PriorityOnly)
	if !send {
		return Result{Outcome: OutcomeSkipped, Reason: reason}, nil
	}

	key := "rally:" + slug + ":" + rallyID
	if !c.dedup.SetNX(key, struct{}{}, c.cfg.DedupTTL) {
		return Result{Outcome: OutcomeSkipped, Reason: ReasonDuplicate}, nil
	}

	// Rally points are a call to arms: they always carry the broadcast
	// mention, not just when the system is priority.
	mention := c.mention(ctx)
	first := c.tracker.FirstNotification(stats.KindSystem)
	msg := rallyMessage(c.systemChannel(), mention, systemName, first)
	return c.dispatch(ctx, stats.KindSystem, msg)
}

// NotifyCharacter handles a newly tracked character. Characters are never
// priority (fingerprints name systems), so priority-only mode mutes them
// along with non-priority systems.
func (c *Coordinator) NotifyCharacter(ctx context.Context, slug string, ch *evemap.Character) (Result, error) {
	send, _, reason := decide(c.cfg.CharacterNotifications, false, c.cfg.PriorityOnly)
	if !send {
		return Result{Outcome: OutcomeSkipped, Reason: reason}, nil
	}

	key := "character:" + slug + ":" + ch.CharacterID
	if !c.dedup.SetNX(key, struct{}{}, c.cfg.DedupTTL) {
		return Result{Outcome: OutcomeSkipped, Reason: ReasonDuplicate}, nil
	}

	first := c.tracker.FirstNotification(stats.KindCharacter)
	msg := characterMessage(c.cfg.ChannelID, ch, first)
	return c.dispatch(ctx, stats.KindCharacter, msg)
}

// NotifyKill handles a killmail in a tracked system. systemName may come
// from the per-map cache; the feed's own name is the fallback.
func (c *Coordinator) NotifyKill(ctx context.Context, slug, systemName string, km *evemap.Killmail) (Result, error) {
	if systemName == "" {
		systemName = km.SystemName
	}
	isPriority := systemName != "" && c.pset.Contains(systemName)
	send, withMention, reason := decide(c.cfg.KillNotifications, isPriority, c.cfg.PriorityOnly)
	if !send {
		c.tracker.Increment(stats.CounterProcessingSkipped)
		return Result{Outcome: OutcomeSkipped, Reason: reason}, nil
	}

	if !c.dedup.SetNX(km.DedupKey(), struct{}{}, c.cfg.DedupTTL) {
		c.tracker.Increment(stats.CounterProcessingSkipped)
		return Result{Outcome: OutcomeSkipped, Reason: ReasonDuplicate}, nil
	}

	mention := ""
	if withMention {
		mention = c.mention(ctx)
	}
	first := c.tracker.FirstNotification(stats.KindKill)
	msg := killMessage(c.cfg.ChannelID, mention, systemName, km, isPriority, first)
	return c.dispatch(ctx, stats.KindKill, msg)
}

func (c *Coordinator) systemChannel() string {
	if c.cfg.SystemChannelID != "" {
		return c.cfg.SystemChannelID
	}
	return c.cfg.ChannelID
}

// dispatch sends through the breaker-guarded transport with the bounded
// timeout. Failures are counted, not retried: the caller may retry by
// re-posting the event.
func (c *Coordinator) dispatch(ctx context.Context, kind stats.Kind, msg Message) (Result, error) {
	br := c.breakerFor(msg.ChannelID)
	if !br.allow() {
		c.tracker.Increment(stats.CounterCircuitOpen)
		c.logger.Warn("notification dropped, circuit open",
			"kind", kind, "channel", msg.ChannelID)
		return Result{Outcome: OutcomeSkipped, Reason: ReasonCircuitOpen}, nil
	}

	dctx, cancel := context.WithTimeout(ctx, c.cfg.DispatchTimeout)
	defer cancel()
	err := c.transport.SendMessage(dctx, msg)
	br.record(err)
	if err != nil {
		c.tracker.Increment(stats.CounterNotificationError)
		c.logger.Error("notification dispatch failed",
			"kind", kind, "channel", msg.ChannelID, "error", err)
		return Result{Outcome: OutcomeSkipped, Reason: ReasonDispatch},
			fmt.Errorf("dispatch %s notification: %w", kind, err)
	}

	c.tracker.MarkNotificationSent(kind)
	c.logger.Info("notification sent", "kind", kind, "channel", msg.ChannelID)
	return Result{Outcome: OutcomeSent}, nil
}

func (c *Coordinator) breakerFor(channelID string) *breaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.breakers == nil {
		c.breakers = make(map[string]*breaker)
	}
	br, ok := c.breakers[channelID]
	if !ok {
		br = newBreaker(5, 2, 30*time.Second)
		c.breakers[channelID] = br
	}
	return br
}
