// Package stats is the process-wide counter store. All mutation flows
// through a single writer goroutine consuming a command channel, so counter
// updates and the first-notification flags never race; readers get
// point-in-time snapshots via the same channel.
package stats

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Kind is a notification category.
type Kind string

const (
	KindKill      Kind = "kill"
	KindCharacter Kind = "character"
	KindSystem    Kind = "system"
)

// Processing-lifecycle counter names.
const (
	CounterKillmailReceived   = "killmail_received"
	CounterProcessingStart    = "killmail_processing_start"
	CounterProcessingComplete = "killmail_processing_complete"
	CounterProcessingSuccess  = "killmail_processing_complete_success"
	CounterProcessingError    = "killmail_processing_complete_error"
	CounterProcessingSkipped  = "killmail_processing_skipped"
	CounterKillmailError      = "killmail_error"
	CounterNotificationSent   = "notification_sent"
	CounterNotificationError  = "notification_error"
	CounterCircuitOpen        = "notification_circuit_open"
)

// Snapshot is a point-in-time copy of the tracker state.
type Snapshot struct {
	StartedAt         time.Time
	Uptime            time.Duration
	Counters          map[string]int64
	NotificationsSent map[Kind]int64
	TrackedSystems    int
	TrackedCharacters int
}

type state struct {
	startedAt         time.Time
	counters          map[string]int64
	notificationsSent map[Kind]int64
	notifiedOnce      map[Kind]bool
	trackedSystems    int
	trackedCharacters int
}

// Tracker is the serialized counter store. Create with New, release with
// Close.
type Tracker struct {
	cmds      chan func(*state)
	closeOnce sync.Once
	done      chan struct{}

	promCounters  *prometheus.CounterVec
	promSent      *prometheus.CounterVec
	promTracked   *prometheus.GaugeVec
	promStartedAt prometheus.Gauge
}

// New creates a tracker and starts its writer goroutine. The Prometheus
// collectors are registered on reg; pass nil to skip metric export (tests).
func New(reg prometheus.Registerer) *Tracker {
	t := &Tracker{
		cmds: make(chan func(*state), 1024),
		done: make(chan struct{}),
	}
	if reg != nil {
		factory := promauto.With(reg)
		t.promCounters = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "notifier_events_total",
			Help: "Processing-lifecycle counters by name.",
		}, []string{"name"})
		t.promSent = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "notifier_notifications_sent_total",
			Help: "Notifications dispatched by kind.",
		}, []string{"kind"})
		t.promTracked = factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "notifier_tracked_entities",
			Help: "Tracked systems and characters.",
		}, []string{"entity"})
		t.promStartedAt = factory.NewGauge(prometheus.GaugeOpts{
			Name: "notifier_start_time_seconds",
			Help: "Process start timestamp.",
		})
		t.promStartedAt.Set(float64(time.Now().Unix()))
	}

	go t.loop()
	return t
}

func (t *Tracker) loop() {
	st := &state{
		startedAt:         time.Now(),
		counters:          make(map[string]int64),
		notificationsSent: make(map[Kind]int64),
		notifiedOnce:      make(map[Kind]bool),
	}
	for cmd := range t.cmds {
		cmd(st)
	}
	close(t.done)
}

// Close stops the writer goroutine. Pending commands are applied first.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() {
		close(t.cmds)
		<-t.done
	})
}

// Increment bumps a named counter. Fire and forget.
func (t *Tracker) Increment(name string) {
	if t.promCounters != nil {
		t.promCounters.WithLabelValues(name).Inc()
	}
	t.send(func(st *state) { st.counters[name]++ })
}

// MarkNotificationSent records a dispatched notification and flips the
// kind's first-notification flag.
func (t *Tracker) MarkNotificationSent(kind Kind) {
	if t.promSent != nil {
		t.promSent.WithLabelValues(string(kind)).Inc()
	}
	t.send(func(st *state) {
		st.notificationsSent[kind]++
		st.notifiedOnce[kind] = true
		st.counters[CounterNotificationSent]++
	})
}

// FirstNotification reports whether no notification of this kind has been
// dispatched yet.
func (t *Tracker) FirstNotification(kind Kind) bool {
	reply := make(chan bool, 1)
	t.send(func(st *state) { reply <- !st.notifiedOnce[kind] })
	select {
	case v := <-reply:
		return v
	case <-t.done:
		return false
	}
}

// TrackedEntity selects a gauge for SetTrackedCount.
type TrackedEntity string

const (
	TrackedSystems    TrackedEntity = "systems"
	TrackedCharacters TrackedEntity = "characters"
)

// SetTrackedCount sets the tracked-entity gauge.
func (t *Tracker) SetTrackedCount(entity TrackedEntity, n int) {
	if t.promTracked != nil {
		t.promTracked.WithLabelValues(string(entity)).Set(float64(n))
	}
	t.send(func(st *state) {
		switch entity {
		case TrackedSystems:
			st.trackedSystems = n
		case TrackedCharacters:
			st.trackedCharacters = n
		}
	})
}

// GetStats returns a snapshot for health and metrics surfaces.
func (t *Tracker) GetStats() Snapshot {
	reply := make(chan Snapshot, 1)
	t.send(func(st *state) {
		snap := Snapshot{
			StartedAt:         st.startedAt,
			Uptime:            time.Since(st.startedAt),
			Counters:          make(map[string]int64, len(st.counters)),
			NotificationsSent: make(map[Kind]int64, len(st.notificationsSent)),
			TrackedSystems:    st.trackedSystems,
			TrackedCharacters: st.trackedCharacters,
		}
		for k, v := range st.counters {
			snap.Counters[k] = v
		}
		for k, v := range st.notificationsSent {
			snap.NotificationsSent[k] = v
		}
		reply <- snap
	})
	select {
	case snap := <-reply:
		return snap
	case <-t.done:
		return Snapshot{}
	}
}

// send enqueues a command for the writer goroutine. Safe no-op after Close.
func (t *Tracker) send(cmd func(*state)) {
	defer func() {
		// Sends on a closed channel happen only when a caller races Close;
		// dropping the command is fine at shutdown.
		_ = recover()
	}()
	select {
	case t.cmds <- cmd:
	case <-t.done:
	}
}
