// Package bus provides an in-process broadcast bus for registry change
// events. The registry publishes MapsUpdated when the set of served maps
// changes; the SSE supervisor and the killmail feed subscribe.
package bus

import "sync"

// MapsUpdated is broadcast when the registry's map set changes.
type MapsUpdated struct {
	Added   []string // new map slugs
	Removed []string // removed map slugs
}

// Bus fans out MapsUpdated events to subscribers. Publishing never blocks:
// a subscriber whose buffer is full loses that event. The buffer is sized
// well past the registry's publish cadence, so a drop means the subscriber
// has stopped consuming entirely.
type Bus struct {
	mu   sync.Mutex
	subs []chan MapsUpdated
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe returns a channel that receives future MapsUpdated events.
func (b *Bus) Subscribe() <-chan MapsUpdated {
	ch := make(chan MapsUpdated, 16)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Publish delivers ev to all subscribers without blocking.
func (b *Bus) Publish(ev MapsUpdated) {
	b.mu.Lock()
	subs := make([]chan MapsUpdated, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
