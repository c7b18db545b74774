// Package bus provides the in-memory per-run event fan-out.
//
// Each active run owns one topic. The orchestrator publishes lifecycle
// events to the topic; any number of stream connections subscribe to it
// independently; every subscriber sees every event in publish order
// (broadcast, not work-sharing). Events are not persisted and not replayed:
// the runs and steps tables are the durable record, the bus is a best-effort
// real-time layer for the lifetime of one run's listeners.
package bus

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/relay/internal/model"
)

// subscriberBuffer is the per-listener channel capacity. A run publishes at
// most two events per step plus one terminal event, far below this, so an
// attached listener that keeps reading never loses an event. The drop path
// below exists only so a pathological consumer cannot block the orchestrator.
const subscriberBuffer = 64

type topic struct {
	mu          sync.RWMutex
	subscribers map[chan model.RunEvent]struct{}
	closed      bool
}

// Bus manages one topic per active run.
type Bus struct {
	logger *slog.Logger

	mu     sync.Mutex
	topics map[uuid.UUID]*topic
}

// New creates an empty Bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		logger: logger,
		topics: make(map[uuid.UUID]*topic),
	}
}

// channel returns the topic for runID, creating it on first access.
func (b *Bus) channel(runID uuid.UUID) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[runID]
	if !ok {
		t = &topic{subscribers: make(map[chan model.RunEvent]struct{})}
		b.topics[runID] = t
	}
	return t
}

// Subscribe attaches a new listener to runID's topic, creating the topic if
// needed. The caller must drain the channel and call Unsubscribe when done.
// The channel is closed when the topic is removed.
//
// Registration happens under the bus lock so a concurrent Unsubscribe
// dropping the topic cannot strand the new listener on an orphaned topic.
func (b *Bus) Subscribe(runID uuid.UUID) chan model.RunEvent {
	ch := make(chan model.RunEvent, subscriberBuffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[runID]
	if !ok {
		t = &topic{subscribers: make(map[chan model.RunEvent]struct{})}
		b.topics[runID] = t
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		// Topic already torn down; hand back a closed channel so the
		// caller's read loop ends immediately.
		close(ch)
		return ch
	}
	t.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe detaches a listener. A listener leaving never affects the
// run or other listeners. A topic whose last listener leaves is dropped
// from the map so that late attaches to finished runs cannot accumulate
// empty topics; the next Publish recreates it.
func (b *Bus) Unsubscribe(runID uuid.UUID, ch chan model.RunEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[runID]
	if !ok {
		return
	}

	t.mu.Lock()
	if _, subscribed := t.subscribers[ch]; subscribed {
		delete(t.subscribers, ch)
		close(ch)
	}
	empty := len(t.subscribers) == 0
	t.mu.Unlock()

	if empty {
		delete(b.topics, runID)
	}
}

// Publish delivers ev to every current subscriber of runID's topic, in
// publish order per subscriber. Publishing never blocks: a subscriber that
// stopped draining has this event dropped for it.
func (b *Bus) Publish(runID uuid.UUID, ev model.RunEvent) {
	t := b.channel(runID)

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return
	}
	for ch := range t.subscribers {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("bus: dropping event for slow subscriber",
				"run_id", runID, "event_type", ev.Type)
		}
	}
}

// Remove tears down runID's topic and closes every remaining subscriber
// channel. Called once the run is terminal and the terminal event has been
// published; late subscribers recover state via the run snapshot.
func (b *Bus) Remove(runID uuid.UUID) {
	b.mu.Lock()
	t, ok := b.topics[runID]
	delete(b.topics, runID)
	b.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for ch := range t.subscribers {
		close(ch)
	}
	t.subscribers = nil
}

// Active returns the number of live topics. Used by health reporting.
func (b *Bus) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}
