// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logs implements the per-model log fan-out.
//
// # Description
//
// Each model owns a bounded ring buffer of captured output lines. A
// subscriber first receives the buffer snapshot as historical events,
// then a historical_complete marker, then live realtime events until
// it disconnects. The producer never blocks: each subscriber has a
// bounded live queue, and a subscriber that overflows it (or stalls
// past the soft deadline) is dropped with a final error event while
// the producer continues.
package logs

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Events
// =============================================================================

// SSE event types emitted to log subscribers.
const (
	EventHistorical         = "historical"
	EventHistoricalComplete = "historical_complete"
	EventRealtime           = "realtime"
	EventStreamEnd          = "stream_end"
	EventError              = "error"
)

// Line is one captured output line.
type Line struct {
	Timestamp float64 `json:"timestamp"`
	Message   string  `json:"message"`
}

// Event is one frame delivered to a subscriber.
type Event struct {
	Type    string `json:"type"`
	Log     *Line  `json:"log,omitempty"`
	Message string `json:"message,omitempty"`
}

// BufferStats reports occupancy for one model's buffer.
type BufferStats struct {
	Model       string `json:"model"`
	Lines       int    `json:"lines"`
	Capacity    int    `json:"capacity"`
	Subscribers int    `json:"subscribers"`
	Dropped     int64  `json:"dropped_subscribers"`
}

// =============================================================================
// Ring Buffer
// =============================================================================

// ring is a fixed-capacity line buffer evicting oldest on overflow.
type ring struct {
	lines []Line
	start int
	count int
}

func newRing(capacity int) *ring {
	return &ring{lines: make([]Line, capacity)}
}

func (r *ring) append(l Line) {
	if r.count < len(r.lines) {
		r.lines[(r.start+r.count)%len(r.lines)] = l
		r.count++
		return
	}
	r.lines[r.start] = l
	r.start = (r.start + 1) % len(r.lines)
}

func (r *ring) snapshot() []Line {
	out := make([]Line, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.lines[(r.start+i)%len(r.lines)]
	}
	return out
}

// retain keeps only lines with Timestamp >= horizon and returns the
// number removed.
func (r *ring) retain(horizon float64) int {
	kept := make([]Line, 0, r.count)
	for i := 0; i < r.count; i++ {
		l := r.lines[(r.start+i)%len(r.lines)]
		if l.Timestamp >= horizon {
			kept = append(kept, l)
		}
	}
	removed := r.count - len(kept)
	r.start = 0
	r.count = len(kept)
	copy(r.lines, kept)
	return removed
}

// =============================================================================
// Subscriber
// =============================================================================

// subscriber is one attached log stream consumer.
type subscriber struct {
	id    string
	model string

	// live carries realtime events from the producer; bounded, closed
	// by the producer on overflow.
	live chan Event

	// out is the unbuffered channel the handler reads; closed by the
	// pump goroutine.
	out chan Event

	// cancel ends the subscription silently (client disconnect).
	cancel chan struct{}

	// shutdown ends the subscription with a stream_end event.
	shutdown chan struct{}
}

// Subscription is the consumer view of an attached stream.
type Subscription struct {
	ID     string
	Model  string
	Events <-chan Event
}

// =============================================================================
// Manager
// =============================================================================

// Manager owns all per-model buffers and subscriptions.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Append never blocks on
// subscribers.
type Manager struct {
	capacity     int
	queueDepth   int
	softDeadline time.Duration
	now          func() time.Time

	// dropHook observes subscriber drops, e.g. for metrics. May be nil.
	dropHook func(model string)

	mu      sync.Mutex
	buffers map[string]*ring
	subs    map[string]map[string]*subscriber
	dropped map[string]int64
}

// NewManager creates a fan-out manager.
//
// # Inputs
//
//   - capacity: Ring buffer lines per model (default 2000 when <= 0).
//   - queueDepth: Live queue depth per subscriber (default 256).
func NewManager(capacity, queueDepth int) *Manager {
	if capacity <= 0 {
		capacity = 2000
	}
	if queueDepth <= 0 {
		queueDepth = 256
	}
	return &Manager{
		capacity:     capacity,
		queueDepth:   queueDepth,
		softDeadline: 5 * time.Second,
		now:          time.Now,
		buffers:      make(map[string]*ring),
		subs:         make(map[string]map[string]*subscriber),
		dropped:      make(map[string]int64),
	}
}

// SetDropHook installs a callback invoked when a subscriber is
// dropped for lag. Must be called before the manager is shared.
func (m *Manager) SetDropHook(hook func(model string)) {
	m.dropHook = hook
}

// Append records one output line and fans it out to subscribers.
//
// # Description
//
// Always succeeds, evicting the oldest buffered line on overflow. The
// send to each subscriber's live queue is non-blocking: a full queue
// drops that subscriber with a final error event while the producer
// continues.
func (m *Manager) Append(model, text string) {
	line := Line{Timestamp: float64(m.now().UnixNano()) / 1e9, Message: text}

	m.mu.Lock()
	buf, ok := m.buffers[model]
	if !ok {
		buf = newRing(m.capacity)
		m.buffers[model] = buf
	}
	buf.append(line)

	var drops int
	for id, sub := range m.subs[model] {
		select {
		case sub.live <- Event{Type: EventRealtime, Log: &line}:
		default:
			// Closing live tells the pump to emit the error event.
			close(sub.live)
			delete(m.subs[model], id)
			m.dropped[model]++
			drops++
		}
	}
	m.mu.Unlock()

	if m.dropHook != nil {
		for i := 0; i < drops; i++ {
			m.dropHook(model)
		}
	}
}

// Subscribe attaches a consumer to one model's log stream.
//
// # Description
//
// The returned channel first yields the buffer snapshot as
// historical events, then historical_complete, then realtime events.
// The channel closes after a stream_end or error event, or silently
// after Unsubscribe.
func (m *Manager) Subscribe(model string) *Subscription {
	sub := &subscriber{
		id:       uuid.NewString(),
		model:    model,
		live:     make(chan Event, m.queueDepth),
		out:      make(chan Event),
		cancel:   make(chan struct{}),
		shutdown: make(chan struct{}),
	}

	m.mu.Lock()
	buf, ok := m.buffers[model]
	if !ok {
		buf = newRing(m.capacity)
		m.buffers[model] = buf
	}
	snapshot := buf.snapshot()
	if m.subs[model] == nil {
		m.subs[model] = make(map[string]*subscriber)
	}
	m.subs[model][sub.id] = sub
	m.mu.Unlock()

	go m.pump(sub, snapshot)

	return &Subscription{ID: sub.id, Model: model, Events: sub.out}
}

// Unsubscribe detaches a consumer silently. Safe to call after a
// drop or shutdown.
func (m *Manager) Unsubscribe(model, id string) {
	m.mu.Lock()
	sub, ok := m.subs[model][id]
	if ok {
		delete(m.subs[model], id)
	}
	m.mu.Unlock()
	if ok {
		close(sub.cancel)
	}
}

// pump delivers replay then tail to one subscriber.
func (m *Manager) pump(sub *subscriber, snapshot []Line) {
	defer close(sub.out)

	for i := range snapshot {
		line := snapshot[i]
		select {
		case sub.out <- Event{Type: EventHistorical, Log: &line}:
		case <-sub.cancel:
			return
		case <-sub.shutdown:
			m.sendFinal(sub, Event{Type: EventStreamEnd})
			return
		}
	}
	select {
	case sub.out <- Event{Type: EventHistoricalComplete}:
	case <-sub.cancel:
		return
	case <-sub.shutdown:
		m.sendFinal(sub, Event{Type: EventStreamEnd})
		return
	}

	for {
		select {
		case ev, ok := <-sub.live:
			if !ok {
				// Dropped by the producer for queue overflow.
				m.sendFinal(sub, Event{
					Type:    EventError,
					Message: fmt.Sprintf("lagging subscriber dropped: more than %d undelivered events", m.queueDepth),
				})
				return
			}
			timer := time.NewTimer(m.softDeadline)
			select {
			case sub.out <- ev:
				timer.Stop()
			case <-timer.C:
				// Consumer stalled past the soft deadline.
				m.detach(sub)
				m.sendFinal(sub, Event{
					Type:    EventError,
					Message: "lagging subscriber dropped: delivery stalled",
				})
				return
			case <-sub.cancel:
				timer.Stop()
				return
			case <-sub.shutdown:
				timer.Stop()
				m.sendFinal(sub, Event{Type: EventStreamEnd})
				return
			}
		case <-sub.cancel:
			return
		case <-sub.shutdown:
			m.sendFinal(sub, Event{Type: EventStreamEnd})
			return
		}
	}
}

// sendFinal offers a terminal event, giving a present consumer a
// short window to take it without holding the pump hostage.
func (m *Manager) sendFinal(sub *subscriber, ev Event) {
	timer := time.NewTimer(m.softDeadline)
	defer timer.Stop()
	select {
	case sub.out <- ev:
	case <-timer.C:
	case <-sub.cancel:
	}
}

// detach removes a subscriber unless the producer already did; only
// an actual removal counts as a drop.
func (m *Manager) detach(sub *subscriber) {
	m.mu.Lock()
	_, ok := m.subs[sub.model][sub.id]
	if ok {
		delete(m.subs[sub.model], sub.id)
		m.dropped[sub.model]++
	}
	m.mu.Unlock()
	if ok && m.dropHook != nil {
		m.dropHook(sub.model)
	}
}

// Clear removes buffered lines older than the retention horizon.
//
// # Inputs
//
//   - model: Model whose buffer to clear.
//   - keepMinutes: Entries newer than this many minutes survive;
//     0 wipes the buffer.
//
// # Outputs
//
//   - int: Number of lines removed.
func (m *Manager) Clear(model string, keepMinutes float64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf, ok := m.buffers[model]
	if !ok {
		return 0
	}
	if keepMinutes <= 0 {
		removed := buf.count
		m.buffers[model] = newRing(m.capacity)
		return removed
	}
	horizon := float64(m.now().UnixNano())/1e9 - keepMinutes*60
	return buf.retain(horizon)
}

// Snapshot returns a copy of one model's buffered lines.
func (m *Manager) Snapshot(model string) []Line {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, ok := m.buffers[model]
	if !ok {
		return nil
	}
	return buf.snapshot()
}

// Stats reports occupancy and subscriber counts per model.
func (m *Manager) Stats() []BufferStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]BufferStats, 0, len(m.buffers))
	for model, buf := range m.buffers {
		out = append(out, BufferStats{
			Model:       model,
			Lines:       buf.count,
			Capacity:    m.capacity,
			Subscribers: len(m.subs[model]),
			Dropped:     m.dropped[model],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

// Shutdown ends every subscription with a stream_end event.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	var all []*subscriber
	for model, subs := range m.subs {
		for id, sub := range subs {
			all = append(all, sub)
			delete(subs, id)
		}
		delete(m.subs, model)
	}
	m.mu.Unlock()

	for _, sub := range all {
		close(sub.shutdown)
	}
}
