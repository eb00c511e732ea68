// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logs

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collect reads events until the predicate is satisfied or times out.
func collect(t *testing.T, ch <-chan Event, n int) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

// TestRing_EvictsOldest verifies fixed capacity with FIFO eviction.
func TestRing_EvictsOldest(t *testing.T) {
	r := newRing(3)
	for i := 1; i <= 5; i++ {
		r.append(Line{Timestamp: float64(i), Message: fmt.Sprintf("L%d", i)})
	}

	snap := r.snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "L3", snap[0].Message)
	assert.Equal(t, "L5", snap[2].Message)
}

// TestSubscribe_ReplayThenTail verifies the historical prefix, the
// completion marker, and in-order realtime delivery.
func TestSubscribe_ReplayThenTail(t *testing.T) {
	m := NewManager(2000, 256)
	for i := 1; i <= 500; i++ {
		m.Append("m1", fmt.Sprintf("L%d", i))
	}

	sub := m.Subscribe("m1")
	events := collect(t, sub.Events, 501)

	for i := 0; i < 500; i++ {
		require.Equal(t, EventHistorical, events[i].Type)
		assert.Equal(t, fmt.Sprintf("L%d", i+1), events[i].Log.Message)
	}
	assert.Equal(t, EventHistoricalComplete, events[500].Type)

	m.Append("m1", "L501")
	m.Append("m1", "L502")
	m.Append("m1", "L503")

	tail := collect(t, sub.Events, 3)
	for i, want := range []string{"L501", "L502", "L503"} {
		require.Equal(t, EventRealtime, tail[i].Type)
		assert.Equal(t, want, tail[i].Log.Message)
	}

	m.Unsubscribe("m1", sub.ID)
}

// TestAppend_DropsSlowSubscriber fills a small live queue without a
// consumer and expects a terminal error event; the producer is never
// blocked.
func TestAppend_DropsSlowSubscriber(t *testing.T) {
	m := NewManager(2000, 4)
	var drops []string
	m.SetDropHook(func(model string) { drops = append(drops, model) })

	sub := m.Subscribe("m1")
	// Consume replay so the pump is parked on the live queue. With an
	// empty buffer that is just the completion marker.
	ev := collect(t, sub.Events, 1)
	require.Equal(t, EventHistoricalComplete, ev[0].Type)

	// The pump moves one event to the out channel; the live queue
	// holds 4 more; the next append overflows.
	for i := 0; i < 10; i++ {
		m.Append("m1", fmt.Sprintf("L%d", i))
	}

	var last Event
	deadline := time.After(5 * time.Second)
loop:
	for {
		select {
		case e, ok := <-sub.Events:
			if !ok {
				break loop
			}
			last = e
		case <-deadline:
			t.Fatal("subscriber channel never closed")
		}
	}
	assert.Equal(t, EventError, last.Type)
	assert.Contains(t, last.Message, "lagging")
	assert.Equal(t, []string{"m1"}, drops)

	stats := m.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, int64(1), stats[0].Dropped)
	assert.Equal(t, 0, stats[0].Subscribers)
}

// TestAppend_OtherSubscribersUnaffected drops only the lagging
// subscriber.
func TestAppend_OtherSubscribersUnaffected(t *testing.T) {
	m := NewManager(2000, 4)

	slow := m.Subscribe("m1")
	fast := m.Subscribe("m1")
	collect(t, slow.Events, 1)
	collect(t, fast.Events, 1)

	done := make(chan []Event)
	go func() {
		var got []Event
		for ev := range fast.Events {
			got = append(got, ev)
			if len(got) == 10 {
				break
			}
		}
		done <- got
	}()

	for i := 0; i < 10; i++ {
		m.Append("m1", fmt.Sprintf("L%d", i))
	}

	got := <-done
	require.Len(t, got, 10)
	for i, ev := range got {
		assert.Equal(t, EventRealtime, ev.Type)
		assert.Equal(t, fmt.Sprintf("L%d", i), ev.Log.Message)
	}
	m.Unsubscribe("m1", fast.ID)
	_ = slow
}

// TestClear_KeepMinutes retains only entries inside the horizon.
func TestClear_KeepMinutes(t *testing.T) {
	m := NewManager(100, 16)
	now := time.Now()
	m.now = func() time.Time { return now }

	m.Append("m1", "old")
	now = now.Add(10 * time.Minute)
	m.Append("m1", "recent")

	removed := m.Clear("m1", 5)
	assert.Equal(t, 1, removed)

	snap := m.Snapshot("m1")
	require.Len(t, snap, 1)
	assert.Equal(t, "recent", snap[0].Message)
}

// TestClear_Wipe removes everything for keep_minutes 0.
func TestClear_Wipe(t *testing.T) {
	m := NewManager(100, 16)
	m.Append("m1", "a")
	m.Append("m1", "b")

	removed := m.Clear("m1", 0)
	assert.Equal(t, 2, removed)
	assert.Empty(t, m.Snapshot("m1"))

	assert.Equal(t, 0, m.Clear("unknown", 0))
}

// TestStats reports occupancy per model.
func TestStats(t *testing.T) {
	m := NewManager(10, 16)
	m.Append("a", "1")
	m.Append("a", "2")
	m.Append("b", "1")
	sub := m.Subscribe("b")
	defer m.Unsubscribe("b", sub.ID)

	stats := m.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "a", stats[0].Model)
	assert.Equal(t, 2, stats[0].Lines)
	assert.Equal(t, 0, stats[0].Subscribers)
	assert.Equal(t, "b", stats[1].Model)
	assert.Equal(t, 1, stats[1].Subscribers)
	assert.Equal(t, 10, stats[1].Capacity)
}

// TestShutdown_EmitsStreamEnd closes active subscriptions with a
// stream_end frame.
func TestShutdown_EmitsStreamEnd(t *testing.T) {
	m := NewManager(10, 16)
	sub := m.Subscribe("m1")
	collect(t, sub.Events, 1) // historical_complete

	m.Shutdown()

	var sawEnd bool
	for ev := range sub.Events {
		if ev.Type == EventStreamEnd {
			sawEnd = true
		}
	}
	assert.True(t, sawEnd)
}
