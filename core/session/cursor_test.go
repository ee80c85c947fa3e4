package session

import (
	"sync"
	"testing"
	"time"

	"github.com/TyrellHaywood/echo-sub001/model"
)

type cursorRecorder struct {
	mu     sync.Mutex
	states []model.CursorState
}

func (r *cursorRecorder) record(state model.CursorState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *cursorRecorder) snapshot() []model.CursorState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.CursorState, len(r.states))
	copy(out, r.states)
	return out
}

func TestCursorThrottleCoalescesBurst(t *testing.T) {
	rec := &cursorRecorder{}
	b := NewCursorBroadcaster("p1", "alice", 40*time.Millisecond, rec.record)
	defer b.Stop()

	// A burst well inside one throttle window.
	for i := 0; i < 20; i++ {
		b.Publish(float64(i), float64(i*2))
	}

	time.Sleep(120 * time.Millisecond)

	states := rec.snapshot()
	if len(states) < 1 || len(states) > 2 {
		t.Fatalf("burst should publish the immediate position plus one flush, got %d", len(states))
	}
	// The first movement goes out immediately.
	if states[0].X != 0 || states[0].Y != 0 {
		t.Errorf("first publish should be the first position, got %+v", states[0])
	}
	// The flush carries the newest coalesced position, never an older one.
	last := states[len(states)-1]
	if last.X != 19 || last.Y != 38 {
		t.Errorf("flush should carry the latest position, got %+v", last)
	}
}

func TestCursorThrottleRate(t *testing.T) {
	const interval = 25 * time.Millisecond
	rec := &cursorRecorder{}
	b := NewCursorBroadcaster("p1", "alice", interval, rec.record)
	defer b.Stop()

	start := time.Now()
	for time.Since(start) < 6*interval {
		b.Publish(1, 1)
		time.Sleep(time.Millisecond)
	}
	time.Sleep(2 * interval)

	elapsed := time.Since(start)
	maxPublishes := int(elapsed/interval) + 2
	if got := len(rec.snapshot()); got > maxPublishes {
		t.Errorf("throttle exceeded: %d publishes in %v (max %d)", got, elapsed, maxPublishes)
	}
}

func TestCursorSentinelHiddenButForwarded(t *testing.T) {
	rec := &cursorRecorder{}
	b := NewCursorBroadcaster("p1", "alice", time.Millisecond, rec.record)
	defer b.Stop()

	// Leaving the workspace publishes the sentinel like any other position.
	b.Publish(model.CursorSentinel, model.CursorSentinel)
	states := rec.snapshot()
	if len(states) != 1 {
		t.Fatalf("sentinel should publish, got %d states", len(states))
	}
	if states[0].Visible() {
		t.Error("sentinel position must not be renderable")
	}

	// A remote sentinel is held but never returned by Visible.
	b.OnRemote(model.CursorState{UserID: "bob", X: model.CursorSentinel, Y: model.CursorSentinel, ColorToken: "teal"})
	if visible := b.Visible(); len(visible) != 0 {
		t.Errorf("sentinel cursors must not be visible, got %+v", visible)
	}

	b.OnRemote(model.CursorState{UserID: "bob", X: 10, Y: 20, ColorToken: "teal"})
	if visible := b.Visible(); len(visible) != 1 || visible[0].X != 10 {
		t.Errorf("expected bob's cursor back, got %+v", visible)
	}
}

func TestCursorSelfEchoDropped(t *testing.T) {
	b := NewCursorBroadcaster("p1", "alice", time.Millisecond, nil)
	defer b.Stop()

	b.OnRemote(model.CursorState{UserID: "alice", X: 5, Y: 5})
	if visible := b.Visible(); len(visible) != 0 {
		t.Errorf("own cursor must never appear in the remote set, got %+v", visible)
	}
}

func TestCursorRemovedWithPresence(t *testing.T) {
	b := NewCursorBroadcaster("p1", "alice", time.Millisecond, nil)
	defer b.Stop()

	b.OnRemote(model.CursorState{UserID: "bob", X: 1, Y: 1})
	b.RemoveUser("bob")
	if visible := b.Visible(); len(visible) != 0 {
		t.Errorf("cursor should clear when its owner leaves, got %+v", visible)
	}
}

func TestColorTokenStableAndInPalette(t *testing.T) {
	token := ColorTokenFor("alice")
	for i := 0; i < 10; i++ {
		if ColorTokenFor("alice") != token {
			t.Fatal("color token must be stable for a user id")
		}
	}

	found := false
	for _, candidate := range cursorPalette {
		if candidate == token {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("token %q is not in the palette", token)
	}
}
