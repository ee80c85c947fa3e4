package session

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/TyrellHaywood/echo-sub001/model"
)

// cursorPalette is the fixed set of color tokens cursors are drawn with.
// A user's token is a stable hash of their id, so color survives reconnects
// without coordination.
var cursorPalette = []string{
	"coral",
	"amber",
	"lime",
	"teal",
	"sky",
	"violet",
	"fuchsia",
	"rose",
}

// ColorTokenFor derives the stable palette token for a user id.
func ColorTokenFor(userID string) string {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return cursorPalette[h.Sum32()%uint32(len(cursorPalette))]
}

// CursorBroadcaster publishes the local cursor under a hard throttle (at
// most one publish per interval, the last pending position always sent) and
// tracks the most recent remote cursor per collaborator. Remote entries are
// cleared when the owner's presence leaves, not by time.
type CursorBroadcaster struct {
	mu        sync.Mutex
	projectID string
	selfID    string
	interval  time.Duration
	publish   func(state model.CursorState)

	lastPublish time.Time
	pending     *model.CursorState
	timer       *time.Timer
	stopped     bool

	remote map[string]model.CursorState
}

// NewCursorBroadcaster 创建光标广播器
func NewCursorBroadcaster(projectID, selfID string, interval time.Duration, publish func(state model.CursorState)) *CursorBroadcaster {
	if publish == nil {
		publish = func(model.CursorState) {}
	}
	return &CursorBroadcaster{
		projectID: projectID,
		selfID:    selfID,
		interval:  interval,
		publish:   publish,
		remote:    make(map[string]model.CursorState),
	}
}

// Publish records a local cursor movement. The first movement in a quiet
// window goes out immediately; movement inside the window is coalesced and
// the latest position is flushed when the window closes. The (-1,-1)
// sentinel is a normal message announcing the pointer left the workspace.
func (b *CursorBroadcaster) Publish(x, y float64) {
	state := model.CursorState{
		UserID:     b.selfID,
		X:          x,
		Y:          y,
		ColorToken: ColorTokenFor(b.selfID),
	}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}

	elapsed := time.Since(b.lastPublish)
	if elapsed >= b.interval && b.timer == nil {
		b.lastPublish = time.Now()
		// 锁外回调,回调方可能再进入其它广播器
		b.mu.Unlock()
		b.publish(state)
		return
	}

	b.pending = &state
	if b.timer == nil {
		wait := b.interval - elapsed
		if wait < 0 {
			wait = 0
		}
		b.timer = time.AfterFunc(wait, b.flush)
	}
	b.mu.Unlock()
}

// flush sends the newest coalesced position.
func (b *CursorBroadcaster) flush() {
	b.mu.Lock()
	b.timer = nil
	if b.stopped || b.pending == nil {
		b.mu.Unlock()
		return
	}
	state := *b.pending
	b.pending = nil
	b.lastPublish = time.Now()
	b.mu.Unlock()
	b.publish(state)
}

// Stop cancels any armed flush. Pending positions are dropped; the session
// re-announces cursor state on reconnect anyway.
func (b *CursorBroadcaster) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.pending = nil
}

// OnRemote records the most recent cursor for a collaborator. Self-originated
// updates are dropped so the local pointer is never rendered twice.
func (b *CursorBroadcaster) OnRemote(state model.CursorState) {
	if state.UserID == b.selfID {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.remote[state.UserID] = state
}

// RemoveUser clears a collaborator's cursor, called when their presence
// entry leaves.
func (b *CursorBroadcaster) RemoveUser(userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.remote, userID)
}

// Visible returns the renderable remote cursors: sentinel (off-workspace)
// positions are held but never returned.
func (b *CursorBroadcaster) Visible() []model.CursorState {
	b.mu.Lock()
	defer b.mu.Unlock()

	states := make([]model.CursorState, 0, len(b.remote))
	for _, state := range b.remote {
		if !state.Visible() {
			continue
		}
		states = append(states, state)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].UserID < states[j].UserID })
	return states
}
