package session

import (
	"sort"
	"sync"
	"time"

	"github.com/TyrellHaywood/echo-sub001/model"
)

// RegistryState 在线状态机
type RegistryState string

const (
	StateDisconnected RegistryState = "disconnected"
	StateJoining      RegistryState = "joining"
	StateSynced       RegistryState = "synced"
)

// PresenceRegistry is the per-project roster of currently connected
// collaborators, derived purely from the most recent join/leave events. A
// later join replaces an earlier join for the same user; on transport loss
// the roster clears rather than showing stale collaborators.
type PresenceRegistry struct {
	mu        sync.RWMutex
	projectID string
	state     RegistryState
	entries   map[string]model.PresenceEntry
	lastSeen  map[string]time.Time
	timeout   time.Duration
}

// NewPresenceRegistry 创建在线注册表
func NewPresenceRegistry(projectID string, timeout time.Duration) *PresenceRegistry {
	return &PresenceRegistry{
		projectID: projectID,
		state:     StateDisconnected,
		entries:   make(map[string]model.PresenceEntry),
		lastSeen:  make(map[string]time.Time),
		timeout:   timeout,
	}
}

// State returns the registry's current lifecycle state.
func (r *PresenceRegistry) State() RegistryState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// BeginJoin moves Disconnected -> Joining; the caller announces its own
// entry and requests the current roster while in this state.
func (r *PresenceRegistry) BeginJoin() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = StateJoining
}

// SyncRoster installs the full current roster and moves to Synced.
func (r *PresenceRegistry) SyncRoster(entries []model.PresenceEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = make(map[string]model.PresenceEntry, len(entries))
	r.lastSeen = make(map[string]time.Time, len(entries))
	now := time.Now()
	for _, entry := range entries {
		r.entries[entry.UserID] = entry
		r.lastSeen[entry.UserID] = now
	}
	r.state = StateSynced
}

// OnJoin adds or replaces an entry. A re-join replaces, never duplicates.
func (r *PresenceRegistry) OnJoin(entry model.PresenceEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[entry.UserID]; ok {
		// Last join wins over an earlier join for the same user.
		if entry.JoinedAt < existing.JoinedAt {
			r.lastSeen[entry.UserID] = time.Now()
			return
		}
	}
	r.entries[entry.UserID] = entry
	r.lastSeen[entry.UserID] = time.Now()
}

// OnLeave removes an entry.
func (r *PresenceRegistry) OnLeave(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.entries, userID)
	delete(r.lastSeen, userID)
}

// OnHeartbeat refreshes the liveness clock for one user.
func (r *PresenceRegistry) OnHeartbeat(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[userID]; ok {
		r.lastSeen[userID] = time.Now()
	}
}

// ExpireStale removes entries whose heartbeat is older than the timeout and
// returns the removed user ids.
func (r *PresenceRegistry) ExpireStale() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.timeout)
	expired := make([]string, 0)
	for userID, seen := range r.lastSeen {
		if seen.Before(cutoff) {
			expired = append(expired, userID)
			delete(r.entries, userID)
			delete(r.lastSeen, userID)
		}
	}
	sort.Strings(expired)
	return expired
}

// Roster returns the collaborators other than excludeUserID (a client never
// sees itself in its own roster), ordered by join time then user id.
func (r *PresenceRegistry) Roster(excludeUserID string) []model.PresenceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	roster := make([]model.PresenceEntry, 0, len(r.entries))
	for userID, entry := range r.entries {
		if excludeUserID != "" && userID == excludeUserID {
			continue
		}
		roster = append(roster, entry)
	}
	sort.Slice(roster, func(i, j int) bool {
		if roster[i].JoinedAt != roster[j].JoinedAt {
			return roster[i].JoinedAt < roster[j].JoinedAt
		}
		return roster[i].UserID < roster[j].UserID
	})
	return roster
}

// Clear empties the roster and moves back to Disconnected. Called when the
// hosting session tears down or transport is lost; the registry
// re-synchronizes on the next join instead of showing stale collaborators.
func (r *PresenceRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = make(map[string]model.PresenceEntry)
	r.lastSeen = make(map[string]time.Time)
	r.state = StateDisconnected
}
