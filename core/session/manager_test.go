package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/TyrellHaywood/echo-sub001/model"
)

type fakeProfileRepo struct{}

func (fakeProfileRepo) GetProfile(userID string) (*model.Profile, error) {
	return &model.Profile{UserID: userID, DisplayName: userID}, nil
}

func newTestManager(t *testing.T, trackRepo *fakeTrackRepo) (*SessionManager, *SessionHub) {
	t.Helper()
	hub := NewSessionHub()
	go hub.Run()
	t.Cleanup(hub.Stop)
	return NewSessionManager(hub, trackRepo, &fakeChatRepo{}, fakeProfileRepo{}, 10*time.Millisecond, time.Minute), hub
}

func joinTestClient(t *testing.T, m *SessionManager, hub *SessionHub, projectID, userID string) *Client {
	t.Helper()
	client := newTestClient(hub, projectID, userID)
	if err := m.Join(context.Background(), client); err != nil {
		t.Fatal(err)
	}
	return client
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestLeaveSecondCallIsNoop(t *testing.T) {
	m, hub := newTestManager(t, newFakeTrackRepo())
	ctx := context.Background()

	aliceConn := joinTestClient(t, m, hub, "p1", "alice")
	joinTestClient(t, m, hub, "p1", "bob")

	// 同一连接既发 leave 帧又断开 socket,两次 Leave 只能生效一次
	m.Leave(ctx, aliceConn)
	m.Leave(ctx, aliceConn)

	ps := m.project("p1")
	if ps == nil {
		t.Fatal("project session torn down while bob is still connected")
	}
	m.mu.Lock()
	refs := ps.refs
	m.mu.Unlock()
	if refs != 1 {
		t.Errorf("expected 1 remaining reference, got %d", refs)
	}

	roster := ps.registry.Roster("")
	if len(roster) != 1 || roster[0].UserID != "bob" {
		t.Errorf("roster should hold only bob, got %v", roster)
	}
}

func TestReconnectKeepsLivePresence(t *testing.T) {
	m, hub := newTestManager(t, newFakeTrackRepo())
	ctx := context.Background()

	oldConn := joinTestClient(t, m, hub, "p1", "alice")
	joinTestClient(t, m, hub, "p1", "bob")

	// 重连踢掉旧连接
	newConn := joinTestClient(t, m, hub, "p1", "alice")
	waitFor(t, "new connection to take over", func() bool {
		return hub.GetClient("p1", "alice") == newConn
	})

	// 旧连接的 socket 关闭后才触发它的 Leave
	m.Leave(ctx, oldConn)
	time.Sleep(50 * time.Millisecond)

	if got := hub.GetClient("p1", "alice"); got != newConn {
		t.Fatalf("hub lost the live connection mapping for alice: got %v", got)
	}

	ps := m.project("p1")
	if ps == nil {
		t.Fatal("project session should still be live")
	}
	roster := ps.registry.Roster("bob")
	if len(roster) != 1 || roster[0].UserID != "alice" {
		t.Errorf("alice must stay on the roster while reconnected, got %v", roster)
	}
}

func TestCursorSnapshotFiltersSelfAndSentinels(t *testing.T) {
	m, hub := newTestManager(t, newFakeTrackRepo())
	client := joinTestClient(t, m, hub, "p1", "alice")

	visible := m.cursorSnapshot(client, []model.CursorState{
		{UserID: "alice", X: 1, Y: 2, ColorToken: ColorTokenFor("alice")},
		{UserID: "bob", X: 5, Y: 6, ColorToken: ColorTokenFor("bob")},
		{UserID: "cara", X: -1, Y: -1, ColorToken: ColorTokenFor("cara")},
	})

	if len(visible) != 1 || visible[0].UserID != "bob" {
		t.Errorf("snapshot should render only bob, got %v", visible)
	}
}

func TestLiveTracksPreferredOverStorage(t *testing.T) {
	repo := newFakeTrackRepo()
	repo.rows["t1"] = model.TrackRecord{ID: "t1", ProjectID: "p1", Gain: 0.5, UpdatedAt: 5, UpdatedBy: "alice"}
	m, hub := newTestManager(t, repo)

	if _, ok := m.LiveTracks("p1"); ok {
		t.Fatal("no session yet, LiveTracks must report not hosted")
	}

	joinTestClient(t, m, hub, "p1", "alice")
	tracks, ok := m.LiveTracks("p1")
	if !ok {
		t.Fatal("hosted project should expose its live table")
	}
	if len(tracks) != 1 || tracks[0].ID != "t1" || tracks[0].Gain != 0.5 {
		t.Errorf("live table should mirror the hydrated rows, got %v", tracks)
	}
}

func TestPingAnswersWithPong(t *testing.T) {
	m, hub := newTestManager(t, newFakeTrackRepo())
	ctx := context.Background()
	client := joinTestClient(t, m, hub, "p1", "alice")

	// 丢掉加入时的初始状态消息
	for {
		select {
		case <-client.Send:
			continue
		default:
		}
		break
	}

	m.HandleEnvelope(ctx, client, &Envelope{Topic: TopicPresence, Type: EvtPing})

	var env Envelope
	if err := json.Unmarshal(recv(t, client), &env); err != nil {
		t.Fatal(err)
	}
	if env.Type != EvtPong {
		t.Errorf("expected pong, got %s", env.Type)
	}
}
