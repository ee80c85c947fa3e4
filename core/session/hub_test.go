package session

import (
	"testing"
	"time"
)

func newTestClient(hub *SessionHub, projectID, userID string) *Client {
	return &Client{
		Hub:       hub,
		Send:      make(chan []byte, 16),
		ProjectID: projectID,
		UserID:    userID,
	}
}

func recv(t *testing.T, client *Client) []byte {
	t.Helper()
	select {
	case message := <-client.Send:
		return message
	case <-time.After(time.Second):
		t.Fatalf("client %s received nothing", client.UserID)
		return nil
	}
}

func expectSilence(t *testing.T, client *Client) {
	t.Helper()
	select {
	case message := <-client.Send:
		t.Fatalf("client %s should not receive, got %s", client.UserID, message)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubBroadcastScopedToProject(t *testing.T) {
	hub := NewSessionHub()
	go hub.Run()
	defer hub.Stop()

	alice := newTestClient(hub, "p1", "alice")
	bob := newTestClient(hub, "p1", "bob")
	eve := newTestClient(hub, "p2", "eve")
	hub.Register(alice)
	hub.Register(bob)
	hub.Register(eve)

	hub.Broadcast("p1", []byte("hello"), "")

	if got := string(recv(t, alice)); got != "hello" {
		t.Errorf("alice got %q", got)
	}
	if got := string(recv(t, bob)); got != "hello" {
		t.Errorf("bob got %q", got)
	}
	expectSilence(t, eve)
}

func TestHubBroadcastExcludesSender(t *testing.T) {
	hub := NewSessionHub()
	go hub.Run()
	defer hub.Stop()

	alice := newTestClient(hub, "p1", "alice")
	bob := newTestClient(hub, "p1", "bob")
	hub.Register(alice)
	hub.Register(bob)

	hub.Broadcast("p1", []byte("from alice"), "alice")

	if got := string(recv(t, bob)); got != "from alice" {
		t.Errorf("bob got %q", got)
	}
	expectSilence(t, alice)
}

func TestHubReplacesDuplicateConnection(t *testing.T) {
	hub := NewSessionHub()
	go hub.Run()
	defer hub.Stop()

	first := newTestClient(hub, "p1", "alice")
	hub.Register(first)

	second := newTestClient(hub, "p1", "alice")
	hub.Register(second)

	// The old connection's channel is closed when the new one takes over.
	select {
	case _, open := <-first.Send:
		if open {
			t.Error("old connection should be closed, not messaged")
		}
	case <-time.After(time.Second):
		t.Fatal("old connection was not closed")
	}

	hub.Broadcast("p1", []byte("hi"), "")
	if got := string(recv(t, second)); got != "hi" {
		t.Errorf("replacement connection got %q", got)
	}
}

func TestHubUnregisterOldConnectionKeepsReplacement(t *testing.T) {
	hub := NewSessionHub()
	go hub.Run()
	defer hub.Stop()

	first := newTestClient(hub, "p1", "alice")
	hub.Register(first)
	second := newTestClient(hub, "p1", "alice")
	hub.Register(second)

	// The kicked connection unregisters late, after the replacement took
	// over; the live mapping must survive that.
	hub.Unregister(first)
	time.Sleep(50 * time.Millisecond)

	if got := hub.GetClient("p1", "alice"); got != second {
		t.Fatalf("replacement connection lost, got %v", got)
	}
	hub.Broadcast("p1", []byte("hello"), "")
	if got := string(recv(t, second)); got != "hello" {
		t.Errorf("replacement connection got %q", got)
	}
}

func TestHubUnregisterStopsDelivery(t *testing.T) {
	hub := NewSessionHub()
	go hub.Run()
	defer hub.Stop()

	alice := newTestClient(hub, "p1", "alice")
	bob := newTestClient(hub, "p1", "bob")
	hub.Register(alice)
	hub.Register(bob)

	hub.Unregister(bob)
	for range bob.Send {
		// drain until the hub closes the channel
	}

	hub.Broadcast("p1", []byte("after leave"), "")
	if got := string(recv(t, alice)); got != "after leave" {
		t.Errorf("alice got %q", got)
	}
	if hub.GetClient("p1", "bob") != nil {
		t.Error("bob should be gone from the user index")
	}
}
